package features

import (
	"fmt"
	"math"

	"github.com/happyhackingspace/smcrf/crf"
	"github.com/happyhackingspace/smcrf/internal/sequtil"
	"github.com/happyhackingspace/smcrf/seq"
)

// Signal emits the standardized value of an evidence track, one feature per
// state. It reads only the named component of a multi-track input.
type Signal struct {
	Label  string   `json:"name"`
	Track  string   `json:"track"`
	States []string `json:"states,omitempty"`

	Mean  float64  `json:"mean"`
	Std   float64  `json:"std"`
	Rows  []string `json:"rows"`
	RowOf []int    `json:"row_of"`
}

func (p *Signal) Name() string             { return p.Label }
func (p *Signal) Component() string        { return p.Track }
func (p *Signal) NumFeatures() int         { return len(p.Rows) }
func (p *Signal) FeatureName(i int) string { return p.Rows[i] + ":" + p.Track }
func (p *Signal) Strategy() crf.Strategy   { return crf.Strategy{Kind: crf.Dense} }

// Train estimates the track mean and standard deviation.
func (p *Signal) Train(_ int, topo *crf.Topology, data []crf.TrainingSequence) error {
	var err error
	if p.Rows, p.RowOf, err = rows(topo, p.States, nil); err != nil {
		return err
	}
	var sum, sq float64
	n := 0
	for _, s := range data {
		sig, ok := s.Input.(seq.Signal)
		if !ok {
			return fmt.Errorf("%w: %s needs a signal track", crf.ErrProvider, p.Label)
		}
		for _, v := range sig {
			sum += v
			sq += v * v
			n++
		}
	}
	p.Mean, p.Std = 0, 1
	if n > 0 {
		p.Mean = sum / float64(n)
		if v := sq/float64(n) - p.Mean*p.Mean; v > 1e-12 {
			p.Std = math.Sqrt(v)
		}
	}
	return nil
}

func (p *Signal) EvaluateNode(in crf.Input, pos, state int) crf.Evaluation {
	row := rowFor(p.RowOf, state)
	sig, ok := in.(seq.Signal)
	if row < 0 || !ok || pos >= len(sig) {
		return crf.Evaluation{}
	}
	return crf.Emit(crf.Feature{Index: row, Value: (sig[pos] - p.Mean) / p.Std})
}

// GCWindow emits the GC content of the window around each position, one
// feature per state. It declares no caching strategy.
type GCWindow struct {
	Label  string   `json:"name"`
	Radius int      `json:"radius"`
	States []string `json:"states,omitempty"`

	Rows  []string `json:"rows"`
	RowOf []int    `json:"row_of"`
}

func (p *GCWindow) Name() string             { return p.Label }
func (p *GCWindow) NumFeatures() int         { return len(p.Rows) }
func (p *GCWindow) FeatureName(i int) string { return p.Rows[i] + ":gc" }
func (p *GCWindow) Strategy() crf.Strategy   { return crf.Strategy{Kind: crf.Unspecified} }

func (p *GCWindow) Train(_ int, topo *crf.Topology, _ []crf.TrainingSequence) error {
	var err error
	p.Rows, p.RowOf, err = rows(topo, p.States, nil)
	return err
}

func (p *GCWindow) EvaluateNode(in crf.Input, pos, state int) crf.Evaluation {
	row := rowFor(p.RowOf, state)
	b := residues(in)
	if row < 0 || pos >= len(b) {
		return crf.Evaluation{}
	}
	return crf.Emit(crf.Feature{Index: row, Value: sequtil.GCContent(sequtil.Window(b, pos, p.Radius))})
}

// Mask declares states illegal at positions holding one of Symbols (for
// example, no exon over an N). It emits no features.
type Mask struct {
	Label   string   `json:"name"`
	Symbols string   `json:"symbols"`
	States  []string `json:"states,omitempty"`

	Masked []bool `json:"masked"`
}

func (p *Mask) Name() string           { return p.Label }
func (p *Mask) NumFeatures() int       { return 0 }
func (p *Mask) FeatureName(int) string { return "" }
func (p *Mask) Strategy() crf.Strategy { return crf.Strategy{Kind: crf.Sparse} }

func (p *Mask) Train(_ int, topo *crf.Topology, _ []crf.TrainingSequence) error {
	_, rowOf, err := rows(topo, p.States, nil)
	if err != nil {
		return err
	}
	p.Masked = make([]bool, len(rowOf))
	for s, r := range rowOf {
		p.Masked[s] = r >= 0
	}
	return nil
}

func (p *Mask) EvaluateNode(in crf.Input, pos, state int) crf.Evaluation {
	b := residues(in)
	if state < 0 || state >= len(p.Masked) || !p.Masked[state] || pos >= len(b) {
		return crf.Evaluation{}
	}
	for i := 0; i < len(p.Symbols); i++ {
		if p.Symbols[i] == b[pos] {
			return crf.Reject()
		}
	}
	return crf.Evaluation{}
}
