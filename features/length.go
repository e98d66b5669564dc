package features

import (
	"fmt"
	"math"

	"github.com/happyhackingspace/smcrf/crf"
)

// LengthDistribution scores a segment by the smoothed log-frequency of its
// duration among training segments of the same state. One feature per
// explicit-duration state.
type LengthDistribution struct {
	Label       string   `json:"name"`
	Pseudocount float64  `json:"pseudocount"`
	States      []string `json:"states,omitempty"`

	Rows    []string    `json:"rows"`
	RowOf   []int       `json:"row_of"`
	Min     []int       `json:"min"`
	LogProb [][]float64 `json:"log_prob"` // [row][duration-Min]
}

func (p *LengthDistribution) Name() string             { return p.Label }
func (p *LengthDistribution) NumFeatures() int         { return len(p.Rows) }
func (p *LengthDistribution) FeatureName(i int) string { return p.Rows[i] + ":length" }
func (p *LengthDistribution) Strategy() crf.Strategy   { return crf.Strategy{Kind: crf.LengthFunction} }

// Train counts the durations of maximal runs in the gold labels.
func (p *LengthDistribution) Train(_ int, topo *crf.Topology, data []crf.TrainingSequence) error {
	var err error
	if p.Rows, p.RowOf, err = rows(topo, p.States, topo.IsExplicit); err != nil {
		return err
	}
	if p.Pseudocount <= 0 {
		return fmt.Errorf("%w: %s needs a positive pseudocount", crf.ErrProvider, p.Label)
	}
	p.Min = make([]int, len(p.Rows))
	counts := make([][]float64, len(p.Rows))
	for s, row := range p.RowOf {
		if row < 0 {
			continue
		}
		r, _ := topo.Duration(s)
		p.Min[row] = r.Min
		counts[row] = make([]float64, r.Max-r.Min+1)
	}
	for _, sq := range data {
		forEachRun(sq.Labels, func(state, start, end int) {
			row := rowFor(p.RowOf, state)
			if row < 0 {
				return
			}
			if i := end - start + 1 - p.Min[row]; i >= 0 && i < len(counts[row]) {
				counts[row][i]++
			}
		})
	}
	p.LogProb = make([][]float64, len(p.Rows))
	for row, c := range counts {
		total := 0.0
		for _, v := range c {
			total += v
		}
		denom := total + p.Pseudocount*float64(len(c))
		p.LogProb[row] = make([]float64, len(c))
		for i, v := range c {
			p.LogProb[row][i] = math.Log((v + p.Pseudocount) / denom)
		}
	}
	return nil
}

func (p *LengthDistribution) EvaluateLengthNode(_ crf.Input, _, state, duration int) crf.Evaluation {
	row := rowFor(p.RowOf, state)
	if row < 0 {
		return crf.Evaluation{}
	}
	i := duration - p.Min[row]
	if i < 0 || i >= len(p.LogProb[row]) {
		return crf.Evaluation{}
	}
	return crf.Emit(crf.Feature{Index: row, Value: p.LogProb[row][i]})
}

// EntryLength emits log(duration) on entry into an explicit-duration
// segment, one feature per incoming transition.
type EntryLength struct {
	Label  string   `json:"name"`
	Names  []string `json:"names"`
	Lookup [][]int  `json:"lookup"`
}

func (p *EntryLength) Name() string             { return p.Label }
func (p *EntryLength) NumFeatures() int         { return len(p.Names) }
func (p *EntryLength) FeatureName(i int) string { return p.Names[i] }
func (p *EntryLength) Strategy() crf.Strategy   { return crf.Strategy{Kind: crf.LengthFunction} }

func (p *EntryLength) Train(_ int, topo *crf.Topology, _ []crf.TrainingSequence) error {
	n := topo.NumStates()
	p.Names = p.Names[:0]
	p.Lookup = make([][]int, n)
	for i := range p.Lookup {
		p.Lookup[i] = make([]int, n)
		for j := range p.Lookup[i] {
			p.Lookup[i][j] = -1
		}
	}
	for _, e := range topo.Edges() {
		if !topo.IsExplicit(e.To) {
			continue
		}
		p.Lookup[e.From][e.To] = len(p.Names)
		p.Names = append(p.Names, topo.StateName(e.From)+"->"+topo.StateName(e.To)+":log-length")
	}
	return nil
}

func (p *EntryLength) EvaluateLengthEdge(_ crf.Input, _, prev, state, duration int) crf.Evaluation {
	if prev < 0 || prev >= len(p.Lookup) || state < 0 || state >= len(p.Lookup[prev]) || duration < 1 {
		return crf.Evaluation{}
	}
	i := p.Lookup[prev][state]
	if i < 0 {
		return crf.Evaluation{}
	}
	return crf.Emit(crf.Feature{Index: i, Value: math.Log(float64(duration))})
}

// forEachRun calls fn for every maximal run of equal labels.
func forEachRun(labels []int, fn func(state, start, end int)) {
	for start := 0; start < len(labels); {
		end := start
		for end+1 < len(labels) && labels[end+1] == labels[start] {
			end++
		}
		fn(labels[start], start, end)
		start = end + 1
	}
}
