package features

import (
	"fmt"
	"sort"
	"strings"

	"github.com/happyhackingspace/smcrf/crf"
	"github.com/happyhackingspace/smcrf/internal/sequtil"
)

// Emission emits a (state, residue) indicator at every position.
type Emission struct {
	Label  string   `json:"name"`
	States []string `json:"states,omitempty"`
	// Fixed, when set, is the residue alphabet; otherwise it is learned.
	Fixed string `json:"fixed,omitempty"`

	Alphabet string   `json:"alphabet"`
	Rows     []string `json:"rows"`
	RowOf    []int    `json:"row_of"`
}

func (p *Emission) Name() string { return p.Label }

func (p *Emission) NumFeatures() int { return len(p.Rows) * len(p.Alphabet) }

func (p *Emission) FeatureName(i int) string {
	a := len(p.Alphabet)
	return p.Rows[i/a] + ":" + string(p.Alphabet[i%a])
}

func (p *Emission) Strategy() crf.Strategy { return crf.Strategy{Kind: crf.Dense} }

func (p *Emission) Train(_ int, topo *crf.Topology, data []crf.TrainingSequence) error {
	var err error
	if p.Rows, p.RowOf, err = rows(topo, p.States, nil); err != nil {
		return err
	}
	if p.Fixed != "" {
		p.Alphabet = p.Fixed
		return nil
	}
	seqs := make([][]byte, 0, len(data))
	for _, s := range data {
		b := residues(s.Input)
		if b == nil {
			return fmt.Errorf("%w: %s needs residue input", crf.ErrProvider, p.Label)
		}
		seqs = append(seqs, b)
	}
	p.Alphabet = string(sequtil.Alphabet(seqs...))
	return nil
}

func (p *Emission) EvaluateNode(in crf.Input, pos, state int) crf.Evaluation {
	row := rowFor(p.RowOf, state)
	b := residues(in)
	if row < 0 || pos >= len(b) {
		return crf.Evaluation{}
	}
	sym := strings.IndexByte(p.Alphabet, b[pos])
	if sym < 0 {
		return crf.Evaluation{}
	}
	return crf.Emit(crf.Feature{Index: row*len(p.Alphabet) + sym, Value: 1})
}

// KmerWindow emits a (state, k-mer) indicator for the k-mer starting at each
// position. The vocabulary keeps k-mers seen at least MinCount times in
// training.
type KmerWindow struct {
	Label    string   `json:"name"`
	K        int      `json:"k"`
	MinCount int      `json:"min_count"`
	States   []string `json:"states,omitempty"`

	Vocabulary map[string]int `json:"vocabulary"`
	Terms      []string       `json:"terms"`
	Rows       []string       `json:"rows"`
	RowOf      []int          `json:"row_of"`
}

func (p *KmerWindow) Name() string { return p.Label }

func (p *KmerWindow) NumFeatures() int { return len(p.Rows) * len(p.Terms) }

func (p *KmerWindow) FeatureName(i int) string {
	v := len(p.Terms)
	return p.Rows[i/v] + ":" + p.Terms[i%v]
}

func (p *KmerWindow) Strategy() crf.Strategy { return crf.Strategy{Kind: crf.Dense} }

// Train builds the vocabulary from every k-mer in the training inputs.
func (p *KmerWindow) Train(_ int, topo *crf.Topology, data []crf.TrainingSequence) error {
	if p.K < 1 {
		return fmt.Errorf("%w: %s has k=%d", crf.ErrProvider, p.Label, p.K)
	}
	var err error
	if p.Rows, p.RowOf, err = rows(topo, p.States, nil); err != nil {
		return err
	}
	counts := make(map[string]int)
	for _, s := range data {
		b := residues(s.Input)
		if b == nil {
			return fmt.Errorf("%w: %s needs residue input", crf.ErrProvider, p.Label)
		}
		for _, km := range sequtil.Kmers(b, p.K, p.K) {
			counts[km]++
		}
	}

	// Sort terms for deterministic ordering
	p.Terms = p.Terms[:0]
	for term, n := range counts {
		if n >= p.MinCount {
			p.Terms = append(p.Terms, term)
		}
	}
	sort.Strings(p.Terms)
	p.Vocabulary = make(map[string]int, len(p.Terms))
	for i, term := range p.Terms {
		p.Vocabulary[term] = i
	}
	return nil
}

func (p *KmerWindow) EvaluateNode(in crf.Input, pos, state int) crf.Evaluation {
	row := rowFor(p.RowOf, state)
	if row < 0 {
		return crf.Evaluation{}
	}
	km := sequtil.KmerAt(residues(in), pos, p.K)
	if km == "" {
		return crf.Evaluation{}
	}
	idx, ok := p.Vocabulary[km]
	if !ok {
		return crf.Evaluation{}
	}
	return crf.Emit(crf.Feature{Index: row*len(p.Terms) + idx, Value: 1})
}
