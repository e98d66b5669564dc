package features

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/happyhackingspace/smcrf/crf"
	"github.com/happyhackingspace/smcrf/internal/sequtil"
)

// Composition scores a segment by its residues: position-specific indicators
// for the first LeftPad and last RightPad residues (boundary signals such as
// splice sites) and shared composition counts for the interior.
type Composition struct {
	Label    string   `json:"name"`
	LeftPad  int      `json:"left_pad"`
	RightPad int      `json:"right_pad"`
	States   []string `json:"states,omitempty"`

	Alphabet string   `json:"alphabet"`
	Rows     []string `json:"rows"`
	RowOf    []int    `json:"row_of"`
}

func (p *Composition) Name() string { return p.Label }

func (p *Composition) slots() int { return p.LeftPad + p.RightPad + 1 }

func (p *Composition) NumFeatures() int { return len(p.Rows) * p.slots() * len(p.Alphabet) }

func (p *Composition) FeatureName(i int) string {
	a := len(p.Alphabet)
	sym := string(p.Alphabet[i%a])
	slot := (i / a) % p.slots()
	row := p.Rows[i/a/p.slots()]
	var where string
	switch {
	case slot < p.LeftPad:
		where = "start+" + strconv.Itoa(slot)
	case slot < p.LeftPad+p.RightPad:
		where = "end-" + strconv.Itoa(slot-p.LeftPad+1)
	default:
		where = "interior"
	}
	return row + ":" + where + ":" + sym
}

func (p *Composition) Strategy() crf.Strategy {
	return crf.Strategy{Kind: crf.BoundaryPadded, LeftPad: p.LeftPad, RightPad: p.RightPad}
}

func (p *Composition) Train(_ int, topo *crf.Topology, data []crf.TrainingSequence) error {
	if p.LeftPad < 0 || p.RightPad < 0 {
		return fmt.Errorf("%w: %s has negative padding", crf.ErrProvider, p.Label)
	}
	var err error
	if p.Rows, p.RowOf, err = rows(topo, p.States, topo.IsExplicit); err != nil {
		return err
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

func (p *Composition) slot(off crf.Offset) int {
	switch {
	case off == crf.Interior:
		return p.LeftPad + p.RightPad
	case off >= 0:
		return int(off)
	default:
		return p.LeftPad + int(-off) - 1
	}
}

// EvaluateTerm scores the residue at pos as seen from a segment boundary.
func (p *Composition) EvaluateTerm(in crf.Input, pos, state int, off crf.Offset) crf.Evaluation {
	row := rowFor(p.RowOf, state)
	b := residues(in)
	if row < 0 || pos < 0 || pos >= len(b) {
		return crf.Evaluation{}
	}
	sym := strings.IndexByte(p.Alphabet, b[pos])
	if sym < 0 {
		return crf.Evaluation{}
	}
	idx := (row*p.slots()+p.slot(off))*len(p.Alphabet) + sym
	return crf.Emit(crf.Feature{Index: idx, Value: 1})
}

func (p *Composition) EvaluateLengthNode(in crf.Input, end, state, duration int) crf.Evaluation {
	return crf.SumTerms(p, in, end-duration+1, end, state, p.LeftPad, p.RightPad)
}
