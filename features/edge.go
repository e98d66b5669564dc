package features

import "github.com/happyhackingspace/smcrf/crf"

// EdgeBias emits one shared feature on every legal transition.
type EdgeBias struct {
	Label string `json:"name"`
}

func (p *EdgeBias) Name() string           { return p.Label }
func (p *EdgeBias) NumFeatures() int       { return 1 }
func (p *EdgeBias) FeatureName(int) string { return "bias" }
func (p *EdgeBias) Strategy() crf.Strategy { return crf.Strategy{Kind: crf.Constant} }

func (p *EdgeBias) Train(int, *crf.Topology, []crf.TrainingSequence) error { return nil }

func (p *EdgeBias) EvaluateEdge(_ crf.Input, _, _, _ int) crf.Evaluation {
	return crf.Emit(crf.Feature{Index: 0, Value: 1})
}

// Transitions emits one indicator feature per legal transition.
type Transitions struct {
	Label  string   `json:"name"`
	Names  []string `json:"names"`
	Lookup [][]int  `json:"lookup"` // [from][to] feature, -1 if illegal
}

func (p *Transitions) Name() string             { return p.Label }
func (p *Transitions) NumFeatures() int         { return len(p.Names) }
func (p *Transitions) FeatureName(i int) string { return p.Names[i] }
func (p *Transitions) Strategy() crf.Strategy   { return crf.Strategy{Kind: crf.Constant} }

func (p *Transitions) Train(_ int, topo *crf.Topology, _ []crf.TrainingSequence) error {
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
		p.Lookup[e.From][e.To] = len(p.Names)
		p.Names = append(p.Names, topo.StateName(e.From)+"->"+topo.StateName(e.To))
	}
	return nil
}

func (p *Transitions) EvaluateEdge(_ crf.Input, _, prev, state int) crf.Evaluation {
	if prev < 0 || prev >= len(p.Lookup) || state < 0 || state >= len(p.Lookup[prev]) {
		return crf.Evaluation{}
	}
	i := p.Lookup[prev][state]
	if i < 0 {
		return crf.Evaluation{}
	}
	return crf.Emit(crf.Feature{Index: i, Value: 1})
}
