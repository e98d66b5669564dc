package crf

import (
	"math"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// symbols is a minimal residue input for tests.
type symbols string

func (s symbols) Len() int { return len(s) }

// tracks is a minimal MultiTrack input.
type tracks struct {
	symbols
	parts map[string]Input
}

func (t tracks) Component(name string) (Input, bool) {
	in, ok := t.parts[name]
	return in, ok
}

type base struct {
	name  string
	n     int
	st    Strategy
	calls atomic.Int64
}

func (b *base) Name() string             { return b.name }
func (b *base) NumFeatures() int         { return b.n }
func (b *base) FeatureName(i int) string { return strconv.Itoa(i) }
func (b *base) Strategy() Strategy       { return b.st }

func (b *base) Train(int, *Topology, []TrainingSequence) error { return nil }

// count returns how many times the provider was evaluated.
func (b *base) count() int { return int(b.calls.Load()) }

func newBase(name string, n int, st Strategy) base {
	return base{name: name, n: n, st: st}
}

func kind(k StrategyKind) Strategy { return Strategy{Kind: k} }

func feature(i int, v float64) Evaluation { return Emit(Feature{Index: i, Value: v}) }

func wave(i int) float64 { return 0.3 * math.Sin(float64(i)+1) }

func symAt(in Input, pos int) byte {
	switch v := in.(type) {
	case symbols:
		return v[pos]
	case tracks:
		return v.symbols[pos]
	}
	return 0
}

type nodeFunc struct {
	base
	f func(in Input, pos, state int) Evaluation
}

func (p *nodeFunc) EvaluateNode(in Input, pos, state int) Evaluation {
	p.calls.Add(1)
	return p.f(in, pos, state)
}

type edgeFunc struct {
	base
	f func(in Input, pos, prev, state int) Evaluation
}

func (p *edgeFunc) EvaluateEdge(in Input, pos, prev, state int) Evaluation {
	p.calls.Add(1)
	return p.f(in, pos, prev, state)
}

type lengthNodeFunc struct {
	base
	f func(in Input, end, state, d int) Evaluation
}

func (p *lengthNodeFunc) EvaluateLengthNode(in Input, end, state, d int) Evaluation {
	p.calls.Add(1)
	return p.f(in, end, state, d)
}

type lengthEdgeFunc struct {
	base
	f func(in Input, start, prev, state, d int) Evaluation
}

func (p *lengthEdgeFunc) EvaluateLengthEdge(in Input, start, prev, state, d int) Evaluation {
	p.calls.Add(1)
	return p.f(in, start, prev, state, d)
}

type termFunc struct {
	base
	f func(in Input, pos, state int, off Offset) Evaluation
}

func (p *termFunc) EvaluateTerm(in Input, pos, state int, off Offset) Evaluation {
	p.calls.Add(1)
	return p.f(in, pos, state, off)
}

func (p *termFunc) EvaluateLengthNode(in Input, end, state, d int) Evaluation {
	return SumTerms(p, in, end-d+1, end, state, p.st.LeftPad, p.st.RightPad)
}

func dur(lo, hi int) *DurationRange { return &DurationRange{Min: lo, Max: hi} }

// mixedTopology has Markov states A and C and explicit state B in [2,5].
func mixedTopology(t *testing.T) *Topology {
	t.Helper()
	topo, err := NewTopology([]StateSpec{
		{Name: "A"},
		{Name: "B", Duration: dur(2, 5)},
		{Name: "C"},
	}, [][2]string{{"A", "A"}, {"A", "B"}, {"B", "A"}, {"B", "C"}, {"C", "C"}, {"C", "A"}})
	require.NoError(t, err)
	return topo
}

// chainTopology has three explicit states and two legal transitions.
func chainTopology(t *testing.T) *Topology {
	t.Helper()
	topo, err := NewTopology([]StateSpec{
		{Name: "A", Duration: dur(1, 4)},
		{Name: "B", Duration: dur(1, 3)},
		{Name: "C", Duration: dur(1, 6)},
	}, [][2]string{{"A", "B"}, {"B", "C"}})
	require.NoError(t, err)
	return topo
}

// toyProviders returns one provider per strategy. State 1 is invalid over
// 'z' and the padded provider rejects interior 'q' for state 1.
func toyProviders(ns int) []Provider {
	symVal := func(c byte, s int) float64 { return float64((int(c)+3*s)%5) / 4 }
	return []Provider{
		&nodeFunc{base: newBase("emit", 2*ns, kind(Dense)), f: func(in Input, pos, s int) Evaluation {
			return Emit(Feature{Index: s, Value: symVal(symAt(in, pos), s)}, Feature{Index: ns + s, Value: 1})
		}},
		&nodeFunc{base: newBase("mask", 0, kind(Sparse)), f: func(in Input, pos, s int) Evaluation {
			if s == 1 && symAt(in, pos) == 'z' {
				return Reject()
			}
			return Evaluation{}
		}},
		&nodeFunc{base: newBase("prior", ns, kind(Constant)), f: func(_ Input, _, s int) Evaluation {
			return feature(s, 1)
		}},
		&edgeFunc{base: newBase("trans", ns*ns, kind(Constant)), f: func(_ Input, _, p, s int) Evaluation {
			return feature(p*ns+s, 1)
		}},
		&edgeFunc{base: newBase("phase", 1, kind(Unspecified)), f: func(_ Input, pos, p, s int) Evaluation {
			if p < s {
				return feature(0, float64(pos%3))
			}
			return Evaluation{}
		}},
		&lengthNodeFunc{base: newBase("loglen", ns, kind(LengthFunction)), f: func(_ Input, _, s, d int) Evaluation {
			return feature(s, math.Log(float64(d)))
		}},
		&lengthNodeFunc{base: newBase("endlen", 1, kind(Unspecified)), f: func(_ Input, end, _, d int) Evaluation {
			return feature(0, float64((end+d)%4)/3)
		}},
		&lengthEdgeFunc{base: newBase("entry", ns*ns, kind(LengthFunction)), f: func(_ Input, _, p, s, d int) Evaluation {
			return feature(p*ns+s, 1/float64(d))
		}},
		&termFunc{base: newBase("comp", 4*ns, Strategy{Kind: BoundaryPadded, LeftPad: 2, RightPad: 1}), f: func(in Input, pos, s int, off Offset) Evaluation {
			c := symAt(in, pos)
			if s == 1 && c == 'q' && off == Interior {
				return Reject()
			}
			slot := 3
			if off != Interior {
				if off >= 0 {
					slot = int(off)
				} else {
					slot = 2
				}
			}
			return feature(slot*ns+s, symVal(c, s)+0.5)
		}},
	}
}

func newToyAggregator(t *testing.T, cfg Config, topo *Topology, ps ...Provider) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(cfg, ps...)
	require.NoError(t, err)
	require.NoError(t, agg.Train(topo, nil))
	return agg
}

func toyWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = wave(i)
	}
	return w
}

func dense(e Evaluation, n int) []float64 {
	out := make([]float64, n)
	e.AddTo(out, 1)
	return out
}

// naivePathScore scores labels by calling the aggregator directly, without
// any cache. ok is false for illegal or invalid paths.
func naivePathScore(t *testing.T, topo *Topology, agg *Aggregator, in Input, labels []int, w []float64) (float64, bool) {
	t.Helper()
	var total float64
	add := func(e Evaluation, err error) bool {
		require.NoError(t, err)
		if e.Invalid() {
			return false
		}
		total += e.Score(w)
		return true
	}
	for i := 0; i < len(labels); {
		s := labels[i]
		if i > 0 && !topo.Legal(labels[i-1], s) {
			return 0, false
		}
		end := i
		if topo.IsExplicit(s) {
			for end+1 < len(labels) && labels[end+1] == s {
				end++
			}
			r, _ := topo.Duration(s)
			if !r.Contains(end - i + 1) {
				return 0, false
			}
		}
		for pos := i; pos <= end; pos++ {
			if !add(agg.EvaluateNode(in, pos, s)) {
				return 0, false
			}
		}
		if i > 0 && !add(agg.EvaluateEdge(in, i, labels[i-1], s)) {
			return 0, false
		}
		if topo.IsExplicit(s) {
			d := end - i + 1
			if !add(agg.EvaluateLengthNode(in, end, s, d)) {
				return 0, false
			}
			if i > 0 && !add(agg.EvaluateLengthEdge(in, i, labels[i-1], s, d)) {
				return 0, false
			}
		}
		i = end + 1
	}
	return total, true
}

// enumerate calls fn for every label sequence of length n over ns states.
func enumerate(n, ns int, fn func(labels []int)) {
	labels := make([]int, n)
	var rec func(i int)
	rec = func(i int) {
		if i == n {
			fn(labels)
			return
		}
		for s := range ns {
			labels[i] = s
			rec(i + 1)
		}
	}
	rec(0)
}

// filledTable builds a one-sequence cache, fills it and weighs it.
func filledTable(t *testing.T, topo *Topology, agg *Aggregator, in Input, w []float64) *ScoreTable {
	t.Helper()
	c, err := NewPotentialCache(topo, agg, in)
	require.NoError(t, err)
	require.NoError(t, c.fillSequence(0))
	tb, err := c.Scores(0, w)
	require.NoError(t, err)
	return tb
}
