package crf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertSameEvaluation(t *testing.T, want, got Evaluation, nf int, msg string) {
	t.Helper()
	require.Equal(t, want.Invalid(), got.Invalid(), "%s: invalidity", msg)
	if !want.Invalid() {
		assert.InDeltaSlice(t, dense(want, nf), dense(got, nf), 1e-9, msg)
	}
}

// assertCacheMatchesNaive compares every cached potential and segment of a
// filled cache with direct aggregator evaluation.
func assertCacheMatchesNaive(t *testing.T, topo *Topology, agg *Aggregator, in Input) {
	t.Helper()
	nf, ns, n := agg.NumFeatures(), topo.NumStates(), in.Len()
	c, err := NewPotentialCache(topo, agg, in)
	require.NoError(t, err)
	require.NoError(t, c.Fill(context.Background(), 1))

	for pos := range n {
		for s := range ns {
			want, err := agg.EvaluateNode(in, pos, s)
			require.NoError(t, err)
			got, err := c.Potential(0, pos, s)
			require.NoError(t, err)
			assertSameEvaluation(t, want, got, nf, fmt.Sprintf("node %d at %d", s, pos))
		}
		for i, e := range topo.Edges() {
			got, err := c.Potential(0, pos, ns+i)
			require.NoError(t, err)
			if pos == 0 {
				assert.Equal(t, StatusUnset, got.Status)
				continue
			}
			want, err := agg.EvaluateEdge(in, pos, e.From, e.To)
			require.NoError(t, err)
			assertSameEvaluation(t, want, got, nf, fmt.Sprintf("edge %v at %d", e, pos))
		}
	}

	for end := range n {
		for _, s := range topo.ExplicitStates() {
			r, _ := topo.Duration(s)
			for d := r.Min; d <= r.Max; d++ {
				msg := fmt.Sprintf("segment of %d ending at %d, duration %d", s, end, d)
				start := end - d + 1
				reachable := start >= 0
				for pos := max(start, 0); reachable && pos <= end; pos++ {
					e, err := agg.EvaluateNode(in, pos, s)
					require.NoError(t, err)
					reachable = !e.Invalid()
				}
				seg, ok, err := c.Segment(0, end, s, d)
				require.NoError(t, err)
				require.Equal(t, reachable, ok, msg)
				if !ok {
					continue
				}
				assert.Equal(t, Segment{State: s, Duration: d, Start: start, End: end}, Segment{State: seg.State, Duration: seg.Duration, Start: seg.Start, End: seg.End})

				want, err := agg.EvaluateLengthNode(in, end, s, d)
				require.NoError(t, err)
				assertSameEvaluation(t, want, seg.Node, nf, msg)
				if start == 0 || want.Invalid() {
					assert.Nil(t, seg.Entry, msg)
					continue
				}
				require.Len(t, seg.Entry, len(topo.Predecessors(s)))
				for i, p := range topo.Predecessors(s) {
					edge, err := agg.EvaluateEdge(in, start, p, s)
					require.NoError(t, err)
					le, err := agg.EvaluateLengthEdge(in, start, p, s, d)
					require.NoError(t, err)
					assertSameEvaluation(t, Merge(edge, le), seg.Entry[i], nf, msg+fmt.Sprintf(" entry from %d", p))
				}
			}
		}
	}
}

func TestCacheMatchesNaiveEvaluation(t *testing.T) {
	inputs := []symbols{"x", "xyqqqqyzxqqqqx", "qqqqqqzqqqq", "zyxzyxzyx"}
	for _, padding := range []bool{true, false} {
		for name, mk := range map[string]func(*testing.T) *Topology{"mixed": mixedTopology, "chain": chainTopology} {
			t.Run(fmt.Sprintf("%s/padding=%v", name, padding), func(t *testing.T) {
				topo := mk(t)
				agg := newToyAggregator(t, Config{BoundaryPadding: padding}, topo, toyProviders(topo.NumStates())...)
				for _, in := range inputs {
					assertCacheMatchesNaive(t, topo, agg, in)
				}
			})
		}
	}
}

func TestPaddingDoesNotChangeScores(t *testing.T) {
	topo := mixedTopology(t)
	in := symbols("xyqqqqyzxqqqqxyy")
	var tables []*ScoreTable
	for _, padding := range []bool{true, false} {
		agg := newToyAggregator(t, Config{BoundaryPadding: padding}, topo, toyProviders(topo.NumStates())...)
		tables = append(tables, filledTable(t, topo, agg, in, toyWeights(agg.NumFeatures())))
	}
	a, b := tables[0], tables[1]
	for end := range in.Len() {
		require.Len(t, b.ends[end], len(a.ends[end]))
		for k := range a.ends[end] {
			require.Len(t, b.ends[end][k], len(a.ends[end][k]))
			for i := range a.ends[end][k] {
				assert.InDelta(t, a.ends[end][k][i].score, b.ends[end][k][i].score, 1e-9)
			}
		}
	}
	pa, err := Viterbi(a)
	require.NoError(t, err)
	pb, err := Viterbi(b)
	require.NoError(t, err)
	assert.Equal(t, pa.Labels, pb.Labels)
	assert.InDelta(t, pa.Score, pb.Score, 1e-9)
}

func TestCacheCallCountsFollowStrategy(t *testing.T) {
	topo := mixedTopology(t)
	ns := topo.NumStates()
	ps := toyProviders(ns)
	agg := newToyAggregator(t, DefaultConfig(), topo, ps...)
	in := symbols("xyxyxyxyxyxy")
	n := in.Len()

	c, err := NewPotentialCache(topo, agg, in)
	require.NoError(t, err)
	require.NoError(t, c.Fill(context.Background(), 0))

	emit, prior := ps[0].(*nodeFunc), ps[2].(*nodeFunc)
	trans, phase := ps[3].(*edgeFunc), ps[4].(*edgeFunc)
	loglen, comp := ps[5].(*lengthNodeFunc), ps[8].(*termFunc)

	assert.Equal(t, n*ns, emit.count(), "dense node providers run once per position and state")
	assert.Equal(t, ns, prior.count(), "constant node providers run once per state")
	assert.Equal(t, topo.NumEdges(), trans.count(), "constant edge providers run once per edge")
	assert.Equal(t, (n-1)*topo.NumEdges(), phase.count())
	assert.Equal(t, 4, loglen.count(), "length functions run once per admissible duration")

	st := c.Stats()
	assert.Equal(t, n, st.PositionMisses)
	assert.Equal(t, n, st.SegmentMisses)
	assert.Positive(t, st.PositionHits)
	assert.Equal(t, comp.count(), st.TermCalls)
	assert.Equal(t, emit.count()+ps[1].(*nodeFunc).count()+prior.count(), st.NodeCalls)

	// Terms are shared between overlapping segments.
	segments := 0
	for end := range n {
		se, err := c.EvaluateSegmentsEndingAt(0, end)
		require.NoError(t, err)
		for _, seg := range se.Segments(0) {
			segments += seg.Duration
		}
	}
	assert.Less(t, comp.count(), segments)
}

func TestLookbackStopsAtInvalidNode(t *testing.T) {
	topo := mixedTopology(t)
	ns := topo.NumStates()
	ps := toyProviders(ns)
	agg := newToyAggregator(t, DefaultConfig(), topo, ps...)
	in := symbols("xxzxxxx")

	c, err := NewPotentialCache(topo, agg, in)
	require.NoError(t, err)
	se, err := c.EvaluateSegmentsEndingAt(0, 4)
	require.NoError(t, err)
	segs := se.Segments(0)
	require.Len(t, segs, 1)
	assert.Equal(t, 3, segs[0].Start)

	_, ok, err := c.Segment(0, 4, 1, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Potential(0, 1, 0)
	assert.ErrorIs(t, err, ErrCacheMiss, "no position before the invalid one is evaluated")
	_, err = c.Potential(0, 2, 0)
	assert.NoError(t, err)
}

func TestCacheErrors(t *testing.T) {
	topo := mixedTopology(t)
	agg := newToyAggregator(t, DefaultConfig(), topo, toyProviders(topo.NumStates())...)
	in := symbols("xyxy")
	c, err := NewPotentialCache(topo, agg, in)
	require.NoError(t, err)

	_, err = c.Address(1, 0)
	assert.ErrorIs(t, err, ErrSequenceRange)
	_, err = c.Address(0, 4)
	assert.ErrorIs(t, err, ErrPositionRange)
	_, err = c.Potential(0, 0, 0)
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Potential(0, 0, topo.NumPotentials())
	assert.ErrorIs(t, err, ErrPotentialRange)
	_, _, err = c.Segment(0, 3, 1, 2)
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, _, err = c.Segment(0, 3, 1, 6)
	assert.ErrorIs(t, err, ErrDurationRange)
	_, _, err = c.Segment(0, 3, 0, 1)
	assert.ErrorIs(t, err, ErrDurationRange)
	_, err = c.Scores(0, toyWeights(agg.NumFeatures()))
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Fill(context.Background(), 1))
	_, err = c.Scores(0, toyWeights(agg.NumFeatures()-1))
	assert.ErrorIs(t, err, ErrWeights)
	w := toyWeights(agg.NumFeatures())
	w[3] = math.NaN()
	_, err = c.Scores(0, w)
	assert.ErrorIs(t, err, ErrNumerical)
	_, err = c.Scores(2, toyWeights(agg.NumFeatures()))
	assert.ErrorIs(t, err, ErrSequenceRange)
}

func TestCacheFailsFastOnBadFeatures(t *testing.T) {
	topo := mixedTopology(t)
	tests := []struct {
		name string
		p    Provider
		want error
	}{
		{"index out of range", &nodeFunc{base: newBase("bad", 1, kind(Dense)), f: func(Input, int, int) Evaluation {
			return feature(1, 1)
		}}, ErrFeatureRange},
		{"negative index", &edgeFunc{base: newBase("bad", 1, kind(Constant)), f: func(Input, int, int, int) Evaluation {
			return feature(-1, 1)
		}}, ErrFeatureRange},
		{"nan value", &lengthNodeFunc{base: newBase("bad", 1, kind(LengthFunction)), f: func(Input, int, int, int) Evaluation {
			return feature(0, math.NaN())
		}}, ErrNumerical},
		{"infinite term", &termFunc{base: newBase("bad", 1, Strategy{Kind: BoundaryPadded, LeftPad: 1}), f: func(Input, int, int, Offset) Evaluation {
			return feature(0, math.Inf(1))
		}}, ErrNumerical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := newToyAggregator(t, DefaultConfig(), topo, tt.p)
			c, err := NewPotentialCache(topo, agg, symbols("xyxyxy"))
			require.NoError(t, err)
			assert.ErrorIs(t, c.Fill(context.Background(), 1), tt.want)
		})
	}
}

func TestCacheAddressesManySequences(t *testing.T) {
	topo := mixedTopology(t)
	agg := newToyAggregator(t, DefaultConfig(), topo, toyProviders(topo.NumStates())...)
	inputs := []Input{symbols("xyqqqqyx"), symbols(""), symbols("zz"), symbols("qxqxqxqxqxq")}
	w := toyWeights(agg.NumFeatures())

	c, err := NewPotentialCache(topo, agg, inputs...)
	require.NoError(t, err)
	require.NoError(t, c.Fill(context.Background(), 2))
	assert.Equal(t, 4, c.NumSequences())

	addr, err := c.Address(3, 2)
	require.NoError(t, err)
	assert.Equal(t, 8+0+2+2, addr)

	for i, in := range inputs {
		assert.Equal(t, in.Len(), c.Len(i))
		tb, err := c.Scores(i, w)
		require.NoError(t, err)
		single := filledTable(t, topo, agg, in, w)
		for pos := range in.Len() {
			for s := range topo.NumStates() {
				assert.Equal(t, single.Node(pos, s), tb.Node(pos, s))
			}
		}
	}
}

type termContext struct {
	pos, state int
	off        Offset
}

// recordTerms wraps the padded provider of toyProviders so that every term it
// is asked for lands in seen.
func recordTerms(ps []Provider, seen map[termContext]bool) {
	comp := ps[8].(*termFunc)
	inner := comp.f
	comp.f = func(in Input, pos, s int, off Offset) Evaluation {
		seen[termContext{pos, s, off}] = true
		return inner(in, pos, s, off)
	}
}

func TestPaddedTermsStayInsideLookback(t *testing.T) {
	topo := mixedTopology(t)
	ns := topo.NumStates()
	positions := func(padding bool) []int {
		ps := toyProviders(ns)
		seen := make(map[termContext]bool)
		recordTerms(ps, seen)
		agg := newToyAggregator(t, Config{BoundaryPadding: padding}, topo, ps...)
		c, err := NewPotentialCache(topo, agg, symbols("xxzxxxx"))
		require.NoError(t, err)
		_, err = c.EvaluateSegmentsEndingAt(0, 4)
		require.NoError(t, err)

		set := make(map[int]bool)
		for k := range seen {
			set[k.pos] = true
		}
		out := make([]int, 0, len(set))
		for pos := range set {
			out = append(out, pos)
		}
		sort.Ints(out)
		return out
	}
	assert.Equal(t, []int{3, 4}, positions(false))
	assert.Equal(t, []int{3, 4}, positions(true), "padding must not reach past the invalid node at 2 or beyond the segment end")
}

func TestPaddedTermsAreSegmentContexts(t *testing.T) {
	topo := mixedTopology(t)
	ns := topo.NumStates()
	in := symbols("xxzxxqxxxxxxzxx")
	contexts := func(padding bool) map[termContext]bool {
		ps := toyProviders(ns)
		seen := make(map[termContext]bool)
		recordTerms(ps, seen)
		agg := newToyAggregator(t, Config{BoundaryPadding: padding}, topo, ps...)
		c, err := NewPotentialCache(topo, agg, in)
		require.NoError(t, err)
		require.NoError(t, c.fillSequence(0))
		return seen
	}
	padded, naive := contexts(true), contexts(false)
	require.NotEmpty(t, padded)
	for k := range padded {
		assert.True(t, naive[k], "term %+v is outside every evaluated segment", k)
	}
}

func TestLengthProvidersSeeAdmissibleDurations(t *testing.T) {
	topo := mixedTopology(t)
	r, _ := topo.Duration(1)
	type call struct{ state, d int }
	var calls []call
	record := func(s, d int) Evaluation {
		calls = append(calls, call{s, d})
		return feature(0, float64(d))
	}
	ps := []Provider{
		&nodeFunc{base: newBase("mask", 0, kind(Sparse)), f: func(in Input, pos, s int) Evaluation {
			if s == 1 && symAt(in, pos) == 'z' {
				return Reject()
			}
			return Evaluation{}
		}},
		&lengthNodeFunc{base: newBase("fixed", 1, kind(LengthFunction)), f: func(_ Input, _, s, d int) Evaluation { return record(s, d) }},
		&lengthNodeFunc{base: newBase("dyn", 1, kind(Unspecified)), f: func(_ Input, _, s, d int) Evaluation { return record(s, d) }},
		&lengthEdgeFunc{base: newBase("entry", 1, kind(LengthFunction)), f: func(_ Input, _, _, s, d int) Evaluation { return record(s, d) }},
		&lengthEdgeFunc{base: newBase("entrydyn", 1, kind(Dense)), f: func(_ Input, _, _, s, d int) Evaluation { return record(s, d) }},
	}
	agg := newToyAggregator(t, DefaultConfig(), topo, ps...)
	c, err := NewPotentialCache(topo, agg, symbols("xxxxxxzxxxxxxxx"))
	require.NoError(t, err)
	require.NoError(t, c.fillSequence(0))

	require.NotEmpty(t, calls)
	lo, hi := math.MaxInt, 0
	for _, cl := range calls {
		assert.Equal(t, 1, cl.state, "only explicit states have durations")
		lo, hi = min(lo, cl.d), max(hi, cl.d)
	}
	assert.GreaterOrEqual(t, lo, 1)
	assert.GreaterOrEqual(t, lo, r.Min)
	assert.Equal(t, r.Max, hi)
}
