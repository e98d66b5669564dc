package crf

import (
	"fmt"
	"math"
)

// scoredSegment is a cached Segment weighed under one weight vector.
type scoredSegment struct {
	seg *Segment
	// score covers the node potentials of every position in the segment plus
	// the length-node evaluation. It excludes the entry.
	score float64
	// entry is parallel to Topology.Predecessors(seg.State).
	entry []float64
}

// ScoreTable holds the log-space scores of one filled sequence under a fixed
// weight vector. Viterbi and ForwardBackward both read it, so decoding and
// training always see identical potentials.
type ScoreTable struct {
	cache   *PotentialCache
	topo    *Topology
	seq     int
	n       int
	weights []float64

	node    *Matrix[float64] // position x state, -Inf when invalid
	edge    *Matrix[float64] // position x edge, row 0 unused
	prefix  *Matrix[float64] // (n+1) x state cumulative valid node scores
	ends    [][][]scoredSegment
	starts  [][]*scoredSegment
	predPos *Matrix[int] // (from, to) -> index in Predecessors(to)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Scores weighs every cached potential and segment of sequence seq. The
// sequence must have been filled; unpopulated entries fail with ErrCacheMiss.
func (c *PotentialCache) Scores(seq int, weights []float64) (*ScoreTable, error) {
	if len(weights) != c.agg.NumFeatures() {
		return nil, fmt.Errorf("%w: got %d weights for %d features", ErrWeights, len(weights), c.agg.NumFeatures())
	}
	for i, w := range weights {
		if !finite(w) {
			return nil, fmt.Errorf("%w: weight %d is %v", ErrNumerical, i, w)
		}
	}
	if seq < 0 || seq >= len(c.seqs) {
		return nil, fmt.Errorf("%w: %d of %d", ErrSequenceRange, seq, len(c.seqs))
	}
	topo := c.topo
	n, ns, ne := c.seqs[seq].n, topo.NumStates(), topo.NumEdges()
	tb := &ScoreTable{
		cache:   c,
		topo:    topo,
		seq:     seq,
		n:       n,
		weights: weights,
		node:    NewMatrix[float64](n, ns),
		edge:    NewMatrix[float64](n, ne),
		prefix:  NewMatrix[float64](n+1, ns),
		ends:    make([][][]scoredSegment, n),
		starts:  make([][]*scoredSegment, n),
		predPos: NewMatrix[int](ns, ns),
	}
	tb.predPos.Fill(-1)
	for to := range ns {
		for i, from := range topo.Predecessors(to) {
			tb.predPos.Set(from, to, i)
		}
	}

	for pos := range n {
		e := c.entries[c.base[seq]+pos]
		if e == nil {
			return nil, fmt.Errorf("%w: position %d of sequence %d", ErrCacheMiss, pos, seq)
		}
		for s := range ns {
			v, err := weigh(e.Potentials[s], weights)
			if err != nil {
				return nil, fmt.Errorf("node %s at %d: %w", topo.StateName(s), pos, err)
			}
			tb.node.Set(pos, s, v)
			if !math.IsInf(v, -1) {
				tb.prefix.Set(pos+1, s, tb.prefix.At(pos, s)+v)
			} else {
				tb.prefix.Set(pos+1, s, tb.prefix.At(pos, s))
			}
		}
		if pos == 0 {
			continue
		}
		for i := range ne {
			v, err := weigh(e.Potentials[ns+i], weights)
			if err != nil {
				return nil, fmt.Errorf("edge %d at %d: %w", i, pos, err)
			}
			tb.edge.Set(pos, i, v)
		}
	}

	explicit := topo.ExplicitStates()
	if len(explicit) == 0 {
		return tb, nil
	}
	for end := range n {
		se := c.segments[c.base[seq]+end]
		if se == nil {
			return nil, fmt.Errorf("%w: segments ending at %d of sequence %d", ErrCacheMiss, end, seq)
		}
		tb.ends[end] = make([][]scoredSegment, len(explicit))
		for k, s := range explicit {
			segs := se.byState[k]
			out := make([]scoredSegment, 0, len(segs))
			for i := range segs {
				seg := &segs[i]
				if seg.Node.Invalid() {
					continue
				}
				lv, err := weigh(seg.Node, weights)
				if err != nil {
					return nil, fmt.Errorf("segment %s [%d,%d]: %w", topo.StateName(s), seg.Start, seg.End, err)
				}
				ss := scoredSegment{
					seg:   seg,
					score: tb.prefix.At(end+1, s) - tb.prefix.At(seg.Start, s) + lv,
				}
				if seg.Start > 0 {
					ss.entry = make([]float64, len(seg.Entry))
					for j, ev := range seg.Entry {
						if ss.entry[j], err = weigh(ev, weights); err != nil {
							return nil, fmt.Errorf("segment entry %s [%d,%d]: %w", topo.StateName(s), seg.Start, seg.End, err)
						}
					}
				}
				out = append(out, ss)
			}
			tb.ends[end][k] = out
		}
	}
	for end := range n {
		for k := range tb.ends[end] {
			for i := range tb.ends[end][k] {
				ss := &tb.ends[end][k][i]
				tb.starts[ss.seg.Start] = append(tb.starts[ss.seg.Start], ss)
			}
		}
	}
	return tb, nil
}

func weigh(e Evaluation, weights []float64) (float64, error) {
	v := e.Score(weights)
	if math.IsNaN(v) || math.IsInf(v, 1) {
		return v, fmt.Errorf("%w: score %v", ErrNumerical, v)
	}
	return v, nil
}

// Len returns the sequence length.
func (tb *ScoreTable) Len() int { return tb.n }

// Node returns the weighted node potential of state at pos.
func (tb *ScoreTable) Node(pos, state int) float64 { return tb.node.At(pos, state) }

// Edge returns the weighted edge potential prev->state at pos (pos >= 1), or
// -Inf for an illegal transition.
func (tb *ScoreTable) Edge(pos, prev, state int) float64 {
	p := tb.topo.EdgePotential(prev, state)
	if p < 0 {
		return math.Inf(-1)
	}
	return tb.edge.At(pos, p-tb.topo.NumStates())
}

// pathVisitor receives every evaluation a label path touches, in order.
type pathVisitor func(e Evaluation)

// walk decomposes labels into the potentials and segments it uses. A maximal
// run of an explicit-duration state is one segment.
func (tb *ScoreTable) walk(labels []int, visit pathVisitor) error {
	if len(labels) != tb.n {
		return fmt.Errorf("%w: %d labels for length %d", ErrGoldPath, len(labels), tb.n)
	}
	topo := tb.topo
	ns := topo.NumStates()
	c, seq := tb.cache, tb.seq
	for _, y := range labels {
		if y < 0 || y >= ns {
			return fmt.Errorf("%w: label %d out of range", ErrGoldPath, y)
		}
	}
	at := func(pos int) *PositionEntry { return c.entries[c.base[seq]+pos] }

	for t := 0; t < tb.n; {
		s := labels[t]
		if t > 0 && !topo.Legal(labels[t-1], s) {
			return fmt.Errorf("%w: illegal transition %s->%s at %d", ErrGoldPath, topo.StateName(labels[t-1]), topo.StateName(s), t)
		}
		if !topo.IsExplicit(s) {
			node := at(t).Potentials[s]
			if node.Invalid() {
				return fmt.Errorf("%w: state %s invalid at %d", ErrGoldPath, topo.StateName(s), t)
			}
			visit(node)
			if t > 0 {
				edge := at(t).Potentials[topo.EdgePotential(labels[t-1], s)]
				if edge.Invalid() {
					return fmt.Errorf("%w: transition %s->%s invalid at %d", ErrGoldPath, topo.StateName(labels[t-1]), topo.StateName(s), t)
				}
				visit(edge)
			}
			t++
			continue
		}

		end := t
		for end+1 < tb.n && labels[end+1] == s {
			end++
		}
		d := end - t + 1
		seg, ok, err := c.Segment(seq, end, s, d)
		if err != nil {
			return fmt.Errorf("%w: segment %s [%d,%d]: %v", ErrGoldPath, topo.StateName(s), t, end, err)
		}
		if !ok || seg.Node.Invalid() {
			return fmt.Errorf("%w: segment %s [%d,%d] is inadmissible", ErrGoldPath, topo.StateName(s), t, end)
		}
		for pos := t; pos <= end; pos++ {
			visit(at(pos).Potentials[s])
		}
		visit(seg.Node)
		if t > 0 {
			entry := seg.Entry[tb.predPos.At(labels[t-1], s)]
			if entry.Invalid() {
				return fmt.Errorf("%w: entry %s->%s invalid at %d", ErrGoldPath, topo.StateName(labels[t-1]), topo.StateName(s), t)
			}
			visit(entry)
		}
		t = end + 1
	}
	return nil
}

// PathScore returns the score of a complete label path. Illegal or invalid
// paths fail with ErrGoldPath.
func (tb *ScoreTable) PathScore(labels []int) (float64, error) {
	var total float64
	err := tb.walk(labels, func(e Evaluation) { total += e.Score(tb.weights) })
	return total, err
}

// AddPathFeatures adds scale times the feature values along labels to counts.
func (tb *ScoreTable) AddPathFeatures(labels []int, counts []float64, scale float64) error {
	return tb.walk(labels, func(e Evaluation) { e.AddTo(counts, scale) })
}
