package crf

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// CacheStats counts provider invocations and cache lookups.
type CacheStats struct {
	NodeCalls       int
	EdgeCalls       int
	LengthNodeCalls int
	LengthEdgeCalls int
	TermCalls       int
	PositionHits    int
	PositionMisses  int
	SegmentHits     int
	SegmentMisses   int
}

// ProviderCalls returns the total number of provider invocations.
func (s CacheStats) ProviderCalls() int {
	return s.NodeCalls + s.EdgeCalls + s.LengthNodeCalls + s.LengthEdgeCalls + s.TermCalls
}

func (s *CacheStats) add(o CacheStats) {
	s.NodeCalls += o.NodeCalls
	s.EdgeCalls += o.EdgeCalls
	s.LengthNodeCalls += o.LengthNodeCalls
	s.LengthEdgeCalls += o.LengthEdgeCalls
	s.TermCalls += o.TermCalls
	s.PositionHits += o.PositionHits
	s.PositionMisses += o.PositionMisses
	s.SegmentHits += o.SegmentHits
	s.SegmentMisses += o.SegmentMisses
}

// PositionEntry holds the evaluation of every potential at one position.
// Edge potentials are Unset at position 0, which has no incoming transition.
type PositionEntry struct {
	Pos        int
	Potentials []Evaluation
}

// Segment is a cached explicit-duration segment Start..End.
type Segment struct {
	State    int
	Duration int
	Start    int
	End      int
	// Node merges every length-node provider. An invalid Node makes the whole
	// segment inadmissible.
	Node Evaluation
	// Entry is parallel to Topology.Predecessors(State): the edge potential at
	// Start merged with the length-edge providers. Nil when Start is 0.
	Entry []Evaluation
}

// SegmentEntry holds every admissible-length segment ending at one position.
type SegmentEntry struct {
	End int
	// byState[k] covers the k-th explicit state, durations Min upward until
	// the lookback stopped.
	byState [][]Segment
}

// Segments returns the cached segments of the k-th explicit state.
func (e *SegmentEntry) Segments(k int) []Segment { return e.byState[k] }

// seqCache is the per-sequence state of a PotentialCache. Sequences never
// share a seqCache, so distinct sequences can be filled concurrently.
type seqCache struct {
	ins   []Input
	n     int
	stats CacheStats

	constReady bool
	constNode  []Evaluation
	constEdge  []Evaluation

	lnodeFixed *Matrix[*Evaluation]  // state x duration
	ledgeFixed *Tensor3[*Evaluation] // prev x state x duration
	padded     []*paddedCache        // parallel to groups.lnodePadded
}

// PotentialCache memoizes, per (sequence, position), the evaluation of every
// potential and of every explicit-duration segment ending there. Sequences are
// addressed through a base-offset table so one cache can serve a whole corpus.
//
// A PotentialCache is not safe for concurrent use while it is being filled,
// except through Fill, which fills distinct sequences in parallel. Once filled
// it is read-only and may be shared.
type PotentialCache struct {
	topo     *Topology
	agg      *Aggregator
	seqs     []*seqCache
	base     []int
	entries  []*PositionEntry
	segments []*SegmentEntry
	explicit []int
	kOf      []int
}

// NewPotentialCache creates an empty cache over the given inputs.
func NewPotentialCache(topo *Topology, agg *Aggregator, inputs ...Input) (*PotentialCache, error) {
	c := &PotentialCache{
		topo:     topo,
		agg:      agg,
		base:     make([]int, len(inputs)+1),
		explicit: topo.ExplicitStates(),
		kOf:      make([]int, topo.NumStates()),
	}
	for s := range c.kOf {
		c.kOf[s] = -1
	}
	for k, s := range c.explicit {
		c.kOf[s] = k
	}
	maxDur := topo.MaxDuration()
	for i, in := range inputs {
		ins, err := agg.inputs(in)
		if err != nil {
			return nil, err
		}
		sc := &seqCache{ins: ins, n: in.Len()}
		if maxDur > 0 {
			ns := topo.NumStates()
			sc.lnodeFixed = NewMatrix[*Evaluation](ns, maxDur+1)
			sc.ledgeFixed = NewTensor3[*Evaluation](ns, ns, maxDur+1)
			for _, s := range agg.groups.lnodePadded {
				sc.padded = append(sc.padded, newPaddedCache(s, ns))
			}
		}
		c.seqs = append(c.seqs, sc)
		c.base[i+1] = c.base[i] + sc.n
	}
	total := c.base[len(inputs)]
	c.entries = make([]*PositionEntry, total)
	c.segments = make([]*SegmentEntry, total)
	return c, nil
}

// NumSequences returns the number of sequences addressed by the cache.
func (c *PotentialCache) NumSequences() int { return len(c.seqs) }

// Len returns the length of sequence seq.
func (c *PotentialCache) Len(seq int) int { return c.seqs[seq].n }

// Address maps (sequence, local position) to the flat address space.
func (c *PotentialCache) Address(seq, pos int) (int, error) {
	if seq < 0 || seq >= len(c.seqs) {
		return 0, fmt.Errorf("%w: %d of %d", ErrSequenceRange, seq, len(c.seqs))
	}
	if pos < 0 || pos >= c.seqs[seq].n {
		return 0, fmt.Errorf("%w: %d in sequence %d of length %d", ErrPositionRange, pos, seq, c.seqs[seq].n)
	}
	return c.base[seq] + pos, nil
}

// Stats returns the counters accumulated over all sequences.
func (c *PotentialCache) Stats() CacheStats {
	var st CacheStats
	for _, sc := range c.seqs {
		st.add(sc.stats)
	}
	return st
}

func clone(e Evaluation) Evaluation {
	if e.Status != StatusValid {
		return Evaluation{Status: e.Status}
	}
	return Evaluation{Status: StatusValid, Features: append([]Feature(nil), e.Features...)}
}

func (c *PotentialCache) ensureConstant(sc *seqCache) error {
	if sc.constReady {
		return nil
	}
	g := &c.agg.groups
	ns := c.topo.NumStates()
	sc.constNode = make([]Evaluation, ns)
	sc.constEdge = make([]Evaluation, c.topo.NumEdges())
	var err error
	if sc.n > 0 {
		for s := range ns {
			if sc.constNode[s], err = evalNode(g.nodeConst, sc.ins, 0, s, Evaluation{}, &sc.stats); err != nil {
				return err
			}
		}
	}
	if sc.n > 1 {
		for i, e := range c.topo.Edges() {
			if sc.constEdge[i], err = evalEdge(g.edgeConst, sc.ins, 1, e.From, e.To, Evaluation{}, &sc.stats); err != nil {
				return err
			}
		}
	}
	sc.constReady = true
	return nil
}

// EvaluatePosition returns the evaluation of every potential at pos,
// computing and memoizing it on first use.
func (c *PotentialCache) EvaluatePosition(seq, pos int) (*PositionEntry, error) {
	addr, err := c.Address(seq, pos)
	if err != nil {
		return nil, err
	}
	sc := c.seqs[seq]
	if e := c.entries[addr]; e != nil {
		sc.stats.PositionHits++
		return e, nil
	}
	sc.stats.PositionMisses++
	if err := c.ensureConstant(sc); err != nil {
		return nil, err
	}

	g := &c.agg.groups
	ns := c.topo.NumStates()
	e := &PositionEntry{Pos: pos, Potentials: make([]Evaluation, c.topo.NumPotentials())}
	for s := range ns {
		acc, err := evalNode(g.nodeDyn, sc.ins, pos, s, clone(sc.constNode[s]), &sc.stats)
		if err != nil {
			return nil, err
		}
		e.Potentials[s] = acc
	}
	if pos > 0 {
		for i, edge := range c.topo.Edges() {
			acc, err := evalEdge(g.edgeDyn, sc.ins, pos, edge.From, edge.To, clone(sc.constEdge[i]), &sc.stats)
			if err != nil {
				return nil, err
			}
			e.Potentials[ns+i] = acc
		}
	}
	c.entries[addr] = e
	return e, nil
}

// EvaluateSegmentsEndingAt evaluates, for every explicit-duration state, the
// segments of every admissible duration ending at pos. The lookback for a
// state stops at the sequence start, at its maximum duration, or at the first
// position where the state's node potential is invalid; no provider is
// consulted beyond that point.
func (c *PotentialCache) EvaluateSegmentsEndingAt(seq, pos int) (*SegmentEntry, error) {
	addr, err := c.Address(seq, pos)
	if err != nil {
		return nil, err
	}
	sc := c.seqs[seq]
	if e := c.segments[addr]; e != nil {
		sc.stats.SegmentHits++
		return e, nil
	}
	sc.stats.SegmentMisses++

	se := &SegmentEntry{End: pos, byState: make([][]Segment, len(c.explicit))}
	for k, s := range c.explicit {
		r, _ := c.topo.Duration(s)
		var segs []Segment
		for d := 1; d <= r.Max; d++ {
			start := pos - d + 1
			if start < 0 {
				break
			}
			pe, err := c.EvaluatePosition(seq, start)
			if err != nil {
				return nil, err
			}
			if pe.Potentials[s].Invalid() {
				break
			}
			if d < r.Min {
				continue
			}
			seg, err := c.evaluateSegment(sc, pe, s, start, pos, d)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
		}
		se.byState[k] = segs
	}
	c.segments[addr] = se
	return se, nil
}

func (c *PotentialCache) evaluateSegment(sc *seqCache, startEntry *PositionEntry, s, start, end, d int) (Segment, error) {
	g := &c.agg.groups
	seg := Segment{State: s, Duration: d, Start: start, End: end}

	node, err := c.fixedLengthNode(sc, end, s, d)
	if err != nil {
		return seg, err
	}
	if node, err = evalLengthNode(g.lnodeDyn, sc.ins, end, s, d, node, &sc.stats); err != nil {
		return seg, err
	}
	for _, pc := range sc.padded {
		if node.Invalid() {
			break
		}
		if node, err = pc.evaluate(sc, start, end, s, node); err != nil {
			return seg, err
		}
	}
	seg.Node = node
	if start == 0 || node.Invalid() {
		return seg, nil
	}

	preds := c.topo.Predecessors(s)
	seg.Entry = make([]Evaluation, len(preds))
	for i, p := range preds {
		acc := clone(startEntry.Potentials[c.topo.EdgePotential(p, s)])
		if !acc.Invalid() {
			fixed, err := c.fixedLengthEdge(sc, start, p, s, d)
			if err != nil {
				return seg, err
			}
			acc = Merge(acc, fixed)
		}
		if acc, err = evalLengthEdge(g.ledgeDyn, sc.ins, start, p, s, d, acc, &sc.stats); err != nil {
			return seg, err
		}
		seg.Entry[i] = acc
	}
	return seg, nil
}

// fixedLengthNode returns a copy of the position-independent length-node
// evaluation for (state, duration), evaluating it at end the first time.
func (c *PotentialCache) fixedLengthNode(sc *seqCache, end, s, d int) (Evaluation, error) {
	g := &c.agg.groups
	if len(g.lnodeFixed) == 0 {
		return Evaluation{}, nil
	}
	if e := sc.lnodeFixed.At(s, d); e != nil {
		return clone(*e), nil
	}
	e, err := evalLengthNode(g.lnodeFixed, sc.ins, end, s, d, Evaluation{}, &sc.stats)
	if err != nil {
		return e, err
	}
	sc.lnodeFixed.Set(s, d, &e)
	return clone(e), nil
}

func (c *PotentialCache) fixedLengthEdge(sc *seqCache, start, p, s, d int) (Evaluation, error) {
	g := &c.agg.groups
	if len(g.ledgeFixed) == 0 {
		return Evaluation{}, nil
	}
	if e := sc.ledgeFixed.At(p, s, d); e != nil {
		return clone(*e), nil
	}
	e, err := evalLengthEdge(g.ledgeFixed, sc.ins, start, p, s, d, Evaluation{}, &sc.stats)
	if err != nil {
		return e, err
	}
	sc.ledgeFixed.Set(p, s, d, &e)
	return clone(e), nil
}

// Potential returns the cached evaluation of potential p at pos.
func (c *PotentialCache) Potential(seq, pos, p int) (Evaluation, error) {
	if p < 0 || p >= c.topo.NumPotentials() {
		return Evaluation{}, fmt.Errorf("%w: %d of %d", ErrPotentialRange, p, c.topo.NumPotentials())
	}
	addr, err := c.Address(seq, pos)
	if err != nil {
		return Evaluation{}, err
	}
	e := c.entries[addr]
	if e == nil {
		return Evaluation{}, fmt.Errorf("%w: position %d of sequence %d", ErrCacheMiss, pos, seq)
	}
	return e.Potentials[p], nil
}

// Segment returns the cached segment of the given state and duration ending
// at end. ok is false when the lookback stopped before reaching duration, i.e.
// the segment is structurally inadmissible.
func (c *PotentialCache) Segment(seq, end, state, duration int) (seg Segment, ok bool, err error) {
	if state < 0 || state >= c.topo.NumStates() || !c.topo.IsExplicit(state) {
		return seg, false, fmt.Errorf("%w: state %d has no explicit duration", ErrDurationRange, state)
	}
	r, _ := c.topo.Duration(state)
	if !r.Contains(duration) {
		return seg, false, fmt.Errorf("%w: %d not in [%d,%d]", ErrDurationRange, duration, r.Min, r.Max)
	}
	addr, err := c.Address(seq, end)
	if err != nil {
		return seg, false, err
	}
	e := c.segments[addr]
	if e == nil {
		return seg, false, fmt.Errorf("%w: segments ending at %d of sequence %d", ErrCacheMiss, end, seq)
	}
	segs := e.byState[c.kOf[state]]
	i := duration - r.Min
	if i >= len(segs) {
		return seg, false, nil
	}
	return segs[i], true, nil
}

// fillSequence evaluates every position and segment of one sequence.
func (c *PotentialCache) fillSequence(seq int) error {
	for pos := range c.seqs[seq].n {
		if _, err := c.EvaluatePosition(seq, pos); err != nil {
			return err
		}
		if len(c.explicit) == 0 {
			continue
		}
		if _, err := c.EvaluateSegmentsEndingAt(seq, pos); err != nil {
			return err
		}
	}
	return nil
}

// Fill evaluates every position and segment of every sequence, using up to
// workers goroutines across sequences.
func (c *PotentialCache) Fill(ctx context.Context, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for seq := range c.seqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return c.fillSequence(seq)
		})
	}
	return g.Wait()
}
