package crf

import (
	"fmt"
	"log/slog"
)

// Config is the immutable engine configuration threaded through constructors.
type Config struct {
	// BoundaryPadding enables offset-from-boundary caches for BoundaryPadded
	// providers. When false they are evaluated segment by segment.
	BoundaryPadding bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{BoundaryPadding: true}
}

// slot is one registered leaf provider with its capabilities resolved once.
type slot struct {
	id        int
	p         Provider
	name      string
	offset    int
	n         int
	kind      StrategyKind
	left      int
	right     int
	component string

	node   NodeEvaluator
	edge   EdgeEvaluator
	lnode  LengthNodeEvaluator
	ledge  LengthEdgeEvaluator
	padded PaddedTerms
}

// slotGroups partitions slots per capability by how the cache treats them.
// Within each group slots keep registration order, but the cache evaluates
// the Constant and LengthFunction groups before the others, so its
// short-circuit order can differ from registration order. Results do not.
type slotGroups struct {
	nodeConst, nodeDyn       []*slot
	edgeConst, edgeDyn       []*slot
	lnodeFixed, lnodeDyn     []*slot
	lnodePadded              []*slot
	ledgeFixed, ledgeDyn     []*slot
	node, edge, lnode, ledge []*slot
}

// Aggregator combines providers into one feature vector with a contiguous
// global index space assigned in registration order.
type Aggregator struct {
	cfg         Config
	slots       []*slot
	groups      slotGroups
	numFeatures int
	trained     bool
}

// NewAggregator registers providers, recursing into composites.
func NewAggregator(cfg Config, providers ...Provider) (*Aggregator, error) {
	a := &Aggregator{cfg: cfg}
	for _, p := range providers {
		if err := a.register(p); err != nil {
			return nil, err
		}
	}
	if len(a.slots) == 0 {
		return nil, fmt.Errorf("%w: no providers registered", ErrProvider)
	}
	return a, nil
}

func (a *Aggregator) register(p Provider) error {
	if c, ok := p.(*Composite); ok {
		for _, part := range c.Parts {
			if err := a.register(part); err != nil {
				return err
			}
		}
		return nil
	}
	st := p.Strategy()
	s := &slot{
		id:    len(a.slots),
		p:     p,
		name:  p.Name(),
		kind:  st.Kind,
		left:  st.LeftPad,
		right: st.RightPad,
	}
	if cs, ok := p.(ComponentSelector); ok {
		s.component = cs.Component()
	}
	s.node, _ = p.(NodeEvaluator)
	s.edge, _ = p.(EdgeEvaluator)
	s.lnode, _ = p.(LengthNodeEvaluator)
	s.ledge, _ = p.(LengthEdgeEvaluator)
	s.padded, _ = p.(PaddedTerms)
	if s.node == nil && s.edge == nil && s.lnode == nil && s.ledge == nil {
		return fmt.Errorf("%w: %s implements no evaluator", ErrProvider, s.name)
	}
	switch s.kind {
	case CompositeStrategy:
		return fmt.Errorf("%w: %s declares composite strategy but is not a *Composite", ErrProvider, s.name)
	case BoundaryPadded:
		if s.padded == nil || s.lnode == nil {
			return fmt.Errorf("%w: %s declares boundary-padded strategy without padded length-node terms", ErrProvider, s.name)
		}
		if s.left < 0 || s.right < 0 {
			return fmt.Errorf("%w: %s declares negative pad window", ErrProvider, s.name)
		}
		if !a.cfg.BoundaryPadding {
			s.kind = Unspecified
		}
	}
	a.slots = append(a.slots, s)

	g := &a.groups
	if s.node != nil {
		g.node = append(g.node, s)
		if s.kind == Constant {
			g.nodeConst = append(g.nodeConst, s)
		} else {
			g.nodeDyn = append(g.nodeDyn, s)
		}
	}
	if s.edge != nil {
		g.edge = append(g.edge, s)
		if s.kind == Constant {
			g.edgeConst = append(g.edgeConst, s)
		} else {
			g.edgeDyn = append(g.edgeDyn, s)
		}
	}
	if s.lnode != nil {
		g.lnode = append(g.lnode, s)
		switch s.kind {
		case Constant, LengthFunction:
			g.lnodeFixed = append(g.lnodeFixed, s)
		case BoundaryPadded:
			g.lnodePadded = append(g.lnodePadded, s)
		default:
			g.lnodeDyn = append(g.lnodeDyn, s)
		}
	}
	if s.ledge != nil {
		g.ledge = append(g.ledge, s)
		if s.kind == Constant || s.kind == LengthFunction {
			g.ledgeFixed = append(g.ledgeFixed, s)
		} else {
			g.ledgeDyn = append(g.ledgeDyn, s)
		}
	}
	return nil
}

// Train trains every provider exactly once, in registration order, assigning
// each a contiguous slice of the global feature index space. Providers that
// select a component are trained on that component only.
func (a *Aggregator) Train(topo *Topology, data []TrainingSequence) error {
	offset := 0
	for _, s := range a.slots {
		projected, err := s.project(data)
		if err != nil {
			return err
		}
		if err := s.p.Train(offset, topo, projected); err != nil {
			return fmt.Errorf("train %s: %w", s.name, err)
		}
		s.offset = offset
		s.n = s.p.NumFeatures()
		offset += s.n
		slog.Debug("Trained feature provider", "provider", s.name, "strategy", s.kind, "features", s.n)
	}
	a.numFeatures = offset
	a.trained = true
	return nil
}

// Layout assigns index ranges to providers that were already trained (for
// example restored from a saved model) without calling Train.
func (a *Aggregator) Layout() {
	offset := 0
	for _, s := range a.slots {
		s.offset = offset
		s.n = s.p.NumFeatures()
		offset += s.n
	}
	a.numFeatures = offset
	a.trained = true
}

func (s *slot) project(data []TrainingSequence) ([]TrainingSequence, error) {
	if s.component == "" {
		return data, nil
	}
	out := make([]TrainingSequence, len(data))
	for i, seq := range data {
		in, err := s.input(seq.Input)
		if err != nil {
			return nil, err
		}
		seq.Input = in
		out[i] = seq
	}
	return out, nil
}

func (s *slot) input(in Input) (Input, error) {
	if s.component == "" {
		return in, nil
	}
	if c, ok := in.(MultiTrack); ok {
		if sub, ok := c.Component(s.component); ok {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("%w: %s needs input component %q", ErrProvider, s.name, s.component)
}

// inputs resolves the per-slot view of one sequence.
func (a *Aggregator) inputs(in Input) ([]Input, error) {
	if !a.trained {
		return nil, ErrNotTrained
	}
	out := make([]Input, len(a.slots))
	for i, s := range a.slots {
		v, err := s.input(in)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// NumFeatures returns the total number of features. Valid after Train.
func (a *Aggregator) NumFeatures() int { return a.numFeatures }

// FeatureName returns "provider/feature" for a global index.
func (a *Aggregator) FeatureName(i int) string {
	for _, s := range a.slots {
		if i >= s.offset && i < s.offset+s.n {
			return s.name + "/" + s.p.FeatureName(i-s.offset)
		}
	}
	return ""
}

// FeatureNames returns every global feature name in index order.
func (a *Aggregator) FeatureNames() []string {
	names := make([]string, 0, a.numFeatures)
	for _, s := range a.slots {
		for i := range s.n {
			names = append(names, s.name+"/"+s.p.FeatureName(i))
		}
	}
	return names
}

// Providers returns the registered leaf providers in registration order.
func (a *Aggregator) Providers() []Provider {
	out := make([]Provider, len(a.slots))
	for i, s := range a.slots {
		out[i] = s.p
	}
	return out
}

// The evaluation loops below fan out to every slot of a group in order and
// stop as soon as the accumulated evaluation is invalid.

func evalNode(group []*slot, ins []Input, pos, state int, acc Evaluation, st *CacheStats) (Evaluation, error) {
	var err error
	for _, s := range group {
		if acc.Invalid() {
			break
		}
		st.NodeCalls++
		acc, err = absorb(acc, s.node.EvaluateNode(ins[s.id], pos, state), s.offset, s.n, s.name)
		if err != nil {
			return acc, err
		}
	}
	return acc, nil
}

func evalEdge(group []*slot, ins []Input, pos, prev, state int, acc Evaluation, st *CacheStats) (Evaluation, error) {
	var err error
	for _, s := range group {
		if acc.Invalid() {
			break
		}
		st.EdgeCalls++
		acc, err = absorb(acc, s.edge.EvaluateEdge(ins[s.id], pos, prev, state), s.offset, s.n, s.name)
		if err != nil {
			return acc, err
		}
	}
	return acc, nil
}

func evalLengthNode(group []*slot, ins []Input, end, state, d int, acc Evaluation, st *CacheStats) (Evaluation, error) {
	var err error
	for _, s := range group {
		if acc.Invalid() {
			break
		}
		st.LengthNodeCalls++
		acc, err = absorb(acc, s.lnode.EvaluateLengthNode(ins[s.id], end, state, d), s.offset, s.n, s.name)
		if err != nil {
			return acc, err
		}
	}
	return acc, nil
}

func evalLengthEdge(group []*slot, ins []Input, start, prev, state, d int, acc Evaluation, st *CacheStats) (Evaluation, error) {
	var err error
	for _, s := range group {
		if acc.Invalid() {
			break
		}
		st.LengthEdgeCalls++
		acc, err = absorb(acc, s.ledge.EvaluateLengthEdge(ins[s.id], start, prev, state, d), s.offset, s.n, s.name)
		if err != nil {
			return acc, err
		}
	}
	return acc, nil
}

// EvaluateNode evaluates every node provider at (pos, state) without caching.
func (a *Aggregator) EvaluateNode(in Input, pos, state int) (Evaluation, error) {
	ins, err := a.inputs(in)
	if err != nil {
		return Evaluation{}, err
	}
	return evalNode(a.groups.node, ins, pos, state, Evaluation{}, &CacheStats{})
}

// EvaluateEdge evaluates every edge provider at (pos, prev, state) without caching.
func (a *Aggregator) EvaluateEdge(in Input, pos, prev, state int) (Evaluation, error) {
	ins, err := a.inputs(in)
	if err != nil {
		return Evaluation{}, err
	}
	return evalEdge(a.groups.edge, ins, pos, prev, state, Evaluation{}, &CacheStats{})
}

// EvaluateLengthNode evaluates every length-node provider for the segment of
// the given duration ending at end, without caching.
func (a *Aggregator) EvaluateLengthNode(in Input, end, state, duration int) (Evaluation, error) {
	ins, err := a.inputs(in)
	if err != nil {
		return Evaluation{}, err
	}
	return evalLengthNode(a.groups.lnode, ins, end, state, duration, Evaluation{}, &CacheStats{})
}

// EvaluateLengthEdge evaluates every length-edge provider for entry into the
// segment starting at start, without caching.
func (a *Aggregator) EvaluateLengthEdge(in Input, start, prev, state, duration int) (Evaluation, error) {
	ins, err := a.inputs(in)
	if err != nil {
		return Evaluation{}, err
	}
	return evalLengthEdge(a.groups.ledge, ins, start, prev, state, duration, Evaluation{}, &CacheStats{})
}
