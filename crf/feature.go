package crf

import (
	"fmt"
	"math"
)

// Status is the tri-state outcome of a feature evaluation.
type Status uint8

const (
	// StatusUnset means no provider reported anything: the context scores zero.
	StatusUnset Status = iota
	// StatusValid means at least one feature was emitted and nothing invalidated.
	StatusValid
	// StatusInvalid means a provider declared the context illegal. It is
	// absorbing: once invalid an evaluation never becomes valid again.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "unset"
	}
}

// Feature is a sparse (index, value) contribution. Providers emit indices local
// to their own range; evaluations returned by the Aggregator carry global
// indices into the weight vector.
type Feature struct {
	Index int
	Value float64
}

// Evaluation is the result of evaluating one or more providers in one context.
// The zero value is Unset.
type Evaluation struct {
	Status   Status
	Features []Feature
}

// Emit returns a valid evaluation carrying the given features.
func Emit(fs ...Feature) Evaluation {
	return Evaluation{Status: StatusValid, Features: fs}
}

// Reject returns an invalid evaluation.
func Reject() Evaluation {
	return Evaluation{Status: StatusInvalid}
}

// Invalid reports whether the context was declared illegal.
func (e Evaluation) Invalid() bool { return e.Status == StatusInvalid }

// Score returns the weighted sum of the features. Invalid evaluations score
// negative infinity.
func (e Evaluation) Score(weights []float64) float64 {
	if e.Invalid() {
		return math.Inf(-1)
	}
	var s float64
	for _, f := range e.Features {
		s += weights[f.Index] * f.Value
	}
	return s
}

// AddTo accumulates scale*value of every feature into counts.
func (e Evaluation) AddTo(counts []float64, scale float64) {
	for _, f := range e.Features {
		counts[f.Index] += scale * f.Value
	}
}

// Merge combines two global-index evaluations. Invalidity is absorbing.
func Merge(a, b Evaluation) Evaluation {
	switch {
	case a.Invalid() || b.Invalid():
		return Reject()
	case b.Status == StatusUnset:
		return clone(a)
	case a.Status == StatusUnset:
		return clone(b)
	}
	fs := make([]Feature, 0, len(a.Features)+len(b.Features))
	fs = append(fs, a.Features...)
	fs = append(fs, b.Features...)
	return Evaluation{Status: StatusValid, Features: fs}
}

// absorb appends a provider's local-index evaluation to acc, translating indices
// by offset and checking them against the provider's declared range.
func absorb(acc Evaluation, e Evaluation, offset, n int, name string) (Evaluation, error) {
	switch e.Status {
	case StatusInvalid:
		return Reject(), nil
	case StatusUnset:
		return acc, nil
	}
	for _, f := range e.Features {
		if f.Index < 0 || f.Index >= n {
			return acc, fmt.Errorf("%w: %s emitted %d, range [0,%d)", ErrFeatureRange, name, f.Index, n)
		}
		if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
			return acc, fmt.Errorf("%w: %s emitted %v for feature %d", ErrNumerical, name, f.Value, f.Index)
		}
		acc.Features = append(acc.Features, Feature{Index: f.Index + offset, Value: f.Value})
	}
	acc.Status = StatusValid
	return acc, nil
}

// Provider is an independently trainable unit of features. A provider must
// also implement at least one of NodeEvaluator, EdgeEvaluator,
// LengthNodeEvaluator or LengthEdgeEvaluator, or be a *Composite.
type Provider interface {
	// Name identifies the provider in feature names and errors.
	Name() string
	// NumFeatures is valid after Train.
	NumFeatures() int
	FeatureName(i int) string
	Strategy() Strategy
	// Train performs one-time estimation. start is the first global feature
	// index assigned to the provider.
	Train(start int, topo *Topology, data []TrainingSequence) error
}

// NodeEvaluator scores "being in state at pos".
type NodeEvaluator interface {
	EvaluateNode(in Input, pos, state int) Evaluation
}

// EdgeEvaluator scores the transition prev (at pos-1) -> state (at pos).
type EdgeEvaluator interface {
	EvaluateEdge(in Input, pos, prev, state int) Evaluation
}

// LengthNodeEvaluator scores a whole segment of an explicit-duration state
// occupying end-duration+1..end.
type LengthNodeEvaluator interface {
	EvaluateLengthNode(in Input, end, state, duration int) Evaluation
}

// LengthEdgeEvaluator scores entry into a segment of the given duration that
// starts at start, coming from prev at start-1.
type LengthEdgeEvaluator interface {
	EvaluateLengthEdge(in Input, start, prev, state, duration int) Evaluation
}

// ComponentSelector is implemented by providers that read one named component
// of a MultiTrack input.
type ComponentSelector interface {
	Component() string
}

// Composite groups sub-providers with mixed strategies under one name. The
// Aggregator recurses into Parts; a Composite never evaluates itself.
type Composite struct {
	Label string
	Parts []Provider
}

// NewComposite groups providers.
func NewComposite(name string, parts ...Provider) *Composite {
	return &Composite{Label: name, Parts: parts}
}

func (c *Composite) Name() string { return c.Label }

func (c *Composite) NumFeatures() int {
	n := 0
	for _, p := range c.Parts {
		n += p.NumFeatures()
	}
	return n
}

func (c *Composite) FeatureName(i int) string {
	for _, p := range c.Parts {
		if i < p.NumFeatures() {
			return p.FeatureName(i)
		}
		i -= p.NumFeatures()
	}
	return ""
}

func (c *Composite) Strategy() Strategy { return Strategy{Kind: CompositeStrategy} }

func (c *Composite) Train(start int, topo *Topology, data []TrainingSequence) error {
	for _, p := range c.Parts {
		if err := p.Train(start, topo, data); err != nil {
			return err
		}
		start += p.NumFeatures()
	}
	return nil
}
