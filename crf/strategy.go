package crf

import "math"

// StrategyKind declares how a provider's output varies with position and
// duration. It is a caching hint only and never changes computed scores.
type StrategyKind uint8

const (
	// Unspecified makes no assumption; the provider is evaluated at every
	// position and segment.
	Unspecified StrategyKind = iota
	// Constant output does not depend on position. Node and edge providers are
	// evaluated once per sequence; length providers once per (state, duration).
	Constant
	// Dense output may differ at every position; one table per position.
	Dense
	// Sparse output is non-empty at few positions.
	Sparse
	// LengthFunction output of a length provider depends only on the state(s)
	// and the duration.
	LengthFunction
	// BoundaryPadded length-node output is a sum of per-position terms that
	// depend on the offset from the segment start within LeftPad, the offset
	// from the segment end within RightPad, and are position-only elsewhere.
	// Providers declaring it implement PaddedTerms.
	BoundaryPadded
	// CompositeStrategy marks a *Composite; the engine recurses into its parts.
	CompositeStrategy
)

var strategyNames = [...]string{
	Unspecified:       "unspecified",
	Constant:          "constant",
	Dense:             "dense",
	Sparse:            "sparse",
	LengthFunction:    "length-function",
	BoundaryPadded:    "boundary-padded",
	CompositeStrategy: "composite",
}

func (k StrategyKind) String() string {
	if int(k) < len(strategyNames) {
		return strategyNames[k]
	}
	return "unknown"
}

// Strategy is the cache strategy descriptor attached to a provider.
type Strategy struct {
	Kind     StrategyKind
	LeftPad  int
	RightPad int
}

// Offset locates a position inside a segment for PaddedTerms. Non-negative
// values count from the segment start, negative values from the end (-1 is the
// last position). Interior marks positions outside both pad windows.
type Offset int

// Interior is the offset of positions outside both pad windows.
const Interior Offset = math.MinInt32

// PaddedTerms is implemented by BoundaryPadded length-node providers. The
// provider's EvaluateLengthNode must equal SumTerms over the same segment.
type PaddedTerms interface {
	EvaluateTerm(in Input, pos, state int, off Offset) Evaluation
}

// padSplit returns how many positions of a segment of length n fall in the
// left and right pad windows. The left window takes precedence on overlap.
func padSplit(n, left, right int) (l, r int) {
	l = min(left, n)
	r = min(right, n-l)
	return l, r
}

// SumTerms evaluates a boundary-padded segment start..end by visiting every
// position. It is the reference that cached evaluation must agree with.
func SumTerms(p PaddedTerms, in Input, start, end, state, left, right int) Evaluation {
	l, r := padSplit(end-start+1, left, right)
	var acc Evaluation
	for pos := start; pos <= end; pos++ {
		off := Interior
		switch {
		case pos < start+l:
			off = Offset(pos - start)
		case pos > end-r:
			off = Offset(pos - end - 1)
		}
		acc = Merge(acc, p.EvaluateTerm(in, pos, state, off))
		if acc.Invalid() {
			return acc
		}
	}
	return acc
}
