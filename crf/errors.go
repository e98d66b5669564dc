package crf

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrTopology     = errors.New("crf: malformed transition topology")
	ErrDuration     = errors.New("crf: invalid duration range")
	ErrFeatureRange = errors.New("crf: feature index out of range")
	ErrProvider     = errors.New("crf: invalid feature provider")
	ErrNotTrained   = errors.New("crf: feature providers not trained")
	ErrWeights      = errors.New("crf: weight vector does not match feature layout")
	ErrGoldPath     = errors.New("crf: gold labels not reachable under the model")
)

// Numerical errors.
var (
	ErrNumerical = errors.New("crf: non-finite score")
	ErrNoPath    = errors.New("crf: no valid label path")
)

// Cache-consistency errors.
var (
	ErrCacheMiss      = errors.New("crf: cache entry not populated")
	ErrPotentialRange = errors.New("crf: potential index out of range")
	ErrDurationRange  = errors.New("crf: duration out of range")
	ErrPositionRange  = errors.New("crf: position out of range")
	ErrSequenceRange  = errors.New("crf: sequence index out of range")
)

// UnknownStateError is returned when a state name is not part of the topology.
type UnknownStateError struct {
	Name string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("crf: unknown state %q", e.Name)
}
