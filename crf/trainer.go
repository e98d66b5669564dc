package crf

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// TrainerConfig holds CRF training hyperparameters.
type TrainerConfig struct {
	C1            float64 // L1 regularization
	C2            float64 // L2 regularization
	MaxIterations int
	Epsilon       float64 // convergence threshold
	Memory        int     // L-BFGS history size
	Workers       int     // sequences evaluated in parallel, 0 = GOMAXPROCS

	// Optimizer replaces the default OWL-QN optimizer when set.
	Optimizer Optimizer
	// Progress is called after every optimizer iteration.
	Progress func(iteration int, objective float64)
}

// DefaultTrainerConfig returns the default training config.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		C1:            0.1655,
		C2:            0.0236,
		MaxIterations: 100,
		Epsilon:       1e-5,
		Memory:        10,
	}
}

func (c TrainerConfig) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Function is the contract an Optimizer consumes: Apply writes the gradient of
// the objective at w into grad and returns the objective, which the optimizer
// maximizes.
type Function interface {
	NumFeatures() int
	Apply(w, grad []float64) (float64, error)
}

// Optimizer searches for a weight vector. It is not required to reach an
// optimum, only to return one weight per feature.
type Optimizer interface {
	Optimize(ctx context.Context, f Function) ([]float64, error)
}

// Objective is the L2-regularized conditional log-likelihood of a training
// corpus:
//
//	sum over sequences of (gold path score - log Z) - C2/2 * |w|^2
//
// Its gradient is the empirical feature counts minus the expected counts minus
// C2*w. Every sequence is cached once in SetTrainingData; Apply only reweighs.
type Objective struct {
	agg    *Aggregator
	cfg    TrainerConfig
	topo   *Topology
	data   []TrainingSequence
	cache  *PotentialCache
	chunks [][2]int
}

// NewObjective creates an objective over trained providers.
func NewObjective(agg *Aggregator, cfg TrainerConfig) *Objective {
	return &Objective{agg: agg, cfg: cfg}
}

// NumFeatures returns the length of the weight vector.
func (o *Objective) NumFeatures() int { return o.agg.NumFeatures() }

// SetTrainingData builds and fills a corpus-sized cache and checks that every
// gold path is legal and valid under the providers.
func (o *Objective) SetTrainingData(ctx context.Context, topo *Topology, data []TrainingSequence) error {
	for i, seq := range data {
		if seq.Input == nil || seq.Input.Len() != len(seq.Labels) {
			return fmt.Errorf("%w: sequence %d (%s) has %d labels for its input", ErrGoldPath, i, seq.ID, len(seq.Labels))
		}
	}
	cache, err := NewPotentialCache(topo, o.agg, Inputs(data)...)
	if err != nil {
		return err
	}
	if err := cache.Fill(ctx, o.cfg.workers()); err != nil {
		return err
	}
	zero := make([]float64, o.agg.NumFeatures())
	for i, seq := range data {
		tb, err := cache.Scores(i, zero)
		if err != nil {
			return err
		}
		if _, err := tb.PathScore(seq.Labels); err != nil {
			return fmt.Errorf("sequence %d (%s): %w", i, seq.ID, err)
		}
	}

	o.topo, o.data, o.cache = topo, data, cache
	o.chunks = o.chunks[:0]
	w := min(o.cfg.workers(), max(len(data), 1))
	size := (len(data) + w - 1) / w
	for lo := 0; lo < len(data); lo += size {
		o.chunks = append(o.chunks, [2]int{lo, min(lo+size, len(data))})
	}
	st := cache.Stats()
	slog.Debug("Training cache filled", "sequences", len(data), "provider_calls", st.ProviderCalls(),
		"positions", st.PositionMisses, "segment_lists", st.SegmentMisses)
	return nil
}

// Apply writes the gradient at w into grad and returns the objective. The
// result is deterministic for identical w: sequences are split into fixed
// chunks whose partial sums are reduced in order.
func (o *Objective) Apply(w, grad []float64) (float64, error) {
	if o.cache == nil {
		return 0, fmt.Errorf("%w: no training data", ErrNotTrained)
	}
	nf := o.agg.NumFeatures()
	if len(w) != nf || len(grad) != nf {
		return 0, fmt.Errorf("%w: got %d weights and %d gradient slots for %d features", ErrWeights, len(w), len(grad), nf)
	}

	values := make([]float64, len(o.chunks))
	partials := make([][]float64, len(o.chunks))
	var g errgroup.Group
	for ci, ch := range o.chunks {
		g.Go(func() error {
			part := make([]float64, nf)
			var ll float64
			for i := ch[0]; i < ch[1]; i++ {
				v, err := o.sequence(i, w, part)
				if err != nil {
					return err
				}
				ll += v
			}
			values[ci], partials[ci] = ll, part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	clear(grad)
	var obj float64
	for ci := range o.chunks {
		obj += values[ci]
		floats.Add(grad, partials[ci])
	}
	if o.cfg.C2 > 0 {
		obj -= 0.5 * o.cfg.C2 * floats.Dot(w, w)
		floats.AddScaled(grad, -o.cfg.C2, w)
	}
	if math.IsNaN(obj) || math.IsInf(obj, 0) {
		return 0, fmt.Errorf("%w: objective %v", ErrNumerical, obj)
	}
	return obj, nil
}

// sequence returns gold score - log Z of one sequence and adds its gradient.
func (o *Objective) sequence(i int, w, grad []float64) (float64, error) {
	tb, err := o.cache.Scores(i, w)
	if err != nil {
		return 0, err
	}
	gold, err := tb.PathScore(o.data[i].Labels)
	if err != nil {
		return 0, err
	}
	lat, err := ForwardBackward(tb)
	if err != nil {
		return 0, fmt.Errorf("sequence %d: %w", i, err)
	}
	if err := tb.AddPathFeatures(o.data[i].Labels, grad, 1); err != nil {
		return 0, err
	}
	lat.ExpectedCounts(grad, -1)
	return gold - lat.LogZ, nil
}

// Clean releases the corpus cache.
func (o *Objective) Clean() {
	o.cache = nil
	o.data = nil
	o.chunks = nil
}

// Train trains the providers, then optimizes the weights with cfg.Optimizer or
// the default OWL-QN optimizer.
func Train(ctx context.Context, topo *Topology, agg *Aggregator, data []TrainingSequence, cfg TrainerConfig) (*Model, error) {
	if err := agg.Train(topo, data); err != nil {
		return nil, err
	}
	obj := NewObjective(agg, cfg)
	if err := obj.SetTrainingData(ctx, topo, data); err != nil {
		return nil, err
	}
	defer obj.Clean()

	opt := cfg.Optimizer
	if opt == nil {
		opt = NewLBFGS(cfg)
	}
	slog.Info("Training CRF", "sequences", len(data), "features", agg.NumFeatures(), "states", topo.NumStates(), "optimizer", opt)
	w, err := opt.Optimize(ctx, obj)
	if err != nil {
		return nil, err
	}
	if len(w) != agg.NumFeatures() {
		return nil, fmt.Errorf("%w: optimizer returned %d weights for %d features", ErrWeights, len(w), agg.NumFeatures())
	}
	return &Model{States: topo.StateNames(), Features: agg.FeatureNames(), Weights: w}, nil
}
