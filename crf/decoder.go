package crf

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Decoder labels sequences with a trained model. Each call builds its own
// PotentialCache, so one Decoder may be used from many goroutines.
type Decoder struct {
	topo    *Topology
	agg     *Aggregator
	weights []float64
}

// NewDecoder checks the model against the topology and providers.
func NewDecoder(topo *Topology, agg *Aggregator, m *Model) (*Decoder, error) {
	if err := m.Check(topo, agg); err != nil {
		return nil, err
	}
	return &Decoder{topo: topo, agg: agg, weights: m.Weights}, nil
}

// Topology returns the decoder's topology.
func (d *Decoder) Topology() *Topology { return d.topo }

func (d *Decoder) table(in Input) (*ScoreTable, *PotentialCache, error) {
	c, err := NewPotentialCache(d.topo, d.agg, in)
	if err != nil {
		return nil, nil, err
	}
	if err := c.fillSequence(0); err != nil {
		return nil, nil, err
	}
	tb, err := c.Scores(0, d.weights)
	if err != nil {
		return nil, nil, err
	}
	return tb, c, nil
}

// Decode returns the best label path for one input.
func (d *Decoder) Decode(in Input) (*Path, error) {
	tb, c, err := d.table(in)
	if err != nil {
		return nil, err
	}
	p, err := Viterbi(tb)
	if err != nil {
		return nil, err
	}
	p.Stats = c.Stats()
	return p, nil
}

// Marginals returns the posterior label probabilities of every position.
func (d *Decoder) Marginals(in Input) (*Matrix[float64], error) {
	tb, _, err := d.table(in)
	if err != nil {
		return nil, err
	}
	lat, err := ForwardBackward(tb)
	if err != nil {
		return nil, err
	}
	return lat.Marginals(), nil
}

// DecodeAll decodes inputs in parallel with up to workers goroutines
// (0 = GOMAXPROCS). Results are in input order; the first error aborts.
func (d *Decoder) DecodeAll(ctx context.Context, inputs []Input, workers int) ([]*Path, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]*Path, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, in := range inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := d.Decode(in)
			if err != nil {
				return err
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
