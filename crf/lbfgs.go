package crf

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// LBFGS is an OWL-QN optimizer: limited-memory BFGS with orthant-wise
// handling of the L1 penalty. It minimizes C1*|w|_1 minus the objective.
type LBFGS struct {
	C1            float64
	MaxIterations int
	Epsilon       float64
	Memory        int
	Progress      func(iteration int, objective float64)
}

// NewLBFGS creates an optimizer from training hyperparameters.
func NewLBFGS(cfg TrainerConfig) *LBFGS {
	m := cfg.Memory
	if m <= 0 {
		m = 10
	}
	return &LBFGS{
		C1:            cfg.C1,
		MaxIterations: cfg.MaxIterations,
		Epsilon:       cfg.Epsilon,
		Memory:        m,
		Progress:      cfg.Progress,
	}
}

// loss evaluates the minimized function and its smooth gradient.
func (o *LBFGS) loss(f Function, w, grad []float64) (float64, error) {
	v, err := f.Apply(w, grad)
	if err != nil {
		return 0, err
	}
	floats.Scale(-1, grad)
	loss := -v
	if o.C1 > 0 {
		loss += o.C1 * floats.Norm(w, 1)
	}
	return loss, nil
}

// pseudoGradient writes the OWL-QN pseudo-gradient of loss into pg.
func (o *LBFGS) pseudoGradient(w, grad, pg []float64) {
	c1 := o.C1
	for i := range w {
		switch {
		case w[i] > 0:
			pg[i] = grad[i] + c1
		case w[i] < 0:
			pg[i] = grad[i] - c1
		case grad[i]+c1 < 0:
			pg[i] = grad[i] + c1
		case grad[i]-c1 > 0:
			pg[i] = grad[i] - c1
		default:
			pg[i] = 0
		}
	}
}

// Optimize runs OWL-QN from the zero vector.
func (o *LBFGS) Optimize(ctx context.Context, f Function) ([]float64, error) {
	n := f.NumFeatures()
	w := make([]float64, n)
	grad := make([]float64, n)
	pg := make([]float64, n)
	hist := newHistory(n, o.Memory)

	fx, err := o.loss(f, w, grad)
	if err != nil {
		return nil, err
	}
	o.pseudoGradient(w, grad, pg)

	wNew := make([]float64, n)
	gNew := make([]float64, n)
	pgNew := make([]float64, n)
	s := make([]float64, n)
	y := make([]float64, n)

	for iter := range o.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if floats.Norm(pg, math.Inf(1)) < o.Epsilon {
			slog.Debug("CRF converged", "iteration", iter, "objective", -fx)
			break
		}

		dir := hist.direction(pg)
		// Constrain direction to the orthant of the negative pseudo-gradient.
		for i := range dir {
			if dir[i]*pg[i] > 0 {
				dir[i] = 0
			}
		}

		fNew, ok, err := o.lineSearch(f, w, dir, fx, pg, wNew, gNew)
		if err != nil {
			return nil, err
		}
		if !ok {
			slog.Warn("CRF line search failed, stopping", "iteration", iter+1)
			break
		}

		o.pseudoGradient(wNew, gNew, pgNew)
		floats.SubTo(s, wNew, w)
		floats.SubTo(y, gNew, grad)
		hist.update(s, y)

		copy(w, wNew)
		copy(grad, gNew)
		copy(pg, pgNew)
		fx = fNew

		slog.Debug("CRF training iteration", "iteration", iter+1, "objective", -fx)
		if o.Progress != nil {
			o.Progress(iter+1, -fx)
		}
	}
	return w, nil
}

// lineSearch backtracks along dir with orthant projection until the Armijo
// condition holds. On success wNew and gNew hold the accepted point.
func (o *LBFGS) lineSearch(f Function, w, dir []float64, fx float64, pg, wNew, gNew []float64) (float64, bool, error) {
	dirDeriv := floats.Dot(dir, pg)
	if dirDeriv >= 0 {
		return fx, false, nil
	}
	const armijo = 1e-4
	step := 1.0
	for range 20 {
		floats.AddScaledTo(wNew, w, step, dir)
		if o.C1 > 0 {
			for i := range wNew {
				if wNew[i]*w[i] < 0 {
					wNew[i] = 0
				}
			}
		}
		fNew, err := o.loss(f, wNew, gNew)
		if err != nil {
			return 0, false, err
		}
		if fNew <= fx+armijo*step*dirDeriv {
			return fNew, true, nil
		}
		step *= 0.5
	}
	return fx, false, nil
}

// history implements the L-BFGS two-loop recursion.
type history struct {
	n, m int
	s, y [][]float64
	rho  []float64
	k    int
	size int
}

func newHistory(n, m int) *history {
	return &history{
		n:   n,
		m:   m,
		s:   make([][]float64, m),
		y:   make([][]float64, m),
		rho: make([]float64, m),
	}
}

func (h *history) update(s, y []float64) {
	sy := floats.Dot(s, y)
	if sy <= 0 {
		return
	}
	idx := h.k % h.m
	h.s[idx] = append(h.s[idx][:0], s...)
	h.y[idx] = append(h.y[idx][:0], y...)
	h.rho[idx] = 1.0 / sy
	h.k++
	if h.size < h.m {
		h.size++
	}
}

// slot returns the ring index of the i-th oldest stored pair.
func (h *history) slot(i int) int {
	return (h.k - h.size + i) % h.m
}

func (h *history) direction(pg []float64) []float64 {
	q := make([]float64, h.n)
	copy(q, pg)
	if h.size == 0 {
		floats.Scale(-1, q)
		return q
	}

	alpha := make([]float64, h.size)
	for i := h.size - 1; i >= 0; i-- {
		idx := h.slot(i)
		alpha[i] = h.rho[idx] * floats.Dot(h.s[idx], q)
		floats.AddScaled(q, -alpha[i], h.y[idx])
	}

	// Scale by H_0 = (s_k^T y_k) / (y_k^T y_k)
	latest := h.slot(h.size - 1)
	if yy := floats.Dot(h.y[latest], h.y[latest]); yy > 0 {
		floats.Scale(floats.Dot(h.s[latest], h.y[latest])/yy, q)
	}

	for i := range h.size {
		idx := h.slot(i)
		beta := h.rho[idx] * floats.Dot(h.y[idx], q)
		floats.AddScaled(q, alpha[i]-beta, h.s[idx])
	}
	floats.Scale(-1, q)
	return q
}

// String describes the optimizer settings.
func (o *LBFGS) String() string {
	return fmt.Sprintf("owlqn(c1=%g, iterations=%d, memory=%d)", o.C1, o.MaxIterations, o.Memory)
}
