package crf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Lattice holds the log-space forward and backward variables of one sequence.
// Alpha[t][s] sums every path prefix whose label at t is s (for an
// explicit-duration state: whose segment of s ends at t); Beta[t][s] sums the
// matching suffixes after t.
type Lattice struct {
	LogZ  float64
	Alpha *Matrix[float64]
	Beta  *Matrix[float64]
	tb    *ScoreTable
}

// logSumExp is floats.LogSumExp with the empty sum defined as -Inf.
func logSumExp(terms []float64) float64 {
	if len(terms) == 0 {
		return math.Inf(-1)
	}
	return floats.LogSumExp(terms)
}

// ForwardBackward computes the partition function and the forward and
// backward variables over the same potentials Viterbi maximizes.
func ForwardBackward(tb *ScoreTable) (*Lattice, error) {
	n := tb.n
	if n == 0 {
		return &Lattice{tb: tb}, nil
	}
	topo := tb.topo
	ns := topo.NumStates()
	alpha := NewMatrix[float64](n, ns)
	beta := NewMatrix[float64](n, ns)
	var terms []float64

	for t := range n {
		for s := range ns {
			terms = terms[:0]
			if !topo.IsExplicit(s) {
				node := tb.node.At(t, s)
				if t == 0 {
					terms = append(terms, node)
				} else {
					for _, p := range topo.Predecessors(s) {
						terms = append(terms, alpha.At(t-1, p)+tb.Edge(t, p, s)+node)
					}
				}
			} else {
				for _, ss := range tb.ends[t][tb.cache.kOf[s]] {
					if ss.seg.Start == 0 {
						terms = append(terms, ss.score)
						continue
					}
					for i, p := range topo.Predecessors(s) {
						terms = append(terms, alpha.At(ss.seg.Start-1, p)+ss.entry[i]+ss.score)
					}
				}
			}
			alpha.Set(t, s, logSumExp(terms))
		}
	}

	for t := n - 1; t >= 0; t-- {
		for s := range ns {
			if t == n-1 {
				beta.Set(t, s, 0)
				continue
			}
			terms = terms[:0]
			for q := range ns {
				if !topo.Legal(s, q) || topo.IsExplicit(q) {
					continue
				}
				terms = append(terms, tb.Edge(t+1, s, q)+tb.node.At(t+1, q)+beta.At(t+1, q))
			}
			for _, ss := range tb.starts[t+1] {
				i := tb.predPos.At(s, ss.seg.State)
				if i < 0 {
					continue
				}
				terms = append(terms, ss.entry[i]+ss.score+beta.At(ss.seg.End, ss.seg.State))
			}
			beta.Set(t, s, logSumExp(terms))
		}
	}

	logZ := logSumExp(alpha.Row(n - 1))
	if math.IsNaN(logZ) || math.IsInf(logZ, 1) {
		return nil, fmt.Errorf("%w: log partition %v", ErrNumerical, logZ)
	}
	if math.IsInf(logZ, -1) {
		return nil, fmt.Errorf("%w: every path through %d positions is invalid", ErrNoPath, n)
	}
	return &Lattice{LogZ: logZ, Alpha: alpha, Beta: beta, tb: tb}, nil
}

// Marginals returns the posterior probability that position t carries label
// s, for every t and s.
func (l *Lattice) Marginals() *Matrix[float64] {
	tb := l.tb
	ns := tb.topo.NumStates()
	occ := NewMatrix[float64](tb.n, ns)
	if tb.n > 0 {
		l.occupancy(occ)
	}
	return occ
}

// occupancy fills occ with per-position label marginals. Segment marginals
// are spread over their positions with a difference array.
func (l *Lattice) occupancy(occ *Matrix[float64]) {
	tb := l.tb
	n, ns := tb.n, tb.topo.NumStates()
	diff := NewMatrix[float64](n+1, ns)
	for t := range n {
		for s := range ns {
			if tb.topo.IsExplicit(s) {
				continue
			}
			occ.Set(t, s, math.Exp(l.Alpha.At(t, s)+l.Beta.At(t, s)-l.LogZ))
		}
		for _, ss := range tb.starts[t] {
			m := l.segmentMarginal(ss)
			s := ss.seg.State
			diff.Set(t, s, diff.At(t, s)+m)
			diff.Set(ss.seg.End+1, s, diff.At(ss.seg.End+1, s)-m)
		}
	}
	for _, s := range tb.topo.ExplicitStates() {
		run := 0.0
		for t := range n {
			run += diff.At(t, s)
			occ.Set(t, s, run)
		}
	}
}

// segmentMarginal is the posterior probability of one segment.
func (l *Lattice) segmentMarginal(ss *scoredSegment) float64 {
	tail := ss.score + l.Beta.At(ss.seg.End, ss.seg.State) - l.LogZ
	if ss.seg.Start == 0 {
		return math.Exp(tail)
	}
	var m float64
	for i, p := range l.tb.topo.Predecessors(ss.seg.State) {
		m += math.Exp(l.Alpha.At(ss.seg.Start-1, p) + ss.entry[i] + tail)
	}
	return m
}

// ExpectedCounts adds scale times the model expectation of every feature to
// counts.
func (l *Lattice) ExpectedCounts(counts []float64, scale float64) {
	tb := l.tb
	n := tb.n
	if n == 0 {
		return
	}
	topo := tb.topo
	ns := topo.NumStates()
	c := tb.cache
	base := c.base[tb.seq]

	occ := NewMatrix[float64](n, ns)
	l.occupancy(occ)
	for t := range n {
		e := c.entries[base+t]
		for s := range ns {
			if m := occ.At(t, s); m > 0 {
				e.Potentials[s].AddTo(counts, scale*m)
			}
		}
		if t == 0 {
			continue
		}
		for i, edge := range topo.Edges() {
			if topo.IsExplicit(edge.To) {
				continue
			}
			m := math.Exp(l.Alpha.At(t-1, edge.From) + tb.edge.At(t, i) + tb.node.At(t, edge.To) + l.Beta.At(t, edge.To) - l.LogZ)
			if m > 0 {
				e.Potentials[ns+i].AddTo(counts, scale*m)
			}
		}
	}

	for t := range n {
		for _, ss := range tb.starts[t] {
			s := ss.seg.State
			tail := ss.score + l.Beta.At(ss.seg.End, s) - l.LogZ
			if ss.seg.Start == 0 {
				ss.seg.Node.AddTo(counts, scale*math.Exp(tail))
				continue
			}
			total := 0.0
			for i, p := range topo.Predecessors(s) {
				m := math.Exp(l.Alpha.At(ss.seg.Start-1, p) + ss.entry[i] + tail)
				if m > 0 {
					ss.seg.Entry[i].AddTo(counts, scale*m)
				}
				total += m
			}
			ss.seg.Node.AddTo(counts, scale*total)
		}
	}
}
