package crf

import (
	"fmt"
	"math"
)

// Path is a decoded label sequence.
type Path struct {
	Labels []int
	Score  float64
	// Best[t][s] is the best score of any path prefix whose label at t is s
	// (for explicit-duration states: whose segment of s ends at t).
	Best  *Matrix[float64]
	Stats CacheStats
}

type backpointer struct {
	prev     int // -1 at the sequence start
	duration int
}

// Viterbi finds the maximum-score label path through a score table.
//
// Ties are broken deterministically: lower predecessor state first (no
// predecessor counts lowest), then shorter duration, then lower final state.
func Viterbi(tb *ScoreTable) (*Path, error) {
	n := tb.n
	if n == 0 {
		return &Path{}, nil
	}
	topo := tb.topo
	ns := topo.NumStates()
	negInf := math.Inf(-1)
	delta := NewMatrix[float64](n, ns)
	delta.Fill(negInf)
	psi := NewMatrix[backpointer](n, ns)

	for t := range n {
		for s := range ns {
			best, bp := negInf, backpointer{prev: -1, duration: 1}
			if !topo.IsExplicit(s) {
				node := tb.node.At(t, s)
				if math.IsInf(node, -1) {
					continue
				}
				if t == 0 {
					best = node
				} else {
					for _, p := range topo.Predecessors(s) {
						v := delta.At(t-1, p) + tb.Edge(t, p, s)
						if v > best {
							best, bp = v, backpointer{prev: p, duration: 1}
						}
					}
					best += node
				}
			} else {
				best, bp = bestSegment(tb, delta, t, s)
			}
			delta.Set(t, s, best)
			psi.Set(t, s, bp)
		}
	}

	final, score := -1, negInf
	for s := range ns {
		if v := delta.At(n-1, s); v > score {
			final, score = s, v
		}
	}
	if final < 0 {
		return nil, fmt.Errorf("%w: every path through %d positions is invalid", ErrNoPath, n)
	}

	labels := make([]int, n)
	t, s := n-1, final
	for t >= 0 {
		bp := psi.At(t, s)
		for k := range bp.duration {
			labels[t-k] = s
		}
		t -= bp.duration
		s = bp.prev
	}
	return &Path{Labels: labels, Score: score, Best: delta}, nil
}

// bestSegment maximizes over the segments of explicit state s ending at t.
func bestSegment(tb *ScoreTable, delta *Matrix[float64], t, s int) (float64, backpointer) {
	best, bp := math.Inf(-1), backpointer{prev: -1}
	segs := tb.ends[t][tb.cache.kOf[s]]
	for _, ss := range segs {
		if ss.seg.Start == 0 && ss.score > best {
			best, bp = ss.score, backpointer{prev: -1, duration: ss.seg.Duration}
		}
	}
	for i, p := range tb.topo.Predecessors(s) {
		for _, ss := range segs {
			if ss.seg.Start == 0 {
				continue
			}
			v := delta.At(ss.seg.Start-1, p) + ss.entry[i] + ss.score
			if v > best {
				best, bp = v, backpointer{prev: p, duration: ss.seg.Duration}
			}
		}
	}
	return best, bp
}
