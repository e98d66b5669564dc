package crf

import (
	"fmt"
	"math"
)

// paddedCache serves one BoundaryPadded provider over one sequence. Pad-window
// terms are memoized per segment start (left window) and per segment end
// (right window) and grown only as far as a segment's pad split reaches.
// Interior terms are memoized per position, and their sum is extended one
// position at a time as the lookback from one end admits longer segments.
// Terms are only requested at positions inside a segment being evaluated.
type paddedCache struct {
	s        *slot
	nStates  int
	left     map[int][]Evaluation
	right    map[int][]Evaluation
	interior map[int]Evaluation
	runs     []interiorRun
}

// interiorRun is the running interior sum of the segments of one state that
// end at the same position: it covers lo..hi-1.
type interiorRun struct {
	ok     bool
	end    int
	lo, hi int
	bad    bool
	sums   []float64 // local feature indices
}

func newPaddedCache(s *slot, nStates int) *paddedCache {
	return &paddedCache{
		s:        s,
		nStates:  nStates,
		left:     make(map[int][]Evaluation),
		right:    make(map[int][]Evaluation),
		interior: make(map[int]Evaluation),
		runs:     make([]interiorRun, nStates),
	}
}

func (pc *paddedCache) term(sc *seqCache, pos, state int, off Offset) Evaluation {
	sc.stats.TermCalls++
	return pc.s.padded.EvaluateTerm(sc.ins[pc.s.id], pos, state, off)
}

// leftTerm returns the term at start+k with offset k.
func (pc *paddedCache) leftTerm(sc *seqCache, start, state, k int) Evaluation {
	key := start*pc.nStates + state
	ts := pc.left[key]
	for len(ts) <= k {
		ts = append(ts, pc.term(sc, start+len(ts), state, Offset(len(ts))))
	}
	pc.left[key] = ts
	return ts[k]
}

// rightTerm returns the term at end-k with offset -k-1.
func (pc *paddedCache) rightTerm(sc *seqCache, end, state, k int) Evaluation {
	key := end*pc.nStates + state
	ts := pc.right[key]
	for len(ts) <= k {
		ts = append(ts, pc.term(sc, end-len(ts), state, Offset(-len(ts)-1)))
	}
	pc.right[key] = ts
	return ts[k]
}

func (pc *paddedCache) interiorTerm(sc *seqCache, pos, state int) Evaluation {
	key := pos*pc.nStates + state
	if e, ok := pc.interior[key]; ok {
		return e
	}
	e := pc.term(sc, pos, state, Interior)
	pc.interior[key] = e
	return e
}

// extend adds the interior term at pos to the run. It reports false when the
// term is invalid.
func (pc *paddedCache) extend(sc *seqCache, run *interiorRun, pos, state int) (bool, error) {
	e := pc.interiorTerm(sc, pos, state)
	if e.Invalid() {
		run.bad = true
		return false, nil
	}
	n := len(run.sums)
	for _, f := range e.Features {
		if f.Index < 0 || f.Index >= n {
			return false, fmt.Errorf("%w: %s emitted %d, range [0,%d)", ErrFeatureRange, pc.s.name, f.Index, n)
		}
		if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
			return false, fmt.Errorf("%w: %s emitted %v for feature %d", ErrNumerical, pc.s.name, f.Value, f.Index)
		}
		run.sums[f.Index] += f.Value
	}
	return true, nil
}

// interiorSum returns the run covering lo..hi-1 for segments ending at end.
// Growing the segment by one position costs one term lookup; any other
// request rebuilds the run left to right, stopping at the first invalid term.
func (pc *paddedCache) interiorSum(sc *seqCache, lo, hi, end, state int) (*interiorRun, error) {
	run := &pc.runs[state]
	if run.ok && run.end == end && run.hi == hi && run.lo >= lo {
		for run.lo > lo && !run.bad {
			run.lo--
			if _, err := pc.extend(sc, run, run.lo, state); err != nil {
				return nil, err
			}
		}
		return run, nil
	}

	sums := run.sums
	if n := pc.s.p.NumFeatures(); len(sums) != n {
		sums = make([]float64, n)
	} else {
		clear(sums)
	}
	*run = interiorRun{ok: true, end: end, lo: lo, hi: hi, sums: sums}
	for pos := lo; pos < hi; pos++ {
		ok, err := pc.extend(sc, run, pos, state)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return run, nil
}

// evaluate adds the provider's contribution for segment start..end to acc,
// visiting the left window, the interior and the right window in that order.
func (pc *paddedCache) evaluate(sc *seqCache, start, end, state int, acc Evaluation) (Evaluation, error) {
	s := pc.s
	l, r := padSplit(end-start+1, s.left, s.right)
	var err error
	for k := range l {
		if acc, err = absorb(acc, pc.leftTerm(sc, start, state, k), s.offset, s.n, s.name); err != nil || acc.Invalid() {
			return acc, err
		}
	}
	if lo, hi := start+l, end-r+1; lo < hi {
		run, err := pc.interiorSum(sc, lo, hi, end, state)
		if err != nil {
			return acc, err
		}
		if run.bad {
			return Reject(), nil
		}
		for i, v := range run.sums {
			if v != 0 {
				acc.Features = append(acc.Features, Feature{Index: s.offset + i, Value: v})
				acc.Status = StatusValid
			}
		}
	}
	for k := range r {
		if acc, err = absorb(acc, pc.rightTerm(sc, end, state, k), s.offset, s.n, s.name); err != nil || acc.Invalid() {
			return acc, err
		}
	}
	return acc, nil
}
