// Package crf implements a semi-Markov Conditional Random Field engine.
//
// Feature providers score node labels, label transitions and explicit-length
// segments. The engine caches those scores per sequence position according to
// each provider's declared Strategy, decodes the best label path with a
// semi-Markov Viterbi search and computes the conditional log-likelihood and
// its gradient with a log-space forward-backward pass over the same cache.
package crf

import "fmt"

// Alphabet maps between string names and integer IDs.
type Alphabet struct {
	ToID  map[string]int `json:"to_id"`
	ToStr []string       `json:"to_str"`
}

// NewAlphabet creates an empty alphabet.
func NewAlphabet() *Alphabet {
	return &Alphabet{
		ToID: make(map[string]int),
	}
}

// Add adds a string to the alphabet if not already present, returns its ID.
func (a *Alphabet) Add(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	id := len(a.ToStr)
	a.ToID[s] = id
	a.ToStr = append(a.ToStr, s)
	return id
}

// Get returns the ID for a string, or -1 if not found.
func (a *Alphabet) Get(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	return -1
}

// Size returns the number of entries.
func (a *Alphabet) Size() int {
	return len(a.ToStr)
}

// DurationRange bounds the segment length of an explicit-duration state.
type DurationRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Contains reports whether d is an admissible duration.
func (r DurationRange) Contains(d int) bool {
	return d >= r.Min && d <= r.Max
}

// StateSpec declares one hidden state. A nil Duration declares an ordinary
// Markov state.
type StateSpec struct {
	Name     string
	Duration *DurationRange
}

// Edge is an ordered legal transition between two states.
type Edge struct {
	From int
	To   int
}

// Topology enumerates hidden states, legal transitions and the potential index
// space. It is read-only after construction.
//
// Potentials 0..NumStates()-1 are node potentials; potentials
// NumStates()..NumPotentials()-1 are edge potentials, one per legal transition.
type Topology struct {
	states    *Alphabet
	durations []DurationRange
	explicit  []bool
	legal     *Matrix[bool]
	edgePot   *Matrix[int]
	edges     []Edge
	preds     [][]int
	maxDur    int
}

// NewTopology builds a topology from state declarations and a list of legal
// (from, to) transitions given by state name. A nil transition list makes every
// transition legal, except self transitions of explicit-duration states.
func NewTopology(states []StateSpec, transitions [][2]string) (*Topology, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: no states declared", ErrTopology)
	}
	t := &Topology{
		states:    NewAlphabet(),
		durations: make([]DurationRange, len(states)),
		explicit:  make([]bool, len(states)),
	}
	for i, s := range states {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: state %d has no name", ErrTopology, i)
		}
		if t.states.Get(s.Name) >= 0 {
			return nil, fmt.Errorf("%w: duplicate state %q", ErrTopology, s.Name)
		}
		t.states.Add(s.Name)
		if s.Duration == nil {
			continue
		}
		d := *s.Duration
		if d.Min < 1 || d.Max < d.Min {
			return nil, fmt.Errorf("%w: state %q has range [%d,%d]", ErrDuration, s.Name, d.Min, d.Max)
		}
		t.durations[i] = d
		t.explicit[i] = true
		t.maxDur = max(t.maxDur, d.Max)
	}

	n := len(states)
	t.legal = NewMatrix[bool](n, n)
	if transitions == nil {
		for from := range n {
			for to := range n {
				if from == to && t.explicit[from] {
					continue
				}
				t.legal.Set(from, to, true)
			}
		}
	} else {
		for _, tr := range transitions {
			from, err := t.StateIndex(tr[0])
			if err != nil {
				return nil, err
			}
			to, err := t.StateIndex(tr[1])
			if err != nil {
				return nil, err
			}
			if t.legal.At(from, to) {
				return nil, fmt.Errorf("%w: duplicate transition %s->%s", ErrTopology, tr[0], tr[1])
			}
			if from == to && t.explicit[from] {
				return nil, fmt.Errorf("%w: explicit-duration state %q cannot transition to itself", ErrTopology, tr[0])
			}
			t.legal.Set(from, to, true)
		}
	}

	t.edgePot = NewMatrix[int](n, n)
	t.edgePot.Fill(-1)
	t.preds = make([][]int, n)
	for from := range n {
		for to := range n {
			if !t.legal.At(from, to) {
				continue
			}
			t.edgePot.Set(from, to, n+len(t.edges))
			t.edges = append(t.edges, Edge{From: from, To: to})
		}
	}
	for _, e := range t.edges {
		t.preds[e.To] = append(t.preds[e.To], e.From)
	}
	return t, nil
}

// NumStates returns the number of hidden states.
func (t *Topology) NumStates() int { return t.states.Size() }

// StateName returns the name of state i.
func (t *Topology) StateName(i int) string { return t.states.ToStr[i] }

// StateNames returns all state names in index order.
func (t *Topology) StateNames() []string {
	return append([]string(nil), t.states.ToStr...)
}

// StateIndex returns the index of the named state.
func (t *Topology) StateIndex(name string) (int, error) {
	if id := t.states.Get(name); id >= 0 {
		return id, nil
	}
	return -1, &UnknownStateError{Name: name}
}

// Legal reports whether from->to is a legal transition.
func (t *Topology) Legal(from, to int) bool { return t.legal.At(from, to) }

// LegalTransitions returns a copy of the legality matrix.
func (t *Topology) LegalTransitions() [][]bool {
	n := t.NumStates()
	out := make([][]bool, n)
	for i := range n {
		out[i] = append([]bool(nil), t.legal.Row(i)...)
	}
	return out
}

// NumEdges returns the number of legal transitions.
func (t *Topology) NumEdges() int { return len(t.edges) }

// NumPotentials returns NumStates()+NumEdges().
func (t *Topology) NumPotentials() int { return t.NumStates() + len(t.edges) }

// Edges returns the legal transitions in potential order.
func (t *Topology) Edges() []Edge { return t.edges }

// EdgePotential returns the potential index of from->to, or -1 if illegal.
func (t *Topology) EdgePotential(from, to int) int { return t.edgePot.At(from, to) }

// PotentialEdge returns the transition behind potential p. ok is false for
// node potentials and out-of-range indices.
func (t *Topology) PotentialEdge(p int) (e Edge, ok bool) {
	i := p - t.NumStates()
	if i < 0 || i >= len(t.edges) {
		return Edge{}, false
	}
	return t.edges[i], true
}

// Predecessors returns the states with a legal transition into s, ascending.
func (t *Topology) Predecessors(s int) []int { return t.preds[s] }

// IsExplicit reports whether s is an explicit-duration state.
func (t *Topology) IsExplicit(s int) bool { return t.explicit[s] }

// Duration returns the admissible duration range of an explicit state.
func (t *Topology) Duration(s int) (DurationRange, bool) {
	return t.durations[s], t.explicit[s]
}

// MaxDuration returns the largest duration of any explicit state (the maximum
// segment lookback), or 0 if every state is Markov.
func (t *Topology) MaxDuration() int { return t.maxDur }

// ExplicitStates returns the explicit-duration states in index order.
func (t *Topology) ExplicitStates() []int {
	var out []int
	for s, ok := range t.explicit {
		if ok {
			out = append(out, s)
		}
	}
	return out
}
