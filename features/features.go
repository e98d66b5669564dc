// Package features provides feature providers for residue sequences and a
// registry that builds them from a model definition.
package features

import (
	"fmt"

	"github.com/happyhackingspace/smcrf/crf"
	"github.com/happyhackingspace/smcrf/seq"
)

// Provider kinds accepted by Build.
const (
	KindEdgeBias     = "edge-bias"
	KindTransitions  = "transitions"
	KindEmission     = "emission"
	KindKmer         = "kmer"
	KindSignal       = "signal"
	KindGC           = "gc"
	KindMask         = "mask"
	KindLength       = "length"
	KindEntryLength  = "entry-length"
	KindComposition  = "composition"
	KindComposite    = "composite"
	defaultKmerSize  = 3
	defaultGCRadius  = 10
	defaultSignalKey = "signal"
)

// Definition declares one provider in a model definition file.
type Definition struct {
	Kind        string       `yaml:"kind" json:"kind" validate:"required,oneof=edge-bias transitions emission kmer signal gc mask length entry-length composition composite"`
	Name        string       `yaml:"name,omitempty" json:"name,omitempty"`
	States      []string     `yaml:"states,omitempty" json:"states,omitempty"`
	Symbols     string       `yaml:"symbols,omitempty" json:"symbols,omitempty"`
	K           int          `yaml:"k,omitempty" json:"k,omitempty" validate:"gte=0,lte=12"`
	MinCount    int          `yaml:"min_count,omitempty" json:"min_count,omitempty" validate:"gte=0"`
	Track       string       `yaml:"track,omitempty" json:"track,omitempty"`
	Radius      int          `yaml:"radius,omitempty" json:"radius,omitempty" validate:"gte=0"`
	LeftPad     int          `yaml:"left_pad,omitempty" json:"left_pad,omitempty" validate:"gte=0"`
	RightPad    int          `yaml:"right_pad,omitempty" json:"right_pad,omitempty" validate:"gte=0"`
	Pseudocount float64      `yaml:"pseudocount,omitempty" json:"pseudocount,omitempty" validate:"gte=0"`
	Parts       []Definition `yaml:"parts,omitempty" json:"parts,omitempty" validate:"required_if=Kind composite,dive"`
}

// Build creates untrained providers from definitions, in order.
func Build(defs []Definition) ([]crf.Provider, error) {
	out := make([]crf.Provider, 0, len(defs))
	for i, d := range defs {
		p, err := build(d)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func build(d Definition) (crf.Provider, error) {
	name := d.Name
	if name == "" {
		name = d.Kind
	}
	switch d.Kind {
	case KindEdgeBias:
		return &EdgeBias{Label: name}, nil
	case KindTransitions:
		return &Transitions{Label: name}, nil
	case KindEmission:
		return &Emission{Label: name, States: d.States, Fixed: d.Symbols}, nil
	case KindKmer:
		k := d.K
		if k == 0 {
			k = defaultKmerSize
		}
		return &KmerWindow{Label: name, K: k, MinCount: max(d.MinCount, 1), States: d.States}, nil
	case KindSignal:
		track := d.Track
		if track == "" {
			track = defaultSignalKey
		}
		return &Signal{Label: name, Track: track, States: d.States}, nil
	case KindGC:
		r := d.Radius
		if r == 0 {
			r = defaultGCRadius
		}
		return &GCWindow{Label: name, Radius: r, States: d.States}, nil
	case KindMask:
		if d.Symbols == "" {
			return nil, fmt.Errorf("%w: mask %q needs symbols", crf.ErrProvider, name)
		}
		return &Mask{Label: name, Symbols: d.Symbols, States: d.States}, nil
	case KindLength:
		pc := d.Pseudocount
		if pc == 0 {
			pc = 1
		}
		return &LengthDistribution{Label: name, Pseudocount: pc, States: d.States}, nil
	case KindEntryLength:
		return &EntryLength{Label: name}, nil
	case KindComposition:
		return &Composition{Label: name, LeftPad: d.LeftPad, RightPad: d.RightPad, States: d.States}, nil
	case KindComposite:
		parts, err := Build(d.Parts)
		if err != nil {
			return nil, err
		}
		return crf.NewComposite(name, parts...), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", crf.ErrProvider, d.Kind)
}

// residues returns the residue track of an input, or nil.
func residues(in crf.Input) seq.Bases {
	switch v := in.(type) {
	case seq.Bases:
		return v
	case *seq.Tracks:
		return v.Bases
	}
	return nil
}

// rows resolves a state filter into a row per selected state. rowOf maps a
// state index to its row, or -1 when not selected. An empty filter selects
// every state accepted by keep.
func rows(topo *crf.Topology, filter []string, keep func(int) bool) (names []string, rowOf []int, err error) {
	rowOf = make([]int, topo.NumStates())
	for i := range rowOf {
		rowOf[i] = -1
	}
	selected := make([]bool, topo.NumStates())
	if len(filter) == 0 {
		for s := range selected {
			selected[s] = true
		}
	}
	for _, name := range filter {
		s, err := topo.StateIndex(name)
		if err != nil {
			return nil, nil, err
		}
		selected[s] = true
	}
	for s, ok := range selected {
		if !ok || (keep != nil && !keep(s)) {
			continue
		}
		rowOf[s] = len(names)
		names = append(names, topo.StateName(s))
	}
	return names, rowOf, nil
}

func rowFor(rowOf []int, state int) int {
	if state < 0 || state >= len(rowOf) {
		return -1
	}
	return rowOf[state]
}
