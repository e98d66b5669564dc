// Package seq provides the observed-input types consumed by feature providers.
package seq

import (
	"fmt"
	"sort"

	"github.com/happyhackingspace/smcrf/crf"
)

// Symbols is an input whose positions carry one byte each.
type Symbols interface {
	crf.Input
	At(pos int) byte
}

// Bases is a residue string, one byte per position.
type Bases []byte

// Len returns the number of residues.
func (b Bases) Len() int { return len(b) }

// At returns the residue at pos.
func (b Bases) At(pos int) byte { return b[pos] }

func (b Bases) String() string { return string(b) }

// Signal is a real-valued evidence track, one value per position.
type Signal []float64

// Len returns the number of positions.
func (s Signal) Len() int { return len(s) }

// Value returns the signal at pos.
func (s Signal) Value(pos int) float64 { return s[pos] }

// Primary is the component name under which Tracks exposes its main input.
const Primary = "bases"

// Tracks is a multi-component input: a primary residue track plus named
// evidence tracks of the same length.
type Tracks struct {
	Bases      Bases
	components map[string]crf.Input
}

// NewTracks combines a residue track with evidence tracks.
func NewTracks(bases Bases, tracks map[string]crf.Input) (*Tracks, error) {
	t := &Tracks{Bases: bases, components: make(map[string]crf.Input, len(tracks)+1)}
	t.components[Primary] = bases
	for name, in := range tracks {
		if name == Primary {
			return nil, fmt.Errorf("seq: track name %q is reserved", name)
		}
		if in.Len() != bases.Len() {
			return nil, fmt.Errorf("seq: track %q has length %d, want %d", name, in.Len(), bases.Len())
		}
		t.components[name] = in
	}
	return t, nil
}

// Len returns the number of positions.
func (t *Tracks) Len() int { return t.Bases.Len() }

// At returns the residue at pos, so Tracks can be used wherever Symbols is.
func (t *Tracks) At(pos int) byte { return t.Bases[pos] }

// Component returns a named track.
func (t *Tracks) Component(name string) (crf.Input, bool) {
	in, ok := t.components[name]
	return in, ok
}

// Names returns the component names in sorted order.
func (t *Tracks) Names() []string {
	names := make([]string, 0, len(t.components))
	for name := range t.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
