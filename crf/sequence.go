package crf

// Input is the observed side of one sequence.
type Input interface {
	Len() int
}

// MultiTrack is an Input made of named components (e.g. a nucleotide track
// plus evidence tracks). Providers that declare a component through
// ComponentSelector receive only that component.
type MultiTrack interface {
	Input
	Component(name string) (Input, bool)
}

// TrainingSequence pairs an input with its gold state labels.
type TrainingSequence struct {
	ID     string
	Input  Input
	Labels []int // state index per position
	Group  int   // for grouped cross-validation
}

// Len returns the number of positions.
func (s TrainingSequence) Len() int {
	return len(s.Labels)
}

// Inputs returns the inputs of the given training sequences.
func Inputs(data []TrainingSequence) []Input {
	out := make([]Input, len(data))
	for i, s := range data {
		out[i] = s.Input
	}
	return out
}
