package sequtil

import (
	"math"
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"acgt", "ACGT"},
		{"AC GT\nNN", "ACGTNN"},
		{"acgu", "ACGT"},
		{"\t", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got := string(Normalize(tt.input))
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestKmers(t *testing.T) {
	tests := []struct {
		s    string
		min  int
		max  int
		want []string
	}{
		{"ACG", 2, 3, []string{"AC", "CG", "ACG"}},
		{"AC", 3, 5, nil},
		{"ACGTA", 5, 5, []string{"ACGTA"}},
		{"AC", 1, 2, []string{"A", "C", "AC"}},
		{"", 1, 3, nil},
	}
	for _, tt := range tests {
		got := Kmers([]byte(tt.s), tt.min, tt.max)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Kmers(%q, %d, %d) = %v, want %v", tt.s, tt.min, tt.max, got, tt.want)
		}
	}
}

func TestKmerAt(t *testing.T) {
	s := []byte("ACGTAC")
	tests := []struct {
		pos, k int
		want   string
	}{
		{0, 3, "ACG"},
		{3, 3, "TAC"},
		{4, 3, ""},
		{-1, 2, ""},
		{2, 0, ""},
	}
	for _, tt := range tests {
		if got := KmerAt(s, tt.pos, tt.k); got != tt.want {
			t.Errorf("KmerAt(%d, %d) = %q, want %q", tt.pos, tt.k, got, tt.want)
		}
	}
}

func TestGCContent(t *testing.T) {
	tests := []struct {
		s    string
		want float64
	}{
		{"GGCC", 1},
		{"ATAT", 0},
		{"ACGT", 0.5},
		{"acNNgt", 0.5},
		{"NNNN", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := GCContent([]byte(tt.s)); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("GCContent(%q) = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestWindow(t *testing.T) {
	s := []byte("ABCDEFG")
	tests := []struct {
		pos, radius int
		want        string
	}{
		{3, 1, "CDE"},
		{0, 2, "ABC"},
		{6, 2, "EFG"},
		{3, 10, "ABCDEFG"},
		{3, 0, "D"},
	}
	for _, tt := range tests {
		if got := string(Window(s, tt.pos, tt.radius)); got != tt.want {
			t.Errorf("Window(%d, %d) = %q, want %q", tt.pos, tt.radius, got, tt.want)
		}
	}
	if got := Window(nil, 0, 3); got != nil {
		t.Errorf("Window(nil) = %q, want nil", got)
	}
}

func TestAlphabet(t *testing.T) {
	got := string(Alphabet([]byte("TTGA"), []byte("CAN"), nil))
	if got != "ACGNT" {
		t.Errorf("Alphabet = %q, want %q", got, "ACGNT")
	}
	if got := Alphabet(); got != nil {
		t.Errorf("Alphabet() = %q, want nil", got)
	}
}
