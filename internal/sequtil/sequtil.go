// Package sequtil provides residue string utilities for sequence labeling.
package sequtil

import (
	"bytes"
	"regexp"
)

var spaceRe = regexp.MustCompile(`\s+`)

// Normalize uppercases residues, strips whitespace and maps U to T.
func Normalize(s string) []byte {
	b := bytes.ToUpper(spaceRe.ReplaceAll([]byte(s), nil))
	for i, c := range b {
		if c == 'U' {
			b[i] = 'T'
		}
	}
	return b
}

// Kmers returns the k-mers of s for every k in minK..maxK, shortest first.
func Kmers(s []byte, minK, maxK int) []string {
	var res []string
	for k := minK; k <= maxK && k <= len(s); k++ {
		for i := 0; i <= len(s)-k; i++ {
			res = append(res, string(s[i:i+k]))
		}
	}
	return res
}

// KmerAt returns the k-mer starting at pos, or "" if it runs past the end.
func KmerAt(s []byte, pos, k int) string {
	if k <= 0 || pos < 0 || pos+k > len(s) {
		return ""
	}
	return string(s[pos : pos+k])
}

// GCContent returns the fraction of G and C among the A, C, G and T residues
// of s. Other residues (N, gaps) are ignored; it returns 0 if none remain.
func GCContent(s []byte) float64 {
	gc, total := 0, 0
	for _, c := range s {
		switch c {
		case 'G', 'C', 'g', 'c':
			gc++
			total++
		case 'A', 'T', 'a', 't':
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(gc) / float64(total)
}

// Window returns s[pos-radius : pos+radius+1] clipped to s.
func Window(s []byte, pos, radius int) []byte {
	lo := max(pos-radius, 0)
	hi := min(pos+radius+1, len(s))
	if lo >= hi {
		return nil
	}
	return s[lo:hi]
}

// Alphabet returns the distinct bytes of every sequence in sorted order.
func Alphabet(seqs ...[]byte) []byte {
	var seen [256]bool
	for _, s := range seqs {
		for _, c := range s {
			seen[c] = true
		}
	}
	var out []byte
	for c, ok := range seen {
		if ok {
			out = append(out, byte(c))
		}
	}
	return out
}
