package umi

import (
	"testing"

	"github.com/antzucaro/matchr"
)

func TestHamming(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"ACGT", "ACGT", 0},
		{"ACGT", "ACGA", 1},
		{"AAAA", "TTTT", 4},
		{"ACGTACGTAC", "ACGAACGTTC", 2},
		{"NAAA", "AAAA", 1},
		{"ACGT", "ACG", -1},
		{"", "A", -1},
	}
	for _, test := range tests {
		if got := Hamming(test.a, test.b); got != test.want {
			t.Errorf("Hamming(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
		if len(test.a) == len(test.b) {
			// Cross-check against an independent implementation.
			oracle, err := matchr.Hamming(test.a, test.b)
			if err != nil {
				t.Fatalf("matchr.Hamming(%q, %q): %v", test.a, test.b, err)
			}
			if oracle != test.want {
				t.Errorf("discrepancy with reference hamming for (%q, %q): reference %d, want %d",
					test.a, test.b, oracle, test.want)
			}
		}
	}
}

func TestValidBases(t *testing.T) {
	tests := []struct {
		umi  string
		want bool
	}{
		{"", true},
		{"ACGT", true},
		{"ACGTN", true},
		{"ACGU", false},
		{"acgt", false},
		{"AC-T", false},
	}
	for _, test := range tests {
		if got := ValidBases(test.umi); got != test.want {
			t.Errorf("ValidBases(%q) = %v, want %v", test.umi, got, test.want)
		}
	}
}

func TestIsHomopolymer(t *testing.T) {
	tests := []struct {
		umi  string
		want bool
	}{
		{"", false},
		{"A", true},
		{"AAAAAAAA", true},
		{"TTTTTTTT", true},
		{"NNNNNNNN", true},
		{"AAAAAAAT", false},
		{"ACGTACGT", false},
	}
	for _, test := range tests {
		if got := IsHomopolymer(test.umi); got != test.want {
			t.Errorf("IsHomopolymer(%q) = %v, want %v", test.umi, got, test.want)
		}
	}
}
