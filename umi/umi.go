// Package umi deduplicates molecule identifiers (UMIs) within one cell
// barcode.  Raw UMI sequences are grouped with a directional clustering
// rule that tolerates sequencing error: a low-weight sequence within the
// configured Hamming distance of a higher-weight sequence is considered a
// misread of the same molecule and is absorbed into its cluster.
package umi

var alphabetMap = map[byte]bool{
	'A': true,
	'C': true,
	'G': true,
	'T': true,
	'N': true,
}

// Record is one deduplication input: a raw UMI sequence observed in a
// cell, the set of candidate feature ids its reads align to, and the
// supporting read weight.  Records are immutable once handed to Cluster.
type Record struct {
	Seq      string
	Features []uint32
	Weight   float64
}

// Group is a cluster of records judged to originate from one biological
// molecule.
type Group struct {
	// Canonical is the UMI sequence of the cluster seed, the
	// highest-weight member.
	Canonical string
	// Weight is the sum of the member weights.
	Weight float64
	// Features is the sorted union of the member candidate sets.
	Features []uint32
	// Members holds indexes into the input records, seed first, in
	// absorption order.
	Members []int
}

// ValidBases reports whether every base of the UMI is one of ACGTN.
func ValidBases(umi string) bool {
	for i := 0; i < len(umi); i++ {
		if !alphabetMap[umi[i]] {
			return false
		}
	}
	return true
}

// IsHomopolymer reports whether the UMI is a single repeated base.
// Homopolymer UMIs are overwhelmingly synthesis artifacts and are
// filtered out before deduplication.
func IsHomopolymer(umi string) bool {
	if len(umi) == 0 {
		return false
	}
	for i := 1; i < len(umi); i++ {
		if umi[i] != umi[0] {
			return false
		}
	}
	return true
}

// Hamming returns the number of mismatching positions between a and b,
// or -1 if the sequences differ in length and the distance is undefined.
func Hamming(a, b string) int {
	if len(a) != len(b) {
		return -1
	}
	d := 0
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			d++
		}
	}
	return d
}
