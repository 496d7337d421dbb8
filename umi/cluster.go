package umi

import (
	"sort"

	"golang.org/x/exp/slices"
)

// Cluster groups one barcode's records into deduplicated molecule groups.
// Record a may be absorbed by record b iff Hamming(a, b) <= threshold and
// weight(a) <= weight(b), so merges only flow from lower- to higher-weight
// molecules and an abundant true molecule is never absorbed into a rarer
// neighboring error.  Records are visited in descending weight order, ties
// broken by UMI sequence and then input position; each unclaimed record
// seeds a group and absorbs every unclaimed record transitively reachable
// through the directional relation.  Every input record lands in exactly
// one group.
//
// Records of mismatched UMI length are never linked.  The caller is
// responsible for rejecting a threshold at or above the UMI length before
// clustering.
func Cluster(records []Record, threshold int) []Group {
	if len(records) == 0 {
		return nil
	}
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ra, rb := &records[order[a]], &records[order[b]]
		if ra.Weight != rb.Weight {
			return ra.Weight > rb.Weight
		}
		if ra.Seq != rb.Seq {
			return ra.Seq < rb.Seq
		}
		return order[a] < order[b]
	})

	claimed := make([]bool, len(records))
	groups := make([]Group, 0, len(records))
	for _, seed := range order {
		if claimed[seed] {
			continue
		}
		claimed[seed] = true
		members := []int{seed}
		// members doubles as the search frontier; absorbing appends.
		for fi := 0; fi < len(members); fi++ {
			cur := members[fi]
			for _, j := range order {
				if !claimed[j] && linked(&records[cur], &records[j], threshold) {
					claimed[j] = true
					members = append(members, j)
				}
			}
		}
		groups = append(groups, newGroup(records, members))
	}
	return groups
}

// linked reports whether candidate may be absorbed by cur.
func linked(cur, candidate *Record, threshold int) bool {
	if candidate.Weight > cur.Weight {
		return false
	}
	d := Hamming(cur.Seq, candidate.Seq)
	return d >= 0 && d <= threshold
}

func newGroup(records []Record, members []int) Group {
	g := Group{
		Canonical: records[members[0]].Seq,
		Members:   members,
	}
	var features []uint32
	for _, i := range members {
		g.Weight += records[i].Weight
		features = append(features, records[i].Features...)
	}
	slices.Sort(features)
	g.Features = slices.Compact(features)
	return g
}
