// Package eqclass partitions one barcode's deduplicated molecule groups
// into equivalence classes: connected components over the bipartite graph
// of groups and their candidate features.  Groups in different classes
// share no features, so each class can be quantified independently.
package eqclass

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/bepoli/irescue/umi"
)

// Class is one connected component.  Group indexes refer to the slice
// passed to Partition.
type Class struct {
	Groups   []int
	Features []uint32
}

// Trivial reports whether the class resolves to a single feature, in
// which case member weights are assigned directly and EM is skipped.
func (c *Class) Trivial() bool { return len(c.Features) == 1 }

// Partition computes the equivalence classes of one barcode's groups.
// The bipartite graph is never materialized; groups and features share a
// dense union-find index space, with features ranked over the barcode's
// sorted distinct feature ids.  Classes are ordered by their first member
// group, and class features are sorted, so the output is deterministic
// given the input order.
//
// A class with zero groups or zero features indicates an upstream
// construction bug (e.g. a group emitted with an empty candidate set) and
// is returned as an error; the caller is expected to fail the whole
// barcode.
func Partition(groups []umi.Group) ([]Class, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	var features []uint32
	for i := range groups {
		features = append(features, groups[i].Features...)
	}
	slices.Sort(features)
	features = slices.Compact(features)
	rank := make(map[uint32]int, len(features))
	for i, f := range features {
		rank[f] = i
	}

	// Elements 0..n-1 are groups, n..n+m-1 are ranked features.
	n := len(groups)
	u := newUnionFind(n + len(features))
	for i := range groups {
		for _, f := range groups[i].Features {
			u.union(i, n+rank[f])
		}
	}

	classIdx := make(map[int]int)
	var classes []Class
	for i := 0; i < n; i++ {
		root := u.find(i)
		ci, ok := classIdx[root]
		if !ok {
			ci = len(classes)
			classIdx[root] = ci
			classes = append(classes, Class{})
		}
		classes[ci].Groups = append(classes[ci].Groups, i)
	}
	for i, f := range features {
		if ci, ok := classIdx[u.find(n+i)]; ok {
			classes[ci].Features = append(classes[ci].Features, f)
		}
	}
	for i := range classes {
		if len(classes[i].Groups) == 0 || len(classes[i].Features) == 0 {
			return nil, fmt.Errorf("equivalence class invariant violation: class %d has %d groups and %d features",
				i, len(classes[i].Groups), len(classes[i].Features))
		}
	}
	return classes, nil
}

// unionFind is a disjoint-set forest over a dense index space.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]] // path halving
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	// The lower index becomes the root.
	u.parent[rb] = ra
}
