package eqclass

import (
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/bepoli/irescue/umi"
)

func groupsOf(featureSets ...[]uint32) []umi.Group {
	groups := make([]umi.Group, len(featureSets))
	for i, fs := range featureSets {
		groups[i] = umi.Group{Canonical: "AAAA", Weight: 1, Features: fs}
	}
	return groups
}

func TestPartition(t *testing.T) {
	// Two groups chained through feature 2, one disconnected group.
	classes, err := Partition(groupsOf(
		[]uint32{1, 2},
		[]uint32{2, 3},
		[]uint32{5},
	))
	assert.NoError(t, err)
	expect.EQ(t, len(classes), 2)
	expect.EQ(t, classes[0].Groups, []int{0, 1})
	expect.EQ(t, classes[0].Features, []uint32{1, 2, 3})
	expect.EQ(t, classes[1].Groups, []int{2})
	expect.EQ(t, classes[1].Features, []uint32{5})
	expect.False(t, classes[0].Trivial())
	expect.True(t, classes[1].Trivial())
}

func TestPartitionSingletons(t *testing.T) {
	classes, err := Partition(groupsOf(
		[]uint32{4},
		[]uint32{2},
		[]uint32{4},
	))
	assert.NoError(t, err)
	expect.EQ(t, len(classes), 2)
	// Groups 0 and 2 share feature 4 and must land in one class even
	// though they are not adjacent in the input.
	expect.EQ(t, classes[0].Groups, []int{0, 2})
	expect.EQ(t, classes[0].Features, []uint32{4})
	expect.EQ(t, classes[1].Groups, []int{1})
}

func TestPartitionFeatureDisjointness(t *testing.T) {
	classes, err := Partition(groupsOf(
		[]uint32{1, 2},
		[]uint32{3},
		[]uint32{2, 4},
		[]uint32{5, 6},
		[]uint32{6, 7},
		[]uint32{8},
	))
	assert.NoError(t, err)
	seen := map[uint32]int{}
	for ci, c := range classes {
		expect.True(t, len(c.Groups) > 0)
		expect.True(t, len(c.Features) > 0)
		for _, f := range c.Features {
			if prev, ok := seen[f]; ok {
				t.Errorf("feature %d in classes %d and %d", f, prev, ci)
			}
			seen[f] = ci
		}
	}
	expect.EQ(t, len(classes), 4)
}

func TestPartitionEmptyCandidateSet(t *testing.T) {
	_, err := Partition(groupsOf(
		[]uint32{1},
		nil,
	))
	expect.True(t, err != nil)
}

func TestPartitionEmptyInput(t *testing.T) {
	classes, err := Partition(nil)
	assert.NoError(t, err)
	expect.EQ(t, len(classes), 0)
}
