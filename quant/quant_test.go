package quant

import (
	"sort"
	"testing"

	"github.com/bepoli/irescue/collect"
	"github.com/bepoli/irescue/umi"
	"github.com/stretchr/testify/assert"
)

func countOf(res CellResult, feature uint32) float64 {
	for _, fc := range res.Counts {
		if fc.Feature == feature {
			return fc.Count
		}
	}
	return 0
}

func totalCount(res CellResult) float64 {
	total := 0.0
	for _, fc := range res.Counts {
		total += fc.Count
	}
	return total
}

func TestQuantifyUnique(t *testing.T) {
	cell := collect.Cell{
		Barcode: "AAACCCAA",
		Records: []umi.Record{
			{Seq: "AACC", Features: []uint32{0}, Weight: 3},
			{Seq: "CCGG", Features: []uint32{1}, Weight: 2},
		},
	}
	opts := DefaultOpts()
	res := Quantify(cell, opts)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Stats.Molecules)
	assert.Equal(t, int64(2), res.Stats.TrivialClasses)
	assert.Equal(t, int64(0), res.Stats.AmbiguousClasses)
	assert.Equal(t, []FeatureCount{{Feature: 0, Count: 1}, {Feature: 1, Count: 1}}, res.Counts)

	opts.Mode = CountReads
	res = Quantify(cell, opts)
	assert.Equal(t, []FeatureCount{{Feature: 0, Count: 3}, {Feature: 1, Count: 2}}, res.Counts)
}

func TestQuantifyDedup(t *testing.T) {
	cell := collect.Cell{
		Barcode: "AAACCCAA",
		Records: []umi.Record{
			{Seq: "AACC", Features: []uint32{0}, Weight: 10},
			{Seq: "AACG", Features: []uint32{0}, Weight: 1},
		},
	}
	opts := DefaultOpts()
	res := Quantify(cell, opts)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.Stats.Molecules)
	assert.InDelta(t, 11.0, res.Stats.Reads, 1e-9)
	assert.Equal(t, []FeatureCount{{Feature: 0, Count: 1}}, res.Counts)

	opts.Mode = CountReads
	res = Quantify(cell, opts)
	assert.Equal(t, []FeatureCount{{Feature: 0, Count: 11}}, res.Counts)
}

func TestQuantifyEM(t *testing.T) {
	// One unambiguous molecule on feature 0 pulls the shared molecule
	// towards it.
	cell := collect.Cell{
		Barcode: "AAACCCAA",
		Records: []umi.Record{
			{Seq: "AACC", Features: []uint32{0}, Weight: 1},
			{Seq: "CCGG", Features: []uint32{0, 1}, Weight: 1},
		},
	}
	res := Quantify(cell, DefaultOpts())
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(0), res.Stats.TrivialClasses)
	assert.Equal(t, int64(1), res.Stats.AmbiguousClasses)
	assert.Equal(t, int64(0), res.Stats.NonConverged)
	assert.True(t, res.Stats.EMIterations > 0)
	assert.InDelta(t, 2.0, countOf(res, 0), 1e-2)
	assert.InDelta(t, 0.0, countOf(res, 1), 1e-2)
	assert.InDelta(t, 2.0, totalCount(res), 1e-9)
}

func TestQuantifyNonConvergence(t *testing.T) {
	cell := collect.Cell{
		Barcode: "AAACCCAA",
		Records: []umi.Record{
			{Seq: "AACC", Features: []uint32{0}, Weight: 1},
			{Seq: "CCGG", Features: []uint32{0, 1}, Weight: 1},
		},
	}
	opts := DefaultOpts()
	opts.EM.MaxIterations = 1
	res := Quantify(cell, opts)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.Stats.NonConverged)
	// Mass is conserved even without convergence.
	assert.InDelta(t, 2.0, totalCount(res), 1e-9)
}

func TestQuantifyFailedCell(t *testing.T) {
	cell := collect.Cell{
		Barcode: "AAACCCAA",
		Records: []umi.Record{
			{Seq: "AACC", Features: nil, Weight: 1},
		},
	}
	res := Quantify(cell, DefaultOpts())
	assert.Error(t, res.Err)
	assert.Equal(t, 1, res.Stats.FailedCells)
	assert.Nil(t, res.Counts)
}

func TestQuantifyDump(t *testing.T) {
	cell := collect.Cell{
		Barcode: "AAACCCAA",
		Records: []umi.Record{
			{Seq: "AACC", Features: []uint32{0}, Weight: 10},
			{Seq: "AACG", Features: []uint32{0}, Weight: 1},
		},
	}
	opts := DefaultOpts()
	opts.DumpEC = true
	res := Quantify(cell, opts)
	assert.NoError(t, res.Err)
	assert.Equal(t, []ECRecord{
		{UMI: "AACC", Features: []uint32{0}, Weight: 10},
		{UMI: "AACG", Features: []uint32{0}, Weight: 1, DedupUMI: "AACC", DedupFeatures: []uint32{0}},
	}, res.Dump)
}

func TestRun(t *testing.T) {
	table := collect.NewFakeTable([]collect.Cell{
		{
			Barcode: "AAACCCAA",
			Records: []umi.Record{
				{Seq: "AACC", Features: []uint32{0}, Weight: 3},
				{Seq: "CCGG", Features: []uint32{1}, Weight: 2},
			},
		},
		{
			Barcode: "TTTGGGAA",
			Records: []umi.Record{
				{Seq: "GGTT", Features: []uint32{1}, Weight: 1},
			},
		},
	})
	var results []CellResult
	stats, err := Run(table, DefaultOpts(), func(res CellResult) error {
		results = append(results, res)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.Cells)
	assert.Equal(t, 0, stats.FailedCells)
	assert.Equal(t, int64(3), stats.Molecules)

	sort.Slice(results, func(i, j int) bool { return results[i].Barcode < results[j].Barcode })
	assert.Equal(t, "AAACCCAA", results[0].Barcode)
	assert.Equal(t, []FeatureCount{{Feature: 0, Count: 1}, {Feature: 1, Count: 1}}, results[0].Counts)
	assert.Equal(t, []FeatureCount{{Feature: 1, Count: 1}}, results[1].Counts)
}

func TestRunFailureIsolation(t *testing.T) {
	table := collect.NewFakeTable([]collect.Cell{
		{
			Barcode: "AAACCCAA",
			Records: []umi.Record{
				{Seq: "AACC", Features: []uint32{0}, Weight: 1},
			},
		},
		{
			Barcode: "TTTGGGAA",
			Records: []umi.Record{
				{Seq: "GGTT", Features: nil, Weight: 1},
			},
		},
	})
	failed := 0
	stats, err := Run(table, DefaultOpts(), func(res CellResult) error {
		if res.Err != nil {
			failed++
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.Cells)
	assert.Equal(t, 1, stats.FailedCells)
	assert.Equal(t, 1, failed)
}

func TestParseCountMode(t *testing.T) {
	m, err := ParseCountMode("molecule")
	assert.NoError(t, err)
	assert.Equal(t, CountMolecules, m)
	assert.Equal(t, "molecule", m.String())

	m, err = ParseCountMode("reads")
	assert.NoError(t, err)
	assert.Equal(t, CountReads, m)
	assert.Equal(t, "reads", m.String())

	_, err = ParseCountMode("fragment")
	assert.Error(t, err)
}
