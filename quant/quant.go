// Package quant deduplicates each cell's UMIs and allocates molecule
// counts across features, resolving multimapping molecules with an EM
// fit per ambiguity class.  Cells are independent, so the pool in Run
// processes them concurrently without shared state.
package quant

import (
	"runtime"
	"sort"

	"github.com/bepoli/irescue/collect"
	"github.com/bepoli/irescue/em"
	"github.com/bepoli/irescue/eqclass"
	"github.com/bepoli/irescue/umi"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
)

// CountMode selects the mass each deduplicated molecule contributes to
// feature counts.
type CountMode int

const (
	// CountMolecules gives every molecule unit mass.
	CountMolecules CountMode = iota
	// CountReads weights every molecule by its read support.
	CountReads
)

func (m CountMode) String() string {
	switch m {
	case CountMolecules:
		return "molecule"
	case CountReads:
		return "reads"
	}
	return "unknown"
}

// ParseCountMode converts a -count-mode flag value.
func ParseCountMode(s string) (CountMode, error) {
	switch s {
	case "molecule":
		return CountMolecules, nil
	case "reads":
		return CountReads, nil
	}
	return CountMolecules, errors.Errorf("invalid count mode %q, want molecule or reads", s)
}

// Opts configures quantification.
type Opts struct {
	// UMIDistance is the maximum Hamming distance merged during UMI
	// deduplication.
	UMIDistance int
	// EM configures the per-class allocation fit.
	EM em.Opts
	// Mode selects the mass each deduplicated molecule contributes.
	Mode CountMode
	// Parallelism is the number of cells quantified concurrently.
	Parallelism int
	// QueueLength bounds the cells buffered ahead of the workers.
	QueueLength int
	// DumpEC records per-UMI deduplication details for each cell.
	DumpEC bool
}

// DefaultOpts mirrors the command line defaults.
func DefaultOpts() Opts {
	return Opts{
		UMIDistance: 1,
		EM:          em.DefaultOpts,
		Mode:        CountMolecules,
		Parallelism: runtime.NumCPU(),
		QueueLength: runtime.NumCPU() * 5,
	}
}

func (o Opts) withDefaults() Opts {
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.NumCPU()
	}
	if o.QueueLength <= 0 {
		o.QueueLength = o.Parallelism * 5
	}
	return o
}

// Stats aggregates per-cell quantification outcomes.
type Stats struct {
	// Cells is the number of cells processed.
	Cells int
	// FailedCells is the number of cells abandoned after an internal
	// consistency error.
	FailedCells int
	// Molecules is the number of deduplicated molecules across cells.
	Molecules int64
	// Reads is the read support summed over all molecules.
	Reads float64
	// TrivialClasses counts ambiguity classes with a single candidate
	// feature.
	TrivialClasses int64
	// AmbiguousClasses counts classes that needed an EM fit.
	AmbiguousClasses int64
	// NonConverged counts EM fits stopped at the iteration cap.
	NonConverged int64
	// EMIterations is the total number of EM iterations run.
	EMIterations int64
}

// Merge accumulates o into s.
func (s *Stats) Merge(o Stats) {
	s.Cells += o.Cells
	s.FailedCells += o.FailedCells
	s.Molecules += o.Molecules
	s.Reads += o.Reads
	s.TrivialClasses += o.TrivialClasses
	s.AmbiguousClasses += o.AmbiguousClasses
	s.NonConverged += o.NonConverged
	s.EMIterations += o.EMIterations
}

// FeatureCount is one feature's allocated count in a cell.
type FeatureCount struct {
	Feature uint32
	Count   float64
}

// ECRecord describes one collected UMI record and, when the record was
// absorbed into another molecule, the canonical UMI and feature set it
// deduplicated into.
type ECRecord struct {
	UMI           string
	Features      []uint32
	Weight        float64
	DedupUMI      string
	DedupFeatures []uint32
}

// CellResult is one cell's quantification outcome.  Err is set when
// the cell was abandoned; Counts is then nil.
type CellResult struct {
	Barcode string
	Counts  []FeatureCount
	Dump    []ECRecord
	Stats   Stats
	Err     error
}

// Quantify runs the full per-cell pipeline: UMI deduplication,
// ambiguity class construction, and count allocation.
func Quantify(cell collect.Cell, opts Opts) CellResult {
	res := CellResult{Barcode: cell.Barcode}
	res.Stats.Cells = 1

	groups := umi.Cluster(cell.Records, opts.UMIDistance)
	res.Stats.Molecules = int64(len(groups))
	for _, g := range groups {
		res.Stats.Reads += g.Weight
	}
	classes, err := eqclass.Partition(groups)
	if err != nil {
		res.Err = errors.Wrapf(err, "cell %s", cell.Barcode)
		res.Stats.FailedCells = 1
		return res
	}

	counts := make(map[uint32]float64)
	for _, class := range classes {
		if class.Trivial() {
			res.Stats.TrivialClasses++
			f := class.Features[0]
			for _, gi := range class.Groups {
				counts[f] += groupMass(groups[gi], opts.Mode)
			}
			continue
		}
		res.Stats.AmbiguousClasses++
		rank := make(map[uint32]int, len(class.Features))
		for off, f := range class.Features {
			rank[f] = off
		}
		members := make([]em.Member, len(class.Groups))
		for i, gi := range class.Groups {
			g := groups[gi]
			cands := make([]int, len(g.Features))
			for k, f := range g.Features {
				cands[k] = rank[f]
			}
			members[i] = em.Member{Candidates: cands, Weight: groupMass(g, opts.Mode)}
		}
		fit := em.Solve(members, len(class.Features), opts.EM)
		res.Stats.EMIterations += int64(fit.Iterations)
		if fit.State == em.MaxIterReached {
			res.Stats.NonConverged++
			log.Error.Printf("cell %s: EM stopped at the iteration cap (%d) without converging", cell.Barcode, opts.EM.MaxIterations)
		}
		for i := range members {
			for k, off := range members[i].Candidates {
				counts[class.Features[off]] += members[i].Weight * fit.Posteriors[i][k]
			}
		}
	}

	res.Counts = make([]FeatureCount, 0, len(counts))
	for f, c := range counts {
		res.Counts = append(res.Counts, FeatureCount{Feature: f, Count: c})
	}
	sort.Slice(res.Counts, func(i, j int) bool { return res.Counts[i].Feature < res.Counts[j].Feature })

	if opts.DumpEC {
		res.Dump = buildDump(cell, groups)
	}
	return res
}

func groupMass(g umi.Group, mode CountMode) float64 {
	if mode == CountReads {
		return g.Weight
	}
	return 1
}

// buildDump logs every collected record; absorbed records carry the
// canonical UMI and the feature set of the molecule they merged into.
func buildDump(cell collect.Cell, groups []umi.Group) []ECRecord {
	dump := make([]ECRecord, len(cell.Records))
	for i, r := range cell.Records {
		dump[i] = ECRecord{UMI: r.Seq, Features: r.Features, Weight: r.Weight}
	}
	for _, g := range groups {
		for _, mi := range g.Members[1:] {
			dump[mi].DedupUMI = g.Canonical
			dump[mi].DedupFeatures = g.Features
		}
	}
	return dump
}
