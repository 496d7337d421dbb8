// Package matrix aggregates per-cell quantification results into a
// sparse feature-by-barcode matrix and writes the gzipped Matrix
// Market bundle alongside the optional deduplication dump.
package matrix

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bepoli/irescue/annotation"
	"github.com/bepoli/irescue/quant"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Output file names, matching the single-cell matrix layout downstream
// tools expect.
const (
	MatrixFile   = "matrix.mtx.gz"
	BarcodesFile = "barcodes.tsv.gz"
	FeaturesFile = "features.tsv.gz"
	DumpFile     = "ec_dump.tsv.gz"
)

const (
	mmBanner = "%%MatrixMarket matrix coordinate real general\n"
	// countFloor is the smallest count worth a matrix entry.
	countFloor = 0.001
)

// FailedCell identifies a barcode whose quantification was abandoned.
type FailedCell struct {
	Barcode string
	Err     error
}

// Builder folds quantification results into matrix entries.  It is not
// safe for concurrent use: results from worker pools must funnel
// through a single goroutine, which is also what makes a conflicting
// second batch for a barcode detectable.
type Builder struct {
	db       *annotation.DB
	index    map[string]int
	barcodes []string
	seen     []bool
	dumpEC   bool
	entries  []entry
	dumps    []cellDump
	failed   []FailedCell
}

type entry struct {
	cell    int
	feature uint32
	count   float64
}

type cellDump struct {
	cell    int
	barcode string
	recs    []quant.ECRecord
}

// NewBuilder prepares a matrix with one column per barcode, in the
// given order.  barcodes must be duplicate free; Add accepts exactly
// one result per barcode.
func NewBuilder(db *annotation.DB, barcodes []string, dumpEC bool) *Builder {
	index := make(map[string]int, len(barcodes))
	for i, bc := range barcodes {
		index[bc] = i + 1
	}
	return &Builder{
		db:       db,
		index:    index,
		barcodes: barcodes,
		seen:     make([]bool, len(barcodes)),
		dumpEC:   dumpEC,
	}
}

// Add folds one cell's result into the matrix.  Counts below 0.001 are
// dropped.  A failed cell keeps its barcode column but contributes no
// entries.  A second result for the same barcode means an upstream
// aggregation bug and fails the run.
func (b *Builder) Add(res quant.CellResult) error {
	col, ok := b.index[res.Barcode]
	if !ok {
		return errors.Errorf("barcode %s was never collected", res.Barcode)
	}
	if b.seen[col-1] {
		return errors.Errorf("conflicting result batches for barcode %s", res.Barcode)
	}
	b.seen[col-1] = true
	if res.Err != nil {
		b.failed = append(b.failed, FailedCell{Barcode: res.Barcode, Err: res.Err})
		return nil
	}
	for _, fc := range res.Counts {
		if fc.Count < countFloor {
			continue
		}
		b.entries = append(b.entries, entry{cell: col, feature: fc.Feature, count: fc.Count})
	}
	if b.dumpEC && len(res.Dump) > 0 {
		b.dumps = append(b.dumps, cellDump{cell: col, barcode: res.Barcode, recs: res.Dump})
	}
	return nil
}

// NNZ returns the number of matrix entries accumulated so far.
func (b *Builder) NNZ() int { return len(b.entries) }

// Failed returns the abandoned barcodes in column order.
func (b *Builder) Failed() []FailedCell {
	sort.Slice(b.failed, func(i, j int) bool {
		return b.index[b.failed[i].Barcode] < b.index[b.failed[j].Barcode]
	})
	return b.failed
}

// Write renders the bundle into dir: matrix.mtx.gz, barcodes.tsv.gz,
// features.tsv.gz and, when the builder collects deduplication
// records, ec_dump.tsv.gz.  Output is byte reproducible: entries are
// ordered by barcode then feature and the gzip headers carry no
// timestamp.  Write fails if any barcode never received a result.
func (b *Builder) Write(ctx context.Context, dir string) error {
	for i, seen := range b.seen {
		if !seen {
			return errors.Errorf("barcode %s has no result", b.barcodes[i])
		}
	}
	sort.Slice(b.entries, func(i, j int) bool {
		if b.entries[i].cell != b.entries[j].cell {
			return b.entries[i].cell < b.entries[j].cell
		}
		return b.entries[i].feature < b.entries[j].feature
	})
	if err := writeGz(ctx, filepath.Join(dir, MatrixFile), b.writeMatrix); err != nil {
		return err
	}
	if err := writeGz(ctx, filepath.Join(dir, BarcodesFile), b.writeBarcodes); err != nil {
		return err
	}
	if err := writeGz(ctx, filepath.Join(dir, FeaturesFile), b.writeFeatures); err != nil {
		return err
	}
	if b.dumpEC {
		if err := writeGz(ctx, filepath.Join(dir, DumpFile), b.writeDump); err != nil {
			return err
		}
	}
	return nil
}

// writeGz streams one gzip member through fill.  The gzip header keeps
// its zero modification time, so repeated runs produce identical
// bytes.
func writeGz(ctx context.Context, path string, fill func(io.Writer) error) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	gz := gzip.NewWriter(dst.Writer(ctx))
	if err = fill(gz); err != nil {
		return err
	}
	return gz.Close()
}

func (b *Builder) writeMatrix(w io.Writer) error {
	if _, err := io.WriteString(w, mmBanner); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%d %d %d\n", b.db.Len(), len(b.barcodes), len(b.entries)); err != nil {
		return err
	}
	for _, e := range b.entries {
		if _, err := fmt.Fprintf(w, "%d %d %s\n", e.feature+1, e.cell, formatCount(e.count)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) writeBarcodes(w io.Writer) error {
	tw := tsv.NewWriter(w)
	for _, bc := range b.barcodes {
		tw.WriteString(bc)
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func (b *Builder) writeFeatures(w io.Writer) error {
	tw := tsv.NewWriter(w)
	for _, ft := range b.db.Features() {
		tw.WriteString(ft.Name)
		tw.WriteString(ft.Family)
		tw.WriteString("Gene Expression")
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func (b *Builder) writeDump(w io.Writer) error {
	sort.Slice(b.dumps, func(i, j int) bool { return b.dumps[i].cell < b.dumps[j].cell })
	tw := tsv.NewWriter(w)
	tw.WriteString("BC_index\tBarcode\tUMI\tFeatures\tRead_count\tDedup_UMI\tDedup_feature")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, dc := range b.dumps {
		for _, r := range dc.recs {
			tw.WriteInt64(int64(dc.cell))
			tw.WriteString(dc.barcode)
			tw.WriteString(r.UMI)
			tw.WriteString(b.nameCSV(r.Features))
			tw.WriteString(strconv.FormatFloat(r.Weight, 'g', -1, 64))
			tw.WriteString(r.DedupUMI)
			tw.WriteString(b.nameCSV(r.DedupFeatures))
			if err := tw.EndLine(); err != nil {
				return err
			}
		}
	}
	return tw.Flush()
}

// nameCSV renders feature ids as the comma separated subfamily list
// used in the deduplication dump.
func (b *Builder) nameCSV(ids []uint32) string {
	if len(ids) == 0 {
		return ""
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = b.db.Feature(annotation.FeatureID(id)).Name
	}
	return strings.Join(names, ",")
}

// formatCount renders a count rounded to the three decimal matrix
// precision.
func formatCount(c float64) string {
	return strconv.FormatFloat(math.Round(c*1000)/1000, 'g', -1, 64)
}
