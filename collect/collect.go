// Package collect scans a barcoded alignment file and gathers, per
// cell barcode, the UMI records that feed deduplication and
// quantification.  Every alignment passes the same tag hygiene and
// feature overlap filters, so the collected table does not depend on
// scan order.
package collect

import (
	"context"
	"io"
	"runtime"

	"github.com/bepoli/irescue/annotation"
	"github.com/bepoli/irescue/barcode"
	"github.com/bepoli/irescue/umi"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// Opts controls the alignment scan.
type Opts struct {
	// CBTag and UBTag are the two-letter aux tags holding the cell
	// barcode and the UMI.  Empty values mean CB and UB.
	CBTag string
	UBTag string
	// UMILength, when positive, drops UMIs of any other length.  Zero
	// infers the length from the first well-formed UMI in the file.
	UMILength int
	// MinOverlapBP drops read/feature intersections spanning fewer
	// than this many aligned bases.
	MinOverlapBP int
	// MinOverlapFrac drops intersections covering less than this
	// fraction of the read's aligned length.
	MinOverlapFrac float64
	// CorrectBarcodes rescues barcodes within Hamming distance one of
	// a whitelisted barcode instead of requiring an exact match.
	CorrectBarcodes bool
	// SpillShards, when positive, stages collected records in this
	// many compressed scratch files instead of holding them all in
	// memory.
	SpillShards int
	// ScratchDir is where spill shards are created.  Empty means the
	// system temp dir.
	ScratchDir string
	// Parallelism bounds BAM decompression threads.  Zero or negative
	// means the number of CPUs.
	Parallelism int
}

// Stats counts the dispositions of scanned alignments.
type Stats struct {
	// Records is the total number of alignment records scanned.
	Records int64
	// Unmapped is the number of records skipped because they are not
	// aligned to a reference.
	Unmapped int64
	// Secondary counts secondary and supplementary alignments, which
	// are skipped so each read is counted once.
	Secondary int64
	// Duplicate counts records flagged as PCR or optical duplicates.
	Duplicate int64
	// UnannotatedRef is the number of records skipped because their
	// reference carries no annotation.
	UnannotatedRef int64
	// MissingBarcode counts records without a usable cell barcode tag.
	MissingBarcode int64
	// NotWhitelisted counts records whose barcode failed the whitelist.
	NotWhitelisted int64
	// CorrectedBarcode counts records whose barcode was rescued by
	// whitelist correction.
	CorrectedBarcode int64
	// MissingUMI counts records without a UMI tag.
	MissingUMI int64
	// MalformedUMI counts records whose UMI has invalid characters or
	// the wrong length.
	MalformedUMI int64
	// HomopolymerUMI counts records dropped for single-base UMIs.
	HomopolymerUMI int64
	// NoOverlap counts records that overlapped no annotated feature.
	NoOverlap int64
	// Intersections is the number of read/feature intersection events
	// kept.
	Intersections int64
	// Cells is the number of distinct barcodes with at least one kept
	// record.
	Cells int
}

// Scan reads every alignment in bamPath and aggregates the kept
// records by cell barcode.  wl may be nil to accept every barcode.
func Scan(ctx context.Context, bamPath string, idx *annotation.Index, wl *barcode.Whitelist, opts Opts) (table *Table, err error) {
	cbTag, err := auxTag(opts.CBTag, "CB")
	if err != nil {
		return nil, err
	}
	ubTag, err := auxTag(opts.UBTag, "UB")
	if err != nil {
		return nil, err
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	in, err := file.Open(ctx, bamPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	bamr, err := bam.NewReader(in.Reader(ctx), parallelism)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := bamr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	shared := false
	for _, ref := range bamr.Header().Refs() {
		if idx.HasRef(ref.Name()) {
			shared = true
			break
		}
	}
	if !shared {
		return nil, errors.Errorf("%s: no reference sequence in the BAM header matches the annotation; check chromosome naming (chr1 vs 1)", bamPath)
	}

	table, err = newTable(opts)
	if err != nil {
		return nil, err
	}
	s := scanner{
		opts:   opts,
		idx:    idx,
		wl:     wl,
		cbTag:  cbTag,
		ubTag:  ubTag,
		umiLen: opts.UMILength,
		table:  table,
		warned: make(map[string]bool),
	}
	for {
		rec, rerr := bamr.Read()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			table.Cleanup() // nolint: errcheck
			return nil, errors.Wrapf(rerr, "reading %s", bamPath)
		}
		s.process(rec)
	}
	if err := table.seal(); err != nil {
		table.Cleanup() // nolint: errcheck
		return nil, err
	}
	s.stats.Cells = len(table.barcodes)
	table.stats = s.stats
	table.umiLen = s.umiLen
	return table, nil
}

type scanner struct {
	opts   Opts
	idx    *annotation.Index
	wl     *barcode.Whitelist
	cbTag  sam.Tag
	ubTag  sam.Tag
	umiLen int
	table  *Table
	stats  Stats
	warned map[string]bool

	blocks []block
	hits   []annotation.Hit
	feats  []uint32
}

func (s *scanner) process(rec *sam.Record) {
	s.stats.Records++
	if rec.Flags&sam.Unmapped != 0 || rec.Ref == nil {
		s.stats.Unmapped++
		return
	}
	if (rec.Flags&sam.Secondary) != 0 || (rec.Flags&sam.Supplementary) != 0 {
		s.stats.Secondary++
		return
	}
	if rec.Flags&sam.Duplicate != 0 {
		s.stats.Duplicate++
		return
	}
	refName := rec.Ref.Name()
	if !s.idx.HasRef(refName) {
		if !s.warned[refName] {
			s.warned[refName] = true
			log.Error.Printf("reference %s has alignments but no annotation, skipping its reads", refName)
		}
		s.stats.UnannotatedRef++
		return
	}
	cb, ok := tagString(rec, s.cbTag)
	if !ok || cb == "" || cb == "-" {
		s.stats.MissingBarcode++
		return
	}
	if s.wl != nil {
		if s.opts.CorrectBarcodes {
			corrected, ok := s.wl.Correct(cb)
			if !ok {
				s.stats.NotWhitelisted++
				return
			}
			if corrected != cb {
				s.stats.CorrectedBarcode++
				cb = corrected
			}
		} else if !s.wl.Contains(cb) {
			s.stats.NotWhitelisted++
			return
		}
	}
	u, ok := tagString(rec, s.ubTag)
	if !ok || u == "" {
		s.stats.MissingUMI++
		return
	}
	if !umi.ValidBases(u) {
		s.stats.MalformedUMI++
		return
	}
	if s.umiLen == 0 {
		s.umiLen = len(u)
	}
	if len(u) != s.umiLen {
		s.stats.MalformedUMI++
		return
	}
	if umi.IsHomopolymer(u) {
		s.stats.HomopolymerUMI++
		return
	}
	s.blocks = alignedBlocks(rec, s.blocks[:0])
	if len(s.blocks) == 0 {
		s.stats.NoOverlap++
		return
	}
	alen := 0
	for _, b := range s.blocks {
		alen += b.end - b.start
	}
	s.hits = s.idx.Overlapping(refName, s.blocks[0].start, s.blocks[len(s.blocks)-1].end, s.hits[:0])
	s.feats = s.feats[:0]
	for _, h := range s.hits {
		ov := 0
		for _, b := range s.blocks {
			if o := overlapLen(b, h); o > 0 {
				ov += o
			}
		}
		if ov <= 0 || ov < s.opts.MinOverlapBP {
			continue
		}
		if s.opts.MinOverlapFrac > 0 && float64(ov) < s.opts.MinOverlapFrac*float64(alen) {
			continue
		}
		s.feats = append(s.feats, uint32(h.Feature))
	}
	if len(s.feats) == 0 {
		s.stats.NoOverlap++
		return
	}
	s.stats.Intersections += int64(len(s.feats))
	s.table.addRead(cb, u, s.feats)
}

// block is a reference interval consumed by aligned bases.
type block struct {
	start, end int
}

// alignedBlocks appends the reference intervals covered by match ops,
// splitting at deletions and ref skips the way spliced aligners report
// them.
func alignedBlocks(rec *sam.Record, buf []block) []block {
	pos := rec.Pos
	for _, co := range rec.Cigar {
		con := co.Type().Consumes()
		if con.Query == 1 && con.Reference == 1 {
			buf = append(buf, block{pos, pos + co.Len()})
		}
		if con.Reference == 1 {
			pos += co.Len()
		}
	}
	return buf
}

func overlapLen(b block, h annotation.Hit) int {
	lo, hi := b.start, b.end
	if h.Start > lo {
		lo = h.Start
	}
	if h.End < hi {
		hi = h.End
	}
	return hi - lo
}

func tagString(rec *sam.Record, tag sam.Tag) (string, bool) {
	aux := rec.AuxFields.Get(tag)
	if aux == nil {
		return "", false
	}
	s, ok := aux.Value().(string)
	return s, ok
}

func auxTag(name, fallback string) (sam.Tag, error) {
	if name == "" {
		name = fallback
	}
	if len(name) != 2 {
		return sam.Tag{}, errors.Errorf("aux tag %q: must be exactly two characters", name)
	}
	return sam.Tag{name[0], name[1]}, nil
}
