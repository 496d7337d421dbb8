package collect

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"blainsmith.com/go/seahash"
	"github.com/bepoli/irescue/umi"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/unsafe"
	"golang.org/x/exp/slices"
)

// Cell is one barcode's collected records.  Records are ordered by UMI
// sequence.
type Cell struct {
	Barcode string
	Records []umi.Record
}

// Table holds the collected records, either aggregated in memory or
// staged as raw read events in compressed spill shards.  Barcodes are
// assigned to shards by seahash, so one barcode's events always land
// in one shard.
type Table struct {
	stats    Stats
	umiLen   int
	barcodes []string

	cells      map[string]map[string]*umiAgg
	barcodeSet map[string]bool

	spillDir string
	writers  []*spillWriter
	shards   []string
	writeErr errors.Once
}

type umiAgg struct {
	weight   float64
	features map[uint32]bool
}

func newTable(opts Opts) (*Table, error) {
	t := &Table{barcodeSet: make(map[string]bool)}
	if opts.SpillShards <= 0 {
		t.cells = make(map[string]map[string]*umiAgg)
		return t, nil
	}
	dir, err := ioutil.TempDir(opts.ScratchDir, "irescue-spill-")
	if err != nil {
		return nil, err
	}
	t.spillDir = dir
	for i := 0; i < opts.SpillShards; i++ {
		path := filepath.Join(dir, fmt.Sprintf("events_%04d_of_%04d", i, opts.SpillShards))
		f, err := os.Create(path)
		if err != nil {
			t.Cleanup() // nolint: errcheck
			return nil, fmt.Errorf("error creating spill shard %s: %v", path, err)
		}
		t.writers = append(t.writers, &spillWriter{f: f, w: snappy.NewBufferedWriter(f)})
		t.shards = append(t.shards, path)
	}
	return t, nil
}

// addRead records one read's resolved candidate features.  The read
// adds unit weight to its (barcode, UMI) aggregate and its features
// join the aggregate's candidate set.
func (t *Table) addRead(cb, u string, features []uint32) {
	t.barcodeSet[cb] = true
	if t.writers != nil {
		h := seahash.Sum64(unsafe.StringToBytes(cb))
		t.writeErr.Set(t.writers[int(h%uint64(len(t.writers)))].add(cb, u, features))
		return
	}
	cell := t.cells[cb]
	if cell == nil {
		cell = make(map[string]*umiAgg)
		t.cells[cb] = cell
	}
	agg := cell[u]
	if agg == nil {
		agg = &umiAgg{features: make(map[uint32]bool)}
		cell[u] = agg
	}
	agg.weight++
	for _, f := range features {
		agg.features[f] = true
	}
}

// seal closes the spill writers and fixes the sorted barcode list.
func (t *Table) seal() error {
	for _, w := range t.writers {
		t.writeErr.Set(w.close())
	}
	if err := t.writeErr.Err(); err != nil {
		return err
	}
	t.barcodes = make([]string, 0, len(t.barcodeSet))
	for cb := range t.barcodeSet {
		t.barcodes = append(t.barcodes, cb)
	}
	sort.Strings(t.barcodes)
	return nil
}

// Barcodes returns every collected barcode in sorted order.
func (t *Table) Barcodes() []string { return t.barcodes }

// Stats returns the scan statistics.
func (t *Table) Stats() Stats { return t.stats }

// UMILength returns the UMI length the scan settled on, either the
// configured value or the inferred one.  Zero if no read passed the
// UMI filters.
func (t *Table) UMILength() int { return t.umiLen }

// Each calls fn once per cell.  In-memory tables iterate in barcode
// order; spilled tables iterate shard by shard, sorted within each
// shard, so one shard's aggregation is in memory at a time.
func (t *Table) Each(fn func(Cell) error) error {
	if t.writers == nil {
		for _, cb := range t.barcodes {
			if err := fn(buildCell(cb, t.cells[cb])); err != nil {
				return err
			}
		}
		return nil
	}
	for _, path := range t.shards {
		cells, err := readShard(path)
		if err != nil {
			return err
		}
		cbs := make([]string, 0, len(cells))
		for cb := range cells {
			cbs = append(cbs, cb)
		}
		sort.Strings(cbs)
		for _, cb := range cbs {
			if err := fn(buildCell(cb, cells[cb])); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup removes any spill shards.  Safe to call more than once.
func (t *Table) Cleanup() error {
	if t.spillDir == "" {
		return nil
	}
	dir := t.spillDir
	t.spillDir = ""
	return os.RemoveAll(dir)
}

func buildCell(cb string, aggs map[string]*umiAgg) Cell {
	recs := make([]umi.Record, 0, len(aggs))
	for u, agg := range aggs {
		features := make([]uint32, 0, len(agg.features))
		for f := range agg.features {
			features = append(features, f)
		}
		slices.Sort(features)
		recs = append(recs, umi.Record{Seq: u, Features: features, Weight: agg.weight})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return Cell{Barcode: cb, Records: recs}
}

// spillWriter appends length-prefixed read events to a snappy-compressed
// scratch file.  Each event is one read: barcode, UMI, and the read's
// candidate features.
type spillWriter struct {
	f   *os.File
	w   *snappy.Writer
	buf []byte
}

func (w *spillWriter) add(cb, u string, features []uint32) error {
	if len(cb) > 255 || len(u) > 255 {
		return fmt.Errorf("barcode or UMI longer than 255 bytes: %q %q", cb, u)
	}
	if len(features) > 65535 {
		return fmt.Errorf("read with %d feature intersections", len(features))
	}
	w.buf = w.buf[:0]
	w.buf = append(w.buf, byte(len(cb)), byte(len(u)))
	var n2 [2]byte
	binary.LittleEndian.PutUint16(n2[:], uint16(len(features)))
	w.buf = append(w.buf, n2[:]...)
	var f4 [4]byte
	for _, f := range features {
		binary.LittleEndian.PutUint32(f4[:], f)
		w.buf = append(w.buf, f4[:]...)
	}
	w.buf = append(w.buf, cb...)
	w.buf = append(w.buf, u...)
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("error writing to spill shard %s: %v", w.f.Name(), err)
	}
	return nil
}

func (w *spillWriter) close() error {
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("failed to close snappy writer for %s: %v", w.f.Name(), err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %v", w.f.Name(), err)
	}
	return nil
}

func readShard(path string) (cells map[string]map[string]*umiAgg, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	r := snappy.NewReader(f)
	cells = make(map[string]map[string]*umiAgg)
	var hdr [4]byte
	buf := make([]byte, 0, 128)
	for {
		_, rerr := io.ReadFull(r, hdr[:])
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("error reading spill shard %s: %v", path, rerr)
		}
		cbLen, umiLen := int(hdr[0]), int(hdr[1])
		nFeat := int(binary.LittleEndian.Uint16(hdr[2:4]))
		need := 4*nFeat + cbLen + umiLen
		if cap(buf) < need {
			buf = make([]byte, need)
		}
		buf = buf[:need]
		if _, rerr := io.ReadFull(r, buf); rerr != nil {
			return nil, fmt.Errorf("truncated spill shard %s: %v", path, rerr)
		}
		cb := string(buf[4*nFeat : 4*nFeat+cbLen])
		u := string(buf[4*nFeat+cbLen:])
		cell := cells[cb]
		if cell == nil {
			cell = make(map[string]*umiAgg)
			cells[cb] = cell
		}
		agg := cell[u]
		if agg == nil {
			agg = &umiAgg{features: make(map[uint32]bool)}
			cell[u] = agg
		}
		agg.weight++
		for k := 0; k < nFeat; k++ {
			agg.features[binary.LittleEndian.Uint32(buf[4*k:4*k+4])] = true
		}
	}
	return cells, nil
}
