package annotation

import (
	"bufio"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/store/interval"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Index holds the interned feature table and one interval tree per
// annotated reference.
type Index struct {
	db    *DB
	trees map[string]*interval.IntTree
	n     int
}

// Hit is one annotation interval overlapping a query range.
type Hit struct {
	Feature    FeatureID
	Start, End int
}

// entry is a stored BED interval; it implements interval.IntInterface.
type entry struct {
	start, end int
	id         uintptr
	feature    FeatureID
}

func (e entry) Overlap(b interval.IntRange) bool {
	// Half-open, so abutting intervals do not overlap.
	return e.end > b.Start && e.start < b.End
}
func (e entry) ID() uintptr              { return e.id }
func (e entry) Range() interval.IntRange { return interval.IntRange{Start: e.start, End: e.end} }

// Load reads a BED annotation, possibly gzipped, interning the name
// column into a feature table and building the per-reference interval
// trees.  Columns past the fourth are ignored.
func Load(ctx context.Context, path string) (idx *Index, err error) {
	infile, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var reader io.Reader = infile.Reader(ctx)
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return nil, err
		}
	}
	return scanBED(reader, path)
}

func scanBED(r io.Reader, path string) (*Index, error) {
	idx := &Index{
		db:    NewDB(),
		trees: make(map[string]*interval.IntTree),
	}
	var nextID uintptr
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 4 {
			return nil, errors.Errorf("%s:%d: expected at least 4 tab-separated columns, got %d", path, lineno, len(cols))
		}
		start, err := strconv.Atoi(cols[1])
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid start position", path, lineno)
		}
		end, err := strconv.Atoi(cols[2])
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid end position", path, lineno)
		}
		if start < 0 || end < start {
			return nil, errors.Errorf("%s:%d: invalid interval [%d, %d)", path, lineno, start, end)
		}
		feature := idx.db.Intern(cols[3])
		if start == end {
			continue
		}
		tree := idx.trees[cols[0]]
		if tree == nil {
			tree = &interval.IntTree{}
			idx.trees[cols[0]] = tree
		}
		if err := tree.Insert(entry{start: start, end: end, id: nextID, feature: feature}, false); err != nil {
			return nil, errors.Wrapf(err, "%s:%d: inserting interval", path, lineno)
		}
		nextID++
		idx.n++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if idx.db.Len() == 0 {
		return nil, errors.Errorf("%s: no usable annotation records", path)
	}
	return idx, nil
}

// DB returns the interned feature table.
func (x *Index) DB() *DB { return x.db }

// NumIntervals returns the number of indexed intervals.
func (x *Index) NumIntervals() int { return x.n }

// HasRef reports whether ref carries any annotation.
func (x *Index) HasRef(ref string) bool { return x.trees[ref] != nil }

// Refs returns the annotated reference names in sorted order.
func (x *Index) Refs() []string {
	refs := make([]string, 0, len(x.trees))
	for ref := range x.trees {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Overlapping appends every annotation interval on ref overlapping the
// half-open range [start, end) to buf and returns it.  buf may be nil;
// passing a reused slice avoids per-query allocation.
func (x *Index) Overlapping(ref string, start, end int, buf []Hit) []Hit {
	tree := x.trees[ref]
	if tree == nil {
		return buf
	}
	for _, iv := range tree.Get(entry{start: start, end: end}) {
		e := iv.(entry)
		buf = append(buf, Hit{Feature: e.feature, Start: e.start, End: e.end})
	}
	return buf
}
