// Package barcode loads cell barcode whitelists and optionally corrects
// sequencing errors against them.
package barcode

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Whitelist is a set of accepted cell barcodes.
type Whitelist struct {
	set map[string]bool
}

// Load reads a whitelist, one barcode per line, plain or gzipped.
// Blank lines and lines starting with '#' are skipped.  Barcodes must
// match the BAM tag representation exactly, including any gem group
// suffix the upstream pipeline appends.
func Load(ctx context.Context, path string) (wl *Whitelist, err error) {
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
	set := make(map[string]bool)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		bc := strings.TrimSpace(scanner.Text())
		if bc == "" || strings.HasPrefix(bc, "#") {
			continue
		}
		set[bc] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if len(set) == 0 {
		return nil, errors.Errorf("%s: no barcodes in whitelist", path)
	}
	return &Whitelist{set: set}, nil
}

// Len returns the number of whitelisted barcodes.
func (w *Whitelist) Len() int { return len(w.set) }

// Contains reports whether bc is whitelisted.
func (w *Whitelist) Contains(bc string) bool { return w.set[bc] }

// Correct returns the unique whitelist entry within Hamming distance
// one of bc.  Whitelisted barcodes are returned unchanged.  The second
// return is false when bc has no whitelisted neighbor, or more than
// one.
func (w *Whitelist) Correct(bc string) (string, bool) {
	if w.set[bc] {
		return bc, true
	}
	var candidate string
	buf := []byte(bc)
	for pos, existing := range buf {
		for _, base := range []byte{'A', 'C', 'G', 'T'} {
			if base == existing {
				continue
			}
			buf[pos] = base
			if w.set[string(buf)] {
				if candidate != "" {
					return bc, false
				}
				candidate = string(buf)
			}
		}
		buf[pos] = existing
	}
	if candidate == "" {
		return bc, false
	}
	return candidate, true
}
