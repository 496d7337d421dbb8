package collect

import "sort"

// NewFakeTable returns an in-memory table holding the given cells, for
// tests and tools that bypass the alignment scan.
func NewFakeTable(cells []Cell) *Table {
	t := &Table{
		cells:      make(map[string]map[string]*umiAgg),
		barcodeSet: make(map[string]bool),
	}
	for _, c := range cells {
		t.barcodeSet[c.Barcode] = true
		cell := make(map[string]*umiAgg)
		for _, r := range c.Records {
			agg := &umiAgg{weight: r.Weight, features: make(map[uint32]bool)}
			for _, f := range r.Features {
				agg.features[f] = true
			}
			cell[r.Seq] = agg
		}
		t.cells[c.Barcode] = cell
	}
	t.barcodes = make([]string, 0, len(t.barcodeSet))
	for cb := range t.barcodeSet {
		t.barcodes = append(t.barcodes, cb)
	}
	sort.Strings(t.barcodes)
	t.stats.Cells = len(t.barcodes)
	return t
}
