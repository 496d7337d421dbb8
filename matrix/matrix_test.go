package matrix

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/bepoli/irescue/annotation"
	"github.com/bepoli/irescue/quant"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

func testDB() *annotation.DB {
	db := annotation.NewDB()
	db.Intern("AluY~SINE/Alu")
	db.Intern("L1HS~LINE/L1")
	db.Intern("MER1")
	return db
}

func gunzip(t *testing.T, path string) string {
	f, err := os.Open(path)
	expect.NoError(t, err)
	defer f.Close() // nolint: errcheck
	gz, err := gzip.NewReader(f)
	expect.NoError(t, err)
	data, err := ioutil.ReadAll(gz)
	expect.NoError(t, err)
	return string(data)
}

func TestWriteBundle(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	b := NewBuilder(testDB(), []string{"AAAC", "CCCA", "GGTG"}, false)

	// Results arrive in completion order, not column order.
	expect.NoError(t, b.Add(quant.CellResult{
		Barcode: "CCCA",
		Counts: []quant.FeatureCount{
			{Feature: 0, Count: 2},
			{Feature: 1, Count: 0.6666667},
		},
	}))
	expect.NoError(t, b.Add(quant.CellResult{
		Barcode: "GGTG",
		Err:     errors.New("bad cell"),
	}))
	expect.NoError(t, b.Add(quant.CellResult{
		Barcode: "AAAC",
		Counts: []quant.FeatureCount{
			{Feature: 0, Count: 0.0004},
			{Feature: 2, Count: 1.5},
		},
	}))
	expect.EQ(t, b.NNZ(), 3)
	failed := b.Failed()
	expect.EQ(t, len(failed), 1)
	expect.EQ(t, failed[0].Barcode, "GGTG")
	expect.NoError(t, b.Write(context.Background(), tmpDir))

	expect.EQ(t, gunzip(t, filepath.Join(tmpDir, MatrixFile)),
		`%%MatrixMarket matrix coordinate real general
3 3 3
3 1 1.5
1 2 2
2 2 0.667
`)
	expect.EQ(t, gunzip(t, filepath.Join(tmpDir, BarcodesFile)), "AAAC\nCCCA\nGGTG\n")
	expect.EQ(t, gunzip(t, filepath.Join(tmpDir, FeaturesFile)),
		"AluY\tSINE/Alu\tGene Expression\nL1HS\tLINE/L1\tGene Expression\nMER1\tMER1\tGene Expression\n")
	_, err := os.Stat(filepath.Join(tmpDir, DumpFile))
	expect.True(t, os.IsNotExist(err))
}

func TestWriteDump(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	b := NewBuilder(testDB(), []string{"AAAC", "TTTC"}, true)

	expect.NoError(t, b.Add(quant.CellResult{
		Barcode: "TTTC",
		Counts:  []quant.FeatureCount{{Feature: 2, Count: 1}},
		Dump: []quant.ECRecord{
			{UMI: "GTGT", Features: []uint32{2}, Weight: 2},
		},
	}))
	expect.NoError(t, b.Add(quant.CellResult{
		Barcode: "AAAC",
		Counts:  []quant.FeatureCount{{Feature: 0, Count: 2}},
		Dump: []quant.ECRecord{
			{UMI: "AACC", Features: []uint32{0, 1}, Weight: 3},
			{UMI: "AACG", Features: []uint32{0}, Weight: 1,
				DedupUMI: "AACC", DedupFeatures: []uint32{0, 1}},
		},
	}))
	expect.NoError(t, b.Write(context.Background(), tmpDir))

	expect.EQ(t, gunzip(t, filepath.Join(tmpDir, DumpFile)),
		"BC_index\tBarcode\tUMI\tFeatures\tRead_count\tDedup_UMI\tDedup_feature\n"+
			"1\tAAAC\tAACC\tAluY,L1HS\t3\t\t\n"+
			"1\tAAAC\tAACG\tAluY\t1\tAACC\tAluY,L1HS\n"+
			"2\tTTTC\tGTGT\tMER1\t2\t\t\n")
}

func TestAddConflict(t *testing.T) {
	b := NewBuilder(testDB(), []string{"AAAC"}, false)
	res := quant.CellResult{Barcode: "AAAC", Counts: []quant.FeatureCount{{Feature: 0, Count: 1}}}
	expect.NoError(t, b.Add(res))
	if err := b.Add(res); err == nil {
		t.Error("expected a conflict on the second batch")
	}
	if err := b.Add(quant.CellResult{Barcode: "GGGT"}); err == nil {
		t.Error("expected an error for an uncollected barcode")
	}
}

func TestWriteMissingResult(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	b := NewBuilder(testDB(), []string{"AAAC", "TTTC"}, false)
	expect.NoError(t, b.Add(quant.CellResult{Barcode: "AAAC"}))
	if err := b.Write(context.Background(), tmpDir); err == nil {
		t.Error("expected an error for the barcode without a result")
	}
}

func TestWriteReproducible(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	b := NewBuilder(testDB(), []string{"AAAC"}, false)
	expect.NoError(t, b.Add(quant.CellResult{
		Barcode: "AAAC",
		Counts:  []quant.FeatureCount{{Feature: 0, Count: 1}, {Feature: 1, Count: 0.25}},
	}))
	dir1 := filepath.Join(tmpDir, "run1")
	dir2 := filepath.Join(tmpDir, "run2")
	expect.NoError(t, os.Mkdir(dir1, 0755))
	expect.NoError(t, os.Mkdir(dir2, 0755))
	expect.NoError(t, b.Write(context.Background(), dir1))
	expect.NoError(t, b.Write(context.Background(), dir2))
	for _, name := range []string{MatrixFile, BarcodesFile, FeaturesFile} {
		b1, err := ioutil.ReadFile(filepath.Join(dir1, name))
		expect.NoError(t, err)
		b2, err := ioutil.ReadFile(filepath.Join(dir2, name))
		expect.NoError(t, err)
		expect.EQ(t, b1, b2)
	}
}
