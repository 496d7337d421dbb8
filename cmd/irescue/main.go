package main

/*
  irescue quantifies transposable element expression in single cells
  from a barcoded BAM and a RepeatMasker BED annotation.  Reads are
  grouped by cell barcode, UMIs are deduplicated with a directional
  clusterer, and molecules mapping to several subfamilies are split by
  an expectation maximization fit per ambiguity class.  Results are
  written as a gzipped Matrix Market bundle.
*/

import (
	"context"
	"flag"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/bepoli/irescue/annotation"
	"github.com/bepoli/irescue/barcode"
	"github.com/bepoli/irescue/collect"
	"github.com/bepoli/irescue/em"
	"github.com/bepoli/irescue/matrix"
	"github.com/bepoli/irescue/quant"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/guptarohit/asciigraph"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

var (
	bamPath         = flag.String("bam", "", "Input BAM with cell barcode and UMI tags")
	regionsPath     = flag.String("regions", "", "Transposable element annotation in BED format, plain or gzipped")
	whitelistPath   = flag.String("whitelist", "", "Accepted cell barcodes, one per line, plain or gzipped. By default every barcode in the BAM is counted")
	correctBarcodes = flag.Bool("correct-barcodes", false, "Rescue barcodes within Hamming distance 1 of a single whitelist entry; requires -whitelist")
	cbTag           = flag.String("cb-tag", "CB", "BAM aux tag holding the cell barcode")
	umiTag          = flag.String("umi-tag", "UB", "BAM aux tag holding the UMI")
	minOverlapBP    = flag.Int("min-overlap-bp", 0, "Minimum aligned bases a read must share with a feature interval")
	minOverlapFrac  = flag.Float64("min-overlap-frac", 0, "Minimum fraction of a read's aligned bases that must overlap a feature interval")
	umiDist         = flag.Int("umi-dist", 1, "Maximum Hamming distance merged during UMI deduplication")
	umiLength       = flag.Int("umi-length", 0, "Expected UMI length; 0 infers it from the first well-formed UMI")
	emTolerance     = flag.Float64("em-tolerance", em.DefaultOpts.Tolerance, "EM convergence threshold on the parameter update")
	emMaxIters      = flag.Int("em-max-iters", em.DefaultOpts.MaxIterations, "EM iteration cap per ambiguity class")
	countMode       = flag.String("count-mode", "molecule", "Mass per deduplicated molecule: 'molecule' or 'reads'")
	parallelism     = flag.Int("parallelism", runtime.NumCPU(), "Number of cells quantified concurrently")
	queueLength     = flag.Int("queue-length", runtime.NumCPU()*5, "Number of cells buffered ahead of the quantification workers")
	spillShards     = flag.Int("spill-shards", 0, "Number of compressed scratch files for collected records, 0 to keep them in memory")
	scratchDir      = flag.String("scratch-dir", "/tmp", "Directory to put scratch files")
	outdir          = flag.String("outdir", "irescue_out", "Output directory for the matrix bundle")
	dumpEC          = flag.Bool("dump-ec", false, "Also write ec_dump.tsv.gz with per-UMI deduplication details")
	statsPath       = flag.String("stats", "", "Write run statistics to this TSV file in addition to the log")
)

type config struct {
	bamPath   string
	bedPath   string
	whitelist string
	outdir    string
	statsPath string
	dumpEC    bool
	collect   collect.Opts
	quant     quant.Opts
}

func main() {
	shutdown := grail.Init()

	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}
	if *bamPath == "" || *regionsPath == "" {
		log.Fatalf("-bam and -regions are required")
	}
	if *correctBarcodes && *whitelistPath == "" {
		log.Fatalf("-correct-barcodes requires -whitelist")
	}
	if *umiDist < 0 {
		log.Fatalf("-umi-dist must not be negative")
	}
	if *umiLength > 0 && *umiDist >= *umiLength {
		log.Fatalf("-umi-dist %d must be smaller than the UMI length %d", *umiDist, *umiLength)
	}
	if *minOverlapFrac < 0 || *minOverlapFrac > 1 {
		log.Fatalf("-min-overlap-frac must be within [0, 1]")
	}
	if *emTolerance <= 0 {
		log.Fatalf("-em-tolerance must be positive")
	}
	if *emMaxIters < 0 {
		log.Fatalf("-em-max-iters must not be negative")
	}
	if *spillShards < 0 {
		log.Fatalf("-spill-shards must not be negative")
	}
	mode, err := quant.ParseCountMode(*countMode)
	if err != nil {
		log.Fatalf("%v", err)
	}

	cfg := config{
		bamPath:   *bamPath,
		bedPath:   *regionsPath,
		whitelist: *whitelistPath,
		outdir:    *outdir,
		statsPath: *statsPath,
		dumpEC:    *dumpEC,
		collect: collect.Opts{
			CBTag:           *cbTag,
			UBTag:           *umiTag,
			UMILength:       *umiLength,
			MinOverlapBP:    *minOverlapBP,
			MinOverlapFrac:  *minOverlapFrac,
			CorrectBarcodes: *correctBarcodes,
			SpillShards:     *spillShards,
			ScratchDir:      *scratchDir,
			Parallelism:     *parallelism,
		},
		quant: quant.Opts{
			UMIDistance: *umiDist,
			EM: em.Opts{
				Tolerance:     *emTolerance,
				MaxIterations: *emMaxIters,
				ThetaFloor:    em.DefaultOpts.ThetaFloor,
			},
			Mode:        mode,
			Parallelism: *parallelism,
			QueueLength: *queueLength,
			DumpEC:      *dumpEC,
		},
	}

	failed, err := run(vcontext.Background(), cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Debug.Printf("exiting")
	shutdown()
	if failed > 0 {
		os.Exit(1)
	}
}

// run executes the pipeline and returns the number of cells whose
// quantification failed.  The matrix bundle is written even when some
// cells fail; only their counts are missing.
func run(ctx context.Context, cfg config) (int, error) {
	idx, err := annotation.Load(ctx, cfg.bedPath)
	if err != nil {
		return 0, err
	}
	log.Printf("loaded %d features over %d intervals from %s", idx.DB().Len(), idx.NumIntervals(), cfg.bedPath)

	var wl *barcode.Whitelist
	if cfg.whitelist != "" {
		if wl, err = barcode.Load(ctx, cfg.whitelist); err != nil {
			return 0, err
		}
		log.Printf("loaded %d whitelisted barcodes from %s", wl.Len(), cfg.whitelist)
	}

	table, err := collect.Scan(ctx, cfg.bamPath, idx, wl, cfg.collect)
	if err != nil {
		return 0, err
	}
	defer table.Cleanup() // nolint: errcheck
	cstats := table.Stats()
	log.Printf("scanned %d alignments, kept %d read/feature intersections across %d cells",
		cstats.Records, cstats.Intersections, cstats.Cells)
	logScanDrops(cstats)
	if n := table.UMILength(); n > 0 && cfg.quant.UMIDistance >= n {
		return 0, errors.Errorf("umi-dist %d must be smaller than the UMI length %d inferred from the BAM", cfg.quant.UMIDistance, n)
	}

	builder := matrix.NewBuilder(idx.DB(), table.Barcodes(), cfg.dumpEC)
	var molecules []float64
	qstats, err := quant.Run(table, cfg.quant, func(res quant.CellResult) error {
		if res.Err == nil {
			molecules = append(molecules, float64(res.Stats.Molecules))
		}
		return builder.Add(res)
	})
	if err != nil {
		return 0, err
	}
	log.Printf("deduplicated %d molecules in %d cells; %d ambiguity classes needed EM (%d iterations, %d hit the cap)",
		qstats.Molecules, qstats.Cells, qstats.AmbiguousClasses, qstats.EMIterations, qstats.NonConverged)
	logCellSummary(molecules)

	if err := os.MkdirAll(cfg.outdir, 0777); err != nil {
		return 0, err
	}
	if err := builder.Write(ctx, cfg.outdir); err != nil {
		return 0, err
	}
	log.Printf("wrote %d matrix entries for %d features x %d cells to %s",
		builder.NNZ(), idx.DB().Len(), len(table.Barcodes()), cfg.outdir)

	if cfg.statsPath != "" {
		if err := writeStats(ctx, cfg.statsPath, cstats, qstats, builder.NNZ()); err != nil {
			return 0, err
		}
	}

	failed := builder.Failed()
	for _, f := range failed {
		log.Error.Printf("cell %s failed: %v", f.Barcode, f.Err)
	}
	return len(failed), nil
}

func logScanDrops(cs collect.Stats) {
	drops := []struct {
		name string
		n    int64
	}{
		{"unmapped", cs.Unmapped},
		{"secondary/supplementary", cs.Secondary},
		{"duplicate", cs.Duplicate},
		{"unannotated reference", cs.UnannotatedRef},
		{"missing barcode", cs.MissingBarcode},
		{"off whitelist", cs.NotWhitelisted},
		{"missing UMI", cs.MissingUMI},
		{"malformed UMI", cs.MalformedUMI},
		{"homopolymer UMI", cs.HomopolymerUMI},
		{"no feature overlap", cs.NoOverlap},
	}
	parts := make([]string, 0, len(drops))
	for _, d := range drops {
		if d.n > 0 {
			parts = append(parts, d.name+" "+strconv.FormatInt(d.n, 10))
		}
	}
	if len(parts) > 0 {
		log.Printf("dropped alignments: %s", strings.Join(parts, ", "))
	}
	if cs.CorrectedBarcode > 0 {
		log.Printf("corrected %d barcodes against the whitelist", cs.CorrectedBarcode)
	}
}

// logCellSummary reports the molecule count distribution and, at debug
// level, a knee plot of cells ranked by molecule count.
func logCellSummary(molecules []float64) {
	if len(molecules) == 0 {
		return
	}
	sort.Float64s(molecules)
	log.Printf("molecules per cell: mean %.1f, median %.1f, max %.0f",
		stat.Mean(molecules, nil),
		stat.Quantile(0.5, stat.Empirical, molecules, nil),
		molecules[len(molecules)-1])
	if log.At(log.Debug) && len(molecules) > 1 {
		ranked := make([]float64, len(molecules))
		for i, m := range molecules {
			ranked[len(molecules)-1-i] = m
		}
		log.Debug.Printf("cells ranked by molecule count:\n%s",
			asciigraph.Plot(ranked, asciigraph.Height(10), asciigraph.Precision(0)))
	}
}

func writeStats(ctx context.Context, path string, cs collect.Stats, qs quant.Stats, nnz int) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := tsv.NewWriter(dst.Writer(ctx))
	rows := []struct {
		name  string
		value string
	}{
		{"alignments", strconv.FormatInt(cs.Records, 10)},
		{"unmapped", strconv.FormatInt(cs.Unmapped, 10)},
		{"secondary", strconv.FormatInt(cs.Secondary, 10)},
		{"duplicate", strconv.FormatInt(cs.Duplicate, 10)},
		{"unannotated_ref", strconv.FormatInt(cs.UnannotatedRef, 10)},
		{"missing_cb", strconv.FormatInt(cs.MissingBarcode, 10)},
		{"not_whitelisted", strconv.FormatInt(cs.NotWhitelisted, 10)},
		{"corrected_cb", strconv.FormatInt(cs.CorrectedBarcode, 10)},
		{"missing_umi", strconv.FormatInt(cs.MissingUMI, 10)},
		{"malformed_umi", strconv.FormatInt(cs.MalformedUMI, 10)},
		{"homopolymer_umi", strconv.FormatInt(cs.HomopolymerUMI, 10)},
		{"no_overlap", strconv.FormatInt(cs.NoOverlap, 10)},
		{"intersections", strconv.FormatInt(cs.Intersections, 10)},
		{"cells", strconv.Itoa(cs.Cells)},
		{"failed_cells", strconv.Itoa(qs.FailedCells)},
		{"molecules", strconv.FormatInt(qs.Molecules, 10)},
		{"read_support", strconv.FormatFloat(qs.Reads, 'g', -1, 64)},
		{"trivial_classes", strconv.FormatInt(qs.TrivialClasses, 10)},
		{"em_classes", strconv.FormatInt(qs.AmbiguousClasses, 10)},
		{"em_iterations", strconv.FormatInt(qs.EMIterations, 10)},
		{"em_non_converged", strconv.FormatInt(qs.NonConverged, 10)},
		{"matrix_entries", strconv.Itoa(nnz)},
	}
	for _, r := range rows {
		w.WriteString(r.name)
		w.WriteString(r.value)
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}
