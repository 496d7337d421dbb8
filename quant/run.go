package quant

import (
	"sync"

	"github.com/bepoli/irescue/collect"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Run quantifies every cell in table using a pool of workers and calls
// fn once per cell from a single goroutine, so fn needs no locking.
// Cells arrive at fn in completion order; callers that need a stable
// output order must sort downstream.  Per-cell failures are reported
// through CellResult.Err and do not stop the run; the returned Stats
// records how many cells failed.
func Run(table *collect.Table, opts Opts, fn func(CellResult) error) (Stats, error) {
	opts = opts.withDefaults()

	var (
		workerGroup sync.WaitGroup
		once        errors.Once
	)
	cellChannel := make(chan collect.Cell, opts.QueueLength)
	resultChannel := make(chan CellResult, opts.QueueLength)

	go func() {
		once.Set(table.Each(func(c collect.Cell) error {
			cellChannel <- c
			return nil
		}))
		close(cellChannel)
	}()

	log.Debug.Printf("quantifying %d cells with %d workers", len(table.Barcodes()), opts.Parallelism)
	for i := 0; i < opts.Parallelism; i++ {
		workerGroup.Add(1)
		go func() {
			defer workerGroup.Done()
			for cell := range cellChannel {
				resultChannel <- Quantify(cell, opts)
			}
		}()
	}
	go func() {
		workerGroup.Wait()
		close(resultChannel)
	}()

	var stats Stats
	for res := range resultChannel {
		stats.Merge(res.Stats)
		if once.Err() == nil {
			once.Set(fn(res))
		}
	}
	return stats, once.Err()
}
