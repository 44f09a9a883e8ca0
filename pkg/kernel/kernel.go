// Package kernel defines the Kernel contract that every unit of work in a
// node graph implements, and the Batch value that flows between kernels.
package kernel

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/cache"
)

// Batch is one record flowing through a cache together with its metadata.
// Ownership of Record moves with the value: whoever holds a Batch last must
// call Release.
type Batch struct {
	Record arrow.Record
	Meta   cache.Metadata
}

// NumRows returns the row count, treating a nil record as empty.
func (b Batch) NumRows() int64 {
	if b.Record == nil {
		return 0
	}
	return b.Record.NumRows()
}

// Release releases the underlying record, if any.
func (b Batch) Release() {
	if b.Record != nil {
		b.Record.Release()
	}
}

// BatchCache is the cache type connecting kernels.
type BatchCache = cache.Cache[Batch]

// Kernel is a unit of work executed in its own goroutine.
// Run pulls from the kernel's input caches, pushes to its outputs and returns
// once its inputs are exhausted. Run must finish its output caches before
// returning nil. A non-nil error is fatal for the whole graph.
type Kernel interface {
	Name() string
	Run(ctx *Context) error
}

// Processor is a per-batch transform.
// Implementations MUST Retain any input data they hold beyond this call.
// The caller releases the input batch after Process returns.
type Processor interface {
	Process(ctx *Context, b Batch) ([]Batch, error)
}

// RunProcessor pulls batches from in until it is finished, feeds them through
// p and pushes the results to out. out is finished on return.
func RunProcessor(ctx *Context, p Processor, in, out *BatchCache) error {
	defer out.Finish()
	for {
		b, err := in.Pull(ctx.Ctx)
		if errors.Is(err, cache.ErrFinished) {
			return nil
		}
		if err != nil {
			return err
		}
		ctx.Metrics.BatchesIn.Add(1)
		ctx.Metrics.RowsIn.Add(b.NumRows())

		results, err := p.Process(ctx, b)
		b.Release()
		if err != nil {
			ctx.Metrics.Errors.Add(1)
			return errors.Wrapf(err, "kernel %s", ctx.KernelID)
		}
		for i, r := range results {
			if err := out.Push(r); err != nil {
				for _, rest := range results[i:] {
					rest.Release()
				}
				return err
			}
			ctx.Metrics.BatchesOut.Add(1)
			ctx.Metrics.RowsOut.Add(r.NumRows())
		}
	}
}
