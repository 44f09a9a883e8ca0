package kernels

import (
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/cache"
	"github.com/sandboxws/windist/pkg/kernel"
)

// ConsumeFunc handles one output batch. The batch is released after the call;
// implementations Retain what they keep.
type ConsumeFunc func(ctx *kernel.Context, b kernel.Batch) error

// Sink drains a cache into a ConsumeFunc and counts what it saw.
type Sink struct {
	name    string
	in      *kernel.BatchCache
	consume ConsumeFunc
}

// NewSink creates a sink kernel.
func NewSink(name string, in *kernel.BatchCache, consume ConsumeFunc) *Sink {
	return &Sink{name: name, in: in, consume: consume}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Run(ctx *kernel.Context) error {
	for {
		b, err := s.in.Pull(ctx.Ctx)
		if errors.Is(err, cache.ErrFinished) {
			ctx.Logger.Debug("sink finished",
				"batches", ctx.Metrics.BatchesIn.Load(), "rows", ctx.Metrics.RowsIn.Load())
			return nil
		}
		if err != nil {
			return err
		}
		ctx.Metrics.BatchesIn.Add(1)
		ctx.Metrics.RowsIn.Add(b.NumRows())
		err = s.consume(ctx, b)
		b.Release()
		if err != nil {
			ctx.Metrics.Errors.Add(1)
			return errors.Wrapf(err, "sink %s", s.name)
		}
	}
}
