package connectors

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/kernels"
)

// RecordSource replays a fixed list of records and finishes. It takes
// ownership of the records.
type RecordSource struct {
	recs []arrow.Record
	out  *kernel.BatchCache
}

// NewRecordSource creates a replaying source.
func NewRecordSource(recs []arrow.Record, out *kernel.BatchCache) *RecordSource {
	return &RecordSource{recs: recs, out: out}
}

func (s *RecordSource) Name() string { return "record_source" }

func (s *RecordSource) Run(ctx *kernel.Context) error {
	defer s.out.Finish()
	for i, r := range s.recs {
		if err := s.out.Push(kernel.Batch{Record: r}); err != nil {
			for _, rest := range s.recs[i:] {
				rest.Release()
			}
			return err
		}
		ctx.Metrics.BatchesOut.Add(1)
		ctx.Metrics.RowsOut.Add(r.NumRows())
	}
	return nil
}

// Collect keeps every batch it sees, in arrival order.
type Collect struct {
	mu      sync.Mutex
	batches []kernel.Batch
}

// Sink returns a sink kernel appending every batch of in to c.
func (c *Collect) Sink(in *kernel.BatchCache) *kernels.Sink {
	return kernels.NewSink("collect", in, func(_ *kernel.Context, b kernel.Batch) error {
		if b.Record != nil {
			b.Record.Retain()
		}
		c.mu.Lock()
		c.batches = append(c.batches, kernel.Batch{Record: b.Record, Meta: b.Meta.Clone()})
		c.mu.Unlock()
		return nil
	})
}

// Batches returns the collected batches. The caller must not release them;
// use Release.
func (c *Collect) Batches() []kernel.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kernel.Batch(nil), c.batches...)
}

// Rows returns the total number of collected rows.
func (c *Collect) Rows() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, b := range c.batches {
		n += b.NumRows()
	}
	return n
}

// Release releases every collected batch.
func (c *Collect) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.batches {
		b.Release()
	}
	c.batches = nil
}
