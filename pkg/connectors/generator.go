// Package connectors implements the source and sink kernels that feed a
// node's window pipeline and consume its output.
package connectors

import (
	"math"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/kernel"
)

const defaultBatchSize = 1024

// GeneratorSchema is the schema produced by SortedGenerator.
var GeneratorSchema = arrow.NewSchema([]arrow.Field{
	{Name: "part", Type: arrow.PrimitiveTypes.Int64},
	{Name: "ts", Type: arrow.FixedWidthTypes.Timestamp_ms},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// GeneratorConfig describes the synthetic dataset. The dataset is Rows rows
// sorted by (part, ts), split into Partitions contiguous partitions, and
// divided into equal contiguous slices, one per node.
type GeneratorConfig struct {
	Rows          int64 `mapstructure:"rows"`
	Partitions    int64 `mapstructure:"partitions"`
	BatchSize     int   `mapstructure:"batch_size"`
	RowsPerSecond int64 `mapstructure:"rows_per_second"`
	// AllRows makes every node generate the whole dataset, for a node that
	// scatters it to the others.
	AllRows bool `mapstructure:"all_rows"`
	// Start is the timestamp of row 0; each later row is one millisecond on.
	Start time.Time `mapstructure:"-"`
}

// SortedGenerator produces this node's slice of a deterministic, globally
// sorted dataset.
type SortedGenerator struct {
	cfg GeneratorConfig
	out *kernel.BatchCache
}

// NewSortedGenerator creates a generator source.
func NewSortedGenerator(cfg GeneratorConfig, out *kernel.BatchCache) (*SortedGenerator, error) {
	if cfg.Rows < 0 {
		return nil, errors.Newf("negative row count %d", cfg.Rows)
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.UnixMilli(0)
	}
	return &SortedGenerator{cfg: cfg, out: out}, nil
}

func (g *SortedGenerator) Name() string { return "sorted_generator" }

// Slice returns the global row range [lo, hi) owned by node of nodes.
func (g *SortedGenerator) Slice(node, nodes int) (lo, hi int64) {
	if g.cfg.AllRows {
		return 0, g.cfg.Rows
	}
	return g.cfg.Rows * int64(node) / int64(nodes), g.cfg.Rows * int64(node+1) / int64(nodes)
}

func (g *SortedGenerator) Run(ctx *kernel.Context) error {
	defer g.out.Finish()

	lo, hi := g.Slice(ctx.NodeIndex, ctx.NodeCount)
	var tick <-chan time.Time
	if g.cfg.RowsPerSecond > 0 {
		interval := time.Duration(float64(time.Second) * float64(g.cfg.BatchSize) / float64(g.cfg.RowsPerSecond))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for row := lo; row < hi; {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Ctx.Err(); err != nil {
			return err
		}

		n := min(int64(g.cfg.BatchSize), hi-row)
		rec := g.generateBatch(ctx.Alloc, row, n)
		if err := g.out.Push(kernel.Batch{Record: rec}); err != nil {
			rec.Release()
			return err
		}
		ctx.Metrics.BatchesOut.Add(1)
		ctx.Metrics.RowsOut.Add(n)
		row += n
	}
	ctx.Logger.Info("generator finished", "first_row", lo, "rows", hi-lo)
	return nil
}

// Row returns the generated values of global row i.
func (g *SortedGenerator) Row(i int64) (part int64, ts arrow.Timestamp, value float64) {
	part = i * g.cfg.Partitions / max(g.cfg.Rows, 1)
	ts = arrow.Timestamp(g.cfg.Start.UnixMilli() + i)
	value = math.Round(float64((i*7919)%1000)) / 10
	return part, ts, value
}

func (g *SortedGenerator) generateBatch(alloc memory.Allocator, start, n int64) arrow.Record {
	pb := array.NewInt64Builder(alloc)
	defer pb.Release()
	tb := array.NewTimestampBuilder(alloc, arrow.FixedWidthTypes.Timestamp_ms.(*arrow.TimestampType))
	defer tb.Release()
	vb := array.NewFloat64Builder(alloc)
	defer vb.Release()

	for i := start; i < start+n; i++ {
		part, ts, value := g.Row(i)
		pb.Append(part)
		tb.Append(ts)
		vb.Append(value)
	}

	arrays := []arrow.Array{pb.NewArray(), tb.NewArray(), vb.NewArray()}
	rec := array.NewRecord(GeneratorSchema, arrays, n)
	for _, a := range arrays {
		a.Release()
	}
	return rec
}
