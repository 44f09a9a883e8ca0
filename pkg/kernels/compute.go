package kernels

import (
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/arrow/helpers"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/metrics"
	"github.com/sandboxws/windist/pkg/overlap"
	"github.com/sandboxws/windist/pkg/window"
)

// ComputeWindow appends one column per aggregate to every assembled batch
// and, when the definition asks for it, trims the borrowed overlap rows so
// only the batch's own rows go downstream.
type ComputeWindow struct {
	spec      *window.Spec
	evaluator window.Evaluator
	in, out   *kernel.BatchCache

	checked bool
	fields  []arrow.Field
}

// NewComputeWindow validates spec and creates the kernel. A nil evaluator
// selects the native one.
func NewComputeWindow(spec *window.Spec, evaluator window.Evaluator, in, out *kernel.BatchCache) (*ComputeWindow, error) {
	if spec == nil {
		return nil, errors.Mark(errors.New("nil window definition"), window.ErrConfiguration)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if evaluator == nil {
		evaluator = window.NewNativeEvaluator()
	}
	return &ComputeWindow{spec: spec, evaluator: evaluator, in: in, out: out}, nil
}

func (c *ComputeWindow) Name() string { return "compute_window" }

func (c *ComputeWindow) Run(ctx *kernel.Context) error {
	return kernel.RunProcessor(ctx, c, c.in, c.out)
}

// Process implements kernel.Processor.
func (c *ComputeWindow) Process(ctx *kernel.Context, b kernel.Batch) ([]kernel.Batch, error) {
	if b.Record == nil {
		return nil, nil
	}
	if !c.checked {
		if err := c.spec.CheckSchema(b.Record.Schema()); err != nil {
			return nil, errors.Mark(err, window.ErrConfiguration)
		}
		c.checked = true
	}

	start := time.Now()
	cols, err := c.evaluator.Evaluate(ctx.Ctx, ctx.Alloc, b.Record, c.spec)
	if err != nil {
		return nil, errors.Wrapf(err, "batch %s", b.Meta.Get(overlap.KeyBatchIndex))
	}
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()

	if c.fields == nil {
		c.fields = make([]arrow.Field, len(cols))
		for i, col := range cols {
			c.fields[i] = arrow.Field{Name: c.spec.Aggregates[i].OutputName(i), Type: col.DataType(), Nullable: true}
		}
	}
	rec, err := helpers.AppendColumns(b.Record, c.fields, cols)
	if err != nil {
		return nil, err
	}

	meta := b.Meta.Clone()
	if c.spec.RemoveOverlap {
		pre := b.Meta.IntOr(overlap.KeyPrecedingRows, 0)
		fol := b.Meta.IntOr(overlap.KeyFollowingRows, 0)
		keep := rec.NumRows() - pre - fol
		if keep < 0 {
			rec.Release()
			return nil, errors.Newf("batch %s: %d rows cannot hold %d preceding and %d following overlap rows",
				b.Meta.Get(overlap.KeyBatchIndex), rec.NumRows(), pre, fol)
		}
		trimmed := helpers.Slice(rec, pre, keep)
		rec.Release()
		rec = trimmed
		meta.SetInt(overlap.KeyPrecedingRows, 0).SetInt(overlap.KeyFollowingRows, 0)
	}

	metrics.BatchLatency.WithLabelValues(strconv.Itoa(ctx.NodeIndex), ctx.KernelID).
		Observe(time.Since(start).Seconds())
	return []kernel.Batch{{Record: rec, Meta: meta}}, nil
}
