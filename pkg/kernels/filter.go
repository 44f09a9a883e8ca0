package kernels

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/expr"
	"github.com/sandboxws/windist/pkg/kernel"
	"github.com/sandboxws/windist/pkg/window"
)

// Filter evaluates a SQL condition against each batch and keeps only the
// matching rows. Rows where the condition is NULL are dropped. Batches that
// lose every row are still forwarded so downstream batch numbering is
// unchanged.
type Filter struct {
	condition *expr.Expr
	in, out   *kernel.BatchCache
}

// NewFilter compiles condition and creates the kernel.
func NewFilter(condition string, in, out *kernel.BatchCache) (*Filter, error) {
	e, err := expr.Compile(condition)
	if err != nil {
		return nil, errors.Mark(err, window.ErrConfiguration)
	}
	return &Filter{condition: e, in: in, out: out}, nil
}

func (f *Filter) Name() string { return "filter" }

func (f *Filter) Run(ctx *kernel.Context) error {
	return kernel.RunProcessor(ctx, f, f.in, f.out)
}

// Process implements kernel.Processor.
func (f *Filter) Process(ctx *kernel.Context, b kernel.Batch) ([]kernel.Batch, error) {
	if b.Record == nil {
		return nil, nil
	}
	result, err := expr.NewEvaluator(ctx.Alloc).EvalExpr(ctx.Ctx, b.Record, f.condition)
	if err != nil {
		return nil, err
	}
	defer result.Release()
	mask, ok := result.(*array.Boolean)
	if !ok {
		return nil, errors.Mark(errors.Newf("condition %q produced %s, not a boolean", f.condition.SQL(), result.DataType()),
			window.ErrConfiguration)
	}

	var kept arrow.Record
	if mask.NullN() == 0 && allTrue(mask) {
		kept = b.Record
		kept.Retain()
	} else {
		kept, err = compute.FilterRecordBatch(compute.WithAllocator(ctx.Ctx, ctx.Alloc), b.Record, mask,
			compute.DefaultFilterOptions())
		if err != nil {
			return nil, errors.Wrap(err, "filter batch")
		}
	}
	return []kernel.Batch{{Record: kept, Meta: b.Meta.Clone()}}, nil
}

func allTrue(mask *array.Boolean) bool {
	for i := 0; i < mask.Len(); i++ {
		if !mask.Value(i) {
			return false
		}
	}
	return true
}
