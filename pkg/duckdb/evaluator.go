//go:build duckdb

package duckdb

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/arrow/helpers"
	"github.com/sandboxws/windist/pkg/window"
)

// WindowEvaluator implements window.Evaluator on DuckDB: every assembled
// batch is registered as a view and the aggregates run as one SELECT.
type WindowEvaluator struct {
	mu      sync.Mutex
	inst    *Instance
	queries map[*window.Spec]string
}

var _ window.Evaluator = (*WindowEvaluator)(nil)

// NewWindowEvaluator creates an evaluator backed by its own DuckDB instance.
func NewWindowEvaluator(alloc memory.Allocator, memoryLimit int64) (*WindowEvaluator, error) {
	inst, err := NewInstance(alloc, memoryLimit)
	if err != nil {
		return nil, err
	}
	return &WindowEvaluator{inst: inst, queries: make(map[*window.Spec]string)}, nil
}

// Close releases the DuckDB instance.
func (w *WindowEvaluator) Close() error { return w.inst.Close() }

// Evaluate implements window.Evaluator.
func (w *WindowEvaluator) Evaluate(ctx context.Context, alloc memory.Allocator, rec arrow.Record, spec *window.Spec) ([]arrow.Array, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	query, ok := w.queries[spec]
	if !ok {
		var err error
		if query, err = BuildQuery(spec); err != nil {
			return nil, errors.Mark(err, window.ErrConfiguration)
		}
		w.queries[spec] = query
	}

	withID, err := appendRowID(alloc, rec)
	if err != nil {
		return nil, err
	}
	defer withID.Release()
	if err := w.inst.RegisterView(withID, ViewName); err != nil {
		return nil, err
	}
	result, err := w.inst.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "evaluate %d rows", rec.NumRows())
	}
	defer result.Release()

	if result.NumRows() != rec.NumRows() || int(result.NumCols()) != len(spec.Aggregates) {
		return nil, errors.Newf("duckdb returned %d rows x %d columns for %d rows x %d aggregates",
			result.NumRows(), result.NumCols(), rec.NumRows(), len(spec.Aggregates))
	}
	out := make([]arrow.Array, result.NumCols())
	for i := range out {
		out[i] = result.Column(i)
		out[i].Retain()
	}
	return out, nil
}

func appendRowID(alloc memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	b := array.NewInt64Builder(alloc)
	defer b.Release()
	for i := int64(0); i < rec.NumRows(); i++ {
		b.Append(i)
	}
	ids := b.NewArray()
	defer ids.Release()
	return helpers.AppendColumns(rec,
		[]arrow.Field{{Name: RowIDColumn, Type: arrow.PrimitiveTypes.Int64}}, []arrow.Array{ids})
}
