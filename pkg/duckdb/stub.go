//go:build !duckdb

package duckdb

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/windist/pkg/window"
)

// Instance is a stub for DuckDB instance management.
type Instance struct{}

// NewInstance returns an error when DuckDB is not compiled in.
func NewInstance(_ memory.Allocator, _ int64) (*Instance, error) {
	return nil, ErrDuckDBNotAvailable
}

// Close is a no-op stub.
func (i *Instance) Close() error { return nil }

// RegisterView is a stub.
func (i *Instance) RegisterView(_ arrow.Record, _ string) error {
	return ErrDuckDBNotAvailable
}

// Query is a stub.
func (i *Instance) Query(_ context.Context, _ string) (arrow.Record, error) {
	return nil, ErrDuckDBNotAvailable
}

// WindowEvaluator is a stub for the DuckDB window evaluator.
type WindowEvaluator struct{}

var _ window.Evaluator = (*WindowEvaluator)(nil)

// NewWindowEvaluator returns an error when DuckDB is not compiled in.
func NewWindowEvaluator(_ memory.Allocator, _ int64) (*WindowEvaluator, error) {
	return nil, ErrDuckDBNotAvailable
}

// Evaluate is a stub.
func (w *WindowEvaluator) Evaluate(context.Context, memory.Allocator, arrow.Record, *window.Spec) ([]arrow.Array, error) {
	return nil, ErrDuckDBNotAvailable
}

// Close is a no-op stub.
func (w *WindowEvaluator) Close() error { return nil }
