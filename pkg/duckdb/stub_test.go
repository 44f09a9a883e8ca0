//go:build !duckdb

package duckdb

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestStubReturnsError(t *testing.T) {
	_, err := NewInstance(memory.DefaultAllocator, 0)
	if !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
}

func TestStubEvaluatorReturnsError(t *testing.T) {
	_, err := NewWindowEvaluator(memory.DefaultAllocator, 0)
	if !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
	var ev WindowEvaluator
	if _, err := ev.Evaluate(context.Background(), nil, nil, nil); !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
}
