package kernel

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/cache"
)

type passThrough struct{ dropEmpty bool }

func (p passThrough) Process(_ *Context, b Batch) ([]Batch, error) {
	if p.dropEmpty && b.NumRows() == 0 {
		return nil, nil
	}
	b.Record.Retain()
	return []Batch{{Record: b.Record, Meta: b.Meta.Clone()}}, nil
}

type failing struct{}

func (failing) Process(*Context, Batch) ([]Batch, error) {
	return nil, errors.New("boom")
}

func makeBatch(alloc memory.Allocator, vals ...int64) Batch {
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	bldr := array.NewRecordBuilder(alloc, schema)
	defer bldr.Release()
	bldr.Field(0).(*array.Int64Builder).AppendValues(vals, nil)
	return Batch{Record: bldr.NewRecord(), Meta: cache.Metadata{}}
}

func TestRunProcessor(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	in := cache.New[Batch]("in")
	out := cache.New[Batch]("out")
	_ = in.Push(makeBatch(alloc, 1, 2, 3))
	_ = in.Push(makeBatch(alloc))
	_ = in.Push(makeBatch(alloc, 4))
	in.Finish()

	kctx := NewContext(context.Background(), alloc, "p", "pass")
	if err := RunProcessor(kctx, passThrough{dropEmpty: true}, in, out); err != nil {
		t.Fatal(err)
	}
	if !out.Finished() {
		t.Fatal("output not finished")
	}
	if out.Len() != 2 {
		t.Fatalf("expected 2 output batches, got %d", out.Len())
	}
	for _, b := range out.Drain() {
		b.Release()
	}
	if kctx.Metrics.RowsIn.Load() != 4 || kctx.Metrics.RowsOut.Load() != 4 {
		t.Errorf("rows in/out = %d/%d", kctx.Metrics.RowsIn.Load(), kctx.Metrics.RowsOut.Load())
	}
	if kctx.Metrics.BatchesIn.Load() != 3 {
		t.Errorf("batches in = %d", kctx.Metrics.BatchesIn.Load())
	}
}

func TestRunProcessorError(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	in := cache.New[Batch]("in")
	out := cache.New[Batch]("out")
	_ = in.Push(makeBatch(alloc, 1))
	in.Finish()

	kctx := NewContext(context.Background(), alloc, "f", "failing")
	err := RunProcessor(kctx, failing{}, in, out)
	if err == nil {
		t.Fatal("expected error")
	}
	if !out.Finished() {
		t.Fatal("output must be finished on error")
	}
	if kctx.Metrics.Errors.Load() != 1 {
		t.Errorf("errors = %d", kctx.Metrics.Errors.Load())
	}
}

func TestContextWithNode(t *testing.T) {
	kctx := NewContext(context.Background(), memory.DefaultAllocator, "k", "k").WithNode(2, 3)
	if kctx.IsFirstNode() || !kctx.IsLastNode() {
		t.Fatalf("node 2 of 3: first=%v last=%v", kctx.IsFirstNode(), kctx.IsLastNode())
	}
	if kctx.NodeCount != 3 || kctx.NodeIndex != 2 {
		t.Fatalf("unexpected node position %d/%d", kctx.NodeIndex, kctx.NodeCount)
	}
}
