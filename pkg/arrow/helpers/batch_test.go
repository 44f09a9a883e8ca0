package helpers

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func makeIDRecord(alloc memory.Allocator, vals []int64) arrow.Record {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	arr := bldr.NewArray()
	defer arr.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	return array.NewRecord(schema, []arrow.Array{arr}, int64(len(vals)))
}

func ids(rec arrow.Record) []int64 {
	col := rec.Column(0).(*array.Int64)
	out := make([]int64, col.Len())
	for i := range out {
		out[i] = col.Value(i)
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHeadTailClamp(t *testing.T) {
	alloc := NewTestAllocator(t)
	defer AssertNoLeaks(t, alloc)

	rec := makeIDRecord(alloc, []int64{1, 2, 3})
	defer rec.Release()

	head := Head(rec, 2)
	defer head.Release()
	if got := ids(head); !equalInts(got, []int64{1, 2}) {
		t.Errorf("head: got %v", got)
	}

	tail := Tail(rec, 10)
	defer tail.Release()
	if got := ids(tail); !equalInts(got, []int64{1, 2, 3}) {
		t.Errorf("tail clamp: got %v", got)
	}

	none := Tail(rec, 0)
	defer none.Release()
	if none.NumRows() != 0 {
		t.Errorf("tail 0: got %d rows", none.NumRows())
	}
}

func TestConcatPreservesOrder(t *testing.T) {
	alloc := NewTestAllocator(t)
	defer AssertNoLeaks(t, alloc)

	a := makeIDRecord(alloc, []int64{1, 2})
	defer a.Release()
	b := makeIDRecord(alloc, nil)
	defer b.Release()
	c := makeIDRecord(alloc, []int64{3})
	defer c.Release()

	out, err := Concat(alloc, a, nil, b, c)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()

	if got := ids(out); !equalInts(got, []int64{1, 2, 3}) {
		t.Errorf("concat: got %v", got)
	}
}

func TestConcatAllEmpty(t *testing.T) {
	alloc := NewTestAllocator(t)
	defer AssertNoLeaks(t, alloc)

	b := makeIDRecord(alloc, nil)
	defer b.Release()

	out, err := Concat(alloc, b)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()
	if out.NumRows() != 0 || out.NumCols() != 1 {
		t.Errorf("expected empty 1-column record, got %d rows %d cols", out.NumRows(), out.NumCols())
	}

	if _, err := Concat(alloc, nil); err == nil {
		t.Error("expected error for concat without any schema")
	}
}

func TestAppendColumns(t *testing.T) {
	alloc := NewTestAllocator(t)
	defer AssertNoLeaks(t, alloc)

	rec := makeIDRecord(alloc, []int64{1, 2})
	defer rec.Release()

	bldr := array.NewFloat64Builder(alloc)
	bldr.AppendValues([]float64{0.5, 1.5}, nil)
	extra := bldr.NewArray()
	bldr.Release()
	defer extra.Release()

	out, err := AppendColumns(rec, []arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Float64}}, []arrow.Array{extra})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Release()

	if names := ColumnNames(out); len(names) != 2 || names[1] != "x" {
		t.Errorf("unexpected columns %v", names)
	}
	if ColumnIndex(out, "missing") != -1 {
		t.Error("expected -1 for a missing column")
	}
}
