package expr

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestArgumentExpressions(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()
	ev := NewEvaluator(alloc)

	batch := makeBatch(alloc, []string{"value", "ts"},
		[]arrow.Array{
			makeInt64(alloc, []int64{10, -20, 30}),
			makeInt64(alloc, []int64{1, 2, 3}),
		})
	defer batch.Release()

	tests := []struct {
		sql  string
		want []int64
	}{
		{"value", []int64{10, -20, 30}},
		{"value * 2", []int64{20, -40, 60}},
		{"value + ts", []int64{11, -18, 33}},
		{"(value - ts) * 10", []int64{90, -220, 270}},
		{"-value", []int64{-10, 20, -30}},
		{"ABS(value)", []int64{10, 20, 30}},
		{"CASE WHEN value > 0 THEN value ELSE 0 END", []int64{10, 0, 30}},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			result, err := ev.Eval(ctx, batch, tt.sql)
			if err != nil {
				t.Fatal(err)
			}
			defer result.Release()

			arr, ok := result.(*array.Int64)
			if !ok {
				t.Fatalf("expected Int64 result, got %s", result.DataType())
			}
			for i, want := range tt.want {
				if arr.Value(i) != want {
					t.Errorf("[%d]: got %d, want %d", i, arr.Value(i), want)
				}
			}
		})
	}
}

func TestComparisonsAndLogic(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()
	ev := NewEvaluator(alloc)

	batch := makeBatch(alloc, []string{"amount", "country"},
		[]arrow.Array{
			makeInt64(alloc, []int64{50, 150, 100, 200}),
			makeStringArr(alloc, []string{"US", "UK", "US", "CA"}),
		})
	defer batch.Release()

	tests := []struct {
		sql  string
		want []bool
	}{
		{"amount > 100", []bool{false, true, false, true}},
		{"country = 'US'", []bool{true, false, true, false}},
		{"amount > 100 AND country = 'US'", []bool{false, false, false, false}},
		{"amount > 100 OR country = 'US'", []bool{true, true, true, true}},
		{"NOT (amount >= 100)", []bool{true, false, false, false}},
		{"country IS NOT NULL", []bool{true, true, true, true}},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			result, err := ev.EvalBool(ctx, batch, tt.sql)
			if err != nil {
				t.Fatal(err)
			}
			defer result.Release()
			for i, want := range tt.want {
				if result.Value(i) != want {
					t.Errorf("[%d]: got %v, want %v", i, result.Value(i), want)
				}
			}
		})
	}
}

func TestStringFunctions(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()
	ev := NewEvaluator(alloc)

	batch := makeBatch(alloc, []string{"name"},
		[]arrow.Array{
			makeStringArr(alloc, []string{"alice", "Bob", " charlie "}),
		})
	defer batch.Release()

	result, err := ev.Eval(ctx, batch, "UPPER(name)")
	if err != nil {
		t.Fatal(err)
	}
	defer result.Release()

	strArr := result.(*array.String)
	for i, exp := range []string{"ALICE", "BOB", " CHARLIE "} {
		if strArr.Value(i) != exp {
			t.Errorf("UPPER [%d]: got %q, want %q", i, strArr.Value(i), exp)
		}
	}
}

func TestCoalesce(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()
	ev := NewEvaluator(alloc)

	bldr := array.NewInt64Builder(alloc)
	bldr.AppendValues([]int64{1, 0, 3}, []bool{true, false, true})
	withNulls := bldr.NewArray()
	bldr.Release()

	batch := makeBatch(alloc, []string{"v", "fallback"},
		[]arrow.Array{withNulls, makeInt64(alloc, []int64{7, 8, 9})})
	defer batch.Release()

	result, err := ev.Eval(ctx, batch, "COALESCE(v, fallback)")
	if err != nil {
		t.Fatal(err)
	}
	defer result.Release()

	arr := result.(*array.Int64)
	for i, exp := range []int64{1, 8, 3} {
		if arr.Value(i) != exp {
			t.Errorf("COALESCE [%d]: got %d, want %d", i, arr.Value(i), exp)
		}
	}
}

func TestCompileColumns(t *testing.T) {
	e, err := Compile("ABS(value - ts) + value * 2")
	if err != nil {
		t.Fatal(err)
	}
	cols := e.Columns()
	if len(cols) != 2 || cols[0] != "value" || cols[1] != "ts" {
		t.Fatalf("Columns() = %v", cols)
	}
	if e.SQL() != "ABS(value - ts) + value * 2" {
		t.Fatalf("SQL() = %q", e.SQL())
	}
}

func TestErrors(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)
	ctx := context.Background()
	ev := NewEvaluator(alloc)

	batch := makeBatch(alloc, []string{"value"}, []arrow.Array{makeInt64(alloc, []int64{1})})
	defer batch.Release()

	for _, sql := range []string{"missing + 1", "NOSUCHFUNC(value)", "value +"} {
		if _, err := ev.Eval(ctx, batch, sql); err == nil {
			t.Errorf("%q: expected error", sql)
		}
	}
	if _, err := ev.EvalBool(ctx, batch, "value + 1"); err == nil {
		t.Error("EvalBool on a numeric expression should fail")
	}
}

func makeBatch(alloc memory.Allocator, names []string, arrays []arrow.Array) arrow.Record {
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrays[i].DataType(), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, arrays, int64(arrays[0].Len()))
	// NewRecord retains each array, so release our original references.
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

func makeInt64(alloc memory.Allocator, vals []int64) arrow.Array {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

func makeStringArr(alloc memory.Allocator, vals []string) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}
