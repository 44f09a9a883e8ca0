package window

import (
	"context"
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/windist/pkg/overlap"
)

// makeRecord builds (part string, ts int64, value int64) rows.
func makeRecord(alloc memory.Allocator, parts []string, ts, values []int64, valid []bool) arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "part", Type: arrow.BinaryTypes.String},
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	bldr := array.NewRecordBuilder(alloc, schema)
	defer bldr.Release()
	bldr.Field(0).(*array.StringBuilder).AppendValues(parts, nil)
	bldr.Field(1).(*array.Int64Builder).AppendValues(ts, nil)
	bldr.Field(2).(*array.Int64Builder).AppendValues(values, valid)
	return bldr.NewRecord()
}

func evaluate(t *testing.T, alloc memory.Allocator, rec arrow.Record, spec *Spec) []arrow.Array {
	t.Helper()
	require.NoError(t, spec.Validate())
	out, err := NewNativeEvaluator().Evaluate(context.Background(), alloc, rec, spec)
	require.NoError(t, err)
	require.Len(t, out, len(spec.Aggregates))
	return out
}

func release(arrs []arrow.Array) {
	for _, a := range arrs {
		a.Release()
	}
}

// int64s renders an Int64 array with nulls as nil entries.
func int64s(arr arrow.Array) []interface{} {
	a := arr.(*array.Int64)
	out := make([]interface{}, a.Len())
	for i := range out {
		if a.IsValid(i) {
			out[i] = a.Value(i)
		}
	}
	return out
}

func float64s(arr arrow.Array) []interface{} {
	a := arr.(*array.Float64)
	out := make([]interface{}, a.Len())
	for i := range out {
		if a.IsValid(i) {
			out[i] = a.Value(i)
		}
	}
	return out
}

func TestRowsFrameAggregates(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := makeRecord(alloc,
		[]string{"a", "a", "a", "a", "a"},
		[]int64{1, 2, 3, 4, 5},
		[]int64{5, 1, 4, 2, 3}, nil)
	defer rec.Release()

	spec := &Spec{
		OrderBy:   []OrderKey{{Column: "ts"}},
		Preceding: 1,
		Following: 1,
		Aggregates: []Aggregate{
			{Kind: Sum, Column: "value"},
			{Kind: Min, Column: "value"},
			{Kind: Max, Column: "value"},
			{Kind: Count, Column: "value"},
			{Kind: Avg, Column: "value"},
			{Kind: FirstValue, Column: "value"},
			{Kind: LastValue, Column: "value"},
		},
	}
	out := evaluate(t, alloc, rec, spec)
	defer release(out)

	assert.Equal(t, []interface{}{int64(6), int64(10), int64(7), int64(9), int64(5)}, int64s(out[0]))
	assert.Equal(t, []interface{}{int64(1), int64(1), int64(1), int64(2), int64(2)}, int64s(out[1]))
	assert.Equal(t, []interface{}{int64(5), int64(5), int64(4), int64(4), int64(3)}, int64s(out[2]))
	assert.Equal(t, []interface{}{int64(2), int64(3), int64(3), int64(3), int64(2)}, int64s(out[3]))
	assert.Equal(t, []interface{}{3.0, 10.0 / 3, 7.0 / 3, 3.0, 2.5}, float64s(out[4]))
	assert.Equal(t, []interface{}{int64(5), int64(5), int64(1), int64(4), int64(2)}, int64s(out[5]))
	assert.Equal(t, []interface{}{int64(1), int64(4), int64(2), int64(3), int64(3)}, int64s(out[6]))
}

func TestNoPartitionLeakage(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	// Two partitions of three rows; the frame would reach across the boundary.
	rec := makeRecord(alloc,
		[]string{"a", "a", "a", "b", "b", "b"},
		[]int64{1, 2, 3, 1, 2, 3},
		[]int64{1, 2, 3, 100, 200, 300}, nil)
	defer rec.Release()

	spec := &Spec{
		PartitionBy: []string{"part"},
		OrderBy:     []OrderKey{{Column: "ts"}},
		Preceding:   2,
		Following:   2,
		Aggregates: []Aggregate{
			{Kind: Sum, Column: "value"},
			{Kind: Max, Column: "value"},
			{Kind: RowNumber},
			{Kind: Lag, Column: "value"},
			{Kind: Lead, Column: "value"},
		},
	}
	out := evaluate(t, alloc, rec, spec)
	defer release(out)

	assert.Equal(t, []interface{}{int64(6), int64(6), int64(6), int64(600), int64(600), int64(600)}, int64s(out[0]))
	assert.Equal(t, []interface{}{int64(3), int64(3), int64(3), int64(300), int64(300), int64(300)}, int64s(out[1]))
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3), int64(1), int64(2), int64(3)}, int64s(out[2]))
	assert.Equal(t, []interface{}{nil, int64(1), int64(2), nil, int64(100), int64(200)}, int64s(out[3]))
	assert.Equal(t, []interface{}{int64(2), int64(3), nil, int64(200), int64(300), nil}, int64s(out[4]))
}

func TestLagAcrossBatchBoundary(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	// Batch 1 of a 10-row dataset split 5/5, assembled with its 5 preceding rows.
	parts := make([]string, 10)
	ts := make([]int64, 10)
	vals := make([]int64, 10)
	for i := range parts {
		parts[i] = "all"
		ts[i] = int64(i)
		vals[i] = int64(100 + i)
	}
	rec := makeRecord(alloc, parts, ts, vals, nil)
	defer rec.Release()

	spec := &Spec{
		OrderBy:    []OrderKey{{Column: "ts"}},
		Aggregates: []Aggregate{{Kind: Lag, Column: "value", Offset: 5, HasOffset: true}},
	}
	out := evaluate(t, alloc, rec, spec)
	defer release(out)

	lag := int64s(out[0])
	// Global row 5 sees global row 0.
	assert.Equal(t, int64(100), lag[5])
	assert.Nil(t, lag[4])
}

func TestRangeFrame(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := makeRecord(alloc,
		[]string{"a", "a", "a", "a", "a"},
		[]int64{1, 2, 4, 7, 8},
		[]int64{1, 1, 1, 1, 1}, nil)
	defer rec.Release()

	spec := &Spec{
		OrderBy:    []OrderKey{{Column: "ts"}},
		Frame:      Range,
		Preceding:  2,
		Following:  1,
		Aggregates: []Aggregate{{Kind: Count, Output: "c"}},
	}
	out := evaluate(t, alloc, rec, spec)
	defer release(out)

	// ts=1:[1,2] ts=2:[1,2] ts=4:[2,4] ts=7:[7,8] ts=8:[7,8]
	assert.Equal(t, []interface{}{int64(2), int64(2), int64(2), int64(2), int64(2)}, int64s(out[0]))
}

func TestRangeFrameDescending(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := makeRecord(alloc,
		[]string{"a", "a", "a", "a"},
		[]int64{10, 9, 7, 3},
		[]int64{1, 2, 3, 4}, nil)
	defer rec.Release()

	spec := &Spec{
		OrderBy:    []OrderKey{{Column: "ts", Desc: true}},
		Frame:      Range,
		Preceding:  3,
		Aggregates: []Aggregate{{Kind: Sum, Column: "value"}},
	}
	out := evaluate(t, alloc, rec, spec)
	defer release(out)

	// Preceding rows have larger ts: 10:{10} 9:{10,9} 7:{10,9,7} 3:{3}
	assert.Equal(t, []interface{}{int64(1), int64(3), int64(6), int64(4)}, int64s(out[0]))
}

func TestNullsAndExpressions(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := makeRecord(alloc,
		[]string{"a", "a", "a"},
		[]int64{1, 2, 3},
		[]int64{4, 0, 6}, []bool{true, false, true})
	defer rec.Release()

	spec := &Spec{
		OrderBy:   []OrderKey{{Column: "ts"}},
		Preceding: 0,
		Following: 0,
		Aggregates: []Aggregate{
			{Kind: Sum, Column: "value"},
			{Kind: Count, Column: "value", Output: "cnt"},
			{Kind: Count, Output: "cnt_star"},
			{Kind: Max, Expr: "value * 10 + ts"},
		},
	}
	out := evaluate(t, alloc, rec, spec)
	defer release(out)

	assert.Equal(t, []interface{}{int64(4), nil, int64(6)}, int64s(out[0]))
	assert.Equal(t, []interface{}{int64(1), int64(0), int64(1)}, int64s(out[1]))
	assert.Equal(t, []interface{}{int64(1), int64(1), int64(1)}, int64s(out[2]))
	assert.Equal(t, []interface{}{int64(41), nil, int64(63)}, int64s(out[3]))
}

func TestHugeBoundsCoverWholePartition(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := makeRecord(alloc,
		[]string{"a", "a", "a", "b"},
		[]int64{1, 2, 3, 1},
		[]int64{1, 2, 3, 4}, nil)
	defer rec.Release()

	spec := &Spec{
		PartitionBy: []string{"part"},
		OrderBy:     []OrderKey{{Column: "ts"}},
		Preceding:   math.MaxInt64,
		Following:   math.MaxInt64,
		Aggregates: []Aggregate{
			{Kind: Sum, Column: "value", Output: "s"},
			{Kind: Lead, Column: "value", Offset: math.MaxInt64, HasOffset: true, Output: "far"},
			{Kind: Lag, Column: "value", Offset: math.MaxInt64, HasOffset: true, Output: "back"},
		},
	}
	out := evaluate(t, alloc, rec, spec)
	defer release(out)
	assert.Equal(t, []interface{}{int64(6), int64(6), int64(6), int64(4)}, int64s(out[0]))
	assert.Equal(t, []interface{}{nil, nil, nil, nil}, int64s(out[1]))
	assert.Equal(t, []interface{}{nil, nil, nil, nil}, int64s(out[2]))

	spec = &Spec{
		OrderBy:    []OrderKey{{Column: "ts"}},
		Following:  math.MaxInt64,
		Aggregates: []Aggregate{{Kind: Count, Output: "n"}},
	}
	counts := evaluate(t, alloc, rec, spec)
	defer release(counts)
	assert.Equal(t, []interface{}{int64(4), int64(3), int64(2), int64(1)}, int64s(counts[0]))
}

func TestRangeReach(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	rec := makeRecord(alloc,
		[]string{"a", "a", "a", "b", "b", "b", "b"},
		[]int64{1, 4, 5, 5, 6, 6, 9},
		[]int64{0, 0, 0, 0, 0, 0, 0}, nil)
	defer rec.Release()

	spec := &Spec{
		PartitionBy: []string{"part"},
		OrderBy:     []OrderKey{{Column: "ts"}},
		Frame:       Range,
		Preceding:   1,
		Following:   3,
		Aggregates:  []Aggregate{{Kind: Count, Output: "n"}, {Kind: Lag, Column: "value"}},
	}
	o := spec.Overlap()
	require.NotNil(t, o.Reach)
	assert.Equal(t, int64(1), o.Preceding, "LAG still needs its row")
	assert.Zero(t, o.Following)

	within := func(side overlap.Side, boundaryRow int) []bool {
		b := rec.NewSlice(int64(boundaryRow), int64(boundaryRow+1))
		fn, err := o.Reach.Within(side, b)
		b.Release()
		require.NoError(t, err)
		var got []bool
		for row := 0; row < int(rec.NumRows()); row++ {
			got = append(got, fn(rec, row))
		}
		return got
	}
	// Boundary (b, 6): preceding rows of partition b with ts in [5, 6].
	assert.Equal(t, []bool{false, false, false, true, true, true, false}, within(overlap.Preceding, 4))
	// Boundary (a, 4): following rows of partition a with ts in [4, 7].
	assert.Equal(t, []bool{false, true, true, false, false, false, false}, within(overlap.Following, 1))

	desc := *spec
	desc.OrderBy = []OrderKey{{Column: "ts", Desc: true}}
	boundary := rec.NewSlice(4, 5)
	fn, err := desc.Overlap().Reach.Within(overlap.Preceding, boundary)
	boundary.Release()
	require.NoError(t, err)
	// Descending: preceding rows hold keys in [6, 7].
	assert.True(t, fn(rec, 5))
	assert.False(t, fn(rec, 3))

	_, err = o.Reach.Within(overlap.Preceding, rec)
	assert.Error(t, err, "boundary must be a single row")

	rows := &Spec{OrderBy: []OrderKey{{Column: "ts"}}, Preceding: 2, Aggregates: []Aggregate{{Kind: Count}}}
	assert.Nil(t, rows.Overlap().Reach)
}
