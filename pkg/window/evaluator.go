package window

import (
	"cmp"
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/expr"
)

// Evaluator computes one output column per aggregate of spec over rec.
// The returned arrays have rec's row count and are owned by the caller.
type Evaluator interface {
	Evaluate(ctx context.Context, alloc memory.Allocator, rec arrow.Record, spec *Spec) ([]arrow.Array, error)
}

// NativeEvaluator evaluates window aggregates directly on Arrow arrays.
type NativeEvaluator struct {
	exprs sync.Map // SQL text -> *expr.Expr
}

// NewNativeEvaluator creates an evaluator.
func NewNativeEvaluator() *NativeEvaluator {
	return &NativeEvaluator{}
}

// Evaluate implements Evaluator.
func (ev *NativeEvaluator) Evaluate(ctx context.Context, alloc memory.Allocator, rec arrow.Record, spec *Spec) ([]arrow.Array, error) {
	f, err := computeFrames(rec, spec)
	if err != nil {
		return nil, err
	}

	out := make([]arrow.Array, 0, len(spec.Aggregates))
	fail := func(err error) ([]arrow.Array, error) {
		for _, a := range out {
			a.Release()
		}
		return nil, err
	}

	for i, agg := range spec.Aggregates {
		arg, err := ev.argument(ctx, alloc, rec, agg)
		if err != nil {
			return fail(errors.Wrapf(err, "aggregate %s", agg.OutputName(i)))
		}
		res, err := evalAggregate(ctx, alloc, agg, arg, f)
		if arg != nil {
			arg.Release()
		}
		if err != nil {
			return fail(errors.Wrapf(err, "aggregate %s", agg.OutputName(i)))
		}
		out = append(out, res)
	}
	return out, nil
}

// argument returns the evaluated argument of agg, or nil when it has none.
func (ev *NativeEvaluator) argument(ctx context.Context, alloc memory.Allocator, rec arrow.Record, agg Aggregate) (arrow.Array, error) {
	switch {
	case agg.Column != "":
		idx := rec.Schema().FieldIndices(agg.Column)
		if len(idx) == 0 {
			return nil, errors.Newf("column %q not found", agg.Column)
		}
		arr := rec.Column(idx[0])
		arr.Retain()
		return arr, nil
	case agg.Expr != "":
		compiled, err := ev.compile(agg.Expr)
		if err != nil {
			return nil, err
		}
		return expr.NewEvaluator(alloc).EvalExpr(ctx, rec, compiled)
	default:
		return nil, nil
	}
}

func (ev *NativeEvaluator) compile(sql string) (*expr.Expr, error) {
	if e, ok := ev.exprs.Load(sql); ok {
		return e.(*expr.Expr), nil
	}
	e, err := expr.Compile(sql)
	if err != nil {
		return nil, err
	}
	ev.exprs.Store(sql, e)
	return e, nil
}

func evalAggregate(ctx context.Context, alloc memory.Allocator, agg Aggregate, arg arrow.Array, f *frames) (arrow.Array, error) {
	n := len(f.lo)
	switch agg.Kind {
	case RowNumber:
		bldr := array.NewInt64Builder(alloc)
		defer bldr.Release()
		bldr.Reserve(n)
		for row := 0; row < n; row++ {
			bldr.UnsafeAppend(int64(row - f.partStart[row] + 1))
		}
		return bldr.NewArray(), nil

	case Lag, Lead:
		off := agg.EffectiveOffset()
		lag := agg.Kind == Lag
		return takeRows(ctx, alloc, arg, n, func(row int) int {
			if lag {
				if int64(row-f.partStart[row]) < off {
					return -1
				}
				return row - int(off)
			}
			if int64(f.partEnd[row]-1-row) < off {
				return -1
			}
			return row + int(off)
		})

	case FirstValue:
		return takeRows(ctx, alloc, arg, n, func(row int) int { return f.lo[row] })

	case LastValue:
		return takeRows(ctx, alloc, arg, n, func(row int) int { return f.hi[row] })

	case Min, Max:
		pick, err := extremes(arg, f, agg.Kind == Max)
		if err != nil {
			return nil, err
		}
		return takeRows(ctx, alloc, arg, n, func(row int) int { return pick[row] })

	case Count:
		return frameCount(alloc, arg, f), nil

	case Sum, Avg:
		return frameSum(alloc, arg, f, agg.Kind == Avg)

	default:
		return nil, configErrorf("unsupported window function %q", agg.Kind)
	}
}

// takeRows gathers arg[src(row)] for every row; a negative source yields NULL.
func takeRows(ctx context.Context, alloc memory.Allocator, arg arrow.Array, n int, src func(row int) int) (arrow.Array, error) {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.Reserve(n)
	for row := 0; row < n; row++ {
		if s := src(row); s >= 0 {
			bldr.UnsafeAppend(int64(s))
		} else {
			bldr.UnsafeAppendBoolToBitmap(false)
		}
	}
	indices := bldr.NewArray()
	defer indices.Release()

	ctx = compute.WithAllocator(ctx, alloc)
	out, err := compute.TakeArray(ctx, arg, indices)
	if err != nil {
		return nil, errors.Wrap(err, "take")
	}
	return out, nil
}

// extremes returns, per row, the index of the minimum (or maximum) non-null
// value in its frame, or -1 if the frame has none. It keeps a monotonic
// deque per partition, relying on lo and hi never moving backwards.
func extremes(arg arrow.Array, f *frames, wantMax bool) ([]int, error) {
	compare, err := comparator(arg)
	if err != nil {
		return nil, err
	}
	n := len(f.lo)
	pick := make([]int, n)
	var deque []int
	next := 0
	for row := 0; row < n; row++ {
		if row == f.partStart[row] {
			deque = deque[:0]
			next = row
		}
		for ; next <= f.hi[row]; next++ {
			if arg.IsNull(next) {
				continue
			}
			for len(deque) > 0 {
				c := compare(deque[len(deque)-1], next)
				if wantMax {
					c = -c
				}
				if c < 0 {
					break
				}
				deque = deque[:len(deque)-1]
			}
			deque = append(deque, next)
		}
		for len(deque) > 0 && deque[0] < f.lo[row] {
			deque = deque[1:]
		}
		if len(deque) == 0 {
			pick[row] = -1
		} else {
			pick[row] = deque[0]
		}
	}
	return pick, nil
}

func comparator(arr arrow.Array) (func(a, b int) int, error) {
	switch a := arr.(type) {
	case *array.Int64:
		return ordered(a.Int64Values()), nil
	case *array.Int32:
		return ordered(a.Int32Values()), nil
	case *array.Int16:
		return ordered(a.Int16Values()), nil
	case *array.Int8:
		return ordered(a.Int8Values()), nil
	case *array.Uint64:
		return ordered(a.Uint64Values()), nil
	case *array.Uint32:
		return ordered(a.Uint32Values()), nil
	case *array.Float64:
		return ordered(a.Float64Values()), nil
	case *array.Float32:
		return ordered(a.Float32Values()), nil
	case *array.Timestamp:
		return ordered(a.TimestampValues()), nil
	case *array.Date32:
		return ordered(a.Date32Values()), nil
	case *array.String:
		return func(x, y int) int { return cmp.Compare(a.Value(x), a.Value(y)) }, nil
	default:
		return nil, errors.Newf("MIN/MAX not supported for %s", arr.DataType())
	}
}

func ordered[T cmp.Ordered](vals []T) func(a, b int) int {
	return func(a, b int) int { return cmp.Compare(vals[a], vals[b]) }
}

// frameCount counts non-null argument values (or rows, for COUNT(*)) per frame.
func frameCount(alloc memory.Allocator, arg arrow.Array, f *frames) arrow.Array {
	n := len(f.lo)
	prefix := make([]int64, n+1)
	for i := 0; i < n; i++ {
		prefix[i+1] = prefix[i]
		if arg == nil || arg.IsValid(i) {
			prefix[i+1]++
		}
	}
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.Reserve(n)
	for row := 0; row < n; row++ {
		bldr.UnsafeAppend(prefix[f.hi[row]+1] - prefix[f.lo[row]])
	}
	return bldr.NewArray()
}

// frameSum computes SUM (Int64 for integer input, Float64 otherwise) or AVG
// (always Float64) with prefix sums. Frames without non-null values yield NULL.
func frameSum(alloc memory.Allocator, arg arrow.Array, f *frames, avg bool) (arrow.Array, error) {
	n := len(f.lo)
	counts := make([]int64, n+1)
	isFloat := false
	switch arg.DataType().ID() {
	case arrow.FLOAT32, arrow.FLOAT64:
		isFloat = true
	}

	ints := make([]int64, n+1)
	floats := make([]float64, n+1)
	for i := 0; i < n; i++ {
		counts[i+1], ints[i+1], floats[i+1] = counts[i], ints[i], floats[i]
		if arg.IsNull(i) {
			continue
		}
		v, ok := numericAt(arg, i)
		if !ok {
			return nil, errors.Newf("SUM/AVG not supported for %s", arg.DataType())
		}
		counts[i+1]++
		floats[i+1] += v
		if !isFloat {
			ints[i+1] += integerAt(arg, i)
		}
	}

	if !avg && !isFloat {
		bldr := array.NewInt64Builder(alloc)
		defer bldr.Release()
		for row := 0; row < n; row++ {
			lo, hi := f.lo[row], f.hi[row]+1
			if counts[hi]-counts[lo] == 0 {
				bldr.AppendNull()
				continue
			}
			bldr.Append(ints[hi] - ints[lo])
		}
		return bldr.NewArray(), nil
	}

	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	for row := 0; row < n; row++ {
		lo, hi := f.lo[row], f.hi[row]+1
		c := counts[hi] - counts[lo]
		if c == 0 {
			bldr.AppendNull()
			continue
		}
		var sum float64
		if isFloat {
			sum = floats[hi] - floats[lo]
		} else {
			sum = float64(ints[hi] - ints[lo])
		}
		if avg {
			sum /= float64(c)
		}
		bldr.Append(sum)
	}
	return bldr.NewArray(), nil
}

func integerAt(arr arrow.Array, i int) int64 {
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i)
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Uint64:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint8:
		return int64(a.Value(i))
	default:
		v, _ := numericAt(arr, i)
		return int64(v)
	}
}
