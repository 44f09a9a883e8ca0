package expr

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
)

// coerceTypes promotes two arrays to a common numeric type following SQL
// rules: narrower ints widen to Int64, any float makes the pair Float64.
// Both results are new references the caller must Release.
func coerceTypes(alloc memory.Allocator, left, right arrow.Array) (arrow.Array, arrow.Array, error) {
	target, ok := commonType(left.DataType(), right.DataType())
	if !ok {
		left.Retain()
		right.Retain()
		return left, right, nil
	}

	newLeft, err := castTo(alloc, left, target)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "coerce left to %s", target)
	}
	newRight, err := castTo(alloc, right, target)
	if err != nil {
		newLeft.Release()
		return nil, nil, errors.Wrapf(err, "coerce right to %s", target)
	}
	return newLeft, newRight, nil
}

// commonType returns the promotion target for a pair of numeric types.
// ok is false when no cast is needed or the types are not both numeric.
func commonType(a, b arrow.DataType) (arrow.DataType, bool) {
	if arrow.TypeEqual(a, b) {
		return nil, false
	}
	ra, rb := numericRank(a.ID()), numericRank(b.ID())
	if ra < 0 || rb < 0 {
		return nil, false
	}
	if max(ra, rb) >= numericRank(arrow.FLOAT32) {
		return arrow.PrimitiveTypes.Float64, true
	}
	return arrow.PrimitiveTypes.Int64, true
}

func numericRank(t arrow.Type) int {
	switch t {
	case arrow.INT8, arrow.UINT8:
		return 1
	case arrow.INT16, arrow.UINT16:
		return 2
	case arrow.INT32, arrow.UINT32:
		return 3
	case arrow.INT64, arrow.UINT64:
		return 4
	case arrow.FLOAT32:
		return 5
	case arrow.FLOAT64:
		return 6
	default:
		return -1
	}
}

func castTo(alloc memory.Allocator, arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), target) {
		arr.Retain()
		return arr, nil
	}
	ctx := compute.WithAllocator(context.Background(), alloc)
	return compute.CastToType(ctx, arr, target)
}
