package expr

import (
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// appendValue appends src[row] to bldr, converting between the few types
// expressions produce.
func appendValue(bldr array.Builder, src arrow.Array, row int) {
	if src.IsNull(row) {
		bldr.AppendNull()
		return
	}
	switch b := bldr.(type) {
	case *array.Int64Builder:
		b.Append(intValue(src, row))
	case *array.Float64Builder:
		b.Append(floatValue(src, row))
	case *array.StringBuilder:
		b.Append(stringValue(src, row))
	case *array.BooleanBuilder:
		if a, ok := src.(*array.Boolean); ok {
			b.Append(a.Value(row))
		} else {
			b.AppendNull()
		}
	default:
		bldr.AppendNull()
	}
}

func stringValue(arr arrow.Array, row int) string {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(row)
	case *array.Int64:
		return strconv.FormatInt(a.Value(row), 10)
	case *array.Float64:
		return strconv.FormatFloat(a.Value(row), 'f', -1, 64)
	case *array.Boolean:
		return strconv.FormatBool(a.Value(row))
	default:
		return arr.ValueStr(row)
	}
}

func intValue(arr arrow.Array, row int) int64 {
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return int64(a.Value(row))
	case *array.Int16:
		return int64(a.Value(row))
	case *array.Int8:
		return int64(a.Value(row))
	case *array.Float64:
		return int64(a.Value(row))
	case *array.Float32:
		return int64(a.Value(row))
	default:
		return 0
	}
}

func floatValue(arr arrow.Array, row int) float64 {
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(row)
	case *array.Float32:
		return float64(a.Value(row))
	default:
		return float64(intValue(arr, row))
	}
}
