package connectors

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
)

// Column declares one column of an external row format.
type Column struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// BuildSchema converts column declarations to an Arrow schema. Types are
// int32, int64, float64, string, bool, timestamp_ms and timestamp_us.
func BuildSchema(cols []Column) (*arrow.Schema, error) {
	if len(cols) == 0 {
		return nil, errors.New("empty schema")
	}
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		dt, err := parseType(c.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", c.Name)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func parseType(t string) (arrow.DataType, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "int32":
		return arrow.PrimitiveTypes.Int32, nil
	case "int64", "bigint":
		return arrow.PrimitiveTypes.Int64, nil
	case "float64", "double":
		return arrow.PrimitiveTypes.Float64, nil
	case "string", "varchar":
		return arrow.BinaryTypes.String, nil
	case "bool", "boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "timestamp_ms", "timestamp":
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	case "timestamp_us":
		return arrow.FixedWidthTypes.Timestamp_us, nil
	default:
		return nil, errors.Newf("unsupported column type %q", t)
	}
}

// jsonRowsToRecord converts decoded JSON objects to a record. Missing keys
// and values of the wrong type become nulls.
func jsonRowsToRecord(alloc memory.Allocator, schema *arrow.Schema, rows []map[string]any) arrow.Record {
	builders := make([]array.Builder, schema.NumFields())
	for i := range builders {
		builders[i] = array.NewBuilder(alloc, schema.Field(i).Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range rows {
		for i, b := range builders {
			val, ok := row[schema.Field(i).Name]
			if !ok || val == nil {
				b.AppendNull()
				continue
			}
			appendJSONValue(b, val)
		}
	}

	arrays := make([]arrow.Array, len(builders))
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}
	rec := array.NewRecord(schema, arrays, int64(len(rows)))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

func appendJSONValue(bldr array.Builder, val any) {
	num := func() (float64, bool) {
		switch v := val.(type) {
		case float64:
			return v, true
		case json.Number:
			f, err := v.Float64()
			return f, err == nil
		}
		return 0, false
	}
	switch b := bldr.(type) {
	case *array.Int64Builder:
		if n, ok := val.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				b.Append(i)
				return
			}
		}
		if f, ok := num(); ok {
			b.Append(int64(f))
			return
		}
	case *array.Int32Builder:
		if f, ok := num(); ok {
			b.Append(int32(f))
			return
		}
	case *array.Float64Builder:
		if f, ok := num(); ok {
			b.Append(f)
			return
		}
	case *array.TimestampBuilder:
		if f, ok := num(); ok {
			b.Append(arrow.Timestamp(int64(f)))
			return
		}
	case *array.StringBuilder:
		if s, ok := val.(string); ok {
			b.Append(s)
		} else {
			b.Append(fmt.Sprintf("%v", val))
		}
		return
	case *array.BooleanBuilder:
		if v, ok := val.(bool); ok {
			b.Append(v)
			return
		}
	}
	bldr.AppendNull()
}

// rowValue returns a JSON-friendly value for row of arr.
func rowValue(arr arrow.Array, row int) any {
	if arr.IsNull(row) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return a.Value(row)
	case *array.Uint64:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.Float32:
		return a.Value(row)
	case *array.Timestamp:
		return int64(a.Value(row))
	case *array.Boolean:
		return a.Value(row)
	default:
		return formatValue(arr, row)
	}
}
