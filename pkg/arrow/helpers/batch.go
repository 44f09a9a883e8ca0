// Package helpers provides convenience functions for working with Arrow RecordBatches.
package helpers

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
)

// Column returns the named column from a RecordBatch, or an error if not found.
func Column(batch arrow.Record, name string) (arrow.Array, error) {
	idx := ColumnIndex(batch, name)
	if idx < 0 {
		return nil, errors.Newf("column %q not found in schema", name)
	}
	return batch.Column(idx), nil
}

// ColumnIndex returns the index of a named column, or -1 if not found.
func ColumnIndex(batch arrow.Record, name string) int {
	indices := batch.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// ColumnNames returns the list of column names in a record's schema.
func ColumnNames(batch arrow.Record) []string {
	schema := batch.Schema()
	names := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		names[i] = schema.Field(i).Name
	}
	return names
}

// NumRows returns the row count of rec, treating nil as empty.
func NumRows(rec arrow.Record) int64 {
	if rec == nil {
		return 0
	}
	return rec.NumRows()
}

// Slice returns rows [offset, offset+n) of rec, clamped to the record bounds.
// The slice shares buffers with rec; the caller must Release it.
func Slice(rec arrow.Record, offset, n int64) arrow.Record {
	total := rec.NumRows()
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + n
	if n < 0 || end > total {
		end = total
	}
	return rec.NewSlice(offset, end)
}

// Head returns the first n rows of rec (all rows if rec is shorter).
func Head(rec arrow.Record, n int64) arrow.Record {
	return Slice(rec, 0, n)
}

// Tail returns the last n rows of rec (all rows if rec is shorter).
func Tail(rec arrow.Record, n int64) arrow.Record {
	total := rec.NumRows()
	if n > total {
		n = total
	}
	return Slice(rec, total-n, n)
}

// EmptyRecord builds a zero-row record with the given schema.
func EmptyRecord(alloc memory.Allocator, schema *arrow.Schema) arrow.Record {
	arrays := make([]arrow.Array, schema.NumFields())
	for i := range arrays {
		arrays[i] = array.MakeArrayOfNull(alloc, schema.Field(i).Type, 0)
	}
	rec := array.NewRecord(schema, arrays, 0)
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

// Concat concatenates records that share a schema, in argument order.
// Nil and zero-row records are skipped. The result is always a new reference
// that the caller must Release; inputs are not released.
func Concat(alloc memory.Allocator, recs ...arrow.Record) (arrow.Record, error) {
	var schema *arrow.Schema
	parts := make([]arrow.Record, 0, len(recs))
	for _, r := range recs {
		if r == nil {
			continue
		}
		if schema == nil {
			schema = r.Schema()
		}
		if r.NumRows() == 0 {
			continue
		}
		if !r.Schema().Equal(schema) {
			return nil, errors.Newf("concat: schema mismatch: %s vs %s", schema, r.Schema())
		}
		parts = append(parts, r)
	}

	switch {
	case schema == nil:
		return nil, errors.New("concat: no records")
	case len(parts) == 0:
		return EmptyRecord(alloc, schema), nil
	case len(parts) == 1:
		parts[0].Retain()
		return parts[0], nil
	}

	numCols := int(parts[0].NumCols())
	columns := make([]arrow.Array, numCols)
	release := func() {
		for _, c := range columns {
			if c != nil {
				c.Release()
			}
		}
	}

	var rows int64
	for _, p := range parts {
		rows += p.NumRows()
	}

	chunks := make([]arrow.Array, len(parts))
	for col := 0; col < numCols; col++ {
		for i, p := range parts {
			chunks[i] = p.Column(col)
		}
		arr, err := array.Concatenate(chunks, alloc)
		if err != nil {
			release()
			return nil, errors.Wrapf(err, "concat column %q", schema.Field(col).Name)
		}
		columns[col] = arr
	}

	result := array.NewRecord(schema, columns, rows)
	release()
	return result, nil
}

// AppendColumns returns a record holding rec's columns followed by extra.
// The caller keeps ownership of extra.
func AppendColumns(rec arrow.Record, fields []arrow.Field, extra []arrow.Array) (arrow.Record, error) {
	if len(fields) != len(extra) {
		return nil, errors.Newf("append columns: %d fields for %d arrays", len(fields), len(extra))
	}
	schema := rec.Schema()
	allFields := make([]arrow.Field, 0, schema.NumFields()+len(fields))
	allFields = append(allFields, schema.Fields()...)
	allFields = append(allFields, fields...)

	arrays := make([]arrow.Array, 0, len(allFields))
	arrays = append(arrays, rec.Columns()...)
	for i, a := range extra {
		if int64(a.Len()) != rec.NumRows() {
			return nil, errors.Newf("append columns: %q has %d rows, record has %d",
				fields[i].Name, a.Len(), rec.NumRows())
		}
		arrays = append(arrays, a)
	}

	md := schema.Metadata()
	return array.NewRecord(arrow.NewSchema(allFields, &md), arrays, rec.NumRows()), nil
}
