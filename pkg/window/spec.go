// Package window describes window function definitions, validates them,
// derives the overlap each batch needs, and evaluates window aggregates over
// Arrow records.
package window

import (
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/expr"
	"github.com/sandboxws/windist/pkg/overlap"
)

// FrameType is the frame unit: literal row counts or ORDER BY value distance.
type FrameType = overlap.FrameType

const (
	Rows  = overlap.Rows
	Range = overlap.Range
)

// ParseFrameType parses "ROWS" or "RANGE", case-insensitively.
func ParseFrameType(s string) (FrameType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ROWS":
		return Rows, nil
	case "RANGE":
		return Range, nil
	default:
		return Rows, configErrorf("unsupported frame type %q", s)
	}
}

// AggregateKind names a window function.
type AggregateKind string

// Window functions. ROW_NUMBER counts from the first row of the partition
// present in the evaluated record. Overlap adds no rows for it, so after a
// distributed run its numbering restarts in every assembled batch that
// starts inside a partition; only partitions held whole by one batch are
// numbered as in a single-node run.
const (
	RowNumber  AggregateKind = "ROW_NUMBER"
	Lag        AggregateKind = "LAG"
	Lead       AggregateKind = "LEAD"
	Min        AggregateKind = "MIN"
	Max        AggregateKind = "MAX"
	Sum        AggregateKind = "SUM"
	Count      AggregateKind = "COUNT"
	Avg        AggregateKind = "AVG"
	FirstValue AggregateKind = "FIRST_VALUE"
	LastValue  AggregateKind = "LAST_VALUE"
)

var knownKinds = map[AggregateKind]bool{
	RowNumber: true, Lag: true, Lead: true, Min: true, Max: true,
	Sum: true, Count: true, Avg: true, FirstValue: true, LastValue: true,
}

// ParseAggregateKind normalizes a function name to an AggregateKind.
func ParseAggregateKind(s string) (AggregateKind, error) {
	k := AggregateKind(strings.ToUpper(strings.TrimSpace(s)))
	if !knownKinds[k] {
		return "", configErrorf("unsupported window function %q", s)
	}
	return k, nil
}

// usesFrame reports whether the kind aggregates over the window frame, as
// opposed to a fixed row offset or the partition position.
func (k AggregateKind) usesFrame() bool {
	switch k {
	case RowNumber, Lag, Lead:
		return false
	default:
		return true
	}
}

// Aggregate is one window function call.
type Aggregate struct {
	Kind AggregateKind
	// Column is the argument column. Empty for ROW_NUMBER and COUNT(*).
	Column string
	// Expr is a SQL argument expression, used instead of Column.
	Expr string
	// Offset is the LAG/LEAD row offset; it defaults to 1 unless HasOffset.
	Offset    int64
	HasOffset bool
	// Output is the name of the result column.
	Output string
}

// EffectiveOffset returns the LAG/LEAD offset, defaulting to 1.
func (a Aggregate) EffectiveOffset() int64 {
	if a.HasOffset {
		return a.Offset
	}
	return 1
}

// OutputName returns the result column name, deriving one if Output is empty.
func (a Aggregate) OutputName(i int) string {
	if a.Output != "" {
		return a.Output
	}
	name := strings.ToLower(string(a.Kind))
	switch {
	case a.Column != "":
		name += "_" + a.Column
	case a.Expr != "":
		name += "_" + strconv.Itoa(i)
	}
	if a.HasOffset {
		name += "_" + strconv.FormatInt(a.Offset, 10)
	}
	return name
}

// OrderKey is one ORDER BY column.
type OrderKey struct {
	Column string
	Desc   bool
}

// Spec is a complete window definition shared by every aggregate of a query.
// The frame is [current-Preceding, current+Following] in rows (ROWS) or in
// ORDER BY value distance (RANGE).
type Spec struct {
	PartitionBy   []string
	OrderBy       []OrderKey
	Frame         FrameType
	Preceding     int64
	Following     int64
	Aggregates    []Aggregate
	RemoveOverlap bool
	// Where drops input rows before the window is evaluated; empty keeps
	// every row.
	Where string
}

// Validate reports a ConfigurationError for malformed definitions.
func (s *Spec) Validate() error {
	if s.Preceding < 0 || s.Following < 0 {
		return configErrorf("frame bounds must be non-negative, got %d PRECEDING and %d FOLLOWING",
			s.Preceding, s.Following)
	}
	if s.Frame != Rows && s.Frame != Range {
		return configErrorf("unsupported frame type %v", s.Frame)
	}
	if s.Frame == Range && len(s.OrderBy) != 1 {
		return configErrorf("RANGE frame requires exactly one ORDER BY column, got %d", len(s.OrderBy))
	}
	if len(s.Aggregates) == 0 {
		return configErrorf("window definition has no aggregates")
	}
	for _, p := range s.PartitionBy {
		if p == "" {
			return configErrorf("empty PARTITION BY column")
		}
	}
	for _, o := range s.OrderBy {
		if o.Column == "" {
			return configErrorf("empty ORDER BY column")
		}
	}

	if s.Where != "" {
		if _, err := expr.Compile(s.Where); err != nil {
			return errors.Mark(errors.Wrap(err, "WHERE"), ErrConfiguration)
		}
	}

	outputs := make(map[string]bool, len(s.Aggregates))
	for i, a := range s.Aggregates {
		if err := a.validate(); err != nil {
			return errors.Wrapf(err, "aggregate %d (%s)", i, a.Kind)
		}
		name := a.OutputName(i)
		if outputs[name] {
			return configErrorf("duplicate output column %q", name)
		}
		outputs[name] = true
	}
	return nil
}

func (a Aggregate) validate() error {
	if !knownKinds[a.Kind] {
		return configErrorf("unsupported window function %q", a.Kind)
	}
	if a.Column != "" && a.Expr != "" {
		return configErrorf("both column %q and expression %q given", a.Column, a.Expr)
	}
	hasArg := a.Column != "" || a.Expr != ""
	switch a.Kind {
	case RowNumber:
		if hasArg {
			return configErrorf("ROW_NUMBER takes no argument")
		}
	case Count:
	default:
		if !hasArg {
			return configErrorf("%s requires an argument column", a.Kind)
		}
	}
	if a.HasOffset {
		if a.Kind != Lag && a.Kind != Lead {
			return configErrorf("offset is only valid for LAG and LEAD")
		}
		if a.Offset < 0 {
			return configErrorf("negative offset %d", a.Offset)
		}
	}
	if a.Expr != "" {
		if _, err := expr.Compile(a.Expr); err != nil {
			return errors.Mark(err, ErrConfiguration)
		}
	}
	return nil
}

// Overlap returns what each batch must borrow on either side so that every
// aggregate sees its full context. Offset functions need a fixed number of
// rows. Framed aggregates need Preceding/Following rows under ROWS and, under
// RANGE, every neighbouring row whose ORDER BY value falls inside the frame,
// however many rows share a value.
func (s *Spec) Overlap() overlap.Spec {
	o := overlap.Spec{FrameType: s.Frame}
	framed := false
	for _, a := range s.Aggregates {
		switch {
		case a.Kind == Lag:
			o.Preceding = max(o.Preceding, a.EffectiveOffset())
		case a.Kind == Lead:
			o.Following = max(o.Following, a.EffectiveOffset())
		case a.Kind.usesFrame() && s.Frame == Range:
			framed = true
		case a.Kind.usesFrame():
			o.Preceding = max(o.Preceding, s.Preceding)
			o.Following = max(o.Following, s.Following)
		}
	}
	if framed && len(s.OrderBy) == 1 {
		o.Reach = rangeReach{
			partitionBy: s.PartitionBy,
			key:         s.OrderBy[0],
			preceding:   float64(s.Preceding),
			following:   float64(s.Following),
		}
	}
	return o
}

// CheckSchema verifies that every column the definition references exists.
func (s *Spec) CheckSchema(schema *arrow.Schema) error {
	has := func(name string) bool { return len(schema.FieldIndices(name)) > 0 }
	for _, p := range s.PartitionBy {
		if !has(p) {
			return errors.Newf("PARTITION BY column %q not found", p)
		}
	}
	for _, o := range s.OrderBy {
		if !has(o.Column) {
			return errors.Newf("ORDER BY column %q not found", o.Column)
		}
	}
	for i, a := range s.Aggregates {
		if a.Column != "" && !has(a.Column) {
			return errors.Newf("aggregate %q: column %q not found", a.OutputName(i), a.Column)
		}
		if a.Expr != "" {
			e, err := expr.Compile(a.Expr)
			if err != nil {
				return err
			}
			for _, c := range e.Columns() {
				if !has(c) {
					return errors.Newf("aggregate %q: column %q not found", a.OutputName(i), c)
				}
			}
		}
	}
	return nil
}
