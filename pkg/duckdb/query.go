// Package duckdb evaluates window aggregates with an embedded DuckDB
// database instead of the native evaluator. The database is only linked in
// when building with the "duckdb" tag; otherwise the constructors return
// ErrDuckDBNotAvailable.
package duckdb

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/sandboxws/windist/pkg/window"
)

// ErrDuckDBNotAvailable is returned when DuckDB functions are called
// without the duckdb build tag.
var ErrDuckDBNotAvailable = errors.New("DuckDB evaluation requires building with -tags duckdb")

// RowIDColumn is the column added to every batch to restore its row order.
const RowIDColumn = "__rowid"

// ViewName is the name the batch is registered under.
const ViewName = "input"

// BuildQuery renders the SELECT that evaluates every aggregate of spec over
// the registered batch, one output column per aggregate, in row order.
func BuildQuery(spec *window.Spec) (string, error) {
	if len(spec.Aggregates) == 0 {
		return "", errors.New("no aggregates")
	}

	var order []string
	for _, o := range spec.OrderBy {
		dir := " ASC"
		if o.Desc {
			dir = " DESC"
		}
		order = append(order, quote(o.Column)+dir)
	}
	if spec.Frame == window.Rows {
		// Rows with equal keys keep their batch order.
		order = append(order, quote(RowIDColumn))
	}
	var partition []string
	for _, p := range spec.PartitionBy {
		partition = append(partition, quote(p))
	}

	var base strings.Builder
	if len(partition) > 0 {
		base.WriteString("PARTITION BY " + strings.Join(partition, ", ") + " ")
	}
	if len(order) > 0 {
		base.WriteString("ORDER BY " + strings.Join(order, ", "))
	} else {
		base.WriteString("ORDER BY " + quote(RowIDColumn))
	}
	framed := base.String() + " " + spec.Frame.String() + " BETWEEN " +
		strconv.FormatInt(spec.Preceding, 10) + " PRECEDING AND " +
		strconv.FormatInt(spec.Following, 10) + " FOLLOWING"

	cols := make([]string, len(spec.Aggregates))
	for i, a := range spec.Aggregates {
		arg := "*"
		switch {
		case a.Column != "":
			arg = quote(a.Column)
		case a.Expr != "":
			arg = "(" + a.Expr + ")"
		}
		var call string
		switch a.Kind {
		case window.RowNumber:
			call = "ROW_NUMBER() OVER (" + base.String() + ")"
		case window.Lag, window.Lead:
			call = string(a.Kind) + "(" + arg + ", " + strconv.FormatInt(a.EffectiveOffset(), 10) +
				") OVER (" + base.String() + ")"
		case window.FirstValue, window.LastValue, window.Min, window.Max, window.Sum, window.Count, window.Avg:
			call = string(a.Kind) + "(" + arg + ") OVER (" + framed + ")"
		default:
			return "", errors.Newf("unsupported window function %q", a.Kind)
		}
		cols[i] = call + " AS " + quote(a.OutputName(i))
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + ViewName + " ORDER BY " + quote(RowIDColumn), nil
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
