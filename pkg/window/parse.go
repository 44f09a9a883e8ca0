package window

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Parse derives a Spec from a SELECT statement whose window functions all
// share one window definition, e.g.
//
//	SELECT part, ts, SUM(value) OVER w AS s, LAG(value, 2) OVER w AS l
//	FROM t WINDOW w AS (PARTITION BY part ORDER BY ts ROWS BETWEEN 3 PRECEDING AND 1 FOLLOWING)
//
// Non-window select fields are ignored; all input columns pass through.
// The returned spec has RemoveOverlap set and has been validated.
func Parse(sql string) (*Spec, error) {
	stmt, err := parser.New().ParseOneStmt(sql, "", "")
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse window query"), ErrConfiguration)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil {
		return nil, configErrorf("expected a SELECT statement, got %T", stmt)
	}

	named := make(map[string]*ast.WindowSpec, len(sel.WindowSpecs))
	for i := range sel.WindowSpecs {
		named[sel.WindowSpecs[i].Name.L] = &sel.WindowSpecs[i]
	}

	spec := &Spec{RemoveOverlap: true}
	var (
		shape      *windowShape
		frameShape *windowShape
	)
	for _, field := range sel.Fields.Fields {
		wf, ok := field.Expr.(*ast.WindowFuncExpr)
		if !ok {
			continue
		}
		agg, err := parseAggregate(wf)
		if err != nil {
			return nil, err
		}
		agg.Output = field.AsName.O

		ws, err := resolveSpec(&wf.Spec, named)
		if err != nil {
			return nil, err
		}
		ps, err := parseShape(ws)
		if err != nil {
			return nil, err
		}

		if shape == nil {
			shape = ps
		} else if !shape.samePartitioning(ps) {
			return nil, configErrorf("all window functions must share one PARTITION BY / ORDER BY")
		}
		if agg.Kind.usesFrame() {
			if !ps.hasFrame {
				return nil, configErrorf("%s requires an explicit bounded ROWS or RANGE frame", agg.Kind)
			}
			if frameShape == nil {
				frameShape = ps
			} else if !frameShape.sameFrame(ps) {
				return nil, configErrorf("all window functions must share one frame")
			}
		}
		spec.Aggregates = append(spec.Aggregates, agg)
	}
	if shape == nil {
		return nil, configErrorf("query has no window functions")
	}

	if sel.Where != nil {
		where, err := restore(sel.Where)
		if err != nil {
			return nil, err
		}
		spec.Where = where
	}

	spec.PartitionBy = shape.partitionBy
	spec.OrderBy = shape.orderBy
	if frameShape != nil {
		spec.Frame = frameShape.frame
		spec.Preceding = frameShape.preceding
		spec.Following = frameShape.following
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func parseAggregate(wf *ast.WindowFuncExpr) (Aggregate, error) {
	kind, err := ParseAggregateKind(wf.Name)
	if err != nil {
		return Aggregate{}, err
	}
	if wf.Distinct || wf.IgnoreNull || wf.FromLast {
		return Aggregate{}, configErrorf("%s: DISTINCT, IGNORE NULLS and FROM LAST are not supported", kind)
	}
	agg := Aggregate{Kind: kind}

	args := wf.Args
	switch kind {
	case RowNumber:
		if len(args) != 0 {
			return agg, configErrorf("ROW_NUMBER takes no arguments")
		}
		return agg, nil
	case Lag, Lead:
		if len(args) == 0 || len(args) > 2 {
			return agg, configErrorf("%s expects 1 or 2 arguments, got %d", kind, len(args))
		}
		if len(args) == 2 {
			off, err := intLiteral(args[1])
			if err != nil {
				return agg, errors.Wrapf(err, "%s offset", kind)
			}
			agg.Offset, agg.HasOffset = off, true
		}
	case Count:
		if len(args) == 1 {
			// COUNT(*) arrives as a constant argument.
			if _, isConst := args[0].(*test_driver.ValueExpr); isConst {
				return agg, nil
			}
		}
		if len(args) != 1 {
			return agg, configErrorf("COUNT expects 1 argument, got %d", len(args))
		}
	default:
		if len(args) != 1 {
			return agg, configErrorf("%s expects 1 argument, got %d", kind, len(args))
		}
	}

	if col, ok := args[0].(*ast.ColumnNameExpr); ok {
		agg.Column = col.Name.Name.O
		return agg, nil
	}
	text, err := restore(args[0])
	if err != nil {
		return agg, err
	}
	agg.Expr = text
	return agg, nil
}

// resolveSpec resolves a function's OVER clause against the WINDOW clause.
// "OVER w" names a window outright; "OVER (w ORDER BY ...)" refines it.
func resolveSpec(ws *ast.WindowSpec, named map[string]*ast.WindowSpec) (*ast.WindowSpec, error) {
	return resolveSpecDepth(ws, named, len(named))
}

func resolveSpecDepth(ws *ast.WindowSpec, named map[string]*ast.WindowSpec, depth int) (*ast.WindowSpec, error) {
	ref, refO := ws.Ref.L, ws.Ref.O
	if ws.OnlyAlias {
		ref, refO = ws.Name.L, ws.Name.O
	}
	if ref == "" {
		return ws, nil
	}
	if depth < 0 {
		return nil, configErrorf("window %q refers to itself", refO)
	}
	base, ok := named[ref]
	if !ok {
		return nil, configErrorf("window %q is not defined", refO)
	}
	base, err := resolveSpecDepth(base, named, depth-1)
	if err != nil {
		return nil, err
	}
	if ws.OnlyAlias {
		return base, nil
	}
	merged := *base
	if ws.PartitionBy != nil {
		merged.PartitionBy = ws.PartitionBy
	}
	if ws.OrderBy != nil {
		merged.OrderBy = ws.OrderBy
	}
	if ws.Frame != nil {
		merged.Frame = ws.Frame
	}
	return &merged, nil
}

type windowShape struct {
	partitionBy []string
	orderBy     []OrderKey
	hasFrame    bool
	frame       FrameType
	preceding   int64
	following   int64
}

func (w *windowShape) samePartitioning(o *windowShape) bool {
	if len(w.partitionBy) != len(o.partitionBy) || len(w.orderBy) != len(o.orderBy) {
		return false
	}
	for i := range w.partitionBy {
		if w.partitionBy[i] != o.partitionBy[i] {
			return false
		}
	}
	for i := range w.orderBy {
		if w.orderBy[i] != o.orderBy[i] {
			return false
		}
	}
	return true
}

func (w *windowShape) sameFrame(o *windowShape) bool {
	return w.frame == o.frame && w.preceding == o.preceding && w.following == o.following
}

func parseShape(ws *ast.WindowSpec) (*windowShape, error) {
	shape := &windowShape{}
	if ws.PartitionBy != nil {
		for _, item := range ws.PartitionBy.Items {
			col, ok := item.Expr.(*ast.ColumnNameExpr)
			if !ok {
				return nil, configErrorf("PARTITION BY supports plain columns only")
			}
			shape.partitionBy = append(shape.partitionBy, col.Name.Name.O)
		}
	}
	if ws.OrderBy != nil {
		for _, item := range ws.OrderBy.Items {
			col, ok := item.Expr.(*ast.ColumnNameExpr)
			if !ok {
				return nil, configErrorf("ORDER BY supports plain columns only")
			}
			shape.orderBy = append(shape.orderBy, OrderKey{Column: col.Name.Name.O, Desc: item.Desc})
		}
	}
	if ws.Frame == nil {
		return shape, nil
	}

	shape.hasFrame = true
	switch ws.Frame.Type {
	case ast.Rows:
		shape.frame = Rows
	case ast.Ranges:
		shape.frame = Range
	default:
		return nil, configErrorf("GROUPS frames are not supported")
	}

	start, end := ws.Frame.Extent.Start, ws.Frame.Extent.End
	if start.UnBounded || end.UnBounded {
		return nil, configErrorf("UNBOUNDED frames cannot be evaluated over distributed batches")
	}
	var err error
	switch start.Type {
	case ast.CurrentRow:
	case ast.Preceding:
		if shape.preceding, err = intLiteral(start.Expr); err != nil {
			return nil, errors.Wrap(err, "frame start")
		}
	default:
		return nil, configErrorf("frame start must be PRECEDING or CURRENT ROW")
	}
	switch end.Type {
	case ast.CurrentRow:
	case ast.Following:
		if shape.following, err = intLiteral(end.Expr); err != nil {
			return nil, errors.Wrap(err, "frame end")
		}
	default:
		return nil, configErrorf("frame end must be FOLLOWING or CURRENT ROW")
	}
	return shape, nil
}

func intLiteral(node ast.ExprNode) (int64, error) {
	v, ok := node.(*test_driver.ValueExpr)
	if !ok {
		return 0, configErrorf("expected an integer literal, got %T", node)
	}
	switch v.Datum.Kind() {
	case test_driver.KindInt64:
		n := v.Datum.GetInt64()
		if n < 0 {
			return 0, configErrorf("negative bound %d", n)
		}
		return n, nil
	case test_driver.KindUint64:
		return int64(v.Datum.GetUint64()), nil
	default:
		return 0, configErrorf("expected an integer literal")
	}
}

func restore(node ast.Node) (string, error) {
	var sb strings.Builder
	ctx := format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)
	if err := node.Restore(ctx); err != nil {
		return "", errors.Wrap(err, "restore expression")
	}
	return sb.String(), nil
}
