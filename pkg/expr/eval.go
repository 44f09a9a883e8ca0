// Package expr evaluates scalar SQL expressions, such as window function
// arguments, against Arrow records. Expressions are parsed with TiDB's SQL
// parser and evaluated column-at-a-time, using Arrow compute kernels where
// they exist.
package expr

import (
	"context"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"
	"github.com/cockroachdb/errors"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Expr is a parsed expression ready to be evaluated against many records.
type Expr struct {
	sql  string
	node ast.ExprNode
}

// SQL returns the source text of the expression.
func (e *Expr) SQL() string { return e.sql }

// Node returns the parsed AST.
func (e *Expr) Node() ast.ExprNode { return e.node }

// Columns returns the distinct column names the expression references, in
// order of first appearance.
func (e *Expr) Columns() []string {
	v := &columnCollector{seen: make(map[string]bool)}
	e.node.Accept(v)
	return v.names
}

type columnCollector struct {
	names []string
	seen  map[string]bool
}

func (c *columnCollector) Enter(n ast.Node) (ast.Node, bool) {
	if col, ok := n.(*ast.ColumnNameExpr); ok {
		name := col.Name.Name.O
		if !c.seen[name] {
			c.seen[name] = true
			c.names = append(c.names, name)
		}
	}
	return n, false
}

func (c *columnCollector) Leave(n ast.Node) (ast.Node, bool) { return n, true }

// Compile parses a standalone SQL expression.
func Compile(sql string) (*Expr, error) {
	stmt, err := parser.New().ParseOneStmt("SELECT "+sql, "", "")
	if err != nil {
		return nil, errors.Wrapf(err, "parse expression %q", sql)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 || sel.Fields.Fields[0].Expr == nil {
		return nil, errors.Newf("parse expression %q: expected a single expression", sql)
	}
	return FromNode(sql, sel.Fields.Fields[0].Expr), nil
}

// FromNode wraps an already parsed AST node.
func FromNode(sql string, node ast.ExprNode) *Expr {
	return &Expr{sql: sql, node: node}
}

// Evaluator evaluates expressions against Arrow records.
type Evaluator struct {
	alloc memory.Allocator
}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator(alloc memory.Allocator) *Evaluator {
	return &Evaluator{alloc: alloc}
}

// Eval parses and evaluates a SQL expression against a record.
// The caller must Release the returned array.
func (ev *Evaluator) Eval(ctx context.Context, rec arrow.Record, sql string) (arrow.Array, error) {
	e, err := Compile(sql)
	if err != nil {
		return nil, err
	}
	return ev.EvalExpr(ctx, rec, e)
}

// EvalExpr evaluates a compiled expression against a record.
// The caller must Release the returned array.
func (ev *Evaluator) EvalExpr(ctx context.Context, rec arrow.Record, e *Expr) (arrow.Array, error) {
	arr, err := ev.eval(ctx, rec, e.node)
	if err != nil {
		return nil, errors.Wrapf(err, "evaluate %q", e.sql)
	}
	return arr, nil
}

// EvalBool evaluates a SQL expression and expects a boolean result.
func (ev *Evaluator) EvalBool(ctx context.Context, rec arrow.Record, sql string) (*array.Boolean, error) {
	result, err := ev.Eval(ctx, rec, sql)
	if err != nil {
		return nil, err
	}
	boolArr, ok := result.(*array.Boolean)
	if !ok {
		result.Release()
		return nil, errors.Newf("expression %q did not produce a boolean result, got %s", sql, result.DataType())
	}
	return boolArr, nil
}

func (ev *Evaluator) eval(ctx context.Context, rec arrow.Record, node ast.ExprNode) (arrow.Array, error) {
	switch e := node.(type) {
	case *ast.ColumnNameExpr:
		return ev.evalColumnRef(rec, e)
	case *test_driver.ValueExpr:
		return ev.evalLiteral(rec, e)
	case *ast.BinaryOperationExpr:
		return ev.evalBinaryOp(ctx, rec, e)
	case *ast.UnaryOperationExpr:
		return ev.evalUnaryOp(ctx, rec, e)
	case *ast.IsNullExpr:
		return ev.evalIsNull(ctx, rec, e)
	case *ast.ParenthesesExpr:
		return ev.eval(ctx, rec, e.Expr)
	case *ast.FuncCallExpr:
		return ev.evalFuncCall(ctx, rec, e)
	case *ast.CaseExpr:
		return ev.evalCase(ctx, rec, e)
	default:
		return nil, errors.Newf("unsupported expression type: %T", node)
	}
}

func (ev *Evaluator) evalColumnRef(rec arrow.Record, col *ast.ColumnNameExpr) (arrow.Array, error) {
	name := col.Name.Name.O
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, errors.Newf("column %q not found in schema", name)
	}
	arr := rec.Column(indices[0])
	arr.Retain()
	return arr, nil
}

func (ev *Evaluator) evalLiteral(rec arrow.Record, val *test_driver.ValueExpr) (arrow.Array, error) {
	n := int(rec.NumRows())
	d := val.Datum

	switch d.Kind() {
	case test_driver.KindInt64:
		return constantArray(ev.alloc, scalar.NewInt64Scalar(d.GetInt64()), n)
	case test_driver.KindUint64:
		return constantArray(ev.alloc, scalar.NewInt64Scalar(int64(d.GetUint64())), n)
	case test_driver.KindFloat64:
		return constantArray(ev.alloc, scalar.NewFloat64Scalar(d.GetFloat64()), n)
	case test_driver.KindFloat32:
		return constantArray(ev.alloc, scalar.NewFloat64Scalar(float64(d.GetFloat32())), n)
	case test_driver.KindMysqlDecimal:
		f, err := strconv.ParseFloat(d.GetMysqlDecimal().String(), 64)
		if err != nil {
			return nil, errors.Wrap(err, "decimal literal")
		}
		return constantArray(ev.alloc, scalar.NewFloat64Scalar(f), n)
	case test_driver.KindString:
		return constantArray(ev.alloc, scalar.NewStringScalar(d.GetString()), n)
	case test_driver.KindNull:
		return array.MakeArrayOfNull(ev.alloc, arrow.PrimitiveTypes.Int64, n), nil
	default:
		return nil, errors.Newf("unsupported literal kind: %v", d.Kind())
	}
}

var binaryKernels = map[opcode.Op]string{
	opcode.EQ:       "equal",
	opcode.NE:       "not_equal",
	opcode.GT:       "greater",
	opcode.LT:       "less",
	opcode.GE:       "greater_equal",
	opcode.LE:       "less_equal",
	opcode.Plus:     "add",
	opcode.Minus:    "subtract",
	opcode.Mul:      "multiply",
	opcode.Div:      "divide",
	opcode.LogicAnd: "and_kleene",
	opcode.LogicOr:  "or_kleene",
}

func (ev *Evaluator) evalBinaryOp(ctx context.Context, rec arrow.Record, e *ast.BinaryOperationExpr) (arrow.Array, error) {
	kernelName, ok := binaryKernels[e.Op]
	if !ok {
		return nil, errors.Newf("unsupported binary operator: %v", e.Op)
	}

	left, err := ev.eval(ctx, rec, e.L)
	if err != nil {
		return nil, err
	}
	defer left.Release()

	right, err := ev.eval(ctx, rec, e.R)
	if err != nil {
		return nil, err
	}
	defer right.Release()

	cl, cr, err := coerceTypes(ev.alloc, left, right)
	if err != nil {
		return nil, err
	}
	defer cl.Release()
	defer cr.Release()

	ctx = compute.WithAllocator(ctx, ev.alloc)
	result, err := compute.CallFunction(ctx, kernelName, nil,
		compute.NewDatumWithoutOwning(cl), compute.NewDatumWithoutOwning(cr))
	if err != nil {
		return nil, errors.Wrap(err, kernelName)
	}
	return extractArray(result)
}

func (ev *Evaluator) evalUnaryOp(ctx context.Context, rec arrow.Record, e *ast.UnaryOperationExpr) (arrow.Array, error) {
	inner, err := ev.eval(ctx, rec, e.V)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	switch e.Op {
	case opcode.Not, opcode.Not2:
		boolArr, ok := inner.(*array.Boolean)
		if !ok {
			return nil, errors.Newf("NOT requires boolean input, got %s", inner.DataType())
		}
		return mapBool(ev.alloc, boolArr, func(v bool) bool { return !v }), nil
	case opcode.Minus:
		ctx = compute.WithAllocator(ctx, ev.alloc)
		result, err := compute.Negate(ctx, compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(inner))
		if err != nil {
			return nil, errors.Wrap(err, "unary minus")
		}
		return extractArray(result)
	case opcode.Plus:
		inner.Retain()
		return inner, nil
	default:
		return nil, errors.Newf("unsupported unary operator: %v", e.Op)
	}
}

func (ev *Evaluator) evalIsNull(ctx context.Context, rec arrow.Record, e *ast.IsNullExpr) (arrow.Array, error) {
	inner, err := ev.eval(ctx, rec, e.Expr)
	if err != nil {
		return nil, err
	}
	defer inner.Release()

	bldr := array.NewBooleanBuilder(ev.alloc)
	defer bldr.Release()
	bldr.Reserve(inner.Len())
	for i := 0; i < inner.Len(); i++ {
		bldr.UnsafeAppend(inner.IsNull(i) != e.Not)
	}
	return bldr.NewArray(), nil
}

func (ev *Evaluator) evalCase(ctx context.Context, rec arrow.Record, e *ast.CaseExpr) (arrow.Array, error) {
	if e.Value != nil {
		return nil, errors.New("simple CASE <value> WHEN is not supported; use CASE WHEN <condition>")
	}

	var owned []arrow.Array
	defer func() {
		for _, a := range owned {
			a.Release()
		}
	}()
	evalOwned := func(node ast.ExprNode) (arrow.Array, error) {
		a, err := ev.eval(ctx, rec, node)
		if err != nil {
			return nil, err
		}
		owned = append(owned, a)
		return a, nil
	}

	conds := make([]*array.Boolean, len(e.WhenClauses))
	vals := make([]arrow.Array, len(e.WhenClauses))
	for i, when := range e.WhenClauses {
		c, err := evalOwned(when.Expr)
		if err != nil {
			return nil, errors.Wrapf(err, "CASE WHEN[%d] condition", i)
		}
		b, ok := c.(*array.Boolean)
		if !ok {
			return nil, errors.Newf("CASE WHEN[%d] condition is %s, not boolean", i, c.DataType())
		}
		conds[i] = b
		if vals[i], err = evalOwned(when.Result); err != nil {
			return nil, errors.Wrapf(err, "CASE WHEN[%d] value", i)
		}
	}

	var elseArr arrow.Array
	if e.ElseClause != nil {
		var err error
		if elseArr, err = evalOwned(e.ElseClause); err != nil {
			return nil, errors.Wrap(err, "CASE ELSE")
		}
	}

	bldr := array.NewBuilder(ev.alloc, vals[0].DataType())
	defer bldr.Release()
	for row := 0; row < int(rec.NumRows()); row++ {
		matched := false
		for i, c := range conds {
			if c.IsValid(row) && c.Value(row) {
				appendValue(bldr, vals[i], row)
				matched = true
				break
			}
		}
		if !matched {
			if elseArr != nil {
				appendValue(bldr, elseArr, row)
			} else {
				bldr.AppendNull()
			}
		}
	}
	return bldr.NewArray(), nil
}

func (ev *Evaluator) evalFuncCall(ctx context.Context, rec arrow.Record, e *ast.FuncCallExpr) (arrow.Array, error) {
	switch name := e.FnName.L; name {
	case "upper":
		return ev.evalStringMap(ctx, rec, e, strings.ToUpper)
	case "lower":
		return ev.evalStringMap(ctx, rec, e, strings.ToLower)
	case "abs":
		return ev.evalAbs(ctx, rec, e)
	case "coalesce":
		return ev.evalCoalesce(ctx, rec, e)
	default:
		return nil, errors.Newf("unsupported function: %s", name)
	}
}

func (ev *Evaluator) evalStringMap(ctx context.Context, rec arrow.Record, e *ast.FuncCallExpr, fn func(string) string) (arrow.Array, error) {
	if len(e.Args) != 1 {
		return nil, errors.Newf("%s requires 1 argument, got %d", e.FnName.O, len(e.Args))
	}
	arg, err := ev.eval(ctx, rec, e.Args[0])
	if err != nil {
		return nil, err
	}
	defer arg.Release()

	bldr := array.NewStringBuilder(ev.alloc)
	defer bldr.Release()
	for i := 0; i < arg.Len(); i++ {
		if arg.IsNull(i) {
			bldr.AppendNull()
		} else {
			bldr.Append(fn(stringValue(arg, i)))
		}
	}
	return bldr.NewArray(), nil
}

func (ev *Evaluator) evalAbs(ctx context.Context, rec arrow.Record, e *ast.FuncCallExpr) (arrow.Array, error) {
	if len(e.Args) != 1 {
		return nil, errors.Newf("ABS requires 1 argument, got %d", len(e.Args))
	}
	arg, err := ev.eval(ctx, rec, e.Args[0])
	if err != nil {
		return nil, err
	}
	defer arg.Release()

	ctx = compute.WithAllocator(ctx, ev.alloc)
	result, err := compute.AbsoluteValue(ctx, compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(arg))
	if err != nil {
		return nil, errors.Wrap(err, "abs")
	}
	return extractArray(result)
}

// evalCoalesce returns the first non-null argument per row.
func (ev *Evaluator) evalCoalesce(ctx context.Context, rec arrow.Record, e *ast.FuncCallExpr) (arrow.Array, error) {
	if len(e.Args) == 0 {
		return nil, errors.New("COALESCE requires at least 1 argument")
	}
	args := make([]arrow.Array, 0, len(e.Args))
	defer func() {
		for _, a := range args {
			a.Release()
		}
	}()
	for _, argExpr := range e.Args {
		arg, err := ev.eval(ctx, rec, argExpr)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	bldr := array.NewBuilder(ev.alloc, args[0].DataType())
	defer bldr.Release()
	for row := 0; row < int(rec.NumRows()); row++ {
		found := false
		for _, arg := range args {
			if arg.IsValid(row) {
				appendValue(bldr, arg, row)
				found = true
				break
			}
		}
		if !found {
			bldr.AppendNull()
		}
	}
	return bldr.NewArray(), nil
}

func extractArray(d compute.Datum) (arrow.Array, error) {
	defer d.Release()
	if v, ok := d.(*compute.ArrayDatum); ok {
		return v.MakeArray(), nil
	}
	return nil, errors.Newf("unexpected datum type: %T", d)
}

func constantArray(alloc memory.Allocator, sc scalar.Scalar, n int) (arrow.Array, error) {
	arr, err := scalar.MakeArrayFromScalar(sc, n, alloc)
	if err != nil {
		return nil, errors.Wrap(err, "constant")
	}
	return arr, nil
}

func mapBool(alloc memory.Allocator, arr *array.Boolean, fn func(bool) bool) arrow.Array {
	bldr := array.NewBooleanBuilder(alloc)
	defer bldr.Release()
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
		} else {
			bldr.Append(fn(arr.Value(i)))
		}
	}
	return bldr.NewArray()
}
