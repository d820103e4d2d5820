// Package astbuild is a fluent AST constructor for test fixtures only. It is
// never consulted by any core operation and has no formula-text entry
// point; no tokenizer or parser lives here, only thin wrappers over
// internal/ast's node constructors, grounded in the shape of the teacher's
// Parser output (parser.go) without reusing any of its text-parsing
// machinery. Tests build trees directly instead of parsing formula strings.
package astbuild

import (
	"github.com/cellforge/engine/internal/ast"
	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
)

func span() ast.Span { return ast.Span{} }

// Num builds a numeric literal.
func Num(n float64) *ast.Literal {
	return ast.NewLiteral(span(), cellvalue.Number(n))
}

// Str builds a text literal.
func Str(s string) *ast.Literal {
	return ast.NewLiteral(span(), cellvalue.Text(s))
}

// Bool builds a boolean literal.
func Bool(b bool) *ast.Literal {
	return ast.NewLiteral(span(), cellvalue.Boolean(b))
}

// Cell builds a relative reference to (row, col) on the current sheet.
func Cell(row, col int) *ast.Reference {
	return ast.NewCellRef(span(), "", row, col, false, false)
}

// SheetCell builds a relative reference to (row, col) on a named sheet.
func SheetCell(sheet string, row, col int) *ast.Reference {
	return ast.NewCellRef(span(), sheet, row, col, false, false)
}

// AbsCell builds an absolute (row, col) reference.
func AbsCell(row, col int) *ast.Reference {
	return ast.NewCellRef(span(), "", row, col, true, true)
}

// Range builds a rectangular reference from (r1,c1) to (r2,c2), both ends
// relative, on the current sheet.
func Range(r1, c1, r2, c2 int) *ast.Reference {
	return &ast.Reference{
		Kind:   ast.RefRange,
		Row:    r1, Col: c1,
		EndRow: r2, EndCol: c2,
	}
}

// Name builds a reference to a defined name.
func Name(n string) *ast.NameRef {
	return ast.NewNameRef(span(), n)
}

// Call builds a function call node.
func Call(name string, args ...ast.Node) *ast.Call {
	return ast.NewCall(span(), name, args)
}

func Add(l, r ast.Node) *ast.Binary { return ast.NewBinary(span(), ast.OpAdd, l, r) }
func Sub(l, r ast.Node) *ast.Binary { return ast.NewBinary(span(), ast.OpSub, l, r) }
func Mul(l, r ast.Node) *ast.Binary { return ast.NewBinary(span(), ast.OpMul, l, r) }
func Div(l, r ast.Node) *ast.Binary { return ast.NewBinary(span(), ast.OpDiv, l, r) }
func Eq(l, r ast.Node) *ast.Binary  { return ast.NewBinary(span(), ast.OpEq, l, r) }
func Lt(l, r ast.Node) *ast.Binary  { return ast.NewBinary(span(), ast.OpLt, l, r) }

// Neg builds a unary negation node.
func Neg(n ast.Node) *ast.Unary { return ast.NewUnary(span(), ast.OpNeg, n) }

// Array builds a 2-D array literal from a row-major grid of nodes.
func Array(rows [][]ast.Node) *ast.ArrayLiteral {
	return ast.NewArrayLiteral(span(), rows)
}

// Addr is a convenience for building coord.CellAddr fixtures alongside a
// formula built from this package.
func Addr(sheet coord.SheetID, row, col uint32) coord.CellAddr {
	return coord.CellAddr{Sheet: sheet, Row: row, Col: col}
}
