// Package ast defines the formula AST boundary contract the core consumes.
// The core never tokenizes or parses a formula string; it only walks nodes
// handed to it by an external parser (see SPEC_FULL.md §6).
package ast

import "github.com/cellforge/engine/internal/cellvalue"

// Span marks the source offsets a node came from, for diagnostics only.
// The core never interprets Span.
type Span struct {
	Start, End int
}

// Node is the closed interface every AST node implements. The switch in
// dependency extraction (internal/editor) enumerates every case below;
// adding a new concrete type requires updating that switch.
type Node interface {
	node()
	Position() Span
}

type base struct{ Span Span }

func (base) node()             {}
func (b base) Position() Span { return b.Span }

// Literal is a constant scalar: number, text, bool, date, or error.
type Literal struct {
	base
	Value cellvalue.Value
}

func NewLiteral(span Span, v cellvalue.Value) *Literal {
	return &Literal{base: base{span}, Value: v}
}

// RefKind discriminates a Reference between a single cell and a range.
type RefKind uint8

const (
	RefCell RefKind = iota
	RefRange
)

// Reference is a cell or range reference, with absoluteness flags carried
// per axis and an optional explicit sheet name (resolved by the editor's
// boundary registry, never by the AST itself).
type Reference struct {
	base
	Kind RefKind

	Sheet string // "" means "current sheet at evaluation site"

	// For RefCell, only Row/Col are meaningful. For RefRange, all four.
	Row, Col       int
	AbsRow, AbsCol bool

	EndRow, EndCol       int
	EndAbsRow, EndAbsCol bool

	// OpenEndRow/OpenEndCol mark a half-open axis (e.g. A10:A, 1:1) so the
	// editor can normalize to the correct RangeDescriptor.Bounds variant
	// without re-parsing text.
	OpenEndRow, OpenEndCol     bool
	OpenStartRow, OpenStartCol bool
}

func NewCellRef(span Span, sheet string, row, col int, absRow, absCol bool) *Reference {
	return &Reference{base: base{span}, Kind: RefCell, Sheet: sheet, Row: row, Col: col, AbsRow: absRow, AbsCol: absCol}
}

// Call is a function call: name + positional argument list.
type Call struct {
	base
	Name string
	Args []Node
}

func NewCall(span Span, name string, args []Node) *Call {
	return &Call{base: base{span}, Name: name, Args: args}
}

// BinaryOperator is the closed set of binary operators the core evaluates.
type BinaryOperator uint8

const (
	OpAdd BinaryOperator = iota
	OpSub
	OpMul
	OpDiv
	OpPow
	OpConcat
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

type Binary struct {
	base
	Op          BinaryOperator
	Left, Right Node
}

func NewBinary(span Span, op BinaryOperator, left, right Node) *Binary {
	return &Binary{base: base{span}, Op: op, Left: left, Right: right}
}

// UnaryOperator is the closed set of unary operators.
type UnaryOperator uint8

const (
	OpNeg UnaryOperator = iota
	OpPercent
	OpPlus
)

type Unary struct {
	base
	Op      UnaryOperator
	Operand Node
}

func NewUnary(span Span, op UnaryOperator, operand Node) *Unary {
	return &Unary{base: base{span}, Op: op, Operand: operand}
}

// ArrayLiteral is a 2-D literal, e.g. {1,2;3,4}.
type ArrayLiteral struct {
	base
	Rows [][]Node
}

func NewArrayLiteral(span Span, rows [][]Node) *ArrayLiteral {
	return &ArrayLiteral{base: base{span}, Rows: rows}
}

// NameRef is a reference to a defined name (named range or named formula),
// resolved through the editor's boundary registry.
type NameRef struct {
	base
	Name string
}

func NewNameRef(span Span, name string) *NameRef {
	return &NameRef{base: base{span}, Name: name}
}
