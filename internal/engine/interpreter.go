// Package engine implements EngineCore: the scheduler and interpreter
// that turn a dirty vertex frontier into topological evaluation layers
// and typed cell results (SPEC_FULL.md §4.6).
package engine

import (
	"fmt"
	"math"

	"github.com/cellforge/engine/internal/ast"
	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/engineerr"
	"github.com/cellforge/engine/internal/functions"
	"github.com/cellforge/engine/internal/rangetracker"
	"github.com/cellforge/engine/internal/storage"
)

// SheetResolver maps a formula's explicit sheet name to a SheetID. A real
// workbook wires its sheet-name registry in; nil falls back to "current
// sheet" for every name, matching the editor's boundary placeholder.
type SheetResolver func(name string) (coord.SheetID, bool)

// funcContext adapts the interpreter's pinned clock/rng into
// functions.FunctionContext.
type funcContext struct {
	clock         functions.Clock
	rng           functions.RandomGenerator
	deterministic bool
}

func (c funcContext) Clock() functions.Clock          { return c.clock }
func (c funcContext) Rng() functions.RandomGenerator  { return c.rng }
func (c funcContext) DeterministicMode() bool         { return c.deterministic }

// Interpreter evaluates a single formula AST against the live store. It
// never writes; EngineCore is the only caller that commits its results.
type Interpreter struct {
	store     *storage.SheetStoreService
	tracker   *rangetracker.Tracker
	functions *functions.Provider
	resolve   SheetResolver

	clock         functions.Clock
	rng           functions.RandomGenerator
	deterministic bool
}

// NewInterpreter constructs an Interpreter. clock/rng pin NOW()/TODAY()/
// RAND() when deterministic is true; nil defaults to wall-clock/math-rand.
func NewInterpreter(store *storage.SheetStoreService, tracker *rangetracker.Tracker, fnProvider *functions.Provider, resolve SheetResolver, clock functions.Clock, rng functions.RandomGenerator, deterministic bool) *Interpreter {
	if clock == nil {
		clock = functions.WallClock{}
	}
	if rng == nil {
		rng = functions.DefaultRandomGenerator{}
	}
	return &Interpreter{store: store, tracker: tracker, functions: fnProvider, resolve: resolve, clock: clock, rng: rng, deterministic: deterministic}
}

func (in *Interpreter) sheetOf(name string, current coord.SheetID) coord.SheetID {
	if name == "" || in.resolve == nil {
		return current
	}
	if id, ok := in.resolve(name); ok {
		return id
	}
	return current
}

// Eval evaluates node in the context of sheet (the cell's own sheet,
// used to resolve unqualified references) and reports whether the
// formula touched a volatile built-in along the way.
func (in *Interpreter) Eval(node ast.Node, sheet coord.SheetID) (value cellvalue.Value, volatile bool) {
	defer func() {
		if r := recover(); r != nil {
			value = cellvalue.ErrorOf(cellvalue.ErrValue, fmt.Sprintf("formula evaluation panicked: %v", r))
		}
	}()
	return in.eval(node, sheet)
}

func (in *Interpreter) eval(node ast.Node, sheet coord.SheetID) (cellvalue.Value, bool) {
	switch n := node.(type) {
	case nil:
		return cellvalue.Empty, false
	case *ast.Literal:
		return n.Value, false
	case *ast.Reference:
		return in.evalReference(n, sheet)
	case *ast.Call:
		return in.evalCall(n, sheet)
	case *ast.Binary:
		return in.evalBinary(n, sheet)
	case *ast.Unary:
		return in.evalUnary(n, sheet)
	case *ast.ArrayLiteral:
		return in.evalArray(n, sheet)
	case *ast.NameRef:
		return cellvalue.ErrorOf(cellvalue.ErrName, "named range used in scalar context: "+n.Name), false
	default:
		return cellvalue.ErrorOf(cellvalue.ErrValue, "unrecognized AST node"), false
	}
}

func (in *Interpreter) evalReference(n *ast.Reference, sheet coord.SheetID) (cellvalue.Value, bool) {
	refSheet := in.sheetOf(n.Sheet, sheet)
	if n.Kind == ast.RefCell {
		return in.store.ReadCell(coord.CellAddr{Sheet: refSheet, Row: uint32(n.Row), Col: uint32(n.Col)}), false
	}
	// A bare range in scalar context uses Excel's implicit intersection:
	// the range's top-left cell.
	return in.store.ReadCell(coord.CellAddr{Sheet: refSheet, Row: uint32(n.Row), Col: uint32(n.Col)}), false
}

func (in *Interpreter) evalCall(n *ast.Call, sheet coord.SheetID) (cellvalue.Value, bool) {
	callable, caps, ok := in.functions.Resolve(n.Name)
	if !ok {
		return cellvalue.ErrorOf(cellvalue.ErrName, "unknown function: "+n.Name), false
	}

	args := make([]functions.ArgumentHandle, len(n.Args))
	for i, a := range n.Args {
		args[i] = &argumentHandle{interp: in, node: a, sheet: sheet}
	}
	ctx := funcContext{clock: in.clock, rng: in.rng, deterministic: in.deterministic}

	result, err := safeEvaluate(callable, args, ctx)
	volatile := caps.Has(functions.Volatile)
	for _, a := range args {
		if h, ok := a.(*argumentHandle); ok {
			volatile = volatile || h.touchedVolatile
		}
	}
	if err != nil {
		if ee, ok := err.(*engineerr.EngineError); ok {
			return cellvalue.Error(ee.CellError()), volatile
		}
		return cellvalue.ErrorOf(cellvalue.ErrValue, err.Error()), volatile
	}
	return result, volatile
}

func safeEvaluate(callable functions.Callable, args []functions.ArgumentHandle, ctx functions.FunctionContext) (result cellvalue.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("function panicked: %v", r)
		}
	}()
	return callable.Evaluate(args, ctx)
}

func (in *Interpreter) evalBinary(n *ast.Binary, sheet coord.SheetID) (cellvalue.Value, bool) {
	l, lv := in.eval(n.Left, sheet)
	if l.IsError() {
		return l, lv
	}
	r, rv := in.eval(n.Right, sheet)
	if r.IsError() {
		return r, lv || rv
	}
	volatile := lv || rv

	switch n.Op {
	case ast.OpConcat:
		return cellvalue.Text(textOf(l) + textOf(r)), volatile
	case ast.OpEq:
		return cellvalue.Boolean(l.Equal(r)), volatile
	case ast.OpNe:
		return cellvalue.Boolean(!l.Equal(r)), volatile
	case ast.OpLt, ast.OpLe, ast.OpGt, ast.OpGe:
		return compareValues(n.Op, l, r), volatile
	}

	ln, lok := l.AsNumber()
	rn, rok := r.AsNumber()
	if !lok || !rok {
		return cellvalue.ErrorOf(cellvalue.ErrValue, "arithmetic operator expects numeric operands"), volatile
	}
	switch n.Op {
	case ast.OpAdd:
		return cellvalue.Number(ln + rn), volatile
	case ast.OpSub:
		return cellvalue.Number(ln - rn), volatile
	case ast.OpMul:
		return cellvalue.Number(ln * rn), volatile
	case ast.OpDiv:
		if rn == 0 {
			return cellvalue.ErrorOf(cellvalue.ErrDiv0, "division by zero"), volatile
		}
		return cellvalue.Number(ln / rn), volatile
	case ast.OpPow:
		return cellvalue.Number(math.Pow(ln, rn)), volatile
	default:
		return cellvalue.ErrorOf(cellvalue.ErrValue, "unrecognized binary operator"), volatile
	}
}

func compareValues(op ast.BinaryOperator, l, r cellvalue.Value) cellvalue.Value {
	ln, lok := l.AsNumber()
	rn, rok := r.AsNumber()
	var cmp int
	if lok && rok {
		switch {
		case ln < rn:
			cmp = -1
		case ln > rn:
			cmp = 1
		}
	} else {
		ls, rs := textOf(l), textOf(r)
		switch {
		case ls < rs:
			cmp = -1
		case ls > rs:
			cmp = 1
		}
	}
	switch op {
	case ast.OpLt:
		return cellvalue.Boolean(cmp < 0)
	case ast.OpLe:
		return cellvalue.Boolean(cmp <= 0)
	case ast.OpGt:
		return cellvalue.Boolean(cmp > 0)
	default: // OpGe
		return cellvalue.Boolean(cmp >= 0)
	}
}

func (in *Interpreter) evalUnary(n *ast.Unary, sheet coord.SheetID) (cellvalue.Value, bool) {
	v, volatile := in.eval(n.Operand, sheet)
	if v.IsError() {
		return v, volatile
	}
	num, ok := v.AsNumber()
	if !ok {
		return cellvalue.ErrorOf(cellvalue.ErrValue, "unary operator expects a numeric operand"), volatile
	}
	switch n.Op {
	case ast.OpNeg:
		return cellvalue.Number(-num), volatile
	case ast.OpPercent:
		return cellvalue.Number(num / 100), volatile
	default: // OpPlus
		return cellvalue.Number(num), volatile
	}
}

func (in *Interpreter) evalArray(n *ast.ArrayLiteral, sheet coord.SheetID) (cellvalue.Value, bool) {
	rows := len(n.Rows)
	cols := 0
	if rows > 0 {
		cols = len(n.Rows[0])
	}
	data := make([]cellvalue.Value, 0, rows*cols)
	volatile := false
	for _, row := range n.Rows {
		for _, cell := range row {
			v, cv := in.eval(cell, sheet)
			volatile = volatile || cv
			data = append(data, v)
		}
	}
	return cellvalue.ArrayValue(&cellvalue.Array{Rows: rows, Cols: cols, Data: data}), volatile
}

func textOf(v cellvalue.Value) string {
	switch v.Kind {
	case cellvalue.KindText:
		return v.Str
	case cellvalue.KindNumber, cellvalue.KindInt:
		return fmt.Sprintf("%g", v.Num)
	case cellvalue.KindBool:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	case cellvalue.KindEmpty:
		return ""
	default:
		return ""
	}
}

// argumentHandle implements functions.ArgumentHandle over one call
// argument, evaluating lazily so ShortCircuit built-ins (IF, AND, OR)
// only pay for the branch they actually take.
type argumentHandle struct {
	interp *Interpreter
	node   ast.Node
	sheet  coord.SheetID

	evaluated       bool
	value           cellvalue.Value
	touchedVolatile bool
}

func (h *argumentHandle) Evaluate() cellvalue.Value {
	if !h.evaluated {
		h.value, h.touchedVolatile = h.interp.eval(h.node, h.sheet)
		h.evaluated = true
	}
	return h.value
}

func (h *argumentHandle) AsRange() (storage.RangeView, bool) {
	ref, ok := h.node.(*ast.Reference)
	if !ok || ref.Kind != ast.RefRange {
		return storage.RangeView{}, false
	}
	refSheet := h.interp.sheetOf(ref.Sheet, h.sheet)
	desc := rangetracker.Normalize(ref, refSheet)
	spans := h.interp.tracker.Resolve(desc)
	return h.interp.store.ArrowViewFromResolved(refSheet, spans), true
}
