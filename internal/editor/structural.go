package editor

import (
	"math"

	"github.com/cellforge/engine/internal/ast"
	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/storage"
)

// StructuralEditKind discriminates the four apply_structural_edit
// operations (SPEC_FULL.md §4.5).
type StructuralEditKind uint8

const (
	InsertRows StructuralEditKind = iota
	DeleteRows
	InsertCols
	DeleteCols
)

func (k StructuralEditKind) isRow() bool {
	return k == InsertRows || k == DeleteRows
}

func (k StructuralEditKind) isDelete() bool {
	return k == DeleteRows || k == DeleteCols
}

// ApplyStructuralEdit inserts or deletes count whole rows/cols at index at
// on sheet. It shifts storage cell data, re-anchors AddressIndex vertices,
// rewrites every affected formula's AST references in place, and
// re-normalizes range subscriptions by re-running them through the same
// register/unregister path a normal formula edit uses — the "produce a new
// descriptor and a new handle" contract coord.RangeDescriptor documents,
// rather than mutating a live descriptor. A delete first discards the
// doomed band's cells and vertices; an insert opens a blank gap. Only
// unqualified references (Reference.Sheet == "") on formulas living on
// sheet are rebased, matching extractDependencies' own sheet resolution —
// cross-sheet references into an edited sheet are not rebased, since
// resolveSheetName has no name registry to resolve them by.
func (e *WorkbookEditor) ApplyStructuralEdit(sheet coord.SheetID, kind StructuralEditKind, at uint32, count uint32) error {
	if count == 0 {
		return nil
	}
	delta := int(count)
	if kind.isDelete() {
		delta = -delta
	}
	isRow := kind.isRow()

	return e.atomic(func() error {
		if kind.isDelete() {
			if err := e.clearBand(sheet, isRow, at, at+count); err != nil {
				return err
			}
		}

		var moves []storage.CellMove
		if isRow {
			moves = e.store.PlanRowShift(sheet, at, delta)
			e.addrIndex.ShiftRows(sheet, at, delta)
		} else {
			moves = e.store.PlanColShift(sheet, at, delta)
			e.addrIndex.ShiftCols(sheet, at, delta)
		}
		if err := e.applyMoves(moves); err != nil {
			return err
		}

		e.shiftNamedRanges(sheet, isRow, at, delta)
		return e.rebaseFormulasOnSheet(sheet, isRow, at, delta)
	})
}

// clearBand empties and forgets every vertex inside the half-open
// [start,end) band on the given axis, ahead of a delete shift. Storage
// values are cleared through applyWrite so the write is logged and the
// range tracker sees the resulting usage deltas; vertices are then dropped
// from AddressIndex entirely, per its ShiftRows/ShiftCols contract that
// callers deleting rows must already have recorded (and removed) the
// doomed vertices before shifting survivors over them.
func (e *WorkbookEditor) clearBand(sheet coord.SheetID, isRow bool, start, end uint32) error {
	span := coord.RowColSpan{RowStart: 0, RowEnd: math.MaxUint32, ColStart: 0, ColEnd: math.MaxUint32}
	if isRow {
		span.RowStart, span.RowEnd = start, end
	} else {
		span.ColStart, span.ColEnd = start, end
	}

	var doomed []coord.CellAddr
	e.addrIndex.VerticesInSpanIter(sheet, span, func(addr coord.CellAddr, _ coord.VertexID) bool {
		doomed = append(doomed, addr)
		return true
	})

	for _, addr := range doomed {
		vertex, ok := e.addrIndex.VertexOfCell(addr)
		if !ok {
			continue
		}
		e.clearFormula(vertex)
		if old := e.store.ReadCell(addr); !old.IsEmpty() {
			if _, err := e.applyWrite(addr, cellvalue.Empty); err != nil {
				return err
			}
			e.recordChange(ChangeEvent{Kind: ChangeCellValue, Vertex: vertex, Addr: addr, OldValue: old, NewValue: cellvalue.Empty})
		}
		e.addrIndex.RemoveVertex(addr)
		e.recordChange(ChangeEvent{Kind: ChangeVertexDelete, Vertex: vertex, Addr: addr})
		delete(e.lastWasEmpty, vertex)
	}
	return nil
}

// applyMoves relocates the cached storage value of every source cell to
// its shifted destination, clearing every source before writing any
// destination so a chain of cells shifting onto each other's old
// addresses never reads a half-migrated value. Vertex identity is not
// touched here — AddressIndex.ShiftRows/ShiftCols (already run by the
// caller) is what keeps a formula's vertex attached to its data as it
// moves; this pass only relocates the last-written scalar/array value.
func (e *WorkbookEditor) applyMoves(moves []storage.CellMove) error {
	for _, m := range moves {
		old := e.store.ReadCell(m.From)
		vertex, err := e.applyWrite(m.From, cellvalue.Empty)
		if err != nil {
			return err
		}
		e.recordChange(ChangeEvent{Kind: ChangeCellValue, Vertex: vertex, Addr: m.From, OldValue: old, NewValue: cellvalue.Empty})
	}
	for _, m := range moves {
		old := e.store.ReadCell(m.To)
		vertex, err := e.applyWrite(m.To, m.Value)
		if err != nil {
			return err
		}
		e.recordChange(ChangeEvent{Kind: ChangeCellValue, Vertex: vertex, Addr: m.To, OldValue: old, NewValue: m.Value})
	}
	return nil
}

// shiftNamedRanges re-anchors defined names whose descriptor sits on sheet,
// mirroring the same per-Bounds-variant exclusions a range subscription
// would apply (whole-column/row/sheet, table and spill anchors carry no
// positional row/col origin to shift).
func (e *WorkbookEditor) shiftNamedRanges(sheet coord.SheetID, isRow bool, at uint32, delta int) {
	for name, d := range e.namedRanges {
		if d.Sheet != sheet {
			continue
		}
		if shiftDescriptorAnchor(&d, isRow, at, delta) {
			e.namedRanges[name] = d
		}
	}
}

// shiftDescriptorAnchor applies a structural shift to a single
// RangeDescriptor's positional anchor in place and reports whether it
// changed anything. Bounds variants with no real positional anchor on the
// shifted axis (whole-column/row/sheet, table, spill) are left alone.
func shiftDescriptorAnchor(d *coord.RangeDescriptor, isRow bool, from uint32, delta int) bool {
	if isRow {
		switch d.Bounds {
		case coord.BoundsWholeColumn, coord.BoundsWholeSheet, coord.BoundsTable, coord.BoundsSpill:
			return false
		}
		if d.StartRow < from {
			return false
		}
		d.StartRow = clampShift(d.StartRow, delta)
		return true
	}
	switch d.Bounds {
	case coord.BoundsWholeRow, coord.BoundsWholeSheet, coord.BoundsTable, coord.BoundsSpill:
		return false
	}
	if d.StartCol < from {
		return false
	}
	d.StartCol = clampShift(d.StartCol, delta)
	return true
}

func clampShift(v uint32, delta int) uint32 {
	moved := int64(v) + int64(delta)
	if moved < 0 {
		return 0
	}
	return uint32(moved)
}

// rebaseFormulasOnSheet rewrites the AST of every formula living on sheet
// in place, then re-runs it through rebindFormula so stale range
// descriptors are diffed out and fresh ones registered — the "re-normalizes
// affected descriptors, registers new handles, swaps them into
// DependencyIndex, unregisters old handles" step apply_structural_edit
// requires. Formulas whose reference set did not actually move still get
// re-run so bindings unaffected by the AST rebase (e.g. a whole-column
// subscription whose resolved spans already tracked the shift through the
// normal storage-delta path) stay consistent, at the cost of a harmless
// no-op diff.
func (e *WorkbookEditor) rebaseFormulasOnSheet(sheet coord.SheetID, isRow bool, at uint32, delta int) error {
	vertices := make([]coord.VertexID, 0, len(e.formulas))
	for v := range e.formulas {
		vertices = append(vertices, v)
	}

	for _, vertex := range vertices {
		fe, ok := e.formulas[vertex]
		if !ok {
			continue
		}
		addr, ok := e.addrIndex.CellOf(vertex)
		if !ok || addr.Sheet != sheet {
			continue
		}

		oldAST := cloneNode(fe.node)
		changed := rebaseReferences(fe.node, isRow, at, delta)
		if changed {
			e.recordChange(ChangeEvent{Kind: ChangeCellFormula, Vertex: vertex, Addr: addr, OldAST: oldAST, NewAST: fe.node})
		}
		e.rebindFormula(vertex, sheet, fe.node)
	}
	return nil
}

// rebaseReferences walks node in place, shifting every unqualified
// Reference whose row (or column) falls at or after the edit point by
// delta, and reports whether anything changed. A reference naming an
// explicit sheet is left untouched: extractDependencies treats Sheet=="" as
// "this formula's own sheet", and that is the only case this pass can
// resolve without a sheet-name registry.
func rebaseReferences(node ast.Node, isRow bool, at uint32, delta int) bool {
	switch n := node.(type) {
	case nil:
		return false
	case *ast.Reference:
		if n.Sheet != "" {
			return false
		}
		changed := false
		if isRow {
			if n.Row >= 0 && uint32(n.Row) >= at {
				n.Row = shiftIndex(n.Row, delta)
				changed = true
			}
			if n.Kind == ast.RefRange && n.EndRow >= 0 && uint32(n.EndRow) >= at {
				n.EndRow = shiftIndex(n.EndRow, delta)
				changed = true
			}
			return changed
		}
		if n.Col >= 0 && uint32(n.Col) >= at {
			n.Col = shiftIndex(n.Col, delta)
			changed = true
		}
		if n.Kind == ast.RefRange && n.EndCol >= 0 && uint32(n.EndCol) >= at {
			n.EndCol = shiftIndex(n.EndCol, delta)
			changed = true
		}
		return changed
	case *ast.Call:
		changed := false
		for _, a := range n.Args {
			if rebaseReferences(a, isRow, at, delta) {
				changed = true
			}
		}
		return changed
	case *ast.Binary:
		l := rebaseReferences(n.Left, isRow, at, delta)
		r := rebaseReferences(n.Right, isRow, at, delta)
		return l || r
	case *ast.Unary:
		return rebaseReferences(n.Operand, isRow, at, delta)
	case *ast.ArrayLiteral:
		changed := false
		for _, row := range n.Rows {
			for _, cell := range row {
				if rebaseReferences(cell, isRow, at, delta) {
					changed = true
				}
			}
		}
		return changed
	default:
		return false
	}
}

func shiftIndex(v int, delta int) int {
	moved := v + delta
	if moved < 0 {
		return 0
	}
	return moved
}

// cloneNode deep-copies an AST node so a change-log entry can keep an
// independent snapshot of a formula's pre-rebase shape for undo/redo,
// since rebaseReferences mutates the live node in place.
func cloneNode(node ast.Node) ast.Node {
	switch n := node.(type) {
	case nil:
		return nil
	case *ast.Literal:
		cp := *n
		return &cp
	case *ast.Reference:
		cp := *n
		return &cp
	case *ast.NameRef:
		cp := *n
		return &cp
	case *ast.Call:
		cp := *n
		cp.Args = make([]ast.Node, len(n.Args))
		for i, a := range n.Args {
			cp.Args[i] = cloneNode(a)
		}
		return &cp
	case *ast.Binary:
		cp := *n
		cp.Left = cloneNode(n.Left)
		cp.Right = cloneNode(n.Right)
		return &cp
	case *ast.Unary:
		cp := *n
		cp.Operand = cloneNode(n.Operand)
		return &cp
	case *ast.ArrayLiteral:
		cp := *n
		cp.Rows = make([][]ast.Node, len(n.Rows))
		for i, row := range n.Rows {
			nr := make([]ast.Node, len(row))
			for j, c := range row {
				nr[j] = cloneNode(c)
			}
			cp.Rows[i] = nr
		}
		return &cp
	default:
		return node
	}
}
