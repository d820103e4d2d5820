// Package editor implements WorkbookEditor, the sole mutator every write
// path funnels through (SPEC_FULL.md §4.5): user edits, formula
// assignment, structural edits, and the evaluator's own write-back all
// enforce the same four-step pipeline — storage write, usage deltas,
// range events, dependency edges plus a change-log record.
package editor

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cellforge/engine/internal/addressindex"
	"github.com/cellforge/engine/internal/ast"
	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/depindex"
	"github.com/cellforge/engine/internal/engineerr"
	"github.com/cellforge/engine/internal/functions"
	"github.com/cellforge/engine/internal/rangetracker"
	"github.com/cellforge/engine/internal/storage"
)

// rangeBinding pairs a tracker handle with the descriptor it was registered
// under, so a formula's stale bindings can be diffed against its next set
// of references by descriptor equality (P3).
type rangeBinding struct {
	handle     rangetracker.HandleID
	descriptor coord.RangeDescriptor
}

// formulaEntry is what the editor remembers per vertex that carries a
// formula, so re-assignment can diff the old reference set against the
// new one instead of tearing everything down and rebuilding it.
type formulaEntry struct {
	node     ast.Node
	bindings []rangeBinding
	volatile bool
}

// SpillPolicy controls the spill planner's blocker rule (SPEC_FULL.md §8
// Open Questions resolution: strictest-reasonable policy by default).
type SpillPolicy struct {
	// AllowOverwriteEmptyFormulas relaxes the blocker rule for a formula
	// cell whose last evaluated value was empty, matching the one
	// relaxation the teacher's implicit behavior allows.
	AllowOverwriteEmptyFormulas bool
}

// DefaultSpillPolicy matches the resolved Open Question: spills never
// overwrite pre-existing data.
func DefaultSpillPolicy() SpillPolicy { return SpillPolicy{} }

// WorkbookEditor is the sole mutator (SPEC_FULL.md §4.5). It owns the
// change log and transaction/savepoint stack; every exported mutation
// funnels through the same four-step pipeline.
type WorkbookEditor struct {
	store     *storage.SheetStoreService
	tracker   *rangetracker.Tracker
	addrIndex *addressindex.Index
	deps      *depindex.Index
	functions *functions.Provider

	formulas    map[coord.VertexID]*formulaEntry
	lastWasEmpty map[coord.VertexID]bool

	namedRanges map[string]coord.RangeDescriptor
	tables      map[uint32]coord.RowColSpan
	tableSheet  map[uint32]coord.SheetID
	nextTableID uint32

	spillOwnership map[coord.VertexID]coord.RowColSpan
	policy         SpillPolicy

	changeLog  []ChangeEvent
	savepoints []int
	handle     *storage.EditHandle

	// history marks, in changeLog index terms, the end of each committed
	// top-level transaction; historyCursor is how many of them are
	// currently "applied" (Undo decrements it, Redo increments it, and a
	// new commit after an Undo truncates the discarded redo branch).
	history       []int
	historyCursor int

	loggingEnabled bool
	logger         zerolog.Logger

	txDeltas, txEvents, txEdgesAdded, txEdgesRemoved, txTopoUpdates int
	txVertices                                                      map[coord.VertexID]struct{}

	lastCommit CommitSummary
}

// New constructs a WorkbookEditor. The returned editor's tracker is nil
// until AttachTracker is called — RangeTracker needs the editor itself as
// its TableRegistry/SpillPlanner, so wiring happens in two steps:
//
//	ed := editor.New(store, addrIndex, deps, fnProvider)
//	tracker := rangetracker.New(store, ed, ed)
//	ed.AttachTracker(tracker)
func New(store *storage.SheetStoreService, addrIndex *addressindex.Index, deps *depindex.Index, fnProvider *functions.Provider) *WorkbookEditor {
	return &WorkbookEditor{
		store:          store,
		addrIndex:      addrIndex,
		deps:           deps,
		functions:      fnProvider,
		formulas:       make(map[coord.VertexID]*formulaEntry),
		lastWasEmpty:   make(map[coord.VertexID]bool),
		namedRanges:    make(map[string]coord.RangeDescriptor),
		tables:         make(map[uint32]coord.RowColSpan),
		tableSheet:     make(map[uint32]coord.SheetID),
		spillOwnership: make(map[coord.VertexID]coord.RowColSpan),
		policy:         DefaultSpillPolicy(),
		logger:         zerolog.Nop(),
		txVertices:     make(map[coord.VertexID]struct{}),
	}
}

// AttachTracker completes construction; see New's doc comment.
func (e *WorkbookEditor) AttachTracker(t *rangetracker.Tracker) { e.tracker = t }

// SetLogger installs a structured logger; defaults to a disabled logger so
// the library is silent unless a caller opts in.
func (e *WorkbookEditor) SetLogger(l zerolog.Logger) { e.logger = l }

// SetSpillPolicy overrides the spill blocker policy.
func (e *WorkbookEditor) SetSpillPolicy(p SpillPolicy) { e.policy = p }

// EnableChangeLogging turns change-log recording on or off. Disabling it
// also disables undo/redo and nested-transaction rollback for the writes
// made while it is off.
func (e *WorkbookEditor) EnableChangeLogging(on bool) { e.loggingEnabled = on }

// DefineName binds a name to a range descriptor for NameRef resolution.
func (e *WorkbookEditor) DefineName(name string, desc coord.RangeDescriptor) {
	e.namedRanges[name] = desc
}

// TableRect implements rangetracker.TableRegistry.
func (e *WorkbookEditor) TableRect(id uint32) (coord.RowColSpan, bool) {
	rect, ok := e.tables[id]
	return rect, ok
}

// SpillFootprint implements rangetracker.SpillPlanner.
func (e *WorkbookEditor) SpillFootprint(anchor coord.VertexID) (coord.RowColSpan, bool) {
	rect, ok := e.spillOwnership[anchor]
	return rect, ok
}

// DefineTable registers (or replaces) a named table's rectangle on sheet,
// and invalidates any subscriptions tracking it.
func (e *WorkbookEditor) DefineTable(id uint32, sheet coord.SheetID, rect coord.RowColSpan) {
	e.tables[id] = rect
	e.tableSheet[id] = sheet
	if e.tracker == nil {
		return
	}
	e.applyRangeEvents(sheet, e.tracker.InvalidateTable(id))
}

// applyRangeEvents is the common tail of the four-step pipeline: turn
// RangeEvents (already known to concern one sheet) into dependency edges,
// marking dirty vertices and recording telemetry. Edge-count telemetry is
// a cell-count proxy (spans x subscriber count) rather than an exact CSR
// edge delta, since the dependency index dedups target vertices
// internally and does not expose the true count across a single call.
func (e *WorkbookEditor) applyRangeEvents(sheet coord.SheetID, events []rangetracker.RangeEvent) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		cells := 0
		for _, sp := range ev.Spans {
			cells += int(sp.RowEnd-sp.RowStart) * int(sp.ColEnd-sp.ColStart)
		}
		switch ev.Kind {
		case rangetracker.Expanded:
			e.txEdgesAdded += cells * len(ev.Subscribers)
		case rangetracker.Shrunk:
			e.txEdgesRemoved += cells * len(ev.Subscribers)
		}
		for _, v := range ev.Subscribers {
			e.txVertices[v] = struct{}{}
		}
	}
	errs := e.deps.HandleRangeEvents(events, e.addrIndex, sheet)
	for _, err := range errs {
		e.logger.Debug().Err(err).Msg("range event edge update produced a cycle")
	}
	e.txEvents += len(events)
}

// CellFormula returns the AST currently bound to vertex, if any.
func (e *WorkbookEditor) CellFormula(vertex coord.VertexID) (ast.Node, bool) {
	fe, ok := e.formulas[vertex]
	if !ok {
		return nil, false
	}
	return fe.node, true
}

// extractDependencies walks a formula AST and returns its direct cell
// targets, its range references (not yet registered), and whether it
// transitively touches a volatile function call.
func (e *WorkbookEditor) extractDependencies(node ast.Node, sheet coord.SheetID) (cells []coord.VertexID, ranges []coord.RangeDescriptor, volatile bool) {
	switch n := node.(type) {
	case nil:
		return nil, nil, false
	case *ast.Literal:
		return nil, nil, false
	case *ast.Reference:
		refSheet := sheet
		if n.Sheet != "" {
			refSheet = e.resolveSheetName(n.Sheet)
		}
		if n.Kind == ast.RefCell {
			v := e.addrIndex.EnsureCellVertex(coord.CellAddr{Sheet: refSheet, Row: uint32(n.Row), Col: uint32(n.Col)})
			return []coord.VertexID{v}, nil, false
		}
		return nil, []coord.RangeDescriptor{rangetracker.Normalize(n, refSheet)}, false
	case *ast.Call:
		v := false
		if _, caps, ok := e.functions.Resolve(n.Name); ok {
			v = caps.Has(functions.Volatile)
		}
		for _, a := range n.Args {
			c, r, av := e.extractDependencies(a, sheet)
			cells = append(cells, c...)
			ranges = append(ranges, r...)
			v = v || av
		}
		return cells, ranges, v
	case *ast.Binary:
		lc, lr, lv := e.extractDependencies(n.Left, sheet)
		rc, rr, rv := e.extractDependencies(n.Right, sheet)
		return append(lc, rc...), append(lr, rr...), lv || rv
	case *ast.Unary:
		return e.extractDependencies(n.Operand, sheet)
	case *ast.ArrayLiteral:
		for _, row := range n.Rows {
			for _, cell := range row {
				c, r, v := e.extractDependencies(cell, sheet)
				cells = append(cells, c...)
				ranges = append(ranges, r...)
				volatile = volatile || v
			}
		}
		return cells, ranges, volatile
	case *ast.NameRef:
		if desc, ok := e.namedRanges[n.Name]; ok {
			return nil, []coord.RangeDescriptor{desc}, false
		}
		return nil, nil, false
	default:
		return nil, nil, false
	}
}

// resolveSheetName is a placeholder boundary registry: a real workbook
// wires sheet-name -> SheetID resolution in; without it, unresolved sheet
// names fall back to sheet 0 so formula extraction never panics.
func (e *WorkbookEditor) resolveSheetName(string) coord.SheetID { return 0 }

// rebindFormula diffs vertex's previous range bindings against a fresh
// extraction and updates tracker subscriptions + dependency edges to match.
func (e *WorkbookEditor) rebindFormula(vertex coord.VertexID, sheet coord.SheetID, node ast.Node) *formulaEntry {
	cells, ranges, volatile := e.extractDependencies(node, sheet)

	prev := e.formulas[vertex]
	var keep []rangeBinding
	var stale []rangeBinding
	used := make([]bool, len(ranges))

	if prev != nil {
		for _, b := range prev.bindings {
			matched := -1
			for i, d := range ranges {
				if used[i] {
					continue
				}
				if b.descriptor.Equal(d) {
					matched = i
					break
				}
			}
			if matched >= 0 {
				used[matched] = true
				keep = append(keep, b)
			} else {
				stale = append(stale, b)
			}
		}
	}

	for _, b := range stale {
		e.tracker.Unregister(b.handle, vertex)
		e.deps.RemoveRangeBinding(b.handle, vertex)
		e.recordChange(ChangeEvent{Kind: ChangeRangeUnsubscribe, Vertex: vertex, Handle: b.handle})
	}

	for i, d := range ranges {
		if used[i] {
			continue
		}
		handle, spans := e.tracker.Register(d, vertex)
		e.deps.HandleRangeEvents([]rangetracker.RangeEvent{{
			Handle: handle, Subscribers: []coord.VertexID{vertex}, Kind: rangetracker.Expanded, Spans: spans,
		}}, e.addrIndex, d.Sheet)
		keep = append(keep, rangeBinding{handle: handle, descriptor: d})
		e.recordChange(ChangeEvent{Kind: ChangeRangeSubscribe, Vertex: vertex, Handle: handle})
	}

	fe := &formulaEntry{node: node, bindings: keep, volatile: volatile}
	e.formulas[vertex] = fe
	e.deps.SetVolatile(vertex, volatile)

	for _, err := range e.deps.ApplyDependencies(vertex, cells) {
		e.logger.Debug().Err(err).Msg("direct dependency edge produced a cycle")
	}

	return fe
}

// clearFormula removes a vertex's formula bindings entirely (used when a
// cell is overwritten with a plain value or cleared).
func (e *WorkbookEditor) clearFormula(vertex coord.VertexID) {
	fe, ok := e.formulas[vertex]
	if !ok {
		return
	}
	for _, b := range fe.bindings {
		e.tracker.Unregister(b.handle, vertex)
		e.deps.RemoveRangeBinding(b.handle, vertex)
		e.recordChange(ChangeEvent{Kind: ChangeRangeUnsubscribe, Vertex: vertex, Handle: b.handle})
	}
	for _, err := range e.deps.ApplyDependencies(vertex, nil) {
		e.logger.Debug().Err(err).Msg("clearing dependencies produced a cycle")
	}
	delete(e.formulas, vertex)
}

// applyWrite is the shared four-step pipeline body: stage the storage
// write, fan usage deltas through the tracker, and apply the resulting
// range events to the dependency graph. Callers must already be inside an
// active transaction (EnsureActive).
func (e *WorkbookEditor) applyWrite(addr coord.CellAddr, value cellvalue.Value) (coord.VertexID, error) {
	vertex := e.addrIndex.EnsureCellVertex(addr)
	deltas, err := e.store.WriteCell(e.handle, addr, value)
	if err != nil {
		if se, ok := err.(*storage.StoreError); ok {
			return vertex, engineerr.New(engineerr.MemoryLimitExceeded, engineerr.Context{Cell: fmt.Sprintf("r%dc%d", addr.Row, addr.Col)}, se.Message)
		}
		return vertex, err
	}
	e.txDeltas += len(deltas)
	for _, d := range deltas {
		events := e.tracker.ApplyDelta(d)
		e.applyRangeEvents(addr.Sheet, events)
	}
	e.lastWasEmpty[vertex] = value.IsEmpty()
	e.deps.MarkDirty(vertex)
	return vertex, nil
}

// SetValue writes a plain (non-formula) value, clearing any formula
// previously bound to the cell.
func (e *WorkbookEditor) SetValue(addr coord.CellAddr, value cellvalue.Value) error {
	return e.atomic(func() error {
		old := e.store.ReadCell(addr)
		vertex, err := e.applyWrite(addr, value)
		if err != nil {
			return err
		}
		e.clearFormula(vertex)
		e.recordChange(ChangeEvent{Kind: ChangeCellValue, Vertex: vertex, Addr: addr, OldValue: old, NewValue: value})
		return nil
	})
}

// SetFormula assigns a formula to a cell. The cell's displayed value is
// left as-is (typically empty or stale) until the next recalc writes a
// result back through CommitResults.
func (e *WorkbookEditor) SetFormula(addr coord.CellAddr, node ast.Node) error {
	return e.atomic(func() error {
		vertex := e.addrIndex.EnsureCellVertex(addr)
		var oldNode ast.Node
		if fe, ok := e.formulas[vertex]; ok {
			oldNode = fe.node
		}
		e.rebindFormula(vertex, addr.Sheet, node)
		e.recordChange(ChangeEvent{Kind: ChangeCellFormula, Vertex: vertex, Addr: addr, OldAST: oldNode, NewAST: node})
		return nil
	})
}

// ValueWrite is one entry of SetValueBatch.
type ValueWrite struct {
	Addr  coord.CellAddr
	Value cellvalue.Value
}

// SetValueBatch applies many plain-value writes as a single transaction,
// matching the telemetry shape of an equivalent sequence of SetValue calls
// while paying the storage layer's batch-coalescing discount.
func (e *WorkbookEditor) SetValueBatch(writes []ValueWrite) error {
	return e.atomic(func() error {
		storeWrites := make([]storage.CellWrite, len(writes))
		olds := make([]cellvalue.Value, len(writes))
		for i, w := range writes {
			olds[i] = e.store.ReadCell(w.Addr)
			storeWrites[i] = storage.CellWrite{Addr: w.Addr, Value: w.Value}
		}
		deltas, err := e.store.WriteCellBatch(e.handle, storeWrites)
		if err != nil {
			return err
		}
		e.txDeltas += len(deltas)
		for _, d := range deltas {
			events := e.tracker.ApplyDelta(d)
			e.applyRangeEvents(d.Sheet, events)
		}
		for i, w := range writes {
			vertex := e.addrIndex.EnsureCellVertex(w.Addr)
			e.lastWasEmpty[vertex] = w.Value.IsEmpty()
			e.deps.MarkDirty(vertex)
			e.clearFormula(vertex)
			e.recordChange(ChangeEvent{Kind: ChangeCellValue, Vertex: vertex, Addr: w.Addr, OldValue: olds[i], NewValue: w.Value})
		}
		return nil
	})
}

// BulkIngest loads a contiguous rectangular block of plain values in one
// transaction (SPEC_FULL.md §10.1 ingest path): vertices for the whole
// block are allocated up front via AllocateContiguousBlock so the address
// index settles into a dense layout instead of scattering insertions one
// cell at a time, then every non-empty cell is written through the same
// batch path SetValueBatch uses.
func (e *WorkbookEditor) BulkIngest(sheet coord.SheetID, rows, cols coord.RowSpan, values map[coord.CellAddr]cellvalue.Value) error {
	e.addrIndex.AllocateContiguousBlock(sheet, rows, cols)

	writes := make([]ValueWrite, 0, len(values))
	for addr, v := range values {
		if v.IsEmpty() {
			continue
		}
		writes = append(writes, ValueWrite{Addr: addr, Value: v})
	}
	if len(writes) == 0 {
		return nil
	}
	return e.SetValueBatch(writes)
}

// ComputedResult is one evaluator write-back entry (EngineCore's
// commit_results path).
type ComputedResult struct {
	Vertex coord.VertexID
	Addr   coord.CellAddr
	Value  cellvalue.Value
}

// CommitResults applies evaluator-computed scalars through the same
// storage pipeline as a user write, so telemetry and change-log shape are
// identical between the two origins (§5 ordering guarantees). An
// array-valued result is routed through the spill planner instead of a
// plain cell write.
func (e *WorkbookEditor) CommitResults(results []ComputedResult) error {
	return e.atomic(func() error {
		for _, r := range results {
			if r.Value.Kind == cellvalue.KindArray {
				if err := e.commitSpill(r.Vertex, r.Addr, r.Value.Arr); err != nil {
					return err
				}
				continue
			}
			if old, had := e.spillOwnership[r.Vertex]; had {
				anchorOnly := coord.RowColSpan{RowStart: r.Addr.Row, RowEnd: r.Addr.Row + 1, ColStart: r.Addr.Col, ColEnd: r.Addr.Col + 1}
				e.clearOrphanedSpillCells(r.Addr.Sheet, old, anchorOnly)
				delete(e.spillOwnership, r.Vertex)
			}
			old := e.store.ReadCell(r.Addr)
			if old.Equal(r.Value) {
				continue
			}
			if _, err := e.applyWrite(r.Addr, r.Value); err != nil {
				return err
			}
			e.recordChange(ChangeEvent{Kind: ChangeCellValue, Vertex: r.Vertex, Addr: r.Addr, OldValue: old, NewValue: r.Value})
		}
		return nil
	})
}

// commitSpill projects an array-valued formula result into its footprint,
// starting at anchor, applying the blocker policy: a blocked footprint
// writes a #SPILL! error at the anchor instead of aborting the commit,
// matching how any other formula error is surfaced as a cell value
// rather than a transaction failure.
func (e *WorkbookEditor) commitSpill(vertex coord.VertexID, anchor coord.CellAddr, arr *cellvalue.Array) error {
	rows, cols := 0, 0
	if arr != nil {
		rows, cols = arr.Rows, arr.Cols
	}
	if rows == 0 || cols == 0 {
		return e.writeSpillError(vertex, anchor, engineerr.SpillBlocked{ExpectedRows: rows, ExpectedCols: cols})
	}
	footprint := coord.RowColSpan{
		RowStart: anchor.Row, RowEnd: anchor.Row + uint32(rows),
		ColStart: anchor.Col, ColEnd: anchor.Col + uint32(cols),
	}
	if blockedAt, blocked := e.findSpillBlocker(vertex, anchor.Sheet, footprint); blocked {
		return e.writeSpillError(vertex, anchor, engineerr.SpillBlocked{ExpectedRows: rows, ExpectedCols: cols, BlockedAt: blockedAt})
	}

	if old, had := e.spillOwnership[vertex]; had {
		e.clearOrphanedSpillCells(anchor.Sheet, old, footprint)
	}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			addr := coord.CellAddr{Sheet: anchor.Sheet, Row: anchor.Row + uint32(r), Col: anchor.Col + uint32(c)}
			cellVertex := vertex
			if r != 0 || c != 0 {
				cellVertex = e.addrIndex.EnsureCellVertex(addr)
			}
			old := e.store.ReadCell(addr)
			value := arr.At(r, c)
			if old.Equal(value) {
				continue
			}
			if _, err := e.applyWrite(addr, value); err != nil {
				return err
			}
			e.recordChange(ChangeEvent{Kind: ChangeCellValue, Vertex: cellVertex, Addr: addr, OldValue: old, NewValue: value})
		}
	}
	e.spillOwnership[vertex] = footprint
	return nil
}

// findSpillBlocker reports the first cell in footprint (excluding the
// anchor itself) that the blocker policy forbids a spill from overwriting:
// a cell owned by another live spill, a formula cell (unless its last
// value was empty and the policy allows that relaxation), or any
// non-empty base-lane cell.
func (e *WorkbookEditor) findSpillBlocker(self coord.VertexID, sheet coord.SheetID, footprint coord.RowColSpan) (string, bool) {
	for row := footprint.RowStart; row < footprint.RowEnd; row++ {
		for col := footprint.ColStart; col < footprint.ColEnd; col++ {
			if row == footprint.RowStart && col == footprint.ColStart {
				continue
			}
			addr := coord.CellAddr{Sheet: sheet, Row: row, Col: col}
			if owner, owned := e.spillOwnerOf(addr); owned {
				if owner != self {
					return fmt.Sprintf("r%dc%d", row, col), true
				}
				continue
			}
			vertex, has := e.addrIndex.VertexOfCell(addr)
			if !has {
				continue
			}
			if _, isFormula := e.formulas[vertex]; isFormula {
				if e.policy.AllowOverwriteEmptyFormulas && e.lastWasEmpty[vertex] {
					continue
				}
				return fmt.Sprintf("r%dc%d", row, col), true
			}
			if !e.store.ReadCell(addr).IsEmpty() {
				return fmt.Sprintf("r%dc%d", row, col), true
			}
		}
	}
	return "", false
}

// spillOwnerOf reports the anchor vertex owning addr through a live spill,
// if any.
func (e *WorkbookEditor) spillOwnerOf(addr coord.CellAddr) (coord.VertexID, bool) {
	for anchor, span := range e.spillOwnership {
		anchorAddr, ok := e.addrIndex.CellOf(anchor)
		if !ok || anchorAddr.Sheet != addr.Sheet {
			continue
		}
		if addr.Row >= span.RowStart && addr.Row < span.RowEnd && addr.Col >= span.ColStart && addr.Col < span.ColEnd {
			return anchor, true
		}
	}
	return 0, false
}

// clearOrphanedSpillCells empties every cell covered by old but not by
// next, for a spill that shrank or was replaced by a scalar result.
func (e *WorkbookEditor) clearOrphanedSpillCells(sheet coord.SheetID, old, next coord.RowColSpan) {
	for row := old.RowStart; row < old.RowEnd; row++ {
		for col := old.ColStart; col < old.ColEnd; col++ {
			if row >= next.RowStart && row < next.RowEnd && col >= next.ColStart && col < next.ColEnd {
				continue
			}
			addr := coord.CellAddr{Sheet: sheet, Row: row, Col: col}
			oldVal := e.store.ReadCell(addr)
			if oldVal.IsEmpty() {
				continue
			}
			vertex := e.addrIndex.EnsureCellVertex(addr)
			if _, err := e.applyWrite(addr, cellvalue.Value{}); err != nil {
				continue
			}
			e.recordChange(ChangeEvent{Kind: ChangeCellValue, Vertex: vertex, Addr: addr, OldValue: oldVal, NewValue: cellvalue.Value{}})
		}
	}
}

// writeSpillError surfaces a blocked or empty-array spill as a #SPILL!
// cell error at the anchor rather than failing the enclosing commit —
// Spill is not a TransactionFatal code, matching how any other formula
// error result is just another cell value.
func (e *WorkbookEditor) writeSpillError(vertex coord.VertexID, anchor coord.CellAddr, extra engineerr.SpillBlocked) error {
	ee := engineerr.New(engineerr.Spill, engineerr.Context{Cell: fmt.Sprintf("r%dc%d", anchor.Row, anchor.Col)}, extra)
	value := cellvalue.Error(ee.CellError())
	old := e.store.ReadCell(anchor)
	if old.Equal(value) {
		return nil
	}
	if _, err := e.applyWrite(anchor, value); err != nil {
		return err
	}
	e.recordChange(ChangeEvent{Kind: ChangeCellValue, Vertex: vertex, Addr: anchor, OldValue: old, NewValue: value})
	return nil
}

// atomic wraps f in a Begin/Commit pair, rolling back on error.
func (e *WorkbookEditor) atomic(f func() error) error {
	e.Begin()
	if err := f(); err != nil {
		e.Rollback()
		return err
	}
	summary, err := e.Commit()
	if err == nil {
		e.lastCommit = summary
	}
	return err
}

// LastCommitSummary returns the CommitSummary produced by the most recent
// top-level commit, for callers (Workbook.afterWrite) that drive writes
// through atomic() and need the telemetry atomic() itself discards.
func (e *WorkbookEditor) LastCommitSummary() CommitSummary { return e.lastCommit }
