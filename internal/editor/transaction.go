package editor

import (
	"github.com/cellforge/engine/internal/ast"
	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/rangetracker"
)

// ChangeKind discriminates one entry of the change log.
type ChangeKind uint8

const (
	ChangeCellValue ChangeKind = iota
	ChangeCellFormula
	ChangeRangeSubscribe
	ChangeRangeUnsubscribe
	ChangeDependencyAdd
	ChangeDependencyRemove
	ChangeVertexCreate
	ChangeVertexDelete
)

// ChangeEvent is one entry of the append-only, inverse-replayable change
// log (SPEC_FULL.md §4.5). Rollback walks entries in reverse and applies
// the inverse implied by Kind.
type ChangeEvent struct {
	Kind   ChangeKind
	Vertex coord.VertexID
	Addr   coord.CellAddr

	OldValue, NewValue cellvalue.Value
	OldAST, NewAST     ast.Node

	Handle rangetracker.HandleID

	Input, Dependent coord.VertexID
}

// CommitSummary reports the telemetry a commit produced, matching the
// shape an evaluator or caller needs to judge whether a recalc is due.
type CommitSummary struct {
	CellsWritten       int
	DeltasProcessed    int
	RangeEventsEmitted int
	CSREdgesAdded      int
	CSREdgesRemoved    int
	TopoUpdates        int
	AffectedVertices   int
}

// Begin opens a new savepoint. The outermost Begin also opens the
// storage layer's edit handle and resets this transaction's telemetry
// counters; a nested Begin only pushes a savepoint marker.
func (e *WorkbookEditor) Begin() {
	if len(e.savepoints) == 0 {
		e.handle = e.store.BeginEdit()
		e.txDeltas, e.txEvents, e.txEdgesAdded, e.txEdgesRemoved, e.txTopoUpdates = 0, 0, 0, 0, 0
		e.txVertices = make(map[coord.VertexID]struct{})
	}
	e.savepoints = append(e.savepoints, len(e.changeLog))
}

// Commit closes the innermost savepoint. Only the outermost Commit
// finalizes the storage edit handle and returns a populated
// CommitSummary; nested commits return a zero-value summary since their
// telemetry is still accumulating into the enclosing transaction.
func (e *WorkbookEditor) Commit() (CommitSummary, error) {
	if len(e.savepoints) == 0 {
		return CommitSummary{}, nil
	}
	e.savepoints = e.savepoints[:len(e.savepoints)-1]
	if len(e.savepoints) > 0 {
		return CommitSummary{}, nil
	}

	summary := e.store.FinishEdit(e.handle)
	e.handle = nil

	if e.loggingEnabled {
		e.history = e.history[:e.historyCursor]
		e.history = append(e.history, len(e.changeLog))
		e.historyCursor = len(e.history)

		e.logger.Info().
			Int("cells_written", summary.CellsWritten).
			Int("deltas_processed", e.txDeltas).
			Int("range_events_emitted", e.txEvents).
			Int("csr_edges_added", e.txEdgesAdded).
			Int("csr_edges_removed", e.txEdgesRemoved).
			Int("affected_vertices", len(e.txVertices)).
			Msg("workbook edit committed")
	}
	return CommitSummary{
		CellsWritten:       summary.CellsWritten,
		DeltasProcessed:    e.txDeltas,
		RangeEventsEmitted: e.txEvents,
		CSREdgesAdded:      e.txEdgesAdded,
		CSREdgesRemoved:    e.txEdgesRemoved,
		TopoUpdates:        e.txTopoUpdates,
		AffectedVertices:   len(e.txVertices),
	}, nil
}

// Rollback undoes every change recorded since the innermost savepoint by
// replaying the change log in reverse, then truncates the log to that
// point. A rollback of the outermost transaction also discards the
// storage edit handle without finalizing it.
func (e *WorkbookEditor) Rollback() {
	if len(e.savepoints) == 0 {
		return
	}
	mark := e.savepoints[len(e.savepoints)-1]
	e.savepoints = e.savepoints[:len(e.savepoints)-1]

	for i := len(e.changeLog) - 1; i >= mark; i-- {
		e.undo(e.changeLog[i])
	}
	e.changeLog = e.changeLog[:mark]

	if len(e.savepoints) == 0 {
		e.handle = nil
	}
}

// Undo reverts the most recently applied committed transaction, moving
// the history cursor back by one. It is a no-op if there is nothing left
// to undo. Unlike Rollback, Undo operates on already-committed history
// and does not consume a savepoint.
func (e *WorkbookEditor) Undo() bool {
	if e.historyCursor == 0 {
		return false
	}
	start := 0
	if e.historyCursor >= 2 {
		start = e.history[e.historyCursor-2]
	}
	end := e.history[e.historyCursor-1]
	for i := end - 1; i >= start; i-- {
		e.undo(e.changeLog[i])
	}
	e.historyCursor--
	return true
}

// Redo re-applies the transaction most recently undone, moving the
// history cursor forward by one. It is a no-op if the cursor is already
// at the head of history (including after any new commit, which
// discards the redo branch).
func (e *WorkbookEditor) Redo() bool {
	if e.historyCursor >= len(e.history) {
		return false
	}
	start := 0
	if e.historyCursor >= 1 {
		start = e.history[e.historyCursor-1]
	}
	end := e.history[e.historyCursor]
	for i := start; i < end; i++ {
		e.redo(e.changeLog[i])
	}
	e.historyCursor++
	return true
}

// NestedTransaction runs f inside its own savepoint, rolling back only
// f's changes on error and leaving any enclosing transaction open.
func (e *WorkbookEditor) NestedTransaction(f func() error) error {
	return e.atomic(f)
}

// recordChange appends to the change log unless change logging has been
// disabled, in which case the edit becomes unwindable only up to the
// point it was turned back on.
func (e *WorkbookEditor) recordChange(ev ChangeEvent) {
	if !e.loggingEnabled {
		return
	}
	e.changeLog = append(e.changeLog, ev)
}

// undo applies the inverse of a single change-log entry. A range-subscribe
// entry is undone by unregistering its handle and dropping the edges it
// contributed, and a dependency-add entry by removing that edge.
// Range-unsubscribe and dependency-remove entries are left to the
// enclosing formula or value entry, and vertex entries are audit-only.
func (e *WorkbookEditor) undo(ev ChangeEvent) {
	switch ev.Kind {
	case ChangeCellValue:
		_, _ = e.applyWrite(ev.Addr, ev.OldValue)
		if ev.OldAST == nil {
			e.clearFormula(ev.Vertex)
		}
	case ChangeCellFormula:
		if ev.OldAST != nil {
			e.rebindFormula(ev.Vertex, ev.Addr.Sheet, ev.OldAST)
		} else {
			e.clearFormula(ev.Vertex)
		}
	case ChangeRangeSubscribe:
		e.tracker.Unregister(ev.Handle, ev.Vertex)
		e.deps.RemoveRangeBinding(ev.Handle, ev.Vertex)
	case ChangeRangeUnsubscribe:
		// The original descriptor is no longer available in isolation;
		// the enclosing SetFormula/clearFormula call that produced this
		// entry already re-bound or tore down the formula's live state,
		// so there is nothing further to replay here.
	case ChangeDependencyAdd:
		e.deps.RemoveEdge(ev.Input, ev.Dependent)
	case ChangeDependencyRemove:
		// Direct dependency edges are fully recomputed by rebindFormula
		// whenever a formula is (re)assigned, which is the only path that
		// changes them; nothing to replay in isolation.
	case ChangeVertexCreate, ChangeVertexDelete:
		// Vertex allocation is permanent (AddressIndex never reuses ids);
		// these entries exist for audit trails, not for replay.
	}
}

// redo re-applies the forward direction of a single change-log entry,
// the counterpart to undo used by Redo.
func (e *WorkbookEditor) redo(ev ChangeEvent) {
	switch ev.Kind {
	case ChangeCellValue:
		_, _ = e.applyWrite(ev.Addr, ev.NewValue)
		if ev.NewAST == nil {
			e.clearFormula(ev.Vertex)
		}
	case ChangeCellFormula:
		if ev.NewAST != nil {
			e.rebindFormula(ev.Vertex, ev.Addr.Sheet, ev.NewAST)
		} else {
			e.clearFormula(ev.Vertex)
		}
	case ChangeRangeSubscribe, ChangeRangeUnsubscribe, ChangeDependencyAdd, ChangeDependencyRemove,
		ChangeVertexCreate, ChangeVertexDelete:
		// Re-derived by the ChangeCellFormula entry in the same
		// transaction; nothing to replay in isolation.
	}
}
