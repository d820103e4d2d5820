// Package workbook wires storage, range tracking, dependency indexing,
// the editor, and the scheduler into the single object an embedder
// constructs (SPEC_FULL.md §4, §6 Workbook API). There is no formula
// parser in scope (§6): callers hand in already-parsed ast.Node values,
// the same boundary contract internal/ast documents.
package workbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cellforge/engine/internal/addressindex"
	"github.com/cellforge/engine/internal/ast"
	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/depindex"
	"github.com/cellforge/engine/internal/editor"
	"github.com/cellforge/engine/internal/engine"
	"github.com/cellforge/engine/internal/engineerr"
	"github.com/cellforge/engine/internal/functions"
	"github.com/cellforge/engine/internal/rangetracker"
	"github.com/cellforge/engine/internal/snapshot"
	"github.com/cellforge/engine/internal/storage"
)

// ErrorCode mirrors the teacher's AppErrorCode for application-level (not
// spreadsheet-formula) failures the Workbook API surfaces directly.
type ErrorCode int

const (
	OK ErrorCode = iota
	NotFound
	AlreadyExists
	InvalidArgument
)

// AppError is an application-level error, distinct from a cell's own
// #REF!/#VALUE! formula error.
type AppError struct {
	Code    ErrorCode
	Message string
}

func (e *AppError) Error() string { return e.Message }

func newAppError(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CommitHook is invoked once per successful commit (direct writes and
// recalculation passes alike), giving a notifier its chance to relay the
// resulting summary to subscribers (SPEC_FULL.md §10.2).
type CommitHook func(CommitInfo)

// CommitInfo is what a CommitHook receives.
type CommitInfo struct {
	Summary editor.CommitSummary
	Recalc  *engine.RecalcReport
}

// Workbook is the top-level embeddable object: it owns every plane
// (storage, range tracker, address index, dependency index, editor,
// scheduler) for one logical document and exposes the fluent API an
// embedder drives.
type Workbook struct {
	mu sync.Mutex

	store     *storage.SheetStoreService
	tracker   *rangetracker.Tracker
	addrIndex *addressindex.Index
	deps      *depindex.Index
	functions *functions.Provider
	ed        *editor.WorkbookEditor
	core      *engine.EngineCore

	sheetNames map[string]coord.SheetID
	sheetIDs   map[coord.SheetID]string
	nextSheet  coord.SheetID

	logger   zerolog.Logger
	onCommit CommitHook

	engineCfg   *engine.Config
	spillPolicy *editor.SpillPolicy
}

// Option configures a Workbook at construction.
type Option func(*Workbook)

// WithLogger installs a structured logger shared by the editor and
// scheduler; the default is silent.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Workbook) { w.logger = l }
}

// WithCompactionPolicy overrides the storage layer's chunk compaction
// thresholds.
func WithCompactionPolicy(p storage.CompactionPolicy) Option {
	return func(w *Workbook) { w.store = storage.NewSheetStoreService(p) }
}

// WithEngineConfig overrides the scheduler's parallel-layer threshold
// and determinism mode.
func WithEngineConfig(cfg engine.Config) Option {
	return func(w *Workbook) { w.engineCfg = &cfg }
}

// WithSpillPolicy overrides the editor's spill blocker policy.
func WithSpillPolicy(p editor.SpillPolicy) Option {
	return func(w *Workbook) { w.spillPolicy = &p }
}

// WithCommitHook registers a callback fired after every successful
// commit; typically wired to internal/notifier.
func WithCommitHook(h CommitHook) Option {
	return func(w *Workbook) { w.onCommit = h }
}

// New constructs a Workbook with default storage, tuning, and a disabled
// logger, ready to take sheets, values, and formulas.
func New(opts ...Option) *Workbook {
	w := &Workbook{
		store:      storage.NewSheetStoreService(storage.DefaultCompactionPolicy()),
		addrIndex:  addressindex.New(),
		deps:       depindex.New(),
		functions:  functions.NewDefaultProvider(functions.WallClock{}, functions.DefaultRandomGenerator{}),
		sheetNames: make(map[string]coord.SheetID),
		sheetIDs:   make(map[coord.SheetID]string),
		nextSheet:  1,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.ed = editor.New(w.store, w.addrIndex, w.deps, w.functions)
	w.tracker = rangetracker.New(w.store, w.ed, w.ed)
	w.ed.AttachTracker(w.tracker)
	w.ed.SetLogger(w.logger)
	w.ed.EnableChangeLogging(true)

	if w.spillPolicy != nil {
		w.ed.SetSpillPolicy(*w.spillPolicy)
	}

	cfg := engine.DefaultConfig()
	if w.engineCfg != nil {
		cfg = *w.engineCfg
	}
	interp := engine.NewInterpreter(w.store, w.tracker, w.functions, w.resolveSheetName, nil, nil, cfg.Deterministic)
	w.core = engine.NewEngineCore(w.deps, w.addrIndex, w.ed, interp, cfg)
	w.core.SetLogger(w.logger)

	return w
}

// resolveSheetName is read by the editor/interpreter while w.mu is
// already held by the public method that triggered evaluation; it must
// not itself lock.
func (w *Workbook) resolveSheetName(name string) (coord.SheetID, bool) {
	id, ok := w.sheetNames[name]
	return id, ok
}

// AddSheet registers a new sheet and returns its id.
func (w *Workbook) AddSheet(name string) (coord.SheetID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.sheetNames[name]; exists {
		return 0, newAppError(AlreadyExists, "worksheet %q already exists", name)
	}
	id := w.nextSheet
	w.nextSheet++
	w.sheetNames[name] = id
	w.sheetIDs[id] = name
	w.store.EnsureSheet(id)
	return id, nil
}

// SheetID looks up a previously added sheet's id.
func (w *Workbook) SheetID(name string) (coord.SheetID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.sheetNames[name]
	return id, ok
}

// SetValue writes a plain value to a cell, clearing any formula there.
func (w *Workbook) SetValue(addr coord.CellAddr, value cellvalue.Value) (CommitInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ed.SetValue(addr, value); err != nil {
		return CommitInfo{}, err
	}
	return w.afterWrite()
}

// SetFormula assigns a formula to a cell. The displayed value updates on
// the next implicit Recalculate this call triggers.
func (w *Workbook) SetFormula(addr coord.CellAddr, node ast.Node) (CommitInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ed.SetFormula(addr, node); err != nil {
		return CommitInfo{}, err
	}
	return w.afterWrite()
}

// BulkIngest loads a rectangular block of plain values in one transaction,
// recalculating once afterward rather than after every cell (SPEC_FULL.md
// §10.1's ingest path). values need only carry entries for non-empty
// cells.
func (w *Workbook) BulkIngest(sheet coord.SheetID, rows, cols coord.RowSpan, values map[coord.CellAddr]cellvalue.Value) (CommitInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ed.BulkIngest(sheet, rows, cols, values); err != nil {
		return CommitInfo{}, err
	}
	return w.afterWrite()
}

// ApplyStructuralEdit inserts or deletes count whole rows/cols at index at
// on sheet (SPEC_FULL.md §4.5's InsertRows/DeleteRows/InsertCols/DeleteCols),
// shifting stored cells, rebasing formula references, and recalculating
// once afterward.
func (w *Workbook) ApplyStructuralEdit(sheet coord.SheetID, kind editor.StructuralEditKind, at, count uint32) (CommitInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ed.ApplyStructuralEdit(sheet, kind, at, count); err != nil {
		return CommitInfo{}, err
	}
	return w.afterWrite()
}

// Value reads a cell's current (possibly stale-until-recalculated)
// value.
func (w *Workbook) Value(addr coord.CellAddr) cellvalue.Value {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.ReadCell(addr)
}

// DefineName binds a workbook-global name to a range.
func (w *Workbook) DefineName(name string, desc coord.RangeDescriptor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ed.DefineName(name, desc)
}

// Recalculate drains the dirty frontier, evaluating and committing every
// affected formula. It is called automatically after SetValue/SetFormula
// but is also exposed directly for callers batching writes via
// NestedTransaction before recalculating once.
func (w *Workbook) Recalculate(ctx context.Context) (engine.RecalcReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.core.Recalculate(ctx)
}

// Undo reverts the most recently committed transaction and recalculates;
// it reports false if there is nothing left to undo.
func (w *Workbook) Undo(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.ed.Undo() {
		return false, nil
	}
	_, err := w.core.Recalculate(ctx)
	return true, err
}

// Redo re-applies the transaction most recently undone and recalculates;
// it reports false if there is nothing to redo.
func (w *Workbook) Redo(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.ed.Redo() {
		return false, nil
	}
	_, err := w.core.Recalculate(ctx)
	return true, err
}

// Snapshot captures every populated cell across every sheet for
// persistence (SPEC_FULL.md §10.4); formulas are not part of the capture,
// only their last-evaluated values.
func (w *Workbook) Snapshot() snapshot.WorkbookSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	ws := snapshot.WorkbookSnapshot{SavedAt: time.Now()}
	for id, name := range w.sheetIDs {
		ss := snapshot.SheetSnapshot{Sheet: id, Name: name}
		for _, col := range w.store.PopulatedColumns(id) {
			stats := w.store.ColumnStats(id, col)
			for _, span := range stats.Spans {
				for row := span.Start; row < span.End; row++ {
					addr := coord.CellAddr{Sheet: id, Row: row, Col: col}
					v := w.store.ReadCell(addr)
					if v.IsEmpty() {
						continue
					}
					ss.Cells = append(ss.Cells, snapshot.CellRecord{Row: row, Col: col, Value: v})
				}
			}
		}
		ws.Sheets = append(ws.Sheets, ss)
	}
	return ws
}

// Restore replays a captured snapshot back into the workbook, creating any
// sheet named in it that does not already exist, then writing every cell
// through the normal SetValue path so dependents recalculate.
func (w *Workbook) Restore(ctx context.Context, snap snapshot.WorkbookSnapshot) error {
	w.mu.Lock()
	for _, ss := range snap.Sheets {
		if _, exists := w.sheetNames[ss.Name]; !exists {
			w.sheetNames[ss.Name] = ss.Sheet
			w.sheetIDs[ss.Sheet] = ss.Name
			if ss.Sheet >= w.nextSheet {
				w.nextSheet = ss.Sheet + 1
			}
			w.store.EnsureSheet(ss.Sheet)
		}
	}
	w.mu.Unlock()

	for _, ss := range snap.Sheets {
		for _, c := range ss.Cells {
			if err := ctx.Err(); err != nil {
				return err
			}
			addr := coord.CellAddr{Sheet: ss.Sheet, Row: c.Row, Col: c.Col}
			if _, err := w.SetValue(addr, c.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterFunction adds (or, with override, replaces) a custom function
// visible to every formula in this workbook.
func (w *Workbook) RegisterFunction(name string, fn functions.Callable, caps functions.Capability) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.functions.Register(name, fn, caps)
}

func (w *Workbook) afterWrite() (CommitInfo, error) {
	report, err := w.core.Recalculate(context.Background())
	if err != nil {
		return CommitInfo{}, engineerr.Newf(engineerr.TransactionFailed, engineerr.Context{}, "recalculation failed: %v", err)
	}
	info := CommitInfo{Summary: w.ed.LastCommitSummary(), Recalc: &report}
	if w.onCommit != nil {
		w.onCommit(info)
	}
	return info, nil
}
