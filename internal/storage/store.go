// Package storage implements SheetStoreService: the columnar value store
// with per-column overlay layers and incremental usage statistics
// (SPEC_FULL.md §4.1). It is the sole authoritative holder of cell values;
// every write emits UsageDelta records for the dependency plane to
// consume, and never silently drops data under memory pressure.
package storage

import (
	"sort"

	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
)

// CompactionPolicy controls when an overlay is folded back into base lanes.
type CompactionPolicy struct {
	// AbsoluteThreshold triggers compaction once a chunk's overlay holds at
	// least this many entries.
	AbsoluteThreshold int
	// FracNum/FracDen triggers compaction once overlayCount*FracDen >=
	// chunkRows*FracNum (default 2%, i.e. FracNum=1, FracDen=50).
	FracNum, FracDen int
	// MaxOverlayEntriesHardCap bounds the overlay size a single write may
	// leave behind even immediately after an opportunistic compaction; 0
	// means unbounded. Exceeding it after compaction yields
	// MemoryLimitExceeded rather than silently growing unmirrored.
	MaxOverlayEntriesHardCap int
}

// DefaultCompactionPolicy matches the distilled spec's stated defaults.
func DefaultCompactionPolicy() CompactionPolicy {
	return CompactionPolicy{AbsoluteThreshold: 1024, FracNum: 1, FracDen: 50}
}

// StoreError is SheetStoreService's closed error surface: invalid
// coordinates and missing sheets are reported as spreadsheet-surface /
// engine-internal kinds via cellvalue.ErrorKind so callers can fold them
// into the same EngineError catalog as formula errors.
type StoreError struct {
	Kind    cellvalue.ErrorKind
	Message string
}

func (e *StoreError) Error() string { return e.Message }

func errRef(msg string) error             { return &StoreError{Kind: cellvalue.ErrRef, Message: msg} }
func errMemoryLimit(msg string) error {
	return &StoreError{Kind: cellvalue.ErrMemoryLimitExceeded, Message: msg}
}

type columnData struct {
	chunks map[uint32]*chunk
}

func newColumnData() *columnData { return &columnData{chunks: make(map[uint32]*chunk)} }

func (cd *columnData) chunkAt(idx uint32, create bool) *chunk {
	ch, ok := cd.chunks[idx]
	if !ok {
		if !create {
			return nil
		}
		ch = newChunk()
		cd.chunks[idx] = ch
	}
	return ch
}

type sheetData struct {
	columns  map[uint32]*columnData
	colStats map[uint32]*AxisStats
	rowStats map[uint32]*AxisStats
	strings  *stringTable
}

func newSheetData() *sheetData {
	return &sheetData{
		columns:  make(map[uint32]*columnData),
		colStats: make(map[uint32]*AxisStats),
		rowStats: make(map[uint32]*AxisStats),
		strings:  newStringTable(),
	}
}

// EditHandle brackets a batch of writes, accumulating lightweight
// telemetry the caller (WorkbookEditor) attaches to its CommitSummary.
type EditHandle struct {
	CellsWritten int
	active       bool
}

// EditSummary is returned by FinishEdit.
type EditSummary struct {
	CellsWritten int
}

// SheetStoreService owns the columnar store for every sheet in a workbook.
type SheetStoreService struct {
	sheets map[coord.SheetID]*sheetData
	policy CompactionPolicy
}

// NewSheetStoreService constructs an empty store under the given
// compaction policy.
func NewSheetStoreService(policy CompactionPolicy) *SheetStoreService {
	return &SheetStoreService{sheets: make(map[coord.SheetID]*sheetData), policy: policy}
}

func (s *SheetStoreService) sheet(id coord.SheetID, create bool) (*sheetData, error) {
	sd, ok := s.sheets[id]
	if !ok {
		if !create {
			return nil, &StoreError{Kind: cellvalue.ErrRef, Message: "sheet not found"}
		}
		sd = newSheetData()
		s.sheets[id] = sd
	}
	return sd, nil
}

// EnsureSheet registers sheet id if not already present; idempotent.
func (s *SheetStoreService) EnsureSheet(id coord.SheetID) {
	_, _ = s.sheet(id, true)
}

// RemoveSheet drops all data for a sheet.
func (s *SheetStoreService) RemoveSheet(id coord.SheetID) {
	delete(s.sheets, id)
}

// BeginEdit opens a new edit handle for telemetry accumulation.
func (s *SheetStoreService) BeginEdit() *EditHandle { return &EditHandle{active: true} }

// FinishEdit closes the handle and returns its accumulated telemetry.
func (s *SheetStoreService) FinishEdit(h *EditHandle) EditSummary {
	h.active = false
	return EditSummary{CellsWritten: h.CellsWritten}
}

// ReadCell reads the current value at (sheet,row,col); empty if unset.
func (s *SheetStoreService) ReadCell(addr coord.CellAddr) cellvalue.Value {
	sd, err := s.sheet(addr.Sheet, false)
	if err != nil {
		return cellvalue.Empty
	}
	cd, ok := sd.columns[addr.Col]
	if !ok {
		return cellvalue.Empty
	}
	chunkIdx := addr.Row / chunkRows
	ch := cd.chunkAt(chunkIdx, false)
	if ch == nil {
		return cellvalue.Empty
	}
	return ch.readLocal(addr.Row%chunkRows, sd.strings)
}

// WriteCell stages a write to (sheet,row,col), updating column/row usage
// stats incrementally and returning at most one ColumnUsageDelta and one
// RowUsageDelta (plus an optional Compacted delta if this write crossed
// the compaction threshold).
func (s *SheetStoreService) WriteCell(h *EditHandle, addr coord.CellAddr, v cellvalue.Value) ([]UsageDelta, error) {
	sd, err := s.sheet(addr.Sheet, true)
	if err != nil {
		return nil, err
	}
	cd, ok := sd.columns[addr.Col]
	if !ok {
		cd = newColumnData()
		sd.columns[addr.Col] = cd
	}
	chunkIdx := addr.Row / chunkRows
	ch := cd.chunkAt(chunkIdx, true)
	localIdx := addr.Row % chunkRows

	wasEmpty, nowEmpty := ch.writeLocal(localIdx, v)
	if h != nil {
		h.CellsWritten++
	}

	var deltas []UsageDelta
	if wasEmpty != nowEmpty {
		colStats := sd.colStatsFor(addr.Col)
		rowStats := sd.rowStatsFor(addr.Row)
		if nowEmpty {
			kind, span, structural := colStats.remove(addr.Row)
			if structural {
				deltas = append(deltas, UsageDelta{Axis: AxisColumn, Sheet: addr.Sheet, Index: addr.Col, Kind: kind, Span: span, Version: colStats.StatsVersion})
			}
			kind, span, structural = rowStats.remove(addr.Col)
			if structural {
				deltas = append(deltas, UsageDelta{Axis: AxisRow, Sheet: addr.Sheet, Index: addr.Row, Kind: kind, Span: span, Version: rowStats.StatsVersion})
			}
		} else {
			kind, span, structural := colStats.insert(addr.Row)
			if structural {
				deltas = append(deltas, UsageDelta{Axis: AxisColumn, Sheet: addr.Sheet, Index: addr.Col, Kind: kind, Span: span, Version: colStats.StatsVersion})
			}
			kind, span, structural = rowStats.insert(addr.Col)
			if structural {
				deltas = append(deltas, UsageDelta{Axis: AxisRow, Sheet: addr.Sheet, Index: addr.Row, Kind: kind, Span: span, Version: rowStats.StatsVersion})
			}
		}
	}

	if s.shouldCompactChunk(ch) {
		ch.compact(sd.strings)
		deltas = append(deltas, UsageDelta{Axis: AxisColumn, Sheet: addr.Sheet, Index: addr.Col, Kind: DeltaCompacted})
	} else if s.policy.MaxOverlayEntriesHardCap > 0 && ch.overlayCount() > s.policy.MaxOverlayEntriesHardCap {
		return deltas, errMemoryLimit("overlay cap exceeded and compaction would not relieve it")
	}

	return deltas, nil
}

// CellWrite is one entry of a batch write.
type CellWrite struct {
	Addr  coord.CellAddr
	Value cellvalue.Value
}

// WriteCellBatch sorts writes by (sheet, axis, index) and applies them,
// coalescing to at most one delta per (axis,index) in the batch (the last
// structural change for that axis index wins, matching single-threaded
// apply semantics).
func (s *SheetStoreService) WriteCellBatch(h *EditHandle, writes []CellWrite) ([]UsageDelta, error) {
	sorted := append([]CellWrite(nil), writes...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Addr, sorted[j].Addr
		if a.Sheet != b.Sheet {
			return a.Sheet < b.Sheet
		}
		if a.Col != b.Col {
			return a.Col < b.Col
		}
		return a.Row < b.Row
	})

	type key struct {
		axis  Axis
		sheet coord.SheetID
		index uint32
	}
	coalesced := make(map[key]UsageDelta)
	order := make([]key, 0, len(sorted)*2)

	for _, w := range sorted {
		deltas, err := s.WriteCell(h, w.Addr, w.Value)
		if err != nil {
			return nil, err
		}
		for _, d := range deltas {
			k := key{d.Axis, d.Sheet, d.Index}
			if _, seen := coalesced[k]; !seen {
				order = append(order, k)
			}
			coalesced[k] = d
		}
	}

	out := make([]UsageDelta, 0, len(order))
	for _, k := range order {
		out = append(out, coalesced[k])
	}
	return out, nil
}

func (sd *sheetData) colStatsFor(col uint32) *AxisStats {
	st, ok := sd.colStats[col]
	if !ok {
		st = &AxisStats{}
		sd.colStats[col] = st
	}
	return st
}

func (sd *sheetData) rowStatsFor(row uint32) *AxisStats {
	st, ok := sd.rowStats[row]
	if !ok {
		st = &AxisStats{}
		sd.rowStats[row] = st
	}
	return st
}

// ColumnStats returns a point-in-time snapshot of a column's usage stats.
func (s *SheetStoreService) ColumnStats(sheet coord.SheetID, col uint32) AxisStats {
	sd, err := s.sheet(sheet, false)
	if err != nil {
		return AxisStats{}
	}
	st, ok := sd.colStats[col]
	if !ok {
		return AxisStats{}
	}
	return st.snapshot()
}

// RowStats returns a point-in-time snapshot of a row's usage stats.
func (s *SheetStoreService) RowStats(sheet coord.SheetID, row uint32) AxisStats {
	sd, err := s.sheet(sheet, false)
	if err != nil {
		return AxisStats{}
	}
	st, ok := sd.rowStats[row]
	if !ok {
		return AxisStats{}
	}
	return st.snapshot()
}

// PopulatedColumns returns the sorted column indices that have ever held a
// non-empty cell in the given sheet (used to resolve WholeSheet ranges).
func (s *SheetStoreService) PopulatedColumns(sheet coord.SheetID) []uint32 {
	sd, err := s.sheet(sheet, false)
	if err != nil {
		return nil
	}
	cols := make([]uint32, 0, len(sd.colStats))
	for col, st := range sd.colStats {
		if st.NonEmptyCount > 0 {
			cols = append(cols, col)
		}
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i] < cols[j] })
	return cols
}

// CellMove is one occupied cell relocated by PlanRowShift/PlanColShift. It
// is a plan, not a mutation: the caller applies it (typically through the
// editor's own write pipeline, so the move is logged and the range tracker
// sees the resulting usage deltas).
type CellMove struct {
	From, To coord.CellAddr
	Value    cellvalue.Value
}

// PlanRowShift enumerates every occupied cell at row >= fromRow paired with
// its destination address after shifting by delta rows, mirroring
// addressindex.Index.ShiftRows's contract: a positive delta opens a gap
// (row insert), a negative delta closes one (row delete — the vacated band
// itself is the caller's responsibility to clear). A cell landing below
// row 0 is omitted from the plan, meaning the caller's own clear-then-write
// sequence deletes it rather than relocating it. This only reads current
// state; it never mutates, so callers are free to replay a plan through
// whatever write path they need.
func (s *SheetStoreService) PlanRowShift(sheet coord.SheetID, fromRow uint32, delta int) []CellMove {
	if delta == 0 {
		return nil
	}
	var moves []CellMove
	for _, col := range s.PopulatedColumns(sheet) {
		stats := s.ColumnStats(sheet, col)
		for _, sp := range stats.Spans {
			start := sp.Start
			if start < fromRow {
				start = fromRow
			}
			for row := start; row < sp.End; row++ {
				addr := coord.CellAddr{Sheet: sheet, Row: row, Col: col}
				v := s.ReadCell(addr)
				if v.IsEmpty() {
					continue
				}
				moved := int64(row) + int64(delta)
				if moved < 0 {
					continue
				}
				moves = append(moves, CellMove{From: addr, To: coord.CellAddr{Sheet: sheet, Row: uint32(moved), Col: col}, Value: v})
			}
		}
	}
	return moves
}

// PlanColShift is PlanRowShift's column-axis mirror.
func (s *SheetStoreService) PlanColShift(sheet coord.SheetID, fromCol uint32, delta int) []CellMove {
	if delta == 0 {
		return nil
	}
	var moves []CellMove
	for _, col := range s.PopulatedColumns(sheet) {
		if col < fromCol {
			continue
		}
		stats := s.ColumnStats(sheet, col)
		for _, sp := range stats.Spans {
			for row := sp.Start; row < sp.End; row++ {
				addr := coord.CellAddr{Sheet: sheet, Row: row, Col: col}
				v := s.ReadCell(addr)
				if v.IsEmpty() {
					continue
				}
				moved := int64(col) + int64(delta)
				if moved < 0 {
					continue
				}
				moves = append(moves, CellMove{From: addr, To: coord.CellAddr{Sheet: sheet, Row: row, Col: uint32(moved)}, Value: v})
			}
		}
	}
	return moves
}

func (s *SheetStoreService) shouldCompactChunk(ch *chunk) bool {
	n := ch.overlayCount()
	if n == 0 {
		return false
	}
	if s.policy.AbsoluteThreshold > 0 && n >= s.policy.AbsoluteThreshold {
		return true
	}
	if s.policy.FracDen > 0 && n*s.policy.FracDen >= chunkRows*s.policy.FracNum {
		return true
	}
	return false
}

// ShouldCompact reports whether the chunk holding (sheet,col,row) is due
// for compaction under the configured policy, without compacting it.
func (s *SheetStoreService) ShouldCompact(sheet coord.SheetID, col, row uint32) bool {
	sd, err := s.sheet(sheet, false)
	if err != nil {
		return false
	}
	cd, ok := sd.columns[col]
	if !ok {
		return false
	}
	ch := cd.chunkAt(row/chunkRows, false)
	if ch == nil {
		return false
	}
	return s.shouldCompactChunk(ch)
}

// CompactColumn folds every chunk's overlay in a column into base lanes.
func (s *SheetStoreService) CompactColumn(sheet coord.SheetID, col uint32) UsageDelta {
	sd, err := s.sheet(sheet, false)
	if err != nil {
		return UsageDelta{}
	}
	cd, ok := sd.columns[col]
	if !ok {
		return UsageDelta{}
	}
	for _, ch := range cd.chunks {
		ch.compact(sd.strings)
	}
	return UsageDelta{Axis: AxisColumn, Sheet: sheet, Index: col, Kind: DeltaCompacted}
}

// RangeView is the materialized result of a span read: a dense row-major
// slice of values for the requested rectangle. It is the sole read-by-span
// API; there is no "default to sheet bounds" fallback — callers must
// supply spans already resolved by the range tracker.
type RangeView struct {
	Span   coord.RowColSpan
	Values []cellvalue.Value // row-major, len == (RowEnd-RowStart)*(ColEnd-ColStart)
}

// At returns the value at absolute (row, col), which must fall within Span.
func (rv RangeView) At(row, col uint32) cellvalue.Value {
	w := rv.Span.ColEnd - rv.Span.ColStart
	localRow := row - rv.Span.RowStart
	localCol := col - rv.Span.ColStart
	return rv.Values[localRow*w+localCol]
}

// ArrowViewFromResolved materializes a dense view over an already-resolved
// span set for one sheet. Discontiguous span sets are read span-by-span
// into one dense rectangle sized to their overall bounding box; cells
// outside any individual span read as empty.
func (s *SheetStoreService) ArrowViewFromResolved(sheet coord.SheetID, spans []coord.RowColSpan) RangeView {
	if len(spans) == 0 {
		return RangeView{}
	}
	bbox := spans[0]
	for _, sp := range spans[1:] {
		if sp.RowStart < bbox.RowStart {
			bbox.RowStart = sp.RowStart
		}
		if sp.RowEnd > bbox.RowEnd {
			bbox.RowEnd = sp.RowEnd
		}
		if sp.ColStart < bbox.ColStart {
			bbox.ColStart = sp.ColStart
		}
		if sp.ColEnd > bbox.ColEnd {
			bbox.ColEnd = sp.ColEnd
		}
	}
	h := bbox.RowEnd - bbox.RowStart
	w := bbox.ColEnd - bbox.ColStart
	values := make([]cellvalue.Value, h*w)

	sd, err := s.sheet(sheet, false)
	if err != nil {
		return RangeView{Span: bbox, Values: values}
	}

	for _, sp := range spans {
		for col := sp.ColStart; col < sp.ColEnd; col++ {
			cd, ok := sd.columns[col]
			if !ok {
				continue
			}
			for row := sp.RowStart; row < sp.RowEnd; row++ {
				ch := cd.chunkAt(row/chunkRows, false)
				if ch == nil {
					continue
				}
				v := ch.readLocal(row%chunkRows, sd.strings)
				if v.IsEmpty() {
					continue
				}
				localRow := row - bbox.RowStart
				localCol := col - bbox.ColStart
				values[localRow*w+localCol] = v
			}
		}
	}
	return RangeView{Span: bbox, Values: values}
}

// RecomputeColumnStatsDebug performs a full scan of a column to verify
// parity with incremental maintenance (P5); test-only, intentionally slow.
func (s *SheetStoreService) RecomputeColumnStatsDebug(sheet coord.SheetID, col uint32, maxRow uint32) AxisStats {
	sd, err := s.sheet(sheet, false)
	if err != nil {
		return AxisStats{}
	}
	cd, ok := sd.columns[col]
	if !ok {
		return AxisStats{}
	}
	occupied := make([]bool, maxRow)
	for row := uint32(0); row < maxRow; row++ {
		ch := cd.chunkAt(row/chunkRows, false)
		if ch == nil {
			continue
		}
		occupied[row] = !ch.isEmptyLocal(row % chunkRows)
	}
	return recomputeDebug(occupied)
}
