// Package addressindex translates (sheet, row, col) coordinates to the
// dense VertexID space the dependency graph operates on (SPEC_FULL.md
// §4.3). Vertices are allocated once and never reused.
package addressindex

import (
	"sort"

	"github.com/cellforge/engine/internal/coord"
)

// Index is AddressIndex: per-sheet sparse column->row->VertexID maps plus a
// reverse map for structural edits and debugging.
type Index struct {
	// cells[sheet][col][row] = vertex
	cells   map[coord.SheetID]map[uint32]map[uint32]coord.VertexID
	reverse map[coord.VertexID]coord.CellAddr
	next    coord.VertexID
}

// New constructs an empty AddressIndex. Vertex 0 is reserved as "no vertex".
func New() *Index {
	return &Index{
		cells:   make(map[coord.SheetID]map[uint32]map[uint32]coord.VertexID),
		reverse: make(map[coord.VertexID]coord.CellAddr),
		next:    1,
	}
}

func (ix *Index) column(addr coord.CellAddr, create bool) map[uint32]coord.VertexID {
	sheetCols, ok := ix.cells[addr.Sheet]
	if !ok {
		if !create {
			return nil
		}
		sheetCols = make(map[uint32]map[uint32]coord.VertexID)
		ix.cells[addr.Sheet] = sheetCols
	}
	col, ok := sheetCols[addr.Col]
	if !ok {
		if !create {
			return nil
		}
		col = make(map[uint32]coord.VertexID)
		sheetCols[addr.Col] = col
	}
	return col
}

// VertexOfCell is a read-only lookup; it never allocates.
func (ix *Index) VertexOfCell(addr coord.CellAddr) (coord.VertexID, bool) {
	col := ix.column(addr, false)
	if col == nil {
		return 0, false
	}
	v, ok := col[addr.Row]
	return v, ok
}

// EnsureCellVertex returns the vertex for addr, allocating one if missing.
func (ix *Index) EnsureCellVertex(addr coord.CellAddr) coord.VertexID {
	col := ix.column(addr, true)
	if v, ok := col[addr.Row]; ok {
		return v
	}
	v := ix.next
	ix.next++
	col[addr.Row] = v
	ix.reverse[v] = addr
	return v
}

// EnsureVerticesForSpan backfills any missing vertices in a rectangle and
// returns every vertex now covering it, sorted by (row, col).
func (ix *Index) EnsureVerticesForSpan(sheet coord.SheetID, span coord.RowColSpan) []coord.VertexID {
	out := make([]coord.VertexID, 0, int(span.RowEnd-span.RowStart)*int(span.ColEnd-span.ColStart))
	for row := span.RowStart; row < span.RowEnd; row++ {
		for col := span.ColStart; col < span.ColEnd; col++ {
			out = append(out, ix.EnsureCellVertex(coord.CellAddr{Sheet: sheet, Row: row, Col: col}))
		}
	}
	return out
}

// AllocateContiguousBlock bulk-allocates vertices for a rectangular region
// in one pass, used by ingest to avoid N individual map insertions settling
// into a scattered layout.
func (ix *Index) AllocateContiguousBlock(sheet coord.SheetID, rows, cols coord.RowSpan) []coord.VertexID {
	out := make([]coord.VertexID, 0, int(rows.Len())*int(cols.Len()))
	for row := rows.Start; row < rows.End; row++ {
		for col := cols.Start; col < cols.End; col++ {
			out = append(out, ix.EnsureCellVertex(coord.CellAddr{Sheet: sheet, Row: row, Col: col}))
		}
	}
	return out
}

// VerticesInSpanIter streams existing vertices covering span without
// allocating an intermediate slice, invoking yield for each. It does not
// allocate missing vertices; callers needing that must call
// EnsureVerticesForSpan explicitly.
func (ix *Index) VerticesInSpanIter(sheet coord.SheetID, span coord.RowColSpan, yield func(coord.CellAddr, coord.VertexID) bool) {
	sheetCols, ok := ix.cells[sheet]
	if !ok {
		return
	}
	cols := make([]uint32, 0, len(sheetCols))
	for col := range sheetCols {
		if col >= span.ColStart && col < span.ColEnd {
			cols = append(cols, col)
		}
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i] < cols[j] })

	for _, col := range cols {
		rows := sheetCols[col]
		matched := make([]uint32, 0, len(rows))
		for row := range rows {
			if row >= span.RowStart && row < span.RowEnd {
				matched = append(matched, row)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
		for _, row := range matched {
			if !yield(coord.CellAddr{Sheet: sheet, Row: row, Col: col}, rows[row]) {
				return
			}
		}
	}
}

// RemoveVertex drops a vertex from both the forward and reverse maps.
func (ix *Index) RemoveVertex(addr coord.CellAddr) {
	col := ix.column(addr, false)
	if col == nil {
		return
	}
	if v, ok := col[addr.Row]; ok {
		delete(ix.reverse, v)
		delete(col, addr.Row)
	}
}

// ShiftRows moves every vertex at or after fromRow by delta rows (delta may
// be negative for a delete). Vertices landing below row 0 are dropped
// (their cell ceased to exist); callers deleting rows are responsible for
// having already recorded those vertices for change-log purposes.
func (ix *Index) ShiftRows(sheet coord.SheetID, fromRow uint32, delta int) {
	sheetCols, ok := ix.cells[sheet]
	if !ok {
		return
	}
	for col, rows := range sheetCols {
		shifted := make(map[uint32]coord.VertexID, len(rows))
		for row, v := range rows {
			nr := row
			if row >= fromRow {
				moved := int64(row) + int64(delta)
				if moved < 0 {
					delete(ix.reverse, v)
					continue
				}
				nr = uint32(moved)
			}
			shifted[nr] = v
			ix.reverse[v] = coord.CellAddr{Sheet: sheet, Row: nr, Col: col}
		}
		sheetCols[col] = shifted
	}
}

// ShiftCols moves every vertex at or after fromCol by delta columns,
// symmetric to ShiftRows.
func (ix *Index) ShiftCols(sheet coord.SheetID, fromCol uint32, delta int) {
	sheetCols, ok := ix.cells[sheet]
	if !ok {
		return
	}
	shiftedCols := make(map[uint32]map[uint32]coord.VertexID, len(sheetCols))
	for col, rows := range sheetCols {
		nc := col
		if col >= fromCol {
			moved := int64(col) + int64(delta)
			if moved < 0 {
				for _, v := range rows {
					delete(ix.reverse, v)
				}
				continue
			}
			nc = uint32(moved)
		}
		for row, v := range rows {
			ix.reverse[v] = coord.CellAddr{Sheet: sheet, Row: row, Col: nc}
		}
		if existing, ok := shiftedCols[nc]; ok {
			for row, v := range rows {
				existing[row] = v
			}
		} else {
			shiftedCols[nc] = rows
		}
	}
	ix.cells[sheet] = shiftedCols
}

// CellOf is the reverse lookup used for debugging and structural edits.
func (ix *Index) CellOf(v coord.VertexID) (coord.CellAddr, bool) {
	addr, ok := ix.reverse[v]
	return addr, ok
}

// LazyRangeRef is a reference a formula holds onto a single cell inside a
// range without eagerly materializing its vertex; TryIntoCell is strictly a
// lookup and must never allocate.
type LazyRangeRef struct {
	Sheet    coord.SheetID
	Row, Col uint32
}

// TryIntoCell performs a lookup-only resolution; callers that need
// allocation must go through EnsureCellVertex explicitly.
func (r LazyRangeRef) TryIntoCell(ix *Index) (coord.VertexID, bool) {
	return ix.VertexOfCell(coord.CellAddr{Sheet: r.Sheet, Row: r.Row, Col: r.Col})
}
