package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/storage"
)

// TestCompactionPreservesUnduplicatedText pins a regression: compact()
// used to release every base text row's string-table reference before
// reading those same rows back, so a unique (non-duplicated) base text
// value was deleted from the string table by the time readLocal tried to
// fetch it, silently turning it into "". Two rounds of compaction are
// needed to exercise it, since the first compaction only moves overlay
// text into the base lane for the first time.
func TestCompactionPreservesUnduplicatedText(t *testing.T) {
	// Zero-value policy never auto-compacts (both thresholds disabled), so
	// compaction only happens via the explicit CompactColumn calls below.
	store := storage.NewSheetStoreService(storage.CompactionPolicy{})
	sheet := coord.SheetID(0)
	store.EnsureSheet(sheet)

	h := store.BeginEdit()
	unique := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	dup1 := coord.CellAddr{Sheet: sheet, Row: 1, Col: 0}
	dup2 := coord.CellAddr{Sheet: sheet, Row: 2, Col: 0}

	_, err := store.WriteCell(h, unique, cellvalue.Text("only-once"))
	require.NoError(t, err)
	_, err = store.WriteCell(h, dup1, cellvalue.Text("shared"))
	require.NoError(t, err)
	_, err = store.WriteCell(h, dup2, cellvalue.Text("shared"))
	require.NoError(t, err)
	store.FinishEdit(h)

	// First compaction: overlay -> base for the first time.
	store.CompactColumn(sheet, 0)
	require.Equal(t, cellvalue.Text("only-once"), store.ReadCell(unique))
	require.Equal(t, cellvalue.Text("shared"), store.ReadCell(dup1))
	require.Equal(t, cellvalue.Text("shared"), store.ReadCell(dup2))

	// Second compaction with no intervening overlay writes: compact()
	// returns early unless a base-touching overlay write has happened
	// since. Write a value elsewhere in the same chunk so compact() has
	// overlay entries to fold again, while the text rows above stay
	// untouched by the overlay and must be read back from base.
	h = store.BeginEdit()
	_, err = store.WriteCell(h, coord.CellAddr{Sheet: sheet, Row: 3, Col: 0}, cellvalue.Number(1))
	require.NoError(t, err)
	store.FinishEdit(h)
	store.CompactColumn(sheet, 0)

	require.Equal(t, cellvalue.Text("only-once"), store.ReadCell(unique))
	require.Equal(t, cellvalue.Text("shared"), store.ReadCell(dup1))
	require.Equal(t, cellvalue.Text("shared"), store.ReadCell(dup2))
}

func TestWriteCellBatchAndReadBack(t *testing.T) {
	store := storage.NewSheetStoreService(storage.DefaultCompactionPolicy())
	sheet := coord.SheetID(0)
	store.EnsureSheet(sheet)

	h := store.BeginEdit()
	writes := []storage.CellWrite{
		{Addr: coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}, Value: cellvalue.Number(1)},
		{Addr: coord.CellAddr{Sheet: sheet, Row: 1, Col: 0}, Value: cellvalue.Text("x")},
		{Addr: coord.CellAddr{Sheet: sheet, Row: 2, Col: 0}, Value: cellvalue.Boolean(true)},
	}
	_, err := store.WriteCellBatch(h, writes)
	require.NoError(t, err)
	summary := store.FinishEdit(h)
	require.Equal(t, 3, summary.CellsWritten)

	require.Equal(t, cellvalue.Number(1), store.ReadCell(writes[0].Addr))
	require.Equal(t, cellvalue.Text("x"), store.ReadCell(writes[1].Addr))
	require.Equal(t, cellvalue.Boolean(true), store.ReadCell(writes[2].Addr))
}

// TestPlanRowShift pins PlanRowShift's read-only contract: it only reports
// where occupied cells would land, it never mutates the store, and a cell
// whose destination falls below row 0 is omitted rather than wrapped.
func TestPlanRowShift(t *testing.T) {
	store := storage.NewSheetStoreService(storage.DefaultCompactionPolicy())
	sheet := coord.SheetID(0)
	store.EnsureSheet(sheet)

	h := store.BeginEdit()
	_, err := store.WriteCell(h, coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}, cellvalue.Number(1))
	require.NoError(t, err)
	_, err = store.WriteCell(h, coord.CellAddr{Sheet: sheet, Row: 2, Col: 0}, cellvalue.Number(2))
	require.NoError(t, err)
	_, err = store.WriteCell(h, coord.CellAddr{Sheet: sheet, Row: 5, Col: 0}, cellvalue.Number(5))
	require.NoError(t, err)
	store.FinishEdit(h)

	moves := store.PlanRowShift(sheet, 2, 1)
	require.Len(t, moves, 2)
	byFrom := map[uint32]storage.CellMove{}
	for _, m := range moves {
		byFrom[m.From.Row] = m
	}
	require.Equal(t, uint32(3), byFrom[2].To.Row)
	require.Equal(t, uint32(6), byFrom[5].To.Row)

	// Nothing was actually written: row 0 is still row 0.
	require.Equal(t, cellvalue.Number(1), store.ReadCell(coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}))
	require.Equal(t, cellvalue.Number(2), store.ReadCell(coord.CellAddr{Sheet: sheet, Row: 2, Col: 0}))

	// A shift large enough to push row 0 below 0 drops it from the plan.
	dropped := store.PlanRowShift(sheet, 0, -1)
	for _, m := range dropped {
		require.NotEqual(t, uint32(0), m.From.Row)
	}
}
