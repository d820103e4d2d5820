package workbook_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cellforge/engine/internal/ast"
	"github.com/cellforge/engine/internal/astbuild"
	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/editor"
	"github.com/cellforge/engine/internal/workbook"
)

func TestSetValueAndRead(t *testing.T) {
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	addr := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	_, err = wb.SetValue(addr, cellvalue.Number(42))
	require.NoError(t, err)

	got := wb.Value(addr)
	require.Equal(t, cellvalue.Number(42), got)
}

func TestFormulaRecalculatesOnDependencyWrite(t *testing.T) {
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	a1 := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	b1 := coord.CellAddr{Sheet: sheet, Row: 0, Col: 1}

	_, err = wb.SetValue(a1, cellvalue.Number(10))
	require.NoError(t, err)

	_, err = wb.SetFormula(b1, astbuild.Add(astbuild.Cell(0, 0), astbuild.Num(1)))
	require.NoError(t, err)
	require.Equal(t, cellvalue.Number(11), wb.Value(b1))

	_, err = wb.SetValue(a1, cellvalue.Number(20))
	require.NoError(t, err)
	require.Equal(t, cellvalue.Number(21), wb.Value(b1))
}

func TestUndoRedoRoundTrip(t *testing.T) {
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	addr := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	_, err = wb.SetValue(addr, cellvalue.Number(1))
	require.NoError(t, err)
	_, err = wb.SetValue(addr, cellvalue.Number(2))
	require.NoError(t, err)

	ctx := context.Background()
	undone, err := wb.Undo(ctx)
	require.NoError(t, err)
	require.True(t, undone)
	require.Equal(t, cellvalue.Number(1), wb.Value(addr))

	redone, err := wb.Redo(ctx)
	require.NoError(t, err)
	require.True(t, redone)
	require.Equal(t, cellvalue.Number(2), wb.Value(addr))

	// A third undo past the start of history reports false, not an error.
	_, _ = wb.Undo(ctx)
	noMore, err := wb.Undo(ctx)
	require.NoError(t, err)
	require.False(t, noMore)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := workbook.New()
	sheet, err := src.AddSheet("Sheet1")
	require.NoError(t, err)

	for row := uint32(0); row < 5; row++ {
		addr := coord.CellAddr{Sheet: sheet, Row: row, Col: 0}
		_, err := src.SetValue(addr, cellvalue.Number(float64(row)))
		require.NoError(t, err)
	}

	snap := src.Snapshot()
	require.Len(t, snap.Sheets, 1)
	require.Len(t, snap.Sheets[0].Cells, 5)

	dst := workbook.New()
	require.NoError(t, dst.Restore(context.Background(), snap))

	for row := uint32(0); row < 5; row++ {
		addr := coord.CellAddr{Sheet: sheet, Row: row, Col: 0}
		require.Equal(t, cellvalue.Number(float64(row)), dst.Value(addr))
	}
}

func TestBulkIngest(t *testing.T) {
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	values := map[coord.CellAddr]cellvalue.Value{
		{Sheet: sheet, Row: 0, Col: 0}: cellvalue.Number(1),
		{Sheet: sheet, Row: 0, Col: 1}: cellvalue.Text("hello"),
		{Sheet: sheet, Row: 1, Col: 0}: cellvalue.Boolean(true),
	}
	rows := coord.RowSpan{Start: 0, End: 2}
	cols := coord.RowSpan{Start: 0, End: 2}

	info, err := wb.BulkIngest(sheet, rows, cols, values)
	require.NoError(t, err)
	require.Equal(t, 3, info.Summary.CellsWritten)

	require.Equal(t, cellvalue.Number(1), wb.Value(coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}))
	require.Equal(t, cellvalue.Text("hello"), wb.Value(coord.CellAddr{Sheet: sheet, Row: 0, Col: 1}))
	require.Equal(t, cellvalue.Boolean(true), wb.Value(coord.CellAddr{Sheet: sheet, Row: 1, Col: 0}))
}

func TestArrayFormulaSpillsAcrossCells(t *testing.T) {
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	anchor := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	formula := astbuild.Array([][]ast.Node{
		{astbuild.Num(1), astbuild.Num(2)},
		{astbuild.Num(3), astbuild.Num(4)},
	})

	_, err = wb.SetFormula(anchor, formula)
	require.NoError(t, err)

	require.Equal(t, cellvalue.Number(1), wb.Value(coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}))
	require.Equal(t, cellvalue.Number(2), wb.Value(coord.CellAddr{Sheet: sheet, Row: 0, Col: 1}))
	require.Equal(t, cellvalue.Number(3), wb.Value(coord.CellAddr{Sheet: sheet, Row: 1, Col: 0}))
	require.Equal(t, cellvalue.Number(4), wb.Value(coord.CellAddr{Sheet: sheet, Row: 1, Col: 1}))
}

func TestApplyStructuralEditInsertRowsShiftsDataAndFormula(t *testing.T) {
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	a1 := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	a2 := coord.CellAddr{Sheet: sheet, Row: 1, Col: 0}
	b2 := coord.CellAddr{Sheet: sheet, Row: 1, Col: 1}

	_, err = wb.SetValue(a1, cellvalue.Number(10))
	require.NoError(t, err)
	_, err = wb.SetValue(a2, cellvalue.Number(20))
	require.NoError(t, err)
	_, err = wb.SetFormula(b2, astbuild.Add(astbuild.Cell(1, 0), astbuild.Num(1)))
	require.NoError(t, err)
	require.Equal(t, cellvalue.Number(21), wb.Value(b2))

	// Insert a single row at row 1: row 0 stays put, rows 1.. shift down by
	// one, and B2's formula (which referenced A2) must now reference A3.
	_, err = wb.ApplyStructuralEdit(sheet, editor.InsertRows, 1, 1)
	require.NoError(t, err)

	require.Equal(t, cellvalue.Number(10), wb.Value(a1))
	require.True(t, wb.Value(a2).IsEmpty())
	require.Equal(t, cellvalue.Number(20), wb.Value(coord.CellAddr{Sheet: sheet, Row: 2, Col: 0}))

	newB := coord.CellAddr{Sheet: sheet, Row: 2, Col: 1}
	require.Equal(t, cellvalue.Number(21), wb.Value(newB))

	// Pushing a new value into the vacated A2 must not affect the
	// relocated formula, since its reference now targets A3.
	_, err = wb.SetValue(a2, cellvalue.Number(999))
	require.NoError(t, err)
	require.Equal(t, cellvalue.Number(21), wb.Value(newB))
}

func TestApplyStructuralEditDeleteRowsClearsDoomedBandAndShiftsSurvivors(t *testing.T) {
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	row0 := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	row1 := coord.CellAddr{Sheet: sheet, Row: 1, Col: 0}
	row2 := coord.CellAddr{Sheet: sheet, Row: 2, Col: 0}

	_, err = wb.SetValue(row0, cellvalue.Number(1))
	require.NoError(t, err)
	_, err = wb.SetValue(row1, cellvalue.Number(2))
	require.NoError(t, err)
	_, err = wb.SetValue(row2, cellvalue.Number(3))
	require.NoError(t, err)

	// Delete row 1: row 0 is untouched, row 1's own value is discarded, and
	// what was row 2 becomes the new row 1.
	_, err = wb.ApplyStructuralEdit(sheet, editor.DeleteRows, 1, 1)
	require.NoError(t, err)

	require.Equal(t, cellvalue.Number(1), wb.Value(row0))
	require.Equal(t, cellvalue.Number(3), wb.Value(row1))
	require.True(t, wb.Value(row2).IsEmpty())
}

func TestApplyStructuralEditUndoRedo(t *testing.T) {
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	addr := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	_, err = wb.SetValue(addr, cellvalue.Number(7))
	require.NoError(t, err)

	_, err = wb.ApplyStructuralEdit(sheet, editor.InsertRows, 0, 1)
	require.NoError(t, err)

	shifted := coord.CellAddr{Sheet: sheet, Row: 1, Col: 0}
	require.Equal(t, cellvalue.Number(7), wb.Value(shifted))
	require.True(t, wb.Value(addr).IsEmpty())

	ctx := context.Background()
	undone, err := wb.Undo(ctx)
	require.NoError(t, err)
	require.True(t, undone)
	require.Equal(t, cellvalue.Number(7), wb.Value(addr))
	require.True(t, wb.Value(shifted).IsEmpty())

	redone, err := wb.Redo(ctx)
	require.NoError(t, err)
	require.True(t, redone)
	require.Equal(t, cellvalue.Number(7), wb.Value(shifted))
	require.True(t, wb.Value(addr).IsEmpty())
}

func TestSpillBlockedByExistingValue(t *testing.T) {
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	require.NoError(t, err)

	blocker := coord.CellAddr{Sheet: sheet, Row: 0, Col: 1}
	_, err = wb.SetValue(blocker, cellvalue.Number(99))
	require.NoError(t, err)

	anchor := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	formula := astbuild.Array([][]ast.Node{
		{astbuild.Num(1), astbuild.Num(2)},
	})
	_, err = wb.SetFormula(anchor, formula)
	require.NoError(t, err)

	got := wb.Value(anchor)
	require.Equal(t, cellvalue.KindError, got.Kind)
	require.Equal(t, cellvalue.Number(99), wb.Value(blocker))
}
