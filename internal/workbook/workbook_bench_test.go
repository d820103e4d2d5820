package workbook_test

import (
	"context"
	"testing"

	"github.com/cellforge/engine/internal/astbuild"
	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/workbook"
)

// These mirror performance_bench.go's scenarios (large population, linear
// dependency chains, wide fan-out, large-range aggregation, cascading
// updates) but build formulas with astbuild instead of parsing formula
// text, since no formula parser is in scope.

func newBenchWorkbook(b *testing.B) (*workbook.Workbook, coord.SheetID) {
	b.Helper()
	wb := workbook.New()
	sheet, err := wb.AddSheet("Sheet1")
	if err != nil {
		b.Fatal(err)
	}
	return wb, sheet
}

func BenchmarkLargeCellPopulation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		wb, sheet := newBenchWorkbook(b)
		for row := uint32(0); row < 100; row++ {
			for col := uint32(0); col < 26; col++ {
				addr := coord.CellAddr{Sheet: sheet, Row: row, Col: col}
				if _, err := wb.SetValue(addr, cellvalue.Number(float64(row*col))); err != nil {
					b.Fatal(err)
				}
			}
		}
	}
}

func BenchmarkFormulaDependencyChain(b *testing.B) {
	wb, sheet := newBenchWorkbook(b)
	if _, err := wb.SetValue(coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}, cellvalue.Number(1)); err != nil {
		b.Fatal(err)
	}
	for row := uint32(1); row < 100; row++ {
		formula := astbuild.Add(astbuild.Cell(int(row-1), 0), astbuild.Num(1))
		if _, err := wb.SetFormula(coord.CellAddr{Sheet: sheet, Row: row, Col: 0}, formula); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wb.Recalculate(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWideDependencyFanOut(b *testing.B) {
	wb, sheet := newBenchWorkbook(b)
	anchor := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	if _, err := wb.SetValue(anchor, cellvalue.Number(100)); err != nil {
		b.Fatal(err)
	}
	for row := uint32(1); row < 500; row++ {
		formula := astbuild.Mul(astbuild.Cell(0, 0), astbuild.Num(2))
		if _, err := wb.SetFormula(coord.CellAddr{Sheet: sheet, Row: row, Col: 1}, formula); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wb.SetValue(anchor, cellvalue.Number(float64(i))); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLargeRangeSUM(b *testing.B) {
	wb, sheet := newBenchWorkbook(b)
	for row := uint32(0); row < 1000; row++ {
		addr := coord.CellAddr{Sheet: sheet, Row: row, Col: 0}
		if _, err := wb.SetValue(addr, cellvalue.Number(float64(row+1))); err != nil {
			b.Fatal(err)
		}
	}
	sum := astbuild.Call("SUM", astbuild.Range(0, 0, 999, 0))
	if _, err := wb.SetFormula(coord.CellAddr{Sheet: sheet, Row: 0, Col: 1}, sum); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wb.Recalculate(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCascadingUpdates(b *testing.B) {
	wb, sheet := newBenchWorkbook(b)
	for row := uint32(0); row < 50; row++ {
		for col := uint32(0); col < 10; col++ {
			addr := coord.CellAddr{Sheet: sheet, Row: row, Col: col}
			if col == 0 {
				if _, err := wb.SetValue(addr, cellvalue.Number(float64(row))); err != nil {
					b.Fatal(err)
				}
				continue
			}
			formula := astbuild.Mul(astbuild.Cell(int(row), int(col-1)), astbuild.Num(2))
			if _, err := wb.SetFormula(addr, formula); err != nil {
				b.Fatal(err)
			}
		}
	}

	anchor := coord.CellAddr{Sheet: sheet, Row: 0, Col: 0}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wb.SetValue(anchor, cellvalue.Number(float64(i%100))); err != nil {
			b.Fatal(err)
		}
	}
}
