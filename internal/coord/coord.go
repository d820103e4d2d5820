// Package coord defines the address and range primitives shared by every
// plane of the engine: sheet identity, cell coordinates, spans, and the
// normalized range descriptor used as a cache key throughout the
// dependency plane.
package coord

// SheetID is a stable integer sheet identity. The human-readable name
// lives only in a separate registry so renaming a sheet is O(1) and never
// touches formulas or descriptors.
type SheetID uint32

// VertexID is a dense identifier for a vertex in the dependency graph.
// Vertices are created once by the address index and never reused.
type VertexID uint32

// CellAddr is an absolute (sheet, row, col) coordinate, 0-based internally.
type CellAddr struct {
	Sheet SheetID
	Row   uint32
	Col   uint32
}

// CellRef is a cell reference carrying absoluteness flags, as distinct
// from CellAddr which is always an absolute coordinate.
type CellRef struct {
	Sheet          SheetID
	Row, Col       uint32
	AbsRow, AbsCol bool
}

// RowSpan is a half-open [Start, End) row range.
type RowSpan struct {
	Start, End uint32
}

// Len reports the number of rows covered.
func (s RowSpan) Len() uint32 { return s.End - s.Start }

// Overlaps reports whether two row spans share any row.
func (s RowSpan) Overlaps(o RowSpan) bool { return s.Start < o.End && o.Start < s.End }

// ColSpan is a half-open [Start, End) column range.
type ColSpan struct {
	Start, End uint32
}

func (s ColSpan) Len() uint32 { return s.End - s.Start }

// RowColSpan is a half-open rectangle [RowStart,RowEnd) x [ColStart,ColEnd).
type RowColSpan struct {
	RowStart, RowEnd uint32
	ColStart, ColEnd uint32
}

// Empty reports whether the span covers no cells.
func (s RowColSpan) Empty() bool {
	return s.RowEnd <= s.RowStart || s.ColEnd <= s.ColStart
}

// Contains reports whether (row, col) falls within the span.
func (s RowColSpan) Contains(row, col uint32) bool {
	return row >= s.RowStart && row < s.RowEnd && col >= s.ColStart && col < s.ColEnd
}

// Intersects reports whether two rectangles overlap.
func (s RowColSpan) Intersects(o RowColSpan) bool {
	return s.RowStart < o.RowEnd && o.RowStart < s.RowEnd &&
		s.ColStart < o.ColEnd && o.ColStart < s.ColEnd
}

// Equal reports structural equality.
func (s RowColSpan) Equal(o RowColSpan) bool {
	return s.RowStart == o.RowStart && s.RowEnd == o.RowEnd &&
		s.ColStart == o.ColStart && s.ColEnd == o.ColEnd
}

// BoundsType is the discriminated union of ways a range can be anchored.
// Exactly one normalization entry point (Normalize, in rangetracker)
// produces values of this type; descriptors are immutable once built.
type BoundsType uint8

const (
	BoundsFinite BoundsType = iota
	BoundsWholeColumn
	BoundsWholeRow
	BoundsOpenRowDown
	BoundsOpenRowUp
	BoundsOpenColumnLeft
	BoundsOpenColumnRight
	BoundsWholeSheet
	BoundsTable
	BoundsSpill
)

// AxisBound carries the authoritative half-open bound for one axis, used
// by open-sided descriptors; Height/Width on the descriptor itself hold
// only a normalized placeholder suitable for cache-key comparisons.
type AxisBound struct {
	Kind AxisBoundKind
	N    uint32 // meaningful only when Kind == AxisFinite
}

type AxisBoundKind uint8

const (
	AxisFinite AxisBoundKind = iota
	AxisOpenStart
	AxisOpenEnd
	AxisWhole
)

// RangeDescriptor is the normalized, immutable representation of a range
// reference. Structural edits (insert/delete rows/cols) must produce a new
// descriptor and a new handle; descriptors are never mutated in place so
// they stay safely cacheable by value.
type RangeDescriptor struct {
	Sheet    SheetID
	StartRow uint32
	StartCol uint32
	Height   uint32
	Width    uint32

	Bounds BoundsType

	RowShape AxisBound
	ColShape AxisBound

	// TableID is meaningful only when Bounds == BoundsTable.
	TableID uint32
	// SpillAnchor is meaningful only when Bounds == BoundsSpill.
	SpillAnchor VertexID
}

// Equal reports bitwise-meaningful equality, used to enforce descriptor
// immutability (P3): a subscription's descriptor must stay equal to the one
// it was registered with for the life of its handle.
func (d RangeDescriptor) Equal(o RangeDescriptor) bool {
	return d.Sheet == o.Sheet && d.StartRow == o.StartRow && d.StartCol == o.StartCol &&
		d.Height == o.Height && d.Width == o.Width && d.Bounds == o.Bounds &&
		d.RowShape == o.RowShape && d.ColShape == o.ColShape &&
		d.TableID == o.TableID && d.SpillAnchor == o.SpillAnchor
}
