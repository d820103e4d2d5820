package storage

import (
	"sort"

	"github.com/cellforge/engine/internal/coord"
)

// mergeThreshold is the default gap, in rows or columns, within which two
// adjacent spans are merged into one during incremental maintenance.
const mergeThreshold = 16

// UsageDeltaKind discriminates the shape of a single-axis usage change.
type UsageDeltaKind uint8

const (
	DeltaBecameEmpty UsageDeltaKind = iota
	DeltaBecameNonEmpty
	DeltaExpanded
	DeltaShrunk
	DeltaCompacted
)

// Axis discriminates which usage-stats table a delta concerns.
type Axis uint8

const (
	AxisColumn Axis = iota
	AxisRow
)

// UsageDelta is emitted by every write (or compaction) to describe how the
// populated-cell footprint of a column or row changed. At most one
// ColumnUsageDelta and one RowUsageDelta are emitted per write_cell call.
type UsageDelta struct {
	Axis    Axis
	Sheet   coord.SheetID
	Index   uint32 // column index if Axis==AxisColumn, row index if AxisRow
	Kind    UsageDeltaKind
	Span    coord.RowSpan // meaningful for BecameNonEmpty/Expanded/Shrunk
	Version uint64        // stats_version after this delta was applied
}

// AxisStats is the incremental usage-statistics record shared by
// ColumnUsageStats and RowUsageStats (they are isomorphic; see
// SPEC_FULL.md §9 Design Notes on symmetric span maintenance).
type AxisStats struct {
	MinRow, MaxRow uint32 // meaningful only when NonEmptyCount > 0
	NonEmptyCount  uint32
	Spans          []coord.RowSpan // sorted, merged, half-open
	OverlayCount   uint32
	StatsVersion   uint64
}

func (s *AxisStats) snapshot() AxisStats {
	cp := *s
	cp.Spans = append([]coord.RowSpan(nil), s.Spans...)
	return cp
}

// insert records that `pos` became non-empty, maintaining the sorted span
// vector with binary-search insert and adjacent-merge. It returns the delta
// kind (BecameNonEmpty vs Expanded) and the newly covered span, or ok=false
// if pos was already covered (no structural change).
func (s *AxisStats) insert(pos uint32) (kind UsageDeltaKind, span coord.RowSpan, structural bool) {
	// binary search for the span that would contain or follow pos.
	i := sort.Search(len(s.Spans), func(i int) bool { return s.Spans[i].End >= pos })

	if i < len(s.Spans) && s.Spans[i].Start <= pos && pos < s.Spans[i].End {
		// already covered; not structural.
		return DeltaExpanded, coord.RowSpan{}, false
	}

	newSpan := coord.RowSpan{Start: pos, End: pos + 1}

	mergeLeft := i > 0 && pos <= s.Spans[i-1].End+mergeThreshold
	mergeRight := i < len(s.Spans) && s.Spans[i].Start <= pos+1+mergeThreshold

	switch {
	case mergeLeft && mergeRight:
		merged := coord.RowSpan{Start: s.Spans[i-1].Start, End: s.Spans[i].End}
		s.Spans = append(s.Spans[:i-1], append([]coord.RowSpan{merged}, s.Spans[i+1:]...)...)
		span = merged
	case mergeLeft:
		s.Spans[i-1].End = pos + 1
		span = s.Spans[i-1]
	case mergeRight:
		s.Spans[i].Start = pos
		span = s.Spans[i]
	default:
		s.Spans = append(s.Spans, coord.RowSpan{})
		copy(s.Spans[i+1:], s.Spans[i:])
		s.Spans[i] = newSpan
		span = newSpan
	}

	wasEmpty := s.NonEmptyCount == 0
	s.NonEmptyCount++
	if wasEmpty || pos < s.MinRow {
		s.MinRow = pos
	}
	if wasEmpty || pos > s.MaxRow {
		s.MaxRow = pos
	}
	s.StatsVersion++

	if wasEmpty {
		return DeltaBecameNonEmpty, span, true
	}
	return DeltaExpanded, span, true
}

// remove records that `pos` became empty, shrinking or splitting the span
// that contained it. Returns ok=false if pos was already empty.
func (s *AxisStats) remove(pos uint32) (kind UsageDeltaKind, span coord.RowSpan, structural bool) {
	i := sort.Search(len(s.Spans), func(i int) bool { return s.Spans[i].End > pos })
	if i >= len(s.Spans) || s.Spans[i].Start > pos {
		return DeltaShrunk, coord.RowSpan{}, false
	}

	sp := s.Spans[i]
	switch {
	case sp.Start == pos && sp.End == pos+1:
		// whole span removed.
		s.Spans = append(s.Spans[:i], s.Spans[i+1:]...)
	case sp.Start == pos:
		s.Spans[i].Start = pos + 1
	case sp.End == pos+1:
		s.Spans[i].End = pos
	default:
		left := coord.RowSpan{Start: sp.Start, End: pos}
		right := coord.RowSpan{Start: pos + 1, End: sp.End}
		s.Spans = append(s.Spans[:i], append([]coord.RowSpan{left, right}, s.Spans[i+1:]...)...)
	}

	s.NonEmptyCount--
	s.StatsVersion++
	if len(s.Spans) > 0 {
		s.MinRow = s.Spans[0].Start
		s.MaxRow = s.Spans[len(s.Spans)-1].End - 1
		return DeltaShrunk, coord.RowSpan{Start: pos, End: pos + 1}, true
	}
	s.MinRow, s.MaxRow = 0, 0
	return DeltaBecameEmpty, coord.RowSpan{Start: pos, End: pos + 1}, true
}

// recomputeDebug rebuilds an AxisStats by a full linear scan, used only by
// tests to verify parity with the incremental maintenance (P5).
func recomputeDebug(occupied []bool) AxisStats {
	var s AxisStats
	inSpan := false
	var start uint32
	for i, occ := range occupied {
		pos := uint32(i)
		if occ && !inSpan {
			inSpan = true
			start = pos
		}
		if !occ && inSpan {
			inSpan = false
			s.Spans = append(s.Spans, coord.RowSpan{Start: start, End: pos})
		}
	}
	if inSpan {
		s.Spans = append(s.Spans, coord.RowSpan{Start: start, End: uint32(len(occupied))})
	}
	// merge adjacent-within-threshold spans to match incremental behavior.
	merged := s.Spans[:0]
	for _, sp := range s.Spans {
		if len(merged) > 0 && sp.Start <= merged[len(merged)-1].End+mergeThreshold {
			merged[len(merged)-1].End = sp.End
		} else {
			merged = append(merged, sp)
		}
	}
	s.Spans = merged
	for _, sp := range s.Spans {
		s.NonEmptyCount += sp.Len()
	}
	if len(s.Spans) > 0 {
		s.MinRow = s.Spans[0].Start
		s.MaxRow = s.Spans[len(s.Spans)-1].End - 1
	}
	return s
}
