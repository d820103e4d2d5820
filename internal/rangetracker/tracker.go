// Package rangetracker normalizes range references to descriptors, resolves
// descriptors to concrete spans against the storage layer's usage stats,
// and turns UsageDeltas into RangeEvents for the dependency index to
// consume (SPEC_FULL.md §4.2). It is the sole place RangeDescriptor values
// are constructed from an AST reference node.
package rangetracker

import (
	"sort"

	"github.com/cellforge/engine/internal/ast"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/storage"
)

// HandleID identifies one registered subscription.
type HandleID uint64

// StatsSource is the read side of SheetStoreService that RangeTracker needs
// to resolve descriptors; kept as an interface so tests can fake it.
type StatsSource interface {
	ColumnStats(sheet coord.SheetID, col uint32) storage.AxisStats
	RowStats(sheet coord.SheetID, row uint32) storage.AxisStats
	PopulatedColumns(sheet coord.SheetID) []uint32
}

// TableRegistry resolves a table id to its current rectangle; owned by the
// editor.
type TableRegistry interface {
	TableRect(id uint32) (coord.RowColSpan, bool)
}

// SpillPlanner resolves a spill anchor vertex to its current footprint.
type SpillPlanner interface {
	SpillFootprint(anchor coord.VertexID) (coord.RowColSpan, bool)
}

// EventKind discriminates how a subscription's resolved spans changed.
type EventKind uint8

const (
	Expanded EventKind = iota
	Shrunk
	Emptied
)

// RangeEvent is emitted by ApplyDelta; there is deliberately no Unchanged
// variant (SubscriptionVersion is the cache-invalidation signal instead).
type RangeEvent struct {
	Handle      HandleID
	Subscribers []coord.VertexID
	Kind        EventKind
	Spans       []coord.RowColSpan // added spans for Expanded, removed for Shrunk, nil for Emptied
}

type versionKey struct {
	axis  storage.Axis
	sheet coord.SheetID
	index uint32
}

type subscription struct {
	descriptor          coord.RangeDescriptor
	spans               []coord.RowColSpan
	subscribers         []coord.VertexID
	observedVersions    map[versionKey]uint64
	subscriptionVersion uint64
	indexKeys           []versionKey // axis keys this subscription is registered under, for cleanup
	wildcardSheet       bool
}

// Tracker is RangeTracker: normalizes, resolves, and tracks subscriptions.
type Tracker struct {
	stats  StatsSource
	tables TableRegistry
	spills SpillPlanner

	subs   map[HandleID]*subscription
	nextID HandleID

	byCol     map[versionKey]map[HandleID]struct{}
	byRow     map[versionKey]map[HandleID]struct{}
	wildcard  map[coord.SheetID]map[HandleID]struct{}
	tableSubs map[uint32]map[HandleID]struct{}
	spillSubs map[coord.VertexID]map[HandleID]struct{}
}

// New constructs a Tracker. tables and spills may be nil if the caller never
// registers Table/Spill descriptors.
func New(stats StatsSource, tables TableRegistry, spills SpillPlanner) *Tracker {
	return &Tracker{
		stats:     stats,
		tables:    tables,
		spills:    spills,
		subs:      make(map[HandleID]*subscription),
		nextID:    1,
		byCol:     make(map[versionKey]map[HandleID]struct{}),
		byRow:     make(map[versionKey]map[HandleID]struct{}),
		wildcard:  make(map[coord.SheetID]map[HandleID]struct{}),
		tableSubs: make(map[uint32]map[HandleID]struct{}),
		spillSubs: make(map[coord.VertexID]map[HandleID]struct{}),
	}
}

// Normalize is the sole entry point that builds a coord.RangeDescriptor
// from an AST reference node (SPEC_FULL.md §6 reference normalization
// rules). Table and Spill descriptors are constructed directly by the
// editor's table/spill bookkeeping, not through Normalize.
func Normalize(ref *ast.Reference, sheet coord.SheetID) coord.RangeDescriptor {
	if ref.Kind == ast.RefCell {
		return coord.RangeDescriptor{
			Sheet: sheet, StartRow: uint32(ref.Row), StartCol: uint32(ref.Col),
			Height: 1, Width: 1, Bounds: coord.BoundsFinite,
			RowShape: coord.AxisBound{Kind: coord.AxisFinite, N: 1},
			ColShape: coord.AxisBound{Kind: coord.AxisFinite, N: 1},
		}
	}

	rowOpenStart, rowOpenEnd := ref.OpenStartRow, ref.OpenEndRow
	colOpenStart, colOpenEnd := ref.OpenStartCol, ref.OpenEndCol

	d := coord.RangeDescriptor{Sheet: sheet, StartRow: uint32(ref.Row), StartCol: uint32(ref.Col)}

	switch {
	case rowOpenStart && rowOpenEnd && colOpenStart && colOpenEnd:
		d.Bounds = coord.BoundsWholeSheet
		d.RowShape = coord.AxisBound{Kind: coord.AxisWhole}
		d.ColShape = coord.AxisBound{Kind: coord.AxisWhole}
	case rowOpenStart && rowOpenEnd:
		// whole column(s): row axis fully open, column axis finite.
		d.Bounds = coord.BoundsWholeColumn
		d.Width = uint32(ref.EndCol-ref.Col) + 1
		d.RowShape = coord.AxisBound{Kind: coord.AxisWhole}
		d.ColShape = coord.AxisBound{Kind: coord.AxisFinite, N: d.Width}
	case colOpenStart && colOpenEnd:
		d.Bounds = coord.BoundsWholeRow
		d.Height = uint32(ref.EndRow-ref.Row) + 1
		d.RowShape = coord.AxisBound{Kind: coord.AxisFinite, N: d.Height}
		d.ColShape = coord.AxisBound{Kind: coord.AxisWhole}
	case rowOpenEnd:
		d.Bounds = coord.BoundsOpenRowDown
		d.Width = uint32(ref.EndCol-ref.Col) + 1
		d.RowShape = coord.AxisBound{Kind: coord.AxisOpenEnd}
		d.ColShape = coord.AxisBound{Kind: coord.AxisFinite, N: d.Width}
	case rowOpenStart:
		d.Bounds = coord.BoundsOpenRowUp
		d.StartRow = uint32(ref.EndRow) // "to" is the fixed end row
		d.Width = uint32(ref.EndCol-ref.Col) + 1
		d.RowShape = coord.AxisBound{Kind: coord.AxisOpenStart}
		d.ColShape = coord.AxisBound{Kind: coord.AxisFinite, N: d.Width}
	case colOpenEnd:
		d.Bounds = coord.BoundsOpenColumnRight
		d.Height = uint32(ref.EndRow-ref.Row) + 1
		d.RowShape = coord.AxisBound{Kind: coord.AxisFinite, N: d.Height}
		d.ColShape = coord.AxisBound{Kind: coord.AxisOpenEnd}
	case colOpenStart:
		d.Bounds = coord.BoundsOpenColumnLeft
		d.StartCol = uint32(ref.EndCol)
		d.Height = uint32(ref.EndRow-ref.Row) + 1
		d.RowShape = coord.AxisBound{Kind: coord.AxisFinite, N: d.Height}
		d.ColShape = coord.AxisBound{Kind: coord.AxisOpenStart}
	default:
		d.Bounds = coord.BoundsFinite
		d.Height = uint32(ref.EndRow-ref.Row) + 1
		d.Width = uint32(ref.EndCol-ref.Col) + 1
		d.RowShape = coord.AxisBound{Kind: coord.AxisFinite, N: d.Height}
		d.ColShape = coord.AxisBound{Kind: coord.AxisFinite, N: d.Width}
	}
	return d
}

// Register resolves desc, creates a subscription for vertex, and populates
// the inverted indexes needed to fan delta events out to it.
func (t *Tracker) Register(desc coord.RangeDescriptor, vertex coord.VertexID) (HandleID, []coord.RowColSpan) {
	id := t.nextID
	t.nextID++

	spans := t.resolve(desc)
	sub := &subscription{
		descriptor:       desc,
		spans:            spans,
		subscribers:      []coord.VertexID{vertex},
		observedVersions: make(map[versionKey]uint64),
	}
	t.subs[id] = sub
	t.indexSubscription(id, sub)
	return id, spans
}

// Unregister removes vertex from handle's subscriber list; when the list
// empties, the subscription and its inverted-index entries are deleted.
func (t *Tracker) Unregister(handle HandleID, vertex coord.VertexID) {
	sub, ok := t.subs[handle]
	if !ok {
		return
	}
	for i, v := range sub.subscribers {
		if v == vertex {
			sub.subscribers = append(sub.subscribers[:i], sub.subscribers[i+1:]...)
			break
		}
	}
	if len(sub.subscribers) > 0 {
		return
	}
	t.deindexSubscription(handle, sub)
	delete(t.subs, handle)
}

func (t *Tracker) indexSubscription(id HandleID, sub *subscription) {
	switch sub.descriptor.Bounds {
	case coord.BoundsFinite:
		// static rectangle: never changes, nothing to index.
	case coord.BoundsWholeColumn, coord.BoundsOpenRowDown, coord.BoundsOpenRowUp:
		for col := sub.descriptor.StartCol; col < sub.descriptor.StartCol+maxu32(sub.descriptor.Width, 1); col++ {
			key := versionKey{axis: storage.AxisColumn, sheet: sub.descriptor.Sheet, index: col}
			t.addToIndex(t.byCol, key, id)
			sub.indexKeys = append(sub.indexKeys, key)
			sub.observedVersions[key] = t.stats.ColumnStats(sub.descriptor.Sheet, col).StatsVersion
		}
	case coord.BoundsWholeRow, coord.BoundsOpenColumnLeft, coord.BoundsOpenColumnRight:
		for row := sub.descriptor.StartRow; row < sub.descriptor.StartRow+maxu32(sub.descriptor.Height, 1); row++ {
			key := versionKey{axis: storage.AxisRow, sheet: sub.descriptor.Sheet, index: row}
			t.addToIndex(t.byRow, key, id)
			sub.indexKeys = append(sub.indexKeys, key)
			sub.observedVersions[key] = t.stats.RowStats(sub.descriptor.Sheet, row).StatsVersion
		}
	case coord.BoundsWholeSheet:
		sub.wildcardSheet = true
		if t.wildcard[sub.descriptor.Sheet] == nil {
			t.wildcard[sub.descriptor.Sheet] = make(map[HandleID]struct{})
		}
		t.wildcard[sub.descriptor.Sheet][id] = struct{}{}
	case coord.BoundsTable:
		if t.tableSubs[sub.descriptor.TableID] == nil {
			t.tableSubs[sub.descriptor.TableID] = make(map[HandleID]struct{})
		}
		t.tableSubs[sub.descriptor.TableID][id] = struct{}{}
	case coord.BoundsSpill:
		if t.spillSubs[sub.descriptor.SpillAnchor] == nil {
			t.spillSubs[sub.descriptor.SpillAnchor] = make(map[HandleID]struct{})
		}
		t.spillSubs[sub.descriptor.SpillAnchor][id] = struct{}{}
	}
}

func (t *Tracker) deindexSubscription(id HandleID, sub *subscription) {
	for _, key := range sub.indexKeys {
		if key.axis == storage.AxisColumn {
			t.removeFromIndex(t.byCol, key, id)
		} else {
			t.removeFromIndex(t.byRow, key, id)
		}
	}
	if sub.wildcardSheet {
		delete(t.wildcard[sub.descriptor.Sheet], id)
	}
	if sub.descriptor.Bounds == coord.BoundsTable {
		delete(t.tableSubs[sub.descriptor.TableID], id)
	}
	if sub.descriptor.Bounds == coord.BoundsSpill {
		delete(t.spillSubs[sub.descriptor.SpillAnchor], id)
	}
}

func (t *Tracker) addToIndex(idx map[versionKey]map[HandleID]struct{}, key versionKey, id HandleID) {
	if idx[key] == nil {
		idx[key] = make(map[HandleID]struct{})
	}
	idx[key][id] = struct{}{}
}

func (t *Tracker) removeFromIndex(idx map[versionKey]map[HandleID]struct{}, key versionKey, id HandleID) {
	if m, ok := idx[key]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(idx, key)
		}
	}
}

// ApplyDelta diffs every candidate subscription's resolved spans before and
// after the delta, emitting a RangeEvent iff the spans actually changed
// (P6); subscription_version is bumped for every candidate regardless,
// since it is the cache-invalidation signal (there is no Unchanged event).
func (t *Tracker) ApplyDelta(delta storage.UsageDelta) []RangeEvent {
	key := versionKey{axis: delta.Axis, sheet: delta.Sheet, index: delta.Index}

	candidates := make(map[HandleID]struct{})
	var idx map[versionKey]map[HandleID]struct{}
	if delta.Axis == storage.AxisColumn {
		idx = t.byCol
	} else {
		idx = t.byRow
	}
	for id := range idx[key] {
		candidates[id] = struct{}{}
	}
	if delta.Axis == storage.AxisColumn {
		for id := range t.wildcard[delta.Sheet] {
			candidates[id] = struct{}{}
		}
	}

	var events []RangeEvent
	for id := range candidates {
		sub := t.subs[id]
		if sub == nil {
			continue
		}
		sub.observedVersions[key] = delta.Version
		sub.subscriptionVersion++

		newSpans := t.resolve(sub.descriptor)
		if spanSetEqual(sub.spans, newSpans) {
			continue
		}
		kind, diff := diffSpans(sub.spans, newSpans)
		sub.spans = newSpans
		events = append(events, RangeEvent{
			Handle:      id,
			Subscribers: append([]coord.VertexID(nil), sub.subscribers...),
			Kind:        kind,
			Spans:       diff,
		})
	}
	return events
}

// InvalidateTable re-resolves every subscription bound to a table id after
// the editor-maintained table registry changes its rectangle.
func (t *Tracker) InvalidateTable(id uint32) []RangeEvent {
	return t.invalidateSet(t.tableSubs[id])
}

// InvalidateSpill re-resolves every subscription bound to a spill anchor
// after the spill planner's footprint for that anchor changes.
func (t *Tracker) InvalidateSpill(anchor coord.VertexID) []RangeEvent {
	return t.invalidateSet(t.spillSubs[anchor])
}

func (t *Tracker) invalidateSet(handles map[HandleID]struct{}) []RangeEvent {
	var events []RangeEvent
	for id := range handles {
		sub := t.subs[id]
		if sub == nil {
			continue
		}
		sub.subscriptionVersion++
		newSpans := t.resolve(sub.descriptor)
		if spanSetEqual(sub.spans, newSpans) {
			continue
		}
		kind, diff := diffSpans(sub.spans, newSpans)
		sub.spans = newSpans
		events = append(events, RangeEvent{
			Handle:      id,
			Subscribers: append([]coord.VertexID(nil), sub.subscribers...),
			Kind:        kind,
			Spans:       diff,
		})
	}
	return events
}

// Resolve exposes span resolution without registering a subscription,
// for callers (the interpreter) that need a range's current concrete
// spans once and do not want a standing tracked dependency.
func (t *Tracker) Resolve(desc coord.RangeDescriptor) []coord.RowColSpan {
	return t.resolve(desc)
}

func (t *Tracker) resolve(desc coord.RangeDescriptor) []coord.RowColSpan {
	switch desc.Bounds {
	case coord.BoundsFinite:
		return []coord.RowColSpan{{
			RowStart: desc.StartRow, RowEnd: desc.StartRow + maxu32(desc.Height, 1),
			ColStart: desc.StartCol, ColEnd: desc.StartCol + maxu32(desc.Width, 1),
		}}
	case coord.BoundsWholeColumn:
		return t.columnStripes(desc.Sheet, desc.StartCol, desc.StartCol+desc.Width, 0, ^uint32(0))
	case coord.BoundsWholeRow:
		return t.rowStripes(desc.Sheet, desc.StartRow, desc.StartRow+desc.Height, 0, ^uint32(0))
	case coord.BoundsOpenRowDown:
		return t.columnStripes(desc.Sheet, desc.StartCol, desc.StartCol+desc.Width, desc.StartRow, ^uint32(0))
	case coord.BoundsOpenRowUp:
		return t.columnStripes(desc.Sheet, desc.StartCol, desc.StartCol+desc.Width, 0, desc.StartRow+1)
	case coord.BoundsOpenColumnRight:
		return t.rowStripes(desc.Sheet, desc.StartRow, desc.StartRow+desc.Height, desc.StartCol, ^uint32(0))
	case coord.BoundsOpenColumnLeft:
		return t.rowStripes(desc.Sheet, desc.StartRow, desc.StartRow+desc.Height, 0, desc.StartCol+1)
	case coord.BoundsWholeSheet:
		cols := t.stats.PopulatedColumns(desc.Sheet)
		if len(cols) == 0 {
			return nil
		}
		return t.columnStripesFor(desc.Sheet, cols, 0, ^uint32(0))
	case coord.BoundsTable:
		if t.tables == nil {
			return nil
		}
		if rect, ok := t.tables.TableRect(desc.TableID); ok {
			return []coord.RowColSpan{rect}
		}
		return nil
	case coord.BoundsSpill:
		if t.spills == nil {
			return nil
		}
		if rect, ok := t.spills.SpillFootprint(desc.SpillAnchor); ok {
			return []coord.RowColSpan{rect}
		}
		return nil
	default:
		return nil
	}
}

func (t *Tracker) columnStripes(sheet coord.SheetID, colStart, colEnd, rowLo, rowHi uint32) []coord.RowColSpan {
	cols := make([]uint32, 0, colEnd-colStart)
	for c := colStart; c < colEnd; c++ {
		cols = append(cols, c)
	}
	return t.columnStripesFor(sheet, cols, rowLo, rowHi)
}

func (t *Tracker) columnStripesFor(sheet coord.SheetID, cols []uint32, rowLo, rowHi uint32) []coord.RowColSpan {
	var raw []coord.RowColSpan
	for _, col := range cols {
		stats := t.stats.ColumnStats(sheet, col)
		for _, sp := range stats.Spans {
			start, end := clampRange(sp.Start, sp.End, rowLo, rowHi)
			if start >= end {
				continue
			}
			raw = append(raw, coord.RowColSpan{RowStart: start, RowEnd: end, ColStart: col, ColEnd: col + 1})
		}
	}
	return mergeHorizontal(raw)
}

func (t *Tracker) rowStripes(sheet coord.SheetID, rowStart, rowEnd, colLo, colHi uint32) []coord.RowColSpan {
	var raw []coord.RowColSpan
	for r := rowStart; r < rowEnd; r++ {
		stats := t.stats.RowStats(sheet, r)
		for _, sp := range stats.Spans {
			start, end := clampRange(sp.Start, sp.End, colLo, colHi)
			if start >= end {
				continue
			}
			raw = append(raw, coord.RowColSpan{RowStart: r, RowEnd: r + 1, ColStart: start, ColEnd: end})
		}
	}
	return mergeVertical(raw)
}

func clampRange(start, end, lo, hi uint32) (uint32, uint32) {
	if start < lo {
		start = lo
	}
	if end > hi {
		end = hi
	}
	return start, end
}

// mergeHorizontal merges column stripes with identical row ranges that sit
// in consecutive columns into a single rectangle.
func mergeHorizontal(spans []coord.RowColSpan) []coord.RowColSpan {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].RowStart != spans[j].RowStart {
			return spans[i].RowStart < spans[j].RowStart
		}
		if spans[i].RowEnd != spans[j].RowEnd {
			return spans[i].RowEnd < spans[j].RowEnd
		}
		return spans[i].ColStart < spans[j].ColStart
	})
	out := []coord.RowColSpan{spans[0]}
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		if last.RowStart == sp.RowStart && last.RowEnd == sp.RowEnd && last.ColEnd == sp.ColStart {
			last.ColEnd = sp.ColEnd
			continue
		}
		out = append(out, sp)
	}
	return out
}

// mergeVertical merges row stripes with identical column ranges that sit in
// consecutive rows into a single rectangle.
func mergeVertical(spans []coord.RowColSpan) []coord.RowColSpan {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].ColStart != spans[j].ColStart {
			return spans[i].ColStart < spans[j].ColStart
		}
		if spans[i].ColEnd != spans[j].ColEnd {
			return spans[i].ColEnd < spans[j].ColEnd
		}
		return spans[i].RowStart < spans[j].RowStart
	})
	out := []coord.RowColSpan{spans[0]}
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		if last.ColStart == sp.ColStart && last.ColEnd == sp.ColEnd && last.RowEnd == sp.RowStart {
			last.RowEnd = sp.RowEnd
			continue
		}
		out = append(out, sp)
	}
	return out
}

func spanSetEqual(a, b []coord.RowColSpan) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]coord.RowColSpan(nil), a...)
	bs := append([]coord.RowColSpan(nil), b...)
	sortSpans(as)
	sortSpans(bs)
	for i := range as {
		if !as[i].Equal(bs[i]) {
			return false
		}
	}
	return true
}

func sortSpans(s []coord.RowColSpan) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].RowStart != s[j].RowStart {
			return s[i].RowStart < s[j].RowStart
		}
		if s[i].ColStart != s[j].ColStart {
			return s[i].ColStart < s[j].ColStart
		}
		if s[i].RowEnd != s[j].RowEnd {
			return s[i].RowEnd < s[j].RowEnd
		}
		return s[i].ColEnd < s[j].ColEnd
	})
}

func cellCount(spans []coord.RowColSpan) uint64 {
	var total uint64
	for _, sp := range spans {
		total += uint64(sp.RowEnd-sp.RowStart) * uint64(sp.ColEnd-sp.ColStart)
	}
	return total
}

// diffSpans classifies a span-set transition and returns the portion that
// changed: the added spans for Expanded, the removed spans for Shrunk. It
// favors the exact single-stripe delta (the common incremental-growth case,
// e.g. COUNTA(A:A) gaining one populated row) and falls back to reporting
// the full new/old span set when the change does not reduce to one stripe.
func diffSpans(old, new []coord.RowColSpan) (EventKind, []coord.RowColSpan) {
	if len(new) == 0 {
		return Emptied, nil
	}
	oldCount, newCount := cellCount(old), cellCount(new)
	if newCount < oldCount {
		removed := spanDifference(old, new)
		if removed == nil {
			removed = old
		}
		return Shrunk, removed
	}
	added := spanDifference(new, old)
	if added == nil {
		added = new
	}
	return Expanded, added
}

// spanDifference returns the spans present in a but not (as exact matches)
// in b.
func spanDifference(a, b []coord.RowColSpan) []coord.RowColSpan {
	var out []coord.RowColSpan
	for _, sp := range a {
		found := false
		for _, other := range b {
			if sp.Equal(other) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, sp)
		}
	}
	return out
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
