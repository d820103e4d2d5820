// Package depindex owns the dependency adjacency (per-vertex maps of input
// and dependent sets; there is no CSR array layout), an incremental
// topological order maintained by a Pearce-Kelly-style online algorithm,
// the dirty frontier, and per-vertex metadata (SPEC_FULL.md §4.4). Edges
// are oriented input -> dependent so topological rank increases from
// inputs toward dependents.
package depindex

import (
	"sort"

	"github.com/cellforge/engine/internal/addressindex"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/rangetracker"
)

// VertexMeta is the SoA per-vertex metadata table entry.
type VertexMeta struct {
	Volatile bool
	Cyclic   bool
}

// VertexSnapshot is a point-in-time read of one vertex's graph state.
type VertexSnapshot struct {
	Vertex       coord.VertexID
	Rank         int
	Dependents   []coord.VertexID
	Dependencies []coord.VertexID
	Meta         VertexMeta
}

// CycleError reports that applying an edge would close a cycle; the
// vertices are every vertex forward-reachable from the edge's dependent
// within the affected rank window, which includes the cycle but may also
// hold vertices that are not on it.
type CycleError struct {
	Vertices []coord.VertexID
}

func (e *CycleError) Error() string { return "cyclic dependency" }

// RangeEdges diffs the concrete targets a RangeHandle currently contributes
// edges for, so span changes can add/remove edges precisely rather than
// rebuilding the subscriber's whole edge set.
type RangeEdges struct {
	Subscriber coord.VertexID
	Targets    map[coord.VertexID]struct{}
}

// Index is DependencyIndex.
type Index struct {
	out map[coord.VertexID]map[coord.VertexID]struct{} // input -> dependents
	in  map[coord.VertexID]map[coord.VertexID]struct{} // dependent -> inputs

	rank     map[coord.VertexID]int
	nextRank int

	dirty      map[coord.VertexID]struct{}
	dirtyOrder []coord.VertexID // preserves insertion order for stable pop batches

	meta map[coord.VertexID]*VertexMeta

	rangeEdges map[rangetracker.HandleID]*RangeEdges
}

// New constructs an empty DependencyIndex.
func New() *Index {
	return &Index{
		out:        make(map[coord.VertexID]map[coord.VertexID]struct{}),
		in:         make(map[coord.VertexID]map[coord.VertexID]struct{}),
		rank:       make(map[coord.VertexID]int),
		dirty:      make(map[coord.VertexID]struct{}),
		meta:       make(map[coord.VertexID]*VertexMeta),
		rangeEdges: make(map[rangetracker.HandleID]*RangeEdges),
	}
}

func (ix *Index) ensureVertex(v coord.VertexID) {
	if _, ok := ix.rank[v]; !ok {
		ix.rank[v] = ix.nextRank
		ix.nextRank++
	}
	if _, ok := ix.meta[v]; !ok {
		ix.meta[v] = &VertexMeta{}
	}
}

// MetaOf returns (a copy of) the vertex metadata, creating a zero entry if
// the vertex was never seen.
func (ix *Index) MetaOf(v coord.VertexID) VertexMeta {
	ix.ensureVertex(v)
	return *ix.meta[v]
}

// SetVolatile marks a vertex's function call as volatile, so the scheduler
// re-dirties it at the end of every recalc pass outside deterministic mode.
func (ix *Index) SetVolatile(v coord.VertexID, volatile bool) {
	ix.ensureVertex(v)
	ix.meta[v].Volatile = volatile
}

// TopoRank returns a vertex's current position in the topological order;
// input ranks are always strictly less than their dependents' (P2).
func (ix *Index) TopoRank(v coord.VertexID) int {
	ix.ensureVertex(v)
	return ix.rank[v]
}

// AddEdge records that input must be evaluated before dependent, performing
// an incremental Pearce-Kelly reorder of the affected region of the
// topological order. If the edge would close a cycle, the edge is still
// recorded (its dependent must still observe #CALC! until the cycle is
// broken) and a *CycleError naming the offending vertices is returned.
func (ix *Index) AddEdge(input, dependent coord.VertexID) error {
	ix.ensureVertex(input)
	ix.ensureVertex(dependent)

	if ix.out[input] == nil {
		ix.out[input] = make(map[coord.VertexID]struct{})
	}
	if _, exists := ix.out[input][dependent]; exists {
		return nil
	}

	if ix.rank[input] < ix.rank[dependent] {
		ix.out[input][dependent] = struct{}{}
		if ix.in[dependent] == nil {
			ix.in[dependent] = make(map[coord.VertexID]struct{})
		}
		ix.in[dependent][input] = struct{}{}
		return nil
	}

	// Potential order violation: reorder the affected region before
	// committing the edge (Pearce & Kelly 2006, "Dynamic topological
	// sort for directed acyclic graphs").
	ub := ix.rank[input]
	lb := ix.rank[dependent]

	deltaF := ix.discoverForward(dependent, ub)
	deltaB := ix.discoverBackward(input, lb)

	for v := range deltaF {
		if _, cyc := deltaB[v]; cyc {
			cycleVerts := make([]coord.VertexID, 0, len(deltaF))
			for w := range deltaF {
				cycleVerts = append(cycleVerts, w)
			}
			sort.Slice(cycleVerts, func(i, j int) bool { return cycleVerts[i] < cycleVerts[j] })
			ix.commitEdge(input, dependent)
			ix.meta[dependent].Cyclic = true
			ix.meta[input].Cyclic = true
			return &CycleError{Vertices: cycleVerts}
		}
	}

	ix.reorder(deltaB, deltaF)
	ix.commitEdge(input, dependent)
	return nil
}

func (ix *Index) commitEdge(input, dependent coord.VertexID) {
	if ix.out[input] == nil {
		ix.out[input] = make(map[coord.VertexID]struct{})
	}
	ix.out[input][dependent] = struct{}{}
	if ix.in[dependent] == nil {
		ix.in[dependent] = make(map[coord.VertexID]struct{})
	}
	ix.in[dependent][input] = struct{}{}
}

// RemoveEdge deletes an edge; removing an edge never violates topological
// order, so no rank maintenance is required.
func (ix *Index) RemoveEdge(input, dependent coord.VertexID) {
	if m, ok := ix.out[input]; ok {
		delete(m, dependent)
	}
	if m, ok := ix.in[dependent]; ok {
		delete(m, input)
	}
}

func (ix *Index) discoverForward(start coord.VertexID, ub int) map[coord.VertexID]struct{} {
	visited := map[coord.VertexID]struct{}{start: {}}
	stack := []coord.VertexID{start}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for w := range ix.out[v] {
			if _, seen := visited[w]; seen {
				continue
			}
			if ix.rank[w] > ub {
				continue
			}
			visited[w] = struct{}{}
			stack = append(stack, w)
		}
	}
	return visited
}

func (ix *Index) discoverBackward(start coord.VertexID, lb int) map[coord.VertexID]struct{} {
	visited := map[coord.VertexID]struct{}{start: {}}
	stack := []coord.VertexID{start}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for w := range ix.in[v] {
			if _, seen := visited[w]; seen {
				continue
			}
			if ix.rank[w] < lb {
				continue
			}
			visited[w] = struct{}{}
			stack = append(stack, w)
		}
	}
	return visited
}

// reorder implements the PK merge step: the old ranks occupied by
// deltaB ∪ deltaF are redistributed, deltaB (in old-rank order) first, then
// deltaF (in old-rank order), preserving every other vertex's relative
// order.
func (ix *Index) reorder(deltaB, deltaF map[coord.VertexID]struct{}) {
	ranksUsed := make([]int, 0, len(deltaB)+len(deltaF))
	for v := range deltaB {
		ranksUsed = append(ranksUsed, ix.rank[v])
	}
	for v := range deltaF {
		ranksUsed = append(ranksUsed, ix.rank[v])
	}
	sort.Ints(ranksUsed)

	bList := sortedByRank(deltaB, ix.rank)
	fList := sortedByRank(deltaF, ix.rank)
	ordered := append(bList, fList...)

	for i, v := range ordered {
		ix.rank[v] = ranksUsed[i]
	}
}

func sortedByRank(set map[coord.VertexID]struct{}, rank map[coord.VertexID]int) []coord.VertexID {
	out := make([]coord.VertexID, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

// MarkDirty adds a vertex and its direct dependents to the dirty frontier.
func (ix *Index) MarkDirty(v coord.VertexID) {
	if _, ok := ix.dirty[v]; ok {
		return
	}
	ix.dirty[v] = struct{}{}
	ix.dirtyOrder = append(ix.dirtyOrder, v)
	for d := range ix.out[v] {
		if _, ok := ix.dirty[d]; !ok {
			ix.dirty[d] = struct{}{}
			ix.dirtyOrder = append(ix.dirtyOrder, d)
		}
	}
}

// MarkDirtyBatch marks several vertices dirty, propagating to their direct
// dependents just as MarkDirty does.
func (ix *Index) MarkDirtyBatch(vs []coord.VertexID) {
	for _, v := range vs {
		ix.MarkDirty(v)
	}
}

// PopDirtyBatch removes up to limit vertices from the dirty frontier,
// returning them in topological rank order so a scheduler can layer them
// directly. limit <= 0 means unbounded.
func (ix *Index) PopDirtyBatch(limit int) []coord.VertexID {
	if limit <= 0 || limit > len(ix.dirtyOrder) {
		limit = len(ix.dirtyOrder)
	}
	batch := append([]coord.VertexID(nil), ix.dirtyOrder[:limit]...)
	ix.dirtyOrder = ix.dirtyOrder[limit:]
	for _, v := range batch {
		delete(ix.dirty, v)
	}
	sort.Slice(batch, func(i, j int) bool { return ix.rank[batch[i]] < ix.rank[batch[j]] })
	return batch
}

// DirtyCount reports the current size of the dirty frontier.
func (ix *Index) DirtyCount() int { return len(ix.dirtyOrder) }

// Dependents returns the direct out-neighbors of v (O(1) CSR offset lookup
// in the real layout; here, a direct map read).
func (ix *Index) Dependents(v coord.VertexID) []coord.VertexID {
	return setToSlice(ix.out[v])
}

// Dependencies returns the direct in-neighbors (reverse edges) of v.
func (ix *Index) Dependencies(v coord.VertexID) []coord.VertexID {
	return setToSlice(ix.in[v])
}

func setToSlice(m map[coord.VertexID]struct{}) []coord.VertexID {
	out := make([]coord.VertexID, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns a point-in-time read of a vertex's graph state.
func (ix *Index) Snapshot(v coord.VertexID) VertexSnapshot {
	ix.ensureVertex(v)
	return VertexSnapshot{
		Vertex:       v,
		Rank:         ix.rank[v],
		Dependents:   ix.Dependents(v),
		Dependencies: ix.Dependencies(v),
		Meta:         *ix.meta[v],
	}
}

// ApplyDependencies diffs vertex's current input edges against newTargets
// (the vertices its formula now references directly, outside of any range
// subscription) and adds/removes the corresponding edges. Edges that one of
// vertex's range subscriptions contributes are left in place.
func (ix *Index) ApplyDependencies(vertex coord.VertexID, newTargets []coord.VertexID) []error {
	wanted := make(map[coord.VertexID]struct{}, len(newTargets))
	for _, t := range newTargets {
		wanted[t] = struct{}{}
	}
	ranged := make(map[coord.VertexID]struct{})
	for _, re := range ix.rangeEdges {
		if re.Subscriber != vertex {
			continue
		}
		for t := range re.Targets {
			ranged[t] = struct{}{}
		}
	}
	current := ix.in[vertex]

	var errs []error
	for existing := range current {
		if _, keep := wanted[existing]; keep {
			continue
		}
		if _, viaRange := ranged[existing]; !viaRange {
			ix.RemoveEdge(existing, vertex)
		}
	}
	for t := range wanted {
		if _, already := current[t]; already {
			continue
		}
		if err := ix.AddEdge(t, vertex); err != nil {
			errs = append(errs, err)
		}
	}
	ix.MarkDirty(vertex)
	return errs
}

// HandleRangeEvents applies the edge changes implied by a batch of
// RangeEvents, ensuring vertices via the address index for Expanded spans.
func (ix *Index) HandleRangeEvents(events []rangetracker.RangeEvent, addrIndex *addressindex.Index, sheet coord.SheetID) []error {
	var errs []error
	for _, ev := range events {
		edges := ix.rangeEdges[ev.Handle]
		if edges == nil {
			edges = &RangeEdges{Targets: make(map[coord.VertexID]struct{})}
			if len(ev.Subscribers) > 0 {
				edges.Subscriber = ev.Subscribers[0]
			}
			ix.rangeEdges[ev.Handle] = edges
		}

		switch ev.Kind {
		case rangetracker.Expanded:
			for _, span := range ev.Spans {
				for _, target := range addrIndex.EnsureVerticesForSpan(sheet, span) {
					if _, ok := edges.Targets[target]; ok {
						continue
					}
					edges.Targets[target] = struct{}{}
					for _, sub := range ev.Subscribers {
						if err := ix.AddEdge(target, sub); err != nil {
							errs = append(errs, err)
						}
					}
				}
			}
		case rangetracker.Shrunk:
			for _, span := range ev.Spans {
				addrIndex.VerticesInSpanIter(sheet, span, func(_ coord.CellAddr, target coord.VertexID) bool {
					delete(edges.Targets, target)
					for _, sub := range ev.Subscribers {
						ix.RemoveEdge(target, sub)
					}
					return true
				})
			}
		case rangetracker.Emptied:
			for target := range edges.Targets {
				for _, sub := range ev.Subscribers {
					ix.RemoveEdge(target, sub)
				}
			}
			edges.Targets = make(map[coord.VertexID]struct{})
		}

		for _, sub := range ev.Subscribers {
			ix.MarkDirty(sub)
		}
	}
	return errs
}

// DropHandle releases the range-edge bookkeeping for an unregistered
// subscription handle (the caller is responsible for removing the edges
// themselves, typically via an Emptied event beforehand).
func (ix *Index) DropHandle(handle rangetracker.HandleID) {
	delete(ix.rangeEdges, handle)
}

// RemoveRangeBinding tears down every edge a handle currently contributes
// for subscriber and releases its bookkeeping. Used when a formula's set of
// range references changes and the editor unregisters a stale tracker
// subscription outside the normal delta-driven event flow.
func (ix *Index) RemoveRangeBinding(handle rangetracker.HandleID, subscriber coord.VertexID) {
	edges := ix.rangeEdges[handle]
	if edges == nil {
		return
	}
	for target := range edges.Targets {
		ix.RemoveEdge(target, subscriber)
	}
	delete(ix.rangeEdges, handle)
}
