package depindex

import (
	"sort"

	"github.com/cellforge/engine/internal/coord"
)

// TopoLayer is one wave of vertices with no edges between them, safe to
// evaluate in parallel.
type TopoLayer struct {
	Vertices []coord.VertexID
}

// CycleGroup is a non-trivial strongly-connected component discovered while
// layering; every vertex in it is assigned #CALC! rather than a value.
type CycleGroup struct {
	Vertices []coord.VertexID
}

// ExportTopoLayers groups vertices into parallel-safe layers by repeated
// Kahn peeling restricted to the given vertex set (typically the dirty
// closure). If Kahn stalls with vertices remaining, those vertices lie in
// one or more cycles; Tarjan SCC isolates the cyclic groups so the
// acyclic remainder can still be layered (SPEC_FULL.md §4.6 scheduling
// decision tree, step 2).
func (ix *Index) ExportTopoLayers(vertices []coord.VertexID) ([]TopoLayer, []CycleGroup) {
	scope := make(map[coord.VertexID]struct{}, len(vertices))
	for _, v := range vertices {
		scope[v] = struct{}{}
	}

	indeg := make(map[coord.VertexID]int, len(scope))
	for v := range scope {
		n := 0
		for in := range ix.in[v] {
			if _, ok := scope[in]; ok {
				n++
			}
		}
		indeg[v] = n
	}

	var layers []TopoLayer
	remaining := len(scope)
	for remaining > 0 {
		var layer []coord.VertexID
		for v := range scope {
			if _, done := indeg[v]; !done {
				continue
			}
			if indeg[v] == 0 {
				layer = append(layer, v)
			}
		}
		if len(layer) == 0 {
			break // stall: a cycle occupies the remaining vertices.
		}
		sort.Slice(layer, func(i, j int) bool { return layer[i] < layer[j] })
		layers = append(layers, TopoLayer{Vertices: layer})
		for _, v := range layer {
			delete(indeg, v)
			remaining--
			for d := range ix.out[v] {
				if _, ok := scope[d]; !ok {
					continue
				}
				if _, ok := indeg[d]; ok {
					indeg[d]--
				}
			}
		}
	}

	if remaining == 0 {
		return layers, nil
	}

	// Stall: collect the leftover vertices and isolate cycles via Tarjan,
	// then keep layering the acyclic remainder (if any) around them.
	var leftover []coord.VertexID
	for v := range indeg {
		leftover = append(leftover, v)
	}
	sccs := ix.tarjanSCC(leftover)

	var cycles []CycleGroup
	acyclicLeftover := make(map[coord.VertexID]struct{})
	for _, scc := range sccs {
		if len(scc) > 1 || ix.hasSelfLoop(scc[0]) {
			sort.Slice(scc, func(i, j int) bool { return scc[i] < scc[j] })
			cycles = append(cycles, CycleGroup{Vertices: scc})
			for _, v := range scc {
				ix.meta[v].Cyclic = true
			}
		} else {
			acyclicLeftover[scc[0]] = struct{}{}
		}
	}

	if len(acyclicLeftover) > 0 {
		var rest []coord.VertexID
		for v := range acyclicLeftover {
			rest = append(rest, v)
		}
		restLayers, restCycles := ix.ExportTopoLayers(rest)
		layers = append(layers, restLayers...)
		cycles = append(cycles, restCycles...)
	}

	return layers, cycles
}

func (ix *Index) hasSelfLoop(v coord.VertexID) bool {
	_, ok := ix.out[v][v]
	return ok
}

// tarjanSCC computes strongly-connected components restricted to the given
// vertex subset, using Tarjan's algorithm.
func (ix *Index) tarjanSCC(scope []coord.VertexID) [][]coord.VertexID {
	inScope := make(map[coord.VertexID]struct{}, len(scope))
	for _, v := range scope {
		inScope[v] = struct{}{}
	}

	var (
		index   = 0
		indices = make(map[coord.VertexID]int)
		lowlink = make(map[coord.VertexID]int)
		onStack = make(map[coord.VertexID]bool)
		stack   []coord.VertexID
		sccs    [][]coord.VertexID
	)

	var strongconnect func(v coord.VertexID)
	strongconnect = func(v coord.VertexID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		neighbors := make([]coord.VertexID, 0, len(ix.out[v]))
		for w := range ix.out[v] {
			if _, ok := inScope[w]; ok {
				neighbors = append(neighbors, w)
			}
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, w := range neighbors {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var scc []coord.VertexID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	sort.Slice(scope, func(i, j int) bool { return scope[i] < scope[j] })
	for _, v := range scope {
		if _, seen := indices[v]; !seen {
			strongconnect(v)
		}
	}
	return sccs
}
