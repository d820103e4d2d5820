package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/cellforge/engine/internal/addressindex"
	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/coord"
	"github.com/cellforge/engine/internal/depindex"
	"github.com/cellforge/engine/internal/editor"
	"github.com/cellforge/engine/internal/engineerr"
)

// Config tunes the scheduler's behavior (SPEC_FULL.md §4.6, §9 config).
type Config struct {
	// ParallelLayerThreshold is the minimum vertex count in one topo layer
	// before it is evaluated across a goroutine pool instead of serially.
	ParallelLayerThreshold int
	// MaxParallelism bounds the goroutine pool width; 0 lets errgroup run
	// unbounded (still capped implicitly by GOMAXPROCS scheduling).
	MaxParallelism int
	// Deterministic pins volatile functions instead of re-dirtying them
	// at the end of every recalculation pass.
	Deterministic bool
}

// DefaultConfig matches the teacher-adjacent defaults used across the
// corpus's tuning structs: small workbooks never pay goroutine overhead.
func DefaultConfig() Config {
	return Config{ParallelLayerThreshold: 64, MaxParallelism: 0, Deterministic: false}
}

// RecalcReport summarizes one Recalculate call, mirroring the
// editor.CommitSummary shape the evaluator contributes to.
type RecalcReport struct {
	VerticesEvaluated int
	LayersExecuted    int
	Cycles            []depindex.CycleGroup
	Passes            int
}

// EngineCore schedules dirty vertices into topological layers and
// evaluates them, committing results back through the WorkbookEditor so
// telemetry and the change log stay uniform regardless of write origin.
type EngineCore struct {
	deps      *depindex.Index
	addrIndex *addressindex.Index
	ed        *editor.WorkbookEditor
	interp    *Interpreter
	cfg       Config
	logger    zerolog.Logger
}

// NewEngineCore wires a scheduler over an already-constructed editor and
// interpreter. The interpreter and editor must share the same storage,
// tracker, and dependency index instances.
func NewEngineCore(deps *depindex.Index, addrIndex *addressindex.Index, ed *editor.WorkbookEditor, interp *Interpreter, cfg Config) *EngineCore {
	return &EngineCore{deps: deps, addrIndex: addrIndex, ed: ed, interp: interp, cfg: cfg, logger: zerolog.Nop()}
}

// SetLogger installs a structured logger.
func (c *EngineCore) SetLogger(l zerolog.Logger) { c.logger = l }

// Recalculate drains the dependency index's dirty frontier to a
// fixed point, evaluating each topological layer it produces and
// committing results through the editor. Volatile formulas are
// re-dirtied once at the end of the pass unless Config.Deterministic is
// set. Suspension points (ctx.Err checks) fall only at layer
// boundaries, matching §5's resource model.
func (c *EngineCore) Recalculate(ctx context.Context) (RecalcReport, error) {
	var report RecalcReport
	var touchedVolatile []coord.VertexID

	for {
		dirty := c.deps.PopDirtyBatch(0)
		if len(dirty) == 0 {
			break
		}
		report.Passes++

		layers, cycles := c.deps.ExportTopoLayers(dirty)
		report.Cycles = append(report.Cycles, cycles...)
		if err := c.commitCycleErrors(cycles); err != nil {
			return report, err
		}

		for _, layer := range layers {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			results, volatiles, err := c.evaluateLayer(layer.Vertices)
			if err != nil {
				return report, err
			}
			touchedVolatile = append(touchedVolatile, volatiles...)
			if len(results) == 0 {
				continue
			}
			if err := c.ed.CommitResults(results); err != nil {
				return report, err
			}
			report.VerticesEvaluated += len(results)
			report.LayersExecuted++
		}
	}

	if !c.cfg.Deterministic && len(touchedVolatile) > 0 {
		c.deps.MarkDirtyBatch(touchedVolatile)
	}
	return report, nil
}

func (c *EngineCore) commitCycleErrors(cycles []depindex.CycleGroup) error {
	if len(cycles) == 0 {
		return nil
	}
	var results []editor.ComputedResult
	for _, cycle := range cycles {
		cells := make([]string, 0, len(cycle.Vertices))
		for _, v := range cycle.Vertices {
			if addr, ok := c.addrIndex.CellOf(v); ok {
				cells = append(cells, fmt.Sprintf("r%dc%d", addr.Row, addr.Col))
			}
		}
		ee := engineerr.New(engineerr.CyclicDependency, engineerr.Context{}, engineerr.Cycle{Cells: cells})
		value := cellvalue.Error(ee.CellError())
		for _, v := range cycle.Vertices {
			addr, ok := c.addrIndex.CellOf(v)
			if !ok {
				continue
			}
			results = append(results, editor.ComputedResult{Vertex: v, Addr: addr, Value: value})
		}
	}
	if len(results) == 0 {
		return nil
	}
	return c.ed.CommitResults(results)
}

// evaluateLayer computes every formula vertex in one topo layer. Layers
// at or above ParallelLayerThreshold fan out across an errgroup; smaller
// layers evaluate serially to avoid goroutine overhead on the common
// case of small recalculation waves.
func (c *EngineCore) evaluateLayer(vertices []coord.VertexID) ([]editor.ComputedResult, []coord.VertexID, error) {
	type outcome struct {
		result   editor.ComputedResult
		ok       bool
		volatile bool
	}
	outcomes := make([]outcome, len(vertices))

	compute := func(i int) {
		v := vertices[i]
		node, ok := c.ed.CellFormula(v)
		if !ok {
			return
		}
		addr, ok := c.addrIndex.CellOf(v)
		if !ok {
			return
		}
		value, volatile := c.interp.Eval(node, addr.Sheet)
		outcomes[i] = outcome{result: editor.ComputedResult{Vertex: v, Addr: addr, Value: value}, ok: true, volatile: volatile}
	}

	if len(vertices) >= c.cfg.ParallelLayerThreshold && len(vertices) > 1 {
		g := new(errgroup.Group)
		if c.cfg.MaxParallelism > 0 {
			g.SetLimit(c.cfg.MaxParallelism)
		}
		for i := range vertices {
			i := i
			g.Go(func() error {
				compute(i)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
	} else {
		for i := range vertices {
			compute(i)
		}
	}

	var results []editor.ComputedResult
	var volatiles []coord.VertexID
	for i, o := range outcomes {
		if !o.ok {
			continue
		}
		results = append(results, o.result)
		if o.volatile {
			volatiles = append(volatiles, vertices[i])
		}
	}
	return results, volatiles, nil
}
