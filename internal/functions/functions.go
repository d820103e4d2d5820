// Package functions defines the FunctionProvider boundary the core
// consumes (SPEC_FULL.md §4.7): the core never knows a function's
// definition, only how to resolve (name, arity) to a Callable and how to
// feed it argument handles.
package functions

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/storage"
)

// Capability is a closed bitset describing a callable's evaluation
// contract to the scheduler.
type Capability uint16

const (
	Volatile Capability = 1 << iota
	Deterministic
	ThreadSafe
	ShortCircuit
	ReturnsReference
	Reduction
)

func (c Capability) Has(f Capability) bool { return c&f != 0 }

// ArgumentHandle is one formula argument, resolved lazily: Evaluate forces
// a scalar value, AsRange exposes it as a materialized range view without
// forcing scalar coercion.
type ArgumentHandle interface {
	Evaluate() cellvalue.Value
	AsRange() (storage.RangeView, bool)
}

// Clock is injected so NOW()/TODAY() are pinned in deterministic mode.
type Clock interface {
	Now() time.Time
}

// WallClock is the default system-time Clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// RandomGenerator is injected so RAND() is pinned in deterministic mode.
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's math/rand/v2.
type DefaultRandomGenerator struct{}

func (DefaultRandomGenerator) Float64() float64 { return rand.Float64() }

// FunctionContext is the read-only context a Callable receives; it never
// exposes a write path into storage.
type FunctionContext interface {
	Clock() Clock
	Rng() RandomGenerator
	DeterministicMode() bool
}

// Callable is a registered function's evaluation contract.
type Callable interface {
	Evaluate(args []ArgumentHandle, ctx FunctionContext) (cellvalue.Value, error)
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(args []ArgumentHandle, ctx FunctionContext) (cellvalue.Value, error)

func (f CallableFunc) Evaluate(args []ArgumentHandle, ctx FunctionContext) (cellvalue.Value, error) {
	return f(args, ctx)
}

type registration struct {
	callable Callable
	caps     Capability
}

// Provider resolves (name, arity) to a Callable, giving workbook-local
// registrations precedence over built-ins (SPEC_FULL.md §4.7 and §6).
// Overriding a built-in name requires AllowOverrideBuiltins.
type Provider struct {
	builtins               map[string]registration
	local                  map[string]registration
	AllowOverrideBuiltins  bool
}

// NewDefaultProvider builds a Provider seeded with the standard library of
// spreadsheet functions, ported from the teacher's BuiltInFunctions.
func NewDefaultProvider(clock Clock, rng RandomGenerator) *Provider {
	p := &Provider{
		builtins: make(map[string]registration),
		local:    make(map[string]registration),
	}
	p.registerBuiltins(clock, rng)
	return p
}

// Register adds (or overrides) a workbook-local function. Overriding a
// built-in name requires AllowOverrideBuiltins to be set first.
func (p *Provider) Register(name string, fn Callable, caps Capability) error {
	key := strings.ToUpper(name)
	if _, isBuiltin := p.builtins[key]; isBuiltin && !p.AllowOverrideBuiltins {
		return fmt.Errorf("functions: %q is a built-in; set AllowOverrideBuiltins to override", name)
	}
	p.local[key] = registration{callable: fn, caps: caps}
	return nil
}

// Resolve looks up a callable by case-insensitive name, workbook-local
// registrations first.
func (p *Provider) Resolve(name string) (Callable, Capability, bool) {
	key := strings.ToUpper(name)
	if r, ok := p.local[key]; ok {
		return r.callable, r.caps, true
	}
	if r, ok := p.builtins[key]; ok {
		return r.callable, r.caps, true
	}
	return nil, 0, false
}

func (p *Provider) registerBuiltins(clock Clock, rng RandomGenerator) {
	if clock == nil {
		clock = WallClock{}
	}
	if rng == nil {
		rng = DefaultRandomGenerator{}
	}

	reduce := func(name string, fn func(vals []float64) (float64, error)) {
		p.builtins[name] = registration{caps: ThreadSafe | Reduction, callable: CallableFunc(
			func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
				vals, err := numericValues(args)
				if err != nil {
					return errorValue(err), nil
				}
				n, err := fn(vals)
				if err != nil {
					return errorValue(err), nil
				}
				return cellvalue.Number(n), nil
			})}
	}

	reduce("SUM", func(vals []float64) (float64, error) {
		var total float64
		for _, v := range vals {
			total += v
		}
		return total, nil
	})
	reduce("AVERAGE", func(vals []float64) (float64, error) {
		if len(vals) == 0 {
			return 0, cellvalue.NewError(cellvalue.ErrDiv0, "AVERAGE of empty range")
		}
		var total float64
		for _, v := range vals {
			total += v
		}
		return total / float64(len(vals)), nil
	})
	reduce("MAX", func(vals []float64) (float64, error) {
		if len(vals) == 0 {
			return 0, nil
		}
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	})
	reduce("MIN", func(vals []float64) (float64, error) {
		if len(vals) == 0 {
			return 0, nil
		}
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	})
	reduce("MEDIAN", func(vals []float64) (float64, error) {
		if len(vals) == 0 {
			return 0, cellvalue.NewError(cellvalue.ErrNum, "MEDIAN of empty range")
		}
		sorted := append([]float64(nil), vals...)
		sortFloat64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid], nil
		}
		return (sorted[mid-1] + sorted[mid]) / 2, nil
	})

	p.builtins["COUNT"] = registration{caps: ThreadSafe | Reduction, callable: CallableFunc(
		func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			count := 0
			forEachFlat(args, func(v cellvalue.Value) {
				if v.Kind == cellvalue.KindNumber || v.Kind == cellvalue.KindInt {
					count++
				}
			})
			return cellvalue.Integer(int64(count)), nil
		})}

	p.builtins["COUNTA"] = registration{caps: ThreadSafe | Reduction, callable: CallableFunc(
		func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			count := 0
			forEachFlat(args, func(v cellvalue.Value) {
				if !v.IsEmpty() {
					count++
				}
			})
			return cellvalue.Integer(int64(count)), nil
		})}

	p.builtins["AVERAGEA"] = registration{caps: ThreadSafe | Reduction, callable: CallableFunc(
		func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			var total float64
			count := 0
			forEachFlat(args, func(v cellvalue.Value) {
				if v.IsEmpty() {
					return
				}
				if n, ok := v.AsNumber(); ok {
					total += n
				}
				count++
			})
			if count == 0 {
				return errorValue(cellvalue.NewError(cellvalue.ErrDiv0, "AVERAGEA of empty range")), nil
			}
			return cellvalue.Number(total / float64(count)), nil
		})}

	p.builtins["IF"] = registration{caps: ThreadSafe | ShortCircuit, callable: CallableFunc(
		func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			if len(args) < 2 {
				return errorValue(cellvalue.NewError(cellvalue.ErrValue, "IF requires 2 or 3 arguments")), nil
			}
			cond := args[0].Evaluate()
			if cond.IsError() {
				return cond, nil
			}
			if truthy(cond) {
				return args[1].Evaluate(), nil
			}
			if len(args) >= 3 {
				return args[2].Evaluate(), nil
			}
			return cellvalue.Boolean(false), nil
		})}

	p.builtins["AND"] = registration{caps: ThreadSafe, callable: CallableFunc(
		func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			result := true
			forEachFlat(args, func(v cellvalue.Value) {
				if !truthy(v) {
					result = false
				}
			})
			return cellvalue.Boolean(result), nil
		})}

	p.builtins["OR"] = registration{caps: ThreadSafe, callable: CallableFunc(
		func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			result := false
			forEachFlat(args, func(v cellvalue.Value) {
				if truthy(v) {
					result = true
				}
			})
			return cellvalue.Boolean(result), nil
		})}

	p.builtins["NOT"] = registration{caps: ThreadSafe, callable: CallableFunc(
		func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			if len(args) != 1 {
				return errorValue(cellvalue.NewError(cellvalue.ErrValue, "NOT requires exactly 1 argument")), nil
			}
			return cellvalue.Boolean(!truthy(args[0].Evaluate())), nil
		})}

	p.builtins["CONCATENATE"] = registration{caps: ThreadSafe, callable: CallableFunc(
		func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			var b strings.Builder
			var firstErr *cellvalue.CellError
			forEachFlat(args, func(v cellvalue.Value) {
				if v.IsError() && firstErr == nil {
					firstErr = v.Err
				}
				b.WriteString(textOf(v))
			})
			if firstErr != nil {
				return cellvalue.Error(firstErr), nil
			}
			return cellvalue.Text(b.String()), nil
		})}

	p.builtins["LEN"] = registration{caps: ThreadSafe, callable: textFunc1(func(s string) cellvalue.Value {
		return cellvalue.Integer(int64(len(s)))
	})}
	p.builtins["UPPER"] = registration{caps: ThreadSafe, callable: textFunc1(func(s string) cellvalue.Value {
		return cellvalue.Text(strings.ToUpper(s))
	})}
	p.builtins["LOWER"] = registration{caps: ThreadSafe, callable: textFunc1(func(s string) cellvalue.Value {
		return cellvalue.Text(strings.ToLower(s))
	})}
	p.builtins["TRIM"] = registration{caps: ThreadSafe, callable: textFunc1(func(s string) cellvalue.Value {
		return cellvalue.Text(strings.TrimSpace(s))
	})}

	numFunc1 := func(fn func(float64) float64) Callable {
		return CallableFunc(func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			if len(args) != 1 {
				return errorValue(cellvalue.NewError(cellvalue.ErrValue, "expects exactly 1 argument")), nil
			}
			v := args[0].Evaluate()
			if v.IsError() {
				return v, nil
			}
			n, ok := v.AsNumber()
			if !ok {
				return cellvalue.ErrorOf(cellvalue.ErrValue, "expects a numeric argument"), nil
			}
			return cellvalue.Number(fn(n)), nil
		})
	}
	p.builtins["ABS"] = registration{caps: ThreadSafe, callable: numFunc1(math.Abs)}
	p.builtins["SQRT"] = registration{caps: ThreadSafe, callable: CallableFunc(
		func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			if len(args) != 1 {
				return errorValue(cellvalue.NewError(cellvalue.ErrValue, "SQRT requires exactly 1 argument")), nil
			}
			v := args[0].Evaluate()
			if v.IsError() {
				return v, nil
			}
			n, ok := v.AsNumber()
			if !ok {
				return cellvalue.ErrorOf(cellvalue.ErrValue, "SQRT expects a numeric argument"), nil
			}
			if n < 0 {
				return errorValue(cellvalue.NewError(cellvalue.ErrNum, "SQRT of negative number")), nil
			}
			return cellvalue.Number(math.Sqrt(n)), nil
		})}

	p.builtins["ROUND"] = registration{caps: ThreadSafe, callable: numFunc2("ROUND", func(a, b float64) (float64, error) {
		mult := math.Pow(10, b)
		return math.Round(a*mult) / mult, nil
	})}
	p.builtins["FLOOR"] = registration{caps: ThreadSafe, callable: numFunc2("FLOOR", func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, cellvalue.NewError(cellvalue.ErrDiv0, "FLOOR significance cannot be zero")
		}
		return math.Floor(a/b) * b, nil
	})}
	p.builtins["CEILING"] = registration{caps: ThreadSafe, callable: numFunc2("CEILING", func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, cellvalue.NewError(cellvalue.ErrDiv0, "CEILING significance cannot be zero")
		}
		return math.Ceil(a/b) * b, nil
	})}
	p.builtins["POWER"] = registration{caps: ThreadSafe, callable: numFunc2("POWER", func(a, b float64) (float64, error) {
		return math.Pow(a, b), nil
	})}
	p.builtins["MOD"] = registration{caps: ThreadSafe, callable: numFunc2("MOD", func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, cellvalue.NewError(cellvalue.ErrDiv0, "MOD divisor cannot be zero")
		}
		return math.Mod(a, b), nil
	})}

	p.builtins["PI"] = registration{caps: ThreadSafe | Deterministic, callable: CallableFunc(
		func(_ []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
			return cellvalue.Number(math.Pi), nil
		})}

	p.builtins["NOW"] = registration{caps: Volatile, callable: CallableFunc(
		func(_ []ArgumentHandle, ctx FunctionContext) (cellvalue.Value, error) {
			return cellvalue.DateTime(resolveClock(ctx, clock).Now()), nil
		})}
	p.builtins["TODAY"] = registration{caps: Volatile, callable: CallableFunc(
		func(_ []ArgumentHandle, ctx FunctionContext) (cellvalue.Value, error) {
			now := resolveClock(ctx, clock).Now()
			return cellvalue.Date(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())), nil
		})}
	p.builtins["RAND"] = registration{caps: Volatile, callable: CallableFunc(
		func(_ []ArgumentHandle, ctx FunctionContext) (cellvalue.Value, error) {
			return cellvalue.Number(resolveRng(ctx, rng).Float64()), nil
		})}
}

func resolveClock(ctx FunctionContext, fallback Clock) Clock {
	if ctx != nil && ctx.Clock() != nil {
		return ctx.Clock()
	}
	return fallback
}

func resolveRng(ctx FunctionContext, fallback RandomGenerator) RandomGenerator {
	if ctx != nil && ctx.Rng() != nil {
		return ctx.Rng()
	}
	return fallback
}

func numFunc2(name string, fn func(a, b float64) (float64, error)) Callable {
	return CallableFunc(func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
		if len(args) != 2 {
			return errorValue(cellvalue.NewError(cellvalue.ErrValue, name+" requires exactly 2 arguments")), nil
		}
		a, b := args[0].Evaluate(), args[1].Evaluate()
		if a.IsError() {
			return a, nil
		}
		if b.IsError() {
			return b, nil
		}
		an, aok := a.AsNumber()
		bn, bok := b.AsNumber()
		if !aok || !bok {
			return cellvalue.ErrorOf(cellvalue.ErrValue, name+" expects numeric arguments"), nil
		}
		n, err := fn(an, bn)
		if err != nil {
			return errorValue(err), nil
		}
		return cellvalue.Number(n), nil
	})
}

func textFunc1(fn func(string) cellvalue.Value) Callable {
	return CallableFunc(func(args []ArgumentHandle, _ FunctionContext) (cellvalue.Value, error) {
		if len(args) != 1 {
			return errorValue(cellvalue.NewError(cellvalue.ErrValue, "expects exactly 1 argument")), nil
		}
		v := args[0].Evaluate()
		if v.IsError() {
			return v, nil
		}
		return fn(textOf(v)), nil
	})
}

func errorValue(err error) cellvalue.Value {
	if ce, ok := err.(*cellvalue.CellError); ok {
		return cellvalue.Error(ce)
	}
	return cellvalue.ErrorOf(cellvalue.ErrValue, err.Error())
}

func truthy(v cellvalue.Value) bool {
	switch v.Kind {
	case cellvalue.KindBool:
		return v.Bool
	case cellvalue.KindNumber, cellvalue.KindInt:
		return v.Num != 0
	case cellvalue.KindText:
		return strings.EqualFold(v.Str, "true")
	default:
		return false
	}
}

func textOf(v cellvalue.Value) string {
	switch v.Kind {
	case cellvalue.KindText:
		return v.Str
	case cellvalue.KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case cellvalue.KindInt:
		return strconv.FormatInt(int64(v.Num), 10)
	case cellvalue.KindBool:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	default:
		return ""
	}
}

// forEachFlat walks every argument, expanding ranges into their component
// values, and invokes fn for each scalar encountered.
func forEachFlat(args []ArgumentHandle, fn func(cellvalue.Value)) {
	for _, a := range args {
		if rv, ok := a.AsRange(); ok {
			for _, v := range rv.Values {
				fn(v)
			}
			continue
		}
		fn(a.Evaluate())
	}
}

func numericValues(args []ArgumentHandle) ([]float64, error) {
	var out []float64
	var firstErr *cellvalue.CellError
	forEachFlat(args, func(v cellvalue.Value) {
		if v.IsError() {
			if firstErr == nil {
				firstErr = v.Err
			}
			return
		}
		if n, ok := v.AsNumber(); ok {
			out = append(out, n)
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func sortFloat64s(vals []float64) {
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && vals[j-1] > vals[j]; j-- {
			vals[j-1], vals[j] = vals[j], vals[j-1]
		}
	}
}
