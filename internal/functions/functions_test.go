package functions_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cellforge/engine/internal/cellvalue"
	"github.com/cellforge/engine/internal/functions"
	"github.com/cellforge/engine/internal/storage"
)

type scalarArg struct{ v cellvalue.Value }

func (a scalarArg) Evaluate() cellvalue.Value                { return a.v }
func (a scalarArg) AsRange() (storage.RangeView, bool)        { return storage.RangeView{}, false }

func arg(v cellvalue.Value) functions.ArgumentHandle { return scalarArg{v} }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type zeroRNG struct{}

func (zeroRNG) Float64() float64 { return 0 }

type testCtx struct {
	clock         functions.Clock
	rng           functions.RandomGenerator
	deterministic bool
}

func (c testCtx) Clock() functions.Clock            { return c.clock }
func (c testCtx) Rng() functions.RandomGenerator     { return c.rng }
func (c testCtx) DeterministicMode() bool            { return c.deterministic }

func newProvider() *functions.Provider {
	return functions.NewDefaultProvider(fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, zeroRNG{})
}

func call(t *testing.T, p *functions.Provider, name string, args ...cellvalue.Value) cellvalue.Value {
	t.Helper()
	fn, _, ok := p.Resolve(name)
	require.True(t, ok, "%s not registered", name)

	handles := make([]functions.ArgumentHandle, len(args))
	for i, a := range args {
		handles[i] = arg(a)
	}
	result, err := fn.Evaluate(handles, testCtx{clock: fixedClock{}, rng: zeroRNG{}})
	require.NoError(t, err)
	return result
}

func TestSumAndAverage(t *testing.T) {
	p := newProvider()
	require.Equal(t, cellvalue.Number(6), call(t, p, "SUM", cellvalue.Number(1), cellvalue.Number(2), cellvalue.Number(3)))
	require.Equal(t, cellvalue.Number(2), call(t, p, "AVERAGE", cellvalue.Number(1), cellvalue.Number(2), cellvalue.Number(3)))
}

func TestIfShortCircuits(t *testing.T) {
	p := newProvider()
	got := call(t, p, "IF", cellvalue.Boolean(true), cellvalue.Number(1), cellvalue.Number(2))
	require.Equal(t, cellvalue.Number(1), got)

	got = call(t, p, "IF", cellvalue.Boolean(false), cellvalue.Number(1), cellvalue.Number(2))
	require.Equal(t, cellvalue.Number(2), got)
}

func TestConcatenateAndCase(t *testing.T) {
	p := newProvider()
	require.Equal(t, cellvalue.Text("ab"), call(t, p, "CONCATENATE", cellvalue.Text("a"), cellvalue.Text("b")))
	require.Equal(t, cellvalue.Text("AB"), call(t, p, "UPPER", cellvalue.Text("ab")))
	require.Equal(t, cellvalue.Text("ab"), call(t, p, "LOWER", cellvalue.Text("AB")))
}

func TestRoundingFunctions(t *testing.T) {
	p := newProvider()
	require.Equal(t, cellvalue.Number(3), call(t, p, "ROUND", cellvalue.Number(2.5), cellvalue.Number(0)))
	require.Equal(t, cellvalue.Number(2), call(t, p, "FLOOR", cellvalue.Number(2.9), cellvalue.Number(1)))
	require.Equal(t, cellvalue.Number(3), call(t, p, "CEILING", cellvalue.Number(2.1), cellvalue.Number(1)))
	require.Equal(t, cellvalue.Number(4), call(t, p, "ABS", cellvalue.Number(-4)))
}

func TestRegisterOverrideRequiresFlag(t *testing.T) {
	p := newProvider()
	err := p.Register("SUM", functions.CallableFunc(func(args []functions.ArgumentHandle, ctx functions.FunctionContext) (cellvalue.Value, error) {
		return cellvalue.Number(0), nil
	}), functions.Deterministic)
	require.Error(t, err)

	p.AllowOverrideBuiltins = true
	err = p.Register("SUM", functions.CallableFunc(func(args []functions.ArgumentHandle, ctx functions.FunctionContext) (cellvalue.Value, error) {
		return cellvalue.Number(99), nil
	}), functions.Deterministic)
	require.NoError(t, err)
	require.Equal(t, cellvalue.Number(99), call(t, p, "SUM", cellvalue.Number(1)))
}
