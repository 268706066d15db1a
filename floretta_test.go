package floretta_test

import (
	"math"
	"testing"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/stretchr/testify/require"

	"github.com/floretta/floretta"
	"github.com/floretta/floretta/internal/ieee754"
	"github.com/floretta/floretta/internal/wasm"
	"github.com/floretta/floretta/internal/wasm/binary"
)

// instantiate runs a transformed module under wasmtime, the engine used for
// black-box execution checks.
func instantiate(t *testing.T, bin []byte) (*wasmtime.Store, *wasmtime.Instance) {
	t.Helper()
	cfg := wasmtime.NewConfig()
	cfg.SetWasmMultiMemory(true)
	store := wasmtime.NewStore(wasmtime.NewEngineWithConfig(cfg))
	module, err := wasmtime.NewModule(store.Engine, bin)
	require.NoError(t, err)
	instance, err := wasmtime.NewInstance(store, module, nil)
	require.NoError(t, err)
	return store, instance
}

// call invokes an export and normalizes its results to float64s.
func call(t *testing.T, store *wasmtime.Store, instance *wasmtime.Instance, name string, args ...interface{}) []float64 {
	t.Helper()
	fn := instance.GetFunc(store, name)
	require.NotNil(t, fn, "export %q", name)
	result, err := fn.Call(store, args...)
	require.NoError(t, err)
	switch v := result.(type) {
	case nil:
		return nil
	case float64:
		return []float64{v}
	case float32:
		return []float64{float64(v)}
	case []wasmtime.Val:
		out := make([]float64, len(v))
		for i, val := range v {
			switch x := val.Get().(type) {
			case float64:
				out[i] = x
			case float32:
				out[i] = float64(x)
			default:
				t.Fatalf("unexpected result type %T", x)
			}
		}
		return out
	default:
		t.Fatalf("unexpected result type %T", v)
		return nil
	}
}

func f64f64() *wasm.FunctionType {
	return &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeF64},
		Results: []wasm.ValueType{wasm.ValueTypeF64},
	}
}

func singleFunc(name string, sig *wasm.FunctionType, localTypes []wasm.ValueType, body []byte) []byte {
	m := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{sig},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{LocalTypes: localTypes, Body: body}},
		ExportSection:   []*wasm.Export{{Kind: wasm.ExportKindFunc, Name: name, Index: 0}},
	}
	return binary.EncodeModule(m)
}

func squareWasm() []byte {
	return singleFunc("square", f64f64(), nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeF64Mul,
		wasm.OpcodeEnd,
	})
}

func TestReverse_Square(t *testing.T) {
	out, err := floretta.NewReverse().Export("square", "backprop").Transform(squareWasm())
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{9}, call(t, store, instance, "square", 3.0))
	require.Equal(t, []float64{6}, call(t, store, instance, "backprop", 1.0))
}

func TestReverse_Identity(t *testing.T) {
	in := singleFunc("id", f64f64(), nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeEnd,
	})
	out, err := floretta.NewReverse().Export("id", "backprop").Transform(in)
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{42}, call(t, store, instance, "id", 42.0))
	require.Equal(t, []float64{1}, call(t, store, instance, "backprop", 1.0))
}

func TestReverse_Div(t *testing.T) {
	sig := &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeF64, wasm.ValueTypeF64},
		Results: []wasm.ValueType{wasm.ValueTypeF64},
	}
	in := singleFunc("divby", sig, nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeF64Div,
		wasm.OpcodeEnd,
	})
	out, err := floretta.NewReverse().Export("divby", "backprop").Transform(in)
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{3}, call(t, store, instance, "divby", 6.0, 2.0))
	require.Equal(t, []float64{0.5, -1.5}, call(t, store, instance, "backprop", 1.0))
}

func TestReverse_Sqrt(t *testing.T) {
	in := singleFunc("sqrt", f64f64(), nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeF64Sqrt,
		wasm.OpcodeEnd,
	})
	out, err := floretta.NewReverse().Export("sqrt", "backprop").Transform(in)
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{2}, call(t, store, instance, "sqrt", 4.0))
	require.Equal(t, []float64{0.25}, call(t, store, instance, "backprop", 1.0))
}

func TestReverse_TapeBalance(t *testing.T) {
	// The tape pointers return to zero after a primal+backward pair, so
	// repeated rounds on the same instance keep producing the same answers.
	out, err := floretta.NewReverse().Export("square", "backprop").Transform(squareWasm())
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	for i := 0; i < 3; i++ {
		require.Equal(t, []float64{9}, call(t, store, instance, "square", 3.0))
		require.Equal(t, []float64{6}, call(t, store, instance, "backprop", 1.0))
	}
}

func TestReverse_ExportSamePrimalTwice(t *testing.T) {
	out, err := floretta.NewReverse().
		Export("square", "backprop").
		Export("square", "gradient").
		Transform(squareWasm())
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{9}, call(t, store, instance, "square", 3.0))
	require.Equal(t, []float64{6}, call(t, store, instance, "backprop", 1.0))
	require.Equal(t, []float64{9}, call(t, store, instance, "square", 3.0))
	require.Equal(t, []float64{6}, call(t, store, instance, "gradient", 1.0))
}

func TestReverse_IfElse(t *testing.T) {
	sig := &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeF64, wasm.ValueTypeF64},
		Results: []wasm.ValueType{wasm.ValueTypeF64},
	}
	in := singleFunc("select", sig, nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeIf, 0x7c, // f64
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeElse,
		wasm.OpcodeLocalGet, 2,
		wasm.OpcodeEnd,
		wasm.OpcodeEnd,
	})
	out, err := floretta.NewReverse().Export("select", "backprop").Transform(in)
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{2}, call(t, store, instance, "select", int32(1), 2.0, 3.0))
	require.Equal(t, []float64{1, 0}, call(t, store, instance, "backprop", 1.0))
	require.Equal(t, []float64{3}, call(t, store, instance, "select", int32(0), 2.0, 3.0))
	require.Equal(t, []float64{0, 1}, call(t, store, instance, "backprop", 1.0))
}

func TestReverse_Select(t *testing.T) {
	sig := &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeF64, wasm.ValueTypeF64},
		Results: []wasm.ValueType{wasm.ValueTypeF64},
	}
	in := singleFunc("pick", sig, nil, []byte{
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeLocalGet, 2,
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeSelect,
		wasm.OpcodeEnd,
	})
	out, err := floretta.NewReverse().Export("pick", "backprop").Transform(in)
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{2}, call(t, store, instance, "pick", int32(1), 2.0, 3.0))
	require.Equal(t, []float64{1, 0}, call(t, store, instance, "backprop", 1.0))
	require.Equal(t, []float64{3}, call(t, store, instance, "pick", int32(0), 2.0, 3.0))
	require.Equal(t, []float64{0, 1}, call(t, store, instance, "backprop", 1.0))
}

func TestReverse_Loop(t *testing.T) {
	in := singleFunc("triple", f64f64(),
		[]wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeF64},
		[]byte{
			wasm.OpcodeI32Const, 3,
			wasm.OpcodeLocalSet, 1,
			wasm.OpcodeLoop, 0x40,
			wasm.OpcodeLocalGet, 2,
			wasm.OpcodeLocalGet, 0,
			wasm.OpcodeF64Add,
			wasm.OpcodeLocalSet, 2,
			wasm.OpcodeLocalGet, 1,
			wasm.OpcodeI32Const, 1,
			wasm.OpcodeI32Sub,
			wasm.OpcodeLocalTee, 1,
			wasm.OpcodeBrIf, 0,
			wasm.OpcodeEnd,
			wasm.OpcodeLocalGet, 2,
			wasm.OpcodeEnd,
		})
	out, err := floretta.NewReverse().Export("triple", "backprop").Transform(in)
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{4.5}, call(t, store, instance, "triple", 1.5))
	require.Equal(t, []float64{3}, call(t, store, instance, "backprop", 1.0))
}

func TestReverse_Call(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{f64f64()},
		FunctionSection: []wasm.Index{0, 0},
		CodeSection: []*wasm.Code{
			{Body: []byte{
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeF64Mul,
				wasm.OpcodeEnd,
			}},
			{Body: []byte{
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeCall, 0,
				wasm.OpcodeCall, 0,
				wasm.OpcodeEnd,
			}},
		},
		ExportSection: []*wasm.Export{{Kind: wasm.ExportKindFunc, Name: "fourth", Index: 1}},
	}
	out, err := floretta.NewReverse().Export("fourth", "backprop").Transform(binary.EncodeModule(m))
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{16}, call(t, store, instance, "fourth", 2.0))
	// d/dx x^4 = 4x^3
	require.Equal(t, []float64{32}, call(t, store, instance, "backprop", 1.0))
}

func TestReverse_ShadowMemoryHoldsCotangent(t *testing.T) {
	// Two memories; the exported function loads an f64 that a data segment
	// placed in the second one. After the backward pass, the shadow of that
	// memory holds the incoming cotangent at the loaded address.
	m := &wasm.Module{
		TypeSection: []*wasm.FunctionType{
			{Results: []wasm.ValueType{wasm.ValueTypeF64}},
		},
		FunctionSection: []wasm.Index{0},
		MemorySection:   []*wasm.MemoryType{{Min: 1}, {Min: 1}},
		CodeSection: []*wasm.Code{
			{Body: []byte{
				wasm.OpcodeI32Const, 0,
				wasm.OpcodeF64Load, 0x43, 0, 1, // align 3 | memidx flag, offset 0, memory 1
				wasm.OpcodeEnd,
			}},
		},
		ExportSection: []*wasm.Export{
			{Kind: wasm.ExportKindFunc, Name: "read", Index: 0},
			{Kind: wasm.ExportKindMemory, Name: "data", Index: 1},
		},
		DataSection: []*wasm.DataSegment{{
			MemoryIndex:      1,
			OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}},
			Init:             ieee754.EncodeFloat64(2.5),
		}},
	}
	out, err := floretta.NewReverse().
		Export("read", "backprop").
		Export("data", "data_shadow").
		Transform(binary.EncodeModule(m))
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{2.5}, call(t, store, instance, "read"))
	require.Equal(t, []float64(nil), call(t, store, instance, "backprop", 3.0))

	shadow := instance.GetExport(store, "data_shadow").Memory()
	require.NotNil(t, shadow)
	raw := shadow.UnsafeData(store)[:8]
	bits := uint64(0)
	for i := 7; i >= 0; i-- {
		bits = bits<<8 | uint64(raw[i])
	}
	require.Equal(t, 3.0, math.Float64frombits(bits))
}

func TestReverse_MinMaxCopysign(t *testing.T) {
	sig := &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeF64, wasm.ValueTypeF64},
		Results: []wasm.ValueType{wasm.ValueTypeF64},
	}
	tests := []struct {
		name     string
		op       wasm.Opcode
		x, y     float64
		primal   float64
		gradient []float64
	}{
		{name: "min picks first", op: wasm.OpcodeF64Min, x: 2, y: 3, primal: 2, gradient: []float64{1, 0}},
		{name: "min picks second", op: wasm.OpcodeF64Min, x: 3, y: 2, primal: 2, gradient: []float64{0, 1}},
		{name: "min tie picks first", op: wasm.OpcodeF64Min, x: 2, y: 2, primal: 2, gradient: []float64{1, 0}},
		{name: "max picks second", op: wasm.OpcodeF64Max, x: 2, y: 3, primal: 3, gradient: []float64{0, 1}},
		{name: "max tie picks first", op: wasm.OpcodeF64Max, x: 2, y: 2, primal: 2, gradient: []float64{1, 0}},
		{name: "copysign keeps sign", op: wasm.OpcodeF64Copysign, x: 2, y: 3, primal: 2, gradient: []float64{1, 0}},
		{name: "copysign flips sign", op: wasm.OpcodeF64Copysign, x: 2, y: -3, primal: -2, gradient: []float64{-1, 0}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			in := singleFunc("f", sig, nil, []byte{
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeLocalGet, 1,
				tc.op,
				wasm.OpcodeEnd,
			})
			out, err := floretta.NewReverse().Export("f", "backprop").Transform(in)
			require.NoError(t, err)
			store, instance := instantiate(t, out)

			require.Equal(t, []float64{tc.primal}, call(t, store, instance, "f", tc.x, tc.y))
			require.Equal(t, tc.gradient, call(t, store, instance, "backprop", 1.0))
		})
	}
}

// gradModule computes x*y + x/y - sqrt(x*x + y*y), a composite of the
// differentiated binary ops.
func gradModule() []byte {
	sig := &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeF64, wasm.ValueTypeF64},
		Results: []wasm.ValueType{wasm.ValueTypeF64},
	}
	return singleFunc("f", sig, nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeF64Mul,
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeF64Div,
		wasm.OpcodeF64Add,
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeF64Mul,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeF64Mul,
		wasm.OpcodeF64Add,
		wasm.OpcodeF64Sqrt,
		wasm.OpcodeF64Sub,
		wasm.OpcodeEnd,
	})
}

// TestReverse_FiniteDifferences checks the adjoint against a central
// finite-difference approximation on a battery of inputs.
func TestReverse_FiniteDifferences(t *testing.T) {
	out, err := floretta.NewReverse().Export("f", "backprop").Transform(gradModule())
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	const h = 1e-6
	inputs := [][2]float64{{1.5, 0.5}, {3, 2}, {0.25, 4}, {7, 0.125}, {2.5, 2.5}}
	for _, in := range inputs {
		x, y := in[0], in[1]
		f := func(x, y float64) float64 {
			return call(t, store, instance, "f", x, y)[0]
		}
		dx := (f(x+h, y) - f(x-h, y)) / (2 * h)
		dy := (f(x, y+h) - f(x, y-h)) / (2 * h)
		// The backward pass replays the most recent primal call's tape, so
		// run the primal at the point itself last.
		f(x, y)
		grad := call(t, store, instance, "backprop", 1.0)
		require.InEpsilon(t, dx, grad[0], 1e-5, "df/dx at (%v,%v)", x, y)
		require.InEpsilon(t, dy, grad[1], 1e-5, "df/dy at (%v,%v)", x, y)
	}
}

func TestForward_Square(t *testing.T) {
	out, err := floretta.NewForward().Transform(squareWasm())
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	require.Equal(t, []float64{9, 6}, call(t, store, instance, "square", 3.0, 1.0))
}

// TestForward_JacobianColumns seeds each input's dual with 1 to read off the
// corresponding column of the Jacobian, checked against finite differences.
func TestForward_JacobianColumns(t *testing.T) {
	out, err := floretta.NewForward().Transform(gradModule())
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	const h = 1e-6
	for _, in := range [][2]float64{{1.5, 0.5}, {3, 2}, {0.25, 4}} {
		x, y := in[0], in[1]
		f := func(x, y float64) float64 {
			return call(t, store, instance, "f", x, 0.0, y, 0.0)[0]
		}
		dx := (f(x+h, y) - f(x-h, y)) / (2 * h)
		dy := (f(x, y+h) - f(x, y-h)) / (2 * h)

		col0 := call(t, store, instance, "f", x, 1.0, y, 0.0)
		require.InEpsilon(t, dx, col0[1], 1e-5)
		col1 := call(t, store, instance, "f", x, 0.0, y, 1.0)
		require.InEpsilon(t, dy, col1[1], 1e-5)
	}
}

func TestReverse_IntegerRoundTrip(t *testing.T) {
	// A module with no floating-point ops computes the same outputs after
	// transformation.
	sig := &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		Results: []wasm.ValueType{wasm.ValueTypeI32},
	}
	in := singleFunc("gcd_step", sig, nil, []byte{
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeI32RemU,
		wasm.OpcodeLocalGet, 0,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeI32Add,
		wasm.OpcodeI32Mul,
		wasm.OpcodeEnd,
	})
	out, err := floretta.NewReverse().Export("gcd_step", "backprop").Transform(in)
	require.NoError(t, err)
	store, instance := instantiate(t, out)

	fn := instance.GetFunc(store, "gcd_step")
	require.NotNil(t, fn)
	result, err := fn.Call(store, int32(7), int32(3))
	require.NoError(t, err)
	require.Equal(t, int32(10), result)
}

func TestReverse_UnsupportedSIMD(t *testing.T) {
	in := singleFunc("f", &wasm.FunctionType{}, nil, []byte{
		0xfd, 0x0, // SIMD prefix
		wasm.OpcodeEnd,
	})
	_, err := floretta.NewReverse().Transform(in)
	require.ErrorIs(t, err, floretta.ErrUnsupported)
}

func TestReverse_InvalidModule(t *testing.T) {
	_, err := floretta.NewReverse().Transform([]byte("not wasm"))
	require.ErrorIs(t, err, floretta.ErrInvalidModule)
}
