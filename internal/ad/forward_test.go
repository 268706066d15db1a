package ad

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floretta/floretta/internal/wasm"
	"github.com/floretta/floretta/internal/wasm/binary"
)

func forwardRoundtrip(t *testing.T, in *wasm.Module) *wasm.Module {
	t.Helper()
	require.NoError(t, in.Validate())
	transformed, err := Forward(binary.EncodeModule(in), ForwardOptions{})
	require.NoError(t, err)
	out, err := binary.DecodeModule(transformed)
	require.NoError(t, err)
	require.NoError(t, out.Validate(), "transformed module must be valid")
	return out
}

func TestForward_Square(t *testing.T) {
	out := forwardRoundtrip(t, squareModule())

	// Every float in the signature gains a dual of the same type.
	require.Equal(t, &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeF64, wasm.ValueTypeF64},
		Results: []wasm.ValueType{wasm.ValueTypeF64, wasm.ValueTypeF64},
	}, out.TypeSection[0])

	// Function indices are untouched; the export still points at function 0.
	require.Equal(t, []*wasm.Export{{Kind: wasm.ExportKindFunc, Name: "square", Index: 0}}, out.ExportSection)
}

func TestForward_IntegerSignatureUnchanged(t *testing.T) {
	in := &wasm.Module{
		TypeSection: []*wasm.FunctionType{{
			Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI64},
			Results: []wasm.ValueType{wasm.ValueTypeI32},
		}},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{
			{Body: []byte{
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeLocalGet, 1,
				wasm.OpcodeI32WrapI64,
				wasm.OpcodeI32Add,
				wasm.OpcodeEnd,
			}},
		},
	}
	out := forwardRoundtrip(t, in)
	require.Equal(t, in.TypeSection[0], out.TypeSection[0])
}

func TestForward_BlockResultSynthesizesType(t *testing.T) {
	in := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{f64Type()},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{
			{Body: []byte{
				wasm.OpcodeBlock, 0x7c, // f64 result
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeEnd,
				wasm.OpcodeEnd,
			}},
		},
	}
	out := forwardRoundtrip(t, in)
	// The single-float-result block needs a ()->(f64,f64) type appended.
	require.Equal(t, 2, len(out.TypeSection))
	require.Equal(t, &wasm.FunctionType{
		Results: []wasm.ValueType{wasm.ValueTypeF64, wasm.ValueTypeF64},
	}, out.TypeSection[1])
}

func TestForward_MemoriesAndGlobalsDouble(t *testing.T) {
	in := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{f64Type()},
		FunctionSection: []wasm.Index{0},
		MemorySection:   []*wasm.MemoryType{{Min: 1}},
		GlobalSection: []*wasm.Global{{
			Type: &wasm.GlobalType{ValType: wasm.ValueTypeF64, Mutable: true},
			Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeF64Const, Data: make([]byte, 8)},
		}},
		CodeSection: []*wasm.Code{
			{Body: []byte{
				wasm.OpcodeI32Const, 0,
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeF64Store, 3, 0,
				wasm.OpcodeI32Const, 0,
				wasm.OpcodeF64Load, 3, 0,
				wasm.OpcodeGlobalSet, 0,
				wasm.OpcodeGlobalGet, 0,
				wasm.OpcodeEnd,
			}},
		},
		ExportSection: []*wasm.Export{
			{Kind: wasm.ExportKindFunc, Name: "roundtrip", Index: 0},
			{Kind: wasm.ExportKindMemory, Name: "memory", Index: 0},
		},
	}
	out := forwardRoundtrip(t, in)
	require.Equal(t, 2, len(out.MemorySection))
	require.Equal(t, 2, len(out.GlobalSection))
	for _, e := range out.ExportSection {
		if e.Kind == wasm.ExportKindMemory {
			require.Equal(t, dualMemoryIndex(0), e.Index)
		}
	}
}

func TestForward_ControlFlow(t *testing.T) {
	in := &wasm.Module{
		TypeSection: []*wasm.FunctionType{{
			Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeF64, wasm.ValueTypeF64},
			Results: []wasm.ValueType{wasm.ValueTypeF64},
		}},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{
			{Body: []byte{
				wasm.OpcodeLocalGet, 0,
				wasm.OpcodeIf, 0x7c,
				wasm.OpcodeLocalGet, 1,
				wasm.OpcodeLocalGet, 2,
				wasm.OpcodeF64Mul,
				wasm.OpcodeElse,
				wasm.OpcodeLocalGet, 1,
				wasm.OpcodeLocalGet, 2,
				wasm.OpcodeF64Div,
				wasm.OpcodeEnd,
				wasm.OpcodeEnd,
			}},
		},
	}
	forwardRoundtrip(t, in)
}
