package binary

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floretta/floretta/internal/wasm"
)

func uint32Ptr(v uint32) *uint32 { return &v }

func TestDecodeModule(t *testing.T) {
	i32, f64 := wasm.ValueTypeI32, wasm.ValueTypeF64
	tests := []struct {
		name  string
		input *wasm.Module
	}{
		{
			name:  "empty",
			input: &wasm.Module{},
		},
		{
			name:  "only name section",
			input: &wasm.Module{NameSection: &wasm.NameSection{ModuleName: "simple"}},
		},
		{
			name: "type section",
			input: &wasm.Module{
				TypeSection: []*wasm.FunctionType{
					{},
					{Params: []wasm.ValueType{i32, f64}},
					{Params: []wasm.ValueType{f64, f64}, Results: []wasm.ValueType{f64, f64}},
				},
			},
		},
		{
			name: "type and import section",
			input: &wasm.Module{
				TypeSection: []*wasm.FunctionType{
					{Params: []wasm.ValueType{f64}, Results: []wasm.ValueType{f64}},
				},
				ImportSection: []*wasm.Import{
					{Kind: wasm.ImportKindFunc, Module: "math", Name: "sin", DescFunc: 0},
				},
			},
		},
		{
			name: "memory and data section",
			input: &wasm.Module{
				MemorySection: []*wasm.MemoryType{{Min: 1, Max: uint32Ptr(4)}, {Min: 0}},
				DataSection: []*wasm.DataSegment{
					{
						MemoryIndex:      0,
						OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{8}},
						Init:             []byte{1, 2, 3, 4},
					},
					{
						MemoryIndex:      1,
						OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}},
						Init:             []byte{5},
					},
				},
			},
		},
		{
			name: "global section",
			input: &wasm.Module{
				GlobalSection: []*wasm.Global{
					{
						Type: &wasm.GlobalType{ValType: f64, Mutable: true},
						Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeF64Const, Data: make([]byte, 8)},
					},
				},
			},
		},
		{
			name: "exported function with code",
			input: &wasm.Module{
				TypeSection:     []*wasm.FunctionType{{Params: []wasm.ValueType{f64}, Results: []wasm.ValueType{f64}}},
				FunctionSection: []wasm.Index{0},
				CodeSection: []*wasm.Code{
					{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeEnd}},
				},
				ExportSection: []*wasm.Export{
					{Kind: wasm.ExportKindFunc, Name: "id", Index: 0},
				},
			},
		},
		{
			name: "locals and start section",
			input: &wasm.Module{
				TypeSection:     []*wasm.FunctionType{{}},
				FunctionSection: []wasm.Index{0},
				StartSection:    uint32Ptr(0),
				CodeSection: []*wasm.Code{
					{
						LocalTypes: []wasm.ValueType{i32, i32, f64},
						Body:       []byte{wasm.OpcodeEnd},
					},
				},
			},
		},
		{
			name: "name section with function and local names",
			input: &wasm.Module{
				TypeSection:     []*wasm.FunctionType{{}},
				FunctionSection: []wasm.Index{0},
				CodeSection:     []*wasm.Code{{Body: []byte{wasm.OpcodeEnd}}},
				NameSection: &wasm.NameSection{
					ModuleName:    "example",
					FunctionNames: map[wasm.Index]string{0: "start"},
					LocalNames:    map[wasm.Index]map[wasm.Index]string{0: {0: "x"}},
				},
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			encoded := EncodeModule(tc.input)
			decoded, err := DecodeModule(encoded)
			require.NoError(t, err)
			require.Equal(t, tc.input, decoded)
		})
	}
}

func TestDecodeModule_Errors(t *testing.T) {
	tests := []struct {
		name        string
		input       []byte
		expectedErr error
	}{
		{
			name:        "invalid magic",
			input:       []byte("?asm\x01\x00\x00\x00"),
			expectedErr: ErrInvalidMagicNumber,
		},
		{
			name:        "invalid version",
			input:       []byte("\x00asm\x02\x00\x00\x00"),
			expectedErr: ErrInvalidVersion,
		},
		{
			name:        "truncated",
			input:       []byte("\x00asm"),
			expectedErr: ErrInvalidVersion,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeModule(tc.input)
			require.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

func TestDecodeModule_UnsupportedSections(t *testing.T) {
	// A table section (id 4) with one funcref table.
	table := append([]byte("\x00asm\x01\x00\x00\x00"), 0x04, 0x04, 0x01, 0x70, 0x00, 0x00)
	_, err := DecodeModule(table)
	require.ErrorIs(t, err, wasm.ErrUnsupported)
}
