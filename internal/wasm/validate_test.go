package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	f64 := ValueTypeF64
	square := func() *Module {
		return &Module{
			TypeSection:     []*FunctionType{{Params: []ValueType{f64}, Results: []ValueType{f64}}},
			FunctionSection: []Index{0},
			CodeSection: []*Code{
				{Body: []byte{OpcodeLocalGet, 0, OpcodeLocalGet, 0, OpcodeF64Mul, OpcodeEnd}},
			},
			ExportSection: []*Export{{Kind: ExportKindFunc, Name: "square", Index: 0}},
		}
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, square().Validate())
	})

	t.Run("operand type mismatch", func(t *testing.T) {
		m := square()
		m.CodeSection[0].Body = []byte{OpcodeLocalGet, 0, OpcodeI32Const, 0, OpcodeF64Mul, OpcodeEnd}
		err := m.Validate()
		require.ErrorIs(t, err, ErrInvalidModule)
		require.Contains(t, err.Error(), "type mismatch")
	})

	t.Run("operand stack underflow", func(t *testing.T) {
		m := square()
		m.CodeSection[0].Body = []byte{OpcodeLocalGet, 0, OpcodeF64Mul, OpcodeEnd}
		require.ErrorIs(t, m.Validate(), ErrInvalidModule)
	})

	t.Run("unknown local", func(t *testing.T) {
		m := square()
		m.CodeSection[0].Body = []byte{OpcodeLocalGet, 1, OpcodeDrop, OpcodeLocalGet, 0, OpcodeEnd}
		require.ErrorIs(t, m.Validate(), ErrInvalidModule)
	})

	t.Run("SIMD is unsupported", func(t *testing.T) {
		m := square()
		m.CodeSection[0].Body = []byte{OpcodeVecPrefix, 0x0, OpcodeEnd}
		require.ErrorIs(t, m.Validate(), ErrUnsupported)
	})

	t.Run("call_indirect is unsupported", func(t *testing.T) {
		m := square()
		m.CodeSection[0].Body = []byte{OpcodeCallIndirect, 0, 0, OpcodeEnd}
		require.ErrorIs(t, m.Validate(), ErrUnsupported)
	})

	t.Run("values remain at end", func(t *testing.T) {
		m := square()
		m.CodeSection[0].Body = []byte{OpcodeLocalGet, 0, OpcodeLocalGet, 0, OpcodeEnd}
		require.ErrorIs(t, m.Validate(), ErrInvalidModule)
	})

	t.Run("unreachable makes the stack polymorphic", func(t *testing.T) {
		m := square()
		m.CodeSection[0].Body = []byte{OpcodeUnreachable, OpcodeEnd}
		require.NoError(t, m.Validate())
	})

	t.Run("structured control flow", func(t *testing.T) {
		m := &Module{
			TypeSection: []*FunctionType{
				{Params: []ValueType{ValueTypeI32, f64, f64}, Results: []ValueType{f64}},
			},
			FunctionSection: []Index{0},
			CodeSection: []*Code{
				{Body: []byte{
					OpcodeLocalGet, 0,
					OpcodeIf, 0x7c, // f64 result
					OpcodeLocalGet, 1,
					OpcodeElse,
					OpcodeLocalGet, 2,
					OpcodeEnd,
					OpcodeEnd,
				}},
			},
		}
		require.NoError(t, m.Validate())
	})

	t.Run("br_table label arity mismatch", func(t *testing.T) {
		m := &Module{
			TypeSection:     []*FunctionType{{Results: []ValueType{f64}}},
			FunctionSection: []Index{0},
			CodeSection: []*Code{
				{Body: []byte{
					OpcodeBlock, 0x40,
					OpcodeI32Const, 0,
					OpcodeBrTable, 1, 0, 1, // labels: [block], default: function
					OpcodeEnd,
					OpcodeF64Const, 0, 0, 0, 0, 0, 0, 0, 0,
					OpcodeEnd,
				}},
			},
		}
		require.ErrorIs(t, m.Validate(), ErrInvalidModule)
	})

	t.Run("start function must be nullary", func(t *testing.T) {
		m := square()
		idx := Index(0)
		m.StartSection = &idx
		require.ErrorIs(t, m.Validate(), ErrInvalidModule)
	})

	t.Run("global.set of immutable global", func(t *testing.T) {
		m := &Module{
			TypeSection:     []*FunctionType{{}},
			FunctionSection: []Index{0},
			GlobalSection: []*Global{{
				Type: &GlobalType{ValType: ValueTypeI32},
				Init: &ConstantExpression{Opcode: OpcodeI32Const, Data: []byte{0}},
			}},
			CodeSection: []*Code{
				{Body: []byte{OpcodeI32Const, 1, OpcodeGlobalSet, 0, OpcodeEnd}},
			},
		}
		require.ErrorIs(t, m.Validate(), ErrInvalidModule)
	})
}
