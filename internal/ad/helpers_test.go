package ad

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/floretta/floretta/internal/wasm"
)

func TestHelperTables_Counts(t *testing.T) {
	require.Equal(t, numHelperTypes, len(helperTypes()))
	require.Equal(t, numHelperMemories, len(helperMemories()))
	require.Equal(t, numHelperGlobals, len(helperGlobals()))

	typeIndices, code := helperFunctions()
	require.Equal(t, numHelperFuncs, len(typeIndices))
	require.Equal(t, numHelperFuncs, len(code))
}

func TestHelperFunctions_TypeAssignments(t *testing.T) {
	typeIndices, code := helperFunctions()

	expected := map[wasm.Index]wasm.Index{
		funcTapeI32:        typeTapeI32,
		funcTapeI32Bwd:     typeTapeI32Bwd,
		funcF32MulFwd:      typeF32Bin,
		funcF64DivFwd:      typeF64Bin,
		funcF32MinFwd:      typeF32Bin,
		funcF64CopysignFwd: typeF64Bin,
		funcF32SqrtFwd:     typeF32Unary,
		funcF64AbsFwd:      typeF64Unary,
		funcF32MulBwd:      typeF32BinBwd,
		funcF64DivBwd:      typeF64BinBwd,
		funcF32CopysignBwd: typeF32BinBwd,
		funcF64MaxBwd:      typeF64BinBwd,
		funcF32SqrtBwd:     typeF32Unary,
		funcF64AbsBwd:      typeF64Unary,
	}
	for f, ty := range expected {
		require.Equal(t, ty, typeIndices[f], "helper %s", helperName(f))
	}

	for i, c := range code {
		require.NotEmpty(t, c.Body, "helper %s", helperName(wasm.Index(i)))
		require.Equal(t, wasm.Opcode(wasm.OpcodeEnd), c.Body[len(c.Body)-1])
	}
}

// TestHelperFunctions_Validate type-checks every helper body in a module
// shaped like reverse-mode output.
func TestHelperFunctions_Validate(t *testing.T) {
	typeIndices, code := helperFunctions()
	m := &wasm.Module{
		TypeSection:     helperTypes(),
		FunctionSection: typeIndices,
		MemorySection:   helperMemories(),
		GlobalSection:   helperGlobals(),
		CodeSection:     code,
	}
	require.NoError(t, m.Validate())
}

func TestHelperNames_Distinct(t *testing.T) {
	seen := map[string]struct{}{}
	for i := wasm.Index(0); i < numHelperFuncs; i++ {
		name := helperName(i)
		_, dup := seen[name]
		require.False(t, dup, "duplicate helper name %s", name)
		seen[name] = struct{}{}
	}
}
