package ad

import (
	"github.com/floretta/floretta/internal/wasm"
)

// The transformed module places synthesized entities ahead of the user's in
// each index space so that function bodies can be rewritten without knowing
// the totals of the user's spaces: helper types, then one forward/backward
// type pair per user type; helper functions, then one forward/backward
// function pair per module-defined function (the pairs of imported functions
// precede the helpers, since imports come first in the function index space);
// tape memories, then one primal/shadow memory pair per user memory; tape
// pointers, then one primal/shadow global pair per user global.

// Type indices of the helper types.
const (
	// typeDispatch is the block type of the backward pass's control-flow
	// state machine: each dispatch block consumes the next label.
	typeDispatch = iota
	typeTapeI32    // (i32) -> ()
	typeTapeI32Bwd // () -> (i32)
	typeF32Bin     // (f32, f32) -> (f32)
	typeF64Bin     // (f64, f64) -> (f64)
	typeF32BinBwd  // (f32) -> (f32, f32)
	typeF64BinBwd  // (f64) -> (f64, f64)
	typeF32Unary   // (f32) -> (f32)
	typeF64Unary   // (f64) -> (f64)
	numHelperTypes
)

// Function indices of the helpers.
const (
	funcTapeI32 = iota
	funcTapeI32Bwd
	funcF32MulFwd
	funcF32DivFwd
	funcF32MinFwd
	funcF32MaxFwd
	funcF32CopysignFwd
	funcF32SqrtFwd
	funcF32AbsFwd
	funcF64MulFwd
	funcF64DivFwd
	funcF64MinFwd
	funcF64MaxFwd
	funcF64CopysignFwd
	funcF64SqrtFwd
	funcF64AbsFwd
	funcF32MulBwd
	funcF32DivBwd
	funcF32MinBwd
	funcF32MaxBwd
	funcF32CopysignBwd
	funcF32SqrtBwd
	funcF32AbsBwd
	funcF64MulBwd
	funcF64DivBwd
	funcF64MinBwd
	funcF64MaxBwd
	funcF64CopysignBwd
	funcF64SqrtBwd
	funcF64AbsBwd
	numHelperFuncs
)

// Memory indices of the tapes, one per alignment class.
const (
	memTapeAlign1 = iota
	memTapeAlign4
	memTapeAlign8
	numHelperMemories
)

// Global indices of the tape pointers, parallel to the tape memories.
const (
	globalTapeAlign1 = iota
	globalTapeAlign4
	globalTapeAlign8
	numHelperGlobals
)

func fwdTypeIndex(t wasm.Index) wasm.Index {
	return numHelperTypes + 2*t
}

func bwdTypeIndex(t wasm.Index) wasm.Index {
	return fwdTypeIndex(t) + 1
}

func primalMemoryIndex(m wasm.Index) wasm.Index {
	return numHelperMemories + 2*m
}

func shadowMemoryIndex(m wasm.Index) wasm.Index {
	return primalMemoryIndex(m) + 1
}

func primalGlobalIndex(g wasm.Index) wasm.Index {
	return numHelperGlobals + 2*g
}

func shadowGlobalIndex(g wasm.Index) wasm.Index {
	return primalGlobalIndex(g) + 1
}

// funcPair returns the forward and backward function indices for a source
// function index. Imported functions split into import pairs before the
// helpers; module-defined ones split after them.
func funcPair(numImportFuncs, funcidx wasm.Index) (fwd, bwd wasm.Index) {
	fwd = 2 * funcidx
	if funcidx >= numImportFuncs {
		fwd += numHelperFuncs
	}
	return fwd, fwd + 1
}

// helperFuncIndex places the helpers in the function index space: import
// pairs come first, then the helpers, then the module-defined pairs.
func helperFuncIndex(numImportFuncs wasm.Index, helper wasm.Index) wasm.Index {
	return 2*numImportFuncs + helper
}

// helperFwdByOp maps a differentiated opcode to the forward helper that
// performs it while saving what its backward pass will need.
var helperFwdByOp = map[wasm.Opcode]wasm.Index{
	wasm.OpcodeF32Mul:      funcF32MulFwd,
	wasm.OpcodeF32Div:      funcF32DivFwd,
	wasm.OpcodeF32Min:      funcF32MinFwd,
	wasm.OpcodeF32Max:      funcF32MaxFwd,
	wasm.OpcodeF32Copysign: funcF32CopysignFwd,
	wasm.OpcodeF32Sqrt:     funcF32SqrtFwd,
	wasm.OpcodeF32Abs:      funcF32AbsFwd,
	wasm.OpcodeF64Mul:      funcF64MulFwd,
	wasm.OpcodeF64Div:      funcF64DivFwd,
	wasm.OpcodeF64Min:      funcF64MinFwd,
	wasm.OpcodeF64Max:      funcF64MaxFwd,
	wasm.OpcodeF64Copysign: funcF64CopysignFwd,
	wasm.OpcodeF64Sqrt:     funcF64SqrtFwd,
	wasm.OpcodeF64Abs:      funcF64AbsFwd,
}

// helperBwdByOp maps the same opcodes to the backward helper that pops the
// saved state and produces the operand cotangents.
var helperBwdByOp = map[wasm.Opcode]wasm.Index{
	wasm.OpcodeF32Mul:      funcF32MulBwd,
	wasm.OpcodeF32Div:      funcF32DivBwd,
	wasm.OpcodeF32Min:      funcF32MinBwd,
	wasm.OpcodeF32Max:      funcF32MaxBwd,
	wasm.OpcodeF32Copysign: funcF32CopysignBwd,
	wasm.OpcodeF32Sqrt:     funcF32SqrtBwd,
	wasm.OpcodeF32Abs:      funcF32AbsBwd,
	wasm.OpcodeF64Mul:      funcF64MulBwd,
	wasm.OpcodeF64Div:      funcF64DivBwd,
	wasm.OpcodeF64Min:      funcF64MinBwd,
	wasm.OpcodeF64Max:      funcF64MaxBwd,
	wasm.OpcodeF64Copysign: funcF64CopysignBwd,
	wasm.OpcodeF64Sqrt:     funcF64SqrtBwd,
	wasm.OpcodeF64Abs:      funcF64AbsBwd,
}

// helperName returns the identifier recorded in the emitted name section for
// helper function i.
func helperName(i wasm.Index) string {
	names := [...]string{
		"tape_i32", "tape_i32_bwd",
		"f32_mul_fwd", "f32_div_fwd", "f32_min_fwd", "f32_max_fwd", "f32_copysign_fwd", "f32_sqrt_fwd", "f32_abs_fwd",
		"f64_mul_fwd", "f64_div_fwd", "f64_min_fwd", "f64_max_fwd", "f64_copysign_fwd", "f64_sqrt_fwd", "f64_abs_fwd",
		"f32_mul_bwd", "f32_div_bwd", "f32_min_bwd", "f32_max_bwd", "f32_copysign_bwd", "f32_sqrt_bwd", "f32_abs_bwd",
		"f64_mul_bwd", "f64_div_bwd", "f64_min_bwd", "f64_max_bwd", "f64_copysign_bwd", "f64_sqrt_bwd", "f64_abs_bwd",
	}
	return names[i]
}

// tapeMemoryName returns the identifier for tape memory or pointer i.
func tapeMemoryName(i wasm.Index) string {
	return [...]string{"tape_align_1", "tape_align_4", "tape_align_8"}[i]
}
