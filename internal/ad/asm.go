package ad

import (
	"github.com/floretta/floretta/internal/ieee754"
	"github.com/floretta/floretta/internal/leb128"
	"github.com/floretta/floretta/internal/wasm"
)

// asm accumulates the binary encoding of a function body. Emitted code never
// needs relocation, so plain appends suffice.
type asm struct {
	buf []byte
}

func (a *asm) bytes() []byte {
	return a.buf
}

func (a *asm) op(op wasm.Opcode) {
	a.buf = append(a.buf, op)
}

func (a *asm) u32(v uint32) {
	a.buf = append(a.buf, leb128.EncodeUint32(v)...)
}

func (a *asm) opU32(op wasm.Opcode, v uint32) {
	a.op(op)
	a.u32(v)
}

func (a *asm) i32Const(v int32) {
	a.op(wasm.OpcodeI32Const)
	a.buf = append(a.buf, leb128.EncodeInt32(v)...)
}

func (a *asm) i64Const(v int64) {
	a.op(wasm.OpcodeI64Const)
	a.buf = append(a.buf, leb128.EncodeInt64(v)...)
}

func (a *asm) f32Const(v float32) {
	a.op(wasm.OpcodeF32Const)
	a.buf = append(a.buf, ieee754.EncodeFloat32(v)...)
}

func (a *asm) f64Const(v float64) {
	a.op(wasm.OpcodeF64Const)
	a.buf = append(a.buf, ieee754.EncodeFloat64(v)...)
}

// fZero pushes +0.0 of the given float type; it keeps callers free of
// f32/f64 switches when zeroing shadows.
func (a *asm) fZero(t wasm.ValueType) {
	if t == wasm.ValueTypeF32 {
		a.f32Const(0)
	} else {
		a.f64Const(0)
	}
}

func (a *asm) localGet(i uint32)  { a.opU32(wasm.OpcodeLocalGet, i) }
func (a *asm) localSet(i uint32)  { a.opU32(wasm.OpcodeLocalSet, i) }
func (a *asm) localTee(i uint32)  { a.opU32(wasm.OpcodeLocalTee, i) }
func (a *asm) globalGet(i uint32) { a.opU32(wasm.OpcodeGlobalGet, i) }
func (a *asm) globalSet(i uint32) { a.opU32(wasm.OpcodeGlobalSet, i) }
func (a *asm) call(i uint32)      { a.opU32(wasm.OpcodeCall, i) }
func (a *asm) br(depth uint32)    { a.opU32(wasm.OpcodeBr, depth) }
func (a *asm) brIf(depth uint32)  { a.opU32(wasm.OpcodeBrIf, depth) }

func (a *asm) brTable(labels []uint32, dflt uint32) {
	a.op(wasm.OpcodeBrTable)
	a.u32(uint32(len(labels)))
	for _, l := range labels {
		a.u32(l)
	}
	a.u32(dflt)
}

// blockType is the immediate of a block, loop or if instruction.
type blockType struct {
	kind      byte
	valType   wasm.ValueType
	typeIndex wasm.Index
}

const (
	blockEmpty = iota
	blockValue
	blockFunc
)

func blockTypeEmpty() blockType               { return blockType{kind: blockEmpty} }
func blockTypeValue(t wasm.ValueType) blockType { return blockType{kind: blockValue, valType: t} }
func blockTypeFunc(t wasm.Index) blockType    { return blockType{kind: blockFunc, typeIndex: t} }

func (a *asm) blockTypeImmediate(bt blockType) {
	switch bt.kind {
	case blockEmpty:
		a.buf = append(a.buf, 0x40)
	case blockValue:
		a.buf = append(a.buf, bt.valType)
	case blockFunc:
		// Type indices encode as positive signed 33-bit integers.
		a.buf = append(a.buf, leb128.EncodeInt64(int64(bt.typeIndex))...)
	}
}

func (a *asm) block(bt blockType) {
	a.op(wasm.OpcodeBlock)
	a.blockTypeImmediate(bt)
}

func (a *asm) loop(bt blockType) {
	a.op(wasm.OpcodeLoop)
	a.blockTypeImmediate(bt)
}

func (a *asm) ifOp(bt blockType) {
	a.op(wasm.OpcodeIf)
	a.blockTypeImmediate(bt)
}

// memInstr emits a load or store with its memarg. A nonzero memory index uses
// the multi-memory flag bit in the alignment field.
func (a *asm) memInstr(op wasm.Opcode, align, offset, memidx uint32) {
	a.op(op)
	if memidx == 0 {
		a.u32(align)
		a.u32(offset)
	} else {
		a.u32(align | 1<<6)
		a.u32(offset)
		a.u32(memidx)
	}
}

func (a *asm) memorySize(memidx uint32) { a.opU32(wasm.OpcodeMemorySize, memidx) }
func (a *asm) memoryGrow(memidx uint32) { a.opU32(wasm.OpcodeMemoryGrow, memidx) }

// revBuf collects instruction groups for a function that executes in the
// reverse of emission order. Each unit is the adjoint code of one source
// instruction and is kept intact; only the order of units flips.
type revBuf struct {
	units [][]byte
}

func (r *revBuf) unit(f func(*asm)) {
	var a asm
	f(&a)
	r.units = append(r.units, a.buf)
}

func (r *revBuf) len() int {
	return len(r.units)
}

// appendReversed writes units [start, end) to the destination in reverse
// order, which is how a basic block's adjoints must execute.
func (r *revBuf) appendReversed(a *asm, start, end int) {
	for i := end - 1; i >= start; i-- {
		a.buf = append(a.buf, r.units[i]...)
	}
}
