package ad

import (
	"github.com/floretta/floretta/internal/wasm"
)

// helperTypes returns the function types shared by the dispatch machinery and
// the helper functions, in helper-type index order.
func helperTypes() []*wasm.FunctionType {
	const i32, f32, f64 = wasm.ValueTypeI32, wasm.ValueTypeF32, wasm.ValueTypeF64
	return []*wasm.FunctionType{
		typeDispatch:   {Params: []wasm.ValueType{i32}},
		typeTapeI32:    {Params: []wasm.ValueType{i32}},
		typeTapeI32Bwd: {Results: []wasm.ValueType{i32}},
		typeF32Bin:     {Params: []wasm.ValueType{f32, f32}, Results: []wasm.ValueType{f32}},
		typeF64Bin:     {Params: []wasm.ValueType{f64, f64}, Results: []wasm.ValueType{f64}},
		typeF32BinBwd:  {Params: []wasm.ValueType{f32}, Results: []wasm.ValueType{f32, f32}},
		typeF64BinBwd:  {Params: []wasm.ValueType{f64}, Results: []wasm.ValueType{f64, f64}},
		typeF32Unary:   {Params: []wasm.ValueType{f32}, Results: []wasm.ValueType{f32}},
		typeF64Unary:   {Params: []wasm.ValueType{f64}, Results: []wasm.ValueType{f64}},
	}
}

// helperMemories returns the tape memories, all starting empty and unbounded.
func helperMemories() []*wasm.MemoryType {
	return []*wasm.MemoryType{
		memTapeAlign1: {},
		memTapeAlign4: {},
		memTapeAlign8: {},
	}
}

// helperGlobals returns the tape pointers: mutable i32 globals starting at 0.
func helperGlobals() []*wasm.Global {
	g := func() *wasm.Global {
		return &wasm.Global{
			Type: &wasm.GlobalType{ValType: wasm.ValueTypeI32, Mutable: true},
			Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}},
		}
	}
	return []*wasm.Global{
		globalTapeAlign1: g(),
		globalTapeAlign4: g(),
		globalTapeAlign8: g(),
	}
}

// tape is one bump-allocated stack: a memory, the global holding its
// next-free byte, and the local a helper keeps the pre-push pointer in.
type tape struct {
	memory, global, local uint32
}

// grow advances the tape pointer by bytes, growing the memory when the new
// high-water mark crosses a page boundary. The pre-push pointer remains in
// t.local.
func (t tape) grow(a *asm, scratch uint32, bytes int32) {
	a.globalGet(t.global)
	a.localTee(t.local)
	a.i32Const(bytes + 65535)
	a.op(wasm.OpcodeI32Add)
	a.i32Const(16)
	a.op(wasm.OpcodeI32ShrU)
	a.memorySize(t.memory)
	a.op(wasm.OpcodeI32Sub)
	a.localTee(scratch)
	a.i32Const(0)
	a.op(wasm.OpcodeI32GtS)
	a.ifOp(blockTypeEmpty())
	a.localGet(scratch)
	a.memoryGrow(t.memory)
	// Growth failure is detected by the subsequent out-of-bounds store.
	a.op(wasm.OpcodeDrop)
	a.op(wasm.OpcodeEnd)
	a.localGet(t.local)
	a.i32Const(bytes)
	a.op(wasm.OpcodeI32Add)
	a.globalSet(t.global)
}

// shrink retreats the tape pointer by bytes, leaving the new pointer in
// t.local.
func (t tape) shrink(a *asm, bytes int32) {
	a.globalGet(t.global)
	a.i32Const(bytes)
	a.op(wasm.OpcodeI32Sub)
	a.localTee(t.local)
	a.globalSet(t.global)
}

// floatKind parameterizes helper emission over the two float types.
type floatKind struct {
	valType  wasm.ValueType
	size     int32  // bytes per value
	alignLog uint32 // log2 alignment of loads/stores

	tapeMemory, tapeGlobal uint32

	load, store                                  wasm.Opcode
	mul, div, min, max, copysign, sqrt, abs, neg wasm.Opcode
	add, sub, le, ge                             wasm.Opcode
	reinterpret, intXor, intGeS                  wasm.Opcode
	intZeroConst                                 func(*asm)
}

var kindF32 = &floatKind{
	valType:    wasm.ValueTypeF32,
	size:       4,
	alignLog:   2,
	tapeMemory: memTapeAlign4,
	tapeGlobal: globalTapeAlign4,
	load:       wasm.OpcodeF32Load, store: wasm.OpcodeF32Store,
	mul: wasm.OpcodeF32Mul, div: wasm.OpcodeF32Div,
	min: wasm.OpcodeF32Min, max: wasm.OpcodeF32Max,
	copysign: wasm.OpcodeF32Copysign, sqrt: wasm.OpcodeF32Sqrt,
	abs: wasm.OpcodeF32Abs, neg: wasm.OpcodeF32Neg,
	add: wasm.OpcodeF32Add, sub: wasm.OpcodeF32Sub, le: wasm.OpcodeF32Le, ge: wasm.OpcodeF32Ge,
	reinterpret: wasm.OpcodeI32ReinterpretF32, intXor: wasm.OpcodeI32Xor, intGeS: wasm.OpcodeI32GeS,
	intZeroConst: func(a *asm) { a.i32Const(0) },
}

var kindF64 = &floatKind{
	valType:    wasm.ValueTypeF64,
	size:       8,
	alignLog:   3,
	tapeMemory: memTapeAlign8,
	tapeGlobal: globalTapeAlign8,
	load:       wasm.OpcodeF64Load, store: wasm.OpcodeF64Store,
	mul: wasm.OpcodeF64Mul, div: wasm.OpcodeF64Div,
	min: wasm.OpcodeF64Min, max: wasm.OpcodeF64Max,
	copysign: wasm.OpcodeF64Copysign, sqrt: wasm.OpcodeF64Sqrt,
	abs: wasm.OpcodeF64Abs, neg: wasm.OpcodeF64Neg,
	add: wasm.OpcodeF64Add, sub: wasm.OpcodeF64Sub, le: wasm.OpcodeF64Le, ge: wasm.OpcodeF64Ge,
	reinterpret: wasm.OpcodeI64ReinterpretF64, intXor: wasm.OpcodeI64Xor, intGeS: wasm.OpcodeI64GeS,
	intZeroConst: func(a *asm) { a.i64Const(0) },
}

func (k *floatKind) tape(local uint32) tape {
	return tape{memory: k.tapeMemory, global: k.tapeGlobal, local: local}
}

// tapeLoad reads one value from the value tape at the pointer local plus a
// static offset.
func (k *floatKind) tapeLoad(a *asm, ptr uint32, offset int32) {
	a.localGet(ptr)
	a.memInstr(k.load, k.alignLog, uint32(offset), k.tapeMemory)
}

// helperFunctions returns the type index and body of every helper function,
// in helper-function index order.
func helperFunctions() (typeIndices []wasm.Index, code []*wasm.Code) {
	add := func(t wasm.Index, c *wasm.Code) {
		typeIndices = append(typeIndices, t)
		code = append(code, c)
	}
	add(typeTapeI32, funcTapeI32Code())
	add(typeTapeI32Bwd, funcTapeI32BwdCode())

	for _, k := range []*floatKind{kindF32, kindF64} {
		var bin, unary wasm.Index = typeF32Bin, typeF32Unary
		if k.valType == wasm.ValueTypeF64 {
			bin, unary = typeF64Bin, typeF64Unary
		}
		add(bin, k.mulFwdCode())
		add(bin, k.divFwdCode())
		add(bin, k.selectorFwdCode(k.min, func(a *asm) { // selected iff x <= y
			a.localGet(0)
			a.localGet(1)
			a.op(k.le)
		}))
		add(bin, k.selectorFwdCode(k.max, func(a *asm) { // selected iff x >= y
			a.localGet(0)
			a.localGet(1)
			a.op(k.ge)
		}))
		add(bin, k.selectorFwdCode(k.copysign, func(a *asm) { // sign of x preserved
			a.localGet(0)
			a.op(k.reinterpret)
			a.localGet(1)
			a.op(k.reinterpret)
			a.op(k.intXor)
			k.intZeroConst(a)
			a.op(k.intGeS)
		}))
		add(unary, k.sqrtFwdCode())
		add(unary, k.selectorFwdUnaryCode(k.abs, func(a *asm) { // x is non-negative
			a.localGet(0)
			a.op(k.reinterpret)
			k.intZeroConst(a)
			a.op(k.intGeS)
		}))
	}

	for _, k := range []*floatKind{kindF32, kindF64} {
		var binBwd, unary wasm.Index = typeF32BinBwd, typeF32Unary
		if k.valType == wasm.ValueTypeF64 {
			binBwd, unary = typeF64BinBwd, typeF64Unary
		}
		add(binBwd, k.mulBwdCode())
		add(binBwd, k.divBwdCode())
		add(binBwd, k.selectBwdCode()) // min
		add(binBwd, k.selectBwdCode()) // max
		add(binBwd, k.copysignBwdCode())
		add(unary, k.sqrtBwdCode())
		add(unary, k.absBwdCode())
	}
	return
}

// funcTapeI32Code pushes its i32 argument onto the align-4 tape.
func funcTapeI32Code() *wasm.Code {
	const k, i, n = 0, 1, 2
	var a asm
	t := tape{memory: memTapeAlign4, global: globalTapeAlign4, local: i}
	t.grow(&a, n, 4)
	a.localGet(i)
	a.localGet(k)
	a.memInstr(wasm.OpcodeI32Store, 2, 0, memTapeAlign4)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// funcTapeI32BwdCode pops the most recent i32 from the align-4 tape.
func funcTapeI32BwdCode() *wasm.Code {
	const i = 0
	var a asm
	t := tape{memory: memTapeAlign4, global: globalTapeAlign4, local: i}
	t.shrink(&a, 4)
	a.localGet(i)
	a.memInstr(wasm.OpcodeI32Load, 2, 0, memTapeAlign4)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// mulFwdCode saves both operands, which the product's backward pass needs.
func (k *floatKind) mulFwdCode() *wasm.Code {
	const x, y, i, n = 0, 1, 2, 3
	var a asm
	k.tape(i).grow(&a, n, 2*k.size)
	a.localGet(i)
	a.localGet(x)
	a.memInstr(k.store, k.alignLog, 0, k.tapeMemory)
	a.localGet(i)
	a.localGet(y)
	a.memInstr(k.store, k.alignLog, uint32(k.size), k.tapeMemory)
	a.localGet(x)
	a.localGet(y)
	a.op(k.mul)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// divFwdCode saves the divisor and the quotient, which together determine
// both operand cotangents.
func (k *floatKind) divFwdCode() *wasm.Code {
	const x, y = 0, 1
	z, i, n := uint32(2), uint32(3), uint32(4)
	var a asm
	k.tape(i).grow(&a, n, 2*k.size)
	a.localGet(i)
	a.localGet(y)
	a.memInstr(k.store, k.alignLog, 0, k.tapeMemory)
	a.localGet(i)
	a.localGet(x)
	a.localGet(y)
	a.op(k.div)
	a.localTee(z)
	a.memInstr(k.store, k.alignLog, uint32(k.size), k.tapeMemory)
	a.localGet(z)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{k.valType, wasm.ValueTypeI32, wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// selectorFwdCode performs a binary op whose backward pass needs only one
// bit: which operand was selected, or whether the sign survived. The bit
// goes on the align-1 tape.
func (k *floatKind) selectorFwdCode(op wasm.Opcode, selector func(*asm)) *wasm.Code {
	const x, y, i, n = 0, 1, 2, 3
	var a asm
	tape{memory: memTapeAlign1, global: globalTapeAlign1, local: i}.grow(&a, n, 1)
	a.localGet(i)
	selector(&a)
	a.memInstr(wasm.OpcodeI32Store8, 0, 0, memTapeAlign1)
	a.localGet(x)
	a.localGet(y)
	a.op(op)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// selectorFwdUnaryCode is selectorFwdCode for a unary op (abs).
func (k *floatKind) selectorFwdUnaryCode(op wasm.Opcode, selector func(*asm)) *wasm.Code {
	const x, i, n = 0, 1, 2
	var a asm
	tape{memory: memTapeAlign1, global: globalTapeAlign1, local: i}.grow(&a, n, 1)
	a.localGet(i)
	selector(&a)
	a.memInstr(wasm.OpcodeI32Store8, 0, 0, memTapeAlign1)
	a.localGet(x)
	a.op(op)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// sqrtFwdCode saves the result, from which the backward pass rederives the
// derivative as 1/(2*sqrt(x)).
func (k *floatKind) sqrtFwdCode() *wasm.Code {
	const x = 0
	z, i, n := uint32(1), uint32(2), uint32(3)
	var a asm
	k.tape(i).grow(&a, n, k.size)
	a.localGet(i)
	a.localGet(x)
	a.op(k.sqrt)
	a.localTee(z)
	a.memInstr(k.store, k.alignLog, 0, k.tapeMemory)
	a.localGet(z)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{k.valType, wasm.ValueTypeI32, wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// mulBwdCode: with saved (x, y), dx = dz*y and dy = dz*x.
func (k *floatKind) mulBwdCode() *wasm.Code {
	const dz, i = 0, 1
	var a asm
	k.tape(i).shrink(&a, 2*k.size)
	a.localGet(dz)
	k.tapeLoad(&a, i, k.size)
	a.op(k.mul)
	a.localGet(dz)
	k.tapeLoad(&a, i, 0)
	a.op(k.mul)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// divBwdCode: with saved (y, z=x/y), dx = dz/y and dy = -z*dx.
func (k *floatKind) divBwdCode() *wasm.Code {
	const dz = 0
	dx, i := uint32(1), uint32(2)
	var a asm
	k.tape(i).shrink(&a, 2*k.size)
	a.localGet(dz)
	k.tapeLoad(&a, i, 0)
	a.op(k.div)
	a.localTee(dx)
	a.localGet(dx)
	k.tapeLoad(&a, i, k.size)
	a.op(k.neg)
	a.op(k.mul)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{k.valType, wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// selectBwdCode routes the incoming cotangent to whichever operand the
// forward pass selected; the other side gets zero. Used for both min and max,
// whose forward helpers record the selection with the same orientation.
func (k *floatKind) selectBwdCode() *wasm.Code {
	const dz, i = 0, 1
	var a asm
	tape{memory: memTapeAlign1, global: globalTapeAlign1, local: i}.shrink(&a, 1)
	a.localGet(dz)
	a.fZero(k.valType)
	a.localGet(i)
	a.memInstr(wasm.OpcodeI32Load8U, 0, 0, memTapeAlign1)
	a.op(wasm.OpcodeSelect)
	a.fZero(k.valType)
	a.localGet(dz)
	a.localGet(i)
	a.memInstr(wasm.OpcodeI32Load8U, 0, 0, memTapeAlign1)
	a.op(wasm.OpcodeSelect)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// copysignBwdCode: dx carries dz with the sign flipped when the forward pass
// flipped it; dy is zero since the derivative with respect to the sign source
// is zero almost everywhere.
func (k *floatKind) copysignBwdCode() *wasm.Code {
	const dz, i = 0, 1
	var a asm
	tape{memory: memTapeAlign1, global: globalTapeAlign1, local: i}.shrink(&a, 1)
	a.localGet(dz)
	a.localGet(dz)
	a.op(k.neg)
	a.localGet(i)
	a.memInstr(wasm.OpcodeI32Load8U, 0, 0, memTapeAlign1)
	a.op(wasm.OpcodeSelect)
	a.fZero(k.valType)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// sqrtBwdCode: with saved z = sqrt(x), dx = dz/(z+z).
func (k *floatKind) sqrtBwdCode() *wasm.Code {
	const dz, i = 0, 1
	var a asm
	k.tape(i).shrink(&a, k.size)
	a.localGet(dz)
	k.tapeLoad(&a, i, 0)
	k.tapeLoad(&a, i, 0)
	a.op(k.add)
	a.op(k.div)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}

// absBwdCode: dx carries dz, negated when the input was negative.
func (k *floatKind) absBwdCode() *wasm.Code {
	const dz, i = 0, 1
	var a asm
	tape{memory: memTapeAlign1, global: globalTapeAlign1, local: i}.shrink(&a, 1)
	a.localGet(dz)
	a.localGet(dz)
	a.op(k.neg)
	a.localGet(i)
	a.memInstr(wasm.OpcodeI32Load8U, 0, 0, memTapeAlign1)
	a.op(wasm.OpcodeSelect)
	a.op(wasm.OpcodeEnd)
	return &wasm.Code{
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32},
		Body:       a.bytes(),
	}
}
