package ad

import (
	"fmt"

	"github.com/floretta/floretta/internal/wasm"
)

var floatLoadOps = map[wasm.Opcode]*floatKind{
	wasm.OpcodeF32Load: kindF32,
	wasm.OpcodeF64Load: kindF64,
}

var floatStoreOps = map[wasm.Opcode]*floatKind{
	wasm.OpcodeF32Store: kindF32,
	wasm.OpcodeF64Store: kindF64,
}

var intLoadOps = map[wasm.Opcode]wasm.ValueType{
	wasm.OpcodeI32Load:    wasm.ValueTypeI32,
	wasm.OpcodeI64Load:    wasm.ValueTypeI64,
	wasm.OpcodeI32Load8S:  wasm.ValueTypeI32,
	wasm.OpcodeI32Load8U:  wasm.ValueTypeI32,
	wasm.OpcodeI32Load16S: wasm.ValueTypeI32,
	wasm.OpcodeI32Load16U: wasm.ValueTypeI32,
	wasm.OpcodeI64Load8S:  wasm.ValueTypeI64,
	wasm.OpcodeI64Load8U:  wasm.ValueTypeI64,
	wasm.OpcodeI64Load16S: wasm.ValueTypeI64,
	wasm.OpcodeI64Load16U: wasm.ValueTypeI64,
	wasm.OpcodeI64Load32S: wasm.ValueTypeI64,
	wasm.OpcodeI64Load32U: wasm.ValueTypeI64,
}

var intStoreOps = map[wasm.Opcode]struct{}{
	wasm.OpcodeI32Store:   {},
	wasm.OpcodeI64Store:   {},
	wasm.OpcodeI32Store8:  {},
	wasm.OpcodeI32Store16: {},
	wasm.OpcodeI64Store8:  {},
	wasm.OpcodeI64Store16: {},
	wasm.OpcodeI64Store32: {},
}

// kindForValType returns the float parameterization for a float value type.
func kindForValType(t wasm.ValueType) *floatKind {
	if t == wasm.ValueTypeF32 {
		return kindF32
	}
	return kindF64
}

// tmpFBwd returns the backward-pass scratch local of the given float type.
func (f *funcEmitter) tmpFBwd(t wasm.ValueType) uint32 {
	if t == wasm.ValueTypeF32 {
		return f.tmpF32Bwd
	}
	return f.tmpF64Bwd
}

// tmpFFwd returns the forward-pass scratch local of the given float type.
func (f *funcEmitter) tmpFFwd(t wasm.ValueType) uint32 {
	if t == wasm.ValueTypeF32 {
		return f.tmpF32Fwd
	}
	return f.tmpF64Fwd
}

// localRef resolves a source local index to its type and, for floats, the
// backward pass's shadow local.
func (f *funcEmitter) localRef(index uint32) (wasm.ValueType, uint32, bool) {
	t, j, ok := f.locals.get(index)
	if !ok {
		return t, 0, false
	}
	return t, f.numFloatResults + j, true
}

func (f *funcEmitter) instruction(op wasm.Opcode, r *opReader) error {
	if f.dead {
		return f.deadInstruction(op, r)
	}
	switch op {
	case wasm.OpcodeUnreachable:
		f.fwdControlStore()
		f.fwd.op(wasm.OpcodeUnreachable)
		f.splitBasicBlock(nil, len(f.operandStack), nil)
		f.dead = true

	case wasm.OpcodeNop:
		f.fwd.op(wasm.OpcodeNop)

	case wasm.OpcodeBlock:
		bt, err := r.blockType()
		if err != nil {
			return err
		}
		f.controls = append(f.controls, control{
			opcode: wasm.OpcodeBlock,
			bt:     bt,
			base:   len(f.operandStack) - len(f.blockTypeParams(bt)),
		})
		f.fwd.block(mappedBlockType(bt))

	case wasm.OpcodeLoop:
		bt, err := r.blockType()
		if err != nil {
			return err
		}
		f.controls = append(f.controls, control{
			opcode: wasm.OpcodeLoop,
			bt:     bt,
			base:   len(f.operandStack) - len(f.blockTypeParams(bt)),
		})
		f.fwdControlStore()
		f.fwd.loop(mappedBlockType(bt))
		f.splitFallthrough(f.blockTypeParams(bt))

	case wasm.OpcodeIf:
		bt, err := r.blockType()
		if err != nil {
			return err
		}
		f.pop() // condition
		f.controls = append(f.controls, control{
			opcode: wasm.OpcodeIf,
			bt:     bt,
			base:   len(f.operandStack) - len(f.blockTypeParams(bt)),
		})
		f.fwdControlStore()
		f.fwd.ifOp(mappedBlockType(bt))
		f.splitFallthrough(f.blockTypeParams(bt))

	case wasm.OpcodeElse:
		c := f.controls[len(f.controls)-1]
		f.fwdControlStore()
		f.fwd.op(wasm.OpcodeElse)
		params := f.blockTypeParams(c.bt)
		f.splitBasicBlock(f.blockTypeResults(c.bt), c.base+len(params), params)

	case wasm.OpcodeEnd:
		c := f.controls[len(f.controls)-1]
		f.controls = f.controls[:len(f.controls)-1]
		switch c.opcode {
		case wasm.OpcodeLoop:
			f.fwd.op(wasm.OpcodeEnd)
		case wasm.OpcodeBlock:
			f.fwdControlStore()
			f.fwd.op(wasm.OpcodeEnd)
			if len(f.controls) == 0 {
				// End of the function body: the final basic block must not
				// be followed by another.
				f.splitBasicBlock(f.blockTypeResults(c.bt), len(f.operandStack), nil)
			} else {
				f.splitFallthrough(f.blockTypeResults(c.bt))
			}
		default: // if, with or without else
			f.fwdControlStore()
			f.fwd.op(wasm.OpcodeEnd)
			f.splitFallthrough(f.blockTypeResults(c.bt))
		}

	case wasm.OpcodeBr:
		depth, err := r.u32()
		if err != nil {
			return err
		}
		f.fwdControlStore()
		f.fwd.br(depth)
		bv := f.branchTargetValues(depth)
		f.splitBasicBlock(bv, len(f.operandStack)-len(bv), nil)
		f.dead = true

	case wasm.OpcodeBrIf:
		depth, err := r.u32()
		if err != nil {
			return err
		}
		f.pop() // condition
		f.fwdControlStore()
		f.fwd.brIf(depth)
		f.splitFallthrough(f.branchTargetValues(depth))

	case wasm.OpcodeBrTable:
		labels, dflt, err := r.brTable()
		if err != nil {
			return err
		}
		f.pop() // selector
		f.fwdControlStore()
		f.fwd.brTable(labels, dflt)
		// All label arities agree under validation, so the default stands in
		// for whichever target is taken.
		bv := f.branchTargetValues(dflt)
		f.splitBasicBlock(bv, len(f.operandStack)-len(bv), nil)
		f.dead = true

	case wasm.OpcodeReturn:
		f.fwdControlStore()
		f.fwd.op(wasm.OpcodeReturn)
		bv := f.sig.Results
		f.splitBasicBlock(bv, len(f.operandStack)-len(bv), nil)
		f.dead = true

	case wasm.OpcodeCall:
		funcidx, err := r.u32()
		if err != nil {
			return err
		}
		callee := f.in.TypeSection[f.rv.funcTypes[funcidx]]
		for range callee.Params {
			f.pop()
		}
		for _, t := range callee.Results {
			f.push(t)
		}
		fwdIdx, bwdIdx := funcPair(f.rv.numImportFuncs, funcidx)
		f.fwd.call(fwdIdx)
		f.bwd.unit(func(a *asm) { a.call(bwdIdx) })

	case wasm.OpcodeCallIndirect:
		return fmt.Errorf("%w: call_indirect", wasm.ErrUnsupported)

	case wasm.OpcodeDrop:
		t := f.pop()
		f.fwd.op(wasm.OpcodeDrop)
		if wasm.IsFloat(t) {
			f.bwd.unit(func(a *asm) { a.fZero(t) })
		}

	case wasm.OpcodeSelect:
		f.pop() // condition
		t := f.pop()
		f.pop()
		f.push(t)
		if !wasm.IsFloat(t) {
			f.fwd.op(wasm.OpcodeSelect)
			break
		}
		// The backward pass must know which operand was selected, so the
		// condition goes on the control tape.
		f.fwd.localTee(f.tmpI32Fwd)
		f.helperCall(&f.fwd, funcTapeI32)
		f.fwd.localGet(f.tmpI32Fwd)
		f.fwd.op(wasm.OpcodeSelect)
		tmpF := f.tmpFBwd(t)
		f.bwd.unit(func(a *asm) {
			a.localSet(tmpF)
			f.helperCall(a, funcTapeI32Bwd)
			a.localSet(f.tmpI32Bwd)
			a.localGet(tmpF)
			a.fZero(t)
			a.localGet(f.tmpI32Bwd)
			a.op(wasm.OpcodeSelect)
			a.fZero(t)
			a.localGet(tmpF)
			a.localGet(f.tmpI32Bwd)
			a.op(wasm.OpcodeSelect)
		})

	case wasm.OpcodeLocalGet:
		index, err := r.u32()
		if err != nil {
			return err
		}
		t, shadow, ok := f.localRef(index)
		f.push(t)
		f.fwd.localGet(index)
		if ok {
			k := kindForValType(t)
			f.bwd.unit(func(a *asm) {
				a.localGet(shadow)
				a.op(k.add)
				a.localSet(shadow)
			})
		}

	case wasm.OpcodeLocalSet:
		index, err := r.u32()
		if err != nil {
			return err
		}
		t, shadow, ok := f.localRef(index)
		f.pop()
		f.fwd.localSet(index)
		if ok {
			f.bwd.unit(func(a *asm) {
				a.localGet(shadow)
				a.fZero(t)
				a.localSet(shadow)
			})
		}

	case wasm.OpcodeLocalTee:
		index, err := r.u32()
		if err != nil {
			return err
		}
		t, shadow, ok := f.localRef(index)
		f.pop()
		f.push(t)
		f.fwd.localTee(index)
		if ok {
			k := kindForValType(t)
			f.bwd.unit(func(a *asm) {
				a.localGet(shadow)
				a.op(k.add)
				a.fZero(t)
				a.localSet(shadow)
			})
		}

	case wasm.OpcodeGlobalGet:
		index, err := r.u32()
		if err != nil {
			return err
		}
		gt, gok := f.in.GlobalType(index)
		if !gok {
			return fmt.Errorf("%w: unknown global %d", wasm.ErrInvalidModule, index)
		}
		f.push(gt.ValType)
		f.fwd.globalGet(primalGlobalIndex(index))
		if wasm.IsFloat(gt.ValType) {
			t := gt.ValType
			shadow := shadowGlobalIndex(index)
			k := kindForValType(t)
			f.bwd.unit(func(a *asm) {
				a.globalGet(shadow)
				a.op(k.add)
				a.globalSet(shadow)
			})
		}

	case wasm.OpcodeGlobalSet:
		index, err := r.u32()
		if err != nil {
			return err
		}
		gt, gok := f.in.GlobalType(index)
		if !gok {
			return fmt.Errorf("%w: unknown global %d", wasm.ErrInvalidModule, index)
		}
		f.pop()
		f.fwd.globalSet(primalGlobalIndex(index))
		if wasm.IsFloat(gt.ValType) {
			t := gt.ValType
			shadow := shadowGlobalIndex(index)
			f.bwd.unit(func(a *asm) {
				a.globalGet(shadow)
				a.fZero(t)
				a.globalSet(shadow)
			})
		}

	case wasm.OpcodeMemorySize:
		memidx, err := r.u32()
		if err != nil {
			return err
		}
		f.push(wasm.ValueTypeI32)
		f.fwd.memorySize(primalMemoryIndex(memidx))

	case wasm.OpcodeMemoryGrow:
		memidx, err := r.u32()
		if err != nil {
			return err
		}
		f.pop()
		f.push(wasm.ValueTypeI32)
		// The shadow must stay the same size as its primal, or cotangent
		// stores would trap where primal stores succeed.
		f.fwd.localTee(f.tmpI32Fwd)
		f.fwd.memoryGrow(primalMemoryIndex(memidx))
		f.fwd.localGet(f.tmpI32Fwd)
		f.fwd.memoryGrow(shadowMemoryIndex(memidx))
		f.fwd.op(wasm.OpcodeDrop)

	case wasm.OpcodeI32Const:
		v, err := r.i32()
		if err != nil {
			return err
		}
		f.push(wasm.ValueTypeI32)
		f.fwd.i32Const(v)

	case wasm.OpcodeI64Const:
		v, err := r.i64()
		if err != nil {
			return err
		}
		f.push(wasm.ValueTypeI64)
		f.fwd.i64Const(v)

	case wasm.OpcodeF32Const:
		v, err := r.f32()
		if err != nil {
			return err
		}
		f.push(wasm.ValueTypeF32)
		f.fwd.f32Const(v)
		f.bwd.unit(func(a *asm) { a.op(wasm.OpcodeDrop) })

	case wasm.OpcodeF64Const:
		v, err := r.f64()
		if err != nil {
			return err
		}
		f.push(wasm.ValueTypeF64)
		f.fwd.f64Const(v)
		f.bwd.unit(func(a *asm) { a.op(wasm.OpcodeDrop) })

	default:
		return f.numericOrMemory(op, r)
	}
	return nil
}

// numericOrMemory handles loads, stores and the numeric opcodes.
func (f *funcEmitter) numericOrMemory(op wasm.Opcode, r *opReader) error {
	if k, ok := floatLoadOps[op]; ok {
		align, offset, memidx, err := r.memArg()
		if err != nil {
			return err
		}
		f.pop()
		f.push(k.valType)
		primal, shadow := primalMemoryIndex(memidx), shadowMemoryIndex(memidx)
		// The address decides which shadow bytes receive the cotangent, so
		// it goes on the control tape.
		f.fwd.localTee(f.tmpI32Fwd)
		f.helperCall(&f.fwd, funcTapeI32)
		f.fwd.localGet(f.tmpI32Fwd)
		f.fwd.memInstr(k.load, align, offset, primal)
		tmpF := f.tmpFBwd(k.valType)
		f.bwd.unit(func(a *asm) {
			a.localSet(tmpF)
			f.helperCall(a, funcTapeI32Bwd)
			a.localTee(f.tmpI32Bwd)
			a.localGet(f.tmpI32Bwd)
			a.memInstr(k.load, align, offset, shadow)
			a.localGet(tmpF)
			a.op(k.add)
			a.memInstr(k.store, align, offset, shadow)
		})
		return nil
	}
	if k, ok := floatStoreOps[op]; ok {
		align, offset, memidx, err := r.memArg()
		if err != nil {
			return err
		}
		f.pop2()
		primal, shadow := primalMemoryIndex(memidx), shadowMemoryIndex(memidx)
		tmpF := f.tmpFFwd(k.valType)
		f.fwd.localSet(tmpF)
		f.fwd.localTee(f.tmpI32Fwd)
		f.helperCall(&f.fwd, funcTapeI32)
		f.fwd.localGet(f.tmpI32Fwd)
		f.fwd.localGet(tmpF)
		f.fwd.memInstr(k.store, align, offset, primal)
		f.bwd.unit(func(a *asm) {
			// Push the accumulated cotangent of the stored value and zero
			// the shadow slot so it cannot be double counted.
			f.helperCall(a, funcTapeI32Bwd)
			a.localTee(f.tmpI32Bwd)
			a.memInstr(k.load, align, offset, shadow)
			a.localGet(f.tmpI32Bwd)
			a.fZero(k.valType)
			a.memInstr(k.store, align, offset, shadow)
		})
		return nil
	}
	if t, ok := intLoadOps[op]; ok {
		align, offset, memidx, err := r.memArg()
		if err != nil {
			return err
		}
		f.pop()
		f.push(t)
		f.fwd.memInstr(op, align, offset, primalMemoryIndex(memidx))
		return nil
	}
	if _, ok := intStoreOps[op]; ok {
		align, offset, memidx, err := r.memArg()
		if err != nil {
			return err
		}
		f.pop2()
		f.fwd.memInstr(op, align, offset, primalMemoryIndex(memidx))
		return nil
	}
	return f.numeric(op)
}

func (f *funcEmitter) numeric(op wasm.Opcode) error {
	switch op {
	// Linear float ops are differentiated inline.
	case wasm.OpcodeF32Add, wasm.OpcodeF64Add:
		k := kindForOp(op)
		f.pop2()
		f.push(k.valType)
		f.fwd.op(op)
		tmpF := f.tmpFBwd(k.valType)
		f.bwd.unit(func(a *asm) {
			a.localTee(tmpF)
			a.localGet(tmpF)
		})

	case wasm.OpcodeF32Sub, wasm.OpcodeF64Sub:
		k := kindForOp(op)
		f.pop2()
		f.push(k.valType)
		f.fwd.op(op)
		tmpF := f.tmpFBwd(k.valType)
		f.bwd.unit(func(a *asm) {
			a.localTee(tmpF)
			a.localGet(tmpF)
			a.op(k.neg)
		})

	case wasm.OpcodeF32Neg, wasm.OpcodeF64Neg:
		k := kindForOp(op)
		f.pop()
		f.push(k.valType)
		f.fwd.op(op)
		f.bwd.unit(func(a *asm) { a.op(k.neg) })

	// Nonlinear float ops go through the paired helpers, which save on the
	// tape exactly what their backward passes consume.
	case wasm.OpcodeF32Mul, wasm.OpcodeF64Mul,
		wasm.OpcodeF32Div, wasm.OpcodeF64Div,
		wasm.OpcodeF32Min, wasm.OpcodeF64Min,
		wasm.OpcodeF32Max, wasm.OpcodeF64Max,
		wasm.OpcodeF32Copysign, wasm.OpcodeF64Copysign:
		k := kindForOp(op)
		f.pop2()
		f.push(k.valType)
		fwdHelper, bwdHelper := helperFwdByOp[op], helperBwdByOp[op]
		f.helperCall(&f.fwd, fwdHelper)
		f.bwd.unit(func(a *asm) { f.helperCall(a, bwdHelper) })

	case wasm.OpcodeF32Sqrt, wasm.OpcodeF64Sqrt,
		wasm.OpcodeF32Abs, wasm.OpcodeF64Abs:
		k := kindForOp(op)
		f.pop()
		f.push(k.valType)
		fwdHelper, bwdHelper := helperFwdByOp[op], helperBwdByOp[op]
		f.helperCall(&f.fwd, fwdHelper)
		f.bwd.unit(func(a *asm) { f.helperCall(a, bwdHelper) })

	// Rounding is piecewise constant: the cotangent of the operand is zero.
	case wasm.OpcodeF32Ceil, wasm.OpcodeF32Floor, wasm.OpcodeF32Trunc, wasm.OpcodeF32Nearest,
		wasm.OpcodeF64Ceil, wasm.OpcodeF64Floor, wasm.OpcodeF64Trunc, wasm.OpcodeF64Nearest:
		k := kindForOp(op)
		f.pop()
		f.push(k.valType)
		f.fwd.op(op)
		f.bwd.unit(func(a *asm) {
			a.op(wasm.OpcodeDrop)
			a.fZero(k.valType)
		})

	// Float comparisons produce an integer, which carries no cotangent; both
	// float operands receive zero.
	case wasm.OpcodeF32Eq, wasm.OpcodeF32Ne, wasm.OpcodeF32Lt, wasm.OpcodeF32Gt, wasm.OpcodeF32Le, wasm.OpcodeF32Ge:
		f.pop2()
		f.push(wasm.ValueTypeI32)
		f.fwd.op(op)
		f.bwd.unit(func(a *asm) {
			a.f32Const(0)
			a.f32Const(0)
		})

	case wasm.OpcodeF64Eq, wasm.OpcodeF64Ne, wasm.OpcodeF64Lt, wasm.OpcodeF64Gt, wasm.OpcodeF64Le, wasm.OpcodeF64Ge:
		f.pop2()
		f.push(wasm.ValueTypeI32)
		f.fwd.op(op)
		f.bwd.unit(func(a *asm) {
			a.f64Const(0)
			a.f64Const(0)
		})

	// Conversions into float: the integer operand absorbs no cotangent.
	case wasm.OpcodeF32ConvertI32S, wasm.OpcodeF32ConvertI32U, wasm.OpcodeF32ConvertI64S, wasm.OpcodeF32ConvertI64U,
		wasm.OpcodeF64ConvertI32S, wasm.OpcodeF64ConvertI32U, wasm.OpcodeF64ConvertI64S, wasm.OpcodeF64ConvertI64U,
		wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
		f.applySignature(op)
		f.fwd.op(op)
		f.bwd.unit(func(a *asm) { a.op(wasm.OpcodeDrop) })

	// Conversions out of float: the float operand's cotangent is zero, the
	// integer result carries none.
	case wasm.OpcodeI32TruncF32S, wasm.OpcodeI32TruncF32U, wasm.OpcodeI64TruncF32S, wasm.OpcodeI64TruncF32U,
		wasm.OpcodeI32ReinterpretF32:
		f.applySignature(op)
		f.fwd.op(op)
		f.bwd.unit(func(a *asm) { a.f32Const(0) })

	case wasm.OpcodeI32TruncF64S, wasm.OpcodeI32TruncF64U, wasm.OpcodeI64TruncF64S, wasm.OpcodeI64TruncF64U,
		wasm.OpcodeI64ReinterpretF64:
		f.applySignature(op)
		f.fwd.op(op)
		f.bwd.unit(func(a *asm) { a.f64Const(0) })

	// Precision changes apply the matching conversion to the cotangent.
	case wasm.OpcodeF32DemoteF64:
		f.applySignature(op)
		f.fwd.op(op)
		f.bwd.unit(func(a *asm) { a.op(wasm.OpcodeF64PromoteF32) })

	case wasm.OpcodeF64PromoteF32:
		f.applySignature(op)
		f.fwd.op(op)
		f.bwd.unit(func(a *asm) { a.op(wasm.OpcodeF32DemoteF64) })

	default:
		// Purely integer arithmetic passes through untouched; everything
		// else is outside the supported subset.
		if sig, ok := wasm.NumericSignature(op); ok {
			for range sig.Params {
				f.pop()
			}
			for _, t := range sig.Results {
				f.push(t)
			}
			f.fwd.op(op)
			return nil
		}
		if op == wasm.OpcodeVecPrefix {
			return fmt.Errorf("%w: SIMD", wasm.ErrUnsupported)
		}
		return fmt.Errorf("%w: invalid opcode 0x%x", wasm.ErrInvalidModule, op)
	}
	return nil
}

// applySignature adjusts the abstract stack by a numeric opcode's signature.
func (f *funcEmitter) applySignature(op wasm.Opcode) {
	sig, _ := wasm.NumericSignature(op)
	for range sig.Params {
		f.pop()
	}
	for _, t := range sig.Results {
		f.push(t)
	}
}

// kindForOp returns the float parameterization an f32 or f64 opcode belongs
// to, going by the opcode ranges of the binary format.
func kindForOp(op wasm.Opcode) *floatKind {
	if (op >= wasm.OpcodeF32Abs && op <= wasm.OpcodeF32Copysign) ||
		(op >= wasm.OpcodeF32Eq && op <= wasm.OpcodeF32Ge) ||
		op == wasm.OpcodeF32Load || op == wasm.OpcodeF32Store {
		return kindF32
	}
	return kindF64
}

// deadInstruction skips structurally unreachable code, reviving the walk at
// the delimiter where a live path joins back in.
func (f *funcEmitter) deadInstruction(op wasm.Opcode, r *opReader) error {
	switch op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		if _, err := r.blockType(); err != nil {
			return err
		}
		f.deadDepth++
		return nil
	case wasm.OpcodeElse:
		if f.deadDepth > 0 {
			return nil
		}
		c := f.controls[len(f.controls)-1]
		f.fabricateStack(c.base, f.blockTypeResults(c.bt))
		f.dead = false
		return f.instruction(op, r)
	case wasm.OpcodeEnd:
		if f.deadDepth > 0 {
			f.deadDepth--
			return nil
		}
		c := f.controls[len(f.controls)-1]
		f.fabricateStack(c.base, f.blockTypeResults(c.bt))
		f.dead = false
		return f.instruction(op, r)
	default:
		return skipImmediates(op, r)
	}
}

// skipImmediates consumes the immediates of an instruction being discarded.
func skipImmediates(op wasm.Opcode, r *opReader) error {
	switch op {
	case wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeCall,
		wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
		wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet,
		wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		_, err := r.u32()
		return err
	case wasm.OpcodeBrTable:
		_, _, err := r.brTable()
		return err
	case wasm.OpcodeI32Const:
		_, err := r.i32()
		return err
	case wasm.OpcodeI64Const:
		_, err := r.i64()
		return err
	case wasm.OpcodeF32Const:
		_, err := r.f32()
		return err
	case wasm.OpcodeF64Const:
		_, err := r.f64()
		return err
	}
	if _, ok := floatLoadOps[op]; ok {
		_, _, _, err := r.memArg()
		return err
	}
	if _, ok := floatStoreOps[op]; ok {
		_, _, _, err := r.memArg()
		return err
	}
	if _, ok := intLoadOps[op]; ok {
		_, _, _, err := r.memArg()
		return err
	}
	if _, ok := intStoreOps[op]; ok {
		_, _, _, err := r.memArg()
		return err
	}
	return nil
}
