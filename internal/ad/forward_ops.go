package ad

import (
	"fmt"

	"github.com/floretta/floretta/internal/wasm"
)

func (e *forwardEmitter) instruction(op wasm.Opcode, r *opReader) error {
	if e.dead {
		return e.deadInstruction(op, r)
	}
	switch op {
	case wasm.OpcodeUnreachable:
		e.a.op(op)
		e.dead = true

	case wasm.OpcodeNop:
		e.a.op(op)

	case wasm.OpcodeBlock, wasm.OpcodeLoop:
		bt, err := r.blockType()
		if err != nil {
			return err
		}
		e.controls = append(e.controls, control{
			opcode: op,
			bt:     bt,
			base:   len(e.operandStack) - len(e.blockTypeParams(bt)),
		})
		mapped := e.fw.mappedBlockType(bt)
		if op == wasm.OpcodeBlock {
			e.a.block(mapped)
		} else {
			e.a.loop(mapped)
		}

	case wasm.OpcodeIf:
		bt, err := r.blockType()
		if err != nil {
			return err
		}
		e.pop() // condition
		e.controls = append(e.controls, control{
			opcode: wasm.OpcodeIf,
			bt:     bt,
			base:   len(e.operandStack) - len(e.blockTypeParams(bt)),
		})
		e.a.ifOp(e.fw.mappedBlockType(bt))

	case wasm.OpcodeElse:
		c := e.controls[len(e.controls)-1]
		e.fabricateStack(c.base, e.blockTypeParams(c.bt))
		e.a.op(op)

	case wasm.OpcodeEnd:
		c := e.controls[len(e.controls)-1]
		e.controls = e.controls[:len(e.controls)-1]
		e.fabricateStack(c.base, e.blockTypeResults(c.bt))
		e.a.op(op)

	case wasm.OpcodeBr:
		depth, err := r.u32()
		if err != nil {
			return err
		}
		e.a.br(depth)
		e.dead = true

	case wasm.OpcodeBrIf:
		depth, err := r.u32()
		if err != nil {
			return err
		}
		e.pop() // condition
		e.a.brIf(depth)

	case wasm.OpcodeBrTable:
		labels, dflt, err := r.brTable()
		if err != nil {
			return err
		}
		e.pop() // selector
		e.a.brTable(labels, dflt)
		e.dead = true

	case wasm.OpcodeReturn:
		e.a.op(op)
		e.dead = true

	case wasm.OpcodeCall:
		funcidx, err := r.u32()
		if err != nil {
			return err
		}
		callee := e.in.TypeSection[e.fw.funcTypes[funcidx]]
		for range callee.Params {
			e.pop()
		}
		for _, t := range callee.Results {
			e.push(t)
		}
		e.a.call(funcidx)

	case wasm.OpcodeCallIndirect:
		return fmt.Errorf("%w: call_indirect", wasm.ErrUnsupported)

	case wasm.OpcodeDrop:
		t := e.pop()
		e.a.op(wasm.OpcodeDrop)
		if wasm.IsFloat(t) {
			e.a.op(wasm.OpcodeDrop)
		}

	case wasm.OpcodeSelect:
		e.pop() // condition
		t := e.pop()
		e.pop()
		e.push(t)
		if !wasm.IsFloat(t) {
			e.a.op(wasm.OpcodeSelect)
			break
		}
		// [t, dt, f, df, c] -> [select(t,f,c), select(dt,df,c)]
		e.a.localSet(e.tmpI32)
		e.a.localSet(e.tmp(t, tmpDY))
		e.a.localSet(e.tmp(t, tmpY))
		e.a.localSet(e.tmp(t, tmpDX))
		e.a.localSet(e.tmp(t, tmpX))
		e.a.localGet(e.tmp(t, tmpX))
		e.a.localGet(e.tmp(t, tmpY))
		e.a.localGet(e.tmpI32)
		e.a.op(wasm.OpcodeSelect)
		e.a.localGet(e.tmp(t, tmpDX))
		e.a.localGet(e.tmp(t, tmpDY))
		e.a.localGet(e.tmpI32)
		e.a.op(wasm.OpcodeSelect)

	case wasm.OpcodeLocalGet:
		index, err := r.u32()
		if err != nil {
			return err
		}
		t, mapped, _ := e.locals.get(index)
		e.push(t)
		e.a.localGet(mapped)
		if wasm.IsFloat(t) {
			e.a.localGet(mapped + 1)
		}

	case wasm.OpcodeLocalSet:
		index, err := r.u32()
		if err != nil {
			return err
		}
		t, mapped, _ := e.locals.get(index)
		e.pop()
		if wasm.IsFloat(t) {
			e.a.localSet(mapped + 1)
		}
		e.a.localSet(mapped)

	case wasm.OpcodeLocalTee:
		index, err := r.u32()
		if err != nil {
			return err
		}
		t, mapped, _ := e.locals.get(index)
		e.pop()
		e.push(t)
		if wasm.IsFloat(t) {
			e.a.localSet(mapped + 1)
			e.a.localSet(mapped)
			e.a.localGet(mapped)
			e.a.localGet(mapped + 1)
		} else {
			e.a.localTee(mapped)
		}

	case wasm.OpcodeGlobalGet:
		index, err := r.u32()
		if err != nil {
			return err
		}
		gt, ok := e.in.GlobalType(index)
		if !ok {
			return fmt.Errorf("%w: unknown global %d", wasm.ErrInvalidModule, index)
		}
		e.push(gt.ValType)
		e.a.globalGet(dualGlobalIndex(index))
		if wasm.IsFloat(gt.ValType) {
			e.a.globalGet(dualGlobalShadow(index))
		}

	case wasm.OpcodeGlobalSet:
		index, err := r.u32()
		if err != nil {
			return err
		}
		gt, ok := e.in.GlobalType(index)
		if !ok {
			return fmt.Errorf("%w: unknown global %d", wasm.ErrInvalidModule, index)
		}
		e.pop()
		if wasm.IsFloat(gt.ValType) {
			e.a.globalSet(dualGlobalShadow(index))
		}
		e.a.globalSet(dualGlobalIndex(index))

	case wasm.OpcodeMemorySize:
		memidx, err := r.u32()
		if err != nil {
			return err
		}
		e.push(wasm.ValueTypeI32)
		e.a.memorySize(dualMemoryIndex(memidx))

	case wasm.OpcodeMemoryGrow:
		memidx, err := r.u32()
		if err != nil {
			return err
		}
		e.pop()
		e.push(wasm.ValueTypeI32)
		e.a.localTee(e.tmpI32)
		e.a.memoryGrow(dualMemoryIndex(memidx))
		e.a.localGet(e.tmpI32)
		e.a.memoryGrow(dualShadowIndex(memidx))
		e.a.op(wasm.OpcodeDrop)

	case wasm.OpcodeI32Const:
		v, err := r.i32()
		if err != nil {
			return err
		}
		e.push(wasm.ValueTypeI32)
		e.a.i32Const(v)

	case wasm.OpcodeI64Const:
		v, err := r.i64()
		if err != nil {
			return err
		}
		e.push(wasm.ValueTypeI64)
		e.a.i64Const(v)

	case wasm.OpcodeF32Const:
		v, err := r.f32()
		if err != nil {
			return err
		}
		e.push(wasm.ValueTypeF32)
		e.a.f32Const(v)
		e.a.f32Const(0)

	case wasm.OpcodeF64Const:
		v, err := r.f64()
		if err != nil {
			return err
		}
		e.push(wasm.ValueTypeF64)
		e.a.f64Const(v)
		e.a.f64Const(0)

	default:
		return e.numericOrMemory(op, r)
	}
	return nil
}

func (e *forwardEmitter) numericOrMemory(op wasm.Opcode, r *opReader) error {
	if k, ok := floatLoadOps[op]; ok {
		align, offset, memidx, err := r.memArg()
		if err != nil {
			return err
		}
		e.pop()
		e.push(k.valType)
		e.a.localTee(e.tmpI32)
		e.a.memInstr(k.load, align, offset, dualMemoryIndex(memidx))
		e.a.localGet(e.tmpI32)
		e.a.memInstr(k.load, align, offset, dualShadowIndex(memidx))
		return nil
	}
	if k, ok := floatStoreOps[op]; ok {
		align, offset, memidx, err := r.memArg()
		if err != nil {
			return err
		}
		e.pop()
		e.pop()
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.localSet(e.tmp(k.valType, tmpX))
		e.a.localTee(e.tmpI32)
		e.a.localGet(e.tmp(k.valType, tmpX))
		e.a.memInstr(k.store, align, offset, dualMemoryIndex(memidx))
		e.a.localGet(e.tmpI32)
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.memInstr(k.store, align, offset, dualShadowIndex(memidx))
		return nil
	}
	if t, ok := intLoadOps[op]; ok {
		align, offset, memidx, err := r.memArg()
		if err != nil {
			return err
		}
		e.pop()
		e.push(t)
		e.a.memInstr(op, align, offset, dualMemoryIndex(memidx))
		return nil
	}
	if _, ok := intStoreOps[op]; ok {
		align, offset, memidx, err := r.memArg()
		if err != nil {
			return err
		}
		e.pop()
		e.pop()
		e.a.memInstr(op, align, offset, dualMemoryIndex(memidx))
		return nil
	}
	return e.numeric(op)
}

func (e *forwardEmitter) numeric(op wasm.Opcode) error {
	switch op {
	case wasm.OpcodeF32Add, wasm.OpcodeF64Add, wasm.OpcodeF32Sub, wasm.OpcodeF64Sub:
		k := kindForOp(op)
		e.pop()
		e.pop()
		e.push(k.valType)
		e.a.localSet(e.tmp(k.valType, tmpDY))
		e.a.localSet(e.tmp(k.valType, tmpY))
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.localGet(e.tmp(k.valType, tmpY))
		e.a.op(op)
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.localGet(e.tmp(k.valType, tmpDY))
		e.a.op(op)

	case wasm.OpcodeF32Mul, wasm.OpcodeF64Mul:
		// d(x*y) = dx*y + x*dy
		k := kindForOp(op)
		e.pop()
		e.pop()
		e.push(k.valType)
		e.a.localSet(e.tmp(k.valType, tmpDY))
		e.a.localSet(e.tmp(k.valType, tmpY))
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.localTee(e.tmp(k.valType, tmpX))
		e.a.localGet(e.tmp(k.valType, tmpY))
		e.a.op(k.mul)
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.localGet(e.tmp(k.valType, tmpY))
		e.a.op(k.mul)
		e.a.localGet(e.tmp(k.valType, tmpX))
		e.a.localGet(e.tmp(k.valType, tmpDY))
		e.a.op(k.mul)
		e.a.op(k.add)

	case wasm.OpcodeF32Div, wasm.OpcodeF64Div:
		// d(x/y) = (dx - (x/y)*dy) / y
		k := kindForOp(op)
		e.pop()
		e.pop()
		e.push(k.valType)
		e.a.localSet(e.tmp(k.valType, tmpDY))
		e.a.localSet(e.tmp(k.valType, tmpY))
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.localSet(e.tmp(k.valType, tmpX))
		e.a.localGet(e.tmp(k.valType, tmpX))
		e.a.localGet(e.tmp(k.valType, tmpY))
		e.a.op(k.div)
		e.a.localTee(e.tmp(k.valType, tmpZ))
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.localGet(e.tmp(k.valType, tmpZ))
		e.a.localGet(e.tmp(k.valType, tmpDY))
		e.a.op(k.mul)
		e.a.op(k.sub)
		e.a.localGet(e.tmp(k.valType, tmpY))
		e.a.op(k.div)

	case wasm.OpcodeF32Neg, wasm.OpcodeF64Neg:
		k := kindForOp(op)
		e.pop()
		e.push(k.valType)
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.op(k.neg)
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.op(k.neg)

	case wasm.OpcodeF32Abs, wasm.OpcodeF64Abs:
		// d|x| = dx * copysign(1, x)
		k := kindForOp(op)
		e.pop()
		e.push(k.valType)
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.localTee(e.tmp(k.valType, tmpX))
		e.a.op(k.abs)
		e.fConstOne(k)
		e.a.localGet(e.tmp(k.valType, tmpX))
		e.a.op(k.copysign)
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.op(k.mul)

	case wasm.OpcodeF32Sqrt, wasm.OpcodeF64Sqrt:
		k := kindForOp(op)
		e.pop()
		e.push(k.valType)
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.op(k.sqrt)
		e.a.localTee(e.tmp(k.valType, tmpZ))
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.localGet(e.tmp(k.valType, tmpZ))
		e.a.localGet(e.tmp(k.valType, tmpZ))
		e.a.op(k.add)
		e.a.op(k.div)

	case wasm.OpcodeF32Ceil, wasm.OpcodeF32Floor, wasm.OpcodeF32Trunc, wasm.OpcodeF32Nearest,
		wasm.OpcodeF64Ceil, wasm.OpcodeF64Floor, wasm.OpcodeF64Trunc, wasm.OpcodeF64Nearest:
		k := kindForOp(op)
		e.pop()
		e.push(k.valType)
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.op(op)
		e.a.fZero(k.valType)

	case wasm.OpcodeF32Min, wasm.OpcodeF64Min, wasm.OpcodeF32Max, wasm.OpcodeF64Max:
		// The derivative follows the selected operand; the first operand
		// wins ties, matching the reverse-mode helpers.
		k := kindForOp(op)
		e.pop()
		e.pop()
		e.push(k.valType)
		e.a.localSet(e.tmp(k.valType, tmpDY))
		e.a.localSet(e.tmp(k.valType, tmpY))
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.localTee(e.tmp(k.valType, tmpX))
		e.a.localGet(e.tmp(k.valType, tmpY))
		e.a.op(op)
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.localGet(e.tmp(k.valType, tmpDY))
		e.a.localGet(e.tmp(k.valType, tmpX))
		e.a.localGet(e.tmp(k.valType, tmpY))
		if op == wasm.OpcodeF32Min || op == wasm.OpcodeF64Min {
			e.a.op(k.le)
		} else {
			e.a.op(k.ge)
		}
		e.a.op(wasm.OpcodeSelect)

	case wasm.OpcodeF32Copysign, wasm.OpcodeF64Copysign:
		// The derivative keeps dx, with the sign flipped when the result's
		// sign was.
		k := kindForOp(op)
		e.pop()
		e.pop()
		e.push(k.valType)
		e.a.localSet(e.tmp(k.valType, tmpDY))
		e.a.localSet(e.tmp(k.valType, tmpY))
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.localTee(e.tmp(k.valType, tmpX))
		e.a.localGet(e.tmp(k.valType, tmpY))
		e.a.op(k.copysign)
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.localGet(e.tmp(k.valType, tmpDX))
		e.a.op(k.neg)
		e.a.localGet(e.tmp(k.valType, tmpX))
		e.a.op(k.reinterpret)
		e.a.localGet(e.tmp(k.valType, tmpY))
		e.a.op(k.reinterpret)
		e.a.op(k.intXor)
		k.intZeroConst(&e.a)
		e.a.op(k.intGeS)
		e.a.op(wasm.OpcodeSelect)

	case wasm.OpcodeF32Eq, wasm.OpcodeF32Ne, wasm.OpcodeF32Lt, wasm.OpcodeF32Gt, wasm.OpcodeF32Le, wasm.OpcodeF32Ge,
		wasm.OpcodeF64Eq, wasm.OpcodeF64Ne, wasm.OpcodeF64Lt, wasm.OpcodeF64Gt, wasm.OpcodeF64Le, wasm.OpcodeF64Ge:
		k := kindForOp(op)
		e.pop()
		e.pop()
		e.push(wasm.ValueTypeI32)
		e.a.localSet(e.tmp(k.valType, tmpDY))
		e.a.localSet(e.tmp(k.valType, tmpY))
		e.a.localSet(e.tmp(k.valType, tmpDX))
		e.a.localGet(e.tmp(k.valType, tmpY))
		e.a.op(op)

	case wasm.OpcodeF32ConvertI32S, wasm.OpcodeF32ConvertI32U, wasm.OpcodeF32ConvertI64S, wasm.OpcodeF32ConvertI64U,
		wasm.OpcodeF64ConvertI32S, wasm.OpcodeF64ConvertI32U, wasm.OpcodeF64ConvertI64S, wasm.OpcodeF64ConvertI64U,
		wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
		sig, _ := wasm.NumericSignature(op)
		e.applySig(sig)
		e.a.op(op)
		e.a.fZero(sig.Results[0])

	case wasm.OpcodeI32TruncF32S, wasm.OpcodeI32TruncF32U, wasm.OpcodeI64TruncF32S, wasm.OpcodeI64TruncF32U,
		wasm.OpcodeI32ReinterpretF32:
		e.applySig(mustSig(op))
		e.a.localSet(e.tmp(wasm.ValueTypeF32, tmpDX))
		e.a.op(op)

	case wasm.OpcodeI32TruncF64S, wasm.OpcodeI32TruncF64U, wasm.OpcodeI64TruncF64S, wasm.OpcodeI64TruncF64U,
		wasm.OpcodeI64ReinterpretF64:
		e.applySig(mustSig(op))
		e.a.localSet(e.tmp(wasm.ValueTypeF64, tmpDX))
		e.a.op(op)

	case wasm.OpcodeF32DemoteF64:
		e.applySig(mustSig(op))
		e.a.localSet(e.tmp(wasm.ValueTypeF64, tmpDX))
		e.a.op(op)
		e.a.localGet(e.tmp(wasm.ValueTypeF64, tmpDX))
		e.a.op(op)

	case wasm.OpcodeF64PromoteF32:
		e.applySig(mustSig(op))
		e.a.localSet(e.tmp(wasm.ValueTypeF32, tmpDX))
		e.a.op(op)
		e.a.localGet(e.tmp(wasm.ValueTypeF32, tmpDX))
		e.a.op(op)

	default:
		if sig, ok := wasm.NumericSignature(op); ok {
			e.applySig(sig)
			e.a.op(op)
			return nil
		}
		if op == wasm.OpcodeVecPrefix {
			return fmt.Errorf("%w: SIMD", wasm.ErrUnsupported)
		}
		return fmt.Errorf("%w: invalid opcode 0x%x", wasm.ErrInvalidModule, op)
	}
	return nil
}

func (e *forwardEmitter) applySig(sig *wasm.FunctionType) {
	for range sig.Params {
		e.pop()
	}
	for _, t := range sig.Results {
		e.push(t)
	}
}

func mustSig(op wasm.Opcode) *wasm.FunctionType {
	sig, _ := wasm.NumericSignature(op)
	return sig
}

func (e *forwardEmitter) fConstOne(k *floatKind) {
	if k.valType == wasm.ValueTypeF32 {
		e.a.f32Const(1)
	} else {
		e.a.f64Const(1)
	}
}

func (e *forwardEmitter) deadInstruction(op wasm.Opcode, r *opReader) error {
	switch op {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		if _, err := r.blockType(); err != nil {
			return err
		}
		e.deadDepth++
		return nil
	case wasm.OpcodeElse:
		if e.deadDepth > 0 {
			return nil
		}
		e.dead = false
		return e.instruction(op, r)
	case wasm.OpcodeEnd:
		if e.deadDepth > 0 {
			e.deadDepth--
			return nil
		}
		e.dead = false
		return e.instruction(op, r)
	default:
		return skipImmediates(op, r)
	}
}
