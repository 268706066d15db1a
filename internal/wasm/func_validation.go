package wasm

import (
	"bytes"
	"fmt"

	"github.com/floretta/floretta/internal/leb128"
)

// The type-checking algorithm follows the validation appendix of the
// specification: a value stack of types and a stack of control frames, where
// a frame becomes polymorphic ("unreachable") after an unconditional branch.
//
// See https://www.w3.org/TR/wasm-core-1/#validation-algorithm

// valueTypeUnknown is a placeholder produced when popping from a polymorphic
// stack. It satisfies any expectation.
const valueTypeUnknown = ValueType(0x81)

type controlFrame struct {
	// opcode is OpcodeBlock, OpcodeLoop, OpcodeIf or, for the implicit outer
	// frame, OpcodeEnd.
	opcode Opcode

	blockType *FunctionType

	// height is the value stack height at frame entry, after the frame's
	// parameters were pushed.
	height int

	unreachable bool
}

// labelTypes returns the types a branch targeting this frame carries: a
// loop's parameters, otherwise the frame's results.
func (c *controlFrame) labelTypes() []ValueType {
	if c.opcode == OpcodeLoop {
		return c.blockType.Params
	}
	return c.blockType.Results
}

type funcValidator struct {
	m      *Module
	locals []ValueType
	stack  []ValueType
	frames []*controlFrame
	body   *bytes.Reader
	length int
}

func (v *funcValidator) offset() int {
	return v.length - v.body.Len()
}

func (v *funcValidator) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v at offset %d", ErrInvalidModule, fmt.Sprintf(format, args...), v.offset())
}

func (v *funcValidator) frame() *controlFrame {
	return v.frames[len(v.frames)-1]
}

func (v *funcValidator) push(types ...ValueType) {
	v.stack = append(v.stack, types...)
}

func (v *funcValidator) pop(expect ValueType) (ValueType, error) {
	f := v.frame()
	if len(v.stack) == f.height {
		if f.unreachable {
			return valueTypeUnknown, nil
		}
		return 0, v.errorf("operand stack underflow")
	}
	actual := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	if actual != expect && actual != valueTypeUnknown && expect != valueTypeUnknown {
		return 0, v.errorf("type mismatch: expected %s, was %s", ValueTypeName(expect), ValueTypeName(actual))
	}
	return actual, nil
}

func (v *funcValidator) popValues(types []ValueType) error {
	for i := len(types) - 1; i >= 0; i-- {
		if _, err := v.pop(types[i]); err != nil {
			return err
		}
	}
	return nil
}

func (v *funcValidator) markUnreachable() {
	f := v.frame()
	v.stack = v.stack[:f.height]
	f.unreachable = true
}

func (v *funcValidator) readU32() (uint32, error) {
	n, _, err := leb128.DecodeUint32(v.body)
	if err != nil {
		return 0, v.errorf("read immediate: %v", err)
	}
	return n, nil
}

// readMemArg reads alignment and offset immediates, plus the memory index
// when bit 6 of the alignment flags is set (multi-memory encoding).
func (v *funcValidator) readMemArg(naturalAlign uint32) (memidx Index, err error) {
	align, err := v.readU32()
	if err != nil {
		return 0, err
	}
	if _, err = v.readU32(); err != nil { // offset
		return 0, err
	}
	if align&(1<<6) != 0 {
		align &^= 1 << 6
		if memidx, err = v.readU32(); err != nil {
			return 0, err
		}
	}
	if align > naturalAlign {
		return 0, v.errorf("alignment 2^%d exceeds natural alignment", align)
	}
	if memidx >= v.m.MemoryCount() {
		return 0, v.errorf("unknown memory %d", memidx)
	}
	return memidx, nil
}

func (v *funcValidator) readBlockType() (*FunctionType, error) {
	raw, _, err := leb128.DecodeInt33AsInt64(v.body)
	if err != nil {
		return nil, v.errorf("read block type: %v", err)
	}
	switch raw {
	case -64: // 0x40 in original byte = empty
		return &FunctionType{}, nil
	case -1: // 0x7f = i32
		return &FunctionType{Results: []ValueType{ValueTypeI32}}, nil
	case -2: // 0x7e = i64
		return &FunctionType{Results: []ValueType{ValueTypeI64}}, nil
	case -3: // 0x7d = f32
		return &FunctionType{Results: []ValueType{ValueTypeF32}}, nil
	case -4: // 0x7c = f64
		return &FunctionType{Results: []ValueType{ValueTypeF64}}, nil
	default:
		if raw < 0 || raw >= int64(len(v.m.TypeSection)) {
			return nil, v.errorf("unknown block type %d", raw)
		}
		return v.m.TypeSection[raw], nil
	}
}

func (v *funcValidator) local(index Index) (ValueType, error) {
	if int(index) >= len(v.locals) {
		return 0, v.errorf("unknown local %d", index)
	}
	return v.locals[index], nil
}

// validateFunction type-checks one code entry against its declared signature.
func (m *Module) validateFunction(sig *FunctionType, code *Code) error {
	v := &funcValidator{
		m:      m,
		locals: append(append([]ValueType{}, sig.Params...), code.LocalTypes...),
		body:   bytes.NewReader(code.Body),
		length: len(code.Body),
	}
	v.frames = append(v.frames, &controlFrame{opcode: OpcodeEnd, blockType: sig})
	for {
		if len(v.frames) == 0 {
			if v.body.Len() != 0 {
				return v.errorf("instructions after function end")
			}
			return nil
		}
		op, err := v.body.ReadByte()
		if err != nil {
			return v.errorf("function body not terminated")
		}
		if err = v.op(op); err != nil {
			return err
		}
	}
}

func (v *funcValidator) op(op Opcode) error {
	switch op {
	case OpcodeUnreachable:
		v.markUnreachable()
	case OpcodeNop:
	case OpcodeBlock, OpcodeLoop, OpcodeIf:
		bt, err := v.readBlockType()
		if err != nil {
			return err
		}
		if op == OpcodeIf {
			if _, err = v.pop(ValueTypeI32); err != nil {
				return err
			}
		}
		if err = v.popValues(bt.Params); err != nil {
			return err
		}
		v.frames = append(v.frames, &controlFrame{opcode: op, blockType: bt, height: len(v.stack)})
		v.push(bt.Params...)
	case OpcodeElse:
		f := v.frame()
		if f.opcode != OpcodeIf {
			return v.errorf("else outside of if")
		}
		if err := v.popValues(f.blockType.Results); err != nil {
			return err
		}
		if len(v.stack) != f.height && !f.unreachable {
			return v.errorf("values remain on stack at else")
		}
		v.stack = v.stack[:f.height]
		v.push(f.blockType.Params...)
		f.opcode = OpcodeElse
		f.unreachable = false
	case OpcodeEnd:
		f := v.frame()
		if f.opcode == OpcodeIf && !valueTypesEqual(f.blockType.Params, f.blockType.Results) {
			return v.errorf("if without else must have matching params and results")
		}
		if err := v.popValues(f.blockType.Results); err != nil {
			return err
		}
		if len(v.stack) != f.height && !f.unreachable {
			return v.errorf("values remain on stack at end of block")
		}
		v.stack = v.stack[:f.height]
		v.frames = v.frames[:len(v.frames)-1]
		v.push(f.blockType.Results...)
	case OpcodeBr, OpcodeBrIf:
		depth, err := v.readU32()
		if err != nil {
			return err
		}
		if int(depth) >= len(v.frames) {
			return v.errorf("unknown label %d", depth)
		}
		if op == OpcodeBrIf {
			if _, err = v.pop(ValueTypeI32); err != nil {
				return err
			}
		}
		target := v.frames[len(v.frames)-1-int(depth)]
		if err = v.popValues(target.labelTypes()); err != nil {
			return err
		}
		if op == OpcodeBrIf {
			v.push(target.labelTypes()...)
		} else {
			v.markUnreachable()
		}
	case OpcodeBrTable:
		count, err := v.readU32()
		if err != nil {
			return err
		}
		labels := make([]Index, count)
		for i := range labels {
			if labels[i], err = v.readU32(); err != nil {
				return err
			}
		}
		dflt, err := v.readU32()
		if err != nil {
			return err
		}
		if int(dflt) >= len(v.frames) {
			return v.errorf("unknown label %d", dflt)
		}
		dfltTypes := v.frames[len(v.frames)-1-int(dflt)].labelTypes()
		for _, l := range labels {
			if int(l) >= len(v.frames) {
				return v.errorf("unknown label %d", l)
			}
			if !valueTypesEqual(v.frames[len(v.frames)-1-int(l)].labelTypes(), dfltTypes) {
				return v.errorf("br_table labels have inconsistent types")
			}
		}
		if _, err = v.pop(ValueTypeI32); err != nil {
			return err
		}
		if err = v.popValues(dfltTypes); err != nil {
			return err
		}
		v.markUnreachable()
	case OpcodeReturn:
		if err := v.popValues(v.frames[0].blockType.Results); err != nil {
			return err
		}
		v.markUnreachable()
	case OpcodeCall:
		funcidx, err := v.readU32()
		if err != nil {
			return err
		}
		sig, ok := v.m.FuncType(funcidx)
		if !ok {
			return v.errorf("unknown function %d", funcidx)
		}
		if err = v.popValues(sig.Params); err != nil {
			return err
		}
		v.push(sig.Results...)
	case OpcodeCallIndirect:
		return fmt.Errorf("%w: call_indirect", ErrUnsupported)
	case OpcodeDrop:
		if _, err := v.pop(valueTypeUnknown); err != nil {
			return err
		}
	case OpcodeSelect:
		if _, err := v.pop(ValueTypeI32); err != nil {
			return err
		}
		t1, err := v.pop(valueTypeUnknown)
		if err != nil {
			return err
		}
		t2, err := v.pop(t1)
		if err != nil {
			return err
		}
		if t2 != valueTypeUnknown {
			v.push(t2)
		} else {
			v.push(t1)
		}
	case OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee:
		index, err := v.readU32()
		if err != nil {
			return err
		}
		ty, err := v.local(index)
		if err != nil {
			return err
		}
		switch op {
		case OpcodeLocalGet:
			v.push(ty)
		case OpcodeLocalSet:
			if _, err = v.pop(ty); err != nil {
				return err
			}
		case OpcodeLocalTee:
			if _, err = v.pop(ty); err != nil {
				return err
			}
			v.push(ty)
		}
	case OpcodeGlobalGet, OpcodeGlobalSet:
		index, err := v.readU32()
		if err != nil {
			return err
		}
		gt, ok := v.m.GlobalType(index)
		if !ok {
			return v.errorf("unknown global %d", index)
		}
		if op == OpcodeGlobalGet {
			v.push(gt.ValType)
		} else {
			if !gt.Mutable {
				return v.errorf("global.set of immutable global %d", index)
			}
			if _, err = v.pop(gt.ValType); err != nil {
				return err
			}
		}
	case OpcodeMemorySize, OpcodeMemoryGrow:
		memidx, err := v.readU32()
		if err != nil {
			return err
		}
		if memidx >= v.m.MemoryCount() {
			return v.errorf("unknown memory %d", memidx)
		}
		if op == OpcodeMemoryGrow {
			if _, err = v.pop(ValueTypeI32); err != nil {
				return err
			}
		}
		v.push(ValueTypeI32)
	case OpcodeI32Const:
		if _, _, err := leb128.DecodeInt32(v.body); err != nil {
			return v.errorf("read i32.const: %v", err)
		}
		v.push(ValueTypeI32)
	case OpcodeI64Const:
		if _, _, err := leb128.DecodeInt64(v.body); err != nil {
			return v.errorf("read i64.const: %v", err)
		}
		v.push(ValueTypeI64)
	case OpcodeF32Const:
		if err := v.skip(4); err != nil {
			return err
		}
		v.push(ValueTypeF32)
	case OpcodeF64Const:
		if err := v.skip(8); err != nil {
			return err
		}
		v.push(ValueTypeF64)
	case OpcodeVecPrefix:
		return fmt.Errorf("%w: SIMD", ErrUnsupported)
	case OpcodeMiscPrefix:
		return fmt.Errorf("%w: 0xfc-prefixed instructions", ErrUnsupported)
	default:
		if load, ok := loadInstructions[op]; ok {
			if _, err := v.readMemArg(load.naturalAlign); err != nil {
				return err
			}
			if _, err := v.pop(ValueTypeI32); err != nil {
				return err
			}
			v.push(load.ty)
			return nil
		}
		if store, ok := storeInstructions[op]; ok {
			if _, err := v.readMemArg(store.naturalAlign); err != nil {
				return err
			}
			if _, err := v.pop(store.ty); err != nil {
				return err
			}
			if _, err := v.pop(ValueTypeI32); err != nil {
				return err
			}
			return nil
		}
		if sig, ok := numericInstructions[op]; ok {
			if err := v.popValues(sig.Params); err != nil {
				return err
			}
			v.push(sig.Results...)
			return nil
		}
		if op >= 0xc0 && op <= 0xc4 {
			return fmt.Errorf("%w: sign-extension instructions", ErrUnsupported)
		}
		if op >= 0xd0 {
			return fmt.Errorf("%w: reference types", ErrUnsupported)
		}
		return v.errorf("invalid opcode 0x%x", op)
	}
	return nil
}

func (v *funcValidator) skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := v.body.ReadByte(); err != nil {
			return v.errorf("unexpected end of body")
		}
	}
	return nil
}

type memInstruction struct {
	ty           ValueType
	naturalAlign uint32
}

var loadInstructions = map[Opcode]memInstruction{
	OpcodeI32Load:    {ValueTypeI32, 2},
	OpcodeI64Load:    {ValueTypeI64, 3},
	OpcodeF32Load:    {ValueTypeF32, 2},
	OpcodeF64Load:    {ValueTypeF64, 3},
	OpcodeI32Load8S:  {ValueTypeI32, 0},
	OpcodeI32Load8U:  {ValueTypeI32, 0},
	OpcodeI32Load16S: {ValueTypeI32, 1},
	OpcodeI32Load16U: {ValueTypeI32, 1},
	OpcodeI64Load8S:  {ValueTypeI64, 0},
	OpcodeI64Load8U:  {ValueTypeI64, 0},
	OpcodeI64Load16S: {ValueTypeI64, 1},
	OpcodeI64Load16U: {ValueTypeI64, 1},
	OpcodeI64Load32S: {ValueTypeI64, 2},
	OpcodeI64Load32U: {ValueTypeI64, 2},
}

var storeInstructions = map[Opcode]memInstruction{
	OpcodeI32Store:   {ValueTypeI32, 2},
	OpcodeI64Store:   {ValueTypeI64, 3},
	OpcodeF32Store:   {ValueTypeF32, 2},
	OpcodeF64Store:   {ValueTypeF64, 3},
	OpcodeI32Store8:  {ValueTypeI32, 0},
	OpcodeI32Store16: {ValueTypeI32, 1},
	OpcodeI64Store8:  {ValueTypeI64, 0},
	OpcodeI64Store16: {ValueTypeI64, 1},
	OpcodeI64Store32: {ValueTypeI64, 2},
}

// numericInstructions maps every numeric opcode to the signature it consumes
// and produces, for the table-driven arm of the validator.
var numericInstructions = buildNumericInstructions()

// NumericSignature returns the operand and result types of a plain numeric
// opcode, when op is one.
func NumericSignature(op Opcode) (*FunctionType, bool) {
	t, ok := numericInstructions[op]
	return t, ok
}

func buildNumericInstructions() map[Opcode]*FunctionType {
	const i32, i64, f32, f64 = ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64
	sigs := map[Opcode]*FunctionType{}
	sig := func(params []ValueType, results []ValueType, ops ...Opcode) {
		t := &FunctionType{Params: params, Results: results}
		for _, op := range ops {
			sigs[op] = t
		}
	}
	sig([]ValueType{i32}, []ValueType{i32}, OpcodeI32Eqz, OpcodeI32Clz, OpcodeI32Ctz, OpcodeI32Popcnt)
	sig([]ValueType{i64}, []ValueType{i32}, OpcodeI64Eqz)
	sig([]ValueType{i32, i32}, []ValueType{i32},
		OpcodeI32Eq, OpcodeI32Ne, OpcodeI32LtS, OpcodeI32LtU, OpcodeI32GtS, OpcodeI32GtU,
		OpcodeI32LeS, OpcodeI32LeU, OpcodeI32GeS, OpcodeI32GeU,
		OpcodeI32Add, OpcodeI32Sub, OpcodeI32Mul, OpcodeI32DivS, OpcodeI32DivU,
		OpcodeI32RemS, OpcodeI32RemU, OpcodeI32And, OpcodeI32Or, OpcodeI32Xor,
		OpcodeI32Shl, OpcodeI32ShrS, OpcodeI32ShrU, OpcodeI32Rotl, OpcodeI32Rotr)
	sig([]ValueType{i64, i64}, []ValueType{i32},
		OpcodeI64Eq, OpcodeI64Ne, OpcodeI64LtS, OpcodeI64LtU, OpcodeI64GtS, OpcodeI64GtU,
		OpcodeI64LeS, OpcodeI64LeU, OpcodeI64GeS, OpcodeI64GeU)
	sig([]ValueType{i64}, []ValueType{i64}, OpcodeI64Clz, OpcodeI64Ctz, OpcodeI64Popcnt)
	sig([]ValueType{i64, i64}, []ValueType{i64},
		OpcodeI64Add, OpcodeI64Sub, OpcodeI64Mul, OpcodeI64DivS, OpcodeI64DivU,
		OpcodeI64RemS, OpcodeI64RemU, OpcodeI64And, OpcodeI64Or, OpcodeI64Xor,
		OpcodeI64Shl, OpcodeI64ShrS, OpcodeI64ShrU, OpcodeI64Rotl, OpcodeI64Rotr)
	sig([]ValueType{f32, f32}, []ValueType{i32},
		OpcodeF32Eq, OpcodeF32Ne, OpcodeF32Lt, OpcodeF32Gt, OpcodeF32Le, OpcodeF32Ge)
	sig([]ValueType{f64, f64}, []ValueType{i32},
		OpcodeF64Eq, OpcodeF64Ne, OpcodeF64Lt, OpcodeF64Gt, OpcodeF64Le, OpcodeF64Ge)
	sig([]ValueType{f32}, []ValueType{f32},
		OpcodeF32Abs, OpcodeF32Neg, OpcodeF32Ceil, OpcodeF32Floor, OpcodeF32Trunc, OpcodeF32Nearest, OpcodeF32Sqrt)
	sig([]ValueType{f32, f32}, []ValueType{f32},
		OpcodeF32Add, OpcodeF32Sub, OpcodeF32Mul, OpcodeF32Div, OpcodeF32Min, OpcodeF32Max, OpcodeF32Copysign)
	sig([]ValueType{f64}, []ValueType{f64},
		OpcodeF64Abs, OpcodeF64Neg, OpcodeF64Ceil, OpcodeF64Floor, OpcodeF64Trunc, OpcodeF64Nearest, OpcodeF64Sqrt)
	sig([]ValueType{f64, f64}, []ValueType{f64},
		OpcodeF64Add, OpcodeF64Sub, OpcodeF64Mul, OpcodeF64Div, OpcodeF64Min, OpcodeF64Max, OpcodeF64Copysign)
	// conversions
	sig([]ValueType{i64}, []ValueType{i32}, OpcodeI32WrapI64)
	sig([]ValueType{f32}, []ValueType{i32}, OpcodeI32TruncF32S, OpcodeI32TruncF32U, OpcodeI32ReinterpretF32)
	sig([]ValueType{f64}, []ValueType{i32}, OpcodeI32TruncF64S, OpcodeI32TruncF64U)
	sig([]ValueType{i32}, []ValueType{i64}, OpcodeI64ExtendI32S, OpcodeI64ExtendI32U)
	sig([]ValueType{f32}, []ValueType{i64}, OpcodeI64TruncF32S, OpcodeI64TruncF32U)
	sig([]ValueType{f64}, []ValueType{i64}, OpcodeI64TruncF64S, OpcodeI64TruncF64U, OpcodeI64ReinterpretF64)
	sig([]ValueType{i32}, []ValueType{f32}, OpcodeF32ConvertI32S, OpcodeF32ConvertI32U, OpcodeF32ReinterpretI32)
	sig([]ValueType{i64}, []ValueType{f32}, OpcodeF32ConvertI64S, OpcodeF32ConvertI64U)
	sig([]ValueType{f64}, []ValueType{f32}, OpcodeF32DemoteF64)
	sig([]ValueType{i32}, []ValueType{f64}, OpcodeF64ConvertI32S, OpcodeF64ConvertI32U)
	sig([]ValueType{i64}, []ValueType{f64}, OpcodeF64ConvertI64S, OpcodeF64ConvertI64U, OpcodeF64ReinterpretI64)
	sig([]ValueType{f32}, []ValueType{f64}, OpcodeF64PromoteF32)
	return sigs
}
