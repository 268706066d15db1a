package ad

import (
	"fmt"

	"github.com/floretta/floretta/internal/wasm"
	"github.com/floretta/floretta/internal/wasm/binary"
)

// ForwardOptions configures the forward-mode transformation.
type ForwardOptions struct {
	// SkipValidation transforms the input without validating it first.
	SkipValidation bool
}

// Forward transforms a Wasm module so that every function propagates a dual
// number alongside each floating-point value: parameters, results, locals,
// globals and memory all pair a primal with its directional derivative.
func Forward(bin []byte, opts ForwardOptions) ([]byte, error) {
	in, err := binary.DecodeModule(bin)
	if err != nil {
		return nil, err
	}
	if !opts.SkipValidation {
		if err = in.Validate(); err != nil {
			return nil, err
		}
	}
	out, err := forwardModule(in)
	if err != nil {
		return nil, err
	}
	return binary.EncodeModule(out), nil
}

// dual doubles every float in a type list: each f32 or f64 is followed by
// its derivative of the same type.
func dual(types []wasm.ValueType) (doubled []wasm.ValueType) {
	for _, t := range types {
		doubled = append(doubled, t)
		if wasm.IsFloat(t) {
			doubled = append(doubled, t)
		}
	}
	return
}

// dualMemoryIndex and dualShadowIndex locate the primal/derivative pair for
// a source memory in forward mode, where no tapes precede them.
func dualMemoryIndex(m wasm.Index) wasm.Index  { return 2 * m }
func dualShadowIndex(m wasm.Index) wasm.Index  { return 2*m + 1 }
func dualGlobalIndex(g wasm.Index) wasm.Index  { return 2 * g }
func dualGlobalShadow(g wasm.Index) wasm.Index { return 2*g + 1 }

type forwarder struct {
	in        *wasm.Module
	out       *wasm.Module
	funcTypes []wasm.Index

	// synthTypes maps a float type to the appended ()->(t,t) block type used
	// for single-result blocks, created on first use.
	synthTypes map[wasm.ValueType]wasm.Index
}

func forwardModule(in *wasm.Module) (*wasm.Module, error) {
	fw := &forwarder{in: in, out: &wasm.Module{}, synthTypes: map[wasm.ValueType]wasm.Index{}}

	for _, t := range in.TypeSection {
		fw.out.TypeSection = append(fw.out.TypeSection, &wasm.FunctionType{
			Params:  dual(t.Params),
			Results: dual(t.Results),
		})
	}

	for _, im := range in.ImportSection {
		if im.Kind != wasm.ImportKindFunc {
			return nil, fmt.Errorf("%w: %s imports", wasm.ErrUnsupported, wasm.ExportKindName(wasm.ExportKind(im.Kind)))
		}
		// The import keeps its name but takes the dual-number signature; the
		// host is expected to provide a derivative-aware implementation.
		fw.out.ImportSection = append(fw.out.ImportSection, im)
		fw.funcTypes = append(fw.funcTypes, im.DescFunc)
	}
	fw.funcTypes = append(fw.funcTypes, in.FunctionSection...)

	fw.out.FunctionSection = append(fw.out.FunctionSection, in.FunctionSection...)

	for _, mem := range in.MemorySection {
		shadow := &wasm.MemoryType{Min: mem.Min, Max: mem.Max}
		fw.out.MemorySection = append(fw.out.MemorySection, mem, shadow)
	}

	for _, g := range in.GlobalSection {
		shadow := &wasm.Global{
			Type: &wasm.GlobalType{ValType: g.Type.ValType, Mutable: true},
			Init: zeroConstExpression(g.Type.ValType),
		}
		fw.out.GlobalSection = append(fw.out.GlobalSection, g, shadow)
	}

	for _, e := range in.ExportSection {
		switch e.Kind {
		case wasm.ExportKindFunc:
			fw.out.ExportSection = append(fw.out.ExportSection, e)
		case wasm.ExportKindMemory:
			fw.out.ExportSection = append(fw.out.ExportSection,
				&wasm.Export{Kind: e.Kind, Name: e.Name, Index: dualMemoryIndex(e.Index)})
		case wasm.ExportKindGlobal:
			fw.out.ExportSection = append(fw.out.ExportSection,
				&wasm.Export{Kind: e.Kind, Name: e.Name, Index: dualGlobalIndex(e.Index)})
		default:
			return nil, fmt.Errorf("%w: table exports", wasm.ErrUnsupported)
		}
	}

	fw.out.StartSection = in.StartSection

	for _, d := range in.DataSection {
		fw.out.DataSection = append(fw.out.DataSection, &wasm.DataSegment{
			MemoryIndex:      dualMemoryIndex(d.MemoryIndex),
			OffsetExpression: d.OffsetExpression,
			Init:             d.Init,
		})
	}

	numImportFuncs := in.ImportFuncCount()
	for i, code := range in.CodeSection {
		funcidx := numImportFuncs + wasm.Index(i)
		transformed, err := fw.transformFunction(funcidx, code)
		if err != nil {
			return nil, fmt.Errorf("function[%d]: %w", funcidx, err)
		}
		fw.out.CodeSection = append(fw.out.CodeSection, transformed)
	}

	if in.NameSection != nil {
		// Function and module names survive; local names would point at
		// stale indices once the duals are interleaved.
		fw.out.NameSection = &wasm.NameSection{
			ModuleName:    in.NameSection.ModuleName,
			FunctionNames: in.NameSection.FunctionNames,
		}
	}
	return fw.out, nil
}

// synthType returns the ()->(t,t) type for single-float-result blocks,
// appending it to the output type table on first use.
func (fw *forwarder) synthType(t wasm.ValueType) wasm.Index {
	if idx, ok := fw.synthTypes[t]; ok {
		return idx
	}
	idx := wasm.Index(len(fw.out.TypeSection))
	fw.out.TypeSection = append(fw.out.TypeSection, &wasm.FunctionType{Results: []wasm.ValueType{t, t}})
	fw.synthTypes[t] = idx
	return idx
}

func (fw *forwarder) mappedBlockType(bt blockType) blockType {
	if bt.kind == blockValue && wasm.IsFloat(bt.valType) {
		return blockTypeFunc(fw.synthType(bt.valType))
	}
	return bt
}

// forwardEmitter rewrites one function body into dual-number form.
type forwardEmitter struct {
	fw  *forwarder
	in  *wasm.Module
	sig *wasm.FunctionType

	locals *localMap

	operandStack []wasm.ValueType
	controls     []control
	dead         bool
	deadDepth    int

	a asm

	// Scratch locals, five per float type plus an address/condition word.
	tmpF32, tmpF64, tmpI32 uint32
}

// Offsets into a float scratch group.
const (
	tmpX = iota
	tmpDX
	tmpY
	tmpDY
	tmpZ
)

func (fw *forwarder) transformFunction(funcidx wasm.Index, code *wasm.Code) (*wasm.Code, error) {
	typeidx := fw.funcTypes[funcidx]
	sig := fw.in.TypeSection[typeidx]

	locals := newLocalMap(typeCounts{i32: 1, i64: 1, f32: 2, f64: 2})
	for _, p := range sig.Params {
		locals.push(1, p)
	}
	for _, t := range code.LocalTypes {
		locals.push(1, t)
	}

	e := &forwardEmitter{
		fw:       fw,
		in:       fw.in,
		sig:      sig,
		locals:   locals,
		controls: []control{{opcode: wasm.OpcodeBlock, bt: blockTypeFunc(typeidx)}},
		tmpF32:   locals.mappedCount(),
		tmpF64:   locals.mappedCount() + 5,
		tmpI32:   locals.mappedCount() + 10,
	}

	r := newOpReader(code.Body)
	for !r.done() {
		op, err := r.opcode()
		if err != nil {
			return nil, err
		}
		if err = e.instruction(op, r); err != nil {
			return nil, err
		}
	}
	if len(e.controls) != 0 {
		return nil, fmt.Errorf("%w: unbalanced control flow", wasm.ErrInvalidModule)
	}

	numDualParams := uint32(len(dual(sig.Params)))
	localTypes := flatten(locals.mappedEntries())[numDualParams:]
	localTypes = append(localTypes,
		wasm.ValueTypeF32, wasm.ValueTypeF32, wasm.ValueTypeF32, wasm.ValueTypeF32, wasm.ValueTypeF32,
		wasm.ValueTypeF64, wasm.ValueTypeF64, wasm.ValueTypeF64, wasm.ValueTypeF64, wasm.ValueTypeF64,
		wasm.ValueTypeI32)
	return &wasm.Code{LocalTypes: localTypes, Body: e.a.bytes()}, nil
}

// tmp returns the scratch local of the given float type at the given offset.
func (e *forwardEmitter) tmp(t wasm.ValueType, which uint32) uint32 {
	if t == wasm.ValueTypeF32 {
		return e.tmpF32 + which
	}
	return e.tmpF64 + which
}

func (e *forwardEmitter) push(t wasm.ValueType) {
	e.operandStack = append(e.operandStack, t)
}

func (e *forwardEmitter) pop() wasm.ValueType {
	t := e.operandStack[len(e.operandStack)-1]
	e.operandStack = e.operandStack[:len(e.operandStack)-1]
	return t
}

func (e *forwardEmitter) blockTypeParams(bt blockType) []wasm.ValueType {
	if bt.kind == blockFunc {
		return e.in.TypeSection[bt.typeIndex].Params
	}
	return nil
}

func (e *forwardEmitter) blockTypeResults(bt blockType) []wasm.ValueType {
	switch bt.kind {
	case blockEmpty:
		return nil
	case blockValue:
		return []wasm.ValueType{bt.valType}
	default:
		return e.in.TypeSection[bt.typeIndex].Results
	}
}

func (e *forwardEmitter) fabricateStack(base int, values []wasm.ValueType) {
	e.operandStack = e.operandStack[:base]
	e.operandStack = append(e.operandStack, values...)
}
