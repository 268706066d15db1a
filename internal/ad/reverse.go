package ad

import (
	"fmt"

	"github.com/floretta/floretta/internal/wasm"
	"github.com/floretta/floretta/internal/wasm/binary"
)

// ExportRename requests that the backward pass of the function or memory
// exported under Primal also be exported, under Adjoint.
type ExportRename struct {
	Primal, Adjoint string
}

// ImportRename registers where the backward pass of an imported function
// comes from.
type ImportRename struct {
	Module, Name               string
	AdjointModule, AdjointName string
}

// ReverseOptions configures the reverse-mode transformation.
type ReverseOptions struct {
	Exports []ExportRename
	Imports []ImportRename

	// Names emits a name section carrying over source names and labelling
	// synthesized entities.
	Names bool

	// SkipValidation transforms the input without validating it first. The
	// input must be a valid module within the supported subset; garbage in,
	// garbage out.
	SkipValidation bool
}

// Reverse transforms a Wasm module so that every function is paired with a
// backward pass computing its vector-Jacobian product.
func Reverse(bin []byte, opts ReverseOptions) ([]byte, error) {
	in, err := binary.DecodeModule(bin)
	if err != nil {
		return nil, err
	}
	if !opts.SkipValidation {
		if err = in.Validate(); err != nil {
			return nil, err
		}
	}
	out, err := reverseModule(in, &opts)
	if err != nil {
		return nil, err
	}
	return binary.EncodeModule(out), nil
}

type reverser struct {
	in             *wasm.Module
	opts           *ReverseOptions
	numImportFuncs wasm.Index

	// funcTypes is the type index of every function in the source index
	// space, imports first.
	funcTypes []wasm.Index

	funcInfos []*funcInfo
}

// funcInfo records the type and local layout of each transformed function.
// It is collected during the transformation; name-section emission does not
// read it.
type funcInfo struct {
	typeIndex    wasm.Index
	locals       *localMap
	stackLocals  typeCounts
	branchLocals typeCounts
}

// shadowMult is the local multiplier table of the backward pass: every float
// local has exactly one shadow, integers have none.
func shadowMult() typeCounts {
	return typeCounts{f32: 1, f64: 1}
}

func floatsOf(types []wasm.ValueType) (floats []wasm.ValueType) {
	for _, t := range types {
		if wasm.IsFloat(t) {
			floats = append(floats, t)
		}
	}
	return
}

func countFloats(types []wasm.ValueType) (n uint32) {
	for _, t := range types {
		if wasm.IsFloat(t) {
			n++
		}
	}
	return
}

func zeroConstExpression(t wasm.ValueType) *wasm.ConstantExpression {
	switch t {
	case wasm.ValueTypeI32:
		return &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}}
	case wasm.ValueTypeI64:
		return &wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Data: []byte{0}}
	case wasm.ValueTypeF32:
		return &wasm.ConstantExpression{Opcode: wasm.OpcodeF32Const, Data: make([]byte, 4)}
	default:
		return &wasm.ConstantExpression{Opcode: wasm.OpcodeF64Const, Data: make([]byte, 8)}
	}
}

func reverseModule(in *wasm.Module, opts *ReverseOptions) (*wasm.Module, error) {
	rv := &reverser{in: in, opts: opts, numImportFuncs: in.ImportFuncCount()}
	out := &wasm.Module{}

	// Types: helpers first, then a forward/backward pair per source type.
	// The forward pass keeps the source signature; the backward pass swaps
	// parameters and results and drops the integers, which carry no
	// cotangent.
	out.TypeSection = append(out.TypeSection, helperTypes()...)
	for _, t := range in.TypeSection {
		out.TypeSection = append(out.TypeSection,
			t,
			&wasm.FunctionType{Params: floatsOf(t.Results), Results: floatsOf(t.Params)})
	}

	for _, im := range in.ImportSection {
		if im.Kind != wasm.ImportKindFunc {
			return nil, fmt.Errorf("%w: %s imports", wasm.ErrUnsupported, wasm.ExportKindName(wasm.ExportKind(im.Kind)))
		}
		adjoint, ok := lookupImport(opts.Imports, im.Module, im.Name)
		if !ok {
			return nil, fmt.Errorf("%w: no backward pass registered for import %q %q", wasm.ErrUnsupported, im.Module, im.Name)
		}
		out.ImportSection = append(out.ImportSection,
			&wasm.Import{Kind: wasm.ImportKindFunc, Module: im.Module, Name: im.Name, DescFunc: fwdTypeIndex(im.DescFunc)},
			&wasm.Import{Kind: wasm.ImportKindFunc, Module: adjoint.AdjointModule, Name: adjoint.AdjointName, DescFunc: bwdTypeIndex(im.DescFunc)})
		rv.funcTypes = append(rv.funcTypes, im.DescFunc)
		rv.funcInfos = append(rv.funcInfos, &funcInfo{typeIndex: im.DescFunc, locals: newLocalMap(shadowMult())})
	}
	rv.funcTypes = append(rv.funcTypes, in.FunctionSection...)

	helperTypeIndices, helperCode := helperFunctions()
	out.FunctionSection = append(out.FunctionSection, helperTypeIndices...)
	out.CodeSection = append(out.CodeSection, helperCode...)
	for _, t := range in.FunctionSection {
		out.FunctionSection = append(out.FunctionSection, fwdTypeIndex(t), bwdTypeIndex(t))
	}

	// Memories: tapes first, then a primal/shadow pair per source memory.
	// Byte i of the shadow holds the cotangent of the value whose bytes
	// start at i in the primal, so the limits must match exactly.
	out.MemorySection = append(out.MemorySection, helperMemories()...)
	for _, mem := range in.MemorySection {
		shadow := &wasm.MemoryType{Min: mem.Min, Max: mem.Max}
		out.MemorySection = append(out.MemorySection, mem, shadow)
	}

	// Globals: tape pointers first, then a primal/shadow pair per source
	// global. Integer shadows are dead weight kept to preserve the index
	// arithmetic.
	out.GlobalSection = append(out.GlobalSection, helperGlobals()...)
	for _, g := range in.GlobalSection {
		shadow := &wasm.Global{
			Type: &wasm.GlobalType{ValType: g.Type.ValType, Mutable: true},
			Init: zeroConstExpression(g.Type.ValType),
		}
		out.GlobalSection = append(out.GlobalSection, g, shadow)
	}

	for _, e := range in.ExportSection {
		switch e.Kind {
		case wasm.ExportKindFunc:
			fwdIdx, bwdIdx := funcPair(rv.numImportFuncs, e.Index)
			out.ExportSection = append(out.ExportSection, &wasm.Export{Kind: e.Kind, Name: e.Name, Index: fwdIdx})
			for _, alias := range exportAliases(opts.Exports, e.Name) {
				out.ExportSection = append(out.ExportSection, &wasm.Export{Kind: e.Kind, Name: alias, Index: bwdIdx})
			}
		case wasm.ExportKindMemory:
			out.ExportSection = append(out.ExportSection, &wasm.Export{Kind: e.Kind, Name: e.Name, Index: primalMemoryIndex(e.Index)})
			for _, alias := range exportAliases(opts.Exports, e.Name) {
				out.ExportSection = append(out.ExportSection, &wasm.Export{Kind: e.Kind, Name: alias, Index: shadowMemoryIndex(e.Index)})
			}
		case wasm.ExportKindGlobal:
			out.ExportSection = append(out.ExportSection, &wasm.Export{Kind: e.Kind, Name: e.Name, Index: primalGlobalIndex(e.Index)})
			for _, alias := range exportAliases(opts.Exports, e.Name) {
				out.ExportSection = append(out.ExportSection, &wasm.Export{Kind: e.Kind, Name: alias, Index: shadowGlobalIndex(e.Index)})
			}
		default:
			return nil, fmt.Errorf("%w: table exports", wasm.ErrUnsupported)
		}
	}

	if in.StartSection != nil {
		fwdIdx, _ := funcPair(rv.numImportFuncs, *in.StartSection)
		out.StartSection = &fwdIdx
	}

	for _, d := range in.DataSection {
		out.DataSection = append(out.DataSection, &wasm.DataSegment{
			MemoryIndex:      primalMemoryIndex(d.MemoryIndex),
			OffsetExpression: d.OffsetExpression,
			Init:             d.Init,
		})
	}

	for i, code := range in.CodeSection {
		funcidx := rv.numImportFuncs + wasm.Index(i)
		fwd, bwd, info, err := rv.transformFunction(funcidx, code)
		if err != nil {
			return nil, fmt.Errorf("function[%d]: %w", funcidx, err)
		}
		out.CodeSection = append(out.CodeSection, fwd, bwd)
		rv.funcInfos = append(rv.funcInfos, info)
	}

	if opts.Names {
		out.NameSection = rv.nameSection()
	}
	return out, nil
}

func lookupImport(imports []ImportRename, module, name string) (ImportRename, bool) {
	for _, im := range imports {
		if im.Module == module && im.Name == name {
			return im, true
		}
	}
	return ImportRename{}, false
}

func exportAliases(exports []ExportRename, primal string) (aliases []string) {
	for _, e := range exports {
		if e.Primal == primal {
			aliases = append(aliases, e.Adjoint)
		}
	}
	return
}

// control is one frame of structured control flow during the forward walk.
type control struct {
	opcode wasm.Opcode // OpcodeBlock, OpcodeLoop or OpcodeIf
	bt     blockType

	// base is the operand stack height just below the frame's parameters.
	base int
}

// funcEmitter walks one source function body, emitting the forward pass and
// accumulating the backward pass. The abstract operand stack mirrors the
// forward pass's concrete one; its per-type extrema and the basic-block
// boundaries are what the backward pass needs planned ahead.
type funcEmitter struct {
	rv  *reverser
	in  *wasm.Module
	sig *wasm.FunctionType

	numFloatResults uint32
	locals          *localMap

	operandStack []wasm.ValueType
	height       typeCounts

	// heightMin is the minimum operand stack depth reached since the last
	// basic-block split; dipping below it means consuming a predecessor
	// block's value.
	heightMin int

	controls []control

	fwd asm
	bwd *reverseFunc

	tmpI32Fwd, tmpF32Fwd, tmpF64Fwd uint32
	tmpI32Bwd, tmpF32Bwd, tmpF64Bwd uint32

	// dead is set after an unconditional transfer; the structurally
	// unreachable code that follows is skipped up to the delimiter that
	// revives the path.
	dead      bool
	deadDepth int
}

func (rv *reverser) transformFunction(funcidx wasm.Index, code *wasm.Code) (fwdCode, bwdCode *wasm.Code, info *funcInfo, err error) {
	typeidx := rv.funcTypes[funcidx]
	sig := rv.in.TypeSection[typeidx]
	numFloatResults := countFloats(sig.Results)

	locals := newLocalMap(shadowMult())
	for _, p := range sig.Params {
		locals.push(1, p)
	}
	for _, t := range code.LocalTypes {
		locals.push(1, t)
	}
	tmpF32Fwd, tmpF32Bwd := locals.sourceCount(), numFloatResults+locals.mappedCount()
	locals.push(1, wasm.ValueTypeF32)
	tmpF64Fwd, tmpF64Bwd := locals.sourceCount(), numFloatResults+locals.mappedCount()
	locals.push(1, wasm.ValueTypeF64)
	tmpI32Fwd := locals.sourceCount()
	locals.push(1, wasm.ValueTypeI32)

	fwdLocalTypes := flatten(locals.sourceEntries())[len(sig.Params):]

	bwdDecls := newLocalDecls(numFloatResults)
	for _, e := range locals.mappedEntries() {
		bwdDecls.push(e.count, e.typ)
	}
	bwd := newReverseFunc(rv.numImportFuncs, bwdDecls)
	tmpI32Bwd := bwdDecls.one(wasm.ValueTypeI32)

	// The first forward basic block is the last backward one, and units play
	// in reverse, so these units end up at the very end of the backward
	// pass: they push the parameter cotangents, accumulated in the shadow
	// locals, as the results. Last parameter first, so the first ends up at
	// the bottom of the stack.
	for i := len(sig.Params) - 1; i >= 0; i-- {
		if _, j, ok := locals.get(uint32(i)); ok {
			shadow := numFloatResults + j
			bwd.unit(func(a *asm) { a.localGet(shadow) })
		}
	}

	f := &funcEmitter{
		rv:              rv,
		in:              rv.in,
		sig:             sig,
		numFloatResults: numFloatResults,
		locals:          locals,
		controls:        []control{{opcode: wasm.OpcodeBlock, bt: blockTypeFunc(typeidx)}},
		bwd:             bwd,
		tmpI32Fwd:       tmpI32Fwd,
		tmpF32Fwd:       tmpF32Fwd,
		tmpF64Fwd:       tmpF64Fwd,
		tmpI32Bwd:       tmpI32Bwd,
		tmpF32Bwd:       tmpF32Bwd,
		tmpF64Bwd:       tmpF64Bwd,
	}

	r := newOpReader(code.Body)
	for !r.done() {
		op, err := r.opcode()
		if err != nil {
			return nil, nil, nil, err
		}
		if err = f.instruction(op, r); err != nil {
			return nil, nil, nil, err
		}
	}
	if len(f.controls) != 0 {
		return nil, nil, nil, fmt.Errorf("%w: unbalanced control flow", wasm.ErrInvalidModule)
	}

	fwdCode = &wasm.Code{LocalTypes: fwdLocalTypes, Body: f.fwd.bytes()}
	bwdCode = bwd.finalize(f.operandStack)
	info = &funcInfo{
		typeIndex:    typeidx,
		locals:       locals,
		stackLocals:  bwd.maxStackValues,
		branchLocals: bwd.maxBranchValues,
	}
	return
}

func (f *funcEmitter) push(t wasm.ValueType) {
	f.operandStack = append(f.operandStack, t)
	f.height.push(t)
}

func (f *funcEmitter) pop() wasm.ValueType {
	t := f.operandStack[len(f.operandStack)-1]
	f.operandStack = f.operandStack[:len(f.operandStack)-1]
	f.height.pop(t)
	if len(f.operandStack) < f.heightMin {
		f.bwd.deepenStack(t)
		f.heightMin = len(f.operandStack)
	}
	return t
}

func (f *funcEmitter) pop2() {
	f.pop()
	f.pop()
}

// rawTruncate shortens the operand stack without recording consumption,
// used when a basic-block split discards values or dead code is repaired.
func (f *funcEmitter) rawTruncate(to int) {
	for len(f.operandStack) > to {
		t := f.operandStack[len(f.operandStack)-1]
		f.operandStack = f.operandStack[:len(f.operandStack)-1]
		f.height.pop(t)
	}
	if f.heightMin > len(f.operandStack) {
		f.heightMin = len(f.operandStack)
	}
}

func (f *funcEmitter) blockTypeParams(bt blockType) []wasm.ValueType {
	if bt.kind == blockFunc {
		return f.in.TypeSection[bt.typeIndex].Params
	}
	return nil
}

func (f *funcEmitter) blockTypeResults(bt blockType) []wasm.ValueType {
	switch bt.kind {
	case blockEmpty:
		return nil
	case blockValue:
		return []wasm.ValueType{bt.valType}
	default:
		return f.in.TypeSection[bt.typeIndex].Results
	}
}

// mappedBlockType rewrites a block type immediate for the output type table.
func mappedBlockType(bt blockType) blockType {
	if bt.kind == blockFunc {
		return blockTypeFunc(fwdTypeIndex(bt.typeIndex))
	}
	return bt
}

// branchTargetValues returns the types a branch to the given relative depth
// carries: a loop's parameters, otherwise the target's results.
func (f *funcEmitter) branchTargetValues(depth uint32) []wasm.ValueType {
	c := f.controls[len(f.controls)-1-int(depth)]
	if c.opcode == wasm.OpcodeLoop {
		return f.blockTypeParams(c.bt)
	}
	return f.blockTypeResults(c.bt)
}

func (f *funcEmitter) helperCall(a *asm, helper wasm.Index) {
	a.call(helperFuncIndex(f.rv.numImportFuncs, helper))
}

// fwdControlStore records the current basic-block label on the i32 tape so
// the backward pass can replay the control transfer about to happen.
func (f *funcEmitter) fwdControlStore() {
	f.fwd.i32Const(f.bwd.basicBlockIndex())
	f.helperCall(&f.fwd, funcTapeI32)
}

// splitBasicBlock closes the current basic block: branchValues are the types
// carried over the control edge, stackReset is the operand stack height the
// next block starts from, and branchValuesNext are the types arriving at the
// next block over a branch edge.
func (f *funcEmitter) splitBasicBlock(branchValues []wasm.ValueType, stackReset int, branchValuesNext []wasm.ValueType) {
	for range branchValues {
		f.pop()
	}
	for _, t := range branchValues {
		f.push(t)
	}
	stackEnd := f.operandStack[f.heightMin:]
	f.bwd.splitBasicBlock(stackEnd, f.height, uint32(len(branchValues)), uint32(len(branchValuesNext)))
	f.rawTruncate(stackReset)
	f.heightMin = len(f.operandStack)
	for range branchValuesNext {
		f.pop()
	}
	for _, t := range branchValuesNext {
		f.push(t)
	}
}

func (f *funcEmitter) splitFallthrough(branchValues []wasm.ValueType) {
	f.splitBasicBlock(branchValues, len(f.operandStack), branchValues)
}

// fabricateStack repairs the abstract stack at a delimiter reached through
// dead code: the block's base plus the values the live successor expects.
func (f *funcEmitter) fabricateStack(base int, values []wasm.ValueType) {
	f.rawTruncate(base)
	for _, t := range values {
		f.push(t)
	}
}
