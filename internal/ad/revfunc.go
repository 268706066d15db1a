package ad

import (
	"github.com/floretta/floretta/internal/wasm"
)

// basicBlock records what the dispatch assembler needs to know about one
// forward-pass basic block in order to replay it in reverse.
type basicBlock struct {
	// startUnit is the first adjoint unit belonging to this block.
	startUnit int

	// stackStartOffset indexes stacks at the list of operand types that were
	// on the stack before this block and consumed during it.
	stackStartOffset int

	// stackEndOffset indexes stacks at the list of operand types pushed
	// during this block and still live at its end.
	stackEndOffset int

	// stackHeightEnd is the per-type operand stack height at block end.
	stackHeightEnd typeCounts

	// branchStartCount and branchEndCount are how many values at the top of
	// the stack at the start (resp. end) of this basic block belong to a
	// branch target's label types rather than to the surrounding stack. Such
	// values travel in the branch locals, whose position is relative to the
	// top of the stack, because their absolute stack position depends on
	// which branch was taken.
	branchStartCount uint32
	branchEndCount   uint32
}

// reverseFunc accumulates a backward pass while the forward pass is walked.
// Adjoint code is collected as one unit per source instruction; a unit's
// instructions execute in written order, but units execute in reverse, so a
// basic block's adjoint is its unit range replayed backward.
type reverseFunc struct {
	numImportFuncs wasm.Index
	locals         *localDecls
	rev            revBuf

	// stacks is the concatenated per-block operand type lists indexed by the
	// offsets in basicBlock.
	stacks []wasm.ValueType

	blocks           []basicBlock
	blockStartUnit   int
	blockStackOffset int
	branchStartCount uint32

	// maxStackValues and maxBranchValues size the two pools of carry locals
	// allocated after all declared locals.
	maxStackValues  typeCounts
	maxBranchValues typeCounts
}

func newReverseFunc(numImportFuncs wasm.Index, decls *localDecls) *reverseFunc {
	return &reverseFunc{numImportFuncs: numImportFuncs, locals: decls}
}

// deepenStack records that the current basic block consumed a value that a
// preceding block left on the stack.
func (r *reverseFunc) deepenStack(t wasm.ValueType) {
	r.stacks = append(r.stacks, t)
}

func (r *reverseFunc) unit(f func(*asm)) {
	r.rev.unit(f)
}

// basicBlockIndex is the label of the block currently being accumulated.
func (r *reverseFunc) basicBlockIndex() int32 {
	return int32(len(r.blocks))
}

// splitBasicBlock closes the current basic block. stackEnd lists the operand
// types the block touched that are live at its end, heightEnd is the full
// stack height there, branchEndCount is how many of the top values belong to
// the branch label, and branchStartCountNext is the same for the block about
// to start.
func (r *reverseFunc) splitBasicBlock(stackEnd []wasm.ValueType, heightEnd typeCounts, branchEndCount, branchStartCountNext uint32) {
	r.blocks = append(r.blocks, basicBlock{
		startUnit:        r.blockStartUnit,
		stackStartOffset: r.blockStackOffset,
		stackEndOffset:   len(r.stacks),
		stackHeightEnd:   heightEnd,
		branchStartCount: r.branchStartCount,
		branchEndCount:   branchEndCount,
	})
	r.stacks = append(r.stacks, stackEnd...)
	r.blockStartUnit = r.rev.len()
	r.blockStackOffset = len(r.stacks)
	r.branchStartCount = branchStartCountNext

	// The branch values at the top of the stack live in the branch locals,
	// not the stack locals, so subtract them before folding this block's
	// height into the stack-local pool size.
	var branchValues typeCounts
	for _, t := range stackEnd[len(stackEnd)-int(branchEndCount):] {
		branchValues.push(t)
	}
	r.maxStackValues.takeMax(heightEnd.minus(branchValues))
	r.maxBranchValues.takeMax(branchValues)
}

// finalize allocates the carry locals and assembles the dispatch state
// machine. operandStack is the forward pass's operand stack at function end,
// in other words the function results.
func (r *reverseFunc) finalize(operandStack []wasm.ValueType) *wasm.Code {
	stackLocalOffset := r.locals.count
	r.locals.push(r.maxStackValues.f32, wasm.ValueTypeF32)
	r.locals.push(r.maxStackValues.f64, wasm.ValueTypeF64)
	branchLocalOffset := r.locals.count
	r.locals.push(r.maxBranchValues.f32, wasm.ValueTypeF32)
	r.locals.push(r.maxBranchValues.f64, wasm.ValueTypeF64)
	c := &dispatchAssembler{
		f:                 r,
		stackLocalOffset:  stackLocalOffset,
		branchLocalOffset: branchLocalOffset,
	}
	return &wasm.Code{
		LocalTypes: flatten(r.locals.entries),
		Body:       c.assemble(operandStack),
	}
}

// dispatchAssembler writes the backward pass body: one outer loop over a
// chain of dispatch blocks, branched by the control labels popped off the
// i32 tape.
type dispatchAssembler struct {
	f                 *reverseFunc
	stackLocalOffset  uint32
	branchLocalOffset uint32
	a                 asm
}

func (c *dispatchAssembler) assemble(operandStack []wasm.ValueType) []byte {
	helperTape := helperFuncIndex(c.f.numImportFuncs, funcTapeI32Bwd)

	// The backward pass receives the output cotangents as parameters; they
	// seed the branch locals of the final forward block, which is where the
	// dispatch starts.
	var returnValues typeCounts
	var param uint32
	for _, t := range operandStack {
		if !wasm.IsFloat(t) {
			continue
		}
		c.a.localGet(param)
		j, _ := c.branchLocalIndex(returnValues, t)
		c.a.localSet(j)
		returnValues.push(t)
		param++
	}

	n := len(c.f.blocks)
	// The forward pass stored its block label before every control transfer,
	// so the first pop tells us where execution stopped.
	c.a.call(helperTape)
	bt := blockTypeFunc(typeDispatch)
	c.a.loop(bt)
	for i := 0; i < n; i++ {
		c.a.block(bt)
	}
	// One more block as the target for corrupt label values.
	c.a.block(bt)
	table := make([]uint32, n)
	for i := range table {
		table[i] = uint32(n - i)
	}
	c.a.brTable(table, 0)
	c.a.op(wasm.OpcodeEnd)
	c.a.op(wasm.OpcodeUnreachable)
	// Reversed blocks appear in reverse order: block 0 is the forward entry
	// point, so it is the sole exit of the backward pass and sits last,
	// outside the loop, ending in an implicit return.
	for i := n - 1; i >= 1; i-- {
		c.a.op(wasm.OpcodeEnd)
		c.basicBlock(i)
		c.a.call(helperTape) // next label
		c.a.br(uint32(i))    // back to the loop head
	}
	c.a.op(wasm.OpcodeEnd)
	c.a.op(wasm.OpcodeEnd)
	c.basicBlock(0)
	c.a.op(wasm.OpcodeEnd)
	return c.a.bytes()
}

type carryRef struct {
	index uint32
	typ   wasm.ValueType
}

// basicBlock emits the reversed adjoint code of forward block index,
// bracketed by the carry-local transfers: first reload the adjoints of the
// values that were on the stack at the end of the block (zeroing each local
// so later accumulation starts clean), then run the reversed units, then
// store the adjoints of the values the block had consumed from its
// predecessors.
func (c *dispatchAssembler) basicBlock(index int) {
	bb := c.f.blocks[index]
	stackStart := bb.stackStartOffset
	stackMid := bb.stackEndOffset
	bodyEndUnit := c.f.rev.len()
	stackEnd := len(c.f.stacks)
	if index+1 < len(c.f.blocks) {
		next := c.f.blocks[index+1]
		bodyEndUnit = next.startUnit
		stackEnd = next.stackStartOffset
	}

	stackValues := bb.stackHeightEnd
	var branchValues typeCounts
	var loads []carryRef
	for k := stackEnd - 1; k >= stackMid; k-- {
		t := c.f.stacks[k]
		stackValues.pop(t)
		var li uint32
		var ok bool
		if branchValues.sum() < bb.branchEndCount {
			li, ok = c.branchLocalIndex(branchValues, t)
			branchValues.push(t)
		} else {
			li, ok = c.stackLocalIndex(stackValues, t)
		}
		if ok {
			loads = append(loads, carryRef{index: li, typ: t})
		}
	}
	// Bottom-to-top, so the adjoints stack up in the forward stack's order.
	for j := len(loads) - 1; j >= 0; j-- {
		c.a.localGet(loads[j].index)
		c.a.fZero(loads[j].typ)
		c.a.localSet(loads[j].index)
	}

	c.f.rev.appendReversed(&c.a, bb.startUnit, bodyEndUnit)

	branchValues = typeCounts{}
	var stores []carryRef
	for k := stackMid - 1; k >= stackStart; k-- {
		t := c.f.stacks[k]
		var li uint32
		var ok bool
		if branchValues.sum() < bb.branchStartCount {
			li, ok = c.branchLocalIndex(branchValues, t)
			branchValues.push(t)
		} else {
			li, ok = c.stackLocalIndex(stackValues, t)
		}
		if ok {
			stores = append(stores, carryRef{index: li, typ: t})
		}
		stackValues.push(t)
	}
	for j := len(stores) - 1; j >= 0; j-- {
		c.a.localSet(stores[j].index)
	}
}

// stackLocalIndex maps a per-type stack height to the carry local holding
// that slot's adjoint. Integers carry no adjoint.
func (c *dispatchAssembler) stackLocalIndex(stackValues typeCounts, t wasm.ValueType) (uint32, bool) {
	switch t {
	case wasm.ValueTypeF32:
		return c.stackLocalOffset + stackValues.f32, true
	case wasm.ValueTypeF64:
		return c.stackLocalOffset + c.f.maxStackValues.f32 + stackValues.f64, true
	}
	return 0, false
}

func (c *dispatchAssembler) branchLocalIndex(branchValues typeCounts, t wasm.ValueType) (uint32, bool) {
	switch t {
	case wasm.ValueTypeF32:
		return c.branchLocalOffset + branchValues.f32, true
	case wasm.ValueTypeF64:
		return c.branchLocalOffset + c.f.maxBranchValues.f32 + branchValues.f64, true
	}
	return 0, false
}
