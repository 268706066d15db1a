package ad

import (
	"github.com/floretta/floretta/internal/wasm"
)

// nameSection builds the output name section: source names carried over to
// the forward entities, `_bwd`-suffixed names for the backward passes, and
// fixed names for the tape machinery. Original local indices survive in the
// forward pass (the scratch locals append after them), so local names carry
// over untouched.
func (rv *reverser) nameSection() *wasm.NameSection {
	ns := &wasm.NameSection{
		FunctionNames: map[wasm.Index]string{},
		MemoryNames:   map[wasm.Index]string{},
		GlobalNames:   map[wasm.Index]string{},
	}
	var src *wasm.NameSection
	if rv.in.NameSection != nil {
		src = rv.in.NameSection
		ns.ModuleName = src.ModuleName
	}

	for i := wasm.Index(0); i < numHelperFuncs; i++ {
		ns.FunctionNames[helperFuncIndex(rv.numImportFuncs, i)] = helperName(i)
	}
	for i := wasm.Index(0); i < numHelperMemories; i++ {
		ns.MemoryNames[i] = tapeMemoryName(i)
		ns.GlobalNames[i] = tapeMemoryName(i)
	}

	if src != nil {
		for idx, name := range src.FunctionNames {
			fwdIdx, bwdIdx := funcPair(rv.numImportFuncs, idx)
			ns.FunctionNames[fwdIdx] = name
			ns.FunctionNames[bwdIdx] = name + "_bwd"
		}
		if len(src.LocalNames) > 0 {
			ns.LocalNames = map[wasm.Index]map[wasm.Index]string{}
			for idx, locals := range src.LocalNames {
				fwdIdx, _ := funcPair(rv.numImportFuncs, idx)
				ns.LocalNames[fwdIdx] = locals
			}
		}
		for idx, name := range src.MemoryNames {
			ns.MemoryNames[primalMemoryIndex(idx)] = name
		}
		for idx, name := range src.GlobalNames {
			ns.GlobalNames[primalGlobalIndex(idx)] = name
		}
	}
	return ns
}
