package wasm

// Module is the static binary representation of a WebAssembly module.
// Sections appear in the field order mandated by the binary format.
//
// See https://www.w3.org/TR/wasm-core-1/#modules%E2%91%A8
type Module struct {
	TypeSection     []*FunctionType
	ImportSection   []*Import
	FunctionSection []Index
	MemorySection   []*MemoryType
	GlobalSection   []*Global
	ExportSection   []*Export
	StartSection    *Index
	CodeSection     []*Code
	DataSection     []*DataSegment

	// NameSection is the decoded "name" custom section, when present.
	NameSection *NameSection
}

// ImportFuncCount returns the number of function imports, which is also the
// index of the first module-defined function.
func (m *Module) ImportFuncCount() (count uint32) {
	for _, im := range m.ImportSection {
		if im.Kind == ImportKindFunc {
			count++
		}
	}
	return
}

// FuncTypeIndex returns the type index of the function at funcidx, counting
// imported functions first, per the function index space.
//
// See https://www.w3.org/TR/wasm-core-1/#function-index-space
func (m *Module) FuncTypeIndex(funcidx Index) (Index, bool) {
	var i Index
	for _, im := range m.ImportSection {
		if im.Kind != ImportKindFunc {
			continue
		}
		if i == funcidx {
			return im.DescFunc, true
		}
		i++
	}
	d := funcidx - i
	if int(d) >= len(m.FunctionSection) {
		return 0, false
	}
	return m.FunctionSection[d], true
}

// FuncType returns the signature of the function at funcidx.
func (m *Module) FuncType(funcidx Index) (*FunctionType, bool) {
	t, ok := m.FuncTypeIndex(funcidx)
	if !ok || int(t) >= len(m.TypeSection) {
		return nil, false
	}
	return m.TypeSection[t], true
}

// MemoryCount returns the total number of memories, imported ones first.
func (m *Module) MemoryCount() (count uint32) {
	for _, im := range m.ImportSection {
		if im.Kind == ImportKindMemory {
			count++
		}
	}
	return count + uint32(len(m.MemorySection))
}

// GlobalCount returns the total number of globals, imported ones first.
func (m *Module) GlobalCount() (count uint32) {
	for _, im := range m.ImportSection {
		if im.Kind == ImportKindGlobal {
			count++
		}
	}
	return count + uint32(len(m.GlobalSection))
}

// GlobalType returns the type of the global at globalidx, counting imported
// globals first.
func (m *Module) GlobalType(globalidx Index) (*GlobalType, bool) {
	var i Index
	for _, im := range m.ImportSection {
		if im.Kind != ImportKindGlobal {
			continue
		}
		if i == globalidx {
			return im.DescGlobal, true
		}
		i++
	}
	d := globalidx - i
	if int(d) >= len(m.GlobalSection) {
		return nil, false
	}
	return m.GlobalSection[d].Type, true
}
