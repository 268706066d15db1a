package wasm

import "fmt"

// Validate checks the module against the validation rules of the supported
// subset: WebAssembly 1.0 (MVP) plus multi-value and multi-memory.
//
// See https://www.w3.org/TR/wasm-core-1/#validation%E2%91%A1
func (m *Module) Validate() error {
	if len(m.FunctionSection) != len(m.CodeSection) {
		return fmt.Errorf("%w: function and code section have inconsistent lengths", ErrInvalidModule)
	}

	for i, im := range m.ImportSection {
		switch im.Kind {
		case ImportKindFunc:
			if int(im.DescFunc) >= len(m.TypeSection) {
				return fmt.Errorf("%w: import[%d] has unknown type %d", ErrInvalidModule, i, im.DescFunc)
			}
		case ImportKindMemory, ImportKindGlobal:
			// Decoded, but the transformation cannot shadow state it does not
			// own, so these are rejected here rather than silently mishandled.
			return fmt.Errorf("%w: %s imports", ErrUnsupported, ExportKindName(ExportKind(im.Kind)))
		default:
			return fmt.Errorf("%w: table imports", ErrUnsupported)
		}
	}

	for i, t := range m.FunctionSection {
		if int(t) >= len(m.TypeSection) {
			return fmt.Errorf("%w: function[%d] has unknown type %d", ErrInvalidModule, i, t)
		}
	}

	for i, g := range m.GlobalSection {
		if err := m.validateConstExpression(g.Init, g.Type.ValType); err != nil {
			return fmt.Errorf("global[%d]: %w", i, err)
		}
	}

	names := make(map[string]struct{}, len(m.ExportSection))
	for _, e := range m.ExportSection {
		if _, ok := names[e.Name]; ok {
			return fmt.Errorf("%w: duplicate export name %q", ErrInvalidModule, e.Name)
		}
		names[e.Name] = struct{}{}
		switch e.Kind {
		case ExportKindFunc:
			if _, ok := m.FuncType(e.Index); !ok {
				return fmt.Errorf("%w: export %q: unknown function %d", ErrInvalidModule, e.Name, e.Index)
			}
		case ExportKindMemory:
			if e.Index >= m.MemoryCount() {
				return fmt.Errorf("%w: export %q: unknown memory %d", ErrInvalidModule, e.Name, e.Index)
			}
		case ExportKindGlobal:
			if e.Index >= m.GlobalCount() {
				return fmt.Errorf("%w: export %q: unknown global %d", ErrInvalidModule, e.Name, e.Index)
			}
		default:
			return fmt.Errorf("%w: table exports", ErrUnsupported)
		}
	}

	if m.StartSection != nil {
		sig, ok := m.FuncType(*m.StartSection)
		if !ok {
			return fmt.Errorf("%w: start function %d is unknown", ErrInvalidModule, *m.StartSection)
		}
		if len(sig.Params) != 0 || len(sig.Results) != 0 {
			return fmt.Errorf("%w: start function must have no parameters and no results", ErrInvalidModule)
		}
	}

	for i, d := range m.DataSection {
		if d.MemoryIndex >= m.MemoryCount() {
			return fmt.Errorf("%w: data[%d]: unknown memory %d", ErrInvalidModule, i, d.MemoryIndex)
		}
		if err := m.validateConstExpression(d.OffsetExpression, ValueTypeI32); err != nil {
			return fmt.Errorf("data[%d] offset: %w", i, err)
		}
	}

	importCount := m.ImportFuncCount()
	for i, code := range m.CodeSection {
		sig := m.TypeSection[m.FunctionSection[i]]
		if err := m.validateFunction(sig, code); err != nil {
			return fmt.Errorf("function[%d]: %w", uint32(i)+importCount, err)
		}
	}
	return nil
}

func (m *Module) validateConstExpression(expr *ConstantExpression, expected ValueType) error {
	if expr == nil {
		return fmt.Errorf("%w: missing constant expression", ErrInvalidModule)
	}
	var actual ValueType
	switch expr.Opcode {
	case OpcodeI32Const:
		actual = ValueTypeI32
	case OpcodeI64Const:
		actual = ValueTypeI64
	case OpcodeF32Const:
		actual = ValueTypeF32
	case OpcodeF64Const:
		actual = ValueTypeF64
	case OpcodeGlobalGet:
		// MVP allows initialization from imported immutable globals only, and
		// this module rejects global imports entirely.
		return fmt.Errorf("%w: global.get in constant expressions", ErrUnsupported)
	default:
		return fmt.Errorf("%w: invalid constant expression opcode 0x%x", ErrInvalidModule, expr.Opcode)
	}
	if actual != expected {
		return fmt.Errorf("%w: constant expression has type %s, want %s",
			ErrInvalidModule, ValueTypeName(actual), ValueTypeName(expected))
	}
	return nil
}
