package wasm

// Index is the zero-based offset into one of the module's index spaces
// (types, functions, memories, globals, ...).
//
// See https://www.w3.org/TR/wasm-core-1/#syntax-index
type Index = uint32

// SectionID identifies the sections of a Module in the WebAssembly 1.0 (MVP) Binary Format.
//
// See https://www.w3.org/TR/wasm-core-1/#sections%E2%91%A0
type SectionID = byte

const (
	// SectionIDCustom includes the standard defined NameSection and possibly others not defined in the standard.
	SectionIDCustom SectionID = iota // don't add anything not in https://www.w3.org/TR/wasm-core-1/#sections%E2%91%A0
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
)

// ValueType is the binary encoding of a type such as i32
// See https://www.w3.org/TR/wasm-core-1/#binary-valtype
//
// Note: This is a type alias as it is easier to encode and decode in the binary format.
type ValueType = byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
// Note that ValueTypeName returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// IsFloat returns true for the two floating-point value types. Only values of
// these types carry derivatives; integer values are treated as constants.
func IsFloat(t ValueType) bool {
	return t == ValueTypeF32 || t == ValueTypeF64
}

// ImportKind indicates which import description is present
// See https://www.w3.org/TR/wasm-core-1/#import-section%E2%91%A0
type ImportKind = byte

const (
	ImportKindFunc   ImportKind = 0x00
	ImportKindTable  ImportKind = 0x01
	ImportKindMemory ImportKind = 0x02
	ImportKindGlobal ImportKind = 0x03
)

// ExportKind indicates which index Export.Index points to
// See https://www.w3.org/TR/wasm-core-1/#export-section%E2%91%A0
type ExportKind = byte

const (
	ExportKindFunc   ExportKind = 0x00
	ExportKindTable  ExportKind = 0x01
	ExportKindMemory ExportKind = 0x02
	ExportKindGlobal ExportKind = 0x03
)

// ExportKindName returns the canonical name of the exportdesc.
// https://www.w3.org/TR/wasm-core-1/#syntax-exportdesc
func ExportKindName(ek ExportKind) string {
	switch ek {
	case ExportKindFunc:
		return "func"
	case ExportKindTable:
		return "table"
	case ExportKindMemory:
		return "mem"
	case ExportKindGlobal:
		return "global"
	}
	return "unknown"
}

// FunctionType is a possibly empty function signature.
// See https://www.w3.org/TR/wasm-core-1/#function-types%E2%91%A0
type FunctionType struct {
	Params, Results []ValueType
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (t *FunctionType) EqualsSignature(params []ValueType, results []ValueType) bool {
	return valueTypesEqual(t.Params, params) && valueTypesEqual(t.Results, results)
}

func valueTypesEqual(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *FunctionType) String() (ret string) {
	for _, b := range t.Params {
		ret += ValueTypeName(b)
	}
	if len(t.Params) == 0 {
		ret += "v"
	}
	ret += "_"
	for _, b := range t.Results {
		ret += ValueTypeName(b)
	}
	if len(t.Results) == 0 {
		ret += "v"
	}
	return
}

// LimitsType are the min and possibly max values for a memory.
// See https://www.w3.org/TR/wasm-core-1/#limits%E2%91%A6
type LimitsType struct {
	Min uint32
	Max *uint32
}

// MemoryType only defines the limits of a linear memory in page units.
// See https://www.w3.org/TR/wasm-core-1/#memory-types%E2%91%A0
type MemoryType = LimitsType

// GlobalType is the value type of a global and whether it is mutable.
// See https://www.w3.org/TR/wasm-core-1/#global-types%E2%91%A0
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a global variable definition: its type and initialization expression.
// See https://www.w3.org/TR/wasm-core-1/#global-section%E2%91%A0
type Global struct {
	Type *GlobalType
	Init *ConstantExpression
}

// ConstantExpression is a constant-time-evaluated expression, retained in its
// original binary form so it can be re-encoded byte-exactly.
// See https://www.w3.org/TR/wasm-core-1/#constant-expressions%E2%91%A0
type ConstantExpression struct {
	Opcode Opcode
	Data   []byte
}

// Import is the binary representation of an import indicated by Kind.
// See https://www.w3.org/TR/wasm-core-1/#binary-import
type Import struct {
	Kind ImportKind
	// Module is the possibly empty primary namespace of this import.
	Module string
	// Name is the possibly empty secondary namespace of this import.
	Name string
	// DescFunc is the index in Module.TypeSection when Kind equals ImportKindFunc.
	DescFunc Index
	// DescMem is the memory limits when Kind equals ImportKindMemory.
	DescMem *MemoryType
	// DescGlobal is the global type when Kind equals ImportKindGlobal.
	DescGlobal *GlobalType
}

// Export is the binary representation of an export indicated by Kind.
// See https://www.w3.org/TR/wasm-core-1/#binary-export
type Export struct {
	Kind ExportKind
	// Name is the unique name of this export.
	Name string
	// Index is the index of the definition exported, within the index space of Kind.
	Index Index
}

// Code is an entry in the code section: the locals it declares followed by its
// body expression, kept in raw binary form.
// See https://www.w3.org/TR/wasm-core-1/#binary-code
type Code struct {
	// LocalTypes are the types of locals declared by this function, one entry
	// per local, in order, excluding parameters.
	LocalTypes []ValueType

	// Body is the function body expression, terminated by OpcodeEnd.
	Body []byte
}

// DataSegment initializes a range of a linear memory at instantiation time.
// See https://www.w3.org/TR/wasm-core-1/#data-segments%E2%91%A0
type DataSegment struct {
	MemoryIndex      Index
	OffsetExpression *ConstantExpression
	Init             []byte
}

// NameSection represents the known subsections of the "name" custom section,
// plus the memory and global subsections of the extended-name-section proposal
// which this transformer emits for synthesized entities.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-namesec
type NameSection struct {
	// ModuleName is the possibly empty name of this module.
	ModuleName string

	// FunctionNames maps a function index to its symbolic identifier.
	FunctionNames map[Index]string

	// LocalNames maps a function index to a map of each of its local's index to a symbolic identifier.
	LocalNames map[Index]map[Index]string

	// MemoryNames maps a memory index to its symbolic identifier.
	MemoryNames map[Index]string

	// GlobalNames maps a global index to its symbolic identifier.
	GlobalNames map[Index]string
}
