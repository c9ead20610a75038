package wasm

import "strings"

// Module represents a parsed WebAssembly module
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // Type indices for declared functions
	Tables   []TableType
	Memories []MemoryType
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element
	Code     []FuncBody
	Data     []DataSegment

	// DataCount holds the count from the DataCount section (ID 12).
	DataCount *uint32

	CustomSections []CustomSection
}

// FuncType represents a WebAssembly function signature with parameter and result types.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f *FuncType) Equal(o *FuncType) bool {
	return valTypesEqual(f.Params, o.Params) && valTypesEqual(f.Results, o.Results)
}

func (f *FuncType) String() string {
	var b strings.Builder
	b.WriteString("func(")
	writeValTypes(&b, f.Params)
	b.WriteString(") -> (")
	writeValTypes(&b, f.Results)
	b.WriteByte(')')
	return b.String()
}

func writeValTypes(b *strings.Builder, ts []ValType) {
	for i, t := range ts {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t.String())
	}
}

func valTypesEqual(a, b []ValType) bool {
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

// ValType represents a WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	default:
		return "unknown"
	}
}

// IsRef reports whether v is a reference type.
func (v ValType) IsRef() bool {
	return v == ValFuncRef || v == ValExtern
}

// IsValid reports whether v is a value type this package understands.
func (v ValType) IsValid() bool {
	switch v {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return true
	}
	return false
}

// Import represents an imported function, table, memory, or global.
type Import struct {
	Desc   ImportDesc
	Module string
	Name   string
}

// ImportDesc describes an imported item.
// Kind uses KindFunc, KindTable, KindMemory or KindGlobal.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// TableType describes a table with element type and size limits.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory with size limits.
type MemoryType struct {
	Limits Limits
}

// Limits describes size constraints for tables and memories.
type Limits struct {
	Max *uint32
	Min uint32
}

// GlobalType describes a global variable's type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global represents a global variable with type and initialization.
type Global struct {
	Type GlobalType
	Init []byte // Raw constant expression bytes including the final end
}

// Export describes an exported item.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// Element segment modes.
const (
	ElemActive      byte = 0
	ElemPassive     byte = 1
	ElemDeclarative byte = 2
)

// Element represents an element segment. Either FuncIdxs or Exprs is set.
type Element struct {
	Offset   []byte // Active segments only
	FuncIdxs []uint32
	Exprs    [][]byte
	Flags    uint32
	TableIdx uint32
	Mode     byte
	Type     ValType
}

// Len returns the number of entries in the segment.
func (e *Element) Len() int {
	if e.Exprs != nil {
		return len(e.Exprs)
	}
	return len(e.FuncIdxs)
}

// FuncBody represents a function's local declarations and bytecode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // Raw code bytes including the final end opcode
}

// LocalEntry represents a group of local variables with the same type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// DataSegment represents a data segment. Passive segments have no Offset.
type DataSegment struct {
	Offset  []byte
	Init    []byte
	Flags   uint32
	MemIdx  uint32
	Passive bool
}

// CustomSection holds a named custom section's data.
type CustomSection struct {
	Name string
	Data []byte
}

func (m *Module) countImports(kind byte) int {
	count := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == kind {
			count++
		}
	}
	return count
}

// NumImportedFuncs returns the number of imported functions
func (m *Module) NumImportedFuncs() int { return m.countImports(KindFunc) }

// NumImportedGlobals returns the number of imported globals
func (m *Module) NumImportedGlobals() int { return m.countImports(KindGlobal) }

// NumImportedTables returns the number of imported tables
func (m *Module) NumImportedTables() int { return m.countImports(KindTable) }

// NumImportedMemories returns the number of imported memories
func (m *Module) NumImportedMemories() int { return m.countImports(KindMemory) }

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int { return m.NumImportedFuncs() + len(m.Funcs) }

// GetFuncType returns the type of a function by its index
func (m *Module) GetFuncType(funcIdx uint32) *FuncType {
	numImported := uint32(m.NumImportedFuncs())
	if funcIdx < numImported {
		for i := range m.Imports {
			if m.Imports[i].Desc.Kind != KindFunc {
				continue
			}
			if funcIdx == 0 {
				return m.typeAt(m.Imports[i].Desc.TypeIdx)
			}
			funcIdx--
		}
	}
	localIdx := funcIdx - numImported
	if int(localIdx) >= len(m.Funcs) {
		return nil
	}
	return m.typeAt(m.Funcs[localIdx])
}

func (m *Module) typeAt(typeIdx uint32) *FuncType {
	if int(typeIdx) >= len(m.Types) {
		return nil
	}
	return &m.Types[typeIdx]
}

// GlobalTypes returns the types of the whole global index space, imports first.
func (m *Module) GlobalTypes() []GlobalType {
	out := make([]GlobalType, 0, m.NumImportedGlobals()+len(m.Globals))
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindGlobal && imp.Desc.Global != nil {
			out = append(out, *imp.Desc.Global)
		}
	}
	for _, g := range m.Globals {
		out = append(out, g.Type)
	}
	return out
}

// TableTypes returns the types of the whole table index space, imports first.
func (m *Module) TableTypes() []TableType {
	out := make([]TableType, 0, m.NumImportedTables()+len(m.Tables))
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindTable && imp.Desc.Table != nil {
			out = append(out, *imp.Desc.Table)
		}
	}
	return append(out, m.Tables...)
}

// HasMemory reports whether the module defines or imports a memory.
func (m *Module) HasMemory() bool {
	return len(m.Memories) > 0 || m.NumImportedMemories() > 0
}

// ExportedFunc looks up an exported function index by name.
func (m *Module) ExportedFunc(name string) (uint32, bool) {
	for _, exp := range m.Exports {
		if exp.Kind == KindFunc && exp.Name == name {
			return exp.Idx, true
		}
	}
	return 0, false
}

// FuncName returns the export name of a function, or "" when it is not exported.
func (m *Module) FuncName(funcIdx uint32) string {
	for _, exp := range m.Exports {
		if exp.Kind == KindFunc && exp.Idx == funcIdx {
			return exp.Name
		}
	}
	if int(funcIdx) < m.NumImportedFuncs() {
		n := uint32(0)
		for _, imp := range m.Imports {
			if imp.Desc.Kind != KindFunc {
				continue
			}
			if n == funcIdx {
				return imp.Module + "." + imp.Name
			}
			n++
		}
	}
	return ""
}

// AddType adds a function type and returns its index, reusing existing if equal
func (m *Module) AddType(ft FuncType) uint32 {
	for i := range m.Types {
		if m.Types[i].Equal(&ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}
