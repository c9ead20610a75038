package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-vm/errors"
)

// Validate checks the module for structural validity. Function bodies are
// checked separately by the translator.
func (m *Module) Validate() error {
	checks := []func() error{
		m.validateTypeIndices,
		m.validateFunctionIndices,
		m.validateTables,
		m.validateMemories,
		m.validateGlobals,
		m.validateExports,
		m.validateStart,
		m.validateDataCount,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ParseModuleValidate parses a WebAssembly binary and validates it.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "parse module")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func invalid(path string, format string, args ...any) error {
	return errors.New(errors.PhaseValidate, errors.KindInvalidData).
		Path(path).
		Detail(format, args...).
		Build()
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(len(m.Types))
	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return invalid("function", "function %d references invalid type index %d", i, typeIdx)
		}
	}
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return invalid("import", "import %d (%s.%s) references invalid type index %d", i, imp.Module, imp.Name, imp.Desc.TypeIdx)
		}
	}
	return nil
}

func (m *Module) validateFunctionIndices() error {
	numFuncs := uint32(m.NumFuncs())
	for i := range m.Elements {
		for j, funcIdx := range m.Elements[i].FuncIdxs {
			if funcIdx >= numFuncs {
				return invalid("element", "element %d, entry %d references invalid function index %d", i, j, funcIdx)
			}
		}
	}
	for i, exp := range m.Exports {
		if exp.Kind == KindFunc && exp.Idx >= numFuncs {
			return invalid("export", "export %d (%s) references invalid function index %d", i, exp.Name, exp.Idx)
		}
	}
	return nil
}

func (m *Module) validateTables() error {
	tables := m.TableTypes()
	for i, t := range tables {
		if t.Limits.Max != nil && *t.Limits.Max < t.Limits.Min {
			return invalid("table", "table %d: max %d below min %d", i, *t.Limits.Max, t.Limits.Min)
		}
	}
	for i := range m.Elements {
		e := &m.Elements[i]
		if e.Mode != ElemActive {
			continue
		}
		if int(e.TableIdx) >= len(tables) {
			return invalid("element", "element %d references invalid table index %d", i, e.TableIdx)
		}
		if tables[e.TableIdx].ElemType != e.Type {
			return invalid("element", "element %d type %s does not match table type %s", i, e.Type, tables[e.TableIdx].ElemType)
		}
	}
	for i, exp := range m.Exports {
		if exp.Kind == KindTable && int(exp.Idx) >= len(tables) {
			return invalid("export", "export %d (%s) references invalid table index %d", i, exp.Name, exp.Idx)
		}
	}
	return nil
}

func (m *Module) validateMemories() error {
	numMemories := m.NumImportedMemories() + len(m.Memories)
	if numMemories > 1 {
		return errors.Unsupported(errors.PhaseValidate, fmt.Sprintf("%d memories (multi-memory)", numMemories))
	}
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindMemory {
			if err := validateLimits(imp.Desc.Memory.Limits, fmt.Sprintf("imported memory %d", i)); err != nil {
				return err
			}
		}
	}
	for i := range m.Memories {
		if err := validateLimits(m.Memories[i].Limits, fmt.Sprintf("memory %d", i)); err != nil {
			return err
		}
	}
	for i, d := range m.Data {
		if !d.Passive && int(d.MemIdx) >= numMemories {
			return invalid("data", "data segment %d references invalid memory index %d", i, d.MemIdx)
		}
	}
	for i, exp := range m.Exports {
		if exp.Kind == KindMemory && int(exp.Idx) >= numMemories {
			return invalid("export", "export %d (%s) references invalid memory index %d", i, exp.Name, exp.Idx)
		}
	}
	return nil
}

func validateLimits(l Limits, what string) error {
	if l.Min > MaxPages {
		return invalid("memory", "%s: min pages %d exceeds maximum %d", what, l.Min, MaxPages)
	}
	if l.Max != nil {
		if *l.Max > MaxPages {
			return invalid("memory", "%s: max pages %d exceeds maximum %d", what, *l.Max, MaxPages)
		}
		if *l.Max < l.Min {
			return invalid("memory", "%s: max pages %d below min %d", what, *l.Max, l.Min)
		}
	}
	return nil
}

func (m *Module) validateGlobals() error {
	numGlobals := m.NumImportedGlobals() + len(m.Globals)
	for i, exp := range m.Exports {
		if exp.Kind == KindGlobal && int(exp.Idx) >= numGlobals {
			return invalid("export", "export %d (%s) references invalid global index %d", i, exp.Name, exp.Idx)
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	seen := make(map[string]bool, len(m.Exports))
	for i, exp := range m.Exports {
		if seen[exp.Name] {
			return invalid("export", "duplicate export name %q at index %d", exp.Name, i)
		}
		seen[exp.Name] = true
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	ft := m.GetFuncType(*m.Start)
	if ft == nil {
		return invalid("start", "start function %d does not exist", *m.Start)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return invalid("start", "start function must have signature [] -> [], got %s", ft)
	}
	return nil
}

func (m *Module) validateDataCount() error {
	if m.DataCount != nil && *m.DataCount != uint32(len(m.Data)) {
		return invalid("datacount", "data count section declares %d segments, but data section has %d",
			*m.DataCount, len(m.Data))
	}
	return nil
}
