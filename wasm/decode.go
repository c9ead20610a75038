package wasm

import (
	"errors"
	"fmt"
	"io"

	"github.com/wippyai/wasm-vm/wasm/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")

	// ErrUnsupportedOpcode marks well-formed instructions outside the
	// supported feature set.
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
)

// maxLocals bounds the number of locals a single body may declare.
const maxLocals = 50000

// ParseModule parses a WebAssembly binary module
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var lastSectionOrder int

	for r.Len() > 0 {
		sectionID, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section header", err)
		}

		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order == 0 {
				return nil, fmt.Errorf("unknown section ID: 0x%02x", sectionID)
			}
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}

		sectionData, err := r.ReadBytes(int(sectionSize))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		sr := binary.NewReader(sectionData)
		name, parse := sectionParser(sectionID)
		if err := parse(sr, m); err != nil {
			return nil, sr.WrapError(name, err)
		}
		if sr.Len() != 0 {
			return nil, sr.WrapError(name, errors.New("section size mismatch"))
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("function and code section have inconsistent lengths: %d != %d", len(m.Funcs), len(m.Code))
	}

	return m, nil
}

type sectionFunc func(r *binary.Reader, m *Module) error

func sectionParser(id byte) (string, sectionFunc) {
	switch id {
	case SectionCustom:
		return "custom section", parseCustomSection
	case SectionType:
		return "type section", parseTypeSection
	case SectionImport:
		return "import section", parseImportSection
	case SectionFunction:
		return "function section", parseFunctionSection
	case SectionTable:
		return "table section", parseTableSection
	case SectionMemory:
		return "memory section", parseMemorySection
	case SectionGlobal:
		return "global section", parseGlobalSection
	case SectionExport:
		return "export section", parseExportSection
	case SectionStart:
		return "start section", parseStartSection
	case SectionElement:
		return "element section", parseElementSection
	case SectionCode:
		return "code section", parseCodeSection
	case SectionData:
		return "data section", parseDataSection
	default:
		return "data count section", parseDataCountSection
	}
}

// sectionOrder returns the canonical ordering for a section ID, or 0 when
// the ID is unknown. DataCount sits between Element and Code.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return 0
	}
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{
		Name: name,
		Data: r.ReadRemaining(),
	})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return fmt.Errorf("type %d: unsupported type form 0x%02x", i, form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d params: %w", i, err)
		}
		results, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d results: %w", i, err)
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]ValType, n)
	for i := range out {
		if out[i], err = readValType(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	t := ValType(b)
	if !t.IsValid() {
		return 0, fmt.Errorf("invalid value type 0x%02x", b)
	}
	return t, nil
}

func readRefType(r *binary.Reader) (ValType, error) {
	t, err := readValType(r)
	if err != nil {
		return 0, err
	}
	if !t.IsRef() {
		return 0, fmt.Errorf("expected reference type, got %s", t)
	}
	return t, nil
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var imp Import
		if imp.Module, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Desc.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		switch imp.Desc.Kind {
		case KindFunc:
			imp.Desc.TypeIdx, err = r.ReadU32()
		case KindTable:
			var tt TableType
			tt, err = readTableType(r)
			imp.Desc.Table = &tt
		case KindMemory:
			var mt MemoryType
			mt, err = readMemoryType(r)
			imp.Desc.Memory = &mt
		case KindGlobal:
			var gt GlobalType
			gt, err = readGlobalType(r)
			imp.Desc.Global = &gt
		default:
			return fmt.Errorf("import %s.%s: unknown kind 0x%02x", imp.Module, imp.Name, imp.Desc.Kind)
		}
		if err != nil {
			return fmt.Errorf("import %s.%s: %w", imp.Module, imp.Name, err)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > r.Len() {
		return io.ErrUnexpectedEOF
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		tt, err := readTableType(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, tt)
	}
	return nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mt, err := readMemoryType(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, mt)
	}
	return nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readInitExpr(r)
		if err != nil {
			return fmt.Errorf("global %d init: %w", i, err)
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, count)
	for i := uint32(0); i < count; i++ {
		var exp Export
		if exp.Name, err = r.ReadName(); err != nil {
			return err
		}
		if exp.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		if exp.Kind > KindGlobal {
			return fmt.Errorf("export %q: unknown kind 0x%02x", exp.Name, exp.Kind)
		}
		if exp.Idx, err = r.ReadU32(); err != nil {
			return err
		}
		if _, dup := seen[exp.Name]; dup {
			return fmt.Errorf("duplicate export name %q", exp.Name)
		}
		seen[exp.Name] = struct{}{}
		m.Exports = append(m.Exports, exp)
	}
	return nil
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElementSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		elem, err := readElement(r)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		m.Elements = append(m.Elements, elem)
	}
	return nil
}

func readElement(r *binary.Reader) (Element, error) {
	flags, err := r.ReadU32()
	if err != nil {
		return Element{}, err
	}
	if flags > 7 {
		return Element{}, fmt.Errorf("invalid element flags %d", flags)
	}

	elem := Element{Flags: flags, Type: ValFuncRef}
	switch {
	case flags&0x01 == 0:
		elem.Mode = ElemActive
	case flags&0x02 == 0:
		elem.Mode = ElemPassive
	default:
		elem.Mode = ElemDeclarative
	}

	if elem.Mode == ElemActive {
		if flags&0x02 != 0 {
			if elem.TableIdx, err = r.ReadU32(); err != nil {
				return elem, err
			}
		}
		if elem.Offset, err = readInitExpr(r); err != nil {
			return elem, err
		}
	}

	usesExprs := flags&0x04 != 0
	if flags&0x03 != 0 {
		if usesExprs {
			if elem.Type, err = readRefType(r); err != nil {
				return elem, err
			}
		} else {
			kind, err := r.ReadByte()
			if err != nil {
				return elem, err
			}
			if kind != 0x00 {
				return elem, fmt.Errorf("unsupported element kind 0x%02x", kind)
			}
		}
	}

	n, err := r.ReadU32()
	if err != nil {
		return elem, err
	}
	if int(n) > r.Len() {
		return elem, io.ErrUnexpectedEOF
	}
	if usesExprs {
		elem.Exprs = make([][]byte, n)
		for j := range elem.Exprs {
			if elem.Exprs[j], err = readInitExpr(r); err != nil {
				return elem, err
			}
		}
	} else {
		elem.FuncIdxs = make([]uint32, n)
		for j := range elem.FuncIdxs {
			if elem.FuncIdxs[j], err = r.ReadU32(); err != nil {
				return elem, err
			}
		}
	}
	return elem, nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > r.Len() {
		return io.ErrUnexpectedEOF
	}
	m.Code = make([]FuncBody, 0, count)
	for i := uint32(0); i < count; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		body, err := r.ReadBytes(int(size))
		if err != nil {
			return fmt.Errorf("body %d: %w", i, err)
		}
		fb, err := readFuncBody(binary.NewReader(body))
		if err != nil {
			return fmt.Errorf("body %d: %w", i, err)
		}
		m.Code = append(m.Code, fb)
	}
	return nil
}

func readFuncBody(r *binary.Reader) (FuncBody, error) {
	groups, err := r.ReadU32()
	if err != nil {
		return FuncBody{}, err
	}
	var fb FuncBody
	var total uint64
	for j := uint32(0); j < groups; j++ {
		n, err := r.ReadU32()
		if err != nil {
			return fb, err
		}
		t, err := readValType(r)
		if err != nil {
			return fb, err
		}
		total += uint64(n)
		if total > maxLocals {
			return fb, fmt.Errorf("too many locals: %d", total)
		}
		fb.Locals = append(fb.Locals, LocalEntry{Count: n, ValType: t})
	}
	fb.Code = r.ReadRemaining()
	if len(fb.Code) == 0 || fb.Code[len(fb.Code)-1] != OpEnd {
		return fb, errors.New("function body must end with end opcode")
	}
	return fb, nil
}

func parseDataSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if m.DataCount != nil && *m.DataCount != count {
		return fmt.Errorf("data count %d does not match data section length %d", *m.DataCount, count)
	}
	for i := uint32(0); i < count; i++ {
		var seg DataSegment
		if seg.Flags, err = r.ReadU32(); err != nil {
			return err
		}
		switch seg.Flags {
		case 0:
		case 1:
			seg.Passive = true
		case 2:
			if seg.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("data %d: invalid flags %d", i, seg.Flags)
		}
		if !seg.Passive {
			if seg.Offset, err = readInitExpr(r); err != nil {
				return fmt.Errorf("data %d offset: %w", i, err)
			}
		}
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		if seg.Init, err = r.ReadBytes(int(n)); err != nil {
			return fmt.Errorf("data %d: %w", i, err)
		}
		m.Data = append(m.Data, seg)
	}
	return nil
}

func parseDataCountSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.DataCount = &count
	return nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	var l Limits
	if l.Min, err = r.ReadU32(); err != nil {
		return l, err
	}
	switch flag {
	case 0x00:
	case 0x01:
		maxv, err := r.ReadU32()
		if err != nil {
			return l, err
		}
		l.Max = &maxv
	default:
		return l, fmt.Errorf("unsupported limits flag 0x%02x", flag)
	}
	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	et, err := readRefType(r)
	if err != nil {
		return TableType{}, err
	}
	l, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: et, Limits: l}, nil
}

func readMemoryType(r *binary.Reader) (MemoryType, error) {
	l, err := readLimits(r)
	if err != nil {
		return MemoryType{}, err
	}
	return MemoryType{Limits: l}, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	t, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid global mutability 0x%02x", mut)
	}
	return GlobalType{ValType: t, Mutable: mut == 1}, nil
}

// readInitExpr consumes a constant expression up to and including its end
// opcode and returns its raw bytes.
func readInitExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	for {
		in, err := decodeInstruction(r, r.Position())
		if err != nil {
			return nil, err
		}
		if in.Opcode == OpEnd {
			return r.Span(start, r.Position()), nil
		}
	}
}
