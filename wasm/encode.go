package wasm

import (
	"github.com/wippyai/wasm-vm/wasm/internal/binary"
)

// Encode encodes the module to WebAssembly binary format
func (m *Module) Encode() []byte {
	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	if len(m.Types) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Types)))
		for _, ft := range m.Types {
			sec.Byte(FuncTypeByte)
			writeTypeVec(sec, ft.Params)
			writeTypeVec(sec, ft.Results)
		}
		writeSection(w, SectionType, sec)
	}

	if len(m.Imports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			sec.WriteName(imp.Module)
			sec.WriteName(imp.Name)
			sec.Byte(imp.Desc.Kind)
			switch imp.Desc.Kind {
			case KindFunc:
				sec.WriteU32(imp.Desc.TypeIdx)
			case KindTable:
				writeTableType(sec, *imp.Desc.Table)
			case KindMemory:
				writeLimits(sec, imp.Desc.Memory.Limits)
			case KindGlobal:
				writeGlobalType(sec, *imp.Desc.Global)
			}
		}
		writeSection(w, SectionImport, sec)
	}

	if len(m.Funcs) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Funcs)))
		for _, typeIdx := range m.Funcs {
			sec.WriteU32(typeIdx)
		}
		writeSection(w, SectionFunction, sec)
	}

	if len(m.Tables) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Tables)))
		for _, t := range m.Tables {
			writeTableType(sec, t)
		}
		writeSection(w, SectionTable, sec)
	}

	if len(m.Memories) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Memories)))
		for _, mem := range m.Memories {
			writeLimits(sec, mem.Limits)
		}
		writeSection(w, SectionMemory, sec)
	}

	if len(m.Globals) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(sec, g.Type)
			sec.WriteBytes(g.Init)
		}
		writeSection(w, SectionGlobal, sec)
	}

	if len(m.Exports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Exports)))
		for _, exp := range m.Exports {
			sec.WriteName(exp.Name)
			sec.Byte(exp.Kind)
			sec.WriteU32(exp.Idx)
		}
		writeSection(w, SectionExport, sec)
	}

	if m.Start != nil {
		sec := binary.NewWriter()
		sec.WriteU32(*m.Start)
		writeSection(w, SectionStart, sec)
	}

	if len(m.Elements) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Elements)))
		for i := range m.Elements {
			writeElement(sec, &m.Elements[i])
		}
		writeSection(w, SectionElement, sec)
	}

	if m.DataCount != nil {
		sec := binary.NewWriter()
		sec.WriteU32(*m.DataCount)
		writeSection(w, SectionDataCount, sec)
	}

	if len(m.Code) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Code)))
		for _, body := range m.Code {
			fb := binary.NewWriter()
			fb.WriteU32(uint32(len(body.Locals)))
			for _, l := range body.Locals {
				fb.WriteU32(l.Count)
				fb.Byte(byte(l.ValType))
			}
			fb.WriteBytes(body.Code)
			sec.WriteU32(uint32(fb.Len()))
			sec.WriteBytes(fb.Bytes())
		}
		writeSection(w, SectionCode, sec)
	}

	if len(m.Data) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Data)))
		for _, d := range m.Data {
			switch {
			case d.Passive:
				sec.WriteU32(1)
			case d.MemIdx != 0:
				sec.WriteU32(2)
				sec.WriteU32(d.MemIdx)
			default:
				sec.WriteU32(0)
			}
			if !d.Passive {
				sec.WriteBytes(d.Offset)
			}
			sec.WriteU32(uint32(len(d.Init)))
			sec.WriteBytes(d.Init)
		}
		writeSection(w, SectionData, sec)
	}

	for _, cs := range m.CustomSections {
		sec := binary.NewWriter()
		sec.WriteName(cs.Name)
		sec.WriteBytes(cs.Data)
		writeSection(w, SectionCustom, sec)
	}

	return w.Bytes()
}

func writeSection(w *binary.Writer, id byte, sec *binary.Writer) {
	w.Byte(id)
	w.WriteU32(uint32(sec.Len()))
	w.WriteBytes(sec.Bytes())
}

func writeTypeVec(w *binary.Writer, ts []ValType) {
	w.WriteU32(uint32(len(ts)))
	for _, t := range ts {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	if l.Max != nil {
		w.Byte(0x01)
		w.WriteU32(l.Min)
		w.WriteU32(*l.Max)
		return
	}
	w.Byte(0x00)
	w.WriteU32(l.Min)
}

func writeTableType(w *binary.Writer, t TableType) {
	w.Byte(byte(t.ElemType))
	writeLimits(w, t.Limits)
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	w.Byte(byte(g.ValType))
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

// writeElement re-derives the flags from the segment shape so that
// hand-built segments encode without setting Flags explicitly.
func writeElement(w *binary.Writer, e *Element) {
	var flags uint32
	switch e.Mode {
	case ElemPassive:
		flags = 1
	case ElemDeclarative:
		flags = 3
	default:
		if e.TableIdx != 0 || (e.Exprs != nil && e.Type != ValFuncRef) {
			flags = 2
		}
	}
	if e.Exprs != nil {
		flags |= 4
	}
	w.WriteU32(flags)

	if e.Mode == ElemActive {
		if flags&0x02 != 0 {
			w.WriteU32(e.TableIdx)
		}
		w.WriteBytes(e.Offset)
	}
	if flags&0x03 != 0 {
		if e.Exprs != nil {
			w.Byte(byte(e.Type))
		} else {
			w.Byte(0x00)
		}
	}
	if e.Exprs != nil {
		w.WriteU32(uint32(len(e.Exprs)))
		for _, expr := range e.Exprs {
			w.WriteBytes(expr)
		}
		return
	}
	w.WriteU32(uint32(len(e.FuncIdxs)))
	for _, idx := range e.FuncIdxs {
		w.WriteU32(idx)
	}
}
