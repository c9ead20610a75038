package translate

import (
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

func (t *Translator) step(in *wasm.Instruction) error {
	op := in.Opcode
	switch op {
	case wasm.OpUnreachable:
		if t.emitting() {
			t.emit(Op{Code: OpUnreachable, Opcode: op})
		}
		t.MarkUnreachable()
		return nil

	case wasm.OpNop:
		return nil

	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		bt, err := t.blockType(in.Imm.(wasm.BlockImm).Type)
		if err != nil {
			return err
		}
		kind := FrameBlock
		switch op {
		case wasm.OpLoop:
			kind = FrameLoop
		case wasm.OpIf:
			kind = FrameIfThen
			if _, err := t.popExpect(entry(i32)); err != nil {
				return err
			}
		}
		_, err = t.PushControlFrame(kind, bt)
		return err

	case wasm.OpElse:
		return t.HandleElse()

	case wasm.OpEnd:
		_, err := t.HandleEnd()
		return err

	case wasm.OpBr:
		return t.br(in.Imm.(wasm.BranchImm).LabelIdx)

	case wasm.OpBrIf:
		return t.brIf(in.Imm.(wasm.BranchImm).LabelIdx)

	case wasm.OpBrTable:
		return t.brTable(in.Imm.(wasm.BrTableImm))

	case wasm.OpReturn:
		return t.ret()

	case wasm.OpCall:
		return t.call(in.Imm.(wasm.CallImm).FuncIdx)

	case wasm.OpCallIndirect:
		return t.callIndirect(in.Imm.(wasm.CallIndirectImm))

	case wasm.OpDrop:
		e, err := t.pop()
		if err != nil {
			return err
		}
		if t.emitting() {
			t.emit(Op{Code: OpDrop, Opcode: op, Width: uint8(e.Slots())})
		}
		return nil

	case wasm.OpSelect:
		return t.selectUntyped()

	case wasm.OpSelectType:
		return t.selectTyped(in.Imm.(wasm.SelectTypeImm).Types)

	case wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpLocalTee:
		return t.local(op, in.Imm.(wasm.LocalImm).LocalIdx)

	case wasm.OpGlobalGet, wasm.OpGlobalSet:
		return t.global(op, in.Imm.(wasm.GlobalImm).GlobalIdx)

	case wasm.OpTableGet, wasm.OpTableSet:
		return t.tableAccess(op, in.Imm.(wasm.TableImm).TableIdx)

	case wasm.OpMemorySize, wasm.OpMemoryGrow:
		if err := t.requireMemory(in.Imm.(wasm.MemoryIdxImm).MemIdx); err != nil {
			return err
		}
		code := OpMemorySize
		if op == wasm.OpMemoryGrow {
			code = OpMemoryGrow
			if _, err := t.popExpect(entry(i32)); err != nil {
				return err
			}
		}
		t.push(entry(i32))
		if t.emitting() {
			t.emit(Op{Code: code, Opcode: op})
		}
		return nil

	case wasm.OpI32Const:
		return t.constant(op, i32, uint64(uint32(in.Imm.(wasm.I32Imm).Value)), 0)
	case wasm.OpI64Const:
		return t.constant(op, i64, uint64(in.Imm.(wasm.I64Imm).Value), 0)
	case wasm.OpF32Const:
		return t.constant(op, f32, uint64(in.Imm.(wasm.F32Imm).Bits), 0)
	case wasm.OpF64Const:
		return t.constant(op, f64, in.Imm.(wasm.F64Imm).Bits, 0)
	case wasm.OpPrefixSIMD:
		v := in.Imm.(wasm.V128Imm)
		return t.constant(op, wasm.ValV128, v.Lo, v.Hi)

	case wasm.OpRefNull:
		rt := in.Imm.(wasm.RefNullImm).Type
		t.push(entry(rt))
		if t.emitting() {
			t.emit(Op{Code: OpRefNull, Opcode: op, A: uint64(rt)})
		}
		return nil

	case wasm.OpRefIsNull:
		e, err := t.pop()
		if err != nil {
			return err
		}
		if e != Unknown && !e.isRef() {
			return t.errAt(errKindMismatch).Expected("reference").Got(e.String()).Build()
		}
		t.push(entry(i32))
		if t.emitting() {
			t.emit(Op{Code: OpRefIsNull, Opcode: op})
		}
		return nil

	case wasm.OpRefFunc:
		idx := in.Imm.(wasm.RefFuncImm).FuncIdx
		if int(idx) >= t.module.NumFuncs() {
			return t.fail(errors.KindInvalidData, "ref.func: function %d out of range", idx)
		}
		t.push(entry(wasm.ValFuncRef))
		if t.emitting() {
			t.emit(Op{Code: OpRefFunc, Opcode: op, A: uint64(idx)})
		}
		return nil

	case wasm.OpPrefixMisc:
		return t.misc(in.Imm.(wasm.MiscImm))
	}

	if isLoad(op) || isStore(op) {
		return t.memoryAccess(op, in.Imm.(wasm.MemoryImm))
	}
	if s := numericSigs[op]; s != nil {
		return t.numeric(Op{Code: OpNumeric, Opcode: op}, s)
	}
	return t.fail(errors.KindUnsupported, "instruction %s", in.Name())
}

func (t *Translator) numeric(op Op, s *signature) error {
	if err := t.popTypes(s.params); err != nil {
		return err
	}
	t.pushTypes(s.results)
	if t.emitting() {
		t.emit(op)
	}
	return nil
}

func (t *Translator) constant(opcode byte, vt wasm.ValType, lo, hi uint64) error {
	e := entry(vt)
	t.push(e)
	if t.emitting() {
		t.emit(Op{Code: OpConst, Opcode: opcode, A: lo, B: hi, Width: uint8(e.Slots())})
	}
	return nil
}

func (t *Translator) br(depth uint32) error {
	f, label, err := t.BranchTarget(depth)
	if err != nil {
		return err
	}
	tgt := t.target(f, label)
	if err := t.popTypes(label); err != nil {
		return err
	}
	if t.emitting() {
		idx := t.emit(Op{Code: OpBr, Opcode: wasm.OpBr, Targets: []Target{tgt}})
		t.bind(idx, 0, f)
	}
	t.MarkUnreachable()
	return nil
}

func (t *Translator) brIf(depth uint32) error {
	if _, err := t.popExpect(entry(i32)); err != nil {
		return err
	}
	f, label, err := t.BranchTarget(depth)
	if err != nil {
		return err
	}
	tgt := t.target(f, label)
	if err := t.popTypes(label); err != nil {
		return err
	}
	t.pushTypes(label)
	if t.emitting() {
		idx := t.emit(Op{Code: OpBrIf, Opcode: wasm.OpBrIf, Targets: []Target{tgt}})
		t.bind(idx, 0, f)
		next := t.newBlock(BlockFallthrough, nil)
		next.Sealed = true
		link(t.cur, next)
		t.leave()
		t.enter(next)
	}
	return nil
}

func (t *Translator) brTable(imm wasm.BrTableImm) error {
	if _, err := t.popExpect(entry(i32)); err != nil {
		return err
	}
	def, defLabel, err := t.BranchTarget(imm.Default)
	if err != nil {
		return err
	}
	arity := len(defLabel)

	frames := make([]*ControlFrame, 0, len(imm.Labels)+1)
	targets := make([]Target, 0, len(imm.Labels)+1)
	for _, depth := range append(append([]uint32(nil), imm.Labels...), imm.Default) {
		f, label, err := t.BranchTarget(depth)
		if err != nil {
			return err
		}
		if len(label) != arity {
			return t.errAt(errKindMismatch).
				Expected(typeList(defLabel)).
				Got(typeList(label)).
				Detail("br_table label %d has arity %d, default has %d", depth, len(label), arity).
				Build()
		}
		targets = append(targets, t.target(f, label))
		// Each label must accept the operands; check without consuming them.
		popped, err := t.popLabel(label)
		if err != nil {
			return err
		}
		for _, e := range popped {
			t.push(e)
		}
		frames = append(frames, f)
	}
	if err := t.popTypes(def.LabelTypes()); err != nil {
		return err
	}

	if t.emitting() {
		idx := t.emit(Op{Code: OpBrTable, Opcode: wasm.OpBrTable, Targets: targets})
		for i, f := range frames {
			t.bind(idx, i, f)
		}
	}
	t.MarkUnreachable()
	return nil
}

func (t *Translator) ret() error {
	fnFrame := t.frames[0]
	if err := t.popTypes(fnFrame.Type.Results); err != nil {
		return err
	}
	if t.emitting() {
		t.emit(Op{Code: OpReturn, Opcode: wasm.OpReturn, A: uint64(t.fn.ResultSlots)})
		fnFrame.Targeted = true
		link(t.cur, fnFrame.Label)
	}
	t.MarkUnreachable()
	return nil
}

func (t *Translator) call(idx uint32) error {
	ft := t.module.GetFuncType(idx)
	if ft == nil {
		return t.fail(errors.KindInvalidData, "call: function %d out of range", idx)
	}
	if err := t.popTypes(ft.Params); err != nil {
		return err
	}
	t.pushTypes(ft.Results)
	if t.emitting() {
		t.emit(Op{Code: OpCall, Opcode: wasm.OpCall, A: uint64(idx)})
	}
	return nil
}

func (t *Translator) callIndirect(imm wasm.CallIndirectImm) error {
	if int(imm.TableIdx) >= len(t.tables) {
		return t.fail(errors.KindInvalidData, "call_indirect: table %d out of range", imm.TableIdx)
	}
	if t.tables[imm.TableIdx].ElemType != wasm.ValFuncRef {
		return t.fail(errors.KindInvalidData, "call_indirect: table %d is not a funcref table", imm.TableIdx)
	}
	if int(imm.TypeIdx) >= len(t.module.Types) {
		return t.fail(errors.KindInvalidData, "call_indirect: type %d out of range", imm.TypeIdx)
	}
	ft := &t.module.Types[imm.TypeIdx]
	if _, err := t.popExpect(entry(i32)); err != nil {
		return err
	}
	if err := t.popTypes(ft.Params); err != nil {
		return err
	}
	t.pushTypes(ft.Results)
	if t.emitting() {
		t.emit(Op{Code: OpCallIndirect, Opcode: wasm.OpCallIndirect, A: uint64(imm.TypeIdx), B: uint64(imm.TableIdx)})
	}
	return nil
}

func (t *Translator) selectUntyped() error {
	if _, err := t.popExpect(entry(i32)); err != nil {
		return err
	}
	a, err := t.pop()
	if err != nil {
		return err
	}
	b, err := t.pop()
	if err != nil {
		return err
	}
	if a.isRef() || b.isRef() {
		return t.errAt(errKindMismatch).Expected("numeric").Got(a.String()).Detail("select without type on references").Build()
	}
	if !a.Matches(b) {
		return t.errAt(errKindMismatch).Expected(b.String()).Got(a.String()).Build()
	}
	res := a
	if res == Unknown {
		res = b
	}
	t.push(res)
	if t.emitting() {
		t.emit(Op{Code: OpSelect, Opcode: wasm.OpSelect, Width: uint8(res.Slots())})
	}
	return nil
}

func (t *Translator) selectTyped(types []wasm.ValType) error {
	if len(types) != 1 {
		return t.fail(errors.KindInvalidData, "select expects one type, got %d", len(types))
	}
	want := entry(types[0])
	if _, err := t.popExpect(entry(i32)); err != nil {
		return err
	}
	if _, err := t.popExpect(want); err != nil {
		return err
	}
	if _, err := t.popExpect(want); err != nil {
		return err
	}
	t.push(want)
	if t.emitting() {
		t.emit(Op{Code: OpSelect, Opcode: wasm.OpSelectType, Width: uint8(want.Slots())})
	}
	return nil
}

func (t *Translator) local(op byte, idx uint32) error {
	if int(idx) >= len(t.fn.Locals) {
		return t.fail(errors.KindInvalidData, "local %d out of range (%d locals)", idx, len(t.fn.Locals))
	}
	lt := entry(t.fn.Locals[idx])
	var code OpCode
	switch op {
	case wasm.OpLocalGet:
		code = OpLocalGet
		t.push(lt)
	case wasm.OpLocalSet:
		code = OpLocalSet
		if _, err := t.popExpect(lt); err != nil {
			return err
		}
	default:
		code = OpLocalTee
		if _, err := t.popExpect(lt); err != nil {
			return err
		}
		t.push(lt)
	}
	if t.emitting() {
		t.emit(Op{Code: code, Opcode: op, A: uint64(t.fn.LocalSlots[idx]), Width: uint8(lt.Slots())})
	}
	return nil
}

func (t *Translator) global(op byte, idx uint32) error {
	if int(idx) >= len(t.globals) {
		return t.fail(errors.KindInvalidData, "global %d out of range", idx)
	}
	gt := t.globals[idx]
	e := entry(gt.ValType)
	code := OpGlobalGet
	if op == wasm.OpGlobalSet {
		if !gt.Mutable {
			return t.fail(errors.KindInvalidData, "global.set on immutable global %d", idx)
		}
		if _, err := t.popExpect(e); err != nil {
			return err
		}
		code = OpGlobalSet
	} else {
		t.push(e)
	}
	if t.emitting() {
		t.emit(Op{Code: code, Opcode: op, A: uint64(idx), Width: uint8(e.Slots())})
	}
	return nil
}

func (t *Translator) tableType(idx uint32) (wasm.TableType, error) {
	if int(idx) >= len(t.tables) {
		return wasm.TableType{}, t.fail(errors.KindInvalidData, "table %d out of range", idx)
	}
	return t.tables[idx], nil
}

func (t *Translator) tableAccess(op byte, idx uint32) error {
	tt, err := t.tableType(idx)
	if err != nil {
		return err
	}
	elem := entry(tt.ElemType)
	code := OpTableGet
	if op == wasm.OpTableGet {
		if _, err := t.popExpect(entry(i32)); err != nil {
			return err
		}
		t.push(elem)
	} else {
		code = OpTableSet
		if _, err := t.popExpect(elem); err != nil {
			return err
		}
		if _, err := t.popExpect(entry(i32)); err != nil {
			return err
		}
	}
	if t.emitting() {
		t.emit(Op{Code: code, Opcode: op, A: uint64(idx)})
	}
	return nil
}

func (t *Translator) requireMemory(idx uint32) error {
	if idx != 0 || !t.module.HasMemory() {
		return t.fail(errors.KindInvalidData, "memory %d not defined", idx)
	}
	return nil
}

func (t *Translator) memoryAccess(op byte, imm wasm.MemoryImm) error {
	if err := t.requireMemory(0); err != nil {
		return err
	}
	if imm.Align > naturalAlign[op] {
		return t.fail(errors.KindInvalidData, "%s alignment 2^%d exceeds natural alignment", wasm.OpcodeName(op), imm.Align)
	}
	code := OpLoad
	if isStore(op) {
		code = OpStore
	}
	return t.numeric(Op{Code: code, Opcode: op, A: uint64(imm.Offset)}, numericSigs[op])
}

func (t *Translator) dataIndex(idx uint32) error {
	if t.module.DataCount == nil {
		return t.fail(errors.KindInvalidData, "data index %d used without a data count section", idx)
	}
	if idx >= *t.module.DataCount {
		return t.fail(errors.KindInvalidData, "data segment %d out of range", idx)
	}
	return nil
}

func (t *Translator) elemIndex(idx uint32) (wasm.ValType, error) {
	if int(idx) >= len(t.module.Elements) {
		return 0, t.fail(errors.KindInvalidData, "element segment %d out of range", idx)
	}
	return t.module.Elements[idx].Type, nil
}

func (t *Translator) misc(imm wasm.MiscImm) error {
	sub := imm.SubOpcode
	op := Op{Code: OpMisc, Opcode: wasm.OpPrefixMisc, A: uint64(sub)}
	if len(imm.Operands) > 0 {
		op.B = uint64(imm.Operands[0])
	}
	if len(imm.Operands) > 1 {
		op.C = uint64(imm.Operands[1])
	}
	three := vals(i32, i32, i32)

	switch sub {
	case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF32U, wasm.MiscI32TruncSatF64S, wasm.MiscI32TruncSatF64U,
		wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF32U, wasm.MiscI64TruncSatF64S, wasm.MiscI64TruncSatF64U:
		return t.numeric(op, truncSatSigs[sub])

	case wasm.MiscMemoryInit:
		if err := t.dataIndex(imm.Operands[0]); err != nil {
			return err
		}
		if err := t.requireMemory(imm.Operands[1]); err != nil {
			return err
		}
		return t.numeric(op, sig(three))

	case wasm.MiscDataDrop:
		if err := t.dataIndex(imm.Operands[0]); err != nil {
			return err
		}
		return t.numeric(op, sig(nil))

	case wasm.MiscMemoryCopy:
		if err := t.requireMemory(imm.Operands[0]); err != nil {
			return err
		}
		if err := t.requireMemory(imm.Operands[1]); err != nil {
			return err
		}
		return t.numeric(op, sig(three))

	case wasm.MiscMemoryFill:
		if err := t.requireMemory(imm.Operands[0]); err != nil {
			return err
		}
		return t.numeric(op, sig(three))

	case wasm.MiscTableInit:
		et, err := t.elemIndex(imm.Operands[0])
		if err != nil {
			return err
		}
		tt, err := t.tableType(imm.Operands[1])
		if err != nil {
			return err
		}
		if et != tt.ElemType {
			return t.errAt(errKindMismatch).Expected(tt.ElemType.String()).Got(et.String()).Detail("table.init element type").Build()
		}
		return t.numeric(op, sig(three))

	case wasm.MiscElemDrop:
		if _, err := t.elemIndex(imm.Operands[0]); err != nil {
			return err
		}
		return t.numeric(op, sig(nil))

	case wasm.MiscTableCopy:
		dst, err := t.tableType(imm.Operands[0])
		if err != nil {
			return err
		}
		src, err := t.tableType(imm.Operands[1])
		if err != nil {
			return err
		}
		if dst.ElemType != src.ElemType {
			return t.errAt(errKindMismatch).Expected(dst.ElemType.String()).Got(src.ElemType.String()).Detail("table.copy element type").Build()
		}
		return t.numeric(op, sig(three))

	case wasm.MiscTableGrow:
		tt, err := t.tableType(imm.Operands[0])
		if err != nil {
			return err
		}
		return t.numeric(op, sig(vals(tt.ElemType, i32), i32))

	case wasm.MiscTableSize:
		if _, err := t.tableType(imm.Operands[0]); err != nil {
			return err
		}
		return t.numeric(op, sig(nil, i32))

	case wasm.MiscTableFill:
		tt, err := t.tableType(imm.Operands[0])
		if err != nil {
			return err
		}
		return t.numeric(op, sig(vals(i32, tt.ElemType, i32)))
	}
	return t.fail(errors.KindUnsupported, "instruction %s", wasm.MiscName(sub))
}
