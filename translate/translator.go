package translate

import (
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

// Translator types and lowers a single function body.
type Translator struct {
	module  *wasm.Module
	body    *wasm.FuncBody
	fn      *Function
	cur     *BasicBlock // block receiving ops; nil in dead code
	globals []wasm.GlobalType
	tables  []wasm.TableType
	stack   []StackEntry
	cum     []int // cum[i] is the slot height of stack[:i+1]
	frames  []*ControlFrame
	offset  int
	funcIdx uint32
}

// New prepares a translator for the defined function funcIdx. The function
// body frame is already open.
func New(m *wasm.Module, funcIdx uint32) (*Translator, error) {
	imported := uint32(m.NumImportedFuncs())
	if funcIdx < imported || int(funcIdx-imported) >= len(m.Code) {
		return nil, errors.New(errors.PhaseTranslate, errors.KindInvalidData).
			Value(funcIdx).
			Detail("function %d has no body", funcIdx).
			Build()
	}
	ft := m.GetFuncType(funcIdx)
	if ft == nil {
		return nil, errors.New(errors.PhaseTranslate, errors.KindInvalidData).
			Value(funcIdx).
			Detail("function %d has no type", funcIdx).
			Build()
	}
	body := &m.Code[funcIdx-imported]

	fn := &Function{
		Index:       funcIdx,
		Name:        m.FuncName(funcIdx),
		Type:        ft,
		ParamSlots:  slotsOf(ft.Params),
		ResultSlots: slotsOf(ft.Results),
	}
	fn.Locals = append(fn.Locals, ft.Params...)
	for _, le := range body.Locals {
		for range le.Count {
			fn.Locals = append(fn.Locals, le.ValType)
		}
	}
	fn.LocalSlots = make([]int, len(fn.Locals))
	for i, lt := range fn.Locals {
		fn.LocalSlots[i] = fn.NumLocalSlots
		fn.NumLocalSlots += entry(lt).Slots()
	}

	t := &Translator{
		module:  m,
		body:    body,
		fn:      fn,
		funcIdx: funcIdx,
		globals: m.GlobalTypes(),
		tables:  m.TableTypes(),
	}

	entryBlock := t.newBlock(BlockEntry, ft.Params)
	entryBlock.Sealed = true
	exit := t.newBlock(BlockExit, ft.Results)
	t.enter(entryBlock)
	t.emit(Op{Code: OpCheckpoint})

	t.frames = append(t.frames, &ControlFrame{
		Kind:          FrameFunction,
		Type:          BlockType{Results: ft.Results},
		Label:         exit,
		Reachable:     true,
		HeadReachable: true,
		condOp:        -1,
	})
	return t, nil
}

// Function returns the function being built.
func (t *Translator) Function() *Function { return t.fn }

// TranslateFunction decodes, types and lowers one defined function.
func TranslateFunction(m *wasm.Module, funcIdx uint32) (*Function, error) {
	t, err := New(m, funcIdx)
	if err != nil {
		return nil, err
	}
	return t.Translate()
}

// TranslateModule translates every defined function, stopping at the first error.
func TranslateModule(m *wasm.Module) ([]*Function, error) {
	imported := uint32(m.NumImportedFuncs())
	out := make([]*Function, 0, len(m.Code))
	for i := range m.Code {
		fn, err := TranslateFunction(m, imported+uint32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

// Translate runs the translator over the whole body.
func (t *Translator) Translate() (*Function, error) {
	instrs, err := wasm.DecodeInstructions(t.body.Code)
	if err != nil {
		kind := errors.KindInvalidData
		if stderrors.Is(err, wasm.ErrUnsupportedOpcode) {
			kind = errors.KindUnsupported
		}
		return nil, errors.New(errors.PhaseTranslate, kind).
			At(t.funcIdx, 0, 0).
			Cause(err).
			Detail("decode body").
			Build()
	}

	for i := range instrs {
		in := &instrs[i]
		t.offset = in.Offset
		if len(t.frames) == 0 {
			return nil, t.fail(errors.KindUnbalancedEnd, "%s after final end", in.Name())
		}
		if err := t.step(in); err != nil {
			return nil, err
		}
	}
	if len(t.frames) != 0 {
		t.offset = len(t.body.Code)
		return nil, t.fail(errors.KindUnbalancedEnd, "%d frames left open", len(t.frames))
	}

	for _, bb := range t.fn.Blocks {
		bb.Sealed = true
	}
	Logger().Debug("function translated",
		zap.Uint32("func", t.funcIdx),
		zap.String("name", t.fn.Name),
		zap.Int("ops", len(t.fn.Ops)),
		zap.Int("blocks", len(t.fn.Blocks)),
		zap.Int("reachable_blocks", t.fn.ReachableBlocks()),
		zap.Int("max_stack_slots", t.fn.MaxStackSlots))
	return t.fn, nil
}

func (t *Translator) newBlock(kind BlockKind, params []wasm.ValType) *BasicBlock {
	bb := &BasicBlock{ID: len(t.fn.Blocks), Kind: kind, Start: -1, End: -1, Params: params}
	t.fn.Blocks = append(t.fn.Blocks, bb)
	return bb
}

func (t *Translator) enter(bb *BasicBlock) {
	bb.Start = len(t.fn.Ops)
	bb.End = bb.Start
	bb.Reachable = true
	t.cur = bb
}

func (t *Translator) leave() {
	if t.cur != nil {
		t.cur.End = len(t.fn.Ops)
		t.cur = nil
	}
}

func link(from, to *BasicBlock) {
	for _, s := range from.Succs {
		if s == to.ID {
			return
		}
	}
	from.Succs = append(from.Succs, to.ID)
	to.Preds = append(to.Preds, from.ID)
}

func (t *Translator) emitting() bool { return t.cur != nil }

func (t *Translator) emit(op Op) int {
	op.Offset = t.offset
	t.fn.Ops = append(t.fn.Ops, op)
	t.cur.End = len(t.fn.Ops)
	return len(t.fn.Ops) - 1
}

// target computes the stack adjustment for a branch to f taken at the
// current height.
func (t *Translator) target(f *ControlFrame, label []wasm.ValType) Target {
	keep := slotsOf(label)
	height := t.slotsAt(len(t.stack))
	return Target{Keep: keep, Drop: height - keep - f.slotHeight, Return: f.Kind == FrameFunction}
}

// bind records the destination of target ti of op idx and wires the CFG edge.
func (t *Translator) bind(idx, ti int, f *ControlFrame) {
	switch f.Kind {
	case FrameLoop:
		t.fn.Ops[idx].Targets[ti].PC = f.header
	case FrameFunction:
		f.Targeted = true
	default:
		f.fixups = append(f.fixups, fixup{op: idx, target: ti})
		f.Targeted = true
	}
	link(t.cur, f.Label)
}

func (t *Translator) blockType(bt int64) (BlockType, error) {
	switch bt {
	case wasm.BlockTypeVoid:
		return BlockType{}, nil
	case wasm.BlockTypeI32:
		return BlockType{Results: []wasm.ValType{wasm.ValI32}}, nil
	case wasm.BlockTypeI64:
		return BlockType{Results: []wasm.ValType{wasm.ValI64}}, nil
	case wasm.BlockTypeF32:
		return BlockType{Results: []wasm.ValType{wasm.ValF32}}, nil
	case wasm.BlockTypeF64:
		return BlockType{Results: []wasm.ValType{wasm.ValF64}}, nil
	case wasm.BlockTypeV128:
		return BlockType{Results: []wasm.ValType{wasm.ValV128}}, nil
	case wasm.BlockTypeFuncRef:
		return BlockType{Results: []wasm.ValType{wasm.ValFuncRef}}, nil
	case wasm.BlockTypeExtern:
		return BlockType{Results: []wasm.ValType{wasm.ValExtern}}, nil
	}
	if bt < 0 || bt >= int64(len(t.module.Types)) {
		return BlockType{}, t.errAt(errors.KindInvalidData).Value(bt).Detail("invalid block type %d", bt).Build()
	}
	ft := &t.module.Types[bt]
	return BlockType{Params: ft.Params, Results: ft.Results}, nil
}
