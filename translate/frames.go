package translate

import (
	"fmt"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

// FrameKind is the construct that opened a control frame.
type FrameKind uint8

const (
	FrameFunction FrameKind = iota // function body
	FrameBlock
	FrameLoop
	FrameIfThen
	FrameIfElse
)

func (k FrameKind) String() string {
	switch k {
	case FrameFunction:
		return "function"
	case FrameBlock:
		return "block"
	case FrameLoop:
		return "loop"
	case FrameIfThen:
		return "if"
	case FrameIfElse:
		return "else"
	default:
		return fmt.Sprintf("frame(%d)", k)
	}
}

// BlockType is the stack signature of a structured instruction.
type BlockType struct {
	Params  []wasm.ValType
	Results []wasm.ValType
}

// ControlFrame tracks one open structured construct.
type ControlFrame struct {
	Type BlockType

	// Label is where branches to this frame go: the loop header for loops,
	// the continuation otherwise. Nil when the frame opened in dead code.
	Label *BasicBlock
	// ElseLabel is the entry of the else arm, once seen.
	ElseLabel *BasicBlock

	fixups []fixup
	cond   *BasicBlock // block ending with the if's conditional branch

	Kind   FrameKind
	Offset int // byte offset of the opening instruction
	Height int // operand stack height below the params

	// Reachable reports whether control can reach the next instruction
	// of this frame.
	Reachable bool
	// HeadReachable is the reachability of the opening instruction.
	HeadReachable bool
	// Targeted is set when a reachable branch jumped to Label. Never set
	// for loops, whose label is the header.
	Targeted bool
	// Polymorphic is set by MarkUnreachable; pops at the frame floor then
	// yield Unknown instead of failing.
	Polymorphic bool

	// Snapshot taken when an if opens, restored at else.
	ElseHeight    int
	ElseReachable bool

	thenFell   bool // then arm reached its else reachably
	condOp     int  // op index of the if's conditional branch
	header     int  // pc of the loop header checkpoint
	slotHeight int
}

type fixup struct {
	op     int
	target int
}

// LabelTypes returns the values a branch to this frame carries.
func (f *ControlFrame) LabelTypes() []wasm.ValType {
	if f.Kind == FrameLoop {
		return f.Type.Params
	}
	return f.Type.Results
}

const errKindMismatch = errors.KindTypeMismatch

func (t *Translator) current() *ControlFrame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

// Depth returns the nesting depth of the innermost frame; the function body is 0.
func (t *Translator) Depth() int {
	if len(t.frames) == 0 {
		return 0
	}
	return len(t.frames) - 1
}

// Frames returns the open frames, innermost last.
func (t *Translator) Frames() []*ControlFrame { return t.frames }

func (t *Translator) errAt(kind errors.Kind) *errors.Builder {
	return errors.New(errors.PhaseTranslate, kind).At(t.funcIdx, t.offset, t.Depth())
}

func (t *Translator) fail(kind errors.Kind, format string, args ...any) error {
	return t.errAt(kind).Detail(format, args...).Build()
}

// PushControlFrame opens a block, loop or if frame. The params are popped
// from the enclosing frame and pushed again as the floor of the new one.
// For an if, the condition must already have been popped.
func (t *Translator) PushControlFrame(kind FrameKind, bt BlockType) (*ControlFrame, error) {
	if kind != FrameBlock && kind != FrameLoop && kind != FrameIfThen {
		return nil, t.fail(errors.KindInvalidData, "cannot open a %s frame", kind)
	}
	if len(t.frames) == 0 {
		return nil, t.fail(errors.KindUnbalancedEnd, "%s after final end", kind)
	}
	if err := t.popTypes(bt.Params); err != nil {
		return nil, err
	}

	reachable := t.current().Reachable
	h := len(t.stack)
	f := &ControlFrame{
		Kind:          kind,
		Type:          bt,
		Offset:        t.offset,
		Height:        h,
		Reachable:     reachable,
		HeadReachable: reachable,
		ElseHeight:    h,
		ElseReachable: reachable,
		condOp:        -1,
		slotHeight:    t.slotsAt(h),
	}

	if reachable && t.cur != nil {
		switch kind {
		case FrameBlock:
			f.Label = t.newBlock(BlockMerge, bt.Results)
		case FrameLoop:
			f.Label = t.newBlock(BlockLoopHeader, bt.Params)
			link(t.cur, f.Label)
			t.leave()
			t.enter(f.Label)
			f.header = t.emit(Op{Code: OpCheckpoint, Opcode: wasm.OpLoop})
		case FrameIfThen:
			f.condOp = t.emit(Op{Code: OpBrUnless, Opcode: wasm.OpIf, Targets: []Target{{}}})
			f.cond = t.cur
			then := t.newBlock(BlockThen, bt.Params)
			then.Sealed = true
			f.Label = t.newBlock(BlockMerge, bt.Results)
			link(t.cur, then)
			t.leave()
			t.enter(then)
		}
	}

	t.frames = append(t.frames, f)
	t.pushTypes(bt.Params)
	return f, nil
}

// MarkUnreachable records that control cannot fall past the current
// instruction. The operand stack is cut back to the frame floor.
func (t *Translator) MarkUnreachable() {
	f := t.current()
	f.Reachable = false
	f.Polymorphic = true
	t.truncate(f.Height)
	t.leave()
}

// checkFrameEnd verifies the stack holds exactly the frame results.
func (t *Translator) checkFrameEnd(f *ControlFrame) error {
	if err := t.popTypes(f.Type.Results); err != nil {
		return err
	}
	if extra := len(t.stack) - f.Height; extra > 0 {
		return t.errAt(errKindMismatch).
			Expected(typeList(f.Type.Results)).
			Got(entryList(t.stack[f.Height:]) + " " + typeList(f.Type.Results)).
			Detail("%d values left on the stack at end of %s", extra, f.Kind).
			Build()
	}
	return nil
}

// HandleElse closes the then arm of an if and opens its else arm.
func (t *Translator) HandleElse() error {
	f := t.current()
	if f == nil || f.Kind != FrameIfThen {
		return t.fail(errors.KindElseWithoutIf, "else outside of if")
	}
	if err := t.checkFrameEnd(f); err != nil {
		return err
	}

	if f.Reachable && t.cur != nil {
		idx := t.emit(Op{Code: OpBr, Opcode: wasm.OpElse, Targets: []Target{{Keep: slotsOf(f.Type.Results)}}})
		f.fixups = append(f.fixups, fixup{op: idx})
		link(t.cur, f.Label)
		f.thenFell = true
	}
	t.leave()

	t.truncate(f.Height)
	f.Kind = FrameIfElse
	f.Reachable = f.ElseReachable
	f.Polymorphic = false

	if f.cond != nil {
		f.ElseLabel = t.newBlock(BlockElse, f.Type.Params)
		f.ElseLabel.Sealed = true
		link(f.cond, f.ElseLabel)
		t.fn.Ops[f.condOp].Targets[0].PC = len(t.fn.Ops)
		t.enter(f.ElseLabel)
	}
	t.pushTypes(f.Type.Params)
	return nil
}

// HandleEnd closes the innermost frame and pushes its results onto the
// enclosing one. It returns the closed frame.
func (t *Translator) HandleEnd() (*ControlFrame, error) {
	f := t.current()
	if f == nil {
		return nil, t.fail(errors.KindUnbalancedEnd, "end without open frame")
	}
	if err := t.checkFrameEnd(f); err != nil {
		return nil, err
	}
	implicitElse := f.Kind == FrameIfThen
	if implicitElse && !typesEqual(f.Type.Params, f.Type.Results) {
		return nil, t.errAt(errKindMismatch).
			Expected(typeList(f.Type.Results)).
			Got(typeList(f.Type.Params)).
			Detail("if without else must leave its params unchanged").
			Build()
	}

	fellThrough := f.Reachable && t.cur != nil
	cont := f.Reachable || f.thenFell || f.Targeted || (implicitElse && f.HeadReachable)

	var next *BasicBlock
	if cont && f.Kind != FrameFunction {
		next = f.Label
		if f.Kind == FrameLoop {
			next = t.newBlock(BlockMerge, f.Type.Results)
		}
	}
	if fellThrough {
		if f.Kind == FrameFunction {
			t.emit(Op{Code: OpReturn, Opcode: wasm.OpEnd, A: uint64(t.fn.ResultSlots)})
			link(t.cur, f.Label)
		} else if next != nil {
			link(t.cur, next)
		}
	}
	t.leave()

	pc := len(t.fn.Ops)
	if implicitElse && f.cond != nil && next != nil {
		t.fn.Ops[f.condOp].Targets[0].PC = pc
		link(f.cond, next)
	}
	for _, fx := range f.fixups {
		t.fn.Ops[fx.op].Targets[fx.target].PC = pc
	}
	if f.Label != nil {
		f.Label.Sealed = true
	}

	t.truncate(f.Height)
	t.frames = t.frames[:len(t.frames)-1]

	if parent := t.current(); parent != nil {
		parent.Reachable = cont
		if next != nil {
			next.Sealed = true
			t.enter(next)
		}
		t.pushTypes(f.Type.Results)
		return f, nil
	}

	// Function body closed.
	if exit := f.Label; exit != nil && len(exit.Preds) > 0 {
		exit.Reachable = true
		exit.Start, exit.End = pc, pc
	}
	return f, nil
}

// BranchTarget resolves a relative label depth to its frame and the types
// a branch there carries.
func (t *Translator) BranchTarget(depth uint32) (*ControlFrame, []wasm.ValType, error) {
	if int(depth) >= len(t.frames) {
		return nil, nil, t.errAt(errors.KindInvalidBranchDepth).
			Value(depth).
			Detail("label %d exceeds nesting depth %d", depth, len(t.frames)-1).
			Build()
	}
	f := t.frames[len(t.frames)-1-int(depth)]
	return f, f.LabelTypes(), nil
}
