package translate

import (
	"fmt"
	"strings"

	"github.com/wippyai/wasm-vm/wasm"
)

// OpCode identifies an IR operation.
type OpCode uint8

const (
	OpCheckpoint   OpCode = iota // fuel and epoch check; function entry and loop headers
	OpUnreachable                // trap
	OpBr                         // jump to Targets[0]
	OpBrIf                       // pop i32, jump to Targets[0] if non-zero
	OpBrUnless                   // pop i32, jump to Targets[0] if zero; no stack adjustment
	OpBrTable                    // pop i32 index, jump to Targets[min(index, len-1)]
	OpReturn                     // return the top A slots
	OpCall                       // call function A
	OpCallIndirect               // call through table B with type A
	OpDrop                       // drop Width slots
	OpSelect                     // pop i32, keep one of two Width-slot operands
	OpLocalGet                   // push local at slot A
	OpLocalSet                   // pop into local at slot A
	OpLocalTee                   // copy top into local at slot A
	OpGlobalGet                  // push global A
	OpGlobalSet                  // pop into global A
	OpTableGet                   // table A
	OpTableSet                   // table A
	OpLoad                       // Opcode selects the access, A is the static offset
	OpStore                      // Opcode selects the access, A is the static offset
	OpMemorySize                 //
	OpMemoryGrow                 //
	OpConst                      // push A (and B for v128)
	OpNumeric                    // Opcode selects the operation
	OpRefNull                    // push null reference
	OpRefIsNull                  //
	OpRefFunc                    // push reference to function A
	OpMisc                       // 0xFC sub-opcode A with operands B and C
)

var opCodeNames = [...]string{
	"checkpoint", "unreachable", "br", "br_if", "br_unless", "br_table", "return",
	"call", "call_indirect", "drop", "select", "local.get", "local.set", "local.tee",
	"global.get", "global.set", "table.get", "table.set", "load", "store",
	"memory.size", "memory.grow", "const", "numeric", "ref.null", "ref.is_null",
	"ref.func", "misc",
}

func (c OpCode) String() string {
	if int(c) < len(opCodeNames) {
		return opCodeNames[c]
	}
	return fmt.Sprintf("opcode(%d)", c)
}

// Target is a resolved branch destination. On a taken branch the top Keep
// slots are preserved and the Drop slots beneath them are discarded.
type Target struct {
	PC     int
	Keep   int
	Drop   int
	Return bool // branch to the function body label
}

// Op is one lowered instruction.
type Op struct {
	Targets []Target
	A, B, C uint64
	Offset  int // byte offset of the source instruction in the body
	Code    OpCode
	Opcode  byte // source opcode
	Width   uint8
}

func (op *Op) String() string {
	var b strings.Builder
	switch op.Code {
	case OpNumeric, OpLoad, OpStore:
		b.WriteString(wasm.OpcodeName(op.Opcode))
	case OpMisc:
		b.WriteString(wasm.MiscName(uint32(op.A)))
	default:
		b.WriteString(op.Code.String())
	}
	switch op.Code {
	case OpLocalGet, OpLocalSet, OpLocalTee, OpGlobalGet, OpGlobalSet, OpCall, OpRefFunc, OpTableGet, OpTableSet:
		fmt.Fprintf(&b, " %d", op.A)
	case OpCallIndirect:
		fmt.Fprintf(&b, " type=%d table=%d", op.A, op.B)
	case OpLoad, OpStore:
		fmt.Fprintf(&b, " offset=%d", op.A)
	case OpConst:
		fmt.Fprintf(&b, " %#x", op.A)
	case OpReturn:
		fmt.Fprintf(&b, " keep=%d", op.A)
	}
	for _, t := range op.Targets {
		if t.Return {
			fmt.Fprintf(&b, " ->ret(keep=%d)", t.Keep)
			continue
		}
		fmt.Fprintf(&b, " ->%d(keep=%d drop=%d)", t.PC, t.Keep, t.Drop)
	}
	return b.String()
}

// BlockKind classifies a basic block by the construct that created it.
type BlockKind uint8

const (
	BlockEntry BlockKind = iota
	BlockLoopHeader
	BlockThen
	BlockElse
	BlockMerge       // continuation after block, if or loop
	BlockFallthrough // continuation after a conditional branch
	BlockExit        // function return point
)

var blockKindNames = [...]string{"entry", "loop", "then", "else", "merge", "fallthrough", "exit"}

func (k BlockKind) String() string {
	if int(k) < len(blockKindNames) {
		return blockKindNames[k]
	}
	return fmt.Sprintf("block(%d)", k)
}

// BasicBlock is a maximal straight-line range of ops. A block is sealed
// once its predecessor set is final.
type BasicBlock struct {
	Params    []wasm.ValType // values live on entry
	Preds     []int
	Succs     []int
	ID        int
	Start     int // first op, -1 if the block was never entered
	End       int // one past the last op
	Kind      BlockKind
	Reachable bool
	Sealed    bool
}

func (bb *BasicBlock) String() string {
	state := "sealed"
	if !bb.Sealed {
		state = "open"
	}
	reach := ""
	if !bb.Reachable {
		reach = " unreachable"
	}
	return fmt.Sprintf("b%d %s [%d,%d) %s%s preds=%v succs=%v", bb.ID, bb.Kind, bb.Start, bb.End, state, reach, bb.Preds, bb.Succs)
}

// Function is the translated form of one function body.
type Function struct {
	Type          *wasm.FuncType
	Name          string
	Locals        []wasm.ValType // params followed by declared locals
	LocalSlots    []int          // slot offset of each local
	Ops           []Op
	Blocks        []*BasicBlock
	Index         uint32
	NumLocalSlots int
	ParamSlots    int
	ResultSlots   int
	MaxStackSlots int // operand stack high-water mark, in slots
}

// ReachableBlocks counts blocks control can enter.
func (f *Function) ReachableBlocks() int {
	n := 0
	for _, bb := range f.Blocks {
		if bb.Reachable {
			n++
		}
	}
	return n
}

// Disassemble renders blocks and ops for diagnostics.
func (f *Function) Disassemble() string {
	var b strings.Builder
	fmt.Fprintf(&b, "func[%d]", f.Index)
	if f.Name != "" {
		fmt.Fprintf(&b, " %q", f.Name)
	}
	fmt.Fprintf(&b, " %s locals=%d slots=%d max_stack=%d\n", f.Type, len(f.Locals), f.NumLocalSlots, f.MaxStackSlots)
	starts := make(map[int][]*BasicBlock)
	for _, bb := range f.Blocks {
		starts[bb.Start] = append(starts[bb.Start], bb)
	}
	for pc := range f.Ops {
		for _, bb := range starts[pc] {
			fmt.Fprintf(&b, "  %s\n", bb)
		}
		fmt.Fprintf(&b, "    %04d  %s\n", pc, &f.Ops[pc])
	}
	for _, bb := range f.Blocks {
		if bb.Start < 0 || bb.Start >= len(f.Ops) {
			fmt.Fprintf(&b, "  %s\n", bb)
		}
	}
	return b.String()
}
