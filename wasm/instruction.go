package wasm

import (
	"fmt"
	"math"

	"github.com/wippyai/wasm-vm/wasm/internal/binary"
)

// Instruction represents a decoded WebAssembly instruction
type Instruction struct {
	Imm    any
	Offset int // byte offset of the opcode within the decoded code
	Opcode byte
}

// BlockImm holds the block type for block, loop and if.
type BlockImm struct {
	Type int64 // -64=void, -1=i32, -2=i64, -3=f32, -4=f64, -5=v128, -16=funcref, -17=externref, >=0=type index
}

// BranchImm holds the label index for br and br_if instructions.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table instruction.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call instruction.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect instruction.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// TableImm holds the table index for table.get and table.set.
type TableImm struct {
	TableIdx uint32
}

// MemoryImm holds memory access parameters for load and store instructions.
type MemoryImm struct {
	Offset uint32
	Align  uint32
}

// MemoryIdxImm holds the memory index for memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant value for i32.const instruction.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant value for i64.const instruction.
type I64Imm struct {
	Value int64
}

// F32Imm holds the bit pattern of an f32.const, preserving NaN payloads.
type F32Imm struct {
	Bits uint32
}

// Value returns the constant as a float.
func (i F32Imm) Value() float32 { return math.Float32frombits(i.Bits) }

// F64Imm holds the bit pattern of an f64.const.
type F64Imm struct {
	Bits uint64
}

// Value returns the constant as a float.
func (i F64Imm) Value() float64 { return math.Float64frombits(i.Bits) }

// V128Imm holds the 16 immediate bytes of v128.const.
type V128Imm struct {
	Lo, Hi uint64
}

// MiscImm holds the sub-opcode and immediates for 0xFC prefix instructions
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// RefNullImm holds the reference type for ref.null
type RefNullImm struct {
	Type ValType
}

// RefFuncImm holds the function index for ref.func
type RefFuncImm struct {
	FuncIdx uint32
}

// SelectTypeImm holds value types for typed select
type SelectTypeImm struct {
	Types []ValType
}

// DecodeInstructions decodes a sequence of instructions from raw bytes.
// Every instruction records its byte offset within code.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code)
	instrs := make([]Instruction, 0, len(code)/2)
	for r.Len() > 0 {
		offset := r.Position()
		in, err := decodeInstruction(r, offset)
		if err != nil {
			return nil, fmt.Errorf("offset %#x: %w", offset, err)
		}
		instrs = append(instrs, in)
	}
	return instrs, nil
}

func decodeInstruction(r *binary.Reader, offset int) (Instruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}
	in := Instruction{Opcode: op, Offset: offset}

	switch op {
	case OpBlock, OpLoop, OpIf:
		bt, err := r.ReadS33()
		if err != nil {
			return in, err
		}
		in.Imm = BlockImm{Type: bt}

	case OpBr, OpBrIf:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = BranchImm{LabelIdx: idx}

	case OpBrTable:
		count, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		if int(count) > r.Len() {
			return in, fmt.Errorf("br_table: %d labels exceed remaining input", count)
		}
		labels := make([]uint32, count)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return in, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = BrTableImm{Labels: labels, Default: def}

	case OpCall:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = CallImm{FuncIdx: idx}

	case OpCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		tableIdx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

	case OpLocalGet, OpLocalSet, OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = LocalImm{LocalIdx: idx}

	case OpGlobalGet, OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = GlobalImm{GlobalIdx: idx}

	case OpTableGet, OpTableSet:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = TableImm{TableIdx: idx}

	case OpMemorySize, OpMemoryGrow:
		idx, err := r.ReadByte()
		if err != nil {
			return in, err
		}
		in.Imm = MemoryIdxImm{MemIdx: uint32(idx)}

	case OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return in, err
		}
		in.Imm = I32Imm{Value: v}

	case OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return in, err
		}
		in.Imm = I64Imm{Value: v}

	case OpF32Const:
		v, err := r.ReadU32LE()
		if err != nil {
			return in, err
		}
		in.Imm = F32Imm{Bits: v}

	case OpF64Const:
		v, err := r.ReadU64LE()
		if err != nil {
			return in, err
		}
		in.Imm = F64Imm{Bits: v}

	case OpRefNull:
		t, err := readRefType(r)
		if err != nil {
			return in, err
		}
		in.Imm = RefNullImm{Type: t}

	case OpRefFunc:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = RefFuncImm{FuncIdx: idx}

	case OpSelectType:
		types, err := readValTypes(r)
		if err != nil {
			return in, err
		}
		in.Imm = SelectTypeImm{Types: types}

	case OpPrefixMisc:
		imm, err := decodeMiscImmediate(r)
		if err != nil {
			return in, err
		}
		in.Imm = imm

	case OpPrefixSIMD:
		sub, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		if sub != SIMDV128Const {
			return in, fmt.Errorf("%w: SIMD sub-opcode 0x%02x", ErrUnsupportedOpcode, sub)
		}
		lo, err := r.ReadU64LE()
		if err != nil {
			return in, err
		}
		hi, err := r.ReadU64LE()
		if err != nil {
			return in, err
		}
		in.Imm = V128Imm{Lo: lo, Hi: hi}

	default:
		if isMemoryAccess(op) {
			imm, err := readMemArg(r)
			if err != nil {
				return in, err
			}
			in.Imm = imm
			break
		}
		if _, ok := opcodeNames[op]; !ok {
			return in, fmt.Errorf("unknown opcode: 0x%02x", op)
		}
		// No immediate
	}

	return in, nil
}

func decodeMiscImmediate(r *binary.Reader) (MiscImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return MiscImm{}, err
	}
	imm := MiscImm{SubOpcode: sub}
	var n int
	switch sub {
	case MiscI32TruncSatF32S, MiscI32TruncSatF32U, MiscI32TruncSatF64S, MiscI32TruncSatF64U,
		MiscI64TruncSatF32S, MiscI64TruncSatF32U, MiscI64TruncSatF64S, MiscI64TruncSatF64U:
		n = 0
	case MiscDataDrop, MiscMemoryFill, MiscElemDrop, MiscTableGrow, MiscTableSize, MiscTableFill:
		n = 1
	case MiscMemoryInit, MiscMemoryCopy, MiscTableInit, MiscTableCopy:
		n = 2
	default:
		return imm, fmt.Errorf("unknown 0xFC sub-opcode: 0x%02x", sub)
	}
	if n > 0 {
		imm.Operands = make([]uint32, n)
		for i := range imm.Operands {
			if imm.Operands[i], err = r.ReadU32(); err != nil {
				return imm, err
			}
		}
	}
	return imm, nil
}

func isMemoryAccess(op byte) bool {
	return op >= OpI32Load && op <= OpI64Store32
}

func readMemArg(r *binary.Reader) (MemoryImm, error) {
	align, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	offset, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	return MemoryImm{Align: align, Offset: offset}, nil
}

// EncodeInstructions encodes instructions to bytes
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for i := range instrs {
		encodeInstruction(w, &instrs[i])
	}
	return w.Bytes()
}

func encodeInstruction(w *binary.Writer, in *Instruction) {
	w.Byte(in.Opcode)
	switch imm := in.Imm.(type) {
	case BlockImm:
		w.WriteS64(imm.Type)
	case BranchImm:
		w.WriteU32(imm.LabelIdx)
	case BrTableImm:
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case CallImm:
		w.WriteU32(imm.FuncIdx)
	case CallIndirectImm:
		w.WriteU32(imm.TypeIdx)
		w.WriteU32(imm.TableIdx)
	case LocalImm:
		w.WriteU32(imm.LocalIdx)
	case GlobalImm:
		w.WriteU32(imm.GlobalIdx)
	case TableImm:
		w.WriteU32(imm.TableIdx)
	case MemoryIdxImm:
		w.Byte(byte(imm.MemIdx))
	case MemoryImm:
		w.WriteU32(imm.Align)
		w.WriteU32(imm.Offset)
	case I32Imm:
		w.WriteS64(int64(imm.Value))
	case I64Imm:
		w.WriteS64(imm.Value)
	case F32Imm:
		w.WriteU32LE(imm.Bits)
	case F64Imm:
		w.WriteU64LE(imm.Bits)
	case V128Imm:
		w.WriteU32(SIMDV128Const)
		w.WriteU64LE(imm.Lo)
		w.WriteU64LE(imm.Hi)
	case RefNullImm:
		w.Byte(byte(imm.Type))
	case RefFuncImm:
		w.WriteU32(imm.FuncIdx)
	case SelectTypeImm:
		w.WriteU32(uint32(len(imm.Types)))
		for _, t := range imm.Types {
			w.Byte(byte(t))
		}
	case MiscImm:
		w.WriteU32(imm.SubOpcode)
		for _, o := range imm.Operands {
			w.WriteU32(o)
		}
	}
}
