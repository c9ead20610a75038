package engine

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/translate"
	"github.com/wippyai/wasm-vm/wasm"
)

func (m *machine) popF32() float32 { return math.Float32frombits(m.pop32()) }
func (m *machine) popF64() float64 { return math.Float64frombits(m.pop()) }
func (m *machine) pushF32(v float32) { m.push32(math.Float32bits(v)) }
func (m *machine) pushF64(v float64) { m.push(math.Float64bits(v)) }

// numeric executes a stack-only instruction. A non-empty code is a trap.
func (m *machine) numeric(op byte) (errors.TrapCode, string) {
	switch op {
	// i32 comparisons
	case wasm.OpI32Eqz:
		m.push32(boolBits(m.pop32() == 0))
	case wasm.OpI32Eq, wasm.OpI32Ne, wasm.OpI32LtS, wasm.OpI32LtU, wasm.OpI32GtS, wasm.OpI32GtU,
		wasm.OpI32LeS, wasm.OpI32LeU, wasm.OpI32GeS, wasm.OpI32GeU:
		b, a := m.pop32(), m.pop32()
		m.push32(boolBits(compareI32(op, a, b)))

	// i64 comparisons
	case wasm.OpI64Eqz:
		m.push32(boolBits(m.pop() == 0))
	case wasm.OpI64Eq, wasm.OpI64Ne, wasm.OpI64LtS, wasm.OpI64LtU, wasm.OpI64GtS, wasm.OpI64GtU,
		wasm.OpI64LeS, wasm.OpI64LeU, wasm.OpI64GeS, wasm.OpI64GeU:
		b, a := m.pop(), m.pop()
		m.push32(boolBits(compareI64(op, a, b)))

	case wasm.OpF32Eq, wasm.OpF32Ne, wasm.OpF32Lt, wasm.OpF32Gt, wasm.OpF32Le, wasm.OpF32Ge:
		b, a := m.popF32(), m.popF32()
		m.push32(boolBits(compareFloat(op-wasm.OpF32Eq, float64(a), float64(b))))
	case wasm.OpF64Eq, wasm.OpF64Ne, wasm.OpF64Lt, wasm.OpF64Gt, wasm.OpF64Le, wasm.OpF64Ge:
		b, a := m.popF64(), m.popF64()
		m.push32(boolBits(compareFloat(op-wasm.OpF64Eq, a, b)))

	// i32 arithmetic
	case wasm.OpI32Clz:
		m.push32(uint32(bits.LeadingZeros32(m.pop32())))
	case wasm.OpI32Ctz:
		m.push32(uint32(bits.TrailingZeros32(m.pop32())))
	case wasm.OpI32Popcnt:
		m.push32(uint32(bits.OnesCount32(m.pop32())))
	case wasm.OpI32DivS, wasm.OpI32DivU, wasm.OpI32RemS, wasm.OpI32RemU:
		b, a := m.pop32(), m.pop32()
		if b == 0 {
			return errors.TrapIntegerDivideByZero, wasm.OpcodeName(op)
		}
		switch op {
		case wasm.OpI32DivS:
			if int32(a) == math.MinInt32 && int32(b) == -1 {
				return errors.TrapIntegerOverflow, wasm.OpcodeName(op)
			}
			m.push32(uint32(int32(a) / int32(b)))
		case wasm.OpI32DivU:
			m.push32(a / b)
		case wasm.OpI32RemS:
			if int32(b) == -1 {
				m.push32(0)
			} else {
				m.push32(uint32(int32(a) % int32(b)))
			}
		default:
			m.push32(a % b)
		}
	case wasm.OpI32Add, wasm.OpI32Sub, wasm.OpI32Mul, wasm.OpI32And, wasm.OpI32Or, wasm.OpI32Xor,
		wasm.OpI32Shl, wasm.OpI32ShrS, wasm.OpI32ShrU, wasm.OpI32Rotl, wasm.OpI32Rotr:
		b, a := m.pop32(), m.pop32()
		m.push32(binaryI32(op, a, b))

	// i64 arithmetic
	case wasm.OpI64Clz:
		m.push(uint64(bits.LeadingZeros64(m.pop())))
	case wasm.OpI64Ctz:
		m.push(uint64(bits.TrailingZeros64(m.pop())))
	case wasm.OpI64Popcnt:
		m.push(uint64(bits.OnesCount64(m.pop())))
	case wasm.OpI64DivS, wasm.OpI64DivU, wasm.OpI64RemS, wasm.OpI64RemU:
		b, a := m.pop(), m.pop()
		if b == 0 {
			return errors.TrapIntegerDivideByZero, wasm.OpcodeName(op)
		}
		switch op {
		case wasm.OpI64DivS:
			if int64(a) == math.MinInt64 && int64(b) == -1 {
				return errors.TrapIntegerOverflow, wasm.OpcodeName(op)
			}
			m.push(uint64(int64(a) / int64(b)))
		case wasm.OpI64DivU:
			m.push(a / b)
		case wasm.OpI64RemS:
			if int64(b) == -1 {
				m.push(0)
			} else {
				m.push(uint64(int64(a) % int64(b)))
			}
		default:
			m.push(a % b)
		}
	case wasm.OpI64Add, wasm.OpI64Sub, wasm.OpI64Mul, wasm.OpI64And, wasm.OpI64Or, wasm.OpI64Xor,
		wasm.OpI64Shl, wasm.OpI64ShrS, wasm.OpI64ShrU, wasm.OpI64Rotl, wasm.OpI64Rotr:
		b, a := m.pop(), m.pop()
		m.push(binaryI64(op, a, b))

	// f32
	case wasm.OpF32Abs:
		m.push32(m.pop32() &^ (1 << 31))
	case wasm.OpF32Neg:
		m.push32(m.pop32() ^ (1 << 31))
	case wasm.OpF32Ceil, wasm.OpF32Floor, wasm.OpF32Trunc, wasm.OpF32Nearest, wasm.OpF32Sqrt:
		m.pushF32(float32(unaryFloat(op-wasm.OpF32Ceil, float64(m.popF32()))))
	case wasm.OpF32Add, wasm.OpF32Sub, wasm.OpF32Mul, wasm.OpF32Div, wasm.OpF32Min, wasm.OpF32Max:
		b, a := m.popF32(), m.popF32()
		m.pushF32(binaryF32(op, a, b))
	case wasm.OpF32Copysign:
		b, a := m.pop32(), m.pop32()
		m.push32(a&^(1<<31) | b&(1<<31))

	// f64
	case wasm.OpF64Abs:
		m.push(m.pop() &^ (1 << 63))
	case wasm.OpF64Neg:
		m.push(m.pop() ^ (1 << 63))
	case wasm.OpF64Ceil, wasm.OpF64Floor, wasm.OpF64Trunc, wasm.OpF64Nearest, wasm.OpF64Sqrt:
		m.pushF64(unaryFloat(op-wasm.OpF64Ceil, m.popF64()))
	case wasm.OpF64Add, wasm.OpF64Sub, wasm.OpF64Mul, wasm.OpF64Div, wasm.OpF64Min, wasm.OpF64Max:
		b, a := m.popF64(), m.popF64()
		m.pushF64(binaryF64(op, a, b))
	case wasm.OpF64Copysign:
		b, a := m.pop(), m.pop()
		m.push(a&^(1<<63) | b&(1<<63))

	// conversions
	case wasm.OpI32WrapI64:
		m.push32(uint32(m.pop()))
	case wasm.OpI32TruncF32S, wasm.OpI32TruncF32U, wasm.OpI64TruncF32S, wasm.OpI64TruncF32U:
		return m.trunc(op, float64(m.popF32()))
	case wasm.OpI32TruncF64S, wasm.OpI32TruncF64U, wasm.OpI64TruncF64S, wasm.OpI64TruncF64U:
		return m.trunc(op, m.popF64())
	case wasm.OpI64ExtendI32S:
		m.push(uint64(int64(int32(m.pop32()))))
	case wasm.OpI64ExtendI32U:
		m.push(uint64(m.pop32()))
	case wasm.OpF32ConvertI32S:
		m.pushF32(float32(int32(m.pop32())))
	case wasm.OpF32ConvertI32U:
		m.pushF32(float32(m.pop32()))
	case wasm.OpF32ConvertI64S:
		m.pushF32(float32(int64(m.pop())))
	case wasm.OpF32ConvertI64U:
		m.pushF32(float32(m.pop()))
	case wasm.OpF32DemoteF64:
		m.pushF32(float32(m.popF64()))
	case wasm.OpF64ConvertI32S:
		m.pushF64(float64(int32(m.pop32())))
	case wasm.OpF64ConvertI32U:
		m.pushF64(float64(m.pop32()))
	case wasm.OpF64ConvertI64S:
		m.pushF64(float64(int64(m.pop())))
	case wasm.OpF64ConvertI64U:
		m.pushF64(float64(m.pop()))
	case wasm.OpF64PromoteF32:
		m.pushF64(float64(m.popF32()))
	case wasm.OpI32ReinterpretF32, wasm.OpI64ReinterpretF64, wasm.OpF32ReinterpretI32, wasm.OpF64ReinterpretI64:
		// same bits on the stack
	case wasm.OpI32Extend8S:
		m.push32(uint32(int32(int8(m.pop32()))))
	case wasm.OpI32Extend16S:
		m.push32(uint32(int32(int16(m.pop32()))))
	case wasm.OpI64Extend8S:
		m.push(uint64(int64(int8(m.pop()))))
	case wasm.OpI64Extend16S:
		m.push(uint64(int64(int16(m.pop()))))
	case wasm.OpI64Extend32S:
		m.push(uint64(int64(int32(m.pop()))))

	default:
		return errors.TrapUnreachable, "unhandled " + wasm.OpcodeName(op)
	}
	return "", ""
}

func compareI32(op byte, a, b uint32) bool {
	switch op {
	case wasm.OpI32Eq:
		return a == b
	case wasm.OpI32Ne:
		return a != b
	case wasm.OpI32LtS:
		return int32(a) < int32(b)
	case wasm.OpI32LtU:
		return a < b
	case wasm.OpI32GtS:
		return int32(a) > int32(b)
	case wasm.OpI32GtU:
		return a > b
	case wasm.OpI32LeS:
		return int32(a) <= int32(b)
	case wasm.OpI32LeU:
		return a <= b
	case wasm.OpI32GeS:
		return int32(a) >= int32(b)
	default:
		return a >= b
	}
}

func compareI64(op byte, a, b uint64) bool {
	switch op {
	case wasm.OpI64Eq:
		return a == b
	case wasm.OpI64Ne:
		return a != b
	case wasm.OpI64LtS:
		return int64(a) < int64(b)
	case wasm.OpI64LtU:
		return a < b
	case wasm.OpI64GtS:
		return int64(a) > int64(b)
	case wasm.OpI64GtU:
		return a > b
	case wasm.OpI64LeS:
		return int64(a) <= int64(b)
	case wasm.OpI64LeU:
		return a <= b
	case wasm.OpI64GeS:
		return int64(a) >= int64(b)
	default:
		return a >= b
	}
}

// compareFloat takes the comparison relative to eq: eq, ne, lt, gt, le, ge.
func compareFloat(rel byte, a, b float64) bool {
	switch rel {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a > b
	case 4:
		return a <= b
	default:
		return a >= b
	}
}

func binaryI32(op byte, a, b uint32) uint32 {
	switch op {
	case wasm.OpI32Add:
		return a + b
	case wasm.OpI32Sub:
		return a - b
	case wasm.OpI32Mul:
		return a * b
	case wasm.OpI32And:
		return a & b
	case wasm.OpI32Or:
		return a | b
	case wasm.OpI32Xor:
		return a ^ b
	case wasm.OpI32Shl:
		return a << (b & 31)
	case wasm.OpI32ShrS:
		return uint32(int32(a) >> (b & 31))
	case wasm.OpI32ShrU:
		return a >> (b & 31)
	case wasm.OpI32Rotl:
		return bits.RotateLeft32(a, int(b&31))
	default:
		return bits.RotateLeft32(a, -int(b&31))
	}
}

func binaryI64(op byte, a, b uint64) uint64 {
	switch op {
	case wasm.OpI64Add:
		return a + b
	case wasm.OpI64Sub:
		return a - b
	case wasm.OpI64Mul:
		return a * b
	case wasm.OpI64And:
		return a & b
	case wasm.OpI64Or:
		return a | b
	case wasm.OpI64Xor:
		return a ^ b
	case wasm.OpI64Shl:
		return a << (b & 63)
	case wasm.OpI64ShrS:
		return uint64(int64(a) >> (b & 63))
	case wasm.OpI64ShrU:
		return a >> (b & 63)
	case wasm.OpI64Rotl:
		return bits.RotateLeft64(a, int(b&63))
	default:
		return bits.RotateLeft64(a, -int(b&63))
	}
}

// unaryFloat takes the operation relative to ceil: ceil, floor, trunc,
// nearest, sqrt. Rounding f32 through f64 is exact for these.
func unaryFloat(rel byte, x float64) float64 {
	switch rel {
	case 0:
		return math.Ceil(x)
	case 1:
		return math.Floor(x)
	case 2:
		return math.Trunc(x)
	case 3:
		return math.Copysign(math.RoundToEven(x), x)
	default:
		return math.Sqrt(x)
	}
}

func binaryF32(op byte, a, b float32) float32 {
	switch op {
	case wasm.OpF32Add:
		return a + b
	case wasm.OpF32Sub:
		return a - b
	case wasm.OpF32Mul:
		return a * b
	case wasm.OpF32Div:
		return a / b
	case wasm.OpF32Min:
		return min(a, b)
	default:
		return max(a, b)
	}
}

func binaryF64(op byte, a, b float64) float64 {
	switch op {
	case wasm.OpF64Add:
		return a + b
	case wasm.OpF64Sub:
		return a - b
	case wasm.OpF64Mul:
		return a * b
	case wasm.OpF64Div:
		return a / b
	case wasm.OpF64Min:
		return min(a, b)
	default:
		return max(a, b)
	}
}

// trunc converts x toward zero, trapping on NaN and out-of-range values.
func (m *machine) trunc(op byte, x float64) (errors.TrapCode, string) {
	name := wasm.OpcodeName(op)
	if math.IsNaN(x) {
		return errors.TrapInvalidConversion, name
	}
	t := math.Trunc(x)
	switch op {
	case wasm.OpI32TruncF32S, wasm.OpI32TruncF64S:
		if t < math.MinInt32 || t > math.MaxInt32 {
			return errors.TrapIntegerOverflow, name
		}
		m.push32(uint32(int32(t)))
	case wasm.OpI32TruncF32U, wasm.OpI32TruncF64U:
		if t <= -1 || t > math.MaxUint32 {
			return errors.TrapIntegerOverflow, name
		}
		m.push32(uint32(t))
	case wasm.OpI64TruncF32S, wasm.OpI64TruncF64S:
		if t < math.MinInt64 || t >= math.MaxInt64 {
			return errors.TrapIntegerOverflow, name
		}
		m.push(uint64(int64(t)))
	default:
		if t <= -1 || t >= math.MaxUint64 {
			return errors.TrapIntegerOverflow, name
		}
		m.push(uint64(t))
	}
	return "", ""
}

// truncSat converts x toward zero, saturating at the target range.
func truncSat(sub uint32, x float64) uint64 {
	if math.IsNaN(x) {
		return 0
	}
	t := math.Trunc(x)
	switch sub {
	case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF64S:
		return uint64(uint32(int32(max(min(t, math.MaxInt32), math.MinInt32))))
	case wasm.MiscI32TruncSatF32U, wasm.MiscI32TruncSatF64U:
		return uint64(uint32(max(min(t, math.MaxUint32), 0)))
	case wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF64S:
		switch {
		case t < math.MinInt64:
			return 1 << 63
		case t >= math.MaxInt64:
			return math.MaxInt64
		}
		return uint64(int64(t))
	default:
		switch {
		case t <= 0:
			return 0
		case t >= math.MaxUint64:
			return math.MaxUint64
		}
		return uint64(t)
	}
}

// access returns the bytes an access of size n touches, or nil when the
// effective address is out of bounds.
func access(mem *Memory, addr uint32, offset uint64, n uint64) []byte {
	ea := uint64(addr) + offset
	if ea+n > uint64(len(mem.data)) {
		return nil
	}
	return mem.data[ea : ea+n]
}

func (m *machine) loadMem(mem *Memory, op *translate.Op) bool {
	var n uint64
	switch op.Opcode {
	case wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI64Load8S, wasm.OpI64Load8U:
		n = 1
	case wasm.OpI32Load16S, wasm.OpI32Load16U, wasm.OpI64Load16S, wasm.OpI64Load16U:
		n = 2
	case wasm.OpI32Load, wasm.OpF32Load, wasm.OpI64Load32S, wasm.OpI64Load32U:
		n = 4
	default:
		n = 8
	}
	b := access(mem, m.pop32(), op.A, n)
	if b == nil {
		return false
	}
	var v uint64
	switch op.Opcode {
	case wasm.OpI32Load, wasm.OpF32Load, wasm.OpI64Load32U:
		v = uint64(binary.LittleEndian.Uint32(b))
	case wasm.OpI64Load, wasm.OpF64Load:
		v = binary.LittleEndian.Uint64(b)
	case wasm.OpI32Load8S:
		v = uint64(uint32(int32(int8(b[0]))))
	case wasm.OpI32Load8U, wasm.OpI64Load8U:
		v = uint64(b[0])
	case wasm.OpI32Load16S:
		v = uint64(uint32(int32(int16(binary.LittleEndian.Uint16(b)))))
	case wasm.OpI32Load16U, wasm.OpI64Load16U:
		v = uint64(binary.LittleEndian.Uint16(b))
	case wasm.OpI64Load8S:
		v = uint64(int64(int8(b[0])))
	case wasm.OpI64Load16S:
		v = uint64(int64(int16(binary.LittleEndian.Uint16(b))))
	case wasm.OpI64Load32S:
		v = uint64(int64(int32(binary.LittleEndian.Uint32(b))))
	}
	m.push(v)
	return true
}

func (m *machine) storeMem(mem *Memory, op *translate.Op) bool {
	v := m.pop()
	addr := m.pop32()
	switch op.Opcode {
	case wasm.OpI32Store8, wasm.OpI64Store8:
		b := access(mem, addr, op.A, 1)
		if b == nil {
			return false
		}
		b[0] = byte(v)
	case wasm.OpI32Store16, wasm.OpI64Store16:
		b := access(mem, addr, op.A, 2)
		if b == nil {
			return false
		}
		binary.LittleEndian.PutUint16(b, uint16(v))
	case wasm.OpI32Store, wasm.OpF32Store, wasm.OpI64Store32:
		b := access(mem, addr, op.A, 4)
		if b == nil {
			return false
		}
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		b := access(mem, addr, op.A, 8)
		if b == nil {
			return false
		}
		binary.LittleEndian.PutUint64(b, v)
	}
	return true
}

// misc executes a 0xFC instruction. A non-empty code is a trap.
func (m *machine) misc(inst *Instance, op *translate.Op) (errors.TrapCode, string) {
	sub := uint32(op.A)
	name := wasm.MiscName(sub)
	switch sub {
	case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF32U, wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF32U:
		m.push(truncSat(sub, float64(m.popF32())))
	case wasm.MiscI32TruncSatF64S, wasm.MiscI32TruncSatF64U, wasm.MiscI64TruncSatF64S, wasm.MiscI64TruncSatF64U:
		m.push(truncSat(sub, m.popF64()))

	case wasm.MiscMemoryInit:
		n, src, dst := m.pop32(), m.pop32(), m.pop32()
		seg := inst.data[op.B]
		if uint64(src)+uint64(n) > uint64(len(seg)) {
			return errors.TrapOutOfBoundsMemory, name
		}
		b := access(inst.memory, dst, 0, uint64(n))
		if b == nil {
			return errors.TrapOutOfBoundsMemory, name
		}
		copy(b, seg[src:])
	case wasm.MiscDataDrop:
		inst.data[op.B] = nil
	case wasm.MiscMemoryCopy:
		n, src, dst := m.pop32(), m.pop32(), m.pop32()
		from := access(inst.memory, src, 0, uint64(n))
		to := access(inst.memory, dst, 0, uint64(n))
		if from == nil || to == nil {
			return errors.TrapOutOfBoundsMemory, name
		}
		copy(to, from)
	case wasm.MiscMemoryFill:
		n, val, dst := m.pop32(), m.pop32(), m.pop32()
		b := access(inst.memory, dst, 0, uint64(n))
		if b == nil {
			return errors.TrapOutOfBoundsMemory, name
		}
		for i := range b {
			b[i] = byte(val)
		}

	case wasm.MiscTableInit:
		n, src, dst := m.pop32(), m.pop32(), m.pop32()
		seg := inst.elems[op.B]
		t := inst.tables[op.C]
		if uint64(src)+uint64(n) > uint64(len(seg)) || !t.inBounds(dst, n) {
			return errors.TrapOutOfBoundsTable, name
		}
		copy(t.elems[dst:dst+n], seg[src:])
	case wasm.MiscElemDrop:
		inst.elems[op.B] = nil
	case wasm.MiscTableCopy:
		n, src, dst := m.pop32(), m.pop32(), m.pop32()
		to, from := inst.tables[op.B], inst.tables[op.C]
		if !from.inBounds(src, n) || !to.inBounds(dst, n) {
			return errors.TrapOutOfBoundsTable, name
		}
		copy(to.elems[dst:dst+n], from.elems[src:src+n])
	case wasm.MiscTableGrow:
		n, init := m.pop32(), m.pop()
		old, ok := inst.tables[op.B].Grow(n, init)
		if !ok {
			old = 0xffffffff
		}
		m.push32(old)
	case wasm.MiscTableSize:
		m.push32(inst.tables[op.B].Size())
	case wasm.MiscTableFill:
		n, val, dst := m.pop32(), m.pop(), m.pop32()
		t := inst.tables[op.B]
		if !t.inBounds(dst, n) {
			return errors.TrapOutOfBoundsTable, name
		}
		for i := dst; i < dst+n; i++ {
			t.elems[i] = val
		}
	default:
		return errors.TrapUnreachable, "unhandled " + name
	}
	return "", ""
}
