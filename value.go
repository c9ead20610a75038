package wasmvm

import (
	"fmt"
	"math"
)

// ValueKind is the active variant of a Value.
type ValueKind byte

const (
	KindI32 ValueKind = iota + 1
	KindI64
	KindF32
	KindF64
	KindV128
	KindFuncRef
	KindExternRef
)

func (k ValueKind) String() string {
	switch k {
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindV128:
		return "v128"
	case KindFuncRef:
		return "funcref"
	case KindExternRef:
		return "externref"
	default:
		return "invalid"
	}
}

// IsRef reports whether k is a reference kind.
func (k ValueKind) IsRef() bool {
	return k == KindFuncRef || k == KindExternRef
}

// Value is a WebAssembly value. Exactly one kind is active. Reference values
// carry the identity of the store that rooted them and a slot in that
// store's root table; slot 0 is the null reference.
//
// The zero Value is invalid.
type Value struct {
	lo    uint64
	hi    uint64
	owner uint64
	kind  ValueKind
}

// I32 creates an i32 value.
func I32(v int32) Value { return Value{kind: KindI32, lo: uint64(uint32(v))} }

// I64 creates an i64 value.
func I64(v int64) Value { return Value{kind: KindI64, lo: uint64(v)} }

// F32 creates an f32 value.
func F32(v float32) Value { return Value{kind: KindF32, lo: uint64(math.Float32bits(v))} }

// F64 creates an f64 value.
func F64(v float64) Value { return Value{kind: KindF64, lo: math.Float64bits(v)} }

// V128 creates a v128 value from its two little-endian halves.
func V128(lo, hi uint64) Value { return Value{kind: KindV128, lo: lo, hi: hi} }

// NullRef creates a null reference of the given kind.
func NullRef(kind ValueKind) Value {
	if !kind.IsRef() {
		panic(fmt.Sprintf("wasmvm: NullRef of non-reference kind %s", kind))
	}
	return Value{kind: kind}
}

// NewRef creates a non-null reference rooted in the store identified by
// owner. It is meant for store implementations.
func NewRef(kind ValueKind, owner, slot uint64) Value {
	if !kind.IsRef() {
		panic(fmt.Sprintf("wasmvm: NewRef of non-reference kind %s", kind))
	}
	if slot == 0 {
		return Value{kind: kind}
	}
	return Value{kind: kind, owner: owner, lo: slot}
}

// FromBits reconstructs a scalar value from its raw stack representation.
func FromBits(kind ValueKind, bits uint64) Value {
	switch kind {
	case KindI32, KindF32:
		return Value{kind: kind, lo: bits & 0xffffffff}
	case KindI64, KindF64:
		return Value{kind: kind, lo: bits}
	default:
		panic(fmt.Sprintf("wasmvm: FromBits of kind %s", kind))
	}
}

// Kind returns the active kind.
func (v Value) Kind() ValueKind { return v.kind }

// I32 returns the i32 payload. It panics on other kinds.
func (v Value) I32() int32 {
	v.must(KindI32)
	return int32(uint32(v.lo))
}

// U32 returns the i32 payload reinterpreted as unsigned.
func (v Value) U32() uint32 {
	v.must(KindI32)
	return uint32(v.lo)
}

// I64 returns the i64 payload. It panics on other kinds.
func (v Value) I64() int64 {
	v.must(KindI64)
	return int64(v.lo)
}

// F32 returns the f32 payload. It panics on other kinds.
func (v Value) F32() float32 {
	v.must(KindF32)
	return math.Float32frombits(uint32(v.lo))
}

// F64 returns the f64 payload. It panics on other kinds.
func (v Value) F64() float64 {
	v.must(KindF64)
	return math.Float64frombits(v.lo)
}

// V128 returns the two halves of a v128 payload.
func (v Value) V128() (lo, hi uint64) {
	v.must(KindV128)
	return v.lo, v.hi
}

// Bits returns the raw low 64 bits of a scalar value.
func (v Value) Bits() uint64 { return v.lo }

// IsNull reports whether a reference value is null.
func (v Value) IsNull() bool {
	if !v.kind.IsRef() {
		panic(fmt.Sprintf("wasmvm: IsNull on %s value", v.kind))
	}
	return v.lo == 0
}

// RefSlot returns the root slot of a reference; 0 for null.
func (v Value) RefSlot() uint64 {
	if !v.kind.IsRef() {
		panic(fmt.Sprintf("wasmvm: RefSlot on %s value", v.kind))
	}
	return v.lo
}

// Owner returns the identity of the store that rooted a non-null reference.
func (v Value) Owner() uint64 { return v.owner }

func (v Value) must(k ValueKind) {
	if v.kind != k {
		panic(fmt.Sprintf("wasmvm: value is %s, not %s", v.kind, k))
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindI32:
		return fmt.Sprintf("i32:%d", v.I32())
	case KindI64:
		return fmt.Sprintf("i64:%d", v.I64())
	case KindF32:
		return fmt.Sprintf("f32:%g", v.F32())
	case KindF64:
		return fmt.Sprintf("f64:%g", v.F64())
	case KindV128:
		return fmt.Sprintf("v128:%016x%016x", v.hi, v.lo)
	case KindFuncRef, KindExternRef:
		if v.lo == 0 {
			return v.kind.String() + ":null"
		}
		return fmt.Sprintf("%s:#%d", v.kind, v.lo)
	default:
		return "invalid"
	}
}
