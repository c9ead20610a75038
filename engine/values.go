package engine

import (
	"fmt"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/wasm"
)

// KindOf returns the Value kind that carries values of type vt.
func KindOf(vt wasm.ValType) wasmvm.ValueKind {
	switch vt {
	case wasm.ValI32:
		return wasmvm.KindI32
	case wasm.ValI64:
		return wasmvm.KindI64
	case wasm.ValF32:
		return wasmvm.KindF32
	case wasm.ValF64:
		return wasmvm.KindF64
	case wasm.ValV128:
		return wasmvm.KindV128
	case wasm.ValFuncRef:
		return wasmvm.KindFuncRef
	case wasm.ValExtern:
		return wasmvm.KindExternRef
	}
	panic(fmt.Sprintf("wasmvm: unknown value type %#x", byte(vt)))
}

func zeroValue(vt wasm.ValType) wasmvm.Value {
	switch k := KindOf(vt); k {
	case wasmvm.KindFuncRef, wasmvm.KindExternRef:
		return wasmvm.NullRef(k)
	case wasmvm.KindV128:
		return wasmvm.V128(0, 0)
	default:
		return wasmvm.FromBits(k, 0)
	}
}

func zeroValues(types []wasm.ValType) []wasmvm.Value {
	out := make([]wasmvm.Value, len(types))
	for i, vt := range types {
		out[i] = zeroValue(vt)
	}
	return out
}

func slotCount(types []wasm.ValType) int {
	n := 0
	for _, vt := range types {
		n++
		if vt == wasm.ValV128 {
			n++
		}
	}
	return n
}

// toSlots lowers v to its stack representation. References from other
// stores are a contract violation.
func (s *Store) toSlots(v wasmvm.Value) (lo, hi uint64) {
	switch v.Kind() {
	case wasmvm.KindV128:
		return v.V128()
	case wasmvm.KindFuncRef, wasmvm.KindExternRef:
		if v.IsNull() {
			return 0, 0
		}
		s.checkOwner(v)
		return v.RefSlot(), 0
	case 0:
		panic("wasmvm: invalid zero Value")
	default:
		return v.Bits(), 0
	}
}

func (s *Store) fromSlots(vt wasm.ValType, lo, hi uint64) wasmvm.Value {
	switch k := KindOf(vt); k {
	case wasmvm.KindV128:
		return wasmvm.V128(lo, hi)
	case wasmvm.KindFuncRef, wasmvm.KindExternRef:
		return wasmvm.NewRef(k, s.id, lo)
	default:
		return wasmvm.FromBits(k, lo)
	}
}

// checkArgs panics unless args match types in count and kind.
func checkArgs(what string, types []wasm.ValType, args []wasmvm.Value) {
	if len(args) != len(types) {
		panic(fmt.Sprintf("wasmvm: %s: expected %d values, got %d", what, len(types), len(args)))
	}
	for i, vt := range types {
		if args[i].Kind() != KindOf(vt) {
			panic(fmt.Sprintf("wasmvm: %s: value %d is %s, want %s", what, i, args[i].Kind(), vt))
		}
	}
}
