package engine

import (
	"fmt"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/wasm"
)

// Global is a global variable. v128 values use both halves.
type Global struct {
	store  *Store
	typ    wasm.GlobalType
	lo, hi uint64
}

// NewGlobal creates a global in s holding v.
func NewGlobal(s *Store, t wasm.GlobalType, v wasmvm.Value) *Global {
	g := &Global{store: s, typ: t}
	g.Set(v)
	return g
}

// ExternKind implements Extern.
func (*Global) ExternKind() byte { return wasm.KindGlobal }

// Type returns the global type.
func (g *Global) Type() wasm.GlobalType { return g.typ }

// Get returns the current value.
func (g *Global) Get() wasmvm.Value {
	return g.store.fromSlots(g.typ.ValType, g.lo, g.hi)
}

// Set replaces the value. The kind must match the global's type.
func (g *Global) Set(v wasmvm.Value) {
	if KindOf(g.typ.ValType) != v.Kind() {
		panic(fmt.Sprintf("wasmvm: %s value stored in %s global", v.Kind(), g.typ.ValType))
	}
	g.lo, g.hi = g.store.toSlots(v)
}
