package engine

import (
	"github.com/wippyai/wasm-vm/wasm"
)

// Table is a reference table. Entries are store root slots, 0 for null.
type Table struct {
	elems []uint64
	typ   wasm.TableType
	store *Store
}

// NewTable creates a table of type t with every entry null.
func NewTable(s *Store, t wasm.TableType) *Table {
	return &Table{elems: make([]uint64, t.Limits.Min), typ: t, store: s}
}

// ExternKind implements Extern.
func (*Table) ExternKind() byte { return wasm.KindTable }

// Type returns the table type.
func (t *Table) Type() wasm.TableType { return t.typ }

// Size returns the number of entries.
func (t *Table) Size() uint32 { return uint32(len(t.elems)) }

// Func returns the function at idx, nil when null or out of range.
func (t *Table) Func(idx uint32) *Function {
	if t.typ.ElemType != wasm.ValFuncRef || int(idx) >= len(t.elems) || t.elems[idx] == 0 {
		return nil
	}
	return t.store.funcs[t.elems[idx]-1]
}

// Grow appends delta entries set to init and returns the previous size.
func (t *Table) Grow(delta uint32, init uint64) (uint32, bool) {
	old := uint32(len(t.elems))
	limit := uint64(1<<32 - 1)
	if t.typ.Limits.Max != nil {
		limit = uint64(*t.typ.Limits.Max)
	}
	if uint64(old)+uint64(delta) > limit {
		return old, false
	}
	for range delta {
		t.elems = append(t.elems, init)
	}
	return old, true
}

func (t *Table) inBounds(offset, n uint32) bool {
	return uint64(offset)+uint64(n) <= uint64(len(t.elems))
}
