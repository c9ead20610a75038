package engine

import (
	"encoding/binary"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

var _ wasmvm.Memory = (*Memory)(nil)
var _ wasmvm.MemorySizer = (*Memory)(nil)

// Memory is a linear memory. Accessors are little-endian and bounds-checked.
type Memory struct {
	data []byte
	typ  wasm.MemoryType
	max  uint32 // pages
}

// NewMemory creates a memory of type t, capped at limitPages.
func NewMemory(t wasm.MemoryType, limitPages uint32) *Memory {
	maxPages := limitPages
	if t.Limits.Max != nil && *t.Limits.Max < maxPages {
		maxPages = *t.Limits.Max
	}
	return &Memory{
		data: make([]byte, uint64(t.Limits.Min)*wasm.PageSize),
		typ:  t,
		max:  maxPages,
	}
}

// ExternKind implements Extern.
func (*Memory) ExternKind() byte { return wasm.KindMemory }

// Type returns the memory type the memory was created with.
func (m *Memory) Type() wasm.MemoryType { return m.typ }

// Size returns the size in bytes.
func (m *Memory) Size() uint32 { return uint32(len(m.data)) }

// Pages returns the size in pages.
func (m *Memory) Pages() uint32 { return uint32(len(m.data) / wasm.PageSize) }

// Bytes exposes the backing slice. It is invalidated by Grow.
func (m *Memory) Bytes() []byte { return m.data }

// Grow adds delta pages and returns the previous page count.
func (m *Memory) Grow(delta uint32) (uint32, bool) {
	old := m.Pages()
	if uint64(old)+uint64(delta) > uint64(m.max) {
		return old, false
	}
	if delta > 0 {
		m.data = append(m.data, make([]byte, uint64(delta)*wasm.PageSize)...)
	}
	return old, true
}

func (m *Memory) span(offset, n uint32) ([]byte, error) {
	end := uint64(offset) + uint64(n)
	if end > uint64(len(m.data)) {
		return nil, errors.OutOfBounds(errors.PhaseRuntime, []string{"memory"}, int(end), len(m.data))
	}
	return m.data[offset:end], nil
}

// Read returns a view of length bytes at offset. The view aliases memory.
func (m *Memory) Read(offset, length uint32) ([]byte, error) {
	return m.span(offset, length)
}

// Write copies data to offset.
func (m *Memory) Write(offset uint32, data []byte) error {
	b, err := m.span(offset, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	b, err := m.span(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	b, err := m.span(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	b, err := m.span(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	b, err := m.span(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *Memory) WriteU8(offset uint32, v uint8) error {
	b, err := m.span(offset, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (m *Memory) WriteU16(offset uint32, v uint16) error {
	b, err := m.span(offset, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (m *Memory) WriteU32(offset uint32, v uint32) error {
	b, err := m.span(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (m *Memory) WriteU64(offset uint32, v uint64) error {
	b, err := m.span(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}
