package engine

import (
	"fmt"
	"math"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/errors"
)

// Store owns instances, host data and the reference roots of one guest.
// A store is not safe for concurrent use.
type Store struct {
	engine  *Engine
	data    any
	funcs   []*Function // funcref roots; slot i+1
	externs []any       // externref roots; slot i+1

	fuel           int64
	consumed       uint64
	fuelYield      bool
	injectionCount uint64
	injectionsLeft uint64
	fuelToInject   uint64

	epochDeadline uint64
	epochDelta    uint64
	epochYield    bool

	id uint64
}

// NewStore creates a store bound to e.
func NewStore(e *Engine) *Store {
	return &Store{
		engine:        e,
		id:            e.nextStore.Add(1),
		epochDeadline: math.MaxUint64,
	}
}

// Engine returns the engine the store belongs to.
func (s *Store) Engine() *Engine { return s.engine }

// ID identifies the store in reference values.
func (s *Store) ID() uint64 { return s.id }

// IsAsync reports whether calls must go through CallAsync.
func (s *Store) IsAsync() bool { return s.engine.cfg.Async }

// Data returns the embedder value attached with SetData.
func (s *Store) Data() any { return s.data }

// SetData attaches an embedder value, visible to host functions via Caller.
func (s *Store) SetData(v any) { s.data = v }

func (s *Store) requireFuel() error {
	if !s.engine.cfg.ConsumeFuel {
		return errors.InvalidInput(errors.PhaseRuntime, "fuel consumption is not enabled")
	}
	return nil
}

// SetFuel sets the remaining fuel.
func (s *Store) SetFuel(fuel uint64) error {
	if err := s.requireFuel(); err != nil {
		return err
	}
	s.fuel = clampFuel(fuel)
	return nil
}

// AddFuel adds to the remaining fuel.
func (s *Store) AddFuel(fuel uint64) error {
	if err := s.requireFuel(); err != nil {
		return err
	}
	s.addFuel(fuel)
	return nil
}

// Fuel returns the remaining fuel, zero when overdrawn.
func (s *Store) Fuel() (uint64, error) {
	if err := s.requireFuel(); err != nil {
		return 0, err
	}
	if s.fuel < 0 {
		return 0, nil
	}
	return uint64(s.fuel), nil
}

// FuelConsumed returns the total fuel spent by calls in this store.
func (s *Store) FuelConsumed() uint64 { return s.consumed }

// FuelAsyncYield configures fuel exhaustion to suspend instead of trap.
// On exhaustion fuelToInject units are added silently up to injectionCount
// times; the next exhaustion injects once more and suspends the call.
func (s *Store) FuelAsyncYield(injectionCount, fuelToInject uint64) error {
	if err := s.requireFuel(); err != nil {
		return err
	}
	if !s.IsAsync() {
		return errors.InvalidInput(errors.PhaseRuntime, "fuel yielding requires an async store")
	}
	s.fuelYield = true
	s.injectionCount = injectionCount
	s.injectionsLeft = injectionCount
	s.fuelToInject = fuelToInject
	return nil
}

// SetEpochDeadline sets the deadline delta epochs after the current one.
// Reaching it traps unless EpochDeadlineAsyncYieldAndUpdate is configured.
func (s *Store) SetEpochDeadline(delta uint64) {
	s.epochDeadline = saturatingAdd(s.engine.Epoch(), delta)
}

// EpochDeadlineTrap makes reaching the deadline trap with an interrupt.
func (s *Store) EpochDeadlineTrap() {
	s.epochYield = false
}

// EpochDeadlineAsyncYieldAndUpdate makes reaching the deadline suspend the
// call once and move the deadline delta epochs past the current one. A
// delta of 0 is treated as 1.
func (s *Store) EpochDeadlineAsyncYieldAndUpdate(delta uint64) {
	if !s.IsAsync() {
		panic("wasmvm: epoch yielding requires an async store")
	}
	if delta == 0 {
		delta = 1
	}
	s.epochYield = true
	s.epochDelta = delta
}

// ExternRef roots v in the store and returns a reference to it. A nil v
// yields the null reference.
func (s *Store) ExternRef(v any) wasmvm.Value {
	if v == nil {
		return wasmvm.NullRef(wasmvm.KindExternRef)
	}
	s.externs = append(s.externs, v)
	return wasmvm.NewRef(wasmvm.KindExternRef, s.id, uint64(len(s.externs)))
}

// ExternValue resolves an externref created by this store.
func (s *Store) ExternValue(v wasmvm.Value) any {
	if v.Kind() != wasmvm.KindExternRef {
		panic(fmt.Sprintf("wasmvm: ExternValue of %s value", v.Kind()))
	}
	if v.IsNull() {
		return nil
	}
	s.checkOwner(v)
	return s.externs[v.RefSlot()-1]
}

// FuncRef returns a reference to f.
func (s *Store) FuncRef(f *Function) wasmvm.Value {
	if f == nil {
		return wasmvm.NullRef(wasmvm.KindFuncRef)
	}
	if f.store != s {
		panic("wasmvm: function belongs to another store")
	}
	return wasmvm.NewRef(wasmvm.KindFuncRef, s.id, f.ref)
}

// FuncValue resolves a funcref created by this store; nil for null.
func (s *Store) FuncValue(v wasmvm.Value) *Function {
	if v.Kind() != wasmvm.KindFuncRef {
		panic(fmt.Sprintf("wasmvm: FuncValue of %s value", v.Kind()))
	}
	if v.IsNull() {
		return nil
	}
	s.checkOwner(v)
	return s.funcs[v.RefSlot()-1]
}

func (s *Store) checkOwner(v wasmvm.Value) {
	if v.Owner() != s.id {
		panic(fmt.Sprintf("wasmvm: %s rooted in store %d used in store %d", v.Kind(), v.Owner(), s.id))
	}
	slot := v.RefSlot()
	n := len(s.externs)
	if v.Kind() == wasmvm.KindFuncRef {
		n = len(s.funcs)
	}
	if slot > uint64(n) {
		panic(fmt.Sprintf("wasmvm: dangling %s slot %d", v.Kind(), slot))
	}
}

func (s *Store) register(f *Function) {
	s.funcs = append(s.funcs, f)
	f.ref = uint64(len(s.funcs))
}

func (s *Store) addFuel(n uint64) {
	if n > math.MaxInt64 || s.fuel > math.MaxInt64-int64(n) {
		s.fuel = math.MaxInt64
		return
	}
	s.fuel += int64(n)
}

func clampFuel(n uint64) int64 {
	if n > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
