package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/translate"
	"github.com/wippyai/wasm-vm/wasm"
)

// frame is an active guest function. pc is the op being executed; a
// caller's pc stays on its call op until the callee returns.
type frame struct {
	fn   *Function
	pc   int
	base int // first local slot
}

// pendingHost is an async host call waiting on its continuation.
type pendingHost struct {
	fn      *Function
	results []wasmvm.Value
	cont    *Continuation
}

// machine executes one call. Its state lives entirely in these fields, so
// a suspended call resumes where it stopped on the next Poll.
type machine struct {
	store   *Store
	entry   *Function
	stack   []uint64
	sp      int
	frames  []frame
	pending *pendingHost
	started bool
}

func newMachine(s *Store, fn *Function, args []wasmvm.Value) *machine {
	m := &machine{store: s, entry: fn}
	m.ensure(slotCount(fn.typ.Params) + 16)
	for _, a := range args {
		lo, hi := s.toSlots(a)
		m.stack[m.sp] = lo
		m.sp++
		if a.Kind() == wasmvm.KindV128 {
			m.stack[m.sp] = hi
			m.sp++
		}
	}
	return m
}

// resume advances the call until it completes, traps or suspends.
func (m *machine) resume(ctx context.Context) (CallState, error) {
	switch {
	case !m.started:
		m.started = true
		if st, err := m.invoke(ctx, m.entry); err != nil || st != Running {
			return st, err
		}
	case m.pending != nil:
		if st, err := m.pollHost(ctx); err != nil || st != Running {
			return st, err
		}
	}
	return m.run(ctx)
}

// results reads the entry function's results off the stack.
func (m *machine) results(out []wasmvm.Value) {
	slot := 0
	for i, vt := range m.entry.typ.Results {
		lo, hi := m.stack[slot], uint64(0)
		slot++
		if vt == wasm.ValV128 {
			hi = m.stack[slot]
			slot++
		}
		out[i] = m.store.fromSlots(vt, lo, hi)
	}
}

func (m *machine) release() {
	if m.pending != nil {
		m.pending.cont.finalize()
		m.pending = nil
	}
	m.stack = nil
	m.frames = nil
}

func (m *machine) ensure(n int) {
	if n <= len(m.stack) {
		return
	}
	size := 2 * len(m.stack)
	if size < n {
		size = n
	}
	grown := make([]uint64, size)
	copy(grown, m.stack[:m.sp])
	m.stack = grown
}

func (m *machine) push(v uint64) {
	m.stack[m.sp] = v
	m.sp++
}

func (m *machine) pop() uint64 {
	m.sp--
	return m.stack[m.sp]
}

func (m *machine) push32(v uint32) { m.push(uint64(v)) }
func (m *machine) pop32() uint32   { return uint32(m.pop()) }

// invoke starts fn with its arguments on top of the stack. Guest functions
// get a new frame; host functions run to completion or suspension.
func (m *machine) invoke(ctx context.Context, fn *Function) (CallState, error) {
	if len(m.frames) >= m.store.engine.cfg.MaxCallDepth {
		return Trapped, m.trap(errors.TrapCallStackExhausted, fmt.Sprintf("depth %d", len(m.frames)))
	}
	if fn.host != nil {
		return m.callHost(ctx, fn)
	}
	code := fn.code
	base := m.sp - code.ParamSlots
	m.ensure(base + code.NumLocalSlots + code.MaxStackSlots + 2)
	clear(m.stack[m.sp : base+code.NumLocalSlots])
	m.sp = base + code.NumLocalSlots
	m.frames = append(m.frames, frame{fn: fn, base: base})
	return Running, nil
}

// ret returns from the innermost frame with the top keep slots as results.
func (m *machine) ret(keep int) {
	fr := m.frames[len(m.frames)-1]
	copy(m.stack[fr.base:], m.stack[m.sp-keep:m.sp])
	m.sp = fr.base + keep
	m.frames = m.frames[:len(m.frames)-1]
	m.advanceCaller()
}

func (m *machine) advanceCaller() {
	if n := len(m.frames); n > 0 {
		m.frames[n-1].pc++
	}
}

func (m *machine) callerInstance() *Instance {
	if n := len(m.frames); n > 0 {
		return m.frames[n-1].fn.inst
	}
	return nil
}

func (m *machine) callHost(ctx context.Context, fn *Function) (CallState, error) {
	params := fn.typ.Params
	m.sp -= slotCount(params)
	args := make([]wasmvm.Value, len(params))
	slot := m.sp
	for i, vt := range params {
		lo, hi := m.stack[slot], uint64(0)
		slot++
		if vt == wasm.ValV128 {
			hi = m.stack[slot]
			slot++
		}
		args[i] = m.store.fromSlots(vt, lo, hi)
	}
	results := zeroValues(fn.typ.Results)
	caller := &Caller{ctx: ctx, store: m.store, inst: m.callerInstance()}

	if fn.host.Async == nil {
		if err := fn.host.Func(caller, args, results); err != nil {
			return Trapped, m.hostTrap(fn, err)
		}
		return m.pushResults(fn, results)
	}
	cont, err := fn.host.Async(caller, args, results)
	if err != nil {
		if cont != nil {
			cont.finalize()
		}
		return Trapped, m.hostTrap(fn, err)
	}
	if cont == nil {
		return m.pushResults(fn, results)
	}
	m.pending = &pendingHost{fn: fn, results: results, cont: cont}
	return m.pollHost(ctx)
}

func (m *machine) pollHost(ctx context.Context) (CallState, error) {
	p := m.pending
	done, err := p.cont.poll(ctx)
	if err != nil {
		m.pending = nil
		p.cont.finalize()
		return Trapped, m.hostTrap(p.fn, err)
	}
	if !done {
		return SuspendedHostContinuation, nil
	}
	m.pending = nil
	p.cont.finalize()
	return m.pushResults(p.fn, p.results)
}

func (m *machine) pushResults(fn *Function, results []wasmvm.Value) (CallState, error) {
	m.ensure(m.sp + slotCount(fn.typ.Results))
	for i, vt := range fn.typ.Results {
		if results[i].Kind() != KindOf(vt) {
			return Trapped, m.hostTrap(fn, fmt.Errorf("result %d is %s, want %s", i, results[i].Kind(), vt))
		}
		lo, hi := m.store.toSlots(results[i])
		m.push(lo)
		if vt == wasm.ValV128 {
			m.push(hi)
		}
	}
	m.advanceCaller()
	return Running, nil
}

// trap builds a trap with the active guest frames, innermost first.
func (m *machine) trap(code errors.TrapCode, detail string) *errors.Trap {
	t := errors.NewTrap(code, detail)
	t.Frames = m.trace(nil)
	Logger().Debug("trap", zap.String("code", string(code)), zap.String("detail", detail))
	return t
}

func (m *machine) hostTrap(fn *Function, err error) *errors.Trap {
	t := errors.HostTrap(err)
	if t.Frames == nil {
		t.Frames = m.trace([]errors.TrapFrame{{Name: fn.name, Func: fn.index, Offset: -1}})
	}
	Logger().Debug("host trap", zap.String("func", fn.String()), zap.Error(err))
	return t
}

func (m *machine) trace(frames []errors.TrapFrame) []errors.TrapFrame {
	for i := len(m.frames) - 1; i >= 0; i-- {
		fr := m.frames[i]
		off := -1
		if fr.pc < len(fr.fn.code.Ops) {
			off = fr.fn.code.Ops[fr.pc].Offset
		}
		frames = append(frames, errors.TrapFrame{Name: fr.fn.name, Func: fr.fn.index, Offset: off})
	}
	return frames
}

// checkpoint meters fuel, then the epoch deadline, then cancellation.
func (m *machine) checkpoint(ctx context.Context) (CallState, error) {
	s := m.store
	cfg := &s.engine.cfg
	if cfg.ConsumeFuel && s.fuel < 0 {
		if !s.fuelYield {
			return Trapped, m.trap(errors.TrapOutOfFuel, "")
		}
		for s.fuel < 0 && s.injectionsLeft > 0 {
			s.injectionsLeft--
			s.addFuel(s.fuelToInject)
			Logger().Debug("fuel injected", zap.Uint64("amount", s.fuelToInject), zap.Uint64("left", s.injectionsLeft))
		}
		if s.fuel < 0 {
			s.addFuel(s.fuelToInject)
			s.injectionsLeft = s.injectionCount
			Logger().Debug("suspended on fuel", zap.Uint64("consumed", s.consumed))
			return SuspendedFuel, nil
		}
	}
	if cfg.EpochInterruption {
		epoch := s.engine.Epoch()
		if epoch >= s.epochDeadline {
			if !s.epochYield {
				return Trapped, m.trap(errors.TrapInterrupt, "epoch deadline reached")
			}
			s.epochDeadline = saturatingAdd(epoch, s.epochDelta)
			Logger().Debug("suspended on epoch", zap.Uint64("epoch", epoch), zap.Uint64("deadline", s.epochDeadline))
			return SuspendedEpoch, nil
		}
	}
	if err := ctx.Err(); err != nil {
		t := m.trap(errors.TrapInterrupt, "context done")
		t.Cause = err
		return Trapped, t
	}
	return Running, nil
}

// branch applies t's stack adjustment and returns the next pc, or -1 when
// the branch returned from the frame.
func (m *machine) branch(t *translate.Target) int {
	if t.Return {
		m.ret(t.Keep)
		return -1
	}
	if t.Drop > 0 {
		copy(m.stack[m.sp-t.Keep-t.Drop:], m.stack[m.sp-t.Keep:m.sp])
		m.sp -= t.Drop
	}
	return t.PC
}

// run executes guest frames until the call completes, traps or suspends.
func (m *machine) run(ctx context.Context) (CallState, error) {
	s := m.store
	metered := s.engine.cfg.ConsumeFuel
frames:
	for len(m.frames) > 0 {
		fr := &m.frames[len(m.frames)-1]
		inst := fr.fn.inst
		ops := fr.fn.code.Ops
		base := fr.base
		pc := fr.pc

		for {
			op := &ops[pc]
			if op.Code != translate.OpCheckpoint && metered {
				s.fuel--
				s.consumed++
			}
			switch op.Code {
			case translate.OpCheckpoint:
				fr.pc = pc
				if st, err := m.checkpoint(ctx); err != nil || st != Running {
					return st, err
				}

			case translate.OpUnreachable:
				fr.pc = pc
				return Trapped, m.trap(errors.TrapUnreachable, "")

			case translate.OpBr:
				if pc = m.branch(&op.Targets[0]); pc < 0 {
					continue frames
				}
				continue

			case translate.OpBrIf:
				if m.pop32() != 0 {
					if pc = m.branch(&op.Targets[0]); pc < 0 {
						continue frames
					}
					continue
				}

			case translate.OpBrUnless:
				if m.pop32() == 0 {
					pc = op.Targets[0].PC
					continue
				}

			case translate.OpBrTable:
				i := int(m.pop32())
				if i >= len(op.Targets)-1 {
					i = len(op.Targets) - 1
				}
				if pc = m.branch(&op.Targets[i]); pc < 0 {
					continue frames
				}
				continue

			case translate.OpReturn:
				m.ret(int(op.A))
				continue frames

			case translate.OpCall:
				fr.pc = pc
				if st, err := m.invoke(ctx, inst.funcs[op.A]); err != nil || st != Running {
					return st, err
				}
				continue frames

			case translate.OpCallIndirect:
				fr.pc = pc
				callee, err := m.indirect(inst, op)
				if err != nil {
					return Trapped, err
				}
				if st, err := m.invoke(ctx, callee); err != nil || st != Running {
					return st, err
				}
				continue frames

			case translate.OpDrop:
				m.sp -= int(op.Width)

			case translate.OpSelect:
				c := m.pop32()
				w := int(op.Width)
				if c == 0 {
					copy(m.stack[m.sp-2*w:], m.stack[m.sp-w:m.sp])
				}
				m.sp -= w

			case translate.OpLocalGet:
				slot := base + int(op.A)
				m.push(m.stack[slot])
				if op.Width == 2 {
					m.push(m.stack[slot+1])
				}

			case translate.OpLocalSet:
				slot := base + int(op.A)
				if op.Width == 2 {
					m.stack[slot+1] = m.pop()
				}
				m.stack[slot] = m.pop()

			case translate.OpLocalTee:
				slot := base + int(op.A)
				w := int(op.Width)
				copy(m.stack[slot:slot+w], m.stack[m.sp-w:m.sp])

			case translate.OpGlobalGet:
				g := inst.globals[op.A]
				m.push(g.lo)
				if op.Width == 2 {
					m.push(g.hi)
				}

			case translate.OpGlobalSet:
				g := inst.globals[op.A]
				if op.Width == 2 {
					g.hi = m.pop()
				}
				g.lo = m.pop()

			case translate.OpTableGet:
				t := inst.tables[op.A]
				i := m.pop32()
				if i >= t.Size() {
					fr.pc = pc
					return Trapped, m.trap(errors.TrapOutOfBoundsTable, fmt.Sprintf("table.get %d", i))
				}
				m.push(t.elems[i])

			case translate.OpTableSet:
				t := inst.tables[op.A]
				v := m.pop()
				i := m.pop32()
				if i >= t.Size() {
					fr.pc = pc
					return Trapped, m.trap(errors.TrapOutOfBoundsTable, fmt.Sprintf("table.set %d", i))
				}
				t.elems[i] = v

			case translate.OpLoad:
				if !m.loadMem(inst.memory, op) {
					fr.pc = pc
					return Trapped, m.trap(errors.TrapOutOfBoundsMemory, wasm.OpcodeName(op.Opcode))
				}

			case translate.OpStore:
				if !m.storeMem(inst.memory, op) {
					fr.pc = pc
					return Trapped, m.trap(errors.TrapOutOfBoundsMemory, wasm.OpcodeName(op.Opcode))
				}

			case translate.OpMemorySize:
				m.push32(inst.memory.Pages())

			case translate.OpMemoryGrow:
				old, ok := inst.memory.Grow(m.pop32())
				if !ok {
					old = 0xffffffff
				}
				m.push32(old)

			case translate.OpConst:
				m.push(op.A)
				if op.Width == 2 {
					m.push(op.B)
				}

			case translate.OpNumeric:
				if code, detail := m.numeric(op.Opcode); code != "" {
					fr.pc = pc
					return Trapped, m.trap(code, detail)
				}

			case translate.OpRefNull:
				m.push(0)

			case translate.OpRefIsNull:
				m.push32(boolBits(m.pop() == 0))

			case translate.OpRefFunc:
				m.push(inst.funcs[op.A].ref)

			case translate.OpMisc:
				if code, detail := m.misc(inst, op); code != "" {
					fr.pc = pc
					return Trapped, m.trap(code, detail)
				}

			default:
				panic(fmt.Sprintf("wasmvm: unknown op %s", op.Code))
			}
			pc++
		}
	}
	return Completed, nil
}

func (m *machine) indirect(inst *Instance, op *translate.Op) (*Function, error) {
	t := inst.tables[op.B]
	i := m.pop32()
	if i >= t.Size() {
		return nil, m.trap(errors.TrapOutOfBoundsTable, fmt.Sprintf("call_indirect index %d", i))
	}
	callee := t.Func(i)
	if callee == nil {
		return nil, m.trap(errors.TrapUninitializedElement, fmt.Sprintf("call_indirect index %d", i))
	}
	want := &inst.module.Module.Types[op.A]
	if !callee.typ.Equal(want) {
		return nil, m.trap(errors.TrapIndirectCallTypeMismatch, fmt.Sprintf("expected %s, got %s", want, callee.typ))
	}
	return callee, nil
}

func boolBits(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
