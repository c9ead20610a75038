package engine

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/errors"
)

// CallState is the progress of a CallFuture.
type CallState uint8

const (
	NotStarted CallState = iota
	Running
	SuspendedFuel
	SuspendedEpoch
	SuspendedHostContinuation
	Completed
	Trapped
)

var callStateNames = [...]string{
	"not_started", "running", "suspended_fuel", "suspended_epoch",
	"suspended_host_continuation", "completed", "trapped",
}

func (s CallState) String() string {
	if int(s) < len(callStateNames) {
		return callStateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// Suspended reports whether the call is waiting for another Poll.
func (s CallState) Suspended() bool {
	return s == SuspendedFuel || s == SuspendedEpoch || s == SuspendedHostContinuation
}

// CallFuture is one in-flight call in an async store. It is driven by Poll
// from a single goroutine and must be released with Delete.
type CallFuture struct {
	m       *machine
	fn      *Function
	results []wasmvm.Value
	trap    *errors.Trap
	state   CallState
	deleted bool
	polls   int
}

// CallAsync prepares a call of fn. Nothing runs until the first Poll.
// results must have the length of fn's result list; it is filled on
// successful completion.
func (s *Store) CallAsync(fn *Function, args, results []wasmvm.Value) *CallFuture {
	if !s.IsAsync() {
		panic("wasmvm: CallAsync on a sync store")
	}
	if fn.store != s {
		panic("wasmvm: function belongs to another store")
	}
	checkArgs("CallAsync "+fn.String()+" args", fn.typ.Params, args)
	if len(results) != len(fn.typ.Results) {
		panic(fmt.Sprintf("wasmvm: CallAsync %s: expected %d results, got buffer of %d", fn, len(fn.typ.Results), len(results)))
	}
	return &CallFuture{m: newMachine(s, fn, args), fn: fn, results: results}
}

// Poll runs the call until it completes, traps or reaches a suspension
// point. It returns true when the call is finished; check Trap before
// reading Results. Polling a finished or deleted future panics.
func (f *CallFuture) Poll(ctx context.Context) bool {
	if f.deleted {
		panic("wasmvm: Poll on deleted CallFuture")
	}
	if f.state == Completed || f.state == Trapped {
		panic("wasmvm: Poll on finished CallFuture")
	}
	f.polls++
	f.state = Running
	st, err := f.m.resume(ctx)
	switch {
	case err != nil:
		var trap *errors.Trap
		if !stderrors.As(err, &trap) {
			trap = errors.HostTrap(err)
		}
		f.trap = trap
		f.state = Trapped
		f.m.release()
		Logger().Debug("call trapped",
			zap.String("func", f.fn.String()),
			zap.String("code", string(trap.Code)),
			zap.Int("polls", f.polls))
		return true
	case st == Completed:
		f.m.results(f.results)
		f.state = Completed
		f.m.release()
		return true
	default:
		f.state = st
		Logger().Debug("call suspended", zap.String("func", f.fn.String()), zap.Stringer("state", st))
		return false
	}
}

// State returns the current state.
func (f *CallFuture) State() CallState { return f.state }

// Polls returns how many times Poll has run.
func (f *CallFuture) Polls() int { return f.polls }

// Trap returns the trap that ended the call, nil otherwise.
func (f *CallFuture) Trap() *errors.Trap { return f.trap }

// Results returns the result buffer. It panics unless the call completed
// without a trap.
func (f *CallFuture) Results() []wasmvm.Value {
	if f.state != Completed {
		panic(fmt.Sprintf("wasmvm: Results on %s CallFuture", f.state))
	}
	return f.results
}

// Delete releases the call. A pending host continuation is finalized
// without being polled again. Delete is idempotent.
func (f *CallFuture) Delete() {
	if f.deleted {
		return
	}
	f.deleted = true
	if f.m != nil {
		f.m.release()
		f.m = nil
	}
}

// Call invokes f in a sync store and returns its results. A trap is
// returned as *errors.Trap.
func (f *Function) Call(ctx context.Context, args ...wasmvm.Value) ([]wasmvm.Value, error) {
	s := f.store
	if s.IsAsync() {
		panic("wasmvm: Function.Call on an async store; use CallAsync")
	}
	checkArgs("Call "+f.String()+" args", f.typ.Params, args)
	m := newMachine(s, f, args)
	defer m.release()
	st, err := m.resume(ctx)
	if err != nil {
		return nil, err
	}
	if st != Completed {
		// Sync stores cannot configure yielding.
		panic(fmt.Sprintf("wasmvm: sync call ended in state %s", st))
	}
	results := make([]wasmvm.Value, len(f.typ.Results))
	m.results(results)
	return results, nil
}
