package engine

import (
	"context"
	stderrors "errors"
	"testing"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

func TestCallAsync_CompletesOnFirstPoll(t *testing.T) {
	s, inst := instantiate(t, &Config{Async: true}, sumModule(), nil)

	results := make([]wasmvm.Value, 1)
	fut := s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(10)}, results)
	defer fut.Delete()

	if fut.State() != NotStarted {
		t.Fatalf("state before poll = %s", fut.State())
	}
	if !fut.Poll(context.Background()) {
		t.Fatalf("first poll returned false, state %s", fut.State())
	}
	if fut.Trap() != nil {
		t.Fatalf("unexpected trap: %v", fut.Trap())
	}
	expectI32(t, fut.Results(), 55)
	if fut.State() != Completed {
		t.Errorf("state = %s, want completed", fut.State())
	}
	mustPanic(t, "poll after completion", func() { fut.Poll(context.Background()) })
}

// fuelCost measures the fuel one call of sum(n) consumes.
func fuelCost(t *testing.T, n int32) uint64 {
	t.Helper()
	s, inst := instantiate(t, &Config{ConsumeFuel: true}, sumModule(), nil)
	if err := s.SetFuel(1 << 40); err != nil {
		t.Fatal(err)
	}
	res, err := inst.Func("run").Call(context.Background(), wasmvm.I32(n))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	expectI32(t, res, n*(n+1)/2)
	return s.FuelConsumed()
}

func TestCallAsync_FuelInjectionBound(t *testing.T) {
	const n = 1000
	cost := fuelCost(t, n)
	budget := cost * 2 / 7 // three budgets fall short of cost, four cover it

	s, inst := instantiate(t, &Config{Async: true, ConsumeFuel: true}, sumModule(), nil)
	if err := s.SetFuel(budget); err != nil {
		t.Fatal(err)
	}
	if err := s.FuelAsyncYield(2, budget); err != nil {
		t.Fatal(err)
	}

	results := make([]wasmvm.Value, 1)
	fut := s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(n)}, results)
	defer fut.Delete()

	if fut.Poll(context.Background()) {
		t.Fatalf("first poll completed; expected a fuel suspension")
	}
	if fut.State() != SuspendedFuel {
		t.Fatalf("state = %s, want suspended_fuel", fut.State())
	}
	if !fut.Poll(context.Background()) {
		t.Fatalf("second poll did not complete (state %s)", fut.State())
	}
	if fut.Trap() != nil {
		t.Fatalf("trap: %v", fut.Trap())
	}
	expectI32(t, fut.Results(), n*(n+1)/2)
	if s.FuelConsumed() != cost {
		t.Errorf("consumed %d, want %d", s.FuelConsumed(), cost)
	}
}

func TestCall_OutOfFuelTraps(t *testing.T) {
	s, inst := instantiate(t, &Config{ConsumeFuel: true}, sumModule(), nil)
	if err := s.SetFuel(20); err != nil {
		t.Fatal(err)
	}
	_, err := inst.Func("run").Call(context.Background(), wasmvm.I32(100))
	var trap *errors.Trap
	if !stderrors.As(err, &trap) || trap.Code != errors.TrapOutOfFuel {
		t.Fatalf("err = %v, want out_of_fuel trap", err)
	}
	if fuel, _ := s.Fuel(); fuel != 0 {
		t.Errorf("fuel after trap = %d, want 0", fuel)
	}
}

func TestFuelAsyncYield_RequiresAsyncStore(t *testing.T) {
	s := NewStore(NewEngine(&Config{ConsumeFuel: true}))
	if err := s.FuelAsyncYield(1, 10); err == nil {
		t.Fatal("expected error on sync store")
	}
	s = NewStore(NewEngine(&Config{Async: true}))
	if err := s.SetFuel(1); !stderrors.Is(err, errors.InvalidInput(errors.PhaseRuntime, "")) {
		t.Fatalf("SetFuel without fuel consumption: %v", err)
	}
}

func TestCallAsync_EpochYieldsOncePerCrossing(t *testing.T) {
	s, inst := instantiate(t, &Config{Async: true, EpochInterruption: true}, sumModule(), nil)
	s.SetEpochDeadline(1)
	s.EpochDeadlineAsyncYieldAndUpdate(5)
	s.Engine().IncrementEpoch()

	results := make([]wasmvm.Value, 1)
	fut := s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(4)}, results)
	defer fut.Delete()

	if fut.Poll(context.Background()) {
		t.Fatal("expected epoch suspension")
	}
	if fut.State() != SuspendedEpoch {
		t.Fatalf("state = %s", fut.State())
	}
	if !fut.Poll(context.Background()) {
		t.Fatal("expected completion after the deadline moved")
	}
	expectI32(t, fut.Results(), 10)
}

func TestCall_EpochDeadlineTraps(t *testing.T) {
	s, inst := instantiate(t, &Config{EpochInterruption: true}, sumModule(), nil)
	s.SetEpochDeadline(1)
	s.Engine().IncrementEpoch()

	_, err := inst.Func("run").Call(context.Background(), wasmvm.I32(4))
	var trap *errors.Trap
	if !stderrors.As(err, &trap) || trap.Code != errors.TrapInterrupt {
		t.Fatalf("err = %v, want interrupt", err)
	}
	if len(trap.Frames) != 1 || trap.Frames[0].Name != "run" {
		t.Errorf("frames = %v", trap.Frames)
	}
}

func TestCheckpoint_FuelBeforeEpoch(t *testing.T) {
	s := NewStore(NewEngine(&Config{Async: true, ConsumeFuel: true, EpochInterruption: true}))
	if err := s.FuelAsyncYield(0, 100); err != nil {
		t.Fatal(err)
	}
	s.EpochDeadlineAsyncYieldAndUpdate(1)
	s.SetEpochDeadline(0)
	s.fuel = -1

	m := &machine{store: s}
	want := []CallState{SuspendedFuel, SuspendedEpoch, Running}
	for i, w := range want {
		st, err := m.checkpoint(context.Background())
		if err != nil {
			t.Fatalf("checkpoint %d: %v", i, err)
		}
		if st != w {
			t.Fatalf("checkpoint %d: state %s, want %s", i, st, w)
		}
	}
	if fuel, _ := s.Fuel(); fuel != 99 {
		t.Errorf("fuel = %d, want 99", fuel)
	}
}

func TestCheckpoint_CancelledContext(t *testing.T) {
	s := NewStore(NewEngine(nil))
	m := &machine{store: s}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.checkpoint(ctx)
	var trap *errors.Trap
	if !stderrors.As(err, &trap) || trap.Code != errors.TrapInterrupt || !stderrors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

// doubler is an async host function that completes after ready polls of
// its continuation.
type doubler struct {
	ready     int
	polls     int
	finalized int
	fail      error
}

func (d *doubler) call(_ *Caller, args, results []wasmvm.Value) (*Continuation, error) {
	return NewContinuation(func(context.Context) (bool, error) {
		d.polls++
		if d.fail != nil {
			return false, d.fail
		}
		if d.polls < d.ready {
			return false, nil
		}
		results[0] = wasmvm.I32(args[0].I32() * 2)
		return true, nil
	}, func() { d.finalized++ }), nil
}

func doublerModule() *wasm.Module {
	hostType := wasm.FuncType{Params: i32x1, Results: i32x1}
	return importModule(hostType, hostType, nil, []byte{
		wasm.OpLocalGet, 0, wasm.OpCall, 0, wasm.OpI32Const, 1, wasm.OpI32Add, wasm.OpEnd,
	})
}

func doublerImports(d *doubler) Imports {
	imports := Imports{}
	imports.Define("env", "host", NewAsyncHostFunction(wasm.FuncType{Params: i32x1, Results: i32x1}, d.call))
	return imports
}

func TestCallAsync_HostContinuation(t *testing.T) {
	d := &doubler{ready: 3}
	s, inst := instantiate(t, &Config{Async: true}, doublerModule(), doublerImports(d))

	results := make([]wasmvm.Value, 1)
	fut := s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(20)}, results)
	defer fut.Delete()

	for i := 1; i <= 2; i++ {
		if fut.Poll(context.Background()) {
			t.Fatalf("poll %d completed early", i)
		}
		if fut.State() != SuspendedHostContinuation {
			t.Fatalf("poll %d: state %s", i, fut.State())
		}
		if d.polls != i {
			t.Fatalf("poll %d: callback ran %d times", i, d.polls)
		}
	}
	if !fut.Poll(context.Background()) {
		t.Fatal("third poll should complete")
	}
	expectI32(t, fut.Results(), 41)
	if d.finalized != 1 {
		t.Errorf("finalizer ran %d times", d.finalized)
	}
}

func TestCallFuture_DeleteFinalizesPendingContinuation(t *testing.T) {
	d := &doubler{ready: 1 << 30}
	s, inst := instantiate(t, &Config{Async: true}, doublerModule(), doublerImports(d))

	fut := s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(1)}, make([]wasmvm.Value, 1))
	if fut.Poll(context.Background()) {
		t.Fatal("expected suspension")
	}
	fut.Delete()
	fut.Delete()
	if d.finalized != 1 {
		t.Errorf("finalizer ran %d times, want 1", d.finalized)
	}
	if d.polls != 1 {
		t.Errorf("callback ran %d times after delete, want 1", d.polls)
	}
	mustPanic(t, "poll after delete", func() { fut.Poll(context.Background()) })
	mustPanic(t, "results after delete", func() { fut.Results() })
}

func TestCallAsync_ContinuationErrorTraps(t *testing.T) {
	boom := stderrors.New("boom")
	d := &doubler{fail: boom}
	s, inst := instantiate(t, &Config{Async: true}, doublerModule(), doublerImports(d))

	fut := s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(1)}, make([]wasmvm.Value, 1))
	defer fut.Delete()
	if !fut.Poll(context.Background()) {
		t.Fatal("trap must complete the future")
	}
	trap := fut.Trap()
	if trap == nil || trap.Code != errors.TrapHost || !stderrors.Is(trap, boom) {
		t.Fatalf("trap = %v", trap)
	}
	if len(trap.Frames) != 2 || trap.Frames[0].Offset != -1 || trap.Frames[1].Name != "run" {
		t.Errorf("frames = %v", trap.Frames)
	}
	if d.finalized != 1 {
		t.Errorf("finalizer ran %d times", d.finalized)
	}
	mustPanic(t, "results after trap", func() { fut.Results() })
}

func TestCallAsync_HostErrorFinalizesReturnedContinuation(t *testing.T) {
	boom := stderrors.New("boom")
	hostType := wasm.FuncType{Params: i32x1, Results: i32x1}
	var polls, finalized int
	imports := Imports{}
	imports.Define("env", "host", NewAsyncHostFunction(hostType, func(_ *Caller, _, _ []wasmvm.Value) (*Continuation, error) {
		return NewContinuation(func(context.Context) (bool, error) {
			polls++
			return true, nil
		}, func() { finalized++ }), boom
	}))
	s, inst := instantiate(t, &Config{Async: true}, doublerModule(), imports)

	fut := s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(1)}, make([]wasmvm.Value, 1))
	if !fut.Poll(context.Background()) {
		t.Fatal("host error must complete the future")
	}
	if trap := fut.Trap(); trap == nil || !stderrors.Is(trap, boom) {
		t.Fatalf("trap = %v", trap)
	}
	fut.Delete()
	if finalized != 1 {
		t.Errorf("finalizer ran %d times, want 1", finalized)
	}
	if polls != 0 {
		t.Errorf("callback ran %d times, want 0", polls)
	}
}

func TestCallAsync_NilContinuationCompletesImmediately(t *testing.T) {
	hostType := wasm.FuncType{Params: i32x1, Results: i32x1}
	imports := Imports{}
	imports.Define("env", "host", NewAsyncHostFunction(hostType, func(_ *Caller, args, results []wasmvm.Value) (*Continuation, error) {
		results[0] = wasmvm.I32(args[0].I32() + 100)
		return nil, nil
	}))
	s, inst := instantiate(t, &Config{Async: true}, doublerModule(), imports)

	results := make([]wasmvm.Value, 1)
	fut := s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(1)}, results)
	defer fut.Delete()
	if pending := pollAll(t, fut, 1); pending != 0 {
		t.Errorf("pending polls = %d", pending)
	}
	expectI32(t, results, 102)
}

func TestCallAsync_ContractViolations(t *testing.T) {
	syncStore, syncInst := instantiate(t, nil, sumModule(), nil)
	mustPanic(t, "CallAsync on sync store", func() {
		syncStore.CallAsync(syncInst.Func("run"), []wasmvm.Value{wasmvm.I32(1)}, make([]wasmvm.Value, 1))
	})

	s, inst := instantiate(t, &Config{Async: true}, sumModule(), nil)
	other := NewStore(s.Engine())
	mustPanic(t, "foreign function", func() {
		other.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(1)}, make([]wasmvm.Value, 1))
	})
	mustPanic(t, "arity", func() {
		s.CallAsync(inst.Func("run"), nil, make([]wasmvm.Value, 1))
	})
	mustPanic(t, "kind", func() {
		s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I64(1)}, make([]wasmvm.Value, 1))
	})
	mustPanic(t, "Call on async store", func() {
		_, _ = inst.Func("run").Call(context.Background(), wasmvm.I32(1))
	})
	mustPanic(t, "epoch yield on sync store", func() {
		syncStore.EpochDeadlineAsyncYieldAndUpdate(1)
	})
}

func TestCallAsync_StoreUsableAfterTrap(t *testing.T) {
	body := code(
		[]byte{wasm.OpLocalGet, 0, wasm.OpIf, 0x40, wasm.OpUnreachable, wasm.OpEnd},
		i32Const(7), []byte{wasm.OpEnd},
	)
	s, inst := instantiate(t, &Config{Async: true}, singleFunc(i32x1, i32x1, nil, body), nil)

	fut := s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(1)}, make([]wasmvm.Value, 1))
	pollAll(t, fut, 0)
	if fut.Trap() == nil || fut.Trap().Code != errors.TrapUnreachable {
		t.Fatalf("trap = %v", fut.Trap())
	}
	if fut.State() != Trapped {
		t.Errorf("state = %s", fut.State())
	}
	fut.Delete()

	results := make([]wasmvm.Value, 1)
	fut = s.CallAsync(inst.Func("run"), []wasmvm.Value{wasmvm.I32(0)}, results)
	defer fut.Delete()
	pollAll(t, fut, 0)
	expectI32(t, results, 7)
}
