package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

type Instance struct {
	module *Module
	store  *engine.Store
	inst   *engine.Instance
}

func (i *Instance) Module() *Module { return i.module }

func (i *Instance) Store() *engine.Store { return i.store }

// Raw returns the engine instance.
func (i *Instance) Raw() *engine.Instance { return i.inst }

func (i *Instance) Memory() *engine.Memory { return i.inst.Memory() }

// Call invokes an exported function in a sync runtime. Arguments may be Go
// numbers or wasmvm.Value; results come back as int32, int64, float32 or
// float64, and reference or vector results as wasmvm.Value. A single result
// is returned bare, several as []any, none as nil.
func (i *Instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	if i.store.IsAsync() {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "async runtime: use CallAsync")
	}
	fn, vals, err := i.prepare(name, args)
	if err != nil {
		return nil, err
	}
	res, err := fn.Call(ctx, vals...)
	if err != nil {
		return nil, err
	}
	return goResults(res), nil
}

// CallAsync starts an exported function in an async runtime. The caller
// drives the returned future with Poll (or Drive) and must Delete it.
func (i *Instance) CallAsync(name string, args ...any) (*engine.CallFuture, error) {
	if !i.store.IsAsync() {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "sync runtime: use Call")
	}
	fn, vals, err := i.prepare(name, args)
	if err != nil {
		return nil, err
	}
	results := make([]wasmvm.Value, len(fn.Type().Results))
	return i.store.CallAsync(fn, vals, results), nil
}

func (i *Instance) prepare(name string, args []any) (*engine.Function, []wasmvm.Value, error) {
	fn := i.inst.Func(name)
	if fn == nil {
		return nil, nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	params := fn.Type().Params
	if len(args) != len(params) {
		return nil, nil, errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
			Path(name).
			Detail("expected %d arguments, got %d", len(params), len(args)).
			Build()
	}
	vals := make([]wasmvm.Value, len(args))
	for j, a := range args {
		v, err := ToValue(params[j], a)
		if err != nil {
			return nil, nil, errors.Wrap(errors.PhaseRuntime, errors.KindTypeMismatch, err, fmt.Sprintf("%s argument %d", name, j))
		}
		vals[j] = v
	}
	return fn, vals, nil
}

// Drive polls fut until it finishes. onSuspend, if set, sees every
// suspension. The future is not deleted.
func Drive(ctx context.Context, fut *engine.CallFuture, onSuspend func(engine.CallState)) error {
	for !fut.Poll(ctx) {
		if onSuspend != nil {
			onSuspend(fut.State())
		}
	}
	if trap := fut.Trap(); trap != nil {
		Logger().Debug("call trapped", zap.String("code", string(trap.Code)), zap.Int("polls", fut.Polls()))
		return trap
	}
	return nil
}

// ToValue converts a Go value to a Value of type vt.
func ToValue(vt wasm.ValType, a any) (wasmvm.Value, error) {
	if v, ok := a.(wasmvm.Value); ok {
		if want := engine.KindOf(vt); v.Kind() != want {
			return wasmvm.Value{}, errors.TypeMismatch(errors.PhaseRuntime, want.String(), v.Kind().String())
		}
		return v, nil
	}
	switch vt {
	case wasm.ValI32:
		switch x := a.(type) {
		case int32:
			return wasmvm.I32(x), nil
		case uint32:
			return wasmvm.I32(int32(x)), nil
		case int:
			return wasmvm.I32(int32(x)), nil
		case bool:
			if x {
				return wasmvm.I32(1), nil
			}
			return wasmvm.I32(0), nil
		}
	case wasm.ValI64:
		switch x := a.(type) {
		case int64:
			return wasmvm.I64(x), nil
		case uint64:
			return wasmvm.I64(int64(x)), nil
		case int:
			return wasmvm.I64(int64(x)), nil
		case int32:
			return wasmvm.I64(int64(x)), nil
		}
	case wasm.ValF32:
		switch x := a.(type) {
		case float32:
			return wasmvm.F32(x), nil
		case float64:
			return wasmvm.F32(float32(x)), nil
		}
	case wasm.ValF64:
		switch x := a.(type) {
		case float64:
			return wasmvm.F64(x), nil
		case float32:
			return wasmvm.F64(float64(x)), nil
		}
	}
	return wasmvm.Value{}, errors.TypeMismatch(errors.PhaseRuntime, vt.String(), fmt.Sprintf("%T", a))
}

// FromValue converts a numeric Value to its Go form. Other kinds are
// returned unchanged.
func FromValue(v wasmvm.Value) any {
	switch v.Kind() {
	case wasmvm.KindI32:
		return v.I32()
	case wasmvm.KindI64:
		return v.I64()
	case wasmvm.KindF32:
		return v.F32()
	case wasmvm.KindF64:
		return v.F64()
	}
	return v
}

func goResults(vals []wasmvm.Value) any {
	switch len(vals) {
	case 0:
		return nil
	case 1:
		return FromValue(vals[0])
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = FromValue(v)
	}
	return out
}

// Results converts the results of a completed future.
func Results(fut *engine.CallFuture) any {
	return goResults(fut.Results())
}
