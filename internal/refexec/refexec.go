// Package refexec runs core modules on wazero's interpreter so results and
// traps of this engine can be cross-checked against an independent
// implementation.
package refexec

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

// HostFunc is a host import as seen by the reference: raw value bits in,
// raw value bits out.
type HostFunc struct {
	Type wasm.FuncType
	Fn   func(ctx context.Context, args []uint64) []uint64
}

// Imports maps module -> name -> host function.
type Imports map[string]map[string]HostFunc

// Outcome is what one reference call produced. Trap is empty on success.
type Outcome struct {
	Trap    errors.TrapCode
	Message string
	Results []uint64
}

type Executor struct {
	cfg wazero.RuntimeConfig
}

// New creates an executor backed by wazero's interpreter.
func New() *Executor {
	return &Executor{
		cfg: wazero.NewRuntimeConfigInterpreter().WithCoreFeatures(api.CoreFeaturesV2),
	}
}

// Run instantiates bin with imports in a fresh wazero runtime and calls the
// export name. A trap is an Outcome, not an error; errors mean the reference
// could not run the call.
func (e *Executor) Run(ctx context.Context, bin []byte, imports Imports, name string, args []uint64) (*Outcome, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, e.cfg)
	defer rt.Close(ctx)

	for mod, funcs := range imports {
		b := rt.NewHostModuleBuilder(mod)
		for fname, hf := range funcs {
			params, err := valueTypes(hf.Type.Params)
			if err != nil {
				return nil, fmt.Errorf("reference host %s.%s: %w", mod, fname, err)
			}
			results, err := valueTypes(hf.Type.Results)
			if err != nil {
				return nil, fmt.Errorf("reference host %s.%s: %w", mod, fname, err)
			}
			fn := hf.Fn
			nparams, nres := len(params), len(results)
			b.NewFunctionBuilder().
				WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
					out := fn(ctx, append([]uint64(nil), stack[:nparams]...))
					copy(stack[:nres], out)
				}), params, results).
				Export(fname)
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return nil, fmt.Errorf("reference host module %s: %w", mod, err)
		}
	}

	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("reference compile: %w", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		if code, ok := classify(err); ok {
			return &Outcome{Trap: code, Message: err.Error()}, nil
		}
		return nil, fmt.Errorf("reference instantiate: %w", err)
	}

	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("reference: no exported function %q", name)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		code, ok := classify(err)
		if !ok {
			return nil, fmt.Errorf("reference call: %w", err)
		}
		return &Outcome{Trap: code, Message: err.Error()}, nil
	}
	return &Outcome{Results: res}, nil
}

// valueTypes maps a host signature to wazero's. wazero's host API has no
// funcref type, so such signatures cannot be referenced.
func valueTypes(vts []wasm.ValType) ([]api.ValueType, error) {
	out := make([]api.ValueType, len(vts))
	for i, vt := range vts {
		switch vt {
		case wasm.ValI32:
			out[i] = api.ValueTypeI32
		case wasm.ValI64:
			out[i] = api.ValueTypeI64
		case wasm.ValF32:
			out[i] = api.ValueTypeF32
		case wasm.ValF64:
			out[i] = api.ValueTypeF64
		case wasm.ValExtern:
			out[i] = api.ValueTypeExternref
		default:
			return nil, fmt.Errorf("no reference value type for %s", vt)
		}
	}
	return out, nil
}

// wazero reports traps as "wasm error: <message>".
var trapMessages = []struct {
	text string
	code errors.TrapCode
}{
	{"unreachable", errors.TrapUnreachable},
	{"integer divide by zero", errors.TrapIntegerDivideByZero},
	{"integer overflow", errors.TrapIntegerOverflow},
	{"invalid conversion to integer", errors.TrapInvalidConversion},
	{"out of bounds memory access", errors.TrapOutOfBoundsMemory},
	{"invalid table access", errors.TrapOutOfBoundsTable},
	{"indirect call type mismatch", errors.TrapIndirectCallTypeMismatch},
	{"stack overflow", errors.TrapCallStackExhausted},
}

func classify(err error) (errors.TrapCode, bool) {
	_, msg, ok := strings.Cut(err.Error(), "wasm error: ")
	if !ok {
		return "", false
	}
	msg, _, _ = strings.Cut(msg, "\n")
	for _, m := range trapMessages {
		if strings.HasSuffix(msg, m.text) {
			return m.code, true
		}
	}
	return "", false
}

// sameClass folds trap codes the reference does not distinguish: wazero
// reports both a table index out of range and a null entry as one error.
func sameClass(a, b errors.TrapCode) bool {
	fold := func(c errors.TrapCode) errors.TrapCode {
		if c == errors.TrapUninitializedElement {
			return errors.TrapOutOfBoundsTable
		}
		return c
	}
	return fold(a) == fold(b)
}

// Compare checks a call's results or trap against the reference outcome.
// NaNs compare equal regardless of payload.
func Compare(ref *Outcome, results []wasmvm.Value, trap *errors.Trap) error {
	switch {
	case trap != nil && ref.Trap == "":
		return fmt.Errorf("engine trapped with %s, reference returned %v", trap.Code, ref.Results)
	case trap == nil && ref.Trap != "":
		return fmt.Errorf("engine returned %v, reference trapped with %s", results, ref.Trap)
	case trap != nil:
		if !sameClass(trap.Code, ref.Trap) {
			return fmt.Errorf("engine trapped with %s, reference with %s (%s)", trap.Code, ref.Trap, ref.Message)
		}
		return nil
	}
	if len(results) != len(ref.Results) {
		return fmt.Errorf("engine returned %d results, reference %d", len(results), len(ref.Results))
	}
	for i, v := range results {
		if !sameBits(v, ref.Results[i]) {
			return fmt.Errorf("result %d: engine %v, reference %#x", i, v, ref.Results[i])
		}
	}
	return nil
}

func sameBits(v wasmvm.Value, bits uint64) bool {
	switch v.Kind() {
	case wasmvm.KindF32:
		a, b := float64(v.F32()), float64(math.Float32frombits(uint32(bits)))
		return v.Bits() == bits || (math.IsNaN(a) && math.IsNaN(b))
	case wasmvm.KindF64:
		return v.Bits() == bits || (math.IsNaN(v.F64()) && math.IsNaN(math.Float64frombits(bits)))
	case wasmvm.KindI32:
		return v.Bits() == bits&math.MaxUint32
	}
	return v.Bits() == bits
}

// Bits converts arguments to the reference's raw encoding.
func Bits(vals []wasmvm.Value) []uint64 {
	out := make([]uint64, len(vals))
	for i, v := range vals {
		out[i] = v.Bits()
	}
	return out
}
