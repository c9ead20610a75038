package runtime

import (
	"context"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/translate"
	"github.com/wippyai/wasm-vm/wasm"
)

type Module struct {
	runtime  *Runtime
	compiled *engine.CompiledModule
}

// Compiled returns the validated and translated module.
func (m *Module) Compiled() *engine.CompiledModule { return m.compiled }

// Instantiate creates an instance in a new store, running the start
// function if the module has one. Async runtimes need InstantiateAsync when
// a start function is present.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	s, err := m.runtime.newStore()
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	inst, err := s.Instantiate(ctx, m.compiled, m.runtime.hosts.Imports())
	if err != nil {
		return nil, err
	}
	return &Instance{module: m, store: s, inst: inst}, nil
}

// InstantiateAsync creates an instance in a new async store. The returned
// future runs the start function; it is nil when there is none.
func (m *Module) InstantiateAsync() (*Instance, *engine.CallFuture, error) {
	s, err := m.runtime.newStore()
	if err != nil {
		return nil, nil, errors.Instantiation(err)
	}
	inst, fut, err := s.InstantiateAsync(m.compiled, m.runtime.hosts.Imports())
	if err != nil {
		return nil, nil, err
	}
	return &Instance{module: m, store: s, inst: inst}, fut, nil
}

type Export struct {
	Name string
	Kind string
}

var exportKinds = [...]string{
	wasm.KindFunc:   "func",
	wasm.KindTable:  "table",
	wasm.KindMemory: "memory",
	wasm.KindGlobal: "global",
}

func (m *Module) Exports() []Export {
	exps := m.compiled.Module.Exports
	if len(exps) == 0 {
		return nil
	}
	out := make([]Export, len(exps))
	for i, e := range exps {
		kind := "unknown"
		if int(e.Kind) < len(exportKinds) {
			kind = exportKinds[e.Kind]
		}
		out[i] = Export{Name: e.Name, Kind: kind}
	}
	return out
}

// FuncSummary describes one translated function body.
type FuncSummary struct {
	Name        string
	Index       uint32
	Ops         int
	Blocks      int
	Reachable   int
	Sealed      int
	Checkpoints int
	MaxStack    int
}

// Functions summarizes every defined function in index order.
func (m *Module) Functions() []FuncSummary {
	out := make([]FuncSummary, 0, len(m.compiled.Funcs))
	for _, fn := range m.compiled.Funcs {
		sum := FuncSummary{
			Name:      fn.Name,
			Index:     fn.Index,
			Ops:       len(fn.Ops),
			Blocks:    len(fn.Blocks),
			Reachable: fn.ReachableBlocks(),
			MaxStack:  fn.MaxStackSlots,
		}
		for _, bb := range fn.Blocks {
			if bb.Sealed {
				sum.Sealed++
			}
		}
		for _, op := range fn.Ops {
			if op.Code == translate.OpCheckpoint {
				sum.Checkpoints++
			}
		}
		out = append(out, sum)
	}
	return out
}

// Code returns the translated body of an exported function, or nil.
func (m *Module) Code(name string) *translate.Function {
	idx, ok := m.compiled.Module.ExportedFunc(name)
	if !ok {
		return nil
	}
	return m.compiled.Code(idx)
}

// FuncType returns the core signature of an exported function.
func (m *Module) FuncType(name string) (*wasm.FuncType, error) {
	idx, ok := m.compiled.Module.ExportedFunc(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	return m.compiled.Module.GetFuncType(idx), nil
}

// Signature describes an exported function with WIT primitive types:
// i32 as s32, i64 as s64, f32 and f64 unchanged. Functions using vector or
// reference types have no WIT form.
func (m *Module) Signature(name string) (params, results []wit.Type, err error) {
	ft, err := m.FuncType(name)
	if err != nil {
		return nil, nil, err
	}
	if params, err = witTypes(ft.Params); err != nil {
		return nil, nil, err
	}
	if results, err = witTypes(ft.Results); err != nil {
		return nil, nil, err
	}
	return params, results, nil
}

func witTypes(vts []wasm.ValType) ([]wit.Type, error) {
	out := make([]wit.Type, len(vts))
	for i, vt := range vts {
		t, err := witType(vt)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func witType(vt wasm.ValType) (wit.Type, error) {
	switch vt {
	case wasm.ValI32:
		return wit.S32{}, nil
	case wasm.ValI64:
		return wit.S64{}, nil
	case wasm.ValF32:
		return wit.F32{}, nil
	case wasm.ValF64:
		return wit.F64{}, nil
	}
	return nil, errors.Unsupported(errors.PhaseRuntime, "no WIT type for "+vt.String())
}
