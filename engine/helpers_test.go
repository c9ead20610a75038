package engine

import (
	"context"
	"testing"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/wasm"
)

var (
	i32x1 = []wasm.ValType{wasm.ValI32}
	i32x2 = []wasm.ValType{wasm.ValI32, wasm.ValI32}
)

// sleb encodes v as a signed LEB128 immediate.
func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func i32Const(v int32) []byte {
	return append([]byte{wasm.OpI32Const}, sleb(int64(v))...)
}

func code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// sumLoop adds n, n-1, ... 1 in a loop: (param i32) (result i32).
var sumLoop = []byte{
	wasm.OpBlock, 0x40,
	wasm.OpLoop, 0x40,
	wasm.OpLocalGet, 0, wasm.OpI32Eqz, wasm.OpBrIf, 1,
	wasm.OpLocalGet, 1, wasm.OpLocalGet, 0, wasm.OpI32Add, wasm.OpLocalSet, 1,
	wasm.OpLocalGet, 0, wasm.OpI32Const, 1, wasm.OpI32Sub, wasm.OpLocalSet, 0,
	wasm.OpBr, 0,
	wasm.OpEnd,
	wasm.OpEnd,
	wasm.OpLocalGet, 1,
	wasm.OpEnd,
}

// singleFunc builds a module exporting one function as "run", with one
// memory page and a one-entry funcref table.
func singleFunc(params, results []wasm.ValType, locals []wasm.LocalEntry, body []byte) *wasm.Module {
	return &wasm.Module{
		Types:    []wasm.FuncType{{Params: params, Results: results}},
		Funcs:    []uint32{0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Tables:   []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1}}},
		Exports:  []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code:     []wasm.FuncBody{{Locals: locals, Code: body}},
	}
}

func sumModule() *wasm.Module {
	return singleFunc(i32x1, i32x1, []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}}, sumLoop)
}

// importModule builds a module importing env.host of type ft and exporting
// "run" with the given type and body.
func importModule(host wasm.FuncType, runType wasm.FuncType, locals []wasm.LocalEntry, body []byte) *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{host, runType},
		Imports: []wasm.Import{{
			Module: "env", Name: "host",
			Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0},
		}},
		Funcs:    []uint32{1},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports:  []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 1}},
		Code:     []wasm.FuncBody{{Locals: locals, Code: body}},
	}
}

func instantiate(t *testing.T, cfg *Config, m *wasm.Module, imports Imports) (*Store, *Instance) {
	t.Helper()
	e := NewEngine(cfg)
	cm, err := e.CompileBinary(m.Encode())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	s := NewStore(e)
	if imports == nil {
		imports = Imports{}
	}
	var inst *Instance
	if s.IsAsync() {
		var fut *CallFuture
		inst, fut, err = s.InstantiateAsync(cm, imports)
		if fut != nil {
			t.Fatalf("unexpected start function")
		}
	} else {
		inst, err = s.Instantiate(context.Background(), cm, imports)
	}
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return s, inst
}

// pollAll polls fut to completion and returns the number of false polls.
func pollAll(t *testing.T, fut *CallFuture, limit int) int {
	t.Helper()
	pending := 0
	for !fut.Poll(context.Background()) {
		pending++
		if pending > limit {
			t.Fatalf("future still pending after %d polls (state %s)", pending, fut.State())
		}
	}
	return pending
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

func expectI32(t *testing.T, got []wasmvm.Value, want int32) {
	t.Helper()
	if len(got) != 1 || got[0].Kind() != wasmvm.KindI32 || got[0].I32() != want {
		t.Fatalf("results = %v, want [i32:%d]", got, want)
	}
}
