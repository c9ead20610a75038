package refexec

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/tetratelabs/wazero/api"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

func module(params, results []wasm.ValType, locals []wasm.LocalEntry, body []byte) *wasm.Module {
	return &wasm.Module{
		Types:    []wasm.FuncType{{Params: params, Results: results}},
		Funcs:    []uint32{0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Tables:   []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1}}},
		Exports:  []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code:     []wasm.FuncBody{{Locals: locals, Code: body}},
	}
}

// runEngine calls "run" on this engine and returns results or trap.
func runEngine(t *testing.T, bin []byte, imports engine.Imports, args []wasmvm.Value) ([]wasmvm.Value, *errors.Trap) {
	t.Helper()
	e := engine.NewEngine(nil)
	cm, err := e.CompileBinary(bin)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	inst, err := engine.NewStore(e).Instantiate(context.Background(), cm, imports)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	res, err := inst.Func("run").Call(context.Background(), args...)
	if err != nil {
		var trap *errors.Trap
		if !stderrors.As(err, &trap) {
			t.Fatalf("call: %v", err)
		}
		return nil, trap
	}
	return res, nil
}

var (
	i32 = []wasm.ValType{wasm.ValI32}
	i64 = []wasm.ValType{wasm.ValI64}
	f64 = []wasm.ValType{wasm.ValF64}
)

func TestDifferential(t *testing.T) {
	sumLoop := []byte{
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
	oneI32 := []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}}

	tests := []struct {
		name string
		mod  *wasm.Module
		args [][]wasmvm.Value
	}{
		{"sum loop", module(i32, i32, oneI32, sumLoop),
			[][]wasmvm.Value{{wasmvm.I32(0)}, {wasmvm.I32(1)}, {wasmvm.I32(1000)}}},
		{"div and rem", module([]wasm.ValType{wasm.ValI32, wasm.ValI32}, i32, nil, []byte{
			wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpI32DivS,
			wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpI32RemU,
			wasm.OpI32Xor, wasm.OpEnd,
		}), [][]wasmvm.Value{
			{wasmvm.I32(7), wasmvm.I32(2)},
			{wasmvm.I32(-7), wasmvm.I32(3)},
			{wasmvm.I32(1), wasmvm.I32(0)},
			{wasmvm.I32(math.MinInt32), wasmvm.I32(-1)},
		}},
		{"i64 shifts", module([]wasm.ValType{wasm.ValI64, wasm.ValI64}, i64, nil, []byte{
			wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpI64Rotl,
			wasm.OpLocalGet, 1, wasm.OpI64ShrS, wasm.OpEnd,
		}), [][]wasmvm.Value{
			{wasmvm.I64(-1 << 40), wasmvm.I64(3)},
			{wasmvm.I64(12345), wasmvm.I64(70)},
		}},
		{"float ops", module([]wasm.ValType{wasm.ValF64, wasm.ValF64}, f64, nil, []byte{
			wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpF64Div,
			wasm.OpF64Nearest,
			wasm.OpLocalGet, 1, wasm.OpF64Max, wasm.OpEnd,
		}), [][]wasmvm.Value{
			{wasmvm.F64(10), wasmvm.F64(4)},
			{wasmvm.F64(0), wasmvm.F64(0)},
			{wasmvm.F64(-7.5), wasmvm.F64(math.Inf(-1))},
		}},
		{"truncation", module(f64, i32, nil, []byte{
			wasm.OpLocalGet, 0, wasm.OpI32TruncF64S, wasm.OpEnd,
		}), [][]wasmvm.Value{
			{wasmvm.F64(-3.9)}, {wasmvm.F64(math.NaN())}, {wasmvm.F64(3e9)},
		}},
		{"memory", module(i32, i32, nil, []byte{
			wasm.OpLocalGet, 0, wasm.OpI32Const, 42, wasm.OpI32Store16, 1, 0,
			wasm.OpLocalGet, 0, wasm.OpI32Load8S, 0, 0,
			wasm.OpEnd,
		}), [][]wasmvm.Value{
			{wasmvm.I32(100)}, {wasmvm.I32(65535)}, {wasmvm.I32(-1)},
		}},
		{"br_table", module(i32, i32, nil, []byte{
			wasm.OpBlock, 0x40, wasm.OpBlock, 0x40, wasm.OpBlock, 0x40,
			wasm.OpLocalGet, 0, wasm.OpBrTable, 2, 0, 1, 2,
			wasm.OpEnd, wasm.OpI32Const, 10, wasm.OpReturn,
			wasm.OpEnd, wasm.OpI32Const, 20, wasm.OpReturn,
			wasm.OpEnd, wasm.OpI32Const, 30,
			wasm.OpEnd,
		}), [][]wasmvm.Value{
			{wasmvm.I32(0)}, {wasmvm.I32(1)}, {wasmvm.I32(2)}, {wasmvm.I32(99)},
		}},
		{"call_indirect null", module(i32, i32, nil, []byte{
			wasm.OpLocalGet, 0, wasm.OpLocalGet, 0, wasm.OpCallIndirect, 0, 0, wasm.OpEnd,
		}), [][]wasmvm.Value{
			{wasmvm.I32(0)}, {wasmvm.I32(3)},
		}},
	}

	ref := New()
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin := tt.mod.Encode()
			for _, args := range tt.args {
				got, trap := runEngine(t, bin, engine.Imports{}, args)
				out, err := ref.Run(ctx, bin, nil, "run", Bits(args))
				if err != nil {
					t.Fatalf("reference: %v", err)
				}
				if err := Compare(out, got, trap); err != nil {
					t.Errorf("args %v: %v", args, err)
				}
			}
		})
	}
}

func TestDifferential_HostImport(t *testing.T) {
	ft := wasm.FuncType{Params: i64, Results: i64}
	m := &wasm.Module{
		Types: []wasm.FuncType{ft},
		Imports: []wasm.Import{{
			Module: "env", Name: "twice",
			Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0},
		}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 1}},
		Code: []wasm.FuncBody{{Code: []byte{
			wasm.OpLocalGet, 0, wasm.OpCall, 0, wasm.OpCall, 0, wasm.OpEnd,
		}}},
	}
	bin := m.Encode()

	imports := engine.Imports{}
	imports.Define("env", "twice", engine.NewHostFunction(ft, func(_ *engine.Caller, args, results []wasmvm.Value) error {
		results[0] = wasmvm.I64(args[0].I64() * 2)
		return nil
	}))
	args := []wasmvm.Value{wasmvm.I64(21)}
	got, trap := runEngine(t, bin, imports, args)

	out, err := New().Run(context.Background(), bin, Imports{"env": {"twice": {
		Type: ft,
		Fn: func(_ context.Context, args []uint64) []uint64 {
			return []uint64{uint64(int64(args[0]) * 2)}
		},
	}}}, "run", Bits(args))
	if err != nil {
		t.Fatal(err)
	}
	if err := Compare(out, got, trap); err != nil {
		t.Error(err)
	}
	if got[0].I64() != 84 {
		t.Errorf("run(21) = %v", got[0])
	}
}

func TestRun_FuncrefHostRejected(t *testing.T) {
	bin := module(i32, i32, nil, []byte{wasm.OpLocalGet, 0, wasm.OpEnd}).Encode()
	imports := Imports{"env": {"take": {
		Type: wasm.FuncType{Params: []wasm.ValType{wasm.ValFuncRef}},
		Fn:   func(context.Context, []uint64) []uint64 { return nil },
	}}}
	if _, err := New().Run(context.Background(), bin, imports, "run", []uint64{1}); err == nil {
		t.Fatal("expected an error for a funcref host signature")
	}
}

func TestValueTypes(t *testing.T) {
	got, err := valueTypes([]wasm.ValType{wasm.ValI32, wasm.ValF64, wasm.ValExtern})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != api.ValueTypeI32 || got[1] != api.ValueTypeF64 || got[2] != api.ValueTypeExternref {
		t.Errorf("valueTypes = %v", got)
	}
	if _, err := valueTypes([]wasm.ValType{wasm.ValFuncRef}); err == nil {
		t.Error("funcref must be rejected")
	}
}

func TestCompare(t *testing.T) {
	nanA := wasmvm.F64(math.Float64frombits(0x7ff8000000000001))
	tests := []struct {
		name    string
		ref     *Outcome
		results []wasmvm.Value
		trap    *errors.Trap
		wantErr bool
	}{
		{"equal", &Outcome{Results: []uint64{5}}, []wasmvm.Value{wasmvm.I32(5)}, nil, false},
		{"differ", &Outcome{Results: []uint64{5}}, []wasmvm.Value{wasmvm.I32(6)}, nil, true},
		{"nan payloads", &Outcome{Results: []uint64{0x7ff8000000000000}}, []wasmvm.Value{nanA}, nil, false},
		{"same trap", &Outcome{Trap: errors.TrapUnreachable}, nil, errors.NewTrap(errors.TrapUnreachable, ""), false},
		{"folded table trap", &Outcome{Trap: errors.TrapOutOfBoundsTable}, nil, errors.NewTrap(errors.TrapUninitializedElement, ""), false},
		{"trap vs value", &Outcome{Results: []uint64{1}}, nil, errors.NewTrap(errors.TrapUnreachable, ""), true},
		{"value vs trap", &Outcome{Trap: errors.TrapUnreachable}, []wasmvm.Value{wasmvm.I32(1)}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Compare(tt.ref, tt.results, tt.trap); (err != nil) != tt.wantErr {
				t.Errorf("Compare() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want errors.TrapCode
		ok   bool
	}{
		{"wasm error: unreachable\nwasm stack trace:\n\t.run()", errors.TrapUnreachable, true},
		{"wasm error: integer divide by zero", errors.TrapIntegerDivideByZero, true},
		{"wasm error: invalid table access\nwasm stack trace:\n\t.unreachable()", errors.TrapOutOfBoundsTable, true},
		{"wasm error: callstack overflow", errors.TrapCallStackExhausted, true},
		{"module closed with exit_code(1)", "", false},
	}
	for _, tt := range tests {
		got, ok := classify(stderrors.New(tt.msg))
		if got != tt.want || ok != tt.ok {
			t.Errorf("classify(%q) = %s, %v", tt.msg, got, ok)
		}
	}
}
