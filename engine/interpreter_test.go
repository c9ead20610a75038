package engine

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

func callRun(t *testing.T, m *wasm.Module, imports Imports, args ...wasmvm.Value) ([]wasmvm.Value, error) {
	t.Helper()
	_, inst := instantiate(t, nil, m, imports)
	return inst.Func("run").Call(context.Background(), args...)
}

func TestCall_Sync(t *testing.T) {
	tests := []struct {
		name string
		arg  int32
		want int32
	}{
		{"zero", 0, 0},
		{"ten", 10, 55},
		{"hundred", 100, 5050},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := callRun(t, sumModule(), nil, wasmvm.I32(tt.arg))
			if err != nil {
				t.Fatal(err)
			}
			expectI32(t, res, tt.want)
		})
	}
}

func TestCall_ControlFlow(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		arg  int32
		want int32
	}{
		{"if else taken", []byte{
			wasm.OpLocalGet, 0,
			wasm.OpIf, 0x7F, wasm.OpI32Const, 1, wasm.OpElse, wasm.OpI32Const, 2, wasm.OpEnd,
			wasm.OpEnd,
		}, 1, 1},
		{"if else not taken", []byte{
			wasm.OpLocalGet, 0,
			wasm.OpIf, 0x7F, wasm.OpI32Const, 1, wasm.OpElse, wasm.OpI32Const, 2, wasm.OpEnd,
			wasm.OpEnd,
		}, 0, 2},
		{"br_table picks label", []byte{
			wasm.OpBlock, 0x7F, wasm.OpBlock, 0x7F,
			wasm.OpI32Const, 5, wasm.OpLocalGet, 0, wasm.OpBrTable, 1, 0, 1,
			wasm.OpEnd, wasm.OpI32Const, 10, wasm.OpI32Add, wasm.OpEnd,
			wasm.OpEnd,
		}, 0, 15},
		{"br_table default", []byte{
			wasm.OpBlock, 0x7F, wasm.OpBlock, 0x7F,
			wasm.OpI32Const, 5, wasm.OpLocalGet, 0, wasm.OpBrTable, 1, 0, 1,
			wasm.OpEnd, wasm.OpI32Const, 10, wasm.OpI32Add, wasm.OpEnd,
			wasm.OpEnd,
		}, 9, 5},
		{"br drops operands", []byte{
			wasm.OpBlock, 0x7F,
			wasm.OpI32Const, 1, wasm.OpI32Const, 2, wasm.OpI32Const, 3,
			wasm.OpBr, 0,
			wasm.OpEnd,
			wasm.OpEnd,
		}, 0, 3},
		{"return from nested block", []byte{
			wasm.OpBlock, 0x40, wasm.OpBlock, 0x40,
			wasm.OpI32Const, 42, wasm.OpReturn,
			wasm.OpEnd, wasm.OpEnd,
			wasm.OpI32Const, 0, wasm.OpEnd,
		}, 0, 42},
		{"br to function label", []byte{
			wasm.OpI32Const, 7, wasm.OpLocalGet, 0, wasm.OpBrIf, 0,
			wasm.OpDrop, wasm.OpI32Const, 8, wasm.OpEnd,
		}, 1, 7},
		{"select", []byte{
			wasm.OpI32Const, 3, wasm.OpI32Const, 4, wasm.OpLocalGet, 0, wasm.OpSelect, wasm.OpEnd,
		}, 0, 4},
		{"code after unreachable branch is skipped", []byte{
			wasm.OpBlock, 0x7F,
			wasm.OpI32Const, 11, wasm.OpBr, 0,
			wasm.OpUnreachable, wasm.OpI32Add,
			wasm.OpEnd,
			wasm.OpEnd,
		}, 0, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := callRun(t, singleFunc(i32x1, i32x1, nil, tt.body), nil, wasmvm.I32(tt.arg))
			if err != nil {
				t.Fatal(err)
			}
			expectI32(t, res, tt.want)
		})
	}
}

// A br_if to a [i64]->[i32] loop carries the i64 parameter and drops the
// extra i32 beneath it on every iteration.
func TestCall_MultiValueLoopBranch(t *testing.T) {
	i64x1 := []wasm.ValType{wasm.ValI64}
	m := singleFunc(nil, []wasm.ValType{wasm.ValI32}, []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI64}}, []byte{
		wasm.OpI64Const, 1,
		wasm.OpLoop, 0x01,
		wasm.OpI64Const, 2, wasm.OpI64Mul, wasm.OpLocalSet, 0,
		wasm.OpI32Const, 7,
		wasm.OpLocalGet, 0,
		wasm.OpLocalGet, 0, wasm.OpI64Const, 16, wasm.OpI64LtU,
		wasm.OpBrIf, 0,
		wasm.OpI32WrapI64, wasm.OpI32Add,
		wasm.OpEnd,
		wasm.OpEnd,
	})
	m.Types = append(m.Types, wasm.FuncType{Params: i64x1, Results: []wasm.ValType{wasm.ValI32}})

	res, err := callRun(t, m, nil)
	if err != nil {
		t.Fatal(err)
	}
	expectI32(t, res, 23)
}

func TestCall_Numeric(t *testing.T) {
	i64x2 := []wasm.ValType{wasm.ValI64, wasm.ValI64}
	f64x2 := []wasm.ValType{wasm.ValF64, wasm.ValF64}
	tests := []struct {
		name    string
		params  []wasm.ValType
		results []wasm.ValType
		op      byte
		args    []wasmvm.Value
		want    wasmvm.Value
	}{
		{"i32.sub wraps", i32x2, i32x1, wasm.OpI32Sub, []wasmvm.Value{wasmvm.I32(math.MinInt32), wasmvm.I32(1)}, wasmvm.I32(math.MaxInt32)},
		{"i32.div_s", i32x2, i32x1, wasm.OpI32DivS, []wasmvm.Value{wasmvm.I32(-7), wasmvm.I32(2)}, wasmvm.I32(-3)},
		{"i32.rem_s min", i32x2, i32x1, wasm.OpI32RemS, []wasmvm.Value{wasmvm.I32(math.MinInt32), wasmvm.I32(-1)}, wasmvm.I32(0)},
		{"i32.shr_s", i32x2, i32x1, wasm.OpI32ShrS, []wasmvm.Value{wasmvm.I32(-8), wasmvm.I32(33)}, wasmvm.I32(-4)},
		{"i32.rotr", i32x2, i32x1, wasm.OpI32Rotr, []wasmvm.Value{wasmvm.I32(1), wasmvm.I32(1)}, wasmvm.I32(math.MinInt32)},
		{"i32.lt_u", i32x2, i32x1, wasm.OpI32LtU, []wasmvm.Value{wasmvm.I32(-1), wasmvm.I32(1)}, wasmvm.I32(0)},
		{"i64.mul", i64x2, []wasm.ValType{wasm.ValI64}, wasm.OpI64Mul, []wasmvm.Value{wasmvm.I64(1 << 40), wasmvm.I64(3)}, wasmvm.I64(3 << 40)},
		{"i64.gt_s", i64x2, i32x1, wasm.OpI64GtS, []wasmvm.Value{wasmvm.I64(-1), wasmvm.I64(-2)}, wasmvm.I32(1)},
		{"f64.min negative zero", f64x2, []wasm.ValType{wasm.ValF64}, wasm.OpF64Min, []wasmvm.Value{wasmvm.F64(0), wasmvm.F64(math.Copysign(0, -1))}, wasmvm.F64(math.Copysign(0, -1))},
		{"f64.lt nan", f64x2, i32x1, wasm.OpF64Lt, []wasmvm.Value{wasmvm.F64(math.NaN()), wasmvm.F64(1)}, wasmvm.I32(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte{wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, tt.op, wasm.OpEnd}
			res, err := callRun(t, singleFunc(tt.params, tt.results, nil, body), nil, tt.args...)
			if err != nil {
				t.Fatal(err)
			}
			if len(res) != 1 || res[0] != tt.want {
				t.Errorf("got %v, want %v", res, tt.want)
			}
		})
	}
}

func TestCall_Conversions(t *testing.T) {
	tests := []struct {
		name string
		op   []byte
		arg  wasmvm.Value
		in   wasm.ValType
		out  wasm.ValType
		want wasmvm.Value
	}{
		{"f64.nearest half even", []byte{wasm.OpF64Nearest}, wasmvm.F64(2.5), wasm.ValF64, wasm.ValF64, wasmvm.F64(2)},
		{"f64.nearest keeps sign", []byte{wasm.OpF64Nearest}, wasmvm.F64(-0.4), wasm.ValF64, wasm.ValF64, wasmvm.F64(math.Copysign(0, -1))},
		{"i32.trunc_sat nan", []byte{wasm.OpPrefixMisc, 0x02}, wasmvm.F64(math.NaN()), wasm.ValF64, wasm.ValI32, wasmvm.I32(0)},
		{"i32.trunc_sat high", []byte{wasm.OpPrefixMisc, 0x02}, wasmvm.F64(1e20), wasm.ValF64, wasm.ValI32, wasmvm.I32(math.MaxInt32)},
		{"i64.trunc_sat_u negative", []byte{wasm.OpPrefixMisc, 0x07}, wasmvm.F64(-3), wasm.ValF64, wasm.ValI64, wasmvm.I64(0)},
		{"i64.extend_i32_s", []byte{wasm.OpI64ExtendI32S}, wasmvm.I32(-2), wasm.ValI32, wasm.ValI64, wasmvm.I64(-2)},
		{"i64.extend_i32_u", []byte{wasm.OpI64ExtendI32U}, wasmvm.I32(-1), wasm.ValI32, wasm.ValI64, wasmvm.I64(0xffffffff)},
		{"i32.extend8_s", []byte{wasm.OpI32Extend8S}, wasmvm.I32(0x80), wasm.ValI32, wasm.ValI32, wasmvm.I32(-128)},
		{"f32.demote", []byte{wasm.OpF32DemoteF64}, wasmvm.F64(1.5), wasm.ValF64, wasm.ValF32, wasmvm.F32(1.5)},
		{"i32.trunc_f64_u", []byte{wasm.OpI32TruncF64U}, wasmvm.F64(4294967295.9), wasm.ValF64, wasm.ValI32, wasmvm.I32(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := code([]byte{wasm.OpLocalGet, 0}, tt.op, []byte{wasm.OpEnd})
			m := singleFunc([]wasm.ValType{tt.in}, []wasm.ValType{tt.out}, nil, body)
			res, err := callRun(t, m, nil, tt.arg)
			if err != nil {
				t.Fatal(err)
			}
			if len(res) != 1 || res[0] != tt.want {
				t.Errorf("got %v, want %v", res, tt.want)
			}
		})
	}
}

func TestCall_Traps(t *testing.T) {
	recurse := []byte{wasm.OpLocalGet, 0, wasm.OpCall, 0, wasm.OpEnd}
	tests := []struct {
		name string
		body []byte
		arg  int32
		want errors.TrapCode
	}{
		{"unreachable", []byte{wasm.OpUnreachable, wasm.OpEnd}, 0, errors.TrapUnreachable},
		{"divide by zero", []byte{wasm.OpI32Const, 1, wasm.OpLocalGet, 0, wasm.OpI32DivU, wasm.OpEnd}, 0, errors.TrapIntegerDivideByZero},
		{"signed overflow", code(i32Const(math.MinInt32), []byte{wasm.OpI32Const, 0x7F, wasm.OpI32DivS, wasm.OpEnd}), 0, errors.TrapIntegerOverflow},
		{"trunc nan", []byte{
			wasm.OpF32Const, 0x00, 0x00, 0xC0, 0x7F, wasm.OpI32TruncF32S, wasm.OpEnd,
		}, 0, errors.TrapInvalidConversion},
		{"trunc out of range", []byte{
			wasm.OpF32Const, 0x00, 0x00, 0x00, 0x4F, wasm.OpI32TruncF32S, wasm.OpEnd, // 2^31
		}, 0, errors.TrapIntegerOverflow},
		{"memory out of bounds", code([]byte{wasm.OpLocalGet, 0, wasm.OpI32Load, 2, 0}, []byte{wasm.OpEnd}), 65533, errors.TrapOutOfBoundsMemory},
		{"null table entry", []byte{wasm.OpLocalGet, 0, wasm.OpI32Const, 0, wasm.OpCallIndirect, 0, 0, wasm.OpEnd}, 0, errors.TrapUninitializedElement},
		{"table index out of range", []byte{wasm.OpI32Const, 0, wasm.OpLocalGet, 0, wasm.OpCallIndirect, 0, 0, wasm.OpEnd}, 5, errors.TrapOutOfBoundsTable},
		{"call stack exhausted", recurse, 0, errors.TrapCallStackExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callRun(t, singleFunc(i32x1, i32x1, nil, tt.body), nil, wasmvm.I32(tt.arg))
			var trap *errors.Trap
			if !stderrors.As(err, &trap) {
				t.Fatalf("err = %v, want trap", err)
			}
			if trap.Code != tt.want {
				t.Fatalf("code = %s, want %s (%v)", trap.Code, tt.want, trap)
			}
			if len(trap.Frames) == 0 || trap.Frames[0].Name != "run" {
				t.Errorf("frames = %v", trap.Frames)
			}
		})
	}
}

func TestCall_TrapOffsets(t *testing.T) {
	body := []byte{
		wasm.OpLocalGet, 0, // 0
		wasm.OpIf, 0x40, // 2
		wasm.OpUnreachable, // 4
		wasm.OpEnd,         // 5
		wasm.OpI32Const, 0, // 6
		wasm.OpEnd,
	}
	_, err := callRun(t, singleFunc(i32x1, i32x1, nil, body), nil, wasmvm.I32(1))
	var trap *errors.Trap
	if !stderrors.As(err, &trap) {
		t.Fatalf("err = %v", err)
	}
	if got := trap.Frames[0].Offset; got != 4 {
		t.Errorf("offset = %d, want 4", got)
	}
	if trap.Trace() == "" {
		t.Error("empty trace")
	}
}

func TestCall_HostFunctions(t *testing.T) {
	hostType := wasm.FuncType{Params: i32x1, Results: i32x1}
	m := importModule(hostType, hostType, nil, []byte{
		wasm.OpLocalGet, 0, wasm.OpCall, 0, wasm.OpEnd,
	})

	t.Run("result", func(t *testing.T) {
		imports := Imports{}
		imports.Define("env", "host", NewHostFunction(hostType, func(c *Caller, args, results []wasmvm.Value) error {
			if c.Memory() == nil || c.Instance() == nil || c.Export("run") == nil {
				t.Error("caller view incomplete")
			}
			results[0] = wasmvm.I32(args[0].I32() - 1)
			return nil
		}))
		res, err := callRun(t, m, imports, wasmvm.I32(10))
		if err != nil {
			t.Fatal(err)
		}
		expectI32(t, res, 9)
	})

	t.Run("error traps", func(t *testing.T) {
		boom := stderrors.New("boom")
		imports := Imports{}
		imports.Define("env", "host", NewHostFunction(hostType, func(*Caller, []wasmvm.Value, []wasmvm.Value) error {
			return boom
		}))
		_, err := callRun(t, m, imports, wasmvm.I32(10))
		var trap *errors.Trap
		if !stderrors.As(err, &trap) || trap.Code != errors.TrapHost || !stderrors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
		want := []errors.TrapFrame{{Name: "env.host", Func: 0, Offset: -1}, {Name: "run", Func: 1, Offset: 2}}
		if len(trap.Frames) != len(want) {
			t.Fatalf("frames = %v", trap.Frames)
		}
		for i := range want {
			if trap.Frames[i] != want[i] {
				t.Errorf("frame %d = %v, want %v", i, trap.Frames[i], want[i])
			}
		}
	})

	t.Run("wrong result kind traps", func(t *testing.T) {
		imports := Imports{}
		imports.Define("env", "host", NewHostFunction(hostType, func(_ *Caller, _, results []wasmvm.Value) error {
			results[0] = wasmvm.I64(1)
			return nil
		}))
		_, err := callRun(t, m, imports, wasmvm.I32(10))
		var trap *errors.Trap
		if !stderrors.As(err, &trap) || trap.Code != errors.TrapHost {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestCall_V128AndRefs(t *testing.T) {
	v128 := []wasm.ValType{wasm.ValV128}
	body := []byte{
		wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpLocalGet, 2, wasm.OpSelect, wasm.OpEnd,
	}
	res, err := callRun(t, singleFunc([]wasm.ValType{wasm.ValV128, wasm.ValV128, wasm.ValI32}, v128, nil, body), nil,
		wasmvm.V128(1, 2), wasmvm.V128(3, 4), wasmvm.I32(0))
	if err != nil {
		t.Fatal(err)
	}
	if lo, hi := res[0].V128(); lo != 3 || hi != 4 {
		t.Errorf("select v128 = %v", res[0])
	}

	ext := []wasm.ValType{wasm.ValExtern}
	s, inst := instantiate(t, nil, singleFunc(ext, ext, nil, []byte{wasm.OpLocalGet, 0, wasm.OpEnd}), nil)
	payload := &struct{ n int }{n: 3}
	res, err = inst.Func("run").Call(context.Background(), s.ExternRef(payload))
	if err != nil {
		t.Fatal(err)
	}
	if s.ExternValue(res[0]) != payload {
		t.Errorf("externref round trip lost identity")
	}

	other := NewStore(s.Engine())
	foreign := other.ExternRef("x")
	mustPanic(t, "foreign externref", func() {
		_, _ = inst.Func("run").Call(context.Background(), foreign)
	})
}

func TestInstance_MemoryAndData(t *testing.T) {
	m := singleFunc(i32x1, i32x1, nil, []byte{
		wasm.OpI32Const, 1, wasm.OpMemoryGrow, 0, wasm.OpDrop,
		wasm.OpLocalGet, 0, wasm.OpI32Load, 2, 0,
		wasm.OpMemorySize, 0, wasm.OpI32Add,
		wasm.OpEnd,
	})
	m.Data = []wasm.DataSegment{{Offset: []byte{wasm.OpI32Const, 8, wasm.OpEnd}, Init: []byte{40, 0, 0, 0}}}
	_, inst := instantiate(t, nil, m, nil)

	res, err := inst.Func("run").Call(context.Background(), wasmvm.I32(8))
	if err != nil {
		t.Fatal(err)
	}
	expectI32(t, res, 42)
	if inst.Memory().Pages() != 2 {
		t.Errorf("pages = %d", inst.Memory().Pages())
	}
	if v, err := inst.Memory().ReadU32(8); err != nil || v != 40 {
		t.Errorf("ReadU32 = %d, %v", v, err)
	}
	if _, err := inst.Memory().ReadU32(2 * wasm.PageSize); err == nil {
		t.Error("read past end succeeded")
	}
}

func TestInstance_IndirectCallThroughElements(t *testing.T) {
	ft := wasm.FuncType{Params: i32x1, Results: i32x1}
	m := &wasm.Module{
		Types:  []wasm.FuncType{ft},
		Funcs:  []uint32{0, 0},
		Tables: []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 2}}},
		Elements: []wasm.Element{{
			Mode: wasm.ElemActive, Type: wasm.ValFuncRef,
			Offset:   []byte{wasm.OpI32Const, 1, wasm.OpEnd},
			FuncIdxs: []uint32{1},
		}},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpI32Const, 1, wasm.OpCallIndirect, 0, 0, wasm.OpEnd}},
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpI32Const, 3, wasm.OpI32Mul, wasm.OpEnd}},
		},
	}
	res, err := callRun(t, m, nil, wasmvm.I32(5))
	if err != nil {
		t.Fatal(err)
	}
	expectI32(t, res, 15)
}

func TestInstantiate_Errors(t *testing.T) {
	hostType := wasm.FuncType{Params: i32x1, Results: i32x1}
	m := importModule(hostType, hostType, nil, []byte{wasm.OpLocalGet, 0, wasm.OpCall, 0, wasm.OpEnd})
	e := NewEngine(nil)
	cm, err := e.Compile(m)
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewStore(e).Instantiate(context.Background(), cm, Imports{})
	var missing *errors.MissingImportsError
	if !stderrors.As(err, &missing) || len(missing.Imports) != 1 || missing.Imports[0].Name != "host" {
		t.Fatalf("missing imports: %v", err)
	}

	async := Imports{}
	async.Define("env", "host", NewAsyncHostFunction(hostType, func(*Caller, []wasmvm.Value, []wasmvm.Value) (*Continuation, error) {
		return nil, nil
	}))
	if _, err := NewStore(e).Instantiate(context.Background(), cm, async); err == nil {
		t.Error("async host function accepted by sync store")
	}

	wrong := Imports{}
	wrong.Define("env", "host", NewHostFunction(wasm.FuncType{Params: i32x2}, func(*Caller, []wasmvm.Value, []wasmvm.Value) error {
		return nil
	}))
	if _, err := NewStore(e).Instantiate(context.Background(), cm, wrong); err == nil {
		t.Error("mismatched signature accepted")
	}
}

func TestInstantiateAsync_StartFunction(t *testing.T) {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0},
		Globals: []wasm.Global{{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: []byte{wasm.OpI32Const, 0, wasm.OpEnd}}},
		Exports: []wasm.Export{{Name: "g", Kind: wasm.KindGlobal, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: []byte{wasm.OpI32Const, 9, wasm.OpGlobalSet, 0, wasm.OpEnd}}},
	}
	start := uint32(0)
	m.Start = &start

	e := NewEngine(&Config{Async: true})
	cm, err := e.Compile(m)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(e)
	if _, err := s.Instantiate(context.Background(), cm, Imports{}); err == nil {
		t.Fatal("sync instantiation with start function on async store succeeded")
	}
	inst, fut, err := s.InstantiateAsync(cm, Imports{})
	if err != nil || fut == nil {
		t.Fatalf("InstantiateAsync: %v, future %v", err, fut)
	}
	defer fut.Delete()
	pollAll(t, fut, 0)
	if fut.Trap() != nil {
		t.Fatal(fut.Trap())
	}
	if got := inst.Export("g").(*Global).Get(); got.I32() != 9 {
		t.Errorf("global = %v", got)
	}
}
