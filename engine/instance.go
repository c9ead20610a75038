package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

// Instance is an instantiated module.
type Instance struct {
	store    *Store
	module   *CompiledModule
	funcs    []*Function
	tables   []*Table
	memory   *Memory
	globals  []*Global
	exports  map[string]Extern
	data     [][]byte   // nil once dropped
	elems    [][]uint64 // root slots, nil once dropped
	startIdx *uint32
}

// Store returns the owning store.
func (i *Instance) Store() *Store { return i.store }

// Module returns the compiled module the instance was created from.
func (i *Instance) Module() *CompiledModule { return i.module }

// Func returns the exported function name, or nil.
func (i *Instance) Func(name string) *Function {
	f, _ := i.exports[name].(*Function)
	return f
}

// Memory returns the instance's memory, or nil.
func (i *Instance) Memory() *Memory { return i.memory }

// Export returns any exported extern by name.
func (i *Instance) Export(name string) Extern { return i.exports[name] }

// Exports returns the export names in module order.
func (i *Instance) Exports() []string {
	names := make([]string, 0, len(i.module.Module.Exports))
	for _, e := range i.module.Module.Exports {
		names = append(names, e.Name)
	}
	return names
}

// Instantiate links cm against imports and runs its start function. It is
// only usable on sync stores when the module has a start function.
func (s *Store) Instantiate(ctx context.Context, cm *CompiledModule, imports Imports) (*Instance, error) {
	inst, err := s.instantiate(cm, imports)
	if err != nil {
		return nil, err
	}
	if inst.startIdx == nil {
		return inst, nil
	}
	if s.IsAsync() {
		return nil, errors.Instantiation(errors.InvalidInput(errors.PhaseRuntime, "module has a start function; use InstantiateAsync on async stores"))
	}
	if _, err := inst.funcs[*inst.startIdx].Call(ctx); err != nil {
		return nil, errors.Instantiation(err)
	}
	return inst, nil
}

// InstantiateAsync links cm against imports. When the module has a start
// function the returned future runs it; the instance must not be used
// before the future completes without a trap. The future is nil otherwise.
func (s *Store) InstantiateAsync(cm *CompiledModule, imports Imports) (*Instance, *CallFuture, error) {
	if !s.IsAsync() {
		panic("wasmvm: InstantiateAsync on a sync store")
	}
	inst, err := s.instantiate(cm, imports)
	if err != nil {
		return nil, nil, err
	}
	if inst.startIdx == nil {
		return inst, nil, nil
	}
	return inst, s.CallAsync(inst.funcs[*inst.startIdx], nil, nil), nil
}

func (s *Store) instantiate(cm *CompiledModule, imports Imports) (*Instance, error) {
	if cm.engine != s.engine {
		panic("wasmvm: module compiled by another engine")
	}
	m := cm.Module
	inst := &Instance{
		store:    s,
		module:   cm,
		exports:  make(map[string]Extern, len(m.Exports)),
		startIdx: m.Start,
	}

	if err := inst.resolveImports(imports); err != nil {
		return nil, err
	}

	imported := uint32(len(inst.funcs))
	for i, typeIdx := range m.Funcs {
		idx := imported + uint32(i)
		f := &Function{
			store: s,
			inst:  inst,
			typ:   &m.Types[typeIdx],
			code:  cm.Funcs[i],
			name:  m.FuncName(idx),
			index: idx,
		}
		s.register(f)
		inst.funcs = append(inst.funcs, f)
	}

	for _, tt := range m.Tables {
		inst.tables = append(inst.tables, NewTable(s, tt))
	}
	for _, mt := range m.Memories {
		if mt.Limits.Min > s.engine.cfg.MemoryLimitPages {
			return nil, errors.Instantiation(errors.InvalidInput(errors.PhaseRuntime,
				fmt.Sprintf("memory minimum %d pages exceeds limit %d", mt.Limits.Min, s.engine.cfg.MemoryLimitPages)))
		}
		inst.memory = NewMemory(mt, s.engine.cfg.MemoryLimitPages)
	}
	for gi := range m.Globals {
		g := &m.Globals[gi]
		v, err := inst.evalConst(g.Init, g.Type.ValType)
		if err != nil {
			return nil, errors.Instantiation(err)
		}
		inst.globals = append(inst.globals, NewGlobal(s, g.Type, v))
	}

	for _, e := range m.Exports {
		var ext Extern
		switch e.Kind {
		case wasm.KindFunc:
			ext = inst.funcs[e.Idx]
		case wasm.KindTable:
			ext = inst.tables[e.Idx]
		case wasm.KindMemory:
			ext = inst.memory
		case wasm.KindGlobal:
			ext = inst.globals[e.Idx]
		}
		inst.exports[e.Name] = ext
	}

	if err := inst.initElements(); err != nil {
		return nil, errors.Instantiation(err)
	}
	if err := inst.initData(); err != nil {
		return nil, errors.Instantiation(err)
	}

	Logger().Debug("module instantiated",
		zap.Uint64("store", s.id),
		zap.Int("functions", len(inst.funcs)),
		zap.Bool("memory", inst.memory != nil),
		zap.Bool("start", inst.startIdx != nil))
	return inst, nil
}

func (inst *Instance) resolveImports(imports Imports) error {
	s := inst.store
	m := inst.module.Module
	var missing []string
	var funcIdx uint32
	for _, imp := range m.Imports {
		ext := imports.lookup(imp.Module, imp.Name)
		if ext == nil {
			missing = append(missing, imp.Module+"#"+imp.Name)
			if imp.Desc.Kind == wasm.KindFunc {
				funcIdx++
			}
			continue
		}
		if ext.ExternKind() != imp.Desc.Kind {
			return inst.linkError(imp, "kind mismatch")
		}
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			ft := &m.Types[imp.Desc.TypeIdx]
			f, err := inst.importFunc(imp, ext, ft, funcIdx)
			if err != nil {
				return err
			}
			inst.funcs = append(inst.funcs, f)
			funcIdx++

		case wasm.KindTable:
			t := ext.(*Table)
			if t.store != s {
				panic("wasmvm: table belongs to another store")
			}
			want := imp.Desc.Table
			if t.typ.ElemType != want.ElemType || !limitsMatch(t.Size(), t.typ.Limits.Max, want.Limits) {
				return inst.linkError(imp, "incompatible table type")
			}
			inst.tables = append(inst.tables, t)

		case wasm.KindMemory:
			mem := ext.(*Memory)
			if !limitsMatch(mem.Pages(), mem.typ.Limits.Max, imp.Desc.Memory.Limits) {
				return inst.linkError(imp, "incompatible memory limits")
			}
			inst.memory = mem

		case wasm.KindGlobal:
			g := ext.(*Global)
			if g.store != s {
				panic("wasmvm: global belongs to another store")
			}
			if g.typ != *imp.Desc.Global {
				return inst.linkError(imp, "incompatible global type")
			}
			inst.globals = append(inst.globals, g)
		}
	}
	if len(missing) > 0 {
		return errors.Instantiation(errors.NewMissingImportsError(missing))
	}
	return nil
}

func (inst *Instance) importFunc(imp wasm.Import, ext Extern, ft *wasm.FuncType, idx uint32) (*Function, error) {
	s := inst.store
	switch f := ext.(type) {
	case *Function:
		if f.store != s {
			panic("wasmvm: function belongs to another store")
		}
		if !f.typ.Equal(ft) {
			return nil, inst.linkError(imp, fmt.Sprintf("expected %s, got %s", ft, f.typ))
		}
		return f, nil
	case *HostFunction:
		if !f.Type.Equal(ft) {
			return nil, inst.linkError(imp, fmt.Sprintf("expected %s, got %s", ft, &f.Type))
		}
		if f.Async != nil && !s.IsAsync() {
			return nil, inst.linkError(imp, "async host function in a sync store")
		}
		if f.Func == nil && f.Async == nil {
			return nil, inst.linkError(imp, "host function has no implementation")
		}
		fn := &Function{
			store: s,
			typ:   ft,
			host:  f,
			name:  imp.Module + "." + imp.Name,
			index: idx,
		}
		s.register(fn)
		return fn, nil
	}
	return nil, inst.linkError(imp, fmt.Sprintf("unsupported extern %T", ext))
}

func (inst *Instance) linkError(imp wasm.Import, detail string) error {
	return errors.Instantiation(errors.New(errors.PhaseLink, errors.KindTypeMismatch).
		Path(imp.Module, imp.Name).
		Detail("%s", detail).
		Build())
}

func limitsMatch(size uint32, max *uint32, want wasm.Limits) bool {
	if size < want.Min {
		return false
	}
	if want.Max == nil {
		return true
	}
	return max != nil && *max <= *want.Max
}

func (inst *Instance) initElements() error {
	m := inst.module.Module
	inst.elems = make([][]uint64, len(m.Elements))
	for i := range m.Elements {
		seg := &m.Elements[i]
		slots := make([]uint64, seg.Len())
		for j := range slots {
			if seg.Exprs != nil {
				v, err := inst.evalConst(seg.Exprs[j], seg.Type)
				if err != nil {
					return err
				}
				slots[j], _ = inst.store.toSlots(v)
				continue
			}
			slots[j] = inst.funcs[seg.FuncIdxs[j]].ref
		}
		inst.elems[i] = slots

		switch seg.Mode {
		case wasm.ElemActive:
			off, err := inst.evalConst(seg.Offset, wasm.ValI32)
			if err != nil {
				return err
			}
			t := inst.tables[seg.TableIdx]
			if !t.inBounds(off.U32(), uint32(len(slots))) {
				return &errors.Trap{Code: errors.TrapOutOfBoundsTable, Detail: fmt.Sprintf("element segment %d", i)}
			}
			copy(t.elems[off.U32():], slots)
			inst.elems[i] = nil
		case wasm.ElemDeclarative:
			inst.elems[i] = nil
		}
	}
	return nil
}

func (inst *Instance) initData() error {
	m := inst.module.Module
	inst.data = make([][]byte, len(m.Data))
	for i := range m.Data {
		seg := &m.Data[i]
		if seg.Passive {
			inst.data[i] = seg.Init
			continue
		}
		off, err := inst.evalConst(seg.Offset, wasm.ValI32)
		if err != nil {
			return err
		}
		if inst.memory == nil {
			return errors.InvalidData(errors.PhaseRuntime, []string{"data", fmt.Sprint(i)}, "no memory")
		}
		if err := inst.memory.Write(off.U32(), seg.Init); err != nil {
			return &errors.Trap{Code: errors.TrapOutOfBoundsMemory, Detail: fmt.Sprintf("data segment %d", i), Cause: err}
		}
	}
	return nil
}

// evalConst evaluates a constant expression of type want.
func (inst *Instance) evalConst(expr []byte, want wasm.ValType) (wasmvm.Value, error) {
	instrs, err := wasm.DecodeInstructions(expr)
	if err != nil {
		return wasmvm.Value{}, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "constant expression")
	}
	var v wasmvm.Value
	n := 0
	for _, in := range instrs {
		switch in.Opcode {
		case wasm.OpEnd:
			continue
		case wasm.OpI32Const:
			v = wasmvm.I32(in.Imm.(wasm.I32Imm).Value)
		case wasm.OpI64Const:
			v = wasmvm.I64(in.Imm.(wasm.I64Imm).Value)
		case wasm.OpF32Const:
			v = wasmvm.FromBits(wasmvm.KindF32, uint64(in.Imm.(wasm.F32Imm).Bits))
		case wasm.OpF64Const:
			v = wasmvm.FromBits(wasmvm.KindF64, in.Imm.(wasm.F64Imm).Bits)
		case wasm.OpPrefixSIMD:
			imm := in.Imm.(wasm.V128Imm)
			v = wasmvm.V128(imm.Lo, imm.Hi)
		case wasm.OpRefNull:
			v = wasmvm.NullRef(KindOf(in.Imm.(wasm.RefNullImm).Type))
		case wasm.OpRefFunc:
			idx := in.Imm.(wasm.RefFuncImm).FuncIdx
			if int(idx) >= len(inst.funcs) {
				return wasmvm.Value{}, errors.OutOfBounds(errors.PhaseRuntime, []string{"ref.func"}, int(idx), len(inst.funcs))
			}
			v = inst.store.FuncRef(inst.funcs[idx])
		case wasm.OpGlobalGet:
			idx := in.Imm.(wasm.GlobalImm).GlobalIdx
			if int(idx) >= len(inst.globals) {
				return wasmvm.Value{}, errors.OutOfBounds(errors.PhaseRuntime, []string{"global.get"}, int(idx), len(inst.globals))
			}
			v = inst.globals[idx].Get()
		default:
			return wasmvm.Value{}, errors.Unsupported(errors.PhaseRuntime, "constant expression instruction "+in.Name())
		}
		n++
	}
	if n != 1 || v.Kind() != KindOf(want) {
		return wasmvm.Value{}, errors.TypeMismatch(errors.PhaseRuntime, want.String(), v.Kind().String())
	}
	return v, nil
}
