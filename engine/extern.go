package engine

import (
	"context"
	"fmt"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/translate"
	"github.com/wippyai/wasm-vm/wasm"
)

// HostFunc implements an imported function. args and results have exactly
// the declared arity; results are pre-filled with zero values of the
// declared kinds. A non-nil error traps the calling guest.
type HostFunc func(caller *Caller, args, results []wasmvm.Value) error

// AsyncHostFunc implements an imported function that may complete later.
// Returning a nil continuation completes the call immediately. Otherwise
// the continuation's callback is polled until it reports done; the args
// and results buffers stay valid until then.
type AsyncHostFunc func(caller *Caller, args, results []wasmvm.Value) (*Continuation, error)

// Extern is a value an instance can import or export.
type Extern interface {
	ExternKind() byte // wasm.KindFunc, KindTable, KindMemory or KindGlobal
}

// Imports maps module and field names to externs.
type Imports map[string]map[string]Extern

// Define adds an import.
func (im Imports) Define(module, name string, ext Extern) {
	if im[module] == nil {
		im[module] = make(map[string]Extern)
	}
	im[module][name] = ext
}

func (im Imports) lookup(module, name string) Extern {
	if m := im[module]; m != nil {
		return m[name]
	}
	return nil
}

// HostFunction is a store-independent host implementation of a function type.
type HostFunction struct {
	Func  HostFunc
	Async AsyncHostFunc
	Type  wasm.FuncType
}

// NewHostFunction wraps a synchronous host function.
func NewHostFunction(ft wasm.FuncType, fn HostFunc) *HostFunction {
	return &HostFunction{Type: ft, Func: fn}
}

// NewAsyncHostFunction wraps an asynchronous host function. It can only be
// linked into async stores.
func NewAsyncHostFunction(ft wasm.FuncType, fn AsyncHostFunc) *HostFunction {
	return &HostFunction{Type: ft, Async: fn}
}

// ExternKind implements Extern.
func (*HostFunction) ExternKind() byte { return wasm.KindFunc }

// Function is a guest or host function bound to a store.
type Function struct {
	store *Store
	inst  *Instance
	typ   *wasm.FuncType
	code  *translate.Function
	host  *HostFunction
	name  string
	index uint32
	ref   uint64
}

// ExternKind implements Extern.
func (*Function) ExternKind() byte { return wasm.KindFunc }

// Type returns the function signature.
func (f *Function) Type() *wasm.FuncType { return f.typ }

// Name returns the export or import name, if any.
func (f *Function) Name() string { return f.name }

// Store returns the owning store.
func (f *Function) Store() *Store { return f.store }

// IsHost reports whether f is implemented by the embedder.
func (f *Function) IsHost() bool { return f.host != nil }

// IsAsync reports whether f is an async host function.
func (f *Function) IsAsync() bool { return f.host != nil && f.host.Async != nil }

func (f *Function) String() string {
	if f.name != "" {
		return f.name
	}
	return fmt.Sprintf("func[%d]", f.index)
}

// Caller is the view a host function has of its caller.
type Caller struct {
	ctx   context.Context
	store *Store
	inst  *Instance
}

// Context returns the context passed to Poll or Call.
func (c *Caller) Context() context.Context { return c.ctx }

// Store returns the store the call runs in.
func (c *Caller) Store() *Store { return c.store }

// Instance returns the calling instance, nil when called directly by the embedder.
func (c *Caller) Instance() *Instance { return c.inst }

// Memory returns the calling instance's memory, or nil.
func (c *Caller) Memory() wasmvm.Memory {
	if c.inst == nil || c.inst.memory == nil {
		return nil
	}
	return c.inst.memory
}

// Export looks up an exported function of the calling instance.
func (c *Caller) Export(name string) *Function {
	if c.inst == nil {
		return nil
	}
	return c.inst.Func(name)
}
