package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

// Host is the interface for struct-based host modules.
// All exported methods (except Namespace) are registered as host functions.
type Host interface {
	// Namespace returns the import module name (e.g., "env").
	Namespace() string
}

type HostRegistry struct {
	funcs map[string]map[string]*engine.HostFunction
	mu    sync.RWMutex
}

func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		funcs: make(map[string]map[string]*engine.HostFunction),
	}
}

func (r *HostRegistry) RegisterHost(h Host) error {
	ns := h.Namespace()
	if ns == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}

	rv := reflect.ValueOf(h)
	rt := rv.Type()

	funcs := make(map[string]*engine.HostFunction)
	for i := 0; i < rt.NumMethod(); i++ {
		method := rt.Method(i)
		if !method.IsExported() || method.Name == "Namespace" {
			continue
		}
		name := toKebabCase(method.Name)
		hf, err := reflectHost(rv.Method(i))
		if err != nil {
			return errors.Registration(errors.PhaseHost, ns, name, err)
		}
		funcs[name] = hf
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, hf := range funcs {
		r.define(ns, name, hf)
	}
	return nil
}

// RegisterFunc registers a Go function as a sync host function. Parameters
// and results may be int32, uint32, int64, uint64, float32 or float64 (or
// types defined over them). The first parameter may be a context.Context or
// an *engine.Caller, and the last result may be an error.
func (r *HostRegistry) RegisterFunc(namespace, name string, fn any) error {
	if err := checkName(namespace, name); err != nil {
		return err
	}
	hf, err := reflectHost(reflect.ValueOf(fn))
	if err != nil {
		return errors.Registration(errors.PhaseHost, namespace, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.define(namespace, name, hf)
	return nil
}

// RegisterAsync registers an async host function with an explicit type.
// Modules importing it can only be instantiated by async runtimes.
func (r *HostRegistry) RegisterAsync(namespace, name string, ft wasm.FuncType, fn engine.AsyncHostFunc) error {
	if err := checkName(namespace, name); err != nil {
		return err
	}
	if fn == nil {
		return errors.InvalidInput(errors.PhaseHost, "async handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.define(namespace, name, engine.NewAsyncHostFunction(ft, fn))
	return nil
}

// Imports snapshots the registered functions for instantiation.
func (r *HostRegistry) Imports() engine.Imports {
	r.mu.RLock()
	defer r.mu.RUnlock()

	imports := engine.Imports{}
	for ns, funcs := range r.funcs {
		for name, hf := range funcs {
			imports.Define(ns, name, hf)
		}
	}
	return imports
}

// Lookup returns a registered function, or nil.
func (r *HostRegistry) Lookup(namespace, name string) *engine.HostFunction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.funcs[namespace][name]
}

func (r *HostRegistry) define(ns, name string, hf *engine.HostFunction) {
	if r.funcs[ns] == nil {
		r.funcs[ns] = make(map[string]*engine.HostFunction)
	}
	r.funcs[ns][name] = hf
	Logger().Debug("host function registered",
		zap.String("module", ns), zap.String("name", name), zap.String("type", hf.Type.String()))
}

func checkName(namespace, name string) error {
	if namespace == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	return nil
}

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	callerType = reflect.TypeOf((*engine.Caller)(nil))
	errType    = reflect.TypeOf((*error)(nil)).Elem()
)

func goValType(t reflect.Type) (wasm.ValType, bool) {
	switch t.Kind() {
	case reflect.Int32, reflect.Uint32:
		return wasm.ValI32, true
	case reflect.Int64, reflect.Uint64:
		return wasm.ValI64, true
	case reflect.Float32:
		return wasm.ValF32, true
	case reflect.Float64:
		return wasm.ValF64, true
	}
	return 0, false
}

// reflectHost derives a core signature from fn and wraps it.
func reflectHost(fn reflect.Value) (*engine.HostFunction, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
			Detail("handler must be a function").
			Build()
	}
	rt := fn.Type()
	if rt.IsVariadic() {
		return nil, errors.Unsupported(errors.PhaseHost, "variadic host function")
	}

	first := 0
	var lead reflect.Type
	if rt.NumIn() > 0 && (rt.In(0) == ctxType || rt.In(0) == callerType) {
		lead = rt.In(0)
		first = 1
	}
	var ft wasm.FuncType
	for i := first; i < rt.NumIn(); i++ {
		vt, ok := goValType(rt.In(i))
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseHost, "numeric parameter", rt.In(i).String())
		}
		ft.Params = append(ft.Params, vt)
	}

	nout := rt.NumOut()
	withErr := nout > 0 && rt.Out(nout-1) == errType
	if withErr {
		nout--
	}
	for i := 0; i < nout; i++ {
		vt, ok := goValType(rt.Out(i))
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseHost, "numeric result", rt.Out(i).String())
		}
		ft.Results = append(ft.Results, vt)
	}

	call := func(c *engine.Caller, args, results []wasmvm.Value) error {
		in := make([]reflect.Value, 0, rt.NumIn())
		switch lead {
		case ctxType:
			ctx := c.Context()
			in = append(in, reflect.ValueOf(&ctx).Elem())
		case callerType:
			in = append(in, reflect.ValueOf(c))
		}
		for i, a := range args {
			in = append(in, toGo(a, rt.In(first+i)))
		}
		out := fn.Call(in)
		if withErr {
			if err, _ := out[len(out)-1].Interface().(error); err != nil {
				return err
			}
			out = out[:len(out)-1]
		}
		for i, o := range out {
			results[i] = fromGo(o)
		}
		return nil
	}
	return engine.NewHostFunction(ft, call), nil
}

func toGo(v wasmvm.Value, t reflect.Type) reflect.Value {
	var rv reflect.Value
	switch t.Kind() {
	case reflect.Int32:
		rv = reflect.ValueOf(v.I32())
	case reflect.Uint32:
		rv = reflect.ValueOf(v.U32())
	case reflect.Int64:
		rv = reflect.ValueOf(v.I64())
	case reflect.Uint64:
		rv = reflect.ValueOf(uint64(v.I64()))
	case reflect.Float32:
		rv = reflect.ValueOf(v.F32())
	case reflect.Float64:
		rv = reflect.ValueOf(v.F64())
	default:
		panic(fmt.Sprintf("wasmvm: unsupported host parameter type %s", t))
	}
	return rv.Convert(t)
}

func fromGo(v reflect.Value) wasmvm.Value {
	switch v.Kind() {
	case reflect.Int32:
		return wasmvm.I32(int32(v.Int()))
	case reflect.Uint32:
		return wasmvm.I32(int32(uint32(v.Uint())))
	case reflect.Int64:
		return wasmvm.I64(v.Int())
	case reflect.Uint64:
		return wasmvm.I64(int64(v.Uint()))
	case reflect.Float32:
		return wasmvm.F32(float32(v.Float()))
	case reflect.Float64:
		return wasmvm.F64(v.Float())
	}
	panic(fmt.Sprintf("wasmvm: unsupported host result type %s", v.Type()))
}

// toKebabCase converts PascalCase to kebab-case.
// An acronym is one word up to the capital that starts the next lowercase
// word: HTTPServer -> http-server. Adjacent acronyms cannot be told apart,
// so GetHTTPURL becomes get-httpurl.
func toKebabCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !unicode.IsUpper(r) {
			b.WriteRune(r)
			continue
		}
		end := i + 1
		for end < len(runes) && unicode.IsUpper(runes[end]) {
			end++
		}
		// Last uppercase before lowercase starts the next word
		if end > i+1 && end < len(runes) && unicode.IsLower(runes[end]) {
			end--
		}
		if i > 0 {
			b.WriteByte('-')
		}
		for j := i; j < end; j++ {
			b.WriteRune(unicode.ToLower(runes[j]))
		}
		i = end - 1
	}
	return b.String()
}
