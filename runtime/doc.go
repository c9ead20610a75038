// Package runtime is the high-level entry point: it loads core WebAssembly
// binaries, binds Go host functions by reflection and calls exports with
// plain Go values.
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, nil)
//	if err != nil {
//		return err
//	}
//	rt.RegisterFunc("env", "log", func(ctx context.Context, v int32) {
//		fmt.Println(v)
//	})
//
//	mod, err := rt.LoadModule(ctx, wasmBytes)
//	inst, err := mod.Instantiate(ctx)
//	result, err := inst.Call(ctx, "add", int32(2), int32(3))
//
// # Async Runtimes
//
// With Config.Async set, every store is async: calls return a future that
// the embedder polls. Fuel and epoch settings come from the embedded
// engine.Config, and Config.Fuel seeds each new store.
//
//	rt, _ := runtime.New(ctx, &runtime.Config{
//		Config: engine.Config{Async: true, ConsumeFuel: true},
//		Fuel:   10_000,
//	})
//	inst, start, _ := mod.InstantiateAsync()
//	inst.Store().FuelAsyncYield(2, 10_000)
//	fut, _ := inst.CallAsync("run", int32(100))
//	defer fut.Delete()
//	for !fut.Poll(ctx) {
//		// other work between slices
//	}
//
// Async host functions are registered with RegisterAsync and return an
// engine.Continuation that the future polls until it reports completion.
//
// # Host Functions
//
// RegisterFunc accepts any Go function over int32, uint32, int64, uint64,
// float32 and float64. A leading context.Context or *engine.Caller and a
// trailing error are optional. RegisterHost registers every exported method
// of a struct under its Namespace, with kebab-case names.
//
// # Arguments
//
// Module.Signature describes an export with WIT primitive types and
// ParseArgs turns command-line text into call arguments, honouring typed
// prefixes such as "u32:7".
package runtime
