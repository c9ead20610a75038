// Package wasmvm is a WebAssembly core-module virtual machine written in Go.
//
// Functions are translated from stack bytecode into a register-style IR that
// only contains reachable code, then run by an interpreter whose calls can be
// suspended and resumed: on fuel exhaustion, at epoch deadlines, or while a
// host function waits for an external result.
//
// # Architecture Overview
//
//	wasmvm/              Root package with Value and the Memory interface
//	├── runtime/         High-level API: load modules, register hosts, call exports
//	├── engine/          Stores, instances, the interpreter and CallFuture
//	├── translate/       Reachability-aware control-flow translator
//	├── wasm/            Core WASM binary decoding, encoding and validation
//	├── errors/          Structured errors and traps
//	└── internal/refexec Differential execution against wazero
//
// # Quick Start
//
//	rt, _ := runtime.New(ctx, nil)
//	mod, _ := rt.LoadModule(ctx, wasmBytes)
//	inst, _ := mod.Instantiate(ctx)
//	result, err := inst.Call(ctx, "add", uint32(2), uint32(3))
//
// # Resumable Calls
//
// With Config.Async set, calls return an engine.CallFuture. Each Poll runs the
// call until it completes, traps or suspends:
//
//	rt, _ := runtime.New(ctx, &runtime.Config{
//		Config: engine.Config{Async: true, ConsumeFuel: true},
//		Fuel:   10_000,
//	})
//	...
//	inst.Store().FuelAsyncYield(0, 10_000)
//	fut, _ := inst.CallAsync("work")
//	defer fut.Delete()
//	for !fut.Poll(ctx) {
//		// yielded: schedule other work
//	}
//
// # Values
//
// Value carries one typed WebAssembly value. Reference values are bound to the
// store that created them; passing one to another store panics.
package wasmvm
