// Package engine instantiates translated modules and executes them with a
// non-recursive interpreter.
//
// # Architecture
//
//	Engine        - configuration and the epoch counter, shared by stores
//	CompiledModule - a validated module with every body translated
//	Store         - instances, fuel, epoch deadline and reference roots
//	Instance      - memory, tables, globals and exports of one module
//	CallFuture    - one in-flight call in an async store
//
// # Async calls
//
// Stores created by an engine with Config.Async run calls through
// futures. Poll runs guest code until the call finishes or reaches one of
// three suspension points:
//
//  1. Fuel exhaustion, when FuelAsyncYield is configured. Fuel is
//     re-injected silently up to the injection count before Poll yields.
//  2. An epoch deadline, when EpochDeadlineAsyncYieldAndUpdate is
//     configured. The deadline moves forward and Poll yields once.
//  3. An async host function whose Continuation is not done yet.
//
// Fuel and epoch are checked at function entry and loop headers, fuel
// first. Without a yield policy both trap instead.
//
//	fut := store.CallAsync(fn, args, results)
//	defer fut.Delete()
//	for !fut.Poll(ctx) {
//		// yield to the embedder's scheduler
//	}
//	if trap := fut.Trap(); trap != nil {
//		return trap
//	}
//
// # Contract violations
//
// Polling a finished or deleted future, reading results of a trapped call,
// mixing values or functions between stores and using CallAsync on a sync
// store panic with a "wasmvm:" message. They are caller bugs, not errors.
//
// # Thread Safety
//
// Engine is safe for concurrent use; IncrementEpoch may be called from any
// goroutine. A Store and everything in it is NOT thread-safe and must be
// driven by one goroutine at a time.
//
// Most users should use the runtime package for a simpler API.
package engine
