// Package errors provides structured error types for the wasm-vm module.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Translation errors carry a Location with the failing instruction offset and the
// control frame nesting depth.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseTranslate, errors.KindTypeMismatch).
//		At(3, 0x1a, 2).
//		Expected("i32").
//		Got("i64").
//		Build()
//
// Runtime faults are reported as *Trap, which is distinct from *Error: a trap
// ends one call, a translation error rejects the whole module.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
