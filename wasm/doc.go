// Package wasm provides WebAssembly binary format parsing and encoding.
//
// The parser covers the WebAssembly 2.0 core module format used by the
// translator and interpreter: the four numeric types, v128 constants,
// funcref/externref, bulk memory and table instructions, sign extension and
// saturating truncation. Multi-memory, GC and exception handling are rejected.
//
// # Parsing
//
//	data, _ := os.ReadFile("module.wasm")
//	module, err := wasm.ParseModuleValidate(data)
//
// # Encoding
//
// Encode a module back to binary. Tests build modules as structs and encode
// them, which keeps fixtures readable:
//
//	m := &wasm.Module{
//		Types: []wasm.FuncType{{Results: []wasm.ValType{wasm.ValI32}}},
//		Funcs: []uint32{0},
//		Code:  []wasm.FuncBody{{Code: []byte{wasm.OpI32Const, 42, wasm.OpEnd}}},
//	}
//	bin := m.Encode()
//
// # Instructions
//
// DecodeInstructions records the byte offset of every instruction so that
// translation errors and traps can point at the failing opcode:
//
//	instrs, err := wasm.DecodeInstructions(body.Code)
//	for _, in := range instrs {
//		fmt.Printf("%#04x %s\n", in.Offset, in.Name())
//	}
package wasm
