package translate

import "github.com/wippyai/wasm-vm/wasm"

type signature struct {
	params  []wasm.ValType
	results []wasm.ValType
}

var (
	i32 = wasm.ValI32
	i64 = wasm.ValI64
	f32 = wasm.ValF32
	f64 = wasm.ValF64
)

func sig(params []wasm.ValType, results ...wasm.ValType) *signature {
	return &signature{params: params, results: results}
}

func vals(ts ...wasm.ValType) []wasm.ValType { return ts }

// numericSigs maps single-byte numeric, load and store opcodes to their
// stack effect.
var numericSigs [256]*signature

// truncSatSigs covers the 0xFC saturating truncations.
var truncSatSigs = [8]*signature{
	sig(vals(f32), i32), sig(vals(f32), i32), sig(vals(f64), i32), sig(vals(f64), i32),
	sig(vals(f32), i64), sig(vals(f32), i64), sig(vals(f64), i64), sig(vals(f64), i64),
}

// naturalAlign is log2 of the access width of each load and store.
var naturalAlign = map[byte]uint32{
	wasm.OpI32Load: 2, wasm.OpI64Load: 3, wasm.OpF32Load: 2, wasm.OpF64Load: 3,
	wasm.OpI32Load8S: 0, wasm.OpI32Load8U: 0, wasm.OpI32Load16S: 1, wasm.OpI32Load16U: 1,
	wasm.OpI64Load8S: 0, wasm.OpI64Load8U: 0, wasm.OpI64Load16S: 1, wasm.OpI64Load16U: 1,
	wasm.OpI64Load32S: 2, wasm.OpI64Load32U: 2,
	wasm.OpI32Store: 2, wasm.OpI64Store: 3, wasm.OpF32Store: 2, wasm.OpF64Store: 3,
	wasm.OpI32Store8: 0, wasm.OpI32Store16: 1, wasm.OpI64Store8: 0, wasm.OpI64Store16: 1,
	wasm.OpI64Store32: 2,
}

func setRange(from, to byte, s *signature) {
	for op := int(from); op <= int(to); op++ {
		numericSigs[op] = s
	}
}

func init() {
	setRange(wasm.OpI32Eqz, wasm.OpI32Eqz, sig(vals(i32), i32))
	setRange(wasm.OpI32Eq, wasm.OpI32GeU, sig(vals(i32, i32), i32))
	setRange(wasm.OpI64Eqz, wasm.OpI64Eqz, sig(vals(i64), i32))
	setRange(wasm.OpI64Eq, wasm.OpI64GeU, sig(vals(i64, i64), i32))
	setRange(wasm.OpF32Eq, wasm.OpF32Ge, sig(vals(f32, f32), i32))
	setRange(wasm.OpF64Eq, wasm.OpF64Ge, sig(vals(f64, f64), i32))

	setRange(wasm.OpI32Clz, wasm.OpI32Popcnt, sig(vals(i32), i32))
	setRange(wasm.OpI32Add, wasm.OpI32Rotr, sig(vals(i32, i32), i32))
	setRange(wasm.OpI64Clz, wasm.OpI64Popcnt, sig(vals(i64), i64))
	setRange(wasm.OpI64Add, wasm.OpI64Rotr, sig(vals(i64, i64), i64))
	setRange(wasm.OpF32Abs, wasm.OpF32Sqrt, sig(vals(f32), f32))
	setRange(wasm.OpF32Add, wasm.OpF32Copysign, sig(vals(f32, f32), f32))
	setRange(wasm.OpF64Abs, wasm.OpF64Sqrt, sig(vals(f64), f64))
	setRange(wasm.OpF64Add, wasm.OpF64Copysign, sig(vals(f64, f64), f64))

	conversions := map[byte]*signature{
		wasm.OpI32WrapI64:        sig(vals(i64), i32),
		wasm.OpI32TruncF32S:      sig(vals(f32), i32),
		wasm.OpI32TruncF32U:      sig(vals(f32), i32),
		wasm.OpI32TruncF64S:      sig(vals(f64), i32),
		wasm.OpI32TruncF64U:      sig(vals(f64), i32),
		wasm.OpI64ExtendI32S:     sig(vals(i32), i64),
		wasm.OpI64ExtendI32U:     sig(vals(i32), i64),
		wasm.OpI64TruncF32S:      sig(vals(f32), i64),
		wasm.OpI64TruncF32U:      sig(vals(f32), i64),
		wasm.OpI64TruncF64S:      sig(vals(f64), i64),
		wasm.OpI64TruncF64U:      sig(vals(f64), i64),
		wasm.OpF32ConvertI32S:    sig(vals(i32), f32),
		wasm.OpF32ConvertI32U:    sig(vals(i32), f32),
		wasm.OpF32ConvertI64S:    sig(vals(i64), f32),
		wasm.OpF32ConvertI64U:    sig(vals(i64), f32),
		wasm.OpF32DemoteF64:      sig(vals(f64), f32),
		wasm.OpF64ConvertI32S:    sig(vals(i32), f64),
		wasm.OpF64ConvertI32U:    sig(vals(i32), f64),
		wasm.OpF64ConvertI64S:    sig(vals(i64), f64),
		wasm.OpF64ConvertI64U:    sig(vals(i64), f64),
		wasm.OpF64PromoteF32:     sig(vals(f32), f64),
		wasm.OpI32ReinterpretF32: sig(vals(f32), i32),
		wasm.OpI64ReinterpretF64: sig(vals(f64), i64),
		wasm.OpF32ReinterpretI32: sig(vals(i32), f32),
		wasm.OpF64ReinterpretI64: sig(vals(i64), f64),
	}
	for op, s := range conversions {
		numericSigs[op] = s
	}
	setRange(wasm.OpI32Extend8S, wasm.OpI32Extend16S, sig(vals(i32), i32))
	setRange(wasm.OpI64Extend8S, wasm.OpI64Extend32S, sig(vals(i64), i64))

	numericSigs[wasm.OpI32Load] = sig(vals(i32), i32)
	numericSigs[wasm.OpI64Load] = sig(vals(i32), i64)
	numericSigs[wasm.OpF32Load] = sig(vals(i32), f32)
	numericSigs[wasm.OpF64Load] = sig(vals(i32), f64)
	setRange(wasm.OpI32Load8S, wasm.OpI32Load16U, sig(vals(i32), i32))
	setRange(wasm.OpI64Load8S, wasm.OpI64Load32U, sig(vals(i32), i64))

	numericSigs[wasm.OpI32Store] = sig(vals(i32, i32))
	numericSigs[wasm.OpI64Store] = sig(vals(i32, i64))
	numericSigs[wasm.OpF32Store] = sig(vals(i32, f32))
	numericSigs[wasm.OpF64Store] = sig(vals(i32, f64))
	setRange(wasm.OpI32Store8, wasm.OpI32Store16, sig(vals(i32, i32)))
	setRange(wasm.OpI64Store8, wasm.OpI64Store32, sig(vals(i32, i64)))
}

func isLoad(op byte) bool  { return op >= wasm.OpI32Load && op <= wasm.OpI64Load32U }
func isStore(op byte) bool { return op >= wasm.OpI32Store && op <= wasm.OpI64Store32 }
