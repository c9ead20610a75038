package runtime

import (
	"fmt"
	"strconv"
	"strings"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/wasm"
)

// ParseArgs parses textual arguments against WIT parameter types, as
// returned by Module.Signature. An argument may name its own type with a
// prefix ("u32:4000000000", "bool:true"); the prefix must lower to the same
// core type as the parameter. Results are ready for Instance.Call.
func ParseArgs(params []wit.Type, raw []string) ([]any, error) {
	if len(raw) != len(params) {
		return nil, errors.InvalidInput(errors.PhaseRuntime,
			fmt.Sprintf("expected %d arguments, got %d", len(params), len(raw)))
	}
	out := make([]any, len(raw))
	for i, s := range raw {
		t := params[i]
		if prefix, rest, ok := strings.Cut(s, ":"); ok {
			pt, err := wit.ParseType(strings.TrimSpace(prefix))
			if err != nil {
				return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "argument type "+prefix)
			}
			want, _ := CoreType(t)
			if got, ok := CoreType(pt); !ok || got != want {
				return nil, errors.TypeMismatch(errors.PhaseRuntime, TypeName(t), TypeName(pt))
			}
			t, s = pt, rest
		}
		v, err := parseArg(t, strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err,
				fmt.Sprintf("argument %d as %s", i, TypeName(t)))
		}
		out[i] = v
	}
	return out, nil
}

func parseArg(t wit.Type, s string) (any, error) {
	switch t.(type) {
	case wit.Bool:
		b, err := strconv.ParseBool(s)
		if b {
			return int32(1), err
		}
		return int32(0), err
	case wit.U8, wit.U16, wit.U32:
		n, err := strconv.ParseUint(s, 0, unsignedBits(t))
		return int32(uint32(n)), err
	case wit.S8, wit.S16, wit.S32:
		n, err := strconv.ParseInt(s, 0, signedBits(t))
		return int32(n), err
	case wit.Char:
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("char literal %q must be one rune", s)
		}
		return int32(r[0]), nil
	case wit.U64:
		n, err := strconv.ParseUint(s, 0, 64)
		return int64(n), err
	case wit.S64:
		n, err := strconv.ParseInt(s, 0, 64)
		return n, err
	case wit.F32:
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	case wit.F64:
		return strconv.ParseFloat(s, 64)
	}
	return nil, errors.Unsupported(errors.PhaseRuntime, "argument type "+TypeName(t))
}

func unsignedBits(t wit.Type) int {
	switch t.(type) {
	case wit.U8:
		return 8
	case wit.U16:
		return 16
	}
	return 32
}

func signedBits(t wit.Type) int {
	switch t.(type) {
	case wit.S8:
		return 8
	case wit.S16:
		return 16
	}
	return 32
}

// CoreType returns the core value type a WIT primitive lowers to.
func CoreType(t wit.Type) (wasm.ValType, bool) {
	switch t.(type) {
	case wit.Bool, wit.U8, wit.S8, wit.U16, wit.S16, wit.U32, wit.S32, wit.Char:
		return wasm.ValI32, true
	case wit.U64, wit.S64:
		return wasm.ValI64, true
	case wit.F32:
		return wasm.ValF32, true
	case wit.F64:
		return wasm.ValF64, true
	}
	return 0, false
}

// TypeName renders a WIT type for display.
func TypeName(t wit.Type) string {
	switch v := t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	case *wit.TypeDef:
		if v.Name != nil {
			return *v.Name
		}
		return "typedef"
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T", t)
	}
}
