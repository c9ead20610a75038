package wasmvm

import (
	"math"
	"testing"
)

func TestValue_Scalars(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		kind ValueKind
		str  string
	}{
		{"i32", I32(-7), KindI32, "i32:-7"},
		{"i64", I64(math.MaxInt64), KindI64, "i64:9223372036854775807"},
		{"f32", F32(1.5), KindF32, "f32:1.5"},
		{"f64", F64(-0.25), KindF64, "f64:-0.25"},
		{"v128", V128(1, 2), KindV128, "v128:00000000000000020000000000000001"},
		{"null externref", NullRef(KindExternRef), KindExternRef, "externref:null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.v.Kind() != tt.kind {
				t.Errorf("Kind() = %s, want %s", tt.v.Kind(), tt.kind)
			}
			if tt.v.String() != tt.str {
				t.Errorf("String() = %q, want %q", tt.v.String(), tt.str)
			}
		})
	}
}

func TestValue_I32Bits(t *testing.T) {
	v := I32(-1)
	if v.Bits() != 0xffffffff {
		t.Errorf("Bits() = %#x, want 0xffffffff", v.Bits())
	}
	if v.U32() != math.MaxUint32 {
		t.Errorf("U32() = %d", v.U32())
	}
	if FromBits(KindI32, 0xdeadbeef_ffffffff).I32() != -1 {
		t.Error("FromBits should truncate i32 payloads")
	}
}

func TestValue_Refs(t *testing.T) {
	r := NewRef(KindFuncRef, 42, 3)
	if r.IsNull() {
		t.Fatal("non-null ref reported null")
	}
	if r.Owner() != 42 || r.RefSlot() != 3 {
		t.Errorf("owner=%d slot=%d", r.Owner(), r.RefSlot())
	}
	if !NewRef(KindExternRef, 42, 0).IsNull() {
		t.Error("slot 0 should be null")
	}
}

func TestValue_KindMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	_ = I32(1).F64()
}
