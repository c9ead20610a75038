package binary

import (
	"errors"
	"io"
	"testing"
)

func TestReader_ReadU32(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    uint32
		wantErr error
	}{
		{"zero", []byte{0x00}, 0, nil},
		{"one byte", []byte{0x7f}, 127, nil},
		{"two bytes", []byte{0x80, 0x01}, 128, nil},
		{"max", []byte{0xff, 0xff, 0xff, 0xff, 0x0f}, 0xffffffff, nil},
		{"too many bits", []byte{0xff, 0xff, 0xff, 0xff, 0x1f}, 0, ErrOverflow},
		{"too long", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}, 0, ErrOverflow},
		{"truncated", []byte{0x80}, 0, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.input)
			got, err := r.ReadU32()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReader_ReadSigned(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  int64
		read  func(*Reader) (int64, error)
	}{
		{"s32 minus one", []byte{0x7f}, -1, func(r *Reader) (int64, error) { v, err := r.ReadS32(); return int64(v), err }},
		{"s32 min", []byte{0x80, 0x80, 0x80, 0x80, 0x78}, -2147483648, func(r *Reader) (int64, error) { v, err := r.ReadS32(); return int64(v), err }},
		{"s33 void block", []byte{0x40}, -64, (*Reader).ReadS33},
		{"s33 type index", []byte{0x05}, 5, (*Reader).ReadS33},
		{"s64 large", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x7f}, -9223372036854775808, (*Reader).ReadS64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.read(NewReader(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteU32(624485)
	w.WriteS64(-123456)
	w.WriteName("env")
	w.WriteU32LE(0x6d736100)
	w.WriteU64LE(0x0102030405060708)

	r := NewReader(w.Bytes())
	if v, err := r.ReadU32(); err != nil || v != 624485 {
		t.Fatalf("ReadU32 = %d, %v", v, err)
	}
	if v, err := r.ReadS64(); err != nil || v != -123456 {
		t.Fatalf("ReadS64 = %d, %v", v, err)
	}
	if v, err := r.ReadName(); err != nil || v != "env" {
		t.Fatalf("ReadName = %q, %v", v, err)
	}
	if v, err := r.ReadU32LE(); err != nil || v != 0x6d736100 {
		t.Fatalf("ReadU32LE = %#x, %v", v, err)
	}
	if v, err := r.ReadU64LE(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("ReadU64LE = %#x, %v", v, err)
	}
	if r.Len() != 0 {
		t.Errorf("%d unread bytes", r.Len())
	}
}

func TestReader_InvalidName(t *testing.T) {
	r := NewReader([]byte{0x02, 0xff, 0xfe})
	if _, err := r.ReadName(); err == nil {
		t.Fatal("expected UTF-8 error")
	}
}

func TestParseError(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_, _ = r.ReadByte()
	err := r.WrapError("type section", io.ErrUnexpectedEOF)

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Position != 1 || pe.Section != "type section" {
		t.Errorf("got %+v", pe)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("ParseError should unwrap to cause")
	}
}
