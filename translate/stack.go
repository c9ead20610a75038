package translate

import (
	"strings"

	"github.com/wippyai/wasm-vm/wasm"
)

// StackEntry is the static type of one operand stack value.
type StackEntry wasm.ValType

// Unknown is produced by pops below the frame floor in unreachable code.
// It unifies with every type.
const Unknown StackEntry = 0

func entry(t wasm.ValType) StackEntry { return StackEntry(t) }

func (e StackEntry) String() string {
	if e == Unknown {
		return "unknown"
	}
	return wasm.ValType(e).String()
}

// Slots returns the number of 64-bit interpreter slots the value occupies.
func (e StackEntry) Slots() int {
	if e == StackEntry(wasm.ValV128) {
		return 2
	}
	return 1
}

// Matches reports whether a value of type e can be used where want is expected.
func (e StackEntry) Matches(want StackEntry) bool {
	return e == Unknown || want == Unknown || e == want
}

func (e StackEntry) isRef() bool {
	return e != Unknown && wasm.ValType(e).IsRef()
}

func slotsOf(ts []wasm.ValType) int {
	n := 0
	for _, t := range ts {
		n += entry(t).Slots()
	}
	return n
}

func typesEqual(a, b []wasm.ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func typeList(ts []wasm.ValType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}

func entryList(es []StackEntry) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, " ")
}

// Height returns the number of values on the operand stack.
func (t *Translator) Height() int { return len(t.stack) }

// Stack returns a copy of the operand stack, bottom first.
func (t *Translator) Stack() []StackEntry {
	return append([]StackEntry(nil), t.stack...)
}

// Push pushes a value of type v.
func (t *Translator) Push(v wasm.ValType) { t.push(entry(v)) }

// Pop pops a value and checks it against want. In an unreachable frame a
// pop at the frame floor yields want itself (or Unknown when want is Unknown).
func (t *Translator) Pop(want StackEntry) (StackEntry, error) { return t.popExpect(want) }

func (t *Translator) slotsAt(height int) int {
	if height == 0 {
		return 0
	}
	return t.cum[height-1]
}

func (t *Translator) push(e StackEntry) {
	n := t.slotsAt(len(t.stack)) + e.Slots()
	t.stack = append(t.stack, e)
	t.cum = append(t.cum, n)
	if t.cur != nil && n > t.fn.MaxStackSlots {
		t.fn.MaxStackSlots = n
	}
}

func (t *Translator) pushTypes(ts []wasm.ValType) {
	for _, v := range ts {
		t.push(entry(v))
	}
}

func (t *Translator) truncate(height int) {
	t.stack = t.stack[:height]
	t.cum = t.cum[:height]
}

func (t *Translator) pop() (StackEntry, error) {
	f := t.current()
	if len(t.stack) == f.Height {
		if f.Polymorphic {
			return Unknown, nil
		}
		return Unknown, t.errAt(errKindMismatch).Expected("value").Got("empty stack").Build()
	}
	e := t.stack[len(t.stack)-1]
	t.truncate(len(t.stack) - 1)
	return e, nil
}

func (t *Translator) popExpect(want StackEntry) (StackEntry, error) {
	f := t.current()
	if len(t.stack) == f.Height {
		if f.Polymorphic {
			return want, nil
		}
		return Unknown, t.errAt(errKindMismatch).Expected(want.String()).Got("empty stack").Build()
	}
	got := t.stack[len(t.stack)-1]
	if !got.Matches(want) {
		return Unknown, t.errAt(errKindMismatch).Expected(want.String()).Got(got.String()).Build()
	}
	t.truncate(len(t.stack) - 1)
	if got == Unknown {
		return want, nil
	}
	return got, nil
}

func (t *Translator) popTypes(ts []wasm.ValType) error {
	for i := len(ts) - 1; i >= 0; i-- {
		if _, err := t.popExpect(entry(ts[i])); err != nil {
			return err
		}
	}
	return nil
}

// popLabel pops operands matching ts and returns them as they were on the
// stack. Pops below a polymorphic floor yield Unknown rather than ts, so the
// entries can be pushed back without gaining a concrete type.
func (t *Translator) popLabel(ts []wasm.ValType) ([]StackEntry, error) {
	out := make([]StackEntry, len(ts))
	for i := len(ts) - 1; i >= 0; i-- {
		want := entry(ts[i])
		f := t.current()
		if len(t.stack) == f.Height {
			if f.Polymorphic {
				out[i] = Unknown
				continue
			}
			return nil, t.errAt(errKindMismatch).Expected(want.String()).Got("empty stack").Build()
		}
		got := t.stack[len(t.stack)-1]
		if !got.Matches(want) {
			return nil, t.errAt(errKindMismatch).Expected(want.String()).Got(got.String()).Build()
		}
		t.truncate(len(t.stack) - 1)
		out[i] = got
	}
	return out, nil
}
