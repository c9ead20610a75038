package errors

import (
	"fmt"
	"strings"
)

// TrapCode identifies the runtime fault that terminated a call.
type TrapCode string

const (
	TrapUnreachable              TrapCode = "unreachable"
	TrapOutOfBoundsMemory        TrapCode = "out_of_bounds_memory"
	TrapOutOfBoundsTable         TrapCode = "out_of_bounds_table"
	TrapIntegerDivideByZero      TrapCode = "integer_divide_by_zero"
	TrapIntegerOverflow          TrapCode = "integer_overflow"
	TrapInvalidConversion        TrapCode = "invalid_conversion"
	TrapIndirectCallTypeMismatch TrapCode = "indirect_call_type_mismatch"
	TrapUninitializedElement     TrapCode = "uninitialized_element"
	TrapCallStackExhausted       TrapCode = "call_stack_exhausted"
	TrapOutOfFuel                TrapCode = "out_of_fuel"
	TrapInterrupt                TrapCode = "interrupt"
	TrapHost                     TrapCode = "host"
)

// TrapFrame is one guest or host frame active when a trap was raised.
type TrapFrame struct {
	Name   string // export or import name, empty when unknown
	Func   uint32 // function index
	Offset int    // byte offset within the body, -1 for host frames
}

func (f TrapFrame) String() string {
	name := f.Name
	if name == "" {
		name = fmt.Sprintf("func[%d]", f.Func)
	}
	if f.Offset < 0 {
		return name + " (host)"
	}
	return fmt.Sprintf("%s+%#x", name, f.Offset)
}

// Trap is a terminal runtime fault. It ends the current call but leaves the
// store usable.
type Trap struct {
	Cause  error
	Code   TrapCode
	Detail string
	Frames []TrapFrame // innermost first
}

// NewTrap creates a trap with the given code.
func NewTrap(code TrapCode, detail string) *Trap {
	return &Trap{Code: code, Detail: detail}
}

// HostTrap wraps an error returned by a host function.
func HostTrap(cause error) *Trap {
	if t, ok := cause.(*Trap); ok {
		return t
	}
	return &Trap{Code: TrapHost, Cause: cause}
}

// Error implements the error interface
func (t *Trap) Error() string {
	var b strings.Builder
	b.WriteString("[trap] ")
	b.WriteString(string(t.Code))
	if t.Detail != "" {
		b.WriteString(": ")
		b.WriteString(t.Detail)
	}
	if t.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(t.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Trace renders the frames active at the trap point, innermost first.
func (t *Trap) Trace() string {
	var b strings.Builder
	for i, f := range t.Frames {
		fmt.Fprintf(&b, "%3d: %s\n", i, f)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (t *Trap) Unwrap() error {
	return t.Cause
}

// Is reports whether target is a trap with the same code
func (t *Trap) Is(target error) bool {
	if o, ok := target.(*Trap); ok {
		return o.Code == t.Code
	}
	return false
}
