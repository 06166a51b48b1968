package error

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCategory classifies errors by how a caller is expected to react to them.
type ErrorCategory int

const (
	// ErrCategoryRace represents the expected loser of a legitimate race.
	// Examples: a swap cache insert that found the key taken, a slot freed
	// between allocation and insertion. Callers branch on these routinely and
	// never surface them as failures.
	ErrCategoryRace ErrorCategory = iota

	// ErrCategoryResource represents exhaustion of a bounded resource.
	// Examples: no free swap slots, accounting quota exceeded, page pool empty.
	// The operation fails for the affected page only.
	ErrCategoryResource

	// ErrCategoryIO represents a failed transfer to or from the swap device.
	ErrCategoryIO

	// ErrCategoryData represents swapped content that no longer matches what was
	// written. Examples: checksum failures, truncated slots.
	ErrCategoryData

	// ErrCategoryInvariant represents a broken locking discipline. These are
	// raised through Fatal and abort the caller.
	ErrCategoryInvariant

	// ErrCategoryUser represents invalid arguments or configuration.
	ErrCategoryUser
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryRace:
		return "race"
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryIO:
		return "io"
	case ErrCategoryData:
		return "data"
	case ErrCategoryInvariant:
		return "invariant"
	case ErrCategoryUser:
		return "user"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// SwapError represents a structured swap subsystem error with context information.
type SwapError struct {
	// Code is a unique identifier for this error type (e.g., "SLOT_GONE", "NO_SPACE").
	Code string

	// Category classifies the error for appropriate handling strategy.
	Category ErrorCategory

	// Message is a human-readable description of what went wrong.
	Message string

	// Detail provides additional context about the specific error instance.
	Detail string

	// Hint suggests how the caller might recover.
	Hint string

	// Operation identifies the pager or cache operation in progress.
	// Examples: "PutPages", "Insert", "Alloc".
	Operation string

	// Component identifies where the error originated.
	// Examples: "SwapCache", "SlotRegistry", "SwapPager".
	Component string

	// Cause is the underlying error that triggered this error.
	Cause error

	// Stack contains the call stack where this error was created.
	Stack []uintptr
}

// New creates a new SwapError with the specified code, category, and message.
func New(category ErrorCategory, code, message string) *SwapError {
	return &SwapError{
		Code:     code,
		Category: category,
		Message:  message,
		Stack:    captureStack(),
	}
}

// Wrap wraps an existing error with swap-specific context information.
// If the error is already a SwapError, it enriches the existing error with
// operation and component context (only if not already set).
func Wrap(err error, code, operation, component string) *SwapError {
	if err == nil {
		return nil
	}

	var swapErr *SwapError
	if errors.As(err, &swapErr) {
		if swapErr.Operation == "" {
			swapErr.Operation = operation
		}
		if swapErr.Component == "" {
			swapErr.Component = component
		}
		return swapErr
	}

	return &SwapError{
		Code:      code,
		Category:  ErrCategoryIO,
		Message:   err.Error(),
		Operation: operation,
		Component: component,
		Cause:     err,
		Stack:     captureStack(),
	}
}

// WithDetail sets Detail and returns the receiver for chaining.
func (e *SwapError) WithDetail(format string, args ...any) *SwapError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithOp sets Operation and Component and returns the receiver for chaining.
func (e *SwapError) WithOp(operation, component string) *SwapError {
	e.Operation = operation
	e.Component = component
	return e
}

// WithCause sets the underlying error and returns the receiver for chaining.
func (e *SwapError) WithCause(err error) *SwapError {
	e.Cause = err
	return e
}

// captureStack skips captureStack, New/Wrap, and the immediate caller.
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[0:n]
}

// Error implements the standard Go error interface
//
// The format follows the pattern:
// [ERROR_CODE] Message: Detail (operation: Operation, component: Component) caused by: underlying error
func (e *SwapError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Detail != "" {
		b.WriteString(fmt.Sprintf(": %s", e.Detail))
	}

	if e.Operation != "" {
		b.WriteString(fmt.Sprintf(" (operation: %s", e.Operation))
		if e.Component != "" {
			b.WriteString(fmt.Sprintf(", component: %s", e.Component))
		}
		b.WriteString(")")
	}

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(" caused by: %v", e.Cause))
	}

	return b.String()
}

// Unwrap returns the underlying cause error.
func (e *SwapError) Unwrap() error {
	return e.Cause
}

// Is matches any *SwapError carrying the same code, so callers can test
// against the package sentinels with errors.Is.
func (e *SwapError) Is(target error) bool {
	t, ok := target.(*SwapError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// FormatStack returns a human-readable stack trace for debugging purposes.
func (e *SwapError) FormatStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var b strings.Builder
	frames := runtime.CallersFrames(e.Stack)

	b.WriteString("Stack trace:\n")
	for {
		f, more := frames.Next()
		b.WriteString(fmt.Sprintf("  %s\n    %s:%d\n",
			f.Function, f.File, f.Line))
		if !more {
			break
		}
	}

	return b.String()
}

// CategoryOf returns the category of the first SwapError in err's chain.
// Errors from outside the package are reported as IO.
func CategoryOf(err error) (ErrorCategory, bool) {
	var swapErr *SwapError
	if errors.As(err, &swapErr) {
		return swapErr.Category, true
	}
	return ErrCategoryIO, false
}

// IsRace reports whether err is an expected race outcome.
func IsRace(err error) bool {
	c, ok := CategoryOf(err)
	return ok && c == ErrCategoryRace
}

// Fatal panics with an invariant violation. It never returns.
func Fatal(code, format string, args ...any) {
	err := &SwapError{
		Code:     code,
		Category: ErrCategoryInvariant,
		Message:  fmt.Sprintf(format, args...),
		Stack:    captureStack(),
	}
	panic(err)
}
