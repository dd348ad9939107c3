// Package errs holds the failure kinds of snippet code generation. Every
// failure is fatal for the compilation that hit it; callers branch on the kind
// with errors.Is and read the payload with errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/snippets/internal/element"
)

var (
	ErrUnsupportedTarget        = errors.New("unsupported target")
	ErrUndeterminedRegisterType = errors.New("undetermined register type")
	ErrUnsupportedConversion    = errors.New("unsupported conversion")
	ErrRegisterExhausted        = errors.New("register pool exhausted")
	ErrNoEmitter                = errors.New("no emitter for operation")
	ErrInvalidIR                = errors.New("invalid linear IR")
)

// Error carries the diagnostic payload of a classified failure.
type Error struct {
	Kind error
	// Op names the offending operation, if any.
	Op string
	// From and To are set for conversion failures.
	From, To element.Type
	Detail   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("snippets: ")
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		fmt.Fprintf(&b, " for %s", e.Op)
	}
	if e.From != element.Undefined || e.To != element.Undefined {
		fmt.Fprintf(&b, " (%s -> %s)", e.From, e.To)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

func New(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func Conversion(op string, from, to element.Type, detail string) *Error {
	return &Error{Kind: ErrUnsupportedConversion, Op: op, From: from, To: to, Detail: detail}
}
