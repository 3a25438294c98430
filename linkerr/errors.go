// Package linkerr defines the closed error taxonomy every phase of the
// linker (relocation parsing, GOT/stubs building, fixup application)
// reports through, per spec §7.
package linkerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the closed set of terminal error categories a link can fail
// with (§7). Every error the core packages return can be classified
// into exactly one of these.
type Kind uint8

const (
	// UnknownError is never returned by this package; it exists so the
	// zero value of Kind is not mistaken for a real category.
	UnknownError Kind = iota
	BadRelocation
	MissingSymbol
	BadInstr
	ExtentOverflow
	OutOfRange
	Misalignment
)

func (k Kind) String() string {
	switch k {
	case BadRelocation:
		return "BadRelocation"
	case MissingSymbol:
		return "MissingSymbol"
	case BadInstr:
		return "BadInstr"
	case ExtentOverflow:
		return "ExtentOverflow"
	case OutOfRange:
		return "OutOfRange"
	case Misalignment:
		return "Misalignment"
	default:
		return "UnknownError"
	}
}

// LinkError is the single error type every core package returns.
// Wrapping with github.com/pkg/errors preserves a stack trace back to
// the failing check, which NotifyFailed logs at Error level.
type LinkError struct {
	kind Kind
	msg  string
	err  error
}

// NewError builds a LinkError of the given kind, formatting msg the
// way fmt.Sprintf does.
func NewError(kind Kind, format string, args ...interface{}) *LinkError {
	return &LinkError{kind: kind, msg: fmt.Sprintf(format, args...), err: errors.New(fmt.Sprintf(format, args...))}
}

// Wrap builds a LinkError of the given kind wrapping an underlying
// error, keeping its pkg/errors stack trace.
func Wrap(kind Kind, err error, format string, args ...interface{}) *LinkError {
	msg := fmt.Sprintf(format, args...)
	return &LinkError{kind: kind, msg: msg, err: errors.Wrap(err, msg)}
}

func (e *LinkError) Error() string { return e.msg }

func (e *LinkError) Unwrap() error { return e.err }

// Kind reports which of the §7 categories this error belongs to.
func (e *LinkError) Kind() Kind { return e.kind }
