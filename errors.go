// Package unicens implements the UNICENS cooperative event engine: a
// single-threaded scheduler, timer wheel, message transceiver and a family
// of diagnostic finite-state machines that discover, welcome, diagnose and
// configure nodes on a MOST ring from a host-supplied byte link.
package unicens

import (
	"errors"
	"fmt"
)

// ResultCode is the high-level error/result taxonomy from spec.md §7.
type ResultCode string

const (
	CodeSuccess         ResultCode = "success"
	CodeParameter       ResultCode = "parameter"
	CodeBufferOverflow  ResultCode = "buffer overflow"
	CodeAPILocked       ResultCode = "api locked"
	CodeNotInitialized  ResultCode = "not initialized"
	CodeAlreadySet      ResultCode = "already set"
	CodeTransmission    ResultCode = "transmission"
	CodeTargetError     ResultCode = "target error"
	CodeTimeout         ResultCode = "timeout"
	CodeNetOff          ResultCode = "net off"
	CodeTerminated      ResultCode = "terminated"
	CodeAborted         ResultCode = "aborted"
	CodeError           ResultCode = "error"
)

// Error is the structured error carried both synchronously from API calls
// and asynchronously inside diagnostic report callbacks.
type Error struct {
	Op     string     // operation that produced this error, e.g. "WelcomeStart"
	Code   ResultCode // high-level category
	Detail string     // human-readable detail
	Inner  error      // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("unicens: %s: %s", e.Code, e.Detail)
	}
	if e.Detail == "" {
		return fmt.Sprintf("unicens: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("unicens: %s: %s (%s)", e.Op, e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison on Code alone, so callers can test
// `errors.Is(err, &unicens.Error{Code: unicens.CodeTimeout})`.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// NewError constructs an Error with no wrapped cause.
func NewError(op string, code ResultCode, detail string) *Error {
	return &Error{Op: op, Code: code, Detail: detail}
}

// WrapError wraps inner with engine context, preserving its Code if inner
// is itself an *Error.
func WrapError(op string, code ResultCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ue, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ue.Code, Detail: ue.Detail, Inner: inner}
	}
	return &Error{Op: op, Code: code, Detail: inner.Error(), Inner: inner}
}

// IsCode reports whether err is an *Error with the given Code.
func IsCode(err error, code ResultCode) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code == code
	}
	return false
}

// Sentinel errors for common synchronous failures (spec.md §7).
var (
	ErrBufferOverflow   = &Error{Op: "alloc_tx", Code: CodeBufferOverflow, Detail: "tx pool exhausted"}
	ErrAPILocked        = &Error{Op: "api", Code: CodeAPILocked, Detail: "lock bit already held"}
	ErrNotInitialized   = &Error{Op: "engine", Code: CodeNotInitialized, Detail: "engine not initialized"}
	ErrAlreadySet       = &Error{Op: "engine", Code: CodeAlreadySet, Detail: "already configured"}
	ErrAlreadyInUse     = &Error{Op: "timer", Code: CodeParameter, Detail: "entry already armed"}
	ErrAlreadyObserving = &Error{Op: "observer", Code: CodeParameter, Detail: "already observing this subject"}
)
