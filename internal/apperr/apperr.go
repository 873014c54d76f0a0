// Package apperr carries the error taxonomy shared by the domain packages:
// invariant violations, concurrency conflicts, external-dependency failures,
// not-found and input validation. Callers branch on the kind with errors.Is
// against the sentinel values.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvariant  Kind = "INVARIANT"
	KindConflict   Kind = "CONFLICT"
	KindExternal   Kind = "EXTERNAL"
	KindNotFound   Kind = "NOT_FOUND"
	KindValidation Kind = "VALIDATION"
)

// Code identifies a specific failure inside a kind.
type Code string

const (
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeVersionMismatch       Code = "VERSION_MISMATCH"
	CodeNoEligiblePayments    Code = "NO_ELIGIBLE_PAYMENTS"
	CodeAlreadyFailed         Code = "ALREADY_FORCE_FAILED"
	CodeNotFailed             Code = "NOT_FORCE_FAILED"
	CodeOverpayment           Code = "OVERPAYMENT"
	CodeMissingEntitlement    Code = "MISSING_ENTITLEMENT"
	CodeEditWindowClosed      Code = "EDIT_WINDOW_CLOSED"
	CodeIllegalVerification   Code = "ILLEGAL_VERIFICATION_STATUS"
	CodeSplitSent             Code = "SPLIT_ALREADY_SENT"
	CodeSplitTooManyChunks    Code = "SPLIT_TOO_MANY_CHUNKS"
	CodeCommentRequired       Code = "COMMENT_REQUIRED"
	CodeBackgroundActionBusy  Code = "BACKGROUND_ACTION_BUSY"
	CodeExchangeRate          Code = "EXCHANGE_RATE_UNAVAILABLE"
	CodeSampling              Code = "SAMPLING_FAILED"
	CodeChannel               Code = "CHANNEL_FAILURE"
	CodeQueue                 Code = "QUEUE_UNAVAILABLE"
	CodeFileStorage           Code = "FILE_STORAGE_UNAVAILABLE"
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeDuplicateVerification Code = "DUPLICATE_VERIFICATION"
	CodeDuplicatePayment      Code = "DUPLICATE_PAYMENT"
)

// Error is the structured error returned by domain operations.
type Error struct {
	Kind    Kind
	Code    Code
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Field)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, and by code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

var (
	ErrInvariant  = &Error{Kind: KindInvariant}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrExternal   = &Error{Kind: KindExternal}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrValidation = &Error{Kind: KindValidation}
)

func Invariant(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindInvariant, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidInput, Field: field, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: CodeVersionMismatch, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string, id any) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s %v not found", what, id)}
}

func External(code Code, err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternal, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first *Error in err's chain, or "" when none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
