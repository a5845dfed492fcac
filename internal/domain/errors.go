package domain

import (
	"errors"
	"fmt"
)

// Error codes. Each maps to one ErrorKind and one HTTP status.
const (
	EINVALID        = "invalid"          // malformed request or failed validation
	EUNAUTHORIZED   = "unauthorized"     // unknown or missing caller
	EFORBIDDEN      = "forbidden"        // caller lacks the role
	ENOTFOUND       = "not_found"        // missing, or owned by someone else
	ECONFLICT       = "conflict"         // lost a concurrent update
	ETOOLARGE       = "too_large"        // more lines than the resolved limit
	ERATELIMIT      = "rate_limit"       // monthly ceiling or request throttle
	EINTERNAL       = "internal"         // anything unexpected
	EPAYMENT        = "payment"          // credit balance too low
	EINVALIDFORMAT  = "invalid_format"   // not readable as delimited text
	EMISSINGCOLUMN  = "missing_column"   // header lacks the period column
	ETOOMANYPERIODS = "too_many_periods" // more distinct periods than allowed
)

// internalMessage replaces the message of EINTERNAL errors before they
// reach a caller.
const internalMessage = "An internal error occurred. Please try again later."

// Error is a failure with a code for callers and an op for logs. Message is
// safe to show to the caller unless Code is EINTERNAL; Err never is.
type Error struct {
	Code    string
	Op      string // e.g. "credit.debit"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, op, message string, err error) *Error {
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// Errorf builds an Error with a formatted message.
func Errorf(code, op, format string, args ...any) *Error {
	return newError(code, op, fmt.Sprintf(format, args...), nil)
}

// asError finds the outermost *Error in err's chain.
func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// ErrorCode returns err's code: "" for nil, EINTERNAL for errors that carry
// none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := asError(err); ok {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the message a caller may see.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := asError(err); ok && e.Code != EINTERNAL {
		return e.Message
	}
	return internalMessage
}

// ErrorOp returns the op of the outermost Error, or "".
func ErrorOp(err error) string {
	if e, ok := asError(err); ok {
		return e.Op
	}
	return ""
}

// =============================================================================
// Error kinds
// =============================================================================

// ErrorKind groups codes into the families callers branch on when picking a
// user-facing message or deciding whether to retry.
type ErrorKind string

const (
	KindStructural  ErrorKind = "structural"  // the file itself cannot be analyzed
	KindQuota       ErrorKind = "quota"       // line-count or period policy denial
	KindCredit      ErrorKind = "credit"      // balance shortfall
	KindConcurrency ErrorKind = "concurrency" // lost a race after admission
	KindUsage       ErrorKind = "usage"       // monthly ceiling reached
	KindFatal       ErrorKind = "fatal"       // storage or other irrecoverable failure
	KindRequest     ErrorKind = "request"     // bad input, missing resources, auth
)

var kinds = map[string]ErrorKind{
	EINVALIDFORMAT:  KindStructural,
	EMISSINGCOLUMN:  KindStructural,
	ETOOLARGE:       KindQuota,
	ETOOMANYPERIODS: KindQuota,
	EPAYMENT:        KindCredit,
	ECONFLICT:       KindConcurrency,
	ERATELIMIT:      KindUsage,
	EINVALID:        KindRequest,
	EUNAUTHORIZED:   KindRequest,
	EFORBIDDEN:      KindRequest,
	ENOTFOUND:       KindRequest,
}

// Kind classifies err. Unknown codes and plain errors are fatal.
func Kind(err error) ErrorKind {
	if k, ok := kinds[ErrorCode(err)]; ok {
		return k
	}
	return KindFatal
}

// Store sentinels. Adapters return these and services translate them.
var (
	// ErrInsufficientBalance rejects a debit that would go below zero.
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrNotFound            = errors.New("record not found")
	// ErrDuplicate is a unique constraint violation.
	ErrDuplicate = errors.New("duplicate record")
)

// =============================================================================
// Constructors
// =============================================================================

func NotFound(op, resource, id string) *Error {
	return newError(ENOTFOUND, op, fmt.Sprintf("%s with ID %q not found", resource, id), nil)
}

func Invalid(op, message string) *Error {
	return newError(EINVALID, op, message, nil)
}

func Unauthorized(op, message string) *Error {
	return newError(EUNAUTHORIZED, op, message, nil)
}

func Forbidden(op, message string) *Error {
	return newError(EFORBIDDEN, op, message, nil)
}

func Conflict(op, message string) *Error {
	return newError(ECONFLICT, op, message, nil)
}

// Internal wraps an unexpected failure. Only op and err reach the logs; the
// caller sees a generic message.
func Internal(err error, op, message string) *Error {
	return newError(EINTERNAL, op, message, err)
}

// InvalidFormat rejects a file that cannot be read as delimited text.
func InvalidFormat(err error, op, message string) *Error {
	return newError(EINVALIDFORMAT, op, message, err)
}

// MissingColumn rejects a header without column.
func MissingColumn(op, column string) *Error {
	return newError(EMISSINGCOLUMN, op, fmt.Sprintf("The CSV header must contain the %q column", column), nil)
}

// UsageLimitExceeded rejects an upload that would push a user past their
// monthly line ceiling.
func UsageLimitExceeded(op string, current, requested, limit int64) *Error {
	return newError(ERATELIMIT, op, fmt.Sprintf(
		"Processing %d lines would exceed your monthly limit of %d lines (%d used)",
		requested, limit, current), nil)
}

// BalanceUnknown stands in for a balance that could not be read.
const BalanceUnknown int64 = -1

// InsufficientCreditsMessage describes a credit shortfall. A negative
// balance is left out of the text.
func InsufficientCreditsMessage(required, balance int64) string {
	if balance < 0 {
		return fmt.Sprintf("This file requires %d credits, more than your current balance", required)
	}
	return fmt.Sprintf("This file requires %d credits but your balance is %d", required, balance)
}

// InsufficientCredits wraps ErrInsufficientBalance.
func InsufficientCredits(op string, required, balance int64) *Error {
	return newError(EPAYMENT, op, InsufficientCreditsMessage(required, balance), ErrInsufficientBalance)
}

// ValidationError reports bad request fields, keyed by field name.
type ValidationError struct {
	Op     string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return e.Op + ": validation failed"
}

// NewValidationError starts a ValidationError with one field.
func NewValidationError(op, field, message string) *ValidationError {
	return &ValidationError{Op: op, Fields: map[string]string{field: message}}
}
