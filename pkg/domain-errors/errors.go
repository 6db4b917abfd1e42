// Package dErrors provides coded domain errors. Services translate
// infrastructure facts (sentinel errors) and collaborator failures into these
// so transports and callers can branch on the code, not the message.
package dErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain error. Every failure surfaced by a service maps to
// exactly one code.
type Code string

const (
	// CodeValidation marks malformed input. Terminal: retrying the same
	// request cannot succeed.
	CodeValidation Code = "validation"

	// CodeNotFound marks an unknown id or address.
	CodeNotFound Code = "not_found"

	// CodeInvalidSignature marks an endorsement whose signature failed
	// verification. The endorsement was not admitted.
	CodeInvalidSignature Code = "invalid_signature"

	// CodeInsufficientBalance marks a transfer exceeding the available
	// (non-frozen) balance. Retryable after funds arrive.
	CodeInsufficientBalance Code = "insufficient_balance"

	// CodeInvalidOperation marks an operation the target can never accept,
	// e.g. transferring a soulbound token. Terminal.
	CodeInvalidOperation Code = "invalid_operation"

	// CodeDependency marks a failed or timed-out external collaborator
	// (ledger, record store, vault, document store, MFA). May be transient;
	// safe to retry with backoff. The cause is preserved for logging.
	CodeDependency Code = "dependency"

	// CodeConflict marks a uniqueness or concurrent-update conflict.
	CodeConflict Code = "conflict"

	// CodeUnauthorized marks missing or failed authentication.
	CodeUnauthorized Code = "unauthorized"

	// CodeForbidden marks an authenticated caller lacking permission.
	CodeForbidden Code = "forbidden"

	// CodeInvariantViolation marks a domain invariant breach detected at
	// construction or transition time. Converted to CodeValidation at the
	// API boundary.
	CodeInvariantViolation Code = "invariant_violation"

	// CodeInternal marks unexpected failures that are a bug on our side.
	CodeInternal Code = "internal"
)

// Error is the concrete coded error type.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a coded error without a cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error, preserving the
// cause for errors.Is/As and logging. A nil err returns nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err or anything in its chain carries the code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var coded *Error
		if errors.As(err, &coded) {
			if coded.Code == code {
				return true
			}
			err = coded.cause
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost code in the chain, or CodeInternal when err is
// not a coded error.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// Is delegates to errors.Is so call sites can keep a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Retryable reports whether the failure class is worth retrying with backoff.
func Retryable(err error) bool {
	code := CodeOf(err)
	return code == CodeDependency || code == CodeInsufficientBalance
}

// ToHTTPStatus maps a code to an HTTP status for the transport layer.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvariantViolation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidSignature, CodeInvalidOperation:
		return http.StatusUnprocessableEntity
	case CodeInsufficientBalance, CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
