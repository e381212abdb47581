// Package apperrors provides the dispatch error taxonomy with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation         = errors.New("validation error")
	ErrCredentialsMissing = errors.New("destination credentials missing")
	ErrTransport          = errors.New("transport error")
	ErrPartnerRejected    = errors.New("partner rejected dispatch")
	ErrEncoding           = errors.New("encoding error")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrNotFound           = errors.New("not found")
	ErrInternal           = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel    error  // Wrapped sentinel for errors.Is() classification
	Message     string // Human-readable message
	Field       string // For validation errors (e.g., "amount")
	Resource    string // For not found (e.g., "dispatch")
	Destination string // Partner store the error relates to
	StatusCode  int    // Partner HTTP status for rejections
	Op          string // Operation that failed (e.g., "ledger.update")
	Cause       error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// CredentialsMissing reports an unknown destination or one without a complete
// key id / secret / base URL.
func CredentialsMissing(destination, reason string) error {
	return &Error{
		Sentinel:    ErrCredentialsMissing,
		Message:     fmt.Sprintf("destination %q: %s", destination, reason),
		Destination: destination,
	}
}

// Transport wraps a network failure or timeout talking to a partner.
func Transport(destination string, cause error) error {
	return &Error{
		Sentinel:    ErrTransport,
		Message:     fmt.Sprintf("send to %s: %v", destination, cause),
		Destination: destination,
		Cause:       cause,
	}
}

// PartnerRejected reports a non-2xx partner response.
func PartnerRejected(destination string, status int, body string) error {
	msg := fmt.Sprintf("%s responded HTTP %d", destination, status)
	if body != "" {
		msg += ": " + body
	}
	return &Error{
		Sentinel:    ErrPartnerRejected,
		Message:     msg,
		Destination: destination,
		StatusCode:  status,
	}
}

// Encoding reports a payload that could not be serialized or decoded.
func Encoding(op string, cause error) error {
	return &Error{
		Sentinel: ErrEncoding,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// RetriesExhausted marks a record that used up its attempts. cause is the
// failure of the last attempt, if any.
func RetriesExhausted(recordID string, attempts int, cause error) error {
	msg := fmt.Sprintf("dispatch %s exhausted after %d attempts", recordID, attempts)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &Error{
		Sentinel: ErrRetriesExhausted,
		Message:  msg,
		Resource: "dispatch",
		Cause:    cause,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Retryable reports whether err is worth another attempt: only transport
// failures and partner rejections are, and never once retries are exhausted.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrRetriesExhausted) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrPartnerRejected)
}
