// Package errors implements the runtime's error taxonomy: six kinds with
// stable status codes and per-kind retry behavior.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error into one of the runtime's categories.
// Each kind maps to a stable status code that bindings depend on.
type Kind int

const (
	// KindValidation indicates bad input shape or size. Caller bug, not retried.
	KindValidation Kind = iota + 1

	// KindNotFound indicates an unknown label, folder, or agent.
	// Often not fatal; block lookups report absence instead.
	KindNotFound

	// KindIO indicates a storage failure. May be retried by the caller.
	KindIO

	// KindNetwork indicates an unreachable provider or cloud endpoint.
	// Retryable with backoff.
	KindNetwork

	// KindAuth indicates invalid credentials. Not retryable without
	// reconfiguration.
	KindAuth

	// KindState indicates an operation on a freed or invalid handle.
	// Programming error, reported loudly.
	KindState
)

var kindNames = map[Kind]string{
	KindValidation: "validation",
	KindNotFound:   "not_found",
	KindIO:         "io",
	KindNetwork:    "network",
	KindAuth:       "auth",
	KindState:      "state",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Status codes reported across the operation surface. Stable: bindings in
// other environments match on these values.
const (
	CodeOK         = 0
	CodeValidation = -1
	CodeNotFound   = -2
	CodeIO         = -3
	CodeNetwork    = -4
	CodeAuth       = -5
	CodeState      = -6
	CodeUnknown    = -99
)

var kindCodes = map[Kind]int{
	KindValidation: CodeValidation,
	KindNotFound:   CodeNotFound,
	KindIO:         CodeIO,
	KindNetwork:    CodeNetwork,
	KindAuth:       CodeAuth,
	KindState:      CodeState,
}

// Error is a classified error. It carries the kind, a human-readable
// message, and an optional underlying cause.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches other classified errors by kind, so sentinels compare by
// category rather than by pointer.
func (e *Error) Is(target error) bool {
	var ce *Error
	if errors.As(target, &ce) {
		return e.Kind == ce.Kind && (ce.Message == "" || ce.Message == e.Message)
	}
	return false
}

// New creates a classified error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Already-classified errors keep their
// kind; the new message is layered on top.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return &Error{
			Kind:       ce.Kind,
			Message:    message,
			Underlying: err,
			RetryAfter: ce.RetryAfter,
		}
	}

	return &Error{Kind: kind, Message: message, Underlying: err}
}

// WithRetryAfter attaches a server-suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from an error. Unclassified errors report KindIO,
// the most conservative retryable category for internal faults.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindIO
}

// CodeOf flattens an error to its stable status code. nil maps to CodeOK.
func CodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	var ce *Error
	if errors.As(err, &ce) {
		if code, ok := kindCodes[ce.Kind]; ok {
			return code
		}
		return CodeUnknown
	}
	return CodeIO
}

// Retryable reports whether the caller may retry the failed operation.
// Network and storage faults are retryable; validation, auth, and state
// errors are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindIO:
		return true
	default:
		return false
	}
}

// Re-exported stdlib helpers so callers need only this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Sentinel errors for the failure cases the contract names.
var (
	ErrValueTooLarge       = New(KindValidation, "block value exceeds size limit")
	ErrInvalidMessage      = New(KindValidation, "invalid message")
	ErrInvalidConfig       = New(KindValidation, "invalid configuration")
	ErrInvalidUTF8         = New(KindValidation, "input is not valid UTF-8")
	ErrMalformed           = New(KindValidation, "malformed agent file")
	ErrUnsupportedVersion  = New(KindValidation, "unsupported agent file version")
	ErrNotFound            = New(KindNotFound, "not found")
	ErrAgentNotFound       = New(KindNotFound, "agent not found")
	ErrHandleFreed         = New(KindState, "handle is freed or invalid")
	ErrNotConfigured       = New(KindState, "sync is not configured")
	ErrProviderUnavailable = New(KindNetwork, "provider unavailable")
	ErrUnauthorized        = New(KindAuth, "unauthorized")
)
