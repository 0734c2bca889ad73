// Package taskerrors defines the error taxonomy shared by the task queue, the
// concurrency limiter, and the streaming pipeline. Error values are plain data
// so they can cross the worker/consumer boundary inside queue events without
// carrying live handles from the producing goroutine.
package taskerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies task failures into the small set of categories surfaced to
// clients.
type Kind string

const (
	// KindValidation indicates bad caller input.
	KindValidation Kind = "validation"
	// KindAuthorization indicates bad or missing credentials for the underlying
	// model provider. It is unrelated to end-user authentication.
	KindAuthorization Kind = "authorization"
	// KindQuotaExceeded indicates a provider or application quota (including
	// the concurrency ceiling) is exhausted.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindInvocation indicates the upstream model call failed.
	KindInvocation Kind = "invocation"
	// KindTaskStopped indicates cooperative cancellation was observed. It is a
	// normal termination path, not a failure.
	KindTaskStopped Kind = "task_stopped"
	// KindInternal indicates an unexpected or unclassified failure.
	KindInternal Kind = "internal"
)

const (
	quotaDescription    = "Your quota for the hosted model provider has been exhausted. Please configure your own provider credentials."
	authDescription     = "Incorrect API key provided"
	internalDescription = "Internal Server Error, please contact support."
)

// ErrTaskStopped is returned to producers that publish after the task was
// stopped. Workers return it (or wrap it) to unwind; the generate service
// swallows it at the worker boundary.
var ErrTaskStopped = errors.New("generate task stopped")

// Error is a classified task failure. All fields are plain values.
type Error struct {
	// Kind is the failure category.
	Kind Kind `json:"kind"`
	// Message is the diagnostic message. It may contain provider details and
	// is intended for logs.
	Message string `json:"message"`
	// Description is the user-facing message. Empty means Message is safe to
	// display.
	Description string `json:"description,omitempty"`
	// Retryable reports whether retrying without changing the request may
	// succeed. Only meaningful for invocation failures.
	Retryable bool `json:"retryable,omitempty"`
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Errorf formats a message and returns an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Validation returns a validation Error.
func Validation(message string) *Error { return New(KindValidation, message) }

// Authorization returns a provider authorization Error with the standard
// user-facing description.
func Authorization(message string) *Error {
	e := New(KindAuthorization, message)
	e.Description = authDescription
	return e
}

// QuotaExceeded returns a quota Error.
func QuotaExceeded(message string) *Error { return New(KindQuotaExceeded, message) }

// Invocation returns an upstream invocation Error. Transient failures are
// marked retryable.
func Invocation(message string, transient bool) *Error {
	e := New(KindInvocation, message)
	e.Retryable = transient
	return e
}

// Internal returns an internal Error.
func Internal(message string) *Error { return New(KindInternal, message) }

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target matches this error's kind. It lets callers test
// errors.Is(err, taskerrors.ErrTaskStopped) on classified stop errors.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if target == ErrTaskStopped {
		return e.Kind == KindTaskStopped
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Describe returns the user-facing description of the error.
func (e *Error) Describe() string {
	if e == nil {
		return ""
	}
	if e.Description != "" {
		return e.Description
	}
	switch e.Kind {
	case KindQuotaExceeded:
		if e.Message != "" {
			return e.Message
		}
		return quotaDescription
	case KindAuthorization:
		return authDescription
	case KindInternal:
		return internalDescription
	}
	if e.Message == "" {
		return internalDescription
	}
	return e.Message
}

// Code returns the stable wire code for the error.
func (e *Error) Code() string {
	switch e.kind() {
	case KindValidation:
		return "invalid_param"
	case KindAuthorization:
		return "provider_not_initialize"
	case KindQuotaExceeded:
		return "too_many_requests"
	case KindInvocation:
		return "completion_request_error"
	case KindTaskStopped:
		return "task_stopped"
	default:
		return "internal_server_error"
	}
}

// HTTPStatus returns the HTTP status used by synchronous transports.
func (e *Error) HTTPStatus() int {
	switch e.kind() {
	case KindValidation, KindAuthorization, KindInvocation:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindTaskStopped:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func (e *Error) kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.Kind
}

// Classify converts an arbitrary error into a classified Error. Errors that
// already are (or wrap) an *Error are returned unchanged; the stop sentinel
// maps to KindTaskStopped; context deadlines map to transient invocation
// failures; everything else is internal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, ErrTaskStopped):
		return New(KindTaskStopped, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return Invocation(err.Error(), true)
	case errors.Is(err, context.Canceled):
		return New(KindTaskStopped, err.Error())
	}
	return Internal(err.Error())
}

// IsStopped reports whether err represents cooperative cancellation.
func IsStopped(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTaskStopped) {
		return true
	}
	var te *Error
	return errors.As(err, &te) && te.Kind == KindTaskStopped
}

// FromStatus classifies a model provider failure by HTTP status. code is the
// provider error code; "insufficient_quota" on a 429 means the hosted quota
// is exhausted rather than rate limited.
func FromStatus(status int, code, message string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Authorization(message)
	case status == http.StatusTooManyRequests && code == "insufficient_quota":
		e := QuotaExceeded(message)
		e.Description = quotaDescription
		return e
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return Invocation(message, true)
	default:
		return Invocation(message, false)
	}
}
