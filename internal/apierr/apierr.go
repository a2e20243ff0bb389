// Package apierr defines the normalized error taxonomy shared by drivers,
// orchestration components and the HTTP layer.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies one error category.
type Kind string

// Error kinds.
const (
	KindBadRequest           Kind = "BadRequest"
	KindNotFound             Kind = "NotFound"
	KindDriverNotFound       Kind = "DriverNotFound"
	KindAuthorizationFailure Kind = "AuthorizationFailure"
	KindResourceExists       Kind = "ResourceExists"
	KindRedfish              Kind = "RedfishException"
	KindExpEther             Kind = "ExpEtherException"
	KindServiceUnavailable   Kind = "ServiceUnavailable"
	KindNoValidHost          Kind = "NoValidHost"
	KindConflict             Kind = "Conflict"
	KindInternal             Kind = "InternalError"
)

// Error is the normalized error carried across component boundaries.
type Error struct {
	Kind   Kind
	Code   string
	Status int
	Title  string
	Detail string

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Title)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Title, e.Detail)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// WithCause attaches an underlying error and returns e.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Is matches another *Error of the same kind and code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Kind == other.Kind && (other.Code == "" || e.Code == other.Code)
}

func newError(kind Kind, status int, title, detail string) *Error {
	return &Error{
		Kind:   kind,
		Code:   string(kind),
		Status: status,
		Title:  title,
		Detail: strings.TrimSpace(detail),
	}
}

// BadRequest reports malformed or self-contradictory caller input.
func BadRequest(format string, args ...any) *Error {
	return newError(KindBadRequest, http.StatusBadRequest, "Malformed or unacceptable request", fmt.Sprintf(format, args...))
}

// NotFound reports a missing local resource.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, http.StatusNotFound, "Resource not found", fmt.Sprintf(format, args...))
}

// DriverNotFound reports an unknown orchestration driver name.
func DriverNotFound(name string) *Error {
	return newError(KindDriverNotFound, http.StatusNotFound, "Driver not found",
		fmt.Sprintf("driver %q is not available", name))
}

// AuthorizationFailure reports an upstream credential rejection.
func AuthorizationFailure(format string, args ...any) *Error {
	return newError(KindAuthorizationFailure, http.StatusUnauthorized, "Authorization failed", fmt.Sprintf(format, args...))
}

// ResourceExists reports a duplicate registration.
func ResourceExists(format string, args ...any) *Error {
	return newError(KindResourceExists, http.StatusConflict, "Resource already exists", fmt.Sprintf(format, args...))
}

// Redfish wraps a non-2xx Redfish pod manager response.
func Redfish(status int, title, detail string) *Error {
	if strings.TrimSpace(title) == "" {
		title = "Redfish pod manager error"
	}
	return newError(KindRedfish, upstreamStatus(status), title, detail)
}

// ExpEther wraps a non-2xx ExpEther manager response or an ExpEther
// orchestration failure.
func ExpEther(status int, title, detail string) *Error {
	if strings.TrimSpace(title) == "" {
		title = "ExpEther manager error"
	}
	return newError(KindExpEther, upstreamStatus(status), title, detail)
}

// upstreamStatus keeps upstream error statuses and maps anything that is not
// an error class (an unexpected 2xx, a redirect, zero) to 502.
func upstreamStatus(status int) int {
	if status < http.StatusBadRequest || status > 599 {
		return http.StatusBadGateway
	}
	return status
}

// ServiceUnavailable reports a transport-level failure or saturated backend.
func ServiceUnavailable(format string, args ...any) *Error {
	return newError(KindServiceUnavailable, http.StatusServiceUnavailable, "Service unavailable", fmt.Sprintf(format, args...))
}

// NoValidHost reports a scheduling failure; code distinguishes the reason.
func NoValidHost(code, detail string) *Error {
	e := newError(KindNoValidHost, http.StatusServiceUnavailable, "No valid pod manager", detail)
	if strings.TrimSpace(code) != "" {
		e.Code = code
	}
	return e
}

// Conflict reports a concurrent modification.
func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, http.StatusConflict, "Conflicting update", fmt.Sprintf(format, args...))
}

// Internal reports an unexpected failure.
func Internal(format string, args ...any) *Error {
	return newError(KindInternal, http.StatusInternalServerError, "Internal error", fmt.Sprintf(format, args...))
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr, true
	}
	return nil, false
}

// IsKind reports whether err carries an *Error of kind.
func IsKind(err error, kind Kind) bool {
	apiErr, ok := As(err)
	return ok && apiErr.Kind == kind
}

// From maps any error onto a normalized *Error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if apiErr, ok := As(err); ok {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ServiceUnavailable("operation timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return ServiceUnavailable("operation canceled").WithCause(err)
	}
	return Internal("%s", err.Error()).WithCause(err)
}

// Body is the error payload exposed to callers.
type Body struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Status    int    `json:"status"`
	Title     string `json:"title"`
	Detail    string `json:"detail"`
}

// ToBody renders err for a response correlated with requestID.
func ToBody(err error, requestID string) Body {
	normalized := From(err)
	return Body{
		RequestID: requestID,
		Code:      normalized.Code,
		Status:    normalized.Status,
		Title:     normalized.Title,
		Detail:    normalized.Detail,
	}
}
