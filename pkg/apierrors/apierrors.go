// Package apierrors defines the closed failure taxonomy every gateway call
// resolves to. Transport and HTTP failures are normalized here so feature
// code never handles raw *http.Response errors or net.Error values directly.
package apierrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind identifies one variant of the failure taxonomy.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimit      Kind = "rate_limit"
	KindServer         Kind = "server"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindUnknown        Kind = "unknown"
)

// Error is the normalized gateway failure. Status is zero when the failure
// happened before any response was received. Details carries the structured
// payload from the gateway error envelope when one was present.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a normalized error without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a normalized error preserving the underlying cause for
// errors.Is / errors.As chains.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf extracts the taxonomy kind from any error. Errors that did not pass
// through this package report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// statusKinds is the fixed status→kind table. Status classes outside it fall
// through to KindServer (5xx) or KindUnknown.
var statusKinds = map[int]Kind{
	http.StatusBadRequest:      KindValidation,
	http.StatusUnauthorized:    KindAuthentication,
	http.StatusForbidden:       KindAuthorization,
	http.StatusNotFound:        KindNotFound,
	http.StatusConflict:        KindConflict,
	http.StatusTooManyRequests: KindRateLimit,
}

// errorEnvelope is the JSON error shape the gateway returns. Both fields are
// optional; unparseable bodies still map to a valid Error.
type errorEnvelope struct {
	ErrorCode   string         `json:"error"`
	Description string         `json:"error_description"`
	Details     map[string]any `json:"details"`
}

// FromResponse maps an HTTP failure (status plus raw body) to exactly one
// Error. It is total: every input produces a value and it never panics.
func FromResponse(status int, body []byte) *Error {
	kind, ok := statusKinds[status]
	if !ok {
		switch {
		case status >= 500 && status <= 599:
			kind = KindServer
		default:
			kind = KindUnknown
		}
	}

	message := defaultMessage(kind, status)
	var details map[string]any
	if len(body) > 0 {
		var env errorEnvelope
		if err := json.Unmarshal(body, &env); err == nil {
			if env.Description != "" {
				message = env.Description
			} else if env.ErrorCode != "" {
				message = env.ErrorCode
			}
			details = env.Details
		}
	}

	return &Error{Kind: kind, Status: status, Message: message, Details: details}
}

// FromTransport maps a failure with no HTTP response (connection refused,
// DNS, aborted dial) or a timeout signal to exactly one Error.
func FromTransport(err error) *Error {
	if isTimeout(err) {
		return Wrap(err, KindTimeout, "request timed out")
	}
	return Wrap(err, KindNetwork, "request failed before a response was received")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func defaultMessage(kind Kind, status int) string {
	switch kind {
	case KindValidation:
		return "request was rejected as invalid"
	case KindAuthentication:
		return "authentication required"
	case KindAuthorization:
		return "insufficient permissions"
	case KindNotFound:
		return "resource not found"
	case KindConflict:
		return "request conflicts with current state"
	case KindRateLimit:
		return "rate limit exceeded"
	case KindServer:
		return "gateway reported an internal error"
	default:
		return fmt.Sprintf("unexpected response status %d", status)
	}
}
