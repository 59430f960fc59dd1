// Package errors defines the error kinds surfaced by the Hoomi client.
//
// Callers match them with the standard library helpers, e.g.
//
//	var statusErr *errors.HTTPStatusError
//	if stderrors.As(err, &statusErr) { ... }
//	if stderrors.Is(err, errors.ErrPreconditionFailed) { ... }
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrPreconditionFailed matches a write rejected because the If-Match ETag is stale.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrNoToken indicates an authenticated call was made without any access token.
	ErrNoToken = errors.New("no access token available")

	// ErrUnknownState indicates a redirect carried a state with no pending authorization.
	// It is never returned to callers of HandleCallback; unknown states are ignored.
	ErrUnknownState = errors.New("unknown authorization state")

	// ErrAuthorizationExpired is used to reject pending authorizations older than their TTL.
	ErrAuthorizationExpired = errors.New("authorization request expired")

	// ErrAuthorizationCanceled is used to reject explicitly cancelled authorizations.
	ErrAuthorizationCanceled = errors.New("authorization request canceled")

	// ErrNoLauncher indicates no authorization surface could open the authorization URL.
	ErrNoLauncher = errors.New("no authorization surface available")
)

// TransportError wraps connectivity and I/O failures (DNS, connect, reading the body).
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport error: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is returned for any response status outside [200, 399].
type HTTPStatusError struct {
	StatusCode int
	Status     string
	// OAuth holds the server's error body when it was OAuth2 shaped.
	OAuth *OAuth2Error
}

func (e *HTTPStatusError) Error() string {
	reason := e.Status
	if reason == "" {
		reason = http.StatusText(e.StatusCode)
	}
	msg := fmt.Sprintf("HTTP Error: %d %s", e.StatusCode, strings.TrimPrefix(reason, fmt.Sprintf("%d ", e.StatusCode)))
	if e.OAuth != nil {
		msg += ": " + e.OAuth.Error()
	}
	return msg
}

// Is reports 412 responses as ErrPreconditionFailed.
func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrPreconditionFailed && e.StatusCode == http.StatusPreconditionFailed
}

// PreconditionFailedError is returned when an optimistic write used a stale ETag.
type PreconditionFailedError struct {
	ETag string
	Err  error
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("resource was modified (If-Match %q): %v", e.ETag, e.Err)
}

func (e *PreconditionFailedError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

func (e *PreconditionFailedError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed response or a missing required field.
type ProtocolError struct {
	Field string
	Msg   string
	Err   error
}

// NewProtocolError creates a ProtocolError for the named field.
func NewProtocolError(field, msg string) *ProtocolError {
	return &ProtocolError{Field: field, Msg: msg}
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// AuthorizationDeniedError is returned when the provider redirected back with an error.
type AuthorizationDeniedError struct {
	OAuth2Error
}

// NewAuthorizationDenied creates an AuthorizationDeniedError from redirect parameters.
func NewAuthorizationDenied(code, description, uri string) *AuthorizationDeniedError {
	return &AuthorizationDeniedError{OAuth2Error{Code: code, Description: description, URI: uri}}
}

func (e *AuthorizationDeniedError) Error() string {
	return e.OAuth2Error.Error()
}
