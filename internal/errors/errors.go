// Package errors defines the typed error taxonomy used throughout ossgate.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindNotFound        Kind = "NotFound"
	KindDenied          Kind = "AuthorizationDenied"
	KindValidation      Kind = "ValidationError"
	KindBackend         Kind = "BackendError"
	KindPartial         Kind = "PartialFailure"
	KindUnauthenticated Kind = "Unauthenticated"
	KindNotAcceptable   Kind = "NotAcceptable"
	KindTooManyRequests Kind = "TooManyRequests"
	KindInternal        Kind = "InternalError"
)

var kindStatus = map[Kind]int{
	KindNotFound:        http.StatusNotFound,
	KindDenied:          http.StatusForbidden,
	KindValidation:      http.StatusBadRequest,
	KindBackend:         http.StatusBadGateway,
	KindPartial:         http.StatusInternalServerError,
	KindUnauthenticated: http.StatusUnauthorized,
	KindNotAcceptable:   http.StatusNotAcceptable,
	KindTooManyRequests: http.StatusTooManyRequests,
	KindInternal:        http.StatusInternalServerError,
}

// Error is the single error type returned across package boundaries. It is
// serialized as the JSON error envelope.
type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	// Field names the offending input for validation errors.
	Field string `json:"field,omitempty"`
	// BackendCode is the upstream error code for backend errors.
	BackendCode string `json:"backend_code,omitempty"`
	// FailedKeys lists the keys that could not be processed in a partial failure.
	FailedKeys []string `json:"failed_keys,omitempty"`
	// Retryable reports whether repeating the call may succeed.
	Retryable bool `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// GetStatus returns the HTTP status for the error kind. It satisfies
// huma.StatusError so operations can return *Error directly.
func (e *Error) GetStatus() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is matches errors of the same kind so errors.Is(err, ErrNoSuchBucket)
// reports any NotFound error carrying the same message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// WithField returns a copy of the error tagged with the given field.
func (e *Error) WithField(field string) *Error {
	cp := *e
	cp.Field = field
	return &cp
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFound error.
func NotFound(format string, args ...any) *Error { return New(KindNotFound, format, args...) }

// Denied builds an AuthorizationDenied error.
func Denied(format string, args ...any) *Error { return New(KindDenied, format, args...) }

// Invalid builds a ValidationError for the given field.
func Invalid(field, format string, args ...any) *Error {
	e := New(KindValidation, format, args...)
	e.Field = field
	return e
}

// Unauthenticated builds an Unauthenticated error.
func Unauthenticated(format string, args ...any) *Error {
	return New(KindUnauthenticated, format, args...)
}

// Partial builds a PartialFailure listing the keys that failed.
func Partial(failed []string, cause error) *Error {
	e := &Error{
		Kind:       KindPartial,
		Message:    fmt.Sprintf("%d item(s) could not be processed", len(failed)),
		FailedKeys: failed,
		cause:      cause,
	}
	return e
}

// Internal wraps an unexpected error (catalog I/O and similar).
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf("%s: %v", op, err), cause: err}
}

// Pre-defined errors for common conditions.
var (
	ErrNoSuchBucket  = &Error{Kind: KindNotFound, Message: "not found this bucket"}
	ErrNoSuchObject  = &Error{Kind: KindNotFound, Message: "not found this object resource"}
	ErrNoSuchRegion  = &Error{Kind: KindNotFound, Message: "not found this region"}
	ErrNoSuchGrant   = &Error{Kind: KindNotFound, Message: "not found this acl grant"}
	ErrNoSuchUser    = &Error{Kind: KindNotFound, Message: "not found this user"}
	ErrAccessDenied  = &Error{Kind: KindDenied, Message: "access denied"}
	ErrReadOnly      = &Error{Kind: KindDenied, Message: "bucket is read only"}
	ErrIsDirectory   = &Error{Kind: KindValidation, Message: "object is a directory"}
	ErrBadToken      = &Error{Kind: KindUnauthenticated, Message: "invalid token"}
	ErrStorageExpiry = &Error{Kind: KindNotAcceptable, Message: "storage is expired"}
)

// KindOf returns the kind of err, KindInternal for foreign errors and ""
// for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As converts any error to *Error, wrapping foreign errors as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Internal("unexpected error", err)
}

// FromBackend classifies a storage backend error. Missing keys and buckets
// become NotFound; everything else becomes a BackendError carrying the
// upstream message verbatim.
func FromBackend(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindBackend, Message: fmt.Sprintf("%s: %v", op, err), Retryable: true, cause: err}
	}

	var noSuchKey *types.NoSuchKey
	if stderrors.As(err, &noSuchKey) {
		return &Error{Kind: KindNotFound, Message: "no such key", BackendCode: "NoSuchKey", cause: err}
	}
	var noSuchBucket *types.NoSuchBucket
	if stderrors.As(err, &noSuchBucket) {
		return &Error{Kind: KindNotFound, Message: "no such bucket", BackendCode: "NoSuchBucket", cause: err}
	}

	out := &Error{Kind: KindBackend, Message: fmt.Sprintf("%s: %v", op, err), cause: err}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		out.BackendCode = apiErr.ErrorCode()
		out.Message = fmt.Sprintf("%s: %s", op, apiErr.ErrorMessage())
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			out.Kind = KindNotFound
		case "NoSuchBucket":
			out.Kind = KindNotFound
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling":
			out.Retryable = true
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			out.Retryable = true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if stderrors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			out.Kind = KindNotFound
		case code >= 500:
			out.Retryable = true
		}
	}
	if out.Kind == KindBackend && strings.TrimSpace(out.Message) == "" {
		out.Message = op
	}
	return out
}
