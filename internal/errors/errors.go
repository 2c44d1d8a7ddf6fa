// Package errors defines the media service's error taxonomy. Every failure
// that crosses a component boundary is a *MediaError carrying the HTTP
// status it should surface as.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a MediaError.
type Kind string

const (
	// KindConfiguration covers missing bucket, credentials, collection or
	// byte source. Fatal for the operation, never retried.
	KindConfiguration Kind = "ConfigurationError"
	// KindNotFound means no candidate key resolved.
	KindNotFound Kind = "NotFoundError"
	// KindVariantDerivation is a failure to resize or write one variant.
	// It is recorded and logged, never surfaced to the client.
	KindVariantDerivation Kind = "VariantDerivationError"
	// KindAuthorization means an access predicate refused the request.
	KindAuthorization Kind = "AuthorizationError"
	// KindStoreBackend is a network or backend failure from the object store.
	KindStoreBackend Kind = "StoreBackendError"
	// KindStream is a failure while reading a blob body for the caller.
	KindStream Kind = "StreamError"
	// KindBadRequest is a malformed client request.
	KindBadRequest Kind = "BadRequest"
	// KindUnauthenticated means a bearer token was presented but rejected.
	KindUnauthenticated Kind = "Unauthenticated"
)

// MediaError is a classified error with a machine-readable code,
// human-readable message, HTTP status code, and optional cause.
type MediaError struct {
	Kind Kind
	// Code is a short machine-readable code (e.g., "NoSuchFile").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return.
	HTTPStatus int
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%d): %s: %v", e.Kind, e.Code, e.HTTPStatus, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s (%d): %s", e.Kind, e.Code, e.HTTPStatus, e.Message)
}

// Unwrap returns the underlying cause.
func (e *MediaError) Unwrap() error { return e.Err }

// Is reports whether target is a *MediaError of the same Kind, so that
// errors.Is(err, ErrNotFound) matches any not-found error regardless of
// message or cause.
func (e *MediaError) Is(target error) bool {
	t, ok := target.(*MediaError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithMessage returns a copy of the error with a different message.
func (e *MediaError) WithMessage(format string, args ...any) *MediaError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of the error with the given cause attached.
func (e *MediaError) Wrap(err error) *MediaError {
	cp := *e
	cp.Err = err
	return &cp
}

// Pre-defined errors for common conditions.
var (
	// ErrConfiguration is returned when required configuration is absent.
	ErrConfiguration = &MediaError{
		Kind:       KindConfiguration,
		Code:       "ConfigurationError",
		Message:    "The storage adapter is not configured for this operation",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrMissingByteSource is returned when an upload carries neither a
	// buffer nor a temp file.
	ErrMissingByteSource = &MediaError{
		Kind:       KindConfiguration,
		Code:       "MissingByteSource",
		Message:    "Upload has neither an in-memory buffer nor a temp file",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrCollectionNotConfigured is returned when a collection slug has no
	// storage configuration.
	ErrCollectionNotConfigured = &MediaError{
		Kind:       KindConfiguration,
		Code:       "CollectionNotConfigured",
		Message:    "Collection was not found in storage options",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrNotFound is returned when no candidate key resolves.
	ErrNotFound = &MediaError{
		Kind:       KindNotFound,
		Code:       "NoSuchFile",
		Message:    "File not found",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrRecordNotFound is returned when a media record does not exist.
	ErrRecordNotFound = &MediaError{
		Kind:       KindNotFound,
		Code:       "NoSuchRecord",
		Message:    "Media record not found",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrVariantDerivation is recorded when a single variant fails.
	ErrVariantDerivation = &MediaError{
		Kind:       KindVariantDerivation,
		Code:       "VariantDerivationFailed",
		Message:    "Failed to derive image variant",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrForbidden is returned when an access predicate denies the request.
	ErrForbidden = &MediaError{
		Kind:       KindAuthorization,
		Code:       "Forbidden",
		Message:    "You are not allowed to perform this action",
		HTTPStatus: http.StatusForbidden,
	}

	// ErrUnauthenticated is returned for a malformed or expired bearer token.
	ErrUnauthenticated = &MediaError{
		Kind:       KindUnauthenticated,
		Code:       "Unauthenticated",
		Message:    "Bearer token is invalid or expired",
		HTTPStatus: http.StatusUnauthorized,
	}

	// ErrStoreBackend is returned for object store failures.
	ErrStoreBackend = &MediaError{
		Kind:       KindStoreBackend,
		Code:       "StoreBackendError",
		Message:    "Object store request failed",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrStream is returned when a blob body could not be read to completion.
	ErrStream = &MediaError{
		Kind:       KindStream,
		Code:       "StreamError",
		Message:    "Failed to stream file",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrBadRequest is returned for malformed requests.
	ErrBadRequest = &MediaError{
		Kind:       KindBadRequest,
		Code:       "BadRequest",
		Message:    "Malformed request",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrNotJSON is returned when a JSON body was expected.
	ErrNotJSON = &MediaError{
		Kind:       KindBadRequest,
		Code:       "NotJSON",
		Message:    "Content-Type expected to be application/json",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInternal is returned for unexpected internal failures.
	ErrInternal = &MediaError{
		Code:       "InternalError",
		Message:    "Internal Server Error",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// StoreBackend wraps an object store failure.
func StoreBackend(op string, err error) *MediaError {
	return ErrStoreBackend.WithMessage("%s failed", op).Wrap(err)
}

// VariantDerivation wraps a failure to produce the named variant.
func VariantDerivation(variant string, err error) *MediaError {
	return ErrVariantDerivation.WithMessage("variant %q", variant).Wrap(err)
}

// Stream wraps a body read failure for key.
func Stream(key string, err error) *MediaError {
	return ErrStream.WithMessage("streaming %q", key).Wrap(err)
}

// As returns err as a *MediaError. Unclassified errors map to ErrInternal
// with err as the cause.
func As(err error) *MediaError {
	var me *MediaError
	if stderrors.As(err, &me) {
		return me
	}
	return ErrInternal.Wrap(err)
}

// HTTPStatus returns the HTTP status err should surface as.
func HTTPStatus(err error) int {
	return As(err).HTTPStatus
}

// IsKind reports whether err is a MediaError of the given kind.
func IsKind(err error, kind Kind) bool {
	var me *MediaError
	return stderrors.As(err, &me) && me.Kind == kind
}
