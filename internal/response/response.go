// Package response provides helpers for rendering JSON API responses.
package response

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
)

// RequestIDHeader carries the per-request id set by the server middleware.
const RequestIDHeader = "X-Request-Id"

// ErrorBody is the JSON structure for error responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a single failure.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Resource  string `json:"resource,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// RenderError writes err as a JSON error response. Unclassified errors are
// rendered as a generic 500 and their cause is logged, never sent.
func RenderError(w http.ResponseWriter, r *http.Request, err error, resource string) {
	me := mediaerr.As(err)
	if me.HTTPStatus >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	body := ErrorBody{Error: ErrorDetail{
		Code:      me.Code,
		Message:   me.Message,
		Resource:  resource,
		RequestID: w.Header().Get(RequestIDHeader),
	}}
	JSON(w, me.HTTPStatus, body)
}

// WriteError is a convenience function that renders err using the request
// path as the resource.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	RenderError(w, r, err, r.URL.Path)
}

// JSON writes v with the given HTTP status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":{"code":"InternalError","message":%q}}`, err.Error())
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, v any) {
	JSON(w, http.StatusOK, v)
}

// Created writes a 201 response.
func Created(w http.ResponseWriter, v any) {
	JSON(w, http.StatusCreated, v)
}

// FormatTimeHTTP formats a time.Time as an HTTP date per RFC 7231
// (e.g., "Mon, 02 Jan 2006 15:04:05 GMT").
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// FormatTimeISO formats t as an ISO 8601 string with millisecond precision.
func FormatTimeISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
