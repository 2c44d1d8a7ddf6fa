package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/logging"
	"github.com/akshaykher243/payload-template/internal/metrics"
	"github.com/akshaykher243/payload-template/internal/response"
	"github.com/akshaykher243/payload-template/internal/uid"
)

// serverName is sent in the Server header.
const serverName = "mediastore"

// commonHeaders is HTTP middleware that injects the request id, Date and
// Server headers on every response. A request id supplied by a proxy is
// kept.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(response.RequestIDHeader)
		if requestID == "" {
			requestID = uid.New()[:16]
		}
		w.Header().Set(response.RequestIDHeader, requestID)
		w.Header().Set("Date", response.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", serverName)
		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

// WriteHeader captures the status code and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

// Flush implements the http.Flusher interface if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

func record(w http.ResponseWriter) *responseRecorder {
	if rr, ok := w.(*responseRecorder); ok {
		return rr
	}
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

// requestLogger logs one line per request and attaches a request-scoped
// logger to the context.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)
		logger := slog.Default().With("request_id", w.Header().Get(response.RequestIDHeader))
		r = r.WithContext(logging.WithLogger(r.Context(), logger))

		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		switch {
		case rec.statusCode >= 500:
			level = slog.LevelError
		case r.URL.Path == "/metrics" || r.URL.Path == "/healthz" || r.URL.Path == "/readyz":
			level = slog.LevelDebug
		}
		logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.statusCode,
			"bytes", rec.bytesWritten,
			"duration", time.Since(start),
		)
	})
}

// metricsMiddleware records Prometheus metrics for each request:
// request count, duration, and response size.
// The /metrics endpoint is excluded from self-instrumentation to avoid recursion.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := record(w)

		next.ServeHTTP(rec, r)

		normalizedPath := metrics.NormalizePath(r.URL.Path)
		status := strconv.Itoa(rec.statusCode)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, normalizedPath).Observe(float64(rec.bytesWritten))
		}
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	response.WriteError(w, r, &mediaerr.MediaError{
		Kind:       mediaerr.KindNotFound,
		Code:       "NoSuchRoute",
		Message:    "No route matches " + r.Method + " " + r.URL.Path,
		HTTPStatus: http.StatusNotFound,
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	response.WriteError(w, r, &mediaerr.MediaError{
		Kind:       mediaerr.KindBadRequest,
		Code:       "MethodNotAllowed",
		Message:    "Method " + r.Method + " is not allowed on " + r.URL.Path,
		HTTPStatus: http.StatusMethodNotAllowed,
	})
}
