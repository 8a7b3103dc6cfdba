// Package middleware holds the reusable HTTP middleware the manager server
// composes around its mux. Each middleware takes its collaborators as plain
// functions so the package stays free of server internals.
package middleware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Logger is the subset of logging behaviour the middleware needs.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// ErrorWriter emits an API error response.
type ErrorWriter func(w http.ResponseWriter, err error)

// EnsureIDs enriches the request with request/trace IDs.
type EnsureIDs func(*http.Request) (*http.Request, string, string)

// RequestIDFromContext extracts the request ID from the request context.
type RequestIDFromContext func(context.Context) string

// TraceIDFromContext extracts the trace ID from the request context.
type TraceIDFromContext func(context.Context) string

// ClientAddress resolves the caller's IP from the request.
type ClientAddress func(*http.Request) string

// AllowFunc decides whether a client may proceed based on a key and timestamp.
type AllowFunc func(key string, now time.Time) bool

// ClientKey derives the rate-limit key for a request.
type ClientKey func(*http.Request) string

// RequestMetadata ensures every request has IDs and the response echoes
// them back.
func RequestMetadata(ensure EnsureIDs) func(http.Handler) http.Handler {
	if ensure == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, requestID, traceID := ensure(r)
			w.Header().Set("X-Request-Id", requestID)
			if traceID != "" {
				w.Header().Set("X-Trace-Id", traceID)
			}
			next.ServeHTTP(w, req)
		})
	}
}

// SecurityHeaders applies standard hardening headers.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers := w.Header()
			headers.Set("X-Content-Type-Options", "nosniff")
			headers.Set("X-Frame-Options", "DENY")
			headers.Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit enforces per-client throttling. limitErr is written when a
// client exceeds its budget.
func RateLimit(allow AllowFunc, key ClientKey, now func() time.Time, write ErrorWriter, limitErr error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil || allow == nil || key == nil || now == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if allow(key(r), now()) {
				next.ServeHTTP(w, r)
				return
			}
			if write != nil {
				write(w, limitErr)
			} else {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			}
		})
	}
}

// Logging records structured request information for every completed
// request. The wrapped writer keeps Flush and Hijack available so streamed
// bridge responses and websocket upgrades pass through unharmed.
func Logging(
	logger Logger,
	requestID RequestIDFromContext,
	traceID TraceIDFromContext,
	clientAddr ClientAddress,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil || logger == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			writer := newLoggingResponseWriter(w)
			next.ServeHTTP(writer, r)

			duration := time.Since(start)
			status := writer.status
			if status == 0 {
				status = http.StatusOK
			}

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"durationMs", float64(duration.Microseconds()) / 1000.0,
				"bytesWritten", writer.bytes,
			}

			if writer.hijacked {
				fields = append(fields, "upgraded", true)
			}
			if requestID != nil {
				if rid := requestID(r.Context()); rid != "" {
					fields = append(fields, "requestId", rid)
				}
			}
			if traceID != nil {
				if tid := traceID(r.Context()); tid != "" {
					fields = append(fields, "traceId", tid)
				}
			}
			if clientAddr != nil {
				if remote := clientAddr(r); remote != "" {
					fields = append(fields, "remoteAddr", remote)
				}
			}

			switch {
			case status >= 500:
				logger.Errorw("http request completed", fields...)
			case status >= 400:
				logger.Warnw("http request completed", fields...)
			default:
				logger.Infow("http request completed", fields...)
			}
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status   int
	bytes    int
	hijacked bool
	mu       sync.Mutex
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (w *loggingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, err
	}
	w.mu.Lock()
	w.hijacked = true
	// An upgraded connection reports the switch status instead of whatever
	// the handler would have written.
	w.status = http.StatusSwitchingProtocols
	w.mu.Unlock()
	return conn, rw, nil
}
