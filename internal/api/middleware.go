package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"medroute/internal/logger"
	"medroute/internal/metrics"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// logMiddleware assigns a request id, puts a request-scoped logger in the
// context, recovers panics and records access logs and HTTP metrics.
func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)
		l := logger.Logger().With().Str("request_id", reqID).Logger()
		r = r.WithContext(logger.Into(r.Context(), l))
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			if p := recover(); p != nil {
				l.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("PANIC recovered")
				if rec.status == 0 {
					writeProblem(rec, http.StatusInternalServerError, "Internal error", "an unexpected error occurred", r.URL.Path)
				}
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			dur := time.Since(start)
			path := r.Pattern
			if path == "" {
				path = "unmatched"
			}
			code := strconv.Itoa(status)
			metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())

			ev := l.Info()
			switch {
			case status >= 500:
				ev = l.Error()
			case status >= 400:
				ev = l.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status_code", status).
				Int64("duration_ms", dur.Milliseconds()).
				Str("ip", r.RemoteAddr).
				Msg("HTTP request")
		}()
		next.ServeHTTP(rec, r)
	})
}

// limitBody caps request bodies.
func limitBody(max int64, next http.Handler) http.Handler {
	if max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}
