// logging.go - Request ids and access logging
package server

import (
	"context"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxRequestIDLen = 64

// RequestIDFromContext returns the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// validRequestID accepts short printable ASCII ids supplied by proxies.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// requestIDMiddleware drops unusable client ids, lets chi's RequestID keep
// or assign one, and echoes it back in X-Request-Id.
func requestIDMiddleware(next http.Handler) http.Handler {
	assign := chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(chimw.RequestIDHeader, chimw.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(chimw.RequestIDHeader); id != "" && !validRequestID(id) {
			r.Header.Del(chimw.RequestIDHeader)
		}
		assign.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs one line per request. The query string is left out
// because it may carry an access token.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)

		duration := time.Since(start)
		fields := []zap.Field{
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", lrw.status),
			zap.Int64("ms", duration.Milliseconds()),
			zap.Int64("bytes", lrw.size),
			zap.String("ip", getClientIP(r)),
			zap.String("ua", r.UserAgent()),
		}
		switch {
		case lrw.status >= 500:
			s.log.Error("request", fields...)
		case lrw.status >= 400:
			s.log.Warn("request", fields...)
		default:
			s.log.Info("request", fields...)
		}

		s.metrics.RecordRequest(r.Method, lrw.status, duration)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status      int
	size        int64
	wroteHeader bool
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
