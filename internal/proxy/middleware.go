package proxy

import (
	"context"
	"net/http"
	"time"

	"languagepal-offline/internal/offline"
	"languagepal-offline/pkg/logger"
	"languagepal-offline/pkg/ratelimit"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Middleware struct {
	logger  *logger.Logger
	limiter *ratelimit.Limiter
}

func NewMiddleware(logger *logger.Logger, limiter *ratelimit.Limiter) *Middleware {
	return &Middleware{
		logger:  logger,
		limiter: limiter,
	}
}

func (m *Middleware) Chain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		r = r.WithContext(contextWithRequestID(r.Context(), requestID))
		w.Header().Set("X-Request-Id", requestID)

		log := m.logger.WithRequestID(requestID)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if err := recover(); err != nil {
				log.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path))
				if !wrapped.wroteHeader {
					http.Error(wrapped, "Internal Server Error", http.StatusInternalServerError)
				}
			}

			log.Info("Request completed",
				zap.String("method", r.Method),
				zap.String("url", r.URL.String()),
				zap.Int("status", wrapped.status),
				zap.String("cache", wrapped.Header().Get(offline.HeaderCache)),
				zap.Int64("bytes", wrapped.written),
				zap.Duration("duration", time.Since(start)))
		}()

		if m.limiter != nil {
			ip := getClientIP(r)
			if !m.limiter.Allow(ip) {
				log.Warn("Rate limit exceeded",
					zap.String("client_ip", ip),
					zap.String("path", r.URL.Path))
				http.Error(wrapped, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		next.ServeHTTP(wrapped, r)
	})
}

type contextKey string

const requestIDKey contextKey = "requestID"

func contextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.wroteHeader {
		return
	}
	rw.status = statusCode
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
