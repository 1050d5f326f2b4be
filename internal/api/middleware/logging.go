// Package middleware provides HTTP middleware for the webhook server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/deployctl/pkg/logger"
)

// RequestLogger logs each request once it completes and exposes the chi
// request ID through logger.RequestIDKey for downstream handlers.
// Health probes are logged at debug level.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			requestID := middleware.GetReqID(r.Context())
			if requestID != "" {
				r = r.WithContext(logger.ContextWithRequestID(r.Context(), requestID))
			}

			defer func() {
				level := slog.LevelInfo
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					level = slog.LevelError
				case r.URL.Path == "/health" || r.URL.Path == "/metrics":
					level = slog.LevelDebug
				}
				log.Log(r.Context(), level, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", requestID,
					"event", r.Header.Get("X-GitHub-Event"),
					"delivery", r.Header.Get("X-GitHub-Delivery"),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
