package logging

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ConnectionIDHeader carries a caller supplied connection id on upgrade requests
const ConnectionIDHeader = "X-Connection-ID"

// HTTPMiddleware logs HTTP requests (WebSocket upgrades in this SDK) and
// tags each request context with a connection id.
func HTTPMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			connID := r.Header.Get(ConnectionIDHeader)
			if connID == "" {
				connID = uuid.New().String()
			}

			ctx := ContextWithConnectionID(r.Context(), connID)
			r = r.WithContext(ctx)

			reqLogger := logger.WithContext(ctx).WithFields(
				String("method", r.Method),
				String("path", r.URL.Path),
				String("remote_addr", r.RemoteAddr),
			)

			reqLogger.Debug("HTTP request started")

			start := time.Now()
			next.ServeHTTP(w, r)

			// Upgraded connections return only once the socket is done.
			reqLogger.WithFields(
				Duration("duration", time.Since(start)),
			).Debug("HTTP request completed")
		})
	}
}
