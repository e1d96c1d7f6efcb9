package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"novacast-live/internal/observability/logging"
)

// requestIDMiddleware threads a request ID through the context and echoes it
// back. An incoming X-Request-Id is trusted so upstream proxies can correlate
// their own logs; otherwise a fresh ID is minted.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if sessionID := strings.TrimSpace(r.Header.Get("X-Session-Id")); sessionID != "" {
			ctx = logging.ContextWithSessionID(ctx, sessionID)
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
