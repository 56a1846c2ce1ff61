package handler

import (
	"net/http"

	"github.com/boddenberg/storefront-client-go/internal/infra/observability"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequireReady answers 503 until the startup reconciliation finished.
func RequireReady(auth Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-auth.Ready():
				next.ServeHTTP(w, r)
			default:
				logger.Debug("auth: request before startup reconciliation",
					zap.String("path", r.URL.Path),
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusServiceUnavailable, "authentication is initializing")
			}
		})
	}
}

// RequireAuthenticated answers 401 when no identity is signed in.
func RequireAuthenticated(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.State().IsAuthenticated() {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware counts API requests by outcome.
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := observability.ResultSuccess
			if ww.Status() >= 400 {
				status = observability.ResultError
			}
			metrics.IncrRequest(status)
		})
	}
}
