package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/infra/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Authenticator is the auth API served over HTTP.
type Authenticator interface {
	State() domain.AuthState
	SessionToken() (string, bool)
	Ready() <-chan struct{}
	LoginWithEmail(ctx context.Context, email, password string) (*domain.UserProfile, error)
	LoginWithGoogle(ctx context.Context) (*domain.UserProfile, error)
	RegisterWithEmail(ctx context.Context, name, email, password string) (*domain.RegistrationResult, error)
	ResendVerification(ctx context.Context) error
	RefreshVerificationStatus(ctx context.Context) (bool, error)
	Logout(ctx context.Context) error
	LegacyLogin(ctx context.Context, email, password string) (*domain.UserProfile, error)
	LegacyRegister(ctx context.Context, name, email, password string) (*domain.RegistrationResult, error)
}

// HealthCheck probes one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(auth Authenticator, checks []HealthCheck, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(MetricsMiddleware(metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(checks))
	r.Get("/readyz", readyzHandler(auth))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/auth", authMetricsHandler(auth, metrics))

		r.Route("/auth", func(r chi.Router) {
			r.Use(RequireReady(auth, logger))

			r.Get("/state", authStateHandler(auth))
			r.With(RequireAuthenticated(auth)).Get("/token", authTokenHandler(auth))

			r.Post("/login", loginHandler(auth, logger))
			r.Post("/login/google", loginGoogleHandler(auth, logger))
			r.Post("/register", registerHandler(auth, logger))
			r.Post("/logout", logoutHandler(auth, logger))

			r.Route("/verification", func(r chi.Router) {
				r.Use(RequireAuthenticated(auth))
				r.Post("/resend", resendVerificationHandler(auth, logger))
				r.Post("/refresh", refreshVerificationHandler(auth, logger))
			})

			r.Post("/legacy/login", legacyLoginHandler(auth, logger))
			r.Post("/legacy/register", legacyRegisterHandler(auth, logger))
		})
	})

	return r
}

// ============================================================
// Health & Metrics
// ============================================================

func healthzHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "storefront-client", Status: "healthy", LastChecked: now},
		}
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			start := time.Now()
			err := c.Check(ctx)
			cancel()

			status := "healthy"
			if err != nil {
				status = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name:        c.Name,
				Status:      status,
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status != "healthy" {
				overallStatus = "degraded"
				break
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler(auth Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-auth.Ready():
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		}
	}
}

func authMetricsHandler(auth Authenticator, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := metrics.GetAuthSnapshot()
		snapshot.Phase = auth.State().Phase.String()
		writeJSON(w, http.StatusOK, snapshot)
	}
}
