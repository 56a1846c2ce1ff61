package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/handler"
	"github.com/boddenberg/storefront-client-go/internal/infra/client"
	"github.com/boddenberg/storefront-client-go/internal/infra/identity"
	"github.com/boddenberg/storefront-client-go/internal/infra/kv"
	"github.com/boddenberg/storefront-client-go/internal/infra/observability"
	"github.com/boddenberg/storefront-client-go/internal/infra/resilience"
	"github.com/boddenberg/storefront-client-go/internal/infra/sessionstore"
	"github.com/boddenberg/storefront-client-go/internal/port"
	"github.com/boddenberg/storefront-client-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// backendServer mocks the storefront backend auth endpoints.
func backendServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch r.URL.Path {
		case "/auth/login":
			if body["password"] != "legacy-pass" {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid credentials"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token": "backend-token-1",
				"user":  map[string]any{"id": 42, "email": body["email"], "name": "Legacy Lee", "role": "vendor"},
			})
		case "/auth/external-sync":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token": "backend-token-sync",
				"user":  map[string]any{"id": 77, "email": "ana@example.com", "name": "Ana"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// identityServer mocks the identity provider REST API. Password sign-ins
// succeed for "provider-pass" with an unverified email.
func identityServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch strings.TrimPrefix(r.URL.Path, "/v1/accounts:") {
		case "signInWithPassword":
			if body["password"] != "provider-pass" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 400, "message": "INVALID_LOGIN_CREDENTIALS"}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"idToken":      "id-token-1",
				"refreshToken": "refresh-1",
				"expiresIn":    "3600",
				"localId":      "uid-ana",
				"email":        body["email"],
			})
		case "lookup":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"users": []map[string]any{{
					"localId":       "uid-ana",
					"email":         "ana@example.com",
					"emailVerified": false,
					"displayName":   "Ana",
				}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type stack struct {
	router     http.Handler
	controller *service.AuthController
	metrics    *observability.Metrics
	store      *kv.SQLite
}

// newStack wires the real controller over a SQLite-backed session store.
// identityURL may be empty to run with legacy credentials only.
func newStack(t *testing.T, dbPath, backendURL, identityURL string) *stack {
	t.Helper()

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	retry := resilience.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxConcurrency: 4}
	httpClient := &http.Client{Timeout: 5 * time.Second}

	store, err := kv.OpenSQLite(dbPath)
	require.NoError(t, err)

	sessions := sessionstore.New(store, "sf:", logger)
	credentials := client.NewCredentialsClient(httpClient, backendURL, resilience.NewCircuitBreaker("backend"), retry, logger)

	var adapter port.IdentityAdapter
	if identityURL != "" {
		provider := identity.NewClient(httpClient,
			identity.Config{APIKey: "api-key", APIURL: identityURL, TokenURL: identityURL, KeyPrefix: "sf:"},
			resilience.NewCircuitBreaker("identity"), retry, store, nil, logger)
		adapter = service.NewIdentityAdapter(provider, logger)
	}

	controller := service.NewAuthController(sessions, credentials, credentials, adapter, metrics, logger)
	require.NoError(t, controller.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = controller.Run(ctx)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, controller.WaitReady(waitCtx))

	t.Cleanup(func() {
		cancel()
		<-done
		controller.Close()
		_ = store.Close()
	})

	return &stack{
		router:     handler.NewRouter(controller, nil, metrics, logger),
		controller: controller,
		metrics:    metrics,
		store:      store,
	}
}

func stateOf(t *testing.T, router http.Handler) domain.AuthStateResponse {
	t.Helper()
	rec := do(t, router, http.MethodGet, "/v1/auth/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state domain.AuthStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	return state
}

func TestIntegration_LegacySessionSurvivesRestart(t *testing.T) {
	backend := backendServer(t)
	dbPath := filepath.Join(t.TempDir(), "session.db")

	first := newStack(t, dbPath, backend.URL, "")
	assert.Equal(t, "unauthenticated", stateOf(t, first.router).Phase)

	rec := do(t, first.router, http.MethodPost, "/v1/auth/login", `{"email":"lee@example.com","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(domain.KindInvalidCredentials), decodeError(t, rec).Kind)

	rec = do(t, first.router, http.MethodPost, "/v1/auth/login", `{"email":"lee@example.com","password":"legacy-pass"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	state := stateOf(t, first.router)
	assert.Equal(t, "legacy_active", state.Phase)
	assert.True(t, state.IsVerified)
	assert.Equal(t, domain.RoleVendor, state.User.Role)

	// Same database, fresh process.
	first.controller.Close()
	require.NoError(t, first.store.Close())
	second := newStack(t, dbPath, backend.URL, "")

	state = stateOf(t, second.router)
	assert.Equal(t, "legacy_active", state.Phase)
	require.NotNil(t, state.User)
	assert.Equal(t, domain.UserID("42"), state.User.ID)

	rec = do(t, second.router, http.MethodGet, "/v1/auth/token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"token":"backend-token-1"}`, rec.Body.String())

	rec = do(t, second.router, http.MethodPost, "/v1/auth/logout", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "unauthenticated", stateOf(t, second.router).Phase)

	_, found, err := second.store.Get(context.Background(), "sf:auth_token")
	require.NoError(t, err)
	assert.False(t, found, "logout must clear the persisted token")
}

func TestIntegration_ProviderRejectionFallsBackToLegacy(t *testing.T) {
	backend := backendServer(t)
	provider := identityServer(t)
	s := newStack(t, filepath.Join(t.TempDir(), "session.db"), backend.URL, provider.URL)

	rec := do(t, s.router, http.MethodPost, "/v1/auth/login", `{"email":"lee@example.com","password":"legacy-pass"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body domain.AuthResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.AuthProviderLegacy, body.User.AuthProvider)
	assert.Equal(t, "legacy_active", stateOf(t, s.router).Phase)
	assert.Equal(t, int64(1), s.metrics.GetAuthSnapshot().LegacyFallbacks)
}

func TestIntegration_UnverifiedProviderLogin(t *testing.T) {
	backend := backendServer(t)
	provider := identityServer(t)
	s := newStack(t, filepath.Join(t.TempDir(), "session.db"), backend.URL, provider.URL)

	rec := do(t, s.router, http.MethodPost, "/v1/auth/login", `{"email":"ana@example.com","password":"provider-pass"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(domain.KindNotVerified), body.Kind)
	assert.False(t, body.FallbackAvailable)

	state := stateOf(t, s.router)
	assert.Equal(t, "provider_unverified", state.Phase)
	assert.True(t, state.IsAuthenticated)
	assert.False(t, state.IsVerified)

	rec = do(t, s.router, http.MethodGet, "/v1/auth/token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unverified identities hold no backend token")

	_, found, err := s.store.Get(context.Background(), "sf:auth_token")
	require.NoError(t, err)
	assert.False(t, found, "unverified identities are never persisted")
}
