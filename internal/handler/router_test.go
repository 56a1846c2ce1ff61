package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/handler"
	"github.com/boddenberg/storefront-client-go/internal/infra/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAuth is a scripted Authenticator.
type fakeAuth struct {
	ready chan struct{}
	state domain.AuthState
	token string

	loginErr    error
	registerErr error
	logoutErr   error
	verified    bool

	gotEmail, gotPassword, gotName string
	logouts                        int
}

func newFakeAuth(ready bool) *fakeAuth {
	f := &fakeAuth{
		ready: make(chan struct{}),
		state: domain.AuthState{Phase: domain.PhaseUnauthenticated},
	}
	if ready {
		close(f.ready)
	}
	return f
}

func (f *fakeAuth) signIn(user domain.UserProfile, phase domain.AuthPhase, token string) {
	f.state = domain.AuthState{Phase: phase, User: &user}
	f.token = token
}

func (f *fakeAuth) State() domain.AuthState      { return f.state }
func (f *fakeAuth) Ready() <-chan struct{}       { return f.ready }
func (f *fakeAuth) SessionToken() (string, bool) { return f.token, f.token != "" }

func (f *fakeAuth) LoginWithEmail(_ context.Context, email, password string) (*domain.UserProfile, error) {
	f.gotEmail, f.gotPassword = email, password
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &domain.UserProfile{ID: "1", Email: email, EmailVerified: true, AuthProvider: domain.AuthProviderExternalEmail}, nil
}

func (f *fakeAuth) LoginWithGoogle(context.Context) (*domain.UserProfile, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &domain.UserProfile{ID: "g1", Email: "g@example.com", EmailVerified: true, AuthProvider: domain.AuthProviderExternal}, nil
}

func (f *fakeAuth) RegisterWithEmail(_ context.Context, name, email, password string) (*domain.RegistrationResult, error) {
	f.gotName, f.gotEmail, f.gotPassword = name, email, password
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &domain.RegistrationResult{
		Profile:          &domain.UserProfile{ID: "2", Email: email, Name: name, AuthProvider: domain.AuthProviderExternalEmail},
		VerificationSent: true,
	}, nil
}

func (f *fakeAuth) ResendVerification(context.Context) error { return nil }

func (f *fakeAuth) RefreshVerificationStatus(context.Context) (bool, error) { return f.verified, nil }

func (f *fakeAuth) Logout(context.Context) error {
	f.logouts++
	return f.logoutErr
}

func (f *fakeAuth) LegacyLogin(ctx context.Context, email, password string) (*domain.UserProfile, error) {
	f.gotEmail, f.gotPassword = email, password
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &domain.UserProfile{ID: "3", Email: email, EmailVerified: true, AuthProvider: domain.AuthProviderLegacy}, nil
}

func (f *fakeAuth) LegacyRegister(_ context.Context, name, email, _ string) (*domain.RegistrationResult, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &domain.RegistrationResult{
		Profile: &domain.UserProfile{ID: "4", Email: email, Name: name, EmailVerified: true, AuthProvider: domain.AuthProviderLegacy},
	}, nil
}

func newTestRouter(auth handler.Authenticator, checks ...handler.HealthCheck) http.Handler {
	return handler.NewRouter(auth, checks, observability.NewMetrics(), zap.NewNop())
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Error             string `json:"error"`
	Kind              string `json:"kind"`
	FallbackAvailable bool   `json:"fallbackAvailable"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// ============================================================
// Operational endpoints
// ============================================================

func TestHealthz(t *testing.T) {
	router := newTestRouter(newFakeAuth(true))

	rec := do(t, router, http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz_DegradedDependency(t *testing.T) {
	router := newTestRouter(newFakeAuth(true),
		handler.HealthCheck{Name: "session-store", Check: func(context.Context) error { return errors.New("connection refused") }},
	)

	rec := do(t, router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health domain.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	require.Len(t, health.Services, 2)
	assert.Equal(t, "session-store", health.Services[1].Name)
	assert.Equal(t, "degraded", health.Services[1].Status)
}

func TestReadyz(t *testing.T) {
	auth := newFakeAuth(false)
	router := newTestRouter(auth)

	rec := do(t, router, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while initializing, got %d", rec.Code)
	}

	close(auth.ready)

	rec = do(t, router, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	router := newTestRouter(newFakeAuth(true))

	rec := do(t, router, http.MethodGet, "/metrics", "")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMetrics_ReportsPhase(t *testing.T) {
	auth := newFakeAuth(true)
	auth.signIn(domain.UserProfile{ID: "1", Email: "a@example.com"}, domain.PhaseLegacyActive, "tok")
	router := newTestRouter(auth)

	rec := do(t, router, http.MethodGet, "/v1/metrics/auth", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot domain.AuthMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, "legacy_active", snapshot.Phase)
}

// ============================================================
// Auth routes
// ============================================================

func TestAuthRoutes_RejectedUntilReady(t *testing.T) {
	router := newTestRouter(newFakeAuth(false))

	rec := do(t, router, http.MethodGet, "/v1/auth/state", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestAuthState(t *testing.T) {
	auth := newFakeAuth(true)
	auth.signIn(domain.UserProfile{ID: "7", Email: "u@example.com", EmailVerified: false}, domain.PhaseProviderUnverified, "")
	router := newTestRouter(auth)

	rec := do(t, router, http.MethodGet, "/v1/auth/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state domain.AuthStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.IsAuthenticated)
	assert.False(t, state.IsVerified)
	assert.False(t, state.Loading)
	assert.Equal(t, "provider_unverified", state.Phase)
	require.NotNil(t, state.User)
	assert.Equal(t, domain.UserID("7"), state.User.ID)
}

func TestAuthToken(t *testing.T) {
	t.Run("unauthenticated", func(t *testing.T) {
		router := newTestRouter(newFakeAuth(true))
		rec := do(t, router, http.MethodGet, "/v1/auth/token", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("degraded session has no token", func(t *testing.T) {
		auth := newFakeAuth(true)
		auth.signIn(domain.UserProfile{ID: "1"}, domain.PhaseProviderVerified, "")
		rec := do(t, newTestRouter(auth), http.MethodGet, "/v1/auth/token", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("active session", func(t *testing.T) {
		auth := newFakeAuth(true)
		auth.signIn(domain.UserProfile{ID: "1"}, domain.PhaseLegacyActive, "backend-token")
		rec := do(t, newTestRouter(auth), http.MethodGet, "/v1/auth/token", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body domain.TokenResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "backend-token", body.Token)
	})
}

func TestLogin(t *testing.T) {
	auth := newFakeAuth(true)
	router := newTestRouter(auth)

	rec := do(t, router, http.MethodPost, "/v1/auth/login", `{"email":"a@example.com","password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body domain.AuthResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.True(t, body.IsVerified)
	assert.Equal(t, "a@example.com", body.User.Email)
	assert.Equal(t, "secret", auth.gotPassword)
}

func TestLogin_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed body", `{"email":`},
		{"missing email", `{"password":"secret"}`},
		{"missing password", `{"email":"a@example.com"}`},
		{"blank email", `{"email":"   ","password":"secret"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := newFakeAuth(true)
			rec := do(t, newTestRouter(auth), http.MethodPost, "/v1/auth/login", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(domain.KindValidation), decodeError(t, rec).Kind)
			assert.Empty(t, auth.gotEmail, "controller must not be called")
		})
	}
}

func TestLogin_ErrorMapping(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantStatus   int
		wantKind     string
		wantFallback bool
	}{
		{
			name:         "invalid credentials with fallback hint",
			err:          &domain.AuthError{Kind: domain.KindInvalidCredentials, Message: "Invalid email or password", FallbackAvailable: true},
			wantStatus:   http.StatusUnauthorized,
			wantKind:     string(domain.KindInvalidCredentials),
			wantFallback: true,
		},
		{
			name:       "not verified",
			err:        domain.NewAuthError(domain.KindNotVerified, "", nil),
			wantStatus: http.StatusForbidden,
			wantKind:   string(domain.KindNotVerified),
		},
		{
			name:       "user disabled",
			err:        domain.NewAuthError(domain.KindUserDisabled, "", nil),
			wantStatus: http.StatusForbidden,
			wantKind:   string(domain.KindUserDisabled),
		},
		{
			name:       "network",
			err:        domain.NewAuthError(domain.KindNetwork, "", errors.New("dial tcp: refused")),
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   string(domain.KindNetwork),
		},
		{
			name:       "unknown",
			err:        domain.NewAuthError(domain.KindUnknown, "", nil),
			wantStatus: http.StatusInternalServerError,
			wantKind:   string(domain.KindUnknown),
		},
		{
			name:       "controller not started",
			err:        domain.ErrNotStarted,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "circuit open",
			err:        &domain.ErrCircuitOpen{Service: "backend"},
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   string(domain.KindNetwork),
		},
		{
			name:       "unexpected error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantKind:   string(domain.KindUnknown),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := newFakeAuth(true)
			auth.loginErr = tt.err

			rec := do(t, newTestRouter(auth), http.MethodPost, "/v1/auth/login", `{"email":"a@example.com","password":"x"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.wantKind, body.Kind)
			assert.Equal(t, tt.wantFallback, body.FallbackAvailable)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestLoginGoogle(t *testing.T) {
	rec := do(t, newTestRouter(newFakeAuth(true)), http.MethodPost, "/v1/auth/login/google", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body domain.AuthResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.AuthProviderExternal, body.User.AuthProvider)
}

func TestRegister(t *testing.T) {
	t.Run("verification sent", func(t *testing.T) {
		auth := newFakeAuth(true)
		rec := do(t, newTestRouter(auth), http.MethodPost, "/v1/auth/register",
			`{"name":"Ana","email":"ana@example.com","password":"s3cret!"}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		var body domain.AuthResultResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.VerificationSent)
		assert.False(t, body.IsVerified)
		assert.Equal(t, "Ana", auth.gotName)
	})

	t.Run("email in use", func(t *testing.T) {
		auth := newFakeAuth(true)
		auth.registerErr = domain.NewAuthError(domain.KindEmailInUse, "", nil)
		rec := do(t, newTestRouter(auth), http.MethodPost, "/v1/auth/register",
			`{"name":"Ana","email":"ana@example.com","password":"s3cret!"}`)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, string(domain.KindEmailInUse), decodeError(t, rec).Kind)
	})

	t.Run("weak password", func(t *testing.T) {
		auth := newFakeAuth(true)
		auth.registerErr = domain.NewAuthError(domain.KindWeakPassword, "Password should be at least 6 characters", nil)
		rec := do(t, newTestRouter(auth), http.MethodPost, "/v1/auth/register",
			`{"name":"Ana","email":"ana@example.com","password":"1"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Password should be at least 6 characters", decodeError(t, rec).Error)
	})
}

func TestLegacyRoutes(t *testing.T) {
	auth := newFakeAuth(true)
	router := newTestRouter(auth)

	rec := do(t, router, http.MethodPost, "/v1/auth/legacy/login", `{"email":"l@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body domain.AuthResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.AuthProviderLegacy, body.User.AuthProvider)

	rec = do(t, router, http.MethodPost, "/v1/auth/legacy/register", `{"name":"L","email":"l@example.com","password":"pw"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.VerificationSent)
	assert.True(t, body.IsVerified)
}

func TestVerificationRoutes(t *testing.T) {
	t.Run("require an identity", func(t *testing.T) {
		router := newTestRouter(newFakeAuth(true))
		assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodPost, "/v1/auth/verification/resend", "").Code)
		assert.Equal(t, http.StatusUnauthorized, do(t, router, http.MethodPost, "/v1/auth/verification/refresh", "").Code)
	})

	t.Run("refresh reports status", func(t *testing.T) {
		auth := newFakeAuth(true)
		auth.signIn(domain.UserProfile{ID: "1"}, domain.PhaseProviderUnverified, "")
		auth.verified = true

		rec := do(t, newTestRouter(auth), http.MethodPost, "/v1/auth/verification/refresh", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"isVerified":true}`, rec.Body.String())
	})

	t.Run("resend accepted", func(t *testing.T) {
		auth := newFakeAuth(true)
		auth.signIn(domain.UserProfile{ID: "1"}, domain.PhaseProviderUnverified, "")

		rec := do(t, newTestRouter(auth), http.MethodPost, "/v1/auth/verification/resend", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
}

func TestLogout(t *testing.T) {
	auth := newFakeAuth(true)
	auth.signIn(domain.UserProfile{ID: "1"}, domain.PhaseLegacyActive, "tok")

	rec := do(t, newTestRouter(auth), http.MethodPost, "/v1/auth/logout", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, auth.logouts)
}
