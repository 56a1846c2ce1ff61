package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/infra/client"
	"github.com/boddenberg/storefront-client-go/internal/infra/resilience"

	"go.uber.org/zap"
)

func newClient(t *testing.T, url string, timeout time.Duration) *client.CredentialsClient {
	t.Helper()
	return client.NewCredentialsClient(
		&http.Client{Timeout: timeout},
		url,
		resilience.NewCircuitBreaker(t.Name()),
		resilience.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxConcurrency: 4},
		zap.NewNop(),
	)
}

func TestLogin_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header")
		}
		var req domain.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Email != "a@b.com" || req.Password != "pw" {
			t.Errorf("unexpected credentials %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"abc","user":{"id":7,"email":"a@b.com","name":"Ana","avatar_url":"http://img/a.png","role":"vendor"}}`))
	}))
	defer srv.Close()

	session, err := newClient(t, srv.URL+"/api/", 5*time.Second).Login(context.Background(), "a@b.com", "pw")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if session.Token != "abc" {
		t.Errorf("expected token 'abc', got '%s'", session.Token)
	}
	want := domain.UserProfile{
		ID: "7", Email: "a@b.com", Name: "Ana", AvatarURL: "http://img/a.png",
		Role: domain.RoleVendor, EmailVerified: true, AuthProvider: domain.AuthProviderLegacy,
	}
	if session.Profile != want {
		t.Errorf("unexpected profile %+v", session.Profile)
	}
}

func TestLogin_InvalidCredentialsUsesServerDetail(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Incorrect email or password"}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 5*time.Second).Login(context.Background(), "a@b.com", "bad")

	var authErr *domain.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Kind != domain.KindInvalidCredentials {
		t.Errorf("expected invalid_credentials, got %s", authErr.Kind)
	}
	if authErr.Message != "Incorrect email or password" {
		t.Errorf("unexpected message %q", authErr.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestRegister_ValidationDetailList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":[{"msg":"email is invalid"},{"msg":"password too short"}]}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 5*time.Second).Register(context.Background(), "bad", "pw", "Ana")

	if kind := domain.KindOf(err); kind != domain.KindValidation {
		t.Fatalf("expected validation_error, got %s", kind)
	}
	if err.Error() != "email is invalid; password too short" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestRegister_NotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 5*time.Second).Register(context.Background(), "a@b.com", "pw", "Ana")

	if kind := domain.KindOf(err); kind != domain.KindUnknown {
		t.Fatalf("expected unknown, got %s", kind)
	}
	if err.Error() != "Registration failed, please try again" {
		t.Errorf("expected generic fallback message, got %q", err.Error())
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestLogin_TimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 50*time.Millisecond).Login(context.Background(), "a@b.com", "pw")

	if kind := domain.KindOf(err); kind != domain.KindNetwork {
		t.Fatalf("expected network_error, got %s (%v)", kind, err)
	}
	var ext *domain.ErrExternalService
	if !errors.As(err, &ext) {
		t.Errorf("expected ErrExternalService in chain, got %v", err)
	}
}

func TestExternalSync_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req domain.ExternalSyncRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.IDToken != "id-token" || req.DisplayName != "Ana" {
			t.Errorf("unexpected sync request %+v", req)
		}
		_, _ = w.Write([]byte(`{"token":"backend-token","user":{"id":"u1","email":"a@b.com","role":"customer"}}`))
	}))
	defer srv.Close()

	resp, err := newClient(t, srv.URL, 5*time.Second).ExternalSync(context.Background(), &domain.ExternalSyncRequest{
		IDToken: "id-token", DisplayName: "Ana",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.Token != "backend-token" || resp.User.ID != "u1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestLogin_MissingTokenIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user":{"id":1}}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 5*time.Second).Login(context.Background(), "a@b.com", "pw")

	if kind := domain.KindOf(err); kind != domain.KindUnknown {
		t.Fatalf("expected unknown, got %s", kind)
	}
}
