package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ============================================================
// Identity: user profile and session
// ============================================================

// Role is the storefront role of an account.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleVendor   Role = "vendor"
)

// AuthProvider tags which mechanism produced the current identity.
type AuthProvider string

const (
	AuthProviderLegacy        AuthProvider = "legacy"
	AuthProviderExternal      AuthProvider = "external"
	AuthProviderExternalEmail AuthProvider = "external-email"
)

// IsExternal reports whether the identity is backed by the identity provider.
func (p AuthProvider) IsExternal() bool {
	return p == AuthProviderExternal || p == AuthProviderExternalEmail
}

// UserID is an opaque account identifier. Backends emit it either as a JSON
// number or a JSON string; both decode to the same value.
type UserID string

// UnmarshalJSON accepts numbers and strings.
func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as numbers so the persisted record keeps
// the backend's shape.
func (id UserID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UserProfile is the identity-agnostic user record. It is replaced wholesale on
// every re-authentication or verification refresh, never merged.
type UserProfile struct {
	ID            UserID       `json:"id"`
	Email         string       `json:"email"`
	Name          string       `json:"name,omitempty"`
	AvatarURL     string       `json:"avatarUrl,omitempty"`
	Role          Role         `json:"role,omitempty"`
	EmailVerified bool         `json:"emailVerified"`
	AuthProvider  AuthProvider `json:"authProvider,omitempty"`
}

// Clone returns a copy safe to hand out of the controller.
func (u *UserProfile) Clone() *UserProfile {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Session is the active credential: backend-issued token plus profile.
type Session struct {
	Token   string
	Profile UserProfile
}

// ============================================================
// AuthState
// ============================================================

// AuthPhase is the tag of the authentication state machine.
type AuthPhase int

const (
	PhaseInitializing AuthPhase = iota
	PhaseUnauthenticated
	PhaseLegacyActive
	PhaseProviderUnverified
	PhaseProviderVerified
)

func (p AuthPhase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseLegacyActive:
		return "legacy_active"
	case PhaseProviderUnverified:
		return "provider_unverified"
	case PhaseProviderVerified:
		return "provider_verified"
	default:
		return "unknown"
	}
}

// AuthState is a snapshot of the controller state. User is non-nil exactly in
// the LegacyActive and Provider* phases.
type AuthState struct {
	Phase AuthPhase
	User  *UserProfile
}

// IsAuthenticated reports whether an identity is present.
func (s AuthState) IsAuthenticated() bool { return s.User != nil }

// IsVerified reports whether the identity may transact.
func (s AuthState) IsVerified() bool {
	return s.Phase == PhaseLegacyActive || s.Phase == PhaseProviderVerified
}

// Loading is true only during the startup reconciliation window.
func (s AuthState) Loading() bool { return s.Phase == PhaseInitializing }

// AuthStateResponse is the body for GET /v1/auth/state.
type AuthStateResponse struct {
	User            *UserProfile `json:"user"`
	IsAuthenticated bool         `json:"isAuthenticated"`
	IsVerified      bool         `json:"isVerified"`
	Loading         bool         `json:"loading"`
	Phase           string       `json:"phase"`
}

// NewAuthStateResponse renders a state snapshot for the API.
func NewAuthStateResponse(s AuthState) AuthStateResponse {
	return AuthStateResponse{
		User:            s.User,
		IsAuthenticated: s.IsAuthenticated(),
		IsVerified:      s.IsVerified(),
		Loading:         s.Loading(),
		Phase:           s.Phase.String(),
	}
}

// ============================================================
// Backend wire types: /auth/login, /auth/register, /auth/external-sync
// ============================================================

// LoginRequest is the body for POST /auth/login (and the local API).
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body for POST /auth/register (and the local API).
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ExternalSyncRequest is the body for POST /auth/external-sync.
type ExternalSyncRequest struct {
	IDToken     string `json:"idToken"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

// BackendUser is the user record as returned by the backend.
type BackendUser struct {
	ID           UserID `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	AvatarURL    string `json:"avatar_url"`
	AvatarURLAlt string `json:"avatarUrl"`
	Role         Role   `json:"role"`
}

// Profile converts the backend record into a UserProfile stamped with the
// given provider tag. Verification is decided by the caller.
func (u BackendUser) Profile(provider AuthProvider, verified bool) UserProfile {
	avatar := u.AvatarURL
	if avatar == "" {
		avatar = u.AvatarURLAlt
	}
	role := u.Role
	if role == "" {
		role = RoleCustomer
	}
	return UserProfile{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		AvatarURL:     avatar,
		Role:          role,
		EmailVerified: verified,
		AuthProvider:  provider,
	}
}

// SessionResponse is the success body of every backend auth endpoint.
type SessionResponse struct {
	Token string      `json:"token"`
	User  BackendUser `json:"user"`
}

// AuthResultResponse is returned by the local API after a successful auth
// operation.
type AuthResultResponse struct {
	Success          bool         `json:"success"`
	User             *UserProfile `json:"user,omitempty"`
	VerificationSent bool         `json:"verificationSent,omitempty"`
	IsVerified       bool         `json:"isVerified"`
}

// TokenResponse is the body for GET /v1/auth/token.
type TokenResponse struct {
	Token string `json:"token"`
}

// RegistrationResult is the outcome of a unified registration.
type RegistrationResult struct {
	Profile          *UserProfile
	VerificationSent bool
}
