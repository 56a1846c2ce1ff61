// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the controller from
// the storage backends, the backend API client and the identity provider SDK.
package port

import (
	"context"

	"github.com/boddenberg/storefront-client-go/internal/domain"
)

// KeyValueStore is the durable local key-value backend behind the session
// store. Multi-key writes and deletes are atomic.
type KeyValueStore interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	SetMany(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// SessionStore persists the active session as a token/profile pair.
// Read never surfaces a half-valid session: a partial or corrupted pair is
// purged and reported as absent.
type SessionStore interface {
	Read(ctx context.Context) (*domain.Session, error)
	Write(ctx context.Context, s domain.Session) error
	Clear(ctx context.Context) error
}

// CredentialService talks to the backend auth endpoints.
type CredentialService interface {
	Login(ctx context.Context, email, password string) (*domain.Session, error)
	Register(ctx context.Context, email, password, name string) (*domain.Session, error)
}

// BackendSyncer exchanges a provider ID token for a backend session.
type BackendSyncer interface {
	ExternalSync(ctx context.Context, req *domain.ExternalSyncRequest) (*domain.SessionResponse, error)
}

// IdentityProvider is the capability set of the federated identity SDK.
type IdentityProvider interface {
	SignInWithPopup(ctx context.Context) (*domain.ProviderUser, error)
	SignInWithPassword(ctx context.Context, email, password string) (*domain.ProviderUser, error)
	CreateUser(ctx context.Context, email, password string) (*domain.ProviderUser, error)
	UpdateDisplayName(ctx context.Context, name string) error
	SendEmailVerification(ctx context.Context) error
	SignOut(ctx context.Context) error
	// OnAuthStateChanged registers fn for every session change, including the
	// initial state. fn is called from SDK goroutines and must not block.
	OnAuthStateChanged(fn func(*domain.ProviderUser)) (unsubscribe func())
	IDToken(ctx context.Context, forceRefresh bool) (string, error)
	Reload(ctx context.Context) (*domain.ProviderUser, error)
	CurrentUser() *domain.ProviderUser
}

// IdentityAdapter is the normalized view of the identity provider used by the
// auth controller.
type IdentityAdapter interface {
	SignInWithPopup(ctx context.Context) (*domain.ProviderSignIn, error)
	SignInWithEmail(ctx context.Context, email, password string) (*domain.ProviderSignIn, error)
	RegisterWithEmail(ctx context.Context, email, password, name string) (*domain.ProviderRegistration, error)
	ResendVerification(ctx context.Context) error
	Subscribe() (<-chan domain.ProviderEvent, func(), error)
	Reload(ctx context.Context) (bool, error)
	IDToken(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
}
