// Package service holds the AuthController, which reconciles the locally
// persisted session with the identity provider and exposes the single
// authentication API.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/infra/observability"
	"github.com/boddenberg/storefront-client-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var authTracer = otel.Tracer("service/auth")

// AuthController owns the authoritative auth state.
//
// mu guards the fields below it and is never held across network calls.
// commitMu serializes "check guard, apply state, persist" sequences so the
// session store always mirrors the applied state. Lock order: commitMu, mu.
type AuthController struct {
	store    port.SessionStore
	legacy   port.CredentialService
	syncer   port.BackendSyncer
	identity port.IdentityAdapter // nil when the provider is disabled
	metrics  *observability.Metrics
	logger   *zap.Logger

	commitMu sync.Mutex

	mu           sync.Mutex
	started      bool
	state        domain.AuthState
	token        string
	legacyActive bool   // guard: provider events are discarded while set
	epoch        uint64 // bumped by Logout
	events       <-chan domain.ProviderEvent
	unsubscribe  func()

	ready     chan struct{}
	readyOnce sync.Once

	syncs     singleflight.Group
	refreshes singleflight.Group
}

// NewAuthController creates a controller. identity may be nil to run with
// legacy credentials only.
func NewAuthController(
	store port.SessionStore,
	legacy port.CredentialService,
	syncer port.BackendSyncer,
	identity port.IdentityAdapter,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *AuthController {
	return &AuthController{
		store:    store,
		legacy:   legacy,
		syncer:   syncer,
		identity: identity,
		metrics:  metrics,
		logger:   logger,
		state:    domain.AuthState{Phase: domain.PhaseInitializing},
		ready:    make(chan struct{}),
	}
}

// ============================================================
// Lifecycle
// ============================================================

// Start runs the startup protocol once. A valid persisted session wins and
// the provider is never subscribed; otherwise the provider subscription is
// established and the controller stays loading until Run handles the first
// event.
func (c *AuthController) Start(ctx context.Context) error {
	ctx, span := authTracer.Start(ctx, "AuthController.Start")
	defer span.End()

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	session, err := c.store.Read(ctx)
	if err != nil {
		c.logger.Warn("auth: session store read failed, treating as signed out", zap.Error(err))
	}

	if session != nil {
		profile := session.Profile
		c.mu.Lock()
		c.token = session.Token
		c.legacyActive = true
		c.setStateLocked(domain.AuthState{Phase: domain.PhaseLegacyActive, User: &profile})
		c.mu.Unlock()

		c.logger.Info("auth: restored persisted session",
			zap.String("user_id", string(profile.ID)),
			zap.String("auth_provider", string(profile.AuthProvider)),
		)
		return nil
	}

	if c.identity == nil {
		c.mu.Lock()
		c.setStateLocked(domain.AuthState{Phase: domain.PhaseUnauthenticated})
		c.mu.Unlock()
		c.logger.Info("auth: no persisted session, identity provider disabled")
		return nil
	}

	events, unsubscribe, err := c.identity.Subscribe()
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(domain.AuthState{Phase: domain.PhaseUnauthenticated})
		c.mu.Unlock()
		return fmt.Errorf("subscribe to identity provider: %w", err)
	}

	c.mu.Lock()
	c.events = events
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.logger.Info("auth: no persisted session, subscribed to identity provider")
	return nil
}

// Run drains provider events one at a time until ctx ends or the
// subscription closes.
func (c *AuthController) Run(ctx context.Context) error {
	c.mu.Lock()
	started, events := c.started, c.events
	c.mu.Unlock()

	if !started {
		return domain.ErrNotStarted
	}
	if events == nil {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handleProviderEvent(ctx, ev)
		}
	}
}

// Close tears the provider subscription down.
func (c *AuthController) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Ready is closed once the startup reconciliation finished.
func (c *AuthController) Ready() <-chan struct{} {
	return c.ready
}

// WaitReady blocks until Ready or ctx is done.
func (c *AuthController) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================
// Accessors
// ============================================================

// State returns a snapshot of the current auth state.
func (c *AuthController) State() domain.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.AuthState{Phase: c.state.Phase, User: c.state.User.Clone()}
}

// SessionToken returns the backend session token, if one is held.
func (c *AuthController) SessionToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.token != ""
}

// fence is what a guarded commit observed before its network work started.
type fence struct{ epoch uint64 }

func (c *AuthController) takeFence() *fence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &fence{epoch: c.epoch}
}

// blockedLocked reports whether a commit taken under f must be dropped: the
// guard is up or a logout happened since f was taken. A nil f never blocks.
func (c *AuthController) blockedLocked(f *fence) bool {
	return f != nil && (c.legacyActive || c.epoch != f.epoch)
}

// LegacySessionActive reports the guard.
func (c *AuthController) LegacySessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.legacyActive
}

func (c *AuthController) ensureStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return domain.ErrNotStarted
	}
	return nil
}

// setStateLocked replaces the state; leaving Initializing ends loading for
// good. Callers hold mu.
func (c *AuthController) setStateLocked(s domain.AuthState) {
	c.state = s
	if s.Phase != domain.PhaseInitializing {
		c.markReady()
	}
}

func (c *AuthController) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}
