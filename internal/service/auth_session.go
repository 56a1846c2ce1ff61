package service

import (
	"context"
	"fmt"

	"github.com/boddenberg/storefront-client-go/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// State commits: apply and persist as one unit
// ============================================================

// commitLegacy installs a legacy session and raises the guard.
func (c *AuthController) commitLegacy(ctx context.Context, session domain.Session) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	profile := session.Profile
	c.mu.Lock()
	c.token = session.Token
	c.legacyActive = true
	c.setStateLocked(domain.AuthState{Phase: domain.PhaseLegacyActive, User: &profile})
	c.mu.Unlock()

	c.persist(ctx, session)
}

// commitProvider installs a provider-derived identity. session.Token is
// empty for unverified identities and degraded (unsynced) sessions, which
// are kept in memory only. A non-nil f makes the commit conditional on the
// guard being down and no logout having happened since f was taken.
func (c *AuthController) commitProvider(ctx context.Context, session domain.Session, verified bool, f *fence) bool {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	phase := domain.PhaseProviderUnverified
	if verified {
		phase = domain.PhaseProviderVerified
	}

	profile := session.Profile
	c.mu.Lock()
	if c.blockedLocked(f) {
		c.mu.Unlock()
		return false
	}
	hadToken := c.token != ""
	c.token = session.Token
	c.setStateLocked(domain.AuthState{Phase: phase, User: &profile})
	c.mu.Unlock()

	switch {
	case session.Token != "":
		c.persist(ctx, session)
	case hadToken:
		c.purge(ctx)
	}
	return true
}

// commitSignedOut applies a provider sign-out event.
func (c *AuthController) commitSignedOut(ctx context.Context, f *fence) bool {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	if c.blockedLocked(f) {
		c.mu.Unlock()
		return false
	}
	hadToken := c.token != ""
	c.token = ""
	c.setStateLocked(domain.AuthState{Phase: domain.PhaseUnauthenticated})
	c.mu.Unlock()

	if hadToken {
		c.purge(ctx)
	}
	return true
}

func (c *AuthController) persist(ctx context.Context, session domain.Session) {
	if err := c.store.Write(ctx, session); err != nil {
		c.metrics.IncrExternalError("session_store")
		c.logger.Error("auth: failed to persist session", zap.Error(err))
	}
}

func (c *AuthController) purge(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.metrics.IncrExternalError("session_store")
		c.logger.Error("auth: failed to clear session store", zap.Error(err))
	}
}

// ============================================================
// Logout
// ============================================================

// Logout clears the store, the in-memory identity and the guard, and bumps
// the epoch so that work started before it cannot commit afterwards. The
// provider is signed out only for provider-backed identities that were not
// shadowed by the guard; a provider failure is logged, not returned.
func (c *AuthController) Logout(ctx context.Context) error {
	ctx, span := authTracer.Start(ctx, "AuthController.Logout")
	defer span.End()

	if err := c.ensureStarted(); err != nil {
		return err
	}

	c.commitMu.Lock()
	c.mu.Lock()
	prev := c.state
	guard := c.legacyActive
	c.token = ""
	c.legacyActive = false
	c.epoch++
	c.setStateLocked(domain.AuthState{Phase: domain.PhaseUnauthenticated})
	c.mu.Unlock()
	clearErr := c.store.Clear(ctx)
	c.commitMu.Unlock()

	providerBacked := prev.User != nil && prev.User.AuthProvider.IsExternal()
	if providerBacked && !guard && c.identity != nil {
		if err := c.identity.SignOut(ctx); err != nil {
			c.logger.Warn("auth: identity provider sign-out failed", zap.Error(err))
		}
	}

	if prev.User != nil {
		c.logger.Info("auth: logged out",
			zap.String("user_id", string(prev.User.ID)),
			zap.String("auth_provider", string(prev.User.AuthProvider)),
		)
	}

	if clearErr != nil {
		c.metrics.IncrExternalError("session_store")
		return fmt.Errorf("clear session store: %w", clearErr)
	}
	return nil
}
