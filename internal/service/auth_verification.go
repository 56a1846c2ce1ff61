package service

import (
	"context"

	"github.com/boddenberg/storefront-client-go/internal/domain"

	"go.uber.org/zap"
)

// ResendVerification re-sends the verification email of the pending provider
// identity.
func (c *AuthController) ResendVerification(ctx context.Context) error {
	ctx, span := authTracer.Start(ctx, "AuthController.ResendVerification")
	defer span.End()

	if err := c.ensureStarted(); err != nil {
		return err
	}
	if c.identity == nil {
		return domain.NewAuthError(domain.KindValidation, "There is no pending email verification", domain.ErrProviderDisabled)
	}
	if err := c.identity.ResendVerification(ctx); err != nil {
		return domain.AsAuthError(err)
	}
	return nil
}

// RefreshVerificationStatus re-checks verification with the provider. Legacy
// identities, including restored sessions whatever their provider tag,
// return their current status untouched. When a provider identity
// turns verified, it is synchronized with the backend.
func (c *AuthController) RefreshVerificationStatus(ctx context.Context) (bool, error) {
	ctx, span := authTracer.Start(ctx, "AuthController.RefreshVerificationStatus")
	defer span.End()

	if err := c.ensureStarted(); err != nil {
		return false, err
	}

	f := c.takeFence()
	current := c.State()
	if current.User == nil || current.Phase == domain.PhaseLegacyActive || c.LegacySessionActive() {
		return current.IsVerified(), nil
	}
	if !current.User.AuthProvider.IsExternal() || c.identity == nil {
		return current.IsVerified(), nil
	}

	v, err, _ := c.refreshes.Do(string(current.User.ID), func() (interface{}, error) {
		verified, err := c.identity.Reload(ctx)
		if err != nil {
			return false, err
		}
		if !verified {
			return false, nil
		}

		latest := c.State()
		if latest.Phase != domain.PhaseProviderUnverified || latest.User == nil || latest.User.ID != current.User.ID {
			return true, nil
		}

		profile := *latest.User
		profile.EmailVerified = true
		session, _ := c.syncBackend(ctx, profile, "")
		if c.commitVerified(ctx, session, profile.ID, f) {
			c.logger.Info("auth: email verified", zap.String("user_id", string(profile.ID)))
		}
		return true, nil
	})
	if err != nil {
		return current.IsVerified(), domain.AsAuthError(err)
	}
	return v.(bool), nil
}

// commitVerified promotes the unverified identity uid, unless it changed
// while the provider was consulted.
func (c *AuthController) commitVerified(ctx context.Context, session domain.Session, uid domain.UserID, f *fence) bool {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	profile := session.Profile
	c.mu.Lock()
	pending := c.state.Phase == domain.PhaseProviderUnverified && c.state.User != nil && c.state.User.ID == uid
	if c.blockedLocked(f) || !pending {
		c.mu.Unlock()
		return false
	}
	c.token = session.Token
	c.setStateLocked(domain.AuthState{Phase: domain.PhaseProviderVerified, User: &profile})
	c.mu.Unlock()

	if session.Token != "" {
		c.persist(ctx, session)
	}
	return true
}
