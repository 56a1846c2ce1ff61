package service

import (
	"context"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Provider auth-change events
// ============================================================

// handleProviderEvent applies one auth-change event. The guard is checked
// before any work and again when committing, since a legacy login or a
// logout may land while the backend sync is in flight.
func (c *AuthController) handleProviderEvent(ctx context.Context, ev domain.ProviderEvent) {
	ctx, span := authTracer.Start(ctx, "AuthController.ProviderEvent")
	defer span.End()
	defer c.markReady()

	f := c.takeFence()
	if c.LegacySessionActive() {
		c.discardEvent(ev)
		return
	}

	if ev.Profile == nil {
		span.SetAttributes(attribute.Bool("signed_in", false))
		if c.commitSignedOut(ctx, f) {
			c.metrics.IncrProviderEvent("applied")
			c.logger.Debug("auth: provider reports no session")
		} else {
			c.discardEvent(ev)
		}
		return
	}

	profile := *ev.Profile
	span.SetAttributes(
		attribute.Bool("signed_in", true),
		attribute.Bool("email_verified", profile.EmailVerified),
	)

	if !profile.EmailVerified {
		if c.commitProvider(ctx, domain.Session{Profile: profile}, false, f) {
			c.metrics.IncrProviderEvent("applied")
			c.logger.Info("auth: provider identity awaiting email verification", zap.String("user_id", string(profile.ID)))
		} else {
			c.discardEvent(ev)
		}
		return
	}

	session, _ := c.syncBackend(ctx, profile, "")
	if c.commitProvider(ctx, session, true, f) {
		c.metrics.IncrProviderEvent("applied")
	} else {
		c.discardEvent(ev)
	}
}

func (c *AuthController) discardEvent(ev domain.ProviderEvent) {
	c.metrics.IncrProviderEvent("discarded")
	fields := []zap.Field{zap.Bool("signed_in", ev.Profile != nil)}
	if ev.Profile != nil {
		fields = append(fields, zap.String("user_id", string(ev.Profile.ID)))
	}
	c.logger.Debug("auth: provider event discarded", fields...)
}

// ============================================================
// Backend synchronization
// ============================================================

// syncBackend exchanges the provider ID token for a backend session. It never
// fails: on error the provider profile is returned without a token (degraded
// mode). Concurrent syncs for the same uid share one call. idToken may be
// empty, in which case a current one is fetched from the provider.
func (c *AuthController) syncBackend(ctx context.Context, profile domain.UserProfile, idToken string) (domain.Session, bool) {
	v, err, shared := c.syncs.Do(string(profile.ID), func() (interface{}, error) {
		start := time.Now()
		session, err := c.exchange(ctx, profile, idToken)
		c.metrics.RecordSync(time.Since(start), err != nil)
		return session, err
	})
	if err != nil {
		c.metrics.IncrExternalError("backend_sync")
		c.logger.Warn("auth: backend sync failed, continuing with provider profile",
			zap.String("user_id", string(profile.ID)),
			zap.String("auth_provider", string(profile.AuthProvider)),
			zap.Error(err),
		)
		return domain.Session{Profile: profile}, false
	}

	if shared {
		c.logger.Debug("auth: backend sync shared", zap.String("user_id", string(profile.ID)))
	}
	return v.(domain.Session), true
}

func (c *AuthController) exchange(ctx context.Context, profile domain.UserProfile, idToken string) (domain.Session, error) {
	if idToken == "" {
		if c.identity == nil {
			return domain.Session{}, domain.ErrProviderDisabled
		}
		token, err := c.identity.IDToken(ctx)
		if err != nil {
			return domain.Session{}, err
		}
		idToken = token
	}

	resp, err := c.syncer.ExternalSync(ctx, &domain.ExternalSyncRequest{
		IDToken:     idToken,
		DisplayName: profile.Name,
		PhotoURL:    profile.AvatarURL,
	})
	if err != nil {
		return domain.Session{}, err
	}

	synced := resp.User.Profile(profile.AuthProvider, true)
	if synced.Name == "" {
		synced.Name = profile.Name
	}
	if synced.AvatarURL == "" {
		synced.AvatarURL = profile.AvatarURL
	}
	if synced.Email == "" {
		synced.Email = profile.Email
	}
	return domain.Session{Token: resp.Token, Profile: synced}, nil
}
