package service

import (
	"context"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Operation names used for metrics and fallback decisions.
const (
	opLogin          = "login"
	opLoginGoogle    = "login_google"
	opRegister       = "register"
	opLegacyLogin    = "legacy_login"
	opLegacyRegister = "legacy_register"
)

// ============================================================
// Unified login
// ============================================================

// LoginWithEmail signs in through the identity provider when enabled and
// falls back to the legacy credential service on any provider failure other
// than an unverified email.
func (c *AuthController) LoginWithEmail(ctx context.Context, email, password string) (*domain.UserProfile, error) {
	ctx, span := authTracer.Start(ctx, "AuthController.LoginWithEmail")
	defer span.End()

	start := time.Now()
	profile, err := c.loginWithEmail(ctx, email, password)
	c.metrics.RecordOperation(opLogin, err, time.Since(start))
	if err != nil {
		span.SetAttributes(attribute.String("auth.error_kind", string(domain.KindOf(err))))
	}
	return profile, err
}

func (c *AuthController) loginWithEmail(ctx context.Context, email, password string) (*domain.UserProfile, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}
	if c.identity == nil {
		return c.legacyLogin(ctx, email, password)
	}

	f := c.takeFence()
	res, err := c.identity.SignInWithEmail(ctx, email, password)
	if err == nil {
		session, _ := c.syncBackend(ctx, res.Profile, res.IDToken)
		c.commitProvider(ctx, session, true, nil)
		c.logger.Info("auth: provider login succeeded", zap.String("user_id", string(session.Profile.ID)))
		return session.Profile.Clone(), nil
	}

	providerErr := domain.AsAuthError(err)
	if providerErr.Kind == domain.KindNotVerified {
		if providerErr.Profile != nil {
			c.commitProvider(ctx, domain.Session{Profile: *providerErr.Profile}, false, f)
		}
		return nil, providerErr
	}
	if !loginFallsBackToLegacy(providerErr.Kind) {
		return nil, providerErr
	}

	c.metrics.IncrFallback(opLogin)
	c.logger.Info("auth: provider login failed, falling back to legacy",
		zap.String("kind", string(providerErr.Kind)),
		zap.Error(providerErr.Err),
	)

	profile, legacyErr := c.legacyLogin(ctx, email, password)
	if legacyErr != nil {
		return nil, moreInformative(providerErr, domain.AsAuthError(legacyErr))
	}
	return profile, nil
}

// LoginWithGoogle runs the provider-only social sign-in. Errors carry
// FallbackAvailable so the caller can offer email login instead.
func (c *AuthController) LoginWithGoogle(ctx context.Context) (*domain.UserProfile, error) {
	ctx, span := authTracer.Start(ctx, "AuthController.LoginWithGoogle")
	defer span.End()

	start := time.Now()
	profile, err := c.loginWithGoogle(ctx)
	c.metrics.RecordOperation(opLoginGoogle, err, time.Since(start))
	return profile, err
}

func (c *AuthController) loginWithGoogle(ctx context.Context) (*domain.UserProfile, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}
	if c.identity == nil {
		return nil, withFallbackHint(domain.NewAuthError(domain.KindUnknown, "Social sign-in is not available", domain.ErrProviderDisabled))
	}

	res, err := c.identity.SignInWithPopup(ctx)
	if err != nil {
		return nil, withFallbackHint(domain.AsAuthError(err))
	}

	session, _ := c.syncBackend(ctx, res.Profile, res.IDToken)
	c.commitProvider(ctx, session, true, nil)
	c.logger.Info("auth: social login succeeded", zap.String("user_id", string(session.Profile.ID)))
	return session.Profile.Clone(), nil
}

// ============================================================
// Legacy escape hatch
// ============================================================

// LegacyLogin signs in with the legacy credential service only.
func (c *AuthController) LegacyLogin(ctx context.Context, email, password string) (*domain.UserProfile, error) {
	ctx, span := authTracer.Start(ctx, "AuthController.LegacyLogin")
	defer span.End()

	start := time.Now()
	profile, err := c.legacyLoginStarted(ctx, email, password)
	c.metrics.RecordOperation(opLegacyLogin, err, time.Since(start))
	return profile, err
}

func (c *AuthController) legacyLoginStarted(ctx context.Context, email, password string) (*domain.UserProfile, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}
	return c.legacyLogin(ctx, email, password)
}

func (c *AuthController) legacyLogin(ctx context.Context, email, password string) (*domain.UserProfile, error) {
	session, err := c.legacy.Login(ctx, email, password)
	if err != nil {
		return nil, domain.AsAuthError(err)
	}
	c.commitLegacy(ctx, *session)
	c.logger.Info("auth: legacy login succeeded", zap.String("user_id", string(session.Profile.ID)))
	return session.Profile.Clone(), nil
}

// ============================================================
// Fallback decisions
// ============================================================

// loginFallsBackToLegacy reports whether a provider login failure is retried
// against the legacy service. Only an unverified email is final.
func loginFallsBackToLegacy(kind domain.ErrorKind) bool {
	return kind != domain.KindNotVerified
}

// registerFallsBackToLegacy reports whether a provider registration failure
// is retried against the legacy service. Only network failures are, so that
// an email already in use is surfaced.
func registerFallsBackToLegacy(kind domain.ErrorKind) bool {
	return kind == domain.KindNetwork
}

// informativeness ranks kinds: credential-specific beats network beats
// unknown.
func informativeness(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindUnknown, "":
		return 0
	case domain.KindNetwork:
		return 1
	default:
		return 2
	}
}

// moreInformative picks the error to surface when both paths failed. Ties go
// to the legacy error, the last word on legacy accounts.
func moreInformative(providerErr, legacyErr *domain.AuthError) *domain.AuthError {
	if informativeness(providerErr.Kind) > informativeness(legacyErr.Kind) {
		return providerErr
	}
	return legacyErr
}

func withFallbackHint(err *domain.AuthError) *domain.AuthError {
	annotated := *err
	annotated.FallbackAvailable = true
	return &annotated
}
