package service

import (
	"context"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Unified registration
// ============================================================

// RegisterWithEmail registers through the identity provider when enabled. A
// new provider account is unverified until its email is confirmed; the
// provider dispatches the verification email.
func (c *AuthController) RegisterWithEmail(ctx context.Context, name, email, password string) (*domain.RegistrationResult, error) {
	ctx, span := authTracer.Start(ctx, "AuthController.RegisterWithEmail")
	defer span.End()

	start := time.Now()
	res, err := c.registerWithEmail(ctx, name, email, password)
	c.metrics.RecordOperation(opRegister, err, time.Since(start))
	if err != nil {
		span.SetAttributes(attribute.String("auth.error_kind", string(domain.KindOf(err))))
	}
	return res, err
}

func (c *AuthController) registerWithEmail(ctx context.Context, name, email, password string) (*domain.RegistrationResult, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}
	if c.identity == nil {
		return c.legacyRegister(ctx, name, email, password)
	}

	reg, err := c.identity.RegisterWithEmail(ctx, email, password, name)
	if err == nil {
		if reg.Profile.EmailVerified {
			session, _ := c.syncBackend(ctx, reg.Profile, reg.IDToken)
			c.commitProvider(ctx, session, true, nil)
			return &domain.RegistrationResult{Profile: session.Profile.Clone(), VerificationSent: reg.VerificationSent}, nil
		}

		c.commitProvider(ctx, domain.Session{Profile: reg.Profile}, false, nil)
		c.logger.Info("auth: provider registration awaiting email verification",
			zap.String("user_id", string(reg.Profile.ID)),
			zap.Bool("verification_sent", reg.VerificationSent),
		)
		return &domain.RegistrationResult{Profile: reg.Profile.Clone(), VerificationSent: reg.VerificationSent}, nil
	}

	providerErr := domain.AsAuthError(err)
	if !registerFallsBackToLegacy(providerErr.Kind) {
		return nil, providerErr
	}

	c.metrics.IncrFallback(opRegister)
	c.logger.Info("auth: provider unreachable, registering with legacy", zap.Error(providerErr.Err))

	res, legacyErr := c.legacyRegister(ctx, name, email, password)
	if legacyErr != nil {
		return nil, moreInformative(providerErr, domain.AsAuthError(legacyErr))
	}
	return res, nil
}

// LegacyRegister registers with the legacy credential service only.
func (c *AuthController) LegacyRegister(ctx context.Context, name, email, password string) (*domain.RegistrationResult, error) {
	ctx, span := authTracer.Start(ctx, "AuthController.LegacyRegister")
	defer span.End()

	start := time.Now()
	res, err := c.legacyRegisterStarted(ctx, name, email, password)
	c.metrics.RecordOperation(opLegacyRegister, err, time.Since(start))
	return res, err
}

func (c *AuthController) legacyRegisterStarted(ctx context.Context, name, email, password string) (*domain.RegistrationResult, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}
	return c.legacyRegister(ctx, name, email, password)
}

func (c *AuthController) legacyRegister(ctx context.Context, name, email, password string) (*domain.RegistrationResult, error) {
	session, err := c.legacy.Register(ctx, email, password, name)
	if err != nil {
		return nil, domain.AsAuthError(err)
	}
	c.commitLegacy(ctx, *session)
	c.logger.Info("auth: legacy registration succeeded", zap.String("user_id", string(session.Profile.ID)))
	return &domain.RegistrationResult{Profile: session.Profile.Clone()}, nil
}
