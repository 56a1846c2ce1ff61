// Package sessionstore persists the active session as two independent
// key-value entries (token and profile) so a half-written pair is detectable.
package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/port"

	"go.uber.org/zap"
)

const (
	tokenKey   = "auth_token"
	profileKey = "auth_user"
)

// Store implements port.SessionStore on top of a KeyValueStore.
type Store struct {
	kv         port.KeyValueStore
	tokenKey   string
	profileKey string
	logger     *zap.Logger
}

// New creates a session store. prefix namespaces both keys (e.g. "storefront:").
func New(kv port.KeyValueStore, prefix string, logger *zap.Logger) *Store {
	return &Store{
		kv:         kv,
		tokenKey:   prefix + tokenKey,
		profileKey: prefix + profileKey,
		logger:     logger,
	}
}

// Read returns the persisted session, or nil when there is none. A pair with
// a missing half, an empty token or a profile that is not a JSON object is
// purged and reported as absent.
func (s *Store) Read(ctx context.Context) (*domain.Session, error) {
	token, hasToken, err := s.kv.Get(ctx, s.tokenKey)
	if err != nil {
		return nil, fmt.Errorf("read session token: %w", err)
	}
	raw, hasProfile, err := s.kv.Get(ctx, s.profileKey)
	if err != nil {
		return nil, fmt.Errorf("read session profile: %w", err)
	}

	if !hasToken && !hasProfile {
		return nil, nil
	}
	if !hasToken || !hasProfile || strings.TrimSpace(token) == "" {
		return nil, s.purge(ctx, "partial session pair")
	}

	var profile *domain.UserProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil || profile == nil {
		return nil, s.purge(ctx, "corrupted session profile")
	}

	return &domain.Session{Token: token, Profile: *profile}, nil
}

// Write persists both entries together.
func (s *Store) Write(ctx context.Context, session domain.Session) error {
	if strings.TrimSpace(session.Token) == "" {
		return &domain.ErrValidation{Field: "token", Message: "session token is empty"}
	}

	profile, err := json.Marshal(session.Profile)
	if err != nil {
		return fmt.Errorf("encode session profile: %w", err)
	}

	if err := s.kv.SetMany(ctx, map[string]string{
		s.tokenKey:   session.Token,
		s.profileKey: string(profile),
	}); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Clear removes both entries.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.tokenKey, s.profileKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *Store) purge(ctx context.Context, reason string) error {
	s.logger.Warn("session store: discarding persisted session", zap.String("reason", reason))
	if err := s.Clear(ctx); err != nil {
		s.logger.Error("session store: purge failed", zap.Error(err))
		return err
	}
	return nil
}
