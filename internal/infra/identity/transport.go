package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/infra/resilience"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// IDToken returns the current ID token, refreshing it when it is about to
// expire or when forceRefresh is set.
func (c *Client) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return "", errNoCurrentUser("getIdToken")
	}
	acc := *c.current
	c.mu.Unlock()

	if !forceRefresh && time.Now().Add(tokenRefreshSkew).Before(acc.ExpiresAt) {
		return acc.IDToken, nil
	}

	refreshed, err := c.refresh(ctx, acc.RefreshToken)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.current == nil || c.current.User.UID != acc.User.UID {
		c.mu.Unlock()
		return "", errNoCurrentUser("getIdToken")
	}
	c.current.IDToken = refreshed.IDToken
	c.current.RefreshToken = refreshed.RefreshToken
	c.current.ExpiresAt = refreshed.ExpiresAt
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	c.notify()
	return refreshed.IDToken, nil
}

type refreshedToken struct {
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// refresh exchanges a refresh token at the secure token service.
func (c *Client) refresh(ctx context.Context, refreshToken string) (*refreshedToken, error) {
	ctx, span := tracer.Start(ctx, "Identity.RefreshToken")
	defer span.End()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	var resp struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	endpoint := fmt.Sprintf("%s/v1/token?key=%s", c.cfg.TokenURL, url.QueryEscape(c.cfg.APIKey))
	if err := c.do(ctx, "token", endpoint, "application/x-www-form-urlencoded", []byte(form.Encode()), c.retry, &resp); err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, &domain.ProviderError{Op: "token", Code: domain.ProviderCodeInvalidIDToken, Message: "empty id token"}
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	return &refreshedToken{
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiryOf(resp.IDToken, resp.ExpiresIn, time.Now()),
	}, nil
}

// lookup fetches the account behind idToken.
func (c *Client) lookup(ctx context.Context, idToken string) (*domain.ProviderUser, error) {
	var resp struct {
		Users []struct {
			LocalID       string `json:"localId"`
			Email         string `json:"email"`
			EmailVerified bool   `json:"emailVerified"`
			DisplayName   string `json:"displayName"`
			PhotoURL      string `json:"photoUrl"`
			Disabled      bool   `json:"disabled"`
		} `json:"users"`
	}
	if err := c.postJSON(ctx, "lookup", c.accountsURL("lookup"), map[string]any{"idToken": idToken}, c.retry, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, &domain.ProviderError{Op: "lookup", Code: domain.ProviderCodeUserNotFound, Message: "account not found"}
	}

	u := resp.Users[0]
	return &domain.ProviderUser{
		UID:           u.LocalID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		PhotoURL:      u.PhotoURL,
		EmailVerified: u.EmailVerified,
		Disabled:      u.Disabled,
	}, nil
}

func (c *Client) postJSON(ctx context.Context, op, endpoint string, body any, cfg resilience.Config, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}
	return c.do(ctx, op, endpoint, "application/json", payload, cfg, out)
}

// do executes one provider call through the circuit breaker with retry.
// Provider 4xx answers are permanent; 5xx and transport failures are retried.
func (c *Client) do(ctx context.Context, op, endpoint, contentType string, payload []byte, cfg resilience.Config, out any) error {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("identity.op", op))

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, resilience.RetryWithBackoff(ctx, cfg, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return resilience.Permanent(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("X-Request-ID", uuid.New().String())

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				return err
			}
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if out == nil {
					return nil
				}
				if err := json.Unmarshal(raw, out); err != nil {
					return resilience.Permanent(&domain.ProviderError{Op: op, Code: "INVALID_RESPONSE", Message: err.Error(), Status: resp.StatusCode})
				}
				return nil
			}

			perr := parseProviderError(op, resp.StatusCode, raw)
			if resp.StatusCode >= 500 {
				return perr
			}
			return resilience.Permanent(perr)
		})
	})
	if err == nil {
		return nil
	}

	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		c.logger.Debug("identity: provider rejected request",
			zap.String("op", op),
			zap.String("code", perr.Code),
			zap.Int("status", perr.Status),
		)
		return perr
	}
	if resilience.IsBreakerOpen(err) {
		return &domain.ErrCircuitOpen{Service: "identity"}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.logger.Warn("identity: request failed", zap.String("op", op), zap.Error(err))
	return &domain.ErrExternalService{Service: "identity", Err: err}
}

// parseProviderError decodes {"error":{"code":400,"message":"CODE : detail"}}.
func parseProviderError(op string, status int, raw []byte) *domain.ProviderError {
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	perr := &domain.ProviderError{Op: op, Status: status}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Message == "" {
		perr.Code = "HTTP_" + strconv.Itoa(status)
		perr.Message = http.StatusText(status)
		return perr
	}

	code, detail, found := strings.Cut(body.Error.Message, ":")
	perr.Code = strings.TrimSpace(code)
	if found {
		perr.Message = strings.TrimSpace(detail)
	} else {
		perr.Message = perr.Code
	}
	return perr
}

// isProviderRejection reports whether the provider refused the session itself,
// as opposed to being unreachable.
func isProviderRejection(err error) bool {
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	return perr.Status >= 400 && perr.Status < 500
}
