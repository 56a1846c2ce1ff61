package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/infra/resilience"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("client")

const (
	backendService  = "backend"
	maxResponseSize = 1 << 20

	loginFailedMsg    = "Login failed, please try again"
	registerFailedMsg = "Registration failed, please try again"
	syncFailedMsg     = "Account synchronization failed"
)

// CredentialsClient calls the storefront backend auth endpoints. It never
// persists anything: callers own the returned session.
type CredentialsClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	bulkhead   *resilience.Bulkhead
	logger     *zap.Logger
}

// NewCredentialsClient creates a new CredentialsClient. The http client's
// timeout bounds every call.
func NewCredentialsClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *CredentialsClient {
	c := &CredentialsClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
	if cfg.MaxConcurrency > 0 {
		c.bulkhead = resilience.NewBulkhead(cfg.MaxConcurrency)
	}
	return c
}

// Login authenticates against POST /auth/login with a single attempt.
func (c *CredentialsClient) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "CredentialsClient.Login")
	defer span.End()

	resp, err := c.post(ctx, "/auth/login", &domain.LoginRequest{Email: email, Password: password}, c.cfg.WithoutRetries(), loginFailedMsg)
	if err != nil {
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return nil, err
	}
	return legacySession(resp), nil
}

// Register creates an account through POST /auth/register. Never retried: a
// partially applied registration must not be replayed.
func (c *CredentialsClient) Register(ctx context.Context, email, password, name string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "CredentialsClient.Register")
	defer span.End()

	resp, err := c.post(ctx, "/auth/register", &domain.RegisterRequest{Name: name, Email: email, Password: password}, c.cfg.WithoutRetries(), registerFailedMsg)
	if err != nil {
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return nil, err
	}
	return legacySession(resp), nil
}

// ExternalSync exchanges a provider ID token for a backend session through
// POST /auth/external-sync. Retried on transport failures and 5xx.
func (c *CredentialsClient) ExternalSync(ctx context.Context, req *domain.ExternalSyncRequest) (*domain.SessionResponse, error) {
	ctx, span := tracer.Start(ctx, "CredentialsClient.ExternalSync")
	defer span.End()

	resp, err := c.post(ctx, "/auth/external-sync", req, c.cfg, syncFailedMsg)
	if err != nil {
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return nil, err
	}
	return resp, nil
}

func legacySession(resp *domain.SessionResponse) *domain.Session {
	return &domain.Session{
		Token:   resp.Token,
		Profile: resp.User.Profile(domain.AuthProviderLegacy, true),
	}
}

// post sends body as JSON to path and decodes a {token, user} response with
// retry, circuit breaker, and tracing.
func (c *CredentialsClient) post(ctx context.Context, path string, body any, cfg resilience.Config, fallbackMsg string) (*domain.SessionResponse, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("http.route", path))

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewAuthError(domain.KindUnknown, fallbackMsg, fmt.Errorf("encode request: %w", err))
	}

	if c.bulkhead != nil {
		if err := c.bulkhead.Acquire(ctx); err != nil {
			return nil, domain.NewAuthError(domain.KindNetwork, "", err)
		}
		defer c.bulkhead.Release()
	}

	var out domain.SessionResponse

	_, err = c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, cfg, func() error {
			url := c.baseURL + path
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set("X-Request-ID", uuid.NewString())

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
			if err != nil {
				return err
			}
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if err := json.Unmarshal(raw, &out); err != nil {
					return resilience.Permanent(domain.NewAuthError(domain.KindUnknown, fallbackMsg, fmt.Errorf("decode response: %w", err)))
				}
				if out.Token == "" {
					return resilience.Permanent(domain.NewAuthError(domain.KindUnknown, fallbackMsg, errors.New("response without token")))
				}
				return nil
			}

			authErr := classifyStatus(resp.StatusCode, raw, fallbackMsg)
			if resp.StatusCode >= http.StatusInternalServerError {
				return authErr
			}
			return resilience.Permanent(authErr)
		})
	})

	if err != nil {
		c.logger.Warn("backend auth call failed",
			zap.String("path", path),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Error(err),
		)
		return nil, normalizeError(err, fallbackMsg)
	}

	return &out, nil
}

// classifyStatus maps a non-2xx backend answer to an AuthError.
func classifyStatus(status int, body []byte, fallbackMsg string) *domain.AuthError {
	msg := extractDetail(body)
	if msg == "" {
		msg = fallbackMsg
	}
	cause := fmt.Errorf("backend returned status %d", status)

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.NewAuthError(domain.KindInvalidCredentials, msg, cause)
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return domain.NewAuthError(domain.KindValidation, msg, cause)
	default:
		return domain.NewAuthError(domain.KindUnknown, msg, cause)
	}
}

// extractDetail reads the human-readable field of a structured error body:
// {"detail": "..."}, {"detail": [{"msg": "..."}]}, {"error": "..."} or
// {"message": "..."}.
func extractDetail(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	if len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil && s != "" {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(payload.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Message
}

// normalizeError turns whatever came out of the breaker/retry stack into an
// AuthError.
func normalizeError(err error, fallbackMsg string) *domain.AuthError {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	if resilience.IsBreakerOpen(err) {
		return domain.NewAuthError(domain.KindNetwork, "", &domain.ErrCircuitOpen{Service: backendService})
	}
	if domain.IsTransportError(err) || errors.Is(err, context.Canceled) {
		return domain.NewAuthError(domain.KindNetwork, "", &domain.ErrExternalService{Service: backendService, Err: err})
	}
	return domain.NewAuthError(domain.KindUnknown, fallbackMsg, &domain.ErrExternalService{Service: backendService, Err: err})
}
