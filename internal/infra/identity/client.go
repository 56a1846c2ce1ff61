// Package identity is a client for the federated identity provider's REST
// API (identity toolkit + secure token service). It keeps the provider's own
// signed-in account, persists it across restarts and notifies listeners on
// every session change, the way the provider's browser SDK does.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"
	"github.com/boddenberg/storefront-client-go/internal/infra/resilience"
	"github.com/boddenberg/storefront-client-go/internal/port"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("identity")

const (
	DefaultAPIURL   = "https://identitytoolkit.googleapis.com"
	DefaultTokenURL = "https://securetoken.googleapis.com"

	sessionKey       = "identity_session"
	tokenRefreshSkew = time.Minute
	restoreTimeout   = 10 * time.Second
)

// Config holds the provider endpoints and project key.
type Config struct {
	APIKey   string
	APIURL   string
	TokenURL string
	// RequestURI is sent with IdP sign-ins as the continue URI.
	RequestURI string
	// KeyPrefix namespaces the persisted provider session.
	KeyPrefix string
}

// account is the provider session: the user plus its token pair.
type account struct {
	User         domain.ProviderUser `json:"user"`
	IDToken      string              `json:"idToken"`
	RefreshToken string              `json:"refreshToken"`
	ExpiresAt    time.Time           `json:"expiresAt"`
}

type listener struct {
	fn     func(*domain.ProviderUser)
	primed bool
}

// Client implements port.IdentityProvider.
type Client struct {
	httpClient *http.Client
	cfg        Config
	cb         *gobreaker.CircuitBreaker
	retry      resilience.Config
	kv         port.KeyValueStore
	popup      Popup
	logger     *zap.Logger

	mu           sync.Mutex
	current      *account
	listeners    map[int]*listener
	nextListener int

	// dispatchMu orders deliveries so every listener sees changes in sequence.
	dispatchMu  sync.Mutex
	restoreOnce sync.Once
}

// NewClient creates a provider client. kv persists the provider session and
// may be nil; popup enables social sign-in and may be nil.
func NewClient(httpClient *http.Client, cfg Config, cb *gobreaker.CircuitBreaker, retry resilience.Config, kv port.KeyValueStore, popup Popup, logger *zap.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.RequestURI == "" {
		cfg.RequestURI = "http://localhost"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.TokenURL = strings.TrimRight(cfg.TokenURL, "/")

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		cb:         cb,
		retry:      retry,
		kv:         kv,
		popup:      popup,
		logger:     logger,
		listeners:  make(map[int]*listener),
	}
}

// ============================================================
// Sign-in / registration
// ============================================================

type tokenResponse struct {
	IDToken       string `json:"idToken"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresIn     string `json:"expiresIn"`
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	DisplayName   string `json:"displayName"`
	PhotoURL      string `json:"photoUrl"`
}

// SignInWithPassword signs in with email and password.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*domain.ProviderUser, error) {
	ctx, span := tracer.Start(ctx, "Identity.SignInWithPassword")
	defer span.End()

	var resp tokenResponse
	err := c.postJSON(ctx, "signInWithPassword", c.accountsURL("signInWithPassword"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, c.retry, &resp)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, resp, domain.ProviderMethodPassword)
}

// CreateUser registers a new email/password account and signs it in.
func (c *Client) CreateUser(ctx context.Context, email, password string) (*domain.ProviderUser, error) {
	ctx, span := tracer.Start(ctx, "Identity.CreateUser")
	defer span.End()

	var resp tokenResponse
	err := c.postJSON(ctx, "signUp", c.accountsURL("signUp"), map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, c.retry.WithoutRetries(), &resp)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, resp, domain.ProviderMethodPassword)
}

// SignInWithPopup runs the interactive social sign-in and exchanges the
// resulting OAuth ID token for a provider session.
func (c *Client) SignInWithPopup(ctx context.Context) (*domain.ProviderUser, error) {
	ctx, span := tracer.Start(ctx, "Identity.SignInWithPopup")
	defer span.End()

	if c.popup == nil {
		return nil, &domain.ProviderError{Op: "signInWithIdp", Code: "OPERATION_NOT_ALLOWED", Message: "social sign-in is not configured"}
	}

	cred, err := c.popup.Authorize(ctx)
	if err != nil {
		return nil, err
	}

	postBody := url.Values{}
	postBody.Set("id_token", cred.IDToken)
	postBody.Set("providerId", cred.ProviderID)

	var resp tokenResponse
	err = c.postJSON(ctx, "signInWithIdp", c.accountsURL("signInWithIdp"), map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          c.cfg.RequestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, c.retry, &resp)
	if err != nil {
		return nil, err
	}

	user := domain.ProviderUser{
		UID:           resp.LocalID,
		Email:         resp.Email,
		DisplayName:   resp.DisplayName,
		PhotoURL:      resp.PhotoURL,
		EmailVerified: resp.EmailVerified,
		Method:        cred.ProviderID,
	}
	c.setAccount(ctx, &account{
		User:         user,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiryOf(resp.IDToken, resp.ExpiresIn, time.Now()),
	})
	return &user, nil
}

// establish completes a token response with an account lookup and makes it
// the current session.
func (c *Client) establish(ctx context.Context, resp tokenResponse, method string) (*domain.ProviderUser, error) {
	user, err := c.lookup(ctx, resp.IDToken)
	if err != nil {
		return nil, err
	}
	user.Method = method

	c.setAccount(ctx, &account{
		User:         *user,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiryOf(resp.IDToken, resp.ExpiresIn, time.Now()),
	})
	return user, nil
}

// ============================================================
// Current account operations
// ============================================================

// UpdateDisplayName sets the display name of the signed-in account.
func (c *Client) UpdateDisplayName(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "Identity.UpdateDisplayName")
	defer span.End()

	idToken, err := c.IDToken(ctx, false)
	if err != nil {
		return err
	}
	if err := c.postJSON(ctx, "update", c.accountsURL("update"), map[string]any{
		"idToken":           idToken,
		"displayName":       name,
		"returnSecureToken": false,
	}, c.retry, nil); err != nil {
		return err
	}

	c.mu.Lock()
	if c.current != nil {
		c.current.User.DisplayName = name
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(ctx, snapshot)
	return nil
}

// SendEmailVerification dispatches the verification email for the signed-in
// account.
func (c *Client) SendEmailVerification(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Identity.SendEmailVerification")
	defer span.End()

	idToken, err := c.IDToken(ctx, false)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "sendOobCode", c.accountsURL("sendOobCode"), map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     idToken,
	}, c.retry.WithoutRetries(), nil)
}

// Reload re-reads the signed-in account from the provider.
func (c *Client) Reload(ctx context.Context) (*domain.ProviderUser, error) {
	ctx, span := tracer.Start(ctx, "Identity.Reload")
	defer span.End()

	idToken, err := c.IDToken(ctx, false)
	if err != nil {
		return nil, err
	}
	user, err := c.lookup(ctx, idToken)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return nil, errNoCurrentUser("reload")
	}
	user.Method = c.current.User.Method
	c.current.User = *user
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	return user, nil
}

// SignOut drops the provider session locally.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	had := c.current != nil
	c.current = nil
	c.mu.Unlock()

	if c.kv != nil {
		if err := c.kv.Delete(ctx, c.cfg.KeyPrefix+sessionKey); err != nil {
			c.logger.Warn("identity: failed to delete persisted session", zap.Error(err))
		}
	}
	if had {
		c.notify()
	}
	return nil
}

// CurrentUser returns a copy of the signed-in user, or nil.
func (c *Client) CurrentUser() *domain.ProviderUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	u := c.current.User
	return &u
}

// ============================================================
// Auth state subscription
// ============================================================

// OnAuthStateChanged registers fn. fn first receives the current (possibly
// restored) user, then every subsequent change, in order.
func (c *Client) OnAuthStateChanged(fn func(*domain.ProviderUser)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	l := &listener{fn: fn}
	c.listeners[id] = l
	c.mu.Unlock()

	go func() {
		c.restoreOnce.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
			defer cancel()
			c.restore(ctx)
		})

		c.dispatchMu.Lock()
		defer c.dispatchMu.Unlock()

		c.mu.Lock()
		if _, ok := c.listeners[id]; !ok {
			c.mu.Unlock()
			return
		}
		l.primed = true
		user := c.userLocked()
		c.mu.Unlock()

		fn(user)
	}()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// notify delivers the current user to every primed listener.
func (c *Client) notify() {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	user := c.userLocked()
	fns := make([]func(*domain.ProviderUser), 0, len(c.listeners))
	for _, l := range c.listeners {
		if l.primed {
			fns = append(fns, l.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		if user == nil {
			fn(nil)
			continue
		}
		u := *user
		fn(&u)
	}
}

// ============================================================
// Session bookkeeping
// ============================================================

func (c *Client) setAccount(ctx context.Context, acc *account) {
	c.mu.Lock()
	c.current = acc
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	c.notify()
}

func (c *Client) userLocked() *domain.ProviderUser {
	if c.current == nil {
		return nil
	}
	u := c.current.User
	return &u
}

func (c *Client) snapshotLocked() *account {
	if c.current == nil {
		return nil
	}
	acc := *c.current
	return &acc
}

func (c *Client) persist(ctx context.Context, acc *account) {
	if c.kv == nil || acc == nil {
		return
	}
	raw, err := json.Marshal(acc)
	if err != nil {
		c.logger.Warn("identity: failed to encode session", zap.Error(err))
		return
	}
	if err := c.kv.SetMany(ctx, map[string]string{c.cfg.KeyPrefix + sessionKey: string(raw)}); err != nil {
		c.logger.Warn("identity: failed to persist session", zap.Error(err))
	}
}

// restore loads the persisted provider session, refreshing its token when
// expired. Provider rejections drop the session; transport failures keep the
// persisted user.
func (c *Client) restore(ctx context.Context) {
	if c.kv == nil {
		return
	}
	raw, ok, err := c.kv.Get(ctx, c.cfg.KeyPrefix+sessionKey)
	if err != nil {
		c.logger.Warn("identity: failed to read persisted session", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	var acc account
	if err := json.Unmarshal([]byte(raw), &acc); err != nil || acc.User.UID == "" || acc.RefreshToken == "" {
		c.logger.Warn("identity: discarding unreadable persisted session")
		_ = c.kv.Delete(ctx, c.cfg.KeyPrefix+sessionKey)
		return
	}

	if time.Now().Add(tokenRefreshSkew).After(acc.ExpiresAt) {
		refreshed, err := c.refresh(ctx, acc.RefreshToken)
		switch {
		case err == nil:
			acc.IDToken = refreshed.IDToken
			acc.RefreshToken = refreshed.RefreshToken
			acc.ExpiresAt = refreshed.ExpiresAt
		case isProviderRejection(err):
			c.logger.Info("identity: persisted session rejected by provider", zap.Error(err))
			_ = c.kv.Delete(ctx, c.cfg.KeyPrefix+sessionKey)
			return
		default:
			c.logger.Warn("identity: could not refresh persisted session", zap.Error(err))
		}
	}

	c.mu.Lock()
	if c.current == nil {
		c.current = &acc
	}
	c.mu.Unlock()
}

func (c *Client) accountsURL(method string) string {
	return fmt.Sprintf("%s/v1/accounts:%s?key=%s", c.cfg.APIURL, method, url.QueryEscape(c.cfg.APIKey))
}

func errNoCurrentUser(op string) error {
	return &domain.ProviderError{Op: op, Code: domain.ProviderCodeNoCurrentUser, Message: "no signed-in user"}
}
