package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// PopupCredential is the result of an interactive social sign-in.
type PopupCredential struct {
	IDToken    string
	ProviderID string
}

// Popup performs the interactive part of a social sign-in.
type Popup interface {
	Authorize(ctx context.Context) (*PopupCredential, error)
}

// Google's OAuth 2.0 endpoints, used when LoopbackConfig leaves them empty.
const (
	DefaultOAuthAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	DefaultOAuthTokenURL = "https://oauth2.googleapis.com/token"
)

// LoopbackConfig configures the OAuth authorization-code flow.
type LoopbackConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	// ListenAddr is the loopback address for the redirect, e.g. 127.0.0.1:0.
	ListenAddr string
	ProviderID string
	Scopes     []string
}

// LoopbackPopup runs the authorization-code flow with PKCE against a
// loopback redirect. Open is handed the consent URL (a browser launcher in
// interactive use).
type LoopbackPopup struct {
	conf       oauth2.Config
	listenAddr string
	providerID string
	open       func(authURL string) error
	httpClient *http.Client
	logger     *zap.Logger
}

// NewLoopbackPopup creates a popup flow. httpClient is used for the code
// exchange and may be nil.
func NewLoopbackPopup(cfg LoopbackConfig, open func(string) error, httpClient *http.Client, logger *zap.Logger) *LoopbackPopup {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.ProviderID == "" {
		cfg.ProviderID = domain.ProviderMethodGoogle
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultOAuthAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultOAuthTokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
	return &LoopbackPopup{
		conf: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			Scopes: cfg.Scopes,
		},
		listenAddr: cfg.ListenAddr,
		providerID: cfg.ProviderID,
		open:       open,
		httpClient: httpClient,
		logger:     logger,
	}
}

type callbackResult struct {
	code string
	err  error
}

// Authorize opens the consent page and waits for the redirect. A denied
// consent or a cancelled ctx is reported as a closed popup.
func (p *LoopbackPopup) Authorize(ctx context.Context) (*PopupCredential, error) {
	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("popup: listen on %s: %w", p.listenAddr, err)
	}

	conf := p.conf
	conf.RedirectURL = "http://" + ln.Addr().String() + "/callback"

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))

	results := make(chan callbackResult, 1)
	deliver := func(res callbackResult) {
		select {
		case results <- res:
		default:
		}
	}

	r := chi.NewRouter()
	r.Get("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			deliver(callbackResult{err: &domain.ProviderError{Op: "popup", Code: "INVALID_STATE", Message: "oauth state mismatch"}})
			return
		case q.Get("error") != "":
			fmt.Fprintln(w, "Sign-in was cancelled. You can close this window.")
			deliver(callbackResult{err: &domain.ProviderError{Op: "popup", Code: domain.ProviderCodePopupClosed, Message: q.Get("error")}})
			return
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			deliver(callbackResult{err: &domain.ProviderError{Op: "popup", Code: "INVALID_IDP_RESPONSE", Message: "missing authorization code"}})
			return
		}
		fmt.Fprintln(w, "Sign-in complete. You can close this window.")
		deliver(callbackResult{code: q.Get("code")})
	})

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Warn("popup: callback server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := p.open(authURL); err != nil {
		return nil, fmt.Errorf("popup: open consent page: %w", err)
	}

	var res callbackResult
	select {
	case <-ctx.Done():
		return nil, &domain.ProviderError{Op: "popup", Code: domain.ProviderCodePopupClosed, Message: ctx.Err().Error()}
	case res = <-results:
	}
	if res.err != nil {
		return nil, res.err
	}

	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	tok, err := conf.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			code := rerr.ErrorCode
			if code == "" {
				code = "INVALID_IDP_RESPONSE"
			}
			status := 0
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			return nil, &domain.ProviderError{Op: "popup", Code: code, Message: rerr.ErrorDescription, Status: status}
		}
		return nil, &domain.ErrExternalService{Service: "oauth", Err: err}
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, &domain.ProviderError{Op: "popup", Code: "INVALID_IDP_RESPONSE", Message: "token response carries no id_token"}
	}
	return &PopupCredential{IDToken: idToken, ProviderID: p.providerID}, nil
}
