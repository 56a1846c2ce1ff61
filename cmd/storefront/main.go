package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/boddenberg/storefront-client-go/internal/config"
	"github.com/boddenberg/storefront-client-go/internal/handler"
	"github.com/boddenberg/storefront-client-go/internal/infra/client"
	"github.com/boddenberg/storefront-client-go/internal/infra/identity"
	"github.com/boddenberg/storefront-client-go/internal/infra/kv"
	"github.com/boddenberg/storefront-client-go/internal/infra/observability"
	"github.com/boddenberg/storefront-client-go/internal/infra/resilience"
	"github.com/boddenberg/storefront-client-go/internal/infra/sessionstore"
	"github.com/boddenberg/storefront-client-go/internal/port"
	"github.com/boddenberg/storefront-client-go/internal/service"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("listen_host", cfg.ListenHost),
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("backend_api_url", cfg.BackendAPIURL),
		zap.String("session_store", cfg.SessionStore),
		zap.Bool("identity_enabled", cfg.IdentityEnabled),
		zap.Bool("social_sign_in", cfg.SocialSignInEnabled()),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "storefront-client")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Session store ---
	store, checks, err := openKV(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open session store", zap.Error(err))
	}
	defer store.Close()

	sessions := sessionstore.New(store, cfg.SessionKeyPrefix, logger)

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	credentials := client.NewCredentialsClient(
		httpClient,
		cfg.BackendAPIURL,
		resilience.NewCircuitBreaker("backend"),
		resilienceCfg,
		logger,
	)

	var adapter port.IdentityAdapter
	if cfg.IdentityEnabled {
		var popup identity.Popup
		if cfg.SocialSignInEnabled() {
			popup = identity.NewLoopbackPopup(identity.LoopbackConfig{
				ClientID:     cfg.OAuthClientID,
				ClientSecret: cfg.OAuthClientSecret,
				AuthURL:      cfg.OAuthAuthURL,
				TokenURL:     cfg.OAuthTokenURL,
				ListenAddr:   cfg.OAuthCallbackAddr,
			}, func(authURL string) error {
				logger.Info("open this URL in a browser to continue signing in", zap.String("url", authURL))
				return nil
			}, httpClient, logger)
		}

		provider := identity.NewClient(
			httpClient,
			identity.Config{
				APIKey:    cfg.IdentityAPIKey,
				APIURL:    cfg.IdentityAPIURL,
				TokenURL:  cfg.IdentityTokenURL,
				KeyPrefix: cfg.SessionKeyPrefix,
			},
			resilience.NewCircuitBreaker("identity"),
			resilienceCfg,
			store,
			popup,
			logger,
		)
		adapter = service.NewIdentityAdapter(provider, logger)
		logger.Info("identity provider enabled")
	} else {
		logger.Warn("identity provider disabled, legacy credentials only")
	}

	// --- Auth controller ---
	controller := service.NewAuthController(sessions, credentials, credentials, adapter, metrics, logger)
	if err := controller.Start(ctx); err != nil {
		logger.Fatal("failed to start auth controller", zap.Error(err))
	}
	defer controller.Close()

	// --- Router ---
	router := handler.NewRouter(controller, checks, metrics, logger)

	// --- Server ---
	addr := net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // social sign-in waits on the user
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return controller.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// --- Graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// openKV opens the configured session store backend and the health checks
// it contributes.
func openKV(ctx context.Context, cfg *config.Config) (port.KeyValueStore, []handler.HealthCheck, error) {
	switch cfg.SessionStore {
	case config.StoreRedis:
		r, err := kv.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return r, []handler.HealthCheck{{Name: "redis", Check: r.Health}}, nil
	case config.StoreMemory:
		return kv.NewMemory(), nil, nil
	default:
		s, err := kv.OpenSQLite(cfg.SessionDBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}
