package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port       int
	ListenHost string
	LogLevel   string

	// Backend API
	BackendAPIURL string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Session store
	SessionStore     string // sqlite, redis, memory
	SessionDBPath    string
	RedisURL         string
	SessionKeyPrefix string

	// Identity provider
	IdentityEnabled  bool
	IdentityAPIKey   string
	IdentityAPIURL   string
	IdentityTokenURL string

	// OAuth popup (social sign-in)
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthCallbackAddr string

	// Observability
	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:       getEnvInt("PORT", 8080),
		ListenHost: getEnv("LISTEN_HOST", "127.0.0.1"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		BackendAPIURL: getEnv("BACKEND_API_URL", "http://localhost:8000/api"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 8),

		SessionStore:     strings.ToLower(getEnv("SESSION_STORE", StoreSQLite)),
		SessionDBPath:    getEnv("SESSION_DB_PATH", "data/session.db"),
		RedisURL:         getEnv("REDIS_URL", ""),
		SessionKeyPrefix: getEnv("SESSION_KEY_PREFIX", "storefront:"),

		IdentityEnabled:  getEnvBool("IDENTITY_ENABLED", false),
		IdentityAPIKey:   getEnv("IDENTITY_API_KEY", ""),
		IdentityAPIURL:   getEnv("IDENTITY_API_URL", ""),
		IdentityTokenURL: getEnv("IDENTITY_TOKEN_URL", ""),

		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthAuthURL:      getEnv("OAUTH_AUTH_URL", ""),
		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
		OAuthCallbackAddr: getEnv("OAUTH_CALLBACK_ADDR", "127.0.0.1:0"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// SocialSignInEnabled reports whether the OAuth popup is configured.
func (c *Config) SocialSignInEnabled() bool {
	return c.IdentityEnabled && c.OAuthClientID != ""
}

// Validate reports inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: %d is out of range", c.Port))
	}
	if c.BackendAPIURL == "" {
		errs = append(errs, errors.New("BACKEND_API_URL is required"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENCY must be positive"))
	}

	switch c.SessionStore {
	case StoreSQLite:
		if c.SessionDBPath == "" {
			errs = append(errs, errors.New("SESSION_DB_PATH is required for the sqlite session store"))
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis session store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE: unknown backend %q", c.SessionStore))
	}

	if c.IdentityEnabled && c.IdentityAPIKey == "" {
		errs = append(errs, errors.New("IDENTITY_API_KEY is required when IDENTITY_ENABLED is set"))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
