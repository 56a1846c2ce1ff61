package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.ListenHost)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, StoreSQLite, cfg.SessionStore)
	assert.False(t, cfg.IdentityEnabled)
	assert.Empty(t, cfg.OTLPEndpoint)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HTTP_TIMEOUT", "3s")
	t.Setenv("SESSION_STORE", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("IDENTITY_ENABLED", "true")
	t.Setenv("IDENTITY_API_KEY", "key")
	t.Setenv("OAUTH_CLIENT_ID", "client")
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg := Load()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, StoreRedis, cfg.SessionStore)
	assert.True(t, cfg.SocialSignInEnabled())
	assert.Equal(t, 3, cfg.MaxRetries, "unparsable values keep the default")
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"redis without url", func(c *Config) { c.SessionStore = StoreRedis }, "REDIS_URL"},
		{"unknown store", func(c *Config) { c.SessionStore = "etcd" }, "unknown backend"},
		{"sqlite without path", func(c *Config) { c.SessionDBPath = "" }, "SESSION_DB_PATH"},
		{"identity without key", func(c *Config) { c.IdentityEnabled = true }, "IDENTITY_API_KEY"},
		{"no backend", func(c *Config) { c.BackendAPIURL = "" }, "BACKEND_API_URL"},
		{"no concurrency", func(c *Config) { c.MaxConcurrency = 0 }, "MAX_CONCURRENCY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\n\nSF_TEST_A=one\nexport SF_TEST_B=\"two\"\nSF_TEST_C='three'\nSF_TEST_KEEP=file\nmalformed\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("SF_TEST_KEEP", "env")
	for _, k := range []string{"SF_TEST_A", "SF_TEST_B", "SF_TEST_C"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	require.NoError(t, LoadDotEnv(path))

	assert.Equal(t, "one", os.Getenv("SF_TEST_A"))
	assert.Equal(t, "two", os.Getenv("SF_TEST_B"))
	assert.Equal(t, "three", os.Getenv("SF_TEST_C"))
	assert.Equal(t, "env", os.Getenv("SF_TEST_KEEP"))
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	assert.Error(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}
