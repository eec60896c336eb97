package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidateInSettleMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "settle"
	cfg.Supabase.ApiURL = "https://xyz.supabase.co"
	cfg.Supabase.ServiceRoleKey = "key"

	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.LogLevel = "loud"
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown mode")
	assert.ErrorContains(t, err, "unknown log_level")
	assert.ErrorContains(t, err, "redis: addr")
}

func TestServerModeRequiresAVerificationPath(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	cfg.Auth.JWKSURL = ""
	cfg.Auth.Secrets = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "jwks_url or at least one secret")
}

func TestServedModesRequireIngestPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "full"
	cfg.Auth.Secrets = []string{"hs256-secret"}
	cfg.Supabase.ApiURL = "https://xyz.supabase.co"
	cfg.Supabase.ServiceRoleKey = "key"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "ingest: password")

	cfg.Ingest.Password = "receive-password"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "settle"

[supabase]
api_url = "https://file.supabase.co"
service_role_key = "file-key"

[settlement]
interval = "5m"
`), 0o600))

	t.Setenv("LENDMARKET_SUPABASE_SERVICE_ROLE_KEY", "env-key")
	t.Setenv("LENDMARKET_SETTLEMENT_LOCK_TTL", "3m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "settle", cfg.Mode)
	assert.Equal(t, "https://file.supabase.co", cfg.Supabase.ApiURL)
	assert.Equal(t, "env-key", cfg.Supabase.ServiceRoleKey, "env overrides file")
	assert.Equal(t, 5*time.Minute, cfg.Settlement.Interval.Duration)
	assert.Equal(t, 3*time.Minute, cfg.Settlement.LockTTL.Duration)

	// Untouched values keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestIsDevelopment(t *testing.T) {
	s := ServerConfig{Environment: "development"}
	assert.True(t, s.IsDevelopment())
	s.Environment = "Production"
	assert.False(t, s.IsDevelopment())
}
