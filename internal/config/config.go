// Package config defines the top-level configuration for the lendmarket
// backend and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LENDMARKET_* environment
// variables.
type Config struct {
	Auth       AuthConfig       `toml:"auth"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	Oracle     OracleConfig     `toml:"oracle"`
	Ingest     IngestConfig     `toml:"ingest"`
	S3         S3Config         `toml:"s3"`
	Settlement SettlementConfig `toml:"settlement"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// AuthConfig holds token verification parameters.
type AuthConfig struct {
	// JWKSURL is the identity provider's JWKS endpoint for the RS256 path.
	JWKSURL string `toml:"jwks_url"`
	// Secrets is the ordered list of HS256 secret fallbacks; the first
	// non-empty entry wins.
	Secrets []string `toml:"secrets"`
	// Issuer, when non-empty, must match the token's iss claim exactly.
	Issuer string `toml:"issuer"`
	// Audiences is the audience allow-list checked when a token declares aud.
	Audiences []string `toml:"audiences"`
	// DevBearerToken enables the development-only bypass bearer value. It is
	// honoured only when the server environment is "development".
	DevBearerToken string `toml:"dev_bearer_token"`
}

// SupabaseConfig holds the PostgREST data-store collaborator parameters.
type SupabaseConfig struct {
	ApiURL         string `toml:"api_url"`
	ServiceRoleKey string `toml:"service_role_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// OracleConfig holds the scoring-oracle collaborator endpoint.
type OracleConfig struct {
	URL string `toml:"url"`
}

// IngestConfig holds the shared secrets used on the service-to-service path:
// outbound oracle calls carry them, and the /receive endpoint verifies them.
type IngestConfig struct {
	// Password has no default; the receive endpoint rejects every request
	// until one is configured.
	Password     string `toml:"password"`
	SharedSecret string `toml:"shared_secret"`
}

// S3Config holds S3-compatible object storage parameters for settlement
// report archiving.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SettlementConfig holds the periodic settlement runner parameters.
type SettlementConfig struct {
	// Interval between settlement passes in full mode.
	Interval duration `toml:"interval"`
	// LockTTL bounds how long the distributed pass lock may be held.
	LockTTL duration `toml:"lock_ttl"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// Environment gates development-only behaviour such as the bypass token.
	Environment string `toml:"environment"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "20m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "20m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Auth: AuthConfig{
			Audiences: []string{"authenticated"},
		},
		Supabase: SupabaseConfig{
			TimeoutSeconds: 15,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Oracle: OracleConfig{
			URL: "http://localhost:5000/compute_and_send",
		},
		Ingest: IngestConfig{
			SharedSecret: "dev-secret",
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "lendmarket-reports",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Settlement: SettlementConfig{
			Interval: duration{20 * time.Minute},
			LockTTL:  duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Environment: "production",
		},
		Notify: NotifyConfig{
			Events: []string{"settlement_completed", "settlement_error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"settle": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validEnvironments enumerates the accepted values for Server.Environment.
var validEnvironments = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
}

// IsDevelopment reports whether development-only behaviour is enabled.
func (s ServerConfig) IsDevelopment() bool {
	return strings.EqualFold(s.Environment, "development")
}

// needsSettlement returns true for modes that run the settlement engine.
func needsSettlement(mode string) bool {
	return mode == "settle" || mode == "full"
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, settle, full)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !validEnvironments[strings.ToLower(c.Server.Environment)] {
		errs = append(errs, fmt.Sprintf("unknown server environment %q (valid: development, staging, production)", c.Server.Environment))
	}

	// Auth — at least one verification path must be configured for modes that
	// serve requests.
	if mode == "server" || mode == "full" {
		if c.Auth.JWKSURL == "" && len(nonEmpty(c.Auth.Secrets)) == 0 {
			errs = append(errs, "auth: either jwks_url or at least one secret must be set")
		}
	}

	// Ingest — the receive endpoint fails closed on an empty password, so
	// serving it without one would answer 401 to everything.
	if (mode == "server" || mode == "full") && c.Server.Enabled && c.Ingest.Password == "" {
		errs = append(errs, "ingest: password must be set when the receive endpoint is served")
	}

	// Supabase — required whenever settlement runs.
	if needsSettlement(mode) {
		if c.Supabase.ApiURL == "" {
			errs = append(errs, "supabase: api_url must not be empty")
		}
		if c.Supabase.ServiceRoleKey == "" {
			errs = append(errs, "supabase: service_role_key must not be empty")
		}
	}
	if c.Supabase.TimeoutSeconds <= 0 {
		errs = append(errs, "supabase: timeout_seconds must be > 0")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Oracle
	if needsSettlement(mode) && c.Oracle.URL == "" {
		errs = append(errs, "oracle: url must not be empty")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Settlement
	if needsSettlement(mode) {
		if c.Settlement.Interval.Duration <= 0 {
			errs = append(errs, "settlement: interval must be > 0")
		}
		if c.Settlement.LockTTL.Duration <= 0 {
			errs = append(errs, "settlement: lock_ttl must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// nonEmpty filters blank entries from a string slice.
func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
