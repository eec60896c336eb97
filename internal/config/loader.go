package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LENDMARKET_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LENDMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Auth ──
	setStr(&cfg.Auth.JWKSURL, "LENDMARKET_AUTH_JWKS_URL")
	setStringSlice(&cfg.Auth.Secrets, "LENDMARKET_AUTH_SECRETS")
	setStr(&cfg.Auth.Issuer, "LENDMARKET_AUTH_ISSUER")
	setStringSlice(&cfg.Auth.Audiences, "LENDMARKET_AUTH_AUDIENCES")
	setStr(&cfg.Auth.DevBearerToken, "LENDMARKET_AUTH_DEV_BEARER_TOKEN")

	// ── Supabase ──
	setStr(&cfg.Supabase.ApiURL, "LENDMARKET_SUPABASE_API_URL")
	setStr(&cfg.Supabase.ServiceRoleKey, "LENDMARKET_SUPABASE_SERVICE_ROLE_KEY")
	setInt(&cfg.Supabase.TimeoutSeconds, "LENDMARKET_SUPABASE_TIMEOUT_SECONDS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LENDMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LENDMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LENDMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LENDMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LENDMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LENDMARKET_REDIS_TLS_ENABLED")

	// ── Oracle / Ingest ──
	setStr(&cfg.Oracle.URL, "LENDMARKET_ORACLE_URL")
	setStr(&cfg.Ingest.Password, "LENDMARKET_INGEST_PASSWORD")
	setStr(&cfg.Ingest.SharedSecret, "LENDMARKET_INGEST_SHARED_SECRET")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LENDMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LENDMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LENDMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "LENDMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LENDMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LENDMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LENDMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LENDMARKET_S3_FORCE_PATH_STYLE")

	// ── Settlement ──
	setDuration(&cfg.Settlement.Interval, "LENDMARKET_SETTLEMENT_INTERVAL")
	setDuration(&cfg.Settlement.LockTTL, "LENDMARKET_SETTLEMENT_LOCK_TTL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LENDMARKET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LENDMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LENDMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.Environment, "LENDMARKET_SERVER_ENVIRONMENT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LENDMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LENDMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LENDMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LENDMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LENDMARKET_MODE")
	setStr(&cfg.LogLevel, "LENDMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
