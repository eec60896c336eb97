package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nashlabs/lendmarket/internal/auth"
	s3blob "github.com/nashlabs/lendmarket/internal/blob/s3"
	"github.com/nashlabs/lendmarket/internal/cache/redis"
	"github.com/nashlabs/lendmarket/internal/config"
	"github.com/nashlabs/lendmarket/internal/domain"
	"github.com/nashlabs/lendmarket/internal/gateway"
	"github.com/nashlabs/lendmarket/internal/notify"
	"github.com/nashlabs/lendmarket/internal/oracle"
	"github.com/nashlabs/lendmarket/internal/settlement"
	"github.com/nashlabs/lendmarket/internal/store/supabase"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Auth pipeline
	TokenCache domain.TokenCache
	Verifier   *auth.Verifier
	Gateway    *gateway.Handler

	// Settlement
	Store       domain.DataStore
	Oracle      domain.ScoreOracle
	Engine      *settlement.Engine
	LockManager domain.LockManager

	// Blob storage (nil unless S3 archiving is enabled)
	BlobWriter domain.BlobWriter

	// Notifications (nil when no channels are configured)
	Notifier *notify.Notifier
}

// needsSettlement returns true for modes that run the settlement engine.
func needsSettlement(mode string) bool {
	return mode == "settle" || mode == "full"
}

// needsServer returns true for modes that serve HTTP requests.
func needsServer(mode string) bool {
	return mode == "server" || mode == "full"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function to call on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis (token cache, shared JWKS cache, settlement lock) ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.TokenCache = redis.NewTokenCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)

	// --- Auth pipeline (only for modes that serve requests) ---
	if needsServer(cfg.Mode) {
		keys := auth.NewKeyDirectory(cfg.Auth.JWKSURL, redis.NewJWKSCache(redisClient), logger)
		deps.Verifier = auth.NewVerifier(keys, auth.VerifierConfig{
			Issuer:    cfg.Auth.Issuer,
			Audiences: cfg.Auth.Audiences,
			Secrets:   cfg.Auth.Secrets,
		}, logger)

		deps.Gateway = gateway.New(deps.Verifier, deps.TokenCache, gateway.Config{
			DevBearerToken: cfg.Auth.DevBearerToken,
			DevBypass:      cfg.Server.IsDevelopment(),
		}, logger)
	}

	// --- Settlement collaborators ---
	if needsSettlement(cfg.Mode) {
		store, err := supabase.New(supabase.ClientConfig{
			ApiURL:         cfg.Supabase.ApiURL,
			ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
			Timeout:        time.Duration(cfg.Supabase.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: supabase: %w", err)
		}
		deps.Store = store

		deps.Oracle = oracle.New(oracle.ClientConfig{
			URL:          cfg.Oracle.URL,
			Password:     cfg.Ingest.Password,
			SharedSecret: cfg.Ingest.SharedSecret,
		})

		deps.Engine = settlement.NewEngine(deps.Store, deps.Oracle, logger)
	}

	// --- S3 report archive ---
	if needsSettlement(cfg.Mode) && cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	return deps, cleanup, nil
}
