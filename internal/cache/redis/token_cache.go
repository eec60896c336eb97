package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nashlabs/lendmarket/internal/domain"
)

// tokenNamespace prefixes every cached claim payload. Keys look like
// "graphql:jwt:<rawToken>", so a lookup is a single Redis GET.
const tokenNamespace = "graphql:jwt"

// TokenCache implements domain.TokenCache using plain Redis strings holding
// JSON-encoded claims. Entries expire via Redis TTL at the token's remaining
// lifetime; the gateway re-checks freshness on every fetch on top of that.
type TokenCache struct {
	rdb *redis.Client
	now func() time.Time
}

// NewTokenCache creates a TokenCache backed by the given Client.
func NewTokenCache(c *Client) *TokenCache {
	return &TokenCache{rdb: c.Underlying(), now: time.Now}
}

func tokenKey(raw string) string {
	return tokenNamespace + ":" + raw
}

// Fetch returns the cached claims for the raw token.
// It returns domain.ErrNotFound when no entry exists.
func (tc *TokenCache) Fetch(ctx context.Context, token string) (domain.TokenClaims, error) {
	data, err := tc.rdb.Get(ctx, tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TokenClaims{}, domain.ErrNotFound
		}
		return domain.TokenClaims{}, fmt.Errorf("redis: fetch token claims: %w", err)
	}

	var claims domain.TokenClaims
	if err := json.Unmarshal(data, &claims); err != nil {
		return domain.TokenClaims{}, fmt.Errorf("redis: unmarshal token claims: %w", err)
	}
	return claims, nil
}

// Store caches claims keyed by the raw token with TTL equal to the remaining
// token lifetime. Already-expired claims are never cached.
func (tc *TokenCache) Store(ctx context.Context, token string, claims domain.TokenClaims, expiry int64) error {
	ttl := ttlUntil(expiry, tc.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("redis: marshal token claims: %w", err)
	}

	if err := tc.rdb.Set(ctx, tokenKey(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: store token claims: %w", err)
	}
	return nil
}

// Delete removes the cached entry for the raw token, if any.
func (tc *TokenCache) Delete(ctx context.Context, token string) error {
	if err := tc.rdb.Del(ctx, tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("redis: delete token claims: %w", err)
	}
	return nil
}

// ttlUntil converts an expiry epoch into a TTL relative to now, clamped at
// zero.
func ttlUntil(expiry int64, now time.Time) time.Duration {
	remaining := expiry - now.Unix()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining) * time.Second
}

// Compile-time interface check.
var _ domain.TokenCache = (*TokenCache)(nil)
