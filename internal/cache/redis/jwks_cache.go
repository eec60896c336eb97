package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nashlabs/lendmarket/internal/domain"
)

// jwksKey is the shared cache slot for the identity provider's JWKS document.
// All service instances read and write the same key so they converge on one
// snapshot instead of each hammering the provider.
const jwksKey = "auth.jwks"

// JWKSCache implements domain.JWKSCache on Redis.
type JWKSCache struct {
	rdb *redis.Client
}

// NewJWKSCache creates a JWKSCache backed by the given Client.
func NewJWKSCache(c *Client) *JWKSCache {
	return &JWKSCache{rdb: c.Underlying()}
}

// Get returns the cached JWKS document.
// It returns domain.ErrNotFound when the slot is empty or expired.
func (jc *JWKSCache) Get(ctx context.Context) ([]byte, error) {
	data, err := jc.rdb.Get(ctx, jwksKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get jwks: %w", err)
	}
	return data, nil
}

// Set stores the JWKS document with the given TTL.
func (jc *JWKSCache) Set(ctx context.Context, payload []byte, ttl time.Duration) error {
	if err := jc.rdb.Set(ctx, jwksKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set jwks: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.JWKSCache = (*JWKSCache)(nil)
