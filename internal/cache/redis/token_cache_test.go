package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nashlabs/lendmarket/internal/domain"
)

func TestTokenKeyNamespace(t *testing.T) {
	assert.Equal(t, "graphql:jwt:abc.def.ghi", tokenKey("abc.def.ghi"))
}

func TestTTLUntil(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.Equal(t, 90*time.Second, ttlUntil(now.Unix()+90, now))

	// Expired and exactly-now entries must not be stored.
	assert.Equal(t, time.Duration(0), ttlUntil(now.Unix(), now))
	assert.Equal(t, time.Duration(0), ttlUntil(now.Unix()-1, now))
	assert.Equal(t, time.Duration(0), ttlUntil(0, now))
}

var cacheNow = time.Unix(1_700_000_000, 0)

func newTestTokenCache(t *testing.T) (*miniredis.Miniredis, *TokenCache) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return srv, &TokenCache{rdb: rdb, now: func() time.Time { return cacheNow }}
}

func TestTokenCacheRoundTrip(t *testing.T) {
	srv, tc := newTestTokenCache(t)
	ctx := context.Background()

	claims := domain.TokenClaims{
		Subject:   "user-1",
		Role:      "authenticated",
		Issuer:    "https://auth.example.com",
		ExpiresAt: cacheNow.Unix() + 120,
	}
	require.NoError(t, tc.Store(ctx, "tok.abc", claims, claims.ExpiresAt))

	got, err := tc.Fetch(ctx, "tok.abc")
	require.NoError(t, err)
	assert.Equal(t, claims, got)

	// The backing store's TTL is authoritative: past the remaining token
	// lifetime the entry is gone.
	srv.FastForward(121 * time.Second)
	_, err = tc.Fetch(ctx, "tok.abc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTokenCacheNeverStoresExpiredClaims(t *testing.T) {
	srv, tc := newTestTokenCache(t)
	ctx := context.Background()

	claims := domain.TokenClaims{Subject: "user-2"}
	require.NoError(t, tc.Store(ctx, "tok.now", claims, cacheNow.Unix()))
	require.NoError(t, tc.Store(ctx, "tok.past", claims, cacheNow.Unix()-600))

	assert.False(t, srv.Exists(tokenKey("tok.now")))
	assert.False(t, srv.Exists(tokenKey("tok.past")))
}

func TestTokenCacheDelete(t *testing.T) {
	_, tc := newTestTokenCache(t)
	ctx := context.Background()

	claims := domain.TokenClaims{Subject: "user-3", ExpiresAt: cacheNow.Unix() + 60}
	require.NoError(t, tc.Store(ctx, "tok.del", claims, claims.ExpiresAt))

	require.NoError(t, tc.Delete(ctx, "tok.del"))
	_, err := tc.Fetch(ctx, "tok.del")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Deleting an absent entry is not an error.
	assert.NoError(t, tc.Delete(ctx, "tok.del"))
}

func TestTokenCacheFetchMiss(t *testing.T) {
	_, tc := newTestTokenCache(t)

	_, err := tc.Fetch(context.Background(), "never-stored")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
