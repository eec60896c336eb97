package domain

import (
	"context"
	"io"
	"time"
)

// TokenCache stores verified claim payloads keyed by raw token so repeat
// requests skip cryptographic re-verification. Implementations expire entries
// at the token's remaining lifetime.
type TokenCache interface {
	// Fetch returns the cached claims for the token, or ErrNotFound.
	Fetch(ctx context.Context, token string) (TokenClaims, error)
	// Store caches claims with TTL = max(expiry-now, 0); a zero TTL stores
	// nothing.
	Store(ctx context.Context, token string, claims TokenClaims, expiry int64) error
	// Delete removes the entry for the token, if any.
	Delete(ctx context.Context, token string) error
}

// JWKSCache is the shared backing cache for the signing-key directory, so
// multiple service instances converge on one JWKS snapshot.
type JWKSCache interface {
	// Get returns the cached JWKS document, or ErrNotFound.
	Get(ctx context.Context) ([]byte, error)
	// Set stores the JWKS document with the given TTL.
	Set(ctx context.Context, payload []byte, ttl time.Duration) error
}

// LockManager hands out distributed locks. Acquire returns an unlock function
// on success and ErrLockHeld when another party holds the lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// DataStore is the generic REST-style accessor to the persistence layer.
// Select decodes matching rows into dest; an empty result is not an error.
// Patch applies partial attributes to the rows matched by filters.
type DataStore interface {
	Select(ctx context.Context, table string, params map[string]string, dest any) error
	Patch(ctx context.Context, table string, attrs map[string]any, filters map[string]string) error
}

// ScoreOracle posts a batch of subject identifiers to the external scorer and
// returns the identifier-to-score mapping it computed.
type ScoreOracle interface {
	RefreshScores(ctx context.Context, uuids []string) (map[string]float64, error)
}

// BlobWriter uploads an object to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
