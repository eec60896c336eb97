// Package auth implements bearer-token verification: a signing-key directory
// that mirrors the identity provider's JWKS endpoint, and a verifier that
// checks signatures and claims. Every failure on this path collapses into
// domain.ErrForbidden so callers cannot learn which check tripped.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/nashlabs/lendmarket/internal/domain"
)

// jwksTTL bounds how long a fetched key set is trusted before a refresh.
const jwksTTL = 5 * time.Minute

// KeyProvider yields the current verification key set for the asymmetric
// token path.
type KeyProvider interface {
	VerificationKeys(ctx context.Context) (jwk.Set, error)
}

// KeyDirectory fetches and caches the identity provider's JWKS document. It
// keeps a local snapshot with a timestamp and consults a shared Redis-backed
// cache before hitting the network, so multiple instances converge on one
// snapshot. Refreshes are deduplicated through singleflight; concurrent
// callers during a TTL expiry trigger at most one fetch.
type KeyDirectory struct {
	jwksURL    string
	shared     domain.JWKSCache // optional; nil disables the shared tier
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	keys     jwk.Set
	cachedAt time.Time

	group singleflight.Group
	now   func() time.Time
}

// NewKeyDirectory creates a KeyDirectory for the given JWKS endpoint. shared
// may be nil when no cross-instance cache is available.
func NewKeyDirectory(jwksURL string, shared domain.JWKSCache, logger *slog.Logger) *KeyDirectory {
	return &KeyDirectory{
		jwksURL: jwksURL,
		shared:  shared,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With(slog.String("component", "key_directory")),
		now:    time.Now,
	}
}

// VerificationKeys returns the current signing-key set, refreshing it when
// the local snapshot is older than the TTL. A population failure yields
// domain.ErrForbidden; the directory never serves a stale-but-expired or
// partial set.
func (d *KeyDirectory) VerificationKeys(ctx context.Context) (jwk.Set, error) {
	if keys, ok := d.snapshot(); ok {
		return keys, nil
	}

	v, err, _ := d.group.Do("jwks", func() (any, error) {
		// A concurrent caller may have refreshed while we queued.
		if keys, ok := d.snapshot(); ok {
			return keys, nil
		}
		return d.refresh(ctx)
	})
	if err != nil {
		d.logger.WarnContext(ctx, "jwks refresh failed", slog.String("error", err.Error()))
		return nil, domain.ErrForbidden
	}
	return v.(jwk.Set), nil
}

// snapshot returns the local key set when it is still within TTL.
func (d *KeyDirectory) snapshot() (jwk.Set, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.keys == nil || d.now().Sub(d.cachedAt) >= jwksTTL {
		return nil, false
	}
	return d.keys, true
}

// refresh repopulates the snapshot, preferring the shared cache over the
// identity provider.
func (d *KeyDirectory) refresh(ctx context.Context) (jwk.Set, error) {
	if payload := d.sharedPayload(ctx); payload != nil {
		if set, err := jwk.Parse(payload); err == nil {
			d.adopt(set)
			return set, nil
		}
		d.logger.WarnContext(ctx, "shared jwks payload is malformed, falling back to provider")
	}

	payload, err := d.download(ctx)
	if err != nil {
		return nil, err
	}

	set, err := jwk.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("auth: parse jwks: %w", err)
	}

	if d.shared != nil {
		if err := d.shared.Set(ctx, payload, jwksTTL); err != nil {
			d.logger.WarnContext(ctx, "could not populate shared jwks cache", slog.String("error", err.Error()))
		}
	}

	d.adopt(set)
	return set, nil
}

// sharedPayload returns the shared-cache JWKS document or nil.
func (d *KeyDirectory) sharedPayload(ctx context.Context) []byte {
	if d.shared == nil {
		return nil
	}
	payload, err := d.shared.Get(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.logger.WarnContext(ctx, "shared jwks cache read failed", slog.String("error", err.Error()))
		}
		return nil
	}
	return payload
}

// download performs the HTTP GET against the JWKS endpoint.
func (d *KeyDirectory) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: build jwks request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("auth: jwks endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: read jwks body: %w", err)
	}
	return body, nil
}

// adopt installs a freshly parsed key set as the local snapshot.
func (d *KeyDirectory) adopt(set jwk.Set) {
	d.mu.Lock()
	d.keys = set
	d.cachedAt = d.now()
	d.mu.Unlock()
}

// Compile-time interface check.
var _ KeyProvider = (*KeyDirectory)(nil)
