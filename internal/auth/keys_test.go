package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nashlabs/lendmarket/internal/domain"
)

// fakeJWKSCache is an in-memory stand-in for the Redis-backed shared cache.
type fakeJWKSCache struct {
	mu      sync.Mutex
	payload []byte
	sets    int
}

func (f *fakeJWKSCache) Get(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payload == nil {
		return nil, domain.ErrNotFound
	}
	return f.payload, nil
}

func (f *fakeJWKSCache) Set(ctx context.Context, payload []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = payload
	f.sets++
	return nil
}

func jwksPayload(t *testing.T) []byte {
	t.Helper()
	set := keySetFor(t, testRSAKey(t), "test-key")
	payload, err := json.Marshal(set)
	require.NoError(t, err)
	return payload
}

func jwksServer(t *testing.T, payload []byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestKeyDirectoryFetchesOnceWithinTTL(t *testing.T) {
	var hits atomic.Int64
	srv := jwksServer(t, jwksPayload(t), &hits)

	dir := NewKeyDirectory(srv.URL, nil, slog.Default())

	first, err := dir.VerificationKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Len())

	second, err := dir.VerificationKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), hits.Load())
}

func TestKeyDirectoryRefreshesAfterTTL(t *testing.T) {
	var hits atomic.Int64
	srv := jwksServer(t, jwksPayload(t), &hits)

	dir := NewKeyDirectory(srv.URL, nil, slog.Default())

	_, err := dir.VerificationKeys(context.Background())
	require.NoError(t, err)

	// Age the snapshot past the TTL.
	dir.now = func() time.Time { return time.Now().Add(jwksTTL + time.Minute) }

	_, err = dir.VerificationKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestKeyDirectoryPrefersSharedCache(t *testing.T) {
	var hits atomic.Int64
	srv := jwksServer(t, jwksPayload(t), &hits)

	shared := &fakeJWKSCache{payload: jwksPayload(t)}
	dir := NewKeyDirectory(srv.URL, shared, slog.Default())

	set, err := dir.VerificationKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, int64(0), hits.Load(), "shared cache hit must not touch the provider")
}

func TestKeyDirectoryPopulatesSharedCache(t *testing.T) {
	var hits atomic.Int64
	srv := jwksServer(t, jwksPayload(t), &hits)

	shared := &fakeJWKSCache{}
	dir := NewKeyDirectory(srv.URL, shared, slog.Default())

	_, err := dir.VerificationKeys(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())
	assert.NotNil(t, shared.payload)
	assert.Equal(t, 1, shared.sets)
}

func TestKeyDirectoryMalformedSharedPayloadFallsBack(t *testing.T) {
	var hits atomic.Int64
	srv := jwksServer(t, jwksPayload(t), &hits)

	shared := &fakeJWKSCache{payload: []byte("{not jwks")}
	dir := NewKeyDirectory(srv.URL, shared, slog.Default())

	set, err := dir.VerificationKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, int64(1), hits.Load())
}

func TestKeyDirectoryProviderFailureIsForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := NewKeyDirectory(srv.URL, nil, slog.Default())
	_, err := dir.VerificationKeys(context.Background())
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestKeyDirectoryMalformedBodyIsForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	dir := NewKeyDirectory(srv.URL, nil, slog.Default())
	_, err := dir.VerificationKeys(context.Background())
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestKeyDirectoryConcurrentRefreshSingleFetch(t *testing.T) {
	var hits atomic.Int64
	srv := jwksServer(t, jwksPayload(t), &hits)

	dir := NewKeyDirectory(srv.URL, nil, slog.Default())

	var wg sync.WaitGroup
	errs := make([]error, 32)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set, err := dir.VerificationKeys(context.Background())
			if err == nil && set.Len() != 1 {
				err = assert.AnError
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), hits.Load(), "concurrent cold start must collapse into one fetch")
}
