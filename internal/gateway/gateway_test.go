package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nashlabs/lendmarket/internal/domain"
)

type fakeCache struct {
	entries map[string]domain.TokenClaims
	stores  int
	deletes []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]domain.TokenClaims{}}
}

func (f *fakeCache) Fetch(_ context.Context, token string) (domain.TokenClaims, error) {
	claims, ok := f.entries[token]
	if !ok {
		return domain.TokenClaims{}, domain.ErrNotFound
	}
	return claims, nil
}

func (f *fakeCache) Store(_ context.Context, token string, claims domain.TokenClaims, _ int64) error {
	f.stores++
	f.entries[token] = claims
	return nil
}

func (f *fakeCache) Delete(_ context.Context, token string) error {
	f.deletes = append(f.deletes, token)
	delete(f.entries, token)
	return nil
}

type fakeVerifier struct {
	claims domain.TokenClaims
	err    error
	calls  int
}

func (f *fakeVerifier) Verify(context.Context, string) (domain.TokenClaims, error) {
	f.calls++
	return f.claims, f.err
}

var futureExpiry = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

func validClaims() domain.TokenClaims {
	return domain.TokenClaims{
		Subject:   "user-1",
		Role:      "authenticated",
		ExpiresAt: futureExpiry.Unix(),
	}
}

func newTestHandler(verifier TokenVerifier, cache domain.TokenCache, cfg Config) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(verifier, cache, cfg, logger)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func doRequest(t *testing.T, h *Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSanityCheckWithValidBearerToken(t *testing.T) {
	verifier := &fakeVerifier{claims: validClaims()}
	cache := newFakeCache()
	h := newTestHandler(verifier, cache, Config{})

	rec := doRequest(t, h, `{"query":"{ sanityCheck }"}`, map[string]string{
		"Authorization": "Bearer good-token",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	data := body["data"].(map[string]any)
	assert.Equal(t, "GraphQL endpoint is live", data["sanityCheck"])

	assert.Equal(t, 1, verifier.calls)
	assert.Equal(t, 1, cache.stores, "verified claims must be cached")
}

func TestMissingTokenIsForbidden(t *testing.T) {
	h := newTestHandler(&fakeVerifier{claims: validClaims()}, newFakeCache(), Config{})

	rec := doRequest(t, h, `{"query":"{ sanityCheck }"}`, nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	errs := body["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, "Forbidden Access", errs[0].(map[string]any)["message"])
}

func TestRejectedTokenYieldsUniformForbiddenAndEvictsCache(t *testing.T) {
	verifier := &fakeVerifier{err: domain.ErrForbidden}
	cache := newFakeCache()
	h := newTestHandler(verifier, cache, Config{})

	rec := doRequest(t, h, `{"query":"{ sanityCheck }"}`, map[string]string{
		"Authorization": "Bearer bad-token",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []string{"bad-token"}, cache.deletes)
}

func TestFreshCacheEntrySkipsVerification(t *testing.T) {
	verifier := &fakeVerifier{err: domain.ErrForbidden}
	cache := newFakeCache()
	cache.entries["cached-token"] = validClaims()
	h := newTestHandler(verifier, cache, Config{})

	rec := doRequest(t, h, `{"query":"{ sanityCheck }"}`, map[string]string{
		"Authorization": "Bearer cached-token",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, verifier.calls)
}

func TestStaleCacheEntryFallsThroughToVerifier(t *testing.T) {
	verifier := &fakeVerifier{claims: validClaims()}
	cache := newFakeCache()
	expired := validClaims()
	expired.ExpiresAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	cache.entries["stale-token"] = expired
	h := newTestHandler(verifier, cache, Config{})

	rec := doRequest(t, h, `{"query":"{ sanityCheck }"}`, map[string]string{
		"Authorization": "Bearer stale-token",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, verifier.calls, "expired cache entries never authorize")
}

func TestAuthenticateWithInlineVariableToken(t *testing.T) {
	verifier := &fakeVerifier{claims: validClaims()}
	cache := newFakeCache()
	h := newTestHandler(verifier, cache, Config{})

	body := `{"query":"query($token: String) { authenticate(token: $token) { expiresAt } }","variables":{"token":"inline-token"}}`
	rec := doRequest(t, h, body, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]any)
	auth := data["authenticate"].(map[string]any)
	assert.Equal(t, "2027-01-01T00:00:00Z", auth["expiresAt"])
}

func TestAuthenticateWithStringEncodedVariables(t *testing.T) {
	h := newTestHandler(&fakeVerifier{claims: validClaims()}, newFakeCache(), Config{})

	body := `{"query":"{ authenticate { expiresAt } }","variables":"{\"token\":\"inline-token\"}"}`
	rec := doRequest(t, h, body, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInlineTokenOnlyHonoredForAuthenticate(t *testing.T) {
	verifier := &fakeVerifier{claims: validClaims()}
	h := newTestHandler(verifier, newFakeCache(), Config{})

	body := `{"query":"{ sanityCheck }","variables":{"token":"inline-token"}}`
	rec := doRequest(t, h, body, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, verifier.calls)
}

func TestDevBypassProducesSyntheticAdminClaims(t *testing.T) {
	verifier := &fakeVerifier{err: domain.ErrForbidden}
	h := newTestHandler(verifier, newFakeCache(), Config{
		DevBearerToken: "local-dev-token",
		DevBypass:      true,
	})

	body := `{"query":"{ authenticate { expiresAt } }"}`
	rec := doRequest(t, h, body, map[string]string{
		"Authorization": "Bearer local-dev-token",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].(map[string]any)
	auth := data["authenticate"].(map[string]any)
	assert.Equal(t, time.Unix(devExpiry, 0).UTC().Format(time.RFC3339), auth["expiresAt"])
	assert.Zero(t, verifier.calls)
}

func TestDevBypassInactiveOutsideDevelopment(t *testing.T) {
	verifier := &fakeVerifier{err: domain.ErrForbidden}
	h := newTestHandler(verifier, newFakeCache(), Config{
		DevBearerToken: "local-dev-token",
		DevBypass:      false,
	})

	rec := doRequest(t, h, `{"query":"{ sanityCheck }"}`, map[string]string{
		"Authorization": "Bearer local-dev-token",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMalformedInputYields400(t *testing.T) {
	h := newTestHandler(&fakeVerifier{claims: validClaims()}, newFakeCache(), Config{})

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"query": `},
		{"unparseable query", `{"query":"{ sanityCheck"}`},
		{"variables of wrong shape", `{"query":"{ sanityCheck }","variables":[1,2]}`},
		{"variables string without json", `{"query":"{ sanityCheck }","variables":"not json"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, tc.body, map[string]string{"Authorization": "Bearer good-token"})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestUnknownFieldReportedInErrors(t *testing.T) {
	h := newTestHandler(&fakeVerifier{claims: validClaims()}, newFakeCache(), Config{})

	rec := doRequest(t, h, `{"query":"{ sanityCheck balanceSheet }"}`, map[string]string{
		"Authorization": "Bearer good-token",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "errors")
	data := body["data"].(map[string]any)
	assert.Equal(t, "GraphQL endpoint is live", data["sanityCheck"])
}

func TestBearerTokenExtraction(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"abc", ""},
		{"", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		assert.Equal(t, tc.want, bearerToken(req), "header %q", tc.header)
	}
}

func TestAuthContextRoundTrip(t *testing.T) {
	auth := domain.AuthContext{Claims: validClaims(), RawToken: "raw"}
	ctx := ContextWithAuth(context.Background(), auth)

	got, ok := AuthFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, auth, got)

	_, ok = AuthFromContext(context.Background())
	assert.False(t, ok)
}
