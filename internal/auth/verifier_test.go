package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nashlabs/lendmarket/internal/domain"
)

// staticKeys serves a fixed key set without touching the network.
type staticKeys struct {
	set jwk.Set
	err error
}

func (s staticKeys) VerificationKeys(ctx context.Context) (jwk.Set, error) {
	return s.set, s.err
}

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func keySetFor(t *testing.T, priv *rsa.PrivateKey, kid string) jwk.Set {
	t.Helper()
	key, err := jwk.FromRaw(priv.Public())
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	return set
}

func signRS256(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	raw, err := token.SignedString(priv)
	require.NoError(t, err)
	return raw
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":  "user-1",
		"role": "authenticated",
		"iss":  "https://idp.example.com/auth/v1",
		"aud":  "authenticated",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Unix(),
	}
}

func newTestVerifier(keys KeyProvider, cfg VerifierConfig) *Verifier {
	return NewVerifier(keys, cfg, slog.Default())
}

func TestVerifyRS256Valid(t *testing.T) {
	priv := testRSAKey(t)
	v := newTestVerifier(staticKeys{set: keySetFor(t, priv, "k1")}, VerifierConfig{
		Issuer:    "https://idp.example.com/auth/v1",
		Audiences: []string{"authenticated"},
	})

	claims, err := v.Verify(context.Background(), signRS256(t, priv, "k1", validClaims()))
	require.NoError(t, err)

	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "authenticated", claims.Role)
	assert.Equal(t, "https://idp.example.com/auth/v1", claims.Issuer)
	assert.Equal(t, domain.Audience{"authenticated"}, claims.Audience)
	assert.True(t, claims.Fresh(time.Now()))
}

func TestVerifyHS256Valid(t *testing.T) {
	v := newTestVerifier(staticKeys{}, VerifierConfig{
		Audiences: []string{"authenticated"},
		Secrets:   []string{"top-secret"},
	})

	claims, err := v.Verify(context.Background(), signHS256(t, "top-secret", validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestVerifySecretFallbackOrder(t *testing.T) {
	// Blank entries are skipped; the first present secret wins.
	v := newTestVerifier(staticKeys{}, VerifierConfig{
		Audiences: []string{"authenticated"},
		Secrets:   []string{"", "  ", "second-secret", "third-secret"},
	})

	_, err := v.Verify(context.Background(), signHS256(t, "second-secret", validClaims()))
	assert.NoError(t, err)

	_, err = v.Verify(context.Background(), signHS256(t, "third-secret", validClaims()))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestVerifyForbiddenOutcomes(t *testing.T) {
	priv := testRSAKey(t)
	other := testRSAKey(t)
	cfg := VerifierConfig{
		Issuer:    "https://idp.example.com/auth/v1",
		Audiences: []string{"authenticated"},
		Secrets:   []string{"top-secret"},
	}
	v := newTestVerifier(staticKeys{set: keySetFor(t, priv, "k1")}, cfg)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.example.com"

	wrongAudience := validClaims()
	wrongAudience["aud"] = []string{"service-x", "service-y"}

	noExpiry := validClaims()
	delete(noExpiry, "exp")

	cases := map[string]string{
		"empty token":       "",
		"garbage token":     "not.a.jwt",
		"wrong signing key": signRS256(t, other, "k1", validClaims()),
		"unknown kid":       signRS256(t, priv, "missing", validClaims()),
		"expired":           signRS256(t, priv, "k1", expired),
		"missing expiry":    signRS256(t, priv, "k1", noExpiry),
		"issuer mismatch":   signRS256(t, priv, "k1", wrongIssuer),
		"audience miss":     signRS256(t, priv, "k1", wrongAudience),
		"unsupported alg":   signHS384(t, "top-secret", validClaims()),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), raw)
			assert.ErrorIs(t, err, domain.ErrForbidden)
		})
	}
}

func signHS384(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS384, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func TestVerifyAudienceOmittedPasses(t *testing.T) {
	// A token that declares no audience skips the allow-list check.
	v := newTestVerifier(staticKeys{}, VerifierConfig{
		Audiences: []string{"authenticated"},
		Secrets:   []string{"top-secret"},
	})

	claims := validClaims()
	delete(claims, "aud")

	_, err := v.Verify(context.Background(), signHS256(t, "top-secret", claims))
	assert.NoError(t, err)
}

func TestVerifyAudienceListIntersects(t *testing.T) {
	v := newTestVerifier(staticKeys{}, VerifierConfig{
		Audiences: []string{"authenticated", "internal"},
		Secrets:   []string{"top-secret"},
	})

	claims := validClaims()
	claims["aud"] = []string{"service-x", "internal"}

	_, err := v.Verify(context.Background(), signHS256(t, "top-secret", claims))
	assert.NoError(t, err)
}

func TestVerifyIssuerUnconfiguredSkipsCheck(t *testing.T) {
	v := newTestVerifier(staticKeys{}, VerifierConfig{
		Audiences: []string{"authenticated"},
		Secrets:   []string{"top-secret"},
	})

	claims := validClaims()
	claims["iss"] = "https://anything.example.com"

	_, err := v.Verify(context.Background(), signHS256(t, "top-secret", claims))
	assert.NoError(t, err)
}

func TestVerifyKeyDirectoryFailure(t *testing.T) {
	priv := testRSAKey(t)
	v := newTestVerifier(staticKeys{err: domain.ErrForbidden}, VerifierConfig{})

	_, err := v.Verify(context.Background(), signRS256(t, priv, "k1", validClaims()))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
