package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/nashlabs/lendmarket/internal/domain"
)

// Accepted signing algorithms. Anything else is rejected outright.
const (
	algRS256 = "RS256"
	algHS256 = "HS256"
)

// VerifierConfig holds the claim expectations applied after signature
// verification.
type VerifierConfig struct {
	// Issuer, when non-empty, must match the token's iss claim exactly.
	Issuer string
	// Audiences is the allow-list intersected with the token's aud claim
	// whenever the token declares one.
	Audiences []string
	// Secrets is the ordered list of HS256 secret fallbacks; the first
	// non-empty entry is used.
	Secrets []string
}

// Verifier decodes bearer tokens, selects a verification strategy by
// algorithm, and verifies signature and claims. The algorithm is read from
// the unverified header purely to pick the strategy; the chosen branch then
// re-verifies the signature under that algorithm, so the header never
// influences anything but branch selection.
type Verifier struct {
	keys   KeyProvider
	cfg    VerifierConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewVerifier creates a Verifier that resolves RS256 keys through the given
// provider and HS256 secrets from cfg.
func NewVerifier(keys KeyProvider, cfg VerifierConfig, logger *slog.Logger) *Verifier {
	return &Verifier{
		keys:   keys,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "token_verifier")),
		now:    time.Now,
	}
}

// Verify checks the raw token and returns its claims. Every failure — empty
// token, undecodable token, unsupported algorithm, bad signature, past
// expiry, issuer mismatch, or audience miss — is normalized to
// domain.ErrForbidden with no further detail.
func (v *Verifier) Verify(ctx context.Context, raw string) (domain.TokenClaims, error) {
	if raw == "" {
		return domain.TokenClaims{}, domain.ErrForbidden
	}

	alg, err := tokenAlgorithm(raw)
	if err != nil {
		return v.deny(ctx, "undecodable token header", err)
	}

	var token *jwt.Token
	switch alg {
	case algRS256:
		token, err = v.verifyWithKeySet(ctx, raw)
	case algHS256:
		token, err = v.verifyWithSecret(raw)
	default:
		return v.deny(ctx, "unsupported signing algorithm", fmt.Errorf("alg %q", alg))
	}
	if err != nil {
		return v.deny(ctx, "signature verification failed", err)
	}

	claims, err := claimsFromToken(token)
	if err != nil {
		return v.deny(ctx, "unreadable claims", err)
	}

	if err := v.validateClaims(claims); err != nil {
		return v.deny(ctx, "claim validation failed", err)
	}

	return claims, nil
}

// deny logs the real cause at debug level and returns the uniform rejection.
func (v *Verifier) deny(ctx context.Context, msg string, err error) (domain.TokenClaims, error) {
	v.logger.DebugContext(ctx, msg, slog.String("error", err.Error()))
	return domain.TokenClaims{}, domain.ErrForbidden
}

// tokenAlgorithm decodes the token header without verifying the signature and
// returns its alg field. Safe only because the caller re-verifies under the
// selected algorithm.
func tokenAlgorithm(raw string) (string, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("auth: parse unverified: %w", err)
	}
	alg, _ := token.Header["alg"].(string)
	return alg, nil
}

// verifyWithKeySet verifies an RS256 token against the directory's JWKS.
func (v *Verifier) verifyWithKeySet(ctx context.Context, raw string) (*jwt.Token, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		set, err := v.keys.VerificationKeys(ctx)
		if err != nil {
			return nil, err
		}
		key, err := selectKey(set, t)
		if err != nil {
			return nil, err
		}
		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, fmt.Errorf("auth: materialize public key: %w", err)
		}
		return &pub, nil
	}

	return jwt.Parse(raw, keyfunc,
		jwt.WithValidMethods([]string{algRS256}),
		jwt.WithoutClaimsValidation(),
	)
}

// selectKey picks the JWKS entry matching the token's kid header, falling
// back to the sole key of a single-entry set.
func selectKey(set jwk.Set, t *jwt.Token) (jwk.Key, error) {
	if kid, _ := t.Header["kid"].(string); kid != "" {
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("auth: no key for kid %q", kid)
		}
		return key, nil
	}
	if set.Len() == 1 {
		key, _ := set.Key(0)
		return key, nil
	}
	return nil, fmt.Errorf("auth: token has no kid and key set holds %d keys", set.Len())
}

// verifyWithSecret verifies an HS256 token using the first configured secret.
func (v *Verifier) verifyWithSecret(raw string) (*jwt.Token, error) {
	secret := firstSecret(v.cfg.Secrets)
	if secret == "" {
		return nil, fmt.Errorf("auth: no symmetric secret configured")
	}

	return jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{algHS256}),
		jwt.WithoutClaimsValidation(),
	)
}

// firstSecret returns the first non-blank entry of the ordered fallbacks.
func firstSecret(secrets []string) string {
	for _, s := range secrets {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// claimsFromToken maps the verified payload onto domain.TokenClaims.
func claimsFromToken(token *jwt.Token) (domain.TokenClaims, error) {
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.TokenClaims{}, fmt.Errorf("auth: unexpected claims type %T", token.Claims)
	}

	claims := domain.TokenClaims{}
	claims.Subject, _ = mapClaims.GetSubject()
	claims.Issuer, _ = mapClaims.GetIssuer()

	if role, ok := mapClaims["role"].(string); ok {
		claims.Role = role
	}

	if aud, err := mapClaims.GetAudience(); err == nil {
		claims.Audience = domain.Audience(aud)
	}

	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Unix()
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Unix()
	}

	return claims, nil
}

// validateClaims enforces expiry, issuer, and audience expectations.
func (v *Verifier) validateClaims(claims domain.TokenClaims) error {
	if !claims.Fresh(v.now()) {
		return fmt.Errorf("auth: token expired or missing exp")
	}

	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return fmt.Errorf("auth: issuer mismatch")
	}

	if len(claims.Audience) > 0 && !claims.Audience.Intersects(v.cfg.Audiences) {
		return fmt.Errorf("auth: audience not allowed")
	}

	return nil
}
