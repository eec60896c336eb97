package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Audience is the JWT "aud" claim, which may arrive as a single string or a
// list of strings. It always marshals back as a list.
type Audience []string

// UnmarshalJSON accepts both the string and list encodings of "aud".
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("domain: decode audience: %w", err)
	}
	*a = Audience(many)
	return nil
}

// Intersects reports whether any entry of a appears in allowed.
func (a Audience) Intersects(allowed []string) bool {
	for _, aud := range a {
		for _, ok := range allowed {
			if aud == ok {
				return true
			}
		}
	}
	return false
}

// TokenClaims is the decoded, verified payload of a bearer token. It is
// immutable once produced by the verifier; the token cache stores it as JSON.
type TokenClaims struct {
	Subject   string   `json:"sub"`
	Role      string   `json:"role,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  Audience `json:"aud,omitempty"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat,omitempty"`
}

// Fresh reports whether the claims carry an expiry that is still in the
// future at the given instant. A zero expiry is never fresh.
func (c TokenClaims) Fresh(now time.Time) bool {
	return c.ExpiresAt > 0 && c.ExpiresAt > now.Unix()
}

// Expiry returns the expiry as a UTC time.
func (c TokenClaims) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0).UTC()
}

// AuthContext is the per-request authorization context produced by the
// gateway on successful verification and consumed read-only by resolvers.
type AuthContext struct {
	Claims   TokenClaims
	RawToken string
}
