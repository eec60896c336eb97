// Package crypto provides the HMAC body-signature scheme and constant-time
// secret comparison used on the service-to-service ingestion path.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignaturePrefix is the algorithm tag carried in the X-Signature header.
const SignaturePrefix = "sha256="

// SignBody computes HMAC-SHA256 of body under secret and returns the header
// value formatted as "sha256=<hex>".
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header value against the HMAC of
// body under secret. Unknown algorithm tags and malformed values fail closed.
func VerifySignature(secret string, body []byte, header string) bool {
	alg, hexDigest, ok := strings.Cut(header, "=")
	if !ok || alg != "sha256" || hexDigest == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return SecureCompare(expected, hexDigest)
}

// SecureCompare performs a constant-time equality check between two strings.
// Both inputs are hashed first so values of different lengths are compared in
// the same amount of time.
func SecureCompare(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}
