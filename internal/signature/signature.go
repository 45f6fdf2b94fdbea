// Package signature authenticates platform webhook deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HeaderName carries "sha256=<hex hmac>" over the raw request body.
const HeaderName = "X-Hub-Signature-256"

const prefix = "sha256="

// Verify reports whether header is the HMAC-SHA256 of rawBody under secret.
// A missing secret, a missing header, or a malformed header all fail closed.
func Verify(rawBody []byte, header string, secret string) bool {
	if secret == "" || header == "" {
		return false
	}
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	expected, err := hex.DecodeString(header[len(prefix):])
	if err != nil || len(expected) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign returns the header value the platform would send for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verifier binds a secret and the explicit development bypass.
type Verifier struct {
	secret string
	skip   bool
}

// NewVerifier returns a verifier. skip must come from an explicit configuration flag.
func NewVerifier(secret string, skip bool) *Verifier {
	return &Verifier{secret: secret, skip: skip}
}

func (v *Verifier) Verify(rawBody []byte, header string) bool {
	if v.skip {
		return true
	}
	return Verify(rawBody, header, v.secret)
}
