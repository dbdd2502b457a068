// Package signature authenticates checkpoint ingestion requests signed with a
// shared secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header carries the hex HMAC-SHA256 of the raw request body.
const Header = "x-flowlens-signature"

// DevSecret is the placeholder secret used when none is configured. It must
// never be used in production.
const DevSecret = "dev-secret-change-in-production"

type Verifier struct {
	secret []byte
	bypass bool
}

type Option func(*Verifier)

// WithBypass disables verification entirely. Local testing only.
func WithBypass(bypass bool) Option {
	return func(v *Verifier) {
		v.bypass = bypass
	}
}

func NewVerifier(secret []byte, opts ...Option) *Verifier {
	v := &Verifier{secret: append([]byte(nil), secret...)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Bypassed reports whether verification is disabled.
func (v *Verifier) Bypassed() bool { return v.bypass }

// Verify reports whether claimed is the signature of body under the shared
// secret. A missing or malformed claim is simply unverified.
func (v *Verifier) Verify(claimed string, body []byte) bool {
	if v.bypass {
		return true
	}
	claimed = strings.TrimSpace(claimed)
	if claimed == "" {
		return false
	}
	expected := Sign(v.secret, body)
	return hmac.Equal([]byte(claimed), []byte(expected))
}

// Sign returns the lowercase hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
