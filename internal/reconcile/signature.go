package reconcile

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// SignatureHeader carries the provider's payload signature.
	SignatureHeader = "X-Provider-Signature"
	// AttemptHeader carries the provider's delivery attempt, starting at 1.
	AttemptHeader = "X-Provider-Attempt"
)

// Verifier checks provider signatures: hex HMAC-SHA512 of the raw body.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier for the shared webhook secret.
func NewVerifier(secret string) Verifier {
	return Verifier{secret: []byte(secret)}
}

// Sign computes the signature the provider would send for payload.
func (v Verifier) Sign(payload []byte) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload. An empty secret verifies nothing.
func (v Verifier) Verify(payload []byte, signature string) bool {
	if len(v.secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// Checksum fingerprints a raw payload.
func Checksum(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
