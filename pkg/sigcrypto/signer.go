// Package sigcrypto provides the keyed-hash signing and key-derivation
// primitives used by the token and handshake services.
package sigcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// MinSecretLen is the minimum accepted service secret length in bytes.
const MinSecretLen = 32

// ErrWeakSecret is returned when a service secret is missing or too short.
var ErrWeakSecret = errors.New("sigcrypto: service secret missing or shorter than 32 bytes")

// Signer computes keyed-hash signatures over canonical payloads.
// This allows swapping the in-memory HMAC backend for an HSM or KMS.
type Signer interface {
	Sign(payload []byte) string
	Verify(payload []byte, signature string) bool
}

// HMACSigner signs with HMAC-SHA256 under a service-wide secret.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner validates the secret and returns a signer. Callers in
// production mode must treat ErrWeakSecret as fatal at startup.
func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &HMACSigner{secret: s}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of payload.
func (s *HMACSigner) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func (s *HMACSigner) Verify(payload []byte, signature string) bool {
	expected := s.Sign(payload)
	return ConstantTimeEqual(expected, signature)
}

// ConstantTimeEqual compares two strings without leaking the position of
// the first mismatch. Length is compared first; leaking length is
// acceptable since signature lengths are fixed and public.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TruncatedHash returns the first n hex characters of SHA-256(data).
// Used for display digests and challenge attestations, never for
// authentication on its own.
func TruncatedHash(data []byte, n int) string {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

// HashFields hashes a ":"-separated sequence of fields. The separator makes
// the encoding injective for fields that never contain ":" (ids, hex,
// RFC 3339 timestamps).
func HashFields(fields ...string) string {
	mac := sha256.New()
	for i, f := range fields {
		if i > 0 {
			mac.Write([]byte{':'})
		}
		mac.Write([]byte(f))
	}
	return hex.EncodeToString(mac.Sum(nil))
}
