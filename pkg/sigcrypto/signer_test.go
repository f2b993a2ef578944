package sigcrypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/sigcrypto"
)

var testSecret = bytes.Repeat([]byte{0xa5}, 32)

func TestHMACSigner_RejectsWeakSecret(t *testing.T) {
	_, err := sigcrypto.NewHMACSigner(nil)
	assert.ErrorIs(t, err, sigcrypto.ErrWeakSecret)

	_, err = sigcrypto.NewHMACSigner([]byte("short"))
	assert.ErrorIs(t, err, sigcrypto.ErrWeakSecret)
}

func TestHMACSigner_SignVerify(t *testing.T) {
	s, err := sigcrypto.NewHMACSigner(testSecret)
	require.NoError(t, err)

	payload := []byte(`{"agent_id":"a1","token_id":"t1"}`)
	sig := s.Sign(payload)
	assert.Len(t, sig, 64)
	assert.True(t, s.Verify(payload, sig))

	// Any byte flip in the payload fails verification.
	tampered := append([]byte(nil), payload...)
	tampered[5] ^= 0x01
	assert.False(t, s.Verify(tampered, sig))

	// A different secret yields a different signature.
	other, err := sigcrypto.NewHMACSigner(bytes.Repeat([]byte{0x5a}, 32))
	require.NoError(t, err)
	assert.NotEqual(t, sig, other.Sign(payload))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, sigcrypto.ConstantTimeEqual("abcd", "abcd"))
	assert.False(t, sigcrypto.ConstantTimeEqual("abcd", "abce"))
	assert.False(t, sigcrypto.ConstantTimeEqual("abcd", "abc"))
}

func TestTruncatedHash(t *testing.T) {
	h := sigcrypto.TruncatedHash([]byte("payload"), 16)
	assert.Len(t, h, 16)
	// Stable for the same input.
	assert.Equal(t, h, sigcrypto.TruncatedHash([]byte("payload"), 16))
	assert.NotEqual(t, h, sigcrypto.TruncatedHash([]byte("payloae"), 16))
}

func TestDeriveSemanticKey(t *testing.T) {
	salt := []byte("service-salt-material")

	k1, err := sigcrypto.DeriveSemanticKey("tok1", "agent1", "nonce1", salt)
	require.NoError(t, err)
	assert.Len(t, k1, 64) // 32 bytes hex encoded

	// Deterministic under the same inputs.
	k2, err := sigcrypto.DeriveSemanticKey("tok1", "agent1", "nonce1", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	// Sensitive to every input.
	k3, err := sigcrypto.DeriveSemanticKey("tok2", "agent1", "nonce1", salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := sigcrypto.DeriveSemanticKey("tok1", "agent1", "nonce1", []byte("other-salt"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)

	_, err = sigcrypto.DeriveSemanticKey("tok1", "agent1", "nonce1", nil)
	assert.ErrorIs(t, err, sigcrypto.ErrWeakSecret)
}
