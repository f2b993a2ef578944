package sigcrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SemanticKeyLen is the length in bytes of a derived semantic key.
const SemanticKeyLen = 32

// DeriveSemanticKey derives a 32-byte key, hex encoded, from token identity
// material and a service-held salt via HKDF-SHA256. The salt never leaves
// the service, so the key is handed to the agent exactly once at issuance
// and cannot be recomputed client-side.
func DeriveSemanticKey(tokenID, agentID, nonce string, serviceSalt []byte) (string, error) {
	if len(serviceSalt) == 0 {
		return "", ErrWeakSecret
	}

	secret := []byte(tokenID + ":" + agentID + ":" + nonce)
	info := []byte("cap402/semantic-key/v1")

	r := hkdf.New(sha256.New, secret, serviceSalt, info)
	key := make([]byte, SemanticKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("semantic key derivation failed: %w", err)
	}
	return hex.EncodeToString(key), nil
}
