package semantic

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/sigcrypto"
)

// actionCodes maps the fixed action vocabulary to opaque wire codes.
var actionCodes = map[string]string{
	"price_query":    "ax1",
	"swap_execute":   "bx2",
	"wallet_balance": "cx3",
	"transfer":       "dx4",
	"compose":        "ex5",
	"delegate":       "fx6",
	"invoke":         "gx7",
}

var codeActions = func() map[string]string {
	m := make(map[string]string, len(actionCodes))
	for action, code := range actionCodes {
		m[code] = action
	}
	return m
}()

const (
	obfuscateHashLen   = 12
	noncePrefixLen     = 8
	obfuscateSeparator = "."
)

// ObfuscateAction encodes an action name as an opaque token bound to its
// parameters and nonce: code.hash(parameters,nonce).noncePrefix.
func ObfuscateAction(action string, parameters map[string]any, nonce string) (string, error) {
	code, ok := actionCodes[action]
	if !ok {
		return "", fmt.Errorf("semantic: unknown action %q", action)
	}
	if len(nonce) < noncePrefixLen {
		return "", fmt.Errorf("semantic: nonce too short")
	}

	digest, err := parameterDigest(parameters, nonce)
	if err != nil {
		return "", err
	}
	return code + obfuscateSeparator + digest + obfuscateSeparator + nonce[:noncePrefixLen], nil
}

// DecodeAction reverses the mapping and re-verifies the parameter binding.
// verified is false on any mismatch; the result does not reveal whether
// the hash or the nonce prefix failed.
func DecodeAction(obfuscated string, parameters map[string]any, nonce string) (action string, verified bool) {
	parts := strings.Split(obfuscated, obfuscateSeparator)
	if len(parts) != 3 {
		return "", false
	}
	action, ok := codeActions[parts[0]]
	if !ok {
		return "", false
	}
	if len(nonce) < noncePrefixLen {
		return action, false
	}

	digest, err := parameterDigest(parameters, nonce)
	if err != nil {
		return action, false
	}

	// Evaluate both comparisons unconditionally so a failure does not
	// reveal which component mismatched.
	hashOK := sigcrypto.ConstantTimeEqual(parts[1], digest)
	nonceOK := sigcrypto.ConstantTimeEqual(parts[2], nonce[:noncePrefixLen])
	return action, hashOK && nonceOK
}

func parameterDigest(parameters map[string]any, nonce string) (string, error) {
	encoded, err := json.Marshal(parameters)
	if err != nil {
		return "", fmt.Errorf("semantic: parameters: %w", err)
	}
	return sigcrypto.TruncatedHash(append(encoded, []byte(nonce)...), obfuscateHashLen), nil
}

// GenerateSemanticNonce returns a timestamp-prefixed single-use token.
// Anti-replay bookkeeping, if required, belongs to the caller.
func GenerateSemanticNonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("semantic: entropy unavailable: %v", err))
	}
	return strconv.FormatInt(time.Now().UnixNano(), 36) + hex.EncodeToString(b)
}
