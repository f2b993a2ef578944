// Package semantic protects per-invocation payload metadata. Payloads are
// encrypted under keys derived from a token-bound semantic key, so only
// the issuing service and the token holder can read execution semantics
// in transit.
package semantic

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/ratelimit"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/sigcrypto"
)

// PayloadVersion is the current envelope version.
const PayloadVersion = 1

// kdfSalt is fixed: the agent semantic key is already high-entropy and
// unique per token, the slow KDF here only hardens against offline
// brute force of a leaked payload.
var kdfSalt = []byte("cap402-semantic-kdf-v1")

// scrypt cost parameters. Deliberately slow; derivation is rate limited
// per caller.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

const gcmNonceLen = 12

// ErrThrottled is returned when a caller exceeds the key-derivation rate.
var ErrThrottled = errors.New("semantic: key derivation rate exceeded")

// Semantics is the JSON-serializable execution metadata of one invocation.
type Semantics struct {
	ActionType     string         `json:"action_type"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ExecutionHints map[string]any `json:"execution_hints,omitempty"`
	RoutingRules   map[string]any `json:"routing_rules,omitempty"`
}

// envelope is what actually gets encrypted: the semantics plus stamping
// fields, mirrored in clear on the payload.
type envelope struct {
	Semantics
	Timestamp int64 `json:"_timestamp"`
	Version   int   `json:"_version"`
}

// EncryptedPayload is the ephemeral wire form of protected semantics.
// EncryptedData carries ciphertext and GCM auth tag, hex encoded.
type EncryptedPayload struct {
	Version       int    `json:"version"`
	Nonce         string `json:"nonce"`
	EncryptedData string `json:"encrypted_data"`
	SemanticHash  string `json:"semantic_hash"`
	Timestamp     int64  `json:"timestamp"`
}

// Codec encrypts and decrypts semantic payloads.
type Codec struct {
	limiter       ratelimit.Store
	limitPolicy   ratelimit.Policy
	logger        *slog.Logger
	validate      bool
	schemaChecker func(*Semantics) error
}

// Option configures a Codec.
type Option func(*Codec)

// WithDerivationLimit bounds slow key derivations per caller key.
func WithDerivationLimit(store ratelimit.Store, policy ratelimit.Policy) Option {
	return func(c *Codec) {
		if store != nil {
			c.limiter = store
			c.limitPolicy = policy
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(c *Codec) {
		if lg != nil {
			c.logger = lg
		}
	}
}

// WithSchemaValidation enables JSON-Schema validation of semantics before
// encryption.
func WithSchemaValidation() Option {
	return func(c *Codec) {
		c.validate = true
	}
}

func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		limiter:       ratelimit.NewMemoryStore(),
		limitPolicy:   ratelimit.Policy{PerMinute: 60, Burst: 30},
		logger:        slog.Default().With("component", "semantic"),
		schemaChecker: checkSchema,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EncryptSemantics seals semantics under the agent's semantic key with a
// fresh single-use nonce.
func (c *Codec) EncryptSemantics(ctx context.Context, sem *Semantics, agentKey string) (*EncryptedPayload, error) {
	if sem == nil {
		return nil, fmt.Errorf("semantic: nil semantics")
	}
	if c.validate {
		if err := c.schemaChecker(sem); err != nil {
			return nil, fmt.Errorf("semantic: invalid semantics: %w", err)
		}
	}

	key, err := c.deriveKey(ctx, agentKey)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Unix()
	plaintext, err := json.Marshal(envelope{Semantics: *sem, Timestamp: now, Version: PayloadVersion})
	if err != nil {
		return nil, fmt.Errorf("semantic: marshal: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("semantic: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("semantic: gcm: %w", err)
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("semantic: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	hashInput := append(append([]byte(nil), plaintext...), []byte(strconv.FormatInt(now, 10))...)
	return &EncryptedPayload{
		Version:       PayloadVersion,
		Nonce:         hex.EncodeToString(nonce),
		EncryptedData: hex.EncodeToString(sealed),
		SemanticHash:  sigcrypto.TruncatedHash(hashInput, 32),
		Timestamp:     now,
	}, nil
}

// DecryptSemantics opens a payload. On any failure (wrong key, tampered
// ciphertext, malformed payload, throttled derivation) it returns nil
// without revealing which check failed.
func (c *Codec) DecryptSemantics(ctx context.Context, payload *EncryptedPayload, agentKey string) *Semantics {
	if payload == nil || payload.Version != PayloadVersion {
		return nil
	}

	key, err := c.deriveKey(ctx, agentKey)
	if err != nil {
		return nil
	}

	nonce, err := hex.DecodeString(payload.Nonce)
	if err != nil || len(nonce) != gcmNonceLen {
		return nil
	}
	sealed, err := hex.DecodeString(payload.EncryptedData)
	if err != nil {
		return nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil
	}
	sem := env.Semantics
	return &sem
}

// deriveKey stretches the agent semantic key into an AES-256 key. The
// caller's key identity is throttled, not the raw key: the limiter is
// keyed by a digest so key material never lands in limiter state.
func (c *Codec) deriveKey(ctx context.Context, agentKey string) ([]byte, error) {
	if agentKey == "" {
		return nil, fmt.Errorf("semantic: empty key")
	}

	callerID := sigcrypto.TruncatedHash([]byte(agentKey), 16)
	allowed, err := c.limiter.Allow(ctx, callerID, c.limitPolicy, 1)
	if err != nil {
		return nil, fmt.Errorf("semantic: limiter: %w", err)
	}
	if !allowed {
		c.logger.WarnContext(ctx, "key derivation throttled", "caller", callerID)
		return nil, ErrThrottled
	}

	key, err := scrypt.Key([]byte(agentKey), kdfSalt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("semantic: kdf: %w", err)
	}
	return key, nil
}
