package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/semantic"
)

// EncryptPayload encrypts semantics under an agent's semantic key.
// Throttled derivation surfaces as ErrRateLimited; other failures are
// uniform denials.
func (g *Gateway) EncryptPayload(ctx context.Context, sem *semantic.Semantics, semanticKey string) (*semantic.EncryptedPayload, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if sem == nil {
		return nil, invalid("semantics", "must not be nil")
	}
	if semanticKey == "" {
		return nil, invalid("semantic_key", "must not be empty")
	}

	payload, err := g.codec.EncryptSemantics(ctx, sem, semanticKey)
	if err != nil {
		if errors.Is(err, semantic.ErrThrottled) {
			return nil, ErrRateLimited
		}
		g.deny(ctx, "", "", "encrypt_failed")
		return nil, ErrAccessDenied
	}
	return payload, nil
}

// DecryptPayload decrypts a payload. A wrong key, tampered ciphertext
// or stale hash all return (nil, nil): absence of semantics is the only
// failure signal the caller gets.
func (g *Gateway) DecryptPayload(ctx context.Context, payload *semantic.EncryptedPayload, semanticKey string) (*semantic.Semantics, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if payload == nil {
		return nil, invalid("payload", "must not be nil")
	}
	if semanticKey == "" {
		return nil, invalid("semantic_key", "must not be empty")
	}

	sem := g.codec.DecryptSemantics(ctx, payload, semanticKey)
	if sem == nil {
		g.deny(ctx, "", "", "decrypt_failed")
	}
	return sem, nil
}
