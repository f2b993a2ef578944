//go:build property
// +build property

package semantic_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/ratelimit"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/semantic"
)

// TestRoundTripLaw verifies decrypt(encrypt(X, K), K) == X for arbitrary
// well-formed semantics, and that a different key never decrypts.
// Run count is modest because each case pays two slow key derivations.
func TestRoundTripLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	// A generous limit: the property pays three derivations per case.
	codec := semantic.NewCodec(semantic.WithDerivationLimit(
		ratelimit.NewMemoryStore(),
		ratelimit.Policy{PerMinute: 6000, Burst: 1000},
	))
	ctx := context.Background()

	properties.Property("encrypt/decrypt round trips", prop.ForAll(
		func(action string, paramKey, paramVal string) bool {
			sem := &semantic.Semantics{
				ActionType: action,
				Parameters: map[string]any{paramKey: paramVal},
			}

			payload, err := codec.EncryptSemantics(ctx, sem, testKey)
			if err != nil {
				return false
			}

			got := codec.DecryptSemantics(ctx, payload, testKey)
			if got == nil || got.ActionType != sem.ActionType {
				return false
			}
			if got.Parameters[paramKey] != paramVal {
				return false
			}

			return codec.DecryptSemantics(ctx, payload, otherKey) == nil
		},
		gen.OneConstOf("price_query", "swap_execute", "transfer", "invoke"),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
