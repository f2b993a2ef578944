//go:build property
// +build property

package trust_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/trust"
)

// TestTrustScoreBounds verifies that no sequence of activity, endorsement,
// and violation operations can push the calculated final score outside
// [0, 100].
func TestTrustScoreBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	violationTypes := []trust.ViolationType{
		trust.ViolationRateAbuse,
		trust.ViolationInvalidProof,
		trust.ViolationSpam,
		trust.ViolationMalicious,
	}

	properties.Property("final score stays in [0,100]", prop.ForAll(
		func(ops []int) bool {
			ledger := trust.NewLedger()
			ctx := context.Background()
			if _, err := ledger.RegisterAgent(ctx, "subject"); err != nil {
				return false
			}
			if _, err := ledger.RegisterAgent(ctx, "peer"); err != nil {
				return false
			}
			// Give the peer standing to endorse.
			for i := 0; i < 500; i++ {
				_ = ledger.RecordActivity(ctx, "peer", "invoke", true, "")
			}

			for _, op := range ops {
				switch op % 4 {
				case 0:
					_ = ledger.RecordActivity(ctx, "subject", "invoke", true, "")
				case 1:
					_ = ledger.RecordActivity(ctx, "subject", "invoke", false, "")
				case 2:
					_, _ = ledger.AddEndorsement(ctx, "peer", "subject", "prop")
				case 3:
					_ = ledger.RecordViolation(ctx, "subject", violationTypes[op%len(violationTypes)], "prop")
				}

				b, err := ledger.CalculateTrust("subject")
				if err != nil {
					return false
				}
				if b.FinalScore < 0 || b.FinalScore > 100 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
