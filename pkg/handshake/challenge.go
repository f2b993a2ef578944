package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/sigcrypto"
)

// puzzleDifficulty bounds the step-4 capability puzzle so it stays a
// liveness check, not a proof-of-work race.
const puzzleDifficulty = 2

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the process has no usable entropy;
		// there is nothing sensible to degrade to.
		panic(fmt.Sprintf("handshake: entropy unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// buildChallenge generates the step-specific challenge for a session.
// The payload kinds per step are part of the protocol contract; the
// embedded nonces are fresh per challenge.
func buildChallenge(s *Session, step int, now time.Time) *Challenge {
	ch := &Challenge{
		ChallengeID: "chl_" + uuid.NewString(),
		SessionID:   s.SessionID,
		Step:        step,
		TotalSteps:  s.TotalSteps,
		IssuedAt:    now,
		ExpiresAt:   now.Add(challengeTTL),
	}

	switch step {
	case 1:
		ch.RequiredProof = ProofIdentity
		ch.ChallengeData = map[string]any{
			"kind":     "identity_nonce",
			"agent_id": s.AgentID,
			"nonce":    randomHex(16),
		}
	case 2:
		required := s.Context.PriorInvocations
		if required > lowHistoryInvokes {
			required = lowHistoryInvokes
		}
		ch.RequiredProof = ProofActivity
		ch.ChallengeData = map[string]any{
			"kind":                 "activity_proof",
			"required_invocations": required,
			"window_days":          7,
		}
	case 3:
		sample := s.Context.NetworkConnections
		if len(sample) > 3 {
			sample = sample[:3]
		}
		ch.RequiredProof = ProofTrust
		ch.ChallengeData = map[string]any{
			"kind":           "trust_verification",
			"required_trust": float64(lowTrustThreshold),
			"network_sample": append([]string(nil), sample...),
		}
	case 4:
		ch.RequiredProof = ProofCapability
		ch.ChallengeData = map[string]any{
			"kind":       "capability_puzzle",
			"puzzle":     randomHex(16),
			"difficulty": puzzleDifficulty,
		}
	case 5:
		ch.RequiredProof = ProofAttestation
		ch.ChallengeData = map[string]any{
			"kind":           "attestation",
			"context_digest": sigcrypto.TruncatedHash([]byte(s.ContextHash), 16),
			"nonce":          randomHex(8),
		}
	}
	return ch
}
