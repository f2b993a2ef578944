// Package handshake runs the multi-step challenge-response protocol that
// unlocks access tiers for an agent based on its trust context.
package handshake

import (
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/canonicalize"
)

// Status is a session's lifecycle state. Completed and failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AccessTier names the tiers a completed handshake may grant.
type AccessTier string

const (
	TierPublic       AccessTier = "public"
	TierStandard     AccessTier = "standard"
	TierConfidential AccessTier = "confidential"
	TierPremium      AccessTier = "premium"
)

// ProofType tags the kind of proof a step demands.
type ProofType string

const (
	ProofIdentity    ProofType = "identity"
	ProofActivity    ProofType = "activity"
	ProofTrust       ProofType = "trust"
	ProofCapability  ProofType = "capability"
	ProofAttestation ProofType = "attestation"
)

// Context is the frozen trust snapshot taken at session start. Responses
// are bound to it via its canonical hash, so a session cannot be replayed
// against a different context.
type Context struct {
	AgentID            string   `json:"agent_id"`
	TrustScore         float64  `json:"trust_score"`
	ReputationLevel    string   `json:"reputation_level"`
	PriorInvocations   int      `json:"prior_invocations"`
	NetworkConnections []string `json:"network_connections"`
	SnapshotUnix       int64    `json:"snapshot_unix"`
}

// Hash returns the RFC 8785 canonical hash of the context.
func (c *Context) Hash() (string, error) {
	return canonicalize.CanonicalHash(c)
}

// Session is one handshake attempt. CurrentStep starts at 1 and only ever
// advances by exactly one per successful response.
type Session struct {
	SessionID       string           `json:"session_id"`
	AgentID         string           `json:"agent_id"`
	RequestedAccess []AccessTier     `json:"requested_access"`
	CurrentStep     int              `json:"current_step"`
	TotalSteps      int              `json:"total_steps"`
	CompletedSteps  map[int]struct{} `json:"-"`
	Context         Context          `json:"context"`
	ContextHash     string           `json:"context_hash"`
	Status          Status           `json:"status"`
	GrantedAccess   []AccessTier     `json:"granted_access,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     time.Time        `json:"completed_at,omitempty"`
}

// challengeTTL is how long a challenge stays answerable.
const challengeTTL = 5 * time.Minute

// Challenge is one step's puzzle, answerable until ExpiresAt.
type Challenge struct {
	ChallengeID   string         `json:"challenge_id"`
	SessionID     string         `json:"session_id"`
	Step          int            `json:"step"`
	TotalSteps    int            `json:"total_steps"`
	ChallengeData map[string]any `json:"challenge_data"`
	RequiredProof ProofType      `json:"required_proof"`
	IssuedAt      time.Time      `json:"issued_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Response is an agent's answer to a challenge.
type Response struct {
	ChallengeID string `json:"challenge_id"`
	Step        int    `json:"step"`
	Proof       string `json:"proof"`
	Signature   string `json:"signature"`
	ContextHash string `json:"context_hash"`
}

// StepResult reports the outcome of processing one response. Exactly one
// of NextChallenge or GrantedAccess is set on success; on failure the
// session is terminally failed and the caller must re-initiate.
type StepResult struct {
	Success       bool         `json:"success"`
	Reason        string       `json:"reason,omitempty"`
	SessionStatus Status       `json:"session_status"`
	NextChallenge *Challenge   `json:"next_challenge,omitempty"`
	GrantedAccess []AccessTier `json:"granted_access,omitempty"`
	Grant         string       `json:"grant,omitempty"`
}

// Step-count formula inputs: a confidential request, low trust, and low
// history each add a verification step on top of the two-step floor.
const (
	minSteps           = 2
	maxSteps           = 5
	lowTrustThreshold  = 50
	lowHistoryInvokes  = 10
	trustedScoreFloor  = 50
	premiumScoreFloor  = 75
	standardStepsFloor = 3
	confidentialFloor  = 4
	premiumStepsFloor  = 5
)

func totalStepsFor(ctx *Context, requested []AccessTier) int {
	steps := minSteps
	for _, tier := range requested {
		// Premium subsumes confidential: requesting either adds the
		// confidential verification step.
		if tier == TierConfidential || tier == TierPremium {
			steps++
			break
		}
	}
	if ctx.TrustScore < lowTrustThreshold {
		steps++
	}
	if ctx.PriorInvocations < lowHistoryInvokes {
		steps++
	}
	if steps > maxSteps {
		steps = maxSteps
	}
	return steps
}

// GrantsFor applies the access-tier grant rule: public is always granted,
// standard from three completed steps, confidential from four with a
// trusted context, premium from five with a veteran-grade context.
func GrantsFor(completedSteps int, trustScore float64) []AccessTier {
	granted := []AccessTier{TierPublic}
	if completedSteps >= standardStepsFloor {
		granted = append(granted, TierStandard)
	}
	if completedSteps >= confidentialFloor && trustScore >= trustedScoreFloor {
		granted = append(granted, TierConfidential)
	}
	if completedSteps >= premiumStepsFloor && trustScore >= premiumScoreFloor {
		granted = append(granted, TierPremium)
	}
	return granted
}
