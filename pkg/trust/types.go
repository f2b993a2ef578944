// Package trust maintains the per-agent reputation ledger: activity history,
// peer endorsements, violations, and the decayed trust score derived from
// them.
package trust

import (
	"time"
)

// ReputationLevel is a derived tier name thresholded off the trust score.
// It is never set directly.
type ReputationLevel string

const (
	LevelNewcomer ReputationLevel = "newcomer"
	LevelMember   ReputationLevel = "member"
	LevelTrusted  ReputationLevel = "trusted"
	LevelVeteran  ReputationLevel = "veteran"
	LevelElite    ReputationLevel = "elite"
)

// LevelForScore maps a final score to its reputation level.
func LevelForScore(score float64) ReputationLevel {
	switch {
	case score >= 90:
		return LevelElite
	case score >= 75:
		return LevelVeteran
	case score >= 50:
		return LevelTrusted
	case score >= 25:
		return LevelMember
	default:
		return LevelNewcomer
	}
}

// levelRank orders levels for minimum-level requirement checks.
func levelRank(l ReputationLevel) int {
	switch l {
	case LevelElite:
		return 4
	case LevelVeteran:
		return 3
	case LevelTrusted:
		return 2
	case LevelMember:
		return 1
	default:
		return 0
	}
}

// ViolationType classifies a recorded violation.
type ViolationType string

const (
	ViolationRateAbuse    ViolationType = "rate_abuse"
	ViolationInvalidProof ViolationType = "invalid_proof"
	ViolationSpam         ViolationType = "spam"
	ViolationMalicious    ViolationType = "malicious"
)

// violationSeverity is fixed per type; unknown types score as spam.
var violationSeverity = map[ViolationType]float64{
	ViolationRateAbuse:    5,
	ViolationInvalidProof: 10,
	ViolationSpam:         15,
	ViolationMalicious:    50,
}

// SeverityFor returns the fixed severity for a violation type.
func SeverityFor(t ViolationType) float64 {
	if s, ok := violationSeverity[t]; ok {
		return s
	}
	return violationSeverity[ViolationSpam]
}

// ActivityRecord is one observed agent action.
type ActivityRecord struct {
	Type         string    `json:"type"`
	CapabilityID string    `json:"capability_id,omitempty"`
	Success      bool      `json:"success"`
	Timestamp    time.Time `json:"timestamp"`
}

// Endorsement is a peer-granted trust boost. TrustWeight is derived from
// the endorser's score at creation time and frozen thereafter.
type Endorsement struct {
	FromAgent   string    `json:"from_agent"`
	TrustWeight float64   `json:"trust_weight"`
	Timestamp   time.Time `json:"timestamp"`
	Reason      string    `json:"reason"`
	Signature   string    `json:"signature"`
}

// Violation is a recorded policy breach with its fixed severity.
type Violation struct {
	Type      ViolationType `json:"type"`
	Severity  float64       `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	Details   string        `json:"details,omitempty"`
}

// maxActivityHistory caps the per-agent activity ring.
const maxActivityHistory = 1000

// TrustNode is the ledger's view of one agent.
type TrustNode struct {
	AgentID            string              `json:"agent_id"`
	TrustScore         float64             `json:"trust_score"`
	ReputationLevel    ReputationLevel     `json:"reputation_level"`
	Endorsements       []Endorsement       `json:"endorsements"`
	Violations         []Violation         `json:"violations"`
	ActivityHistory    []ActivityRecord    `json:"activity_history"`
	NetworkConnections map[string]struct{} `json:"-"`
	JoinedAt           time.Time           `json:"joined_at"`
	LastActivity       time.Time           `json:"last_activity"`
}

// Breakdown is the result of a pure trust calculation over stored state
// and wall-clock time.
type Breakdown struct {
	BaseScore        float64         `json:"base_score"`
	ActivityBonus    float64         `json:"activity_bonus"`
	EndorsementBonus float64         `json:"endorsement_bonus"`
	ViolationPenalty float64         `json:"violation_penalty"`
	DecayPenalty     float64         `json:"decay_penalty"`
	FinalScore       float64         `json:"final_score"`
	Level            ReputationLevel `json:"reputation_level"`
}

// Requirements is the set of gates the dispatcher may demand before a
// confidential operation. Nil fields are not checked.
type Requirements struct {
	MinTrust        *float64
	MinLevel        *ReputationLevel
	MinEndorsements *int
	MinActivities   *int
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
