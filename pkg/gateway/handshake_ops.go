package gateway

import (
	"context"
	"sort"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/handshake"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/ratelimit"
)

// InitiateHandshakeResponse returns the session id and first challenge.
type InitiateHandshakeResponse struct {
	SessionID string               `json:"session_id"`
	Challenge *handshake.Challenge `json:"challenge"`
}

// InitiateHandshake starts a challenge-response session. The trust
// context is snapshotted from the ledger here and frozen for the whole
// session; later trust changes do not affect it. A non-empty
// profileName applies that profile's handshake strictness.
func (g *Gateway) InitiateHandshake(ctx context.Context, agentID, profileName string, requested []handshake.AccessTier) (*InitiateHandshakeResponse, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if agentID == "" {
		return nil, invalid("agent_id", "must not be empty")
	}
	if len(requested) == 0 {
		return nil, invalid("requested_access", "must name at least one tier")
	}
	prof, err := g.profile(profileName)
	if err != nil {
		return nil, err
	}
	if prof != nil && prof.Handshake.RequireConfidential {
		confidential := false
		for _, tier := range requested {
			if tier == handshake.TierConfidential || tier == handshake.TierPremium {
				confidential = true
			}
		}
		if !confidential {
			return nil, invalid("requested_access", "profile requires the confidential tier")
		}
	}

	limit := g.limit
	if prof != nil && prof.RateLimit.PerMinute > 0 {
		limit = ratelimit.Policy{PerMinute: prof.RateLimit.PerMinute, Burst: prof.RateLimit.Burst}
	}
	if err := g.allowUnder(ctx, agentID, limit); err != nil {
		return nil, err
	}

	breakdown, err := g.ledger.CalculateTrust(agentID)
	if err != nil {
		g.deny(ctx, agentID, "", "agent_not_registered")
		return nil, ErrAccessDenied
	}
	node, err := g.ledger.GetNode(agentID)
	if err != nil {
		g.deny(ctx, agentID, "", "agent_not_registered")
		return nil, ErrAccessDenied
	}

	invocations := 0
	for _, rec := range node.ActivityHistory {
		if rec.Success {
			invocations++
		}
	}
	connections := make([]string, 0, len(node.NetworkConnections))
	for id := range node.NetworkConnections {
		connections = append(connections, id)
	}
	sort.Strings(connections)

	sctx := handshake.Context{
		AgentID:            agentID,
		TrustScore:         breakdown.FinalScore,
		ReputationLevel:    string(breakdown.Level),
		PriorInvocations:   invocations,
		NetworkConnections: connections,
		SnapshotUnix:       time.Now().Unix(),
	}

	var opts []handshake.InitOption
	if prof != nil && prof.Handshake.MinSteps > 0 {
		opts = append(opts, handshake.WithStepFloor(prof.Handshake.MinSteps))
	}
	session, challenge, err := g.handshake.InitiateHandshake(ctx, agentID, sctx, requested, opts...)
	if err != nil {
		return nil, err
	}
	return &InitiateHandshakeResponse{
		SessionID: session.SessionID,
		Challenge: challenge,
	}, nil
}

// RespondHandshake processes one challenge response. Any failure is
// terminal for the session and surfaces only as a uniform denial; the
// internal reason goes to the audit sink.
func (g *Gateway) RespondHandshake(ctx context.Context, resp handshake.Response) (*handshake.StepResult, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if resp.ChallengeID == "" {
		return nil, invalid("challenge_id", "must not be empty")
	}
	if resp.Proof == "" {
		return nil, invalid("proof", "must not be empty")
	}

	result, err := g.handshake.ProcessResponse(ctx, resp)
	if err != nil {
		g.deny(ctx, "", resp.ChallengeID, "challenge_rejected")
		return nil, ErrAccessDenied
	}
	if !result.Success {
		g.deny(ctx, "", resp.ChallengeID, result.Reason)
		// The step result keeps its internal reason for the
		// dispatcher's logs; transports should send only Success.
	}
	return result, nil
}

// HasAccess reports whether a completed handshake granted the tier.
func (g *Gateway) HasAccess(agentID string, tier handshake.AccessTier) bool {
	return g.handshake.HasAccess(agentID, tier)
}
