package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/trust"
)

// RegisterTrustResponse returns the newly registered agent's standing.
type RegisterTrustResponse struct {
	TrustScore      float64               `json:"trust_score"`
	ReputationLevel trust.ReputationLevel `json:"reputation_level"`
	JoinedAt        time.Time             `json:"joined_at"`
}

// TrustSummary is the externally visible view of an agent's standing.
// Raw endorsement and violation records stay internal.
type TrustSummary struct {
	TrustScore              float64               `json:"trust_score"`
	ReputationLevel         trust.ReputationLevel `json:"reputation_level"`
	EndorsementsCount       int                   `json:"endorsements_count"`
	ViolationsCount         int                   `json:"violations_count"`
	NetworkConnectionsCount int                   `json:"network_connections_count"`
}

// RegisterTrust registers a new agent in the ledger. Registering an
// already-known agent is a ValidationError, not an auth failure.
func (g *Gateway) RegisterTrust(ctx context.Context, agentID string) (*RegisterTrustResponse, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if agentID == "" {
		return nil, invalid("agent_id", "must not be empty")
	}
	if err := g.allow(ctx, agentID); err != nil {
		return nil, err
	}

	node, err := g.ledger.RegisterAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, trust.ErrAlreadyRegistered) {
			return nil, invalid("agent_id", "already registered")
		}
		return nil, err
	}
	return &RegisterTrustResponse{
		TrustScore:      node.TrustScore,
		ReputationLevel: node.ReputationLevel,
		JoinedAt:        node.JoinedAt,
	}, nil
}

// GetTrust returns the current trust summary for an agent, recomputing
// the score so decay is reflected.
func (g *Gateway) GetTrust(ctx context.Context, agentID string) (*TrustSummary, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if agentID == "" {
		return nil, invalid("agent_id", "must not be empty")
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
	return &TrustSummary{
		TrustScore:              breakdown.FinalScore,
		ReputationLevel:         breakdown.Level,
		EndorsementsCount:       len(node.Endorsements),
		ViolationsCount:         len(node.Violations),
		NetworkConnectionsCount: len(node.NetworkConnections),
	}, nil
}

// Endorse records an endorsement from one agent to another. It reports
// false for every disallowed case without distinguishing them.
func (g *Gateway) Endorse(ctx context.Context, fromAgent, toAgent, reason string) (bool, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if fromAgent == "" {
		return false, invalid("from_agent", "must not be empty")
	}
	if toAgent == "" {
		return false, invalid("to_agent", "must not be empty")
	}
	if err := g.allow(ctx, fromAgent); err != nil {
		return false, err
	}

	ok, err := g.ledger.AddEndorsement(ctx, fromAgent, toAgent, reason)
	if err != nil {
		return false, err
	}
	if !ok {
		g.deny(ctx, fromAgent, toAgent, "endorsement_rejected")
	}
	return ok, nil
}
