package gateway

import (
	"context"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/ratelimit"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/token"
)

// IssueTokenRequest carries the issue_token operation inputs. TTLHours
// of zero uses the service default.
type IssueTokenRequest struct {
	AgentID      string                 `json:"agent_id"`
	Capabilities []string               `json:"capabilities"`
	Permissions  token.PermissionsPatch `json:"permissions"`
	TTLHours     int                    `json:"ttl_hours"`
	// RequirementExpr is an optional CEL policy over the agent's trust
	// state, evaluated in addition to any named profile's expression.
	RequirementExpr string `json:"requirement_expr,omitempty"`
	// Profile names a registered trust profile whose thresholds, mode
	// grants and rate-limit policy govern the issuance.
	Profile string `json:"profile,omitempty"`
}

// IssueTokenResponse returns the token and the one-time semantic key.
type IssueTokenResponse struct {
	TokenID     string            `json:"token_id"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Permissions token.Permissions `json:"permissions"`
	SemanticKey string            `json:"semantic_key"`
}

// IssueToken issues a capability token for a registered agent. The
// requirement expression, when present, is evaluated fail-closed.
func (g *Gateway) IssueToken(ctx context.Context, req IssueTokenRequest) (*IssueTokenResponse, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if req.AgentID == "" {
		return nil, invalid("agent_id", "must not be empty")
	}
	if len(req.Capabilities) == 0 {
		return nil, invalid("capabilities", "must name at least one capability")
	}
	if req.TTLHours < 0 {
		return nil, invalid("ttl_hours", "must not be negative")
	}
	prof, err := g.profile(req.Profile)
	if err != nil {
		return nil, err
	}

	limit := g.limit
	if prof != nil && prof.RateLimit.PerMinute > 0 {
		limit = ratelimit.Policy{PerMinute: prof.RateLimit.PerMinute, Burst: prof.RateLimit.Burst}
	}
	if err := g.allowUnder(ctx, req.AgentID, limit); err != nil {
		return nil, err
	}

	node, err := g.ledger.GetNode(req.AgentID)
	if err != nil {
		g.deny(ctx, req.AgentID, "", "agent_not_registered")
		return nil, ErrAccessDenied
	}

	if prof != nil {
		if err := g.enforceProfile(ctx, prof, node); err != nil {
			return nil, err
		}
		if len(prof.AllowedModes) > 0 {
			modes := make([]token.Mode, 0, len(prof.AllowedModes))
			for _, m := range prof.AllowedModes {
				modes = append(modes, token.Mode(m))
			}
			req.Permissions.AllowedModes = modes
		}
	}

	exprs := make([]string, 0, 2)
	if prof != nil && prof.RequirementExpr != "" {
		exprs = append(exprs, prof.RequirementExpr)
	}
	if req.RequirementExpr != "" {
		exprs = append(exprs, req.RequirementExpr)
	}
	if len(exprs) > 0 {
		if g.policies == nil {
			// A requirement with no engine to evaluate it fails closed.
			g.deny(ctx, req.AgentID, "", "requirement_not_met")
			return nil, ErrAccessDenied
		}
		breakdown, err := g.ledger.CalculateTrust(req.AgentID)
		if err != nil {
			g.deny(ctx, req.AgentID, "", "agent_not_registered")
			return nil, ErrAccessDenied
		}
		for _, expr := range exprs {
			ok, err := g.policies.Evaluate(expr, node, breakdown)
			if err != nil || !ok {
				g.deny(ctx, req.AgentID, "", "requirement_not_met")
				return nil, ErrAccessDenied
			}
		}
	}

	ttl := time.Duration(req.TTLHours) * time.Hour
	tok, semanticKey, err := g.tokens.IssueToken(ctx, req.AgentID, req.Capabilities, req.Permissions, ttl)
	if err != nil {
		return nil, err
	}

	return &IssueTokenResponse{
		TokenID:     tok.TokenID,
		ExpiresAt:   tok.ExpiresAt,
		Permissions: tok.Permissions,
		SemanticKey: semanticKey,
	}, nil
}

// ValidateToken checks a token against a capability and mode. The
// result's Reason is an internal code intended for the dispatcher's
// logs; the uniform Message is what belongs on the wire.
func (g *Gateway) ValidateToken(ctx context.Context, tokenID, capabilityID string, mode token.Mode) (token.ValidationResult, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if tokenID == "" {
		return token.ValidationResult{}, invalid("token_id", "must not be empty")
	}
	if capabilityID == "" {
		return token.ValidationResult{}, invalid("capability_id", "must not be empty")
	}

	res := g.tokens.ValidateToken(ctx, tokenID, capabilityID, mode)
	if !res.Valid {
		g.deny(ctx, "", tokenID, res.Reason)
	}
	return res, nil
}

// RevokeToken revokes a token id. Revoking an unknown id still records
// the revocation and reports false.
func (g *Gateway) RevokeToken(ctx context.Context, tokenID, reason string) (bool, error) {
	start := time.Now()
	defer g.observe(ctx, start)

	if tokenID == "" {
		return false, invalid("token_id", "must not be empty")
	}
	return g.tokens.RevokeToken(ctx, tokenID, reason), nil
}
