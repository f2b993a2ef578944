// Package gateway is the boundary facade the dispatcher layer calls
// into. It wires the trust ledger, token service, handshake coordinator
// and semantic codec behind transport-agnostic operations, applying
// per-agent rate limits and uniform denial phrasing at the edge.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/audit"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/config"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/handshake"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/observability"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/policy"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/ratelimit"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/semantic"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/token"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/trust"
)

// ErrAccessDenied is the uniform external failure for every auth-shaped
// rejection. The specific cause is audited, never returned, so callers
// cannot use the edge as an oracle for token or proof guessing.
var ErrAccessDenied = errors.New("access denied")

// ErrRateLimited is returned when an agent exceeds its request budget.
var ErrRateLimited = errors.New("rate limited")

// ValidationError reports malformed or missing input. Unlike auth
// failures it is safe to expose in full detail.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

func invalid(field, detail string) *ValidationError {
	return &ValidationError{Field: field, Detail: detail}
}

// Gateway exposes the boundary operations. All state lives in the
// injected services; the gateway itself is stateless apart from the
// request limiter.
type Gateway struct {
	ledger    *trust.Ledger
	tokens    *token.Service
	handshake *handshake.Coordinator
	codec     *semantic.Codec
	policies  *policy.Engine
	profiles  map[string]*config.TrustProfile
	limiter   ratelimit.Store
	limit     ratelimit.Policy
	audit     audit.Sink
	obs       *observability.Provider
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPolicyEngine enables CEL requirement checks on token issuance.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(g *Gateway) { g.policies = e }
}

// WithProfiles registers named trust profiles. Requests that name a
// profile get its requirement expression, trust floors, mode grants
// and rate-limit policy applied on top of the request's own fields.
func WithProfiles(profiles map[string]*config.TrustProfile) Option {
	return func(g *Gateway) { g.profiles = profiles }
}

// WithRequestLimit replaces the default per-agent request limiter.
func WithRequestLimit(store ratelimit.Store, p ratelimit.Policy) Option {
	return func(g *Gateway) {
		g.limiter = store
		g.limit = p
	}
}

// WithAuditSink routes denial events to sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(g *Gateway) { g.audit = sink }
}

// WithObservability records request and denial metrics on p.
func WithObservability(p *observability.Provider) Option {
	return func(g *Gateway) { g.obs = p }
}

// WithLogger replaces the default logger.
func WithLogger(lg *slog.Logger) Option {
	return func(g *Gateway) { g.logger = lg.With("component", "gateway") }
}

// New constructs a Gateway over the core services. All four are
// required.
func New(ledger *trust.Ledger, tokens *token.Service, hs *handshake.Coordinator, codec *semantic.Codec, opts ...Option) (*Gateway, error) {
	if ledger == nil || tokens == nil || hs == nil || codec == nil {
		return nil, errors.New("gateway: all core services are required")
	}
	g := &Gateway{
		ledger:    ledger,
		tokens:    tokens,
		handshake: hs,
		codec:     codec,
		limiter:   ratelimit.NewMemoryStore(),
		limit:     ratelimit.Policy{PerMinute: 120, Burst: 40},
		audit:     audit.NopSink{},
		logger:    slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// allow consumes one request slot for the agent under the default
// request policy.
func (g *Gateway) allow(ctx context.Context, agentID string) error {
	return g.allowUnder(ctx, agentID, g.limit)
}

func (g *Gateway) allowUnder(ctx context.Context, agentID string, p ratelimit.Policy) error {
	ok, err := g.limiter.Allow(ctx, agentID, p, 1)
	if err != nil {
		// A broken limiter backend fails closed.
		g.logger.ErrorContext(ctx, "limiter error", "agent_id", agentID, "error", err)
		return ErrRateLimited
	}
	if !ok {
		g.deny(ctx, agentID, "", "rate_limited")
		return ErrRateLimited
	}
	return nil
}

// deny audits and counts a rejection without exposing its cause.
func (g *Gateway) deny(ctx context.Context, agentID, target, reason string) {
	g.audit.Record(ctx, audit.Event{
		Actor:   agentID,
		Action:  "gateway.request",
		Target:  target,
		Outcome: "denied",
		Detail:  reason,
	})
	if g.obs != nil {
		g.obs.RecordDenial(ctx, reason)
	}
}

// profile resolves a named trust profile. An empty name means no
// profile; an unknown one is the caller's mistake, not an auth secret.
func (g *Gateway) profile(name string) (*config.TrustProfile, error) {
	if name == "" {
		return nil, nil
	}
	p, ok := g.profiles[name]
	if !ok {
		return nil, invalid("profile", fmt.Sprintf("unknown trust profile %q", name))
	}
	return p, nil
}

// enforceProfile checks the profile's trust floors against the agent.
// Failures are audited with their cause and surface as the uniform
// denial.
func (g *Gateway) enforceProfile(ctx context.Context, p *config.TrustProfile, node *trust.TrustNode) error {
	req := trust.Requirements{}
	if p.MinTrustScore > 0 {
		req.MinTrust = &p.MinTrustScore
	}
	if p.MinLevel != "" {
		level := trust.ReputationLevel(p.MinLevel)
		req.MinLevel = &level
	}
	if p.MinEndorsements > 0 {
		req.MinEndorsements = &p.MinEndorsements
	}
	ok, _, err := g.ledger.MeetsRequirements(node.AgentID, req)
	if err != nil {
		g.deny(ctx, node.AgentID, p.Name, "agent_not_registered")
		return ErrAccessDenied
	}
	if !ok {
		g.deny(ctx, node.AgentID, p.Name, "profile_requirement_not_met")
		return ErrAccessDenied
	}
	if len(node.Violations) > p.MaxViolations {
		g.deny(ctx, node.AgentID, p.Name, "profile_violation_budget_exceeded")
		return ErrAccessDenied
	}
	return nil
}

func (g *Gateway) observe(ctx context.Context, start time.Time) {
	if g.obs != nil {
		g.obs.RecordRequest(ctx)
		g.obs.RecordDuration(ctx, time.Since(start))
	}
}
