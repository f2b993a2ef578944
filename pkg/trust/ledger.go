package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/sigcrypto"
)

// Score constants governing the ledger's arithmetic.
const (
	initialScore         = 10
	activitySuccessDelta = 0.1
	activityFailureDelta = -0.5
	endorserMinScore     = 50
	endorsementWeightCap = 5
	activityBonusCap     = 10
	activityWindow       = 7 * 24 * time.Hour
	violationHalfLifeDiv = 30.0 // days divisor in exp(-days/30)
	inactivityDecayRate  = 0.01 // fraction of base score lost per idle day
)

var (
	// ErrAlreadyRegistered is returned when an agent registers twice.
	// Registration is deliberately not idempotent: a duplicate register is
	// treated as a caller bug, not a refresh.
	ErrAlreadyRegistered = errors.New("trust: agent already registered")

	// ErrUnknownAgent is returned for operations on unregistered agents.
	ErrUnknownAgent = errors.New("trust: agent not registered")
)

// Clock provides the ledger's notion of time. Tests inject a fixed clock
// to exercise decay windows deterministically.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// node pairs a TrustNode with its own lock so concurrent mutations of
// different agents never contend.
type node struct {
	mu sync.Mutex
	n  TrustNode
}

// Ledger is the process-lifetime reputation store.
type Ledger struct {
	mu     sync.RWMutex // guards the map itself, not node contents
	nodes  map[string]*node
	clock  Clock
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects an alternative time source.
func WithClock(c Clock) Option {
	return func(l *Ledger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger injects a structured logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		nodes:  make(map[string]*node),
		clock:  wallClock{},
		logger: slog.Default().With("component", "trust"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterAgent creates a TrustNode for agentID at the newcomer baseline.
func (l *Ledger) RegisterAgent(ctx context.Context, agentID string) (*TrustNode, error) {
	if agentID == "" {
		return nil, fmt.Errorf("trust: empty agent id")
	}

	now := l.clock.Now().UTC()

	l.mu.Lock()
	if _, exists := l.nodes[agentID]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, agentID)
	}
	nd := &node{n: TrustNode{
		AgentID:            agentID,
		TrustScore:         initialScore,
		ReputationLevel:    LevelNewcomer,
		NetworkConnections: make(map[string]struct{}),
		JoinedAt:           now,
		LastActivity:       now,
	}}
	l.nodes[agentID] = nd
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "agent registered", "agent_id", agentID)
	snap := cloneNode(&nd.n)
	return &snap, nil
}

// RecordActivity appends an activity record and nudges the stored score:
// +0.1 on success, -0.5 on failure, clamped to [0,100]. The history ring
// is capped; the oldest record is evicted beyond the cap.
func (l *Ledger) RecordActivity(ctx context.Context, agentID, activityType string, success bool, capabilityID string) error {
	nd, err := l.lookup(agentID)
	if err != nil {
		return err
	}
	now := l.clock.Now().UTC()

	nd.mu.Lock()
	defer nd.mu.Unlock()

	nd.n.ActivityHistory = append(nd.n.ActivityHistory, ActivityRecord{
		Type:         activityType,
		CapabilityID: capabilityID,
		Success:      success,
		Timestamp:    now,
	})
	if len(nd.n.ActivityHistory) > maxActivityHistory {
		nd.n.ActivityHistory = nd.n.ActivityHistory[len(nd.n.ActivityHistory)-maxActivityHistory:]
	}
	nd.n.LastActivity = now

	delta := activitySuccessDelta
	if !success {
		delta = activityFailureDelta
	}
	nd.n.TrustScore = clampScore(nd.n.TrustScore + delta)
	nd.n.ReputationLevel = LevelForScore(nd.n.TrustScore)
	return nil
}

// AddEndorsement records an endorsement from one agent to another. It
// reports false without error when the endorsement is disallowed: unknown
// agents, self-endorsement, endorser below the score floor, or a duplicate
// from the same endorser.
func (l *Ledger) AddEndorsement(ctx context.Context, fromAgent, toAgent, reason string) (bool, error) {
	if fromAgent == toAgent {
		return false, nil
	}
	from, err := l.lookup(fromAgent)
	if err != nil {
		return false, nil
	}
	to, err := l.lookup(toAgent)
	if err != nil {
		return false, nil
	}

	// Lock both nodes in a stable order so concurrent A→B and B→A
	// endorsements cannot deadlock.
	first, second := from, to
	if fromAgent > toAgent {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if from.n.TrustScore < endorserMinScore {
		return false, nil
	}
	for _, e := range to.n.Endorsements {
		if e.FromAgent == fromAgent {
			return false, nil
		}
	}

	now := l.clock.Now().UTC()
	weight := (from.n.TrustScore / 100) * endorsementWeightCap
	endorsement := Endorsement{
		FromAgent:   fromAgent,
		TrustWeight: weight,
		Timestamp:   now,
		Reason:      reason,
		Signature: sigcrypto.HashFields(
			fromAgent, toAgent, now.Format(time.RFC3339Nano), reason,
		),
	}

	to.n.Endorsements = append(to.n.Endorsements, endorsement)
	to.n.TrustScore = clampScore(to.n.TrustScore + weight)
	to.n.ReputationLevel = LevelForScore(to.n.TrustScore)

	to.n.NetworkConnections[fromAgent] = struct{}{}
	from.n.NetworkConnections[toAgent] = struct{}{}

	l.logger.InfoContext(ctx, "endorsement recorded",
		"from", fromAgent, "to", toAgent, "weight", weight)
	return true, nil
}

// RecordViolation appends a violation and reduces the stored score by the
// type's fixed severity, clamped at zero.
func (l *Ledger) RecordViolation(ctx context.Context, agentID string, vtype ViolationType, details string) error {
	nd, err := l.lookup(agentID)
	if err != nil {
		return err
	}
	now := l.clock.Now().UTC()
	severity := SeverityFor(vtype)

	nd.mu.Lock()
	defer nd.mu.Unlock()

	nd.n.Violations = append(nd.n.Violations, Violation{
		Type:      vtype,
		Severity:  severity,
		Timestamp: now,
		Details:   details,
	})
	nd.n.TrustScore = clampScore(nd.n.TrustScore - severity)
	nd.n.ReputationLevel = LevelForScore(nd.n.TrustScore)

	l.logger.WarnContext(ctx, "violation recorded",
		"agent_id", agentID, "type", string(vtype), "severity", severity)
	return nil
}

// CalculateTrust computes the full trust breakdown for an agent. It is a
// pure function over stored state and the ledger clock; it never mutates
// the node.
func (l *Ledger) CalculateTrust(agentID string) (*Breakdown, error) {
	nd, err := l.lookup(agentID)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	nd.mu.Lock()
	defer nd.mu.Unlock()

	b := calculate(&nd.n, now)
	return &b, nil
}

func calculate(n *TrustNode, now time.Time) Breakdown {
	base := n.TrustScore

	successCount := 0
	cutoff := now.Add(-activityWindow)
	for _, a := range n.ActivityHistory {
		if a.Success && a.Timestamp.After(cutoff) {
			successCount++
		}
	}
	activityBonus := math.Min(activityBonusCap, 0.5*float64(successCount))

	endorsementBonus := 0.0
	for _, e := range n.Endorsements {
		endorsementBonus += e.TrustWeight
	}

	violationPenalty := 0.0
	for _, v := range n.Violations {
		days := now.Sub(v.Timestamp).Hours() / 24
		if days < 0 {
			days = 0
		}
		violationPenalty += v.Severity * math.Exp(-days/violationHalfLifeDiv)
	}

	idleDays := now.Sub(n.LastActivity).Hours() / 24
	if idleDays < 0 {
		idleDays = 0
	}
	decayPenalty := idleDays * inactivityDecayRate * base

	final := clampScore(base + activityBonus + endorsementBonus - violationPenalty - decayPenalty)

	return Breakdown{
		BaseScore:        base,
		ActivityBonus:    activityBonus,
		EndorsementBonus: endorsementBonus,
		ViolationPenalty: violationPenalty,
		DecayPenalty:     decayPenalty,
		FinalScore:       final,
		Level:            LevelForScore(final),
	}
}

// MeetsRequirements evaluates the dispatcher's gating requirements and
// returns the list of unmet reasons alongside the verdict.
func (l *Ledger) MeetsRequirements(agentID string, req Requirements) (bool, []string, error) {
	nd, err := l.lookup(agentID)
	if err != nil {
		return false, nil, err
	}
	now := l.clock.Now()

	nd.mu.Lock()
	b := calculate(&nd.n, now)
	endorsements := len(nd.n.Endorsements)
	activities := len(nd.n.ActivityHistory)
	nd.mu.Unlock()

	var unmet []string
	if req.MinTrust != nil && b.FinalScore < *req.MinTrust {
		unmet = append(unmet, fmt.Sprintf("trust score %.2f below required %.2f", b.FinalScore, *req.MinTrust))
	}
	if req.MinLevel != nil && levelRank(b.Level) < levelRank(*req.MinLevel) {
		unmet = append(unmet, fmt.Sprintf("reputation level %s below required %s", b.Level, *req.MinLevel))
	}
	if req.MinEndorsements != nil && endorsements < *req.MinEndorsements {
		unmet = append(unmet, fmt.Sprintf("endorsements %d below required %d", endorsements, *req.MinEndorsements))
	}
	if req.MinActivities != nil && activities < *req.MinActivities {
		unmet = append(unmet, fmt.Sprintf("activities %d below required %d", activities, *req.MinActivities))
	}
	return len(unmet) == 0, unmet, nil
}

// GetNode returns a copy of the agent's trust node.
func (l *Ledger) GetNode(agentID string) (*TrustNode, error) {
	nd, err := l.lookup(agentID)
	if err != nil {
		return nil, err
	}
	nd.mu.Lock()
	defer nd.mu.Unlock()
	snap := cloneNode(&nd.n)
	return &snap, nil
}

// RestoreNode installs a previously persisted node verbatim, skipping
// the newcomer baseline. Restoring over a live agent is rejected.
func (l *Ledger) RestoreNode(ctx context.Context, n *TrustNode) error {
	if n == nil || n.AgentID == "" {
		return fmt.Errorf("trust: empty restore node")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.nodes[n.AgentID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, n.AgentID)
	}
	snap := cloneNode(n)
	l.nodes[n.AgentID] = &node{n: snap}
	l.logger.InfoContext(ctx, "agent restored", "agent_id", n.AgentID)
	return nil
}

// Agents returns the ids of all registered agents.
func (l *Ledger) Agents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.nodes))
	for id := range l.nodes {
		out = append(out, id)
	}
	return out
}

func (l *Ledger) lookup(agentID string) (*node, error) {
	l.mu.RLock()
	nd, ok := l.nodes[agentID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return nd, nil
}

func cloneNode(n *TrustNode) TrustNode {
	out := *n
	out.Endorsements = append([]Endorsement(nil), n.Endorsements...)
	out.Violations = append([]Violation(nil), n.Violations...)
	out.ActivityHistory = append([]ActivityRecord(nil), n.ActivityHistory...)
	out.NetworkConnections = make(map[string]struct{}, len(n.NetworkConnections))
	for k := range n.NetworkConnections {
		out.NetworkConnections[k] = struct{}{}
	}
	return out
}
