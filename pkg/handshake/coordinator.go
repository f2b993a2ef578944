package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/audit"
)

var (
	// ErrChallengeNotFound means the challenge id is unknown or already
	// consumed.
	ErrChallengeNotFound = errors.New("handshake: challenge not found")

	// ErrSessionNotActive means the session tied to the challenge is no
	// longer in progress.
	ErrSessionNotActive = errors.New("handshake: session not active")
)

// Failure reasons carried in StepResult for terminal session failures.
const (
	reasonChallengeExpired = "challenge_expired"
	reasonStepMismatch     = "step_mismatch"
	reasonContextMismatch  = "context_mismatch"
	reasonProofRejected    = "proof_rejected"
)

// completedHistoryCap bounds retained completed sessions per agent; the
// oldest grant is evicted first.
const completedHistoryCap = 16

// Clock provides the coordinator's notion of time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type sessionEntry struct {
	mu sync.Mutex
	s  Session
}

// grantRecord is the retained outcome of a completed session.
type grantRecord struct {
	sessionID   string
	granted     []AccessTier
	completedAt time.Time
}

// Coordinator owns handshake sessions and their challenges.
type Coordinator struct {
	mu         sync.RWMutex // guards the maps, not entry contents
	sessions   map[string]*sessionEntry
	challenges map[string]*Challenge // by challenge id, removed once answered
	completed  map[string][]grantRecord

	verifier ProofVerifier
	grants   *GrantIssuer // optional; nil disables portable grants
	clock    Clock
	logger   *slog.Logger
	sink     audit.Sink

	completions metric.Int64Counter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c Clock) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.clock = c
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(co *Coordinator) {
		if lg != nil {
			co.logger = lg
		}
	}
}

func WithAuditSink(sink audit.Sink) Option {
	return func(co *Coordinator) {
		if sink != nil {
			co.sink = sink
		}
	}
}

// WithProofVerifier swaps the default shape-only verifier.
func WithProofVerifier(v ProofVerifier) Option {
	return func(co *Coordinator) {
		if v != nil {
			co.verifier = v
		}
	}
}

// WithGrantIssuer enables signed portable access grants on completion.
func WithGrantIssuer(g *GrantIssuer) Option {
	return func(co *Coordinator) {
		co.grants = g
	}
}

func NewCoordinator(opts ...Option) *Coordinator {
	meter := otel.Meter("cap402/handshake")
	completions, _ := meter.Int64Counter("handshake.sessions",
		metric.WithDescription("Handshake session outcomes"))

	co := &Coordinator{
		sessions:    make(map[string]*sessionEntry),
		challenges:  make(map[string]*Challenge),
		completed:   make(map[string][]grantRecord),
		verifier:    ShapeVerifier{},
		clock:       wallClock{},
		logger:      slog.Default().With("component", "handshake"),
		sink:        audit.NopSink{},
		completions: completions,
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// InitOption tunes a single session at initiation.
type InitOption func(*Session)

// WithStepFloor raises the session's step count to at least n, capped at
// the protocol maximum. Operator policy can demand a stricter handshake
// than the trust context alone would.
func WithStepFloor(n int) InitOption {
	return func(s *Session) {
		if n > s.TotalSteps {
			s.TotalSteps = n
		}
		if s.TotalSteps > maxSteps {
			s.TotalSteps = maxSteps
		}
	}
}

// InitiateHandshake opens a session for agentID against a frozen trust
// context and returns the session with its step-1 challenge.
func (co *Coordinator) InitiateHandshake(ctx context.Context, agentID string, sctx Context, requested []AccessTier, opts ...InitOption) (*Session, *Challenge, error) {
	if agentID == "" || sctx.AgentID != agentID {
		return nil, nil, fmt.Errorf("handshake: context does not belong to agent %q", agentID)
	}

	now := co.clock.Now().UTC()
	sctx.SnapshotUnix = now.Unix()

	ctxHash, err := sctx.Hash()
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: context hash: %w", err)
	}

	s := Session{
		SessionID:       "hs_" + uuid.NewString(),
		AgentID:         agentID,
		RequestedAccess: append([]AccessTier(nil), requested...),
		CurrentStep:     1,
		TotalSteps:      totalStepsFor(&sctx, requested),
		CompletedSteps:  make(map[int]struct{}),
		Context:         sctx,
		ContextHash:     ctxHash,
		Status:          StatusPending,
		StartedAt:       now,
	}
	for _, opt := range opts {
		opt(&s)
	}

	ch := buildChallenge(&s, 1, now)

	co.mu.Lock()
	co.sessions[s.SessionID] = &sessionEntry{s: s}
	co.challenges[ch.ChallengeID] = ch
	co.mu.Unlock()

	co.logger.InfoContext(ctx, "handshake initiated",
		"session_id", s.SessionID, "agent_id", agentID, "total_steps", s.TotalSteps)
	co.sink.Record(ctx, audit.Event{
		Actor: agentID, Action: "handshake.initiate", Target: s.SessionID, Outcome: "ok",
	})

	snap := s
	return &snap, ch, nil
}

// ProcessResponse advances or terminally fails the session a challenge
// belongs to. A missing or consumed challenge is an error without side
// effects; every other failure marks the session failed.
func (co *Coordinator) ProcessResponse(ctx context.Context, resp Response) (*StepResult, error) {
	co.mu.Lock()
	ch, ok := co.challenges[resp.ChallengeID]
	if ok {
		delete(co.challenges, resp.ChallengeID)
	}
	var entry *sessionEntry
	if ok {
		entry = co.sessions[ch.SessionID]
	}
	co.mu.Unlock()

	if !ok {
		return nil, ErrChallengeNotFound
	}
	if entry == nil {
		return nil, ErrSessionNotActive
	}

	now := co.clock.Now().UTC()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	s := &entry.s

	if s.Status != StatusInProgress && s.Status != StatusPending {
		return nil, ErrSessionNotActive
	}
	// The first response moves a pending session in progress, whatever
	// the outcome of the step itself.
	if s.Status == StatusPending {
		s.Status = StatusInProgress
	}

	if now.After(ch.ExpiresAt) {
		return co.failLocked(ctx, s, reasonChallengeExpired), nil
	}
	if ch.Step != s.CurrentStep || resp.Step != ch.Step {
		return co.failLocked(ctx, s, reasonStepMismatch), nil
	}

	// Bind the response to the original session context: recompute the
	// hash of the stored snapshot rather than trusting anything supplied.
	freshHash, err := s.Context.Hash()
	if err != nil || freshHash != s.ContextHash || resp.ContextHash != freshHash {
		return co.failLocked(ctx, s, reasonContextMismatch), nil
	}

	if err := co.verifier.Verify(ctx, ch, &resp, &s.Context); err != nil {
		co.logger.InfoContext(ctx, "handshake proof rejected",
			"session_id", s.SessionID, "step", ch.Step, "error", err)
		return co.failLocked(ctx, s, reasonProofRejected), nil
	}

	s.CompletedSteps[ch.Step] = struct{}{}

	if ch.Step >= s.TotalSteps {
		return co.completeLocked(ctx, s, now)
	}

	s.CurrentStep++
	next := buildChallenge(s, s.CurrentStep, now)
	co.mu.Lock()
	co.challenges[next.ChallengeID] = next
	co.mu.Unlock()

	return &StepResult{
		Success:       true,
		SessionStatus: s.Status,
		NextChallenge: next,
	}, nil
}

// failLocked terminally fails the session. Caller holds the entry lock.
func (co *Coordinator) failLocked(ctx context.Context, s *Session, reason string) *StepResult {
	s.Status = StatusFailed

	co.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", reason)))
	co.sink.Record(ctx, audit.Event{
		Actor: s.AgentID, Action: "handshake.step", Target: s.SessionID,
		Outcome: "failed", Detail: reason,
	})
	return &StepResult{
		Success:       false,
		Reason:        reason,
		SessionStatus: StatusFailed,
	}
}

// completeLocked finishes the session and computes granted tiers. Caller
// holds the entry lock.
func (co *Coordinator) completeLocked(ctx context.Context, s *Session, now time.Time) (*StepResult, error) {
	s.Status = StatusCompleted
	s.CompletedAt = now
	s.GrantedAccess = GrantsFor(len(s.CompletedSteps), s.Context.TrustScore)

	rec := grantRecord{
		sessionID:   s.SessionID,
		granted:     append([]AccessTier(nil), s.GrantedAccess...),
		completedAt: now,
	}
	co.mu.Lock()
	history := append(co.completed[s.AgentID], rec)
	if len(history) > completedHistoryCap {
		history = history[len(history)-completedHistoryCap:]
	}
	co.completed[s.AgentID] = history
	co.mu.Unlock()

	result := &StepResult{
		Success:       true,
		SessionStatus: StatusCompleted,
		GrantedAccess: rec.granted,
	}
	if co.grants != nil {
		grant, err := co.grants.Issue(s.AgentID, s.SessionID, rec.granted)
		if err != nil {
			return nil, fmt.Errorf("handshake: grant issuance: %w", err)
		}
		result.Grant = grant
	}

	co.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	co.logger.InfoContext(ctx, "handshake completed",
		"session_id", s.SessionID, "agent_id", s.AgentID, "granted", len(rec.granted))
	co.sink.Record(ctx, audit.Event{
		Actor: s.AgentID, Action: "handshake.complete", Target: s.SessionID, Outcome: "ok",
	})
	return result, nil
}

// HasAccess reports whether any completed session for agentID granted the
// tier.
func (co *Coordinator) HasAccess(agentID string, tier AccessTier) bool {
	co.mu.RLock()
	defer co.mu.RUnlock()
	for _, rec := range co.completed[agentID] {
		for _, t := range rec.granted {
			if t == tier {
				return true
			}
		}
	}
	return false
}

// GetSession returns a copy of a session.
func (co *Coordinator) GetSession(sessionID string) (*Session, bool) {
	co.mu.RLock()
	entry, ok := co.sessions[sessionID]
	co.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	snap := entry.s
	snap.GrantedAccess = append([]AccessTier(nil), entry.s.GrantedAccess...)
	steps := make(map[int]struct{}, len(entry.s.CompletedSteps))
	for k := range entry.s.CompletedSteps {
		steps[k] = struct{}{}
	}
	snap.CompletedSteps = steps
	entry.mu.Unlock()
	return &snap, true
}

// Sweep drops expired challenges and terminally failed or abandoned
// sessions. Completed grants survive in the bounded per-agent history even
// after their session record is dropped.
func (co *Coordinator) Sweep(ctx context.Context) (challenges, sessions int) {
	now := co.clock.Now()

	co.mu.RLock()
	staleChallenges := make([]string, 0)
	for id, ch := range co.challenges {
		if now.After(ch.ExpiresAt) {
			staleChallenges = append(staleChallenges, id)
		}
	}
	sessionIDs := make([]string, 0, len(co.sessions))
	for id := range co.sessions {
		sessionIDs = append(sessionIDs, id)
	}
	co.mu.RUnlock()

	co.mu.Lock()
	for _, id := range staleChallenges {
		if ch, ok := co.challenges[id]; ok && now.After(ch.ExpiresAt) {
			delete(co.challenges, id)
			challenges++
		}
	}
	co.mu.Unlock()

	for _, id := range sessionIDs {
		co.mu.RLock()
		entry, ok := co.sessions[id]
		co.mu.RUnlock()
		if !ok {
			continue
		}

		entry.mu.Lock()
		status := entry.s.Status
		active := status == StatusInProgress || status == StatusPending
		abandoned := active && now.Sub(entry.s.StartedAt) > time.Hour
		entry.mu.Unlock()

		if status == StatusFailed || status == StatusCompleted || abandoned {
			co.mu.Lock()
			delete(co.sessions, id)
			co.mu.Unlock()
			sessions++
		}
	}

	if challenges > 0 || sessions > 0 {
		co.logger.InfoContext(ctx, "handshake sweep",
			"challenges_dropped", challenges, "sessions_dropped", sessions)
	}
	return challenges, sessions
}

// StartSweeper runs Sweep on the given interval until the returned stop
// function is called or ctx is canceled.
func (co *Coordinator) StartSweeper(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				co.Sweep(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
