package token

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
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/canonicalize"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/sigcrypto"
)

var (
	// ErrTokenNotFound is returned by usage recording for unknown tokens.
	ErrTokenNotFound = errors.New("token: not found")
)

// Clock provides the service's notion of time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// usageWindow is a fixed one-hour bucket, reset on first use after expiry.
// Deliberately not a true sliding window.
type usageWindow struct {
	start time.Time
	count int
}

// entry pairs a token with its usage window and lock.
type entry struct {
	mu    sync.Mutex
	tok   CapabilityToken
	usage usageWindow
}

// Config holds the secret material and knobs for a Service.
type Config struct {
	// SigningSecret keys the HMAC over the canonical token payload.
	SigningSecret []byte
	// SemanticSalt feeds semantic key derivation; never leaves the service.
	SemanticSalt []byte
	// DefaultTTL applies when issuance passes a zero ttl.
	DefaultTTL time.Duration
}

// Service is the capability token authority.
type Service struct {
	mu      sync.RWMutex // guards the maps, not entry contents
	entries map[string]*entry
	revoked map[string]string // token_id -> revocation reason, never purged

	signer *sigcrypto.HMACSigner
	salt   []byte
	ttl    time.Duration

	clock  Clock
	logger *slog.Logger
	sink   audit.Sink

	validations metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(s *Service) {
		if lg != nil {
			s.logger = lg
		}
	}
}

func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// NewService validates secret material up front: a missing or weak signing
// secret or semantic salt is a startup failure, never a per-request one.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	signer, err := sigcrypto.NewHMACSigner(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}
	if len(cfg.SemanticSalt) < sigcrypto.MinSecretLen {
		return nil, fmt.Errorf("token service: %w", sigcrypto.ErrWeakSecret)
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	meter := otel.Meter("cap402/token")
	validations, _ := meter.Int64Counter("token.validations",
		metric.WithDescription("Token validation outcomes by reason"))

	s := &Service{
		entries:     make(map[string]*entry),
		revoked:     make(map[string]string),
		signer:      signer,
		salt:        append([]byte(nil), cfg.SemanticSalt...),
		ttl:         ttl,
		clock:       wallClock{},
		logger:      slog.Default().With("component", "token"),
		sink:        audit.NopSink{},
		validations: validations,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueToken mints a signed capability token for agentID. The partial
// permission set is merged over defaults. Returns the token together with
// its derived semantic key; the key is handed out exactly once here.
func (s *Service) IssueToken(ctx context.Context, agentID string, capabilities []string, patch PermissionsPatch, ttl time.Duration) (*CapabilityToken, string, error) {
	if agentID == "" {
		return nil, "", fmt.Errorf("token: empty agent id")
	}
	if len(capabilities) == 0 {
		return nil, "", fmt.Errorf("token: no capabilities requested")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.clock.Now().UTC()
	tok := CapabilityToken{
		TokenID:      "tok_" + uuid.NewString(),
		AgentID:      agentID,
		Capabilities: append([]string(nil), capabilities...),
		Permissions:  patch.apply(DefaultPermissions()),
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Nonce:        uuid.NewString(),
	}

	sig, err := s.sign(&tok)
	if err != nil {
		return nil, "", err
	}
	tok.Signature = sig

	key, err := sigcrypto.DeriveSemanticKey(tok.TokenID, tok.AgentID, tok.Nonce, s.salt)
	if err != nil {
		return nil, "", fmt.Errorf("token: %w", err)
	}

	s.mu.Lock()
	s.entries[tok.TokenID] = &entry{tok: tok}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "token issued",
		"token_id", tok.TokenID, "agent_id", agentID,
		"capabilities", len(tok.Capabilities), "expires_at", tok.ExpiresAt)
	s.sink.Record(ctx, audit.Event{
		Actor: agentID, Action: "token.issue", Target: tok.TokenID, Outcome: "ok",
	})

	issued := tok
	return &issued, key, nil
}

// ValidateToken runs the full check sequence. Each failure carries a
// distinct internal reason; check order is fixed so audits are
// deterministic: revoked, not found, expired, signature, capability,
// mode, quota.
func (s *Service) ValidateToken(ctx context.Context, tokenID, capabilityID string, mode Mode) ValidationResult {
	res := s.validate(tokenID, capabilityID, mode)

	outcome := "ok"
	if !res.Valid {
		outcome = res.Reason
	}
	s.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	s.sink.Record(ctx, audit.Event{
		Action: "token.validate", Target: tokenID, Outcome: outcome, Detail: capabilityID,
	})
	return res
}

func (s *Service) validate(tokenID, capabilityID string, mode Mode) ValidationResult {
	s.mu.RLock()
	_, isRevoked := s.revoked[tokenID]
	e, ok := s.entries[tokenID]
	s.mu.RUnlock()

	if isRevoked {
		return ValidationResult{Reason: ReasonRevoked}
	}
	if !ok {
		return ValidationResult{Reason: ReasonNotFound}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.clock.Now()
	if now.After(e.tok.ExpiresAt) {
		return ValidationResult{Reason: ReasonExpired}
	}

	payload, err := canonicalize.JCS(payloadFor(&e.tok))
	if err != nil || !s.signer.Verify(payload, e.tok.Signature) {
		return ValidationResult{Reason: ReasonBadSignature}
	}

	if !e.tok.Grants(capabilityID) {
		return ValidationResult{Reason: ReasonCapability}
	}
	if !e.tok.Permissions.AllowsMode(mode) {
		return ValidationResult{Reason: ReasonMode}
	}

	used := e.currentUsage(now)
	remaining := e.tok.Permissions.MaxInvocationsPerHour - used
	if remaining <= 0 {
		return ValidationResult{Reason: ReasonQuotaExceeded}
	}

	perms := e.tok.Permissions
	return ValidationResult{
		Valid:                true,
		Permissions:          &perms,
		RemainingInvocations: remaining,
	}
}

// currentUsage returns the count within the active window, resetting the
// bucket if more than an hour has elapsed since its start. Caller holds
// the entry lock.
func (e *entry) currentUsage(now time.Time) int {
	if e.usage.start.IsZero() || now.Sub(e.usage.start) > time.Hour {
		e.usage = usageWindow{start: now}
	}
	return e.usage.count
}

// RecordUsage counts one invocation against the token's current hour
// bucket.
func (s *Service) RecordUsage(ctx context.Context, tokenID string) error {
	s.mu.RLock()
	e, ok := s.entries[tokenID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, tokenID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := s.clock.Now()
	e.currentUsage(now)
	e.usage.count++
	return nil
}

// RevokeToken permanently revokes tokenID. The id lands in the revoked set
// even if the token was never issued here, so a re-inserted id can never
// validate again.
func (s *Service) RevokeToken(ctx context.Context, tokenID, reason string) bool {
	if tokenID == "" {
		return false
	}

	s.mu.Lock()
	_, existed := s.entries[tokenID]
	delete(s.entries, tokenID)
	s.revoked[tokenID] = reason
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "token revoked",
		"token_id", tokenID, "reason", reason, "was_active", existed)
	s.sink.Record(ctx, audit.Event{
		Action: "token.revoke", Target: tokenID, Outcome: "ok", Detail: reason,
	})
	return existed
}

// RevokeAllAgentTokens revokes every active token belonging to agentID and
// returns how many were revoked.
func (s *Service) RevokeAllAgentTokens(ctx context.Context, agentID, reason string) int {
	s.mu.Lock()
	var ids []string
	for id, e := range s.entries {
		if e.tok.AgentID == agentID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.entries, id)
		s.revoked[id] = reason
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		s.logger.InfoContext(ctx, "agent tokens revoked",
			"agent_id", agentID, "count", len(ids), "reason", reason)
		s.sink.Record(ctx, audit.Event{
			Actor: agentID, Action: "token.revoke_all", Outcome: "ok", Detail: reason,
		})
	}
	return len(ids)
}

// GenerateSemanticKey re-derives the semantic key for a token. Only the
// service holds the salt, so holders of a token cannot recompute the key
// themselves.
func (s *Service) GenerateSemanticKey(tok *CapabilityToken) (string, error) {
	if tok == nil {
		return "", fmt.Errorf("token: nil token")
	}
	return sigcrypto.DeriveSemanticKey(tok.TokenID, tok.AgentID, tok.Nonce, s.salt)
}

// GetToken returns a copy of an active token.
func (s *Service) GetToken(tokenID string) (*CapabilityToken, bool) {
	s.mu.RLock()
	e, ok := s.entries[tokenID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	tok := e.tok
	e.mu.Unlock()
	return &tok, true
}

// RestoreToken reinstalls a persisted token. The signature is verified
// against the current signing secret before the token is accepted, so a
// snapshot from a different secret cannot smuggle tokens in.
func (s *Service) RestoreToken(ctx context.Context, tok *CapabilityToken) error {
	if tok == nil || tok.TokenID == "" {
		return fmt.Errorf("token: empty restore token")
	}
	want, err := s.sign(tok)
	if err != nil {
		return err
	}
	if !sigcrypto.ConstantTimeEqual(want, tok.Signature) {
		return fmt.Errorf("token: restore signature mismatch for %s", tok.TokenID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[tok.TokenID]; exists {
		return fmt.Errorf("token: %s already active", tok.TokenID)
	}
	s.entries[tok.TokenID] = &entry{tok: *tok}
	s.logger.InfoContext(ctx, "token restored", "token_id", tok.TokenID, "agent_id", tok.AgentID)
	return nil
}

// RestoreRevocation reinstalls a persisted revocation.
func (s *Service) RestoreRevocation(tokenID string) {
	if tokenID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[tokenID]; !ok {
		s.revoked[tokenID] = "restored"
	}
}

// Tokens returns copies of every active token, for snapshotting.
func (s *Service) Tokens() []*CapabilityToken {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*CapabilityToken, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		tok := e.tok
		e.mu.Unlock()
		out = append(out, &tok)
	}
	return out
}

// Revocations returns every revoked token id, for snapshotting.
func (s *Service) Revocations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.revoked))
	for id := range s.revoked {
		out = append(out, id)
	}
	return out
}

// ActiveCount reports the number of tokens in the active store.
func (s *Service) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Service) sign(tok *CapabilityToken) (string, error) {
	payload, err := canonicalize.JCS(payloadFor(tok))
	if err != nil {
		return "", fmt.Errorf("token: canonical payload: %w", err)
	}
	return s.signer.Sign(payload), nil
}
