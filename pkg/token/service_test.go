package token_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() token.Config {
	return token.Config{
		SigningSecret: bytes.Repeat([]byte{0x11}, 32),
		SemanticSalt:  bytes.Repeat([]byte{0x22}, 32),
		DefaultTTL:    time.Hour,
	}
}

func newTestService(t *testing.T, clock token.Clock) *token.Service {
	t.Helper()
	opts := []token.Option{}
	if clock != nil {
		opts = append(opts, token.WithClock(clock))
	}
	svc, err := token.NewService(testConfig(), opts...)
	require.NoError(t, err)
	return svc
}

func TestNewService_RejectsMissingSecrets(t *testing.T) {
	_, err := token.NewService(token.Config{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.SemanticSalt = nil
	_, err = token.NewService(cfg)
	assert.Error(t, err)
}

func TestIssueToken_DefaultsAndKey(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tok, key, err := svc.IssueToken(ctx, "agent-1", []string{"cap.price"}, token.PermissionsPatch{}, 0)
	require.NoError(t, err)

	assert.NotEmpty(t, tok.TokenID)
	assert.NotEmpty(t, tok.Nonce)
	assert.NotEmpty(t, tok.Signature)
	assert.Len(t, key, 64)

	p := tok.Permissions
	assert.True(t, p.CanInvoke)
	assert.True(t, p.CanCompose)
	assert.False(t, p.CanDelegate)
	assert.Equal(t, 100, p.MaxInvocationsPerHour)
	assert.Equal(t, []token.Mode{token.ModePublic}, p.AllowedModes)
	assert.Equal(t, token.SemanticBasic, p.SemanticAccessLevel)

	// The semantic key is re-derivable by the service and deterministic.
	again, err := svc.GenerateSemanticKey(tok)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestIssueToken_PatchMerge(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	delegate := true
	maxInv := 5
	level := token.SemanticAdvanced
	tok, _, err := svc.IssueToken(ctx, "agent-1", []string{"*"}, token.PermissionsPatch{
		CanDelegate:           &delegate,
		MaxInvocationsPerHour: &maxInv,
		AllowedModes:          []token.Mode{token.ModePublic, token.ModeConfidential},
		SemanticAccessLevel:   &level,
	}, 0)
	require.NoError(t, err)

	p := tok.Permissions
	assert.True(t, p.CanDelegate)
	assert.True(t, p.CanInvoke) // default untouched
	assert.Equal(t, 5, p.MaxInvocationsPerHour)
	assert.True(t, p.AllowsMode(token.ModeConfidential))
	assert.Equal(t, token.SemanticAdvanced, p.SemanticAccessLevel)
}

func TestValidateToken_FreshTokenValid(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tok, _, err := svc.IssueToken(ctx, "agent-1", []string{"cap.price"}, token.PermissionsPatch{}, 0)
	require.NoError(t, err)

	res := svc.ValidateToken(ctx, tok.TokenID, "cap.price", token.ModePublic)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)
	require.NotNil(t, res.Permissions)
	assert.Equal(t, 100, res.RemainingInvocations)
}

func TestValidateToken_FailureReasons(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock)
	ctx := context.Background()

	tok, _, err := svc.IssueToken(ctx, "agent-1", []string{"cap.price"}, token.PermissionsPatch{}, time.Hour)
	require.NoError(t, err)

	// Unknown token.
	res := svc.ValidateToken(ctx, "tok_missing", "cap.price", token.ModePublic)
	assert.False(t, res.Valid)
	assert.Equal(t, token.ReasonNotFound, res.Reason)

	// Capability not granted.
	res = svc.ValidateToken(ctx, tok.TokenID, "cap.wallet", token.ModePublic)
	assert.Equal(t, token.ReasonCapability, res.Reason)

	// Mode not allowed.
	res = svc.ValidateToken(ctx, tok.TokenID, "cap.price", token.ModeConfidential)
	assert.Equal(t, token.ReasonMode, res.Reason)

	// Expired (independent of signature correctness).
	clock.Advance(2 * time.Hour)
	res = svc.ValidateToken(ctx, tok.TokenID, "cap.price", token.ModePublic)
	assert.Equal(t, token.ReasonExpired, res.Reason)
}

func TestValidateToken_WildcardCapability(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tok, _, err := svc.IssueToken(ctx, "agent-1", []string{"*"}, token.PermissionsPatch{}, 0)
	require.NoError(t, err)

	res := svc.ValidateToken(ctx, tok.TokenID, "cap.anything", token.ModePublic)
	assert.True(t, res.Valid)
}

func TestRevocation_IsPermanent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tok, _, err := svc.IssueToken(ctx, "agent-1", []string{"cap.price"}, token.PermissionsPatch{}, 0)
	require.NoError(t, err)

	assert.True(t, svc.RevokeToken(ctx, tok.TokenID, "compromised"))

	res := svc.ValidateToken(ctx, tok.TokenID, "cap.price", token.ModePublic)
	assert.False(t, res.Valid)
	assert.Equal(t, token.ReasonRevoked, res.Reason)

	// Revoking an unknown id still blocks it forever.
	assert.False(t, svc.RevokeToken(ctx, "tok_future", "preemptive"))
	res = svc.ValidateToken(ctx, "tok_future", "cap.price", token.ModePublic)
	assert.Equal(t, token.ReasonRevoked, res.Reason)
}

func TestRevokeAllAgentTokens(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := svc.IssueToken(ctx, "agent-1", []string{"cap.price"}, token.PermissionsPatch{}, 0)
		require.NoError(t, err)
	}
	other, _, err := svc.IssueToken(ctx, "agent-2", []string{"cap.price"}, token.PermissionsPatch{}, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, svc.RevokeAllAgentTokens(ctx, "agent-1", "tenant offboarded"))
	assert.Equal(t, 1, svc.ActiveCount())

	res := svc.ValidateToken(ctx, other.TokenID, "cap.price", token.ModePublic)
	assert.True(t, res.Valid)
}

func TestQuota_FixedHourBucket(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock)
	ctx := context.Background()

	maxInv := 3
	tok, _, err := svc.IssueToken(ctx, "agent-1", []string{"cap.price"}, token.PermissionsPatch{
		MaxInvocationsPerHour: &maxInv,
	}, 24*time.Hour)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res := svc.ValidateToken(ctx, tok.TokenID, "cap.price", token.ModePublic)
		require.True(t, res.Valid)
		assert.Equal(t, 3-i, res.RemainingInvocations)
		require.NoError(t, svc.RecordUsage(ctx, tok.TokenID))
	}

	res := svc.ValidateToken(ctx, tok.TokenID, "cap.price", token.ModePublic)
	assert.False(t, res.Valid)
	assert.Equal(t, token.ReasonQuotaExceeded, res.Reason)

	// The bucket resets on first use after the hour has elapsed.
	clock.Advance(61 * time.Minute)
	res = svc.ValidateToken(ctx, tok.TokenID, "cap.price", token.ModePublic)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.RemainingInvocations)
}

func TestRecordUsage_UnknownToken(t *testing.T) {
	svc := newTestService(t, nil)
	err := svc.RecordUsage(context.Background(), "tok_missing")
	assert.ErrorIs(t, err, token.ErrTokenNotFound)
}

func TestSweepExpired(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock)
	ctx := context.Background()

	short, _, err := svc.IssueToken(ctx, "agent-1", []string{"cap.price"}, token.PermissionsPatch{}, 30*time.Minute)
	require.NoError(t, err)
	long, _, err := svc.IssueToken(ctx, "agent-1", []string{"cap.price"}, token.PermissionsPatch{}, 6*time.Hour)
	require.NoError(t, err)
	revoked, _, err := svc.IssueToken(ctx, "agent-1", []string{"cap.price"}, token.PermissionsPatch{}, 30*time.Minute)
	require.NoError(t, err)
	svc.RevokeToken(ctx, revoked.TokenID, "r")

	clock.Advance(time.Hour)
	removed := svc.SweepExpired(ctx)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, svc.ActiveCount())

	// Expired and swept: not found, not "expired". Revoked stays revoked.
	res := svc.ValidateToken(ctx, short.TokenID, "cap.price", token.ModePublic)
	assert.Equal(t, token.ReasonNotFound, res.Reason)
	res = svc.ValidateToken(ctx, revoked.TokenID, "cap.price", token.ModePublic)
	assert.Equal(t, token.ReasonRevoked, res.Reason)
	res = svc.ValidateToken(ctx, long.TokenID, "cap.price", token.ModePublic)
	assert.True(t, res.Valid)
}

func TestRestoreToken(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock)
	ctx := context.Background()

	tok, _, err := svc.IssueToken(ctx, "agent-a", []string{"price_query"}, token.PermissionsPatch{}, time.Hour)
	require.NoError(t, err)

	// A fresh service with the same secret accepts the snapshot.
	restored := newTestService(t, clock)
	require.NoError(t, restored.RestoreToken(ctx, tok))
	res := restored.ValidateToken(ctx, tok.TokenID, "price_query", token.ModePublic)
	assert.True(t, res.Valid)

	// Restoring over a live id is rejected.
	assert.Error(t, restored.RestoreToken(ctx, tok))

	// A tampered snapshot fails signature verification.
	bad := *tok
	bad.TokenID = "tok_forged"
	other := newTestService(t, clock)
	assert.Error(t, other.RestoreToken(ctx, &bad))
}

func TestRestoreRevocationBlocksValidation(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock)
	ctx := context.Background()

	tok, _, err := svc.IssueToken(ctx, "agent-a", []string{"price_query"}, token.PermissionsPatch{}, time.Hour)
	require.NoError(t, err)

	restored := newTestService(t, clock)
	restored.RestoreRevocation(tok.TokenID)
	require.NoError(t, restored.RestoreToken(ctx, tok))

	res := restored.ValidateToken(ctx, tok.TokenID, "price_query", token.ModePublic)
	assert.False(t, res.Valid)
	assert.Equal(t, token.ReasonRevoked, res.Reason)
}
