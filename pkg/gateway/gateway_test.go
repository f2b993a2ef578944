package gateway_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/config"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/gateway"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/handshake"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/policy"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/ratelimit"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/semantic"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/token"
	"github.com/TheQuantumChronicle/cap402-sub004/pkg/trust"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	gw     *gateway.Gateway
	ledger *trust.Ledger
	tokens *token.Service
	hs     *handshake.Coordinator
}

func newFixture(t *testing.T, opts ...gateway.Option) *fixture {
	t.Helper()
	ledger := trust.NewLedger()
	tokens, err := token.NewService(token.Config{
		SigningSecret: []byte(testSecret),
		SemanticSalt:  []byte("gateway-test-salt-0123456789abcdef"),
	})
	require.NoError(t, err)
	hs := handshake.NewCoordinator()
	codec := semantic.NewCodec()

	gw, err := gateway.New(ledger, tokens, hs, codec, opts...)
	require.NoError(t, err)
	return &fixture{gw: gw, ledger: ledger, tokens: tokens, hs: hs}
}

func TestNewRequiresAllServices(t *testing.T) {
	_, err := gateway.New(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestRegisterAndGetTrust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 10.0, reg.TrustScore)
	assert.Equal(t, trust.LevelNewcomer, reg.ReputationLevel)

	// Double registration is a validation error, not an auth denial.
	_, err = f.gw.RegisterTrust(ctx, "agent-a")
	var verr *gateway.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "agent_id", verr.Field)

	sum, err := f.gw.GetTrust(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, trust.LevelNewcomer, sum.ReputationLevel)
	assert.Zero(t, sum.EndorsementsCount)
}

func TestGetTrustUnknownAgentIsUniformDenial(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.GetTrust(context.Background(), "ghost")
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)
}

func TestEndorseLowTrustEndorserRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)
	_, err = f.gw.RegisterTrust(ctx, "agent-b")
	require.NoError(t, err)

	// Fresh agents start at score 10, below the endorser floor.
	ok, err := f.gw.Endorse(ctx, "agent-a", "agent-b", "good peer")
	require.NoError(t, err)
	assert.False(t, ok)

	sum, err := f.gw.GetTrust(ctx, "agent-b")
	require.NoError(t, err)
	assert.Zero(t, sum.EndorsementsCount)
}

func TestIssueValidateRevokeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	resp, err := f.gw.IssueToken(ctx, gateway.IssueTokenRequest{
		AgentID:      "agent-a",
		Capabilities: []string{"price_query"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.TokenID, "tok_"))
	assert.NotEmpty(t, resp.SemanticKey)

	res, err := f.gw.ValidateToken(ctx, resp.TokenID, "price_query", token.ModePublic)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	revoked, err := f.gw.RevokeToken(ctx, resp.TokenID, "compromised")
	require.NoError(t, err)
	assert.True(t, revoked)

	res, err = f.gw.ValidateToken(ctx, resp.TokenID, "price_query", token.ModePublic)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, token.ReasonRevoked, res.Reason)
}

func TestIssueTokenUnregisteredAgentDenied(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.IssueToken(context.Background(), gateway.IssueTokenRequest{
		AgentID:      "ghost",
		Capabilities: []string{"price_query"},
	})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)
}

func TestIssueTokenRequirementExprFailClosed(t *testing.T) {
	engine, err := policy.NewEngine()
	require.NoError(t, err)
	f := newFixture(t, gateway.WithPolicyEngine(engine))
	ctx := context.Background()
	_, err = f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	// Fresh agent scores 10; the expression requires 75.
	_, err = f.gw.IssueToken(ctx, gateway.IssueTokenRequest{
		AgentID:         "agent-a",
		Capabilities:    []string{"swap_execute"},
		RequirementExpr: "trust.final_score >= 75.0",
	})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)

	// A malformed expression also denies.
	_, err = f.gw.IssueToken(ctx, gateway.IssueTokenRequest{
		AgentID:         "agent-a",
		Capabilities:    []string{"swap_execute"},
		RequirementExpr: "this is not CEL",
	})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)

	// A satisfied expression issues normally.
	resp, err := f.gw.IssueToken(ctx, gateway.IssueTokenRequest{
		AgentID:         "agent-a",
		Capabilities:    []string{"swap_execute"},
		RequirementExpr: "trust.final_score >= 5.0",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.TokenID)
}

func TestHandshakeThroughGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	resp, err := f.gw.InitiateHandshake(ctx, "agent-a", "", []handshake.AccessTier{handshake.TierPublic})
	require.NoError(t, err)
	require.NotNil(t, resp.Challenge)

	session, ok := f.hs.GetSession(resp.SessionID)
	require.True(t, ok)

	ch := resp.Challenge
	for {
		res, err := f.gw.RespondHandshake(ctx, handshake.Response{
			ChallengeID: ch.ChallengeID,
			Step:        ch.Step,
			Proof:       strings.Repeat("p", 64),
			Signature:   strings.Repeat("s", 32),
			ContextHash: session.ContextHash,
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		if res.SessionStatus == handshake.StatusCompleted {
			assert.Contains(t, res.GrantedAccess, handshake.TierPublic)
			break
		}
		require.NotNil(t, res.NextChallenge)
		ch = res.NextChallenge
	}

	assert.True(t, f.gw.HasAccess("agent-a", handshake.TierPublic))
}

func TestRespondHandshakeBadProofIsUniformDenial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	resp, err := f.gw.InitiateHandshake(ctx, "agent-a", "", []handshake.AccessTier{handshake.TierPublic})
	require.NoError(t, err)

	session, ok := f.hs.GetSession(resp.SessionID)
	require.True(t, ok)

	res, err := f.gw.RespondHandshake(ctx, handshake.Response{
		ChallengeID: resp.Challenge.ChallengeID,
		Step:        resp.Challenge.Step,
		Proof:       "short",
		Signature:   strings.Repeat("s", 32),
		ContextHash: session.ContextHash,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestRespondUnknownChallengeDenied(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.RespondHandshake(context.Background(), handshake.Response{
		ChallengeID: "ch_missing",
		Step:        1,
		Proof:       strings.Repeat("p", 64),
		Signature:   strings.Repeat("s", 32),
	})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)
}

func TestEncryptDecryptThroughGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	issued, err := f.gw.IssueToken(ctx, gateway.IssueTokenRequest{
		AgentID:      "agent-a",
		Capabilities: []string{"price_query"},
	})
	require.NoError(t, err)

	sem := &semantic.Semantics{
		ActionType: "price_query",
		Parameters: map[string]any{"pair": "SOL/USDC"},
	}
	payload, err := f.gw.EncryptPayload(ctx, sem, issued.SemanticKey)
	require.NoError(t, err)

	got, err := f.gw.DecryptPayload(ctx, payload, issued.SemanticKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "price_query", got.ActionType)

	// Wrong key: nil semantics, nil error.
	got, err = f.gw.DecryptPayload(ctx, payload, "wrong-key")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var verr *gateway.ValidationError
	_, err := f.gw.RegisterTrust(ctx, "")
	assert.ErrorAs(t, err, &verr)

	_, err = f.gw.IssueToken(ctx, gateway.IssueTokenRequest{AgentID: "a"})
	assert.ErrorAs(t, err, &verr)

	_, err = f.gw.ValidateToken(ctx, "", "cap", token.ModePublic)
	assert.ErrorAs(t, err, &verr)

	_, err = f.gw.InitiateHandshake(ctx, "a", "", nil)
	assert.ErrorAs(t, err, &verr)

	_, err = f.gw.EncryptPayload(ctx, nil, "key")
	assert.ErrorAs(t, err, &verr)
}

func TestPerAgentRateLimit(t *testing.T) {
	f := newFixture(t, gateway.WithRequestLimit(
		ratelimit.NewMemoryStore(),
		ratelimit.Policy{PerMinute: 1, Burst: 1},
	))
	ctx := context.Background()

	_, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	_, err = f.gw.RegisterTrust(ctx, "agent-a")
	assert.ErrorIs(t, err, gateway.ErrRateLimited)
}

func testProfiles() map[string]*config.TrustProfile {
	return map[string]*config.TrustProfile{
		"open": {
			Name:         "open",
			AllowedModes: []string{"public", "confidential"},
		},
		"veteran-only": {
			Name:          "veteran-only",
			MinTrustScore: 60,
		},
		"strict-handshake": {
			Name: "strict-handshake",
			Handshake: config.HandshakeSpec{
				RequireConfidential: true,
				MinSteps:            5,
			},
		},
	}
}

func TestIssueTokenUnknownProfile(t *testing.T) {
	f := newFixture(t, gateway.WithProfiles(testProfiles()))
	ctx := context.Background()
	_, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	_, err = f.gw.IssueToken(ctx, gateway.IssueTokenRequest{
		AgentID:      "agent-a",
		Capabilities: []string{"price_query"},
		Profile:      "no-such-profile",
	})
	var verr *gateway.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "profile", verr.Field)
}

func TestIssueTokenProfileFloorsEnforced(t *testing.T) {
	f := newFixture(t, gateway.WithProfiles(testProfiles()))
	ctx := context.Background()
	_, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	// A fresh agent sits at score 10, well under the veteran floor.
	_, err = f.gw.IssueToken(ctx, gateway.IssueTokenRequest{
		AgentID:      "agent-a",
		Capabilities: []string{"price_query"},
		Profile:      "veteran-only",
	})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)

	// The open profile has no floors and grants confidential mode.
	resp, err := f.gw.IssueToken(ctx, gateway.IssueTokenRequest{
		AgentID:      "agent-a",
		Capabilities: []string{"price_query"},
		Profile:      "open",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]token.Mode{token.ModePublic, token.ModeConfidential},
		resp.Permissions.AllowedModes)

	res, err := f.gw.ValidateToken(ctx, resp.TokenID, "price_query", token.ModeConfidential)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestIssueTokenProfileRequirementExprFailClosed(t *testing.T) {
	engine, err := policy.NewEngine()
	require.NoError(t, err)
	profiles := testProfiles()
	profiles["gated"] = &config.TrustProfile{
		Name:            "gated",
		RequirementExpr: "trust.final_score >= 75.0",
	}
	f := newFixture(t, gateway.WithProfiles(profiles), gateway.WithPolicyEngine(engine))
	ctx := context.Background()
	_, err = f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	_, err = f.gw.IssueToken(ctx, gateway.IssueTokenRequest{
		AgentID:      "agent-a",
		Capabilities: []string{"price_query"},
		Profile:      "gated",
	})
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)
}

func TestInitiateHandshakeProfileStrictness(t *testing.T) {
	f := newFixture(t, gateway.WithProfiles(testProfiles()))
	ctx := context.Background()
	_, err := f.gw.RegisterTrust(ctx, "agent-a")
	require.NoError(t, err)

	// The strict profile refuses public-only requests outright.
	_, err = f.gw.InitiateHandshake(ctx, "agent-a", "strict-handshake",
		[]handshake.AccessTier{handshake.TierPublic})
	var verr *gateway.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "requested_access", verr.Field)

	// With the confidential tier requested, the step floor applies.
	resp, err := f.gw.InitiateHandshake(ctx, "agent-a", "strict-handshake",
		[]handshake.AccessTier{handshake.TierConfidential})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Challenge.TotalSteps)
}
