package handshake

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/sigcrypto"
)

// GrantClaims extends standard JWT claims with the tiers a completed
// handshake granted. The dispatcher verifies grants statelessly instead of
// calling back into the coordinator.
type GrantClaims struct {
	jwt.RegisteredClaims
	SessionID     string       `json:"session_id"`
	GrantedAccess []AccessTier `json:"granted_access"`
}

// GrantIssuer mints and verifies signed access grants.
type GrantIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewGrantIssuer validates the signing secret up front.
func NewGrantIssuer(secret []byte, issuer string, ttl time.Duration) (*GrantIssuer, error) {
	if len(secret) < sigcrypto.MinSecretLen {
		return nil, fmt.Errorf("grant issuer: %w", sigcrypto.ErrWeakSecret)
	}
	if issuer == "" {
		issuer = "cap402/handshake"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &GrantIssuer{
		secret: append([]byte(nil), secret...),
		issuer: issuer,
		ttl:    ttl,
	}, nil
}

// Issue signs a grant for agentID covering the granted tiers.
func (g *GrantIssuer) Issue(agentID, sessionID string, granted []AccessTier) (string, error) {
	now := time.Now().UTC()
	claims := GrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   agentID,
			Issuer:    g.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
		SessionID:     sessionID,
		GrantedAccess: append([]AccessTier(nil), granted...),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("grant signing failed: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a grant string.
func (g *GrantIssuer) Verify(grant string) (*GrantClaims, error) {
	tok, err := jwt.ParseWithClaims(grant, &GrantClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithIssuer(g.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("grant verification failed: %w", err)
	}

	claims, ok := tok.Claims.(*GrantClaims)
	if !ok || !tok.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
