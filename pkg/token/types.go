// Package token issues, validates, and revokes signed capability tokens.
// A token is a time-bounded grant of capability ids, invocation modes, and
// hourly quota to one agent.
package token

import (
	"time"
)

// Mode is an invocation mode a token may permit.
type Mode string

const (
	ModePublic       Mode = "public"
	ModeConfidential Mode = "confidential"
)

// SemanticAccessLevel bounds how much semantic metadata a token holder
// may receive.
type SemanticAccessLevel string

const (
	SemanticBasic    SemanticAccessLevel = "basic"
	SemanticStandard SemanticAccessLevel = "standard"
	SemanticAdvanced SemanticAccessLevel = "advanced"
	SemanticPremium  SemanticAccessLevel = "premium"
)

// CapabilityWildcard grants every capability.
const CapabilityWildcard = "*"

// Permissions bound what a token holder may do.
type Permissions struct {
	CanInvoke             bool                `json:"can_invoke"`
	CanCompose            bool                `json:"can_compose"`
	CanDelegate           bool                `json:"can_delegate"`
	MaxInvocationsPerHour int                 `json:"max_invocations_per_hour"`
	AllowedModes          []Mode              `json:"allowed_modes"`
	SemanticAccessLevel   SemanticAccessLevel `json:"semantic_access_level"`
}

// DefaultPermissions returns the issuance defaults a partial permission
// set is merged over.
func DefaultPermissions() Permissions {
	return Permissions{
		CanInvoke:             true,
		CanCompose:            true,
		CanDelegate:           false,
		MaxInvocationsPerHour: 100,
		AllowedModes:          []Mode{ModePublic},
		SemanticAccessLevel:   SemanticBasic,
	}
}

// PermissionsPatch is a partial permission set; nil fields keep defaults.
type PermissionsPatch struct {
	CanInvoke             *bool
	CanCompose            *bool
	CanDelegate           *bool
	MaxInvocationsPerHour *int
	AllowedModes          []Mode
	SemanticAccessLevel   *SemanticAccessLevel
}

func (p PermissionsPatch) apply(base Permissions) Permissions {
	if p.CanInvoke != nil {
		base.CanInvoke = *p.CanInvoke
	}
	if p.CanCompose != nil {
		base.CanCompose = *p.CanCompose
	}
	if p.CanDelegate != nil {
		base.CanDelegate = *p.CanDelegate
	}
	if p.MaxInvocationsPerHour != nil {
		base.MaxInvocationsPerHour = *p.MaxInvocationsPerHour
	}
	if p.AllowedModes != nil {
		base.AllowedModes = append([]Mode(nil), p.AllowedModes...)
	}
	if p.SemanticAccessLevel != nil {
		base.SemanticAccessLevel = *p.SemanticAccessLevel
	}
	return base
}

// AllowsMode reports whether mode is in the permitted set.
func (p Permissions) AllowsMode(mode Mode) bool {
	for _, m := range p.AllowedModes {
		if m == mode {
			return true
		}
	}
	return false
}

// CapabilityToken is immutable after issuance; revocation is tracked
// externally by the service.
type CapabilityToken struct {
	TokenID      string      `json:"token_id"`
	AgentID      string      `json:"agent_id"`
	Capabilities []string    `json:"capabilities"`
	Permissions  Permissions `json:"permissions"`
	IssuedAt     time.Time   `json:"issued_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	Signature    string      `json:"signature"`
	Nonce        string      `json:"nonce"`
}

// Grants reports whether the token covers capabilityID, honoring the
// wildcard grant.
func (t *CapabilityToken) Grants(capabilityID string) bool {
	for _, c := range t.Capabilities {
		if c == CapabilityWildcard || c == capabilityID {
			return true
		}
	}
	return false
}

// signingPayload is the documented wire format for token signatures.
// Timestamps are unix seconds so the canonical form is independent of any
// timezone or sub-second formatting. The payload is JCS-canonicalized
// (RFC 8785) before signing, making signatures verifiable across
// implementations regardless of field order.
type signingPayload struct {
	TokenID      string      `json:"token_id"`
	AgentID      string      `json:"agent_id"`
	Capabilities []string    `json:"capabilities"`
	Permissions  Permissions `json:"permissions"`
	IssuedAt     int64       `json:"issued_at"`
	ExpiresAt    int64       `json:"expires_at"`
	Nonce        string      `json:"nonce"`
}

func payloadFor(t *CapabilityToken) signingPayload {
	return signingPayload{
		TokenID:      t.TokenID,
		AgentID:      t.AgentID,
		Capabilities: t.Capabilities,
		Permissions:  t.Permissions,
		IssuedAt:     t.IssuedAt.Unix(),
		ExpiresAt:    t.ExpiresAt.Unix(),
		Nonce:        t.Nonce,
	}
}

// Validation failure reasons. These are internal audit detail; the gateway
// collapses them into a uniform external message so validation cannot be
// used as an oracle.
const (
	ReasonRevoked       = "revoked"
	ReasonNotFound      = "not_found"
	ReasonExpired       = "expired"
	ReasonBadSignature  = "signature_mismatch"
	ReasonCapability    = "capability_not_granted"
	ReasonMode          = "mode_not_allowed"
	ReasonQuotaExceeded = "quota_exceeded"
)

// ValidationResult is the outcome of a token validation.
type ValidationResult struct {
	Valid                bool         `json:"valid"`
	Reason               string       `json:"reason,omitempty"`
	Permissions          *Permissions `json:"permissions,omitempty"`
	RemainingInvocations int          `json:"remaining_invocations"`
}
