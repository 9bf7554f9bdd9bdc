package contracts

import "time"

// TokenConstraints are the extra limits embedded in a capability token.
type TokenConstraints struct {
	AmountMax             *float64 `json:"amount_max,omitempty"`
	Jurisdictions         []string `json:"jurisdictions,omitempty"`
	CounterpartyAllowlist []string `json:"counterparty_allowlist,omitempty"`
	CounterpartyDenylist  []string `json:"counterparty_denylist,omitempty"`
	MaxActions            *int     `json:"max_actions,omitempty"`
	MaxActionsPerHour     *int     `json:"max_actions_per_hour,omitempty"`
}

// CapabilityToken is the stored state of an issued capability token.
// The compact token string itself is returned once at issuance and never
// persisted.
type CapabilityToken struct {
	ID            string           `json:"id"`
	TokenID       string           `json:"token_id"`
	OrgID         string           `json:"org_id"`
	AgentID       string           `json:"agent_id"`
	ManifestID    string           `json:"manifest_id,omitempty"`
	Capabilities  []string         `json:"capabilities"`
	IssuedAt      time.Time        `json:"issued_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	IssuedBy      string           `json:"issued_by"`
	Constraints   TokenConstraints `json:"constraints"`
	MaxActions    *int             `json:"max_actions,omitempty"`
	ActionsUsed   int              `json:"actions_used"`
	Revoked       bool             `json:"revoked"`
	RevokedAt     *time.Time       `json:"revoked_at,omitempty"`
	RevokedReason string           `json:"revoked_reason,omitempty"`
}

// Usable reports whether the token may admit another action at now, with a
// reason code when it may not.
func (t *CapabilityToken) Usable(now time.Time) (bool, ReasonCode) {
	if t.Revoked {
		return false, ReasonTokenRevoked
	}
	if !t.ExpiresAt.After(now) {
		return false, ReasonTokenExpired
	}
	if t.MaxActions != nil && t.ActionsUsed >= *t.MaxActions {
		return false, ReasonTokenExhausted
	}
	return true, ""
}

// IssuerStatus is the lifecycle state of a capability issuer.
type IssuerStatus string

const (
	IssuerActive  IssuerStatus = "active"
	IssuerRevoked IssuerStatus = "revoked"
)

// CapabilityIssuer is an external party whose signed tokens the gateway
// accepts. The gateway itself is the implicit issuer "gateway".
type CapabilityIssuer struct {
	ID        string       `json:"id"`
	OrgID     string       `json:"org_id"`
	IssuerID  string       `json:"issuer_id"`
	Name      string       `json:"name"`
	PublicKey string       `json:"public_key"`
	Status    IssuerStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	RevokedAt *time.Time   `json:"revoked_at,omitempty"`
}

// GatewayIssuerID identifies tokens signed with the gateway's own keypair.
const GatewayIssuerID = "gateway"
