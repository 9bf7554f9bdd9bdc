package contracts

import "time"

// ApprovalStatus is the lifecycle state of a pending human decision.
// Any transition out of pending is terminal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is an escalated action awaiting (or past) a human decision.
// ActionHash is the SHA-256 of the canonicalized action document; the
// override token minted on approve is bound to it.
type Approval struct {
	ID            string         `json:"id"`
	ApprovalID    string         `json:"approval_id"`
	OrgID         string         `json:"org_id"`
	InteractionID string         `json:"interaction_id"`
	UAPKID        string         `json:"uapk_id"`
	AgentID       string         `json:"agent_id"`
	Action        map[string]any `json:"action"`
	Counterparty  string         `json:"counterparty,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	ReasonCodes   []string       `json:"reason_codes"`
	Status        ApprovalStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	DecisionNotes string         `json:"decision_notes,omitempty"`

	ActionHash             string     `json:"action_hash,omitempty"`
	OverrideTokenHash      string     `json:"-"`
	OverrideTokenExpiresAt *time.Time `json:"override_token_expires_at,omitempty"`
	OverrideTokenUsedAt    *time.Time `json:"override_token_used_at,omitempty"`
}

// ExpiredAt reports whether a still-pending approval has lapsed at now.
func (a *Approval) ExpiredAt(now time.Time) bool {
	return a.Status == ApprovalPending && a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// UsedOverrideToken marks a consumed override token. The primary key on
// TokenHash is what makes redemption single-use: the second concurrent
// insert fails on the constraint.
type UsedOverrideToken struct {
	TokenHash  string    `json:"token_hash"`
	OrgID      string    `json:"org_id"`
	ApprovalID string    `json:"approval_id"`
	ActionHash string    `json:"action_hash"`
	UsedAt     time.Time `json:"used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ApprovalStats aggregates approval counts for an organization.
type ApprovalStats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Denied   int `json:"denied"`
	Expired  int `json:"expired"`
	Total    int `json:"total"`
}
