package contracts

import "time"

// PolicyType determines the effect of a matching, failing policy.
type PolicyType string

const (
	PolicyAllow           PolicyType = "allow"
	PolicyDeny            PolicyType = "deny"
	PolicyRequireApproval PolicyType = "require_approval"
)

// Valid reports whether t is a known policy type.
func (t PolicyType) Valid() bool {
	return t == PolicyAllow || t == PolicyDeny || t == PolicyRequireApproval
}

// PolicyScope determines how a policy is matched against a request.
type PolicyScope string

const (
	ScopeGlobal PolicyScope = "global"
	ScopeAction PolicyScope = "action"
	ScopeAgent  PolicyScope = "agent"
)

// Valid reports whether s is a known scope.
func (s PolicyScope) Valid() bool {
	return s == ScopeGlobal || s == ScopeAction || s == ScopeAgent
}

// ParamConstraint constrains a single request parameter.
type ParamConstraint struct {
	Required      bool  `json:"required,omitempty"`
	MaxLength     int   `json:"max_length,omitempty"`
	AllowedValues []any `json:"allowed_values,omitempty"`
}

// AmountCaps caps monetary amounts, per-currency or as a default.
type AmountCaps struct {
	Default     *float64           `json:"default,omitempty"`
	PerCurrency map[string]float64 `json:"per_currency,omitempty"`
}

// CounterpartyRules allow- or deny-lists counterparties.
type CounterpartyRules struct {
	Allowlist []string `json:"allowlist,omitempty"`
	Denylist  []string `json:"denylist,omitempty"`
}

// PolicyRules carries the matcher and the constraints of a policy.
type PolicyRules struct {
	ActionPattern string                     `json:"action_pattern,omitempty"`
	AgentIDs      []string                   `json:"agent_ids,omitempty"`
	Parameters    map[string]ParamConstraint `json:"parameters,omitempty"`
	AmountCaps    *AmountCaps                `json:"amount_caps,omitempty"`
	Jurisdictions []string                   `json:"jurisdictions,omitempty"`
	Counterparty  *CounterpartyRules         `json:"counterparty,omitempty"`
}

// Policy is a stored admission rule. Priority is evaluated descending
// within -1000..1000; ties break on CreatedAt ascending.
type Policy struct {
	ID          string      `json:"id"`
	OrgID       string      `json:"org_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	PolicyType  PolicyType  `json:"policy_type"`
	Scope       PolicyScope `json:"scope"`
	Priority    int         `json:"priority"`
	Rules       PolicyRules `json:"rules"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
