package contracts

import "time"

// ManifestStatus is the lifecycle state of an agent manifest.
//
//	pending ──activate──▶ active ──suspend──▶ suspended ──activate──▶ active
//	                       │                   │
//	                       └──revoke──▶ revoked ◀──revoke──┘
//
// Delete is permitted only from pending. Activation is the only gate for
// token issuance.
type ManifestStatus string

const (
	ManifestPending   ManifestStatus = "pending"
	ManifestActive    ManifestStatus = "active"
	ManifestSuspended ManifestStatus = "suspended"
	ManifestRevoked   ManifestStatus = "revoked"
)

// CanTransition reports whether the lifecycle permits moving to next.
func (s ManifestStatus) CanTransition(next ManifestStatus) bool {
	switch next {
	case ManifestActive:
		return s == ManifestPending || s == ManifestSuspended
	case ManifestSuspended:
		return s == ManifestActive
	case ManifestRevoked:
		return s == ManifestActive || s == ManifestSuspended
	}
	return false
}

// ManifestConstraints are the agent's self-imposed limits.
type ManifestConstraints struct {
	MaxActionsPerHour    int     `json:"max_actions_per_hour,omitempty"`
	MaxActionsPerDay     int     `json:"max_actions_per_day,omitempty"`
	RequireHumanApproval bool    `json:"require_human_approval,omitempty"`
	BudgetThreshold      float64 `json:"budget_threshold,omitempty"`
}

// ManifestCapabilities is the agent's self-declared capability request.
type ManifestCapabilities struct {
	Requested []string `json:"requested"`
}

// ToolDefinition binds a tool name to the connector that executes it.
type ToolDefinition struct {
	Name          string            `json:"name"`
	ConnectorType string            `json:"connector_type"`
	URL           string            `json:"url,omitempty"`
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	SecretRefs    map[string]string `json:"secret_refs,omitempty"`
	Extra         map[string]any    `json:"extra,omitempty"`
}

// ManifestSpec is the parsed shape of manifest_json.
type ManifestSpec struct {
	UAPKID       string               `json:"uapk_id"`
	Version      string               `json:"version"`
	Name         string               `json:"name,omitempty"`
	Capabilities ManifestCapabilities `json:"capabilities"`
	Constraints  ManifestConstraints  `json:"constraints,omitempty"`
	Tools        []ToolDefinition     `json:"tools,omitempty"`
	Metadata     map[string]any       `json:"metadata,omitempty"`
}

// Tool returns the tool definition for name, if declared.
func (m *ManifestSpec) Tool(name string) (ToolDefinition, bool) {
	for _, t := range m.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// Manifest is the stored agent self-declaration. ManifestHash is the
// SHA-256 of the canonicalized manifest document, fixed at create time.
type Manifest struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	UAPKID       string         `json:"uapk_id"`
	Version      string         `json:"version"`
	ManifestJSON []byte         `json:"manifest_json"`
	ManifestHash string         `json:"manifest_hash"`
	Status       ManifestStatus `json:"status"`
	Description  string         `json:"description,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
