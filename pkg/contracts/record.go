package contracts

import "time"

// InteractionRecord is the append-only, hash-chained, signed audit entry
// for exactly one decided action.
//
// The hashable subset (everything canonicalized into RecordHash) is:
// record_id, org_id, uapk_id, agent_id, action_type, tool, request_hash,
// decision, reasons_json, policy_trace_json, result_hash,
// previous_record_hash, created_at. Request and Result payloads are stored
// for forensics but excluded from the hash so additive changes to them
// cannot break signatures.
type InteractionRecord struct {
	ID       string `json:"id"`
	RecordID string `json:"record_id"`
	OrgID    string `json:"org_id"`
	UAPKID   string `json:"uapk_id"`
	AgentID  string `json:"agent_id"`

	ActionType string `json:"action_type"`
	Tool       string `json:"tool"`

	Request     map[string]any `json:"request,omitempty"`
	RequestHash string         `json:"request_hash"`

	Decision       Decision `json:"decision"`
	DecisionReason string   `json:"decision_reason,omitempty"`
	ReasonsJSON    string   `json:"reasons_json"`
	PolicyTrace    string   `json:"policy_trace_json"`
	RiskSnapshot   string   `json:"risk_snapshot_json,omitempty"`

	Result     map[string]any `json:"result,omitempty"`
	ResultHash string         `json:"result_hash,omitempty"`

	DurationMs        int64  `json:"duration_ms"`
	CapabilityTokenID string `json:"capability_token_id,omitempty"`

	PreviousRecordHash string    `json:"previous_record_hash,omitempty"`
	RecordHash         string    `json:"record_hash"`
	GatewaySignature   string    `json:"gateway_signature"`
	CreatedAt          time.Time `json:"created_at"`
}

// HashableSubset returns the exact document RecordHash is computed over.
// Field names and shapes here are load-bearing: changing them breaks
// verification of every existing chain.
func (r *InteractionRecord) HashableSubset() map[string]any {
	m := map[string]any{
		"record_id":            r.RecordID,
		"org_id":               r.OrgID,
		"uapk_id":              r.UAPKID,
		"agent_id":             r.AgentID,
		"action_type":          r.ActionType,
		"tool":                 r.Tool,
		"request_hash":         r.RequestHash,
		"decision":             string(r.Decision),
		"reasons_json":         r.ReasonsJSON,
		"policy_trace_json":    r.PolicyTrace,
		"result_hash":          nullable(r.ResultHash),
		"previous_record_hash": nullable(r.PreviousRecordHash),
		"created_at":           Timestamp(r.CreatedAt),
	}
	return m
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ChainVerification is the report produced by walking a (org, uapk) chain.
type ChainVerification struct {
	IsValid         bool      `json:"is_valid"`
	RecordCount     int       `json:"record_count"`
	FirstRecordID   string    `json:"first_record_id,omitempty"`
	LastRecordID    string    `json:"last_record_id,omitempty"`
	FirstRecordHash string    `json:"first_record_hash,omitempty"`
	LastRecordHash  string    `json:"last_record_hash,omitempty"`
	Errors          []string  `json:"errors,omitempty"`
	VerifiedAt      time.Time `json:"verified_at"`
}
