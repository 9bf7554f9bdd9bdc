package contracts

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// actionPattern constrains the "type:tool" action string.
var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*:[a-z][a-z0-9-]*$`)

// ActionContext is the optional caller-supplied context for an action.
type ActionContext struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ActionRequest is the inbound payload of POST /actions.
type ActionRequest struct {
	Action         string         `json:"action"`
	Parameters     map[string]any `json:"parameters"`
	Context        *ActionContext `json:"context,omitempty"`
	Counterparty   string         `json:"counterparty,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Validate checks the request against the action schema.
func (r *ActionRequest) Validate() error {
	if !actionPattern.MatchString(r.Action) {
		return fmt.Errorf("action %q must match type:tool (%s)", r.Action, actionPattern.String())
	}
	if r.Parameters == nil {
		return fmt.Errorf("parameters must be an object")
	}
	if len(r.IdempotencyKey) > 64 {
		return fmt.Errorf("idempotency_key exceeds 64 characters")
	}
	if r.Context != nil && len(r.Context.Reason) > 1000 {
		return fmt.Errorf("context.reason exceeds 1000 characters")
	}
	return nil
}

// Split returns the action type and tool halves of the action string.
func (r *ActionRequest) Split() (actionType, tool string) {
	parts := strings.SplitN(r.Action, ":", 2)
	if len(parts) != 2 {
		return r.Action, ""
	}
	return parts[0], parts[1]
}

// ActionResponse is the outbound payload of POST /actions.
type ActionResponse struct {
	RecordID          string             `json:"record_id"`
	Decision          Decision           `json:"decision"`
	DecisionReason    string             `json:"decision_reason,omitempty"`
	PolicyEvaluations []PolicyEvaluation `json:"policy_evaluations,omitempty"`
	Result            *ConnectorResult   `json:"result,omitempty"`
	ApprovalID        string             `json:"approval_id,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
	DurationMs        int64              `json:"duration_ms"`
}

// ConnectorError describes a failed connector invocation.
type ConnectorError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectorResult is the outcome of one connector execution. A failed
// execution is still a result; the decision that authorized it stands.
type ConnectorResult struct {
	Success    bool            `json:"success"`
	Data       map[string]any  `json:"data,omitempty"`
	Error      *ConnectorError `json:"error,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	ResultHash string          `json:"result_hash,omitempty"`
}
