// Package contracts holds the shared domain types exchanged between the
// gateway pipeline, the policy engine, the audit log and the HTTP surface.
package contracts

import "time"

// Decision is the terminal outcome of an admitted action request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionPending  Decision = "pending"
	// DecisionTimeout is carried for wire compatibility; no pipeline path
	// writes it today (pending approvals expire in the approval store).
	DecisionTimeout Decision = "timeout"
)

// Valid reports whether d is a known decision value.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionDenied, DecisionPending, DecisionTimeout:
		return true
	}
	return false
}

// ReasonCode is a machine-readable explanation attached to a decision.
type ReasonCode string

const (
	ReasonManifestNotFound        ReasonCode = "MANIFEST_NOT_FOUND"
	ReasonManifestNotActive       ReasonCode = "MANIFEST_NOT_ACTIVE"
	ReasonActionNotInCapabilities ReasonCode = "ACTION_NOT_IN_CAPABILITIES"
	ReasonActionTypeNotAllowed    ReasonCode = "ACTION_TYPE_NOT_ALLOWED"
	ReasonToolNotAllowed          ReasonCode = "TOOL_NOT_ALLOWED"
	ReasonAmountExceedsCap        ReasonCode = "AMOUNT_EXCEEDS_CAP"
	ReasonJurisdictionNotAllowed  ReasonCode = "JURISDICTION_NOT_ALLOWED"
	ReasonCounterpartyDenied      ReasonCode = "COUNTERPARTY_DENIED"
	ReasonBudgetExceeded          ReasonCode = "BUDGET_EXCEEDED"
	ReasonRequiresHumanApproval   ReasonCode = "REQUIRES_HUMAN_APPROVAL"
	ReasonAmountRequiresApproval  ReasonCode = "AMOUNT_REQUIRES_APPROVAL"
	ReasonBudgetThresholdReached  ReasonCode = "BUDGET_THRESHOLD_REACHED"
	ReasonPolicyPassed            ReasonCode = "POLICY_PASSED"
	ReasonAllChecksPassed         ReasonCode = "ALL_CHECKS_PASSED"
	ReasonOverrideTokenReused     ReasonCode = "OVERRIDE_TOKEN_REUSED"
	ReasonOverrideActionMismatch  ReasonCode = "OVERRIDE_TOKEN_ACTION_MISMATCH"
	ReasonTokenInvalid            ReasonCode = "TOKEN_INVALID"
	ReasonTokenRevoked            ReasonCode = "TOKEN_REVOKED"
	ReasonTokenExpired            ReasonCode = "TOKEN_EXPIRED"
	ReasonTokenExhausted          ReasonCode = "TOKEN_EXHAUSTED"
	ReasonInternalError           ReasonCode = "INTERNAL_ERROR"
)

// Reason pairs a reason code with its human-readable message.
type Reason struct {
	Code    ReasonCode     `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// CheckResult is the outcome of a single policy-trace check.
type CheckResult string

const (
	CheckPass     CheckResult = "pass"
	CheckFail     CheckResult = "fail"
	CheckSkip     CheckResult = "skip"
	CheckEscalate CheckResult = "escalate"
)

// PolicyCheck records one evaluated check inside a PolicyTrace.
type PolicyCheck struct {
	Check   string         `json:"check"`
	Result  CheckResult    `json:"result"`
	Details map[string]any `json:"details,omitempty"`
}

// PolicyTrace is the ordered evidence of every check the pipeline ran for
// one action request. It is canonicalized into the record hash.
type PolicyTrace struct {
	Checks     []PolicyCheck `json:"checks"`
	StartTime  string        `json:"start_time"`
	EndTime    string        `json:"end_time"`
	DurationMs int64         `json:"duration_ms"`
}

// Add appends a check to the trace.
func (t *PolicyTrace) Add(name string, result CheckResult, details map[string]any) {
	t.Checks = append(t.Checks, PolicyCheck{Check: name, Result: result, Details: details})
}

// PolicyEvaluation summarizes one policy's verdict for the action response.
type PolicyEvaluation struct {
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	Result     string `json:"result"`
	Reason     string `json:"reason,omitempty"`
}

// Trace check names used by the pipeline. Policies contribute their own
// name as the check label.
const (
	CheckManifest       = "manifest_check"
	CheckCapabilityGate = "capability_gate"
	CheckBudget         = "budget_check"
	CheckAmountCap      = "amount_cap"
	CheckJurisdiction   = "jurisdiction"
	CheckCounterparty   = "counterparty"
)

// Timestamp formats t the way every canonical document in the system
// represents time: RFC 3339 with UTC offset.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
