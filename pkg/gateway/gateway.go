// Package gateway orchestrates the action-admission pipeline: token
// verification, manifest and capability gates, policy evaluation, budget
// accounting, approval escalation, connector dispatch and record sealing.
// Every terminal decision for an attributable request seals exactly one
// interaction record.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/uapk-labs/gateway/pkg/approval"
	"github.com/uapk-labs/gateway/pkg/budget"
	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/connector"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/manifest"
	"github.com/uapk-labs/gateway/pkg/observability"
	"github.com/uapk-labs/gateway/pkg/policy"
	"github.com/uapk-labs/gateway/pkg/record"
	"github.com/uapk-labs/gateway/pkg/store"
)

// unattributableRecordID is returned when a request cannot be tied to
// any organization and therefore seals no record.
const unattributableRecordID = "error-no-org"

// Service is the action gateway.
type Service struct {
	store      *store.Store
	codec      *captoken.Codec
	manifests  *manifest.Service
	policies   *policy.Evaluator
	budgets    *budget.Service
	approvals  *approval.Service
	connectors *connector.Registry
	records    *record.Service
	obs        *observability.Provider
	logger     *slog.Logger
}

// NewService wires the pipeline out of its collaborating services.
func NewService(
	st *store.Store,
	codec *captoken.Codec,
	manifests *manifest.Service,
	policies *policy.Evaluator,
	budgets *budget.Service,
	approvals *approval.Service,
	connectors *connector.Registry,
	records *record.Service,
	obs *observability.Provider,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:      st,
		codec:      codec,
		manifests:  manifests,
		policies:   policies,
		budgets:    budgets,
		approvals:  approvals,
		connectors: connectors,
		records:    records,
		obs:        obs,
		logger:     logger.With("component", "gateway"),
	}
}

// run is the mutable state threaded through one pipeline pass.
type run struct {
	req     *contracts.ActionRequest
	start   time.Time
	orgID   string
	uapkID  string
	agentID string
	tokenID string
	spec    *contracts.ManifestSpec
	trace   *contracts.PolicyTrace
	reasons []contracts.Reason
	evals   []contracts.PolicyEvaluation
}

func newRun(req *contracts.ActionRequest, start time.Time) *run {
	return &run{
		req:   req,
		start: start,
		trace: &contracts.PolicyTrace{StartTime: contracts.Timestamp(start)},
	}
}

func (r *run) addReason(code contracts.ReasonCode, message string, details map[string]any) {
	r.reasons = append(r.reasons, contracts.Reason{Code: code, Message: message, Details: details})
}

// Process admits one action request presented under a bearer token. The
// bearer is either a capability token or, for a previously approved
// action, a single-use override token.
func (s *Service) Process(ctx context.Context, bearer string, req *contracts.ActionRequest) (*contracts.ActionResponse, error) {
	ctx, span := s.obs.StartSpan(ctx, "gateway.process",
		trace.WithAttributes(attribute.String("gateway.action", req.Action)))
	defer span.End()
	s.obs.RecordAction(ctx, attribute.String("gateway.action", req.Action))

	start := time.Now()
	if claims, err := s.codec.VerifyOverride(bearer); err == nil {
		return s.processOverride(ctx, bearer, claims, req, start)
	}
	return s.processCapability(ctx, bearer, req, start)
}

// processOverride retries a previously escalated action under a human
// decision: a valid redemption skips the capability gate, policy
// evaluation and the budget, and dispatches directly. Redemption
// failures are terminal denials. Override-admitted actions do not
// advance the token usage or budget counters.
func (s *Service) processOverride(ctx context.Context, bearer string, claims *captoken.OverrideClaims, req *contracts.ActionRequest, start time.Time) (*contracts.ActionResponse, error) {
	r := newRun(req, start)
	r.orgID = claims.OrgID
	r.uapkID = claims.UAPKID
	r.agentID = claims.AgentID
	if r.uapkID == "" {
		r.uapkID = claims.AgentID
	}

	_, err := s.approvals.Redeem(ctx, bearer, actionDocument(req))
	switch {
	case errors.Is(err, approval.ErrTokenReused):
		r.trace.Add("override_redemption", contracts.CheckFail,
			map[string]any{"approval_id": claims.ApprovalID})
		r.addReason(contracts.ReasonOverrideTokenReused, "Override token has already been used", nil)
		return s.finish(ctx, r, contracts.DecisionDenied, "Override token has already been used", nil, claims.ApprovalID)
	case errors.Is(err, approval.ErrActionMismatch):
		r.trace.Add("override_redemption", contracts.CheckFail,
			map[string]any{"approval_id": claims.ApprovalID})
		r.addReason(contracts.ReasonOverrideActionMismatch, "Action does not match the approved action", nil)
		return s.finish(ctx, r, contracts.DecisionDenied, "Action does not match the approved action", nil, claims.ApprovalID)
	case err != nil:
		r.trace.Add("override_redemption", contracts.CheckFail, nil)
		r.addReason(contracts.ReasonTokenInvalid, "Override token rejected", nil)
		return s.finish(ctx, r, contracts.DecisionDenied, "Override token rejected", nil, claims.ApprovalID)
	}
	r.trace.Add("override_redemption", contracts.CheckPass,
		map[string]any{"approval_id": claims.ApprovalID})

	// The manifest is only consulted for the tool definition here; the
	// human decision already authorized the action.
	if _, spec, err := s.manifests.ActiveSpec(ctx, r.orgID, r.uapkID); err == nil {
		r.spec = spec
	}

	result := s.dispatch(ctx, r)
	return s.finish(ctx, r, contracts.DecisionApproved, "Approved via override token", result, claims.ApprovalID)
}

func (s *Service) processCapability(ctx context.Context, bearer string, req *contracts.ActionRequest, start time.Time) (*contracts.ActionResponse, error) {
	claims, err := s.codec.VerifyCapability(bearer)
	if err != nil {
		return unattributableDenial(req, "Invalid or expired capability token", start), nil
	}
	if claims.TokenID() == "" || claims.AgentID == "" || claims.OrgID == "" {
		return unattributableDenial(req, "Malformed capability token", start), nil
	}

	r := newRun(req, start)
	r.orgID = claims.OrgID
	r.agentID = claims.AgentID
	r.uapkID = claims.UAPKID
	if r.uapkID == "" {
		r.uapkID = claims.AgentID
	}

	// Token state in the store: revoked, expired, exhausted.
	token, err := s.store.GetCapabilityToken(ctx, claims.TokenID())
	if errors.Is(err, store.ErrNotFound) {
		r.addReason(contracts.ReasonTokenInvalid, "Token not found", nil)
		return s.finish(ctx, r, contracts.DecisionDenied, "Token not found", nil, "")
	}
	if err != nil {
		return s.internalFailure(ctx, r, err)
	}
	r.tokenID = token.ID
	if ok, code := token.Usable(time.Now().UTC()); !ok {
		msg := tokenStateMessage(code)
		r.addReason(code, msg, nil)
		return s.finish(ctx, r, contracts.DecisionDenied, msg, nil, "")
	}

	escalate := false

	// Manifest check. A token bound to a uapk_id needs an active
	// manifest behind it; unbound tokens skip the check and carry no
	// manifest constraints.
	if deny, resp, err := s.checkManifest(ctx, r, claims); deny || err != nil {
		return resp, err
	}
	if r.spec != nil && r.spec.Constraints.RequireHumanApproval {
		escalate = true
		r.addReason(contracts.ReasonRequiresHumanApproval,
			"Manifest requires human approval for all actions", nil)
	}

	// Capability gate, before any policy runs.
	if !policy.CapabilityAllows(claims.Capabilities, req.Action) {
		r.trace.Add(contracts.CheckCapabilityGate, contracts.CheckFail,
			map[string]any{"action": req.Action, "capabilities": claims.Capabilities})
		msg := fmt.Sprintf("Action '%s' is not in the token's capabilities", req.Action)
		r.addReason(contracts.ReasonActionNotInCapabilities, msg, nil)
		return s.finish(ctx, r, contracts.DecisionDenied, msg, nil, "")
	}
	r.trace.Add(contracts.CheckCapabilityGate, contracts.CheckPass,
		map[string]any{"action": req.Action})

	actionType, tool := req.Split()
	if len(claims.AllowedActionTypes) > 0 && !containsString(claims.AllowedActionTypes, actionType) {
		msg := fmt.Sprintf("Action type '%s' is not allowed by the token", actionType)
		r.addReason(contracts.ReasonActionTypeNotAllowed, msg, nil)
		return s.finish(ctx, r, contracts.DecisionDenied, msg, nil, "")
	}
	if len(claims.AllowedTools) > 0 && !containsString(claims.AllowedTools, tool) {
		msg := fmt.Sprintf("Tool '%s' is not allowed by the token", tool)
		r.addReason(contracts.ReasonToolNotAllowed, msg, nil)
		return s.finish(ctx, r, contracts.DecisionDenied, msg, nil, "")
	}

	// Constraints embedded in the token itself.
	if violations := policy.CheckTokenConstraints(claims.Constraints, req.Parameters, req.Counterparty); len(violations) > 0 {
		for _, v := range violations {
			r.trace.Add(v.Check, contracts.CheckFail, v.Reason.Details)
			r.reasons = append(r.reasons, v.Reason)
		}
		msg := violations[0].Reason.Message
		return s.finish(ctx, r, contracts.DecisionDenied, msg, nil, "")
	}

	// Stored policies, priority-descending with deny short-circuit.
	outcome, err := s.policies.Evaluate(ctx, policy.Request{
		OrgID:        r.orgID,
		Action:       req.Action,
		AgentID:      r.agentID,
		Parameters:   req.Parameters,
		Counterparty: req.Counterparty,
	})
	if err != nil {
		return s.internalFailure(ctx, r, err)
	}
	r.evals = outcome.Evaluations
	for _, e := range outcome.Evaluations {
		r.trace.Add(e.PolicyName, contracts.CheckResult(e.Result),
			map[string]any{"policy_id": e.PolicyID, "reason": e.Reason})
	}
	r.reasons = append(r.reasons, outcome.Reasons...)
	switch outcome.Decision {
	case contracts.PolicyDeny:
		return s.finish(ctx, r, contracts.DecisionDenied, outcome.Reason, nil, "")
	case contracts.PolicyRequireApproval:
		escalate = true
	}

	// Budget, the last gate before fusion.
	if r.spec != nil {
		verdict, err := s.budgets.Check(ctx, r.orgID, r.uapkID,
			r.spec.Constraints.MaxActionsPerDay, r.spec.Constraints.BudgetThreshold, time.Now())
		if err != nil {
			return s.internalFailure(ctx, r, err)
		}
		switch {
		case !verdict.Allowed:
			r.trace.Add(contracts.CheckBudget, contracts.CheckFail,
				map[string]any{"count": verdict.Count, "limit": verdict.Limit})
			r.reasons = append(r.reasons, *verdict.Reason)
			return s.finish(ctx, r, contracts.DecisionDenied, verdict.Reason.Message, nil, "")
		case verdict.Escalate:
			r.trace.Add(contracts.CheckBudget, contracts.CheckEscalate,
				map[string]any{"count": verdict.Count, "limit": verdict.Limit})
			r.reasons = append(r.reasons, *verdict.Reason)
			escalate = true
		default:
			r.trace.Add(contracts.CheckBudget, contracts.CheckPass,
				map[string]any{"count": verdict.Count, "limit": verdict.Limit})
		}
	} else {
		r.trace.Add(contracts.CheckBudget, contracts.CheckSkip, nil)
	}

	if escalate {
		return s.escalate(ctx, r)
	}

	if len(r.reasons) == 0 {
		r.addReason(contracts.ReasonAllChecksPassed, "All checks passed", nil)
	}
	result := s.dispatch(ctx, r)
	resp, err := s.finish(ctx, r, contracts.DecisionApproved, approvedReason(outcome), result, "")
	if err != nil {
		return nil, err
	}

	// Usage accounting happens only for policy-approved admissions.
	if err := s.store.IncrementTokenUsage(ctx, claims.TokenID()); err != nil {
		s.logger.ErrorContext(ctx, "token usage increment failed",
			"token_id", claims.TokenID(), "error", err)
	}
	if r.spec != nil {
		if _, err := s.budgets.Increment(ctx, r.orgID, r.uapkID, time.Now()); err != nil {
			s.logger.ErrorContext(ctx, "budget increment failed",
				"org_id", r.orgID, "uapk_id", r.uapkID, "error", err)
		}
	}
	return resp, nil
}

// checkManifest resolves the active manifest. deny is true when the
// pipeline already produced its terminal response.
func (s *Service) checkManifest(ctx context.Context, r *run, claims *captoken.CapabilityClaims) (deny bool, resp *contracts.ActionResponse, err error) {
	_, spec, lookupErr := s.manifests.ActiveSpec(ctx, r.orgID, r.uapkID)
	if lookupErr == nil {
		r.spec = spec
		r.trace.Add(contracts.CheckManifest, contracts.CheckPass,
			map[string]any{"uapk_id": r.uapkID, "version": spec.Version})
		return false, nil, nil
	}
	if !errors.Is(lookupErr, store.ErrNotFound) {
		resp, err = s.internalFailure(ctx, r, lookupErr)
		return true, resp, err
	}

	if claims.UAPKID == "" {
		// Not bound to a manifest; nothing to check.
		r.trace.Add(contracts.CheckManifest, contracts.CheckSkip, nil)
		return false, nil, nil
	}

	code := contracts.ReasonManifestNotFound
	msg := fmt.Sprintf("No manifest found for '%s'", r.uapkID)
	if _, latestErr := s.store.GetLatestManifestByUAPK(ctx, r.orgID, r.uapkID); latestErr == nil {
		code = contracts.ReasonManifestNotActive
		msg = fmt.Sprintf("Manifest for '%s' is not active", r.uapkID)
	}
	r.trace.Add(contracts.CheckManifest, contracts.CheckFail,
		map[string]any{"uapk_id": r.uapkID})
	r.addReason(code, msg, nil)
	resp, err = s.finish(ctx, r, contracts.DecisionDenied, msg, nil, "")
	return true, resp, err
}

// escalate seals the pending record, then opens the approval that
// references it.
func (s *Service) escalate(ctx context.Context, r *run) (*contracts.ActionResponse, error) {
	resp, err := s.finish(ctx, r, contracts.DecisionPending, "Action requires human approval", nil, "")
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, len(r.reasons))
	for _, reason := range r.reasons {
		codes = append(codes, string(reason.Code))
	}
	var approvalCtx map[string]any
	if r.req.Context != nil {
		approvalCtx = toMap(r.req.Context)
	}
	a, err := s.approvals.Create(ctx, approval.CreateRequest{
		OrgID:         r.orgID,
		InteractionID: resp.RecordID,
		UAPKID:        r.uapkID,
		AgentID:       r.agentID,
		Action:        actionDocument(r.req),
		Counterparty:  r.req.Counterparty,
		Context:       approvalCtx,
		ReasonCodes:   codes,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: create approval: %w", err)
	}
	resp.ApprovalID = a.ApprovalID
	return resp, nil
}

// dispatch executes the action's tool when the manifest declares one.
// Connector failures are results, not pipeline errors.
func (s *Service) dispatch(ctx context.Context, r *run) *contracts.ConnectorResult {
	if r.spec == nil {
		return nil
	}
	_, toolName := r.req.Split()
	tool, ok := r.spec.Tool(toolName)
	if !ok {
		return nil
	}
	conn, err := s.connectors.Build(ctx, r.orgID, tool)
	if err != nil {
		s.logger.ErrorContext(ctx, "connector build failed",
			"org_id", r.orgID, "tool", toolName, "error", err)
		return &contracts.ConnectorResult{
			Success: false,
			Error:   &contracts.ConnectorError{Code: "UNKNOWN_ERROR", Message: err.Error()},
		}
	}
	return conn.Execute(ctx, r.req.Parameters)
}

// finish seals the record for a terminal decision and shapes the
// response. Exactly one record is written per attributable request.
func (s *Service) finish(ctx context.Context, r *run, decision contracts.Decision, reason string, result *contracts.ConnectorResult, approvalID string) (*contracts.ActionResponse, error) {
	end := time.Now()
	r.trace.EndTime = contracts.Timestamp(end)
	r.trace.DurationMs = end.Sub(r.start).Milliseconds()

	draft := &record.Draft{
		OrgID:             r.orgID,
		UAPKID:            r.uapkID,
		AgentID:           r.agentID,
		Request:           requestDocument(r.req),
		Decision:          decision,
		DecisionReason:    reason,
		Reasons:           r.reasons,
		Trace:             r.trace,
		DurationMs:        r.trace.DurationMs,
		CapabilityTokenID: r.tokenID,
	}
	draft.ActionType, draft.Tool = r.req.Split()
	if result != nil {
		draft.Result = toMap(result)
		draft.ResultHash = result.ResultHash
	}

	rec, err := s.records.Seal(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("gateway: seal record: %w", err)
	}
	s.obs.RecordDecision(ctx, string(decision),
		attribute.String("gateway.action_type", draft.ActionType))
	s.obs.RecordDuration(ctx, end.Sub(r.start))
	return &contracts.ActionResponse{
		RecordID:          rec.RecordID,
		Decision:          decision,
		DecisionReason:    reason,
		PolicyEvaluations: r.evals,
		Result:            result,
		ApprovalID:        approvalID,
		Timestamp:         rec.CreatedAt,
		DurationMs:        r.trace.DurationMs,
	}, nil
}

// internalFailure seals a denial for a pipeline error so the attempt
// stays on the audit chain, then surfaces the error.
func (s *Service) internalFailure(ctx context.Context, r *run, cause error) (*contracts.ActionResponse, error) {
	s.logger.ErrorContext(ctx, "pipeline error",
		"org_id", r.orgID, "uapk_id", r.uapkID, "action", r.req.Action, "error", cause)
	r.addReason(contracts.ReasonInternalError, "Internal gateway error", nil)
	if _, err := s.finish(ctx, r, contracts.DecisionDenied, "Internal gateway error", nil, ""); err != nil {
		return nil, errors.Join(cause, err)
	}
	return nil, cause
}

// unattributableDenial answers a request whose organization could not
// be determined; no record can be chained for it.
func unattributableDenial(req *contracts.ActionRequest, reason string, start time.Time) *contracts.ActionResponse {
	return &contracts.ActionResponse{
		RecordID:       unattributableRecordID,
		Decision:       contracts.DecisionDenied,
		DecisionReason: reason,
		Timestamp:      time.Now().UTC(),
		DurationMs:     time.Since(start).Milliseconds(),
	}
}

func tokenStateMessage(code contracts.ReasonCode) string {
	switch code {
	case contracts.ReasonTokenRevoked:
		return "Token has been revoked"
	case contracts.ReasonTokenExpired:
		return "Token has expired"
	case contracts.ReasonTokenExhausted:
		return "Token action limit exceeded"
	}
	return "Token is not usable"
}

func approvedReason(outcome *policy.Outcome) string {
	if outcome != nil && outcome.Reason != "" {
		return outcome.Reason
	}
	return "All checks passed"
}

// actionDocument is the canonical shape approvals and override tokens
// bind to: the action string plus its parameters, nothing volatile.
func actionDocument(req *contracts.ActionRequest) map[string]any {
	return map[string]any{
		"action":     req.Action,
		"parameters": req.Parameters,
	}
}

// requestDocument is the full forensic request payload stored on the
// record (outside the hashable subset).
func requestDocument(req *contracts.ActionRequest) map[string]any {
	doc := map[string]any{
		"action":     req.Action,
		"parameters": req.Parameters,
	}
	if req.Context != nil {
		doc["context"] = toMap(req.Context)
	}
	if req.Counterparty != "" {
		doc["counterparty"] = req.Counterparty
	}
	if req.IdempotencyKey != "" {
		doc["idempotency_key"] = req.IdempotencyKey
	}
	return doc
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
