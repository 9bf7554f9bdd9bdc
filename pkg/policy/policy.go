// Package policy evaluates stored admission rules against action
// requests: glob-based matching, priority ordering, and decision fusion
// where deny outranks require_approval outranks allow.
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/store"
)

// Request is one action to evaluate.
type Request struct {
	OrgID        string
	Action       string
	AgentID      string
	Parameters   map[string]any
	Counterparty string
}

// Outcome is the fused result of evaluating every applicable policy.
type Outcome struct {
	Decision    contracts.PolicyType
	Evaluations []contracts.PolicyEvaluation
	Reasons     []contracts.Reason
	Reason      string
}

// Evaluator loads and applies an organization's policies.
type Evaluator struct {
	store  *store.Store
	logger *slog.Logger
}

// NewEvaluator builds a policy evaluator.
func NewEvaluator(st *store.Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{store: st, logger: logger.With("component", "policy")}
}

// Evaluate runs every enabled, matching policy in priority order. The
// first failing deny short-circuits; failing require_approval policies
// escalate but keep collecting reasons; otherwise the action is allowed.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (*Outcome, error) {
	policies, err := e.store.ListEnabledPolicies(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	return Fuse(policies, req), nil
}

// Fuse applies already-loaded policies, assumed sorted by priority
// descending with created_at ascending as the tiebreak.
func Fuse(policies []contracts.Policy, req Request) *Outcome {
	out := &Outcome{
		Decision: contracts.PolicyAllow,
		Reason:   "No applicable policies deny the action",
	}

	for i := range policies {
		p := &policies[i]
		if !matches(p, req.Action, req.AgentID) {
			continue
		}

		result, reason, code := evaluatePolicy(p, req)
		out.Evaluations = append(out.Evaluations, contracts.PolicyEvaluation{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			Result:     string(result),
			Reason:     reason,
		})

		if result != contracts.CheckFail {
			continue
		}
		out.Reasons = append(out.Reasons, contracts.Reason{
			Code:    code,
			Message: reason,
			Details: map[string]any{"policy_name": p.Name},
		})

		switch p.PolicyType {
		case contracts.PolicyDeny:
			out.Decision = contracts.PolicyDeny
			out.Reason = fmt.Sprintf("Denied by policy: %s", p.Name)
			return out
		case contracts.PolicyRequireApproval:
			out.Decision = contracts.PolicyRequireApproval
			out.Reason = fmt.Sprintf("Requires approval: %s", p.Name)
		}
	}
	return out
}

// matches applies the scope rules: global policies always match, action
// scope needs a pattern hit, agent scope needs agent membership. A
// pattern or agent list present on any scope still constrains it.
func matches(p *contracts.Policy, action, agentID string) bool {
	if p.Rules.ActionPattern != "" && !match(p.Rules.ActionPattern, action) {
		return false
	}
	if len(p.Rules.AgentIDs) > 0 && !contains(p.Rules.AgentIDs, agentID) {
		return false
	}
	if p.Scope == contracts.ScopeAction && p.Rules.ActionPattern == "" {
		return false
	}
	if p.Scope == contracts.ScopeAgent && len(p.Rules.AgentIDs) == 0 {
		return false
	}
	return true
}

// evaluatePolicy checks one matched policy's constraints. A policy
// whose constraints all hold resolves to its own type: allow passes,
// deny and require_approval fire.
func evaluatePolicy(p *contracts.Policy, req Request) (contracts.CheckResult, string, contracts.ReasonCode) {
	for key, constraint := range p.Rules.Parameters {
		value, present := req.Parameters[key]
		if !present {
			if constraint.Required {
				return contracts.CheckFail,
					fmt.Sprintf("Missing required parameter: %s", key),
					reasonForType(p.PolicyType)
			}
			continue
		}
		if constraint.MaxLength > 0 && len(fmt.Sprintf("%v", value)) > constraint.MaxLength {
			return contracts.CheckFail,
				fmt.Sprintf("Parameter '%s' exceeds max length", key),
				reasonForType(p.PolicyType)
		}
		if len(constraint.AllowedValues) > 0 && !containsValue(constraint.AllowedValues, value) {
			return contracts.CheckFail,
				fmt.Sprintf("Parameter '%s' has disallowed value", key),
				reasonForType(p.PolicyType)
		}
	}

	if p.Rules.AmountCaps != nil {
		if ok, reason := checkAmountCaps(p.Rules.AmountCaps, req.Parameters); !ok {
			return contracts.CheckFail, reason, contracts.ReasonAmountExceedsCap
		}
	}
	if len(p.Rules.Jurisdictions) > 0 {
		if ok, reason := checkJurisdiction(p.Rules.Jurisdictions, req.Parameters); !ok {
			return contracts.CheckFail, reason, contracts.ReasonJurisdictionNotAllowed
		}
	}
	if p.Rules.Counterparty != nil {
		if ok, reason := checkCounterparty(p.Rules.Counterparty.Allowlist, p.Rules.Counterparty.Denylist, req.Counterparty); !ok {
			return contracts.CheckFail, reason, contracts.ReasonCounterpartyDenied
		}
	}

	switch p.PolicyType {
	case contracts.PolicyAllow:
		return contracts.CheckPass, "Allowed by policy", contracts.ReasonPolicyPassed
	case contracts.PolicyDeny:
		return contracts.CheckFail, "Denied by policy", reasonForType(p.PolicyType)
	default:
		return contracts.CheckFail, "Requires human approval", reasonForType(p.PolicyType)
	}
}

func reasonForType(t contracts.PolicyType) contracts.ReasonCode {
	if t == contracts.PolicyRequireApproval {
		return contracts.ReasonRequiresHumanApproval
	}
	return contracts.ReasonToolNotAllowed
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func containsValue(xs []any, v any) bool {
	want := fmt.Sprintf("%v", v)
	for _, x := range xs {
		if fmt.Sprintf("%v", x) == want {
			return true
		}
	}
	return false
}
