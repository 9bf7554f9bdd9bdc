package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

// ConstraintViolation is one failed token-constraint check, paired with
// the trace check name it belongs under.
type ConstraintViolation struct {
	Check  string
	Reason contracts.Reason
}

// CheckTokenConstraints applies the constraints embedded in a
// capability token to a request: amount cap, jurisdiction list, and
// counterparty allow/deny lists. Every violated constraint is reported.
func CheckTokenConstraints(c *contracts.TokenConstraints, params map[string]any, counterparty string) []ConstraintViolation {
	if c == nil {
		return nil
	}
	var out []ConstraintViolation

	if c.AmountMax != nil {
		if amount, ok := amountParam(params); ok && amount > *c.AmountMax {
			out = append(out, ConstraintViolation{
				Check: contracts.CheckAmountCap,
				Reason: contracts.Reason{
					Code:    contracts.ReasonAmountExceedsCap,
					Message: fmt.Sprintf("Amount %.2f exceeds token cap %.2f", amount, *c.AmountMax),
					Details: map[string]any{"amount": amount, "cap": *c.AmountMax},
				},
			})
		}
	}

	if len(c.Jurisdictions) > 0 {
		if ok, reason := checkJurisdiction(c.Jurisdictions, params); !ok {
			out = append(out, ConstraintViolation{
				Check:  contracts.CheckJurisdiction,
				Reason: contracts.Reason{Code: contracts.ReasonJurisdictionNotAllowed, Message: reason},
			})
		}
	}

	if counterparty != "" && (len(c.CounterpartyAllowlist) > 0 || len(c.CounterpartyDenylist) > 0) {
		if ok, reason := checkCounterparty(c.CounterpartyAllowlist, c.CounterpartyDenylist, counterparty); !ok {
			out = append(out, ConstraintViolation{
				Check:  contracts.CheckCounterparty,
				Reason: contracts.Reason{Code: contracts.ReasonCounterpartyDenied, Message: reason},
			})
		}
	}
	return out
}

func checkAmountCaps(caps *contracts.AmountCaps, params map[string]any) (bool, string) {
	amount, ok := amountParam(params)
	if !ok {
		return true, ""
	}
	currency, _ := params["currency"].(string)
	if currency != "" {
		if limit, found := caps.PerCurrency[strings.ToUpper(currency)]; found {
			if amount > limit {
				return false, fmt.Sprintf("Amount %.2f exceeds %s cap %.2f", amount, strings.ToUpper(currency), limit)
			}
			return true, ""
		}
	}
	if caps.Default != nil && amount > *caps.Default {
		return false, fmt.Sprintf("Amount %.2f exceeds cap %.2f", amount, *caps.Default)
	}
	return true, ""
}

func checkJurisdiction(allowed []string, params map[string]any) (bool, string) {
	jurisdiction, _ := params["jurisdiction"].(string)
	if jurisdiction == "" {
		return true, ""
	}
	for _, j := range allowed {
		if strings.EqualFold(j, jurisdiction) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("Jurisdiction '%s' is not allowed", jurisdiction)
}

func checkCounterparty(allowlist, denylist []string, counterparty string) (bool, string) {
	if counterparty == "" {
		return true, ""
	}
	for _, d := range denylist {
		if strings.EqualFold(d, counterparty) {
			return false, fmt.Sprintf("Counterparty '%s' is denylisted", counterparty)
		}
	}
	if len(allowlist) > 0 {
		for _, a := range allowlist {
			if strings.EqualFold(a, counterparty) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("Counterparty '%s' is not on the allowlist", counterparty)
	}
	return true, ""
}

// amountParam extracts a numeric "amount" parameter. JSON decoding may
// surface it as float64, json.Number or int.
func amountParam(params map[string]any) (float64, bool) {
	v, ok := params["amount"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
