package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

const policyColumns = `id, org_id, name, description, policy_type, scope, priority, rules, enabled, created_at, updated_at`

// CreatePolicy inserts a policy. A duplicate (org, name) returns
// ErrConflict.
func (s *Store) CreatePolicy(ctx context.Context, p *contracts.Policy) error {
	rules, err := marshalJSON(p.Rules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (`+policyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OrgID, p.Name, nullString(p.Description), p.PolicyType, p.Scope,
		p.Priority, rules, p.Enabled, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert policy: %w", err)
	}
	return nil
}

// GetPolicy fetches a policy by id within an organization.
func (s *Store) GetPolicy(ctx context.Context, orgID, id string) (*contracts.Policy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE org_id = $1 AND id = $2`, orgID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPolicies lists all policies of an organization.
func (s *Store) ListPolicies(ctx context.Context, orgID string) ([]contracts.Policy, error) {
	return s.queryPolicies(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE org_id = $1 ORDER BY priority DESC, created_at ASC`, orgID)
}

// ListEnabledPolicies returns the enabled policies in evaluation order:
// priority descending, then created_at ascending as the tiebreak.
func (s *Store) ListEnabledPolicies(ctx context.Context, orgID string) ([]contracts.Policy, error) {
	return s.queryPolicies(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE org_id = $1 AND enabled = TRUE
		 ORDER BY priority DESC, created_at ASC`, orgID)
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]contracts.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PolicyPatch carries the updatable fields of a policy. Nil means keep.
type PolicyPatch struct {
	Description *string
	PolicyType  *contracts.PolicyType
	Scope       *contracts.PolicyScope
	Priority    *int
	Rules       *contracts.PolicyRules
	Enabled     *bool
}

// UpdatePolicy applies a patch and returns the updated policy.
func (s *Store) UpdatePolicy(ctx context.Context, orgID, id string, patch PolicyPatch, now time.Time) (*contracts.Policy, error) {
	var updated *contracts.Policy
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		p, err := scanPolicy(tx.QueryRowContext(ctx,
			`SELECT `+policyColumns+` FROM policies
			 WHERE org_id = $1 AND id = $2`+s.forUpdate(), orgID, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if patch.Description != nil {
			p.Description = *patch.Description
		}
		if patch.PolicyType != nil {
			p.PolicyType = *patch.PolicyType
		}
		if patch.Scope != nil {
			p.Scope = *patch.Scope
		}
		if patch.Priority != nil {
			p.Priority = *patch.Priority
		}
		if patch.Rules != nil {
			p.Rules = *patch.Rules
		}
		if patch.Enabled != nil {
			p.Enabled = *patch.Enabled
		}
		p.UpdatedAt = now

		rules, err := marshalJSON(p.Rules)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE policies SET description = $1, policy_type = $2, scope = $3,
			 priority = $4, rules = $5, enabled = $6, updated_at = $7
			 WHERE org_id = $8 AND id = $9`,
			nullString(p.Description), p.PolicyType, p.Scope, p.Priority, rules,
			p.Enabled, p.UpdatedAt, orgID, id); err != nil {
			return fmt.Errorf("store: update policy: %w", err)
		}
		updated = p
		return nil
	})
	return updated, err
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM policies WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("store: delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPolicy(sc rowScanner) (*contracts.Policy, error) {
	var p contracts.Policy
	var description, rules sql.NullString
	err := sc.Scan(&p.ID, &p.OrgID, &p.Name, &description, &p.PolicyType, &p.Scope,
		&p.Priority, &rules, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan policy: %w", err)
	}
	p.Description = description.String
	if err := unmarshalJSON(rules, &p.Rules); err != nil {
		return nil, err
	}
	return &p, nil
}
