package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

const approvalColumns = `id, approval_id, org_id, interaction_id, uapk_id, agent_id, action,
	counterparty, context, reason_codes, status, created_at, expires_at, decided_at,
	decided_by, decision_notes, action_hash, override_token_hash,
	override_token_expires_at, override_token_used_at`

// CreateApproval inserts a pending approval.
func (s *Store) CreateApproval(ctx context.Context, a *contracts.Approval) error {
	action, err := marshalJSON(a.Action)
	if err != nil {
		return err
	}
	actionCtx, err := marshalJSON(a.Context)
	if err != nil {
		return err
	}
	reasons, err := marshalJSON(a.ReasonCodes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		a.ID, a.ApprovalID, a.OrgID, nullString(a.InteractionID), a.UAPKID, a.AgentID,
		action, nullString(a.Counterparty), actionCtx, reasons, a.Status, a.CreatedAt,
		a.ExpiresAt, a.DecidedAt, nullString(a.DecidedBy), nullString(a.DecisionNotes),
		nullString(a.ActionHash), nullString(a.OverrideTokenHash),
		a.OverrideTokenExpiresAt, a.OverrideTokenUsedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert approval: %w", err)
	}
	return nil
}

// GetApproval fetches an approval by approval_id within an organization.
func (s *Store) GetApproval(ctx context.Context, orgID, approvalID string) (*contracts.Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE org_id = $1 AND approval_id = $2`, orgID, approvalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListApprovalsFilter narrows ListApprovals.
type ListApprovalsFilter struct {
	Status contracts.ApprovalStatus
	UAPKID string
	Limit  int
	Offset int
}

// ListApprovals lists approvals for an organization, newest first.
func (s *Store) ListApprovals(ctx context.Context, orgID string, f ListApprovalsFilter) ([]contracts.Approval, int, error) {
	where := `org_id = $1`
	args := []any{orgID}
	n := 1
	if f.Status != "" {
		n++
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
	}
	if f.UAPKID != "" {
		n++
		where += fmt.Sprintf(" AND uapk_id = $%d", n)
		args = append(args, f.UAPKID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count approvals: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+approvalColumns+` FROM approvals
		WHERE `+where+` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *a)
	}
	return out, total, rows.Err()
}

// DecideApproval transitions a pending approval terminally, applying
// the mutation under a row lock so two operators cannot both decide.
func (s *Store) DecideApproval(ctx context.Context, orgID, approvalID string, decide func(a *contracts.Approval) error) (*contracts.Approval, error) {
	var decided *contracts.Approval
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		a, err := scanApproval(tx.QueryRowContext(ctx,
			`SELECT `+approvalColumns+` FROM approvals
			 WHERE org_id = $1 AND approval_id = $2`+s.forUpdate(), orgID, approvalID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := decide(a); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE approvals SET status = $1, decided_at = $2, decided_by = $3,
			 decision_notes = $4, action_hash = $5, override_token_hash = $6,
			 override_token_expires_at = $7, override_token_used_at = $8
			 WHERE org_id = $9 AND approval_id = $10`,
			a.Status, a.DecidedAt, nullString(a.DecidedBy), nullString(a.DecisionNotes),
			nullString(a.ActionHash), nullString(a.OverrideTokenHash),
			a.OverrideTokenExpiresAt, a.OverrideTokenUsedAt,
			orgID, approvalID); err != nil {
			return fmt.Errorf("store: update approval: %w", err)
		}
		decided = a
		return nil
	})
	return decided, err
}

// MarkOverrideUsed stamps the approval when its override token is redeemed.
func (s *Store) MarkOverrideUsed(ctx context.Context, orgID, approvalID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET override_token_used_at = $1
		 WHERE org_id = $2 AND approval_id = $3`, at, orgID, approvalID)
	if err != nil {
		return fmt.Errorf("store: mark override used: %w", err)
	}
	return nil
}

// ExpireApprovals marks lapsed pending approvals expired and returns
// how many were affected.
func (s *Store) ExpireApprovals(ctx context.Context, orgID string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = $1, decided_at = $2
		 WHERE org_id = $3 AND status = $4 AND expires_at IS NOT NULL AND expires_at < $5`,
		contracts.ApprovalExpired, now, orgID, contracts.ApprovalPending, now)
	if err != nil {
		return 0, fmt.Errorf("store: expire approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ApprovalStats aggregates approval counts by status.
func (s *Store) ApprovalStats(ctx context.Context, orgID string) (*contracts.ApprovalStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM approvals WHERE org_id = $1 GROUP BY status`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: approval stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats contracts.ApprovalStats
	for rows.Next() {
		var status contracts.ApprovalStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scan approval stats: %w", err)
		}
		switch status {
		case contracts.ApprovalPending:
			stats.Pending = count
		case contracts.ApprovalApproved:
			stats.Approved = count
		case contracts.ApprovalDenied:
			stats.Denied = count
		case contracts.ApprovalExpired:
			stats.Expired = count
		}
		stats.Total += count
	}
	return &stats, rows.Err()
}

// ConsumeOverrideToken inserts into used_override_tokens. The primary
// key on token_hash makes this the single-use gate: of two concurrent
// redemptions exactly one insert succeeds, the other gets ErrConflict.
func (s *Store) ConsumeOverrideToken(ctx context.Context, u *contracts.UsedOverrideToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO used_override_tokens (token_hash, org_id, approval_id, action_hash, used_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.TokenHash, u.OrgID, u.ApprovalID, u.ActionHash, u.UsedAt, u.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: consume override token: %w", err)
	}
	return nil
}

func scanApproval(sc rowScanner) (*contracts.Approval, error) {
	var a contracts.Approval
	var interactionID, counterparty, decidedBy, notes sql.NullString
	var actionHash, overrideHash sql.NullString
	var action, actionCtx, reasons sql.NullString
	var expiresAt, decidedAt, overrideExpires, overrideUsed sql.NullTime
	err := sc.Scan(&a.ID, &a.ApprovalID, &a.OrgID, &interactionID, &a.UAPKID, &a.AgentID,
		&action, &counterparty, &actionCtx, &reasons, &a.Status, &a.CreatedAt,
		&expiresAt, &decidedAt, &decidedBy, &notes, &actionHash, &overrideHash,
		&overrideExpires, &overrideUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan approval: %w", err)
	}
	a.InteractionID = interactionID.String
	a.Counterparty = counterparty.String
	a.DecidedBy = decidedBy.String
	a.DecisionNotes = notes.String
	a.ActionHash = actionHash.String
	a.OverrideTokenHash = overrideHash.String
	if err := unmarshalJSON(action, &a.Action); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(actionCtx, &a.Context); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(reasons, &a.ReasonCodes); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		a.ExpiresAt = &expiresAt.Time
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	if overrideExpires.Valid {
		a.OverrideTokenExpiresAt = &overrideExpires.Time
	}
	if overrideUsed.Valid {
		a.OverrideTokenUsedAt = &overrideUsed.Time
	}
	return &a, nil
}
