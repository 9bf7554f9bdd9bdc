package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

const tokenColumns = `id, token_id, org_id, agent_id, manifest_id, capabilities, issued_at,
	expires_at, issued_by, constraints, max_actions, actions_used, revoked, revoked_at, revoked_reason`

// CreateCapabilityToken inserts a token row.
func (s *Store) CreateCapabilityToken(ctx context.Context, t *contracts.CapabilityToken) error {
	caps, err := marshalJSON(t.Capabilities)
	if err != nil {
		return err
	}
	constraints, err := marshalJSON(t.Constraints)
	if err != nil {
		return err
	}
	var maxActions sql.NullInt64
	if t.MaxActions != nil {
		maxActions = sql.NullInt64{Int64: int64(*t.MaxActions), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO capability_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.TokenID, t.OrgID, t.AgentID, nullString(t.ManifestID), caps,
		t.IssuedAt, t.ExpiresAt, t.IssuedBy, constraints, maxActions,
		t.ActionsUsed, t.Revoked, t.RevokedAt, nullString(t.RevokedReason))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert capability token: %w", err)
	}
	return nil
}

// GetCapabilityToken fetches a token by its token_id.
func (s *Store) GetCapabilityToken(ctx context.Context, tokenID string) (*contracts.CapabilityToken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM capability_tokens WHERE token_id = $1`, tokenID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTokensFilter narrows ListCapabilityTokens.
type ListTokensFilter struct {
	AgentID        string
	IncludeRevoked bool
	IncludeExpired bool
	Limit          int
	Offset         int
}

// ListCapabilityTokens lists tokens for an organization, newest first.
func (s *Store) ListCapabilityTokens(ctx context.Context, orgID string, f ListTokensFilter) ([]contracts.CapabilityToken, int, error) {
	where := `org_id = $1`
	args := []any{orgID}
	n := 1
	if f.AgentID != "" {
		n++
		where += fmt.Sprintf(" AND agent_id = $%d", n)
		args = append(args, f.AgentID)
	}
	if !f.IncludeRevoked {
		where += " AND revoked = FALSE"
	}
	if !f.IncludeExpired {
		n++
		where += fmt.Sprintf(" AND expires_at > $%d", n)
		args = append(args, time.Now().UTC())
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM capability_tokens WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count capability tokens: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+tokenColumns+` FROM capability_tokens
		WHERE `+where+` ORDER BY issued_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list capability tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.CapabilityToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

// RevokeCapabilityToken marks a token revoked with a reason.
func (s *Store) RevokeCapabilityToken(ctx context.Context, orgID, tokenID, reason string, at time.Time) (*contracts.CapabilityToken, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capability_tokens SET revoked = TRUE, revoked_at = $1, revoked_reason = $2
		 WHERE org_id = $3 AND token_id = $4`,
		at, nullString(reason), orgID, tokenID)
	if err != nil {
		return nil, fmt.Errorf("store: revoke capability token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetCapabilityToken(ctx, tokenID)
}

// RevokeTokensForAgent revokes all live tokens of an agent in one
// transaction and returns how many were revoked.
func (s *Store) RevokeTokensForAgent(ctx context.Context, orgID, agentID, reason string, at time.Time) (int, error) {
	var count int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE capability_tokens SET revoked = TRUE, revoked_at = $1, revoked_reason = $2
			 WHERE org_id = $3 AND agent_id = $4 AND revoked = FALSE`,
			at, nullString(reason), orgID, agentID)
		if err != nil {
			return fmt.Errorf("store: bulk revoke tokens: %w", err)
		}
		count, _ = res.RowsAffected()
		return nil
	})
	return int(count), err
}

// IncrementTokenUsage bumps actions_used after an approved action.
func (s *Store) IncrementTokenUsage(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE capability_tokens SET actions_used = actions_used + 1 WHERE token_id = $1`,
		tokenID)
	if err != nil {
		return fmt.Errorf("store: increment token usage: %w", err)
	}
	return nil
}

func scanToken(sc rowScanner) (*contracts.CapabilityToken, error) {
	var t contracts.CapabilityToken
	var manifestID, caps, constraints, revokedReason sql.NullString
	var maxActions sql.NullInt64
	var revokedAt sql.NullTime
	err := sc.Scan(&t.ID, &t.TokenID, &t.OrgID, &t.AgentID, &manifestID, &caps,
		&t.IssuedAt, &t.ExpiresAt, &t.IssuedBy, &constraints, &maxActions,
		&t.ActionsUsed, &t.Revoked, &revokedAt, &revokedReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan capability token: %w", err)
	}
	t.ManifestID = manifestID.String
	t.RevokedReason = revokedReason.String
	if err := unmarshalJSON(caps, &t.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(constraints, &t.Constraints); err != nil {
		return nil, err
	}
	if maxActions.Valid {
		v := int(maxActions.Int64)
		t.MaxActions = &v
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	return &t, nil
}

const issuerColumns = `id, org_id, issuer_id, name, public_key, status, created_at, revoked_at`

// CreateIssuer registers an external capability issuer.
func (s *Store) CreateIssuer(ctx context.Context, i *contracts.CapabilityIssuer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capability_issuers (`+issuerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		i.ID, i.OrgID, i.IssuerID, i.Name, i.PublicKey, i.Status, i.CreatedAt, i.RevokedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert issuer: %w", err)
	}
	return nil
}

// GetIssuer fetches an issuer by its issuer_id within an organization.
func (s *Store) GetIssuer(ctx context.Context, orgID, issuerID string) (*contracts.CapabilityIssuer, error) {
	i, err := scanIssuer(s.db.QueryRowContext(ctx,
		`SELECT `+issuerColumns+` FROM capability_issuers
		 WHERE org_id = $1 AND issuer_id = $2`, orgID, issuerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

// FindActiveIssuer looks an issuer up across organizations, used by
// token verification where only the iss claim is known.
func (s *Store) FindActiveIssuer(ctx context.Context, issuerID string) (*contracts.CapabilityIssuer, error) {
	i, err := scanIssuer(s.db.QueryRowContext(ctx,
		`SELECT `+issuerColumns+` FROM capability_issuers
		 WHERE issuer_id = $1 AND status = $2`, issuerID, contracts.IssuerActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

// ListIssuers lists issuers for an organization.
func (s *Store) ListIssuers(ctx context.Context, orgID string) ([]contracts.CapabilityIssuer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issuerColumns+` FROM capability_issuers
		 WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list issuers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.CapabilityIssuer
	for rows.Next() {
		i, err := scanIssuer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

// RevokeIssuer marks an issuer revoked.
func (s *Store) RevokeIssuer(ctx context.Context, orgID, issuerID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capability_issuers SET status = $1, revoked_at = $2
		 WHERE org_id = $3 AND issuer_id = $4`,
		contracts.IssuerRevoked, at, orgID, issuerID)
	if err != nil {
		return fmt.Errorf("store: revoke issuer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIssuer(sc rowScanner) (*contracts.CapabilityIssuer, error) {
	var i contracts.CapabilityIssuer
	var revokedAt sql.NullTime
	err := sc.Scan(&i.ID, &i.OrgID, &i.IssuerID, &i.Name, &i.PublicKey, &i.Status,
		&i.CreatedAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan issuer: %w", err)
	}
	if revokedAt.Valid {
		i.RevokedAt = &revokedAt.Time
	}
	return &i, nil
}
