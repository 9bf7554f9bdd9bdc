package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

// UpsertSecret creates or replaces a named secret for an organization.
func (s *Store) UpsertSecret(ctx context.Context, sec *contracts.Secret) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (id, org_id, name, encrypted_value, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (org_id, name) DO UPDATE SET
			encrypted_value = EXCLUDED.encrypted_value,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at`,
		sec.ID, sec.OrgID, sec.Name, sec.EncryptedValue, nullString(sec.Description),
		sec.CreatedAt, sec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert secret: %w", err)
	}
	return nil
}

// GetSecret fetches a secret by name within an organization.
func (s *Store) GetSecret(ctx context.Context, orgID, name string) (*contracts.Secret, error) {
	var sec contracts.Secret
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, encrypted_value, description, created_at, updated_at
		 FROM secrets WHERE org_id = $1 AND name = $2`, orgID, name).
		Scan(&sec.ID, &sec.OrgID, &sec.Name, &sec.EncryptedValue, &description,
			&sec.CreatedAt, &sec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get secret: %w", err)
	}
	sec.Description = description.String
	return &sec, nil
}

// ListSecrets lists secret metadata for an organization. Encrypted
// values stay out of listings.
func (s *Store) ListSecrets(ctx context.Context, orgID string) ([]contracts.Secret, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, description, created_at, updated_at
		 FROM secrets WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Secret
	for rows.Next() {
		var sec contracts.Secret
		var description sql.NullString
		if err := rows.Scan(&sec.ID, &sec.OrgID, &sec.Name, &description,
			&sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan secret: %w", err)
		}
		sec.Description = description.String
		out = append(out, sec)
	}
	return out, rows.Err()
}

// DeleteSecret removes a secret.
func (s *Store) DeleteSecret(ctx context.Context, orgID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE org_id = $1 AND name = $2`, orgID, name)
	if err != nil {
		return fmt.Errorf("store: delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
