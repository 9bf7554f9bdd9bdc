package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

const manifestColumns = `id, org_id, uapk_id, version, manifest_json, manifest_hash, status, description, created_at`

// CreateManifest inserts a manifest. A duplicate (org, uapk, version)
// returns ErrConflict.
func (s *Store) CreateManifest(ctx context.Context, m *contracts.Manifest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uapk_manifests (`+manifestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.OrgID, m.UAPKID, m.Version, string(m.ManifestJSON), m.ManifestHash,
		m.Status, nullString(m.Description), m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert manifest: %w", err)
	}
	return nil
}

// GetManifest fetches a manifest by id within an organization.
func (s *Store) GetManifest(ctx context.Context, orgID, id string) (*contracts.Manifest, error) {
	return scanManifest(s.db.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM uapk_manifests WHERE org_id = $1 AND id = $2`,
		orgID, id))
}

// GetActiveManifestByUAPK fetches the active manifest for a uapk_id.
func (s *Store) GetActiveManifestByUAPK(ctx context.Context, orgID, uapkID string) (*contracts.Manifest, error) {
	return scanManifest(s.db.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM uapk_manifests
		 WHERE org_id = $1 AND uapk_id = $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`,
		orgID, uapkID, contracts.ManifestActive))
}

// GetLatestManifestByUAPK fetches the newest manifest regardless of status.
func (s *Store) GetLatestManifestByUAPK(ctx context.Context, orgID, uapkID string) (*contracts.Manifest, error) {
	return scanManifest(s.db.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM uapk_manifests
		 WHERE org_id = $1 AND uapk_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		orgID, uapkID))
}

// ListManifests lists manifests for an organization, newest first.
func (s *Store) ListManifests(ctx context.Context, orgID string, limit, offset int) ([]contracts.Manifest, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM uapk_manifests WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count manifests: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+manifestColumns+` FROM uapk_manifests
		 WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		orgID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list manifests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Manifest
	for rows.Next() {
		m, err := scanManifestRows(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *m)
	}
	return out, total, rows.Err()
}

// UpdateManifestStatus moves a manifest to next if the lifecycle allows
// it, returning the updated manifest.
func (s *Store) UpdateManifestStatus(ctx context.Context, orgID, id string, next contracts.ManifestStatus) (*contracts.Manifest, error) {
	var updated *contracts.Manifest
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := scanManifest(tx.QueryRowContext(ctx,
			`SELECT `+manifestColumns+` FROM uapk_manifests
			 WHERE org_id = $1 AND id = $2`+s.forUpdate(), orgID, id))
		if err != nil {
			return err
		}
		if !m.Status.CanTransition(next) {
			return fmt.Errorf("%w: manifest %s cannot move %s -> %s", ErrConflict, id, m.Status, next)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE uapk_manifests SET status = $1 WHERE org_id = $2 AND id = $3`,
			next, orgID, id); err != nil {
			return fmt.Errorf("store: update manifest status: %w", err)
		}
		m.Status = next
		updated = m
		return nil
	})
	return updated, err
}

// UpdateManifestDescription updates the free-text description.
func (s *Store) UpdateManifestDescription(ctx context.Context, orgID, id, description string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE uapk_manifests SET description = $1 WHERE org_id = $2 AND id = $3`,
		nullString(description), orgID, id)
	if err != nil {
		return fmt.Errorf("store: update manifest description: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteManifest removes a manifest, allowed only while pending.
func (s *Store) DeleteManifest(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM uapk_manifests WHERE org_id = $1 AND id = $2 AND status = $3`,
		orgID, id, contracts.ManifestPending)
	if err != nil {
		return fmt.Errorf("store: delete manifest: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or not pending; disambiguate for the caller.
		if _, err := s.GetManifest(ctx, orgID, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row *sql.Row) (*contracts.Manifest, error) {
	m, err := scanManifestFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func scanManifestRows(rows *sql.Rows) (*contracts.Manifest, error) {
	return scanManifestFrom(rows)
}

func scanManifestFrom(sc rowScanner) (*contracts.Manifest, error) {
	var m contracts.Manifest
	var manifestJSON string
	var description sql.NullString
	err := sc.Scan(&m.ID, &m.OrgID, &m.UAPKID, &m.Version, &manifestJSON,
		&m.ManifestHash, &m.Status, &description, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan manifest: %w", err)
	}
	m.ManifestJSON = []byte(manifestJSON)
	m.Description = description.String
	return &m, nil
}
