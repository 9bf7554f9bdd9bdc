package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

// CreateOrganization inserts a new organization. A duplicate slug
// returns ErrConflict.
func (s *Store) CreateOrganization(ctx context.Context, org *contracts.Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, slug, created_at) VALUES ($1, $2, $3, $4)`,
		org.ID, org.Name, org.Slug, org.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert organization: %w", err)
	}
	return nil
}

// GetOrganization fetches an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*contracts.Organization, error) {
	return scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT id, name, slug, created_at FROM organizations WHERE id = $1`, id))
}

// GetOrganizationBySlug fetches an organization by slug.
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*contracts.Organization, error) {
	return scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT id, name, slug, created_at FROM organizations WHERE slug = $1`, slug))
}

func scanOrganization(row *sql.Row) (*contracts.Organization, error) {
	var org contracts.Organization
	err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan organization: %w", err)
	}
	return &org, nil
}

// CreateUser inserts a user. A duplicate email returns ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *contracts.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.PasswordHash, u.IsActive, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert user: %w", err)
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*contracts.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, is_active, created_at, last_login_at
		 FROM users WHERE id = $1`, id))
}

// GetUserByEmail fetches a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*contracts.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, is_active, created_at, last_login_at
		 FROM users WHERE email = $1`, email))
}

// TouchUserLogin records a successful login.
func (s *Store) TouchUserLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("store: touch user login: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*contracts.User, error) {
	var u contracts.User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	return &u, nil
}

// ListUsers lists all user accounts, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]contracts.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, password_hash, is_active, created_at, last_login_at
		 FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.User
	for rows.Next() {
		var u contracts.User
		var lastLogin sql.NullTime
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &lastLogin); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		if lastLogin.Valid {
			u.LastLoginAt = &lastLogin.Time
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CreateMembership binds a user to an organization. A duplicate
// (org, user) pair returns ErrConflict.
func (s *Store) CreateMembership(ctx context.Context, m *contracts.Membership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (id, org_id, user_id, role, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.OrgID, m.UserID, m.Role, m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert membership: %w", err)
	}
	return nil
}

// GetMembership fetches a membership by id within an organization.
func (s *Store) GetMembership(ctx context.Context, orgID, id string) (*contracts.Membership, error) {
	var m contracts.Membership
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, role, created_at FROM memberships
		 WHERE org_id = $1 AND id = $2`, orgID, id).
		Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan membership: %w", err)
	}
	return &m, nil
}

// GetMembershipForUser fetches the membership of a user in an org.
func (s *Store) GetMembershipForUser(ctx context.Context, orgID, userID string) (*contracts.Membership, error) {
	var m contracts.Membership
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, role, created_at FROM memberships
		 WHERE org_id = $1 AND user_id = $2`, orgID, userID).
		Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan membership: %w", err)
	}
	return &m, nil
}

// ListMemberships lists all memberships of an organization.
func (s *Store) ListMemberships(ctx context.Context, orgID string) ([]contracts.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, user_id, role, created_at FROM memberships
		 WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list memberships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Membership
	for rows.Next() {
		var m contracts.Membership
		if err := rows.Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMembershipsForUser lists every membership a user holds, across
// organizations.
func (s *Store) ListMembershipsForUser(ctx context.Context, userID string) ([]contracts.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, user_id, role, created_at FROM memberships
		 WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list memberships for user: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Membership
	for rows.Next() {
		var m contracts.Membership
		if err := rows.Scan(&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListOrganizationsForUser lists the organizations a user belongs to.
func (s *Store) ListOrganizationsForUser(ctx context.Context, userID string) ([]contracts.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.name, o.slug, o.created_at
		 FROM organizations o
		 JOIN memberships m ON m.org_id = o.id
		 WHERE m.user_id = $1 ORDER BY o.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list organizations for user: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Organization
	for rows.Next() {
		var o contracts.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Slug, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan organization: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOwners counts OWNER memberships in an organization; the caller
// uses this to refuse removing the last owner.
func (s *Store) CountOwners(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE org_id = $1 AND role = $2`,
		orgID, contracts.RoleOwner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count owners: %w", err)
	}
	return n, nil
}

// UpdateMembershipRole changes a member's role.
func (s *Store) UpdateMembershipRole(ctx context.Context, orgID, id string, role contracts.Role) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET role = $1 WHERE org_id = $2 AND id = $3`, role, orgID, id)
	if err != nil {
		return fmt.Errorf("store: update membership role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMembership removes a membership.
func (s *Store) DeleteMembership(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("store: delete membership: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAPIKey inserts an API key row.
func (s *Store) CreateAPIKey(ctx context.Context, k *contracts.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, org_id, name, key_prefix, key_hash, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		k.ID, k.OrgID, k.Name, k.KeyPrefix, k.KeyHash, k.Status, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert api key: %w", err)
	}
	return nil
}

// ListAPIKeys lists keys for an organization.
func (s *Store) ListAPIKeys(ctx context.Context, orgID string) ([]contracts.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, key_prefix, key_hash, status, created_at, last_used_at
		 FROM api_keys WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// FindAPIKeysByPrefix returns active keys sharing a plaintext prefix.
// bcrypt comparison against the full key happens in the auth layer.
func (s *Store) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]contracts.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, key_prefix, key_hash, status, created_at, last_used_at
		 FROM api_keys WHERE key_prefix = $1 AND status = $2`, prefix, contracts.APIKeyActive)
	if err != nil {
		return nil, fmt.Errorf("store: find api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// RevokeAPIKey marks a key revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET status = $1 WHERE org_id = $2 AND id = $3`,
		contracts.APIKeyRevoked, orgID, id)
	if err != nil {
		return fmt.Errorf("store: revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey records key usage.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("store: touch api key: %w", err)
	}
	return nil
}

func scanAPIKey(rows *sql.Rows) (*contracts.APIKey, error) {
	var k contracts.APIKey
	var lastUsed sql.NullTime
	if err := rows.Scan(&k.ID, &k.OrgID, &k.Name, &k.KeyPrefix, &k.KeyHash, &k.Status, &k.CreatedAt, &lastUsed); err != nil {
		return nil, fmt.Errorf("store: scan api key: %w", err)
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return &k, nil
}
