// Package auth covers the human and machine identity surface: operator
// accounts and sessions, organization membership roles, and API keys.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/store"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInactiveUser       = errors.New("auth: user is inactive")
	ErrForbidden          = errors.New("auth: insufficient role")
	ErrLastOwner          = errors.New("auth: cannot remove the last owner")
	ErrInvalidAPIKey      = errors.New("auth: invalid api key")
)

// Service authenticates operators and API clients and enforces
// membership roles.
type Service struct {
	store  *store.Store
	codec  *captoken.Codec
	logger *slog.Logger
}

// NewService builds an auth service.
func NewService(st *store.Store, codec *captoken.Codec, logger *slog.Logger) *Service {
	return &Service{store: st, codec: codec, logger: logger.With("component", "auth")}
}

// RegisterUser creates an operator account. A duplicate email surfaces
// as store.ErrConflict.
func (s *Service) RegisterUser(ctx context.Context, email, password string) (*contracts.User, error) {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &contracts.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "user registered", "user_id", u.ID)
	return u, nil
}

// Login checks credentials and mints a session token. Missing users
// and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (string, *contracts.User, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		// Burn a comparison anyway so the timing matches the found case.
		crypto.VerifyPassword(password, "$2a$10$0000000000000000000000.0000000000000000000000000000000")
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if !crypto.VerifyPassword(password, u.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return "", nil, ErrInactiveUser
	}

	now := time.Now().UTC()
	token, err := s.codec.MintSession(u.ID, now)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.TouchUserLogin(ctx, u.ID, now); err != nil {
		return "", nil, err
	}
	u.LastLoginAt = &now
	s.logger.InfoContext(ctx, "user logged in", "user_id", u.ID)
	return token, u, nil
}

// Authenticate resolves a session token to its active user.
func (s *Service) Authenticate(ctx context.Context, token string) (*contracts.User, error) {
	claims, err := s.codec.VerifySession(token)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	u, err := s.store.GetUser(ctx, claims.UserID())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrInactiveUser
	}
	return u, nil
}

// CreateOrganization creates an organization and its OWNER membership
// in one call. An empty slug is derived from the name.
func (s *Service) CreateOrganization(ctx context.Context, name, slug, ownerUserID string) (*contracts.Organization, error) {
	if slug == "" {
		slug = Slugify(name)
	}
	org := &contracts.Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	if ownerUserID != "" {
		m := &contracts.Membership{
			ID:        uuid.NewString(),
			OrgID:     org.ID,
			UserID:    ownerUserID,
			Role:      contracts.RoleOwner,
			CreatedAt: org.CreatedAt,
		}
		if err := s.store.CreateMembership(ctx, m); err != nil {
			return nil, err
		}
	}
	s.logger.InfoContext(ctx, "organization created", "org_id", org.ID, "slug", org.Slug)
	return org, nil
}

// RequireRole returns the caller's membership if it meets min, and
// ErrForbidden otherwise. A missing membership is also ErrForbidden so
// outsiders cannot probe which organizations exist.
func (s *Service) RequireRole(ctx context.Context, orgID, userID string, min contracts.Role) (*contracts.Membership, error) {
	m, err := s.store.GetMembershipForUser(ctx, orgID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if !m.Role.AtLeast(min) {
		return nil, ErrForbidden
	}
	return m, nil
}

// AddMember binds a user to an organization with a role.
func (s *Service) AddMember(ctx context.Context, orgID, userID string, role contracts.Role) (*contracts.Membership, error) {
	if !role.Valid() {
		return nil, errors.New("auth: unknown role")
	}
	m := &contracts.Membership{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    userID,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateMembership(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ChangeMemberRole updates a membership, refusing to demote the last
// remaining owner.
func (s *Service) ChangeMemberRole(ctx context.Context, orgID, membershipID string, role contracts.Role) error {
	if !role.Valid() {
		return errors.New("auth: unknown role")
	}
	m, err := s.store.GetMembership(ctx, orgID, membershipID)
	if err != nil {
		return err
	}
	if m.Role == contracts.RoleOwner && role != contracts.RoleOwner {
		if err := s.guardLastOwner(ctx, orgID); err != nil {
			return err
		}
	}
	return s.store.UpdateMembershipRole(ctx, orgID, membershipID, role)
}

// RemoveMember deletes a membership, refusing to remove the last owner.
func (s *Service) RemoveMember(ctx context.Context, orgID, membershipID string) error {
	m, err := s.store.GetMembership(ctx, orgID, membershipID)
	if err != nil {
		return err
	}
	if m.Role == contracts.RoleOwner {
		if err := s.guardLastOwner(ctx, orgID); err != nil {
			return err
		}
	}
	return s.store.DeleteMembership(ctx, orgID, membershipID)
}

func (s *Service) guardLastOwner(ctx context.Context, orgID string) error {
	n, err := s.store.CountOwners(ctx, orgID)
	if err != nil {
		return err
	}
	if n <= 1 {
		return ErrLastOwner
	}
	return nil
}

// IssueAPIKey mints a machine credential. The plaintext key is
// returned exactly once; only its bcrypt hash is stored.
func (s *Service) IssueAPIKey(ctx context.Context, orgID, name string) (*contracts.APIKey, string, error) {
	plaintext := crypto.GenerateAPIKey()
	hash, err := crypto.HashPassword(plaintext)
	if err != nil {
		return nil, "", err
	}
	k := &contracts.APIKey{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Name:      name,
		KeyPrefix: crypto.APIKeyPrefix(plaintext),
		KeyHash:   hash,
		Status:    contracts.APIKeyActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAPIKey(ctx, k); err != nil {
		return nil, "", err
	}
	s.logger.InfoContext(ctx, "api key issued", "org_id", orgID, "key_prefix", k.KeyPrefix)
	return k, plaintext, nil
}

// AuthenticateAPIKey resolves a plaintext key to its active record.
// The prefix narrows candidates; bcrypt decides.
func (s *Service) AuthenticateAPIKey(ctx context.Context, key string) (*contracts.APIKey, error) {
	if !crypto.ValidAPIKeyShape(key) {
		return nil, ErrInvalidAPIKey
	}
	candidates, err := s.store.FindAPIKeysByPrefix(ctx, crypto.APIKeyPrefix(key))
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		k := &candidates[i]
		if crypto.VerifyPassword(key, k.KeyHash) {
			now := time.Now().UTC()
			if err := s.store.TouchAPIKey(ctx, k.ID, now); err != nil {
				return nil, err
			}
			k.LastUsedAt = &now
			return k, nil
		}
	}
	return nil, ErrInvalidAPIKey
}
