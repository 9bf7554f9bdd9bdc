package captoken

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/policy"
	"github.com/uapk-labs/gateway/pkg/store"
)

var (
	ErrManifestNotActive     = errors.New("captoken: manifest is not active")
	ErrCapabilityNotDeclared = errors.New("captoken: capability exceeds manifest declaration")
	ErrAlreadyRevoked        = errors.New("captoken: token is already revoked")
	ErrInvalidPublicKey      = errors.New("captoken: invalid issuer public key")
)

// DefaultExpirySeconds applies when an issuance request carries no
// explicit lifetime.
const DefaultExpirySeconds = 3600

// Service issues and manages capability tokens and the registry of
// external issuers whose tokens the gateway accepts.
type Service struct {
	store  *store.Store
	codec  *Codec
	logger *slog.Logger
}

// NewService builds a token service.
func NewService(st *store.Store, codec *Codec, logger *slog.Logger) *Service {
	return &Service{store: st, codec: codec, logger: logger.With("component", "captoken")}
}

// IssueRequest describes a capability token to mint.
type IssueRequest struct {
	OrgID              string
	AgentID            string
	UAPKID             string
	ManifestID         string
	Capabilities       []string
	ExpiresInSeconds   int
	Constraints        *contracts.TokenConstraints
	AllowedActionTypes []string
	AllowedTools       []string
	IssuedBy           string
}

// Issue mints a capability token and persists its state. When a
// manifest is referenced it must be active and the requested
// capabilities must stay inside what the manifest declares. The compact
// token string is returned exactly once and never stored.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*contracts.CapabilityToken, string, error) {
	if req.ManifestID != "" {
		m, err := s.store.GetManifest(ctx, req.OrgID, req.ManifestID)
		if err != nil {
			return nil, "", err
		}
		if m.Status != contracts.ManifestActive {
			return nil, "", fmt.Errorf("%w: status %s", ErrManifestNotActive, m.Status)
		}
		declared, err := manifestCapabilities(m)
		if err != nil {
			return nil, "", err
		}
		for _, c := range req.Capabilities {
			if !capabilityDeclared(declared, c) {
				return nil, "", fmt.Errorf("%w: %q", ErrCapabilityNotDeclared, c)
			}
		}
		if req.UAPKID == "" {
			req.UAPKID = m.UAPKID
		}
	}

	expiresIn := req.ExpiresInSeconds
	if expiresIn <= 0 {
		expiresIn = DefaultExpirySeconds
	}
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(expiresIn) * time.Second)

	t := &contracts.CapabilityToken{
		ID:           uuid.NewString(),
		TokenID:      NewTokenID(),
		OrgID:        req.OrgID,
		AgentID:      req.AgentID,
		ManifestID:   req.ManifestID,
		Capabilities: req.Capabilities,
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
		IssuedBy:     req.IssuedBy,
	}
	if req.Constraints != nil {
		t.Constraints = *req.Constraints
		t.MaxActions = req.Constraints.MaxActions
	}
	if err := s.store.CreateCapabilityToken(ctx, t); err != nil {
		return nil, "", err
	}

	claims := &CapabilityClaims{
		AgentID:            req.AgentID,
		OrgID:              req.OrgID,
		UAPKID:             req.UAPKID,
		Capabilities:       req.Capabilities,
		AllowedActionTypes: req.AllowedActionTypes,
		AllowedTools:       req.AllowedTools,
		Constraints:        req.Constraints,
	}
	claims.Subject = t.TokenID
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	signed, err := s.codec.MintCapability(claims, now)
	if err != nil {
		return nil, "", err
	}

	s.logger.InfoContext(ctx, "capability token issued",
		"org_id", req.OrgID, "agent_id", req.AgentID, "token_id", t.TokenID,
		"capabilities", len(req.Capabilities), "expires_at", expiresAt)
	return t, signed, nil
}

// Get fetches a token's stored state, scoped to an organization.
func (s *Service) Get(ctx context.Context, orgID, tokenID string) (*contracts.CapabilityToken, error) {
	t, err := s.store.GetCapabilityToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if t.OrgID != orgID {
		return nil, store.ErrNotFound
	}
	return t, nil
}

// List pages through an organization's tokens.
func (s *Service) List(ctx context.Context, orgID string, f store.ListTokensFilter) ([]contracts.CapabilityToken, int, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return s.store.ListCapabilityTokens(ctx, orgID, f)
}

// Revoke marks a token revoked. Revoking twice is refused so the
// original revocation reason is never overwritten.
func (s *Service) Revoke(ctx context.Context, orgID, tokenID, reason string) (*contracts.CapabilityToken, error) {
	existing, err := s.Get(ctx, orgID, tokenID)
	if err != nil {
		return nil, err
	}
	if existing.Revoked {
		return nil, ErrAlreadyRevoked
	}
	t, err := s.store.RevokeCapabilityToken(ctx, orgID, tokenID, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "capability token revoked",
		"org_id", orgID, "token_id", tokenID, "reason", reason)
	return t, nil
}

// RevokeAllForAgent revokes every live token of an agent and returns
// how many were affected.
func (s *Service) RevokeAllForAgent(ctx context.Context, orgID, agentID, reason string) (int, error) {
	n, err := s.store.RevokeTokensForAgent(ctx, orgID, agentID, reason, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "agent tokens revoked",
		"org_id", orgID, "agent_id", agentID, "count", n)
	return n, nil
}

// RegisterIssuer records an external issuer whose signed tokens the
// gateway will accept. The public key must be a base64 Ed25519 key.
func (s *Service) RegisterIssuer(ctx context.Context, orgID, issuerID, name, publicKeyB64 string) (*contracts.CapabilityIssuer, error) {
	if _, err := crypto.ParsePublicKey(publicKeyB64); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	i := &contracts.CapabilityIssuer{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		IssuerID:  issuerID,
		Name:      name,
		PublicKey: publicKeyB64,
		Status:    contracts.IssuerActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateIssuer(ctx, i); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "issuer registered", "org_id", orgID, "issuer_id", issuerID)
	return i, nil
}

// GetIssuer fetches an issuer within an organization.
func (s *Service) GetIssuer(ctx context.Context, orgID, issuerID string) (*contracts.CapabilityIssuer, error) {
	return s.store.GetIssuer(ctx, orgID, issuerID)
}

// ListIssuers lists an organization's issuers.
func (s *Service) ListIssuers(ctx context.Context, orgID string) ([]contracts.CapabilityIssuer, error) {
	return s.store.ListIssuers(ctx, orgID)
}

// RevokeIssuer terminally revokes an issuer; its outstanding tokens
// stop verifying immediately.
func (s *Service) RevokeIssuer(ctx context.Context, orgID, issuerID string) (*contracts.CapabilityIssuer, error) {
	if err := s.store.RevokeIssuer(ctx, orgID, issuerID, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "issuer revoked", "org_id", orgID, "issuer_id", issuerID)
	return s.store.GetIssuer(ctx, orgID, issuerID)
}

// StoreIssuerKeys adapts the issuer registry into the codec's key
// lookup. Revoked and unknown issuers resolve to nil, which the codec
// reports as an unknown issuer.
func StoreIssuerKeys(st *store.Store) IssuerKeyFunc {
	return func(issuerID string) (ed25519.PublicKey, error) {
		i, err := st.FindActiveIssuer(context.Background(), issuerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return crypto.ParsePublicKey(i.PublicKey)
	}
}

// capabilityDeclared reports whether a requested grant stays inside the
// manifest's declared capabilities. Verbatim matches always pass;
// otherwise a concrete grant may be covered by a declared glob.
func capabilityDeclared(declared []string, requested string) bool {
	for _, d := range declared {
		if d == requested {
			return true
		}
	}
	return policy.CapabilityAllows(declared, requested)
}

func manifestCapabilities(m *contracts.Manifest) ([]string, error) {
	var spec contracts.ManifestSpec
	if err := json.Unmarshal(m.ManifestJSON, &spec); err != nil {
		return nil, fmt.Errorf("captoken: stored manifest is corrupt: %w", err)
	}
	return spec.Capabilities.Requested, nil
}
