// Package approval runs the human decision loop for escalated actions:
// pending tasks, terminal approve/deny decisions, and the single-use
// override tokens minted on approval.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/uapk-labs/gateway/pkg/canonicaljson"
	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/store"
)

var (
	ErrAlreadyDecided = errors.New("approval: already decided")
	ErrExpired        = errors.New("approval: expired")
	ErrActionMismatch = errors.New("approval: action does not match override token")
	ErrTokenReused    = errors.New("approval: override token already used")
)

// Override token lifetime bounds, in seconds.
const (
	DefaultOverrideTTL = 300
	MinOverrideTTL     = 60
	MaxOverrideTTL     = 3600
)

// NewApprovalID returns a fresh approval identifier.
func NewApprovalID() string {
	return "appr-" + crypto.RandomHex(10)
}

// ActionHash computes the hash an override token is bound to.
func ActionHash(action map[string]any) (string, error) {
	return canonicaljson.Hash(action)
}

// TokenHash is the storage digest of a raw override token. Only the
// digest is persisted; the token itself is returned once.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Service manages the approval lifecycle.
type Service struct {
	store  *store.Store
	codec  *captoken.Codec
	expiry time.Duration
	logger *slog.Logger
}

// NewService builds an approval service. expiry bounds how long a
// pending approval waits before lapsing.
func NewService(st *store.Store, codec *captoken.Codec, expiry time.Duration, logger *slog.Logger) *Service {
	return &Service{store: st, codec: codec, expiry: expiry, logger: logger.With("component", "approval")}
}

// CreateRequest captures the escalated action awaiting a decision.
type CreateRequest struct {
	OrgID         string
	InteractionID string
	UAPKID        string
	AgentID       string
	Action        map[string]any
	Counterparty  string
	Context       map[string]any
	ReasonCodes   []string
}

// Create opens a pending approval. The action hash is fixed now so the
// later override token binds to exactly what the agent submitted.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*contracts.Approval, error) {
	hash, err := ActionHash(req.Action)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expires := now.Add(s.expiry)
	reasons := req.ReasonCodes
	if reasons == nil {
		reasons = []string{}
	}
	a := &contracts.Approval{
		ID:            uuid.NewString(),
		ApprovalID:    NewApprovalID(),
		OrgID:         req.OrgID,
		InteractionID: req.InteractionID,
		UAPKID:        req.UAPKID,
		AgentID:       req.AgentID,
		Action:        req.Action,
		Counterparty:  req.Counterparty,
		Context:       req.Context,
		ReasonCodes:   reasons,
		Status:        contracts.ApprovalPending,
		CreatedAt:     now,
		ExpiresAt:     &expires,
		ActionHash:    hash,
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "approval created",
		"approval_id", a.ApprovalID, "org_id", a.OrgID, "uapk_id", a.UAPKID,
		"reason_codes", a.ReasonCodes)
	return a, nil
}

// Get fetches one approval.
func (s *Service) Get(ctx context.Context, orgID, approvalID string) (*contracts.Approval, error) {
	return s.store.GetApproval(ctx, orgID, approvalID)
}

// List lists approvals with optional filters.
func (s *Service) List(ctx context.Context, orgID string, f store.ListApprovalsFilter) ([]contracts.Approval, int, error) {
	return s.store.ListApprovals(ctx, orgID, f)
}

// Pending sweeps lapsed approvals to expired, then returns what is
// still waiting.
func (s *Service) Pending(ctx context.Context, orgID string, limit int) ([]contracts.Approval, error) {
	if n, err := s.store.ExpireApprovals(ctx, orgID, time.Now().UTC()); err != nil {
		return nil, err
	} else if n > 0 {
		s.logger.InfoContext(ctx, "expired lapsed approvals", "org_id", orgID, "count", n)
	}
	items, _, err := s.store.ListApprovals(ctx, orgID, store.ListApprovalsFilter{
		Status: contracts.ApprovalPending,
		Limit:  limit,
	})
	return items, err
}

// Stats aggregates approval counts.
func (s *Service) Stats(ctx context.Context, orgID string) (*contracts.ApprovalStats, error) {
	return s.store.ApprovalStats(ctx, orgID)
}

// Decision is the outcome of an approve or deny call. OverrideToken is
// populated only on approval and never stored.
type Decision struct {
	ApprovalID             string                   `json:"approval_id"`
	Status                 contracts.ApprovalStatus `json:"status"`
	DecidedAt              time.Time                `json:"decided_at"`
	DecidedBy              string                   `json:"decided_by"`
	OverrideToken          string                   `json:"override_token,omitempty"`
	OverrideTokenExpiresAt *time.Time               `json:"override_token_expires_at,omitempty"`
}

// Approve decides a pending approval and mints its override token. The
// token is bound to the approval's action hash, expires after
// ttlSeconds (clamped to [60, 3600], default 300), and is single-use.
// A lapsed approval is marked expired instead of approved.
func (s *Service) Approve(ctx context.Context, orgID, approvalID, userID, notes string, ttlSeconds int) (*Decision, error) {
	if ttlSeconds == 0 {
		ttlSeconds = DefaultOverrideTTL
	}
	if ttlSeconds < MinOverrideTTL {
		ttlSeconds = MinOverrideTTL
	}
	if ttlSeconds > MaxOverrideTTL {
		ttlSeconds = MaxOverrideTTL
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	now := time.Now().UTC()

	var token string
	decided, err := s.store.DecideApproval(ctx, orgID, approvalID, func(a *contracts.Approval) error {
		if a.Status != contracts.ApprovalPending {
			return ErrAlreadyDecided
		}
		if a.ExpiredAt(now) {
			a.Status = contracts.ApprovalExpired
			a.DecidedAt = &now
			return nil
		}

		hash := a.ActionHash
		if hash == "" {
			h, err := ActionHash(a.Action)
			if err != nil {
				return err
			}
			hash = h
		}
		minted, err := s.codec.MintOverride(&captoken.OverrideClaims{
			OrgID:      a.OrgID,
			UAPKID:     a.UAPKID,
			AgentID:    a.AgentID,
			ActionHash: hash,
			ApprovalID: a.ApprovalID,
		}, now, ttl)
		if err != nil {
			return err
		}

		tokenExpires := now.Add(ttl)
		a.Status = contracts.ApprovalApproved
		a.DecidedAt = &now
		a.DecidedBy = userID
		a.DecisionNotes = notes
		a.ActionHash = hash
		a.OverrideTokenHash = TokenHash(minted)
		a.OverrideTokenExpiresAt = &tokenExpires
		token = minted
		return nil
	})
	if err != nil {
		return nil, err
	}
	if decided.Status == contracts.ApprovalExpired {
		return nil, ErrExpired
	}

	s.logger.InfoContext(ctx, "approval approved",
		"approval_id", approvalID, "org_id", orgID, "decided_by", userID,
		"token_ttl_seconds", ttlSeconds)
	return &Decision{
		ApprovalID:             decided.ApprovalID,
		Status:                 decided.Status,
		DecidedAt:              *decided.DecidedAt,
		DecidedBy:              decided.DecidedBy,
		OverrideToken:          token,
		OverrideTokenExpiresAt: decided.OverrideTokenExpiresAt,
	}, nil
}

// Deny decides a pending approval terminally with no token.
func (s *Service) Deny(ctx context.Context, orgID, approvalID, userID, notes string) (*Decision, error) {
	now := time.Now().UTC()
	decided, err := s.store.DecideApproval(ctx, orgID, approvalID, func(a *contracts.Approval) error {
		if a.Status != contracts.ApprovalPending {
			return ErrAlreadyDecided
		}
		if a.ExpiredAt(now) {
			a.Status = contracts.ApprovalExpired
			a.DecidedAt = &now
			return nil
		}
		a.Status = contracts.ApprovalDenied
		a.DecidedAt = &now
		a.DecidedBy = userID
		a.DecisionNotes = notes
		return nil
	})
	if err != nil {
		return nil, err
	}
	if decided.Status == contracts.ApprovalExpired {
		return nil, ErrExpired
	}

	s.logger.InfoContext(ctx, "approval denied",
		"approval_id", approvalID, "org_id", orgID, "decided_by", userID)
	return &Decision{
		ApprovalID: decided.ApprovalID,
		Status:     decided.Status,
		DecidedAt:  *decided.DecidedAt,
		DecidedBy:  decided.DecidedBy,
	}, nil
}

// Redeem validates an override token against the action an agent is
// retrying and burns it. The checks, in order: genuine and unexpired
// signature, action hash match, then the single-use insert. The insert
// is last so a losing race never reports a mismatch as reuse.
func (s *Service) Redeem(ctx context.Context, token string, action map[string]any) (*captoken.OverrideClaims, error) {
	claims, err := s.codec.VerifyOverride(token)
	if err != nil {
		return nil, err
	}

	hash, err := ActionHash(action)
	if err != nil {
		return nil, err
	}
	if hash != claims.ActionHash {
		return nil, ErrActionMismatch
	}

	now := time.Now().UTC()
	err = s.store.ConsumeOverrideToken(ctx, &contracts.UsedOverrideToken{
		TokenHash:  TokenHash(token),
		OrgID:      claims.OrgID,
		ApprovalID: claims.ApprovalID,
		ActionHash: claims.ActionHash,
		UsedAt:     now,
		ExpiresAt:  claims.ExpiresAt.Time,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrTokenReused
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.MarkOverrideUsed(ctx, claims.OrgID, claims.ApprovalID, now); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "override token redeemed",
		"approval_id", claims.ApprovalID, "org_id", claims.OrgID)
	return claims, nil
}
