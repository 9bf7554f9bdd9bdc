// Package record seals decided actions into the append-only audit
// chain and verifies or exports existing chains.
package record

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/uapk-labs/gateway/pkg/canonicaljson"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/store"
)

// NewRecordID returns a fresh interaction record identifier.
func NewRecordID() string {
	return "ir-" + crypto.RandomHex(10)
}

// NewExportID returns a fresh export identifier.
func NewExportID() string {
	return "export-" + crypto.RandomHex(12)
}

// Draft carries everything known about a decided action before it is
// chained. Hashes, chain linkage and the signature are filled in by
// Seal.
type Draft struct {
	OrgID   string
	UAPKID  string
	AgentID string

	ActionType string
	Tool       string
	Request    map[string]any

	Decision       contracts.Decision
	DecisionReason string
	Reasons        []contracts.Reason
	Trace          *contracts.PolicyTrace

	Result     map[string]any
	ResultHash string

	DurationMs        int64
	CapabilityTokenID string
}

// Service seals, verifies and exports interaction records.
type Service struct {
	store  *store.Store
	signer *crypto.Signer
	logger *slog.Logger
}

// NewService builds a record service.
func NewService(st *store.Store, signer *crypto.Signer, logger *slog.Logger) *Service {
	return &Service{store: st, signer: signer, logger: logger.With("component", "record")}
}

// Seal appends a draft to its (org, uapk) chain. The previous-hash
// link, the record hash and the gateway signature are all fixed while
// the chain head is locked, so concurrent seals cannot interleave.
func (s *Service) Seal(ctx context.Context, draft *Draft) (*contracts.InteractionRecord, error) {
	requestHash, err := canonicaljson.Hash(draft.Request)
	if err != nil {
		return nil, err
	}
	reasons := draft.Reasons
	if reasons == nil {
		reasons = []contracts.Reason{}
	}
	reasonsJSON, err := canonicaljson.String(reasons)
	if err != nil {
		return nil, err
	}
	trace := draft.Trace
	if trace == nil {
		trace = &contracts.PolicyTrace{}
	}
	traceJSON, err := canonicaljson.String(trace)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.AppendRecord(ctx, draft.OrgID, draft.UAPKID,
		func(prev string) (*contracts.InteractionRecord, error) {
			r := &contracts.InteractionRecord{
				ID:                 uuid.NewString(),
				RecordID:           NewRecordID(),
				OrgID:              draft.OrgID,
				UAPKID:             draft.UAPKID,
				AgentID:            draft.AgentID,
				ActionType:         draft.ActionType,
				Tool:               draft.Tool,
				Request:            draft.Request,
				RequestHash:        requestHash,
				Decision:           draft.Decision,
				DecisionReason:     draft.DecisionReason,
				ReasonsJSON:        reasonsJSON,
				PolicyTrace:        traceJSON,
				Result:             draft.Result,
				ResultHash:         draft.ResultHash,
				DurationMs:         draft.DurationMs,
				CapabilityTokenID:  draft.CapabilityTokenID,
				// timestamptz round-trips at microsecond precision; any
				// finer component in the hashed timestamp would break
				// verification of records re-read from the store.
				PreviousRecordHash: prev,
				CreatedAt:          time.Now().UTC().Truncate(time.Microsecond),
			}
			hash, err := canonicaljson.Hash(r.HashableSubset())
			if err != nil {
				return nil, err
			}
			r.RecordHash = hash
			r.GatewaySignature = s.signer.SignHex(hash)
			return r, nil
		})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "record sealed",
		"record_id", rec.RecordID,
		"org_id", rec.OrgID,
		"uapk_id", rec.UAPKID,
		"decision", rec.Decision,
		"record_hash", rec.RecordHash)
	return rec, nil
}
