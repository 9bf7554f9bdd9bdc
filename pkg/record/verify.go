package record

import (
	"context"
	"fmt"
	"time"

	"github.com/uapk-labs/gateway/pkg/canonicaljson"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
)

// VerifyChain walks records in chronological order and checks linkage,
// recomputed hashes and signatures. Every defect is collected; nothing
// short-circuits, so one report names all tampered records.
// publicKeyB64 may be empty to skip signature checks (offline verifiers
// without the gateway key).
func VerifyChain(records []contracts.InteractionRecord, publicKeyB64 string) *contracts.ChainVerification {
	v := &contracts.ChainVerification{
		IsValid:     true,
		RecordCount: len(records),
		VerifiedAt:  time.Now().UTC(),
	}
	if len(records) == 0 {
		return v
	}
	v.FirstRecordID = records[0].RecordID
	v.LastRecordID = records[len(records)-1].RecordID
	v.FirstRecordHash = records[0].RecordHash
	v.LastRecordHash = records[len(records)-1].RecordHash

	prev := ""
	for i := range records {
		r := &records[i]

		if r.PreviousRecordHash != prev {
			v.Errors = append(v.Errors, fmt.Sprintf(
				"Record %s: previous_record_hash mismatch. Expected %q, got %q",
				r.RecordID, prev, r.PreviousRecordHash))
		}

		computed, err := canonicaljson.Hash(r.HashableSubset())
		if err != nil {
			v.Errors = append(v.Errors, fmt.Sprintf(
				"Record %s: failed to compute hash: %v", r.RecordID, err))
		} else if computed != r.RecordHash {
			v.Errors = append(v.Errors, fmt.Sprintf(
				"Record %s: record_hash mismatch. Expected %s, got %s",
				r.RecordID, computed, r.RecordHash))
		}

		if publicKeyB64 != "" && r.GatewaySignature != "" {
			ok, err := crypto.VerifyWithKey(publicKeyB64, []byte(r.RecordHash), r.GatewaySignature)
			if err != nil || !ok {
				v.Errors = append(v.Errors, fmt.Sprintf(
					"Record %s: invalid signature", r.RecordID))
			}
		}

		prev = r.RecordHash
	}

	v.IsValid = len(v.Errors) == 0
	return v
}

// VerifyStoredChain loads a (org, uapk) chain and verifies it against
// the gateway's own public key.
func (s *Service) VerifyStoredChain(ctx context.Context, orgID, uapkID string) (*contracts.ChainVerification, error) {
	records, err := s.store.ListChain(ctx, orgID, uapkID)
	if err != nil {
		return nil, err
	}
	return VerifyChain(records, s.signer.PublicKeyBase64()), nil
}
