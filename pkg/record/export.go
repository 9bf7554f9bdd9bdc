package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/store"
)

// TimeRange bounds the records covered by an export.
type TimeRange struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

// ManifestSnapshot pins the exported chain to the manifest it ran under.
type ManifestSnapshot struct {
	UAPKID       string          `json:"uapk_id"`
	Version      string          `json:"version"`
	ManifestHash string          `json:"manifest_hash"`
	Status       string          `json:"status"`
	ManifestJSON json.RawMessage `json:"manifest_json"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ExportBundle is a complete, self-verifying chain export.
type ExportBundle struct {
	ExportID          string                        `json:"export_id"`
	ExportedAt        time.Time                     `json:"exported_at"`
	UAPKID            string                        `json:"uapk_id"`
	OrgID             string                        `json:"org_id"`
	RecordCount       int                           `json:"record_count"`
	TimeRange         TimeRange                     `json:"time_range"`
	ChainVerification *contracts.ChainVerification  `json:"chain_verification"`
	ManifestSnapshot  *ManifestSnapshot             `json:"manifest_snapshot,omitempty"`
	Records           []contracts.InteractionRecord `json:"records"`
	GatewayPublicKey  string                        `json:"gateway_public_key"`
}

// ExportSummary is the lightweight response for an export request.
type ExportSummary struct {
	ExportID        string     `json:"export_id"`
	UAPKID          string     `json:"uapk_id"`
	RecordCount     int        `json:"record_count"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	FirstRecordHash string     `json:"first_record_hash,omitempty"`
	LastRecordHash  string     `json:"last_record_hash,omitempty"`
	ChainValid      bool       `json:"chain_valid"`
}

// Export builds a full bundle: the chain in insertion order, its
// verification report, and optionally the latest manifest snapshot.
func (s *Service) Export(ctx context.Context, orgID, uapkID string, includeManifest bool) (*ExportBundle, error) {
	records, err := s.store.ListChain(ctx, orgID, uapkID)
	if err != nil {
		return nil, err
	}
	verification := VerifyChain(records, s.signer.PublicKeyBase64())

	bundle := &ExportBundle{
		ExportID:          NewExportID(),
		ExportedAt:        time.Now().UTC(),
		UAPKID:            uapkID,
		OrgID:             orgID,
		RecordCount:       len(records),
		ChainVerification: verification,
		Records:           records,
		GatewayPublicKey:  s.signer.PublicKeyBase64(),
	}
	if len(records) > 0 {
		bundle.TimeRange.Start = &records[0].CreatedAt
		bundle.TimeRange.End = &records[len(records)-1].CreatedAt
	}

	if includeManifest {
		manifest, err := s.store.GetLatestManifestByUAPK(ctx, orgID, uapkID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if manifest != nil {
			bundle.ManifestSnapshot = &ManifestSnapshot{
				UAPKID:       manifest.UAPKID,
				Version:      manifest.Version,
				ManifestHash: manifest.ManifestHash,
				Status:       string(manifest.Status),
				ManifestJSON: json.RawMessage(manifest.ManifestJSON),
				CreatedAt:    manifest.CreatedAt,
			}
		}
	}

	s.logger.InfoContext(ctx, "logs exported",
		"export_id", bundle.ExportID,
		"org_id", orgID,
		"uapk_id", uapkID,
		"record_count", bundle.RecordCount,
		"chain_valid", verification.IsValid)
	return bundle, nil
}

// Summarize reduces a bundle to its export response shape.
func (b *ExportBundle) Summarize() *ExportSummary {
	return &ExportSummary{
		ExportID:        b.ExportID,
		UAPKID:          b.UAPKID,
		RecordCount:     b.RecordCount,
		StartTime:       b.TimeRange.Start,
		EndTime:         b.TimeRange.End,
		FirstRecordHash: b.ChainVerification.FirstRecordHash,
		LastRecordHash:  b.ChainVerification.LastRecordHash,
		ChainValid:      b.ChainVerification.IsValid,
	}
}

// WriteJSONL streams a bundle as JSON lines: one metadata line, an
// optional manifest line, then one line per record. Each line carries a
// "type" discriminator so consumers can split the stream.
func (b *ExportBundle) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)

	metadata := map[string]any{
		"type":                "metadata",
		"export_id":           b.ExportID,
		"exported_at":         contracts.Timestamp(b.ExportedAt),
		"uapk_id":             b.UAPKID,
		"org_id":              b.OrgID,
		"record_count":        b.RecordCount,
		"chain_valid":         b.ChainVerification.IsValid,
		"verification_errors": b.ChainVerification.Errors,
		"gateway_public_key":  b.GatewayPublicKey,
	}
	if err := enc.Encode(metadata); err != nil {
		return fmt.Errorf("record: write export metadata: %w", err)
	}

	if b.ManifestSnapshot != nil {
		line := struct {
			Type string `json:"type"`
			*ManifestSnapshot
		}{Type: "manifest", ManifestSnapshot: b.ManifestSnapshot}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("record: write manifest snapshot: %w", err)
		}
	}

	for i := range b.Records {
		line := struct {
			Type string `json:"type"`
			*contracts.InteractionRecord
		}{Type: "record", InteractionRecord: &b.Records[i]}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("record: write record line: %w", err)
		}
	}
	return nil
}

// ReadJSONL parses a JSONL export back into records and the optional
// manifest snapshot, for offline verification.
func ReadJSONL(r io.Reader) ([]contracts.InteractionRecord, *ManifestSnapshot, string, error) {
	dec := json.NewDecoder(r)
	var records []contracts.InteractionRecord
	var manifest *ManifestSnapshot
	var publicKey string

	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == io.EOF {
			break
		} else if err != nil {
			return nil, nil, "", fmt.Errorf("record: parse export line: %w", err)
		}

		var header struct {
			Type             string `json:"type"`
			GatewayPublicKey string `json:"gateway_public_key"`
		}
		if err := json.Unmarshal(raw, &header); err != nil {
			return nil, nil, "", fmt.Errorf("record: parse export line: %w", err)
		}

		switch header.Type {
		case "metadata":
			publicKey = header.GatewayPublicKey
		case "manifest":
			manifest = &ManifestSnapshot{}
			if err := json.Unmarshal(raw, manifest); err != nil {
				return nil, nil, "", fmt.Errorf("record: parse manifest snapshot: %w", err)
			}
		case "record":
			var rec contracts.InteractionRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, nil, "", fmt.Errorf("record: parse record line: %w", err)
			}
			records = append(records, rec)
		}
	}
	return records, manifest, publicKey, nil
}
