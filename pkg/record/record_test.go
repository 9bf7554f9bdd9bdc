package record_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk-labs/gateway/pkg/canonicaljson"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/record"
	"github.com/uapk-labs/gateway/pkg/store"
)

func newService(t *testing.T) (*record.Service, sqlmock.Sqlmock, *crypto.Signer) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	signer, err := crypto.NewSigner("test-key")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return record.NewService(store.NewWithDB(db, "postgres"), signer, logger), mock, signer
}

func TestSealChainsAndSigns(t *testing.T) {
	svc, mock, signer := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO chain_heads`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT last_record_hash FROM chain_heads.*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"last_record_hash"}).AddRow("prevhash"))
	mock.ExpectExec(`INSERT INTO interaction_records`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE chain_heads SET last_record_hash`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec, err := svc.Seal(context.Background(), &record.Draft{
		OrgID:      "org-1",
		UAPKID:     "uapk-1",
		AgentID:    "agent-1",
		ActionType: "email",
		Tool:       "send",
		Request:    map[string]any{"to": "ops@example.com"},
		Decision:   contracts.DecisionApproved,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.True(t, strings.HasPrefix(rec.RecordID, "ir-"))
	assert.Len(t, rec.RecordID, 23)
	assert.Equal(t, "prevhash", rec.PreviousRecordHash)

	recomputed, err := canonicaljson.Hash(rec.HashableSubset())
	require.NoError(t, err)
	assert.Equal(t, recomputed, rec.RecordHash)
	assert.True(t, signer.Verify([]byte(rec.RecordHash), rec.GatewaySignature))
}

func TestSealSurvivesTimestampStorageRoundTrip(t *testing.T) {
	svc, mock, signer := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO chain_heads`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT last_record_hash FROM chain_heads.*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"last_record_hash"}).AddRow(""))
	mock.ExpectExec(`INSERT INTO interaction_records`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE chain_heads SET last_record_hash`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec, err := svc.Seal(context.Background(), &record.Draft{
		OrgID:      "org-1",
		UAPKID:     "uapk-1",
		AgentID:    "agent-1",
		ActionType: "email",
		Tool:       "send",
		Request:    map[string]any{"to": "ops@example.com"},
		Decision:   contracts.DecisionApproved,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// The sealed timestamp carries no sub-microsecond component.
	assert.Equal(t, rec.CreatedAt, rec.CreatedAt.Truncate(time.Microsecond))

	// A timestamptz column hands back microseconds at most; the chain
	// must still verify after that round trip.
	roundTripped := *rec
	roundTripped.CreatedAt = roundTripped.CreatedAt.Truncate(time.Microsecond)
	v := record.VerifyChain([]contracts.InteractionRecord{roundTripped}, signer.PublicKeyBase64())
	assert.True(t, v.IsValid, "errors: %v", v.Errors)
}

// sealLocal builds a chained, signed record without touching a store.
func sealLocal(t *testing.T, signer *crypto.Signer, prev string, seq int) contracts.InteractionRecord {
	t.Helper()
	r := contracts.InteractionRecord{
		ID:                 fmt.Sprintf("id-%d", seq),
		RecordID:           fmt.Sprintf("ir-%020d", seq),
		OrgID:              "org-1",
		UAPKID:             "uapk-1",
		AgentID:            "agent-1",
		ActionType:         "email",
		Tool:               "send",
		RequestHash:        "reqhash",
		Decision:           contracts.DecisionApproved,
		ReasonsJSON:        "[]",
		PolicyTrace:        "{}",
		PreviousRecordHash: prev,
		CreatedAt:          time.Date(2025, 3, 14, 12, 0, seq, 0, time.UTC),
	}
	hash, err := canonicaljson.Hash(r.HashableSubset())
	require.NoError(t, err)
	r.RecordHash = hash
	r.GatewaySignature = signer.SignHex(hash)
	return r
}

func chainOf(t *testing.T, signer *crypto.Signer, n int) []contracts.InteractionRecord {
	t.Helper()
	var records []contracts.InteractionRecord
	prev := ""
	for i := 0; i < n; i++ {
		r := sealLocal(t, signer, prev, i)
		records = append(records, r)
		prev = r.RecordHash
	}
	return records
}

func TestVerifyChainValid(t *testing.T) {
	signer, err := crypto.NewSigner("test-key")
	require.NoError(t, err)
	records := chainOf(t, signer, 4)

	v := record.VerifyChain(records, signer.PublicKeyBase64())
	assert.True(t, v.IsValid)
	assert.Equal(t, 4, v.RecordCount)
	assert.Equal(t, records[0].RecordID, v.FirstRecordID)
	assert.Equal(t, records[3].RecordHash, v.LastRecordHash)
	assert.Empty(t, v.Errors)
}

func TestVerifyChainEmpty(t *testing.T) {
	v := record.VerifyChain(nil, "")
	assert.True(t, v.IsValid)
	assert.Zero(t, v.RecordCount)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	signer, err := crypto.NewSigner("test-key")
	require.NoError(t, err)
	records := chainOf(t, signer, 3)

	// Tamper with a middle record after sealing.
	records[1].Decision = contracts.DecisionDenied

	v := record.VerifyChain(records, signer.PublicKeyBase64())
	assert.False(t, v.IsValid)
	require.NotEmpty(t, v.Errors)
	assert.Contains(t, strings.Join(v.Errors, "\n"), "record_hash mismatch")
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	signer, err := crypto.NewSigner("test-key")
	require.NoError(t, err)
	records := chainOf(t, signer, 3)

	// Drop the middle record: the successor's link no longer matches.
	spliced := []contracts.InteractionRecord{records[0], records[2]}

	v := record.VerifyChain(spliced, signer.PublicKeyBase64())
	assert.False(t, v.IsValid)
	assert.Contains(t, strings.Join(v.Errors, "\n"), "previous_record_hash mismatch")
}

func TestVerifyChainDetectsForgedSignature(t *testing.T) {
	signer, err := crypto.NewSigner("gateway")
	require.NoError(t, err)
	forger, err := crypto.NewSigner("forger")
	require.NoError(t, err)

	records := chainOf(t, signer, 2)
	records[1].GatewaySignature = forger.SignHex(records[1].RecordHash)

	v := record.VerifyChain(records, signer.PublicKeyBase64())
	assert.False(t, v.IsValid)
	assert.Contains(t, strings.Join(v.Errors, "\n"), "invalid signature")
}

func TestVerifyChainSkipsSignaturesWithoutKey(t *testing.T) {
	signer, err := crypto.NewSigner("gateway")
	require.NoError(t, err)
	records := chainOf(t, signer, 2)
	records[1].GatewaySignature = "not even base64"

	v := record.VerifyChain(records, "")
	assert.True(t, v.IsValid)
}

func TestJSONLRoundTrip(t *testing.T) {
	signer, err := crypto.NewSigner("gateway")
	require.NoError(t, err)
	records := chainOf(t, signer, 3)
	start := records[0].CreatedAt
	end := records[2].CreatedAt

	bundle := &record.ExportBundle{
		ExportID:          record.NewExportID(),
		ExportedAt:        time.Now().UTC(),
		UAPKID:            "uapk-1",
		OrgID:             "org-1",
		RecordCount:       len(records),
		TimeRange:         record.TimeRange{Start: &start, End: &end},
		ChainVerification: record.VerifyChain(records, signer.PublicKeyBase64()),
		ManifestSnapshot: &record.ManifestSnapshot{
			UAPKID:       "uapk-1",
			Version:      "1.0.0",
			ManifestHash: "abc",
			Status:       "active",
			ManifestJSON: []byte(`{"uapk_id":"uapk-1"}`),
			CreatedAt:    start,
		},
		Records:          records,
		GatewayPublicKey: signer.PublicKeyBase64(),
	}

	var buf bytes.Buffer
	require.NoError(t, bundle.WriteJSONL(&buf))
	assert.Equal(t, 1+1+3, bytes.Count(buf.Bytes(), []byte("\n")))

	parsed, manifest, publicKey, err := record.ReadJSONL(&buf)
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, "1.0.0", manifest.Version)
	assert.Equal(t, signer.PublicKeyBase64(), publicKey)
	require.Len(t, parsed, 3)

	// The re-parsed chain still verifies end to end.
	v := record.VerifyChain(parsed, publicKey)
	assert.True(t, v.IsValid, "errors: %v", v.Errors)
}

func TestSummarize(t *testing.T) {
	signer, err := crypto.NewSigner("gateway")
	require.NoError(t, err)
	records := chainOf(t, signer, 2)

	bundle := &record.ExportBundle{
		ExportID:          "export-abc",
		UAPKID:            "uapk-1",
		RecordCount:       2,
		ChainVerification: record.VerifyChain(records, ""),
	}
	summary := bundle.Summarize()
	assert.Equal(t, "export-abc", summary.ExportID)
	assert.Equal(t, 2, summary.RecordCount)
	assert.True(t, summary.ChainValid)
	assert.Equal(t, records[0].RecordHash, summary.FirstRecordHash)
}
