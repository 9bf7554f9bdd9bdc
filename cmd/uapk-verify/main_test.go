package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uapk-labs/gateway/pkg/canonicaljson"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
)

func sealed(t *testing.T, signer *crypto.Signer, recordID, prevHash string) contracts.InteractionRecord {
	t.Helper()
	r := contracts.InteractionRecord{
		ID:                 recordID,
		RecordID:           recordID,
		OrgID:              "org-1",
		UAPKID:             "billing-bot",
		AgentID:            "agent-1",
		ActionType:         "email",
		Tool:               "send",
		RequestHash:        "deadbeef",
		Decision:           contracts.DecisionApproved,
		ReasonsJSON:        "[]",
		PolicyTrace:        "[]",
		PreviousRecordHash: prevHash,
		CreatedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	hash, err := canonicaljson.Hash(r.HashableSubset())
	require.NoError(t, err)
	r.RecordHash = hash
	r.GatewaySignature = signer.SignHex(hash)
	return r
}

func writeExport(t *testing.T, signer *crypto.Signer, records []contracts.InteractionRecord) string {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	require.NoError(t, enc.Encode(map[string]any{
		"type":               "metadata",
		"uapk_id":            "billing-bot",
		"record_count":       len(records),
		"gateway_public_key": signer.PublicKeyBase64(),
	}))
	for i := range records {
		line := struct {
			Type string `json:"type"`
			contracts.InteractionRecord
		}{Type: "record", InteractionRecord: records[i]}
		require.NoError(t, enc.Encode(line))
	}
	path := filepath.Join(t.TempDir(), "export.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestVerifyValidChain(t *testing.T) {
	signer, err := crypto.NewSigner("gateway")
	require.NoError(t, err)

	first := sealed(t, signer, "ir-001", "")
	second := sealed(t, signer, "ir-002", first.RecordHash)
	path := writeExport(t, signer, []contracts.InteractionRecord{first, second})

	var stdout, stderr bytes.Buffer
	code := run([]string{"-input", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "result:     VALID")
	require.Contains(t, stdout.String(), "records:    2")
}

func TestVerifyDetectsTampering(t *testing.T) {
	signer, err := crypto.NewSigner("gateway")
	require.NoError(t, err)

	first := sealed(t, signer, "ir-001", "")
	second := sealed(t, signer, "ir-002", first.RecordHash)
	second.ReasonsJSON = `[{"code":"FORGED"}]`
	path := writeExport(t, signer, []contracts.InteractionRecord{first, second})

	var stdout, stderr bytes.Buffer
	code := run([]string{"-input", path}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stdout.String(), "result:     INVALID")
	require.Contains(t, stdout.String(), "ir-002")
}

func TestVerifyJSONReport(t *testing.T) {
	signer, err := crypto.NewSigner("gateway")
	require.NoError(t, err)

	first := sealed(t, signer, "ir-001", "")
	path := writeExport(t, signer, []contracts.InteractionRecord{first})

	var stdout, stderr bytes.Buffer
	code := run([]string{"-input", path, "-json"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var report contracts.ChainVerification
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.True(t, report.IsValid)
	require.Equal(t, 1, report.RecordCount)
}

func TestVerifySkipSignatures(t *testing.T) {
	signer, err := crypto.NewSigner("gateway")
	require.NoError(t, err)

	first := sealed(t, signer, "ir-001", "")
	first.GatewaySignature = "bm90LWEtc2lnbmF0dXJl"
	path := writeExport(t, signer, []contracts.InteractionRecord{first})

	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run([]string{"-input", path}, &stdout, &stderr))

	stdout.Reset()
	code := run([]string{"-input", path, "-skip-signatures"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "signatures: skipped")
}

func TestVerifyRejectsGarbageInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json at all\n"), 0o600))

	var stdout, stderr bytes.Buffer
	code := run([]string{"-input", path}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.True(t, strings.Contains(stderr.String(), "uapk-verify:"))
}
