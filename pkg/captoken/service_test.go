package captoken_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/store"
)

func newTokenService(t *testing.T) (*captoken.Service, sqlmock.Sqlmock, *captoken.Codec) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	codec := newCodec(t, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return captoken.NewService(store.NewWithDB(db, "postgres"), codec, logger), mock, codec
}

func manifestRow(status contracts.ManifestStatus, capabilities string) *sqlmock.Rows {
	doc := `{"uapk_id":"billing-bot","version":"1.0.0","capabilities":{"requested":` + capabilities + `}}`
	return sqlmock.NewRows([]string{
		"id", "org_id", "uapk_id", "version", "manifest_json", "manifest_hash",
		"status", "description", "created_at",
	}).AddRow("m-1", "org-1", "billing-bot", "1.0.0", doc, "deadbeef",
		string(status), nil, time.Now().UTC())
}

func TestIssueAgainstActiveManifest(t *testing.T) {
	svc, mock, codec := newTokenService(t)
	mock.ExpectQuery(`SELECT .* FROM uapk_manifests`).
		WillReturnRows(manifestRow(contracts.ManifestActive, `["email:send","payment:transfer"]`))
	mock.ExpectExec(`INSERT INTO capability_tokens`).WillReturnResult(sqlmock.NewResult(1, 1))

	tok, raw, err := svc.Issue(context.Background(), captoken.IssueRequest{
		OrgID:            "org-1",
		AgentID:          "billing-bot",
		ManifestID:       "m-1",
		Capabilities:     []string{"email:send"},
		ExpiresInSeconds: 3600,
		IssuedBy:         "user-1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Contains(t, tok.TokenID, "cap-")
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)

	claims, err := codec.VerifyCapability(raw)
	require.NoError(t, err)
	assert.Equal(t, tok.TokenID, claims.TokenID())
	assert.Equal(t, "billing-bot", claims.UAPKID) // taken from the manifest
	assert.Equal(t, []string{"email:send"}, claims.Capabilities)
}

func TestIssueRefusesInactiveManifest(t *testing.T) {
	svc, mock, _ := newTokenService(t)
	mock.ExpectQuery(`SELECT .* FROM uapk_manifests`).
		WillReturnRows(manifestRow(contracts.ManifestPending, `["email:send"]`))

	_, _, err := svc.Issue(context.Background(), captoken.IssueRequest{
		OrgID:        "org-1",
		AgentID:      "billing-bot",
		ManifestID:   "m-1",
		Capabilities: []string{"email:send"},
	})
	assert.ErrorIs(t, err, captoken.ErrManifestNotActive)
}

func TestIssueRefusesUndeclaredCapability(t *testing.T) {
	svc, mock, _ := newTokenService(t)
	mock.ExpectQuery(`SELECT .* FROM uapk_manifests`).
		WillReturnRows(manifestRow(contracts.ManifestActive, `["email:send"]`))

	_, _, err := svc.Issue(context.Background(), captoken.IssueRequest{
		OrgID:        "org-1",
		AgentID:      "billing-bot",
		ManifestID:   "m-1",
		Capabilities: []string{"payment:transfer"},
	})
	assert.ErrorIs(t, err, captoken.ErrCapabilityNotDeclared)
}

func TestIssueAcceptsGlobCoveredCapability(t *testing.T) {
	svc, mock, _ := newTokenService(t)
	mock.ExpectQuery(`SELECT .* FROM uapk_manifests`).
		WillReturnRows(manifestRow(contracts.ManifestActive, `["file:*"]`))
	mock.ExpectExec(`INSERT INTO capability_tokens`).WillReturnResult(sqlmock.NewResult(1, 1))

	_, _, err := svc.Issue(context.Background(), captoken.IssueRequest{
		OrgID:        "org-1",
		AgentID:      "archivist",
		ManifestID:   "m-1",
		Capabilities: []string{"file:read"},
	})
	require.NoError(t, err)
}

func TestIssueWithoutManifest(t *testing.T) {
	svc, mock, _ := newTokenService(t)
	mock.ExpectExec(`INSERT INTO capability_tokens`).WillReturnResult(sqlmock.NewResult(1, 1))

	tok, raw, err := svc.Issue(context.Background(), captoken.IssueRequest{
		OrgID:        "org-1",
		AgentID:      "adhoc",
		Capabilities: []string{"email:send"},
		Constraints:  &contracts.TokenConstraints{MaxActions: intPtr(10)},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	require.NotNil(t, tok.MaxActions)
	assert.Equal(t, 10, *tok.MaxActions)
	// Default lifetime applies when none was requested.
	assert.WithinDuration(t, time.Now().Add(captoken.DefaultExpirySeconds*time.Second), tok.ExpiresAt, time.Minute)
}

func tokenRow(revoked bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "token_id", "org_id", "agent_id", "manifest_id", "capabilities",
		"issued_at", "expires_at", "issued_by", "constraints", "max_actions",
		"actions_used", "revoked", "revoked_at", "revoked_reason",
	}).AddRow("uuid-1", "cap-abc", "org-1", "billing-bot", nil, `["email:send"]`,
		time.Now().UTC(), time.Now().UTC().Add(time.Hour), "user-1", nil, nil,
		0, revoked, nil, nil)
}

func TestRevokeRefusesSecondRevocation(t *testing.T) {
	svc, mock, _ := newTokenService(t)
	mock.ExpectQuery(`SELECT .* FROM capability_tokens`).WillReturnRows(tokenRow(true))

	_, err := svc.Revoke(context.Background(), "org-1", "cap-abc", "compromised")
	assert.ErrorIs(t, err, captoken.ErrAlreadyRevoked)
}

func TestGetScopesToOrganization(t *testing.T) {
	svc, mock, _ := newTokenService(t)
	mock.ExpectQuery(`SELECT .* FROM capability_tokens`).WillReturnRows(tokenRow(false))

	_, err := svc.Get(context.Background(), "org-2", "cap-abc")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegisterIssuerRejectsBadKey(t *testing.T) {
	svc, _, _ := newTokenService(t)

	_, err := svc.RegisterIssuer(context.Background(), "org-1", "partner-a", "Partner A", "not-base64!!")
	assert.ErrorIs(t, err, captoken.ErrInvalidPublicKey)
}

func TestStoreIssuerKeysResolvesActiveIssuer(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	signer, err := crypto.NewSigner("issuer-key")
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT .* FROM capability_issuers`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "issuer_id", "name", "public_key", "status", "created_at", "revoked_at",
		}).AddRow("i-1", "org-1", "partner-a", "Partner A", signer.PublicKeyBase64(),
			"active", time.Now().UTC(), nil))

	keys := captoken.StoreIssuerKeys(store.NewWithDB(db, "postgres"))
	pub, err := keys("partner-a")
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), pub)

	mock.ExpectQuery(`SELECT .* FROM capability_issuers`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "issuer_id", "name", "public_key", "status", "created_at", "revoked_at",
		}))
	pub, err = keys("partner-unknown")
	require.NoError(t, err)
	assert.Nil(t, pub)
}
