package approval_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk-labs/gateway/pkg/approval"
	"github.com/uapk-labs/gateway/pkg/canonicaljson"
	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/store"
)

func newService(t *testing.T) (*approval.Service, sqlmock.Sqlmock, *captoken.Codec) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := crypto.NewSigner("test-key")
	require.NoError(t, err)
	codec, err := captoken.New(signer, nil, "session-secret", "HS256", time.Hour)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := approval.NewService(store.NewWithDB(db, "postgres"), codec, 24*time.Hour, logger)
	return svc, mock, codec
}

var approvalCols = []string{
	"id", "approval_id", "org_id", "interaction_id", "uapk_id", "agent_id", "action",
	"counterparty", "context", "reason_codes", "status", "created_at", "expires_at",
	"decided_at", "decided_by", "decision_notes", "action_hash", "override_token_hash",
	"override_token_expires_at", "override_token_used_at",
}

func pendingRow(t *testing.T, status contracts.ApprovalStatus, expiresAt time.Time) *sqlmock.Rows {
	t.Helper()
	actionHash, err := approval.ActionHash(testAction())
	require.NoError(t, err)
	return sqlmock.NewRows(approvalCols).AddRow(
		"uuid-1", "appr-1", "org-1", "ir-1", "uapk-1", "agent-1",
		`{"action":"payment:transfer","parameters":{"amount":500}}`,
		nil, nil, `["REQUIRES_HUMAN_APPROVAL"]`, string(status),
		time.Now().UTC().Add(-time.Minute), expiresAt,
		nil, nil, nil, actionHash, nil, nil, nil)
}

func testAction() map[string]any {
	return map[string]any{
		"action":     "payment:transfer",
		"parameters": map[string]any{"amount": 500},
	}
}

func TestCreatePendingApproval(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectExec(`INSERT INTO approvals`).WillReturnResult(sqlmock.NewResult(1, 1))

	a, err := svc.Create(context.Background(), approval.CreateRequest{
		OrgID:         "org-1",
		InteractionID: "ir-1",
		UAPKID:        "uapk-1",
		AgentID:       "agent-1",
		Action:        testAction(),
		ReasonCodes:   []string{"REQUIRES_HUMAN_APPROVAL"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, contracts.ApprovalPending, a.Status)
	assert.NotEmpty(t, a.ActionHash)
	require.NotNil(t, a.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *a.ExpiresAt, time.Minute)

	wantHash, err := canonicaljson.Hash(testAction())
	require.NoError(t, err)
	assert.Equal(t, wantHash, a.ActionHash)
}

func TestApproveMintsBoundOverrideToken(t *testing.T) {
	svc, mock, codec := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM approvals .*FOR UPDATE`).
		WillReturnRows(pendingRow(t, contracts.ApprovalPending, time.Now().UTC().Add(time.Hour)))
	mock.ExpectExec(`UPDATE approvals SET status`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	decision, err := svc.Approve(context.Background(), "org-1", "appr-1", "user-1", "looks fine", 600)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, contracts.ApprovalApproved, decision.Status)
	assert.Equal(t, "user-1", decision.DecidedBy)
	require.NotEmpty(t, decision.OverrideToken)

	claims, err := codec.VerifyOverride(decision.OverrideToken)
	require.NoError(t, err)
	assert.Equal(t, "appr-1", claims.ApprovalID)
	assert.Equal(t, "org-1", claims.OrgID)

	wantHash, err := approval.ActionHash(testAction())
	require.NoError(t, err)
	assert.Equal(t, wantHash, claims.ActionHash)

	require.NotNil(t, decision.OverrideTokenExpiresAt)
	assert.WithinDuration(t, decision.DecidedAt.Add(600*time.Second), *decision.OverrideTokenExpiresAt, time.Second)
}

func TestApproveClampsTokenTTL(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM approvals .*FOR UPDATE`).
		WillReturnRows(pendingRow(t, contracts.ApprovalPending, time.Now().UTC().Add(time.Hour)))
	mock.ExpectExec(`UPDATE approvals SET status`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	decision, err := svc.Approve(context.Background(), "org-1", "appr-1", "user-1", "", 5)
	require.NoError(t, err)
	require.NotNil(t, decision.OverrideTokenExpiresAt)
	assert.WithinDuration(t, decision.DecidedAt.Add(approval.MinOverrideTTL*time.Second),
		*decision.OverrideTokenExpiresAt, time.Second)
}

func TestApproveAlreadyDecided(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM approvals .*FOR UPDATE`).
		WillReturnRows(pendingRow(t, contracts.ApprovalDenied, time.Now().UTC().Add(time.Hour)))
	mock.ExpectRollback()

	_, err := svc.Approve(context.Background(), "org-1", "appr-1", "user-1", "", 0)
	assert.ErrorIs(t, err, approval.ErrAlreadyDecided)
}

func TestApproveLapsedApprovalExpires(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM approvals .*FOR UPDATE`).
		WillReturnRows(pendingRow(t, contracts.ApprovalPending, time.Now().UTC().Add(-time.Hour)))
	mock.ExpectExec(`UPDATE approvals SET status`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err := svc.Approve(context.Background(), "org-1", "appr-1", "user-1", "", 0)
	assert.ErrorIs(t, err, approval.ErrExpired)
	// The lapsed status was still persisted.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeny(t *testing.T) {
	svc, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM approvals .*FOR UPDATE`).
		WillReturnRows(pendingRow(t, contracts.ApprovalPending, time.Now().UTC().Add(time.Hour)))
	mock.ExpectExec(`UPDATE approvals SET status`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	decision, err := svc.Deny(context.Background(), "org-1", "appr-1", "user-2", "not during quarter close")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalDenied, decision.Status)
	assert.Empty(t, decision.OverrideToken)
}

func mintOverride(t *testing.T, codec *captoken.Codec, action map[string]any) string {
	t.Helper()
	hash, err := approval.ActionHash(action)
	require.NoError(t, err)
	token, err := codec.MintOverride(&captoken.OverrideClaims{
		OrgID:      "org-1",
		UAPKID:     "uapk-1",
		AgentID:    "agent-1",
		ActionHash: hash,
		ApprovalID: "appr-1",
	}, time.Now(), 5*time.Minute)
	require.NoError(t, err)
	return token
}

func TestRedeemBurnsToken(t *testing.T) {
	svc, mock, codec := newService(t)
	token := mintOverride(t, codec, testAction())

	mock.ExpectExec(`INSERT INTO used_override_tokens`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE approvals SET override_token_used_at`).WillReturnResult(sqlmock.NewResult(1, 1))

	claims, err := svc.Redeem(context.Background(), token, testAction())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, "appr-1", claims.ApprovalID)
}

func TestRedeemRejectsDifferentAction(t *testing.T) {
	svc, _, codec := newService(t)
	token := mintOverride(t, codec, testAction())

	tampered := map[string]any{
		"action":     "payment:transfer",
		"parameters": map[string]any{"amount": 50000},
	}
	_, err := svc.Redeem(context.Background(), token, tampered)
	assert.ErrorIs(t, err, approval.ErrActionMismatch)
}

func TestRedeemRejectsReuse(t *testing.T) {
	svc, mock, codec := newService(t)
	token := mintOverride(t, codec, testAction())

	mock.ExpectExec(`INSERT INTO used_override_tokens`).
		WillReturnError(&duplicateKeyError{})

	_, err := svc.Redeem(context.Background(), token, testAction())
	assert.ErrorIs(t, err, approval.ErrTokenReused)
}

func TestRedeemRejectsCapabilityToken(t *testing.T) {
	svc, _, codec := newService(t)
	capToken, err := codec.MintCapability(&captoken.CapabilityClaims{
		AgentID:      "agent-1",
		OrgID:        "org-1",
		Capabilities: []string{"payment:transfer"},
	}, time.Now())
	require.NoError(t, err)

	_, err = svc.Redeem(context.Background(), capToken, testAction())
	assert.Error(t, err)
}

// duplicateKeyError mimics the sqlite unique violation message shape.
type duplicateKeyError struct{}

func (*duplicateKeyError) Error() string {
	return "constraint failed: UNIQUE constraint failed: used_override_tokens.token_hash"
}
