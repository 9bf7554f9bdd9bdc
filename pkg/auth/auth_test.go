package auth_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk-labs/gateway/pkg/auth"
	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/store"
)

func newService(t *testing.T) (*auth.Service, sqlmock.Sqlmock, *captoken.Codec) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := crypto.NewSigner("test-key")
	require.NoError(t, err)
	codec, err := captoken.New(signer, nil, "session-secret", "HS256", time.Hour)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return auth.NewService(store.NewWithDB(db, "postgres"), codec, logger), mock, codec
}

func userRow(t *testing.T, password string, active bool) *sqlmock.Rows {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	require.NoError(t, err)
	return sqlmock.NewRows(
		[]string{"id", "email", "password_hash", "is_active", "created_at", "last_login_at"}).
		AddRow("user-1", "anna@example.com", hash, active, time.Now().UTC(), nil)
}

func TestLoginSuccess(t *testing.T) {
	svc, mock, codec := newService(t)
	mock.ExpectQuery(`SELECT id, email, password_hash`).
		WillReturnRows(userRow(t, "correct horse", true))
	mock.ExpectExec(`UPDATE users SET last_login_at`).WillReturnResult(sqlmock.NewResult(1, 1))

	token, u, err := svc.Login(context.Background(), "Anna@Example.com ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)
	require.NotNil(t, u.LastLoginAt)

	claims, err := codec.VerifySession(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
}

func TestLoginWrongPassword(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectQuery(`SELECT id, email, password_hash`).
		WillReturnRows(userRow(t, "correct horse", true))

	_, _, err := svc.Login(context.Background(), "anna@example.com", "battery staple")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLoginUnknownUser(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectQuery(`SELECT id, email, password_hash`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "is_active", "created_at", "last_login_at"}))

	_, _, err := svc.Login(context.Background(), "nobody@example.com", "anything")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLoginInactiveUser(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectQuery(`SELECT id, email, password_hash`).
		WillReturnRows(userRow(t, "correct horse", false))

	_, _, err := svc.Login(context.Background(), "anna@example.com", "correct horse")
	assert.ErrorIs(t, err, auth.ErrInactiveUser)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	svc, mock, codec := newService(t)
	token, err := codec.MintSession("user-1", time.Now())
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, email, password_hash`).
		WillReturnRows(userRow(t, "x", true))

	u, err := svc.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)
}

func TestAuthenticateGarbageToken(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Authenticate(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestRequireRole(t *testing.T) {
	svc, mock, _ := newService(t)
	rows := func(role contracts.Role) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "org_id", "user_id", "role", "created_at"}).
			AddRow("m-1", "org-1", "user-1", string(role), time.Now().UTC())
	}

	mock.ExpectQuery(`SELECT id, org_id, user_id, role`).WillReturnRows(rows(contracts.RoleAdmin))
	m, err := svc.RequireRole(context.Background(), "org-1", "user-1", contracts.RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, contracts.RoleAdmin, m.Role)

	mock.ExpectQuery(`SELECT id, org_id, user_id, role`).WillReturnRows(rows(contracts.RoleViewer))
	_, err = svc.RequireRole(context.Background(), "org-1", "user-1", contracts.RoleOperator)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	mock.ExpectQuery(`SELECT id, org_id, user_id, role`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "user_id", "role", "created_at"}))
	_, err = svc.RequireRole(context.Background(), "org-1", "stranger", contracts.RoleViewer)
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestRemoveLastOwnerRefused(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectQuery(`SELECT id, org_id, user_id, role, created_at FROM memberships`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "user_id", "role", "created_at"}).
			AddRow("m-1", "org-1", "user-1", "owner", time.Now().UTC()))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM memberships`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := svc.RemoveMember(context.Background(), "org-1", "m-1")
	assert.ErrorIs(t, err, auth.ErrLastOwner)
}

func TestIssueAndAuthenticateAPIKey(t *testing.T) {
	svc, mock, _ := newService(t)
	mock.ExpectExec(`INSERT INTO api_keys`).WillReturnResult(sqlmock.NewResult(1, 1))

	k, plaintext, err := svc.IssueAPIKey(context.Background(), "org-1", "ci")
	require.NoError(t, err)
	assert.True(t, crypto.ValidAPIKeyShape(plaintext))
	assert.Equal(t, plaintext[:crypto.APIKeyPrefixLen], k.KeyPrefix)
	assert.NotContains(t, k.KeyHash, plaintext)

	mock.ExpectQuery(`SELECT id, org_id, name, key_prefix, key_hash`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "org_id", "name", "key_prefix", "key_hash", "status", "created_at", "last_used_at"}).
			AddRow(k.ID, k.OrgID, k.Name, k.KeyPrefix, k.KeyHash, "active", k.CreatedAt, nil))
	mock.ExpectExec(`UPDATE api_keys SET last_used_at`).WillReturnResult(sqlmock.NewResult(1, 1))

	found, err := svc.AuthenticateAPIKey(context.Background(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, k.ID, found.ID)
	assert.NotNil(t, found.LastUsedAt)
}

func TestAuthenticateAPIKeyRejectsBadShape(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.AuthenticateAPIKey(context.Background(), "sk-live-wrong-vendor")
	assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Acme Corp":          "acme-corp",
		"  Crédit Agricole ": "credit-agricole",
		"Ops/Infra (EU)":     "ops-infra-eu",
		"--already--slugged": "already-slugged",
		"ÅNGSTRÖM Labs 2":    "angstrom-labs-2",
	}
	for in, want := range cases {
		assert.Equal(t, want, auth.Slugify(in), "input %q", in)
	}
}
