package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk-labs/gateway/pkg/api"
	"github.com/uapk-labs/gateway/pkg/approval"
	"github.com/uapk-labs/gateway/pkg/auth"
	"github.com/uapk-labs/gateway/pkg/budget"
	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/connector"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/gateway"
	"github.com/uapk-labs/gateway/pkg/manifest"
	"github.com/uapk-labs/gateway/pkg/observability"
	"github.com/uapk-labs/gateway/pkg/policy"
	"github.com/uapk-labs/gateway/pkg/record"
	"github.com/uapk-labs/gateway/pkg/store"
)

type fixture struct {
	handler http.Handler
	mock    sqlmock.Sqlmock
	codec   *captoken.Codec
	signer  *crypto.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := crypto.NewSigner("test-key")
	require.NoError(t, err)
	codec, err := captoken.New(signer, nil, "session-secret", "HS256", time.Hour)
	require.NoError(t, err)

	st := store.NewWithDB(db, "postgres")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	obs, err := observability.New(context.Background(), nil, logger)
	require.NoError(t, err)

	manifests := manifest.NewService(st, logger)
	approvals := approval.NewService(st, codec, 24*time.Hour, logger)
	records := record.NewService(st, signer, logger)
	gw := gateway.NewService(
		st, codec, manifests,
		policy.NewEvaluator(st, logger),
		budget.NewService(st, 0, logger),
		approvals,
		connector.NewRegistry(st, nil, 5, nil, logger),
		records, obs, logger,
	)
	srv := api.NewServer(
		st,
		auth.NewService(st, codec, logger),
		captoken.NewService(st, codec, logger),
		manifests, approvals, records, gw, signer,
		api.NewMemoryIdempotency(time.Hour),
		obs, logger,
	)
	return &fixture{handler: srv.Routes(), mock: mock, codec: codec, signer: signer}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) session(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.codec.MintSession(userID, time.Now())
	require.NoError(t, err)
	return token
}

var userCols = []string{"id", "email", "password_hash", "is_active", "created_at", "last_login_at"}

func (f *fixture) expectUser(t *testing.T, password string) {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	require.NoError(t, err)
	f.mock.ExpectQuery(`SELECT id, email, password_hash`).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("user-1", "anna@example.com", hash, true, time.Now().UTC(), nil))
}

var membershipCols = []string{"id", "org_id", "user_id", "role", "created_at"}

func (f *fixture) expectMembership(role contracts.Role) {
	f.mock.ExpectQuery(`SELECT id, org_id, user_id, role, created_at FROM memberships`).
		WillReturnRows(sqlmock.NewRows(membershipCols).
			AddRow("m-1", "org-1", "user-1", string(role), time.Now().UTC()))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestLoginReturnsSessionToken(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "correct horse")
	f.mock.ExpectExec(`UPDATE users SET last_login_at`).WillReturnResult(sqlmock.NewResult(1, 1))

	w := f.do(t, http.MethodPost, "/api/v1/auth/login", "",
		`{"email":"anna@example.com","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "bearer", body["token_type"])

	claims, err := f.codec.VerifySession(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "correct horse")

	w := f.do(t, http.MethodPost, "/api/v1/auth/login", "",
		`{"email":"anna@example.com","password":"battery staple"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid credentials", decode(t, w)["detail"])
}

func TestMissingCredentialDistinguishedFromBad(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Authentication required", decode(t, w)["detail"])

	w = f.do(t, http.MethodGet, "/api/v1/auth/me", "not.a.token", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid credentials", decode(t, w)["detail"])
}

func TestMeReturnsMemberships(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")
	f.mock.ExpectQuery(`SELECT id, org_id, user_id, role, created_at FROM memberships`).
		WillReturnRows(sqlmock.NewRows(membershipCols).
			AddRow("m-1", "org-1", "user-1", "owner", time.Now().UTC()))

	w := f.do(t, http.MethodGet, "/api/v1/auth/me", f.session(t, "user-1"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Len(t, body["memberships"], 1)
}

func TestCreateOrgMakesCallerOwner(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")
	f.mock.ExpectExec(`INSERT INTO organizations`).WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(`INSERT INTO memberships`).WillReturnResult(sqlmock.NewResult(1, 1))

	w := f.do(t, http.MethodPost, "/api/v1/orgs", f.session(t, "user-1"), `{"name":"Acme Corp"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "acme-corp", decode(t, w)["slug"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestManifestCreateRequiresOperator(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")
	f.expectMembership(contracts.RoleViewer)

	w := f.do(t, http.MethodPost, "/api/v1/orgs/org-1/manifests", f.session(t, "user-1"),
		`{"manifest":{"uapk_id":"billing-bot","version":"1.0.0","capabilities":{"requested":["email:send"]}}}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Insufficient role for this operation", decode(t, w)["detail"])
}

func TestManifestCreateAndValidation(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")
	f.expectMembership(contracts.RoleOperator)
	f.mock.ExpectExec(`INSERT INTO uapk_manifests`).WillReturnResult(sqlmock.NewResult(1, 1))

	w := f.do(t, http.MethodPost, "/api/v1/orgs/org-1/manifests", f.session(t, "user-1"),
		`{"manifest":{"uapk_id":"billing-bot","version":"1.0.0","capabilities":{"requested":["email:send"]}}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "pending", decode(t, w)["status"])

	// Bad semver is a schema-level rejection.
	f.expectUser(t, "x")
	f.expectMembership(contracts.RoleOperator)
	w = f.do(t, http.MethodPost, "/api/v1/orgs/org-1/manifests", f.session(t, "user-1"),
		`{"manifest":{"uapk_id":"billing-bot","version":"not-semver","capabilities":{"requested":["email:send"]}}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestIssueTokenRejectsOrgMismatch(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")
	f.expectMembership(contracts.RoleOperator)

	w := f.do(t, http.MethodPost, "/api/v1/orgs/org-1/tokens", f.session(t, "user-1"),
		`{"org_id":"org-2","agent_id":"billing-bot","capabilities":["email:send"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIssueTokenReturnsCompactTokenOnce(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")
	f.expectMembership(contracts.RoleOperator)
	f.mock.ExpectExec(`INSERT INTO capability_tokens`).WillReturnResult(sqlmock.NewResult(1, 1))

	w := f.do(t, http.MethodPost, "/api/v1/orgs/org-1/tokens", f.session(t, "user-1"),
		`{"agent_id":"billing-bot","capabilities":["email:send"],"expires_in_seconds":3600}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	raw, _ := body["capability_token"].(string)
	require.NotEmpty(t, raw)
	claims, err := f.codec.VerifyCapability(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"email:send"}, claims.Capabilities)
}

func TestRevokeAllReportsCount(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")
	f.expectMembership(contracts.RoleAdmin)
	f.mock.ExpectExec(`UPDATE capability_tokens`).WillReturnResult(sqlmock.NewResult(0, 3))

	w := f.do(t, http.MethodPost, "/api/v1/orgs/org-1/tokens/revoke-all/billing-bot",
		f.session(t, "user-1"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(3), decode(t, w)["revoked_count"])
}

func TestGatewayKeyIsPublic(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/capabilities/gateway-key", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "gateway", body["issuer_id"])
	assert.Equal(t, "EdDSA", body["algorithm"])
	assert.Equal(t, f.signer.PublicKeyBase64(), body["public_key"])
}

func TestActionRequiresBearer(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/actions", "",
		`{"action":"email:send","parameters":{}}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestActionValidatesSchema(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/actions", "whatever",
		`{"action":"NotValid","parameters":{}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestActionGarbageBearerIsUnattributableDenial(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/actions", "garbage.token.here",
		`{"action":"email:send","parameters":{"to":"x@y.z"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "denied", body["decision"])
	assert.Equal(t, "error-no-org", body["record_id"])
}

func TestActionIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	payload := `{"action":"email:send","parameters":{"to":"x@y.z"},"idempotency_key":"abc-123"}`

	first := f.do(t, http.MethodPost, "/api/v1/actions", "garbage.token.here", payload)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get("Idempotent-Replay"))

	second := f.do(t, http.MethodPost, "/api/v1/actions", "garbage.token.here", payload)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestApprovalsRequireOrgContext(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")

	w := f.do(t, http.MethodGet, "/api/v1/approvals", f.session(t, "user-1"), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["detail"], "org_id")
}

func TestApprovalStats(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")
	f.expectMembership(contracts.RoleViewer)
	f.mock.ExpectQuery(`SELECT status, COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 2).AddRow("approved", 5))

	w := f.do(t, http.MethodGet, "/api/v1/approvals/stats?org_id=org-1", f.session(t, "user-1"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, float64(2), body["pending"])
	assert.Equal(t, float64(7), body["total"])
}

func TestVerifyChainEmpty(t *testing.T) {
	f := newFixture(t)
	f.expectUser(t, "x")
	f.expectMembership(contracts.RoleViewer)
	f.mock.ExpectQuery(`SELECT .* FROM interaction_records`).
		WillReturnRows(sqlmock.NewRows([]string{"record_id"}))

	w := f.do(t, http.MethodGet, "/api/v1/orgs/org-1/logs/verify/billing-bot",
		f.session(t, "user-1"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	// An empty chain verifies trivially.
	body := decode(t, w)
	assert.Equal(t, true, body["is_valid"])
	assert.Equal(t, float64(0), body["record_count"])
}

func TestAPIKeyScopedToItsOrg(t *testing.T) {
	f := newFixture(t)
	plaintext := crypto.GenerateAPIKey()
	hash, err := crypto.HashPassword(plaintext)
	require.NoError(t, err)

	keyCols := []string{"id", "org_id", "name", "key_prefix", "key_hash", "status", "created_at", "last_used_at"}
	expectKey := func() {
		f.mock.ExpectQuery(`SELECT id, org_id, name, key_prefix, key_hash`).
			WillReturnRows(sqlmock.NewRows(keyCols).
				AddRow("key-1", "org-1", "ci", plaintext[:crypto.APIKeyPrefixLen], hash,
					"active", time.Now().UTC(), nil))
		f.mock.ExpectExec(`UPDATE api_keys SET last_used_at`).WillReturnResult(sqlmock.NewResult(1, 1))
	}

	// The key's own org works without a membership lookup.
	expectKey()
	f.mock.ExpectQuery(`SELECT id, name, slug, created_at FROM organizations`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "created_at"}).
			AddRow("org-1", "Acme", "acme", time.Now().UTC()))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orgs/org-1", nil)
	req.Header.Set("X-API-Key", plaintext)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A foreign org is a membership failure, not a role failure.
	expectKey()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/orgs/org-2", nil)
	req.Header.Set("X-API-Key", plaintext)
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
