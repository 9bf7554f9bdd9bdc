package connector_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk-labs/gateway/pkg/connector"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/store"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T, allowed []string) (*connector.Registry, sqlmock.Sqlmock, *crypto.SecretBox) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	box, err := crypto.NewSecretBox(crypto.GenerateSecretKey())
	require.NoError(t, err)
	return connector.NewRegistry(store.NewWithDB(db, "postgres"), box, 5, allowed, discard()), mock, box
}

func build(t *testing.T, reg *connector.Registry, tool contracts.ToolDefinition) connector.Connector {
	t.Helper()
	c, err := reg.Build(context.Background(), "org-1", tool)
	require.NoError(t, err)
	return c
}

func TestMockEchoesParams(t *testing.T) {
	reg, _, _ := newRegistry(t, nil)
	c := build(t, reg, contracts.ToolDefinition{Name: "echo", ConnectorType: "mock"})

	res := c.Execute(context.Background(), map[string]any{"to": "ops@example.com"})
	require.True(t, res.Success)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, map[string]any{"to": "ops@example.com"}, res.Data["echo"])
	assert.NotEmpty(t, res.ResultHash)
}

func TestMockConfiguredResponseAndFailure(t *testing.T) {
	reg, _, _ := newRegistry(t, nil)

	c := build(t, reg, contracts.ToolDefinition{Name: "fixed", ConnectorType: "mock",
		Extra: map[string]any{"response_data": map[string]any{"status": "ok"}, "status_code": 201.0}})
	res := c.Execute(context.Background(), nil)
	require.True(t, res.Success)
	assert.Equal(t, 201, res.StatusCode)
	assert.Equal(t, "ok", res.Data["status"])

	c = build(t, reg, contracts.ToolDefinition{Name: "broken", ConnectorType: "mock",
		Extra: map[string]any{"should_fail": true, "error_code": "UPSTREAM_DOWN"}})
	res = c.Execute(context.Background(), nil)
	require.False(t, res.Success)
	assert.Equal(t, "UPSTREAM_DOWN", res.Error.Code)
	assert.Equal(t, 500, res.StatusCode)
}

func TestUnknownConnectorType(t *testing.T) {
	reg, _, _ := newRegistry(t, nil)
	_, err := reg.Build(context.Background(), "org-1", contracts.ToolDefinition{Name: "x", ConnectorType: "carrier_pigeon"})
	assert.ErrorIs(t, err, connector.ErrUnknownConnector)
}

func TestWebhookPostsJSON(t *testing.T) {
	var gotBody map[string]any
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"delivered":true}`))
	}))
	defer srv.Close()

	reg, _, _ := newRegistry(t, nil)
	c := build(t, reg, contracts.ToolDefinition{Name: "notify", ConnectorType: "webhook", URL: srv.URL})

	res := c.Execute(context.Background(), map[string]any{"message": "hello"})
	require.True(t, res.Success)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "hello", gotBody["message"])
	assert.Equal(t, true, res.Data["delivered"])
	assert.NotEmpty(t, res.ResultHash)
}

func TestWebhookNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	reg, _, _ := newRegistry(t, nil)
	c := build(t, reg, contracts.ToolDefinition{Name: "notify", ConnectorType: "webhook", URL: srv.URL})

	res := c.Execute(context.Background(), map[string]any{})
	require.True(t, res.Success)
	assert.Equal(t, "plain text", res.Data["raw_response"])
}

func TestWebhookHTTPErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	reg, _, _ := newRegistry(t, nil)
	c := build(t, reg, contracts.ToolDefinition{Name: "notify", ConnectorType: "webhook", URL: srv.URL})

	res := c.Execute(context.Background(), map[string]any{})
	require.False(t, res.Success)
	assert.Equal(t, "HTTP_502", res.Error.Code)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestWebhookConnectionRefused(t *testing.T) {
	reg, _, _ := newRegistry(t, nil)
	c := build(t, reg, contracts.ToolDefinition{Name: "notify", ConnectorType: "webhook",
		URL: "http://127.0.0.1:1/hook"})

	res := c.Execute(context.Background(), map[string]any{})
	require.False(t, res.Success)
	assert.Equal(t, "REQUEST_ERROR", res.Error.Code)
}

func TestWebhookRequiresURL(t *testing.T) {
	reg, _, _ := newRegistry(t, nil)
	_, err := reg.Build(context.Background(), "org-1", contracts.ToolDefinition{Name: "notify", ConnectorType: "webhook"})
	assert.Error(t, err)
}

func TestHTTPRequestDomainAllowlist(t *testing.T) {
	reg, _, _ := newRegistry(t, []string{"api.example.com"})

	c := build(t, reg, contracts.ToolDefinition{Name: "fetch", ConnectorType: "http_request",
		URL: "https://evil.example.org/data", Method: "GET"})
	res := c.Execute(context.Background(), map[string]any{})
	require.False(t, res.Success)
	assert.Equal(t, "DOMAIN_NOT_ALLOWED", res.Error.Code)

	// Empty allowlist fails closed.
	reg, _, _ = newRegistry(t, nil)
	c = build(t, reg, contracts.ToolDefinition{Name: "fetch", ConnectorType: "http_request",
		URL: "https://api.example.com/data", Method: "GET"})
	res = c.Execute(context.Background(), map[string]any{})
	require.False(t, res.Success)
	assert.Equal(t, "DOMAIN_NOT_ALLOWED", res.Error.Code)
}

func TestHTTPRequestAllowedDomainPasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	reg, _, _ := newRegistry(t, []string{srvHost(t, srv.URL)})
	c := build(t, reg, contracts.ToolDefinition{Name: "fetch", ConnectorType: "http_request",
		URL: srv.URL + "/v1/things/{id}", Method: "GET"})

	res := c.Execute(context.Background(), map[string]any{"id": 42, "verbose": true})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data["ok"])
}

func TestHTTPRequestTemplateAndBodySplit(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	reg, _, _ := newRegistry(t, []string{srvHost(t, srv.URL)})
	c := build(t, reg, contracts.ToolDefinition{Name: "update", ConnectorType: "http_request",
		URL: srv.URL + "/v1/users/{user_id}", Method: "PUT"})

	res := c.Execute(context.Background(), map[string]any{"user_id": "u-7", "name": "Anna"})
	require.True(t, res.Success)
	assert.Equal(t, "/v1/users/u-7", gotPath)
	// The templated parameter stays out of the body.
	assert.Equal(t, map[string]any{"name": "Anna"}, gotBody)
}

func TestHTTPRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	reg, _, _ := newRegistry(t, []string{srvHost(t, srv.URL)})
	c := build(t, reg, contracts.ToolDefinition{Name: "slow", ConnectorType: "http_request",
		URL: srv.URL, Method: "GET"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := c.Execute(ctx, map[string]any{})
	require.False(t, res.Success)
	assert.Equal(t, "TIMEOUT", res.Error.Code)
}

func TestSecretHeaderInjection(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	reg, mock, box := newRegistry(t, nil)
	blob, err := box.Encrypt("s3cret-value")
	require.NoError(t, err)
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, org_id, name, encrypted_value, description`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "org_id", "name", "encrypted_value", "description", "created_at", "updated_at"}).
			AddRow("sec-1", "org-1", "api-key", blob, nil, now, now))

	c := build(t, reg, contracts.ToolDefinition{Name: "notify", ConnectorType: "webhook",
		URL: srv.URL, SecretRefs: map[string]string{"header:X-Api-Key": "api-key"}})

	res := c.Execute(context.Background(), map[string]any{})
	require.True(t, res.Success)
	assert.Equal(t, "s3cret-value", gotAuth)
}

func srvHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}
