package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/uapk-labs/gateway/pkg/approval"
	"github.com/uapk-labs/gateway/pkg/auth"
	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/crypto"
	"github.com/uapk-labs/gateway/pkg/gateway"
	"github.com/uapk-labs/gateway/pkg/manifest"
	"github.com/uapk-labs/gateway/pkg/observability"
	"github.com/uapk-labs/gateway/pkg/record"
	"github.com/uapk-labs/gateway/pkg/store"
)

// Server aggregates the services behind the HTTP surface.
type Server struct {
	store       *store.Store
	auth        *auth.Service
	tokens      *captoken.Service
	manifests   *manifest.Service
	approvals   *approval.Service
	records     *record.Service
	gateway     *gateway.Service
	signer      *crypto.Signer
	idempotency IdempotencyStore
	obs         *observability.Provider
	logger      *slog.Logger
}

// NewServer wires the HTTP adapter. idempotency may be nil, which
// disables replay for POST /actions.
func NewServer(
	st *store.Store,
	authSvc *auth.Service,
	tokens *captoken.Service,
	manifests *manifest.Service,
	approvals *approval.Service,
	records *record.Service,
	gw *gateway.Service,
	signer *crypto.Signer,
	idempotency IdempotencyStore,
	obs *observability.Provider,
	logger *slog.Logger,
) *Server {
	return &Server{
		store:       st,
		auth:        authSvc,
		tokens:      tokens,
		manifests:   manifests,
		approvals:   approvals,
		records:     records,
		gateway:     gw,
		signer:      signer,
		idempotency: idempotency,
		obs:         obs,
		logger:      logger.With("component", "api"),
	}
}

// Routes assembles the full v1 surface on a fresh mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/v1/auth/me", s.handleMe)
	mux.HandleFunc("POST /api/v1/users", s.handleCreateUser)
	mux.HandleFunc("GET /api/v1/users", s.handleListUsers)

	mux.HandleFunc("POST /api/v1/orgs", s.handleCreateOrg)
	mux.HandleFunc("GET /api/v1/orgs", s.handleListOrgs)
	mux.HandleFunc("GET /api/v1/orgs/{id}", s.handleGetOrg)
	mux.HandleFunc("POST /api/v1/orgs/{id}/memberships", s.handleAddMember)
	mux.HandleFunc("GET /api/v1/orgs/{id}/memberships", s.handleListMembers)
	mux.HandleFunc("PATCH /api/v1/orgs/{id}/memberships/{mid}", s.handleChangeMemberRole)
	mux.HandleFunc("DELETE /api/v1/orgs/{id}/memberships/{mid}", s.handleRemoveMember)

	mux.HandleFunc("POST /api/v1/api-keys", s.handleCreateAPIKey)
	mux.HandleFunc("GET /api/v1/api-keys", s.handleListAPIKeys)
	mux.HandleFunc("POST /api/v1/api-keys/{id}/revoke", s.handleRevokeAPIKey)

	mux.HandleFunc("POST /api/v1/orgs/{id}/manifests", s.handleCreateManifest)
	mux.HandleFunc("GET /api/v1/orgs/{id}/manifests", s.handleListManifests)
	mux.HandleFunc("GET /api/v1/orgs/{id}/manifests/{mid}", s.handleGetManifest)
	mux.HandleFunc("PATCH /api/v1/orgs/{id}/manifests/{mid}", s.handlePatchManifest)
	mux.HandleFunc("POST /api/v1/orgs/{id}/manifests/{mid}/activate", s.handleManifestTransition("activate"))
	mux.HandleFunc("POST /api/v1/orgs/{id}/manifests/{mid}/suspend", s.handleManifestTransition("suspend"))
	mux.HandleFunc("POST /api/v1/orgs/{id}/manifests/{mid}/revoke", s.handleManifestTransition("revoke"))
	mux.HandleFunc("DELETE /api/v1/orgs/{id}/manifests/{mid}", s.handleDeleteManifest)

	mux.HandleFunc("POST /api/v1/orgs/{id}/tokens", s.handleIssueToken)
	mux.HandleFunc("GET /api/v1/orgs/{id}/tokens", s.handleListTokens)
	mux.HandleFunc("GET /api/v1/orgs/{id}/tokens/{tid}", s.handleGetToken)
	mux.HandleFunc("POST /api/v1/orgs/{id}/tokens/{tid}/revoke", s.handleRevokeToken)
	mux.HandleFunc("POST /api/v1/orgs/{id}/tokens/revoke-all/{agent_id}", s.handleRevokeAgentTokens)

	mux.HandleFunc("POST /api/v1/orgs/{id}/policies", s.handleCreatePolicy)
	mux.HandleFunc("GET /api/v1/orgs/{id}/policies", s.handleListPolicies)
	mux.HandleFunc("GET /api/v1/orgs/{id}/policies/{pid}", s.handleGetPolicy)
	mux.HandleFunc("PATCH /api/v1/orgs/{id}/policies/{pid}", s.handleUpdatePolicy)
	mux.HandleFunc("DELETE /api/v1/orgs/{id}/policies/{pid}", s.handleDeletePolicy)

	mux.HandleFunc("POST /api/v1/actions", s.handleAction)

	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /api/v1/approvals/pending", s.handlePendingApprovals)
	mux.HandleFunc("GET /api/v1/approvals/stats", s.handleApprovalStats)
	mux.HandleFunc("GET /api/v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/approvals/{id}/deny", s.handleDeny)

	mux.HandleFunc("GET /api/v1/capabilities/gateway-key", s.handleGatewayKey)
	mux.HandleFunc("POST /api/v1/capabilities/issuers", s.handleRegisterIssuer)
	mux.HandleFunc("GET /api/v1/capabilities/issuers", s.handleListIssuers)
	mux.HandleFunc("GET /api/v1/capabilities/issuers/{iid}", s.handleGetIssuer)
	mux.HandleFunc("POST /api/v1/capabilities/issuers/{iid}/revoke", s.handleRevokeIssuer)
	mux.HandleFunc("GET /api/v1/capabilities/issuers/{iid}/public-key", s.handleIssuerPublicKey)
	mux.HandleFunc("POST /api/v1/capabilities/issue", s.handleIssueCapability)

	mux.HandleFunc("GET /api/v1/orgs/{id}/records", s.handleListRecords)
	mux.HandleFunc("GET /api/v1/orgs/{id}/records/{rid}", s.handleGetRecord)

	mux.HandleFunc("GET /api/v1/orgs/{id}/logs", s.handleListRecords)
	mux.HandleFunc("GET /api/v1/orgs/{id}/logs/{rid}", s.handleGetRecord)
	mux.HandleFunc("GET /api/v1/orgs/{id}/logs/verify/{uapk_id}", s.handleVerifyChain)
	mux.HandleFunc("POST /api/v1/orgs/{id}/logs/export", s.handleExportSummary)
	mux.HandleFunc("POST /api/v1/orgs/{id}/logs/export/download", s.handleExportDownload)
	mux.HandleFunc("POST /api/v1/orgs/{id}/logs/export/jsonl", s.handleExportJSONL)

	return s.logRequests(mux)
}

// statusWriter remembers the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// logRequests emits one structured line and one metric sample per
// request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		s.obs.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, sw.status, elapsed)
		s.logger.Info("request",
			"method", r.Method, "path", r.URL.Path, "status", sw.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
