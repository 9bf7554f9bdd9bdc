package api

import (
	"net/http"

	"github.com/uapk-labs/gateway/pkg/captoken"
	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/store"
)

type issueTokenRequest struct {
	OrgID              string                      `json:"org_id,omitempty"`
	AgentID            string                      `json:"agent_id"`
	UAPKID             string                      `json:"uapk_id,omitempty"`
	ManifestID         string                      `json:"manifest_id,omitempty"`
	Capabilities       []string                    `json:"capabilities"`
	ExpiresInSeconds   int                         `json:"expires_in_seconds,omitempty"`
	Constraints        *contracts.TokenConstraints `json:"constraints,omitempty"`
	AllowedActionTypes []string                    `json:"allowed_action_types,omitempty"`
	AllowedTools       []string                    `json:"allowed_tools,omitempty"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	orgID, p, ok := s.orgScoped(w, r, contracts.RoleOperator)
	if !ok {
		return
	}
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.OrgID != "" && req.OrgID != orgID {
		WriteBadRequest(w, "org_id in the body does not match the path")
		return
	}
	if req.AgentID == "" || len(req.Capabilities) == 0 {
		WriteUnprocessable(w, "agent_id and a non-empty capabilities list are required")
		return
	}

	token, raw, err := s.tokens.Issue(r.Context(), captoken.IssueRequest{
		OrgID:              orgID,
		AgentID:            req.AgentID,
		UAPKID:             req.UAPKID,
		ManifestID:         req.ManifestID,
		Capabilities:       req.Capabilities,
		ExpiresInSeconds:   req.ExpiresInSeconds,
		Constraints:        req.Constraints,
		AllowedActionTypes: req.AllowedActionTypes,
		AllowedTools:       req.AllowedTools,
		IssuedBy:           p.ActorID(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// The compact token appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":            token,
		"capability_token": raw,
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	limit, offset := pagination(r, 100)
	q := r.URL.Query()
	items, total, err := s.tokens.List(r.Context(), orgID, store.ListTokensFilter{
		AgentID:        q.Get("agent_id"),
		IncludeRevoked: q.Get("include_revoked") == "true",
		IncludeExpired: q.Get("include_expired") == "true",
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []contracts.CapabilityToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	t, err := s.tokens.Get(r.Context(), orgID, r.PathValue("tid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type revokeTokenRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	var req revokeTokenRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteUnprocessable(w, err.Error())
			return
		}
	}
	t, err := s.tokens.Revoke(r.Context(), orgID, r.PathValue("tid"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRevokeAgentTokens(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	var req revokeTokenRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteUnprocessable(w, err.Error())
			return
		}
	}
	n, err := s.tokens.RevokeAllForAgent(r.Context(), orgID, r.PathValue("agent_id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_count": n})
}

// handleGatewayKey is public: verifiers need the gateway's signing key.
func (s *Server) handleGatewayKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer_id":  contracts.GatewayIssuerID,
		"public_key": s.signer.PublicKeyBase64(),
		"algorithm":  "EdDSA",
	})
}

type registerIssuerRequest struct {
	IssuerID  string `json:"issuer_id"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handleRegisterIssuer(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	var req registerIssuerRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.IssuerID == "" || req.PublicKey == "" {
		WriteUnprocessable(w, "issuer_id and public_key are required")
		return
	}
	if req.IssuerID == contracts.GatewayIssuerID {
		WriteBadRequest(w, "issuer_id 'gateway' is reserved")
		return
	}
	i, err := s.tokens.RegisterIssuer(r.Context(), orgID, req.IssuerID, req.Name, req.PublicKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, i)
}

func (s *Server) handleListIssuers(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	items, err := s.tokens.ListIssuers(r.Context(), orgID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []contracts.CapabilityIssuer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetIssuer(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	i, err := s.tokens.GetIssuer(r.Context(), orgID, r.PathValue("iid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, i)
}

func (s *Server) handleRevokeIssuer(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	i, err := s.tokens.RevokeIssuer(r.Context(), orgID, r.PathValue("iid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, i)
}

func (s *Server) handleIssuerPublicKey(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	i, err := s.tokens.GetIssuer(r.Context(), orgID, r.PathValue("iid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer_id":  i.IssuerID,
		"public_key": i.PublicKey,
		"algorithm":  "EdDSA",
	})
}

// handleIssueCapability is the issuer-flavored issuance endpoint: the
// gateway itself signs the token, so it reports issuer_id "gateway".
func (s *Server) handleIssueCapability(w http.ResponseWriter, r *http.Request) {
	orgID, p, ok := s.callerOrg(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.OrgID != "" && req.OrgID != orgID {
		WriteBadRequest(w, "org_id in the body does not match the caller's organization")
		return
	}
	if req.AgentID == "" || len(req.Capabilities) == 0 {
		WriteUnprocessable(w, "agent_id and a non-empty capabilities list are required")
		return
	}
	token, raw, err := s.tokens.Issue(r.Context(), captoken.IssueRequest{
		OrgID:              orgID,
		AgentID:            req.AgentID,
		UAPKID:             req.UAPKID,
		ManifestID:         req.ManifestID,
		Capabilities:       req.Capabilities,
		ExpiresInSeconds:   req.ExpiresInSeconds,
		Constraints:        req.Constraints,
		AllowedActionTypes: req.AllowedActionTypes,
		AllowedTools:       req.AllowedTools,
		IssuedBy:           p.ActorID(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"issuer_id":        contracts.GatewayIssuerID,
		"token":            token,
		"capability_token": raw,
	})
}
