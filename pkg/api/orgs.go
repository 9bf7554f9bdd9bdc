package api

import (
	"net/http"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

type createOrgRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug,omitempty"`
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var req createOrgRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.Name == "" {
		WriteUnprocessable(w, "name is required")
		return
	}
	org, err := s.auth.CreateOrganization(r.Context(), req.Name, req.Slug, user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (s *Server) handleListOrgs(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	orgs, err := s.store.ListOrganizationsForUser(r.Context(), user.ID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if orgs == nil {
		orgs = []contracts.Organization{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": orgs, "total": len(orgs)})
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	org, err := s.store.GetOrganization(r.Context(), orgID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

type addMemberRequest struct {
	UserID string         `json:"user_id"`
	Role   contracts.Role `json:"role"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.UserID == "" || !req.Role.Valid() {
		WriteUnprocessable(w, "user_id and a valid role are required")
		return
	}
	m, err := s.auth.AddMember(r.Context(), orgID, req.UserID, req.Role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	members, err := s.store.ListMemberships(r.Context(), orgID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if members == nil {
		members = []contracts.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": members, "total": len(members)})
}

type changeRoleRequest struct {
	Role contracts.Role `json:"role"`
}

func (s *Server) handleChangeMemberRole(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	var req changeRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if !req.Role.Valid() {
		WriteUnprocessable(w, "a valid role is required")
		return
	}
	if err := s.auth.ChangeMemberRole(r.Context(), orgID, r.PathValue("mid"), req.Role); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	if err := s.auth.RemoveMember(r.Context(), orgID, r.PathValue("mid")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createAPIKeyRequest struct {
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.OrgID == "" || req.Name == "" {
		WriteUnprocessable(w, "org_id and name are required")
		return
	}
	if !s.requireOrgRole(w, r, p, req.OrgID, contracts.RoleAdmin) {
		return
	}
	key, plaintext, err := s.auth.IssueAPIKey(r.Context(), req.OrgID, req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// The plaintext key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": key,
		"key":     plaintext,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	keys, err := s.store.ListAPIKeys(r.Context(), orgID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if keys == nil {
		keys = []contracts.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": keys, "total": len(keys)})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	if err := s.store.RevokeAPIKey(r.Context(), orgID, r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
