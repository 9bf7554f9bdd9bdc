package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/store"
)

type createPolicyRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	PolicyType  contracts.PolicyType  `json:"policy_type"`
	Scope       contracts.PolicyScope `json:"scope"`
	Priority    int                   `json:"priority"`
	Rules       contracts.PolicyRules `json:"rules"`
	Enabled     *bool                 `json:"enabled,omitempty"`
}

func validPriority(p int) bool { return p >= -1000 && p <= 1000 }

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	var req createPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.Name == "" || !req.PolicyType.Valid() || !req.Scope.Valid() {
		WriteUnprocessable(w, "name, a valid policy_type and a valid scope are required")
		return
	}
	if !validPriority(req.Priority) {
		WriteUnprocessable(w, "priority must be between -1000 and 1000")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := time.Now().UTC()
	p := &contracts.Policy{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Name:        req.Name,
		Description: req.Description,
		PolicyType:  req.PolicyType,
		Scope:       req.Scope,
		Priority:    req.Priority,
		Rules:       req.Rules,
		Enabled:     enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePolicy(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	items, err := s.store.ListPolicies(r.Context(), orgID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []contracts.Policy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	p, err := s.store.GetPolicy(r.Context(), orgID, r.PathValue("pid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type updatePolicyRequest struct {
	Description *string                `json:"description,omitempty"`
	PolicyType  *contracts.PolicyType  `json:"policy_type,omitempty"`
	Scope       *contracts.PolicyScope `json:"scope,omitempty"`
	Priority    *int                   `json:"priority,omitempty"`
	Rules       *contracts.PolicyRules `json:"rules,omitempty"`
	Enabled     *bool                  `json:"enabled,omitempty"`
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	var req updatePolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.PolicyType != nil && !req.PolicyType.Valid() {
		WriteUnprocessable(w, "unknown policy_type")
		return
	}
	if req.Scope != nil && !req.Scope.Valid() {
		WriteUnprocessable(w, "unknown scope")
		return
	}
	if req.Priority != nil && !validPriority(*req.Priority) {
		WriteUnprocessable(w, "priority must be between -1000 and 1000")
		return
	}

	p, err := s.store.UpdatePolicy(r.Context(), orgID, r.PathValue("pid"), store.PolicyPatch{
		Description: req.Description,
		PolicyType:  req.PolicyType,
		Scope:       req.Scope,
		Priority:    req.Priority,
		Rules:       req.Rules,
		Enabled:     req.Enabled,
	}, time.Now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleAdmin)
	if !ok {
		return
	}
	if err := s.store.DeletePolicy(r.Context(), orgID, r.PathValue("pid")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
