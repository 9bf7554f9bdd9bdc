package api

import (
	"net/http"

	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/store"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	limit, offset := pagination(r, 100)
	q := r.URL.Query()
	items, total, err := s.approvals.List(r.Context(), orgID, store.ListApprovalsFilter{
		Status: contracts.ApprovalStatus(q.Get("status")),
		UAPKID: q.Get("uapk_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []contracts.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	limit, _ := pagination(r, 100)
	items, err := s.approvals.Pending(r.Context(), orgID, limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []contracts.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleApprovalStats(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	stats, err := s.approvals.Stats(r.Context(), orgID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.callerOrg(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	a, err := s.approvals.Get(r.Context(), orgID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type decideRequest struct {
	Notes                         string `json:"notes,omitempty"`
	OverrideTokenExpiresInSeconds int    `json:"override_token_expires_in_seconds,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	orgID, p, ok := s.callerOrg(w, r, contracts.RoleOperator)
	if !ok {
		return
	}
	var req decideRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteUnprocessable(w, err.Error())
			return
		}
	}
	// The override token in this response is shown exactly once.
	decision, err := s.approvals.Approve(r.Context(), orgID, r.PathValue("id"),
		p.ActorID(), req.Notes, req.OverrideTokenExpiresInSeconds)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	orgID, p, ok := s.callerOrg(w, r, contracts.RoleOperator)
	if !ok {
		return
	}
	var req decideRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteUnprocessable(w, err.Error())
			return
		}
	}
	decision, err := s.approvals.Deny(r.Context(), orgID, r.PathValue("id"), p.ActorID(), req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}
