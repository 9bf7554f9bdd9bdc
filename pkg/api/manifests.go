package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

type createManifestRequest struct {
	Manifest    json.RawMessage `json:"manifest"`
	Description string          `json:"description,omitempty"`
}

func (s *Server) handleCreateManifest(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleOperator)
	if !ok {
		return
	}
	var req createManifestRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if len(req.Manifest) == 0 {
		WriteUnprocessable(w, "manifest document is required")
		return
	}
	m, err := s.manifests.Create(r.Context(), orgID, req.Manifest, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	limit, offset := pagination(r, 100)
	items, total, err := s.manifests.List(r.Context(), orgID, limit, offset)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []contracts.Manifest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	m, err := s.manifests.Get(r.Context(), orgID, r.PathValue("mid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type patchManifestRequest struct {
	Description *string `json:"description"`
}

func (s *Server) handlePatchManifest(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleOperator)
	if !ok {
		return
	}
	var req patchManifestRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.Description == nil {
		WriteUnprocessable(w, "description is the only patchable field")
		return
	}
	m, err := s.manifests.UpdateDescription(r.Context(), orgID, r.PathValue("mid"), *req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleManifestTransition serves activate, suspend and revoke. An
// illegal transition surfaces as a 400 state error, not a conflict.
func (s *Server) handleManifestTransition(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, _, ok := s.orgScoped(w, r, contracts.RoleOperator)
		if !ok {
			return
		}
		var m *contracts.Manifest
		var err error
		switch verb {
		case "activate":
			m, err = s.manifests.Activate(r.Context(), orgID, r.PathValue("mid"))
		case "suspend":
			m, err = s.manifests.Suspend(r.Context(), orgID, r.PathValue("mid"))
		default:
			m, err = s.manifests.Revoke(r.Context(), orgID, r.PathValue("mid"))
		}
		if err != nil {
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func (s *Server) handleDeleteManifest(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleOperator)
	if !ok {
		return
	}
	if err := s.manifests.Delete(r.Context(), orgID, r.PathValue("mid")); err != nil {
		writeTransitionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pagination reads limit/offset query parameters with a default limit.
func pagination(r *http.Request, def int) (limit, offset int) {
	limit = def
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
