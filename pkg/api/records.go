package api

import (
	"fmt"
	"net/http"

	"github.com/uapk-labs/gateway/pkg/contracts"
	"github.com/uapk-labs/gateway/pkg/store"
)

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	limit, offset := pagination(r, 100)
	q := r.URL.Query()
	items, total, err := s.store.ListRecords(r.Context(), orgID, store.ListRecordsFilter{
		UAPKID:   q.Get("uapk_id"),
		AgentID:  q.Get("agent_id"),
		Decision: q.Get("decision"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []contracts.InteractionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	rec, err := s.store.GetRecord(r.Context(), orgID, r.PathValue("rid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	orgID, _, ok := s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return
	}
	report, err := s.records.VerifyStoredChain(r.Context(), orgID, r.PathValue("uapk_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type exportRequest struct {
	UAPKID          string `json:"uapk_id"`
	IncludeManifest bool   `json:"include_manifest,omitempty"`
}

func (s *Server) exportBundle(w http.ResponseWriter, r *http.Request) (orgID string, req exportRequest, ok bool) {
	orgID, _, ok = s.orgScoped(w, r, contracts.RoleViewer)
	if !ok {
		return "", exportRequest{}, false
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return "", exportRequest{}, false
	}
	if req.UAPKID == "" {
		WriteUnprocessable(w, "uapk_id is required")
		return "", exportRequest{}, false
	}
	return orgID, req, true
}

func (s *Server) handleExportSummary(w http.ResponseWriter, r *http.Request) {
	orgID, req, ok := s.exportBundle(w, r)
	if !ok {
		return
	}
	bundle, err := s.records.Export(r.Context(), orgID, req.UAPKID, req.IncludeManifest)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle.Summarize())
}

func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	orgID, req, ok := s.exportBundle(w, r)
	if !ok {
		return
	}
	bundle, err := s.records.Export(r.Context(), orgID, req.UAPKID, req.IncludeManifest)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", bundle.ExportID+".json"))
	writeJSON(w, http.StatusOK, bundle)
}

// handleExportJSONL streams the chain line by line: one metadata line,
// an optional manifest line, then one line per record.
func (s *Server) handleExportJSONL(w http.ResponseWriter, r *http.Request) {
	orgID, req, ok := s.exportBundle(w, r)
	if !ok {
		return
	}
	bundle, err := s.records.Export(r.Context(), orgID, req.UAPKID, req.IncludeManifest)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", bundle.ExportID+".jsonl"))
	w.WriteHeader(http.StatusOK)
	if err := bundle.WriteJSONL(w); err != nil {
		s.logger.Error("jsonl export aborted mid-stream", "error", err)
	}
}
