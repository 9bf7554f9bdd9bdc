package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

// handleAction is the gateway endpoint. The bearer is a capability
// token or, when retrying an approved action, an override token; there
// is no session on this path.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		WriteUnauthorized(w, "A capability token is required")
		return
	}

	var req contracts.ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}

	// Replay scope includes the bearer digest so a key can never leak a
	// decision across tokens or tenants.
	var cacheKey string
	if s.idempotency != nil && req.IdempotencyKey != "" {
		cacheKey = actionCacheKey(bearer, req.IdempotencyKey)
		if body, ok, err := s.idempotency.Get(r.Context(), cacheKey); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
	}

	resp, err := s.gateway.Process(r.Context(), bearer, &req)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if cacheKey != "" {
		if err := s.idempotency.Set(r.Context(), cacheKey, body); err != nil {
			s.logger.Warn("idempotency store unavailable", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func actionCacheKey(bearer, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:]) + ":" + idempotencyKey
}
