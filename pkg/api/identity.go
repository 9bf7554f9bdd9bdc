package api

import (
	"net/http"
	"strings"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

// APIKeyHeader carries machine-client credentials.
const APIKeyHeader = "X-API-Key"

// principal is the authenticated caller: a human session or a machine
// API key, never both.
type principal struct {
	User *contracts.User
	Key  *contracts.APIKey
}

// ActorID identifies the caller in decision audit fields.
func (p *principal) ActorID() string {
	if p.User != nil {
		return p.User.ID
	}
	return "api-key:" + p.Key.ID
}

// bearerToken extracts the Authorization bearer value, if any.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate resolves the caller from an API key header or a session
// bearer. On failure it writes the 401 itself, with the body telling a
// missing credential apart from a rejected one.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*principal, bool) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		k, err := s.auth.AuthenticateAPIKey(r.Context(), key)
		if err != nil {
			WriteUnauthorized(w, "Invalid credentials")
			return nil, false
		}
		return &principal{Key: k}, true
	}

	token := bearerToken(r)
	if token == "" {
		WriteUnauthorized(w, "Authentication required")
		return nil, false
	}
	u, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		WriteUnauthorized(w, "Invalid credentials")
		return nil, false
	}
	return &principal{User: u}, true
}

// requireSession is authenticate restricted to human sessions.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (*contracts.User, bool) {
	p, ok := s.authenticate(w, r)
	if !ok {
		return nil, false
	}
	if p.User == nil {
		WriteForbidden(w, "This endpoint requires a user session")
		return nil, false
	}
	return p.User, true
}

// requireOrgRole checks that the caller may act in orgID with at least
// min. An API key is bound to exactly one organization and satisfies
// any role requirement there. The 403 body tells non-membership apart
// from an insufficient role.
func (s *Server) requireOrgRole(w http.ResponseWriter, r *http.Request, p *principal, orgID string, min contracts.Role) bool {
	if p.Key != nil {
		if p.Key.OrgID != orgID {
			WriteForbidden(w, "API key does not belong to this organization")
			return false
		}
		return true
	}
	m, err := s.store.GetMembershipForUser(r.Context(), orgID, p.User.ID)
	if err != nil {
		WriteForbidden(w, "Not a member of this organization")
		return false
	}
	if !m.Role.AtLeast(min) {
		WriteForbidden(w, "Insufficient role for this operation")
		return false
	}
	return true
}

// orgScoped authenticates and authorizes a /orgs/{id}/... request in
// one step.
func (s *Server) orgScoped(w http.ResponseWriter, r *http.Request, min contracts.Role) (string, *principal, bool) {
	orgID := r.PathValue("id")
	p, ok := s.authenticate(w, r)
	if !ok {
		return "", nil, false
	}
	if !s.requireOrgRole(w, r, p, orgID, min) {
		return "", nil, false
	}
	return orgID, p, true
}

// callerOrg resolves the organization for endpoints that carry no org
// in the path: an API key implies its own org; a session user names it
// with the org_id query parameter.
func (s *Server) callerOrg(w http.ResponseWriter, r *http.Request, min contracts.Role) (string, *principal, bool) {
	p, ok := s.authenticate(w, r)
	if !ok {
		return "", nil, false
	}
	orgID := r.URL.Query().Get("org_id")
	if p.Key != nil {
		if orgID != "" && orgID != p.Key.OrgID {
			WriteForbidden(w, "API key does not belong to this organization")
			return "", nil, false
		}
		orgID = p.Key.OrgID
	}
	if orgID == "" {
		WriteBadRequest(w, "org_id query parameter is required")
		return "", nil, false
	}
	if !s.requireOrgRole(w, r, p, orgID, min) {
		return "", nil, false
	}
	return orgID, p, true
}
