package api

import (
	"net/http"

	"github.com/uapk-labs/gateway/pkg/contracts"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	User        *contracts.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		WriteUnprocessable(w, "email and password are required")
		return
	}

	token, user, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        user,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	memberships, err := s.store.ListMembershipsForUser(r.Context(), user.ID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if memberships == nil {
		memberships = []contracts.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        user,
		"memberships": memberships,
	})
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		WriteUnprocessable(w, "email and a password of at least 8 characters are required")
		return
	}
	u, err := s.auth.RegisterUser(r.Context(), req.Email, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if users == nil {
		users = []contracts.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users, "total": len(users)})
}
