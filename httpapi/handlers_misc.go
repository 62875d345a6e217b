package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"soaflow/auth"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := ReadJSON(r, &req); err != nil {
		s.badJSON(w, r, err)
		return
	}
	user, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			WriteError(w, r, http.StatusConflict, "EMAIL_TAKEN", "email already registered", nil)
		case errors.Is(err, auth.ErrUnknownOrganization):
			WriteError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "unknown organization", map[string]any{"field": "organizationId"})
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRequest):
			WriteError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", strings.TrimPrefix(err.Error(), "auth: "), nil)
		default:
			s.writeServiceError(w, r, err)
		}
		return
	}
	writeOK(w, r, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":             user.ID,
			"email":          user.Email,
			"fullName":       user.FullName,
			"organizationId": user.OrganizationID,
			"role":           user.Role,
		},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := ReadJSON(r, &req); err != nil {
		s.badJSON(w, r, err)
		return
	}
	res, err := s.accounts.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			WriteError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{
		"token":     res.Token,
		"expiresAt": res.ExpiresAt,
		"user": map[string]any{
			"id":             res.User.ID,
			"fullName":       res.User.FullName,
			"organizationId": res.User.OrganizationID,
			"role":           res.User.Role,
		},
	})
}

// handleFile serves a stored artifact to holders of a signed URL.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if err := s.files.Verify(key, r.URL.Query().Get("sig")); err != nil {
		WriteError(w, r, http.StatusForbidden, "LINK_INVALID", "This link is no longer valid.", nil)
		return
	}
	data, err := s.files.Get(r.Context(), key)
	if err != nil {
		WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "file not found", nil)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
