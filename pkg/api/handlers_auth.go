package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/storage"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,30}$`)

func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Username = strings.TrimSpace(req.Username)

	if !strings.Contains(req.Email, "@") {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "A valid email is required")
		return
	}
	if !usernamePattern.MatchString(req.Username) {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "Username must be 3-30 letters, digits or underscores")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, req.Username, hash)
	if errors.Is(err, storage.ErrConflict) {
		s.writeError(w, http.StatusConflict, "user_exists", "Email or username already taken")
		return
	}
	if err != nil {
		s.logger.Errorf("registering %s: %v", req.Username, err)
		s.writeError(w, http.StatusInternalServerError, "registration_failed", "Could not create account")
		return
	}

	s.respondWithToken(w, http.StatusCreated, user)
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}

	user, err := s.store.UserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Errorf("login lookup: %v", err)
		s.writeError(w, http.StatusInternalServerError, "login_failed", "Could not log in")
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		s.writeError(w, http.StatusUnauthorized, "invalid_login", "Invalid email or password")
		return
	}

	s.respondWithToken(w, http.StatusOK, user)
}

func (s *Server) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	user, err := s.store.UserByID(r.Context(), id.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "User not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "lookup_failed", "Could not load user")
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *Server) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.github.Begin(w), http.StatusFound)
}

func (s *Server) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	auth.ClearState(w)

	profile, err := s.github.Complete(r.Context(), r)
	if errors.Is(err, auth.ErrInvalidState) {
		s.writeError(w, http.StatusBadRequest, "invalid_state", "OAuth state mismatch")
		return
	}
	if err != nil {
		s.logger.Warnf("github oauth: %v", err)
		s.writeError(w, http.StatusBadGateway, "oauth_failed", "GitHub sign-in failed")
		return
	}

	user, err := s.store.UpsertGitHubUser(r.Context(), profile.ID, profile.Login, profile.Email, profile.AvatarURL)
	if err != nil {
		s.logger.Errorf("storing github user %s: %v", profile.Login, err)
		s.writeError(w, http.StatusInternalServerError, "oauth_failed", "Could not create account")
		return
	}
	s.respondWithToken(w, http.StatusOK, user)
}

func (s *Server) respondWithToken(w http.ResponseWriter, status int, user *storage.User) {
	token, err := s.issuer.Issue(auth.Identity{UserID: user.ID, Username: user.Username})
	if err != nil {
		s.logger.Errorf("issuing token for %d: %v", user.ID, err)
		s.writeError(w, http.StatusInternalServerError, "token_failed", "Could not issue token")
		return
	}
	s.writeJSON(w, status, AuthResponse{Token: token, User: user})
}
