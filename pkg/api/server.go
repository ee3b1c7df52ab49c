package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/core"
	"github.com/rubiojr/chirper/pkg/log"
	"github.com/rubiojr/chirper/pkg/realtime"
	"github.com/rubiojr/chirper/pkg/shared"
	"github.com/rubiojr/chirper/pkg/storage"
)

// Notifier is the realtime fan-out the handlers push to after persisting.
type Notifier interface {
	SendToUser(userID int64, n core.Notification)
	Broadcast(n core.Notification)
	SendToFollowersFunc(ctx context.Context, userID int64, lookup realtime.FollowerLookup, build func(followerID int64) (core.Notification, bool))
}

// Presence answers who is connected right now.
type Presence interface {
	OnlineUserIDs() []int64
	Stats() realtime.Stats
}

type Options struct {
	Store    *storage.Store
	Issuer   *auth.Issuer
	Notifier Notifier
	Presence Presence
	// GitHub is optional; the OAuth routes are only mounted when set.
	GitHub  *auth.GitHubProvider
	IsAdmin func(username string) bool
}

type Server struct {
	store    *storage.Store
	issuer   *auth.Issuer
	notifier Notifier
	presence Presence
	github   *auth.GitHubProvider
	isAdmin  func(string) bool
	logger   *log.Logger
}

func NewServer(opts Options) *Server {
	isAdmin := opts.IsAdmin
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &Server{
		store:    opts.Store,
		issuer:   opts.Issuer,
		notifier: opts.Notifier,
		presence: opts.Presence,
		github:   opts.GitHub,
		isAdmin:  isAdmin,
		logger:   log.ForService("api"),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	shared.WriteJSON(w, status, data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	shared.WriteError(w, status, error, message)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be valid JSON")
		return false
	}
	return true
}

// CorsMiddleware answers preflight requests and echoes allowed origins.
func CorsMiddleware(allow func(origin string) bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && allow(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
