package api

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rubiojr/chirper/pkg/auth"
)

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	public := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, gzhttp.GzipHandler(h))
	}
	private := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, gzhttp.GzipHandler(auth.RequireAuth(s.issuer, h)))
	}

	public("POST /api/auth/register", s.HandleRegister)
	public("POST /api/auth/login", s.HandleLogin)
	private("GET /api/auth/me", s.HandleMe)
	if s.github != nil {
		mux.HandleFunc("GET /api/auth/oauth/github/login", s.HandleGitHubLogin)
		mux.HandleFunc("GET /api/auth/oauth/github/callback", s.HandleGitHubCallback)
	}

	private("POST /api/users/{id}/follow", s.HandleToggleFollow)
	public("GET /api/users/{id}/followers", s.HandleFollowers)

	private("POST /api/posts", s.HandleCreatePost)
	public("GET /api/posts/{id}", s.HandleGetPost)
	private("POST /api/posts/{id}/like", s.HandleToggleLike)
	public("GET /api/posts/{id}/comments", s.HandleComments)
	private("POST /api/posts/{id}/comments", s.HandleCreateComment)
	private("POST /api/posts/{id}/bookmark", s.HandleToggleBookmark)

	private("GET /api/notifications", s.HandleListNotifications)
	private("GET /api/notifications/unread-count", s.HandleUnreadCount)
	private("PUT /api/notifications/read-all", s.HandleMarkAllRead)
	private("PUT /api/notifications/{id}/read", s.HandleMarkRead)
	private("DELETE /api/notifications/{id}", s.HandleDeleteNotification)

	private("POST /api/announcements", s.HandleAnnouncement)
	private("GET /api/realtime/online", s.HandleOnline)

	mux.HandleFunc("GET /health", s.HandleHealth)
}
