package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/core"
	"github.com/rubiojr/chirper/pkg/storage"
	"github.com/rubiojr/chirper/pkg/version"
)

func (s *Server) HandleListNotifications(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := s.store.Notifications(r.Context(), me.UserID, limit)
	if err != nil {
		s.logger.Errorf("listing notifications for %d: %v", me.UserID, err)
		s.writeError(w, http.StatusInternalServerError, "lookup_failed", "Could not load notifications")
		return
	}
	unread, err := s.store.UnreadCount(r.Context(), me.UserID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "lookup_failed", "Could not count notifications")
		return
	}
	s.writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: list, UnreadCount: unread})
}

func (s *Server) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	unread, err := s.store.UnreadCount(r.Context(), me.UserID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "lookup_failed", "Could not count notifications")
		return
	}
	s.writeJSON(w, http.StatusOK, UnreadCountResponse{UnreadCount: unread})
}

func (s *Server) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid notification id")
		return
	}
	if err := s.store.MarkNotificationRead(r.Context(), me.UserID, id); err != nil {
		s.notFoundOr500(w, err, "Notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	if _, err := s.store.MarkAllNotificationsRead(r.Context(), me.UserID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "update_failed", "Could not mark notifications read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid notification id")
		return
	}
	err := s.store.DeleteNotification(r.Context(), me.UserID, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "Notification not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "delete_failed", "Could not delete notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAnnouncement broadcasts a system-wide notification. Announcements
// are live-only; users who are offline do not see them later.
func (s *Server) HandleAnnouncement(w http.ResponseWriter, r *http.Request) {
	me, _ := auth.IdentityFromContext(r.Context())
	if !s.isAdmin(me.Username) {
		s.writeError(w, http.StatusForbidden, "forbidden", "Only admins can post announcements")
		return
	}
	var req AnnouncementRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if n := utf8.RuneCountInString(req.Content); n == 0 || n > maxPostLength {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "Announcement must be 1-280 characters")
		return
	}

	n := core.Notification{
		Type:          core.NotificationAnnouncement,
		RelatedUserID: me.UserID,
		Content:       req.Content,
		CreatedAt:     time.Now().UTC(),
		FromUser:      &core.UserRef{ID: me.UserID, Username: me.Username},
	}
	s.notifier.Broadcast(n)
	s.logger.Infof("announcement from %s broadcast", me.Username)
	s.writeJSON(w, http.StatusAccepted, n)
}

func (s *Server) HandleOnline(w http.ResponseWriter, r *http.Request) {
	ids := s.presence.OnlineUserIDs()
	s.writeJSON(w, http.StatusOK, OnlineResponse{Online: ids, Count: len(ids), Stats: s.presence.Stats()})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.APIVersion(),
	}

	s.writeJSON(w, http.StatusOK, health)
}
