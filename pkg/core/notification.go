package core

import (
	"fmt"
	"time"
)

// NotificationType is the closed set of notification kinds.
type NotificationType string

const (
	NotificationFollow       NotificationType = "follow"
	NotificationLike         NotificationType = "like"
	NotificationComment      NotificationType = "comment"
	NotificationMention      NotificationType = "mention"
	NotificationPost         NotificationType = "post"
	NotificationAnnouncement NotificationType = "announcement"
)

var notificationTypes = map[NotificationType]struct{}{
	NotificationFollow:       {},
	NotificationLike:         {},
	NotificationComment:      {},
	NotificationMention:      {},
	NotificationPost:         {},
	NotificationAnnouncement: {},
}

func (t NotificationType) Valid() bool {
	_, ok := notificationTypes[t]
	return ok
}

// UserRef is the minimal actor description shipped with a notification.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Notification is the payload pushed to live sessions and stored for
// later retrieval. UserID is the recipient, RelatedUserID the actor.
type Notification struct {
	ID            int64            `json:"id"`
	Type          NotificationType `json:"type"`
	UserID        int64            `json:"user_id"`
	RelatedUserID int64            `json:"related_user_id"`
	RelatedPostID *int64           `json:"related_post_id,omitempty"`
	Content       string           `json:"content"`
	IsRead        bool             `json:"is_read"`
	CreatedAt     time.Time        `json:"created_at"`
	FromUser      *UserRef         `json:"from_user,omitempty"`
}

// Validate checks the fields every producer must set.
func (n Notification) Validate() error {
	if !n.Type.Valid() {
		return fmt.Errorf("invalid notification type %q", n.Type)
	}
	if n.Content == "" {
		return fmt.Errorf("notification content is empty")
	}
	return nil
}

// PostRef returns a pointer suitable for RelatedPostID.
func PostRef(id int64) *int64 {
	return &id
}
