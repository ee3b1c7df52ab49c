package api

import (
	"time"

	"github.com/rubiojr/chirper/pkg/core"
	"github.com/rubiojr/chirper/pkg/realtime"
	"github.com/rubiojr/chirper/pkg/shared"
	"github.com/rubiojr/chirper/pkg/storage"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse = shared.ErrorResponse

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token string        `json:"token"`
	User  *storage.User `json:"user"`
}

type FollowResponse struct {
	IsFollowing    bool `json:"is_following"`
	FollowersCount int  `json:"followers_count"`
}

type FollowersResponse struct {
	Followers []storage.User `json:"followers"`
	Count     int            `json:"count"`
}

type CreatePostRequest struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

type CreateCommentRequest struct {
	Content string `json:"content"`
}

type LikeResponse struct {
	Liked bool `json:"liked"`
	Likes int  `json:"likes"`
}

type BookmarkResponse struct {
	Bookmarked bool `json:"bookmarked"`
}

type CommentsResponse struct {
	Comments []storage.Comment `json:"comments"`
	Count    int               `json:"count"`
}

type NotificationsResponse struct {
	Notifications []core.Notification `json:"notifications"`
	UnreadCount   int                 `json:"unread_count"`
}

type UnreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

type AnnouncementRequest struct {
	Content string `json:"content"`
}

type OnlineResponse struct {
	Online []int64        `json:"online"`
	Count  int            `json:"count"`
	Stats  realtime.Stats `json:"stats"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}
