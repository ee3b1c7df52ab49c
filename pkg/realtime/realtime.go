// Package realtime pushes notifications to users who currently have a live
// connection open.
//
// The moving parts:
//
//   - Registry: the in-process map of user id to live sessions. A single
//     goroutine (Registry.Run) owns it; registration, removal, delivery and
//     queries are all messages processed in order by that goroutine.
//   - Handshake: authenticates every new connection before any session
//     exists, using the token query parameter or an Authorization header.
//   - Dispatcher: the fan-out API used by request handlers. SendToUser,
//     Broadcast and SendToFollowers (SendToFollowersFunc when every
//     follower gets its own stored row).
//   - Server: the HTTP surface. A WebSocket transport and a long-polling
//     fallback, both feeding from the same per-session queue. Every poll
//     request carries the credential again; the session id alone is not
//     enough.
//
// Delivery is best-effort and at-most-once. Users without a live session
// simply miss the push (callers persist notifications first), and a session
// whose queue is full drops the event for that session only. Nothing here
// is persisted and nothing survives a restart.
package realtime

import (
	"github.com/rubiojr/chirper/pkg/core"
)

// Event names on the wire.
const (
	EventConnected             = "connected"
	EventNewNotification       = "new_notification"
	EventBroadcastNotification = "broadcast_notification"
	EventDisconnect            = "disconnect"
)

// Disconnect reasons carried by EventDisconnect.
const (
	// ReasonServerDisconnect means the server dropped the session on
	// purpose. Clients reconnect after a short fixed delay.
	ReasonServerDisconnect = "io server disconnect"
	// ReasonIdle is used when a polling session stopped polling.
	ReasonIdle = "idle timeout"
)

// Event is the envelope written to transports.
type Event struct {
	Name         string             `json:"event"`
	Notification *core.Notification `json:"notification,omitempty"`
	Message      string             `json:"message,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

func welcomeEvent(username string) Event {
	return Event{
		Name:    EventConnected,
		Message: "Welcome " + username + "! Real-time notifications are active.",
	}
}

func notificationEvent(name string, n core.Notification) Event {
	return Event{Name: name, Notification: &n}
}
