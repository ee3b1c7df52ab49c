package realtime

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/chirper/pkg/auth"
)

// Transport names.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Session is one authenticated live connection. It only exists after a
// successful handshake and is never persisted.
type Session struct {
	ID        string
	UserID    int64
	Username  string
	Transport string
	CreatedAt time.Time

	// send is written to and closed only by the registry goroutine.
	send chan Event

	lastSeen atomic.Int64
	polling  atomic.Bool
}

func newSession(id auth.Identity, transport string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 32
	}
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    id.UserID,
		Username:  id.Username,
		Transport: transport,
		CreatedAt: time.Now(),
		send:      make(chan Event, buffer),
	}
	s.touch()
	return s
}

// Events yields queued events in order. The channel is closed once the
// session is unregistered; events queued before that are still readable.
func (s *Session) Events() <-chan Event {
	return s.send
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// prime queues ev before the session is visible to the registry, so it is
// the first event the client sees.
func (s *Session) prime(ev Event) {
	select {
	case s.send <- ev:
	default:
	}
}
