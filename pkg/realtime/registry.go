package realtime

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"

	"github.com/rubiojr/chirper/pkg/log"
)

var ErrRegistryClosed = errors.New("realtime registry is closed")

// Registry maps users to their live sessions. All state is owned by the
// goroutine running Run; other goroutines interact with it through ops.
type Registry struct {
	ops     chan func()
	stopped chan struct{}

	// owned by Run
	sessions map[string]*Session
	users    map[int64]map[string]*Session
	closing  bool

	delivered atomic.Uint64
	dropped   atomic.Uint64

	logger *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		ops:      make(chan func(), 1024),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*Session),
		users:    make(map[int64]map[string]*Session),
		logger:   log.ForService("realtime"),
	}
}

// Run processes registry operations until ctx is cancelled. Every session
// still registered at that point receives a server disconnect.
func (r *Registry) Run(ctx context.Context) {
	r.logger.Debugf("registry started")
	defer r.logger.Debugf("registry stopped")

	for {
		select {
		case op := <-r.ops:
			op()
		case <-ctx.Done():
			r.disconnectAll(ReasonServerDisconnect)
			close(r.stopped)
			return
		}
	}
}

// do runs op on the registry goroutine and waits for it.
func (r *Registry) do(op func()) error {
	done := make(chan struct{})
	wrapped := func() {
		op()
		close(done)
	}
	select {
	case r.ops <- wrapped:
	case <-r.stopped:
		return ErrRegistryClosed
	}
	select {
	case <-done:
		return nil
	case <-r.stopped:
		return ErrRegistryClosed
	}
}

// submit queues op without waiting for it to run.
func (r *Registry) submit(op func()) {
	select {
	case r.ops <- op:
	case <-r.stopped:
	}
}

// Register adds s under its user's session set. Registering the same
// session twice is a no-op. After Close it fails with ErrRegistryClosed.
func (r *Registry) Register(s *Session) error {
	var err error
	if doErr := r.do(func() {
		if r.closing {
			err = ErrRegistryClosed
			return
		}
		if _, ok := r.sessions[s.ID]; ok {
			return
		}
		r.sessions[s.ID] = s
		set, ok := r.users[s.UserID]
		if !ok {
			set = make(map[string]*Session)
			r.users[s.UserID] = set
		}
		set[s.ID] = s
		r.logger.Infof("user %s (id %d) connected via %s, session %s", s.Username, s.UserID, s.Transport, s.ID)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Unregister removes the session and closes its queue. Unknown ids are
// ignored, so it is safe to call from every teardown path.
func (r *Registry) Unregister(sessionID string) {
	_ = r.do(func() { r.remove(sessionID, nil) })
}

// Disconnect sends a final disconnect event with reason, then unregisters.
func (r *Registry) Disconnect(sessionID, reason string) {
	_ = r.do(func() {
		r.remove(sessionID, &Event{Name: EventDisconnect, Reason: reason})
	})
}

// DisconnectAll drops every session with a disconnect event.
func (r *Registry) DisconnectAll(reason string) {
	_ = r.do(func() { r.disconnectAll(reason) })
}

// Close drops every session like DisconnectAll and refuses later
// registrations.
func (r *Registry) Close(reason string) {
	_ = r.do(func() {
		r.closing = true
		r.disconnectAll(reason)
	})
}

func (r *Registry) disconnectAll(reason string) {
	for id := range r.sessions {
		r.remove(id, &Event{Name: EventDisconnect, Reason: reason})
	}
}

func (r *Registry) remove(sessionID string, final *Event) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if set, ok := r.users[s.UserID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.users, s.UserID)
		}
	}

	if final != nil {
		// Make room so the final event is never the one dropped.
		select {
		case s.send <- *final:
		default:
			select {
			case <-s.send:
			default:
			}
			select {
			case s.send <- *final:
			default:
			}
		}
	}
	close(s.send)
	r.logger.Infof("user %s (id %d) disconnected, session %s", s.Username, s.UserID, s.ID)
}

// enqueue never blocks; a full queue drops ev for this session only.
func (r *Registry) enqueue(s *Session, ev Event) {
	select {
	case s.send <- ev:
		r.delivered.Add(1)
	default:
		r.dropped.Add(1)
		r.logger.Warnf("session %s of user %d is full, dropping %s", s.ID, s.UserID, ev.Name)
	}
}

func (r *Registry) deliverToUser(userID int64, ev Event) {
	r.submit(func() {
		for _, s := range r.users[userID] {
			r.enqueue(s, ev)
		}
	})
}

// deliverEach queues events[userID] on every session of each user.
func (r *Registry) deliverEach(events map[int64]Event) {
	r.submit(func() {
		for id, ev := range events {
			for _, s := range r.users[id] {
				r.enqueue(s, ev)
			}
		}
	})
}

func (r *Registry) deliverToAll(ev Event) {
	r.submit(func() {
		for _, s := range r.sessions {
			r.enqueue(s, ev)
		}
	})
}

// IsOnline reports whether userID has at least one live session.
func (r *Registry) IsOnline(userID int64) bool {
	var online bool
	_ = r.do(func() {
		_, online = r.users[userID]
	})
	return online
}

// OnlineUserIDs returns the ids of users with a live session, sorted.
func (r *Registry) OnlineUserIDs() []int64 {
	ids := []int64{}
	_ = r.do(func() {
		for id := range r.users {
			ids = append(ids, id)
		}
	})
	slices.Sort(ids)
	return ids
}

func (r *Registry) SessionCount() int {
	var n int
	_ = r.do(func() {
		n = len(r.sessions)
	})
	return n
}

// Stats are delivery counters since start.
type Stats struct {
	Sessions  int    `json:"sessions"`
	Users     int    `json:"users"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func (r *Registry) Stats() Stats {
	var st Stats
	_ = r.do(func() {
		st.Sessions = len(r.sessions)
		st.Users = len(r.users)
	})
	st.Delivered = r.delivered.Load()
	st.Dropped = r.dropped.Load()
	return st
}
