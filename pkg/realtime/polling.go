package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/rubiojr/chirper/pkg/shared"
)

// maxPollBatch caps how many queued events one poll response carries.
const maxPollBatch = 64

type pollOpenResponse struct {
	SID         string `json:"sid"`
	Transport   string `json:"transport"`
	PollTimeout string `json:"poll_timeout"`
}

type pollResponse struct {
	Events []Event `json:"events"`
}

func (s *Server) handlePollOpen(w http.ResponseWriter, r *http.Request) {
	id, ok := s.admit(w, r)
	if !ok {
		return
	}
	sess, err := s.open(id, TransportPolling)
	if err != nil {
		shared.WriteError(w, http.StatusServiceUnavailable, "shutting_down", "Server is shutting down")
		return
	}

	s.pollMu.Lock()
	s.polls[sess.ID] = sess
	s.pollMu.Unlock()

	shared.WriteJSON(w, http.StatusOK, pollOpenResponse{
		SID:         sess.ID,
		Transport:   TransportPolling,
		PollTimeout: s.opts.PollTimeout.String(),
	})
}

// pollSession authenticates the request and finds its session by sid. The
// sid alone grants nothing: the credential must belong to the session's user.
func (s *Server) pollSession(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id, err := s.handshake.Authenticate(r)
	if err != nil {
		rejectHandshake(w, err)
		return nil, false
	}

	sid := r.URL.Query().Get("sid")
	s.pollMu.Lock()
	sess, ok := s.polls[sid]
	s.pollMu.Unlock()
	if !ok {
		shared.WriteError(w, http.StatusNotFound, "unknown_session", "Unknown or expired session")
		return nil, false
	}
	if id.UserID != sess.UserID {
		shared.WriteError(w, http.StatusForbidden, "session_mismatch", "Session belongs to another user")
		return nil, false
	}
	return sess, true
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.pollSession(w, r)
	if !ok {
		return
	}
	if !sess.polling.CompareAndSwap(false, true) {
		shared.WriteError(w, http.StatusConflict, "poll_in_progress", "Another poll is already waiting on this session")
		return
	}
	defer sess.polling.Store(false)
	sess.touch()

	events := []Event{}
	closed := false

	timer := time.NewTimer(s.opts.PollTimeout)
	defer timer.Stop()

	select {
	case ev, ok := <-sess.send:
		if ok {
			events = append(events, ev)
		} else {
			closed = true
		}
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

drain:
	for !closed && len(events) < maxPollBatch {
		select {
		case ev, ok := <-sess.send:
			if !ok {
				closed = true
				break drain
			}
			events = append(events, ev)
		default:
			break drain
		}
	}

	if closed {
		s.forgetPoll(sess.ID)
	}
	sess.touch()
	shared.WriteJSON(w, http.StatusOK, pollResponse{Events: events})
}

func (s *Server) handlePollClose(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.pollSession(w, r)
	if !ok {
		return
	}
	s.registry.Unregister(sess.ID)
	s.forgetPoll(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) forgetPoll(sid string) {
	s.pollMu.Lock()
	delete(s.polls, sid)
	s.pollMu.Unlock()
}

// reapIdlePolls unregisters polling sessions whose client stopped polling.
func (s *Server) reapIdlePolls(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapOnce(now)
		}
	}
}

func (s *Server) reapOnce(now time.Time) {
	var idle []*Session
	s.pollMu.Lock()
	for sid, sess := range s.polls {
		if sess.polling.Load() || sess.idleFor(now) < s.opts.PollIdleTimeout {
			continue
		}
		idle = append(idle, sess)
		delete(s.polls, sid)
	}
	s.pollMu.Unlock()

	for _, sess := range idle {
		s.logger.Debugf("reaping idle polling session %s of user %d", sess.ID, sess.UserID)
		s.registry.Disconnect(sess.ID, ReasonIdle)
	}
}
