package realtime

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/log"
	"github.com/rubiojr/chirper/pkg/shared"
)

type Options struct {
	Verifier         auth.Verifier
	HandshakeTimeout time.Duration
	// Transports in preference order; defaults to websocket, polling.
	Transports      []string
	SessionBuffer   int
	PollTimeout     time.Duration
	PollIdleTimeout time.Duration
	PingInterval    time.Duration
	// AllowOrigin decides whether a browser Origin may connect. Nil allows
	// every origin.
	AllowOrigin func(origin string) bool
}

// Server exposes the realtime transports over HTTP.
type Server struct {
	opts       Options
	registry   *Registry
	dispatcher *Dispatcher
	handshake  *Handshake
	upgrader   websocket.Upgrader
	allow      atomic.Pointer[func(string) bool]
	closing    atomic.Bool

	pollMu sync.Mutex
	polls  map[string]*Session

	pumps  sync.WaitGroup
	logger *log.Logger
}

func NewServer(opts Options) *Server {
	if len(opts.Transports) == 0 {
		opts.Transports = []string{TransportWebSocket, TransportPolling}
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 25 * time.Second
	}
	if opts.PollIdleTimeout <= opts.PollTimeout {
		opts.PollIdleTimeout = opts.PollTimeout + 30*time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 54 * time.Second
	}

	reg := NewRegistry()
	s := &Server{
		opts:       opts,
		registry:   reg,
		dispatcher: NewDispatcher(reg),
		handshake:  NewHandshake(opts.Verifier, opts.HandshakeTimeout),
		polls:      make(map[string]*Session),
		logger:     log.ForService("realtime"),
	}
	s.SetAllowOrigin(opts.AllowOrigin)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Transports returns the enabled transports in preference order.
func (s *Server) Transports() []string {
	return slices.Clone(s.opts.Transports)
}

// SetAllowOrigin swaps the origin policy, e.g. after a config reload.
func (s *Server) SetAllowOrigin(fn func(origin string) bool) {
	if fn == nil {
		fn = func(string) bool { return true }
	}
	s.allow.Store(&fn)
}

func (s *Server) originAllowed(origin string) bool {
	return (*s.allow.Load())(origin)
}

func (s *Server) enabled(transport string) bool {
	return slices.Contains(s.opts.Transports, transport)
}

// Start runs the registry and the polling reaper until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.registry.Run(ctx)
	if s.enabled(TransportPolling) {
		go s.reapIdlePolls(ctx)
	}
}

// RegisterRoutes mounts the realtime endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /realtime/transports", s.handleTransports)
	if s.enabled(TransportWebSocket) {
		mux.HandleFunc("GET /realtime/ws", s.handleWebSocket)
	}
	if s.enabled(TransportPolling) {
		mux.HandleFunc("POST /realtime/poll", s.handlePollOpen)
		mux.HandleFunc("GET /realtime/poll", s.handlePoll)
		mux.HandleFunc("DELETE /realtime/poll", s.handlePollClose)
	}
}

// Shutdown drops every session with a server disconnect and waits for the
// websocket pumps to finish writing their close frames. New connections are
// refused with 503 from then on.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.registry.Close(ReasonServerDisconnect)

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleTransports(w http.ResponseWriter, r *http.Request) {
	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"transports":   s.opts.Transports,
		"poll_timeout": s.opts.PollTimeout.String(),
	})
}

// admit runs the origin check and the handshake, writing the rejection on
// failure.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if s.closing.Load() {
		shared.WriteError(w, http.StatusServiceUnavailable, "shutting_down", "Server is shutting down")
		return auth.Identity{}, false
	}
	if origin := r.Header.Get("Origin"); !s.originAllowed(origin) {
		s.logger.Warnf("rejecting connection from origin %q", origin)
		shared.WriteError(w, http.StatusForbidden, "origin_not_allowed", "Origin not allowed")
		return auth.Identity{}, false
	}
	id, err := s.handshake.Authenticate(r)
	if err != nil {
		s.logger.Debugf("handshake from %s rejected: %v", r.RemoteAddr, err)
		rejectHandshake(w, err)
		return auth.Identity{}, false
	}
	return id, true
}

// open creates and registers a session with the welcome queued first.
func (s *Server) open(id auth.Identity, transport string) (*Session, error) {
	sess := newSession(id, transport, s.opts.SessionBuffer)
	sess.prime(welcomeEvent(id.Username))
	if err := s.registry.Register(sess); err != nil {
		return nil, err
	}
	return sess, nil
}
