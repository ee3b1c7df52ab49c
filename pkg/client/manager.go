// Package client keeps a user's realtime connection alive and collects the
// notifications pushed over it.
//
// A Manager runs an explicit state machine (see State): it only connects
// once a session token exists, reconnects after a short fixed delay when the
// server drops it, backs off on network loss and gives up (Suppressed) after
// a bounded number of consecutive connection errors until Connect is called
// again.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/chirper/pkg/core"
	"github.com/rubiojr/chirper/pkg/log"
	"github.com/rubiojr/chirper/pkg/realtime"
)

var ErrNoToken = errors.New("no session token")

// Alerter raises user-facing alerts for incoming notifications.
type Alerter interface {
	// Permission reports whether the user agreed to alerts.
	Permission() bool
	Alert(n core.Notification)
}

type Options struct {
	Dialer Dialer
	// MaxConnectErrors consecutive failed attempts move the manager to
	// Suppressed.
	MaxConnectErrors  int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	ServerDropDelay   time.Duration
	// HandshakeTimeout bounds the wait for the server's connected event.
	// A connection that never acknowledges counts as a connection error.
	HandshakeTimeout time.Duration
	Alerter          Alerter

	// After replaces time.After in tests.
	After func(time.Duration) <-chan time.Time
}

type Manager struct {
	opts   Options
	store  *Store
	logger *log.Logger

	// connectMu serialises Connect and Disconnect.
	connectMu sync.Mutex

	mu        sync.Mutex
	state     State
	token     string
	welcome   string
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []func(old, new State)
}

func NewManager(opts Options) *Manager {
	if opts.MaxConnectErrors <= 0 {
		opts.MaxConnectErrors = 3
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.ReconnectDelayMax < opts.ReconnectDelay {
		opts.ReconnectDelayMax = opts.ReconnectDelay
	}
	if opts.ServerDropDelay <= 0 {
		opts.ServerDropDelay = time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Manager{
		opts:   opts,
		store:  NewStore(),
		logger: log.ForService("client"),
		state:  Disconnected,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Welcome returns the greeting of the last successful handshake.
func (m *Manager) Welcome() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.welcome
}

func (m *Manager) Notifications() *Store {
	return m.store
}

// OnStateChange registers fn to be called after every transition. Callbacks
// run on the manager's goroutine and must not block.
func (m *Manager) OnStateChange(fn func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		m.mu.Unlock()
		m.logger.Errorf("illegal state transition %s -> %s", from, to)
		return
	}
	m.state = to
	listeners := append([]func(old, new State){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Debugf("%s -> %s", from, to)
	for _, fn := range listeners {
		fn(from, to)
	}
}

// Connect starts keeping a connection open for token until ctx ends or
// Disconnect is called. Connecting again with the same token is a no-op;
// a different token replaces the current connection.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.token == token && m.running() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.token = token
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(runCtx, token, done)
	return nil
}

// Disconnect tears the connection down and stops reconnecting.
func (m *Manager) Disconnect() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.stop()
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	m.setState(Disconnected)
}

// Done is closed when the current connection loop has exited, either
// because it was stopped or because it gave up.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}

// running must be called with mu held.
func (m *Manager) running() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// backoff is the delay before the n-th consecutive retry after a network
// failure.
func (m *Manager) backoff(n int) time.Duration {
	d := m.opts.ReconnectDelay
	for i := 1; i < n && d < m.opts.ReconnectDelayMax; i++ {
		d *= 2
	}
	return min(d, m.opts.ReconnectDelayMax)
}

func (m *Manager) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	failures := 0
	var wait time.Duration
	for {
		if wait > 0 {
			select {
			case <-ctx.Done():
				m.setState(Disconnected)
				return
			case <-m.opts.After(wait):
			}
		}
		if ctx.Err() != nil {
			m.setState(Disconnected)
			return
		}

		m.setState(Connecting)
		conn, err := m.handshake(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(Disconnected)
				return
			}
			failures++
			m.logger.Warnf("connection attempt %d/%d failed: %v", failures, m.opts.MaxConnectErrors, err)
			if failures >= m.opts.MaxConnectErrors {
				m.logger.Warnf("giving up after %d connection errors", failures)
				m.setState(Suppressed)
				return
			}
			m.setState(Disconnected)
			wait = m.backoff(failures)
			continue
		}

		failures = 0
		m.setState(Connected)
		err = m.consume(ctx, conn)
		_ = conn.Close()
		m.setState(Disconnected)

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrServerDisconnect):
			m.logger.Infof("server dropped the connection, reconnecting in %s", m.opts.ServerDropDelay)
			wait = m.opts.ServerDropDelay
		default:
			m.logger.Warnf("connection lost: %v", err)
			wait = m.backoff(1)
		}
	}
}

// handshake dials and waits for the server's connected acknowledgement,
// for at most HandshakeTimeout.
func (m *Manager) handshake(ctx context.Context, token string) (Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	conn, err := m.opts.Dialer.Dial(hctx, token)
	if err != nil {
		if ctx.Err() == nil && hctx.Err() != nil {
			return nil, fmt.Errorf("dial timed out after %s: %w", m.opts.HandshakeTimeout, err)
		}
		return nil, err
	}
	// Transports that block in Next regardless of ctx unblock on Close.
	stop := context.AfterFunc(hctx, func() { _ = conn.Close() })
	defer stop()

	ev, err := conn.Next(hctx)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() == nil && hctx.Err() != nil {
			return nil, fmt.Errorf("no handshake ack within %s", m.opts.HandshakeTimeout)
		}
		return nil, fmt.Errorf("waiting for handshake ack: %w", err)
	}
	if !stop() {
		// The deadline fired as the ack arrived and the conn is being closed.
		return nil, fmt.Errorf("no handshake ack within %s", m.opts.HandshakeTimeout)
	}
	if ev.Name != realtime.EventConnected {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %s event, got %q", realtime.EventConnected, ev.Name)
	}

	m.mu.Lock()
	m.welcome = ev.Message
	m.mu.Unlock()
	m.logger.Infof("%s", ev.Message)
	return conn, nil
}

func (m *Manager) consume(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		switch ev.Name {
		case realtime.EventNewNotification, realtime.EventBroadcastNotification:
			if ev.Notification == nil {
				continue
			}
			n := m.store.Add(*ev.Notification)
			if a := m.opts.Alerter; a != nil && a.Permission() {
				a.Alert(n)
			}
		case realtime.EventConnected:
		default:
			m.logger.Debugf("ignoring event %q", ev.Name)
		}
	}
}
