package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/chirper/pkg/realtime"
	"github.com/rubiojr/chirper/pkg/shared"
)

// ErrServerDisconnect is returned by Conn.Next when the server dropped the
// session on purpose (a going-away close frame or a disconnect event).
var ErrServerDisconnect = errors.New("server disconnect")

// RejectedError is a handshake the server refused, e.g. a bad token.
type RejectedError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("handshake rejected (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("handshake rejected (%d %s)", e.Status, e.Code)
}

// IsRejected reports whether err is a handshake rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Conn is one open transport session.
type Conn interface {
	// Next blocks until the next event arrives. It returns
	// ErrServerDisconnect when the server dropped the session and any other
	// error when the transport was lost.
	Next(ctx context.Context) (realtime.Event, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

func rejection(resp *http.Response) error {
	var body shared.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error == "" {
		body.Error = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	return &RejectedError{Status: resp.StatusCode, Code: body.Error, Message: body.Message}
}

// rejectedStatus reports whether a handshake answer is final: retrying the
// same credential over another transport would not help.
func rejectedStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// DefaultReadTimeout is how long a connection may stay silent before it is
// considered lost. The server pings websocket clients and answers polls well
// within it.
const DefaultReadTimeout = 90 * time.Second

// WebSocketDialer connects to /realtime/ws.
type WebSocketDialer struct {
	ServerURL string
	// Origin is sent as the Origin header when set.
	Origin string
	Dialer *websocket.Dialer
	// ReadTimeout defaults to DefaultReadTimeout. Server pings and events
	// both count as traffic.
	ReadTimeout time.Duration
}

func (d *WebSocketDialer) endpoint(token string) (string, error) {
	u, err := url.Parse(d.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	endpoint, err := d.endpoint(token)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	header := http.Header{}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}

	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && rejectedStatus(resp.StatusCode) {
			return nil, rejection(resp)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	return newWSConn(ws, timeout), nil
}

type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration
}

func newWSConn(ws *websocket.Conn, timeout time.Duration) *wsConn {
	c := &wsConn{ws: ws, timeout: timeout}
	c.extend()
	ws.SetPingHandler(func(data string) error {
		c.extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &ne) {
			return nil
		}
		return err
	})
	return c
}

// extend pushes the read deadline out by the timeout.
func (c *wsConn) extend() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.timeout))
}

func (c *wsConn) Next(ctx context.Context) (realtime.Event, error) {
	var ev realtime.Event
	if err := c.ws.ReadJSON(&ev); err != nil {
		if websocket.IsCloseError(err, websocket.CloseGoingAway) {
			return ev, ErrServerDisconnect
		}
		if ctx.Err() != nil {
			return ev, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ev, fmt.Errorf("no traffic for %s: %w", c.timeout, err)
		}
		return ev, err
	}
	c.extend()
	if ev.Name == realtime.EventDisconnect {
		return ev, ErrServerDisconnect
	}
	return ev, nil
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// PollingDialer opens a long-polling session on /realtime/poll.
type PollingDialer struct {
	ServerURL string
	Origin    string
	Client    *http.Client
	// ReadTimeout bounds each request beyond the server's poll window.
	// Defaults to DefaultReadTimeout.
	ReadTimeout time.Duration
}

func (d *PollingDialer) endpoint() (string, error) {
	u, err := url.Parse(d.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/poll"
	u.RawQuery = ""
	return u.String(), nil
}

func (d *PollingDialer) Dial(ctx context.Context, token string) (Conn, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	hc := d.Client
	if hc == nil {
		hc = http.DefaultClient
	}

	slack := d.ReadTimeout
	if slack <= 0 {
		slack = DefaultReadTimeout
	}
	c := &pollConn{endpoint: endpoint, token: token, origin: d.Origin, hc: hc, timeout: slack}
	resp, err := c.do(ctx, http.MethodPost, "")
	if err != nil {
		return nil, fmt.Errorf("opening polling session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if rejectedStatus(resp.StatusCode) {
			return nil, rejection(resp)
		}
		return nil, fmt.Errorf("opening polling session: unexpected status %d", resp.StatusCode)
	}
	var open struct {
		SID         string `json:"sid"`
		PollTimeout string `json:"poll_timeout"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		return nil, fmt.Errorf("opening polling session: %w", err)
	}
	if open.SID == "" {
		return nil, errors.New("opening polling session: no session id")
	}
	c.sid = open.SID
	if window, err := time.ParseDuration(open.PollTimeout); err == nil {
		c.timeout += window
	}
	c.closing = make(chan struct{})
	return c, nil
}

type pollConn struct {
	endpoint string
	token    string
	origin   string
	sid      string
	hc       *http.Client
	// timeout bounds one poll: the server's window plus slack.
	timeout time.Duration

	queue     []realtime.Event
	closing   chan struct{}
	closeOnce sync.Once
}

func (c *pollConn) do(ctx context.Context, method, sid string) (*http.Response, error) {
	target := c.endpoint
	if sid != "" {
		target += "?" + url.Values{"sid": {sid}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	return c.hc.Do(req)
}

func (c *pollConn) Next(ctx context.Context) (realtime.Event, error) {
	for len(c.queue) == 0 {
		if err := c.poll(ctx); err != nil {
			return realtime.Event{}, err
		}
	}
	ev := c.queue[0]
	c.queue = c.queue[1:]
	if ev.Name == realtime.EventDisconnect {
		return ev, ErrServerDisconnect
	}
	return ev, nil
}

func (c *pollConn) poll(ctx context.Context) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	resp, err := c.do(ctx, http.MethodGet, c.sid)
	if err != nil {
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("poll got no answer within %s: %w", c.timeout, err)
		}
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// Reaped or the server restarted.
		return ErrServerDisconnect
	default:
		return fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Events []realtime.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("poll: decoding events: %w", err)
	}
	c.queue = append(c.queue, body.Events...)
	return nil
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if resp, err := c.do(ctx, http.MethodDelete, c.sid); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}

// NegotiatingDialer tries each dialer in order until one connects. A
// handshake rejection ends negotiation; the next transport would be
// rejected too.
type NegotiatingDialer struct {
	Dialers []Dialer
}

func (d *NegotiatingDialer) Dial(ctx context.Context, token string) (Conn, error) {
	var errs []error
	for _, dialer := range d.Dialers {
		conn, err := dialer.Dial(ctx, token)
		if err == nil {
			return conn, nil
		}
		if IsRejected(err) || ctx.Err() != nil {
			return nil, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no transports configured")
	}
	return nil, errors.Join(errs...)
}

// NewDialer builds the dialer for serverURL trying transports in the given
// order.
func NewDialer(serverURL, origin string, transports []string) (Dialer, error) {
	var dialers []Dialer
	for _, t := range transports {
		switch t {
		case realtime.TransportWebSocket:
			dialers = append(dialers, &WebSocketDialer{ServerURL: serverURL, Origin: origin})
		case realtime.TransportPolling:
			dialers = append(dialers, &PollingDialer{ServerURL: serverURL, Origin: origin})
		default:
			return nil, fmt.Errorf("unknown transport %q", t)
		}
	}
	switch len(dialers) {
	case 0:
		return nil, errors.New("no transports configured")
	case 1:
		return dialers[0], nil
	}
	return &NegotiatingDialer{Dialers: dialers}, nil
}
