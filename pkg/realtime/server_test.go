package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/core"
	"github.com/rubiojr/chirper/pkg/shared"
)

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	issuer *auth.Issuer
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	iss, err := auth.NewIssuer("realtime-test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{
		Verifier:        iss,
		SessionBuffer:   8,
		PollTimeout:     200 * time.Millisecond,
		PollIdleTimeout: time.Second,
		AllowOrigin: func(o string) bool {
			return o == "" || o == "http://localhost:5173"
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := NewServer(opts)

	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		hs.Close()
	})
	return &testEnv{srv: srv, http: hs, issuer: iss}
}

func (e *testEnv) token(t *testing.T, userID int64, username string) string {
	t.Helper()
	tok, err := e.issuer.Issue(auth.Identity{UserID: userID, Username: username})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) wsURL(query string) string {
	u, _ := url.Parse(e.http.URL)
	u.Scheme = "ws"
	u.Path = "/realtime/ws"
	u.RawQuery = query
	return u.String()
}

func wsDial(t *testing.T, rawURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	return d.Dial(rawURL, header)
}

func readEvent(t *testing.T, c *websocket.Conn) Event {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := c.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// waitOnline polls until userID's registration has gone through.
func waitOnline(t *testing.T, r *Registry, userID int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !r.IsOnline(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("user %d never came online", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeError(t *testing.T, resp *http.Response) shared.ErrorResponse {
	t.Helper()
	var er shared.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return er
}

func TestWebSocketHandshakeRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	_, resp, err := wsDial(t, env.wsURL(""), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: err=%v resp=%v", err, resp)
	}
	if er := decodeError(t, resp); er.Error != "missing_credential" {
		t.Fatalf("error = %+v", er)
	}

	_, resp, err = wsDial(t, env.wsURL("token=garbage"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: err=%v resp=%v", err, resp)
	}
	if er := decodeError(t, resp); er.Error != "invalid_credential" {
		t.Fatalf("error = %+v", er)
	}

	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	_, resp, err = wsDial(t, env.wsURL("token="+env.token(t, 1, "alice")), h)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad origin: err=%v resp=%v", err, resp)
	}

	if n := env.srv.Registry().SessionCount(); n != 0 {
		t.Fatalf("rejected handshakes created %d sessions", n)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	slow := verifierFunc(func(ctx context.Context, _ string) (auth.Identity, error) {
		select {
		case <-ctx.Done():
			return auth.Identity{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return auth.Identity{UserID: 1, Username: "late"}, nil
		}
	})
	env := newTestEnv(t, func(o *Options) {
		o.Verifier = slow
		o.HandshakeTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	_, resp, err := wsDial(t, env.wsURL("token=whatever"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, err=%v resp=%v", err, resp)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("handshake did not honour the timeout")
	}
}

type verifierFunc func(ctx context.Context, token string) (auth.Identity, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (auth.Identity, error) {
	return f(ctx, token)
}

func TestWebSocketWelcomeThenNotifications(t *testing.T) {
	env := newTestEnv(t, nil)

	h := http.Header{}
	h.Set("Authorization", "Bearer "+env.token(t, 1, "alice"))
	h.Set("Origin", "http://localhost:5173")
	conn, _, err := wsDial(t, env.wsURL(""), h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ev := readEvent(t, conn)
	if ev.Name != EventConnected || ev.Message != "Welcome alice! Real-time notifications are active." {
		t.Fatalf("first event = %+v", ev)
	}

	waitOnline(t, env.srv.Registry(), 1)
	env.srv.Dispatcher().SendToUser(1, core.Notification{ID: 5, Type: core.NotificationLike, Content: "bob liked your post"})
	env.srv.Dispatcher().Broadcast(core.Notification{Type: core.NotificationAnnouncement, Content: "hello all"})

	ev = readEvent(t, conn)
	if ev.Name != EventNewNotification || ev.Notification == nil || ev.Notification.ID != 5 {
		t.Fatalf("second event = %+v", ev)
	}
	ev = readEvent(t, conn)
	if ev.Name != EventBroadcastNotification {
		t.Fatalf("third event = %+v", ev)
	}
}

func TestWebSocketClientCloseUnregisters(t *testing.T) {
	env := newTestEnv(t, nil)

	conn, _, err := wsDial(t, env.wsURL("token="+env.token(t, 3, "carol")), nil)
	if err != nil {
		t.Fatal(err)
	}
	readEvent(t, conn)
	waitOnline(t, env.srv.Registry(), 3)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.Registry().IsOnline(3) {
		if time.Now().After(deadline) {
			t.Fatal("session not unregistered after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShutdownSendsGoingAway(t *testing.T) {
	env := newTestEnv(t, nil)

	conn, _, err := wsDial(t, env.wsURL("token="+env.token(t, 1, "alice")), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	readEvent(t, conn)
	waitOnline(t, env.srv.Registry(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = env.srv.Shutdown(ctx) }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.CloseGoingAway || ce.Text != "server shutdown" {
		t.Fatalf("close = %d %q", ce.Code, ce.Text)
	}
}

func TestTransportsEndpoint(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Transports = []string{TransportPolling} })

	resp, err := http.Get(env.http.URL + "/realtime/transports")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Transports []string `json:"transports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if strings.Join(body.Transports, ",") != "polling" {
		t.Fatalf("transports = %v", body.Transports)
	}

	// websocket route is not mounted when disabled
	_, resp, err = wsDial(t, env.wsURL("token="+env.token(t, 1, "a")), nil)
	if err == nil || resp == nil || resp.StatusCode == http.StatusSwitchingProtocols {
		t.Fatalf("websocket should be disabled, resp=%v", resp)
	}
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.token(t, 1, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	if _, code := env.pollOpen(t, tok); code != http.StatusServiceUnavailable {
		t.Fatalf("poll open during shutdown: %d", code)
	}
	_, resp, err := wsDial(t, env.wsURL("token="+tok), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("websocket during shutdown: err=%v resp=%v", err, resp)
	}
	if env.srv.Registry().IsOnline(1) {
		t.Fatal("session registered during shutdown")
	}
}
