package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/core"
	"github.com/rubiojr/chirper/pkg/realtime"
	"github.com/rubiojr/chirper/pkg/storage"
)

type sent struct {
	kind      string
	userID    int64
	n         core.Notification
	followers []int64
	rows      []core.Notification
}

// recordingNotifier captures dispatcher calls instead of pushing.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []sent
}

func (r *recordingNotifier) SendToUser(userID int64, n core.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sent{kind: "user", userID: userID, n: n})
}

func (r *recordingNotifier) Broadcast(n core.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sent{kind: "broadcast", n: n})
}

func (r *recordingNotifier) SendToFollowersFunc(ctx context.Context, userID int64, lookup realtime.FollowerLookup, build func(int64) (core.Notification, bool)) {
	ids, _ := lookup(ctx, userID)
	var rows []core.Notification
	for _, id := range ids {
		if n, ok := build(id); ok {
			rows = append(rows, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sent{kind: "followers", userID: userID, followers: ids, rows: rows})
}

func (r *recordingNotifier) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

type staticPresence struct{}

func (staticPresence) OnlineUserIDs() []int64 { return []int64{1, 2} }
func (staticPresence) Stats() realtime.Stats  { return realtime.Stats{Sessions: 3, Users: 2} }

type testAPI struct {
	srv      *httptest.Server
	store    *storage.Store
	notifier *recordingNotifier
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "chirper.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	iss, err := auth.NewIssuer("api-test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recordingNotifier{}
	s := NewServer(Options{
		Store:    store,
		Issuer:   iss,
		Notifier: rec,
		Presence: staticPresence{},
		IsAdmin:  func(u string) bool { return u == "admin" },
	})
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	hs := httptest.NewServer(CorsMiddleware(func(o string) bool { return o == "http://localhost:5173" }, mux))
	t.Cleanup(func() {
		hs.Close()
		_ = store.Close()
	})
	return &testAPI{srv: hs, store: store, notifier: rec}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (a *testAPI) register(t *testing.T, username string) AuthResponse {
	t.Helper()
	var out AuthResponse
	code := a.do(t, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Email:    username + "@example.com",
		Username: username,
		Password: "secret123",
	}, &out)
	if code != http.StatusCreated {
		t.Fatalf("register %s: %d", username, code)
	}
	return out
}

func TestRegisterLoginMe(t *testing.T) {
	a := newTestAPI(t)

	alice := a.register(t, "alice")
	if alice.Token == "" || alice.User.Username != "alice" {
		t.Fatalf("register response = %+v", alice)
	}

	if code := a.do(t, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Email: "other@example.com", Username: "ALICE", Password: "secret123",
	}, nil); code != http.StatusConflict {
		t.Fatalf("duplicate username: %d", code)
	}
	if code := a.do(t, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Email: "x@example.com", Username: "xavier", Password: "123",
	}, nil); code != http.StatusBadRequest {
		t.Fatalf("short password: %d", code)
	}

	var login AuthResponse
	if code := a.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "alice@example.com", Password: "secret123"}, &login); code != http.StatusOK {
		t.Fatalf("login: %d", code)
	}
	if code := a.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "alice@example.com", Password: "nope"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", code)
	}

	var me storage.User
	if code := a.do(t, http.MethodGet, "/api/auth/me", login.Token, nil, &me); code != http.StatusOK || me.ID != alice.User.ID {
		t.Fatalf("me: %d %+v", code, me)
	}
	if code := a.do(t, http.MethodGet, "/api/auth/me", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("me without token: %d", code)
	}
}

func TestFollowPersistsThenPushes(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register(t, "alice")
	bob := a.register(t, "bob")

	path := fmt.Sprintf("/api/users/%d/follow", alice.User.ID)
	if code := a.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", bob.User.ID), bob.Token, nil, nil); code != http.StatusBadRequest {
		t.Fatalf("self follow: %d", code)
	}

	var resp FollowResponse
	if code := a.do(t, http.MethodPost, path, bob.Token, nil, &resp); code != http.StatusOK {
		t.Fatalf("follow: %d", code)
	}
	if !resp.IsFollowing || resp.FollowersCount != 1 {
		t.Fatalf("follow response = %+v", resp)
	}

	calls := a.notifier.take()
	if len(calls) != 1 || calls[0].kind != "user" || calls[0].userID != alice.User.ID {
		t.Fatalf("calls = %+v", calls)
	}
	pushed := calls[0].n
	if pushed.ID == 0 || pushed.Type != core.NotificationFollow || pushed.FromUser == nil || pushed.FromUser.Username != "bob" {
		t.Fatalf("pushed = %+v", pushed)
	}
	if !strings.Contains(pushed.Content, "@bob") {
		t.Fatalf("content = %q", pushed.Content)
	}

	// the pushed notification is the stored one
	var list NotificationsResponse
	a.do(t, http.MethodGet, "/api/notifications", alice.Token, nil, &list)
	if len(list.Notifications) != 1 || list.Notifications[0].ID != pushed.ID || list.UnreadCount != 1 {
		t.Fatalf("stored = %+v", list)
	}

	// unfollow sends nothing
	a.do(t, http.MethodPost, path, bob.Token, nil, &resp)
	if resp.IsFollowing || len(a.notifier.take()) != 0 {
		t.Fatalf("unfollow should not notify, resp=%+v", resp)
	}

	if code := a.do(t, http.MethodPost, "/api/users/999/follow", bob.Token, nil, nil); code != http.StatusNotFound {
		t.Fatalf("follow unknown user: %d", code)
	}
}

func TestCreatePostFansOutToFollowers(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register(t, "alice")
	bob := a.register(t, "bob")
	carol := a.register(t, "carol")

	for _, f := range []AuthResponse{bob, carol} {
		a.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", alice.User.ID), f.Token, nil, nil)
	}
	a.notifier.take()

	var post storage.Post
	if code := a.do(t, http.MethodPost, "/api/posts", alice.Token, CreatePostRequest{Content: "hello <world>"}, &post); code != http.StatusCreated {
		t.Fatalf("create post: %d", code)
	}

	calls := a.notifier.take()
	if len(calls) != 1 || calls[0].kind != "followers" || calls[0].userID != alice.User.ID {
		t.Fatalf("calls = %+v", calls)
	}
	if len(calls[0].followers) != 2 {
		t.Fatalf("lookup returned %v", calls[0].followers)
	}
	if len(calls[0].rows) != 2 {
		t.Fatalf("pushed rows = %+v", calls[0].rows)
	}
	pushed := map[int64]core.Notification{}
	for _, n := range calls[0].rows {
		if !strings.Contains(n.Content, "hello &lt;world&gt;") {
			t.Fatalf("post content not escaped: %q", n.Content)
		}
		pushed[n.UserID] = n
	}

	for _, f := range []AuthResponse{bob, carol} {
		var list NotificationsResponse
		a.do(t, http.MethodGet, "/api/notifications", f.Token, nil, &list)
		if len(list.Notifications) != 1 || list.Notifications[0].Type != core.NotificationPost {
			t.Fatalf("%s notifications = %+v", f.User.Username, list)
		}
		row, live := list.Notifications[0], pushed[f.User.ID]
		if live.ID == 0 || live.ID != row.ID || live.UserID != f.User.ID || live.CreatedAt.IsZero() {
			t.Fatalf("%s pushed %+v, stored %+v", f.User.Username, live, row)
		}
	}

	if code := a.do(t, http.MethodPost, "/api/posts", alice.Token, CreatePostRequest{Content: strings.Repeat("x", 281)}, nil); code != http.StatusBadRequest {
		t.Fatalf("long post: %d", code)
	}
}

func TestLikeCommentMention(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register(t, "alice")
	bob := a.register(t, "bob")
	carol := a.register(t, "carol")

	var post storage.Post
	a.do(t, http.MethodPost, "/api/posts", alice.Token, CreatePostRequest{Content: "first"}, &post)
	a.notifier.take()

	// self like is silent
	var like LikeResponse
	a.do(t, http.MethodPost, fmt.Sprintf("/api/posts/%d/like", post.ID), alice.Token, nil, &like)
	if !like.Liked || len(a.notifier.take()) != 0 {
		t.Fatalf("self like: %+v", like)
	}

	a.do(t, http.MethodPost, fmt.Sprintf("/api/posts/%d/like", post.ID), bob.Token, nil, &like)
	if !like.Liked || like.Likes != 2 {
		t.Fatalf("like = %+v", like)
	}
	calls := a.notifier.take()
	if len(calls) != 1 || calls[0].userID != alice.User.ID || calls[0].n.Type != core.NotificationLike {
		t.Fatalf("like calls = %+v", calls)
	}

	var c storage.Comment
	if code := a.do(t, http.MethodPost, fmt.Sprintf("/api/posts/%d/comments", post.ID), bob.Token,
		CreateCommentRequest{Content: "nice one @carol and @bob"}, &c); code != http.StatusCreated {
		t.Fatalf("comment: %d", code)
	}
	calls = a.notifier.take()
	if len(calls) != 2 {
		t.Fatalf("comment calls = %+v", calls)
	}
	if calls[0].userID != alice.User.ID || calls[0].n.Type != core.NotificationComment {
		t.Fatalf("comment notification = %+v", calls[0])
	}
	if calls[1].userID != carol.User.ID || calls[1].n.Type != core.NotificationMention {
		t.Fatalf("mention notification = %+v", calls[1])
	}

	var comments CommentsResponse
	a.do(t, http.MethodGet, fmt.Sprintf("/api/posts/%d/comments", post.ID), "", nil, &comments)
	if comments.Count != 1 {
		t.Fatalf("comments = %+v", comments)
	}

	var bm BookmarkResponse
	a.do(t, http.MethodPost, fmt.Sprintf("/api/posts/%d/bookmark", post.ID), bob.Token, nil, &bm)
	if !bm.Bookmarked || len(a.notifier.take()) != 0 {
		t.Fatalf("bookmark = %+v", bm)
	}

	if code := a.do(t, http.MethodPost, "/api/posts/424242/like", bob.Token, nil, nil); code != http.StatusNotFound {
		t.Fatalf("like missing post: %d", code)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register(t, "alice")
	bob := a.register(t, "bob")
	a.do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", alice.User.ID), bob.Token, nil, nil)

	var list NotificationsResponse
	a.do(t, http.MethodGet, "/api/notifications", alice.Token, nil, &list)
	id := list.Notifications[0].ID

	if code := a.do(t, http.MethodPut, fmt.Sprintf("/api/notifications/%d/read", id), bob.Token, nil, nil); code != http.StatusNotFound {
		t.Fatalf("reading someone else's notification: %d", code)
	}
	if code := a.do(t, http.MethodPut, fmt.Sprintf("/api/notifications/%d/read", id), alice.Token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("mark read: %d", code)
	}
	var unread UnreadCountResponse
	a.do(t, http.MethodGet, "/api/notifications/unread-count", alice.Token, nil, &unread)
	if unread.UnreadCount != 0 {
		t.Fatalf("unread = %d", unread.UnreadCount)
	}
	if code := a.do(t, http.MethodPut, "/api/notifications/read-all", alice.Token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("read-all: %d", code)
	}
	if code := a.do(t, http.MethodDelete, fmt.Sprintf("/api/notifications/%d", id), alice.Token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: %d", code)
	}
	if code := a.do(t, http.MethodDelete, fmt.Sprintf("/api/notifications/%d", id), alice.Token, nil, nil); code != http.StatusNotFound {
		t.Fatalf("second delete: %d", code)
	}
}

func TestAnnouncementRequiresAdmin(t *testing.T) {
	a := newTestAPI(t)
	user := a.register(t, "alice")
	admin := a.register(t, "admin")

	if code := a.do(t, http.MethodPost, "/api/announcements", user.Token, AnnouncementRequest{Content: "hi"}, nil); code != http.StatusForbidden {
		t.Fatalf("non-admin: %d", code)
	}
	if code := a.do(t, http.MethodPost, "/api/announcements", admin.Token, AnnouncementRequest{Content: "maintenance tonight"}, nil); code != http.StatusAccepted {
		t.Fatalf("admin: %d", code)
	}
	calls := a.notifier.take()
	if len(calls) != 1 || calls[0].kind != "broadcast" || calls[0].n.Type != core.NotificationAnnouncement {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestOnlineHealthAndCors(t *testing.T) {
	a := newTestAPI(t)
	alice := a.register(t, "alice")

	var online OnlineResponse
	if code := a.do(t, http.MethodGet, "/api/realtime/online", alice.Token, nil, &online); code != http.StatusOK {
		t.Fatalf("online: %d", code)
	}
	if online.Count != 2 || online.Stats.Sessions != 3 {
		t.Fatalf("online = %+v", online)
	}

	var health HealthResponse
	if code := a.do(t, http.MethodGet, "/health", "", nil, &health); code != http.StatusOK || health.Status != "ok" {
		t.Fatalf("health: %d %+v", code, health)
	}

	req, _ := http.NewRequest(http.MethodOptions, a.srv.URL+"/api/posts", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("allowed origin not echoed: %v", resp.Header)
	}

	req, _ = http.NewRequest(http.MethodOptions, a.srv.URL+"/api/posts", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin echoed")
	}
}
