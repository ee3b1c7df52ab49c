package integration_tests

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rubiojr/chirper/pkg/api"
	"github.com/rubiojr/chirper/pkg/client"
	"github.com/rubiojr/chirper/pkg/core"
	"github.com/rubiojr/chirper/pkg/realtime"
)

func dial(t *testing.T, d client.Dialer, token string) client.Conn {
	t.Helper()
	conn, err := d.Dial(context.Background(), token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if ev := next(t, conn); ev.Name != realtime.EventConnected {
		t.Fatalf("first event = %+v, want connected", ev)
	}
	return conn
}

func next(t *testing.T, conn client.Conn) realtime.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := conn.Next(ctx)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	return ev
}

// Every tab of a user gets the push, whatever transport it uses, and other
// users get nothing.
func TestFollowReachesEverySessionOfTheTarget(t *testing.T) {
	s := NewStack(t)
	alice := s.Register(t, "alice")
	bob := s.Register(t, "bob")
	carol := s.Register(t, "carol")
	admin := s.Register(t, "admin")

	ws := &client.WebSocketDialer{ServerURL: s.URL}
	poll := &client.PollingDialer{ServerURL: s.URL}

	aliceTabs := []client.Conn{
		dial(t, ws, alice.Token),
		dial(t, ws, alice.Token),
		dial(t, poll, alice.Token),
	}
	carolTab := dial(t, ws, carol.Token)
	s.WaitOnline(t, alice.User.ID)
	s.WaitOnline(t, carol.User.ID)

	s.Follow(t, bob, alice.User.ID)

	for i, conn := range aliceTabs {
		ev := next(t, conn)
		if ev.Name != realtime.EventNewNotification || ev.Notification == nil {
			t.Fatalf("tab %d: event = %+v", i, ev)
		}
		n := ev.Notification
		if n.Type != core.NotificationFollow || n.UserID != alice.User.ID || n.RelatedUserID != bob.User.ID {
			t.Fatalf("tab %d: notification = %+v", i, n)
		}
	}

	// Per-session FIFO: if carol had received the follow it would come
	// before the announcement.
	if code := s.Do(t, http.MethodPost, "/api/announcements", admin.Token, api.AnnouncementRequest{Content: "marker"}, nil); code != http.StatusAccepted {
		t.Fatalf("announce: %d", code)
	}
	ev := next(t, carolTab)
	if ev.Name != realtime.EventBroadcastNotification || ev.Notification.Content != "marker" {
		t.Fatalf("carol received %+v before the announcement", ev)
	}
	for i, conn := range aliceTabs {
		if ev := next(t, conn); ev.Name != realtime.EventBroadcastNotification {
			t.Fatalf("tab %d missed the announcement: %+v", i, ev)
		}
	}
}

func TestPostFansOutToLiveFollowersOnly(t *testing.T) {
	s := NewStack(t)
	author := s.Register(t, "author")
	online := s.Register(t, "online")
	offline := s.Register(t, "offline")
	stranger := s.Register(t, "stranger")
	s.Follow(t, online, author.User.ID)
	s.Follow(t, offline, author.User.ID)

	ws := &client.WebSocketDialer{ServerURL: s.URL}
	followerConn := dial(t, ws, online.Token)
	strangerConn := dial(t, ws, stranger.Token)
	s.WaitOnline(t, online.User.ID)
	s.WaitOnline(t, stranger.User.ID)

	if code := s.Do(t, http.MethodPost, "/api/posts", author.Token, api.CreatePostRequest{Content: "hello followers"}, nil); code != http.StatusCreated {
		t.Fatalf("post: %d", code)
	}

	ev := next(t, followerConn)
	if ev.Name != realtime.EventNewNotification || ev.Notification.Type != core.NotificationPost {
		t.Fatalf("follower event = %+v", ev)
	}

	// The push is the follower's stored row, so it can be marked read.
	var mine api.NotificationsResponse
	s.Do(t, http.MethodGet, "/api/notifications", online.Token, nil, &mine)
	if len(mine.Notifications) != 1 {
		t.Fatalf("online follower list = %+v", mine)
	}
	if pushed, stored := ev.Notification, mine.Notifications[0]; pushed.ID != stored.ID || pushed.UserID != online.User.ID {
		t.Fatalf("pushed %+v, stored %+v", pushed, stored)
	}
	if code := s.Do(t, http.MethodPut, fmt.Sprintf("/api/notifications/%d/read", ev.Notification.ID), online.Token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("mark pushed notification read: %d", code)
	}

	// The stranger's session only sees its own follow-up push.
	s.Follow(t, author, stranger.User.ID)
	if ev := next(t, strangerConn); ev.Notification == nil || ev.Notification.Type != core.NotificationFollow {
		t.Fatalf("stranger received %+v", ev)
	}

	// Offline followers find it in the persisted list.
	var list api.NotificationsResponse
	s.Do(t, http.MethodGet, "/api/notifications", offline.Token, nil, &list)
	if len(list.Notifications) != 1 || list.Notifications[0].Type != core.NotificationPost {
		t.Fatalf("offline follower list = %+v", list)
	}
}

func TestOnlineStateFollowsSessions(t *testing.T) {
	s := NewStack(t)
	alice := s.Register(t, "alice")
	reg := s.Realtime.Registry()

	conn, err := (&client.WebSocketDialer{ServerURL: s.URL}).Dial(context.Background(), alice.Token)
	if err != nil {
		t.Fatal(err)
	}
	s.WaitOnline(t, alice.User.ID)

	var online api.OnlineResponse
	s.Do(t, http.MethodGet, "/api/realtime/online", alice.Token, nil, &online)
	if online.Count != 1 || online.Online[0] != alice.User.ID {
		t.Fatalf("online = %+v", online)
	}

	_ = conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for reg.IsOnline(alice.User.ID) {
		if time.Now().After(deadline) {
			t.Fatal("user still online after closing the only session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	dial(t, &client.PollingDialer{ServerURL: s.URL}, alice.Token)
	s.WaitOnline(t, alice.User.ID)
}

func TestRejectedHandshakeNeverRegisters(t *testing.T) {
	s := NewStack(t)
	for _, d := range []client.Dialer{
		&client.WebSocketDialer{ServerURL: s.URL},
		&client.PollingDialer{ServerURL: s.URL},
	} {
		for _, token := range []string{"", "not.a.jwt"} {
			if _, err := d.Dial(context.Background(), token); !client.IsRejected(err) {
				t.Fatalf("%T with %q: err = %v", d, token, err)
			}
		}
	}
	if n := s.Realtime.Registry().SessionCount(); n != 0 {
		t.Fatalf("sessions = %d after rejected handshakes", n)
	}
}
