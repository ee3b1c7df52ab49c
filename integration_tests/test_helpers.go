package integration_tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rubiojr/chirper/pkg/api"
	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/config"
	"github.com/rubiojr/chirper/pkg/realtime"
	"github.com/rubiojr/chirper/pkg/storage"
)

// Stack is a full server (storage, realtime and REST API) on an httptest
// listener, wired the same way serve wires it.
type Stack struct {
	URL      string
	Store    *storage.Store
	Realtime *realtime.Server
	Config   *config.Config
}

// NewStack starts a server with a throwaway database and the default
// configuration, shortened poll windows aside.
func NewStack(t *testing.T) *Stack {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{StorageDir: dir}
	cfg.Auth.JWTSecret = "integration"
	cfg.Realtime.PollTimeout = config.Duration{Duration: 200 * time.Millisecond}
	cfg.Realtime.PollIdleTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Admins = []string{"admin"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	store, err := storage.Open(ctx, filepath.Join(dir, "chirper.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	rt := realtime.NewServer(realtime.Options{
		Verifier:        issuer,
		SessionBuffer:   16,
		PollTimeout:     cfg.Realtime.PollTimeout.Duration,
		PollIdleTimeout: cfg.Realtime.PollIdleTimeout.Duration,
		AllowOrigin:     func(string) bool { return true },
	})
	rt.Start(ctx)

	apiServer := api.NewServer(api.Options{
		Store:    store,
		Issuer:   issuer,
		Notifier: rt.Dispatcher(),
		Presence: rt.Registry(),
		IsAdmin:  func(u string) bool { return u == "admin" },
	})
	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	rt.RegisterRoutes(mux)
	hs := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		hs.Close()
		if err := store.Close(); err != nil {
			t.Logf("Warning: failed to close store: %v", err)
		}
	})
	return &Stack{URL: hs.URL, Store: store, Realtime: rt, Config: cfg}
}

// Do sends a JSON request and decodes a successful answer into out.
func (s *Stack) Do(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decoding: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// Register creates a user and returns its id and token.
func (s *Stack) Register(t *testing.T, username string) api.AuthResponse {
	t.Helper()
	var out api.AuthResponse
	code := s.Do(t, http.MethodPost, "/api/auth/register", "", api.RegisterRequest{
		Email:    username + "@example.com",
		Username: username,
		Password: "secret123",
	}, &out)
	if code != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, code)
	}
	return out
}

func (s *Stack) Follow(t *testing.T, follower api.AuthResponse, target int64) {
	t.Helper()
	if code := s.Do(t, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", target), follower.Token, nil, nil); code != http.StatusOK {
		t.Fatalf("follow: status %d", code)
	}
}

// WaitOnline blocks until userID has a live session registered.
func (s *Stack) WaitOnline(t *testing.T, userID int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !s.Realtime.Registry().IsOnline(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("user %d never came online", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
