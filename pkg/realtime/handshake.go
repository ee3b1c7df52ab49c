package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/shared"
)

// Handshake authenticates a connection attempt. It runs before any session
// is created, so a rejected client never gets an event channel.
type Handshake struct {
	verifier auth.Verifier
	timeout  time.Duration
}

func NewHandshake(v auth.Verifier, timeout time.Duration) *Handshake {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handshake{verifier: v, timeout: timeout}
}

// Authenticate returns the identity behind the request's credential. Errors
// wrap auth.ErrMissingCredential or auth.ErrInvalidCredential.
func (h *Handshake) Authenticate(r *http.Request) (auth.Identity, error) {
	token := auth.HandshakeToken(r)
	if token == "" {
		return auth.Identity{}, auth.ErrMissingCredential
	}
	return h.verify(r.Context(), token)
}

func (h *Handshake) verify(ctx context.Context, token string) (auth.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type result struct {
		id  auth.Identity
		err error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := h.verifier.Verify(ctx, token)
		ch <- result{id, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, auth.ErrInvalidCredential) {
				return auth.Identity{}, res.err
			}
			return auth.Identity{}, fmt.Errorf("%w: %v", auth.ErrInvalidCredential, res.err)
		}
		if res.id.UserID == 0 {
			return auth.Identity{}, fmt.Errorf("%w: no user id", auth.ErrInvalidCredential)
		}
		return res.id, nil
	case <-ctx.Done():
		return auth.Identity{}, fmt.Errorf("%w: verification timed out", auth.ErrInvalidCredential)
	}
}

// rejectHandshake writes the 401 for a failed Authenticate.
func rejectHandshake(w http.ResponseWriter, err error) {
	code := auth.ErrInvalidCredential.Error()
	msg := "Authentication error: invalid credential"
	if errors.Is(err, auth.ErrMissingCredential) {
		code = auth.ErrMissingCredential.Error()
		msg = "Authentication error: missing credential"
	}
	shared.WriteError(w, http.StatusUnauthorized, code, msg)
}
