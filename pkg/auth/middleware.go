package auth

import (
	"context"
	"net/http"

	"github.com/rubiojr/chirper/pkg/shared"
)

type identityContextKey struct{}

// IdentityFromContext returns the identity attached by RequireAuth.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// WithIdentity is used by RequireAuth and by tests that skip it.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// RequireAuth rejects requests without a valid bearer token with 401.
func RequireAuth(v Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			unauthorized(w, ErrMissingCredential.Error(), "Access token required")
			return
		}
		id, err := v.Verify(r.Context(), token)
		if err != nil {
			unauthorized(w, ErrInvalidCredential.Error(), "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func unauthorized(w http.ResponseWriter, code, message string) {
	shared.WriteError(w, http.StatusUnauthorized, code, message)
}
