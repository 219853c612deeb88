// Package identity authenticates bearer tokens and carries the user through
// request contexts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/store"
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	ctx = context.WithValue(ctx, userIDKey, user.UserID)
	return context.WithValue(ctx, usernameKey, user.DisplayName())
}

// Authenticator resolves a bearer token to a stored user.
type Authenticator struct {
	verifier      Verifier
	users         store.UserRepository
	autoProvision bool
}

// NewAuthenticator returns an authenticator. With autoProvision, users with
// a valid token but no record are created on first sight.
func NewAuthenticator(v Verifier, users store.UserRepository, autoProvision bool) *Authenticator {
	return &Authenticator{verifier: v, users: users, autoProvision: autoProvision}
}

// Authenticate verifies token and loads its user. It returns
// domain.ErrUnauthorized for missing or invalid tokens and
// domain.ErrUserNotFound for valid tokens without an account.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token required", domain.ErrUnauthorized)
	}

	claims, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	user, err := a.users.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user != nil {
		return user, nil
	}
	if !a.autoProvision {
		return nil, domain.ErrUserNotFound
	}
	return ensureUser(ctx, a.users, claims)
}

func deriveUsername(claims *Claims) string {
	if claims.Username != "" {
		return claims.Username
	}
	if name, _, ok := strings.Cut(claims.Email, "@"); ok && name != "" {
		return name
	}
	if len(claims.Subject) > 8 {
		return "user-" + claims.Subject[len(claims.Subject)-8:]
	}
	return "user-" + claims.Subject
}

// UserFromClaims builds the stored profile for verified claims.
func UserFromClaims(claims *Claims) *domain.User {
	return &domain.User{
		UserID:   claims.Subject,
		Username: deriveUsername(claims),
		Email:    claims.Email,
	}
}

func ensureUser(ctx context.Context, users store.UserRepository, claims *Claims) (*domain.User, error) {
	user := UserFromClaims(claims)
	if err := users.UpsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("provision user: %w", err)
	}
	return user, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Middleware rejects requests without a valid bearer token and injects the
// user into the request context.
func Middleware(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := auth.Authenticate(r.Context(), BearerToken(r))
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrUnauthorized):
				http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
				return
			case errors.Is(err, domain.ErrUserNotFound):
				http.Error(w, `{"error":"user not found"}`, http.StatusForbidden)
				return
			default:
				http.Error(w, `{"error":"failed to authenticate"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
