package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tubepanel/internal/auth"
	"tubepanel/internal/models"
)

// ErrUnauthenticated is the single error surfaced for every authentication
// failure. Clients must not be able to tell a missing cookie from a tampered
// token, an expired one, or a deleted user.
var ErrUnauthenticated = errors.New("authentication required")

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// ContextWithUser stores the authenticated user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// ExtractToken pulls the session token from the Authorization header or the
// session cookie.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// AuthenticateRequest verifies the session token on the request and resolves
// the caller's current record from the credential store. Role and group
// changes apply immediately because the token's embedded claims are treated
// as a lookup key, never as the source of truth. All failure paths collapse
// to ErrUnauthenticated so the response body never reveals which check
// rejected the request.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.User, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.User{}, ErrUnauthenticated
	}
	claims, err := h.Codec.Parse(token)
	if err != nil {
		return models.User{}, ErrUnauthenticated
	}
	user, err := auth.Resolve(claims, h.Users)
	if err != nil {
		return models.User{}, ErrUnauthenticated
	}
	return user, nil
}

func (h *Handler) requireAuthenticatedUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, ErrUnauthenticated)
		return models.User{}, false
	}
	return user, true
}

func (h *Handler) requireGroup(w http.ResponseWriter, r *http.Request, group string) (models.User, bool) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return models.User{}, false
	}
	if !user.HasGroup(group) {
		WriteError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
		return models.User{}, false
	}
	return user, true
}
