package api

import (
	"fmt"
	"net/http"
	"time"

	"tubepanel/internal/events"
	"tubepanel/internal/models"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Username  string   `json:"username"`
	Role      string   `json:"role"`
	Groups    []string `json:"groups"`
	ExpiresAt string   `json:"expiresAt,omitempty"`
}

func newSessionResponse(user models.User, expires time.Time) sessionResponse {
	resp := sessionResponse{
		Username: user.Username,
		Role:     user.Role,
		Groups:   append([]string{}, user.Groups...),
	}
	if !expires.IsZero() {
		resp.ExpiresAt = expires.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

// Login authenticates the posted credentials and issues a session cookie.
// Every failure reads the same to the caller so usernames cannot be probed.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := h.Users.Authenticate(req.Username, req.Password)
	if err != nil {
		h.metrics().ObserveLogin("failure")
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
		return
	}

	token, expires, err := h.Codec.Issue(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.setSessionCookie(w, r, token, expires)
	h.metrics().ObserveLogin("success")
	h.publishEvent(r.Context(), events.Event{Type: events.TypeLogin, Username: user.Username})
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    newSessionResponse(user, expires),
	})
}

// Logout clears the session cookie and sends the browser back to the login
// page. Tokens are stateless, so clearing the cookie is the whole logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, "GET, POST")
		return
	}
	if user, ok := UserFromContext(r.Context()); ok {
		h.publishEvent(r.Context(), events.Event{Type: events.TypeLogout, Username: user.Username})
	}
	h.ClearSessionCookie(w, r)
	http.Redirect(w, r, "/login", http.StatusFound)
}

// Session reports the caller's resolved identity.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(user, time.Time{}))
}
