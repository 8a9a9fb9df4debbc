package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tubepanel/internal/auth"
	"tubepanel/internal/events"
	"tubepanel/internal/media"
	"tubepanel/internal/models"
	"tubepanel/internal/observability/metrics"
	"tubepanel/internal/quota"
	"tubepanel/internal/storage"
)

type fakeUpstream struct {
	grant     map[string]any
	counts    map[string]int
	uploadID  string
	uploadErr error

	exchangedCodes []string
	uploads        []models.VideoMeta
}

func (f *fakeUpstream) AuthURL(account models.Account, state string) (string, error) {
	return "https://provider.example/authorize?state=" + state, nil
}

func (f *fakeUpstream) ExchangeCode(ctx context.Context, account models.Account, code string) (map[string]any, error) {
	f.exchangedCodes = append(f.exchangedCodes, code)
	if f.grant == nil {
		return map[string]any{"access_token": "tok-" + code}, nil
	}
	return f.grant, nil
}

func (f *fakeUpstream) VideoCount(ctx context.Context, account models.Account) (int, error) {
	return f.counts[account.Email], nil
}

func (f *fakeUpstream) Upload(ctx context.Context, account models.Account, meta models.VideoMeta, body io.Reader) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, meta)
	if f.uploadID == "" {
		return "remote-1", nil
	}
	return f.uploadID, nil
}

type testEnv struct {
	handler  *Handler
	upstream *fakeUpstream
	admin    models.User
	uploader models.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	users, err := storage.NewCredentialStore(ctx, storage.NewFileDocument(filepath.Join(dir, "users.json")), "hash-secret", logger)
	if err != nil {
		t.Fatalf("NewCredentialStore: %v", err)
	}
	admin, err := users.UpsertUser(storage.CreateUserParams{Username: "alice", Password: "admin-pass", Role: models.RoleAdmin})
	if err != nil {
		t.Fatalf("UpsertUser admin: %v", err)
	}
	uploader, err := users.UpsertUser(storage.CreateUserParams{Username: "bob", Password: "upload-pass", Role: models.RoleUploader})
	if err != nil {
		t.Fatalf("UpsertUser uploader: %v", err)
	}

	ledger, err := storage.NewLedger(ctx, storage.NewFileDocument(filepath.Join(dir, "accounts.json")), logger)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	store, err := media.NewStore(filepath.Join(dir, "videos"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	up := &fakeUpstream{counts: make(map[string]int)}
	handler := &Handler{
		Users:    users,
		Ledger:   ledger,
		Codec:    auth.NewCodec("token-secret"),
		Upstream: up,
		Sync:     quota.NewSynchronizer(ledger, up, time.Millisecond, logger),
		Media:    store,
		Events:   events.NoopQueue{},
		Metrics:  metrics.New(),
		Logger:   logger,
	}
	return &testEnv{handler: handler, upstream: up, admin: admin, uploader: uploader}
}

func (e *testEnv) addAccount(t *testing.T, email string, account models.Account) {
	t.Helper()
	if err := e.handler.Ledger.Upsert(email, account); err != nil {
		t.Fatalf("Upsert %s: %v", email, err)
	}
}

// authedRequest attaches a resolved user the way the gate middleware does.
func authedRequest(r *http.Request, user models.User) *http.Request {
	return r.WithContext(ContextWithUser(r.Context(), user))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestLoginIssuesSessionCookie(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"username":"alice","password":"admin-pass"}`))
	rec := httptest.NewRecorder()
	env.handler.Login(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool `json:"success"`
		User    struct {
			Username string   `json:"username"`
			Groups   []string `json:"groups"`
		} `json:"user"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.User.Username != "alice" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.User.Groups) != 2 {
		t.Fatalf("expected admin to carry both groups, got %v", resp.User.Groups)
	}

	var session *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == SessionCookieName {
			session = cookie
		}
	}
	if session == nil {
		t.Fatal("expected session cookie to be set")
	}
	if !session.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}
	if session.Value == "" {
		t.Error("session cookie should carry the token")
	}

	claims, err := env.handler.Codec.Parse(session.Value)
	if err != nil {
		t.Fatalf("cookie token should parse: %v", err)
	}
	if claims.Username != "alice" {
		t.Fatalf("expected claims for alice, got %q", claims.Username)
	}
}

func TestLoginFailureIsUniform(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{
		`{"username":"alice","password":"wrong"}`,
		`{"username":"nobody","password":"whatever"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
		rec := httptest.NewRecorder()
		env.handler.Login(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", body, rec.Code)
		}
		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["error"] != "invalid credentials" {
			t.Fatalf("expected uniform error message, got %q", resp["error"])
		}
	}
}

func TestLogoutClearsCookieAndRedirects(t *testing.T) {
	env := newTestEnv(t)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/logout", nil), env.admin)
	rec := httptest.NewRecorder()
	env.handler.Logout(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Fatalf("expected redirect to /login, got %q", loc)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected a clearing cookie")
	}
	cleared := cookies[len(cookies)-1]
	if cleared.Name != SessionCookieName || cleared.MaxAge >= 0 || cleared.Value != "" {
		t.Fatalf("cookie not cleared: %+v", cleared)
	}
}

func TestSessionReturnsResolvedIdentity(t *testing.T) {
	env := newTestEnv(t)
	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/session", nil), env.uploader)
	rec := httptest.NewRecorder()
	env.handler.Session(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp sessionResponse
	decodeBody(t, rec, &resp)
	if resp.Username != "bob" || resp.Role != models.RoleUploader {
		t.Fatalf("unexpected identity: %+v", resp)
	}
}

func TestSessionRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.Session(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticateRequestResolvesCurrentRecord(t *testing.T) {
	env := newTestEnv(t)
	token, _, err := env.handler.Codec.Issue(env.uploader)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Promote the user after the token was minted; the resolved identity
	// must reflect the store, not the stale claims.
	if _, err := env.handler.Users.UpsertUser(storage.CreateUserParams{Username: "bob", Password: "upload-pass", Role: models.RoleAdmin}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	user, err := env.handler.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("AuthenticateRequest: %v", err)
	}
	if user.Role != models.RoleAdmin || !user.HasGroup(models.GroupAdmin) {
		t.Fatalf("expected promoted record, got %+v", user)
	}
}

func TestAuthenticateRequestPrefersBearerHeader(t *testing.T) {
	env := newTestEnv(t)
	token, _, err := env.handler.Codec.Issue(env.admin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "garbage"})
	user, err := env.handler.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("AuthenticateRequest: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("expected alice, got %q", user.Username)
	}
}
