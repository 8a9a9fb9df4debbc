package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tubepanel/internal/models"
)

func TestAccountsListingHidesGrantMaterial(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "creator@example.com", models.Account{
		ClientID:     "id-1",
		ClientSecret: "very-secret",
		Grant:        map[string]any{"access_token": "tok", "refresh_token": "refresh"},
		VideoCount:   7,
	})

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/accounts", nil), env.admin)
	rec := httptest.NewRecorder()
	env.handler.Accounts(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, secret := range []string{"very-secret", "tok", "refresh"} {
		if strings.Contains(body, secret) {
			t.Fatalf("listing leaked %q: %s", secret, body)
		}
	}
	var resp struct {
		Accounts []accountView `json:"accounts"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(resp.Accounts))
	}
	got := resp.Accounts[0]
	if got.Email != "creator@example.com" || !got.HasGrant || got.VideoCount != 7 {
		t.Fatalf("unexpected view: %+v", got)
	}
}

func TestAccountsRequiresAdminGroup(t *testing.T) {
	env := newTestEnv(t)
	req := authedRequest(httptest.NewRequest(http.MethodGet, "/api/accounts", nil), env.uploader)
	rec := httptest.NewRecorder()
	env.handler.Accounts(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for uploader, got %d", rec.Code)
	}
}

func TestCreateAccountKeepsExistingGrant(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "creator@example.com", models.Account{
		ClientID:   "old-id",
		Grant:      map[string]any{"access_token": "tok"},
		VideoCount: 3,
	})

	body := `{"email":"creator@example.com","clientId":"new-id","clientSecret":"new-secret","redirectUri":"https://panel.example/api/auth/callback"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(body)), env.admin)
	rec := httptest.NewRecorder()
	env.handler.Accounts(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	account, ok := env.handler.Ledger.Get("creator@example.com")
	if !ok {
		t.Fatal("account disappeared")
	}
	if account.ClientID != "new-id" {
		t.Fatalf("client id not updated: %q", account.ClientID)
	}
	if !account.HasGrant() || account.VideoCount != 3 {
		t.Fatalf("grant or counter lost: %+v", account)
	}
}

func TestCreateAccountValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{
		`{"email":"","clientId":"id","clientSecret":"s"}`,
		`{"email":"not-an-email","clientId":"id","clientSecret":"s"}`,
		`{"email":"a@b.example","clientId":"","clientSecret":"s"}`,
	} {
		req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(body)), env.admin)
		rec := httptest.NewRecorder()
		env.handler.Accounts(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rec.Code)
		}
	}
}

func TestConnectFlowStoresGrant(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "creator@example.com", models.Account{ClientID: "id", ClientSecret: "s", RedirectURI: "https://panel.example/api/auth/callback"})
	env.upstream.grant = map[string]any{"access_token": "granted", "refresh_token": "keep"}

	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/accounts/connect", strings.NewReader(`{"email":"creator@example.com"}`)), env.admin)
	rec := httptest.NewRecorder()
	env.handler.ConnectAccount(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var connectResp map[string]string
	decodeBody(t, rec, &connectResp)
	authURL := connectResp["url"]
	idx := strings.Index(authURL, "state=")
	if idx < 0 {
		t.Fatalf("auth url missing state: %q", authURL)
	}
	state := authURL[idx+len("state="):]

	callback := httptest.NewRequest(http.MethodGet, "/api/auth/callback?state="+state+"&code=exchange-me", nil)
	rec = httptest.NewRecorder()
	env.handler.AuthCallback(rec, callback)
	if rec.Code != http.StatusFound {
		t.Fatalf("callback: expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/accounts" {
		t.Fatalf("expected redirect to /accounts, got %q", loc)
	}
	if len(env.upstream.exchangedCodes) != 1 || env.upstream.exchangedCodes[0] != "exchange-me" {
		t.Fatalf("unexpected exchanged codes: %v", env.upstream.exchangedCodes)
	}
	account, _ := env.handler.Ledger.Get("creator@example.com")
	if account.Grant["access_token"] != "granted" {
		t.Fatalf("grant not stored: %+v", account.Grant)
	}

	// The state parameter is one-shot.
	rec = httptest.NewRecorder()
	env.handler.AuthCallback(rec, httptest.NewRequest(http.MethodGet, "/api/auth/callback?state="+state+"&code=again", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected replay to fail with 400, got %d", rec.Code)
	}
}

func TestAuthCallbackRejectsUnknownState(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handler.AuthCallback(rec, httptest.NewRequest(http.MethodGet, "/api/auth/callback?state=bogus&code=c", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCacheCountAcceptsBothShapes(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "creator@example.com", models.Account{Grant: map[string]any{"access_token": "tok"}})

	for _, tc := range []struct {
		body string
		want int
	}{
		{`{"email":"creator@example.com","count":9}`, 9},
		{`{"email":"creator@example.com","count":{"count":14}}`, 14},
	} {
		req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/accounts/cache", strings.NewReader(tc.body)), env.admin)
		rec := httptest.NewRecorder()
		env.handler.CacheCount(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d: %s", tc.body, rec.Code, rec.Body.String())
		}
		account, _ := env.handler.Ledger.Get("creator@example.com")
		if account.VideoCount != tc.want {
			t.Fatalf("expected count %d after %s, got %d", tc.want, tc.body, account.VideoCount)
		}
	}
}

func TestCacheCountSetsSuspension(t *testing.T) {
	env := newTestEnv(t)
	env.addAccount(t, "creator@example.com", models.Account{Grant: map[string]any{"access_token": "tok"}, VideoCount: 4})

	body := `{"email":"creator@example.com","count":0,"suspended":true}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/api/accounts/cache", strings.NewReader(body)), env.admin)
	rec := httptest.NewRecorder()
	env.handler.CacheCount(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	account, _ := env.handler.Ledger.Get("creator@example.com")
	if !account.Suspended || account.VideoCount != 0 {
		t.Fatalf("suspension not recorded: %+v", account)
	}
}
