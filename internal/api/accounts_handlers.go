package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"tubepanel/internal/events"
	"tubepanel/internal/models"
	"tubepanel/internal/storage"
	"tubepanel/internal/upstream"
)

// accountView is the safe listing shape. Grant material and client secrets
// never leave the ledger.
type accountView struct {
	Email       string `json:"email"`
	HasGrant    bool   `json:"hasGrant"`
	Suspended   bool   `json:"suspended"`
	VideoCount  int    `json:"videoCount"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

func newAccountView(account models.Account) accountView {
	view := accountView{
		Email:      account.Email,
		HasGrant:   account.HasGrant(),
		Suspended:  account.Suspended,
		VideoCount: account.VideoCount,
	}
	if !account.LastUpdated.IsZero() {
		view.LastUpdated = account.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return view
}

// Accounts lists the ledger on GET and provisions an account on POST.
func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listAccounts(w, r)
	case http.MethodPost:
		h.createAccount(w, r)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireGroup(w, r, models.GroupAdmin); !ok {
		return
	}
	accounts := h.Ledger.List()
	views := make([]accountView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, newAccountView(account))
	}
	h.updateAccountGauges(accounts)
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

type createAccountRequest struct {
	Email        string `json:"email"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectUri"`
}

// createAccount registers an upstream identity with its client credentials.
// Re-posting an existing email updates the credentials but keeps the grant
// and the cached counter intact.
func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireGroup(w, r, models.GroupAdmin); !ok {
		return
	}
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("a valid email is required"))
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("clientId and clientSecret are required"))
		return
	}

	account, _ := h.Ledger.Get(email)
	account.ClientID = req.ClientID
	account.ClientSecret = req.ClientSecret
	account.RedirectURI = req.RedirectURI
	if err := h.Ledger.Upsert(email, account); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	account.Email = email
	writeJSON(w, http.StatusCreated, newAccountView(account))
}

type connectAccountRequest struct {
	Email string `json:"email"`
}

// ConnectAccount starts the upstream authorization flow for an account and
// returns the consent URL the operator should visit.
func (h *Handler) ConnectAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if _, ok := h.requireGroup(w, r, models.GroupAdmin); !ok {
		return
	}
	var req connectAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, ok := h.Ledger.Get(req.Email)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("account %s not found", req.Email))
		return
	}

	state, err := upstream.GenerateState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.stateStore().Put(state, upstream.StateData{Email: account.Email}, h.connectStateTTL()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	authURL, err := h.Upstream.AuthURL(account, state)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// AuthCallback completes the authorization flow. The upstream provider
// redirects the operator's browser here with the one-shot state parameter and
// an exchange code.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("authorization declined: %s", errCode))
		return
	}
	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("state and code are required"))
		return
	}
	data, ok := h.stateStore().Take(state)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown or expired state"))
		return
	}
	account, ok := h.Ledger.Get(data.Email)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("account %s not found", data.Email))
		return
	}

	grant, err := h.Upstream.ExchangeCode(r.Context(), account, code)
	if err != nil {
		h.logger().Error("token exchange failed", "account", account.Email, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Errorf("token exchange failed"))
		return
	}
	if err := h.Ledger.SetGrant(account.Email, grant); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.publishEvent(r.Context(), events.Event{Type: events.TypeGrantConnected, Account: account.Email})
	h.logger().Info("account connected", "account", account.Email)
	http.Redirect(w, r, "/accounts", http.StatusFound)
}

type cacheCountRequest struct {
	Email     string             `json:"email"`
	Count     storage.CountValue `json:"count"`
	Suspended *bool              `json:"suspended"`
}

// CacheCount lets external tooling overwrite an account's cached counter and
// suspension flag. The count field accepts both a bare number and the older
// {"count": n} object shape.
func (h *Handler) CacheCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if _, ok := h.requireGroup(w, r, models.GroupAdmin); !ok {
		return
	}
	var req cacheCountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("email is required"))
		return
	}
	if err := h.Ledger.RecordSyncResult(req.Email, req.Count, req.Suspended); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	account, _ := h.Ledger.Get(req.Email)
	writeJSON(w, http.StatusOK, newAccountView(account))
}

func (h *Handler) updateAccountGauges(accounts []models.Account) {
	var connected, suspended int64
	for _, account := range accounts {
		if account.HasGrant() {
			connected++
		}
		if account.Suspended {
			suspended++
		}
	}
	h.metrics().SetAccountGauges(connected, suspended)
}
