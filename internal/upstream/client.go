// Package upstream talks to the video host's OAuth and data APIs on behalf of
// ledger accounts. Each account carries its own client credentials, so every
// call takes the account record rather than a shared configuration.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tubepanel/internal/models"
)

// ErrNoGrant is returned when an API call is attempted for an account whose
// authorization round trip has not completed.
var ErrNoGrant = errors.New("no grant stored for account")

// Endpoints names the upstream URLs. Zero values fall back to the video
// host's production endpoints; tests point them at a local stub.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	ChannelURL   string
	UploadURL    string
}

const (
	defaultAuthorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL     = "https://oauth2.googleapis.com/token"
	defaultChannelURL   = "https://www.googleapis.com/youtube/v3/channels"
	defaultUploadURL    = "https://www.googleapis.com/upload/youtube/v3/videos"
)

var defaultScopes = []string{
	"https://www.googleapis.com/auth/youtube.upload",
	"https://www.googleapis.com/auth/youtube.force-ssl",
}

func (e Endpoints) withDefaults() Endpoints {
	if e.AuthorizeURL == "" {
		e.AuthorizeURL = defaultAuthorizeURL
	}
	if e.TokenURL == "" {
		e.TokenURL = defaultTokenURL
	}
	if e.ChannelURL == "" {
		e.ChannelURL = defaultChannelURL
	}
	if e.UploadURL == "" {
		e.UploadURL = defaultUploadURL
	}
	return e
}

// Client exposes the upstream operations the handlers and the quota
// synchronizer depend on.
type Client interface {
	AuthURL(account models.Account, state string) (string, error)
	ExchangeCode(ctx context.Context, account models.Account, code string) (map[string]any, error)
	VideoCount(ctx context.Context, account models.Account) (int, error)
	Upload(ctx context.Context, account models.Account, meta models.VideoMeta, media io.Reader) (string, error)
}

// HTTPClient implements Client against the real upstream API.
type HTTPClient struct {
	endpoints Endpoints
	client    *http.Client
	scopes    []string
}

// Option customises the upstream client.
type Option func(*HTTPClient)

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithScopes overrides the authorization scopes requested during connect.
func WithScopes(scopes []string) Option {
	return func(c *HTTPClient) {
		if len(scopes) > 0 {
			c.scopes = scopes
		}
	}
}

// NewHTTPClient constructs an upstream client for the given endpoints.
func NewHTTPClient(endpoints Endpoints, opts ...Option) *HTTPClient {
	client := &HTTPClient{
		endpoints: endpoints.withDefaults(),
		client:    &http.Client{Timeout: 5 * time.Minute},
		scopes:    defaultScopes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// AuthURL builds the authorization URL for an account's connect flow. Offline
// access with a forced consent prompt so a refresh token is always issued.
func (c *HTTPClient) AuthURL(account models.Account, state string) (string, error) {
	if account.ClientID == "" {
		return "", fmt.Errorf("account %s has no client id", account.Email)
	}
	parsed, err := url.Parse(c.endpoints.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}
	query := parsed.Query()
	query.Set("response_type", "code")
	query.Set("client_id", account.ClientID)
	query.Set("redirect_uri", account.RedirectURI)
	query.Set("scope", strings.Join(c.scopes, " "))
	query.Set("access_type", "offline")
	query.Set("prompt", "consent")
	query.Set("login_hint", account.Email)
	query.Set("state", state)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// ExchangeCode trades an authorization code for the account's grant. The raw
// token payload is returned untouched so the ledger can store whatever shape
// the host hands back.
func (c *HTTPClient) ExchangeCode(ctx context.Context, account models.Account, code string) (map[string]any, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	payload := url.Values{}
	payload.Set("grant_type", "authorization_code")
	payload.Set("code", code)
	payload.Set("redirect_uri", account.RedirectURI)
	payload.Set("client_id", account.ClientID)
	payload.Set("client_secret", account.ClientSecret)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL, strings.NewReader(payload.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("exchange token: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("token exchange failed: %s", bodySnippet(body))
	}
	grant, err := parseGrant(body)
	if err != nil {
		return nil, err
	}
	if stringFromAny(grant["access_token"]) == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return grant, nil
}

// parseGrant accepts JSON or, for older hosts, form-encoded token payloads.
func parseGrant(body []byte) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed, nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	parsed = make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			parsed[key] = vals[0]
		}
	}
	return parsed, nil
}

// VideoCount fetches the account's live published-video total from the
// channel statistics endpoint.
func (c *HTTPClient) VideoCount(ctx context.Context, account models.Account) (int, error) {
	token, err := accessToken(account)
	if err != nil {
		return 0, err
	}
	parsed, err := url.Parse(c.endpoints.ChannelURL)
	if err != nil {
		return 0, fmt.Errorf("parse channel url: %w", err)
	}
	query := parsed.Query()
	query.Set("part", "statistics")
	query.Set("mine", "true")
	parsed.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create channel request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("fetch channel statistics: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return 0, fmt.Errorf("read channel response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return 0, fmt.Errorf("channel statistics request failed: %s", bodySnippet(body))
	}

	var payload struct {
		Items []struct {
			Statistics struct {
				VideoCount any `json:"videoCount"`
			} `json:"statistics"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode channel response: %w", err)
	}
	if len(payload.Items) == 0 {
		return 0, nil
	}
	return countFromAny(payload.Items[0].Statistics.VideoCount), nil
}

// Upload streams the media to the host as a multipart/related request with a
// JSON metadata part, returning the remote video id.
func (c *HTTPClient) Upload(ctx context.Context, account models.Account, meta models.VideoMeta, media io.Reader) (string, error) {
	token, err := accessToken(account)
	if err != nil {
		return "", err
	}

	snippet := map[string]any{
		"snippet": map[string]any{
			"title":       meta.Title,
			"description": meta.Description,
			"tags":        splitTags(meta.Tags),
			"categoryId":  "22",
		},
		"status": map[string]any{
			"privacyStatus": privacyOrDefault(meta.Privacy),
		},
	}
	metadata, err := json.Marshal(snippet)
	if err != nil {
		return "", fmt.Errorf("encode upload metadata: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	metaPart, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return "", fmt.Errorf("create metadata part: %w", err)
	}
	if _, err := metaPart.Write(metadata); err != nil {
		return "", fmt.Errorf("write metadata part: %w", err)
	}
	mediaPart, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/octet-stream"}})
	if err != nil {
		return "", fmt.Errorf("create media part: %w", err)
	}
	if _, err := io.Copy(mediaPart, media); err != nil {
		return "", fmt.Errorf("write media part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize upload body: %w", err)
	}

	parsed, err := url.Parse(c.endpoints.UploadURL)
	if err != nil {
		return "", fmt.Errorf("parse upload url: %w", err)
	}
	query := parsed.Query()
	query.Set("uploadType", "multipart")
	query.Set("part", "id,snippet,status")
	query.Set("notifySubscribers", "true")
	parsed.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, parsed.String(), &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())

	response, err := c.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("upload video: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("upload request failed: %s", bodySnippet(body))
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("upload response missing video id")
	}
	return result.ID, nil
}

// IsSuspended reports whether an upstream error indicates the account itself
// has been suspended by the host, as opposed to a transient failure.
func IsSuspended(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "suspended")
}

func accessToken(account models.Account) (string, error) {
	if !account.HasGrant() {
		return "", fmt.Errorf("%w: %s", ErrNoGrant, account.Email)
	}
	token := stringFromAny(account.Grant["access_token"])
	if token == "" {
		return "", fmt.Errorf("%w: %s", ErrNoGrant, account.Email)
	}
	return token, nil
}

func bodySnippet(body []byte) string {
	snippet := string(bytes.TrimSpace(body))
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	return snippet
}

// countFromAny tolerates hosts that report the counter as a JSON string.
func countFromAny(value any) int {
	switch v := value.(type) {
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

func stringFromAny(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func splitTags(tags string) []string {
	if strings.TrimSpace(tags) == "" {
		return []string{}
	}
	parts := strings.Split(tags, ",")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func privacyOrDefault(privacy string) string {
	switch strings.ToLower(strings.TrimSpace(privacy)) {
	case "public":
		return "public"
	case "unlisted":
		return "unlisted"
	default:
		return "private"
	}
}
