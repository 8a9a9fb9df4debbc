// Package models defines the shared domain types persisted by the credential
// store and the account ledger.
package models

import (
	"strings"
	"time"
)

const (
	// RoleAdmin grants access to account management and quota sync routes.
	RoleAdmin = "admin"
	// RoleUploader grants access to the upload routes.
	RoleUploader = "uploader"

	// GroupAdmin and GroupUploader are the capability groups evaluated by the
	// authorization gate. Roles imply groups: an uploader carries
	// GroupUploader, an admin carries both.
	GroupAdmin    = "admin"
	GroupUploader = "uploader"
)

// User is an operator account stored in the credential document. The
// PasswordHash is a keyed PBKDF2 digest; plaintext passwords are never
// persisted.
type User struct {
	Username     string    `json:"-"`
	PasswordHash string    `json:"password"`
	Role         string    `json:"role"`
	Groups       []string  `json:"groups"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// HasGroup reports whether the user belongs to the named capability group.
func (u User) HasGroup(group string) bool {
	for _, existing := range u.Groups {
		if strings.EqualFold(existing, group) {
			return true
		}
	}
	return false
}

// GroupsForRole returns the canonical group set implied by a role.
func GroupsForRole(role string) []string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleAdmin:
		return []string{GroupAdmin, GroupUploader}
	case RoleUploader:
		return []string{GroupUploader}
	default:
		return nil
	}
}

// Claims is the identity assertion carried inside a signed session token.
// Role and Groups are informational only; the gate re-reads them from the
// credential store at verification time.
type Claims struct {
	Username  string   `json:"username"`
	Role      string   `json:"role"`
	Groups    []string `json:"groups"`
	ExpiresAt int64    `json:"exp"`
}

// Account is one upstream video-hosting identity tracked by the ledger. Grant
// holds the opaque OAuth credential blob returned by the upstream token
// exchange; an account without a grant is never eligible for selection or
// sync.
type Account struct {
	Email        string         `json:"-"`
	ClientID     string         `json:"clientid,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
	RedirectURI  string         `json:"redirect_uri,omitempty"`
	Grant        map[string]any `json:"token,omitempty"`
	VideoCount   int            `json:"video_count"`
	Suspended    bool           `json:"suspended,omitempty"`
	LastUpdated  time.Time      `json:"last_updated,omitempty"`
}

// HasGrant reports whether the upstream authorization round trip has
// completed for this account.
func (a Account) HasGrant() bool {
	return len(a.Grant) > 0
}

// VideoMeta is the JSON sidecar written next to each uploaded media file.
type VideoMeta struct {
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Tags             string    `json:"tags,omitempty"`
	Privacy          string    `json:"privacy,omitempty"`
	UploadedBy       string    `json:"uploadedBy"`
	UploadedAt       time.Time `json:"uploadedAt"`
	Account          string    `json:"account"`
	OriginalFilename string    `json:"originalFilename"`
	StoredFilename   string    `json:"storedFilename"`
	RemoteID         string    `json:"remoteId,omitempty"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
}

// Upload lifecycle states recorded in the sidecar.
const (
	UploadStatusPending  = "pending_remote"
	UploadStatusUploaded = "uploaded"
	UploadStatusFailed   = "remote_failed"
)
