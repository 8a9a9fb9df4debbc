// Package events publishes operational events so external consumers can
// follow logins, uploads and sync runs without scraping logs.
package events

import (
	"context"
	"time"
)

// Event types emitted by the panel.
const (
	TypeLogin          = "login"
	TypeLogout         = "logout"
	TypeUpload         = "upload"
	TypeSync           = "sync"
	TypeGrantConnected = "grant_connected"
	TypeVideoDeleted   = "video_deleted"
)

// Event is one operational occurrence.
type Event struct {
	Type       string         `json:"type"`
	Username   string         `json:"username,omitempty"`
	Account    string         `json:"account,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Queue publishes events. Publish failures are the caller's to log; the
// panel's request handling never depends on a publish succeeding.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopQueue discards every event. Used when no broker is configured.
type NoopQueue struct{}

func (NoopQueue) Publish(context.Context, Event) error { return nil }

func (NoopQueue) Close() error { return nil }
