package api

import (
	"context"
	"log/slog"
	"time"

	"tubepanel/internal/auth"
	"tubepanel/internal/events"
	"tubepanel/internal/media"
	"tubepanel/internal/observability/metrics"
	"tubepanel/internal/quota"
	"tubepanel/internal/storage"
	"tubepanel/internal/upstream"
)

// Handler bundles the collaborators behind the HTTP endpoints. Fields left
// nil disable the corresponding endpoints with an explicit error instead of
// panicking.
type Handler struct {
	Users    *storage.CredentialStore
	Ledger   *storage.Ledger
	Codec    *auth.Codec
	Upstream upstream.Client
	Sync     *quota.Synchronizer
	Media    *media.Store
	Events   events.Queue
	States   upstream.StateStore
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	SessionCookiePolicy SessionCookiePolicy
	ConnectStateTTL     time.Duration
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) events() events.Queue {
	if h.Events != nil {
		return h.Events
	}
	return events.NoopQueue{}
}

func (h *Handler) stateStore() upstream.StateStore {
	if h.States == nil {
		h.States = upstream.NewMemoryStateStore()
	}
	return h.States
}

// publishEvent fires an operational event. Publish failures are logged and
// swallowed; request handling never depends on the queue.
func (h *Handler) publishEvent(ctx context.Context, event events.Event) {
	if err := h.events().Publish(ctx, event); err != nil {
		h.logger().Warn("event publish failed", "type", event.Type, "error", err)
		return
	}
	h.metrics().ObserveEventPublished(event.Type)
}

func (h *Handler) connectStateTTL() time.Duration {
	if h.ConnectStateTTL > 0 {
		return h.ConnectStateTTL
	}
	return 10 * time.Minute
}
