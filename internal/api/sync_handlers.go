package api

import (
	"fmt"
	"net/http"

	"tubepanel/internal/events"
	"tubepanel/internal/models"
	"tubepanel/internal/quota"
)

type syncRequest struct {
	Email string `json:"email"`
}

// SyncQuota refreshes cached usage counters from the upstream provider. With
// an email in the body only that account is synced; with an empty body every
// connected account is, paced so the provider is never hammered.
func (h *Handler) SyncQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	user, ok := h.requireGroup(w, r, models.GroupAdmin)
	if !ok {
		return
	}
	if h.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("quota sync is not configured"))
		return
	}

	var req syncRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	results := make(map[string]quota.Result)
	if req.Email != "" {
		result, err := h.Sync.SyncAccount(r.Context(), req.Email)
		if err != nil {
			h.metrics().ObserveSync("failure")
			writeError(w, http.StatusBadGateway, err)
			return
		}
		results[req.Email] = result
	} else {
		all, err := h.Sync.SyncAll(r.Context())
		if err != nil {
			h.metrics().ObserveSync("failure")
			writeError(w, http.StatusBadGateway, err)
			return
		}
		results = all
	}

	for _, result := range results {
		switch {
		case result.Error != "":
			h.metrics().ObserveSync("failure")
		case result.Suspended:
			h.metrics().ObserveSync("suspended")
		default:
			h.metrics().ObserveSync("success")
		}
	}
	h.updateAccountGauges(h.Ledger.List())
	h.publishEvent(r.Context(), events.Event{
		Type:       events.TypeSync,
		Username:   user.Username,
		Attributes: map[string]any{"accounts": len(results)},
	})
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
