package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"tubepanel/internal/events"
	"tubepanel/internal/models"
)

// maxUploadMemory bounds the in-memory portion of multipart parsing; larger
// media spills to temp files.
const maxUploadMemory = 32 << 20

// Upload accepts a multipart video submission, stores it locally and pushes
// it to the upstream provider under the chosen account. An upstream failure
// keeps the local copy with the error recorded so the push can be retried.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	user, ok := h.requireGroup(w, r, models.GroupUploader)
	if !ok {
		return
	}
	if h.Media == nil || h.Upstream == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("uploads are not configured"))
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload form: %w", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	title := r.FormValue("title")
	if title == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("title is required"))
		return
	}
	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("a video file is required"))
		return
	}
	defer file.Close()

	account, err := h.pickAccount(r.FormValue("account"))
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	meta := models.VideoMeta{
		Title:            title,
		Description:      r.FormValue("description"),
		Tags:             r.FormValue("tags"),
		Privacy:          r.FormValue("privacy"),
		UploadedBy:       user.Username,
		UploadedAt:       time.Now().UTC(),
		Account:          account.Email,
		OriginalFilename: header.Filename,
		Status:           models.UploadStatusPending,
	}

	meta, err = h.Media.Save(meta, file)
	if err != nil {
		h.metrics().ObserveUpload("store_failure")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	media, err := h.Media.Open(meta.StoredFilename)
	if err != nil {
		h.metrics().ObserveUpload("store_failure")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer media.Close()

	remoteID, upErr := h.Upstream.Upload(r.Context(), account, meta, media)
	if upErr != nil {
		meta.Status = models.UploadStatusFailed
		meta.Error = upErr.Error()
		if err := h.Media.WriteSidecar(meta); err != nil {
			h.logger().Error("sidecar update failed", "file", meta.StoredFilename, "error", err)
		}
		h.metrics().ObserveUpload("remote_failure")
		h.logger().Error("remote upload failed", "account", account.Email, "file", meta.StoredFilename, "error", upErr)
		// The media file is safe on disk, so the caller gets a warning
		// rather than a hard failure.
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"warning": "stored locally but the remote upload failed",
			"video":   meta,
		})
		return
	}

	meta.RemoteID = remoteID
	meta.Status = models.UploadStatusUploaded
	meta.Error = ""
	if err := h.Media.WriteSidecar(meta); err != nil {
		h.logger().Error("sidecar update failed", "file", meta.StoredFilename, "error", err)
	}
	if err := h.Ledger.IncrementUsage(account.Email); err != nil {
		h.logger().Error("usage increment failed", "account", account.Email, "error", err)
	}
	h.metrics().ObserveUpload("success")
	h.publishEvent(r.Context(), events.Event{
		Type:       events.TypeUpload,
		Username:   user.Username,
		Account:    account.Email,
		Attributes: map[string]any{"remoteId": remoteID, "title": meta.Title},
	})
	h.logger().Info("video uploaded", "account", account.Email, "remote_id", remoteID, "user", user.Username)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "video": meta})
}

// pickAccount resolves the upload target: an explicitly named account must be
// connected and unsuspended, otherwise the least loaded eligible account is
// chosen.
func (h *Handler) pickAccount(email string) (models.Account, error) {
	if email != "" {
		account, ok := h.Ledger.Get(email)
		if !ok {
			return models.Account{}, fmt.Errorf("account %s not found", email)
		}
		if !account.HasGrant() {
			return models.Account{}, fmt.Errorf("account %s is not connected", email)
		}
		if account.Suspended {
			return models.Account{}, fmt.Errorf("account %s is suspended", email)
		}
		return account, nil
	}
	account, ok := h.Ledger.LeastLoaded()
	if !ok {
		return models.Account{}, fmt.Errorf("no connected account is available")
	}
	return account, nil
}

// DeleteVideo removes a stored upload and its metadata from local storage.
// The remote copy, if any, is untouched; the panel only manages its own disk.
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	user, ok := h.requireGroup(w, r, models.GroupUploader)
	if !ok {
		return
	}
	if h.Media == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("uploads are not configured"))
		return
	}

	var req struct {
		File string `json:"file"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.File == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file is required"))
		return
	}

	if err := h.Media.Delete(req.File); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, fmt.Errorf("video not found"))
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.publishEvent(r.Context(), events.Event{
		Type:       events.TypeVideoDeleted,
		Username:   user.Username,
		Attributes: map[string]any{"file": req.File},
	})
	h.logger().Info("video deleted", "file", req.File, "user", user.Username)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Videos lists stored uploads, newest first.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	if h.Media == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("uploads are not configured"))
		return
	}
	videos, err := h.Media.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos})
}
