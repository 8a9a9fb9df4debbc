package api

import "net/http"

// Health reports liveness. Storage problems surface on the endpoints that
// touch them; this probe only confirms the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
