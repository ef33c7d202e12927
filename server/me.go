package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleMe serves the authenticated user's profile: 200 with the claim JSON,
// or 204 when the request carries no valid session.  On authenticated reads
// with rolling sessions enabled, the session cookie is re-packed with a
// refreshed expiry.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	ses := h.codec.Unpack(r.Cookies(), now)
	if ses == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.rollSession(w, r, now)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ses.User); err != nil {
		h.logger.Error("unable to write profile response", "error", err)
	}
}
