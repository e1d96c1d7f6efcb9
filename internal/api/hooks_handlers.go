package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"novacast-live/internal/ingest"
)

// hookPayload is the callback body posted by the media server. Path carries
// the publish path whose final segment is the stream key.
type hookPayload struct {
	ConnectionID string `json:"connectionId"`
	Path         string `json:"path"`
}

func (h *Handler) decodeHook(w http.ResponseWriter, r *http.Request) (hookPayload, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return hookPayload{}, false
	}
	if !h.hookAuthorized(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid hook token"))
		return hookPayload{}, false
	}
	var payload hookPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode hook payload: %w", err))
		return hookPayload{}, false
	}
	if strings.TrimSpace(payload.Path) == "" {
		writeError(w, http.StatusBadRequest, errors.New("path is required"))
		return hookPayload{}, false
	}
	return payload, true
}

// PublishHook authorizes a publish attempt before the media server accepts
// it. A 403 tells the server to drop the connection.
func (h *Handler) PublishHook(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeHook(w, r)
	if !ok {
		return
	}
	if err := h.Gatekeeper.OnPrePublish(r.Context(), payload.Path); err != nil {
		if errors.Is(err, ingest.ErrPublishRejected) {
			writeError(w, http.StatusForbidden, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"code": 0})
}

// PublishDoneHook confirms the publish is flowing; the session goes live.
func (h *Handler) PublishDoneHook(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeHook(w, r)
	if !ok {
		return
	}
	h.Gatekeeper.OnPublishStarted(r.Context(), payload.Path)
	writeJSON(w, http.StatusOK, map[string]int{"code": 0})
}

// UnpublishHook records the end of a publish; the session transitions to
// ended.
func (h *Handler) UnpublishHook(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeHook(w, r)
	if !ok {
		return
	}
	h.Gatekeeper.OnPublishEnded(r.Context(), payload.Path)
	writeJSON(w, http.StatusOK, map[string]int{"code": 0})
}
