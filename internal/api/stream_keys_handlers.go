package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"novacast-live/internal/models"
	"novacast-live/internal/storage"
)

type createStreamKeyRequest struct {
	OwnerID           string                 `json:"ownerId"`
	SourceURL         string                 `json:"sourceUrl"`
	PermittedStatuses []models.SessionStatus `json:"permittedStatuses"`
}

type streamKeyResponse struct {
	Session models.LiveSession `json:"session"`
	Key     models.StreamKey   `json:"streamKey"`
}

// StreamKeys mints a stream key together with its draft session.
func (h *Handler) StreamKeys(w http.ResponseWriter, r *http.Request) {
	if !h.operatorAuthorized(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid operator token"))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req createStreamKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode stream key request: %w", err))
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("ownerId is required"))
		return
	}
	for _, status := range req.PermittedStatuses {
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown session status %q", status))
			return
		}
	}

	session, key, err := h.Store.CreateSession(r.Context(), storage.CreateSessionParams{
		OwnerID:           req.OwnerID,
		SourceURL:         req.SourceURL,
		PermittedStatuses: req.PermittedStatuses,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, streamKeyResponse{Session: session, Key: key})
}

// StreamKeyOperations dispatches /v1/stream-keys/{sessionId}/rotate.
func (h *Handler) StreamKeyOperations(w http.ResponseWriter, r *http.Request) {
	if !h.operatorAuthorized(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid operator token"))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/stream-keys/")
	sessionID, action, _ := strings.Cut(rest, "/")
	sessionID = strings.TrimSpace(sessionID)
	action = strings.TrimSuffix(action, "/")
	if sessionID == "" || action != "rotate" {
		writeError(w, http.StatusNotFound, errors.New("unknown stream key resource"))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	key, err := h.Store.RotateStreamKey(r.Context(), sessionID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}
