package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"novacast-live/internal/models"
	"novacast-live/internal/storage"
	"novacast-live/internal/transcode"
)

// Sessions serves the /v1/sessions collection.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	if !h.operatorAuthorized(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid operator token"))
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	sessions, err := h.Store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// SessionOperations dispatches /v1/sessions/{id} and its sub-resources.
func (h *Handler) SessionOperations(w http.ResponseWriter, r *http.Request) {
	if !h.operatorAuthorized(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid operator token"))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	sessionID, action, _ := strings.Cut(rest, "/")
	sessionID = strings.TrimSpace(sessionID)
	action = strings.TrimSuffix(action, "/")
	if sessionID == "" {
		writeError(w, http.StatusNotFound, errors.New("session id is required"))
		return
	}

	switch action {
	case "":
		h.getSession(w, r, sessionID)
	case "transcode":
		h.startTranscode(w, r, sessionID)
	case "jobs":
		h.listJobs(w, r, sessionID)
	case "playlist":
		h.regeneratePlaylist(w, r, sessionID)
	case "reset":
		h.resetSession(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session resource %q", action))
	}
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	session, err := h.Store.GetSession(r.Context(), sessionID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type startTranscodeRequest struct {
	SourceURL   string `json:"sourceUrl"`
	DefaultOnly bool   `json:"defaultOnly"`
}

func (h *Handler) startTranscode(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req startTranscodeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode transcode request: %w", err))
			return
		}
	}

	jobs, err := h.Scheduler.StartRun(r.Context(), sessionID, req.SourceURL, req.DefaultOnly)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, jobs)
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, transcode.ErrRunInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, transcode.ErrNoProfilesConfigured):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var statuses []models.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, value := range strings.Split(raw, ",") {
			status := models.JobStatus(strings.TrimSpace(value))
			switch status {
			case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed:
				statuses = append(statuses, status)
			default:
				writeError(w, http.StatusBadRequest, fmt.Errorf("unknown job status %q", value))
				return
			}
		}
	}
	jobs, err := h.Store.ListTranscodeJobs(r.Context(), sessionID, statuses...)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) regeneratePlaylist(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	path, err := h.Scheduler.GenerateMasterPlaylist(r.Context(), sessionID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"playlistPath": path})
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, transcode.ErrNoCompletedRenditions):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) resetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	session, err := h.Store.ResetSession(r.Context(), sessionID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, session)
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrSessionNotEnded):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
