package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"novacast-live/internal/storage"
)

// JobOperations serves /v1/jobs/{id}: GET reads the job, DELETE stops a
// running encode.
func (h *Handler) JobOperations(w http.ResponseWriter, r *http.Request) {
	if !h.operatorAuthorized(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid operator token"))
		return
	}

	jobID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/jobs/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, errors.New("job id is required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := h.Store.GetTranscodeJob(r.Context(), jobID)
		if err != nil {
			if storage.IsNotFound(err) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if _, err := h.Store.GetTranscodeJob(r.Context(), jobID); err != nil {
			if storage.IsNotFound(err) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !h.Scheduler.StopJob(jobID) {
			writeError(w, http.StatusNotFound, errors.New("job is not running"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
