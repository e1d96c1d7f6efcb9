package api

import (
	"log/slog"

	"novacast-live/internal/ingest"
	"novacast-live/internal/storage"
	"novacast-live/internal/transcode"
)

// Handler carries the collaborators shared by every endpoint. HookToken
// guards the media-server publish hooks, OperatorToken guards the control
// plane; both are compared in constant time.
type Handler struct {
	Store      storage.Repository
	Gatekeeper *ingest.Gatekeeper
	Scheduler  *transcode.Scheduler

	HookToken     string
	OperatorToken string

	Logger *slog.Logger
}

func NewHandler(store storage.Repository, gatekeeper *ingest.Gatekeeper, scheduler *transcode.Scheduler) *Handler {
	return &Handler{Store: store, Gatekeeper: gatekeeper, Scheduler: scheduler}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
