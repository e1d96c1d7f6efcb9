// Package ingest authorizes inbound publish attempts against registered
// stream keys and drives the session lifecycle as the media server reports
// publish events.
package ingest

import (
	"context"

	"novacast-live/internal/models"
)

// SessionAuthorization is the result of a successful stream key lookup.
type SessionAuthorization struct {
	SessionID string
	OwnerID   string
	Status    models.SessionStatus
}

// Validator resolves an opaque stream key to the session it authorizes. A
// missing key is a normal false outcome, never an error.
type Validator interface {
	Validate(ctx context.Context, key string) (SessionAuthorization, bool)
}

// RunStarter launches transcode runs for sessions that just went live. The
// scheduler satisfies it.
type RunStarter interface {
	StartRun(ctx context.Context, sessionID, sourceURL string, defaultOnly bool) ([]models.TranscodeJob, error)
}
