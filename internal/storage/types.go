package storage

import (
	"errors"
	"fmt"
	"time"

	"novacast-live/internal/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrSessionNotDraft indicates a live transition was requested for a
	// session that is not in the draft state.
	ErrSessionNotDraft = errors.New("session is not in draft state")

	// ErrSessionNotLive indicates an ended transition was requested for a
	// session that is not live.
	ErrSessionNotLive = errors.New("session is not live")

	// ErrSessionNotEnded indicates a reset was requested for a session that
	// has not ended.
	ErrSessionNotEnded = errors.New("session has not ended")

	// ErrJobTerminal indicates an update was attempted against a job that
	// already reached a terminal state.
	ErrJobTerminal = errors.New("job is in a terminal state")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type dataset struct {
	StreamKeys map[string]models.StreamKey    `json:"streamKeys"`
	Sessions   map[string]models.LiveSession  `json:"sessions"`
	Profiles   []models.RenditionProfile      `json:"profiles"`
	Jobs       map[string]models.TranscodeJob `json:"jobs"`
}

func newDataset() dataset {
	return dataset{
		StreamKeys: make(map[string]models.StreamKey),
		Sessions:   make(map[string]models.LiveSession),
		Jobs:       make(map[string]models.TranscodeJob),
	}
}

// CreateSessionParams captures the attributes set when a session and its
// publish credential are provisioned.
type CreateSessionParams struct {
	OwnerID           string
	SourceURL         string
	PermittedStatuses []models.SessionStatus
}

// SessionUpdate describes the mutable descriptive fields of a session. Status
// transitions use the dedicated Mark/Reset operations instead.
type SessionUpdate struct {
	SourceURL   *string
	PlaybackURL *string
}

// CreateTranscodeJobParams captures the information required to enqueue one
// rendition encode.
type CreateTranscodeJobParams struct {
	ID          string
	SessionID   string
	ProfileName string
}

// TranscodeJobUpdate describes the mutable fields of a transcode job. Nil
// fields are left untouched.
type TranscodeJobUpdate struct {
	Status             *models.JobStatus
	ProgressPercent    *int
	ErrorMessage       *string
	OutputPlaylistPath *string
	PlaybackURL        *string
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// validateJobTransition enforces the pending -> processing -> terminal order
// shared by every repository implementation.
func validateJobTransition(current, next models.JobStatus) error {
	if current == next {
		return nil
	}
	switch current {
	case models.JobStatusPending:
		if next == models.JobStatusProcessing || next == models.JobStatusFailed {
			return nil
		}
	case models.JobStatusProcessing:
		if next.Terminal() {
			return nil
		}
	case models.JobStatusCompleted, models.JobStatusFailed:
		return ErrJobTerminal
	}
	return fmt.Errorf("invalid job transition %s -> %s", current, next)
}
