package storage

import (
	"context"
	"time"

	"novacast-live/internal/models"
)

// Repository defines the persistence operations the ingest gatekeeper,
// transcode scheduler, and API layer depend on.
type Repository interface {
	Ping(ctx context.Context) error

	CreateSession(ctx context.Context, params CreateSessionParams) (models.LiveSession, models.StreamKey, error)
	GetSession(ctx context.Context, id string) (models.LiveSession, error)
	ListSessions(ctx context.Context) ([]models.LiveSession, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.LiveSession, error)
	MarkSessionLive(ctx context.Context, id string, at time.Time) (models.LiveSession, error)
	MarkSessionEnded(ctx context.Context, id string, at time.Time) (models.LiveSession, error)
	ResetSession(ctx context.Context, id string) (models.LiveSession, error)

	GetStreamKey(ctx context.Context, key string) (models.StreamKey, error)
	RotateStreamKey(ctx context.Context, sessionID string) (models.StreamKey, error)

	ListRenditionProfiles(ctx context.Context) ([]models.RenditionProfile, error)
	ReplaceRenditionProfiles(ctx context.Context, profiles []models.RenditionProfile) error

	CreateTranscodeJob(ctx context.Context, params CreateTranscodeJobParams) (models.TranscodeJob, error)
	GetTranscodeJob(ctx context.Context, id string) (models.TranscodeJob, error)
	UpdateTranscodeJob(ctx context.Context, id string, update TranscodeJobUpdate) (models.TranscodeJob, error)
	ListTranscodeJobs(ctx context.Context, sessionID string, statuses ...models.JobStatus) ([]models.TranscodeJob, error)
}
