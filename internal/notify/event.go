package notify

import (
	"time"

	"novacast-live/internal/models"
)

// EventType enumerates the notification events flowing through the fan-out
// queue.
type EventType string

const (
	// EventTypeStreamStatus announces a session status change such as a
	// publish start or stop.
	EventTypeStreamStatus EventType = "stream_status"
	// EventTypeJobUpdate reports transcode job lifecycle and progress
	// changes.
	EventTypeJobUpdate EventType = "job_update"
)

// Event is the wire representation forwarded to subscribers. Stream status
// events carry SessionID, Status, and StreamKey; job updates additionally
// fill the job fields.
type Event struct {
	Type            EventType            `json:"event"`
	SessionID       string               `json:"sessionId"`
	Status          models.SessionStatus `json:"status,omitempty"`
	StreamKey       string               `json:"streamKey,omitempty"`
	JobID           string               `json:"jobId,omitempty"`
	ProfileName     string               `json:"profileName,omitempty"`
	JobStatus       models.JobStatus     `json:"jobStatus,omitempty"`
	ProgressPercent int                  `json:"progressPercent,omitempty"`
	OccurredAt      time.Time            `json:"timestamp"`
}

// NewStreamStatusEvent builds a stream status event stamped with the given
// time.
func NewStreamStatusEvent(sessionID string, status models.SessionStatus, streamKey string, at time.Time) Event {
	return Event{
		Type:       EventTypeStreamStatus,
		SessionID:  sessionID,
		Status:     status,
		StreamKey:  streamKey,
		OccurredAt: at.UTC(),
	}
}

// NewJobUpdateEvent builds a job update event from the current job record.
func NewJobUpdateEvent(job models.TranscodeJob, at time.Time) Event {
	return Event{
		Type:            EventTypeJobUpdate,
		SessionID:       job.SessionID,
		JobID:           job.ID,
		ProfileName:     job.ProfileName,
		JobStatus:       job.Status,
		ProgressPercent: job.ProgressPercent,
		OccurredAt:      at.UTC(),
	}
}
