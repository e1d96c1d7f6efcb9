package models

import (
	"strings"
	"time"
)

// SessionStatus tracks the publish lifecycle of a live session. Transitions
// are monotonic within a single publish attempt: draft -> live -> ended. An
// ended session only re-enters draft through an explicit operator reset.
type SessionStatus string

const (
	SessionStatusDraft SessionStatus = "draft"
	SessionStatusLive  SessionStatus = "live"
	SessionStatusEnded SessionStatus = "ended"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusDraft, SessionStatusLive, SessionStatusEnded:
		return true
	}
	return false
}

// JobStatus tracks a transcode job through its lifecycle. Completed and
// failed are terminal; a failed job is never retried, only replaced by a job
// from a new run.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// StreamKey binds an opaque publish credential to a live session. Records are
// immutable once issued; rotation replaces the record wholesale.
type StreamKey struct {
	Key               string          `json:"key"`
	SessionID         string          `json:"sessionId"`
	OwnerID           string          `json:"ownerId"`
	PermittedStatuses []SessionStatus `json:"permittedStatuses,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Permits reports whether a session in the given status may accept a publish
// using this key. An empty PermittedStatuses list permits every status.
func (k StreamKey) Permits(status SessionStatus) bool {
	if len(k.PermittedStatuses) == 0 {
		return true
	}
	for _, permitted := range k.PermittedStatuses {
		if permitted == status {
			return true
		}
	}
	return false
}

type LiveSession struct {
	ID          string        `json:"id"`
	StreamKey   string        `json:"streamKey"`
	Status      SessionStatus `json:"status"`
	SourceURL   string        `json:"sourceUrl,omitempty"`
	PlaybackURL string        `json:"playbackUrl,omitempty"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// RenditionProfile describes one target output of the encoding ladder. The
// scheduler treats profiles as read-only configuration.
type RenditionProfile struct {
	Name             string  `json:"name" yaml:"name"`
	Width            int     `json:"width" yaml:"width"`
	Height           int     `json:"height" yaml:"height"`
	VideoBitrateKbps int     `json:"videoBitrateKbps" yaml:"videoBitrateKbps"`
	AudioBitrateKbps int     `json:"audioBitrateKbps" yaml:"audioBitrateKbps"`
	FrameRate        float64 `json:"frameRate" yaml:"frameRate"`
	IsDefault        bool    `json:"isDefault" yaml:"isDefault"`
}

// Bandwidth returns the declared stream bandwidth in bits per second used in
// adaptive playlist variant entries.
func (p RenditionProfile) Bandwidth() int {
	return p.VideoBitrateKbps * 1000
}

type TranscodeJob struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"sessionId"`
	ProfileName        string     `json:"profileName"`
	Status             JobStatus  `json:"status"`
	ProgressPercent    int        `json:"progressPercent"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	OutputPlaylistPath string     `json:"outputPlaylistPath,omitempty"`
	PlaybackURL        string     `json:"playbackUrl,omitempty"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// StreamKeyFromPath extracts the stream key from a publish path of the form
// /<application>/<streamKey>. The key is always the final path segment; an
// empty final segment yields an empty key. All publish hooks use this rule so
// the independent transport callbacks agree on identity.
func StreamKeyFromPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx == -1 {
		return trimmed
	}
	return trimmed[idx+1:]
}
