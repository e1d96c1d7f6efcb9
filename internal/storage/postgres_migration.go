package storage

import (
	"context"
	"fmt"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		stream_key TEXT NOT NULL,
		status TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		playback_url TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stream_keys (
		key TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		owner_id TEXT NOT NULL,
		permitted_statuses TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS stream_keys_session_idx ON stream_keys (session_id)`,
	`CREATE TABLE IF NOT EXISTS rendition_profiles (
		name TEXT PRIMARY KEY,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		video_bitrate_kbps INTEGER NOT NULL,
		audio_bitrate_kbps INTEGER NOT NULL,
		frame_rate INTEGER NOT NULL DEFAULT 0,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS transcode_jobs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		profile_name TEXT NOT NULL,
		status TEXT NOT NULL,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		output_playlist_path TEXT NOT NULL DEFAULT '',
		playback_url TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transcode_jobs_session_idx ON transcode_jobs (session_id, created_at)`,
}

// migrate bootstraps the schema. Statements are idempotent so repeated starts
// against the same database are safe.
func (r *postgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
