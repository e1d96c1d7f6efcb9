package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"novacast-live/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository and bootstraps the
// schema when it is missing.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg, now: cfg.Clock}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

const sessionColumns = "id, stream_key, status, source_url, playback_url, started_at, ended_at, created_at, updated_at"

func scanSession(row pgx.Row) (models.LiveSession, error) {
	var session models.LiveSession
	var status string
	err := row.Scan(
		&session.ID,
		&session.StreamKey,
		&status,
		&session.SourceURL,
		&session.PlaybackURL,
		&session.StartedAt,
		&session.EndedAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LiveSession{}, ErrNotFound
	}
	if err != nil {
		return models.LiveSession{}, fmt.Errorf("scan session: %w", err)
	}
	session.Status = models.SessionStatus(status)
	return session, nil
}

func (r *postgresRepository) CreateSession(ctx context.Context, params CreateSessionParams) (models.LiveSession, models.StreamKey, error) {
	ownerID := strings.TrimSpace(params.OwnerID)
	if ownerID == "" {
		return models.LiveSession{}, models.StreamKey{}, errors.New("ownerId is required")
	}

	key, err := generateStreamKey()
	if err != nil {
		return models.LiveSession{}, models.StreamKey{}, err
	}
	permitted := append([]models.SessionStatus(nil), params.PermittedStatuses...)
	if len(permitted) == 0 {
		permitted = []models.SessionStatus{models.SessionStatusDraft, models.SessionStatusLive}
	}
	statuses := make([]string, 0, len(permitted))
	for _, status := range permitted {
		if !status.Valid() {
			return models.LiveSession{}, models.StreamKey{}, fmt.Errorf("invalid permitted status %q", status)
		}
		statuses = append(statuses, string(status))
	}

	now := r.now()
	session := models.LiveSession{
		ID:        generateID(),
		StreamKey: key,
		Status:    models.SessionStatusDraft,
		SourceURL: strings.TrimSpace(params.SourceURL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	streamKey := models.StreamKey{
		Key:               key,
		SessionID:         session.ID,
		OwnerID:           ownerID,
		PermittedStatuses: permitted,
		CreatedAt:         now,
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.LiveSession{}, models.StreamKey{}, fmt.Errorf("begin create session: %w", err)
	}
	defer rollbackTx(ctx, tx)

	_, err = tx.Exec(ctx,
		"INSERT INTO sessions (id, stream_key, status, source_url, playback_url, created_at, updated_at) VALUES ($1, $2, $3, $4, '', $5, $5)",
		session.ID, session.StreamKey, string(session.Status), session.SourceURL, now)
	if err != nil {
		return models.LiveSession{}, models.StreamKey{}, fmt.Errorf("insert session: %w", err)
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO stream_keys (key, session_id, owner_id, permitted_statuses, created_at) VALUES ($1, $2, $3, $4, $5)",
		streamKey.Key, streamKey.SessionID, streamKey.OwnerID, statuses, now)
	if err != nil {
		return models.LiveSession{}, models.StreamKey{}, fmt.Errorf("insert stream key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.LiveSession{}, models.StreamKey{}, fmt.Errorf("commit create session: %w", err)
	}

	return session, streamKey, nil
}

func (r *postgresRepository) GetSession(ctx context.Context, id string) (models.LiveSession, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id)
	session, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, err
}

func (r *postgresRepository) ListSessions(ctx context.Context) ([]models.LiveSession, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.LiveSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (r *postgresRepository) UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.LiveSession, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.LiveSession{}, fmt.Errorf("begin update session: %w", err)
	}
	defer rollbackTx(ctx, tx)

	session, err := scanSession(tx.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, ErrNotFound) {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.LiveSession{}, err
	}

	if update.SourceURL != nil {
		session.SourceURL = strings.TrimSpace(*update.SourceURL)
	}
	if update.PlaybackURL != nil {
		session.PlaybackURL = strings.TrimSpace(*update.PlaybackURL)
	}
	session.UpdatedAt = r.now()

	_, err = tx.Exec(ctx,
		"UPDATE sessions SET source_url = $2, playback_url = $3, updated_at = $4 WHERE id = $1",
		id, session.SourceURL, session.PlaybackURL, session.UpdatedAt)
	if err != nil {
		return models.LiveSession{}, fmt.Errorf("update session %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.LiveSession{}, fmt.Errorf("commit update session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) transitionSession(ctx context.Context, id string, mutate func(*models.LiveSession) error) (models.LiveSession, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.LiveSession{}, fmt.Errorf("begin session transition: %w", err)
	}
	defer rollbackTx(ctx, tx)

	session, err := scanSession(tx.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, ErrNotFound) {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.LiveSession{}, err
	}

	if err := mutate(&session); err != nil {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, err)
	}
	session.UpdatedAt = r.now()

	_, err = tx.Exec(ctx,
		"UPDATE sessions SET status = $2, started_at = $3, ended_at = $4, updated_at = $5 WHERE id = $1",
		id, string(session.Status), session.StartedAt, session.EndedAt, session.UpdatedAt)
	if err != nil {
		return models.LiveSession{}, fmt.Errorf("transition session %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.LiveSession{}, fmt.Errorf("commit session transition: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) MarkSessionLive(ctx context.Context, id string, at time.Time) (models.LiveSession, error) {
	startedAt := at.UTC()
	return r.transitionSession(ctx, id, func(session *models.LiveSession) error {
		if session.Status != models.SessionStatusDraft {
			return ErrSessionNotDraft
		}
		session.Status = models.SessionStatusLive
		session.StartedAt = &startedAt
		session.EndedAt = nil
		return nil
	})
}

func (r *postgresRepository) MarkSessionEnded(ctx context.Context, id string, at time.Time) (models.LiveSession, error) {
	endedAt := at.UTC()
	return r.transitionSession(ctx, id, func(session *models.LiveSession) error {
		if session.Status != models.SessionStatusLive {
			return ErrSessionNotLive
		}
		session.Status = models.SessionStatusEnded
		session.EndedAt = &endedAt
		return nil
	})
}

func (r *postgresRepository) ResetSession(ctx context.Context, id string) (models.LiveSession, error) {
	return r.transitionSession(ctx, id, func(session *models.LiveSession) error {
		if session.Status != models.SessionStatusEnded {
			return ErrSessionNotEnded
		}
		session.Status = models.SessionStatusDraft
		session.StartedAt = nil
		session.EndedAt = nil
		return nil
	})
}

func (r *postgresRepository) GetStreamKey(ctx context.Context, key string) (models.StreamKey, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT key, session_id, owner_id, permitted_statuses, created_at FROM stream_keys WHERE key = $1", key)

	var streamKey models.StreamKey
	var statuses []string
	err := row.Scan(&streamKey.Key, &streamKey.SessionID, &streamKey.OwnerID, &statuses, &streamKey.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamKey{}, fmt.Errorf("stream key: %w", ErrNotFound)
	}
	if err != nil {
		return models.StreamKey{}, fmt.Errorf("scan stream key: %w", err)
	}
	streamKey.PermittedStatuses = make([]models.SessionStatus, 0, len(statuses))
	for _, status := range statuses {
		streamKey.PermittedStatuses = append(streamKey.PermittedStatuses, models.SessionStatus(status))
	}
	return streamKey, nil
}

func (r *postgresRepository) RotateStreamKey(ctx context.Context, sessionID string) (models.StreamKey, error) {
	key, err := generateStreamKey()
	if err != nil {
		return models.StreamKey{}, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.StreamKey{}, fmt.Errorf("begin rotate stream key: %w", err)
	}
	defer rollbackTx(ctx, tx)

	var previousKey, ownerID string
	var statuses []string
	row := tx.QueryRow(ctx,
		"SELECT k.key, k.owner_id, k.permitted_statuses FROM stream_keys k JOIN sessions s ON s.stream_key = k.key WHERE k.session_id = $1 AND s.id = $1 FOR UPDATE OF k",
		sessionID)
	if err := row.Scan(&previousKey, &ownerID, &statuses); errors.Is(err, pgx.ErrNoRows) {
		return models.StreamKey{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	} else if err != nil {
		return models.StreamKey{}, fmt.Errorf("scan stream key: %w", err)
	}

	now := r.now()
	if _, err := tx.Exec(ctx, "DELETE FROM stream_keys WHERE key = $1", previousKey); err != nil {
		return models.StreamKey{}, fmt.Errorf("drop stream key: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO stream_keys (key, session_id, owner_id, permitted_statuses, created_at) VALUES ($1, $2, $3, $4, $5)",
		key, sessionID, ownerID, statuses, now); err != nil {
		return models.StreamKey{}, fmt.Errorf("insert stream key: %w", err)
	}
	if _, err := tx.Exec(ctx, "UPDATE sessions SET stream_key = $2, updated_at = $3 WHERE id = $1", sessionID, key, now); err != nil {
		return models.StreamKey{}, fmt.Errorf("update session stream key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.StreamKey{}, fmt.Errorf("commit rotate stream key: %w", err)
	}

	permitted := make([]models.SessionStatus, 0, len(statuses))
	for _, status := range statuses {
		permitted = append(permitted, models.SessionStatus(status))
	}
	return models.StreamKey{
		Key:               key,
		SessionID:         sessionID,
		OwnerID:           ownerID,
		PermittedStatuses: permitted,
		CreatedAt:         now,
	}, nil
}

func (r *postgresRepository) ListRenditionProfiles(ctx context.Context) ([]models.RenditionProfile, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT name, width, height, video_bitrate_kbps, audio_bitrate_kbps, frame_rate, is_default FROM rendition_profiles ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("list rendition profiles: %w", err)
	}
	defer rows.Close()

	profiles := make([]models.RenditionProfile, 0)
	for rows.Next() {
		var profile models.RenditionProfile
		if err := rows.Scan(&profile.Name, &profile.Width, &profile.Height, &profile.VideoBitrateKbps, &profile.AudioBitrateKbps, &profile.FrameRate, &profile.IsDefault); err != nil {
			return nil, fmt.Errorf("scan rendition profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rendition profiles: %w", err)
	}
	return profiles, nil
}

func (r *postgresRepository) ReplaceRenditionProfiles(ctx context.Context, profiles []models.RenditionProfile) error {
	seen := make(map[string]struct{}, len(profiles))
	for _, profile := range profiles {
		name := strings.TrimSpace(profile.Name)
		if name == "" {
			return errors.New("profile name is required")
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("duplicate profile name %q", name)
		}
		seen[name] = struct{}{}
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin replace profiles: %w", err)
	}
	defer rollbackTx(ctx, tx)

	if _, err := tx.Exec(ctx, "DELETE FROM rendition_profiles"); err != nil {
		return fmt.Errorf("clear rendition profiles: %w", err)
	}
	for position, profile := range profiles {
		_, err := tx.Exec(ctx,
			"INSERT INTO rendition_profiles (name, width, height, video_bitrate_kbps, audio_bitrate_kbps, frame_rate, is_default, position) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			strings.TrimSpace(profile.Name), profile.Width, profile.Height, profile.VideoBitrateKbps, profile.AudioBitrateKbps, profile.FrameRate, profile.IsDefault, position)
		if err != nil {
			return fmt.Errorf("insert rendition profile %s: %w", profile.Name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace profiles: %w", err)
	}
	return nil
}

const jobColumns = "id, session_id, profile_name, status, progress_percent, error_message, output_playlist_path, playback_url, started_at, completed_at, created_at, updated_at"

func scanJob(row pgx.Row) (models.TranscodeJob, error) {
	var job models.TranscodeJob
	var status string
	err := row.Scan(
		&job.ID,
		&job.SessionID,
		&job.ProfileName,
		&status,
		&job.ProgressPercent,
		&job.ErrorMessage,
		&job.OutputPlaylistPath,
		&job.PlaybackURL,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TranscodeJob{}, ErrNotFound
	}
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.JobStatus(status)
	return job, nil
}

func (r *postgresRepository) CreateTranscodeJob(ctx context.Context, params CreateTranscodeJobParams) (models.TranscodeJob, error) {
	sessionID := strings.TrimSpace(params.SessionID)
	profileName := strings.TrimSpace(params.ProfileName)
	if profileName == "" {
		return models.TranscodeJob{}, errors.New("profile name is required")
	}
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = generateID()
	}

	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return models.TranscodeJob{}, err
	}

	now := r.now()
	job := models.TranscodeJob{
		ID:          id,
		SessionID:   sessionID,
		ProfileName: profileName,
		Status:      models.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := r.pool.Exec(ctx,
		"INSERT INTO transcode_jobs (id, session_id, profile_name, status, progress_percent, error_message, output_playlist_path, playback_url, created_at, updated_at) VALUES ($1, $2, $3, $4, 0, '', '', '', $5, $5)",
		job.ID, job.SessionID, job.ProfileName, string(job.Status), now)
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("insert job %s: %w", id, err)
	}
	return job, nil
}

func (r *postgresRepository) GetTranscodeJob(ctx context.Context, id string) (models.TranscodeJob, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM transcode_jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

func (r *postgresRepository) UpdateTranscodeJob(ctx context.Context, id string, update TranscodeJobUpdate) (models.TranscodeJob, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("begin update job: %w", err)
	}
	defer rollbackTx(ctx, tx)

	job, err := scanJob(tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM transcode_jobs WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, ErrNotFound) {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.TranscodeJob{}, err
	}
	if job.Status.Terminal() {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", id, ErrJobTerminal)
	}

	if update.Status != nil {
		if err := validateJobTransition(job.Status, *update.Status); err != nil {
			return models.TranscodeJob{}, fmt.Errorf("job %s: %w", id, err)
		}
		job.Status = *update.Status
	}
	if update.ProgressPercent != nil {
		percent := *update.ProgressPercent
		if percent < 0 || percent > 100 {
			return models.TranscodeJob{}, fmt.Errorf("job %s: progress %d out of range", id, percent)
		}
		if percent < job.ProgressPercent {
			percent = job.ProgressPercent
		}
		job.ProgressPercent = percent
	}
	if update.Status != nil && *update.Status == models.JobStatusFailed {
		job.ProgressPercent = 0
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = strings.TrimSpace(*update.ErrorMessage)
	}
	if update.OutputPlaylistPath != nil {
		job.OutputPlaylistPath = strings.TrimSpace(*update.OutputPlaylistPath)
	}
	if update.PlaybackURL != nil {
		job.PlaybackURL = strings.TrimSpace(*update.PlaybackURL)
	}
	if update.StartedAt != nil {
		started := update.StartedAt.UTC()
		job.StartedAt = &started
	}
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		job.CompletedAt = &completed
	}
	job.UpdatedAt = r.now()

	_, err = tx.Exec(ctx,
		"UPDATE transcode_jobs SET status = $2, progress_percent = $3, error_message = $4, output_playlist_path = $5, playback_url = $6, started_at = $7, completed_at = $8, updated_at = $9 WHERE id = $1",
		id, string(job.Status), job.ProgressPercent, job.ErrorMessage, job.OutputPlaylistPath, job.PlaybackURL, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("commit update job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) ListTranscodeJobs(ctx context.Context, sessionID string, statuses ...models.JobStatus) ([]models.TranscodeJob, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := "SELECT " + jobColumns + " FROM transcode_jobs WHERE session_id = $1"
	args := []any{sessionID}
	if len(statuses) > 0 {
		wanted := make([]string, 0, len(statuses))
		for _, status := range statuses {
			wanted = append(wanted, string(status))
		}
		sort.Strings(wanted)
		query += " AND status = ANY($2)"
		args = append(args, wanted)
	}
	query += " ORDER BY created_at, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.TranscodeJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
