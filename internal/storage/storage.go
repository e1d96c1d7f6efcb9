package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"novacast-live/internal/models"
)

// Storage is the JSON-file backed repository. Every mutation clones the
// dataset, persists the clone atomically, and only then swaps it in, so a
// failed write never leaves partial state behind.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	if s.data.StreamKeys == nil {
		s.data.StreamKeys = make(map[string]models.StreamKey)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.LiveSession)
	}
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]models.TranscodeJob)
	}

	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()

	for key, streamKey := range src.StreamKeys {
		cloned := streamKey
		if streamKey.PermittedStatuses != nil {
			cloned.PermittedStatuses = append([]models.SessionStatus(nil), streamKey.PermittedStatuses...)
		}
		clone.StreamKeys[key] = cloned
	}

	for id, session := range src.Sessions {
		cloned := session
		if session.StartedAt != nil {
			started := *session.StartedAt
			cloned.StartedAt = &started
		}
		if session.EndedAt != nil {
			ended := *session.EndedAt
			cloned.EndedAt = &ended
		}
		clone.Sessions[id] = cloned
	}

	if src.Profiles != nil {
		clone.Profiles = append([]models.RenditionProfile(nil), src.Profiles...)
	}

	for id, job := range src.Jobs {
		cloned := job
		if job.StartedAt != nil {
			started := *job.StartedAt
			cloned.StartedAt = &started
		}
		if job.CompletedAt != nil {
			completed := *job.CompletedAt
			cloned.CompletedAt = &completed
		}
		clone.Jobs[id] = cloned
	}

	return clone
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Session operations

func (s *Storage) CreateSession(_ context.Context, params CreateSessionParams) (models.LiveSession, models.StreamKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		// A publish starts against a draft session and ends while it is
		// live; both must pass the key's policy check.
		permitted = []models.SessionStatus{models.SessionStatusDraft, models.SessionStatusLive}
	}
	for _, status := range permitted {
		if !status.Valid() {
			return models.LiveSession{}, models.StreamKey{}, fmt.Errorf("invalid permitted status %q", status)
		}
	}

	now := s.now()
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

	updatedData := cloneDataset(s.data)
	updatedData.Sessions[session.ID] = session
	updatedData.StreamKeys[key] = streamKey
	if err := s.persistDataset(updatedData); err != nil {
		return models.LiveSession{}, models.StreamKey{}, err
	}
	s.data = updatedData

	return session, streamKey, nil
}

func (s *Storage) GetSession(_ context.Context, id string) (models.LiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, nil
}

func (s *Storage) ListSessions(_ context.Context) ([]models.LiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]models.LiveSession, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *Storage) UpdateSession(_ context.Context, id string, update SessionUpdate) (models.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	session, ok := updatedData.Sessions[id]
	if !ok {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	if update.SourceURL != nil {
		session.SourceURL = strings.TrimSpace(*update.SourceURL)
	}
	if update.PlaybackURL != nil {
		session.PlaybackURL = strings.TrimSpace(*update.PlaybackURL)
	}
	session.UpdatedAt = s.now()

	updatedData.Sessions[id] = session
	if err := s.persistDataset(updatedData); err != nil {
		return models.LiveSession{}, err
	}
	s.data = updatedData

	return session, nil
}

func (s *Storage) MarkSessionLive(_ context.Context, id string, at time.Time) (models.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	session, ok := updatedData.Sessions[id]
	if !ok {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if session.Status != models.SessionStatusDraft {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrSessionNotDraft)
	}

	startedAt := at.UTC()
	session.Status = models.SessionStatusLive
	session.StartedAt = &startedAt
	session.EndedAt = nil
	session.UpdatedAt = s.now()

	updatedData.Sessions[id] = session
	if err := s.persistDataset(updatedData); err != nil {
		return models.LiveSession{}, err
	}
	s.data = updatedData

	return session, nil
}

func (s *Storage) MarkSessionEnded(_ context.Context, id string, at time.Time) (models.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	session, ok := updatedData.Sessions[id]
	if !ok {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if session.Status != models.SessionStatusLive {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrSessionNotLive)
	}

	endedAt := at.UTC()
	session.Status = models.SessionStatusEnded
	session.EndedAt = &endedAt
	session.UpdatedAt = s.now()

	updatedData.Sessions[id] = session
	if err := s.persistDataset(updatedData); err != nil {
		return models.LiveSession{}, err
	}
	s.data = updatedData

	return session, nil
}

// ResetSession returns an ended session to draft so the same credential can
// be published again. Prior start and end timestamps are cleared.
func (s *Storage) ResetSession(_ context.Context, id string) (models.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	session, ok := updatedData.Sessions[id]
	if !ok {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if session.Status != models.SessionStatusEnded {
		return models.LiveSession{}, fmt.Errorf("session %s: %w", id, ErrSessionNotEnded)
	}

	session.Status = models.SessionStatusDraft
	session.StartedAt = nil
	session.EndedAt = nil
	session.UpdatedAt = s.now()

	updatedData.Sessions[id] = session
	if err := s.persistDataset(updatedData); err != nil {
		return models.LiveSession{}, err
	}
	s.data = updatedData

	return session, nil
}

// Stream key operations

func (s *Storage) GetStreamKey(_ context.Context, key string) (models.StreamKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	streamKey, ok := s.data.StreamKeys[key]
	if !ok {
		return models.StreamKey{}, fmt.Errorf("stream key: %w", ErrNotFound)
	}
	return streamKey, nil
}

// RotateStreamKey replaces the session's publish credential with a freshly
// generated one. The old key stops validating immediately.
func (s *Storage) RotateStreamKey(_ context.Context, sessionID string) (models.StreamKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	session, ok := updatedData.Sessions[sessionID]
	if !ok {
		return models.StreamKey{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	previous, ok := updatedData.StreamKeys[session.StreamKey]
	if !ok {
		return models.StreamKey{}, fmt.Errorf("stream key for session %s: %w", sessionID, ErrNotFound)
	}

	key, err := generateStreamKey()
	if err != nil {
		return models.StreamKey{}, err
	}

	rotated := models.StreamKey{
		Key:               key,
		SessionID:         sessionID,
		OwnerID:           previous.OwnerID,
		PermittedStatuses: append([]models.SessionStatus(nil), previous.PermittedStatuses...),
		CreatedAt:         s.now(),
	}

	delete(updatedData.StreamKeys, previous.Key)
	updatedData.StreamKeys[key] = rotated
	session.StreamKey = key
	session.UpdatedAt = s.now()
	updatedData.Sessions[sessionID] = session

	if err := s.persistDataset(updatedData); err != nil {
		return models.StreamKey{}, err
	}
	s.data = updatedData

	return rotated, nil
}

// Rendition profile operations

func (s *Storage) ListRenditionProfiles(_ context.Context) ([]models.RenditionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.RenditionProfile(nil), s.data.Profiles...), nil
}

func (s *Storage) ReplaceRenditionProfiles(_ context.Context, profiles []models.RenditionProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(profiles))
	normalized := make([]models.RenditionProfile, 0, len(profiles))
	for _, profile := range profiles {
		name := strings.TrimSpace(profile.Name)
		if name == "" {
			return errors.New("profile name is required")
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("duplicate profile name %q", name)
		}
		seen[name] = struct{}{}
		profile.Name = name
		normalized = append(normalized, profile)
	}

	updatedData := cloneDataset(s.data)
	updatedData.Profiles = normalized
	if err := s.persistDataset(updatedData); err != nil {
		return err
	}
	s.data = updatedData

	return nil
}

// Transcode job operations

func (s *Storage) CreateTranscodeJob(_ context.Context, params CreateTranscodeJobParams) (models.TranscodeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := strings.TrimSpace(params.SessionID)
	if _, ok := s.data.Sessions[sessionID]; !ok {
		return models.TranscodeJob{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	profileName := strings.TrimSpace(params.ProfileName)
	if profileName == "" {
		return models.TranscodeJob{}, errors.New("profile name is required")
	}

	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = generateID()
	}
	if _, exists := s.data.Jobs[id]; exists {
		return models.TranscodeJob{}, fmt.Errorf("job %s already exists", id)
	}

	now := s.now()
	job := models.TranscodeJob{
		ID:          id,
		SessionID:   sessionID,
		ProfileName: profileName,
		Status:      models.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	updatedData := cloneDataset(s.data)
	updatedData.Jobs[id] = job
	if err := s.persistDataset(updatedData); err != nil {
		return models.TranscodeJob{}, err
	}
	s.data = updatedData

	return job, nil
}

func (s *Storage) GetTranscodeJob(_ context.Context, id string) (models.TranscodeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.Jobs[id]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (s *Storage) UpdateTranscodeJob(_ context.Context, id string, update TranscodeJobUpdate) (models.TranscodeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	job, ok := updatedData.Jobs[id]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
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
		// Progress never moves backwards while the job is still running.
		if job.Status != models.JobStatusFailed && percent < job.ProgressPercent {
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
	job.UpdatedAt = s.now()

	updatedData.Jobs[id] = job
	if err := s.persistDataset(updatedData); err != nil {
		return models.TranscodeJob{}, err
	}
	s.data = updatedData

	return job, nil
}

func (s *Storage) ListTranscodeJobs(_ context.Context, sessionID string, statuses ...models.JobStatus) ([]models.TranscodeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	wanted := make(map[models.JobStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	jobs := make([]models.TranscodeJob, 0)
	for _, job := range s.data.Jobs {
		if job.SessionID != sessionID {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[job.Status]; !ok {
				continue
			}
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}
