package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"novacast-live/internal/models"
	"novacast-live/internal/notify"
	"novacast-live/internal/observability/metrics"
	"novacast-live/internal/storage"
)

var (
	// ErrRunInProgress is returned when a transcode run is requested for a
	// session that already has active jobs.
	ErrRunInProgress = errors.New("transcode run already in progress")
	// ErrNoProfilesConfigured is returned when the rendition ladder is empty.
	ErrNoProfilesConfigured = errors.New("no rendition profiles configured")
	// ErrNoCompletedRenditions is returned when a master playlist is requested
	// before any rendition for the session has completed.
	ErrNoCompletedRenditions = errors.New("no completed renditions for session")
)

// SchedulerConfig carries the collaborators a Scheduler needs. Repository,
// Runner, and OutputRoot are required; the rest default to inert values.
type SchedulerConfig struct {
	Repository storage.Repository
	Runner     Runner
	Queue      notify.Queue
	Logger     *slog.Logger
	Metrics    *metrics.Registry

	// OutputRoot is the directory under which per-session rendition output
	// and master playlists are written.
	OutputRoot string
	// PlaybackBaseURL, when set, is prepended to playlist paths to form the
	// playback URLs recorded on completed jobs.
	PlaybackBaseURL string

	SegmentSeconds int
	PlaylistLength int

	Clock func() time.Time
}

// Scheduler launches one encode per selected rendition profile, tracks the
// running processes, persists job progress, and assembles the adaptive master
// playlist as renditions complete.
type Scheduler struct {
	repo            storage.Repository
	runner          Runner
	queue           notify.Queue
	logger          *slog.Logger
	metrics         *metrics.Registry
	outputRoot      string
	playbackBaseURL string
	segmentSeconds  int
	playlistLength  int
	now             func() time.Time

	registry *registry
	master   singleflight.Group
	running  sync.WaitGroup

	runMu      sync.Mutex
	activeRuns map[string]int
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Repository == nil {
		return nil, errors.New("transcode: repository is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("transcode: runner is required")
	}
	if strings.TrimSpace(cfg.OutputRoot) == "" {
		return nil, errors.New("transcode: output root is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		repo:            cfg.Repository,
		runner:          cfg.Runner,
		queue:           cfg.Queue,
		logger:          logger,
		metrics:         cfg.Metrics,
		outputRoot:      cfg.OutputRoot,
		playbackBaseURL: strings.TrimRight(cfg.PlaybackBaseURL, "/"),
		segmentSeconds:  cfg.SegmentSeconds,
		playlistLength:  cfg.PlaylistLength,
		now:             now,
		registry:        newRegistry(),
		activeRuns:      make(map[string]int),
	}, nil
}

// beginRun reserves the session for a new run. The reservation is taken
// before any job rows exist so overlapping requests cannot both pass the
// guard.
func (s *Scheduler) beginRun(sessionID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.activeRuns[sessionID] > 0 {
		return false
	}
	s.activeRuns[sessionID] = 1
	return true
}

func (s *Scheduler) setRunSize(sessionID string, jobs int) {
	s.runMu.Lock()
	s.activeRuns[sessionID] = jobs
	s.runMu.Unlock()
}

func (s *Scheduler) releaseRunSlot(sessionID string) {
	s.runMu.Lock()
	if n := s.activeRuns[sessionID]; n <= 1 {
		delete(s.activeRuns, sessionID)
	} else {
		s.activeRuns[sessionID] = n - 1
	}
	s.runMu.Unlock()
}

// ActiveJobs reports the number of encode processes currently running.
func (s *Scheduler) ActiveJobs() int {
	return s.registry.count()
}

// StartRun creates one pending job per selected profile and launches the
// encodes concurrently. When defaultOnly is set only profiles marked as
// default are used, falling back to the full ladder if none are marked. A
// session with jobs still running rejects a second run.
func (s *Scheduler) StartRun(ctx context.Context, sessionID, sourceURL string, defaultOnly bool) ([]models.TranscodeJob, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !s.beginRun(sessionID) {
		return nil, ErrRunInProgress
	}
	input := strings.TrimSpace(sourceURL)
	if input == "" {
		input = session.SourceURL
	}
	if input == "" {
		s.releaseRunSlot(sessionID)
		return nil, errors.New("session has no source url")
	}

	ladder, err := s.repo.ListRenditionProfiles(ctx)
	if err != nil {
		s.releaseRunSlot(sessionID)
		return nil, fmt.Errorf("load rendition profiles: %w", err)
	}
	profiles := SelectProfiles(ladder, defaultOnly)
	if len(profiles) == 0 {
		s.releaseRunSlot(sessionID)
		return nil, ErrNoProfilesConfigured
	}

	jobs := make([]models.TranscodeJob, 0, len(profiles))
	for _, profile := range profiles {
		job, err := s.repo.CreateTranscodeJob(ctx, storage.CreateTranscodeJobParams{
			SessionID:   sessionID,
			ProfileName: profile.Name,
		})
		if err != nil {
			s.releaseRunSlot(sessionID)
			return nil, fmt.Errorf("create job for profile %s: %w", profile.Name, err)
		}
		jobs = append(jobs, job)
	}
	s.setRunSize(sessionID, len(jobs))

	for i, job := range jobs {
		s.running.Add(1)
		go s.runJob(job, profiles[i], input)
	}

	s.logger.Info("transcode run started",
		"session_id", sessionID,
		"jobs", len(jobs),
		"default_only", defaultOnly)
	return jobs, nil
}

// StopJob stops the running encode for the given job and removes it from the
// active set. It returns false when the job is unknown or already stopped;
// the failed transition is recorded asynchronously by the exiting encode.
func (s *Scheduler) StopJob(jobID string) bool {
	handle, ok := s.registry.remove(jobID)
	if !ok {
		return false
	}
	handle.Stop()
	s.metrics.SetActiveJobs(s.registry.count())
	return true
}

// StopAll stops every running encode and waits for the processes to exit and
// their job records to reach a terminal state, or for the context to expire.
func (s *Scheduler) StopAll(ctx context.Context) error {
	handles := s.registry.handles()
	group, gctx := errgroup.WithContext(ctx)
	for jobID, handle := range handles {
		handle.Stop()
		jobID, handle := jobID, handle
		group.Go(func() error {
			select {
			case <-handle.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("waiting for job %s: %w", jobID, gctx.Err())
			}
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	settled := make(chan struct{})
	go func() {
		s.running.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runJob(job models.TranscodeJob, profile models.RenditionProfile, input string) {
	defer s.running.Done()
	defer s.releaseRunSlot(job.SessionID)
	ctx := context.Background()
	logger := s.logger.With("job_id", job.ID, "session_id", job.SessionID, "profile", profile.Name)

	startedAt := s.now()
	if _, err := s.transitionJob(ctx, job.ID, storage.TranscodeJobUpdate{
		Status:    jobStatusPtr(models.JobStatusProcessing),
		StartedAt: &startedAt,
	}); err != nil {
		logger.Error("mark job processing", "error", err)
		return
	}

	outputDir := filepath.Join(s.outputRoot, job.SessionID, profile.Name)
	spec := EncodeSpec{
		JobID:          job.ID,
		Input:          input,
		OutputDir:      outputDir,
		Profile:        profile,
		SegmentSeconds: s.segmentSeconds,
		PlaylistLength: s.playlistLength,
	}

	handle, err := s.runner.Start(ctx, spec, s.progressRecorder(job.ID, logger))
	if err != nil {
		logger.Error("start encode", "error", err)
		s.failJob(ctx, job.ID, fmt.Sprintf("start encode: %v", err), logger)
		return
	}

	s.registry.register(job.ID, handle)
	s.metrics.SetActiveJobs(s.registry.count())

	<-handle.Done()
	s.registry.unregister(job.ID)
	s.metrics.SetActiveJobs(s.registry.count())

	if err := handle.Err(); err != nil {
		logger.Warn("encode failed", "error", err)
		s.failJob(ctx, job.ID, err.Error(), logger)
		return
	}

	playlistPath := filepath.Join(outputDir, renditionPlaylistName)
	completedAt := s.now()
	update := storage.TranscodeJobUpdate{
		Status:             jobStatusPtr(models.JobStatusCompleted),
		ProgressPercent:    intPtr(100),
		OutputPlaylistPath: &playlistPath,
		CompletedAt:        &completedAt,
	}
	if s.playbackBaseURL != "" {
		playback := fmt.Sprintf("%s/%s/%s/%s", s.playbackBaseURL, job.SessionID, profile.Name, renditionPlaylistName)
		update.PlaybackURL = &playback
	}
	if _, err := s.transitionJob(ctx, job.ID, update); err != nil {
		logger.Error("mark job completed", "error", err)
		return
	}
	logger.Info("encode completed", "playlist", playlistPath)

	if _, err := s.GenerateMasterPlaylist(ctx, job.SessionID); err != nil {
		if !errors.Is(err, ErrNoCompletedRenditions) {
			logger.Error("regenerate master playlist", "error", err)
		}
	}
}

// progressRecorder persists progress at each ten percent boundary and fans the
// update out. Unknown-duration encodes report -1 and are skipped.
func (s *Scheduler) progressRecorder(jobID string, logger *slog.Logger) func(percent int) {
	lastPersisted := -1
	return func(percent int) {
		if percent < 0 {
			return
		}
		if percent/10 <= lastPersisted/10 && lastPersisted >= 0 {
			return
		}
		lastPersisted = percent
		if _, err := s.transitionJob(context.Background(), jobID, storage.TranscodeJobUpdate{
			ProgressPercent: &percent,
		}); err != nil {
			logger.Warn("persist progress", "percent", percent, "error", err)
		}
	}
}

// failJob records the terminal failed state. A failed job keeps its error
// message and drops its progress.
func (s *Scheduler) failJob(ctx context.Context, jobID, message string, logger *slog.Logger) {
	if _, err := s.transitionJob(ctx, jobID, storage.TranscodeJobUpdate{
		Status:       jobStatusPtr(models.JobStatusFailed),
		ErrorMessage: &message,
	}); err != nil {
		logger.Error("mark job failed", "error", err)
	}
}

// transitionJob applies the update, records the transition metric, and fans
// the new job state out to subscribers. Notification failures are logged and
// never block the transition.
func (s *Scheduler) transitionJob(ctx context.Context, jobID string, update storage.TranscodeJobUpdate) (models.TranscodeJob, error) {
	job, err := s.repo.UpdateTranscodeJob(ctx, jobID, update)
	if err != nil {
		return models.TranscodeJob{}, err
	}
	if update.Status != nil {
		s.metrics.ObserveJobTransition(string(*update.Status))
	}
	if s.queue != nil {
		if err := s.queue.Publish(ctx, notify.NewJobUpdateEvent(job, s.now())); err != nil {
			s.metrics.ObserveNotifyError()
			s.logger.Warn("publish job update", "job_id", jobID, "error", err)
		}
	}
	return job, nil
}

// GenerateMasterPlaylist assembles the adaptive playlist from the session's
// completed renditions and writes it atomically under the session's output
// directory. Concurrent requests for the same session collapse into a single
// regeneration.
func (s *Scheduler) GenerateMasterPlaylist(ctx context.Context, sessionID string) (string, error) {
	path, err, _ := s.master.Do(sessionID, func() (interface{}, error) {
		return s.generateMasterPlaylist(ctx, sessionID)
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

func (s *Scheduler) generateMasterPlaylist(ctx context.Context, sessionID string) (string, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	jobs, err := s.repo.ListTranscodeJobs(ctx, sessionID, models.JobStatusCompleted)
	if err != nil {
		return "", fmt.Errorf("list completed jobs: %w", err)
	}
	if len(jobs) == 0 {
		return "", ErrNoCompletedRenditions
	}
	ladder, err := s.repo.ListRenditionProfiles(ctx)
	if err != nil {
		return "", fmt.Errorf("load rendition profiles: %w", err)
	}
	byName := make(map[string]models.RenditionProfile, len(ladder))
	for _, profile := range ladder {
		byName[profile.Name] = profile
	}

	// Later completions win when a session accumulates jobs for the same
	// profile across runs; ListTranscodeJobs orders by creation time.
	latest := make(map[string]variantEntry)
	order := make([]string, 0, len(jobs))
	for _, job := range jobs {
		profile, ok := byName[job.ProfileName]
		if !ok {
			s.logger.Warn("completed job references unknown profile",
				"job_id", job.ID, "profile", job.ProfileName)
			continue
		}
		if _, seen := latest[job.ProfileName]; !seen {
			order = append(order, job.ProfileName)
		}
		latest[job.ProfileName] = variantEntry{
			profile: profile,
			uri:     fmt.Sprintf("%s/%s", job.ProfileName, renditionPlaylistName),
		}
	}
	if len(latest) == 0 {
		return "", ErrNoCompletedRenditions
	}
	entries := make([]variantEntry, 0, len(latest))
	for _, name := range order {
		entries = append(entries, latest[name])
	}

	dir := filepath.Join(s.outputRoot, sessionID)
	path, err := writeMasterPlaylist(dir, buildMasterPlaylist(entries))
	if err != nil {
		return "", err
	}
	s.metrics.ObservePlaylistWritten()
	s.logger.Info("master playlist written", "session_id", sessionID, "path", path, "variants", len(entries))
	return path, nil
}

func jobStatusPtr(status models.JobStatus) *models.JobStatus {
	return &status
}

func intPtr(n int) *int {
	return &n
}
