package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"novacast-live/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	return store
}

func TestCreateSessionProvisionsStreamKey(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	session, key, err := store.CreateSession(ctx, CreateSessionParams{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if session.Status != models.SessionStatusDraft {
		t.Fatalf("expected draft session, got %s", session.Status)
	}
	if key.SessionID != session.ID {
		t.Fatalf("stream key bound to %s, want %s", key.SessionID, session.ID)
	}
	if key.Key != session.StreamKey {
		t.Fatalf("session stream key %s does not match credential %s", session.StreamKey, key.Key)
	}
	if len(key.PermittedStatuses) != 2 ||
		key.PermittedStatuses[0] != models.SessionStatusDraft ||
		key.PermittedStatuses[1] != models.SessionStatusLive {
		t.Fatalf("unexpected permitted statuses: %v", key.PermittedStatuses)
	}

	fetched, err := store.GetStreamKey(ctx, key.Key)
	if err != nil {
		t.Fatalf("GetStreamKey returned error: %v", err)
	}
	if fetched.OwnerID != "owner-1" {
		t.Fatalf("unexpected owner %s", fetched.OwnerID)
	}
}

func TestSessionLifecycleTransitions(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	session, _, err := store.CreateSession(ctx, CreateSessionParams{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	if _, err := store.MarkSessionEnded(ctx, session.ID, time.Now()); !errors.Is(err, ErrSessionNotLive) {
		t.Fatalf("expected ErrSessionNotLive for draft session, got %v", err)
	}

	startedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	live, err := store.MarkSessionLive(ctx, session.ID, startedAt)
	if err != nil {
		t.Fatalf("MarkSessionLive returned error: %v", err)
	}
	if live.Status != models.SessionStatusLive {
		t.Fatalf("expected live status, got %s", live.Status)
	}
	if live.StartedAt == nil || !live.StartedAt.Equal(startedAt) {
		t.Fatalf("unexpected startedAt %v", live.StartedAt)
	}

	if _, err := store.MarkSessionLive(ctx, session.ID, time.Now()); !errors.Is(err, ErrSessionNotDraft) {
		t.Fatalf("expected ErrSessionNotDraft for live session, got %v", err)
	}

	ended, err := store.MarkSessionEnded(ctx, session.ID, startedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkSessionEnded returned error: %v", err)
	}
	if ended.Status != models.SessionStatusEnded || ended.EndedAt == nil {
		t.Fatalf("unexpected ended session: %+v", ended)
	}

	reset, err := store.ResetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("ResetSession returned error: %v", err)
	}
	if reset.Status != models.SessionStatusDraft || reset.StartedAt != nil || reset.EndedAt != nil {
		t.Fatalf("reset did not clear lifecycle fields: %+v", reset)
	}

	if _, err := store.ResetSession(ctx, session.ID); !errors.Is(err, ErrSessionNotEnded) {
		t.Fatalf("expected ErrSessionNotEnded for draft session, got %v", err)
	}
}

func TestRotateStreamKeyInvalidatesPrevious(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	session, original, err := store.CreateSession(ctx, CreateSessionParams{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	rotated, err := store.RotateStreamKey(ctx, session.ID)
	if err != nil {
		t.Fatalf("RotateStreamKey returned error: %v", err)
	}
	if rotated.Key == original.Key {
		t.Fatal("rotation returned the same key")
	}
	if rotated.OwnerID != original.OwnerID {
		t.Fatalf("rotation changed owner: %s", rotated.OwnerID)
	}

	if _, err := store.GetStreamKey(ctx, original.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old key to be gone, got %v", err)
	}
	updated, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if updated.StreamKey != rotated.Key {
		t.Fatalf("session stream key %s, want %s", updated.StreamKey, rotated.Key)
	}
}

func TestTranscodeJobTransitions(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	session, _, err := store.CreateSession(ctx, CreateSessionParams{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	job, err := store.CreateTranscodeJob(ctx, CreateTranscodeJobParams{SessionID: session.ID, ProfileName: "720p"})
	if err != nil {
		t.Fatalf("CreateTranscodeJob returned error: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Fatalf("expected pending job, got %s", job.Status)
	}

	completed := models.JobStatusCompleted
	if _, err := store.UpdateTranscodeJob(ctx, job.ID, TranscodeJobUpdate{Status: &completed}); err == nil {
		t.Fatal("expected pending -> completed to be rejected")
	}

	processing := models.JobStatusProcessing
	started := time.Now()
	if _, err := store.UpdateTranscodeJob(ctx, job.ID, TranscodeJobUpdate{Status: &processing, StartedAt: &started}); err != nil {
		t.Fatalf("pending -> processing returned error: %v", err)
	}

	fifty := 50
	updated, err := store.UpdateTranscodeJob(ctx, job.ID, TranscodeJobUpdate{ProgressPercent: &fifty})
	if err != nil {
		t.Fatalf("progress update returned error: %v", err)
	}
	if updated.ProgressPercent != 50 {
		t.Fatalf("expected 50%%, got %d", updated.ProgressPercent)
	}

	// Stale progress reports are ignored rather than rewinding the job.
	thirty := 30
	updated, err = store.UpdateTranscodeJob(ctx, job.ID, TranscodeJobUpdate{ProgressPercent: &thirty})
	if err != nil {
		t.Fatalf("stale progress update returned error: %v", err)
	}
	if updated.ProgressPercent != 50 {
		t.Fatalf("progress moved backwards to %d", updated.ProgressPercent)
	}

	finished := time.Now()
	updated, err = store.UpdateTranscodeJob(ctx, job.ID, TranscodeJobUpdate{Status: &completed, CompletedAt: &finished})
	if err != nil {
		t.Fatalf("processing -> completed returned error: %v", err)
	}
	if updated.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}

	if _, err := store.UpdateTranscodeJob(ctx, job.ID, TranscodeJobUpdate{ProgressPercent: &fifty}); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
}

func TestFailedJobResetsProgress(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	session, _, err := store.CreateSession(ctx, CreateSessionParams{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	job, err := store.CreateTranscodeJob(ctx, CreateTranscodeJobParams{SessionID: session.ID, ProfileName: "480p"})
	if err != nil {
		t.Fatalf("CreateTranscodeJob returned error: %v", err)
	}

	processing := models.JobStatusProcessing
	if _, err := store.UpdateTranscodeJob(ctx, job.ID, TranscodeJobUpdate{Status: &processing}); err != nil {
		t.Fatalf("pending -> processing returned error: %v", err)
	}
	eighty := 80
	if _, err := store.UpdateTranscodeJob(ctx, job.ID, TranscodeJobUpdate{ProgressPercent: &eighty}); err != nil {
		t.Fatalf("progress update returned error: %v", err)
	}

	failed := models.JobStatusFailed
	message := "encoder exited with status 1"
	updated, err := store.UpdateTranscodeJob(ctx, job.ID, TranscodeJobUpdate{Status: &failed, ErrorMessage: &message})
	if err != nil {
		t.Fatalf("processing -> failed returned error: %v", err)
	}
	if updated.ProgressPercent != 0 {
		t.Fatalf("failed job kept progress %d", updated.ProgressPercent)
	}
	if updated.ErrorMessage != message {
		t.Fatalf("unexpected error message %q", updated.ErrorMessage)
	}
}

func TestListTranscodeJobsFiltersByStatus(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	session, _, err := store.CreateSession(ctx, CreateSessionParams{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	profiles := []string{"1080p", "720p", "480p"}
	ids := make([]string, 0, len(profiles))
	for _, profile := range profiles {
		job, err := store.CreateTranscodeJob(ctx, CreateTranscodeJobParams{SessionID: session.ID, ProfileName: profile})
		if err != nil {
			t.Fatalf("CreateTranscodeJob(%s) returned error: %v", profile, err)
		}
		ids = append(ids, job.ID)
	}

	processing := models.JobStatusProcessing
	completed := models.JobStatusCompleted
	if _, err := store.UpdateTranscodeJob(ctx, ids[0], TranscodeJobUpdate{Status: &processing}); err != nil {
		t.Fatalf("update returned error: %v", err)
	}
	if _, err := store.UpdateTranscodeJob(ctx, ids[0], TranscodeJobUpdate{Status: &completed}); err != nil {
		t.Fatalf("update returned error: %v", err)
	}

	all, err := store.ListTranscodeJobs(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListTranscodeJobs returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}

	done, err := store.ListTranscodeJobs(ctx, session.ID, models.JobStatusCompleted)
	if err != nil {
		t.Fatalf("ListTranscodeJobs returned error: %v", err)
	}
	if len(done) != 1 || done[0].ID != ids[0] {
		t.Fatalf("unexpected completed jobs: %+v", done)
	}

	if _, err := store.ListTranscodeJobs(ctx, "missing", models.JobStatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestReplaceRenditionProfilesRejectsDuplicates(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	err := store.ReplaceRenditionProfiles(ctx, []models.RenditionProfile{
		{Name: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 1400},
	})
	if err == nil {
		t.Fatal("expected duplicate profile names to be rejected")
	}

	ladder := []models.RenditionProfile{
		{Name: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 192},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800, AudioBitrateKbps: 128},
	}
	if err := store.ReplaceRenditionProfiles(ctx, ladder); err != nil {
		t.Fatalf("ReplaceRenditionProfiles returned error: %v", err)
	}
	stored, err := store.ListRenditionProfiles(ctx)
	if err != nil {
		t.Fatalf("ListRenditionProfiles returned error: %v", err)
	}
	if len(stored) != 2 || stored[0].Name != "1080p" || stored[1].Name != "720p" {
		t.Fatalf("unexpected ladder: %+v", stored)
	}
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	session, _, err := store.CreateSession(ctx, CreateSessionParams{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	if _, err := store.MarkSessionLive(ctx, session.ID, time.Now()); err == nil {
		t.Fatal("expected persist failure to surface")
	}
	store.persistOverride = nil

	current, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if current.Status != models.SessionStatusDraft {
		t.Fatalf("failed persist mutated state to %s", current.Status)
	}
}

func TestStorageReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	session, key, err := store.CreateSession(ctx, CreateSessionParams{OwnerID: "owner-1"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	loaded, err := reopened.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession after reload returned error: %v", err)
	}
	if loaded.StreamKey != key.Key {
		t.Fatalf("reloaded session lost stream key: %+v", loaded)
	}
}
