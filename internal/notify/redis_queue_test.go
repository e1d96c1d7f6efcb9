package notify

import (
	"context"
	"testing"
	"time"

	"novacast-live/internal/models"
	"novacast-live/internal/testsupport/redisstub"
)

func TestRedisQueueDeliversPublishedEvents(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Stream:       "test-stream",
		Group:        "test-group",
		BlockTimeout: 50 * time.Millisecond,
		Buffer:       4,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	sub := queue.Subscribe()
	t.Cleanup(func() {
		sub.Close()
	})

	event := NewStreamStatusEvent("sess-1", models.SessionStatusLive, "", time.Now().UTC())
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Type != EventTypeStreamStatus {
			t.Fatalf("unexpected event type %q", got.Type)
		}
		if got.SessionID != "sess-1" {
			t.Fatalf("unexpected event payload: %+v", got)
		}
		if got.Status != models.SessionStatusLive {
			t.Fatalf("unexpected status %q", got.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestRedisQueueRequeuesOnCancellation(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-stream",
		Group:        "test-group",
		BlockTimeout: 50 * time.Millisecond,
		Buffer:       1,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	sub := queue.Subscribe()

	job1 := models.TranscodeJob{ID: "job-1", SessionID: "sess-1", ProfileName: "720p", Status: models.JobStatusProcessing, ProgressPercent: 10}
	job2 := models.TranscodeJob{ID: "job-2", SessionID: "sess-1", ProfileName: "480p", Status: models.JobStatusProcessing, ProgressPercent: 20}

	if err := queue.Publish(context.Background(), NewJobUpdateEvent(job1, time.Now().UTC())); err != nil {
		t.Fatalf("publish first event: %v", err)
	}
	if err := queue.Publish(context.Background(), NewJobUpdateEvent(job2, time.Now().UTC())); err != nil {
		t.Fatalf("publish second event: %v", err)
	}

	// Give the reader time to fill the single-slot buffer and stall on the
	// second event.
	time.Sleep(150 * time.Millisecond)

	sub.Close()

	var drained []Event
	for evt := range sub.Events() {
		drained = append(drained, evt)
	}
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained event, got %d", len(drained))
	}
	if drained[0].JobID != "job-1" {
		t.Fatalf("unexpected drained event: %+v", drained[0])
	}

	replacement := queue.Subscribe()
	t.Cleanup(func() {
		replacement.Close()
	})

	select {
	case got := <-replacement.Events():
		if got.JobID != "job-2" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for requeued event")
	}
}
