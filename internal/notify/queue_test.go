package notify

import (
	"context"
	"testing"
	"time"

	"novacast-live/internal/models"
)

func TestMemoryQueueFanOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	first := queue.Subscribe()
	defer first.Close()
	second := queue.Subscribe()
	defer second.Close()

	event := NewStreamStatusEvent("session-1", models.SessionStatusLive, "abc123", time.Now())
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	for name, sub := range map[string]Subscription{"first": first, "second": second} {
		select {
		case got := <-sub.Events():
			if got.Type != EventTypeStreamStatus {
				t.Fatalf("%s subscriber got type %s", name, got.Type)
			}
			if got.SessionID != "session-1" {
				t.Fatalf("%s subscriber got payload %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber did not receive event", name)
		}
	}
}

func TestMemoryQueueRejectsEmptyType(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), Event{}); err == nil {
		t.Fatal("expected empty event type to be rejected")
	}
}

func TestMemoryQueueDropsWhenSubscriberFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	defer sub.Close()

	ctx := context.Background()
	event := NewStreamStatusEvent("session-1", models.SessionStatusLive, "abc123", time.Now())
	if err := queue.Publish(ctx, event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	// The buffer is full now; a second publish must not block.
	done := make(chan error, 1)
	go func() {
		done <- queue.Publish(ctx, event)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	queue := NewMemoryQueue(4)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	if err := queue.Publish(context.Background(), NewStreamStatusEvent("session-1", models.SessionStatusEnded, "abc123", time.Now())); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("closed subscription delivered an event")
	}
}
