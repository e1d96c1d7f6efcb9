package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"novacast-live/internal/ingest"
	"novacast-live/internal/models"
	"novacast-live/internal/notify"
	"novacast-live/internal/storage"
	"novacast-live/internal/transcode"
)

const (
	testHookToken     = "hook-secret"
	testOperatorToken = "operator-secret"
)

type fakeHandle struct {
	stopped  chan struct{}
	done     chan struct{}
	err      error
	mu       sync.Mutex
	stopOnce sync.Once
	doneOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{stopped: make(chan struct{}), done: make(chan struct{})}
}

func (h *fakeHandle) Stop() { h.stopOnce.Do(func() { close(h.stopped) }) }

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) finish(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

type fakeRunner struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (r *fakeRunner) Start(_ context.Context, _ transcode.EncodeSpec, _ func(percent int)) (transcode.Handle, error) {
	handle := newFakeHandle()
	r.mu.Lock()
	r.handles = append(r.handles, handle)
	r.mu.Unlock()
	return handle, nil
}

func (r *fakeRunner) finishAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, handle := range r.handles {
		handle.finish(err)
	}
}

func (r *fakeRunner) waitForHandles(t *testing.T, n int) []*fakeHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		count := len(r.handles)
		handles := append([]*fakeHandle(nil), r.handles...)
		r.mu.Unlock()
		if count >= n {
			return handles
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d encodes to start, saw %d", n, count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type handlerFixture struct {
	handler *Handler
	repo    storage.Repository
	runner  *fakeRunner
	session models.LiveSession
	key     models.StreamKey
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	ctx := context.Background()
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository returned error: %v", err)
	}
	session, key, err := repo.CreateSession(ctx, storage.CreateSessionParams{OwnerID: "owner-1", SourceURL: "rtmp://origin/live/source"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	if err := repo.ReplaceRenditionProfiles(ctx, transcode.DefaultLadder()); err != nil {
		t.Fatalf("ReplaceRenditionProfiles returned error: %v", err)
	}
	runner := &fakeRunner{}
	scheduler, err := transcode.NewScheduler(transcode.SchedulerConfig{
		Repository: repo,
		Runner:     runner,
		Queue:      notify.NewMemoryQueue(16),
		OutputRoot: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewScheduler returned error: %v", err)
	}
	gatekeeper := ingest.NewGatekeeper(ingest.GatekeeperConfig{
		Repository: repo,
		Queue:      notify.NewMemoryQueue(16),
	})
	handler := NewHandler(repo, gatekeeper, scheduler)
	handler.HookToken = testHookToken
	handler.OperatorToken = testOperatorToken
	// Jobs settle before the temp dirs are removed.
	t.Cleanup(func() {
		runner.finishAll(errors.New("signal: killed"))
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := scheduler.StopAll(stopCtx); err != nil {
			t.Errorf("StopAll returned error: %v", err)
		}
	})
	return &handlerFixture{handler: handler, repo: repo, runner: runner, session: session, key: key}
}

func postHook(t *testing.T, handlerFunc http.HandlerFunc, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/hooks/publish", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handlerFunc(recorder, req)
	return recorder
}

func TestPublishHookAcceptsRegisteredKey(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := postHook(t, fixture.handler.PublishHook, testHookToken,
		`{"connectionId":"conn-1","path":"/live/`+fixture.key.Key+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestPublishHookRejectsUnknownKey(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := postHook(t, fixture.handler.PublishHook, testHookToken,
		`{"connectionId":"conn-1","path":"/live/nope"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestPublishHookRequiresToken(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := postHook(t, fixture.handler.PublishHook, "",
		`{"connectionId":"conn-1","path":"/live/`+fixture.key.Key+`"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	recorder = postHook(t, fixture.handler.PublishHook, "wrong-token",
		`{"connectionId":"conn-1","path":"/live/`+fixture.key.Key+`"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", recorder.Code)
	}
}

func TestPublishHookRequiresPath(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := postHook(t, fixture.handler.PublishHook, testHookToken, `{"connectionId":"conn-1"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestPublishDoneHookMarksSessionLive(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := postHook(t, fixture.handler.PublishDoneHook, testHookToken,
		`{"connectionId":"conn-1","path":"/live/`+fixture.key.Key+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	session, err := fixture.repo.GetSession(context.Background(), fixture.session.ID)
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if session.Status != models.SessionStatusLive {
		t.Fatalf("expected live session, got %s", session.Status)
	}
}

func TestUnpublishHookMarksSessionEnded(t *testing.T) {
	fixture := newHandlerFixture(t)
	ctx := context.Background()

	if _, err := fixture.repo.MarkSessionLive(ctx, fixture.session.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkSessionLive returned error: %v", err)
	}

	recorder := postHook(t, fixture.handler.UnpublishHook, testHookToken,
		`{"connectionId":"conn-1","path":"/live/`+fixture.key.Key+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	session, err := fixture.repo.GetSession(ctx, fixture.session.ID)
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if session.Status != models.SessionStatusEnded {
		t.Fatalf("expected ended session, got %s", session.Status)
	}
}
