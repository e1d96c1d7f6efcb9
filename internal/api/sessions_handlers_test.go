package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"novacast-live/internal/models"
	"novacast-live/internal/storage"
)

func operatorRequest(method, target, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+testOperatorToken)
	return req
}

func TestStreamKeysMintsDraftSession(t *testing.T) {
	fixture := newHandlerFixture(t)

	req := operatorRequest(http.MethodPost, "/v1/stream-keys",
		`{"ownerId":"owner-2","sourceUrl":"rtmp://origin/live/two"}`)
	recorder := httptest.NewRecorder()
	fixture.handler.StreamKeys(recorder, req)

	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response streamKeyResponse
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Session.Status != models.SessionStatusDraft {
		t.Fatalf("expected draft session, got %s", response.Session.Status)
	}
	if response.Key.Key == "" || response.Key.SessionID != response.Session.ID {
		t.Fatalf("expected key bound to session, got %+v", response.Key)
	}
}

func TestStreamKeysRequiresOperatorToken(t *testing.T) {
	fixture := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/stream-keys", strings.NewReader(`{"ownerId":"o"}`))
	recorder := httptest.NewRecorder()
	fixture.handler.StreamKeys(recorder, req)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestStreamKeysRejectsMissingOwner(t *testing.T) {
	fixture := newHandlerFixture(t)

	req := operatorRequest(http.MethodPost, "/v1/stream-keys", `{"sourceUrl":"rtmp://origin/live"}`)
	recorder := httptest.NewRecorder()
	fixture.handler.StreamKeys(recorder, req)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestStreamKeyRotation(t *testing.T) {
	fixture := newHandlerFixture(t)

	req := operatorRequest(http.MethodPost, "/v1/stream-keys/"+fixture.session.ID+"/rotate", "")
	recorder := httptest.NewRecorder()
	fixture.handler.StreamKeyOperations(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var rotated models.StreamKey
	if err := json.NewDecoder(recorder.Body).Decode(&rotated); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rotated.Key == fixture.key.Key {
		t.Fatal("expected a new key after rotation")
	}

	if _, err := fixture.repo.GetStreamKey(context.Background(), fixture.key.Key); !storage.IsNotFound(err) {
		t.Fatalf("expected old key to be invalidated, got %v", err)
	}
}

func TestStartTranscodeCreatesJobs(t *testing.T) {
	fixture := newHandlerFixture(t)

	req := operatorRequest(http.MethodPost, "/v1/sessions/"+fixture.session.ID+"/transcode",
		`{"defaultOnly":true}`)
	recorder := httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, req)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var jobs []models.TranscodeJob
	if err := json.NewDecoder(recorder.Body).Decode(&jobs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 default jobs, got %d", len(jobs))
	}

	fixture.runner.waitForHandles(t, 2)
	fixture.runner.finishAll(nil)
}

func TestStartTranscodeConflictsWhileRunning(t *testing.T) {
	fixture := newHandlerFixture(t)
	target := "/v1/sessions/" + fixture.session.ID + "/transcode"

	recorder := httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, operatorRequest(http.MethodPost, target, `{"defaultOnly":true}`))
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, operatorRequest(http.MethodPost, target, `{"defaultOnly":true}`))
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d", recorder.Code)
	}

	fixture.runner.waitForHandles(t, 2)
	fixture.runner.finishAll(nil)
}

func TestStartTranscodeUnknownSession(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, operatorRequest(http.MethodPost, "/v1/sessions/missing/transcode", ""))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	fixture := newHandlerFixture(t)
	ctx := context.Background()

	job, err := fixture.repo.CreateTranscodeJob(ctx, storage.CreateTranscodeJobParams{SessionID: fixture.session.ID, ProfileName: "720p"})
	if err != nil {
		t.Fatalf("CreateTranscodeJob returned error: %v", err)
	}
	failed := models.JobStatusFailed
	message := "encoder crashed"
	if _, err := fixture.repo.UpdateTranscodeJob(ctx, job.ID, storage.TranscodeJobUpdate{Status: &failed, ErrorMessage: &message}); err != nil {
		t.Fatalf("UpdateTranscodeJob returned error: %v", err)
	}
	if _, err := fixture.repo.CreateTranscodeJob(ctx, storage.CreateTranscodeJobParams{SessionID: fixture.session.ID, ProfileName: "480p"}); err != nil {
		t.Fatalf("CreateTranscodeJob returned error: %v", err)
	}

	recorder := httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, operatorRequest(http.MethodGet,
		"/v1/sessions/"+fixture.session.ID+"/jobs?status=failed", ""))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var jobs []models.TranscodeJob
	if err := json.NewDecoder(recorder.Body).Decode(&jobs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != models.JobStatusFailed {
		t.Fatalf("expected only the failed job, got %+v", jobs)
	}

	recorder = httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, operatorRequest(http.MethodGet,
		"/v1/sessions/"+fixture.session.ID+"/jobs?status=bogus", ""))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", recorder.Code)
	}
}

func TestRegeneratePlaylistRequiresCompletedJobs(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, operatorRequest(http.MethodPost,
		"/v1/sessions/"+fixture.session.ID+"/playlist", ""))
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestResetSession(t *testing.T) {
	fixture := newHandlerFixture(t)
	ctx := context.Background()
	target := "/v1/sessions/" + fixture.session.ID + "/reset"

	recorder := httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, operatorRequest(http.MethodPost, target, ""))
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for draft session, got %d", recorder.Code)
	}

	now := time.Now().UTC()
	if _, err := fixture.repo.MarkSessionLive(ctx, fixture.session.ID, now); err != nil {
		t.Fatalf("MarkSessionLive returned error: %v", err)
	}
	if _, err := fixture.repo.MarkSessionEnded(ctx, fixture.session.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkSessionEnded returned error: %v", err)
	}

	recorder = httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, operatorRequest(http.MethodPost, target, ""))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var session models.LiveSession
	if err := json.NewDecoder(recorder.Body).Decode(&session); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if session.Status != models.SessionStatusDraft {
		t.Fatalf("expected draft session after reset, got %s", session.Status)
	}
}

func TestDeleteJobStopsRunningEncode(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := httptest.NewRecorder()
	fixture.handler.SessionOperations(recorder, operatorRequest(http.MethodPost,
		"/v1/sessions/"+fixture.session.ID+"/transcode", `{"defaultOnly":true}`))
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	var jobs []models.TranscodeJob
	if err := json.NewDecoder(recorder.Body).Decode(&jobs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	fixture.runner.waitForHandles(t, len(jobs))
	waitForRegistered(t, fixture, len(jobs))

	recorder = httptest.NewRecorder()
	fixture.handler.JobOperations(recorder, operatorRequest(http.MethodDelete, "/v1/jobs/"+jobs[0].ID, ""))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}

	fixture.runner.finishAll(errors.New("signal: killed"))
}

func waitForRegistered(t *testing.T, fixture *handlerFixture, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for fixture.handler.Scheduler.ActiveJobs() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d registered encodes, saw %d", want, fixture.handler.Scheduler.ActiveJobs())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeleteJobUnknownReturnsNotFound(t *testing.T) {
	fixture := newHandlerFixture(t)

	recorder := httptest.NewRecorder()
	fixture.handler.JobOperations(recorder, operatorRequest(http.MethodDelete, "/v1/jobs/missing", ""))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}
