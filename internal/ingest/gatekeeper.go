package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"novacast-live/internal/models"
	"novacast-live/internal/notify"
	"novacast-live/internal/observability/metrics"
	"novacast-live/internal/storage"
)

// ErrPublishRejected is returned when a publish attempt carries an empty or
// unknown stream key. The transport maps it to a refusal.
var ErrPublishRejected = errors.New("publish rejected")

// GatekeeperConfig wires the gatekeeper's collaborators.
type GatekeeperConfig struct {
	Repository storage.Repository
	Validator  Validator
	Queue      notify.Queue
	Logger     *slog.Logger
	Metrics    *metrics.Registry
	// Scheduler, when set, starts a transcode run as soon as a session
	// goes live.
	Scheduler        RunStarter
	AutoStartDefault bool
	Clock            func() time.Time
}

// Gatekeeper implements the publish lifecycle invoked by the media server's
// webhooks.
type Gatekeeper struct {
	repo             storage.Repository
	validator        Validator
	queue            notify.Queue
	logger           *slog.Logger
	metrics          *metrics.Registry
	scheduler        RunStarter
	autoStartDefault bool
	now              func() time.Time
}

func NewGatekeeper(cfg GatekeeperConfig) *Gatekeeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = NewKeyValidator(cfg.Repository, logger)
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Gatekeeper{
		repo:             cfg.Repository,
		validator:        validator,
		queue:            cfg.Queue,
		logger:           logger,
		metrics:          cfg.Metrics,
		scheduler:        cfg.Scheduler,
		autoStartDefault: cfg.AutoStartDefault,
		now:              now,
	}
}

// OnPrePublish authorizes a publish attempt. The stream key is the final
// segment of the publish path; an empty or unknown key rejects the attempt
// without touching any session state.
func (g *Gatekeeper) OnPrePublish(ctx context.Context, path string) error {
	key := models.StreamKeyFromPath(path)
	if key == "" {
		g.metrics.ObservePublishAttempt("rejected")
		g.logger.Warn("publish rejected: empty stream key", "path", path)
		return fmt.Errorf("%w: empty stream key", ErrPublishRejected)
	}
	auth, ok := g.validator.Validate(ctx, key)
	if !ok {
		g.metrics.ObservePublishAttempt("rejected")
		g.logger.Warn("publish rejected: unknown stream key", "path", path)
		return fmt.Errorf("%w: unknown stream key", ErrPublishRejected)
	}
	g.metrics.ObservePublishAttempt("accepted")
	g.logger.Info("publish authorized", "session_id", auth.SessionID, "owner_id", auth.OwnerID)
	return nil
}

// OnPublishStarted marks the session live once the media server confirms the
// publish. Re-validation failure is logged and the event dropped; the
// connection was already admitted and is not torn down here. Storage and
// fan-out failures are logged and swallowed.
func (g *Gatekeeper) OnPublishStarted(ctx context.Context, path string) {
	key := models.StreamKeyFromPath(path)
	auth, ok := g.validator.Validate(ctx, key)
	if !ok {
		g.logger.Warn("publish started for unknown stream key", "path", path)
		return
	}

	session, err := g.repo.MarkSessionLive(ctx, auth.SessionID, g.now())
	if err != nil {
		g.logger.Error("mark session live failed", "session_id", auth.SessionID, "error", err)
		return
	}
	g.metrics.ObserveStreamStatus(string(models.SessionStatusLive))
	g.logger.Info("session live", "session_id", session.ID)

	g.publishStatus(ctx, session.ID, models.SessionStatusLive, key)

	if g.scheduler != nil {
		if _, err := g.scheduler.StartRun(ctx, session.ID, session.SourceURL, g.autoStartDefault); err != nil {
			g.logger.Error("auto-start transcode failed", "session_id", session.ID, "error", err)
		}
	}
}

// OnPublishEnded marks the session ended when the publisher disconnects.
func (g *Gatekeeper) OnPublishEnded(ctx context.Context, path string) {
	key := models.StreamKeyFromPath(path)
	auth, ok := g.validator.Validate(ctx, key)
	if !ok {
		g.logger.Warn("publish ended for unknown stream key", "path", path)
		return
	}

	session, err := g.repo.MarkSessionEnded(ctx, auth.SessionID, g.now())
	if err != nil {
		g.logger.Error("mark session ended failed", "session_id", auth.SessionID, "error", err)
		return
	}
	g.metrics.ObserveStreamStatus(string(models.SessionStatusEnded))
	g.logger.Info("session ended", "session_id", session.ID)

	g.publishStatus(ctx, session.ID, models.SessionStatusEnded, key)
}

func (g *Gatekeeper) publishStatus(ctx context.Context, sessionID string, status models.SessionStatus, streamKey string) {
	if g.queue == nil {
		return
	}
	event := notify.NewStreamStatusEvent(sessionID, status, streamKey, g.now())
	if err := g.queue.Publish(ctx, event); err != nil {
		g.metrics.ObserveNotifyError()
		g.logger.Error("status fan-out failed", "session_id", sessionID, "status", status, "error", err)
	}
}
