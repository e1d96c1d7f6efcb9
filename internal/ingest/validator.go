package ingest

import (
	"context"
	"log/slog"
	"strings"

	"novacast-live/internal/storage"
)

// KeyValidator looks stream keys up in the repository.
type KeyValidator struct {
	repo   storage.Repository
	logger *slog.Logger
}

func NewKeyValidator(repo storage.Repository, logger *slog.Logger) *KeyValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyValidator{repo: repo, logger: logger}
}

func (v *KeyValidator) Validate(ctx context.Context, key string) (SessionAuthorization, bool) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return SessionAuthorization{}, false
	}
	streamKey, err := v.repo.GetStreamKey(ctx, trimmed)
	if err != nil {
		// Unknown keys surface as ErrNotFound; anything else is a
		// storage fault worth logging, but the publish is still denied.
		if !storage.IsNotFound(err) {
			v.logger.Error("stream key lookup failed", "error", err)
		}
		return SessionAuthorization{}, false
	}
	session, err := v.repo.GetSession(ctx, streamKey.SessionID)
	if err != nil {
		v.logger.Error("session lookup failed", "session_id", streamKey.SessionID, "error", err)
		return SessionAuthorization{}, false
	}
	if !streamKey.Permits(session.Status) {
		v.logger.Warn("stream key does not permit session status",
			"session_id", session.ID, "status", session.Status)
		return SessionAuthorization{}, false
	}
	return SessionAuthorization{
		SessionID: session.ID,
		OwnerID:   streamKey.OwnerID,
		Status:    session.Status,
	}, true
}
