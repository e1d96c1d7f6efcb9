// Command issue-stream-key mints a stream key and its draft session directly
// against the datastore, for operators provisioning publishers without the
// HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"novacast-live/internal/models"
	"novacast-live/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		ownerID     string
		sourceURL   string
		statuses    string
		rotate      string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (novacast.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&ownerID, "owner", "", "Identifier of the publisher who owns the key")
	flag.StringVar(&sourceURL, "source-url", "", "Default ingest source URL recorded on the session")
	flag.StringVar(&statuses, "permit", "", "Comma separated session statuses the key may publish into (default: draft)")
	flag.StringVar(&rotate, "rotate", "", "Rotate the key for an existing session instead of minting a new one")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if rotate == "" && strings.TrimSpace(ownerID) == "" {
		fatalf("--owner is required when minting a new key")
	}

	permitted, err := parseStatuses(statuses)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	if rotate != "" {
		key, err := repo.RotateStreamKey(ctx, strings.TrimSpace(rotate))
		if err != nil {
			fatalf("rotate stream key: %v", err)
		}
		fmt.Printf("Session %s rotated.\n", key.SessionID)
		fmt.Printf("Stream key: %s\n", key.Key)
		return
	}

	session, key, err := repo.CreateSession(ctx, storage.CreateSessionParams{
		OwnerID:           strings.TrimSpace(ownerID),
		SourceURL:         strings.TrimSpace(sourceURL),
		PermittedStatuses: permitted,
	})
	if err != nil {
		fatalf("create session: %v", err)
	}

	fmt.Printf("Session %s created in status %s.\n", session.ID, session.Status)
	fmt.Printf("Stream key: %s\n", key.Key)
	fmt.Println("Store this key securely; it is required to authorize ingest.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func parseStatuses(raw string) ([]models.SessionStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]models.SessionStatus, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		status := models.SessionStatus(trimmed)
		switch status {
		case models.SessionStatusDraft, models.SessionStatusLive, models.SessionStatusEnded:
			out = append(out, status)
		default:
			return nil, fmt.Errorf("unknown session status %q", trimmed)
		}
	}
	return out, nil
}

func openRepository(ctx context.Context, jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(ctx, postgresDSN)
}

func closeRepository(repo storage.Repository) {
	type closer interface {
		Close(context.Context) error
	}
	if c, ok := repo.(closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}
