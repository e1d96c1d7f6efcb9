// Command server starts the NovaCast Live ingest and transcoding service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"novacast-live/internal/api"
	"novacast-live/internal/ingest"
	"novacast-live/internal/notify"
	"novacast-live/internal/observability/logging"
	"novacast-live/internal/observability/metrics"
	"novacast-live/internal/server"
	"novacast-live/internal/storage"
	"novacast-live/internal/transcode"
)

func main() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	flags := parseFlags()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(flags.logLevel, os.Getenv("NOVACAST_LOG_LEVEL")),
		Format: firstNonEmpty(flags.logFormat, os.Getenv("NOVACAST_LOG_FORMAT")),
	})
	registry := metrics.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeCloser, err := openStore(ctx, flags, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	if err := seedRenditionLadder(ctx, store, flags.ladderFile, logger); err != nil {
		logger.Error("failed to load rendition ladder", "error", err)
		os.Exit(1)
	}

	queue, err := configureNotifyQueue(flags, logger)
	if err != nil {
		logger.Error("failed to configure notification queue", "error", err)
		os.Exit(1)
	}

	gateway := notify.NewGateway(queue, logging.WithComponent(logger, "notify"))
	go gateway.Run(ctx)

	scheduler, err := transcode.NewScheduler(transcode.SchedulerConfig{
		Repository: store,
		Runner: &transcode.FFmpegRunner{
			Binary: firstNonEmpty(flags.ffmpegBinary, os.Getenv("NOVACAST_FFMPEG_BINARY")),
			Logger: logging.WithComponent(logger, "ffmpeg"),
		},
		Queue:           queue,
		Logger:          logging.WithComponent(logger, "transcode"),
		Metrics:         registry,
		OutputRoot:      resolveOutputRoot(flags.outputRoot),
		PlaybackBaseURL: firstNonEmpty(flags.playbackBaseURL, os.Getenv("NOVACAST_PLAYBACK_BASE_URL")),
		SegmentSeconds:  resolveInt(flags.segmentSeconds, "NOVACAST_HLS_SEGMENT_SECONDS"),
		PlaylistLength:  resolveInt(flags.playlistLength, "NOVACAST_HLS_PLAYLIST_LENGTH"),
	})
	if err != nil {
		logger.Error("failed to initialise transcode scheduler", "error", err)
		os.Exit(1)
	}

	ingestCfg, err := ingest.ConfigFromEnv()
	if err != nil {
		logger.Error("failed to load ingest configuration", "error", err)
		os.Exit(1)
	}
	gatekeeperCfg := ingest.GatekeeperConfig{
		Repository: store,
		Queue:      queue,
		Logger:     logging.WithComponent(logger, "ingest"),
		Metrics:    registry,
	}
	if ingestCfg.AutoStartTranscode {
		gatekeeperCfg.Scheduler = scheduler
		gatekeeperCfg.AutoStartDefault = ingestCfg.DefaultProfilesOnly
	}
	gatekeeper := ingest.NewGatekeeper(gatekeeperCfg)

	handler := api.NewHandler(store, gatekeeper, scheduler)
	handler.HookToken = firstNonEmpty(flags.hookToken, os.Getenv("NOVACAST_HOOK_TOKEN"))
	handler.OperatorToken = firstNonEmpty(flags.operatorToken, os.Getenv("NOVACAST_OPERATOR_TOKEN"))
	handler.Logger = logging.WithComponent(logger, "api")
	if handler.HookToken == "" {
		logger.Warn("hook token not configured; publish hooks are disabled")
	}
	if handler.OperatorToken == "" {
		logger.Warn("operator token not configured; control plane is disabled")
	}

	srv, err := server.New(handler, gateway, server.Config{
		Addr: resolveListenAddr(flags.addr),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(flags.tlsCert, os.Getenv("NOVACAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(flags.tlsKey, os.Getenv("NOVACAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(flags.globalRPS, "NOVACAST_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(flags.globalBurst, "NOVACAST_RATE_GLOBAL_BURST"),
			HookLimit:     resolveInt(flags.hookLimit, "NOVACAST_RATE_HOOK_LIMIT"),
			HookWindow:    resolveDuration(flags.hookWindow, "NOVACAST_RATE_HOOK_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(flags.rateRedisAddr, os.Getenv("NOVACAST_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(flags.rateRedisPassword, os.Getenv("NOVACAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(flags.rateRedisTimeout, "NOVACAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(flags.corsOrigins, os.Getenv("NOVACAST_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: registry,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("NovaCast Live listening", "addr", resolveListenAddr(flags.addr))
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := scheduler.StopAll(shutdownCtx); err != nil {
		logger.Warn("failed to stop running encodes", "error", err)
	}
	if storeCloser != nil {
		if err := storeCloser(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close notification queue", "error", err)
		}
	}
}

func openStore(ctx context.Context, flags serverFlags, logger *slog.Logger) (storage.Repository, func(context.Context) error, error) {
	driver := strings.ToLower(firstNonEmpty(flags.storageDriver, os.Getenv("NOVACAST_STORAGE_DRIVER"), "json"))
	switch driver {
	case "json":
		path := firstNonEmpty(flags.dataPath, os.Getenv("NOVACAST_DATA"), "data/novacast.json")
		store, err := storage.NewJSONRepository(path)
		return store, nil, err
	case "postgres":
		dsn := firstNonEmpty(flags.postgresDSN, os.Getenv("NOVACAST_POSTGRES_DSN"))
		if dsn == "" {
			return nil, nil, errPostgresDSNRequired
		}
		var opts []storage.Option
		maxConns := resolveInt(flags.postgresMaxConns, "NOVACAST_POSTGRES_MAX_CONNS")
		minConns := resolveInt(flags.postgresMinConns, "NOVACAST_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		if appName := firstNonEmpty(flags.postgresAppName, os.Getenv("NOVACAST_POSTGRES_APP_NAME")); appName != "" {
			opts = append(opts, storage.WithPostgresApplicationName(appName))
		}
		store, err := storage.NewPostgresRepository(ctx, dsn, opts...)
		if err != nil {
			return nil, nil, err
		}
		closer := func(closeCtx context.Context) error {
			if pg, ok := store.(interface{ Close(context.Context) error }); ok {
				return pg.Close(closeCtx)
			}
			return nil
		}
		logger.Info("postgres datastore ready")
		return store, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// seedRenditionLadder installs the configured ladder when the datastore has
// none, so a fresh deployment can transcode without an operator step.
func seedRenditionLadder(ctx context.Context, store storage.Repository, ladderFlag string, logger *slog.Logger) error {
	existing, err := store.ListRenditionProfiles(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	profiles := transcode.DefaultLadder()
	if path := firstNonEmpty(ladderFlag, os.Getenv("NOVACAST_LADDER_FILE")); path != "" {
		profiles, err = transcode.LoadLadder(path)
		if err != nil {
			return err
		}
		logger.Info("rendition ladder loaded", "path", path, "profiles", len(profiles))
	} else {
		logger.Info("using built-in rendition ladder", "profiles", len(profiles))
	}
	return store.ReplaceRenditionProfiles(ctx, profiles)
}

func configureNotifyQueue(flags serverFlags, logger *slog.Logger) (notify.Queue, error) {
	driver := strings.ToLower(firstNonEmpty(flags.queueDriver, os.Getenv("NOVACAST_NOTIFY_QUEUE_DRIVER"), "memory"))
	switch driver {
	case "memory":
		return notify.NewMemoryQueue(resolveInt(flags.queueBuffer, "NOVACAST_NOTIFY_QUEUE_BUFFER")), nil
	case "redis":
		return notify.NewRedisQueue(notify.RedisQueueConfig{
			Addr:     firstNonEmpty(flags.queueRedisAddr, os.Getenv("NOVACAST_NOTIFY_REDIS_ADDR")),
			Addrs:    splitAndTrim(firstNonEmpty(flags.queueRedisAddrs, os.Getenv("NOVACAST_NOTIFY_REDIS_ADDRS"))),
			Username: firstNonEmpty(flags.queueRedisUsername, os.Getenv("NOVACAST_NOTIFY_REDIS_USERNAME")),
			Password: firstNonEmpty(flags.queueRedisPassword, os.Getenv("NOVACAST_NOTIFY_REDIS_PASSWORD")),
			Stream:   firstNonEmpty(flags.queueRedisStream, os.Getenv("NOVACAST_NOTIFY_REDIS_STREAM")),
			Group:    firstNonEmpty(flags.queueRedisGroup, os.Getenv("NOVACAST_NOTIFY_REDIS_GROUP")),
			Logger:   logging.WithComponent(logger, "notify-queue"),
			Buffer:   resolveInt(flags.queueBuffer, "NOVACAST_NOTIFY_QUEUE_BUFFER"),
			TLS: notify.RedisTLSConfig{
				CAFile:             firstNonEmpty(flags.queueRedisTLSCA, os.Getenv("NOVACAST_NOTIFY_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(flags.queueRedisTLSCert, os.Getenv("NOVACAST_NOTIFY_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(flags.queueRedisTLSKey, os.Getenv("NOVACAST_NOTIFY_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(flags.queueRedisTLSServerName, os.Getenv("NOVACAST_NOTIFY_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(flags.queueRedisTLSSkipVerify, "NOVACAST_NOTIFY_REDIS_TLS_SKIP_VERIFY"),
			},
		})
	default:
		return nil, fmt.Errorf("unsupported notify queue driver %q", driver)
	}
}
