package main

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

var errPostgresDSNRequired = errors.New("postgres storage driver requires a DSN")

type serverFlags struct {
	addr          string
	dataPath      string
	storageDriver string

	postgresDSN      string
	postgresMaxConns int
	postgresMinConns int
	postgresAppName  string

	tlsCert string
	tlsKey  string

	logLevel  string
	logFormat string

	hookToken     string
	operatorToken string

	outputRoot      string
	playbackBaseURL string
	ladderFile      string
	segmentSeconds  int
	playlistLength  int
	ffmpegBinary    string

	queueDriver             string
	queueBuffer             int
	queueRedisAddr          string
	queueRedisAddrs         string
	queueRedisUsername      string
	queueRedisPassword      string
	queueRedisStream        string
	queueRedisGroup         string
	queueRedisTLSCA         string
	queueRedisTLSCert       string
	queueRedisTLSKey        string
	queueRedisTLSServerName string
	queueRedisTLSSkipVerify bool

	globalRPS         float64
	globalBurst       int
	hookLimit         int
	hookWindow        time.Duration
	rateRedisAddr     string
	rateRedisPassword string
	rateRedisTimeout  time.Duration

	corsOrigins string
}

func parseFlags() serverFlags {
	var flags serverFlags
	flag.StringVar(&flags.addr, "addr", "", "HTTP listen address")
	flag.StringVar(&flags.dataPath, "data", "", "path to JSON datastore")
	flag.StringVar(&flags.storageDriver, "storage-driver", "", "datastore driver (json or postgres)")
	flag.StringVar(&flags.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.IntVar(&flags.postgresMaxConns, "postgres-max-conns", 0, "maximum connections in the Postgres pool")
	flag.IntVar(&flags.postgresMinConns, "postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	flag.StringVar(&flags.postgresAppName, "postgres-app-name", "", "application_name reported to Postgres")
	flag.StringVar(&flags.tlsCert, "tls-cert", "", "path to TLS certificate file")
	flag.StringVar(&flags.tlsKey, "tls-key", "", "path to TLS private key file")
	flag.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&flags.logFormat, "log-format", "", "log format (text or json)")
	flag.StringVar(&flags.hookToken, "hook-token", "", "bearer token required on media server hooks")
	flag.StringVar(&flags.operatorToken, "operator-token", "", "bearer token required on the operator API")
	flag.StringVar(&flags.outputRoot, "output-root", "", "directory for transcoded HLS output")
	flag.StringVar(&flags.playbackBaseURL, "playback-base-url", "", "public base URL prefixed to playback paths")
	flag.StringVar(&flags.ladderFile, "ladder-file", "", "path to a YAML rendition ladder")
	flag.IntVar(&flags.segmentSeconds, "hls-segment-seconds", 0, "HLS segment duration in seconds")
	flag.IntVar(&flags.playlistLength, "hls-playlist-length", 0, "segments retained in each rendition playlist")
	flag.StringVar(&flags.ffmpegBinary, "ffmpeg-binary", "", "path to the ffmpeg executable")
	flag.StringVar(&flags.queueDriver, "notify-queue-driver", "", "notification queue driver (memory or redis)")
	flag.IntVar(&flags.queueBuffer, "notify-queue-buffer", 0, "buffer size for queued status events")
	flag.StringVar(&flags.queueRedisAddr, "notify-redis-addr", "", "Redis address for the notification queue")
	flag.StringVar(&flags.queueRedisAddrs, "notify-redis-addrs", "", "comma separated Redis addresses for the notification queue")
	flag.StringVar(&flags.queueRedisUsername, "notify-redis-username", "", "Redis username for the notification queue")
	flag.StringVar(&flags.queueRedisPassword, "notify-redis-password", "", "Redis password for the notification queue")
	flag.StringVar(&flags.queueRedisStream, "notify-redis-stream", "", "Redis stream key for status events")
	flag.StringVar(&flags.queueRedisGroup, "notify-redis-group", "", "Redis consumer group for status events")
	flag.StringVar(&flags.queueRedisTLSCA, "notify-redis-tls-ca", "", "path to Redis TLS CA certificate for the notification queue")
	flag.StringVar(&flags.queueRedisTLSCert, "notify-redis-tls-cert", "", "path to Redis TLS client certificate for the notification queue")
	flag.StringVar(&flags.queueRedisTLSKey, "notify-redis-tls-key", "", "path to Redis TLS client key for the notification queue")
	flag.StringVar(&flags.queueRedisTLSServerName, "notify-redis-tls-server-name", "", "override Redis TLS server name for the notification queue")
	flag.BoolVar(&flags.queueRedisTLSSkipVerify, "notify-redis-tls-skip-verify", false, "skip Redis TLS verification for the notification queue")
	flag.Float64Var(&flags.globalRPS, "rate-global-rps", 0, "global request rate limit in requests per second")
	flag.IntVar(&flags.globalBurst, "rate-global-burst", 0, "global rate limit burst allowance")
	flag.IntVar(&flags.hookLimit, "rate-hook-limit", 0, "maximum publish hooks per window for a single IP")
	flag.DurationVar(&flags.hookWindow, "rate-hook-window", 0, "window for counting publish hooks")
	flag.StringVar(&flags.rateRedisAddr, "rate-redis-addr", "", "Redis address for distributed hook throttling")
	flag.StringVar(&flags.rateRedisPassword, "rate-redis-password", "", "Redis password for distributed hook throttling")
	flag.DurationVar(&flags.rateRedisTimeout, "rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	flag.StringVar(&flags.corsOrigins, "cors-origins", "", "comma separated origins allowed to call the API")
	flag.Parse()
	return flags
}

func resolveListenAddr(flagValue string) string {
	if addr := firstNonEmpty(flagValue, os.Getenv("NOVACAST_ADDR")); addr != "" {
		return addr
	}
	return ":8085"
}

func resolveOutputRoot(flagValue string) string {
	if root := firstNonEmpty(flagValue, os.Getenv("NOVACAST_OUTPUT_ROOT")); root != "" {
		return root
	}
	return "data/hls"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
