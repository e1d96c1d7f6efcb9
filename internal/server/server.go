package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"novacast-live/internal/api"
	"novacast-live/internal/notify"
	"novacast-live/internal/observability/logging"
	"novacast-live/internal/observability/metrics"
	"novacast-live/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	CORS      CORSConfig
	Logger    *slog.Logger
	Metrics   *metrics.Registry
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, gateway *notify.Gateway, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}
	mux.HandleFunc("/hooks/publish", handler.PublishHook)
	mux.HandleFunc("/hooks/publish_done", handler.PublishDoneHook)
	mux.HandleFunc("/hooks/unpublish", handler.UnpublishHook)
	mux.HandleFunc("/v1/stream-keys", handler.StreamKeys)
	mux.HandleFunc("/v1/stream-keys/", handler.StreamKeyOperations)
	mux.HandleFunc("/v1/sessions", handler.Sessions)
	mux.HandleFunc("/v1/sessions/", handler.SessionOperations)
	mux.HandleFunc("/v1/jobs/", handler.JobOperations)
	if gateway != nil {
		mux.Handle("/v1/notifications/ws", gateway)
	}

	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	rl := newRateLimiter(cfg.RateLimit)
	chain := http.Handler(mux)
	chain = rateLimitMiddleware(rl, logger, chain)
	chain = corsMiddleware(corsPolicy, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	if cfg.Metrics != nil {
		chain = cfg.Metrics.Middleware(chain)
	}
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = requestIDMiddleware(chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the assembled middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tlsCertFile,
			KeyFile:  s.tlsKeyFile,
		},
	})
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
