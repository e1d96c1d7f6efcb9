// Package serverutil runs an http.Server with context-driven graceful
// shutdown and optional TLS.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TLSConfig points at the certificate pair for a TLS listener. Both paths
// must be set together.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config controls how Run serves.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready, when non-nil, is closed once the listener is accepting.
	Ready chan<- struct{}
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is
// cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves until the server stops on its own or the context is cancelled,
// whichever comes first. Cancellation triggers a graceful shutdown bounded by
// ShutdownTimeout; a clean close reports nil.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("TLS cert file and key file must be set together")
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			listener.Close()
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsCfg := cfg.Server.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		cfg.Server.TLSConfig = tlsCfg
		listener = tls.NewListener(listener, tlsCfg)
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(shutdownCtx)
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr == nil {
			return shutdownCtx.Err()
		}
	}
	return shutdownErr
}
