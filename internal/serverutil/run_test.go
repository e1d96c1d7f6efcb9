package serverutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestRunRequiresServer(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without server")
	}
}

func TestRunRejectsPartialTLS(t *testing.T) {
	cfg := Config{
		Server: &http.Server{Addr: "127.0.0.1:0"},
		TLS:    TLSConfig{CertFile: "cert.pem"},
	}
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected error for cert without key")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "pong")
	})
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	runErr := make(chan error, 1)
	go func() {
		runErr <- Run(ctx, Config{Server: srv, Ready: ready, ShutdownTimeout: 2 * time.Second})
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRunServesRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "pong")
	})
	srv := &http.Server{Addr: "127.0.0.1:18532", Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	runErr := make(chan error, 1)
	go func() {
		runErr <- Run(ctx, Config{Server: srv, Ready: ready})
	}()

	select {
	case <-ready:
	case err := <-runErr:
		t.Skipf("port unavailable: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	resp, err := http.Get("http://127.0.0.1:18532/ping")
	if err != nil {
		t.Fatalf("GET returned error: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "pong" {
		t.Fatalf("expected pong, got %q", body)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
