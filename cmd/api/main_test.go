package main

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/ollama-chat/backend/internal/config"
)

func TestRunReturnsConfigError(t *testing.T) {
	t.Setenv("SESSION_STORE", "cassandra")

	err := run()
	if err == nil || !strings.Contains(err.Error(), "SESSION_STORE") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunReturnsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen err: %v", err)
	}
	defer ln.Close()

	t.Setenv("PORT", ln.Addr().String())
	t.Setenv("SESSION_STORE", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "chat.db"))

	done := make(chan error, 1)
	go func() { done <- run() }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected listen error")
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return")
	}
}

func TestRunServerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- runServer(ctx, srv) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runServer did not return after cancel")
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, err := openStore(context.Background(), config.StoreConfig{Backend: "cassandra"})
	if err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
