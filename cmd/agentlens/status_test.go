package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusCommand_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"healthy":true,"db_ok":true}`))
	}))
	defer srv.Close()
	t.Setenv("AGENTLENS_HOME", t.TempDir())
	t.Setenv("AGENTLENS_HUB", srv.URL)

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestStatusCommand_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false}`))
	}))
	defer srv.Close()
	t.Setenv("AGENTLENS_HOME", t.TempDir())
	t.Setenv("AGENTLENS_HUB", srv.URL)

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestStatusCommand_Unreachable(t *testing.T) {
	t.Setenv("AGENTLENS_HOME", t.TempDir())
	t.Setenv("AGENTLENS_HUB", "http://127.0.0.1:1")

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestStatusCommand_RejectsArgs(t *testing.T) {
	t.Setenv("AGENTLENS_HOME", t.TempDir())
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}
