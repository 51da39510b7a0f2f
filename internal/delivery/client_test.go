package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/agentlens/internal/envelope"
)

func TestClient_SendParsesRejectionReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"rejected","reason":"missing required field: session_id"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.Send(context.Background(), deliverable("e1"))
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want *RejectedError", err)
	}
	if rejected.Reason != "missing required field: session_id" {
		t.Fatalf("reason = %q", rejected.Reason)
	}
}

func TestClient_SendServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.Send(context.Background(), deliverable("e1"))
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestClient_SendBatchTransportErrorIsTransient(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", nil)
	_, err := client.SendBatch(context.Background(), []envelope.Envelope{deliverable("e1")})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestClient_Healthz(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	body, err := NewClient(srv.URL, nil).Healthz(context.Background())
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if len(body) == 0 {
		t.Fatal("healthz body empty")
	}
	if _, err := NewClient("http://127.0.0.1:1", nil).Healthz(context.Background()); err == nil {
		t.Fatal("healthz against dead hub must fail")
	}
}
