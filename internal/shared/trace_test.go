package shared

import (
	"context"
	"testing"
)

func TestTraceID_Roundtrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty context trace = %q, want -", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("trace = %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids must be unique")
	}
}

func TestSessionID_Roundtrip(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Fatalf("empty context session = %q", got)
	}
	ctx = WithSessionID(ctx, "sess-1")
	if got := SessionID(ctx); got != "sess-1" {
		t.Fatalf("session = %q", got)
	}
}
