package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.EventsAccepted == nil || m.IngestDuration == nil || m.Subscribers == nil {
		t.Fatal("expected all instruments non-nil")
	}

	// Recording on noop instruments must not panic.
	ctx := context.Background()
	m.EventsAccepted.Add(ctx, 1)
	m.EventsDuplicate.Add(ctx, 1)
	m.EventsRejected.Add(ctx, 1)
	m.EventsBroadcast.Add(ctx, 1)
	m.Subscribers.Add(ctx, 1)
	m.Subscribers.Add(ctx, -1)
	m.SlowDrops.Add(ctx, 1)
	m.DeadLetters.Add(ctx, 1)
	m.IngestDuration.Record(ctx, 0.001)
	m.FlushDuration.Record(ctx, 0.001)
}

func TestNewMetrics_SDKMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if _, err := NewMetrics(p.Meter); err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
}
