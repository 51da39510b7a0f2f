package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentlens/internal/envelope"
	"github.com/basket/agentlens/internal/store"
)

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentlens.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insertAt(t *testing.T, st *store.Store, id string, receivedAt time.Time) {
	t.Helper()
	err := st.InsertEvent(context.Background(), envelope.Envelope{
		EventID:    id,
		SourceApp:  "app",
		SessionID:  "s1",
		AgentID:    "a1",
		EventKind:  "notify",
		Payload:    json.RawMessage(`{}`),
		OccurredAt: receivedAt,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func TestNewSweeper_BadSchedule(t *testing.T) {
	_, err := NewSweeper(Config{Store: seededStore(t), Days: 7, Schedule: "not a cron expr"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSweepOnce_DeletesOldKeepsNew(t *testing.T) {
	st := seededStore(t)
	now := time.Now().UTC()
	insertAt(t, st, "old", now.AddDate(0, 0, -40))
	insertAt(t, st, "new", now.AddDate(0, 0, -1))

	sw, err := NewSweeper(Config{Store: st, Days: 30})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sw.SweepOnce(context.Background())

	count, err := st.CountEvents(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	events, _ := st.ListRecent(context.Background(), 10, 0)
	if len(events) != 1 || events[0].EventID != "new" {
		t.Fatalf("survivors = %+v, want only the recent event", events)
	}
}

func TestSweepOnce_DisabledKeepsEverything(t *testing.T) {
	st := seededStore(t)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		insertAt(t, st, fmt.Sprintf("e%d", i), now.AddDate(-1, 0, 0))
	}

	sw, err := NewSweeper(Config{Store: st, Days: 0})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sw.SweepOnce(context.Background())

	count, _ := st.CountEvents(context.Background())
	if count != 3 {
		t.Fatalf("count = %d, want 3 (retention disabled)", count)
	}
}

func TestSweeper_StartStopDisabled(t *testing.T) {
	sw, err := NewSweeper(Config{Store: seededStore(t), Days: 0})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sw.Start(context.Background())
	sw.Stop()
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 8, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("*/5 * * *", after); err == nil {
		t.Fatal("expected error for 4-field expression")
	}
}
