package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func dialStream(t *testing.T, h *testHarness) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := strings.Replace(h.srv.URL, "http://", "ws://", 1) + "/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) streamFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame streamFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestStream_ConnectedAckThenEvents(t *testing.T) {
	h := newHarness(t)
	conn := dialStream(t, h)

	if frame := readFrame(t, conn); frame.Type != "connected" {
		t.Fatalf("first frame type = %q, want connected", frame.Type)
	}

	resp := postJSON(t, h.srv.URL+"/events", validEvent("e1"))
	resp.Body.Close()

	frame := readFrame(t, conn)
	if frame.Type != "new_event" {
		t.Fatalf("frame type = %q, want new_event", frame.Type)
	}
	if frame.Data == nil || frame.Data.EventID != "e1" {
		t.Fatalf("frame data = %+v, want event e1", frame.Data)
	}
}

func TestStream_NoBackfill(t *testing.T) {
	h := newHarness(t)

	// Stored before anyone subscribes; must never appear on the stream.
	resp := postJSON(t, h.srv.URL+"/events", validEvent("old"))
	resp.Body.Close()

	conn := dialStream(t, h)
	if frame := readFrame(t, conn); frame.Type != "connected" {
		t.Fatalf("first frame type = %q, want connected", frame.Type)
	}

	resp = postJSON(t, h.srv.URL+"/events", validEvent("live"))
	resp.Body.Close()

	frame := readFrame(t, conn)
	if frame.Data == nil || frame.Data.EventID != "live" {
		t.Fatalf("frame data = %+v, want the live event, not backfill", frame.Data)
	}
}

func TestStream_DuplicateNotBroadcast(t *testing.T) {
	h := newHarness(t)
	resp := postJSON(t, h.srv.URL+"/events", validEvent("e1"))
	resp.Body.Close()

	conn := dialStream(t, h)
	if frame := readFrame(t, conn); frame.Type != "connected" {
		t.Fatalf("first frame type = %q, want connected", frame.Type)
	}

	// Redelivery of e1 is refused by the store and must not fan out.
	resp = postJSON(t, h.srv.URL+"/events", validEvent("e1"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, h.srv.URL+"/events", validEvent("e2"))
	resp.Body.Close()

	// The next frame is e2: the duplicate was skipped.
	frame := readFrame(t, conn)
	if frame.Data == nil || frame.Data.EventID != "e2" {
		t.Fatalf("frame data = %+v, want e2", frame.Data)
	}
}

func TestStream_SubscriberCountTracksConnections(t *testing.T) {
	h := newHarness(t)
	conn := dialStream(t, h)
	if frame := readFrame(t, conn); frame.Type != "connected" {
		t.Fatalf("first frame type = %q, want connected", frame.Type)
	}
	if n := h.bus.SubscriberCount(); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.bus.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count = %d after close, want 0", h.bus.SubscriberCount())
}
