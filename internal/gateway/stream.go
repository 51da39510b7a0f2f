package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentlens/internal/envelope"
)

// streamFrame is one WebSocket message on /stream. Type is "connected"
// for the handshake ack and "new_event" for every live event after it.
type streamFrame struct {
	Type string             `json:"type"`
	Data *envelope.Envelope `json:"data,omitempty"`
}

// handleStream implements GET /stream: a WebSocket feed of every event
// accepted after the subscription is registered. There is no backfill;
// a client that wants history reads GET /events first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe()
	defer s.cfg.Bus.Unsubscribe(sub)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Subscribers.Add(r.Context(), 1)
		defer s.cfg.Metrics.Subscribers.Add(context.Background(), -1)
	}
	s.logger.Info("stream: subscriber connected", "subscribers", s.cfg.Bus.SubscriberCount())
	defer s.logger.Info("stream: subscriber disconnected")

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, streamFrame{Type: "connected"}); err != nil {
		return
	}

	// The read pump only detects client-side close; inbound frames carry
	// no meaning on this endpoint.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case env, ok := <-sub.Ch():
			if !ok {
				// The broadcaster dropped us for falling behind.
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.SlowDrops.Add(context.Background(), 1)
				}
				s.logger.Warn("stream: subscriber dropped, send buffer full")
				_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			}
			if err := wsjson.Write(ctx, conn, streamFrame{Type: "new_event", Data: &env}); err != nil {
				return
			}
		}
	}
}
