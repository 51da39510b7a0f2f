// Package gateway is the collector's HTTP surface: event ingestion,
// historical reads, hierarchy views, and the live WebSocket stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentlens/internal/bus"
	"github.com/basket/agentlens/internal/envelope"
	"github.com/basket/agentlens/internal/hierarchy"
	"github.com/basket/agentlens/internal/otel"
	"github.com/basket/agentlens/internal/queue"
	"github.com/basket/agentlens/internal/shared"
	"github.com/basket/agentlens/internal/store"
)

const (
	// MaxBatchEvents caps one batch submission. Larger batches are refused
	// wholesale so a sender can never wedge the collector with one request.
	MaxBatchEvents = 100

	defaultListLimit = 100
	maxListLimit     = 1000

	// maxBodyBytes bounds a single request body. Payloads are arbitrary
	// JSON from instrumented apps; 5 MiB is far beyond any sane event.
	maxBodyBytes = 5 << 20
)

type Config struct {
	Store *store.Store
	Bus   *bus.Broadcaster

	// Queue is the local durable queue when the collector and producer
	// share a process. Optional; only surfaced in /metrics.
	Queue *queue.Queue

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means "same-origin only".
	AllowOrigins []string

	Metrics *otel.Metrics
	// Tracer is optional; when set every ingest gets a span.
	Tracer trace.Tracer
	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

// ingestResult is the single-event response body. Status is one of
// "accepted", "duplicate", "rejected".
type ingestResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type batchItemResult struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type batchResponse struct {
	Results    []batchItemResult `json:"results"`
	Accepted   int               `json:"accepted"`
	Duplicates int               `json:"duplicates"`
	Rejected   int               `json:"rejected"`
	Total      int               `json:"total"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		started: time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/events/batch", s.handleBatch)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/hierarchy", s.handleHierarchy)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	return s.withTrace(mux)
}

// withTrace stamps every request with a trace id so log lines from one
// request can be correlated across handlers.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug("gateway: request",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", shared.TraceID(ctx),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// handleEvents multiplexes POST (ingest one) and GET (list recent).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var env envelope.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&env); err != nil {
		s.record(r.Context(), "rejected")
		writeJSON(w, http.StatusBadRequest, ingestResult{Status: "rejected", Reason: "invalid JSON: " + err.Error()})
		return
	}

	status, reason, err := s.ingestOne(r.Context(), &env)
	if err != nil {
		s.logger.Error("gateway: ingest failed", "event_id", env.EventID, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	s.record(r.Context(), status)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IngestDuration.Record(r.Context(), time.Since(start).Seconds())
	}

	code := http.StatusOK
	switch status {
	case "duplicate":
		code = http.StatusConflict
	case "rejected":
		code = http.StatusBadRequest
	}
	writeJSON(w, code, ingestResult{Status: status, Reason: reason})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Events []envelope.Envelope `json:"events"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ingestResult{Status: "rejected", Reason: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Events) > MaxBatchEvents {
		// Refused before any insert: the sender retries in smaller pieces.
		writeJSON(w, http.StatusBadRequest, ingestResult{
			Status: "rejected",
			Reason: fmt.Sprintf("batch of %d exceeds limit of %d", len(req.Events), MaxBatchEvents),
		})
		return
	}

	ctx := r.Context()
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway.ingest_batch",
			otel.AttrBatchSize.Int(len(req.Events)))
		defer span.End()
	}

	resp := batchResponse{Total: len(req.Events), Results: make([]batchItemResult, 0, len(req.Events))}
	for i := range req.Events {
		env := &req.Events[i]
		status, reason, err := s.ingestOne(ctx, env)
		if err != nil {
			// One failed insert never blocks the rest of the batch. No
			// terminal verdict is claimed for the item; senders treat the
			// unknown status as transient and redeliver it.
			s.logger.Error("gateway: batch item failed", "event_id", env.EventID, "error", err)
			resp.Results = append(resp.Results, batchItemResult{EventID: env.EventID, Status: "error", Reason: "storage failure"})
			continue
		}
		s.record(ctx, status)
		resp.Results = append(resp.Results, batchItemResult{EventID: env.EventID, Status: status, Reason: reason})
		switch status {
		case "accepted":
			resp.Accepted++
		case "duplicate":
			resp.Duplicates++
		case "rejected":
			resp.Rejected++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ingestOne runs the single-event pipeline: defaults, validation, the
// idempotent insert, then fan-out. The store's primary key is the sole
// authority on duplicates; the broadcast happens exactly once, only for
// a freshly stored event.
func (s *Server) ingestOne(ctx context.Context, env *envelope.Envelope) (status, reason string, err error) {
	env.ApplyDefaults()
	env.ReceivedAt = time.Now().UTC()
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, s.cfg.Tracer, "gateway.ingest",
			otel.AttrEventID.String(env.EventID),
			otel.AttrEventKind.String(env.EventKind),
			otel.AttrSessionID.String(env.SessionID),
			otel.AttrAgentID.String(env.AgentID),
			otel.AttrSourceApp.String(env.SourceApp),
		)
		defer span.End()
	}
	if verr := env.Validate(); verr != nil {
		return "rejected", verr.Error(), nil
	}

	switch err := s.cfg.Store.InsertEvent(ctx, *env); {
	case errors.Is(err, store.ErrDuplicate):
		return "duplicate", "event_id already stored", nil
	case err != nil:
		return "", "", fmt.Errorf("insert event: %w", err)
	}

	s.cfg.Bus.Publish(*env)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.EventsBroadcast.Add(ctx, 1)
	}
	return "accepted", "", nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		offset = n
	}

	var (
		events []envelope.Envelope
		err    error
	)
	if sessionID := q.Get("session_id"); sessionID != "" {
		events, err = s.cfg.Store.ListSession(r.Context(), sessionID, limit, offset)
	} else {
		events, err = s.cfg.Store.ListRecent(r.Context(), limit, offset)
	}
	if err != nil {
		s.logger.Error("gateway: list events", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []envelope.Envelope{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id query parameter is required", http.StatusBadRequest)
		return
	}
	envs, err := s.cfg.Store.SessionEnvelopes(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("gateway: session envelopes", "session_id", sessionID, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	forest := hierarchy.Build(envs)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"event_count": len(envs),
		"roots":       forest.Roots,
		"orphans":     forest.Orphans,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.CountEvents(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"subscribers": s.cfg.Bus.SubscriberCount(),
		"uptime_s":    int64(time.Since(s.started).Seconds()),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if !dbOK {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var eventCount int64
	if c, err := s.cfg.Store.CountEvents(r.Context()); err == nil {
		eventCount = c
	}
	payload := map[string]any{
		"events_total": eventCount,
		"subscribers":  s.cfg.Bus.SubscriberCount(),
		"alloc_bytes":  mem.Alloc,
		"uptime_s":     int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Queue != nil {
		if n, err := s.cfg.Queue.Len(); err == nil {
			payload["queue_depth"] = n
		}
		payload["queue_dead_letters"] = s.cfg.Queue.DeadLettered()
		payload["queue_skipped_lines"] = s.cfg.Queue.SkippedLines()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var eventCount int64
	if c, err := s.cfg.Store.CountEvents(r.Context()); err == nil {
		eventCount = c
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP agentlens_events_total Number of stored events.\n")
	fmt.Fprintf(w, "# TYPE agentlens_events_total counter\n")
	fmt.Fprintf(w, "agentlens_events_total %d\n", eventCount)
	fmt.Fprintf(w, "# HELP agentlens_stream_subscribers Currently connected live-stream subscribers.\n")
	fmt.Fprintf(w, "# TYPE agentlens_stream_subscribers gauge\n")
	fmt.Fprintf(w, "agentlens_stream_subscribers %d\n", s.cfg.Bus.SubscriberCount())
	fmt.Fprintf(w, "# HELP agentlens_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE agentlens_alloc_bytes gauge\n")
	fmt.Fprintf(w, "agentlens_alloc_bytes %d\n", mem.Alloc)
	if s.cfg.Queue != nil {
		if n, err := s.cfg.Queue.Len(); err == nil {
			fmt.Fprintf(w, "# HELP agentlens_queue_depth Entries waiting in the durable queue.\n")
			fmt.Fprintf(w, "# TYPE agentlens_queue_depth gauge\n")
			fmt.Fprintf(w, "agentlens_queue_depth %d\n", n)
		}
		fmt.Fprintf(w, "# HELP agentlens_queue_dead_letters_total Entries moved to the dead letter file.\n")
		fmt.Fprintf(w, "# TYPE agentlens_queue_dead_letters_total counter\n")
		fmt.Fprintf(w, "agentlens_queue_dead_letters_total %d\n", s.cfg.Queue.DeadLettered())
	}
}

func (s *Server) record(ctx context.Context, status string) {
	if s.cfg.Metrics == nil {
		return
	}
	switch status {
	case "accepted":
		s.cfg.Metrics.EventsAccepted.Add(ctx, 1)
	case "duplicate":
		s.cfg.Metrics.EventsDuplicate.Add(ctx, 1)
	case "rejected":
		s.cfg.Metrics.EventsRejected.Add(ctx, 1)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
