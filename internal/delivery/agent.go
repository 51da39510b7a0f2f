// Package delivery implements the producer-side resilient sender: a bounded
// fast-path attempt backed by the durable local queue and a background flush
// loop. The caller is never blocked beyond the direct-send timeout and never
// sees a transport error; durability concerns stay invisible until an entry
// dead-letters.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentlens/internal/envelope"
	"github.com/basket/agentlens/internal/otel"
	"github.com/basket/agentlens/internal/queue"
)

const (
	defaultDirectTimeout = 500 * time.Millisecond
	defaultFlushInterval = 5 * time.Second
	defaultFlushTimeout  = 30 * time.Second
	defaultBaseBackoff   = 1 * time.Second
	defaultMaxBackoff    = 60 * time.Second
	defaultMaxAttempts   = 10
	defaultBatchSize     = 100
)

// Dead-letter reason codes.
const (
	ReasonMaxAttempts = "max_attempts"
	ReasonRejected    = "rejected"
)

// Config holds the delivery agent's dependencies and tuning knobs. Zero
// values fall back to documented defaults.
type Config struct {
	Client *Client
	Queue  *queue.Queue
	Logger *slog.Logger

	// Metrics is optional; when set the agent records flush pass durations
	// and dead-letter counts.
	Metrics *otel.Metrics

	// DirectTimeout bounds the fast-path attempt in Deliver.
	DirectTimeout time.Duration
	// FlushInterval is the background drain period.
	FlushInterval time.Duration
	// FlushTimeout bounds one whole drain pass.
	FlushTimeout time.Duration
	// BaseBackoff and MaxBackoff shape the per-entry exponential backoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxAttempts is the retry budget before an entry dead-letters.
	MaxAttempts int
	// BatchSize caps how many entries one batch submission carries.
	BatchSize int
}

// Agent is the resilient sender. Construct with NewAgent, call Start once to
// run the flush loop, and Stop on shutdown.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	flushNow chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewAgent creates a delivery agent. Client and Queue are required.
func NewAgent(cfg Config) *Agent {
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = defaultDirectTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:      cfg,
		logger:   logger,
		flushNow: make(chan struct{}, 1),
	}
}

// Deliver submits env with one bounded direct attempt. Accepted and
// duplicate are both terminal success. Everything else — timeout, refused
// connection, 5xx — is absorbed by appending to the durable queue; the
// caller is never made to wait for a retry and never sees the transport
// failure. Only an invalid envelope returns an error, and it is never
// queued: a missing required field is a producer bug, not a transient
// condition.
func (a *Agent) Deliver(env envelope.Envelope) error {
	env.ApplyDefaults()
	if err := env.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DirectTimeout)
	defer cancel()

	outcome, err := a.cfg.Client.Send(ctx, env)
	if err == nil && (outcome == OutcomeAccepted || outcome == OutcomeDuplicate) {
		// Connectivity is evidently fine; nudge the flush loop in case the
		// queue holds stragglers from an earlier outage.
		a.FlushNow()
		return nil
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected
	}

	if qerr := a.cfg.Queue.Append(env); qerr != nil {
		// Both the network and the local disk failed. Log it; the contract
		// still shields the caller.
		a.logger.Error("delivery: queue append failed, event lost",
			"event_id", env.EventID, "send_error", err, "queue_error", qerr)
		return nil
	}
	a.logger.Debug("delivery: queued after failed direct send",
		"event_id", env.EventID, "error", err)
	return nil
}

// FlushNow asks the flush loop to drain immediately. Non-blocking; nudges
// coalesce.
func (a *Agent) FlushNow() {
	select {
	case a.flushNow <- struct{}{}:
	default:
	}
}

// Start launches the background flush loop. It runs until ctx is cancelled
// or Stop is called.
func (a *Agent) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-a.flushNow:
			}
			if err := a.FlushOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("delivery: flush pass failed", "error", err)
			}
		}
	}()
}

// Stop signals the flush loop to exit and waits for any in-flight drain pass
// to finish or time out. Queue entries are only ever deleted on confirmed
// terminal success, so stopping mid-pass loses nothing.
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// FlushOnce runs a single drain pass: scan the queue in enqueue order,
// submit the entries whose backoff has elapsed, and rewrite the queue with
// the survivors. Terminal success (accepted or duplicate) deletes the entry;
// rejection dead-letters it immediately; a transient failure advances its
// backoff, dead-lettering once the attempt budget is spent.
func (a *Agent) FlushOnce(ctx context.Context) error {
	start := time.Now()
	entries, mark, err := a.cfg.Queue.Snapshot()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.FlushTimeout)
	defer cancel()

	now := time.Now().UTC()
	var eligible []int
	for i, entry := range entries {
		if !entry.NextEligibleAt.After(now) {
			eligible = append(eligible, i)
			if len(eligible) == a.cfg.BatchSize {
				break
			}
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	envs := make([]envelope.Envelope, 0, len(eligible))
	for _, i := range eligible {
		envs = append(envs, entries[i].Envelope)
	}

	result, err := a.cfg.Client.SendBatch(ctx, envs)

	drop := make(map[int]bool, len(eligible))
	if err != nil {
		// Whole batch failed in transit. Server state is unknown; keep every
		// entry and advance its backoff — idempotent redelivery resolves the
		// ambiguity, not sender-side guessing.
		for _, i := range eligible {
			if a.bumpEntry(ctx, &entries[i], err.Error()) {
				drop[i] = true
			}
		}
	} else {
		verdicts := indexResults(result)
		for _, i := range eligible {
			entry := &entries[i]
			verdict, ok := verdicts[entry.Envelope.EventID]
			if !ok {
				// No verdict for this item; treat as transient.
				if a.bumpEntry(ctx, entry, "missing batch verdict") {
					drop[i] = true
				}
				continue
			}
			switch verdict.Status {
			case OutcomeAccepted, OutcomeDuplicate:
				drop[i] = true
			case OutcomeRejected:
				if dlErr := a.cfg.Queue.DeadLetter(*entry, ReasonRejected, verdict.Reason); dlErr != nil {
					a.logger.Error("delivery: dead-letter append failed", "event_id", entry.Envelope.EventID, "error", dlErr)
				}
				a.countDeadLetter(ctx)
				drop[i] = true
			default:
				if a.bumpEntry(ctx, entry, "unknown verdict "+string(verdict.Status)) {
					drop[i] = true
				}
			}
		}
	}

	survivors := make([]queue.Entry, 0, len(entries))
	for i, entry := range entries {
		if !drop[i] {
			survivors = append(survivors, entry)
		}
	}
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.FlushDuration.Record(ctx, time.Since(start).Seconds())
	}
	// The mark lets Rewrite preserve entries Deliver appended while the
	// batch was in flight.
	return a.cfg.Queue.Rewrite(survivors, mark)
}

// bumpEntry advances an entry's retry bookkeeping after a transient failure.
// It returns true when the entry exhausted its budget and was dead-lettered,
// meaning the caller must drop it from the queue.
func (a *Agent) bumpEntry(ctx context.Context, entry *queue.Entry, lastErr string) bool {
	entry.AttemptCount++
	if entry.AttemptCount >= a.cfg.MaxAttempts {
		if err := a.cfg.Queue.DeadLetter(*entry, ReasonMaxAttempts, lastErr); err != nil {
			a.logger.Error("delivery: dead-letter append failed", "event_id", entry.Envelope.EventID, "error", err)
		}
		a.countDeadLetter(ctx)
		return true
	}
	backoff := a.cfg.BaseBackoff << uint(entry.AttemptCount-1)
	if backoff > a.cfg.MaxBackoff || backoff <= 0 {
		backoff = a.cfg.MaxBackoff
	}
	entry.NextEligibleAt = time.Now().UTC().Add(backoff)
	return false
}

func (a *Agent) countDeadLetter(ctx context.Context) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.DeadLetters.Add(ctx, 1)
	}
}

func indexResults(result *BatchResult) map[string]ItemResult {
	verdicts := make(map[string]ItemResult, len(result.Results))
	for _, r := range result.Results {
		verdicts[r.EventID] = r
	}
	return verdicts
}
