// Package retention runs the scheduled sweep that deletes stored events
// older than the configured retention window.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentlens/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store *store.Store
	// Days is the retention window. Zero or negative disables the sweep.
	Days int
	// Schedule is a 5-field cron expression. Defaults to "0 3 * * *".
	Schedule string
	Logger   *slog.Logger
}

// Sweeper wakes on a cron schedule and prunes events past the retention
// window. With retention disabled it never touches the store.
type Sweeper struct {
	store    *store.Store
	days     int
	schedule cronlib.Schedule
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper from the given config. An unparseable
// schedule is an error; a disabled window is not.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		days:     cfg.Days,
		schedule: sched,
		logger:   logger,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	if s.days <= 0 {
		s.logger.Info("retention disabled, events kept forever")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "days", s.days, "next_run", s.schedule.Next(time.Now()))
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single retention pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if s.days <= 0 {
		return
	}
	start := time.Now()
	deleted, err := s.store.RunRetention(ctx, s.days)
	if err != nil {
		s.logger.Error("retention: sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("retention: sweep complete",
			"deleted", deleted,
			"days", s.days,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
