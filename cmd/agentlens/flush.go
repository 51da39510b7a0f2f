package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/agentlens/internal/config"
	"github.com/basket/agentlens/internal/delivery"
	otelPkg "github.com/basket/agentlens/internal/otel"
	"github.com/basket/agentlens/internal/queue"
	"github.com/basket/agentlens/internal/telemetry"
)

func runFlushCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentlens flush")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	q, err := queue.Open(cfg.QueueDir(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open queue: %v\n", err)
		return 1
	}

	before, err := q.Len()
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return 1
	}
	if before == 0 {
		fmt.Println("queue empty, nothing to flush")
		return 0
	}

	// Noop instruments unless telemetry is enabled in config.
	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		return 1
	}
	defer provider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		return 1
	}

	agent := delivery.NewAgent(delivery.Config{
		Client:      delivery.NewClient(cfg.HubURL, nil),
		Queue:       q,
		Logger:      logger,
		Metrics:     metrics,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BatchSize:   cfg.Delivery.BatchSize,
	})
	if err := agent.FlushOnce(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
		return 1
	}

	after, err := q.Len()
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return 1
	}
	fmt.Printf("flushed %d of %d queued events (%d remaining, %d dead-lettered)\n",
		before-after, before, after, q.DeadLettered())
	if after > 0 {
		return 1
	}
	return 0
}
