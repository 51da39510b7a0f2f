package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/basket/agentlens/internal/bus"
	"github.com/basket/agentlens/internal/config"
	"github.com/basket/agentlens/internal/gateway"
	otelPkg "github.com/basket/agentlens/internal/otel"
	"github.com/basket/agentlens/internal/queue"
	"github.com/basket/agentlens/internal/retention"
	"github.com/basket/agentlens/internal/store"
	"github.com/basket/agentlens/internal/telemetry"
)

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "startup failed (%s): %v\n", code, err)
	}
	os.Exit(1)
}

func runServe(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath())

	// Open the local queue read-only in spirit: the collector only reports
	// its depth; draining stays with send/flush.
	q, err := queue.Open(cfg.QueueDir(), logger)
	if err != nil {
		fatalStartup(logger, "E_QUEUE_OPEN", err)
	}

	broadcaster := bus.New()

	sweeper, err := retention.NewSweeper(retention.Config{
		Store:    st,
		Days:     cfg.RetentionDays,
		Schedule: cfg.RetentionSchedule,
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	sweeper.Start(ctx)
	var sweeperMu sync.Mutex
	defer func() {
		sweeperMu.Lock()
		defer sweeperMu.Unlock()
		sweeper.Stop()
	}()

	// Config watcher: retention changes apply without a restart. Other
	// settings (bind address, log destinations) need a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				if next.Fingerprint() == cfg.Fingerprint() {
					continue
				}
				logger.Info("config reloaded", "fingerprint", next.Fingerprint())
				if next.RetentionDays != cfg.RetentionDays || next.RetentionSchedule != cfg.RetentionSchedule {
					replacement, err := retention.NewSweeper(retention.Config{
						Store:    st,
						Days:     next.RetentionDays,
						Schedule: next.RetentionSchedule,
						Logger:   logger,
					})
					if err != nil {
						logger.Error("retention reload failed", "error", err)
						continue
					}
					sweeperMu.Lock()
					sweeper.Stop()
					sweeper = replacement
					sweeper.Start(ctx)
					sweeperMu.Unlock()
				}
				cfg = next
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:        st,
		Bus:          broadcaster,
		Queue:        q,
		AllowOrigins: cfg.AllowOrigins,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTEN", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(ln)
	}()
	logger.Info("collector listening", "bind_addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("collector server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return 0
}
