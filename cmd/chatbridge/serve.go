package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/chatbridge/internal/api"
	"github.com/nugget/chatbridge/internal/buildinfo"
	"github.com/nugget/chatbridge/internal/config"
	"github.com/nugget/chatbridge/internal/events"
	"github.com/nugget/chatbridge/internal/metrics"
	"github.com/nugget/chatbridge/internal/profile"
)

// runServe handles "chatbridge serve". It opens the stores, starts the
// metrics collector, and runs the bridge server until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Chatbridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after this point uses the configured level and format.
	logger = configuredLogger(stdout, cfg)

	var names []string
	for _, p := range profile.Configured(cfg.Providers) {
		names = append(names, p.String())
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"providers", names,
		"data_dir", cfg.DataDir,
	)
	if len(names) == 0 {
		logger.Warn("no provider credentials configured; every chat will be rejected")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := openEngine(cfg, logger, bus)
	if err != nil {
		return err
	}
	defer eng.Close()

	collector := metrics.New(reg, eng.dispatcher.InFlightCount, logger)
	go collector.Run(ctx, bus)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, eng.dispatcher, cfg.Providers, logger)
	server.SetUsageStore(eng.usage)
	server.SetGatherer(reg)
	server.SetEventBus(bus)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Chatbridge stopped")
	return nil
}
