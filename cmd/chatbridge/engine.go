package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/chatbridge/internal/config"
	"github.com/nugget/chatbridge/internal/events"
	"github.com/nugget/chatbridge/internal/filestore"
	"github.com/nugget/chatbridge/internal/llm"
	"github.com/nugget/chatbridge/internal/usage"
)

// engine bundles the dispatcher with the stores it writes to.
type engine struct {
	dispatcher *llm.Dispatcher
	usage      *usage.Store
	files      *filestore.Store
}

// openEngine opens the data directory stores and builds a dispatcher
// wired to them. bus may be nil.
func openEngine(cfg *config.Config, logger *slog.Logger, bus *events.Bus) (*engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	files, err := filestore.New(filepath.Join(cfg.DataDir, "images"))
	if err != nil {
		store.Close()
		return nil, err
	}

	d := llm.NewDispatcher(logger,
		llm.WithEventBus(bus),
		llm.WithImageSaver(files),
		llm.WithRecorder(usage.NewRecorder(store, cfg.Pricing)),
		llm.WithCallTimeout(cfg.Engine.CallTimeout),
		llm.WithMaxInFlight(cfg.Engine.MaxInFlight),
	)

	logger.Debug("engine ready",
		"data_dir", cfg.DataDir,
		"images", files.Dir(),
		"call_timeout", cfg.Engine.CallTimeout,
		"max_in_flight", cfg.Engine.MaxInFlight,
	)
	return &engine{dispatcher: d, usage: store, files: files}, nil
}

// Close releases the usage store.
func (e *engine) Close() error {
	return e.usage.Close()
}
