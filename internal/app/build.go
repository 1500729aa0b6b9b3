package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/httpapi"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *session.Registry
	Machine  *relay.Machine
	Reaper   *relay.Reaper
	Metrics  *observability.Metrics

	// Cleanup closes every live session and its upstream link. Call it after
	// the HTTP server has stopped accepting connections.
	Cleanup func() error
}

func Build(_ context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	registry := session.NewRegistry(cfg.OutboundQueueSize)

	dialer := upstream.NewDialer(upstream.Config{
		URL:            cfg.OpenAIRealtimeURL,
		Model:          cfg.OpenAIRealtimeModel,
		APIKey:         cfg.OpenAIAPIKey,
		ConnectTimeout: cfg.ConnectTimeout,
	}, logger.With("component", "upstream"), metrics)

	machine := relay.NewMachine(registry, dialer, metrics, logger.With("component", "relay"))
	reaper := relay.NewReaper(machine, registry, relay.ReaperConfig{
		Interval:    cfg.ReapInterval,
		IdleTimeout: cfg.IdleTimeout,
		Grace:       cfg.CreateGrace,
	}, logger.With("component", "reaper"))

	api := httpapi.New(cfg, registry, machine, metrics, logger.With("component", "gateway"))

	cleanup := func() error {
		machine.CloseAll()
		if ids := registry.ListIDs(); len(ids) > 0 {
			return fmt.Errorf("%d sessions still registered after cleanup", len(ids))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: registry,
		Machine:  machine,
		Reaper:   reaper,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
