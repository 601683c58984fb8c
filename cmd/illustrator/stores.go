package main

import (
	"log/slog"
	"time"

	"github.com/aristath/illustrator/internal/artifact"
	"github.com/aristath/illustrator/internal/backend"
	"github.com/aristath/illustrator/internal/config"
	"github.com/aristath/illustrator/internal/events"
	"github.com/aristath/illustrator/internal/generation"
)

// openArtifacts opens both artifact tiers. Maintenance reports from the
// evictable tier are published on bus, which may be nil.
func openArtifacts(cfg *config.Config, logger *slog.Logger, bus *events.Bus) (*artifact.Cache, *artifact.Durable, error) {
	cache, err := artifact.NewCache(artifact.CacheConfig{
		Dir:              cfg.Cache.Dir,
		MemoryCountLimit: cfg.Cache.MemoryCountLimit,
		MemoryCostLimit:  cfg.Cache.MemoryCostLimit,
		DiskLimit:        cfg.Cache.DiskLimit,
		MaxAge:           cfg.Cache.MaxAge.Std(),
		Logger:           logger,
		OnMaintenance: func(r artifact.MaintenanceReport) {
			bus.Publish(events.CacheMaintenanceEvent{
				Expired:    r.Expired,
				Trimmed:    r.Trimmed,
				BytesFreed: r.BytesFreed,
				DiskBytes:  r.DiskBytes,
				DiskFiles:  r.DiskFiles,
				Timestamp:  time.Now(),
			})
		},
	})
	if err != nil {
		return nil, nil, err
	}

	durable, err := artifact.NewDurable(artifact.DurableConfig{
		Dir:              cfg.Durable.Dir,
		MemoryCountLimit: cfg.Durable.MemoryCountLimit,
		MemoryCostLimit:  cfg.Durable.MemoryCostLimit,
		Logger:           logger,
	})
	if err != nil {
		cache.Close()
		return nil, nil, err
	}
	return cache, durable, nil
}

// newGenerator builds the configured backend wrapped in a retrying client.
func newGenerator(cfg config.GenerationConfig, pm *backend.ProcessManager, logger *slog.Logger) (*generation.Client, error) {
	b, err := backend.New(backend.Config{
		Type:     cfg.Backend,
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey(),
		Command:  cfg.Command,
		Args:     cfg.Args,
		Size:     cfg.Size,
		Timeout:  cfg.Timeout.Std(),
	}, pm)
	if err != nil {
		return nil, err
	}

	return generation.NewClient(b, generation.Config{
		MaxAttempts:      cfg.MaxAttempts,
		BaseDelay:        cfg.BaseDelay.Std(),
		Jitter:           cfg.Jitter.Std(),
		Rate:             cfg.Rate,
		Burst:            cfg.Burst,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout.Std(),
		Size:             cfg.Size,
		Logger:           logger,
	}), nil
}
