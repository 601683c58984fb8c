package config

import (
	"errors"
	"fmt"
	"time"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:              ".illustrator/cache",
			MemoryCountLimit: 100,
			MemoryCostLimit:  50 << 20,
			DiskLimit:        200 << 20,
			MaxAge:           Duration(7 * 24 * time.Hour),
		},
		Durable: DurableConfig{
			Dir:              ".illustrator/artifacts",
			MemoryCountLimit: 100,
			MemoryCostLimit:  50 << 20,
		},
		Generation: GenerationConfig{
			Backend:          "http",
			APIKeyEnv:        "ILLUSTRATOR_API_KEY",
			Size:             "1024x1024",
			Timeout:          Duration(2 * time.Minute),
			MaxAttempts:      3,
			BaseDelay:        Duration(time.Second),
			Jitter:           Duration(time.Second),
			BreakerThreshold: 5,
			BreakerTimeout:   Duration(30 * time.Second),
		},
		Loop: LoopConfig{
			Workers:      1,
			PollInterval: Duration(500 * time.Millisecond),
		},
		Database: DatabaseConfig{
			Path: ".illustrator/state.db",
		},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Generation.Backend {
	case "http", "command":
	default:
		errs = append(errs, fmt.Errorf("generation.backend: unknown backend %q", c.Generation.Backend))
	}
	if c.Generation.MaxAttempts < 1 {
		errs = append(errs, errors.New("generation.max_attempts must be at least 1"))
	}
	if c.Generation.BaseDelay < 0 || c.Generation.Jitter < 0 {
		errs = append(errs, errors.New("generation delays must not be negative"))
	}
	if c.Generation.Rate < 0 {
		errs = append(errs, errors.New("generation.rate must not be negative"))
	}
	if c.Loop.Workers < 1 {
		errs = append(errs, errors.New("loop.workers must be at least 1"))
	}
	if c.Loop.PollInterval <= 0 {
		errs = append(errs, errors.New("loop.poll_interval must be positive"))
	}
	if c.Cache.Dir == "" || c.Durable.Dir == "" {
		errs = append(errs, errors.New("cache.dir and durable.dir are required"))
	}
	if c.Cache.DiskLimit <= 0 {
		errs = append(errs, errors.New("cache.disk_limit must be positive"))
	}
	if c.Cache.MaxAge <= 0 {
		errs = append(errs, errors.New("cache.max_age must be positive"))
	}
	return errors.Join(errs...)
}
