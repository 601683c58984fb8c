// Package generation wraps an image backend with retry, circuit breaking
// and rate limiting.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/aristath/illustrator/internal/backend"
)

// Config configures a Client.
type Config struct {
	MaxAttempts      int           // Total calls per Generate (default 3)
	BaseDelay        time.Duration // Delay after attempt n is 2^n times this
	Jitter           time.Duration // Upper bound of the random delay added to each retry
	Rate             float64       // Requests per second across all callers; 0 disables limiting
	Burst            int           // Limiter burst (default 1)
	BreakerThreshold uint32        // Consecutive failures that open the circuit (default 5)
	BreakerTimeout   time.Duration // How long the circuit stays open (default 30s)
	Size             string        // Requested image size
	Logger           *slog.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        time.Second,
		Jitter:           time.Second,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// Client generates images through a backend.
type Client struct {
	backend backend.Backend
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger

	newBackOff func() backoff.BackOff
}

// NewClient creates a client around b.
func NewClient(b backend.Backend, cfg Config) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		backend: b,
		cfg:     cfg,
		logger:  logger,
	}
	c.newBackOff = func() backoff.BackOff {
		return newJitterBackOff(cfg.BaseDelay, cfg.Jitter)
	}
	if cfg.Rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(cfg.Burst, 1))
	}

	threshold := cfg.BreakerThreshold
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generation",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not a backend failure.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return c
}

// Generate produces an image for prompt, passing reference (which may be
// nil) to the backend. Transient failures are retried up to MaxAttempts
// calls in total; the last error is returned when they are exhausted.
// Configuration failures and an open circuit are returned immediately.
func (c *Client) Generate(ctx context.Context, prompt string, reference []byte) ([]byte, error) {
	req := backend.Request{Prompt: prompt, Reference: reference, Size: c.cfg.Size}

	var image []byte
	attempt := 0
	operation := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("rate limit wait: %w", err))
			}
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			resp, err := c.backend.Generate(ctx, req)
			if err != nil {
				return nil, err
			}
			if len(resp.Image) == 0 {
				return nil, backend.ErrNoImage
			}
			return resp.Image, nil
		})
		if err != nil {
			return classify(ctx, err)
		}
		image = result.([]byte)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxAttempts-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		c.logger.Warn("generation attempt failed",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"retry_in", next,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return image, nil
}

// Close closes the underlying backend.
func (c *Client) Close() error {
	return c.backend.Close()
}

// classify marks errors that must not be retried as permanent.
func classify(ctx context.Context, err error) error {
	switch {
	case backend.IsConfigError(err):
		return backoff.Permanent(&ConfigError{Err: err})
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return backoff.Permanent(fmt.Errorf("generation unavailable: %w", err))
	case ctx.Err() != nil:
		return backoff.Permanent(err)
	}
	return err
}
