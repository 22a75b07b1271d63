package retryer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds the retry policy for a class of operations.
type Config struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	JitterPercentage float64       `yaml:"jitter_percentage"`
}

// DefaultConfig returns a policy suitable for slow external calls
// (chain RPC, object storage).
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialDelay:     500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

// Do executes fn with bounded exponential backoff. transient decides which
// errors are worth retrying; everything else fails immediately. The last
// error is returned verbatim (wrapped with the operation name) so callers
// can preserve it for diagnostics.
func Do(ctx context.Context, logger *zap.Logger, cfg Config, operation string, transient func(error) bool, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !transient(err) || attempt == cfg.MaxAttempts {
			if attempt > 1 {
				logger.Warn("Operation failed after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Error(err))
			}
			return fmt.Errorf("%s: %w", operation, err)
		}

		jitter := time.Duration(float64(delay) * cfg.JitterPercentage * (0.5 + (float64(attempt) / float64(cfg.MaxAttempts))))
		sleepTime := delay + jitter

		logger.Warn("Retrying operation after transient error",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", sleepTime),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-time.After(sleepTime):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("%s: %w", operation, lastErr)
}
