package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
)

// Config controls attempt count and exponential backoff between attempts.
type Config struct {
	MaxAttempts int           // total attempts including the first one
	BaseDelay   time.Duration // delay after the first failed attempt
	MaxDelay    time.Duration // cap on any single delay
	Multiplier  float64       // backoff growth factor
}

// DefaultConfig is the job runner policy: three attempts, 500ms doubling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
	}
}

// NetworkConfig is used for connection setup and registry loads.
func NetworkConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  1.5,
	}
}

type Func func(attempt int) error

type IsRetryable func(error) bool

// Always retries every error until attempts run out.
func Always(err error) bool {
	return err != nil
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. attempt passed to fn is 1-based.
func Do(ctx context.Context, cfg Config, fn Func, isRetryable IsRetryable) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("cancelled after %d attempts: %w", attempt-1, lastErr)
			}
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			log.Debugf("retry: attempt %d/%d failed with non-retryable error: %v", attempt, cfg.MaxAttempts, err)
			return err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Delay(cfg, attempt)
		log.Debugf("retry: attempt %d/%d failed, waiting %v: %v", attempt, cfg.MaxAttempts, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("cancelled after %d attempts: %w", attempt, lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed, last error: %w", cfg.MaxAttempts, lastErr)
}

// Delay is the wait after the given failed attempt (1-based).
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(cfg.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	return time.Duration(delay)
}
