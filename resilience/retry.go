package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         float64
	RetryableCheck func(error) bool
	// Sleep and Rand are swapped out in tests to make schedules deterministic.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

type RetryResult struct {
	Attempts int
	Delays   []time.Duration
	LastErr  error
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.15,
		RetryableCheck: func(err error) bool {
			return err != nil
		},
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or the context deadline leaves no room for the next backoff.
// fn receives the zero-based attempt number.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) (*RetryResult, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.RetryableCheck == nil {
		cfg.RetryableCheck = func(err error) bool { return err != nil }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	result := &RetryResult{}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if result.LastErr != nil {
				return result, result.LastErr
			}
			result.LastErr = err
			return result, err
		}

		result.Attempts = attempt + 1
		err := fn(attempt)
		if err == nil {
			result.LastErr = nil
			return result, nil
		}
		result.LastErr = err

		if !cfg.RetryableCheck(err) || attempt == cfg.MaxRetries {
			return result, err
		}

		delay := cfg.Backoff(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			return result, err
		}

		result.Delays = append(result.Delays, delay)
		if sleepErr := cfg.Sleep(ctx, delay); sleepErr != nil {
			return result, err
		}
	}

	return result, result.LastErr
}

// Backoff returns the delay before retry number attempt+1: InitialDelay
// scaled by Multiplier^attempt, capped at MaxDelay, then spread by ±Jitter.
func (cfg RetryConfig) Backoff(attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		r := 0.5
		if cfg.Rand != nil {
			r = cfg.Rand()
		}
		delay = delay + (r*2-1)*cfg.Jitter*delay
	}

	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
