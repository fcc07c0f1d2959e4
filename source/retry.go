package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// RetryConfig bounds how often a failed read is retried.
type RetryConfig struct {
	Attempts     int           // total attempts including the first (default: 5)
	InitialDelay time.Duration // delay before the first retry (default: 100ms)
	MaxDelay     time.Duration // cap for the doubling delay (default: 5s)
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

type retrying struct {
	src Source
	ctx context.Context
	cfg RetryConfig
}

// Retry wraps src so that reads failing with ErrSourceUnavailable are retried with
// exponential backoff. Once the budget is spent the returned error matches both
// ErrSourceUnavailable and ErrRetriesExhausted. ctx aborts pending backoff waits.
func Retry(ctx context.Context, src Source, cfg RetryConfig) Source {
	def := DefaultRetryConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}

	return &retrying{src: src, ctx: ctx, cfg: cfg}
}

func (r *retrying) ReadAt(p []byte, off int64) (int, error) {
	delay := r.cfg.InitialDelay

	var err error
	for attempt := 1; ; attempt++ {
		var n int
		n, err = r.src.ReadAt(p, off)
		if err == nil || err == io.EOF || !errors.Is(err, ErrSourceUnavailable) {
			return n, err
		}

		if attempt >= r.cfg.Attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("%w: %w", ErrSourceUnavailable, r.ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}

	return 0, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.cfg.Attempts, err)
}

func (r *retrying) Size() int64 {
	return r.src.Size()
}
