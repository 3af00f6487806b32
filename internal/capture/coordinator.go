package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Coordinator gates calls into the engine behind a fixed pool of permits.
// Callers beyond the pool size queue in FIFO order. A permit is released on
// every exit path, so engine failures and timeouts never leak slots.
type Coordinator struct {
	engine  Engine
	sem     *semaphore.Weighted
	width   int
	height  int
	timeout time.Duration
	logger  *slog.Logger
}

// NewCoordinator builds a coordinator with maxConcurrent permits and the
// fixed viewport and per-call timeout used for every capture.
func NewCoordinator(engine Engine, maxConcurrent, width, height int, timeout time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		engine:  engine,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		width:   width,
		height:  height,
		timeout: timeout,
		logger:  logger,
	}
}

// Run blocks until a permit is available, invokes the engine once, and
// returns the image bytes with the measured generation latency. The engine
// is never retried here; retry policy belongs to the caller.
func (c *Coordinator) Run(ctx context.Context, url string) ([]byte, time.Duration, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, fmt.Errorf("acquiring capture slot: %w", err)
	}
	defer c.sem.Release(1)

	start := time.Now()
	data, err := c.engine.Capture(ctx, url, c.width, c.height, c.timeout)
	elapsed := time.Since(start)

	if err != nil {
		var capErr *Error
		if !errors.As(err, &capErr) {
			err = classify(err)
		}
		c.logger.Error("capture failed",
			slog.String("url", url),
			slog.String("error", err.Error()),
			slog.Int64("elapsed_ms", elapsed.Milliseconds()),
		)
		return nil, elapsed, err
	}

	c.logger.Info("capture complete",
		slog.String("url", url),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
		slog.Int("size_kb", len(data)/1024),
	)
	return data, elapsed, nil
}
