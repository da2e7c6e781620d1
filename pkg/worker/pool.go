package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// PoolConfig describes a Pool.
type PoolConfig struct {
	// Concurrency is the number of task loops. Zero means 4.
	Concurrency int

	// RecoverEvery is how often stalled instances are recovered. Zero
	// disables the recovery loop.
	RecoverEvery time.Duration
	// StalledAfter is how long an active instance may go without a
	// checkpoint before it counts as stalled.
	StalledAfter time.Duration

	Logger *slog.Logger
}

// Pool runs a Worker from several goroutines and periodically recovers
// stalled instances.
type Pool struct {
	worker *Worker
	cfg    PoolConfig
	logger *slog.Logger
}

// NewPool creates a pool around w.
func NewPool(w *Worker, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = w.logger
	}
	return &Pool{worker: w, cfg: cfg, logger: logger}
}

// Run processes tasks until ctx is done. It returns nil on a clean
// shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "worker pool starting",
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Duration("recover_every", p.cfg.RecoverEvery),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Concurrency {
		g.Go(func() error { return p.loop(gctx, i) })
	}
	if p.cfg.RecoverEvery > 0 {
		g.Go(func() error { return p.recoverLoop(gctx) })
	}

	err := g.Wait()
	p.logger.InfoContext(ctx, "worker pool stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) error {
	for {
		processed, err := p.worker.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			continue
		}
		if !processed {
			// The queue itself failed; back off before polling again.
			p.logger.ErrorContext(ctx, "dequeue error",
				slog.Int("slot", slot),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		p.logger.WarnContext(ctx, "task failed",
			slog.Int("slot", slot),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) recoverLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.RecoverEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce re-runs stalled instances once and logs the outcome.
func (p *Pool) RecoverOnce(ctx context.Context) {
	recovered, err := p.worker.engine.RecoverStalled(ctx, p.cfg.StalledAfter)
	if err != nil && ctx.Err() == nil {
		p.logger.ErrorContext(ctx, "stalled recovery failed", slog.String("error", err.Error()))
	}
	if len(recovered) > 0 {
		p.logger.InfoContext(ctx, "stalled instances recovered", slog.Int("count", len(recovered)))
	}
}
