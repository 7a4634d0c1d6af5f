package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"deskline/internal/repo"
)

// Watchdog expires overdue PENDING requests on a fixed interval.
type Watchdog struct {
	Engine   *Engine
	Interval time.Duration
}

// Run ticks until ctx is done. Each pass lists requests whose deadline has
// passed and expires them one by one; a request resolved between the list
// and the expiry is simply skipped.
func (w Watchdog) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass.
func (w Watchdog) Sweep(ctx context.Context) {
	e := w.Engine
	cutoff := e.now().UTC().Format(time.RFC3339)
	overdue, err := e.Store.OverduePending(ctx, cutoff)
	if err != nil {
		e.Logger.Warn("watchdog list failed", zap.Error(err))
		return
	}
	for _, req := range overdue {
		if _, err := e.Expire(ctx, req.ID); err != nil {
			if errors.Is(err, repo.ErrAlreadyTerminal) || errors.Is(err, repo.ErrNotFound) {
				continue
			}
			e.Logger.Warn("watchdog expire failed",
				zap.String("request_id", req.ID), zap.Error(err))
		}
	}
}
