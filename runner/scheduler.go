package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Start triggers a run immediately and then once per interval until ctx is
// done. Ticks that land on an active run are dropped.
func (r *Runner) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}

	r.logger.Info("scheduler started", "interval", r.interval, "runTimeout", r.runTimeout)
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return nil
		case <-r.ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	runID, err := r.Trigger(ctx)
	if errors.Is(err, ErrRunInProgress) || errors.Is(err, ErrClosed) {
		return
	}
	r.logger.Debug("scheduled run triggered", "runID", runID)
}
