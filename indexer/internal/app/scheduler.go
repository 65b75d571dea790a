package app

import (
	"context"
	"time"
)

// RunScheduler calls RunIndexingRound as caller every interval until ctx is
// cancelled. A failed round is logged and the next tick tries again.
func (a *App) RunScheduler(ctx context.Context, interval time.Duration, caller string) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	a.Logger.Info("scheduler started", "interval", interval, "caller", caller)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.tick(ctx, caller)
		}
	}
}

func (a *App) tick(ctx context.Context, caller string) {
	snap, err := a.Service.RunIndexingRound(ctx, caller)
	if err != nil {
		// The service has already logged and counted the failure.
		a.Logger.Warn("scheduled round did not commit", "err", err)
		return
	}
	a.Logger.Debug("scheduled round committed", "id", snap.ID)
}
