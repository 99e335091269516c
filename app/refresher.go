package app

import (
	"context"
	"errors"
	"time"
)

// run is the per-feed refresh task: one immediate attempt, then fixed-delay
// ticks where the next wait starts after the previous refresh returns.
//
// Fetches use the registry context rather than ctx, so cancelling a task
// stops its schedule without tearing down a fetch already in flight. The
// generation check in refresh drops that fetch's result.
func (r *Registry) run(ctx context.Context, name string, gen uint64, interval time.Duration) {
	defer r.wg.Done()
	r.metrics.SetTasks(int(r.live.Add(1)))
	defer func() { r.metrics.SetTasks(int(r.live.Add(-1))) }()

	r.scheduledRefresh(ctx, name, gen, "initial")

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		r.scheduledRefresh(ctx, name, gen, "timer")
		timer.Reset(interval)
	}
}

func (r *Registry) scheduledRefresh(ctx context.Context, name string, gen uint64, trigger string) {
	snap, err := r.refresh(r.ctx, name, gen)
	switch {
	case err == nil:
		r.metrics.Refresh(trigger, nil)
		r.logger.Debug().Str("feed", name).Str("trigger", trigger).Int("items", len(snap.Items)).Msg("feed refreshed")
	case errors.Is(err, ErrStaleRefresh), ctx.Err() != nil:
		r.logger.Debug().Str("feed", name).Str("trigger", trigger).Err(err).Msg("refresh discarded")
	default:
		r.metrics.Refresh(trigger, err)
		r.logger.Warn().Str("feed", name).Str("trigger", trigger).Err(err).Msg("refresh failed")
	}
}
