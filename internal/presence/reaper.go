package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper removes sessions that stopped heartbeating, for instance after a
// process crash skipped the leave path.
type Reaper struct {
	registry *Registry
	ttl      time.Duration
	interval time.Duration
}

// NewReaper returns a reaper that deletes sessions idle for longer than ttl.
// A zero ttl disables reaping.
func NewReaper(registry *Registry, ttl, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{registry: registry, ttl: ttl, interval: interval}
}

func (r *Reaper) Enabled() bool { return r.ttl > 0 }

// Sweep runs one reaping pass and returns the number of removed sessions.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	if !r.Enabled() {
		return 0, nil
	}
	cutoff := r.registry.now().UTC().Add(-r.ttl)
	return r.registry.backend.DeleteStalePresence(ctx, cutoff)
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := r.Sweep(ctx)
			if err != nil {
				r.registry.log.Warn("presence reap failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				r.registry.log.Info("reaped stale presence sessions", zap.Int64("removed", removed))
			}
		}
	}
}
