package session

import (
	"context"
	"log/slog"
	"time"
)

// SweepConfig controls the idle-session sweeper.
type SweepConfig struct {
	Interval  time.Duration
	TTL       time.Duration
	Retention time.Duration
}

// StartSweeper runs a background goroutine that periodically deletes idle
// sessions and purges old transcripts.
func (r *Registry) StartSweeper(ctx context.Context, cfg SweepConfig) {
	if cfg.Interval <= 0 || cfg.TTL <= 0 {
		slog.Info("Session sweeper disabled")
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", cfg.Interval, "ttl", cfg.TTL)

		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx, time.Now(), cfg)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes sessions idle for longer than the TTL that have neither an
// active turn nor an attached transport, then purges transcripts older than
// the retention. It returns the number of sessions deleted.
func (r *Registry) Sweep(ctx context.Context, now time.Time, cfg SweepConfig) int {
	r.mu.Lock()
	var expired []*Session
	for _, s := range r.sessions {
		if s.deleting {
			continue
		}
		if now.Sub(s.LastActivity()) > cfg.TTL && !s.Busy() && !s.Connected() {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		slog.Info("Sweeper found idle sessions", "count", len(expired))
	}
	deleted := 0
	for _, s := range expired {
		done, err := r.Delete(s.ID)
		if err != nil {
			continue
		}
		select {
		case <-done:
			deleted++
		case <-ctx.Done():
			return deleted
		}
	}

	if r.cfg.Repo != nil && cfg.Retention > 0 {
		if n, err := r.cfg.Repo.CleanupMessages(ctx, cfg.Retention); err != nil {
			slog.Error("Sweeper failed to purge old transcripts", "error", err)
		} else if n > 0 {
			slog.Info("Sweeper purged old transcript entries", "count", n)
		}
	}
	return deleted
}
