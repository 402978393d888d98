package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTTLInterval is how often the TTL worker sweeps.
const DefaultTTLInterval = 5 * time.Minute

// LiveFunc reports whether a session still has an open connection.
type LiveFunc func(sessionID string) bool

// StartTTLWorker runs a background goroutine that periodically releases
// sessions whose state has not changed within ttl. Sessions for which live
// returns true are kept regardless of age. It stops when ctx is done.
func StartTTLWorker(ctx context.Context, tracker *Tracker, ttl, interval time.Duration, live LiveFunc) {
	if interval <= 0 {
		interval = DefaultTTLInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpired(tracker, ttl, live)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(tracker *Tracker, ttl time.Duration, live LiveFunc) int {
	expired := tracker.Expired(ttl)
	released := 0
	for _, id := range expired {
		if live != nil && live(id) {
			continue
		}
		tracker.Release(id)
		released++
	}
	if released > 0 {
		slog.Info("TTL worker released idle sessions", "count", released, "remaining", tracker.Len())
	}
	return released
}
