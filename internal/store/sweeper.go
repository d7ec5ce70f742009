package store

import (
	"context"
	"log/slog"
	"time"
)

// AbandonCallback is called after a sweep that abandoned at least one session.
type AbandonCallback func(count int64)

// StartAbandonSweeper runs a background goroutine that periodically marks
// ACTIVE sessions idle for longer than ttl as ABANDONED. It stops when ctx is done.
func StartAbandonSweeper(ctx context.Context, s SessionStore, interval, ttl time.Duration, onAbandon AbandonCallback) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Abandon sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepIdleSessions(ctx, s, ttl, onAbandon)
			case <-ctx.Done():
				slog.Info("Abandon sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleSessions(ctx context.Context, s SessionStore, ttl time.Duration, onAbandon AbandonCallback) int64 {
	n, err := s.MarkAbandoned(ctx, time.Now().Add(-ttl))
	if err != nil {
		slog.Error("Abandon sweeper failed to mark idle sessions", "error", err)
	}
	if n > 0 {
		slog.Info("Abandon sweeper marked idle sessions", "count", n)
		if onAbandon != nil {
			onAbandon(n)
		}
	}
	return n
}
