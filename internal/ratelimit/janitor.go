package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// RunJanitor calls l.Cleanup every interval until ctx is canceled.
func RunJanitor(ctx context.Context, l *SlidingWindow, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				logger.Debug("evicted idle rate-limit windows", "count", n, "tracked", l.Len())
			}
		}
	}
}
