package stats

import (
	"context"
	"log/slog"
	"time"
)

// RunRollover resets a every interval until ctx is done, handing each
// closed window to onClose. onClose may be nil.
func RunRollover(ctx context.Context, a *Aggregator, interval time.Duration, onClose func(context.Context, Window), logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w := a.Reset()
			logger.Info("stats window closed",
				"start", w.Start,
				"end", w.End,
				"count", w.Stats.Count,
				"device_count", w.Stats.DeviceCount,
			)
			if onClose != nil {
				onClose(ctx, w)
			}
		}
	}
}
