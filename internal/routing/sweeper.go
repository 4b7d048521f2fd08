package routing

import (
	"context"
	"log/slog"
	"time"
)

// SweepInterval is how often the expiry sweeper runs.
const SweepInterval = 5 * time.Minute

// RunSweeper periodically expires overdue queued messages, purges old
// delivered/expired rows past the retention window, and prunes stale
// seen_message_ids replay-prevention records. It blocks until ctx is
// cancelled, matching the shape expected of every loop run under the
// process's errgroup.
func (c *Core) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Core) sweepOnce(ctx context.Context) {
	expired, err := c.db.ExpireOverdueMessages(ctx, c.db.Pool)
	if err != nil {
		c.logger.Error("routing: expiring overdue messages", slog.String("error", err.Error()))
	} else if expired > 0 {
		c.logger.Info("routing: expired overdue messages", slog.Int64("count", expired))
	}

	purged, err := c.db.PurgeOldMessages(ctx, c.db.Pool, c.retentionWindow)
	if err != nil {
		c.logger.Error("routing: purging old messages", slog.String("error", err.Error()))
	} else if purged > 0 {
		c.logger.Info("routing: purged old messages", slog.Int64("count", purged))
	}

	pruned, err := c.db.PruneSeenMessageIDs(ctx, c.db.Pool, 7*24*time.Hour)
	if err != nil {
		c.logger.Error("routing: pruning seen message ids", slog.String("error", err.Error()))
	} else if pruned > 0 {
		c.logger.Info("routing: pruned seen message ids", slog.Int64("count", pruned))
	}

	stale, err := c.db.ExpireStaleHandshakes(ctx, c.db.Pool, 7*24*time.Hour)
	if err != nil {
		c.logger.Error("routing: expiring stale handshakes", slog.String("error", err.Error()))
	} else if stale > 0 {
		c.logger.Info("routing: expired stale handshakes", slog.Int64("count", stale))
	}
}
