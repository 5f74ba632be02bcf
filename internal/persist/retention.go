package persist

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

// RunRetention periodically deletes settled records older than the retention
// period. Failed records are never pruned; they are the manual queue.
// Blocks until ctx is cancelled. Pass retentionDays <= 0 to disable.
func RunRetention(ctx context.Context, store *Store, retentionDays int, logger *zap.Logger) {
	if retentionDays <= 0 {
		logger.Info("settlement retention disabled (keep forever)")
		return
	}

	interval := 1 * time.Hour
	logger.Info("settlement retention enabled",
		zap.Int("days", retentionDays),
		zap.Duration("interval", interval))

	// Run once immediately on startup, then on the ticker.
	prune(ctx, store, retentionDays, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune(ctx, store, retentionDays, logger)
		}
	}
}

func prune(ctx context.Context, store *Store, retentionDays int, logger *zap.Logger) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result, err := store.db.Collection(collSettlements).DeleteMany(ctx, pruneFilter(cutoff))
	if err != nil {
		logger.Warn("settlement retention prune failed", zap.Error(err))
		return
	}

	if result.DeletedCount > 0 {
		logger.Info("settlement retention pruned",
			zap.Int64("deleted", result.DeletedCount),
			zap.String("before", cutoff.Format(time.DateOnly)))
	}
}

// pruneFilter selects settled records finalized before cutoff. Failed and
// unfinished records never match.
func pruneFilter(cutoff time.Time) bson.M {
	return bson.M{
		"state":        string(settlement.StateSettled),
		"finalized_at": bson.M{"$lt": cutoff},
	}
}
