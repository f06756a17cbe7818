package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atinar/pulsar/internal/storage"
)

const retentionInterval = 6 * time.Hour

// retentionLoop periodically prunes check results older than the
// configured retention window. Endpoint rows are never touched.
func retentionLoop(ctx context.Context, history storage.History, retentionDays int, logger *zap.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		n, err := history.PruneBefore(ctx, cutoff)
		if err != nil {
			logger.Error("retention: failed to prune results", zap.Error(err))
			continue
		}
		if n > 0 {
			logger.Info("retention: pruned old results",
				zap.Int64("rows", n), zap.Int("retention_days", retentionDays))
		}
	}
}
