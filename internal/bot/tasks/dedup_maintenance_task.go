package tasks

import (
	"context"
	"fmt"
	"time"
)

// newDedupMaintenanceTask creates the scheduled task that merges duplicate
// conversations across all bots and then removes duplicate messages.
func newDedupMaintenanceTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "dedup_maintenance")

	return func(ctx context.Context) error {
		log.InfoContext(ctx, "Starting scheduled duplicate cleanup task...")
		startTime := time.Now()

		taskCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()

		report, err := deps.Deduplicator.CleanConversations(taskCtx, 0)
		if err != nil {
			log.ErrorContext(ctx, "Conversation cleanup failed", "error", err, "duration", time.Since(startTime))
			return fmt.Errorf("conversation cleanup failed: %w", err)
		}

		removed, err := deps.Deduplicator.CleanMessages(taskCtx, 0)
		if err != nil {
			log.ErrorContext(ctx, "Message cleanup failed", "error", err, "duration", time.Since(startTime))
			return fmt.Errorf("message cleanup failed: %w", err)
		}

		log.InfoContext(ctx, "Scheduled duplicate cleanup task completed",
			"conversations_removed", report.DuplicatesRemoved,
			"messages_migrated", report.MessagesMigrated,
			"messages_removed", removed,
			"duration", time.Since(startTime))
		return nil
	}
}
