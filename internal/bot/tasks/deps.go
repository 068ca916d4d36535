// Package tasks implements the scheduled maintenance tasks: duplicate cleanup
// and database housekeeping.
package tasks

import (
	"log/slog"

	"github.com/convosync/convosync/internal/config"
	"github.com/convosync/convosync/internal/database"
	"github.com/convosync/convosync/internal/dedup"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger       *slog.Logger
	Store        database.Store
	Deduplicator *dedup.Deduplicator
	Config       *config.Config
}
