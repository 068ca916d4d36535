// Package syncer implements the reconciler: a background loop that copies new
// chat log contents into the durable store using idempotent upserts, so
// repeated passes converge instead of duplicating.
package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/convosync/convosync/internal/chatlog"
	"github.com/convosync/convosync/internal/config"
	"github.com/convosync/convosync/internal/database"
)

// Reconciler keeps the durable store eventually consistent with the local
// chat log. All mutable state (resolved bot, last processed fingerprint) is
// owned by the instance, so independent reconcilers never cross-contaminate.
type Reconciler struct {
	store          database.Store
	chatLog        *chatlog.Log
	logger         *slog.Logger
	botName        string
	botIdentifier  string
	interval       time.Duration
	restartBackoff time.Duration

	// passMu serializes passes: a running pass completes all of its writes
	// before the next trigger may start one.
	passMu          sync.Mutex
	bot             *database.Bot
	lastFingerprint string
}

// New creates a Reconciler. The bot identified by (botName, botIdentifier) is
// resolved lazily on the first pass.
func New(store database.Store, chatLog *chatlog.Log, botName, botIdentifier string, cfg config.SyncConfig, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	backoff := cfg.RestartBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Reconciler{
		store:          store,
		chatLog:        chatLog,
		logger:         logger.With("component", "reconciler"),
		botName:        botName,
		botIdentifier:  botIdentifier,
		interval:       interval,
		restartBackoff: backoff,
	}
}

// Run executes the reconciliation loop until ctx is cancelled. A fatal error
// in the loop restarts it from scratch (bot re-resolved, fingerprint reset)
// after a fixed backoff, indefinitely.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		err := r.runLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Error("Reconciler loop failed, restarting after backoff",
			"error", err, "backoff", r.restartBackoff)
		r.reset()

		timer := time.NewTimer(r.restartBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Reconciler) reset() {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	r.bot = nil
	r.lastFingerprint = ""
}

// runLoop performs the immediate catch-up pass and then waits for file-change
// notifications or the periodic timer. Both triggers funnel through a depth-1
// channel, coalescing bursts so the pass invariant holds.
func (r *Reconciler) runLoop(ctx context.Context) error {
	if err := r.SyncOnce(ctx); err != nil {
		return fmt.Errorf("initial catch-up pass failed: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create chat log watcher: %w", err)
	}
	defer watcher.Close()

	logPath := r.chatLog.Path()
	// Watch the directory: atomic rewrites replace the file by rename, which
	// would silently detach a watch on the file itself.
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		return fmt.Errorf("failed to watch chat log directory: %w", err)
	}

	triggers := make(chan struct{}, 1)
	go func() {
		base := filepath.Base(logPath)
		for event := range watcher.Events {
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case triggers <- struct{}{}:
			default:
			}
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Watching chat log for changes", "path", logPath, "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("chat log watcher closed unexpectedly")
			}
			return fmt.Errorf("chat log watcher failed: %w", watchErr)
		case <-triggers:
			if err := r.SyncOnce(ctx); err != nil {
				return err
			}
		case <-ticker.C:
			if err := r.SyncOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// SyncOnce runs one reconciliation pass. It is a no-op when the chat log
// fingerprint matches the last fully processed snapshot. Failures on a single
// conversation are logged and skipped; any failure keeps the fingerprint
// unchanged so the whole snapshot is retried on the next trigger, relying on
// the store's idempotent upserts to absorb the re-processing.
func (r *Reconciler) SyncOnce(ctx context.Context) error {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	bot, err := r.resolveBot(ctx)
	if err != nil {
		return err
	}

	entries, fp, err := r.chatLog.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot chat log: %w", err)
	}
	if fp == r.lastFingerprint {
		r.logger.Debug("Chat log unchanged, skipping pass")
		return nil
	}

	r.logger.Info("Synchronizing chat log to store", "conversations", len(entries))
	start := time.Now()

	failed := 0
	synced := 0
	for _, entry := range entries {
		name := entry.Name
		if name == "" {
			name = entry.From
		}

		conv, _, convErr := r.store.GetOrCreateConversation(ctx, bot.ID, entry.From, name)
		if convErr != nil {
			r.logger.Warn("Failed to synchronize conversation, skipping",
				"remote_jid", entry.From, "error", convErr)
			failed++
			continue
		}

		entryOK := true
		for _, msg := range entry.Messages {
			if _, _, msgErr := r.store.InsertMessageIfAbsent(ctx, conv.ID, msg.Body, msg.FromMe, "text", msg.Timestamp); msgErr != nil {
				r.logger.Warn("Failed to store message, skipping rest of conversation",
					"remote_jid", entry.From, "error", msgErr)
				entryOK = false
				break
			}
		}
		if entryOK {
			synced++
		} else {
			failed++
		}
	}

	if failed == 0 {
		r.lastFingerprint = fp
		r.logger.Info("Synchronization pass completed",
			"conversations", synced, "duration", time.Since(start))
	} else {
		r.logger.Warn("Synchronization pass completed with failures, snapshot will be retried",
			"synced", synced, "failed", failed, "duration", time.Since(start))
	}
	return nil
}

func (r *Reconciler) resolveBot(ctx context.Context) (*database.Bot, error) {
	if r.bot != nil {
		return r.bot, nil
	}
	bot, outcome, err := r.store.GetOrCreateBot(ctx, r.botName, r.botIdentifier)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bot %q: %w", r.botIdentifier, err)
	}
	r.logger.Info("Bot resolved", "bot_id", bot.ID, "name", bot.Name, "outcome", outcome.String())
	r.bot = bot
	return bot, nil
}
