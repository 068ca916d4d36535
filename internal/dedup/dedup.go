// Package dedup removes duplicate conversations and messages that predate the
// store's uniqueness guards, merging them onto canonical rows without losing
// any message.
package dedup

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/convosync/convosync/internal/database"
)

// ConversationReport summarizes one conversation cleanup run.
type ConversationReport struct {
	UniqueConversations int
	DuplicatesRemoved   int
	MessagesMigrated    int64
}

// Deduplicator merges duplicate rows in the durable store.
type Deduplicator struct {
	store  database.Store
	logger *slog.Logger
}

// New creates a Deduplicator backed by the given store.
func New(store database.Store, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Deduplicator{
		store:  store,
		logger: logger.With("component", "dedup"),
	}
}

// CleanConversations merges duplicate conversations for one bot, or across
// all bots when botID is zero. In the global mode conversations are grouped
// by remote JID alone, deliberately collapsing the same contact across bots
// onto a single canonical conversation.
//
// Within each group the earliest-created conversation survives. Messages from
// the duplicates are re-pointed to the survivor before the duplicates are
// deleted; if re-pointing fails the duplicate is kept and reported, never
// deleted with messages still attached.
func (d *Deduplicator) CleanConversations(ctx context.Context, botID int64) (*ConversationReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	convs, err := d.store.ListConversations(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	// ListConversations orders by created_at then id, so the first
	// conversation seen for a key is the canonical one.
	groups := make(map[string][]database.Conversation)
	order := make([]string, 0, len(convs))
	for _, conv := range convs {
		key := conv.RemoteJID
		if botID != 0 {
			key = fmt.Sprintf("%d|%s", conv.BotID, conv.RemoteJID)
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], conv)
	}

	report := &ConversationReport{UniqueConversations: len(order)}
	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}

		canonical := group[0]
		for _, dup := range group[1:] {
			moved, moveErr := d.store.ReassignMessages(ctx, dup.ID, canonical.ID)
			if moveErr != nil {
				d.logger.Warn("Failed to migrate messages, keeping duplicate conversation",
					"duplicate_id", dup.ID, "canonical_id", canonical.ID, "error", moveErr)
				continue
			}
			if delErr := d.store.DeleteConversation(ctx, dup.ID); delErr != nil {
				d.logger.Warn("Failed to delete emptied duplicate conversation",
					"duplicate_id", dup.ID, "error", delErr)
				report.MessagesMigrated += moved
				continue
			}
			report.MessagesMigrated += moved
			report.DuplicatesRemoved++
			d.logger.Debug("Merged duplicate conversation",
				"duplicate_id", dup.ID, "canonical_id", canonical.ID, "messages_migrated", moved)
		}
	}

	d.logger.Info("Conversation cleanup finished",
		"unique", report.UniqueConversations,
		"removed", report.DuplicatesRemoved,
		"messages_migrated", report.MessagesMigrated)
	return report, nil
}

// CleanMessages removes duplicate messages inside one conversation, or across
// all conversations when conversationID is zero. Messages are considered
// duplicates when conversation, body, direction and timestamp all match; the
// first occurrence in chronological order survives. Returns the number of
// rows removed.
func (d *Deduplicator) CleanMessages(ctx context.Context, conversationID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msgs, err := d.store.ListMessages(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to list messages: %w", err)
	}

	seen := make(map[string]bool, len(msgs))
	var doomed []int64
	for _, msg := range msgs {
		key := fmt.Sprintf("%d|%s|%t|%d", msg.ConversationID, msg.Body, msg.FromMe, msg.Timestamp.UTC().UnixNano())
		if seen[key] {
			doomed = append(doomed, msg.ID)
			continue
		}
		seen[key] = true
	}

	if len(doomed) == 0 {
		d.logger.Info("Message cleanup finished, no duplicates found")
		return 0, nil
	}

	if err := d.store.DeleteMessages(ctx, doomed); err != nil {
		return 0, fmt.Errorf("failed to delete %d duplicate messages: %w", len(doomed), err)
	}

	d.logger.Info("Message cleanup finished", "removed", len(doomed))
	return len(doomed), nil
}
