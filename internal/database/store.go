package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"
)

// Outcome reports which branch an upsert operation took, so callers and tests
// can assert whether a record was created or an existing one was returned.
type Outcome int

const (
	// OutcomeFound means an existing record was returned.
	OutcomeFound Outcome = iota
	// OutcomeCreated means a new record was inserted.
	OutcomeCreated
)

func (o Outcome) String() string {
	if o == OutcomeCreated {
		return "created"
	}
	return "found"
}

// Store defines the interface for durable store operations. All mutation goes
// through get-or-create / insert-if-absent patterns that tolerate duplicate-key
// races by re-reading instead of locking.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// FindBot looks a bot up by phone number. Returns nil, nil when absent.
	FindBot(ctx context.Context, phoneNumber string) (*Bot, error)

	// GetOrCreateBot looks a bot up by phone number, creating it when absent.
	GetOrCreateBot(ctx context.Context, name, phoneNumber string) (*Bot, Outcome, error)

	// GetOrCreateConversation looks a conversation up by (botID, remoteJID),
	// creating it when absent. When found with a different stored contact name,
	// the name is refreshed best-effort.
	GetOrCreateConversation(ctx context.Context, botID int64, remoteJID, contactName string) (*Conversation, Outcome, error)

	// InsertMessageIfAbsent inserts a message unless one already exists for the
	// identity key (conversationID, timestamp, body, fromMe). A successful
	// insert bumps the parent conversation's last_message_at.
	InsertMessageIfAbsent(ctx context.Context, conversationID int64, body string, fromMe bool, messageType string, timestamp time.Time) (*Message, Outcome, error)

	// ListConversationsWithMessages returns a bot's conversations ordered by
	// last_message_at descending (never-messaged conversations last), each with
	// its messages ordered ascending by timestamp.
	ListConversationsWithMessages(ctx context.Context, botID int64) ([]ConversationWithMessages, error)

	// GetConversationWithMessages returns one conversation with its messages
	// ordered ascending by timestamp. Returns nil, nil when not found.
	GetConversationWithMessages(ctx context.Context, conversationID int64) (*ConversationWithMessages, error)

	// ListConversations returns conversations ordered by creation time
	// ascending. botID 0 means all bots.
	ListConversations(ctx context.Context, botID int64) ([]Conversation, error)

	// ListMessages returns messages ordered by timestamp ascending.
	// conversationID 0 means all conversations.
	ListMessages(ctx context.Context, conversationID int64) ([]Message, error)

	// ReassignMessages re-points all messages of one conversation to another,
	// returning the number of rows moved.
	ReassignMessages(ctx context.Context, fromConversationID, toConversationID int64) (int64, error)

	// DeleteConversation removes a conversation row.
	DeleteConversation(ctx context.Context, conversationID int64) error

	// DeleteMessages removes messages by id in one batch statement.
	DeleteMessages(ctx context.Context, messageIDs []int64) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore implements Store on top of sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store backed by sqlx. It requires a connected sqlx.DB
// instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueViolation reports whether err is a duplicate-key constraint failure.
// These are expected under concurrent writers and are resolved by re-reading.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		// SQLITE_CONSTRAINT_PRIMARYKEY and SQLITE_CONSTRAINT_UNIQUE
		if se.Code() == 1555 || se.Code() == 2067 {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *sqlxStore) findBot(ctx context.Context, phoneNumber string) (*Bot, error) {
	var bot Bot
	query := `SELECT id, name, phone_number, status, created_at, updated_at
	          FROM bots WHERE phone_number = ?`

	err := s.db.GetContext(ctx, &bot, query, phoneNumber)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find bot %q: %w", phoneNumber, err)
	}
	return &bot, nil
}

// FindBot looks a bot up by its phone number without creating anything, for
// read-only callers. Returns nil, nil when absent.
func (s *sqlxStore) FindBot(ctx context.Context, phoneNumber string) (*Bot, error) {
	if phoneNumber == "" {
		return nil, fmt.Errorf("bot phone number cannot be empty")
	}
	return s.findBot(ctx, phoneNumber)
}

// GetOrCreateBot looks a bot up by its phone number, creating it on first run.
// When the create loses a race against a concurrent writer, the existing row is
// re-read and returned instead of surfacing the constraint error.
func (s *sqlxStore) GetOrCreateBot(ctx context.Context, name, phoneNumber string) (*Bot, Outcome, error) {
	if phoneNumber == "" {
		return nil, OutcomeFound, fmt.Errorf("bot phone number cannot be empty")
	}
	if ctx.Err() != nil {
		return nil, OutcomeFound, ctx.Err()
	}

	bot, err := s.findBot(ctx, phoneNumber)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error finding bot", "phone_number", phoneNumber, "error", err)
		return nil, OutcomeFound, err
	}
	if bot != nil {
		s.logger.DebugContext(ctx, "Bot found", "bot_id", bot.ID, "name", bot.Name)
		return bot, OutcomeFound, nil
	}

	now := time.Now().UTC()
	created := &Bot{
		Name:        name,
		PhoneNumber: phoneNumber,
		Status:      "active",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	query := `INSERT INTO bots (name, phone_number, status, created_at, updated_at)
	          VALUES (:name, :phone_number, :status, :created_at, :updated_at)`

	result, err := s.db.NamedExecContext(ctx, query, created)
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.InfoContext(ctx, "Bot creation raced with concurrent writer, re-reading",
				"phone_number", phoneNumber)
			existing, ferr := s.findBot(ctx, phoneNumber)
			if ferr == nil && existing != nil {
				return existing, OutcomeFound, nil
			}
		}
		s.logger.ErrorContext(ctx, "Error creating bot", "phone_number", phoneNumber, "error", err)
		return nil, OutcomeFound, fmt.Errorf("failed to create bot %q: %w", phoneNumber, err)
	}

	if id, idErr := result.LastInsertId(); idErr == nil {
		created.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after creating bot",
			"phone_number", phoneNumber, "error", idErr)
	}

	s.logger.InfoContext(ctx, "Bot created", "bot_id", created.ID, "name", name, "phone_number", phoneNumber)
	return created, OutcomeCreated, nil
}

func (s *sqlxStore) findConversation(ctx context.Context, botID int64, remoteJID string) (*Conversation, error) {
	var conv Conversation
	query := `SELECT id, bot_id, remote_jid, contact_name, last_message_at, created_at
	          FROM conversations WHERE bot_id = ? AND remote_jid = ?
	          ORDER BY created_at ASC, id ASC LIMIT 1`

	err := s.db.GetContext(ctx, &conv, query, botID, remoteJID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find conversation (bot %d, jid %q): %w", botID, remoteJID, err)
	}
	return &conv, nil
}

// GetOrCreateConversation looks a conversation up by its natural key, creating
// it lazily on the first message with a new contact. The name refresh on the
// found path is best-effort: a failed update is logged, never propagated.
func (s *sqlxStore) GetOrCreateConversation(ctx context.Context, botID int64, remoteJID, contactName string) (*Conversation, Outcome, error) {
	if botID == 0 {
		return nil, OutcomeFound, fmt.Errorf("bot_id cannot be zero")
	}
	if remoteJID == "" {
		return nil, OutcomeFound, fmt.Errorf("remote_jid cannot be empty")
	}
	if ctx.Err() != nil {
		return nil, OutcomeFound, ctx.Err()
	}

	conv, err := s.findConversation(ctx, botID, remoteJID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error finding conversation", "bot_id", botID, "remote_jid", remoteJID, "error", err)
		return nil, OutcomeFound, err
	}
	if conv != nil {
		if contactName != "" && conv.ContactName != contactName {
			// Last write wins on concurrent renames.
			_, updateErr := s.db.ExecContext(ctx,
				`UPDATE conversations SET contact_name = ? WHERE id = ?`, contactName, conv.ID)
			if updateErr != nil {
				s.logger.WarnContext(ctx, "Failed to refresh conversation contact name",
					"conversation_id", conv.ID, "error", updateErr)
			} else {
				conv.ContactName = contactName
			}
		}
		return conv, OutcomeFound, nil
	}

	return s.createConversationWithFallback(ctx, botID, remoteJID, contactName)
}

// createConversationWithFallback inserts a new conversation; if the insert
// collides with a concurrent writer on the (bot_id, remote_jid) unique index,
// the winner's row is re-read and returned.
func (s *sqlxStore) createConversationWithFallback(ctx context.Context, botID int64, remoteJID, contactName string) (*Conversation, Outcome, error) {
	conv, err := s.createConversation(ctx, botID, remoteJID, contactName)
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.InfoContext(ctx, "Conversation creation raced with concurrent writer, re-reading",
				"bot_id", botID, "remote_jid", remoteJID)
			existing, ferr := s.findConversation(ctx, botID, remoteJID)
			if ferr == nil && existing != nil {
				return existing, OutcomeFound, nil
			}
		}
		s.logger.ErrorContext(ctx, "Error creating conversation",
			"bot_id", botID, "remote_jid", remoteJID, "error", err)
		return nil, OutcomeFound, err
	}

	s.logger.InfoContext(ctx, "Conversation created",
		"conversation_id", conv.ID, "bot_id", botID, "remote_jid", remoteJID, "contact_name", contactName)
	return conv, OutcomeCreated, nil
}

func (s *sqlxStore) createConversation(ctx context.Context, botID int64, remoteJID, contactName string) (*Conversation, error) {
	created := &Conversation{
		BotID:       botID,
		RemoteJID:   remoteJID,
		ContactName: contactName,
		CreatedAt:   time.Now().UTC(),
	}
	query := `INSERT INTO conversations (bot_id, remote_jid, contact_name, created_at)
	          VALUES (:bot_id, :remote_jid, :contact_name, :created_at)`

	result, err := s.db.NamedExecContext(ctx, query, created)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation (bot %d, jid %q): %w", botID, remoteJID, err)
	}
	if id, idErr := result.LastInsertId(); idErr == nil {
		created.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after creating conversation",
			"bot_id", botID, "remote_jid", remoteJID, "error", idErr)
	}
	return created, nil
}

func (s *sqlxStore) findMessage(ctx context.Context, q sqlx.QueryerContext, conversationID int64, timestamp time.Time, body string, fromMe bool) (*Message, error) {
	var msg Message
	query := `SELECT id, conversation_id, body, from_me, message_type, timestamp, created_at
	          FROM messages
	          WHERE conversation_id = ? AND timestamp = ? AND body = ? AND from_me = ?
	          LIMIT 1`

	err := sqlx.GetContext(ctx, q, &msg, query, conversationID, timestamp, body, fromMe)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find message in conversation %d: %w", conversationID, err)
	}
	return &msg, nil
}

// InsertMessageIfAbsent inserts a message once per observed event. A duplicate
// identity key returns the stored row unchanged, whether detected by the
// existence check or by losing an insert race.
func (s *sqlxStore) InsertMessageIfAbsent(ctx context.Context, conversationID int64, body string, fromMe bool, messageType string, timestamp time.Time) (*Message, Outcome, error) {
	if conversationID == 0 {
		return nil, OutcomeFound, fmt.Errorf("conversation_id cannot be zero")
	}
	if timestamp.IsZero() {
		return nil, OutcomeFound, fmt.Errorf("message must have a non-zero timestamp")
	}
	if messageType == "" {
		messageType = "text"
	}
	if ctx.Err() != nil {
		return nil, OutcomeFound, ctx.Err()
	}

	timestamp = timestamp.UTC()

	existing, err := s.findMessage(ctx, s.db, conversationID, timestamp, body, fromMe)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error checking for existing message",
			"conversation_id", conversationID, "error", err)
		return nil, OutcomeFound, err
	}
	if existing != nil {
		s.logger.DebugContext(ctx, "Message already stored, skipping insert",
			"conversation_id", conversationID, "message_id", existing.ID)
		return existing, OutcomeFound, nil
	}

	return s.insertMessageWithFallback(ctx, conversationID, body, fromMe, messageType, timestamp)
}

// insertMessageWithFallback inserts a message and bumps the conversation's
// last_message_at in one transaction. When the insert collides with a
// concurrent writer on the message identity index, the winner's row is
// re-read and returned.
func (s *sqlxStore) insertMessageWithFallback(ctx context.Context, conversationID int64, body string, fromMe bool, messageType string, timestamp time.Time) (*Message, Outcome, error) {
	created := &Message{
		ConversationID: conversationID,
		Body:           body,
		FromMe:         fromMe,
		MessageType:    messageType,
		Timestamp:      timestamp,
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for message insert",
			"conversation_id", conversationID, "error", err)
		return nil, OutcomeFound, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	query := `INSERT INTO messages (conversation_id, body, from_me, message_type, timestamp, created_at)
	          VALUES (:conversation_id, :body, :from_me, :message_type, :timestamp, :created_at)`

	result, err := tx.NamedExecContext(ctx, query, created)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race; the winner's row is the canonical one.
			// The re-read must stay on the transaction: the pool has a single
			// connection and this transaction holds it until rollback.
			s.logger.InfoContext(ctx, "Message insert raced with concurrent writer, re-reading",
				"conversation_id", conversationID)
			winner, ferr := s.findMessage(ctx, tx, conversationID, timestamp, body, fromMe)
			if ferr == nil && winner != nil {
				return winner, OutcomeFound, nil
			}
		}
		s.logger.ErrorContext(ctx, "Error inserting message", "conversation_id", conversationID, "error", err)
		return nil, OutcomeFound, fmt.Errorf("failed to insert message in conversation %d: %w", conversationID, err)
	}

	if id, idErr := result.LastInsertId(); idErr == nil {
		created.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after inserting message",
			"conversation_id", conversationID, "error", idErr)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`, timestamp, conversationID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating conversation last_message_at",
			"conversation_id", conversationID, "error", err)
		return nil, OutcomeFound, fmt.Errorf("failed to update last_message_at for conversation %d: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit message insert",
			"conversation_id", conversationID, "error", err)
		return nil, OutcomeFound, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message saved",
		"conversation_id", conversationID, "message_id", created.ID, "from_me", fromMe)
	return created, OutcomeCreated, nil
}

// ListConversationsWithMessages assembles a bot's conversations with nested
// messages for the read side. SQLite sorts NULLs last under DESC, which gives
// never-messaged conversations the required oldest position.
func (s *sqlxStore) ListConversationsWithMessages(ctx context.Context, botID int64) ([]ConversationWithMessages, error) {
	if botID == 0 {
		return nil, fmt.Errorf("bot_id cannot be zero")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var conversations []Conversation
	query := `SELECT id, bot_id, remote_jid, contact_name, last_message_at, created_at
	          FROM conversations
	          WHERE bot_id = ?
	          ORDER BY last_message_at DESC, id ASC`

	if err := s.db.SelectContext(ctx, &conversations, query, botID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing conversations", "bot_id", botID, "error", err)
		return nil, fmt.Errorf("failed to list conversations for bot %d: %w", botID, err)
	}

	result := make([]ConversationWithMessages, 0, len(conversations))
	for _, conv := range conversations {
		messages, err := s.ListMessages(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		result = append(result, ConversationWithMessages{Conversation: conv, Messages: messages})
	}

	s.logger.DebugContext(ctx, "Fetched conversations with messages", "bot_id", botID, "count", len(result))
	return result, nil
}

// GetConversationWithMessages returns one conversation with its messages.
// Returns nil, nil when the conversation does not exist.
func (s *sqlxStore) GetConversationWithMessages(ctx context.Context, conversationID int64) (*ConversationWithMessages, error) {
	if conversationID == 0 {
		return nil, fmt.Errorf("conversation_id cannot be zero")
	}

	var conv Conversation
	query := `SELECT id, bot_id, remote_jid, contact_name, last_message_at, created_at
	          FROM conversations WHERE id = ?`

	err := s.db.GetContext(ctx, &conv, query, conversationID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting conversation", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to get conversation %d: %w", conversationID, err)
	}

	messages, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &ConversationWithMessages{Conversation: conv, Messages: messages}, nil
}

// ListConversations returns conversations ordered by creation time ascending,
// the order that determines canonical selection during dedup. botID 0 returns
// every bot's conversations.
func (s *sqlxStore) ListConversations(ctx context.Context, botID int64) ([]Conversation, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var conversations []Conversation
	var err error
	if botID == 0 {
		query := `SELECT id, bot_id, remote_jid, contact_name, last_message_at, created_at
		          FROM conversations ORDER BY created_at ASC, id ASC`
		err = s.db.SelectContext(ctx, &conversations, query)
	} else {
		query := `SELECT id, bot_id, remote_jid, contact_name, last_message_at, created_at
		          FROM conversations WHERE bot_id = ? ORDER BY created_at ASC, id ASC`
		err = s.db.SelectContext(ctx, &conversations, query, botID)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing conversations by creation time", "bot_id", botID, "error", err)
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// ListMessages returns messages ordered ascending by timestamp.
// conversationID 0 returns every message in the store.
func (s *sqlxStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var messages []Message
	var err error
	if conversationID == 0 {
		query := `SELECT id, conversation_id, body, from_me, message_type, timestamp, created_at
		          FROM messages ORDER BY timestamp ASC, id ASC`
		err = s.db.SelectContext(ctx, &messages, query)
	} else {
		query := `SELECT id, conversation_id, body, from_me, message_type, timestamp, created_at
		          FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC, id ASC`
		err = s.db.SelectContext(ctx, &messages, query, conversationID)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error listing messages", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// ReassignMessages re-points all messages of one conversation to another.
func (s *sqlxStore) ReassignMessages(ctx context.Context, fromConversationID, toConversationID int64) (int64, error) {
	if fromConversationID == 0 || toConversationID == 0 {
		return 0, fmt.Errorf("conversation ids cannot be zero")
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET conversation_id = ? WHERE conversation_id = ?`,
		toConversationID, fromConversationID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error reassigning messages",
			"from_conversation_id", fromConversationID, "to_conversation_id", toConversationID, "error", err)
		return 0, fmt.Errorf("failed to reassign messages from conversation %d to %d: %w",
			fromConversationID, toConversationID, err)
	}

	moved, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not get affected row count after reassigning messages", "error", err)
		return 0, nil
	}
	s.logger.DebugContext(ctx, "Reassigned messages",
		"from_conversation_id", fromConversationID, "to_conversation_id", toConversationID, "count", moved)
	return moved, nil
}

// DeleteConversation removes a conversation row. Messages are expected to have
// been re-pointed beforehand.
func (s *sqlxStore) DeleteConversation(ctx context.Context, conversationID int64) error {
	if conversationID == 0 {
		return fmt.Errorf("conversation_id cannot be zero")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting conversation", "conversation_id", conversationID, "error", err)
		return fmt.Errorf("failed to delete conversation %d: %w", conversationID, err)
	}
	return nil
}

// DeleteMessages removes messages by id in one batch statement.
func (s *sqlxStore) DeleteMessages(ctx context.Context, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`DELETE FROM messages WHERE id IN (?)`, messageIDs)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error building batch delete query", "error", err)
		return fmt.Errorf("failed to build batch delete query: %w", err)
	}

	query = s.db.Rebind(query)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error deleting messages", "count", len(messageIDs), "error", err)
		return fmt.Errorf("failed to delete %d messages: %w", len(messageIDs), err)
	}

	affected, err := result.RowsAffected()
	if err == nil && int(affected) != len(messageIDs) {
		s.logger.WarnContext(ctx, "Not all requested messages were deleted",
			"requested", len(messageIDs), "affected", affected)
	}
	return nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed.")
	return nil
}
