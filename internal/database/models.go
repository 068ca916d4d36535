package database

import (
	"database/sql"
	"time"
)

// Bot identifies a logical WhatsApp agent. One row is created on first run and
// looked up by phone number afterwards.
type Bot struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	PhoneNumber string    `db:"phone_number"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Conversation is a thread with a single remote contact, owned by one bot.
// At most one row should exist per (bot_id, remote_jid) pair; the dedup pass
// repairs violations.
type Conversation struct {
	ID            int64        `db:"id"`
	BotID         int64        `db:"bot_id"`
	RemoteJID     string       `db:"remote_jid"`
	ContactName   string       `db:"contact_name"`
	LastMessageAt sql.NullTime `db:"last_message_at"`
	CreatedAt     time.Time    `db:"created_at"`
}

// Message is one directional unit of communication inside a conversation.
// Two messages matching on (conversation_id, timestamp, body, from_me) are the
// same logical message.
type Message struct {
	ID             int64     `db:"id"`
	ConversationID int64     `db:"conversation_id"`
	Body           string    `db:"body"`
	FromMe         bool      `db:"from_me"`
	MessageType    string    `db:"message_type"`
	Timestamp      time.Time `db:"timestamp"`
	CreatedAt      time.Time `db:"created_at"`
}

// ConversationWithMessages is the read-side assembly served by the API layer.
type ConversationWithMessages struct {
	Conversation
	Messages []Message
}
