// Package whatsapp maintains the WhatsApp session: QR pairing, the event
// handler that appends incoming messages to the chat log, and outbound sends.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/convosync/convosync/internal/chatlog"
	"github.com/convosync/convosync/internal/config"
	"github.com/convosync/convosync/internal/transcribe"
)

const (
	audioFailedPlaceholder = "[audio transcription failed]"
	nonTextPlaceholder     = "[non-text message]"
)

// Client wraps a whatsmeow session. Incoming messages are appended to the
// chat log only; the reconciler moves them into the durable store.
type Client struct {
	wa          *whatsmeow.Client
	chatLog     *chatlog.Log
	transcriber transcribe.Transcriber
	logger      *slog.Logger
	qrTerminal  bool

	mu            sync.RWMutex
	qrPNG         []byte
	authenticated bool
}

// New opens the whatsmeow session container at cfg.SessionPath and prepares a
// client. transcriber may be nil, in which case voice notes are logged with a
// placeholder body.
func New(ctx context.Context, cfg config.WhatsAppConfig, chatLog *chatlog.Log, transcriber transcribe.Transcriber, logger *slog.Logger) (*Client, error) {
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+cfg.SessionPath+"?_foreign_keys=on", waLog.Stdout("Session", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to load device: %w", err)
		}
		device = container.NewDevice()
	}

	c := &Client{
		wa:          whatsmeow.NewClient(device, waLog.Stdout("Client", "WARN", true)),
		chatLog:     chatLog,
		transcriber: transcriber,
		logger:      logger.With("component", "whatsapp"),
		qrTerminal:  cfg.QRTerminal,
	}
	c.wa.AddEventHandler(c.handleEvent)
	return c, nil
}

// Run connects the session and blocks until ctx is cancelled. A fresh device
// goes through the QR pairing loop, regenerating codes until one is scanned.
func (c *Client) Run(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		if err := c.pair(ctx); err != nil {
			return err
		}
	} else {
		if err := c.wa.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		c.setAuthenticated(true)
		c.logger.Info("Connected with stored session")
	}

	<-ctx.Done()
	c.wa.Disconnect()
	return ctx.Err()
}

func (c *Client) pair(ctx context.Context) error {
	for {
		qrChan, err := c.wa.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		if !c.wa.IsConnected() {
			if err := c.wa.Connect(); err != nil {
				return fmt.Errorf("failed to connect for pairing: %w", err)
			}
		}

		expired := false
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				c.publishQR(evt.Code)
			case "success":
				c.setAuthenticated(true)
				c.clearQR()
				c.logger.Info("QR pairing successful")
				return nil
			case "timeout":
				expired = true
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.wa.IsLoggedIn() {
			c.setAuthenticated(true)
			c.clearQR()
			return nil
		}
		if expired {
			c.logger.Info("QR batch expired, requesting new codes")
			c.wa.Disconnect()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		return fmt.Errorf("QR channel closed before pairing completed")
	}
}

func (c *Client) publishQR(code string) {
	if c.qrTerminal {
		fmt.Println("\nScan this QR code with your WhatsApp app:")
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		c.logger.Warn("Failed to encode QR code as PNG", "error", err)
		return
	}
	c.mu.Lock()
	c.qrPNG = png
	c.mu.Unlock()
	c.logger.Info("QR code updated")
}

func (c *Client) clearQR() {
	c.mu.Lock()
	c.qrPNG = nil
	c.mu.Unlock()
}

func (c *Client) setAuthenticated(v bool) {
	c.mu.Lock()
	c.authenticated = v
	c.mu.Unlock()
}

// QRPNG returns the current pairing QR code as PNG bytes, or nil when no code
// is pending.
func (c *Client) QRPNG() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.qrPNG
}

// Authenticated reports whether the session has completed pairing.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// SendText sends a plain text message to the given JID or bare phone number.
func (c *Client) SendText(ctx context.Context, recipient, text string) error {
	if !c.wa.IsLoggedIn() {
		return fmt.Errorf("not authenticated")
	}

	jid, err := parseRecipient(recipient)
	if err != nil {
		return err
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := c.wa.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", jid, err)
	}

	if err := c.chatLog.Append(jid.User, jid.User, chatlog.Message{
		Body:      text,
		FromMe:    true,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		c.logger.Warn("Failed to record outbound message in chat log", "error", err)
	}
	return nil
}

func parseRecipient(recipient string) (types.JID, error) {
	if strings.ContainsRune(recipient, '@') {
		jid, err := types.ParseJID(recipient)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid recipient JID %q: %w", recipient, err)
		}
		return jid, nil
	}
	return types.NewJID(recipient, types.DefaultUserServer), nil
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.setAuthenticated(true)
		c.logger.Info("Connected to WhatsApp")
	case *events.LoggedOut:
		c.setAuthenticated(false)
		c.logger.Warn("Device logged out, re-pairing required")
	}
}

// handleMessage extracts a text body from the incoming event and appends it
// to the chat log. Group chats and status broadcasts are ignored; the log
// tracks direct conversations only.
func (c *Client) handleMessage(evt *events.Message) {
	chat := evt.Info.Chat
	if chat.Server != types.DefaultUserServer {
		return
	}

	body := c.extractBody(evt)
	if body == "" {
		return
	}

	name := evt.Info.PushName
	if name == "" {
		name = chat.User
	}

	if err := c.chatLog.Append(chat.User, name, chatlog.Message{
		Body:      body,
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp.UTC(),
	}); err != nil {
		c.logger.Error("Failed to append message to chat log",
			"remote", chat.User, "error", err)
		return
	}
	c.logger.Debug("Message logged", "remote", chat.User, "from_me", evt.Info.IsFromMe)
}

func (c *Client) extractBody(evt *events.Message) string {
	msg := evt.Message
	if msg == nil {
		return ""
	}

	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil && ext.GetText() != "" {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		if caption := img.GetCaption(); caption != "" {
			return caption
		}
		return nonTextPlaceholder
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		if caption := vid.GetCaption(); caption != "" {
			return caption
		}
		return nonTextPlaceholder
	}
	if audio := msg.GetAudioMessage(); audio != nil {
		return c.transcribeAudio(audio)
	}
	if msg.GetDocumentMessage() != nil || msg.GetStickerMessage() != nil || msg.GetContactMessage() != nil || msg.GetLocationMessage() != nil {
		return nonTextPlaceholder
	}
	return ""
}

func (c *Client) transcribeAudio(audio *waE2E.AudioMessage) string {
	if c.transcriber == nil {
		return audioFailedPlaceholder
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	data, err := c.wa.Download(ctx, audio)
	if err != nil {
		c.logger.Warn("Failed to download voice note", "error", err)
		return audioFailedPlaceholder
	}

	mimeType := audio.GetMimetype()
	if mimeType == "" {
		mimeType = "audio/ogg"
	}

	text, err := c.transcriber.Transcribe(ctx, data, mimeType)
	if err != nil {
		c.logger.Warn("Voice note transcription failed", "error", err)
		return audioFailedPlaceholder
	}
	return "[audio]: " + text
}
