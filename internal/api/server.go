// Package api exposes the HTTP read surface: conversation listings for
// dashboards, QR pairing status, and an outbound send endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/convosync/convosync/internal/chatlog"
	"github.com/convosync/convosync/internal/database"
)

// Store is the read surface the API needs from the durable store.
type Store interface {
	Ping(ctx context.Context) error
	FindBot(ctx context.Context, phoneNumber string) (*database.Bot, error)
	ListConversationsWithMessages(ctx context.Context, botID int64) ([]database.ConversationWithMessages, error)
	GetConversationWithMessages(ctx context.Context, conversationID int64) (*database.ConversationWithMessages, error)
}

// Session is the WhatsApp surface the API needs: pairing state and sends.
type Session interface {
	QRPNG() []byte
	Authenticated() bool
	SendText(ctx context.Context, recipient, text string) error
}

// Server handles the HTTP API. Conversation queries prefer the durable
// store and fall back to the raw chat log when the store is unavailable, so
// dashboards keep working through database trouble.
type Server struct {
	store         Store
	chatLog       *chatlog.Log
	session       Session
	logger        *slog.Logger
	botIdentifier string
}

// NewServer creates the API server. session may be nil when the WhatsApp
// layer is not running; send and QR endpoints then report unavailable.
func NewServer(store Store, chatLog *chatlog.Log, session Session, botIdentifier string, logger *slog.Logger) *Server {
	return &Server{
		store:         store,
		chatLog:       chatLog,
		session:       session,
		logger:        logger.With("component", "api"),
		botIdentifier: botIdentifier,
	}
}

// Run serves the API on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
	case r.URL.Path == "/conversations" && r.Method == http.MethodGet:
		s.handleConversations(w, r)
	case strings.HasPrefix(r.URL.Path, "/conversations/") && r.Method == http.MethodGet:
		s.handleConversation(w, r, strings.TrimPrefix(r.URL.Path, "/conversations/"))
	case r.URL.Path == "/qr" && r.Method == http.MethodGet:
		s.handleQR(w, r)
	case r.URL.Path == "/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/send" && r.Method == http.MethodPost:
		s.handleSend(w, r)
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type conversationView struct {
	ID            int64         `json:"id"`
	From          string        `json:"from"`
	Name          string        `json:"name"`
	LastMessageAt *time.Time    `json:"lastMessageAt"`
	Messages      []messageView `json:"messages"`
}

type messageView struct {
	Body      string    `json:"body"`
	FromMe    bool      `json:"fromMe"`
	Timestamp time.Time `json:"timestamp"`
}

func toConversationView(cwm database.ConversationWithMessages) conversationView {
	view := conversationView{
		ID:       cwm.ID,
		From:     cwm.RemoteJID,
		Name:     cwm.ContactName,
		Messages: make([]messageView, 0, len(cwm.Messages)),
	}
	if cwm.LastMessageAt.Valid {
		t := cwm.LastMessageAt.Time
		view.LastMessageAt = &t
	}
	for _, m := range cwm.Messages {
		view.Messages = append(view.Messages, messageView{
			Body:      m.Body,
			FromMe:    m.FromMe,
			Timestamp: m.Timestamp,
		})
	}
	return view
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// A read must not create the bot row; before the first sync pass there is
	// simply nothing to list.
	bot, err := s.store.FindBot(ctx, s.botIdentifier)
	if err != nil {
		s.serveChatLogFallback(w, err)
		return
	}
	if bot == nil {
		writeJSON(w, http.StatusOK, []conversationView{})
		return
	}

	conversations, err := s.store.ListConversationsWithMessages(ctx, bot.ID)
	if err != nil {
		s.serveChatLogFallback(w, err)
		return
	}

	views := make([]conversationView, 0, len(conversations))
	for _, cwm := range conversations {
		views = append(views, toConversationView(cwm))
	}
	writeJSON(w, http.StatusOK, views)
}

// serveChatLogFallback serves the raw chat log file verbatim so dashboards
// degrade to local data instead of erroring out.
func (s *Server) serveChatLogFallback(w http.ResponseWriter, cause error) {
	s.logger.Warn("Store unavailable, serving chat log fallback", "error", cause)

	raw, err := s.chatLog.RawContents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store and chat log both unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	cwm, err := s.store.GetConversationWithMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if cwm == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, toConversationView(*cwm))
}

func (s *Server) handleQR(w http.ResponseWriter, _ *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "messaging session not running")
		return
	}
	png := s.session.QRPNG()
	if len(png) == 0 {
		writeError(w, http.StatusNotFound, "no QR code pending")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		QRAvailable   bool   `json:"qrAvailable"`
		Authenticated bool   `json:"authenticated"`
		Message       string `json:"message"`
	}{}

	switch {
	case s.session == nil:
		resp.Message = "messaging session not running"
	case s.session.Authenticated():
		resp.Authenticated = true
		resp.Message = "connected"
	case len(s.session.QRPNG()) > 0:
		resp.QRAvailable = true
		resp.Message = "scan QR code to pair"
	default:
		resp.Message = "waiting for QR code"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "messaging session not running")
		return
	}

	var req struct {
		Recipient string `json:"recipient"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Recipient == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "recipient and message are required")
		return
	}

	if err := s.session.SendText(r.Context(), req.Recipient, req.Message); err != nil {
		s.logger.Warn("Send failed", "recipient", req.Recipient, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
