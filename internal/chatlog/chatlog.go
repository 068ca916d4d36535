// Package chatlog implements the local append log: a JSON file of
// conversations written by the WhatsApp handler as messages arrive and read by
// the reconciler. The file is the same shape the dashboard consumes, so its
// raw contents double as the API fallback when the durable store is down.
package chatlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Message is one logged message inside an entry.
type Message struct {
	Body      string    `json:"body"`
	FromMe    bool      `json:"fromMe"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is one logged conversation: a remote contact and its ordered messages.
type Entry struct {
	From     string    `json:"from"`
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
}

// Log is a single-writer append log backed by one JSON file. Reads tolerate a
// missing, empty, or corrupt file by treating it as an empty sequence.
type Log struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a Log over the JSON file at path.
func New(path string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Log{
		path:   path,
		logger: logger.With("component", "chatlog"),
	}
}

// Path returns the log file path, for the file-change watcher.
func (l *Log) Path() string {
	return l.path
}

// Snapshot reads the current log contents and returns the entries together
// with a fingerprint of the raw bytes. Two snapshots with equal fingerprints
// hold identical contents.
func (l *Log) Snapshot() ([]Entry, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// RawContents returns the log file's bytes as-is, substituting an empty JSON
// array when the file is missing or empty.
func (l *Log) RawContents() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []byte("[]"), nil
		}
		return nil, fmt.Errorf("failed to read chat log %q: %w", l.path, err)
	}
	if len(data) == 0 {
		return []byte("[]"), nil
	}
	return data, nil
}

// Append records one message under the entry for the given contact, creating
// the entry on first contact. The rewrite is atomic so concurrent readers
// never observe a partial file.
func (l *Log) Append(from, name string, msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, _, err := l.read()
	if err != nil {
		return err
	}

	idx := -1
	for i := range entries {
		if entries[i].From == from {
			idx = i
			break
		}
	}
	if idx == -1 {
		if name == "" {
			name = from
		}
		entries = append(entries, Entry{From: from, Name: name})
		idx = len(entries) - 1
	} else if name != "" && entries[idx].Name != name {
		entries[idx].Name = name
	}
	entries[idx].Messages = append(entries[idx].Messages, msg)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode chat log: %w", err)
	}
	if err := writeFileAtomic(l.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write chat log %q: %w", l.path, err)
	}

	l.logger.Debug("Appended message to chat log", "from", from, "from_me", msg.FromMe)
	return nil
}

func (l *Log) read() ([]Entry, string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fingerprint(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read chat log %q: %w", l.path, err)
	}

	fp := fingerprint(data)
	if len(data) == 0 {
		return nil, fp, nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt log is an empty-data condition, not a fatal error.
		l.logger.Warn("Chat log is malformed, treating as empty", "path", l.path, "error", err)
		return nil, fp, nil
	}
	return entries, fp, nil
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
