package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TranscriptEntry is one line of a transcript file
type TranscriptEntry struct {
	SessionKey string    `json:"sessionKey"`
	ArchivedAt time.Time `json:"archivedAt"`
	Message    Message   `json:"message"`
}

// Transcripts appends cleared conversation logs to per-key JSONL files.
type Transcripts struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewTranscripts creates the transcript directory if needed.
func NewTranscripts(dir string) (*Transcripts, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &Transcripts{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// fileName maps a conversation key to a path-safe file name. Keys are channel
// addresses like "web:abc" or "-100123", so separators are replaced rather
// than rejected.
func fileName(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "\x00") {
		return "", fmt.Errorf("session key cannot contain null bytes")
	}
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_").Replace(key)
	return safe + ".jsonl", nil
}

func (t *Transcripts) lockFor(key string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()

	mu, ok := t.writeLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		t.writeLocks[key] = mu
	}
	return mu
}

// Archive appends messages to the transcript file of key and returns its path.
func (t *Transcripts) Archive(key string, messages []Message) (string, error) {
	name, err := fileName(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(t.dir, name)

	mu := t.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	now := time.Now()
	enc := json.NewEncoder(f)
	for _, m := range messages {
		if err := enc.Encode(TranscriptEntry{SessionKey: key, ArchivedAt: now, Message: m}); err != nil {
			return "", fmt.Errorf("failed to write transcript: %w", err)
		}
	}

	log.Info().
		Str("session_key", key).
		Int("messages", len(messages)).
		Str("path", path).
		Msg("Conversation archived")

	return path, nil
}
