package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/tools"
)

const (
	MaxFileSize = 5 * 1024 * 1024 // 5MB

	maxStoredFiles = 32
	snippetLength  = 200
)

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".json": true, ".yaml": true,
	".yml": true, ".log": true, ".xml": true, ".html": true, ".ini": true,
}

type receivedFile struct {
	Name     string
	MimeType string
	Content  string
}

// fileStore keeps the text of recently received documents.
type fileStore struct {
	mu    sync.Mutex
	order []string
	files map[string]receivedFile
}

func newFileStore() *fileStore {
	return &fileStore{files: make(map[string]receivedFile)}
}

func (s *fileStore) put(id string, f receivedFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		s.order = append(s.order, id)
	}
	s.files[id] = f
	for len(s.order) > maxStoredFiles {
		delete(s.files, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *fileStore) get(id string) (receivedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	return f, ok
}

func isTextDocument(mimeType, name string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml":
		return true
	}
	return textExtensions[strings.ToLower(filepath.Ext(name))]
}

// receiveDocument downloads a text document and returns the note appended
// to the user's message. Documents the agent cannot read still get a note.
func (b *Bot) receiveDocument(ctx context.Context, doc *tgbotapi.Document) string {
	name := doc.FileName
	if name == "" {
		name = "Untitled"
	}
	if doc.FileSize > MaxFileSize {
		return fmt.Sprintf("[File skipped: %s (Too large: %.2fMB)]", name, float64(doc.FileSize)/(1024*1024))
	}
	if !isTextDocument(doc.MimeType, name) {
		return fmt.Sprintf("[File skipped: %s (Unsupported type: %s)]", name, doc.MimeType)
	}

	content, err := b.download(ctx, doc.FileID)
	if err != nil {
		b.logger.Error().Err(err).Str("file_id", doc.FileID).Msg("Failed to download document")
		return fmt.Sprintf("[Error reading file: %v]", err)
	}
	if strings.TrimSpace(content) == "" {
		return ""
	}

	id := doc.FileUniqueID
	if id == "" {
		id = doc.FileID
	}
	b.files.put(id, receivedFile{Name: name, MimeType: doc.MimeType, Content: content})

	b.logger.Info().
		Str("file_id", id).
		Str("name", name).
		Int("size", len(content)).
		Msg("Document received")

	return fmt.Sprintf("[File Received: %s (ID: %s) - Type: %s]\nSnippet: %s...",
		name, id, doc.MimeType, snippet(content))
}

func snippet(content string) string {
	s := strings.ReplaceAll(content, "\n", " ")
	if len(s) <= snippetLength {
		return s
	}
	cut := snippetLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (b *Bot) download(ctx context.Context, fileID string) (string, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("failed to get file info: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxFileSize {
		return "", fmt.Errorf("file exceeds maximum size %d", MaxFileSize)
	}
	return string(data), nil
}

type readFileArgs struct {
	FileID string `json:"fileId" jsonschema:"description=The ID of the file to read (given in the File Received note)"`
}

type sendFileArgs struct {
	FilePath string `json:"filePath" jsonschema:"description=Path of the file to send"`
	Caption  string `json:"caption,omitempty" jsonschema:"description=Optional caption for the file"`
}

func readChannelFile(files *fileStore) capability.Capability {
	return capability.New("read_channel_file",
		"Read the full content of a file received in this chat. Use this when the snippet in the File Received note is not enough.",
		func(_ context.Context, in readFileArgs) (interface{}, error) {
			f, ok := files.get(in.FileID)
			if !ok {
				return "Error: File content not found or expired. The file might have been received before a restart.", nil
			}
			return f.Content, nil
		})
}

// sendFileCapability sends files back into the chat the message came from.
func (b *Bot) sendFileCapability(chatID string) capability.Capability {
	return capability.New("send_file",
		"Send a file to the user in this chat. Use this when the user asks for a file or a capability produced one.",
		func(ctx context.Context, in sendFileArgs) (interface{}, error) {
			path, err := tools.ResolveWorkspacePath(b.workspace, in.FilePath)
			if err != nil {
				return fmt.Sprintf("Error: %v", err), nil
			}
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				return fmt.Sprintf("Error: File not found at %s", path), nil
			}
			caption := in.Caption
			if caption == "" && !isMedia(path) {
				caption = filepath.Base(path)
			}
			if err := b.SendFile(ctx, chatID, path, caption); err != nil {
				return nil, err
			}
			return fmt.Sprintf("File sent successfully: %s", filepath.Base(path)), nil
		})
}

func isMedia(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}
