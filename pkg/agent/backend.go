package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/session"
	"github.com/openai/openai-go"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
)

// DefaultModels maps providers to the model used when none is configured.
var DefaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o",
	ProviderGroq:      "llama-3.3-70b-versatile",
	ProviderGoogle:    "gemini-2.0-flash",
	ProviderAnthropic: "claude-3-5-sonnet-latest",
}

// Request is a single generation call.
type Request struct {
	Model     string
	Messages  []session.Message
	Tools     []capability.Schema
	MaxTokens int
}

// Backend turns a conversation into the next assistant message.
type Backend interface {
	Generate(ctx context.Context, req Request) (session.Message, error)
	Name() string
}

// Streamer is implemented by backends that can stream text deltas. The
// returned message is the complete assistant message.
type Streamer interface {
	Stream(ctx context.Context, req Request, onDelta func(string)) (session.Message, error)
}

// BackendSettings identifies the active provider and its credential.
type BackendSettings struct {
	Provider string
	Model    string
	APIKey   string
}

// BackendSource resolves the active backend settings. It is consulted on
// every turn.
type BackendSource interface {
	ActiveBackend(ctx context.Context) BackendSettings
}

// StaticSource is a BackendSource with fixed settings.
type StaticSource BackendSettings

func (s StaticSource) ActiveBackend(context.Context) BackendSettings { return BackendSettings(s) }

// BackendFactory builds a backend for settings.
type BackendFactory func(settings BackendSettings) (Backend, error)

// NewBackend creates the backend that serves settings.Provider.
func NewBackend(settings BackendSettings) (Backend, error) {
	if settings.APIKey == "" {
		return nil, ErrNotConfigured
	}
	model := settings.Model
	if model == "" {
		model = DefaultModels[settings.Provider]
	}

	switch settings.Provider {
	case ProviderOpenAI, ProviderGroq, ProviderGoogle:
		return NewOpenAIBackend(settings.Provider, settings.APIKey, model), nil
	case ProviderAnthropic:
		return NewAnthropicBackend(settings.APIKey, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", settings.Provider)
	}
}

// IsRetryableError reports whether a backend error is transient: rate
// limits, server errors and dropped connections.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return retryableStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return retryableStatus(anErr.StatusCode)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "econnreset", "etimedout", "rate limit", "429", "500", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
