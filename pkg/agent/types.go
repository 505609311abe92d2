package agent

import (
	"errors"

	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/session"
)

// Outcome describes how a turn ended.
type Outcome string

const (
	OutcomeReply      Outcome = "reply"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeStopped    Outcome = "stopped"
	OutcomeBusy       Outcome = "busy"
	OutcomeFailed     Outcome = "failed"
)

// User-visible texts for failed turns.
const (
	MessageNotConfigured = "Error: I am not configured properly (missing API Key)."
	MessageFailed        = "I encountered an error processing your request."
)

var (
	// ErrBusy is returned when a turn is already running for the conversation.
	ErrBusy = errors.New("conversation is busy")
	// ErrNotConfigured is returned when no backend credential is available.
	ErrNotConfigured = errors.New("model backend is not configured")
	// ErrGeneration wraps model backend failures.
	ErrGeneration = errors.New("generation failed")
)

// Hooks observe a turn as it progresses. Any hook may be nil.
type Hooks struct {
	// OnDelta receives streamed text fragments.
	OnDelta func(text string)
	// OnAssistant receives the visible text of every non-empty assistant message.
	OnAssistant  func(text string)
	OnToolStart  func(call session.ToolCall)
	OnToolResult func(call session.ToolCall, result string)
}

// Turn is one inbound message to answer.
type Turn struct {
	ConversationKey string
	Input           string
	// PersonID names the counterpart. When empty the conversation key is
	// looked up as a channel address.
	PersonID string
	Tools    *capability.Registry
	Stream   bool
	Hooks    Hooks
}

// Result is the end state of a turn. Text is what should be shown to the
// counterpart; it is empty for suppressed and stopped turns.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Text    string  `json:"text,omitempty"`
	Rounds  int     `json:"rounds"`
}
