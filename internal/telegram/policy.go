package telegram

import (
	"strings"
	"sync"
	"time"
)

const (
	// AIStartCommand turns AI on for a chat.
	AIStartCommand = "@ai_start"
	// AIStopCommand turns AI off for a chat.
	AIStopCommand = "@ai_stop"
	// DefaultHotword addresses the AI in chats where it is off.
	DefaultHotword = "@ai"

	replyAIStarted = "AI chat started. I'll answer every message here until you send @ai_stop."
	replyAIStopped = "AI chat stopped. Start a message with %s to talk to me."
)

// action is what the channel does with an inbound message.
type action int

const (
	actionIgnore action = iota
	actionEnable
	actionDisable
	actionDispatch
)

// ignoreReason is logged for ignored messages.
type ignoreReason string

const (
	reasonNone       ignoreReason = ""
	reasonStale      ignoreReason = "before_start"
	reasonNotAllowed ignoreReason = "not_allowed"
	reasonNoHotword  ignoreReason = "no_hotword"
	reasonEmpty      ignoreReason = "empty"
)

// gate decides which messages reach the agent. It tracks the per-chat AI
// toggle in memory; toggles reset on restart.
type gate struct {
	start   time.Time
	allowed map[string]bool
	hotword string

	mu      sync.Mutex
	enabled map[string]bool
}

func newGate(start time.Time, allowed []string, hotword string) *gate {
	g := &gate{
		start:   start.Truncate(time.Second),
		hotword: strings.TrimSpace(hotword),
		enabled: make(map[string]bool),
	}
	if g.hotword == "" {
		g.hotword = DefaultHotword
	}
	if len(allowed) > 0 {
		g.allowed = make(map[string]bool, len(allowed))
		for _, id := range allowed {
			g.allowed[strings.TrimSpace(id)] = true
		}
	}
	return g
}

// evaluate returns the action for a message and, for dispatches, the text
// the agent should see.
func (g *gate) evaluate(chatID string, sent time.Time, text string, hasFile bool) (action, string, ignoreReason) {
	if sent.Before(g.start) {
		return actionIgnore, "", reasonStale
	}
	if g.allowed != nil && !g.allowed[chatID] {
		return actionIgnore, "", reasonNotAllowed
	}

	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, AIStartCommand):
		g.setEnabled(chatID, true)
		return actionEnable, "", reasonNone
	case strings.HasPrefix(trimmed, AIStopCommand):
		g.setEnabled(chatID, false)
		return actionDisable, "", reasonNone
	}

	if !g.isEnabled(chatID) {
		if !strings.HasPrefix(trimmed, g.hotword) {
			return actionIgnore, "", reasonNoHotword
		}
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, g.hotword))
	}

	if trimmed == "" && !hasFile {
		return actionIgnore, "", reasonEmpty
	}
	return actionDispatch, trimmed, reasonNone
}

func (g *gate) setEnabled(chatID string, on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if on {
		g.enabled[chatID] = true
	} else {
		delete(g.enabled, chatID)
	}
}

func (g *gate) isEnabled(chatID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled[chatID]
}
