package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGateEvaluate(t *testing.T) {
	start := time.Unix(1700000000, 500)
	after := start.Add(time.Second)

	tests := []struct {
		name    string
		allowed []string
		prepare func(*gate)
		chat    string
		sent    time.Time
		text    string
		hasFile bool
		action  action
		input   string
		reason  ignoreReason
	}{
		{name: "stale", chat: "1", sent: start.Add(-time.Second), text: "@ai hi", action: actionIgnore, reason: reasonStale},
		{name: "same second as start", chat: "1", sent: time.Unix(1700000000, 0), text: "@ai hi", action: actionDispatch, input: "hi"},
		{name: "not allowed", allowed: []string{"2"}, chat: "1", sent: after, text: "@ai hi", action: actionIgnore, reason: reasonNotAllowed},
		{name: "allowed", allowed: []string{"1"}, chat: "1", sent: after, text: "@ai hi", action: actionDispatch, input: "hi"},
		{name: "no hotword", chat: "1", sent: after, text: "hello", action: actionIgnore, reason: reasonNoHotword},
		{name: "bare hotword", chat: "1", sent: after, text: "@ai", action: actionIgnore, reason: reasonEmpty},
		{name: "bare hotword with file", chat: "1", sent: after, text: "@ai", hasFile: true, action: actionDispatch, input: ""},
		{name: "start", chat: "1", sent: after, text: "@ai_start now", action: actionEnable},
		{name: "stop", chat: "1", sent: after, text: " @ai_stop", action: actionDisable},
		{
			name:    "enabled chat keeps text",
			prepare: func(g *gate) { g.setEnabled("1", true) },
			chat:    "1", sent: after, text: "@ai hello", action: actionDispatch, input: "@ai hello",
		},
		{
			name:    "enabled elsewhere",
			prepare: func(g *gate) { g.setEnabled("2", true) },
			chat:    "1", sent: after, text: "hello", action: actionIgnore, reason: reasonNoHotword,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(start, tt.allowed, "")
			if tt.prepare != nil {
				tt.prepare(g)
			}
			act, input, reason := g.evaluate(tt.chat, tt.sent, tt.text, tt.hasFile)
			assert.Equal(t, tt.action, act)
			assert.Equal(t, tt.input, input)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestGateToggleState(t *testing.T) {
	g := newGate(time.Now(), nil, "!bot")
	assert.Equal(t, "!bot", g.hotword)

	g.evaluate("1", time.Now().Add(time.Second), "@ai_start", false)
	assert.True(t, g.isEnabled("1"))
	g.evaluate("1", time.Now().Add(time.Second), "@ai_stop", false)
	assert.False(t, g.isEnabled("1"))
}
