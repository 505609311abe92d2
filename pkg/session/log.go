package session

import (
	"sync"
	"time"
)

// DefaultMaxHistory is the default bound on a conversation log
const DefaultMaxHistory = 50

// Log is the ordered message history of one conversation.
type Log struct {
	mu           sync.RWMutex
	entries      []Message
	maxHistory   int
	lastActivity time.Time
}

// NewLog creates a log, optionally seeded with a system prompt.
func NewLog(systemPrompt string, maxHistory int) *Log {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	l := &Log{
		maxHistory:   maxHistory,
		lastActivity: time.Now(),
	}
	if systemPrompt != "" {
		l.entries = append(l.entries, System(systemPrompt))
	}
	return l
}

// Append adds msg to the tail and prunes the log to maxHistory entries,
// re-inserting the system message if pruning dropped it.
func (l *Log) Append(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, cloneMessage(msg))
	l.lastActivity = time.Now()

	if len(l.entries) <= l.maxHistory {
		return
	}

	var system *Message
	if l.entries[0].Role == RoleSystem {
		s := l.entries[0]
		system = &s
	}

	kept := l.entries[len(l.entries)-l.maxHistory:]
	pruned := make([]Message, 0, l.maxHistory+1)
	if system != nil {
		pruned = append(pruned, *system)
	}
	l.entries = append(pruned, kept...)
}

// SetSystemPrompt replaces the system message in place, or inserts one at
// index 0 when there is none.
func (l *Log) SetSystemPrompt(content string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > 0 && l.entries[0].Role == RoleSystem {
		l.entries[0].Content = content
		return
	}
	l.entries = append([]Message{System(content)}, l.entries...)
}

// All returns a copy of the log.
func (l *Log) All() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.entries))
	for i, m := range l.entries {
		out[i] = cloneMessage(m)
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// RemoveLast pops the tail entry. It reports false on an empty log.
func (l *Log) RemoveLast() (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return Message{}, false
	}
	last := l.entries[len(l.entries)-1]
	l.entries = l.entries[:len(l.entries)-1]
	return last, true
}

// Undo removes the most recent exchange: every entry after the last user
// message and the user message itself. It returns how many entries were
// removed.
func (l *Log) Undo() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Role == RoleUser {
			removed := len(l.entries) - i
			l.entries = l.entries[:i]
			return removed
		}
	}
	return 0
}

// Truncate drops entries beyond n. It is used to roll back a failed turn.
func (l *Log) Truncate(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if n < len(l.entries) {
		l.entries = l.entries[:n]
	}
}

// Reset clears the log but keeps the system message.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > 0 && l.entries[0].Role == RoleSystem {
		l.entries = l.entries[:1]
		return
	}
	l.entries = nil
}

// LastActivity returns the time of the last append.
func (l *Log) LastActivity() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastActivity
}
