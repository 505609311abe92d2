package session

import (
	"sort"
	"sync"
)

// Registry maps conversation keys to their logs and tracks which
// conversations have a turn in flight.
type Registry struct {
	mu         sync.RWMutex
	logs       map[string]*Log
	busy       map[string]bool
	maxHistory int
}

// NewRegistry creates an empty registry whose logs are bounded by maxHistory.
func NewRegistry(maxHistory int) *Registry {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Registry{
		logs:       make(map[string]*Log),
		busy:       make(map[string]bool),
		maxHistory: maxHistory,
	}
}

// GetOrCreate returns the log for key, creating an empty one on first use.
func (r *Registry) GetOrCreate(key string) *Log {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.logs[key]; ok {
		return l
	}
	l := NewLog("", r.maxHistory)
	r.logs[key] = l
	return l
}

// Get returns the log for key if it exists.
func (r *Registry) Get(key string) (*Log, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.logs[key]
	return l, ok
}

// Keys returns the active conversation keys in lexical order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.logs))
	for k := range r.logs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delete forgets a conversation. A busy conversation is kept.
func (r *Registry) Delete(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy[key] {
		return false
	}
	_, ok := r.logs[key]
	delete(r.logs, key)
	return ok
}

// Len returns the number of conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}

// TryAcquire marks key busy. It reports false when a turn is already in
// flight for key.
func (r *Registry) TryAcquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy[key] {
		return false
	}
	r.busy[key] = true
	return true
}

// Release clears the busy mark for key.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, key)
}

// IsBusy reports whether a turn is in flight for key.
func (r *Registry) IsBusy(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.busy[key]
}
