package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the messaging channels of a process. Started channels
// receive the registry's Dispatch as their dispatcher, and the first
// connected one serves outbound messages for the send capabilities.
type Registry struct {
	dispatch DispatchFunc

	mu       sync.RWMutex
	channels map[string]Channel
	started  map[string]bool
}

// NewRegistry constructs a channel registry.
func NewRegistry(dispatch DispatchFunc) *Registry {
	return &Registry{
		dispatch: dispatch,
		channels: make(map[string]Channel),
		started:  make(map[string]bool),
	}
}

// Register adds a channel. Names are unique.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}
	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.channels[name] = ch
	return nil
}

func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[strings.TrimSpace(name)]
	return ok
}

// Names returns sorted registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch hands an inbound message from a registered channel to the agent.
func (r *Registry) Dispatch(ctx context.Context, msg InboundMessage) (Reply, error) {
	if r.dispatch == nil {
		return Reply{}, fmt.Errorf("dispatch function is not configured")
	}
	msg.Channel = strings.TrimSpace(msg.Channel)
	if msg.Channel == "" {
		return Reply{}, fmt.Errorf("channel is required")
	}
	if !r.IsRegistered(msg.Channel) {
		return Reply{}, fmt.Errorf("channel %q is not registered", msg.Channel)
	}
	return r.dispatch(ctx, msg)
}

// Transport returns the first started channel, by name, that can deliver
// outbound messages and is currently connected.
func (r *Registry) Transport() (Transport, bool) {
	for _, name := range r.Names() {
		ch, started := r.lookup(name)
		if !started {
			continue
		}
		t, ok := ch.(Transport)
		if !ok {
			continue
		}
		if c, ok := ch.(Connectable); ok && !c.Connected() {
			continue
		}
		return t, true
	}
	return nil, false
}

// Statuses reports each registered channel as connected or not. A channel
// counts as connected once started unless it says otherwise.
func (r *Registry) Statuses() map[string]bool {
	out := make(map[string]bool)
	for _, name := range r.Names() {
		ch, started := r.lookup(name)
		connected := started
		if c, ok := ch.(Connectable); ok && started {
			connected = c.Connected()
		}
		out[name] = connected
	}
	return out
}

func (r *Registry) lookup(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[name], r.started[name]
}

// StartAll starts every channel in name order. When one fails, the channels
// started before it are stopped again and the start error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	names := r.Names()
	for i, name := range names {
		if err := r.Start(ctx, name); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = r.Stop(ctx, names[j])
			}
			return err
		}
	}
	return nil
}

// StopAll stops every started channel in reverse order and joins the errors.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, names[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start starts a registered channel by name. Starting twice is a no-op.
func (r *Registry) Start(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	ch, started := r.lookup(name)
	if ch == nil {
		return fmt.Errorf("channel %q is not registered", name)
	}
	if started {
		return nil
	}

	if err := ch.Start(ctx, r.Dispatch); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", name, err)
	}

	r.mu.Lock()
	r.started[name] = true
	r.mu.Unlock()
	return nil
}

// Stop stops a started channel by name.
func (r *Registry) Stop(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	ch, started := r.lookup(name)
	if ch == nil {
		return fmt.Errorf("channel %q is not registered", name)
	}
	if !started {
		return nil
	}

	// A channel that failed to stop is no longer considered started either
	r.mu.Lock()
	delete(r.started, name)
	r.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}
	return nil
}
