package gateway

import (
	"sort"
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// ClientRegistry tracks the connected dashboard clients. Each client owns
// the conversation web:<id> for as long as it is registered.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	now     func() time.Time
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// Add registers client and reports false when its id is already taken.
func (r *ClientRegistry) Add(client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.clients[client.ID]; taken {
		return false
	}
	r.clients[client.ID] = client
	return true
}

// Remove unregisters clientID. Only the first call for a client reports true,
// so teardown runs once however many paths observe the disconnect.
func (r *ClientRegistry) Remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return false
	}
	delete(r.clients, clientID)
	return true
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	return client, ok
}

// GetAll returns the clients in connection order.
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].ConnectedAt.Equal(clients[j].ConnectedAt) {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Touch records activity for clientID.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[clientID]; ok {
		client.LastActivity = r.now()
	}
}

// Snapshot describes every client. generating reports whether a
// conversation has a turn in flight and may be nil.
func (r *ClientRegistry) Snapshot(generating func(key string) bool) []ClientInfo {
	clients := r.GetAll()

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		key := client.ConversationKey()
		info := ClientInfo{
			ID:              client.ID,
			ConversationKey: key,
			ConnectedAt:     client.ConnectedAt,
			LastActivity:    client.LastActivity,
			IPAddress:       client.IPAddress,
			Idle:            now.Sub(client.LastActivity) > idleAfter,
		}
		if generating != nil {
			info.Generating = generating(key)
		}
		infos = append(infos, info)
	}
	return infos
}
