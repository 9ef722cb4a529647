package gateway

import (
	"sort"
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// ClientRegistry tracks connected websocket clients, with channel clients
// also indexed by the conversation they watch.
type ClientRegistry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	watchers map[string]map[string]struct{}
	now      func() time.Time
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:  make(map[string]*Client),
		watchers: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// Add registers client
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
	if client.Kind != ClientChannel {
		return
	}
	ids, ok := r.watchers[client.ConversationID]
	if !ok {
		ids = make(map[string]struct{})
		r.watchers[client.ConversationID] = ids
	}
	ids[client.ID] = struct{}{}
}

// Remove forgets clientID. Unknown ids are ignored.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok {
		return
	}
	delete(r.clients, clientID)

	if ids, ok := r.watchers[client.ConversationID]; ok {
		delete(ids, clientID)
		if len(ids) == 0 {
			delete(r.watchers, client.ConversationID)
		}
	}
}

// Touch records activity on clientID
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[clientID]; ok {
		client.LastActivity = r.now()
	}
}

// All returns every connected client
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Watched returns the number of conversations with at least one open
// channel.
func (r *ClientRegistry) Watched() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}

// Watchers returns the ids of the channel clients watching conversationID,
// sorted.
func (r *ClientRegistry) Watchers(conversationID string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.watchers[conversationID]))
	for id := range r.watchers[conversationID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Snapshot describes every client, oldest connection first
func (r *ClientRegistry) Snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:             c.ID,
			Kind:           c.Kind,
			ConversationID: c.ConversationID,
			ConnectedAt:    c.ConnectedAt,
			LastActivity:   c.LastActivity,
			IPAddress:      c.IPAddress,
			Idle:           now.Sub(c.LastActivity) > idleAfter,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
