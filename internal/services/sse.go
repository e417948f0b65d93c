package services

import (
	"sync"
)

// MembershipHub fans committed membership events out to SSE clients.
// A subscriber sees events for one project, or all projects when its
// project id is 0.
type MembershipHub struct {
	clients map[string]*hubClient
	mu      sync.RWMutex
}

type hubClient struct {
	projectID uint
	ch        chan MembershipEvent
}

// NewMembershipHub creates a new hub instance
func NewMembershipHub() *MembershipHub {
	return &MembershipHub{
		clients: make(map[string]*hubClient),
	}
}

// Subscribe registers a client and returns a channel for receiving events.
func (h *MembershipHub) Subscribe(clientID string, projectID uint) <-chan MembershipEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.clients[clientID]; ok {
		close(old.ch)
	}
	// Buffered so a slow client never blocks the publisher
	ch := make(chan MembershipEvent, 100)
	h.clients[clientID] = &hubClient{projectID: projectID, ch: ch}
	return ch
}

// Unsubscribe removes a client from the hub
func (h *MembershipHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[clientID]; ok {
		close(c.ch)
		delete(h.clients, clientID)
	}
}

// Publish delivers the event to every matching client. Events are dropped
// for clients whose buffer is full.
func (h *MembershipHub) Publish(event MembershipEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if c.projectID != 0 && c.projectID != event.ProjectID {
			continue
		}
		select {
		case c.ch <- event:
		default:
		}
	}
}

// ClientCount returns the number of connected clients
func (h *MembershipHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var (
	globalMembershipHub *MembershipHub
	membershipHubOnce   sync.Once
)

// GetMembershipHub returns the process-wide hub.
func GetMembershipHub() *MembershipHub {
	membershipHubOnce.Do(func() {
		globalMembershipHub = NewMembershipHub()
	})
	return globalMembershipHub
}
