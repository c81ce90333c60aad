package authorize

import (
	"sync"

	"github.com/pkg/errors"
)

// Hub holds one Channel per session, so callbacks received over HTTP reach the session's Broker
type Hub struct {
	mu       sync.Mutex
	channels map[string]Channel
}

// NewHub creates an empty Hub
func NewHub() *Hub {
	return &Hub{channels: make(map[string]Channel)}
}

// Channel returns the session's Channel, creating it if needed
func (h *Hub) Channel(session string) Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[session]
	if !ok {
		c = NewChannel(defaultChannelBuffer)
		h.channels[session] = c
	}
	return c
}

// Publish sends msg to the session's Channel
func (h *Hub) Publish(session string, msg Message) error {
	h.mu.Lock()
	c, ok := h.channels[session]
	h.mu.Unlock()
	if !ok {
		return errors.Errorf("No authorization in progress for session %q", session)
	}
	return c.Send(msg)
}

// Remove closes and forgets the session's Channel
func (h *Hub) Remove(session string) {
	h.mu.Lock()
	c, ok := h.channels[session]
	delete(h.channels, session)
	h.mu.Unlock()
	if ok {
		c.Close()
	}
}
