package ws

import (
	"sort"

	"github.com/remote-agent-terminal/termhub/internal/router"
)

// Hub is the directory of registered connections. It is owned by the event
// loop.
type Hub struct {
	conns map[string]*Conn
}

// NewHub creates an empty directory.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Add registers c under its id.
func (h *Hub) Add(c *Conn) {
	h.conns[c.id] = c
}

// Remove drops id from the directory.
func (h *Hub) Remove(id string) {
	delete(h.conns, id)
}

// Get returns the connection with id.
func (h *Hub) Get(id string) (*Conn, bool) {
	c, ok := h.conns[id]
	return c, ok
}

// Viewer adapts the directory to router.Viewers.
func (h *Hub) Viewer(id string) (router.Viewer, bool) {
	c, ok := h.conns[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	return len(h.conns)
}

// IDs returns the registered connection ids in ascending order.
func (h *Hub) IDs() []string {
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every registered connection.
func (h *Hub) Close() {
	for _, c := range h.conns {
		c.Close()
	}
}
