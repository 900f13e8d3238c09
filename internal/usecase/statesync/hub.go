package statesync

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"agentd/internal/domain"
)

// Hub tracks the observers attached to one actor instance and fans frames out to them.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]domain.Connection
	logger *slog.Logger
}

var _ domain.Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{conns: make(map[string]domain.Connection), logger: logger}
}

// Add attaches an observer. A connection with the same id replaces the old one.
func (h *Hub) Add(c domain.Connection) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

// Remove detaches an observer and reports whether it was attached.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[id]
	delete(h.conns, id)
	return ok
}

// Get returns the attached observer with the given id.
func (h *Hub) Get(id string) (domain.Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Len returns the number of attached observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connections returns the attached observers ordered by id.
func (h *Hub) Connections() []domain.Connection {
	h.mu.RLock()
	out := make([]domain.Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Broadcast sends data to every observer not listed in exclude. Delivery is
// best effort: a failed send is logged and the remaining observers still
// receive the frame.
func (h *Hub) Broadcast(ctx context.Context, data []byte, exclude ...string) {
	for _, c := range h.Connections() {
		if excluded(c.ID(), exclude) {
			continue
		}
		if err := c.Send(ctx, data); err != nil {
			h.logger.Debug("broadcast dropped", "conn_id", c.ID(), "error", err)
		}
	}
}

func excluded(id string, exclude []string) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}
