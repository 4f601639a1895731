package realtime

import "sync"

// Hub indexes live connections by id and by broadcast group. A group is
// named by the username its members are viewing; a connection belongs to at
// most one group. Pushes address single connections through Send.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	groups   map[string]map[string]*Conn
	memberOf map[string]string
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]*Conn),
		groups:   make(map[string]map[string]*Conn),
		memberOf: make(map[string]string),
	}
}

// Add registers c as a live connection.
func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// Remove drops c and its group membership.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	h.leaveLocked(c.id)
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.session.setView("")
}

func (h *Hub) leaveLocked(connID string) string {
	group, ok := h.memberOf[connID]
	if !ok {
		return ""
	}
	delete(h.memberOf, connID)
	if members := h.groups[group]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	return group
}

// Join moves c into group, leaving its previous group first, and records
// group as the connection's viewed identity. It returns the previous group.
func (h *Hub) Join(c *Conn, group string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	previous := h.leaveLocked(c.id)
	members := h.groups[group]
	if members == nil {
		members = make(map[string]*Conn)
		h.groups[group] = members
	}
	members[c.id] = c
	h.memberOf[c.id] = group
	c.session.setView(group)
	return previous
}

// Members returns the ids of the connections in group.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		ids = append(ids, id)
	}
	return ids
}

// Conn looks up a live connection by id.
func (h *Hub) Conn(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// Send delivers one frame to a single connection.
func (h *Hub) Send(connID, event string, args ...any) bool {
	c, ok := h.Conn(connID)
	if !ok {
		return false
	}
	return c.Send(event, args...)
}
