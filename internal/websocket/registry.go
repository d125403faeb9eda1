package websocket

import (
	"sync"

	"classrelay/pkg/protocol"
)

// Registry indexes live connections by connection id. Session membership is
// owned by the session registry; the session views here read each
// connection's current binding.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// Add tracks a freshly upgraded connection.
func (r *Registry) Add(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Remove drops conn if it is the instance registered under its id.
func (r *Registry) Remove(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, exists := r.connections[conn.ID()]; exists && registered == conn {
		delete(r.connections, conn.ID())
	}
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[id]
	return conn, exists
}

// SessionConnections returns the connections currently bound to sessionID.
func (r *Registry) SessionConnections(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connections []*Connection
	for _, conn := range r.connections {
		if conn.SessionID() == sessionID {
			connections = append(connections, conn)
		}
	}
	return connections
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// GetStats summarizes the registry for the health endpoint.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make(map[string]bool)
	var teachers, students, unregistered int
	for _, conn := range r.connections {
		switch conn.Role() {
		case protocol.RoleTeacher:
			teachers++
		case protocol.RoleStudent:
			students++
		default:
			unregistered++
		}
		if sid := conn.SessionID(); sid != "" {
			sessions[sid] = true
		}
	}

	return map[string]int{
		"total_connections": len(r.connections),
		"teachers":          teachers,
		"students":          students,
		"unregistered":      unregistered,
		"active_sessions":   len(sessions),
	}
}

// CloseAll closes every tracked connection. Their read loops remove them.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	connections := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	r.mu.RUnlock()

	for _, conn := range connections {
		_ = conn.Close()
	}
}
