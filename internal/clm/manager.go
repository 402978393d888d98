// Package clm serves the continuous custom-language-model WebSocket channel.
package clm

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks live CLM connections by session id.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]*websocket.Conn),
	}
}

// Get returns the connection for a session, or nil.
func (m *SessionManager) Get(sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Register adds a connection for a session.
func (m *SessionManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[sessionID] = conn
	slog.Info("CLM session registered", "session_id", sessionID, "active", len(m.active))
}

// Unregister removes a connection, but only if it is still the one
// registered for the session.
func (m *SessionManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
		slog.Info("CLM session unregistered", "session_id", sessionID, "active", len(m.active))
	}
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// CloseAll closes every live connection, typically on shutdown.
func (m *SessionManager) CloseAll(reason string) {
	m.mu.Lock()
	conns := m.active
	m.active = make(map[string]*websocket.Conn)
	m.mu.Unlock()

	for sid, conn := range conns {
		if err := conn.Close(websocket.StatusGoingAway, reason); err != nil {
			slog.Debug("Failed to close CLM session", "session_id", sid, "error", err)
		}
		slog.Info("CLM session closed", "session_id", sid)
	}
}
