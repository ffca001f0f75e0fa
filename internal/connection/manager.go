package connection

import (
	"fmt"
	"sync"
	"time"
)

// Sender is the write side of a subscriber's socket
type Sender interface {
	Send(msg interface{}) error
	Close() error
}

// Subscriber holds information about a connected map client
type Subscriber struct {
	ID            string
	DeviceID      int64
	SessionID     string
	Subscribed    bool
	ConnectedAt   time.Time
	LastHeardFrom time.Time
	Conn          Sender
	mu            sync.RWMutex
}

// UpdateLastHeardFrom updates the last activity timestamp
func (s *Subscriber) UpdateLastHeardFrom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeardFrom = time.Now()
}

// GetLastHeardFrom returns the last activity timestamp
func (s *Subscriber) GetLastHeardFrom() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastHeardFrom
}

// Manager tracks open sockets and which device each one watches. The
// all-devices overview is watched under device 0.
type Manager struct {
	subs      map[string]*Subscriber
	byDevice  map[int64][]string
	bySession map[string][]string
	mu        sync.RWMutex
	maxConns  int
}

// NewManager creates a manager that accepts up to maxConnections subscribers
func NewManager(maxConnections int) *Manager {
	return &Manager{
		subs:      make(map[string]*Subscriber),
		byDevice:  make(map[int64][]string),
		bySession: make(map[string][]string),
		maxConns:  maxConnections,
	}
}

// Register adds a socket that has not subscribed to anything yet
func (m *Manager) Register(id string, conn Sender) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.subs) >= m.maxConns {
		return ErrMaxConnectionsReached
	}
	if _, exists := m.subs[id]; exists {
		return fmt.Errorf("connection ID %s already registered", id)
	}

	now := time.Now()
	m.subs[id] = &Subscriber{
		ID:            id,
		ConnectedAt:   now,
		LastHeardFrom: now,
		Conn:          conn,
	}
	return nil
}

// Subscribe points a registered socket at a device and, optionally, a
// session. A later call moves the subscription.
func (m *Manager) Subscribe(id string, deviceID int64, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.subs[id]
	if !exists {
		return ErrNotRegistered
	}

	if sub.Subscribed {
		m.byDevice[sub.DeviceID] = without(m.byDevice[sub.DeviceID], id)
		if len(m.byDevice[sub.DeviceID]) == 0 {
			delete(m.byDevice, sub.DeviceID)
		}
	}
	if sub.SessionID != "" {
		m.dropSession(sub.SessionID, id)
	}

	sub.DeviceID = deviceID
	sub.SessionID = sessionID
	sub.Subscribed = true
	m.byDevice[deviceID] = append(m.byDevice[deviceID], id)
	if sessionID != "" {
		m.bySession[sessionID] = append(m.bySession[sessionID], id)
	}
	return nil
}

// Unregister removes a socket and its subscription
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.subs[id]
	if !exists {
		return ErrNotRegistered
	}

	if sub.Subscribed {
		m.byDevice[sub.DeviceID] = without(m.byDevice[sub.DeviceID], id)
		if len(m.byDevice[sub.DeviceID]) == 0 {
			delete(m.byDevice, sub.DeviceID)
		}
	}
	if sub.SessionID != "" {
		m.dropSession(sub.SessionID, id)
	}

	delete(m.subs, id)
	return nil
}

func (m *Manager) dropSession(sessionID, id string) {
	m.bySession[sessionID] = without(m.bySession[sessionID], id)
	if len(m.bySession[sessionID]) == 0 {
		delete(m.bySession, sessionID)
	}
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Get retrieves a subscriber by ID
func (m *Manager) Get(id string) (*Subscriber, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, exists := m.subs[id]
	return sub, exists
}

// ByDevice returns the subscribers watching a device
func (m *Manager) ByDevice(deviceID int64) []*Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byDevice[deviceID])
}

// BySession returns the subscribers attached to a map session
func (m *Manager) BySession(sessionID string) []*Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.bySession[sessionID])
}

func (m *Manager) collect(ids []string) []*Subscriber {
	result := make([]*Subscriber, 0, len(ids))
	for _, id := range ids {
		if sub, ok := m.subs[id]; ok {
			result = append(result, sub)
		}
	}
	return result
}

// UpdateActivity updates the last heard from timestamp for a socket
func (m *Manager) UpdateActivity(id string) error {
	m.mu.RLock()
	sub, exists := m.subs[id]
	m.mu.RUnlock()

	if !exists {
		return ErrNotRegistered
	}

	sub.UpdateLastHeardFrom()
	return nil
}

// InactiveConnections returns sockets not heard from within timeout
func (m *Manager) InactiveConnections(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var inactive []string
	for id, sub := range m.subs {
		if now.Sub(sub.GetLastHeardFrom()) > timeout {
			inactive = append(inactive, id)
		}
	}
	return inactive
}

// Count returns the number of registered subscribers
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// CountByDevice returns the number of subscribers per watched device
func (m *Manager) CountByDevice() map[int64]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[int64]int, len(m.byDevice))
	for deviceID, ids := range m.byDevice {
		result[deviceID] = len(ids)
	}
	return result
}

// Stats returns manager statistics
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.subs),
		WatchedDevices:   len(m.byDevice),
		Sessions:         len(m.bySession),
		MaxConnections:   m.maxConns,
	}
}

// ManagerStats contains statistics about the connection manager
type ManagerStats struct {
	TotalConnections int `json:"total_connections"`
	WatchedDevices   int `json:"watched_devices"`
	Sessions         int `json:"sessions"`
	MaxConnections   int `json:"max_connections"`
}

var (
	ErrMaxConnectionsReached = &ConnectionError{"maximum connections reached"}
	ErrNotRegistered         = &ConnectionError{"connection not registered"}
)

// ConnectionError represents a connection error
type ConnectionError struct {
	msg string
}

func (e *ConnectionError) Error() string {
	return e.msg
}
