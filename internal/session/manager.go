package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is the idle time after which a session is evicted.
const DefaultTTL = 24 * time.Hour

// EvictHook is called with the id of each session removed by Sweep.
type EvictHook func(id string)

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEvictHook registers a callback for swept sessions.
func WithEvictHook(h EvictHook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, h) }
}

// Manager owns the live sessions of the process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	hooks    []EvictHook
}

// NewManager creates a manager that evicts sessions idle longer than ttl.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// TTL returns the idle expiry.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Get returns the session for id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Create installs a fresh session for id, replacing any existing one.
func (m *Manager) Create(id string) *Session {
	s := newSession(id, m.now())
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	slog.Debug("Session created", "chat_id", id)
	return s
}

// GetOrCreate returns the session for id, creating it on first use.
func (m *Manager) GetOrCreate(id string) (*Session, bool) {
	if s, ok := m.Get(id); ok {
		return s, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, false
	}
	s := newSession(id, m.now())
	m.sessions[id] = s
	slog.Debug("Session created", "chat_id", id)
	return s, true
}

// Delete removes the session for id.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List summarizes all live sessions, most recently active first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summarize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccess.After(out[j].LastAccess) })
	return out
}

// Sweep evicts sessions idle longer than the TTL and returns how many were
// removed. Candidates are marked under a read lock and re-checked before
// deletion, so a session touched in between survives.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if now.Sub(s.LastAccess()) > m.ttl {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	var evicted []string
	m.mu.Lock()
	for _, id := range expired {
		s, ok := m.sessions[id]
		if !ok || now.Sub(s.LastAccess()) <= m.ttl {
			continue
		}
		delete(m.sessions, id)
		evicted = append(evicted, id)
	}
	m.mu.Unlock()

	for _, id := range evicted {
		for _, h := range m.hooks {
			h(id)
		}
	}
	return len(evicted)
}
