package store

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"techbot-backend/internal/chat"
	"techbot-backend/internal/render"
)

// Entry is one live widget: its session and the hub its sinks subscribe to.
type Entry struct {
	Session  *chat.Session
	Hub      *render.Hub
	LastSeen time.Time
}

// Factory builds a session wired to the given sink.
type Factory func(id string, sink chat.Sink) *chat.Session

// MemoryStore keeps widget sessions for as long as they are in use. Nothing is
// persisted; an idle session is dropped after the TTL.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Entry
	ttl      time.Duration
	factory  Factory
	log      *zap.Logger
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration, factory Factory, log *zap.Logger) *MemoryStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryStore{
		sessions: make(map[string]*Entry),
		ttl:      ttl,
		factory:  factory,
		log:      log,
		now:      time.Now,
	}
}

// GetOrCreate returns the session for id, creating it on first use.
// The bool reports whether a new session was created.
func (m *MemoryStore) GetOrCreate(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok && !m.expiredLocked(e) {
		e.LastSeen = m.now()
		return e, false
	}
	hub := render.NewHub()
	e := &Entry{Session: m.factory(id, hub), Hub: hub, LastSeen: m.now()}
	m.sessions[id] = e
	m.log.Info("[session] created", zap.String("session", id))
	return e, true
}

// Get returns a live session without creating one.
func (m *MemoryStore) Get(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if m.expiredLocked(e) {
		delete(m.sessions, id)
		return nil, false
	}
	e.LastSeen = m.now()
	return e, true
}

func (m *MemoryStore) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops expired sessions and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		if m.expiredLocked(e) {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.log.Info("[session] swept idle sessions", zap.Int("removed", n))
	}
	return n
}

// expiredLocked reports whether e sat idle past the TTL. Sessions with an open
// WebSocket never expire.
func (m *MemoryStore) expiredLocked(e *Entry) bool {
	return m.ttl > 0 && m.now().Sub(e.LastSeen) > m.ttl && e.Hub.Len() == 0
}
