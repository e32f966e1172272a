// Package session scopes per-conversation state. Each session owns its own
// task registry, file manager, and conversation log; sessions never share
// tasks or file references.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liormedan/waveq-api/internal/conversation"
	"github.com/liormedan/waveq-api/internal/file"
	"github.com/liormedan/waveq-api/internal/task"
)

// Session holds the state of one conversation.
type Session struct {
	ID         string
	Tasks      *task.MemoryRegistry
	Files      *file.Manager
	Log        *conversation.Log
	Aggregator *conversation.Aggregator
	CreatedAt  time.Time
}

func newSession(id string, maxUploadBytes int64) *Session {
	reg := task.NewMemoryRegistry()
	return &Session{
		ID:         id,
		Tasks:      reg,
		Files:      file.NewManager(maxUploadBytes),
		Log:        conversation.NewLog(),
		Aggregator: conversation.NewAggregator(reg),
		CreatedAt:  time.Now(),
	}
}

// Manager creates and looks up sessions by ID. Unknown IDs are created on
// demand so a client may mint its own session identifier.
type Manager struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	maxUploadBytes int64
}

// NewManager creates a session Manager.
func NewManager(maxUploadBytes int64) *Manager {
	return &Manager{
		sessions:       make(map[string]*Session),
		maxUploadBytes: maxUploadBytes,
	}
}

// Get returns the session for the given ID, creating it if needed.
// An empty ID mints a fresh session with a generated identifier.
func (m *Manager) Get(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s = newSession(id, m.maxUploadBytes)
	m.sessions[id] = s
	return s
}

// Lookup returns the session for the given ID without creating one.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
