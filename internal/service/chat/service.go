package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/agent-chat/backend/internal/model/chat"
)

// MemoryStore keeps transcripts in process memory. Transcripts are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	messages map[string][]chat.Message
	now      func() time.Time
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ensure provisions the session if this is its first visit.
func (s *MemoryStore) Ensure(_ context.Context, sessionID string) (chat.Session, error) {
	if sessionID == "" {
		return chat.Session{}, ErrSessionRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(sessionID), nil
}

func (s *MemoryStore) ensureLocked(sessionID string) chat.Session {
	session, ok := s.sessions[sessionID]
	if ok {
		return session
	}

	now := s.now()
	session = chat.Session{ID: sessionID, CreatedAt: now, UpdatedAt: now}
	s.sessions[sessionID] = session
	s.messages[sessionID] = make([]chat.Message, 0, 16)
	return session
}

// Transcript returns stored messages for the provided session.
func (s *MemoryStore) Transcript(_ context.Context, sessionID string) ([]chat.Message, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages[sessionID]
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// AppendExchange appends the question and its answer under a single lock.
func (s *MemoryStore) AppendExchange(_ context.Context, sessionID string, user, agent chat.Message) error {
	if sessionID == "" {
		return ErrSessionRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.ensureLocked(sessionID)
	now := s.now()
	user = stamp(user, now, uuid.NewString)
	agent = stamp(agent, now, uuid.NewString)

	s.messages[sessionID] = append(s.messages[sessionID], user, agent)
	session.UpdatedAt = now
	s.sessions[sessionID] = session
	return nil
}

// Clear drops the session's messages but keeps the session itself.
func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	session.UpdatedAt = s.now()
	s.sessions[sessionID] = session
	s.messages[sessionID] = make([]chat.Message, 0, 16)
	return nil
}

// Sweep evicts sessions whose last activity is older than idle.
func (s *MemoryStore) Sweep(_ context.Context, idle time.Duration) (int, error) {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			delete(s.messages, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
