package session

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]Session)}
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ParticipantID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, participantID int64) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[participantID]
	return s, ok, nil
}

func (m *MemoryStore) Take(_ context.Context, participantID int64) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[participantID]
	if ok {
		delete(m.sessions, participantID)
	}
	return s, ok, nil
}

func (m *MemoryStore) Refresh(_ context.Context, participantID int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[participantID]
	if !ok {
		return false, nil
	}
	s.LastActivity = at
	m.sessions[participantID] = s
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, participantID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[participantID]
	delete(m.sessions, participantID)
	return ok, nil
}

func (m *MemoryStore) Sweep(_ context.Context, inactiveSince time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.LastActivity.Before(inactiveSince) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
