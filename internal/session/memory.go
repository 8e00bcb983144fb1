package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps session rows in process memory. DeactivateAndCreate runs
// under one lock, giving it the same atomicity the Postgres store gets from a
// transaction.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) DeactivateAndCreate(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.CallerID == s.CallerID && !existing.Pooled {
			existing.IsActive = false
		}
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Insert(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) ActiveByCaller(_ context.Context, callerID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.CallerID == callerID && s.IsActive {
			out = append(out, clone(s))
		}
	}
	sortByCreation(out)
	return out, nil
}

func (m *MemoryStore) OpenByCallerModel(_ context.Context, callerID, modelID string, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.CallerID == callerID && s.ModelID == modelID && s.Open(now) {
			out = append(out, clone(s))
		}
	}
	sortByCreation(out)
	return out, nil
}

func (m *MemoryStore) ModelsWithSessions(_ context.Context, callerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, s := range m.sessions {
		if s.CallerID != callerID || !s.IsActive {
			continue
		}
		if _, ok := seen[s.ModelID]; ok {
			continue
		}
		seen[s.ModelID] = struct{}{}
		out = append(out, s.ModelID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) MarkInactive(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.IsActive = false
	return nil
}

func (m *MemoryStore) SetUtilization(_ context.Context, id string, status Status, at time.Time, countRequest bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Utilization = status
	s.LastRequestAt = at
	if countRequest {
		s.RequestCount++
	}
	return nil
}

func sortByCreation(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
