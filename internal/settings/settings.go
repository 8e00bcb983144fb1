// Package settings exposes the read-only per-caller automation settings the
// capacity router consumes. The settings are owned and edited elsewhere; this
// service never mutates them.
package settings

import (
	"context"
	"sync"
)

// Automation holds a caller's session-automation preferences.
type Automation struct {
	CallerID            string
	Enabled             bool
	SessionDuration     int64 // seconds
	PreferredModels     []string
	MinIdleSessions     int
	MaxSessionsPerModel int
}

// Store reads automation settings. A nil Automation means the caller has
// never configured automation.
type Store interface {
	AutomationSettings(ctx context.Context, callerID string) (*Automation, error)
	ListEnabled(ctx context.Context) ([]string, error)
}

// Memory is an in-memory Store, used standalone and in tests.
type Memory struct {
	mu       sync.RWMutex
	byCaller map[string]*Automation
}

func NewMemory() *Memory {
	return &Memory{byCaller: make(map[string]*Automation)}
}

func (m *Memory) Put(a Automation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byCaller[a.CallerID] = &a
}

func (m *Memory) AutomationSettings(_ context.Context, callerID string) (*Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byCaller[callerID]
	if !ok {
		return nil, nil
	}
	copied := *a
	copied.PreferredModels = append([]string(nil), a.PreferredModels...)
	return &copied, nil
}

func (m *Memory) ListEnabled(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, a := range m.byCaller {
		if a.Enabled {
			out = append(out, id)
		}
	}
	return out, nil
}
