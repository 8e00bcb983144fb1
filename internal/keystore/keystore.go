// Package keystore abstracts the external secret store that holds each
// caller's upstream signing secret. Identity management itself lives outside
// this service; only the lookup contract is consumed here.
package keystore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrNoKey = errors.New("no consumer key available")

// Store resolves the per-caller secret sent to the router on session-scoped
// calls.
type Store interface {
	// PrivateKeyWithFallback returns the caller's secret, falling back to the
	// shared service secret when the caller has none. usedFallback reports
	// which one was returned.
	PrivateKeyWithFallback(ctx context.Context, callerID string) (secret string, usedFallback bool, err error)
}

// Static is an in-memory Store seeded at startup.
type Static struct {
	mu       sync.RWMutex
	keys     map[string]string
	fallback string
}

func NewStatic(fallback string) *Static {
	return &Static{
		keys:     make(map[string]string),
		fallback: strings.TrimSpace(fallback),
	}
}

func (s *Static) Set(callerID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[callerID] = strings.TrimSpace(secret)
}

func (s *Static) PrivateKeyWithFallback(_ context.Context, callerID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if secret := s.keys[callerID]; secret != "" {
		return secret, false, nil
	}
	if s.fallback != "" {
		return s.fallback, true, nil
	}
	return "", false, ErrNoKey
}
