package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is a session's utilization state. Transitions are idle → busy → idle
// only; the request-serving path flips it around each upstream call.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

var ErrNotFound = errors.New("session not found")

// Session is one paid, time-boxed capacity grant from the upstream router,
// bound to one target model and one caller.
type Session struct {
	ID            string    `json:"session_id"`
	CallerID      string    `json:"caller_id"`
	ModelID       string    `json:"model_id"`
	IsActive      bool      `json:"is_active"`
	Pooled        bool      `json:"pooled"`
	Utilization   Status    `json:"utilization_status"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastRequestAt time.Time `json:"last_request_at,omitzero"`
	RequestCount  int64     `json:"request_count"`
}

// Expired reports whether the session is past its expiry at now. An expired
// session must never be selected for reuse.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Open reports whether the session is active and not yet expired.
func (s *Session) Open(now time.Time) bool {
	return s.IsActive && !s.Expired(now)
}

// ValidateTarget checks the target identifier format before any upstream
// call: a 0x-prefixed hex string, as issued by the router.
func ValidateTarget(target string) error {
	target = strings.TrimSpace(target)
	if len(target) < 4 || !strings.HasPrefix(target, "0x") {
		return fmt.Errorf("invalid target identifier %q", target)
	}
	for _, r := range target[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return fmt.Errorf("invalid target identifier %q", target)
		}
	}
	return nil
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
