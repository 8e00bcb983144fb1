package session

import (
	"context"
	"time"
)

// Store persists session rows. Multiple gateway processes may share one
// store, so cross-request invariants live here, not in process memory: the
// exclusive-active rule is enforced by DeactivateAndCreate's atomicity (and,
// in Postgres, a partial unique index), never by an in-process mutex.
type Store interface {
	// DeactivateAndCreate atomically deactivates the caller's active
	// non-pooled sessions and inserts s. This is the exclusive creation path;
	// pooled rows are never touched, so a warm reserve on another model
	// survives it.
	DeactivateAndCreate(ctx context.Context, s *Session) error

	// Insert adds a pooled session without touching the caller's other rows.
	Insert(ctx context.Context, s *Session) error

	Get(ctx context.Context, id string) (*Session, error)

	// ActiveByCaller lists the caller's active rows, expired or not.
	ActiveByCaller(ctx context.Context, callerID string) ([]*Session, error)

	// OpenByCallerModel lists the caller's active, non-expired rows for one
	// target model.
	OpenByCallerModel(ctx context.Context, callerID, modelID string, now time.Time) ([]*Session, error)

	// ModelsWithSessions lists the distinct target models for which the
	// caller has active rows.
	ModelsWithSessions(ctx context.Context, callerID string) ([]string, error)

	MarkInactive(ctx context.Context, id string) error

	// SetUtilization updates status and last-request timestamp, and bumps the
	// request counter when countRequest is set.
	SetUtilization(ctx context.Context, id string, status Status, at time.Time, countRequest bool) error
}
