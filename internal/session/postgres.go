package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session rows in PostgreSQL. The partial unique index
// on (caller_id) WHERE is_active AND NOT pooled is the store-level enforcement
// of the exclusive-active invariant across gateway processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			pooled BOOLEAN NOT NULL DEFAULT FALSE,
			utilization TEXT NOT NULL DEFAULT 'idle',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			last_request_at TIMESTAMPTZ,
			request_count BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_caller_model ON sessions (caller_id, model_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_sessions_caller_exclusive
			ON sessions (caller_id) WHERE is_active AND NOT pooled;`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Pool exposes the connection pool for collaborators that share the database
// (e.g. the settings reader).
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

const insertSessionSQL = `INSERT INTO sessions
	(id, caller_id, model_id, is_active, pooled, utilization, created_at, expires_at, last_request_at, request_count)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func insertArgs(s *Session) []any {
	var lastReq *time.Time
	if !s.LastRequestAt.IsZero() {
		lastReq = &s.LastRequestAt
	}
	return []any{
		s.ID, s.CallerID, s.ModelID, s.IsActive, s.Pooled, string(s.Utilization),
		s.CreatedAt, s.ExpiresAt, lastReq, s.RequestCount,
	}
}

func (p *PostgresStore) DeactivateAndCreate(ctx context.Context, s *Session) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin deactivate-and-create: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE WHERE caller_id = $1 AND is_active AND NOT pooled`,
		s.CallerID,
	); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	if _, err := tx.Exec(ctx, insertSessionSQL, insertArgs(s)...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit deactivate-and-create: %w", err)
	}
	return nil
}

func (p *PostgresStore) Insert(ctx context.Context, s *Session) error {
	if _, err := p.pool.Exec(ctx, insertSessionSQL, insertArgs(s)...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const selectSessionSQL = `SELECT id, caller_id, model_id, is_active, pooled, utilization,
	created_at, expires_at, last_request_at, request_count FROM sessions`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var utilization string
	var lastReq *time.Time
	if err := row.Scan(&s.ID, &s.CallerID, &s.ModelID, &s.IsActive, &s.Pooled, &utilization,
		&s.CreatedAt, &s.ExpiresAt, &lastReq, &s.RequestCount); err != nil {
		return nil, err
	}
	s.Utilization = Status(utilization)
	if lastReq != nil {
		s.LastRequestAt = *lastReq
	}
	return &s, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.pool.QueryRow(ctx, selectSessionSQL+` WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) collect(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) ActiveByCaller(ctx context.Context, callerID string) ([]*Session, error) {
	return p.collect(ctx,
		selectSessionSQL+` WHERE caller_id = $1 AND is_active ORDER BY created_at, id`,
		callerID)
}

func (p *PostgresStore) OpenByCallerModel(ctx context.Context, callerID, modelID string, now time.Time) ([]*Session, error) {
	return p.collect(ctx,
		selectSessionSQL+` WHERE caller_id = $1 AND model_id = $2 AND is_active AND expires_at > $3 ORDER BY created_at, id`,
		callerID, modelID, now)
}

func (p *PostgresStore) ModelsWithSessions(ctx context.Context, callerID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT model_id FROM sessions WHERE caller_id = $1 AND is_active ORDER BY model_id`,
		callerID)
	if err != nil {
		return nil, fmt.Errorf("query session models: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan model id: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model ids: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) MarkInactive(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE sessions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark session inactive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetUtilization(ctx context.Context, id string, status Status, at time.Time, countRequest bool) error {
	bump := int64(0)
	if countRequest {
		bump = 1
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET utilization = $2, last_request_at = $3, request_count = request_count + $4 WHERE id = $1`,
		id, string(status), at, bump)
	if err != nil {
		return fmt.Errorf("set session utilization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
