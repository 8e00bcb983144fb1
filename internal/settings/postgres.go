package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads automation settings from the shared database. The table is
// owned by the account service; this reader never writes it.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const selectAutomationSQL = `SELECT caller_id, enabled, session_duration_seconds,
	preferred_models, min_idle_sessions, max_sessions_per_model
	FROM automation_settings`

func (p *Postgres) AutomationSettings(ctx context.Context, callerID string) (*Automation, error) {
	row := p.pool.QueryRow(ctx, selectAutomationSQL+` WHERE caller_id = $1`, callerID)
	var a Automation
	err := row.Scan(&a.CallerID, &a.Enabled, &a.SessionDuration,
		&a.PreferredModels, &a.MinIdleSessions, &a.MaxSessionsPerModel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read automation settings: %w", err)
	}
	return &a, nil
}

func (p *Postgres) ListEnabled(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT caller_id FROM automation_settings WHERE enabled`)
	if err != nil {
		return nil, fmt.Errorf("list automation-enabled callers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan caller id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate caller ids: %w", err)
	}
	return out, nil
}
