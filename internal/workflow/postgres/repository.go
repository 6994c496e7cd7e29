// Package postgres provides the PostgreSQL implementation of
// workflow.ExecutionStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegisops/aegis/internal/workflow"
)

// Repository implements workflow.ExecutionStore using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Save upserts the execution snapshot.
func (r *Repository) Save(ctx context.Context, exec *workflow.Execution) error {
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflow_executions (incident_id, state, context, status, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (incident_id)
		DO UPDATE SET state = EXCLUDED.state, context = EXCLUDED.context, status = EXCLUDED.status, updated_at = now()
	`, exec.IncidentID, exec.State, contextJSON, exec.Status, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func scanExecution(row pgx.Row) (*workflow.Execution, error) {
	var exec workflow.Execution
	var contextJSON []byte
	if err := row.Scan(&exec.IncidentID, &exec.State, &contextJSON, &exec.Status, &exec.StartedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contextJSON, &exec.Context); err != nil {
		return nil, fmt.Errorf("unmarshal execution context: %w", err)
	}
	return &exec, nil
}

// Get returns the execution for an incident.
func (r *Repository) Get(ctx context.Context, incidentID string) (*workflow.Execution, error) {
	exec, err := scanExecution(r.db.QueryRow(ctx, `
		SELECT incident_id, state, context, status, started_at, updated_at
		FROM workflow_executions WHERE incident_id = $1
	`, incidentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, workflow.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// ListActive returns all active executions.
func (r *Repository) ListActive(ctx context.Context) ([]*workflow.Execution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT incident_id, state, context, status, started_at, updated_at
		FROM workflow_executions WHERE status = 'active'
	`)
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}
