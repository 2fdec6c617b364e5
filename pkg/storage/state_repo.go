package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/ncolesummers/handywriterz/pkg/state"
)

// StateRepo is the postgres implementation of state.Store
type StateRepo struct {
	db *DB
}

// NewStateRepo creates a workflow state repository
func NewStateRepo(db *DB) *StateRepo {
	return &StateRepo{db: db}
}

// Save upserts the current snapshot of a workflow state
func (r *StateRepo) Save(ctx context.Context, ws *state.WorkflowState) error {
	snap := ws.Snapshot()
	if snap.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
INSERT INTO workflow_states(request_id, snapshot, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (request_id)
DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`, snap.RequestID, payload)
	if err != nil {
		return fmt.Errorf("upsert state %s: %w", snap.RequestID, err)
	}
	return nil
}

// Load loads the persisted state of a request
func (r *StateRepo) Load(ctx context.Context, requestID string) (*state.WorkflowState, error) {
	var payload []byte
	err := r.db.Pool.QueryRow(ctx, `SELECT snapshot FROM workflow_states WHERE request_id=$1`, requestID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w for request ID: %s", state.ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", requestID, err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", requestID, err)
	}
	return state.Restore(snap), nil
}

// Delete removes the persisted state of a request
func (r *StateRepo) Delete(ctx context.Context, requestID string) error {
	query, params, err := psql.Delete("workflow_states").Where(sq.Eq{"request_id": requestID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete state: %w", err)
	}
	if _, err := r.db.Pool.Exec(ctx, query, params...); err != nil {
		return fmt.Errorf("delete state %s: %w", requestID, err)
	}
	return nil
}

// ListIDs lists request ids that have persisted state
func (r *StateRepo) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT request_id FROM workflow_states ORDER BY request_id`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan state id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state ids: %w", err)
	}
	return ids, nil
}
