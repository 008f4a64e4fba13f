package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
)

type IntermediaryRepository interface {
	Find(ctx context.Context, agentID, threadID string) (*model.IntermediaryState, error)
	// Upsert replaces any existing row for the (agent, thread) pair.
	Upsert(ctx context.Context, params model.SetIntermediaryStateParams) (*model.IntermediaryState, error)
	// Delete is idempotent and reports whether a row existed.
	Delete(ctx context.Context, agentID, threadID string) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type intermediaryRepo struct {
	db *sqlx.DB
}

func NewIntermediaryRepository(db *sqlx.DB) IntermediaryRepository {
	return &intermediaryRepo{db: db}
}

func (r *intermediaryRepo) Find(ctx context.Context, agentID, threadID string) (*model.IntermediaryState, error) {
	var state model.IntermediaryState
	err := r.db.GetContext(ctx, &state, `
		SELECT * FROM intermediary_states
		WHERE agent_id = $1 AND thread_id = $2
	`, agentID, threadID)
	return HandleNotFound(&state, err)
}

func (r *intermediaryRepo) Upsert(ctx context.Context, params model.SetIntermediaryStateParams) (*model.IntermediaryState, error) {
	var state model.IntermediaryState
	err := r.db.GetContext(ctx, &state, `
		INSERT INTO intermediary_states (agent_id, thread_id, target_agent_id, purpose, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id, thread_id) DO UPDATE SET
			target_agent_id = EXCLUDED.target_agent_id,
			purpose = EXCLUDED.purpose,
			expires_at = EXCLUDED.expires_at,
			created_at = NOW()
		RETURNING *
	`, params.AgentID, params.ThreadID, params.TargetAgentID, params.Purpose, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *intermediaryRepo) Delete(ctx context.Context, agentID, threadID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM intermediary_states
		WHERE agent_id = $1 AND thread_id = $2
	`, agentID, threadID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *intermediaryRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM intermediary_states WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
