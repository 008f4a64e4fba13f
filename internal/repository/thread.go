package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
)

type ThreadRepository interface {
	FindByID(ctx context.Context, id string) (*model.Thread, error)
	FindBySessionAndAgent(ctx context.Context, sessionID, agentID string) (*model.Thread, error)
	FindBySessionID(ctx context.Context, sessionID string) ([]model.Thread, error)
	Create(ctx context.Context, params model.CreateThreadParams) (*model.Thread, error)
	UpdateParticipants(ctx context.Context, id string, participants []string) error
	// UpdateEngineThreadID repoints a durable thread at a recreated remote
	// thread. EngineThreadID uniqueness within the session is preserved by
	// the engine assigning fresh identifiers.
	UpdateEngineThreadID(ctx context.Context, id, engineThreadID string) error
	// EngineThreadIDsByPool lists the remote identifiers of every durable
	// thread whose session lives on the given pool. Used for orphan diffing.
	EngineThreadIDsByPool(ctx context.Context, poolID string) ([]string, error)
	// CountActiveByPool counts threads whose parent session saw activity
	// since the given time, grouped by pool.
	CountActiveByPool(ctx context.Context, since time.Time) (map[string]int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) ThreadRepository
}

type threadDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type threadRepo struct {
	db threadDB
}

func NewThreadRepository(db *sqlx.DB) ThreadRepository {
	return &threadRepo{db: db}
}

func (r *threadRepo) WithTx(tx *sqlx.Tx) ThreadRepository {
	return &threadRepo{db: tx}
}

func (r *threadRepo) FindByID(ctx context.Context, id string) (*model.Thread, error) {
	var thread model.Thread
	err := r.db.GetContext(ctx, &thread, `SELECT * FROM threads WHERE id = $1`, id)
	return HandleNotFound(&thread, err)
}

func (r *threadRepo) FindBySessionAndAgent(ctx context.Context, sessionID, agentID string) (*model.Thread, error) {
	var thread model.Thread
	err := r.db.GetContext(ctx, &thread, `
		SELECT * FROM threads
		WHERE session_id = $1 AND agent_id = $2
	`, sessionID, agentID)
	return HandleNotFound(&thread, err)
}

func (r *threadRepo) FindBySessionID(ctx context.Context, sessionID string) ([]model.Thread, error) {
	var threads []model.Thread
	err := r.db.SelectContext(ctx, &threads, `
		SELECT * FROM threads
		WHERE session_id = $1
		ORDER BY created_at ASC
	`, sessionID)
	return threads, err
}

func (r *threadRepo) Create(ctx context.Context, params model.CreateThreadParams) (*model.Thread, error) {
	var thread model.Thread
	err := r.db.GetContext(ctx, &thread, `
		INSERT INTO threads (engine_thread_id, session_id, agent_id, participants)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.EngineThreadID, params.SessionID, params.AgentID, pq.StringArray(params.Participants))
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

func (r *threadRepo) UpdateParticipants(ctx context.Context, id string, participants []string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE threads SET
			participants = $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, pq.StringArray(participants))
	return err
}

func (r *threadRepo) UpdateEngineThreadID(ctx context.Context, id, engineThreadID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE threads SET
			engine_thread_id = $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, engineThreadID)
	return err
}

func (r *threadRepo) EngineThreadIDsByPool(ctx context.Context, poolID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT t.engine_thread_id
		FROM threads t
		JOIN sessions s ON s.id = t.session_id
		WHERE s.pool_id = $1
	`, poolID)
	return ids, err
}

func (r *threadRepo) CountActiveByPool(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []poolCount
	err := r.db.SelectContext(ctx, &rows, `
		SELECT s.pool_id, COUNT(t.id) AS count
		FROM threads t
		JOIN sessions s ON s.id = t.session_id
		WHERE s.last_activity_at >= $1
		GROUP BY s.pool_id
	`, since)
	if err != nil {
		return nil, err
	}
	return poolCountMap(rows), nil
}
