package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindActiveByUserID(ctx context.Context, userID string) (*model.Session, error)
	// FindLatestByUserID returns the user's most recent session, ended or
	// not, so a cleanup race can be absorbed by resurrection.
	FindLatestByUserID(ctx context.Context, userID string) (*model.Session, error)
	// FindInactive returns active sessions whose last activity predates cutoff.
	FindInactive(ctx context.Context, cutoff time.Time) ([]model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	UpdateActivity(ctx context.Context, id string) error
	MarkEnded(ctx context.Context, id string) error
	// Resurrect clears the end time of a session ended within the grace
	// window. Returns false without mutation when the window has passed
	// or the session is still active.
	Resurrect(ctx context.Context, id string, grace time.Duration) (bool, error)
	// RemapPool repoints every session on oldPoolID to newPoolID and
	// reports how many rows changed.
	RemapPool(ctx context.Context, oldPoolID, newPoolID string) (int64, error)
	CountActiveByPool(ctx context.Context, since time.Time) (map[string]int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindActiveByUserID(ctx context.Context, userID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE user_id = $1 AND ended_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
	`, userID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindLatestByUserID(ctx context.Context, userID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, userID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindInactive(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE ended_at IS NULL AND last_activity_at < $1
		ORDER BY last_activity_at ASC
	`, cutoff)
	return sessions, err
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (pool_id, user_id, round_id, started_at, last_activity_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING *
	`, params.PoolID, params.UserID, params.RoundID)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) UpdateActivity(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			last_activity_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

func (r *sessionRepo) MarkEnded(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			ended_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND ended_at IS NULL
	`, id)
	return err
}

func (r *sessionRepo) Resurrect(ctx context.Context, id string, grace time.Duration) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			ended_at = NULL,
			last_activity_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		AND ended_at IS NOT NULL
		AND ended_at > NOW() - ($2 * interval '1 second')
	`, id, int64(grace.Seconds()))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *sessionRepo) RemapPool(ctx context.Context, oldPoolID, newPoolID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			pool_id = $2,
			updated_at = NOW()
		WHERE pool_id = $1
	`, oldPoolID, newPoolID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *sessionRepo) CountActiveByPool(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []poolCount
	err := r.db.SelectContext(ctx, &rows, `
		SELECT pool_id, COUNT(*) AS count
		FROM sessions
		WHERE ended_at IS NULL AND last_activity_at >= $1
		GROUP BY pool_id
	`, since)
	if err != nil {
		return nil, err
	}
	return poolCountMap(rows), nil
}
