package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
)

type ReconciliationRepository interface {
	Create(ctx context.Context, params model.CreateReconciliationParams) (*model.Reconciliation, error)
	Advance(ctx context.Context, id string, step model.ReconciliationStep) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, detail string) error
	// FindIncomplete lists reconciliations interrupted between the session
	// remap and the thread recreation, for manual or automated follow-up.
	FindIncomplete(ctx context.Context) ([]model.Reconciliation, error)
}

type reconciliationRepo struct {
	db *sqlx.DB
}

func NewReconciliationRepository(db *sqlx.DB) ReconciliationRepository {
	return &reconciliationRepo{db: db}
}

func (r *reconciliationRepo) Create(ctx context.Context, params model.CreateReconciliationParams) (*model.Reconciliation, error) {
	var rec model.Reconciliation
	err := r.db.GetContext(ctx, &rec, `
		INSERT INTO reconciliations (thread_id, old_pool_id, new_pool_id, step, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, params.ThreadID, params.OldPoolID, params.NewPoolID,
		model.ReconciliationStepRemap, model.ReconciliationStarted)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *reconciliationRepo) Advance(ctx context.Context, id string, step model.ReconciliationStep) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reconciliations SET
			step = $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, step)
	return err
}

func (r *reconciliationRepo) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reconciliations SET
			status = $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, model.ReconciliationCompleted)
	return err
}

func (r *reconciliationRepo) MarkFailed(ctx context.Context, id string, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE reconciliations SET
			status = $2,
			detail = $3,
			updated_at = NOW()
		WHERE id = $1
	`, id, model.ReconciliationFailed, detail)
	return err
}

func (r *reconciliationRepo) FindIncomplete(ctx context.Context) ([]model.Reconciliation, error) {
	var recs []model.Reconciliation
	err := r.db.SelectContext(ctx, &recs, `
		SELECT * FROM reconciliations
		WHERE status = $1
		ORDER BY created_at ASC
	`, model.ReconciliationStarted)
	return recs, err
}
