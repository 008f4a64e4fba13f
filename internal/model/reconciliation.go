package model

import "time"

type ReconciliationStep string

const (
	ReconciliationStepRemap        ReconciliationStep = "session_remap"
	ReconciliationStepThreadCreate ReconciliationStep = "thread_recreate"
)

type ReconciliationStatus string

const (
	ReconciliationStarted   ReconciliationStatus = "started"
	ReconciliationCompleted ReconciliationStatus = "completed"
	ReconciliationFailed    ReconciliationStatus = "failed"
)

// Reconciliation records the non-atomic remap-then-recreate pair performed
// during restoration. If the process is interrupted between the two steps
// the row keeps the old and new pool ids inspectable for follow-up.
type Reconciliation struct {
	ID        string               `db:"id" json:"id"`
	ThreadID  string               `db:"thread_id" json:"threadId"`
	OldPoolID string               `db:"old_pool_id" json:"oldPoolId"`
	NewPoolID string               `db:"new_pool_id" json:"newPoolId"`
	Step      ReconciliationStep   `db:"step" json:"step"`
	Status    ReconciliationStatus `db:"status" json:"status"`
	Detail    *string              `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time            `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time            `db:"updated_at" json:"updatedAt"`
}

type CreateReconciliationParams struct {
	ThreadID  string
	OldPoolID string
	NewPoolID string
}
