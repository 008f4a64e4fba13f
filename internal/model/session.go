package model

import "time"

// Session is one user's durable conversation context for a time window.
// PoolID names the engine instance that currently owns the live state;
// a nil EndedAt means the session is active. An ended session may be
// resurrected within a short grace window after EndedAt.
type Session struct {
	ID             string     `db:"id" json:"id"`
	PoolID         string     `db:"pool_id" json:"poolId"`
	UserID         string     `db:"user_id" json:"userId"`
	RoundID        string     `db:"round_id" json:"roundId"`
	StartedAt      time.Time  `db:"started_at" json:"startedAt"`
	LastActivityAt time.Time  `db:"last_activity_at" json:"lastActivityAt"`
	EndedAt        *time.Time `db:"ended_at" json:"endedAt,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

func (s *Session) Active() bool {
	return s.EndedAt == nil
}

type CreateSessionParams struct {
	PoolID  string
	UserID  string
	RoundID string
}
