package model

import "time"

// IntermediaryState records that one agent is waiting on another agent's
// reply on the user's behalf. At most one row exists per (agent, thread).
type IntermediaryState struct {
	ID            string    `db:"id" json:"id"`
	AgentID       string    `db:"agent_id" json:"agentId"`
	ThreadID      string    `db:"thread_id" json:"threadId"`
	TargetAgentID string    `db:"target_agent_id" json:"targetAgentId"`
	Purpose       string    `db:"purpose" json:"purpose"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	ExpiresAt     time.Time `db:"expires_at" json:"expiresAt"`
}

func (s *IntermediaryState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type SetIntermediaryStateParams struct {
	AgentID       string
	ThreadID      string
	TargetAgentID string
	Purpose       string
	ExpiresAt     time.Time
}
