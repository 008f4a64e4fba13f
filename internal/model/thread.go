package model

import (
	"time"

	"github.com/lib/pq"
)

// Thread is one conversation lane between the user and one agent.
// EngineThreadID is the remote engine's identifier, unique within the
// parent session. Participants is derived from distinct message senders
// and always contains at least the agent and the user.
type Thread struct {
	ID             string         `db:"id" json:"id"`
	EngineThreadID string         `db:"engine_thread_id" json:"engineThreadId"`
	SessionID      string         `db:"session_id" json:"sessionId"`
	AgentID        string         `db:"agent_id" json:"agentId"`
	Participants   pq.StringArray `db:"participants" json:"participants"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}

type CreateThreadParams struct {
	EngineThreadID string
	SessionID      string
	AgentID        string
	Participants   []string
}
