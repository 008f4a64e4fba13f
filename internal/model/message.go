package model

import (
	"time"

	"github.com/lib/pq"
)

// Message rows are append-only and are the source of truth for
// conversation content; the engine's copy is a rebuildable cache.
type Message struct {
	ID        string         `db:"id" json:"id"`
	ThreadID  string         `db:"thread_id" json:"threadId"`
	SenderID  string         `db:"sender_id" json:"senderId"`
	Content   string         `db:"content" json:"content"`
	Mentions  pq.StringArray `db:"mentions" json:"mentions"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}

type CreateMessageParams struct {
	ThreadID string
	SenderID string
	Content  string
	Mentions []string
}
