package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
)

type MessageRepository interface {
	FindByThreadID(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error)
	// FindRecentByThreadID returns the last limit messages of a thread
	// ordered oldest-first, which is the replay order.
	FindRecentByThreadID(ctx context.Context, threadID string, limit int) ([]model.Message, error)
	DistinctSenders(ctx context.Context, threadID string) ([]string, error)
	CountByThreadID(ctx context.Context, threadID string) (int, error)
	Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error)
}

type messageRepo struct {
	db *sqlx.DB
}

func NewMessageRepository(db *sqlx.DB) MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) FindByThreadID(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		WHERE thread_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, threadID, limit, offset)
	return msgs, err
}

func (r *messageRepo) FindRecentByThreadID(ctx context.Context, threadID string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT * FROM (
			SELECT * FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, threadID, limit)
	return msgs, err
}

func (r *messageRepo) DistinctSenders(ctx context.Context, threadID string) ([]string, error) {
	var senders []string
	err := r.db.SelectContext(ctx, &senders, `
		SELECT DISTINCT sender_id FROM messages WHERE thread_id = $1
	`, threadID)
	return senders, err
}

func (r *messageRepo) CountByThreadID(ctx context.Context, threadID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages WHERE thread_id = $1
	`, threadID)
	return count, err
}

func (r *messageRepo) Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error) {
	var msg model.Message
	err := r.db.GetContext(ctx, &msg, `
		INSERT INTO messages (thread_id, sender_id, content, mentions)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.ThreadID, params.SenderID, params.Content, pq.StringArray(params.Mentions))
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
