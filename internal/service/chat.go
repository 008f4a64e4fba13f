package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/audit"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/database"
	enginepkg "github.com/elevenyellow/pardon-simulator-sub002/internal/engine"
	apperrors "github.com/elevenyellow/pardon-simulator-sub002/internal/errors"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/pool"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/repository"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/sse"
)

// TxRunner runs a function within a database transaction.
// *database.DB satisfies it; tests substitute a pass-through.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

var _ TxRunner = (*database.DB)(nil)

// ReplyPublisher fans agent replies out to stream clients.
type ReplyPublisher interface {
	Publish(ctx context.Context, threadID string, event sse.Event) error
}

// ChatService is the data-flow glue: wallet to user, user to pool, pool
// to session/thread, durable append, engine send. The durable write
// always happens before the engine call, so a lost engine reply degrades
// the response but never loses history.
type ChatService struct {
	db        TxRunner
	users     repository.UserRepository
	sessions  repository.SessionRepository
	threads   repository.ThreadRepository
	messages  repository.MessageRepository
	engine    EngineAPI
	router    *pool.Router
	restorer  *Restorer
	lifecycle *LifecycleService
	broker    ReplyPublisher
	retry     enginepkg.RetryPolicy
	agentIDs  []string
	agents    map[string]bool
	round     func() string
}

func NewChatService(
	db TxRunner,
	users repository.UserRepository,
	sessions repository.SessionRepository,
	threads repository.ThreadRepository,
	messages repository.MessageRepository,
	engine EngineAPI,
	router *pool.Router,
	restorer *Restorer,
	lifecycle *LifecycleService,
	broker ReplyPublisher,
	retry enginepkg.RetryPolicy,
	agentIDs []string,
) *ChatService {
	agents := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		agents[id] = true
	}
	return &ChatService{
		db:        db,
		users:     users,
		sessions:  sessions,
		threads:   threads,
		messages:  messages,
		engine:    engine,
		router:    router,
		restorer:  restorer,
		lifecycle: lifecycle,
		broker:    broker,
		retry:     retry,
		agentIDs:  agentIDs,
		agents:    agents,
		round:     currentRound,
	}
}

// currentRound is the activity window new sessions are tagged with.
func currentRound() string {
	return time.Now().UTC().Format("2006-01-02")
}

type SendMessageParams struct {
	WalletAddress string   `json:"walletAddress"`
	Username      string   `json:"username"`
	AgentID       string   `json:"-"`
	Content       string   `json:"content"`
	Mentions      []string `json:"mentions"`
}

type SendMessageResult struct {
	SessionID string              `json:"sessionId"`
	ThreadID  string              `json:"threadId"`
	Message   *model.Message      `json:"message"`
	Replies   []enginepkg.Message `json:"replies"`
	// Degraded marks a response whose durable write succeeded but whose
	// engine delivery did not, even after restoration.
	Degraded bool `json:"degraded,omitempty"`
}

func (s *ChatService) SendMessage(ctx context.Context, params SendMessageParams) (*SendMessageResult, error) {
	wallet := strings.TrimSpace(params.WalletAddress)
	if wallet == "" {
		return nil, apperrors.MissingRequired("walletAddress")
	}
	if len(wallet) < 3 || len(wallet) > 64 {
		return nil, apperrors.InvalidInput("walletAddress", "must be between 3 and 64 characters")
	}
	if strings.TrimSpace(params.Content) == "" {
		return nil, apperrors.MissingRequired("content")
	}
	if !s.agents[params.AgentID] {
		return nil, apperrors.NotFound("agent")
	}

	user, err := s.users.FindOrCreate(ctx, model.CreateUserParams{
		WalletAddress: wallet,
		Username:      params.Username,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if name := strings.TrimSpace(params.Username); name != "" && name != user.Username {
		if err := s.users.UpdateUsername(ctx, user.ID, name); err != nil {
			log.Warn().Err(err).Str("userId", user.ID).Msg("username update failed")
		} else {
			user.Username = name
		}
	}

	session, err := s.ensureSession(ctx, user)
	if err != nil {
		return nil, err
	}

	thread, err := s.ensureThread(ctx, session, user, params.AgentID)
	if err != nil {
		return nil, err
	}

	// Durable first: these rows are the source of truth the engine cache
	// gets rebuilt from.
	msg, err := s.messages.Create(ctx, model.CreateMessageParams{
		ThreadID: thread.ID,
		SenderID: user.ID,
		Content:  params.Content,
		Mentions: params.Mentions,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	replies, degraded := s.deliver(ctx, session, thread, user, params)

	s.lifecycle.UpdateSessionActivity(ctx, session.ID)
	s.persistReplies(ctx, thread.ID, replies)
	s.publishReplies(ctx, thread.ID, replies)

	return &SendMessageResult{
		SessionID: session.ID,
		ThreadID:  thread.ID,
		Message:   msg,
		Replies:   replies,
		Degraded:  degraded,
	}, nil
}

// ensureSession returns the user's active session, resurrecting one that
// a cleanup sweep ended moments ago, or creating a fresh one on the
// healthiest pool.
func (s *ChatService) ensureSession(ctx context.Context, user *model.User) (*model.Session, error) {
	latest, err := s.sessions.FindLatestByUserID(ctx, user.ID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if latest != nil {
		if latest.Active() {
			return latest, nil
		}
		revived, err := s.lifecycle.ResurrectSession(ctx, latest.ID)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", latest.ID).Msg("resurrection attempt failed")
		}
		if revived {
			return s.sessions.FindByID(ctx, latest.ID)
		}
	}

	poolID, err := s.router.SelectHealthiestPool(ctx, user.WalletAddress)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.Create(ctx, model.CreateSessionParams{
		PoolID:  poolID,
		UserID:  user.ID,
		RoundID: s.round(),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("poolId", poolID).
		Str("wallet", user.WalletAddress).
		Msg("session created")

	return session, nil
}

// ensureThread returns the session's thread for an agent, creating the
// remote thread (and, for a cold pool, the pool session) on first use.
func (s *ChatService) ensureThread(ctx context.Context, session *model.Session, user *model.User, agentID string) (*model.Thread, error) {
	thread, err := s.threads.FindBySessionAndAgent(ctx, session.ID, agentID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if thread != nil {
		return thread, nil
	}

	participants := []string{agentID, user.ID}
	poolID := session.PoolID

	var engineThreadID string
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var createErr error
		engineThreadID, createErr = s.engine.CreateThread(ctx, poolID, agentID, participants)
		return createErr
	})
	if errors.Is(err, enginepkg.ErrSessionNotFound) {
		poolID, err = s.ensurePoolSession(ctx, poolID)
		if err != nil {
			return nil, err
		}
		engineThreadID, err = s.engine.CreateThread(ctx, poolID, agentID, participants)
	}
	if err != nil {
		return nil, apperrors.Engine(err)
	}

	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		thread, txErr = s.threads.WithTx(tx).Create(ctx, model.CreateThreadParams{
			EngineThreadID: engineThreadID,
			SessionID:      session.ID,
			AgentID:        agentID,
			Participants:   participants,
		})
		if txErr != nil {
			return txErr
		}
		return s.sessions.WithTx(tx).UpdateActivity(ctx, session.ID)
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("threadId", thread.ID).
		Str("engineThreadId", engineThreadID).
		Str("sessionId", session.ID).
		Str("agentId", agentID).
		Msg("thread created")

	return thread, nil
}

// ensurePoolSession recreates a cold pool session before first thread
// creation. An engine-assigned identifier differing from the requested
// one triggers the same durable remap restoration performs.
func (s *ChatService) ensurePoolSession(ctx context.Context, poolID string) (string, error) {
	assignedID, err := s.engine.CreateSession(ctx, poolID, s.agentIDs)
	if err != nil {
		return "", apperrors.Engine(err)
	}
	if assignedID == poolID {
		return poolID, nil
	}

	remapped, err := s.sessions.RemapPool(ctx, poolID, assignedID)
	if err != nil {
		return "", apperrors.Database(err)
	}
	audit.Log(ctx, audit.Event{
		Type:   audit.EventSessionRemap,
		PoolID: poolID,
		Details: map[string]interface{}{
			"new_pool_id": assignedID,
			"remapped":    remapped,
		},
	})
	return assignedID, nil
}

// deliver sends the message to the engine. A not-found answer triggers
// restoration and exactly one retry; anything still failing degrades to
// an empty reply set rather than surfacing an error, since the durable
// write already succeeded.
func (s *ChatService) deliver(ctx context.Context, session *model.Session, thread *model.Thread, user *model.User, params SendMessageParams) ([]enginepkg.Message, bool) {
	send := func(t *model.Thread, poolID string) ([]enginepkg.Message, error) {
		var replies []enginepkg.Message
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			var sendErr error
			replies, sendErr = s.engine.SendMessage(ctx, poolID, t.AgentID, t.EngineThreadID, enginepkg.SendMessageParams{
				Sender:   user.ID,
				Content:  params.Content,
				Mentions: params.Mentions,
			})
			return sendErr
		})
		return replies, err
	}

	replies, err := send(thread, session.PoolID)
	if err == nil {
		return replies, false
	}
	if !enginepkg.IsNotFound(err) {
		log.Warn().Err(err).Str("threadId", thread.ID).Msg("engine delivery failed, degrading")
		return nil, true
	}

	state, restoreErr := s.restorer.RestoreThread(ctx, thread.ID)
	if state != StateRestored {
		log.Error().
			Err(restoreErr).
			Str("threadId", thread.ID).
			Str("state", string(state)).
			Msg("restoration failed, degrading")
		return nil, true
	}

	// Restoration may have remapped the pool and repointed the engine
	// thread id; reload both before the single retry.
	thread, err = s.threads.FindByID(ctx, thread.ID)
	if err != nil || thread == nil {
		log.Error().Err(err).Msg("failed to reload thread after restoration, degrading")
		return nil, true
	}
	session, err = s.sessions.FindByID(ctx, thread.SessionID)
	if err != nil || session == nil {
		log.Error().Err(err).Msg("failed to reload session after restoration, degrading")
		return nil, true
	}

	replies, err = send(thread, session.PoolID)
	if err != nil {
		log.Warn().Err(err).Str("threadId", thread.ID).Msg("post-restoration delivery failed, degrading")
		return nil, true
	}
	return replies, false
}

// persistReplies appends agent replies to the durable history so a later
// replay can rebuild them. Best-effort per reply.
func (s *ChatService) persistReplies(ctx context.Context, threadID string, replies []enginepkg.Message) {
	for _, reply := range replies {
		_, err := s.messages.Create(ctx, model.CreateMessageParams{
			ThreadID: threadID,
			SenderID: reply.Sender,
			Content:  reply.Content,
			Mentions: reply.Mentions,
		})
		if err != nil {
			log.Error().Err(err).Str("threadId", threadID).Msg("failed to persist agent reply")
		}
	}
}

func (s *ChatService) publishReplies(ctx context.Context, threadID string, replies []enginepkg.Message) {
	if s.broker == nil {
		return
	}
	for _, reply := range replies {
		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if err := s.broker.Publish(ctx, threadID, sse.Event{Type: "agent_reply", Data: data}); err != nil {
			log.Warn().Err(err).Str("threadId", threadID).Msg("failed to publish agent reply")
		}
	}
}

// History returns a page of the durable conversation record.
func (s *ChatService) History(ctx context.Context, threadID string, limit, offset int) ([]model.Message, int, error) {
	if threadID == "" {
		return nil, 0, apperrors.MissingRequired("threadId")
	}

	msgs, err := s.messages.FindByThreadID(ctx, threadID, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	total, err := s.messages.CountByThreadID(ctx, threadID)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	return msgs, total, nil
}

// Thread resolves a durable thread with its parent session for stream
// authorization.
func (s *ChatService) Thread(ctx context.Context, threadID string) (*model.Thread, *model.Session, error) {
	thread, err := s.threads.FindByID(ctx, threadID)
	if err != nil {
		return nil, nil, apperrors.Database(err)
	}
	if thread == nil {
		return nil, nil, apperrors.NotFound("thread")
	}
	session, err := s.sessions.FindByID(ctx, thread.SessionID)
	if err != nil {
		return nil, nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, nil, apperrors.NotFound("session")
	}
	return thread, session, nil
}

// AwardScore applies an externally computed score delta to a user.
func (s *ChatService) AwardScore(ctx context.Context, walletAddress string, delta int64) error {
	wallet := strings.TrimSpace(walletAddress)
	if wallet == "" {
		return apperrors.MissingRequired("walletAddress")
	}

	user, err := s.users.FindByWallet(ctx, wallet)
	if err != nil {
		return apperrors.Database(err)
	}
	if user == nil {
		return apperrors.NotFound("user")
	}

	if err := s.users.IncrementScore(ctx, user.ID, delta); err != nil {
		return apperrors.Database(err)
	}

	log.Info().
		Str("wallet", wallet).
		Int64("delta", delta).
		Msg("score updated")

	return nil
}
