package service

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/audit"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/config"
	enginepkg "github.com/elevenyellow/pardon-simulator-sub002/internal/engine"
	apperrors "github.com/elevenyellow/pardon-simulator-sub002/internal/errors"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/repository"
)

// RestoreState tracks a thread's position in the restoration protocol.
type RestoreState string

const (
	StateUnknown        RestoreState = "unknown"
	StateSessionMissing RestoreState = "session_missing"
	StateThreadMissing  RestoreState = "thread_missing"
	StatePresent        RestoreState = "present"
	StateRestoring      RestoreState = "restoring"
	StateRestored       RestoreState = "restored"
	StateFailed         RestoreState = "failed"
)

// Restorer rebuilds lost engine state from the durable store. The durable
// rows are the source of truth; the engine's copy is a cache that can be
// recreated and refilled by replaying messages.
//
// Restoration of one thread is serialized in-process through a per-thread
// mutex; a second caller blocks, re-probes, and finds the state already
// present. Cross-process duplication is accepted (single routing process
// per deployment unit).
type Restorer struct {
	sessions repository.SessionRepository
	threads  repository.ThreadRepository
	messages repository.MessageRepository
	recons   repository.ReconciliationRepository
	engine   EngineAPI
	agentIDs []string
	retry    enginepkg.RetryPolicy

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRestorer(
	sessions repository.SessionRepository,
	threads repository.ThreadRepository,
	messages repository.MessageRepository,
	recons repository.ReconciliationRepository,
	engine EngineAPI,
	agentIDs []string,
	retry enginepkg.RetryPolicy,
) *Restorer {
	return &Restorer{
		sessions: sessions,
		threads:  threads,
		messages: messages,
		recons:   recons,
		engine:   engine,
		agentIDs: agentIDs,
		retry:    retry,
		locks:    make(map[string]*sync.Mutex),
	}
}

// RestoreThread runs the full restoration protocol for a durable thread
// whose engine counterpart went missing. The caller is expected to retry
// its original operation exactly once after StateRestored, and to degrade
// to an empty result after StateFailed.
func (r *Restorer) RestoreThread(ctx context.Context, threadID string) (RestoreState, error) {
	lock := r.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	thread, err := r.threads.FindByID(ctx, threadID)
	if err != nil {
		return StateFailed, apperrors.Database(err)
	}
	if thread == nil {
		return StateFailed, apperrors.NotFound("thread")
	}

	session, err := r.sessions.FindByID(ctx, thread.SessionID)
	if err != nil {
		return StateFailed, apperrors.Database(err)
	}
	if session == nil {
		return StateFailed, apperrors.NotFound("session")
	}

	participants, err := r.participants(ctx, thread, session)
	if err != nil {
		return StateFailed, apperrors.Database(err)
	}

	state, err := r.diagnose(ctx, session.PoolID, thread)
	if err != nil {
		return StateFailed, err
	}

	log.Info().
		Str("threadId", threadID).
		Str("poolId", session.PoolID).
		Str("state", string(state)).
		Msg("restoration diagnosis")

	if state == StatePresent {
		// Another caller restored the thread while we waited on the lock.
		return StateRestored, nil
	}

	poolID := session.PoolID
	var rec *model.Reconciliation

	if state == StateSessionMissing {
		poolID, rec, err = r.recreatePoolSession(ctx, session.PoolID, threadID)
		if err != nil {
			r.failRestore(ctx, rec, threadID, session.PoolID, err)
			return StateFailed, err
		}
	}

	if err := r.ensureThread(ctx, poolID, thread, participants); err != nil {
		r.failRestore(ctx, rec, threadID, poolID, err)
		return StateFailed, err
	}

	// Re-read: ensureThread may have repointed the engine thread id.
	thread, err = r.threads.FindByID(ctx, threadID)
	if err != nil || thread == nil {
		r.failRestore(ctx, rec, threadID, poolID, err)
		return StateFailed, apperrors.Database(err)
	}

	r.replayMessages(ctx, poolID, thread)

	if rec != nil {
		if err := r.recons.MarkCompleted(ctx, rec.ID); err != nil {
			log.Warn().Err(err).Str("reconciliationId", rec.ID).Msg("failed to mark reconciliation completed")
		}
	}

	log.Info().
		Str("threadId", threadID).
		Str("poolId", poolID).
		Msg("thread restored")

	return StateRestored, nil
}

// diagnose cheaply classifies what is missing before any mutation.
func (r *Restorer) diagnose(ctx context.Context, poolID string, thread *model.Thread) (RestoreState, error) {
	var sessionExists bool
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var probeErr error
		sessionExists, probeErr = r.engine.SessionExists(ctx, poolID)
		return probeErr
	})
	if err != nil {
		return StateUnknown, apperrors.Engine(err)
	}
	if !sessionExists {
		return StateSessionMissing, nil
	}

	threadExists, err := r.engine.ThreadExists(ctx, poolID, thread.AgentID, thread.EngineThreadID)
	if err != nil {
		return StateUnknown, apperrors.Engine(err)
	}
	if !threadExists {
		return StateThreadMissing, nil
	}
	return StatePresent, nil
}

// recreatePoolSession recreates the missing pool session, requesting the
// original identifier. When the engine assigns a different one, every
// durable session on the old pool id is remapped; the two non-atomic
// steps are bracketed by a reconciliation row so an interruption between
// them stays inspectable.
func (r *Restorer) recreatePoolSession(ctx context.Context, poolID, threadID string) (string, *model.Reconciliation, error) {
	var assignedID string
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var createErr error
		assignedID, createErr = r.engine.CreateSession(ctx, poolID, r.agentIDs)
		return createErr
	})
	if err != nil {
		return "", nil, apperrors.Engine(err)
	}

	if assignedID == poolID {
		return poolID, nil, nil
	}

	rec, err := r.recons.Create(ctx, model.CreateReconciliationParams{
		ThreadID:  threadID,
		OldPoolID: poolID,
		NewPoolID: assignedID,
	})
	if err != nil {
		return "", nil, apperrors.Database(err)
	}

	remapped, err := r.sessions.RemapPool(ctx, poolID, assignedID)
	if err != nil {
		return "", rec, apperrors.Database(err)
	}
	if remapped == 0 {
		audit.Log(ctx, audit.Event{
			Type:     audit.EventSessionRemapFailed,
			ThreadID: threadID,
			PoolID:   poolID,
			Details:  map[string]interface{}{"new_pool_id": assignedID},
		})
		return "", rec, apperrors.RemapFailed(poolID, assignedID)
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventSessionRemap,
		ThreadID: threadID,
		PoolID:   poolID,
		Details: map[string]interface{}{
			"new_pool_id": assignedID,
			"remapped":    remapped,
		},
	})

	if err := r.recons.Advance(ctx, rec.ID, model.ReconciliationStepThreadCreate); err != nil {
		log.Warn().Err(err).Str("reconciliationId", rec.ID).Msg("failed to advance reconciliation step")
	}

	return assignedID, rec, nil
}

// ensureThread probes before creating: blind recreation could make the
// engine discard in-memory messages accumulated since the last durable
// write.
func (r *Restorer) ensureThread(ctx context.Context, poolID string, thread *model.Thread, participants []string) error {
	exists, err := r.engine.ThreadExists(ctx, poolID, thread.AgentID, thread.EngineThreadID)
	if err != nil && !enginepkg.IsNotFound(err) {
		return apperrors.Engine(err)
	}
	if exists {
		return nil
	}

	engineThreadID, err := r.engine.CreateThread(ctx, poolID, thread.AgentID, participants)
	if err != nil {
		return apperrors.Engine(err)
	}

	if engineThreadID != thread.EngineThreadID {
		if err := r.threads.UpdateEngineThreadID(ctx, thread.ID, engineThreadID); err != nil {
			return apperrors.Database(err)
		}
	}
	if err := r.threads.UpdateParticipants(ctx, thread.ID, participants); err != nil {
		log.Warn().Err(err).Str("threadId", thread.ID).Msg("failed to refresh participants")
	}
	return nil
}

// replayMessages refills a freshly recreated thread from the durable
// history. A thread that already reports messages is skipped entirely:
// this is the idempotence guard that keeps a double restoration from
// duplicating history. Individual replay failures never abort the batch.
func (r *Restorer) replayMessages(ctx context.Context, poolID string, thread *model.Thread) {
	existing, err := r.engine.ListMessages(ctx, poolID, thread.AgentID, thread.EngineThreadID)
	if err != nil {
		log.Warn().Err(err).Str("threadId", thread.ID).Msg("failed to probe remote messages, skipping replay")
		return
	}
	if len(existing) > 0 {
		log.Debug().
			Str("threadId", thread.ID).
			Int("remoteMessages", len(existing)).
			Msg("remote thread already has messages, skipping replay")
		return
	}

	history, err := r.messages.FindRecentByThreadID(ctx, thread.ID, config.ReplayMessageLimit)
	if err != nil {
		log.Error().Err(err).Str("threadId", thread.ID).Msg("failed to load durable history for replay")
		return
	}

	replayed := 0
	for _, msg := range history {
		_, err := r.engine.SendMessage(ctx, poolID, thread.AgentID, thread.EngineThreadID, enginepkg.SendMessageParams{
			Sender:   msg.SenderID,
			Content:  msg.Content,
			Mentions: msg.Mentions,
			Replay:   true,
		})
		if err != nil {
			log.Warn().
				Err(err).
				Str("threadId", thread.ID).
				Str("messageId", msg.ID).
				Msg("failed to replay message, continuing")
			continue
		}
		replayed++
	}

	log.Info().
		Str("threadId", thread.ID).
		Int("replayed", replayed).
		Int("history", len(history)).
		Msg("durable history replayed")
}

// participants is the distinct sender set, always including the agent
// and the owning user even before either has sent anything.
func (r *Restorer) participants(ctx context.Context, thread *model.Thread, session *model.Session) ([]string, error) {
	senders, err := r.messages.DistinctSenders(ctx, thread.ID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(senders)+2)
	for _, s := range senders {
		set[s] = true
	}
	set[thread.AgentID] = true
	set[session.UserID] = true

	participants := make([]string, 0, len(set))
	for p := range set {
		participants = append(participants, p)
	}
	sort.Strings(participants)
	return participants, nil
}

func (r *Restorer) failRestore(ctx context.Context, rec *model.Reconciliation, threadID, poolID string, cause error) {
	detail := "unknown"
	if cause != nil {
		detail = cause.Error()
	}
	if rec != nil {
		if err := r.recons.MarkFailed(ctx, rec.ID, detail); err != nil {
			log.Warn().Err(err).Str("reconciliationId", rec.ID).Msg("failed to mark reconciliation failed")
		}
	}
	audit.Log(ctx, audit.Event{
		Type:     audit.EventRestoreFailed,
		ThreadID: threadID,
		PoolID:   poolID,
		Details:  map[string]interface{}{"error": detail},
	})
}

func (r *Restorer) threadLock(threadID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[threadID] = lock
	}
	return lock
}
