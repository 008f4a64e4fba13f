package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/audit"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/config"
	enginepkg "github.com/elevenyellow/pardon-simulator-sub002/internal/engine"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/repository"
)

// LifecycleService expires, resurrects, and reconciles sessions and their
// remote threads. All batch operations isolate per-item failures: one
// engine hiccup never aborts the sweep.
type LifecycleService struct {
	sessions repository.SessionRepository
	threads  repository.ThreadRepository
	engine   EngineAPI
	agentIDs []string
}

func NewLifecycleService(
	sessions repository.SessionRepository,
	threads repository.ThreadRepository,
	engine EngineAPI,
	agentIDs []string,
) *LifecycleService {
	return &LifecycleService{
		sessions: sessions,
		threads:  threads,
		engine:   engine,
		agentIDs: agentIDs,
	}
}

// ExpireInactiveSessions ends every active session whose last activity
// predates now minus threshold. Remote threads are closed best-effort
// first; the count reflects sessions actually marked ended.
func (s *LifecycleService) ExpireInactiveSessions(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)

	stale, err := s.sessions.FindInactive(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find inactive sessions: %w", err)
	}

	ended := 0
	for _, session := range stale {
		threads, err := s.threads.FindBySessionID(ctx, session.ID)
		if err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to list threads for expiry")
		}

		for _, thread := range threads {
			if err := s.engine.DeleteThread(ctx, session.PoolID, thread.AgentID, thread.EngineThreadID); err != nil {
				if enginepkg.IsNotFound(err) {
					continue // already gone on the engine side
				}
				log.Warn().
					Err(err).
					Str("sessionId", session.ID).
					Str("threadId", thread.ID).
					Msg("failed to close remote thread, continuing")
			}
		}

		if err := s.sessions.MarkEnded(ctx, session.ID); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to mark session ended")
			continue
		}
		ended++

		log.Info().
			Str("sessionId", session.ID).
			Str("poolId", session.PoolID).
			Time("lastActivityAt", session.LastActivityAt).
			Msg("session expired")
	}

	return ended, nil
}

// CloseOrphanedThreads deletes remote threads that have no durable
// counterpart, keeping engine resource usage bounded.
func (s *LifecycleService) CloseOrphanedThreads(ctx context.Context, poolID string) (int, error) {
	durableIDs, err := s.threads.EngineThreadIDsByPool(ctx, poolID)
	if err != nil {
		return 0, fmt.Errorf("list durable threads: %w", err)
	}

	durable := make(map[string]bool, len(durableIDs))
	for _, id := range durableIDs {
		durable[id] = true
	}

	closed := 0
	for _, agentID := range s.agentIDs {
		remote, err := s.engine.ListThreads(ctx, poolID, agentID)
		if errors.Is(err, enginepkg.ErrSessionNotFound) {
			// No pool session, nothing to clean for any agent.
			return closed, nil
		}
		if err != nil {
			log.Warn().Err(err).Str("poolId", poolID).Str("agentId", agentID).Msg("failed to list remote threads, continuing")
			continue
		}

		for _, threadID := range remote {
			if durable[threadID] {
				continue
			}
			if err := s.engine.DeleteThread(ctx, poolID, agentID, threadID); err != nil {
				log.Warn().
					Err(err).
					Str("poolId", poolID).
					Str("engineThreadId", threadID).
					Msg("failed to close orphaned thread, continuing")
				continue
			}
			closed++
			audit.Log(ctx, audit.Event{
				Type:     audit.EventOrphanThreadClosed,
				ThreadID: threadID,
				PoolID:   poolID,
				Details:  map[string]interface{}{"agent": agentID},
			})
		}
	}

	return closed, nil
}

// ResurrectSession reopens a session ended within the grace window.
// Outside the window it returns false without touching the row. This
// absorbs the race between a cleanup sweep and a concurrently arriving
// user request.
func (s *LifecycleService) ResurrectSession(ctx context.Context, sessionID string) (bool, error) {
	revived, err := s.sessions.Resurrect(ctx, sessionID, config.SessionResurrectGrace)
	if err != nil {
		return false, fmt.Errorf("resurrect session: %w", err)
	}
	if revived {
		log.Info().Str("sessionId", sessionID).Msg("session resurrected within grace window")
	}
	return revived, nil
}

// UpdateSessionActivity refreshes the last-activity timestamp. Activity
// tracking is advisory: failures are logged, never propagated.
func (s *LifecycleService) UpdateSessionActivity(ctx context.Context, sessionID string) {
	if err := s.sessions.UpdateActivity(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to update session activity")
	}
}
