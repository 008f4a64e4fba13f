package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/elevenyellow/pardon-simulator-sub002/internal/errors"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/repository"
)

// IntermediaryService keeps the short-lived bookkeeping for an agent
// waiting on another agent's reply on a user's behalf.
type IntermediaryService struct {
	repo repository.IntermediaryRepository
}

func NewIntermediaryService(repo repository.IntermediaryRepository) *IntermediaryService {
	return &IntermediaryService{repo: repo}
}

type SetIntermediaryParams struct {
	TargetAgentID string `json:"targetAgentId"`
	Purpose       string `json:"purpose"`
	ExpiresAtUnix int64  `json:"expiresAt"`
}

func (s *IntermediaryService) Set(ctx context.Context, agentID, threadID string, params SetIntermediaryParams) (*model.IntermediaryState, error) {
	if agentID == "" {
		return nil, apperrors.MissingRequired("agentId")
	}
	if threadID == "" {
		return nil, apperrors.MissingRequired("threadId")
	}
	if params.TargetAgentID == "" {
		return nil, apperrors.MissingRequired("targetAgentId")
	}
	if params.ExpiresAtUnix <= 0 {
		return nil, apperrors.InvalidInput("expiresAt", "must be a positive unix timestamp")
	}

	state, err := s.repo.Upsert(ctx, model.SetIntermediaryStateParams{
		AgentID:       agentID,
		ThreadID:      threadID,
		TargetAgentID: params.TargetAgentID,
		Purpose:       params.Purpose,
		ExpiresAt:     time.Unix(params.ExpiresAtUnix, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("upsert intermediary state: %w", err)
	}

	log.Debug().
		Str("agentId", agentID).
		Str("threadId", threadID).
		Str("targetAgentId", params.TargetAgentID).
		Time("expiresAt", state.ExpiresAt).
		Msg("intermediary state set")

	return state, nil
}

// Get never returns stale state: an expired row is lazily deleted and
// reported as absent.
func (s *IntermediaryService) Get(ctx context.Context, agentID, threadID string) (*model.IntermediaryState, error) {
	state, err := s.repo.Find(ctx, agentID, threadID)
	if err != nil {
		return nil, fmt.Errorf("find intermediary state: %w", err)
	}
	if state == nil {
		return nil, nil
	}

	if state.Expired(time.Now()) {
		if _, err := s.repo.Delete(ctx, agentID, threadID); err != nil {
			log.Warn().
				Err(err).
				Str("agentId", agentID).
				Str("threadId", threadID).
				Msg("failed to delete expired intermediary state")
		}
		return nil, nil
	}

	return state, nil
}

// Delete is idempotent; a missing row is not an error.
func (s *IntermediaryService) Delete(ctx context.Context, agentID, threadID string) (bool, error) {
	existed, err := s.repo.Delete(ctx, agentID, threadID)
	if err != nil {
		return false, fmt.Errorf("delete intermediary state: %w", err)
	}
	return existed, nil
}

func (s *IntermediaryService) PruneExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx)
}
