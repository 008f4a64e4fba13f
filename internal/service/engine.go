package service

import (
	"context"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/engine"
)

// EngineAPI is the slice of the conversation engine client the services
// depend on. Tests substitute a mock.
type EngineAPI interface {
	CreateSession(ctx context.Context, requestedID string, agentIDs []string) (string, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	ListThreads(ctx context.Context, sessionID, agentID string) ([]string, error)
	ThreadExists(ctx context.Context, sessionID, agentID, threadID string) (bool, error)
	CreateThread(ctx context.Context, sessionID, agentID string, participants []string) (string, error)
	DeleteThread(ctx context.Context, sessionID, agentID, threadID string) error
	SendMessage(ctx context.Context, sessionID, agentID, threadID string, params engine.SendMessageParams) ([]engine.Message, error)
	ListMessages(ctx context.Context, sessionID, agentID, threadID string) ([]engine.Message, error)
}

var _ EngineAPI = (*engine.Client)(nil)
