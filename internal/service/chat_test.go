package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/engine"
	apperrors "github.com/elevenyellow/pardon-simulator-sub002/internal/errors"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/pool"
)

var testPoolIDs = []string{"pool-0", "pool-1", "pool-2"}

type chatFixture struct {
	users    *fakeUserRepo
	sessions *fakeSessionRepo
	threads  *fakeThreadRepo
	messages *fakeMessageRepo
	engine   *fakeEngine
	router   *pool.Router
	chat     *ChatService
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	users := newFakeUserRepo()
	sessions := newFakeSessionRepo()
	threads := newFakeThreadRepo(sessions)
	messages := newFakeMessageRepo()
	recons := newFakeReconRepo()
	eng := newFakeEngine()

	agentIDs := []string{"agent-a", "agent-b"}
	monitor := pool.NewMonitor(sessions, threads, testPoolIDs, 50)
	router := pool.NewRouter(testPoolIDs, monitor)
	lifecycle := NewLifecycleService(sessions, threads, eng, agentIDs)
	restorer := NewRestorer(sessions, threads, messages, recons, eng, agentIDs, fastRetry())

	chat := NewChatService(
		passthroughTx{}, users, sessions, threads, messages,
		eng, router, restorer, lifecycle, nil,
		fastRetry(), agentIDs,
	)

	return &chatFixture{
		users:    users,
		sessions: sessions,
		threads:  threads,
		messages: messages,
		engine:   eng,
		router:   router,
		chat:     chat,
	}
}

func TestSendMessageFirstContact(t *testing.T) {
	fx := newChatFixture(t)

	result, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		Username:      "alice",
		AgentID:       "agent-a",
		Content:       "hello there",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.ThreadID)
	assert.False(t, result.Degraded)
	require.NotNil(t, result.Message)
	assert.Equal(t, "hello there", result.Message.Content)

	// The session landed on the wallet's deterministic pool since every
	// pool was equally empty.
	session := fx.sessions.get(result.SessionID)
	assert.Equal(t, fx.router.AssignPool("0xabc123"), session.PoolID)

	// The cold pool session was created on demand.
	exists, _ := fx.engine.SessionExists(context.Background(), session.PoolID)
	assert.True(t, exists)

	thread := fx.threads.get(result.ThreadID)
	remote := fx.engine.messagesIn(session.PoolID, "agent-a", thread.EngineThreadID)
	require.Len(t, remote, 1)
	assert.Equal(t, "hello there", remote[0].Content)
}

func TestSendMessageReusesSessionAndThread(t *testing.T) {
	fx := newChatFixture(t)

	first, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "one",
	})
	require.NoError(t, err)

	second, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "two",
	})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Len(t, fx.sessions.sessions, 1)
	assert.Len(t, fx.threads.threads, 1)
}

func TestSendMessageUpdatesUsername(t *testing.T) {
	fx := newChatFixture(t)

	_, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		Username:      "alice",
		AgentID:       "agent-a",
		Content:       "hello",
	})
	require.NoError(t, err)

	_, err = fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		Username:      "alice-renamed",
		AgentID:       "agent-a",
		Content:       "again",
	})
	require.NoError(t, err)

	user, err := fx.users.FindByWallet(context.Background(), "0xabc123")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice-renamed", user.Username)

	// A send without a username keeps the stored one.
	_, err = fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "no name",
	})
	require.NoError(t, err)

	user, err = fx.users.FindByWallet(context.Background(), "0xabc123")
	require.NoError(t, err)
	assert.Equal(t, "alice-renamed", user.Username)
}

func TestSendMessageSeparateThreadPerAgent(t *testing.T) {
	fx := newChatFixture(t)

	first, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "to a",
	})
	require.NoError(t, err)

	second, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-b",
		Content:       "to b",
	})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.ThreadID, second.ThreadID)
}

func TestSendMessageValidation(t *testing.T) {
	fx := newChatFixture(t)

	t.Run("missing wallet", func(t *testing.T) {
		_, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
			AgentID: "agent-a",
			Content: "hi",
		})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})

	t.Run("missing content", func(t *testing.T) {
		_, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
			WalletAddress: "0xabc123",
			AgentID:       "agent-a",
		})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
			WalletAddress: "0xabc123",
			AgentID:       "agent-z",
			Content:       "hi",
		})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})
}

func TestSendMessageRestoresAfterEngineLoss(t *testing.T) {
	fx := newChatFixture(t)

	first, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "before the crash",
	})
	require.NoError(t, err)

	// Simulate an engine restart losing all in-memory state.
	fx.engine.mu.Lock()
	fx.engine.sessions = make(map[string]bool)
	fx.engine.threads = make(map[string]bool)
	fx.engine.messages = make(map[string][]engine.Message)
	fx.engine.mu.Unlock()

	second, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "after the crash",
	})
	require.NoError(t, err)
	assert.False(t, second.Degraded)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.ThreadID, second.ThreadID)

	// Durable history survived intact.
	count, _ := fx.messages.CountByThreadID(context.Background(), first.ThreadID)
	assert.Equal(t, 2, count)

	// The rebuilt remote thread saw the replayed history.
	thread := fx.threads.get(first.ThreadID)
	session := fx.sessions.get(first.SessionID)
	remote := fx.engine.messagesIn(session.PoolID, "agent-a", thread.EngineThreadID)
	assert.GreaterOrEqual(t, len(remote), 2)
	assert.Equal(t, "before the crash", remote[0].Content)
}

func TestSendMessageDegradesWhenRestorationFails(t *testing.T) {
	fx := newChatFixture(t)

	first, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "one",
	})
	require.NoError(t, err)

	// Engine loses everything and refuses to recreate the session.
	fx.engine.mu.Lock()
	fx.engine.sessions = make(map[string]bool)
	fx.engine.threads = make(map[string]bool)
	fx.engine.createErr = errors.New("engine overloaded")
	fx.engine.mu.Unlock()

	second, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "two",
	})
	require.NoError(t, err)
	assert.True(t, second.Degraded)
	assert.Empty(t, second.Replies)

	// The durable write still happened.
	count, _ := fx.messages.CountByThreadID(context.Background(), first.ThreadID)
	assert.Equal(t, 2, count)
}

func TestSendMessagePersistsReplies(t *testing.T) {
	fx := newChatFixture(t)

	wallet := "0xabc123"
	poolID := fx.router.AssignPool(wallet)
	// First engine thread created in this test will be eng-thread-1.
	fx.engine.replies[threadKey(poolID, "agent-a", "eng-thread-1")] = []engine.Message{
		{Sender: "agent-a", Content: "greetings"},
	}

	result, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: wallet,
		AgentID:       "agent-a",
		Content:       "hello",
	})
	require.NoError(t, err)
	require.Len(t, result.Replies, 1)
	assert.Equal(t, "greetings", result.Replies[0].Content)

	// Both halves of the exchange are durable.
	count, _ := fx.messages.CountByThreadID(context.Background(), result.ThreadID)
	assert.Equal(t, 2, count)
}

func TestAwardScore(t *testing.T) {
	fx := newChatFixture(t)

	_, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "hi",
	})
	require.NoError(t, err)

	require.NoError(t, fx.chat.AwardScore(context.Background(), "0xabc123", 7))

	user, _ := fx.users.FindByWallet(context.Background(), "0xabc123")
	assert.Equal(t, int64(7), user.Score)

	err = fx.chat.AwardScore(context.Background(), "0xnobody", 1)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestHistoryPaginates(t *testing.T) {
	fx := newChatFixture(t)

	result, err := fx.chat.SendMessage(context.Background(), SendMessageParams{
		WalletAddress: "0xabc123",
		AgentID:       "agent-a",
		Content:       "only one",
	})
	require.NoError(t, err)

	msgs, total, err := fx.chat.History(context.Background(), result.ThreadID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, msgs, 1)
	assert.Equal(t, "only one", msgs[0].Content)

	_, _, err = fx.chat.History(context.Background(), "", 10, 0)
	require.Error(t, err)
}
