package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/database"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/engine"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/model"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/repository"
)

// fastRetry keeps tests from sleeping between attempts.
func fastRetry() engine.RetryPolicy {
	return engine.RetryPolicy{MaxAttempts: 2, BaseDelay: 0, Jitter: 0}
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[string]*model.User // keyed by wallet
	nextID int
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User)}
}

func (f *fakeUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeUserRepo) FindByWallet(ctx context.Context, walletAddress string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[walletAddress]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeUserRepo) FindOrCreate(ctx context.Context, params model.CreateUserParams) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[params.WalletAddress]; ok {
		copied := *u
		return &copied, nil
	}
	f.nextID++
	u := &model.User{
		ID:            fmt.Sprintf("user-%d", f.nextID),
		WalletAddress: params.WalletAddress,
		Username:      params.Username,
		CreatedAt:     time.Now(),
	}
	f.users[params.WalletAddress] = u
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) UpdateUsername(ctx context.Context, id string, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			u.Username = username
			return nil
		}
	}
	return nil
}

func (f *fakeUserRepo) IncrementScore(ctx context.Context, id string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			u.Score += delta
			return nil
		}
	}
	return nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	nextID   int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.Session)}
}

func (f *fakeSessionRepo) add(s *model.Session) *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		f.nextID++
		s.ID = fmt.Sprintf("session-%d", f.nextID)
	}
	f.sessions[s.ID] = s
	return s
}

func (f *fakeSessionRepo) get(id string) *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

func (f *fakeSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeSessionRepo) FindActiveByUserID(ctx context.Context, userID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID && s.EndedAt == nil {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionRepo) FindLatestByUserID(ctx context.Context, userID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.Session
	for _, s := range f.sessions {
		if s.UserID != userID {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeSessionRepo) FindInactive(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for _, s := range f.sessions {
		if s.EndedAt == nil && s.LastActivityAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	now := time.Now()
	s := f.add(&model.Session{
		PoolID:         params.PoolID,
		UserID:         params.UserID,
		RoundID:        params.RoundID,
		StartedAt:      now,
		LastActivityAt: now,
	})
	copied := *s
	return &copied, nil
}

func (f *fakeSessionRepo) UpdateActivity(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.LastActivityAt = time.Now()
	}
	return nil
}

func (f *fakeSessionRepo) MarkEnded(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		now := time.Now()
		s.EndedAt = &now
	}
	return nil
}

func (f *fakeSessionRepo) Resurrect(ctx context.Context, id string, grace time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.EndedAt == nil {
		return false, nil
	}
	if time.Since(*s.EndedAt) > grace {
		return false, nil
	}
	s.EndedAt = nil
	s.LastActivityAt = time.Now()
	return true, nil
}

func (f *fakeSessionRepo) RemapPool(ctx context.Context, oldPoolID, newPoolID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.sessions {
		if s.PoolID == oldPoolID {
			s.PoolID = newPoolID
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionRepo) CountActiveByPool(ctx context.Context, since time.Time) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, s := range f.sessions {
		if s.EndedAt == nil && !s.LastActivityAt.Before(since) {
			counts[s.PoolID]++
		}
	}
	return counts, nil
}

func (f *fakeSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository { return f }

type fakeThreadRepo struct {
	mu       sync.Mutex
	threads  map[string]*model.Thread
	sessions *fakeSessionRepo
	nextID   int
}

func newFakeThreadRepo(sessions *fakeSessionRepo) *fakeThreadRepo {
	return &fakeThreadRepo{threads: make(map[string]*model.Thread), sessions: sessions}
}

func (f *fakeThreadRepo) add(t *model.Thread) *model.Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == "" {
		f.nextID++
		t.ID = fmt.Sprintf("thread-%d", f.nextID)
	}
	f.threads[t.ID] = t
	return t
}

func (f *fakeThreadRepo) get(id string) *model.Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[id]
}

func (f *fakeThreadRepo) FindByID(ctx context.Context, id string) (*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.threads[id]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeThreadRepo) FindBySessionAndAgent(ctx context.Context, sessionID, agentID string) (*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.threads {
		if t.SessionID == sessionID && t.AgentID == agentID {
			copied := *t
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeThreadRepo) FindBySessionID(ctx context.Context, sessionID string) ([]model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Thread
	for _, t := range f.threads {
		if t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeThreadRepo) Create(ctx context.Context, params model.CreateThreadParams) (*model.Thread, error) {
	t := f.add(&model.Thread{
		EngineThreadID: params.EngineThreadID,
		SessionID:      params.SessionID,
		AgentID:        params.AgentID,
		Participants:   params.Participants,
		CreatedAt:      time.Now(),
	})
	copied := *t
	return &copied, nil
}

func (f *fakeThreadRepo) UpdateParticipants(ctx context.Context, id string, participants []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.threads[id]; ok {
		t.Participants = participants
	}
	return nil
}

func (f *fakeThreadRepo) UpdateEngineThreadID(ctx context.Context, id, engineThreadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.threads[id]; ok {
		t.EngineThreadID = engineThreadID
	}
	return nil
}

func (f *fakeThreadRepo) EngineThreadIDsByPool(ctx context.Context, poolID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, t := range f.threads {
		s := f.sessions.get(t.SessionID)
		if s != nil && s.PoolID == poolID {
			out = append(out, t.EngineThreadID)
		}
	}
	return out, nil
}

func (f *fakeThreadRepo) CountActiveByPool(ctx context.Context, since time.Time) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range f.threads {
		s := f.sessions.get(t.SessionID)
		if s != nil && !s.LastActivityAt.Before(since) {
			counts[s.PoolID]++
		}
	}
	return counts, nil
}

func (f *fakeThreadRepo) WithTx(tx *sqlx.Tx) repository.ThreadRepository { return f }

type fakeMessageRepo struct {
	mu       sync.Mutex
	messages []model.Message
	nextID   int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{}
}

func (f *fakeMessageRepo) add(threadID, senderID, content string) model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := model.Message{
		ID:        fmt.Sprintf("msg-%d", f.nextID),
		ThreadID:  threadID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	f.messages = append(f.messages, msg)
	return msg
}

func (f *fakeMessageRepo) forThread(threadID string) []model.Message {
	var out []model.Message
	for _, m := range f.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeMessageRepo) FindByThreadID(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.forThread(threadID)
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (f *fakeMessageRepo) FindRecentByThreadID(ctx context.Context, threadID string, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.forThread(threadID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeMessageRepo) DistinctSenders(ctx context.Context, threadID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, m := range f.forThread(threadID) {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			out = append(out, m.SenderID)
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) CountByThreadID(ctx context.Context, threadID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forThread(threadID)), nil
}

func (f *fakeMessageRepo) Create(ctx context.Context, params model.CreateMessageParams) (*model.Message, error) {
	msg := f.add(params.ThreadID, params.SenderID, params.Content)
	msg.Mentions = params.Mentions
	return &msg, nil
}

type fakeReconRepo struct {
	mu     sync.Mutex
	rows   map[string]*model.Reconciliation
	nextID int
}

func newFakeReconRepo() *fakeReconRepo {
	return &fakeReconRepo{rows: make(map[string]*model.Reconciliation)}
}

func (f *fakeReconRepo) Create(ctx context.Context, params model.CreateReconciliationParams) (*model.Reconciliation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec := &model.Reconciliation{
		ID:        fmt.Sprintf("recon-%d", f.nextID),
		ThreadID:  params.ThreadID,
		OldPoolID: params.OldPoolID,
		NewPoolID: params.NewPoolID,
		Step:      model.ReconciliationStepRemap,
		Status:    model.ReconciliationStarted,
	}
	f.rows[rec.ID] = rec
	copied := *rec
	return &copied, nil
}

func (f *fakeReconRepo) Advance(ctx context.Context, id string, step model.ReconciliationStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.rows[id]; ok {
		rec.Step = step
	}
	return nil
}

func (f *fakeReconRepo) MarkCompleted(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.rows[id]; ok {
		rec.Status = model.ReconciliationCompleted
	}
	return nil
}

func (f *fakeReconRepo) MarkFailed(ctx context.Context, id string, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.rows[id]; ok {
		rec.Status = model.ReconciliationFailed
		rec.Detail = &detail
	}
	return nil
}

func (f *fakeReconRepo) FindIncomplete(ctx context.Context) ([]model.Reconciliation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Reconciliation
	for _, rec := range f.rows {
		if rec.Status == model.ReconciliationStarted {
			out = append(out, *rec)
		}
	}
	return out, nil
}

type fakeIntermediaryRepo struct {
	mu   sync.Mutex
	rows map[string]*model.IntermediaryState // keyed agentID|threadID
}

func newFakeIntermediaryRepo() *fakeIntermediaryRepo {
	return &fakeIntermediaryRepo{rows: make(map[string]*model.IntermediaryState)}
}

func intermediaryKey(agentID, threadID string) string {
	return agentID + "|" + threadID
}

func (f *fakeIntermediaryRepo) Find(ctx context.Context, agentID, threadID string) (*model.IntermediaryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.rows[intermediaryKey(agentID, threadID)]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeIntermediaryRepo) Upsert(ctx context.Context, params model.SetIntermediaryStateParams) (*model.IntermediaryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &model.IntermediaryState{
		ID:            intermediaryKey(params.AgentID, params.ThreadID),
		AgentID:       params.AgentID,
		ThreadID:      params.ThreadID,
		TargetAgentID: params.TargetAgentID,
		Purpose:       params.Purpose,
		CreatedAt:     time.Now(),
		ExpiresAt:     params.ExpiresAt,
	}
	f.rows[s.ID] = s
	copied := *s
	return &copied, nil
}

func (f *fakeIntermediaryRepo) Delete(ctx context.Context, agentID, threadID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := intermediaryKey(agentID, threadID)
	if _, ok := f.rows[key]; !ok {
		return false, nil
	}
	delete(f.rows, key)
	return true, nil
}

func (f *fakeIntermediaryRepo) DeleteExpired(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var n int64
	for key, s := range f.rows {
		if s.Expired(now) {
			delete(f.rows, key)
			n++
		}
	}
	return n, nil
}

// fakeEngine simulates the conversation engine in memory: sessions,
// per-session threads, and per-thread message lists. Failure injection
// is per-field so tests can break exactly one call.
type fakeEngine struct {
	mu           sync.Mutex
	sessions     map[string]bool
	threads      map[string]bool                // sessionID/agentID/threadID
	messages     map[string][]engine.Message    // same key
	replies      map[string][]engine.Message    // replies returned on non-replay sends
	assignID     func(requested string) string  // nil means echo the requested id
	sendErr      map[string]error               // key -> error on SendMessage
	createErr    error
	nextThreadID int
	sendCount    int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions: make(map[string]bool),
		threads:  make(map[string]bool),
		messages: make(map[string][]engine.Message),
		replies:  make(map[string][]engine.Message),
		sendErr:  make(map[string]error),
	}
}

func threadKey(sessionID, agentID, threadID string) string {
	return strings.Join([]string{sessionID, agentID, threadID}, "/")
}

func (f *fakeEngine) addSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = true
}

func (f *fakeEngine) addThread(sessionID, agentID, threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[threadKey(sessionID, agentID, threadID)] = true
}

func (f *fakeEngine) messagesIn(sessionID, agentID, threadID string) []engine.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[threadKey(sessionID, agentID, threadID)]
}

func (f *fakeEngine) CreateSession(ctx context.Context, requestedID string, agentIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	assigned := requestedID
	if f.assignID != nil {
		assigned = f.assignID(requestedID)
	}
	f.sessions[assigned] = true
	return assigned, nil
}

func (f *fakeEngine) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionID], nil
}

func (f *fakeEngine) ListThreads(ctx context.Context, sessionID, agentID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[sessionID] {
		return nil, engine.ErrSessionNotFound
	}
	prefix := sessionID + "/" + agentID + "/"
	var out []string
	for key := range f.threads {
		if strings.HasPrefix(key, prefix) {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeEngine) ThreadExists(ctx context.Context, sessionID, agentID, threadID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[sessionID] {
		return false, nil
	}
	return f.threads[threadKey(sessionID, agentID, threadID)], nil
}

func (f *fakeEngine) CreateThread(ctx context.Context, sessionID, agentID string, participants []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[sessionID] {
		return "", engine.ErrSessionNotFound
	}
	f.nextThreadID++
	id := fmt.Sprintf("eng-thread-%d", f.nextThreadID)
	f.threads[threadKey(sessionID, agentID, id)] = true
	return id, nil
}

func (f *fakeEngine) DeleteThread(ctx context.Context, sessionID, agentID, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[sessionID] {
		return engine.ErrSessionNotFound
	}
	key := threadKey(sessionID, agentID, threadID)
	if !f.threads[key] {
		return engine.ErrThreadNotFound
	}
	delete(f.threads, key)
	delete(f.messages, key)
	return nil
}

func (f *fakeEngine) SendMessage(ctx context.Context, sessionID, agentID, threadID string, params engine.SendMessageParams) ([]engine.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCount++
	key := threadKey(sessionID, agentID, threadID)
	if err := f.sendErr[key]; err != nil {
		return nil, err
	}
	if !f.sessions[sessionID] {
		return nil, engine.ErrSessionNotFound
	}
	if !f.threads[key] {
		return nil, engine.ErrThreadNotFound
	}
	f.messages[key] = append(f.messages[key], engine.Message{
		Sender:   params.Sender,
		Content:  params.Content,
		Mentions: params.Mentions,
	})
	if params.Replay {
		return nil, nil
	}
	return f.replies[key], nil
}

func (f *fakeEngine) ListMessages(ctx context.Context, sessionID, agentID, threadID string) ([]engine.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := threadKey(sessionID, agentID, threadID)
	if !f.sessions[sessionID] {
		return nil, engine.ErrSessionNotFound
	}
	if !f.threads[key] {
		return nil, engine.ErrThreadNotFound
	}
	return f.messages[key], nil
}
