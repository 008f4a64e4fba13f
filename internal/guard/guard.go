// Package guard bounds concurrent streaming connections per thread and
// per session, and rate-limits connection attempts per client. All state
// is process-local by design: the service runs as a single logical
// routing process per deployment unit, and sharing this registry across
// processes would need an external store.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/audit"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/config"
)

const (
	ReasonRateLimited  = "rate_limited"
	ReasonThreadLimit  = "thread_connection_limit"
	ReasonSessionLimit = "session_connection_limit"
)

// Decision is the outcome of a connection attempt check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// Record tracks one live streaming connection.
type Record struct {
	ID             string
	ThreadID       string
	SessionID      string
	ConnectedAt    time.Time
	LastActivityAt time.Time
	RequestCount   int
}

func (r *Record) idle(now time.Time) bool {
	return now.Sub(r.LastActivityAt) > config.GuardIdleTimeout
}

// Guard is constructed once at startup and owned by the server runtime;
// it is not a package-level singleton so tests get isolated instances.
type Guard struct {
	mu        sync.Mutex
	records   map[string]*Record
	byThread  map[string]map[string]*Record
	bySession map[string]map[string]*Record
	attempts  map[string][]time.Time
	nextID    uint64
	done      chan struct{}
}

func New() *Guard {
	return &Guard{
		records:   make(map[string]*Record),
		byThread:  make(map[string]map[string]*Record),
		bySession: make(map[string]map[string]*Record),
		attempts:  make(map[string][]time.Time),
		done:      make(chan struct{}),
	}
}

func (g *Guard) Start() {
	go g.run()
	log.Info().Dur("interval", config.GuardSweepInterval).Msg("connection guard sweep started")
}

func (g *Guard) Stop() {
	close(g.done)
	log.Info().Msg("connection guard sweep stopped")
}

func (g *Guard) run() {
	ticker := time.NewTicker(config.GuardSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// Check evaluates a connection attempt: attempt rate first, then the
// per-thread and per-session concurrency caps. Every attempt is recorded
// in the sliding window whether or not it is allowed.
func (g *Guard) Check(sessionID, threadID, clientID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	key := clientID + "|" + sessionID

	window := g.pruneAttempts(key, now)
	window = append(window, now)
	g.attempts[key] = window

	if len(window) > config.GuardSuspiciousAttempts {
		// Visibility without over-blocking: legitimate retry storms are
		// already throttled by the attempt limit below.
		audit.Log(context.Background(), audit.Event{
			Type:      audit.EventSuspiciousConnRate,
			WalletID:  clientID,
			SessionID: sessionID,
			ThreadID:  threadID,
			Details:   map[string]interface{}{"attempts": len(window)},
		})
	}

	if len(window) > config.GuardMaxAttemptsPerWindow {
		retryAfter := config.GuardAttemptWindow - now.Sub(window[0])
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retryAfter, Reason: ReasonRateLimited}
	}

	if g.countActive(g.byThread[threadID], now) >= config.GuardMaxPerThread {
		return Decision{Allowed: false, RetryAfter: config.GuardConcurrencyRetry, Reason: ReasonThreadLimit}
	}

	if g.countActive(g.bySession[sessionID], now) >= config.GuardMaxPerSession {
		return Decision{Allowed: false, RetryAfter: config.GuardConcurrencyRetry, Reason: ReasonSessionLimit}
	}

	return Decision{Allowed: true}
}

// Register records a newly opened stream and returns its connection id.
func (g *Guard) Register(sessionID, threadID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	now := time.Now()
	record := &Record{
		ID:             fmt.Sprintf("conn-%d", g.nextID),
		ThreadID:       threadID,
		SessionID:      sessionID,
		ConnectedAt:    now,
		LastActivityAt: now,
		RequestCount:   1,
	}

	g.records[record.ID] = record
	g.index(g.byThread, threadID, record)
	g.index(g.bySession, sessionID, record)

	return record.ID
}

func (g *Guard) Unregister(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remove(connID)
}

// Touch refreshes a connection's activity timestamp so it keeps counting
// against the concurrency caps.
func (g *Guard) Touch(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if record, ok := g.records[connID]; ok {
		record.LastActivityAt = time.Now()
		record.RequestCount++
	}
}

// ActiveConnections reports connections currently counted for a thread.
func (g *Guard) ActiveConnections(threadID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.countActive(g.byThread[threadID], time.Now())
}

func (g *Guard) index(idx map[string]map[string]*Record, key string, record *Record) {
	if idx[key] == nil {
		idx[key] = make(map[string]*Record)
	}
	idx[key][record.ID] = record
}

func (g *Guard) remove(connID string) {
	record, ok := g.records[connID]
	if !ok {
		return
	}
	delete(g.records, connID)

	if conns := g.byThread[record.ThreadID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(g.byThread, record.ThreadID)
		}
	}
	if conns := g.bySession[record.SessionID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(g.bySession, record.SessionID)
		}
	}
}

func (g *Guard) countActive(conns map[string]*Record, now time.Time) int {
	count := 0
	for _, record := range conns {
		if !record.idle(now) {
			count++
		}
	}
	return count
}

func (g *Guard) pruneAttempts(key string, now time.Time) []time.Time {
	windowStart := now.Add(-config.GuardAttemptWindow)
	window := g.attempts[key]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// sweep evicts idle connection records and stale attempt windows so the
// registry stays bounded.
func (g *Guard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, record := range g.records {
		if record.idle(now) {
			g.remove(id)
			evicted++
		}
	}

	windowStart := now.Add(-config.GuardAttemptWindow)
	for key, window := range g.attempts {
		if len(window) == 0 || !window[len(window)-1].After(windowStart) {
			delete(g.attempts, key)
		}
	}

	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("swept idle connections")
	}
}
