// Package pool decides which conversation engine instance owns a user,
// based on a stable wallet hash and on load snapshots computed from the
// durable session and thread records.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/config"
)

// Health is a derived, never-persisted view of one pool's load.
type Health struct {
	PoolID         string  `json:"poolId"`
	ActiveThreads  int     `json:"activeThreads"`
	ActiveSessions int     `json:"activeSessions"`
	LoadPercentage float64 `json:"loadPercentage"`
	Healthy        bool    `json:"healthy"`
}

type Statistics struct {
	TotalActiveThreads  int     `json:"totalActiveThreads"`
	TotalActiveSessions int     `json:"totalActiveSessions"`
	HealthyPools        int     `json:"healthyPools"`
	TotalPools          int     `json:"totalPools"`
	AverageLoad         float64 `json:"averageLoad"`
	TotalCapacity       int     `json:"totalCapacity"`
}

// ActivityCounter aggregates active rows per pool since a point in time.
// Both the session and thread repositories satisfy it.
type ActivityCounter interface {
	CountActiveByPool(ctx context.Context, since time.Time) (map[string]int, error)
}

type Monitor struct {
	sessions          ActivityCounter
	threads           ActivityCounter
	poolIDs           []string
	maxThreadsPerPool int
}

func NewMonitor(
	sessions ActivityCounter,
	threads ActivityCounter,
	poolIDs []string,
	maxThreadsPerPool int,
) *Monitor {
	return &Monitor{
		sessions:          sessions,
		threads:           threads,
		poolIDs:           poolIDs,
		maxThreadsPerPool: maxThreadsPerPool,
	}
}

// Snapshot recomputes per-pool health from the durable records. Stateless
// with respect to the caller; the underlying aggregates are cheap enough
// to run per call at moderate rates.
func (m *Monitor) Snapshot(ctx context.Context) ([]Health, error) {
	since := time.Now().Add(-config.PoolHealthLookback)

	threadCounts, err := m.threads.CountActiveByPool(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count active threads: %w", err)
	}
	sessionCounts, err := m.sessions.CountActiveByPool(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count active sessions: %w", err)
	}

	unhealthyAt := m.maxThreadsPerPool * config.PoolUnhealthyPercent / 100

	snapshot := make([]Health, len(m.poolIDs))
	for i, poolID := range m.poolIDs {
		threads := threadCounts[poolID]
		snapshot[i] = Health{
			PoolID:         poolID,
			ActiveThreads:  threads,
			ActiveSessions: sessionCounts[poolID],
			LoadPercentage: float64(threads) / float64(m.maxThreadsPerPool) * 100,
			Healthy:        threads < unhealthyAt,
		}
	}
	return snapshot, nil
}

func (m *Monitor) Statistics(ctx context.Context) (*Statistics, error) {
	snapshot, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		TotalPools:    len(snapshot),
		TotalCapacity: len(snapshot) * m.maxThreadsPerPool,
	}
	var loadSum float64
	for _, h := range snapshot {
		stats.TotalActiveThreads += h.ActiveThreads
		stats.TotalActiveSessions += h.ActiveSessions
		loadSum += h.LoadPercentage
		if h.Healthy {
			stats.HealthyPools++
		}
	}
	if len(snapshot) > 0 {
		stats.AverageLoad = loadSum / float64(len(snapshot))
	}
	return stats, nil
}
