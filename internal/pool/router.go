package pool

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/config"
	apperrors "github.com/elevenyellow/pardon-simulator-sub002/internal/errors"
)

// HealthSource provides the load snapshot health-based selection reads.
type HealthSource interface {
	Snapshot(ctx context.Context) ([]Health, error)
}

type Router struct {
	poolIDs []string
	health  HealthSource
}

func NewRouter(poolIDs []string, health HealthSource) *Router {
	return &Router{
		poolIDs: poolIDs,
		health:  health,
	}
}

// AssignPool maps a wallet to its deterministic pool. The FNV-1a hash is
// stable across calls and process restarts, so a user keeps landing on
// the same pool unless a restoration remap moves their sessions.
func (r *Router) AssignPool(walletAddress string) string {
	h := fnv.New32a()
	h.Write([]byte(strings.TrimSpace(walletAddress)))
	return r.poolIDs[int(h.Sum32())%len(r.poolIDs)]
}

// SelectHealthiestPool picks a pool for a new session. Healthy pools are
// preferred; among them the least loaded wins unless its margin over the
// runner-up is under the configured load-point threshold, in which case
// the deterministic assignment is kept to avoid session fragmentation.
// With no healthy pool it degrades to the globally least loaded one.
func (r *Router) SelectHealthiestPool(ctx context.Context, walletAddress string) (string, error) {
	snapshot, err := r.health.Snapshot(ctx)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if len(snapshot) == 0 {
		return "", apperrors.NoPoolAvailable()
	}

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].LoadPercentage != snapshot[j].LoadPercentage {
			return snapshot[i].LoadPercentage < snapshot[j].LoadPercentage
		}
		return snapshot[i].PoolID < snapshot[j].PoolID
	})

	healthy := snapshot[:0:0]
	for _, h := range snapshot {
		if h.Healthy {
			healthy = append(healthy, h)
		}
	}

	if len(healthy) == 0 {
		leastLoaded := snapshot[0]
		log.Warn().
			Str("poolId", leastLoaded.PoolID).
			Float64("load", leastLoaded.LoadPercentage).
			Msg("no healthy pool, falling back to least loaded")
		return leastLoaded.PoolID, nil
	}

	if walletAddress != "" && len(healthy) > 1 {
		margin := healthy[1].LoadPercentage - healthy[0].LoadPercentage
		if margin < config.PoolLoadMargin {
			deterministic := r.AssignPool(walletAddress)
			for _, h := range healthy {
				if h.PoolID == deterministic {
					return deterministic, nil
				}
			}
		}
	}

	return healthy[0].PoolID, nil
}

// PoolIDs returns the ids this router can hand out.
func (r *Router) PoolIDs() []string {
	return r.poolIDs
}
