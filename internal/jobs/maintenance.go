package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/audit"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/config"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/pool"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/repository"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/service"
)

const maintenanceTimeout = 30 * time.Second

// MaintenanceJob runs the periodic sweeps: session expiry, orphaned
// engine threads, expired intermediary rows, and a pool health report.
// Each sweep has its own ticker so a slow one does not starve the rest.
type MaintenanceJob struct {
	lifecycle           *service.LifecycleService
	intermediaryService *service.IntermediaryService
	monitor             *pool.Monitor
	recons              repository.ReconciliationRepository
	poolIDs             []string
	idleThreshold       time.Duration
	done                chan struct{}
}

func NewMaintenanceJob(
	lifecycle *service.LifecycleService,
	intermediaryService *service.IntermediaryService,
	monitor *pool.Monitor,
	recons repository.ReconciliationRepository,
	poolIDs []string,
	idleThreshold time.Duration,
) *MaintenanceJob {
	return &MaintenanceJob{
		lifecycle:           lifecycle,
		intermediaryService: intermediaryService,
		monitor:             monitor,
		recons:              recons,
		poolIDs:             poolIDs,
		idleThreshold:       idleThreshold,
		done:                make(chan struct{}),
	}
}

func (j *MaintenanceJob) Start() {
	go j.loop(config.SessionExpiryInterval, j.expireSessions)
	go j.loop(config.OrphanCleanupInterval, j.closeOrphans)
	go j.loop(config.IntermediaryPruneInterval, j.pruneIntermediary)
	go j.loop(config.HealthReportInterval, j.reportHealth)
	go j.loop(config.OrphanCleanupInterval, j.watchReconciliations)
	log.Info().Msg("maintenance job started")
}

func (j *MaintenanceJob) Stop() {
	close(j.done)
	log.Info().Msg("maintenance job stopped")
}

func (j *MaintenanceJob) loop(interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
			fn(ctx)
			cancel()
		}
	}
}

func (j *MaintenanceJob) expireSessions(ctx context.Context) {
	expired, err := j.lifecycle.ExpireInactiveSessions(ctx, j.idleThreshold)
	if err != nil {
		log.Error().Err(err).Msg("session expiry sweep failed")
		return
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Msg("expired inactive sessions")
	}
}

func (j *MaintenanceJob) closeOrphans(ctx context.Context) {
	for _, poolID := range j.poolIDs {
		closed, err := j.lifecycle.CloseOrphanedThreads(ctx, poolID)
		if err != nil {
			log.Error().Err(err).Str("poolId", poolID).Msg("orphan sweep failed")
			continue
		}
		if closed > 0 {
			log.Info().Int("closed", closed).Str("poolId", poolID).Msg("closed orphaned threads")
		}
	}
}

func (j *MaintenanceJob) pruneIntermediary(ctx context.Context) {
	pruned, err := j.intermediaryService.PruneExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("intermediary prune failed")
		return
	}
	if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("pruned expired intermediary state")
	}
}

// watchReconciliations surfaces remap-then-recreate sequences that never
// finished, so an interrupted restoration does not fail silently.
func (j *MaintenanceJob) watchReconciliations(ctx context.Context) {
	incomplete, err := j.recons.FindIncomplete(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconciliation check failed")
		return
	}
	for _, rec := range incomplete {
		audit.Log(ctx, audit.Event{
			Type:     audit.EventReconcileIncomplete,
			ThreadID: rec.ThreadID,
			PoolID:   rec.OldPoolID,
			Details: map[string]interface{}{
				"reconciliation_id": rec.ID,
				"new_pool_id":       rec.NewPoolID,
				"step":              string(rec.Step),
			},
		})
	}
}

func (j *MaintenanceJob) reportHealth(ctx context.Context) {
	snapshot, err := j.monitor.Snapshot(ctx)
	if err != nil {
		log.Error().Err(err).Msg("pool health snapshot failed")
		return
	}
	for _, h := range snapshot {
		evt := log.Info()
		if !h.Healthy {
			evt = log.Warn()
		}
		evt.
			Str("poolId", h.PoolID).
			Int("activeThreads", h.ActiveThreads).
			Int("activeSessions", h.ActiveSessions).
			Float64("loadPercentage", h.LoadPercentage).
			Bool("healthy", h.Healthy).
			Msg("pool health")
	}
}
