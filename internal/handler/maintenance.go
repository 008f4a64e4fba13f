package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/pool"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/repository"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/service"
)

// MaintenanceHandler exposes the cleanup operations to an external
// scheduler. Routes are guarded by the cron shared secret.
type MaintenanceHandler struct {
	lifecycle           *service.LifecycleService
	intermediaryService *service.IntermediaryService
	restorer            *service.Restorer
	monitor             *pool.Monitor
	recons              repository.ReconciliationRepository
	poolIDs             []string
	idleThreshold       time.Duration
}

func NewMaintenanceHandler(
	lifecycle *service.LifecycleService,
	intermediaryService *service.IntermediaryService,
	restorer *service.Restorer,
	monitor *pool.Monitor,
	recons repository.ReconciliationRepository,
	poolIDs []string,
	idleThreshold time.Duration,
) *MaintenanceHandler {
	return &MaintenanceHandler{
		lifecycle:           lifecycle,
		intermediaryService: intermediaryService,
		restorer:            restorer,
		monitor:             monitor,
		recons:              recons,
		poolIDs:             poolIDs,
		idleThreshold:       idleThreshold,
	}
}

// ExpireSessions handles POST /internal/maintenance/expire-sessions.
func (h *MaintenanceHandler) ExpireSessions(w http.ResponseWriter, r *http.Request) {
	expired, err := h.lifecycle.ExpireInactiveSessions(r.Context(), h.idleThreshold)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

// CloseOrphanedThreads handles POST /internal/maintenance/orphaned-threads.
func (h *MaintenanceHandler) CloseOrphanedThreads(w http.ResponseWriter, r *http.Request) {
	closed := make(map[string]int, len(h.poolIDs))
	for _, poolID := range h.poolIDs {
		n, err := h.lifecycle.CloseOrphanedThreads(r.Context(), poolID)
		if err != nil {
			log.Error().Err(err).Str("poolId", poolID).Msg("orphan sweep failed")
			continue
		}
		closed[poolID] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

// PruneIntermediary handles POST /internal/maintenance/intermediary.
func (h *MaintenanceHandler) PruneIntermediary(w http.ResponseWriter, r *http.Request) {
	pruned, err := h.intermediaryService.PruneExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"pruned": pruned})
}

// RestoreThread handles POST /internal/threads/{threadID}/restore.
func (h *MaintenanceHandler) RestoreThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	state, err := h.restorer.RestoreThread(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

// IncompleteReconciliations handles GET /internal/reconciliations.
// It lists restoration remaps that were interrupted mid-flight so an
// operator can decide whether to re-run the restore.
func (h *MaintenanceHandler) IncompleteReconciliations(w http.ResponseWriter, r *http.Request) {
	rows, err := h.recons.FindIncomplete(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reconciliations": rows,
		"count":           len(rows),
	})
}

// PoolHealth handles GET /internal/pools/health.
func (h *MaintenanceHandler) PoolHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.monitor.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
