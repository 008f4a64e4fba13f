package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionRemap        EventType = "session_remap"
	EventSessionRemapFailed  EventType = "session_remap_failed"
	EventRestoreFailed       EventType = "restore_failed"
	EventOrphanThreadClosed  EventType = "orphan_thread_closed"
	EventSuspiciousConnRate  EventType = "suspicious_connection_rate"
	EventAuthFailure         EventType = "auth_failure"
	EventRateLimitExceed     EventType = "rate_limit_exceeded"
	EventReconcileIncomplete EventType = "reconciliation_incomplete"
)

// Event captures an integrity or abuse occurrence that must remain
// inspectable after the fact. These land in the structured log stream
// tagged so they can be filtered and alerted on.
type Event struct {
	Type      EventType
	WalletID  string
	SessionID string
	ThreadID  string
	PoolID    string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "integrity").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.WalletID != "" {
		logger = logger.With().Str("wallet", event.WalletID).Logger()
	}
	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.ThreadID != "" {
		logger = logger.With().Str("thread_id", event.ThreadID).Logger()
	}
	if event.PoolID != "" {
		logger = logger.With().Str("pool_id", event.PoolID).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("integrity audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}
