package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Pool health computation
const (
	PoolHealthLookback   = time.Hour
	PoolUnhealthyPercent = 90
	// Minimum load-point gap between the two least-loaded pools before
	// health-based selection overrides the deterministic assignment.
	PoolLoadMargin = 10
)

// Session lifecycle
const (
	SessionResurrectGrace = 5 * time.Minute
	ReplayMessageLimit    = 100
)

// Connection guard
const (
	GuardMaxAttemptsPerWindow = 10
	GuardSuspiciousAttempts   = 20
	GuardAttemptWindow        = 60 * time.Second
	GuardMaxPerThread         = 2
	GuardMaxPerSession        = 5
	GuardIdleTimeout          = 5 * time.Minute
	GuardSweepInterval        = 2 * time.Minute
	GuardConcurrencyRetry     = 5 * time.Second
)

// Background maintenance intervals
const (
	SessionExpiryInterval     = 5 * time.Minute
	OrphanCleanupInterval     = 15 * time.Minute
	IntermediaryPruneInterval = 5 * time.Minute
	HealthReportInterval      = time.Minute
)

// Default rate limiting for the public HTTP surface
const DefaultRateLimitPerMin = 60
