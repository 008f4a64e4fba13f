package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/config"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/database"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/engine"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/guard"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/handler"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/jobs"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/middleware"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/pool"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/redis"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/repository"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/service"
	"github.com/elevenyellow/pardon-simulator-sub002/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	userRepo := repository.NewUserRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	threadRepo := repository.NewThreadRepository(db.DB)
	messageRepo := repository.NewMessageRepository(db.DB)
	intermediaryRepo := repository.NewIntermediaryRepository(db.DB)
	reconciliationRepo := repository.NewReconciliationRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	engineClient := engine.NewClient(cfg.EngineBaseURL, cfg.EngineTimeout())
	retryPolicy := engine.DefaultRetryPolicy()

	poolIDs := cfg.PoolIDs()
	monitor := pool.NewMonitor(sessionRepo, threadRepo, poolIDs, cfg.MaxThreadsPerPool)
	router := pool.NewRouter(poolIDs, monitor)

	connGuard := guard.New()
	connGuard.Start()
	defer connGuard.Stop()

	lifecycleService := service.NewLifecycleService(sessionRepo, threadRepo, engineClient, cfg.AgentIDs)
	restorer := service.NewRestorer(
		sessionRepo, threadRepo, messageRepo, reconciliationRepo,
		engineClient, cfg.AgentIDs, retryPolicy,
	)
	intermediaryService := service.NewIntermediaryService(intermediaryRepo)
	chatService := service.NewChatService(
		db, userRepo, sessionRepo, threadRepo, messageRepo,
		engineClient, router, restorer, lifecycleService, broker,
		retryPolicy, cfg.AgentIDs,
	)

	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client, config.DefaultRateLimitPerMin)
	cronAuthMiddleware := middleware.NewSecretAuthMiddleware("cron", cfg.CronSecret)
	agentAuthMiddleware := middleware.NewSecretAuthMiddleware("agent", cfg.AgentSecret)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	chatHandler := handler.NewChatHandler(chatService)
	eventsHandler := handler.NewEventsHandler(broker, chatService, connGuard)
	intermediaryHandler := handler.NewIntermediaryHandler(intermediaryService)
	maintenanceHandler := handler.NewMaintenanceHandler(
		lifecycleService, intermediaryService, restorer, monitor,
		reconciliationRepo, poolIDs, cfg.SessionIdleThreshold(),
	)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(rateLimitMiddleware.Handler)
			r.Post("/agents/{agentID}/messages", chatHandler.SendMessage)
			r.Get("/threads/{threadID}/messages", chatHandler.History)
		})

		// SSE streams exempt from the request timeout.
		r.Get("/threads/{threadID}/events", eventsHandler.ServeHTTP)

		r.Route("/agents/{agentID}/threads/{threadID}/intermediary", func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(agentAuthMiddleware.Handler)
			r.Put("/", intermediaryHandler.Set)
			r.Get("/", intermediaryHandler.Get)
			r.Delete("/", intermediaryHandler.Delete)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(cronAuthMiddleware.Handler)
		r.Post("/maintenance/expire-sessions", maintenanceHandler.ExpireSessions)
		r.Post("/maintenance/orphaned-threads", maintenanceHandler.CloseOrphanedThreads)
		r.Post("/maintenance/intermediary", maintenanceHandler.PruneIntermediary)
		r.Post("/threads/{threadID}/restore", maintenanceHandler.RestoreThread)
		r.Get("/pools/health", maintenanceHandler.PoolHealth)
		r.Get("/reconciliations", maintenanceHandler.IncompleteReconciliations)
		r.Post("/scores", chatHandler.AwardScore)
	})

	maintenanceJob := jobs.NewMaintenanceJob(
		lifecycleService, intermediaryService, monitor, reconciliationRepo,
		poolIDs, cfg.SessionIdleThreshold(),
	)
	maintenanceJob.Start()
	defer maintenanceJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
