// farmreg - conversational farmer registration server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/farmreg/internal/api"
	"github.com/ashureev/farmreg/internal/cache"
	"github.com/ashureev/farmreg/internal/config"
	"github.com/ashureev/farmreg/internal/conversation"
	"github.com/ashureev/farmreg/internal/convlog"
	"github.com/ashureev/farmreg/internal/engine"
	"github.com/ashureev/farmreg/internal/enrich"
	"github.com/ashureev/farmreg/internal/extract"
	"github.com/ashureev/farmreg/internal/metrics"
	"github.com/ashureev/farmreg/internal/middleware"
	"github.com/ashureev/farmreg/internal/resilience"
	"github.com/ashureev/farmreg/internal/store"
	"github.com/ashureev/farmreg/internal/validate"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"store", cfg.Store.Backend,
		"llm_provider", cfg.Extractor.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.New()

	breakers := resilience.NewSet(resilience.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
	}, resilience.WithTransitionHook(rec.ObserveBreaker), resilience.WithLogger(logger))
	defer breakers.Stop()

	// Session store, wrapped so an outage degrades to memory instead of failing turns.
	primary, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	sessions := store.NewFailover(primary, breakers.Store,
		store.WithDegradedHook(rec.SetDegraded),
		store.WithFailoverLogger(logger),
	)
	defer func() {
		if closeErr := sessions.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()
	store.StartAbandonSweeper(ctx, sessions, cfg.Store.SweepInterval, cfg.Store.IdleTTL, rec.SessionsAbandoned)
	slog.Info("Abandon sweeper started", "idle_ttl", cfg.Store.IdleTTL, "interval", cfg.Store.SweepInterval)

	// Response cache, exported through the recorder's semstreams registry.
	responses, err := cache.NewResponses(ctx, cache.Config{
		TTL:             cfg.Cache.TTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Metrics:         rec.MetricsRegistry(),
	})
	if err != nil {
		slog.Error("Failed to initialize response cache", "error", err)
		os.Exit(1)
	}
	defer func() { _ = responses.Close() }()

	// Enrichment: remote gRPC service when configured, in-process otherwise.
	local := enrich.NewLocal(enrich.DefaultCorpusSize)
	var enricher enrich.Enricher = local
	if cfg.Enrichment.Addr != "" {
		slog.Info("Connecting to enrichment service via gRPC", "address", cfg.Enrichment.Addr)
		client, clientErr := enrich.NewGrpcClient(ctx, enrich.DefaultGrpcClientConfig(cfg.Enrichment.Addr), logger)
		if clientErr != nil {
			slog.Warn("Enrichment service unavailable, using in-process enricher", "error", clientErr)
		} else {
			defer client.Close()
			enricher = client
		}
	}
	gatherer := enrich.NewGatherer(enricher, breakers.Enrichment, enrich.GathererConfig{
		Deadline: cfg.Enrichment.Deadline,
		TopK:     cfg.Enrichment.TopK,
		Observer: rec,
		Logger:   logger,
	})

	extractor, err := extract.New(ctx, cfg.Extractor, logger)
	if err != nil {
		slog.Error("Failed to initialize extractor", "error", err)
		os.Exit(1)
	}
	if cfg.Extractor.Provider == "none" {
		slog.Info("No language model configured, using rule-based extractor")
	}

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
		OnDrop:        rec.ConversationLogDropped,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to flush conversation log", "error", closeErr)
		}
	}()

	eng, err := engine.New(engine.Config{
		Store:          sessions,
		Extractor:      extractor,
		Machine:        conversation.NewMachine(cfg.Policy),
		Breakers:       breakers,
		Validators:     validate.NewRegistry(),
		Cache:          responses,
		Enrichment:     gatherer,
		Corpus:         local,
		Metrics:        rec,
		ConvLog:        conversationLogger,
		Logger:         logger,
		HistoryWindow:  cfg.HistoryWindow,
		ExtractTimeout: cfg.Extractor.Timeout,
		StoreTimeout:   cfg.Store.Timeout,
	})
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Config{
		Engine:        eng,
		Limiter:       api.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		Breakers:      breakers,
		Store:         sessions,
		Degraded:      sessions.Degraded,
		Metrics:       rec,
		AllowedOrigin: cfg.FrontendURL,
		Development:   cfg.IsDevelopment(),
		Logger:        logger,
	})

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(r, allowedOrigins(cfg)))

	handler.RegisterRoutes(r)
	r.Handle("/metrics", rec.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

func openStore(ctx context.Context, cfg *config.Config) (store.SessionStore, error) {
	if cfg.Store.Backend == "memory" {
		// Abandoned sessions stay readable for one more idle period.
		mem := store.NewMemoryStore(store.WithRetention(2 * cfg.Store.IdleTTL))
		go mem.RunEviction(ctx, cfg.Store.SweepInterval)
		slog.Info("Using in-memory session store")
		return mem, nil
	}

	db, err := store.NewSQLite(cfg.Store.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("Database connected", "path", cfg.Store.DBPath)
	return db, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
