// askbi - conversational business analytics server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/askbi/internal/api"
	"github.com/ashureev/askbi/internal/config"
	"github.com/ashureev/askbi/internal/engine"
	"github.com/ashureev/askbi/internal/identity"
	"github.com/ashureev/askbi/internal/llm"
	"github.com/ashureev/askbi/internal/metrics"
	"github.com/ashureev/askbi/internal/middleware"
	"github.com/ashureev/askbi/internal/query"
	"github.com/ashureev/askbi/internal/querylog"
	"github.com/ashureev/askbi/internal/schema"
	"github.com/ashureev/askbi/internal/session"
	"github.com/ashureev/askbi/internal/sqlgen"
	"github.com/ashureev/askbi/internal/status"
	"github.com/ashureev/askbi/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.HistoryDBPath)
	if err != nil {
		slog.Error("Failed to initialize history database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("History database connected", "path", cfg.HistoryDBPath)

	analytics, err := query.OpenDB(cfg.Analytics.DBPath)
	if err != nil {
		slog.Error("Failed to open analytics database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := analytics.Close(); closeErr != nil {
			slog.Error("Failed to close analytics database", "error", closeErr)
		}
	}()

	dialect := schema.Dialect(cfg.Analytics.Dialect)
	cache := schema.NewCache(analytics, schema.FileMarker(cfg.Analytics.DBPath), dialect)
	if err := cache.Refresh(context.Background()); err != nil {
		// The engine retries on the next data turn.
		slog.Warn("Initial schema load failed", "error", err)
	} else {
		slog.Info("Schema loaded", "tables", cache.TableCount())
	}

	completer, err := llm.New(cfg.LLM.Provider, cfg.APIKey())
	if err != nil {
		slog.Error("Failed to initialize reasoning client", "error", err)
		os.Exit(1)
	}

	policy, err := sqlgen.LoadPolicy(cfg.StarHintPath, cfg.ConstraintsPath)
	if err != nil {
		slog.Error("Failed to load query policy", "error", err)
		os.Exit(1)
	}

	qlog, err := querylog.New(querylog.Config{
		Enabled:   cfg.QueryLog.Enabled,
		Dir:       cfg.QueryLog.Dir,
		QueueSize: cfg.QueryLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize query log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := qlog.Close(); closeErr != nil {
			slog.Error("Failed to close query log", "error", closeErr)
		}
	}()

	m := metrics.New()
	statuses := status.NewRegistry()
	sessions := session.NewManager(cfg.Session.TTL, session.WithEvictHook(func(id string) {
		slog.Debug("Session evicted", "chat_id", id)
	}))

	eng := engine.New(engine.Config{
		ChatModel:         cfg.LLM.ChatModel,
		PlannerModel:      cfg.LLM.PlannerModel,
		BuilderModel:      cfg.LLM.BuilderModel,
		SummarizerModel:   cfg.LLM.SummarizerModel,
		Dialect:           dialect,
		Policy:            policy,
		MaxRepairAttempts: cfg.Pipeline.MaxRepairAttempts,
		CacheSampleRows:   cfg.Pipeline.CacheSampleRows,
		LastDataRowLimit:  cfg.Pipeline.LastDataRowLimit,
		HistoryLimit:      cfg.Session.HistoryLimit,
		CompactChunk:      cfg.Session.CompactChunk,
	}, engine.Deps{
		LLM:      completer,
		Sessions: sessions,
		Schema:   cache,
		Source:   analytics,
		Store:    repo,
		Status:   statuses,
		QueryLog: qlog,
		Metrics:  m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.StartSweeper(ctx, sessions, cfg.Session.SweepSchedule, m.Swept); err != nil {
		slog.Error("Failed to start session sweeper", "error", err)
		os.Exit(1)
	}
	slog.Info("Session sweeper started", "session_ttl", cfg.Session.TTL, "schedule", cfg.Session.SweepSchedule)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	limiter.StartEviction(ctx)

	// Initialize handlers.
	chatHandler := api.NewHandler(eng, repo, middleware.RateLimit(limiter, identity.RateLimitKey))
	healthHandler := api.NewHealthHandler(repo, analytics, cache)
	wsHandler := status.NewHandler(statuses, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware)

	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())
	chatHandler.RegisterRoutes(r)

	// WebSocket status channel.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Note: /chat can run several reasoning calls, so WriteTimeout stays generous.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPCHealthPort != "" {
		grpcSrv, err = startGRPCHealth(cfg.GRPCHealthPort)
		if err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// startGRPCHealth serves the standard gRPC health protocol for orchestrators
// that probe over gRPC.
func startGRPCHealth(port string) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		slog.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	return srv, nil
}
