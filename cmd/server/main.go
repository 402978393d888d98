// CLM relay server: bridges a voice-emotion front end to a text-generation provider.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/clm-relay/internal/api"
	"github.com/ashureev/clm-relay/internal/clm"
	"github.com/ashureev/clm-relay/internal/config"
	"github.com/ashureev/clm-relay/internal/health"
	"github.com/ashureev/clm-relay/internal/llm"
	"github.com/ashureev/clm-relay/internal/middleware"
	"github.com/ashureev/clm-relay/internal/pipeline"
	"github.com/ashureev/clm-relay/internal/relay"
	"github.com/ashureev/clm-relay/internal/session"
	"github.com/ashureev/clm-relay/internal/store"
	"github.com/ashureev/clm-relay/web"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
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
	level.Set(cfg.LogLevel)

	slog.Info("Starting CLM relay", "addr", cfg.Addr(), "llm_provider", cfg.Provider)

	// Interaction log lives in process memory only.
	repo, err := store.NewMemory()
	if err != nil {
		slog.Error("Failed to initialize interaction log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close interaction log", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Interaction log health check failed", "error", err)
		os.Exit(1)
	}

	registry := llm.NewDefaultRegistry(config.EnvCredentials{}, llm.Options{
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.LLMTimeout,
		Logger:    logger,
	})

	// Optional gRPC readiness probe.
	var healthSrv *health.Server
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "addr", cfg.GRPCHealthAddr, "error", err)
			os.Exit(1)
		}
		healthSrv = health.NewServer(logger)
		registry.OnChange(healthSrv.SetProviderState)
		go func() {
			if err := healthSrv.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	if err := registry.Init(cfg.Provider); err != nil {
		slog.Error("Failed to initialize LLM provider", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	tracker := pipeline.NewTracker()
	svc := relay.NewService(registry, tracker, repo, relay.Options{
		IdleDelay: cfg.IdleDelay,
		Logger:    logger,
	})
	sm := clm.NewSessionManager()

	// Initialize handlers.
	apiHandler := api.NewHandler(svc, registry, sm, cfg.MaxRequestBodySize)
	wsHandler := clm.NewHandler(svc, sm, clm.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		ReadLimit:      cfg.MaxRequestBodySize,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(session.Middleware)

	apiHandler.RegisterRoutes(r)

	// Continuous CLM channel.
	r.Get("/ws/clm", wsHandler.ServeHTTP)

	// Embedded operator console.
	r.Get(web.MountPath, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, web.MountPath+"/", http.StatusMovedPermanently)
	})
	r.Handle(web.MountPath+"/*", web.ConsoleHandler(web.MountPath))

	// No WriteTimeout: WebSocket sessions are long lived and /chat is bounded
	// by the provider timeout.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Release state of sessions that went quiet without a live connection.
	pipeline.StartTTLWorker(ctx, tracker, cfg.SessionStateTTL, pipeline.DefaultTTLInterval, func(id string) bool {
		return sm.Get(id) != nil
	})

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

	// Hijacked WebSocket connections are not tracked by Shutdown.
	sm.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if healthSrv != nil {
		healthSrv.Stop()
	}

	slog.Info("Server stopped successfully")
}
