// Command server runs the playback coordination server: a WebSocket endpoint
// peers log into plus the operational HTTP surface (metrics and health).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/syncroom/server/internal/v1/access"
	"github.com/syncroom/server/internal/v1/config"
	"github.com/syncroom/server/internal/v1/health"
	"github.com/syncroom/server/internal/v1/logging"
	"github.com/syncroom/server/internal/v1/ratelimit"
	"github.com/syncroom/server/internal/v1/room"
	"github.com/syncroom/server/internal/v1/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; real deployments configure through the
	// environment directly.
	_ = godotenv.Load()

	// The logger must exist before config.Load reports what it loaded.
	development := os.Getenv("GO_ENV") == "development"
	if err := logging.Initialize(development); err != nil {
		logging.Fatal(context.Background(), "Failed to initialize logger", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal(context.Background(), "Invalid configuration", zap.Error(err))
	}

	ctx := context.Background()
	logging.Info(ctx, "Starting server",
		zap.String("env", cfg.GoEnv), zap.String("addr", cfg.Addr()))

	rl, err := ratelimit.New(cfg.RateLimitAPI, cfg.RateLimitWsIP)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiter", zap.Error(err))
	}

	registry := room.NewRegistry()
	hub := transport.NewHub(access.NewManager(cfg.Access), registry, rl, cfg.AllowedOrigins)

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	healthHandler := health.NewHandler(registry)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", rl.Middleware(), gin.WrapH(promhttp.Handler()))
	router.GET("/ws", hub.ServeWs)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	errs := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		logging.Fatal(ctx, "Server failed", zap.Error(err))
	case sig := <-quit:
		logging.Info(ctx, "Shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Hub shutdown incomplete", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "HTTP server shutdown incomplete", zap.Error(err))
	}
	logging.Info(ctx, "Server stopped")
}
