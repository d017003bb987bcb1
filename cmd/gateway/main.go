package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/graphmind/agent-gateway/internal/agent"
	"github.com/graphmind/agent-gateway/internal/breaker"
	"github.com/graphmind/agent-gateway/internal/cache"
	"github.com/graphmind/agent-gateway/internal/config"
	"github.com/graphmind/agent-gateway/internal/health"
	"github.com/graphmind/agent-gateway/internal/logger"
	"github.com/graphmind/agent-gateway/internal/memory"
	"github.com/graphmind/agent-gateway/internal/pool"
	"github.com/graphmind/agent-gateway/internal/ratelimit"
	"github.com/graphmind/agent-gateway/internal/server"
	"github.com/graphmind/agent-gateway/internal/session"
	"github.com/graphmind/agent-gateway/internal/turn"
)

func main() {
	cfgManager, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := cfgManager.Current()

	appLogger := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	appLogger.Info("starting agent gateway",
		"port", cfg.Port,
		"instance_id", logger.GetInstanceID(),
	)

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})

	sharedCache := cache.New(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL, cfg.Cache.CompressionThreshold)
	limiter := ratelimit.New(cfg.Rate.RequestsPerMinute, cfg.Rate.BurstSize)
	registry := session.NewRegistry(cfg.Sessions.Max)

	agentCommand := os.Getenv("AGENT_COMMAND")
	if agentCommand == "" {
		agentCommand = "agent-runner"
	}
	dialer := agent.NewProcessDialer(agentCommand, nil, appLogger)
	connPool := pool.New(cfg.Pool, dialer, appLogger)

	memService, err := memory.New(cfg.Neo4j, breakers.Get("neo4j"), sharedCache, appLogger)
	if err != nil {
		appLogger.Error("graph store unavailable, memory integration disabled", "error", err)
		memService = nil
	}

	pipeline := turn.New(registry, connPool, memService, breakers, cfg.Turn.Deadline, appLogger)
	checker := health.New()

	// Limiter and cache maintenance run on their own schedule; the pool
	// maintains itself.
	maintenance := cron.New()
	cleanupSpec := fmt.Sprintf("@every %ds", int(cfg.Rate.CleanupInterval.Seconds()))
	if _, err := maintenance.AddFunc(cleanupSpec, func() {
		clients, blacklist := limiter.Cleanup()
		if clients > 0 || blacklist > 0 {
			appLogger.Debug("rate limiter cleanup", "clients", clients, "blacklist", blacklist)
		}
		sharedCache.Sweep()
	}); err != nil {
		appLogger.Error("failed to schedule maintenance", "error", err)
	}
	maintenance.Start()

	// Hot reload: thresholds the limiter can apply live.
	cfgManager.Subscribe(func(changes config.ChangeSet) {
		for _, ch := range changes {
			appLogger.Info("config changed", "key", ch.Key, "old", ch.Old, "new", ch.New)
		}
		current := cfgManager.Current()
		limiter.SetLimits(current.Rate.RequestsPerMinute, current.Rate.BurstSize)
	})
	cfgManager.Watch()

	srv := server.New(cfg, appLogger, registry, connPool, pipeline, limiter, breakers, sharedCache, checker)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		appLogger.Error("http shutdown failed", "error", err)
	}

	maintenance.Stop()

	// Destroy sessions before the pool so their connections return first.
	for _, s := range registry.List() {
		if err := pipeline.DestroySession(ctx, s.ID); err != nil {
			appLogger.Warn("failed to destroy session during shutdown", "session_id", s.ID, "error", err)
		}
	}
	connPool.Shutdown(ctx)

	if memService != nil {
		if err := memService.Close(ctx); err != nil {
			appLogger.Warn("graph driver close failed", "error", err)
		}
	}

	appLogger.Info("shutdown complete")
}
