package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agent-sync-hub/backend/api/handlers"
	"github.com/agent-sync-hub/backend/internal/cache"
	"github.com/agent-sync-hub/backend/internal/config"
	"github.com/agent-sync-hub/backend/internal/db"
	"github.com/agent-sync-hub/backend/internal/events"
	"github.com/agent-sync-hub/backend/internal/message"
	"github.com/agent-sync-hub/backend/internal/metrics"
	"github.com/agent-sync-hub/backend/internal/repository"
	"github.com/agent-sync-hub/backend/internal/sync"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		logger.Fatal("failed to create database directory", zap.Error(err))
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database)
	messageRepo := repository.NewMessageRepository(database)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// The publisher derives namespaces through the cache; the cache emits
	// through the publisher. Late-bound closure breaks the construction cycle.
	var sessionCache *cache.Cache
	publisher := events.NewPublisher(events.ResolverFunc(func(id string) (string, bool) {
		return sessionCache.NamespaceOf(id)
	}), cfg.EventBacklog, m, logger.Named("events"))

	sessionCache = cache.New(sessionRepo, publisher, m, cache.Config{
		LivenessThreshold: cfg.LivenessThreshold,
		SweepInterval:     cfg.SweepInterval,
	}, logger.Named("cache"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sessionCache.ReloadAll(ctx); err != nil {
		logger.Fatal("failed to load sessions", zap.Error(err))
	}
	go sessionCache.Run(ctx)

	// No agent supervisor is wired in this process; lifecycle callbacks
	// arrive through the sink once a supervisor attaches.
	var agents sync.AgentManager = sync.Unattached{}

	messageService := message.New(messageRepo, agents, publisher, m,
		cfg.DefaultPageLimit, cfg.MaxPageLimit, logger.Named("messages"))

	engine := sync.New(sessionCache, messageService, publisher, agents, sync.Config{
		ResumePollInterval: cfg.ResumePollInterval,
		ResumeTimeout:      cfg.ResumeTimeout,
	}, logger.Named("engine"))

	sessionHandler := handlers.NewSessionHandler(engine)
	messageHandler := handlers.NewMessageHandler(engine)
	eventsHandler := handlers.NewEventsHandler(publisher, m.SSEClients)

	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
		messageHandler.RegisterRoutes(api)
		eventsHandler.RegisterRoutes(api)
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
