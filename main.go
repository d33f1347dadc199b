package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/tommyshellberg/unquest-core/api/rest"
	"github.com/tommyshellberg/unquest-core/api/sse"
	"github.com/tommyshellberg/unquest-core/authority"
	"github.com/tommyshellberg/unquest-core/cache"
	"github.com/tommyshellberg/unquest-core/config"
	"github.com/tommyshellberg/unquest-core/game/quest"
	mw "github.com/tommyshellberg/unquest-core/middleware"
	"github.com/tommyshellberg/unquest-core/model"
	"github.com/tommyshellberg/unquest-core/scheduler"
	"github.com/tommyshellberg/unquest-core/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Server.ShellKey == "" {
		logger.Warn("server.shell_key is not set; bridge endpoints are disabled")
	}

	// ---- Database ----
	db, err := storage.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	kv := storage.NewKV(db)
	logger.Info("DB initialized")

	// ---- Cache / PubSub ----
	cacheConfig := cache.Config{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// ---- Remote Authority ----
	tokens := authority.WarnNearExpiry(
		authority.StaticTokenSource(cfg.Authority.Token), 5*time.Minute, logger)
	client := authority.NewClient(authority.Config{
		BaseURL: cfg.Authority.BaseURL,
		Timeout: cfg.Authority.Timeout,
	}, tokens, logger)

	// ---- Quest Engine ----
	store := quest.NewStore(db, kv, c, pubsub, logger,
		quest.WithExpiredQuestPolicy(quest.ExpiredQuestPolicy(cfg.Engine.ExpiredQuestPolicy)))
	timer := quest.NewTimer(store, client, sched, logger,
		quest.WithMinTick(cfg.Engine.MinTickInterval))
	coord := quest.NewCoordinator(store, client, timer, sched, logger,
		quest.WithPollIntervals(cfg.Engine.InvitationPollIntv, cfg.Engine.RunPollIntv))

	ctx := context.Background()
	if err := store.Load(ctx); err != nil {
		log.Fatalf("store load: %v", err)
	}
	timer.Resume(ctx)
	coord.Resume(ctx)
	logger.Info("quest state rehydrated")

	// ---- Gin HTTP Bridge ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	bridge := apirest.NewBridgeHandler(store, timer, coord, logger)

	api := r.Group("/api")
	api.Use(mw.ShellKey(cfg.Server.ShellKey))
	{
		api.POST("/quests/prepare", bridge.Prepare)
		api.POST("/quests/cancel", bridge.Cancel)
		api.POST("/device/locked", bridge.DeviceLocked)
		api.POST("/device/unlocked", bridge.DeviceUnlocked)
		api.GET("/state", bridge.State)
		api.GET("/history", bridge.History)
		api.GET("/progress", bridge.Progress)

		api.POST("/coop/initialize", bridge.InitializeCooperative)
		api.POST("/coop/invitations/:id/accept", bridge.AcceptInvitation)
		api.POST("/coop/invitations/:id/decline", bridge.DeclineInvitation)
		api.POST("/coop/ready", bridge.SetReady)
	}

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, logger)
	r.GET("/sse", mw.ShellKey(cfg.Server.ShellKey), sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Bridge listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
