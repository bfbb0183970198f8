package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kasuganosora/mailsystem/api"
	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/config"
	dbadapter "github.com/kasuganosora/mailsystem/db"
	"github.com/kasuganosora/mailsystem/game/delivery"
	"github.com/kasuganosora/mailsystem/game/economy"
	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/game/mail"
	"github.com/kasuganosora/mailsystem/game/player"
	"github.com/kasuganosora/mailsystem/metrics"
	"github.com/kasuganosora/mailsystem/model"
	"github.com/kasuganosora/mailsystem/scheduler"
	"github.com/kasuganosora/mailsystem/store"
	"go.uber.org/zap"
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

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}
	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With(zap.String("instance", instanceID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database, logger)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	st := store.New(db, cfg.Database.AcquireTimeout, logger)
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
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
	if cfg.Cache.RedisAddr == "" {
		logger.Warn("no redis configured; cache and notifications are local to this instance")
	}
	logger.Info("Cache initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)

	// ---- Mail ----
	coord := delivery.New(delivery.Config{
		Workers:     cfg.Delivery.Workers,
		MaxPending:  cfg.Delivery.MaxPending,
		WarnPending: cfg.Delivery.WarnPending,
		OnDepth:     metrics.SetQueueDepth,
	}, logger)
	sm := player.NewSessionManager(logger)
	dir := player.NewDirectory(db)
	inv := item.NewInventoryService(db, logger)
	mailSvc := mail.NewService(mail.Deps{
		Store:       st,
		Coordinator: coord,
		Cache:       c,
		PubSub:      pubsub,
		Economy:     economy.NewWallet(db, logger),
		Inventory:   inv,
		Presence:    sm,
		Directory:   dir,
		Audit:       auditSvc,
	}, cfg.Mail, instanceID, logger)

	stopRelay, err := mailSvc.StartRelay(ctx)
	if err != nil {
		log.Fatalf("mail relay: %v", err)
	}

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	sched.SetObserver(metrics.RecordTask)
	sweep := func(ctx context.Context) error {
		_, err := mailSvc.Sweep(ctx)
		return err
	}
	if cfg.Mail.SweepInterval > 0 {
		sched.AddTicker("mail.sweep", cfg.Mail.SweepInterval, sweep)
		sched.AddDelay("mail.sweep.startup", 5*time.Second, sweep)
	}
	if cfg.Mail.RetentionDays > 0 && cfg.Mail.PurgeInterval > 0 {
		sched.AddTicker("mail.purge", cfg.Mail.PurgeInterval, func(ctx context.Context) error {
			_, err := mailSvc.PurgeRetained(ctx)
			return err
		})
	}
	if cfg.Mail.DeadLetterInterval > 0 {
		sched.AddTicker("mail.dead_letters", cfg.Mail.DeadLetterInterval, mailSvc.ProcessDeadLetters)
	}
	if cfg.Mail.ReminderInterval > 0 {
		sched.AddTicker("mail.remind", cfg.Mail.ReminderInterval, mailSvc.RemindUnread)
	}

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := api.NewEngine(ctx, api.Deps{
		Config:    cfg,
		DB:        db,
		Store:     st,
		Cache:     c,
		PubSub:    pubsub,
		Mail:      mailSvc,
		Inventory: inv,
		Sessions:  sm,
		Directory: dir,
		Audit:     auditSvc,
		Scheduler: sched,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// In-flight claims finish before the stores they write to close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sm.CloseAllSessions(3 * time.Second)
	sched.Stop()
	stopRelay()
	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Warn("delivery coordinator stop", zap.Error(err))
	}
	auditSvc.Stop(shutdownCtx)
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("bye")
}
