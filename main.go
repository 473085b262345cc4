package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"outreach/allocator"
	"outreach/config"
	controller "outreach/controllers"
	"outreach/feedback"
	"outreach/lease"
	"outreach/ledger"
	"outreach/middleware"
	"outreach/routes"
	"outreach/sequence"
	"outreach/store"
	"outreach/transport"
	"outreach/utils"
	"outreach/worker"

	"github.com/gofiber/fiber/v2"
)

func main() {
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	if err := utils.InitLogger(cfg.Environment, cfg.SentryDSN); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer utils.FlushSentry()
	logger := utils.Logger

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := config.ConnectRedis(ctx)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}

	st := store.New(config.DB)
	quota := ledger.New(st, logger.WithField("component", "ledger"))
	senders := allocator.New(quota, st, logger.WithField("component", "allocator"))

	hub := controller.NewHealthHub()
	sink := feedback.NewSink(st, quota, logger.WithField("component", "feedback")).WithNotifier(hub)

	queue := transport.NewQueue(st, sink, transport.SMTPMailer{}, transport.Config{
		Workers:         cfg.Transport.Workers,
		QueueSize:       cfg.Transport.QueueSize,
		TrackingBaseURL: cfg.Transport.TrackingBaseURL,
		EncryptionKey:   cfg.EncryptionKey,
	}, logger.WithField("component", "transport")).WithReleaser(senders)
	// Queued messages are drained on shutdown rather than abandoned.
	queue.Start(context.Background())

	machine := sequence.NewMachine(senders, queue, st, st, sequence.Config{
		MaxHandoffAttempts: cfg.Engine.MaxHandoffAttempts,
		HandoffBackoff:     cfg.Engine.HandoffBackoff,
	}, logger.WithField("component", "sequence"))

	var (
		locker         lease.Locker = lease.NewMemory()
		rateLimitStore fiber.Storage
	)
	if redisClient != nil {
		locker = lease.NewRedis(redisClient)
		rateLimitStore = middleware.NewRedisStorage(redisClient)
	}

	dispatcher := worker.NewDispatchWorker(st, machine, locker, worker.DispatchConfig{
		Workers:  cfg.Engine.DispatchWorkers,
		Batch:    cfg.Engine.DispatchBatch,
		LeaseTTL: cfg.Engine.LeaseTTL,
	}, logger.WithField("component", "dispatch")).WithNotifier(hub)
	quotaWorker := worker.NewQuotaWorker(st, quota, logger.WithField("component", "quota"))
	warmupWorker := worker.NewWarmupWorker(st, quota, worker.WarmupConfig{
		Start:     cfg.Engine.WarmupStart,
		Increment: cfg.Engine.WarmupIncrement,
	}, logger.WithField("component", "warmup"))
	replyWorker := worker.NewReplyWorker(st, sink, worker.IMAPMailbox{Timeout: time.Minute}, worker.ReplyConfig{
		EncryptionKey: cfg.EncryptionKey,
	}, logger.WithField("component", "reply"))

	var wg sync.WaitGroup
	jobs := []*worker.Job{
		worker.NewJob("dispatch", cfg.Engine.DispatchInterval, dispatcher.Run, logger),
		worker.NewJob("quota-reset", cfg.Engine.QuotaResetInterval, func(ctx context.Context) { quotaWorker.Run(ctx) }, logger),
		worker.NewJob("warmup", cfg.Engine.WarmupInterval, warmupWorker.Run, logger),
		worker.NewJob("reply-watch", cfg.Engine.ReplyPollInterval, replyWorker.Run, logger),
	}
	for _, job := range jobs {
		job.Start(ctx, &wg)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: cfg.Environment == "production"})
	app.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins...)))

	routes.SetupRoutes(app, routes.Deps{
		JWTSecret:      cfg.EncryptionKey,
		Users:          st,
		RateLimitStore: rateLimitStore,
		EventRateLimit: cfg.RateLimitEvents,
		Campaigns:      controller.NewCampaignController(st, hub, logger.WithField("component", "campaigns")),
		Senders:        controller.NewSenderController(quota),
		Events:         controller.NewEventController(sink),
		Tracking:       controller.NewTrackingController(st, sink, cfg.EncryptionKey, logger.WithField("component", "tracking")),
		Health:         controller.NewHealthStreamController(hub, st, logger.WithField("component", "health")),
	})

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Warn("HTTP shutdown")
		}
	}()

	logger.Infof("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.WithError(err).Error("Server stopped")
		stop()
	}

	wg.Wait()
	queue.Stop()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("Shutdown complete")
}
