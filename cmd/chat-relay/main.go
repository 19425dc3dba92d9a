package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"astro_chat/internal/broker"
	"astro_chat/internal/config"
	"astro_chat/internal/logging"
	"astro_chat/internal/outbox"
	"astro_chat/internal/presence"
	"astro_chat/internal/push"
	"astro_chat/internal/relay"
	"astro_chat/internal/repository"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "path to relay.yaml")
	flag.Parse()

	// 1. Configuration
	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeID := uuid.New().String()
	logger = logger.With("node_id", nodeID)

	// 2. Storage
	var (
		repo         repository.MessageRepository = repository.NewMemoryRepository()
		presenceRepo presence.Repository          = presence.NewMemoryRepository()
		outboxRepo   *repository.PostgresOutboxRepository
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("Failed to connect to DB", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db); err != nil {
			logger.Error("Failed to migrate DB", "error", err)
			os.Exit(1)
		}
		outboxRepo = repository.NewPostgresOutboxRepository(db)
		repo = repository.NewPostgresRepository(db, outboxRepo)
		presenceRepo = presence.NewPostgresRepository(db)
	}
	if cfg.RedisAddr != "" {
		redisRepo := presence.NewRedisRepository(cfg.RedisAddr, cfg.RedisPassword, "presence", cfg.PresenceTTL)
		defer redisRepo.Close()
		presenceRepo = redisRepo
	}

	// 3. RabbitMQ
	var hubOpts []relay.HubOption
	hubOpts = append(hubOpts, relay.WithLogger(logger))
	var publishers []outbox.Publisher
	if cfg.AMQPURL != "" {
		mqClient, err := broker.NewRabbitMQClient(cfg.AMQPURL, nodeID,
			broker.WithUserQueueTiming(cfg.UserQueueTTL, cfg.UserQueueExpiry))
		if err != nil {
			logger.Error("Failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer mqClient.Close()
		hubOpts = append(hubOpts, relay.WithBroker(mqClient))
		publishers = append(publishers, mqClient)

		pushWorker := push.NewWorker(mqClient, push.LogNotifier{Logger: logger}, logger)
		go func() {
			if err := pushWorker.Start(ctx); err != nil {
				logger.Error("Push worker stopped", "error", err)
			}
		}()
	}
	if cfg.StreamURI != "" {
		streamPub, err := outbox.NewStreamPublisher(cfg.StreamURI, cfg.StreamName)
		if err != nil {
			logger.Error("Failed to connect to RabbitMQ stream", "error", err)
			os.Exit(1)
		}
		defer streamPub.Close()
		publishers = append(publishers, streamPub)
	}

	// 4. Outbox Worker
	if outboxRepo != nil {
		if len(publishers) == 0 {
			publishers = append(publishers, outbox.LogPublisher{Logger: logger})
		}
		worker := outbox.NewWorker(outboxRepo, logger, publishers...)
		go worker.Start(ctx, cfg.OutboxInterval)
	}

	// 5. WebSocket Hub
	hub := relay.NewHub(repo, presenceRepo, nodeID, hubOpts...)
	go hub.Run(ctx)

	// 6. HTTP
	server := relay.NewServer(ctx, hub, repo, relay.ServerConfig{
		HistoryLimit: cfg.HistoryLimit,
		MessageRate:  rate.Limit(cfg.InboundRate),
		MessageBurst: cfg.InboundBurst,
	}, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("Relay starting", "port", cfg.Port, "postgres", cfg.DatabaseURL != "", "amqp", cfg.AMQPURL != "", "redis", cfg.RedisAddr != "")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Relay stopped", "error", err)
		os.Exit(1)
	}
}
