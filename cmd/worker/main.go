package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"attendsheets/internal/config"
	"attendsheets/internal/logging"
	"attendsheets/internal/notify"
	"attendsheets/internal/queue"
	"attendsheets/internal/store"
	"attendsheets/internal/worker"
)

// Worker consumes queued activity events and emails.
func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" {
		log.Error("the worker needs QUEUE_BACKEND=redis; the memory queue is drained inside the api process")
		os.Exit(1)
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn("redis not reachable yet, consumer will keep retrying", "addr", cfg.RedisAddr)
	}

	proc := &worker.Processor{
		Store:  store.NewPostgres(db.Client),
		Mailer: notify.LogMailer{Log: log},
		Log:    log,
	}
	if err := proc.Run(ctx, queue.NewRedisQueue(redisClient.Client, "attendsheets:events")); err != nil {
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
