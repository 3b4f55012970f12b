package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"attendsheets/internal/account"
	"attendsheets/internal/auth"
	"attendsheets/internal/config"
	"attendsheets/internal/enrollment"
	"attendsheets/internal/httpapi"
	"attendsheets/internal/logging"
	"attendsheets/internal/notify"
	"attendsheets/internal/qrsession"
	"attendsheets/internal/queue"
	"attendsheets/internal/store"
	"attendsheets/internal/tokens"
	"attendsheets/internal/validation"
	"attendsheets/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.App, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var redisClient *store.Redis
	if cfg.QueueBackend != "memory" || cfg.TokenBackend != "memory" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(256)
		q = mem
		// Nothing else drains an in-process queue, so consume it here.
		proc := &worker.Processor{Store: st, Mailer: notify.LogMailer{Log: log}, Log: log}
		go func() { _ = proc.Run(ctx, mem) }()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendsheets:events")
	}

	var tok tokens.Store
	if cfg.TokenBackend == "memory" {
		mem := tokens.NewMemory()
		go mem.Janitor(ctx, time.Minute)
		tok = mem
	} else {
		tok = tokens.NewRedis(redisClient.Client)
	}

	issuer := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
	router := httpapi.NewRouter(httpapi.Deps{
		Store:      st,
		Redis:      redisClient,
		Enrollment: enrollment.New(st, log, enrollment.WithPublisher(q)),
		QR: qrsession.New(st, log,
			qrsession.WithPublisher(q),
			qrsession.WithLocation(cfg.Location()),
			qrsession.WithDefaultInterval(cfg.QRRotationInterval)),
		Accounts:            account.New(st, tok, issuer, q, log, account.WithCodeTTL(cfg.VerificationTTL)),
		Issuer:              issuer,
		Validator:           validation.New(),
		Log:                 log,
		CORSOrigins:         cfg.CORSOrigins,
		RateLimitPerMin:     cfg.RateLimitPerMin,
		ScanRateLimitPerMin: cfg.ScanRateLimitPerMin,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced shutdown", "error", err)
	}
	log.Info("server exited")
	return nil
}

func openStore(ctx context.Context, cfg config.App) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		return store.NewMemory(), nil
	}
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store.NewPostgres(db.Client), nil
}
