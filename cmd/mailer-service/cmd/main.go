package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/config"
	"gitlab.com/phytodb/services/backend/internal/db"
	"gitlab.com/phytodb/services/backend/internal/deliverylog"
	"gitlab.com/phytodb/services/backend/internal/feed"
	"gitlab.com/phytodb/services/backend/internal/logging"
	"gitlab.com/phytodb/services/backend/internal/notifier"
	"gitlab.com/phytodb/services/backend/internal/queue"
	"gitlab.com/phytodb/services/backend/internal/storage"
	"gitlab.com/phytodb/services/backend/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	rdb, err := db.NewRedis(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("invalid redis configuration", zap.Error(err))
	}
	if rdb == nil {
		logger.Fatal("REDIS_URL is required by the mailer service")
	}
	defer rdb.Close()

	n := notifier.Build(
		notifier.NewEmail(cfg.SMTP, logger),
		notifier.NewSMS(cfg.Twilio, logger),
	)
	if n == nil {
		logger.Fatal("no notification channel configured, set SMTP_HOST or TWILIO_ACCOUNT_SID")
	}

	w := worker.New(queue.NewConsumer(rdb, cfg.Redis.QueueName), n, worker.Options{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Backoff:     cfg.Worker.Backoff,
		Poll:        cfg.Worker.Poll,
		SendTimeout: cfg.SendTimeout,
	}, logger).WithPublisher(feed.NewRedisPublisher(rdb, queue.EventsChannel(cfg.Redis.QueueName)))

	if cfg.Postgres.URL != "" {
		pg, err := db.NewPostgres(ctx, cfg.Postgres.URL)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pg.Close()

		if err := db.RunMigrations(ctx, pg, cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		w.WithRecorder(deliverylog.NewRepository(pg))
	}

	if cfg.Storage.Enabled() {
		archive, err := storage.NewDeadLetterArchive(ctx, cfg.Storage, logger)
		if err != nil {
			logger.Warn("dead letters will stay in redis", zap.Error(err))
		} else {
			w.WithArchiver(archive)
		}
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: healthRouter(rdb),
	}
	go func() {
		logger.Info("mailer health endpoint listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutting down mailer service")
		stop()
		err = <-done
	case err = <-done:
	}
	if err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server forced to shutdown", zap.Error(err))
	}

	logger.Info("mailer service exited")
}

func healthRouter(rdb *redis.Client) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.Health(ctx, rdb, nil); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods("GET")
	return r
}
