package main

import (
	"context"
	"database/sql"
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
	"gitlab.com/phytodb/services/backend/internal/ratelimit"
	"gitlab.com/phytodb/services/backend/internal/relay"
)

type Server struct {
	cfg         *config.Config
	redis       *redis.Client
	postgres    *sql.DB
	submit      http.Handler
	deliveries  http.Handler
	hub         *feed.Hub
	rateLimiter *ratelimit.Limiter
	logger      *zap.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger config comes from cfg, so fall back to a production logger
		zap.Must(zap.NewProduction()).Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("starting notification relay", zap.String("strategy", cfg.Strategy))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	rdb, err := db.NewRedis(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("invalid redis configuration", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var pg *sql.DB
	if cfg.Postgres.URL != "" {
		pg, err = db.NewPostgres(ctx, cfg.Postgres.URL)
		if err != nil {
			logger.Warn("delivery history disabled", zap.Error(err))
			pg = nil
		} else {
			defer pg.Close()
		}
	}

	// Leave the interfaces nil when a backend is missing so submissions fail
	// with a configuration error instead of reaching the network.
	var connector queue.Connector
	if rdb != nil {
		connector = queue.NewRedisConnector(rdb)
	}
	n := notifier.Build(
		notifier.NewEmail(cfg.SMTP, logger),
		notifier.NewSMS(cfg.Twilio, logger),
	)

	submitter, err := relay.NewSubmitter(cfg, connector, n, logger)
	if err != nil {
		logger.Fatal("failed to build submitter", zap.Error(err))
	}

	proxies, err := ratelimit.ParseProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal("invalid TRUSTED_PROXIES", zap.Error(err))
	}

	server := newServer(cfg, rdb, pg, submitter, logger)
	server.rateLimiter = server.rateLimiter.WithTrustedProxies(proxies)
	go server.hub.Run(ctx)
	if rdb != nil {
		go func() {
			if err := feed.Relay(ctx, rdb, queue.EventsChannel(cfg.Redis.QueueName), server.hub, logger); err != nil {
				logger.Warn("live delivery feed disabled", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited gracefully")
}

func newServer(cfg *config.Config, rdb *redis.Client, pg *sql.DB, submitter relay.Submitter, logger *zap.Logger) *Server {
	var lister deliverylog.Lister
	if pg != nil {
		lister = deliverylog.NewRepository(pg)
	}

	return &Server{
		cfg:         cfg,
		redis:       rdb,
		postgres:    pg,
		submit:      relay.NewHandler(submitter, logger),
		deliveries:  deliverylog.NewHandler(lister, logger),
		hub:         feed.NewHub(logger),
		rateLimiter: ratelimit.NewLimiter(rdb, "send-email", cfg.RateLimitPerMinute, time.Minute, logger),
		logger:      logger,
	}
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(relay.RequestID(s.logger))
	router.Use(corsMiddleware)

	// Handle OPTIONS preflight requests for all routes
	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	submit := s.submit
	if s.rateLimiter != nil {
		submit = s.rateLimiter.Middleware(submit)
	}
	router.Handle("/api/send-email", submit).Methods("POST")

	router.Handle("/api/notifications/deliveries", s.deliveries).Methods("GET")
	router.HandleFunc("/api/notifications/stream", feed.ServeWS(s.hub, s.logger)).Methods("GET")

	return router
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := db.Health(ctx, s.redis, s.postgres); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "strategy": s.cfg.Strategy})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "strategy": s.cfg.Strategy})
}
