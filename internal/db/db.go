package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/config"
)

// RedisOptions turns REDIS_URL into client options. Both "host:port" and
// redis:// / rediss:// URLs are accepted; the pool is bounded by PoolSize.
func RedisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("REDIS_URL is not set")
	}

	var opts *redis.Options
	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts = parsed
	} else {
		// Simple host:port format
		opts = &redis.Options{
			Addr:     cfg.URL,
			Password: cfg.Password,
		}
	}

	ioTimeout := 3 * time.Second
	if cfg.CommandTimeout > ioTimeout {
		ioTimeout = cfg.CommandTimeout
	}

	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = ioTimeout
	opts.WriteTimeout = ioTimeout
	// Context deadlines (QUEUE_TIMEOUT) bound network I/O, not just pool waits.
	opts.ContextTimeoutEnabled = true
	return opts, nil
}

// NewRedis builds a pooled client. It returns (nil, nil) when no URL is
// configured so callers can decide whether Redis is required. An unreachable
// server is logged, not fatal: the pool dials again on the next command.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not reachable at startup", zap.String("addr", opts.Addr), zap.Error(err))
	} else {
		logger.Info("redis connection established", zap.String("addr", opts.Addr), zap.Int("pool_size", opts.PoolSize))
	}
	return rdb, nil
}

// NewPostgres opens the lib/pq pool and checks it is reachable.
func NewPostgres(ctx context.Context, url string) (*sql.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	pg, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// Configure connection pool
	pg.SetMaxOpenConns(10)
	pg.SetMaxIdleConns(2)
	pg.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.PingContext(pingCtx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pg, nil
}

// RunMigrations executes SQL migration files in order
func RunMigrations(ctx context.Context, pg *sql.DB, migrationsPath string, logger *zap.Logger) error {
	_, err := pg.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(migrationsPath, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		version := filepath.Base(file)

		var exists bool
		err := pg.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			logger.Debug("migration already applied", zap.String("version", version))
			continue
		}

		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", version, err)
		}

		tx, err := pg.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction for migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)",
			version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}

		logger.Info("applied migration", zap.String("version", version))
	}

	return nil
}

// Health pings whichever backends are present.
func Health(ctx context.Context, rdb *redis.Client, pg *sql.DB) error {
	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if pg != nil {
		if err := pg.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres health check failed: %w", err)
		}
	}
	return nil
}
