package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Submission strategies for POST /api/send-email
const (
	StrategyQueue  = "queue"
	StrategyDirect = "direct"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string
	Strategy string

	// Per-submission bounds
	QueueTimeout time.Duration
	SendTimeout  time.Duration

	RateLimitPerMinute int
	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For
	// header is believed when throttling.
	TrustedProxies []string

	Redis    RedisConfig
	SMTP     SMTPConfig
	Twilio   TwilioConfig
	Postgres PostgresConfig
	Storage  StorageConfig
	Worker   WorkerConfig
}

type RedisConfig struct {
	// URL is either "host:port" or redis:// / rediss://. Empty means the
	// queue strategy has no target.
	URL       string
	Password  string
	PoolSize  int
	QueueName string

	// CommandTimeout is the longest a queue operation may run. Read and
	// write socket timeouts never undercut it.
	CommandTimeout time.Duration
}

type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	From        string
	FromName    string
	ImplicitTLS bool
	Recipients  []string
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	To         []string
}

func (c TwilioConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.From != "" && len(c.To) > 0
}

type PostgresConfig struct {
	URL           string
	MigrationsDir string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func (c StorageConfig) Enabled() bool {
	return c.Endpoint != ""
}

type WorkerConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Poll        time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] No .env file found, relying on system env vars")
	}
	return FromEnv()
}

// FromEnv builds the config from the current environment only.
func FromEnv() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("APP_ENV", "production"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Strategy:           strings.ToLower(getEnv("NOTIFY_STRATEGY", StrategyQueue)),
		QueueTimeout:       p.duration("QUEUE_TIMEOUT", 5*time.Second),
		SendTimeout:        p.duration("SEND_TIMEOUT", 15*time.Second),
		RateLimitPerMinute: p.int("RATE_LIMIT_PER_MINUTE", 30),
		TrustedProxies:     getList("TRUSTED_PROXIES"),
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			PoolSize:  p.int("REDIS_POOL_SIZE", 10),
			QueueName: getEnv("EMAIL_QUEUE_NAME", "email_queue"),
		},
		SMTP: SMTPConfig{
			Host:        os.Getenv("SMTP_HOST"),
			Port:        getEnv("SMTP_PORT", "465"),
			Username:    os.Getenv("SMTP_USER"),
			Password:    os.Getenv("SMTP_PASS"),
			From:        os.Getenv("SMTP_FROM"),
			FromName:    getEnv("SMTP_FROM_NAME", "Phytocompound Database"),
			ImplicitTLS: p.bool("SMTP_IMPLICIT_TLS", true),
			Recipients:  getList("NOTIFY_RECIPIENTS"),
		},
		Twilio: TwilioConfig{
			AccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
			From:       os.Getenv("TWILIO_FROM"),
			To:         getList("NOTIFY_SMS_TO"),
		},
		Postgres: PostgresConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: getEnv("S3_ACCESS_KEY", "minioadmin"),
			SecretKey: getEnv("S3_SECRET_KEY", "minioadmin"),
			Bucket:    getEnv("S3_BUCKET", "phytodb-dead-letters"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			UseSSL:    p.bool("S3_USE_SSL", false),
		},
		Worker: WorkerConfig{
			MaxAttempts: p.int("WORKER_MAX_ATTEMPTS", 3),
			Backoff:     p.duration("WORKER_BACKOFF", 2*time.Second),
			Poll:        p.duration("WORKER_POLL", 5*time.Second),
		},
	}

	if p.err != nil {
		return nil, p.err
	}
	cfg.Redis.CommandTimeout = cfg.QueueTimeout

	if cfg.SMTP.From == "" {
		cfg.SMTP.From = cfg.SMTP.Username
	}

	switch cfg.Strategy {
	case StrategyQueue, StrategyDirect:
	default:
		return nil, fmt.Errorf("NOTIFY_STRATEGY must be %q or %q, got %q", StrategyQueue, StrategyDirect, cfg.Strategy)
	}
	if cfg.Redis.PoolSize < 1 {
		return nil, fmt.Errorf("REDIS_POOL_SIZE must be positive, got %d", cfg.Redis.PoolSize)
	}
	if cfg.Worker.MaxAttempts < 1 {
		return nil, fmt.Errorf("WORKER_MAX_ATTEMPTS must be positive, got %d", cfg.Worker.MaxAttempts)
	}
	if cfg.RateLimitPerMinute < 0 {
		return nil, fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", cfg.RateLimitPerMinute)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// getList splits a comma separated variable, dropping blanks.
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return fallback
	}
	return v
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}
