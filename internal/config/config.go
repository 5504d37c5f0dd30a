package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	// MigrationsDir holds the golang-migrate *.up.sql/*.down.sql files.
	MigrationsDir string

	// Redis is optional; when set, per-channel run locks are held across processes.
	RedisURL     string
	RunLockTTL   time.Duration
	RunLockOwner string

	// Queue runs
	BatchSize         int
	WorkerConcurrency int
	ItemTimeout       time.Duration

	EmailQueueInterval time.Duration
	PushQueueInterval  time.Duration

	// Rate limiting: maximum sends per second per channel
	RateLimit int

	// Retry policy. RetryBackoff index 0 = delay after the first failure, etc.
	MaxRetries      int
	RetryBackoff    []time.Duration
	RetryInterval   time.Duration
	ProcessingLease time.Duration

	// Email transport
	EmailProvider   string
	EmailFrom       string
	AWSRegion       string
	EmailAPIURL     string
	EmailAPIKey     string
	EmailAPITimeout time.Duration

	// Push transport
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushTTL         int
	PushTimeout     time.Duration
}

const (
	EmailProviderSES  = "ses"
	EmailProviderHTTP = "http"
)

const (
	defaultProcessingLease = 10 * time.Minute
	// leaseMargin covers the outcome writes that may follow the run deadline.
	leaseMargin = time.Minute
)

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),

		RedisURL:     os.Getenv("REDIS_URL"),
		RunLockTTL:   getDuration("RUN_LOCK_TTL", 0),
		RunLockOwner: getEnv("RUN_LOCK_OWNER", hostname),

		BatchSize:         getInt("BATCH_SIZE", 50),
		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 10),
		ItemTimeout:       getDuration("ITEM_TIMEOUT", 10*time.Second),

		EmailQueueInterval: getDuration("EMAIL_QUEUE_INTERVAL", 30*time.Second),
		PushQueueInterval:  getDuration("PUSH_QUEUE_INTERVAL", 15*time.Second),

		RateLimit: getInt("RATE_LIMIT_PER_CHANNEL", 100),

		MaxRetries: getInt("MAX_RETRIES", 3),
		RetryBackoff: []time.Duration{
			getDuration("RETRY_BACKOFF_1", 30*time.Second),
			getDuration("RETRY_BACKOFF_2", 2*time.Minute),
			getDuration("RETRY_BACKOFF_3", 10*time.Minute),
		},
		RetryInterval:   getDuration("RETRY_INTERVAL", 30*time.Second),
		ProcessingLease: getDuration("PROCESSING_LEASE", 0),

		EmailProvider:   strings.ToLower(getEnv("EMAIL_PROVIDER", EmailProviderSES)),
		EmailFrom:       getEnv("EMAIL_FROM", "notifications@localhost"),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		EmailAPIURL:     os.Getenv("EMAIL_API_URL"),
		EmailAPIKey:     os.Getenv("EMAIL_API_KEY"),
		EmailAPITimeout: getDuration("EMAIL_API_TIMEOUT", 10*time.Second),

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:notifications@localhost"),
		PushTTL:         getInt("PUSH_TTL", 86400),
		PushTimeout:     getDuration("PUSH_TIMEOUT", 10*time.Second),
	}

	// A run lock must outlive the longest possible run.
	if cfg.RunLockTTL <= 0 {
		cfg.RunLockTTL = cfg.RunDeadline() + 30*time.Second
	}
	// So must a processing lease, or the sweep fails rows that are still being sent.
	if cfg.ProcessingLease <= 0 {
		cfg.ProcessingLease = max(defaultProcessingLease, cfg.RunDeadline()+leaseMargin)
	}
	// An on-demand trigger answers only after its run ends.
	if cfg.WriteTimeout <= cfg.RunDeadline() {
		cfg.WriteTimeout = cfg.RunDeadline() + 30*time.Second
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RunDeadline bounds a single queue run: every item of a full batch may use
// its whole timeout.
func (c *Config) RunDeadline() time.Duration {
	return time.Duration(c.BatchSize) * c.ItemTimeout
}

func (c *Config) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.ItemTimeout <= 0 {
		return fmt.Errorf("ITEM_TIMEOUT must be positive")
	}
	if c.ProcessingLease < c.RunDeadline()+leaseMargin {
		return fmt.Errorf("PROCESSING_LEASE %s must exceed the run deadline %s (BATCH_SIZE x ITEM_TIMEOUT) by at least %s",
			c.ProcessingLease, c.RunDeadline(), leaseMargin)
	}
	switch c.EmailProvider {
	case EmailProviderSES:
	case EmailProviderHTTP:
		if c.EmailAPIURL == "" {
			return fmt.Errorf("EMAIL_API_URL is required when EMAIL_PROVIDER=http")
		}
	default:
		return fmt.Errorf("EMAIL_PROVIDER must be %q or %q, got %q", EmailProviderSES, EmailProviderHTTP, c.EmailProvider)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
