package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

const minProcessorTokenLen = 16

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Persistence
	StoreDriver string // "postgres" or "memory"
	DatabaseUrl string

	// Settings cache. REDIS_URL selects Redis; otherwise an in-process LRU.
	RedisURL     string
	CacheTTL     time.Duration
	CacheEntries int

	// Admission policy defaults, used until an admin stores a policy.
	Policy       domain.Policy
	PeriodColumn string

	// Monthly reset
	ResetSchedule string // cron spec; empty disables the scheduler
	ResetPageSize int

	// Upload ingress
	MaxUploadBytes   int64
	UploadRateLimit  int
	UploadRateWindow time.Duration

	// SMTP Configuration. Without SMTP_HOST emails are only logged.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	// Directory of email templates overriding the embedded set
	EmailTemplatesDir string

	// Application base URL (for email links)
	BaseURL string

	// Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string // Base directory for archived uploads

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2Endpoint        string // Optional S3-compatible endpoint, e.g. MinIO

	// Worker Configuration (postgres driver only)
	WorkerEnabled      bool
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerJobTimeout   time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string

	// ProcessorToken authenticates the downstream processor on the metering
	// routes. Empty leaves those routes to admins only.
	ProcessorToken string
}

// NewConfig reads the environment, after loading .env when present.
// Malformed numbers, booleans and durations are errors, not silent
// defaults.
func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	e := &envReader{}
	cfg := &Config{
		Env:      e.String("ENV", "development"),
		Port:     e.Int("PORT", 8080),
		LogLevel: e.String("LOG_LEVEL", "debug"),

		StoreDriver: e.String("STORE_DRIVER", StoreDriverPostgres),
		DatabaseUrl: os.Getenv("DATABASE_URL"),

		RedisURL:     e.String("REDIS_URL", ""),
		CacheTTL:     e.Duration("CACHE_TTL", time.Minute),
		CacheEntries: e.Int("CACHE_ENTRIES", 64),

		Policy: domain.Policy{
			FreeTierLineLimit:    e.Int64("FREE_TIER_LINE_LIMIT", domain.DefaultFreeTierLineLimit),
			AnonymousLineLimit:   e.Int64("ANONYMOUS_LINE_LIMIT", domain.DefaultAnonymousLineLimit),
			FreeTierMonthlyLimit: e.Int64("FREE_TIER_MONTHLY_LIMIT", domain.DefaultFreeTierMonthlyLimit),
			MaxPeriodsPerFile:    e.Int("MAX_PERIODS_PER_FILE", domain.DefaultMaxPeriodsPerFile),
		},
		PeriodColumn: e.String("PERIOD_COLUMN", domain.PeriodColumn),

		// 00:05 UTC on the first of the month
		ResetSchedule: e.String("RESET_SCHEDULE", "CRON_TZ=UTC 5 0 1 * *"),
		ResetPageSize: e.Int("RESET_PAGE_SIZE", 500),

		MaxUploadBytes:   e.Int64("MAX_UPLOAD_BYTES", 50<<20),
		UploadRateLimit:  e.Int("UPLOAD_RATE_LIMIT", 30),
		UploadRateWindow: e.Duration("UPLOAD_RATE_WINDOW", time.Minute),

		// Mailhog listens on 1025
		SMTPHost:          e.String("SMTP_HOST", ""),
		SMTPPort:          e.Int("SMTP_PORT", 1025),
		SMTPUsername:      e.String("SMTP_USERNAME", ""),
		SMTPPassword:      e.String("SMTP_PASSWORD", ""),
		SMTPFrom:          e.String("SMTP_FROM", "noreply@csvmeter.local"),
		SMTPFromName:      e.String("SMTP_FROM_NAME", "csvmeter"),
		EmailTemplatesDir: e.String("EMAIL_TEMPLATES_DIR", ""),

		BaseURL: e.String("BASE_URL", "http://localhost:8080"),

		StorageProvider:  e.String("STORAGE_PROVIDER", "local"),
		LocalStoragePath: e.String("LOCAL_STORAGE_PATH", "./storage"),

		R2AccountID:       e.String("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     e.String("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: e.String("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      e.String("R2_BUCKET_NAME", ""),
		R2Endpoint:        e.String("R2_ENDPOINT", ""),

		WorkerEnabled:      e.Bool("WORKER_ENABLED", true),
		WorkerConcurrency:  e.Int("WORKER_CONCURRENCY", 2),
		WorkerPollInterval: e.Duration("WORKER_POLL_INTERVAL", 5*time.Second),
		WorkerJobTimeout:   e.Duration("WORKER_JOB_TIMEOUT", 5*time.Minute),

		MetricsUsername: e.String("METRICS_USERNAME", ""),
		MetricsPassword: e.String("METRICS_PASSWORD", ""),

		ProcessorToken: e.String("PROCESSOR_TOKEN", ""),
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every setting that has no usable value.
func (cfg *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseUrl == "" {
			fail("DATABASE_URL is required when STORE_DRIVER is 'postgres'")
		}
	case StoreDriverMemory:
	default:
		fail("STORE_DRIVER must be either 'postgres' or 'memory', got: %s", cfg.StoreDriver)
	}

	if err := cfg.Policy.Validate(); err != nil {
		fail("invalid policy defaults: %w", err)
	}
	if cfg.PeriodColumn == "" {
		fail("PERIOD_COLUMN must not be empty")
	}
	if cfg.MaxUploadBytes <= 0 {
		fail("MAX_UPLOAD_BYTES must be positive, got: %d", cfg.MaxUploadBytes)
	}
	if cfg.UploadRateLimit <= 0 {
		fail("UPLOAD_RATE_LIMIT must be positive, got: %d", cfg.UploadRateLimit)
	}
	if cfg.UploadRateWindow <= 0 {
		fail("UPLOAD_RATE_WINDOW must be positive, got: %s", cfg.UploadRateWindow)
	}
	if cfg.ProcessorToken != "" && len(cfg.ProcessorToken) < minProcessorTokenLen {
		fail("PROCESSOR_TOKEN must be at least %d characters", minProcessorTokenLen)
	}
	if cfg.ResetSchedule != "" {
		if _, err := cron.ParseStandard(cfg.ResetSchedule); err != nil {
			fail("RESET_SCHEDULE %q: %w", cfg.ResetSchedule, err)
		}
	}

	switch cfg.StorageProvider {
	case "local":
	case "r2":
		if cfg.R2AccountID == "" && cfg.R2Endpoint == "" {
			fail("R2_ACCOUNT_ID or R2_ENDPOINT is required when STORAGE_PROVIDER is 'r2'")
		}
		for key, value := range map[string]string{
			"R2_ACCESS_KEY_ID":     cfg.R2AccessKeyID,
			"R2_SECRET_ACCESS_KEY": cfg.R2SecretAccessKey,
			"R2_BUCKET_NAME":       cfg.R2BucketName,
		} {
			if value == "" {
				fail("%s is required when STORAGE_PROVIDER is 'r2'", key)
			}
		}
	default:
		fail("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.StorageProvider)
	}

	return errors.Join(errs...)
}

// envReader reads typed variables, collecting parse failures.
type envReader struct {
	errs []error
}

func (e *envReader) String(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parse runs conv on key's value, or returns fallback when key is unset.
func parse[T any](e *envReader, key string, fallback T, conv func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := conv(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, raw, err))
		return fallback
	}
	return v
}

func (e *envReader) Int(key string, fallback int) int {
	return parse(e, key, fallback, strconv.Atoi)
}

func (e *envReader) Int64(key string, fallback int64) int64 {
	return parse(e, key, fallback, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func (e *envReader) Bool(key string, fallback bool) bool {
	return parse(e, key, fallback, strconv.ParseBool)
}

func (e *envReader) Duration(key string, fallback time.Duration) time.Duration {
	return parse(e, key, fallback, time.ParseDuration)
}
