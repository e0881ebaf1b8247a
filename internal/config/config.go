package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"subsidyflow/features/queue"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"subsidy"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"subsidy"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EnableAPI         bool   `envconfig:"ENABLE_API" default:"true"`
	EnableCron        bool   `envconfig:"ENABLE_CRON" default:"true"`
	EnableRunConsumer bool   `envconfig:"ENABLE_RUN_CONSUMER" default:"false"`
	MigrationPath     string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Server
	ServerPort int `envconfig:"SERVER_PORT" default:"8081"`

	// Queue
	QueueBatchSize    int    `envconfig:"QUEUE_BATCH_SIZE" default:"10"`
	QueueMaxBatchSize int    `envconfig:"QUEUE_MAX_BATCH_SIZE" default:"50"`
	QueueLeaseMinutes int    `envconfig:"QUEUE_LEASE_MINUTES" default:"10"`
	QueueMaxAttempts  int    `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	QueueEnqueueCap   int    `envconfig:"QUEUE_ENQUEUE_CAP" default:"500"`
	QueueShard        int    `envconfig:"QUEUE_SHARD" default:"-1"` // -1 consumes every shard
	QueueWorkerID     string `envconfig:"QUEUE_WORKER_ID"`

	// Cron
	CronEnqueueSpec string `envconfig:"CRON_ENQUEUE_SPEC" default:"*/15 * * * *"`
	CronConsumeSpec string `envconfig:"CRON_CONSUME_SPEC" default:"*/5 * * * *"`

	// Cost guard
	CooldownFirecrawl time.Duration `envconfig:"COOLDOWN_FIRECRAWL" default:"6h"`
	CooldownVision    time.Duration `envconfig:"COOLDOWN_VISION" default:"24h"`
	CooldownLLM       time.Duration `envconfig:"COOLDOWN_LLM" default:"24h"`

	// Fetching
	FetchTimeout      time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	FetchUserAgent    string        `envconfig:"FETCH_USER_AGENT" default:"SubsidyflowBot/1.0 (+extraction pipeline)"`
	PDFMaxBytes       int64         `envconfig:"PDF_MAX_BYTES" default:"5242880"` // 5MB
	MaxPDFURLs        int           `envconfig:"MAX_PDF_URLS" default:"5"`
	MinTextLen        int           `envconfig:"MIN_TEXT_LEN" default:"800"`
	EnableOCRFallback bool          `envconfig:"ENABLE_OCR_FALLBACK" default:"false"`

	// Quality gate
	FormsMinForms         int `envconfig:"FORMS_MIN_FORMS" default:"2"`
	FormsMinFieldsPerForm int `envconfig:"FORMS_MIN_FIELDS_PER_FORM" default:"3"`

	// Paid APIs
	FirecrawlAPIKey  string `envconfig:"FIRECRAWL_API_KEY"`
	FirecrawlBaseURL string `envconfig:"FIRECRAWL_BASE_URL" default:"https://api.firecrawl.dev"`
	GeminiAPIKey     string `envconfig:"GEMINI_API_KEY"`
	GeminiModel      string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.QueueBatchSize <= 0 {
		return fmt.Errorf("%w: QUEUE_BATCH_SIZE must be positive", ErrMissingRequired)
	}
	if c.QueueMaxBatchSize < 0 || (c.QueueMaxBatchSize > 0 && c.QueueMaxBatchSize < c.QueueBatchSize) {
		return fmt.Errorf("%w: QUEUE_MAX_BATCH_SIZE must not be below QUEUE_BATCH_SIZE", ErrMissingRequired)
	}
	if c.QueueShard < -1 || c.QueueShard >= queue.ShardCount {
		return fmt.Errorf("%w: QUEUE_SHARD must be -1 or in [0,%d)", ErrMissingRequired, queue.ShardCount)
	}
	if c.QueueLeaseMinutes <= 0 {
		return fmt.Errorf("%w: QUEUE_LEASE_MINUTES must be positive", ErrMissingRequired)
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("%w: QUEUE_MAX_ATTEMPTS must be positive", ErrMissingRequired)
	}
	return nil
}

// LeaseDuration is the lease window granted to a claimed job.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.QueueLeaseMinutes) * time.Minute
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
