package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/liamashdown/claimwatch/internal/secrets"
	"github.com/robfig/cron/v3"
)

// Database drivers
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config holds all application configuration
type Config struct {
	// Environment
	Environment string
	LogLevel    string

	// Database
	DatabaseDriver      string
	DatabaseDSN         string
	DatabaseMaxConns    int
	DatabaseMaxIdleTime time.Duration

	Queue     QueueConfig
	Oracle    OracleConfig
	Detection DetectionConfig
	Triage    TriageConfig
	Lifecycle LifecycleConfig
	Evidence  EvidenceConfig
	Events    EventsConfig

	// HTTP API, health and metrics
	HTTPPort int
}

// QueueConfig controls the detection job queue and its workers
type QueueConfig struct {
	Workers         int
	PollInterval    time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	DefaultPriority int

	// VisibilityTimeout is how long a job may stay processing before it is
	// considered abandoned and handed back to the queue
	VisibilityTimeout time.Duration
}

// OracleConfig configures the external batch scoring service
type OracleConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RPS        float64
}

// DetectionConfig tunes the detectors
type DetectionConfig struct {
	ScoringBatchSize     int
	MissingUnitTolerance int
	OverchargePct        float64
	DuplicateWindow      time.Duration
	FeeScheduleFile      string
}

// TriageConfig holds the confidence thresholds and severity tiers.
// Scores >= AutoSubmitThreshold are auto-submit eligible, scores in
// [ReviewThreshold, AutoSubmitThreshold) need review, the rest go to the
// manual queue.
type TriageConfig struct {
	AutoSubmitThreshold float64
	ReviewThreshold     float64
	SeverityCriticalUSD float64
	SeverityHighUSD     float64
	SeverityMediumUSD   float64
}

// LifecycleConfig controls deadlines and expiry alerts
type LifecycleConfig struct {
	DeadlineWindowDays int
	AlertThresholdDays int
	SweepSchedule      string
}

// EvidenceConfig configures the document store client and matcher
type EvidenceConfig struct {
	DocStoreBaseURL string
	DocStoreAPIKey  string
	DocStoreRPS     float64
	CacheTTL        time.Duration
	MinRelevance    float64
	DateWindowDays  int
	Workers         int
}

// EventsConfig selects where lifecycle events are published
type EventsConfig struct {
	Sinks              []string // log, discord, smtp, redis
	DiscordWebhookURLs []string
	SMTPHost           string
	SMTPPort           int
	SMTPUser           string
	SMTPPassword       string
	SMTPFrom           string
	SMTPTo             []string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisChannelPrefix string
}

// DefaultTriage returns the standard thresholds (0.85 / 0.50)
func DefaultTriage() TriageConfig {
	return TriageConfig{
		AutoSubmitThreshold: 0.85,
		ReviewThreshold:     0.50,
		SeverityCriticalUSD: 1000,
		SeverityHighUSD:     250,
		SeverityMediumUSD:   50,
	}
}

// DefaultLifecycle returns a 60 day deadline with a 7 day alert threshold
func DefaultLifecycle() LifecycleConfig {
	return LifecycleConfig{
		DeadlineWindowDays: 60,
		AlertThresholdDays: 7,
		SweepSchedule:      "*/15 * * * *",
	}
}

// DefaultQueue returns three attempts with 1s..60s exponential backoff
func DefaultQueue() QueueConfig {
	return QueueConfig{
		Workers:         4,
		PollInterval:    time.Second,
		MaxAttempts:     3,
		BackoffBase:     time.Second,
		BackoffMax:      60 * time.Second,
		DefaultPriority: 5,

		VisibilityTimeout: 10 * time.Minute,
	}
}

// DefaultDetection returns the standard detector tuning
func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		ScoringBatchSize:     200,
		MissingUnitTolerance: 0,
		OverchargePct:        0.10,
		DuplicateWindow:      60 * time.Minute,
	}
}

// DefaultEvidence returns the standard matcher tuning
func DefaultEvidence() EvidenceConfig {
	return EvidenceConfig{
		DocStoreRPS:    5,
		CacheTTL:       10 * time.Minute,
		MinRelevance:   0.30,
		DateWindowDays: 30,
		Workers:        2,
	}
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Environment:         getEnv("ENVIRONMENT", "production"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DatabaseDriver:      getEnv("DATABASE_DRIVER", DriverMySQL),
		DatabaseDSN:         getEnv("DATABASE_DSN", "claimwatch:claimwatch@tcp(mysql:3306)/claimwatch?parseTime=true"),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMaxIdleTime: time.Duration(getEnvInt("DATABASE_MAX_IDLE_TIME_MINS", 5)) * time.Minute,
		HTTPPort:            getEnvInt("HTTP_PORT", 8080),
	}

	q := DefaultQueue()
	cfg.Queue = QueueConfig{
		Workers:         getEnvInt("QUEUE_WORKERS", q.Workers),
		PollInterval:    time.Duration(getEnvInt("QUEUE_POLL_INTERVAL_MS", int(q.PollInterval/time.Millisecond))) * time.Millisecond,
		MaxAttempts:     getEnvInt("QUEUE_MAX_ATTEMPTS", q.MaxAttempts),
		BackoffBase:     time.Duration(getEnvInt("QUEUE_BACKOFF_BASE_MS", int(q.BackoffBase/time.Millisecond))) * time.Millisecond,
		BackoffMax:      time.Duration(getEnvInt("QUEUE_BACKOFF_MAX_MS", int(q.BackoffMax/time.Millisecond))) * time.Millisecond,
		DefaultPriority: getEnvInt("QUEUE_DEFAULT_PRIORITY", q.DefaultPriority),

		VisibilityTimeout: time.Duration(getEnvInt("QUEUE_VISIBILITY_TIMEOUT_SEC", int(q.VisibilityTimeout/time.Second))) * time.Second,
	}

	cfg.Oracle = OracleConfig{
		BaseURL:    getEnv("ORACLE_BASE_URL", "http://scoring-oracle:8000"),
		APIKey:     secrets.GetOptionalSecret("ORACLE_API_KEY", ""),
		Timeout:    time.Duration(getEnvInt("ORACLE_TIMEOUT_SEC", 10)) * time.Second,
		MaxRetries: getEnvInt("ORACLE_MAX_RETRIES", 2),
		RPS:        getEnvFloat("ORACLE_RPS", 5.0),
	}

	d := DefaultDetection()
	cfg.Detection = DetectionConfig{
		ScoringBatchSize:     getEnvInt("SCORING_BATCH_SIZE", d.ScoringBatchSize),
		MissingUnitTolerance: getEnvInt("MISSING_UNIT_TOLERANCE", d.MissingUnitTolerance),
		OverchargePct:        getEnvFloat("OVERCHARGE_PCT", d.OverchargePct),
		DuplicateWindow:      time.Duration(getEnvInt("DUPLICATE_WINDOW_MINS", int(d.DuplicateWindow/time.Minute))) * time.Minute,
		FeeScheduleFile:      getEnv("FEE_SCHEDULE_FILE", ""),
	}

	t := DefaultTriage()
	cfg.Triage = TriageConfig{
		AutoSubmitThreshold: getEnvFloat("AUTO_SUBMIT_THRESHOLD", t.AutoSubmitThreshold),
		ReviewThreshold:     getEnvFloat("REVIEW_THRESHOLD", t.ReviewThreshold),
		SeverityCriticalUSD: getEnvFloat("SEVERITY_CRITICAL_USD", t.SeverityCriticalUSD),
		SeverityHighUSD:     getEnvFloat("SEVERITY_HIGH_USD", t.SeverityHighUSD),
		SeverityMediumUSD:   getEnvFloat("SEVERITY_MEDIUM_USD", t.SeverityMediumUSD),
	}

	l := DefaultLifecycle()
	cfg.Lifecycle = LifecycleConfig{
		DeadlineWindowDays: getEnvInt("DEADLINE_WINDOW_DAYS", l.DeadlineWindowDays),
		AlertThresholdDays: getEnvInt("ALERT_THRESHOLD_DAYS", l.AlertThresholdDays),
		SweepSchedule:      getEnv("DEADLINE_SWEEP_CRON", l.SweepSchedule),
	}

	e := DefaultEvidence()
	cfg.Evidence = EvidenceConfig{
		DocStoreBaseURL: getEnv("DOCSTORE_BASE_URL", "http://docstore:8000"),
		DocStoreAPIKey:  secrets.GetOptionalSecret("DOCSTORE_API_KEY", ""),
		DocStoreRPS:     getEnvFloat("DOCSTORE_RPS", e.DocStoreRPS),
		CacheTTL:        time.Duration(getEnvInt("DOCSTORE_CACHE_TTL_MINS", int(e.CacheTTL/time.Minute))) * time.Minute,
		MinRelevance:    getEnvFloat("EVIDENCE_MIN_RELEVANCE", e.MinRelevance),
		DateWindowDays:  getEnvInt("EVIDENCE_DATE_WINDOW_DAYS", e.DateWindowDays),
		Workers:         getEnvInt("MATCH_WORKERS", e.Workers),
	}

	cfg.Events = EventsConfig{
		Sinks:              parseCSV(getEnv("EVENT_SINKS", "log")),
		DiscordWebhookURLs: secrets.GetSecretList("DISCORD_WEBHOOK_URLS"),
		SMTPHost:           getEnv("SMTP_HOST", ""),
		SMTPPort:           getEnvInt("SMTP_PORT", 587),
		SMTPUser:           getEnv("SMTP_USER", ""),
		SMTPPassword:       secrets.GetOptionalSecret("SMTP_PASSWORD", ""),
		SMTPFrom:           getEnv("SMTP_FROM", "claimwatch@example.com"),
		SMTPTo:             parseCSV(getEnv("SMTP_TO", "")),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      secrets.GetOptionalSecret("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "claimwatch"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}
	switch c.DatabaseDriver {
	case DriverMySQL, DriverSQLite:
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER: %s (must be mysql or sqlite)", c.DatabaseDriver)
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("queue backoff must satisfy 0 < base <= max")
	}
	if c.Queue.DefaultPriority < 1 || c.Queue.DefaultPriority > 10 {
		return fmt.Errorf("QUEUE_DEFAULT_PRIORITY must be between 1 and 10")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT_SEC must be positive")
	}

	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT_SEC must be positive")
	}
	if c.Detection.ScoringBatchSize < 1 {
		return fmt.Errorf("SCORING_BATCH_SIZE must be at least 1")
	}
	if c.Detection.OverchargePct < 0 {
		return fmt.Errorf("OVERCHARGE_PCT must not be negative")
	}

	if err := c.Triage.Validate(); err != nil {
		return err
	}
	if err := c.Lifecycle.Validate(); err != nil {
		return err
	}

	if c.Evidence.MinRelevance < 0 || c.Evidence.MinRelevance > 1 {
		return fmt.Errorf("EVIDENCE_MIN_RELEVANCE must be within [0,1]")
	}
	if c.Evidence.Workers < 1 {
		return fmt.Errorf("MATCH_WORKERS must be at least 1")
	}

	for _, sink := range c.Events.Sinks {
		switch sink {
		case "log":
		case "discord":
			if len(c.Events.DiscordWebhookURLs) == 0 {
				return fmt.Errorf("DISCORD_WEBHOOK_URLS is required when discord is in EVENT_SINKS")
			}
		case "smtp":
			if c.Events.SMTPHost == "" || len(c.Events.SMTPTo) == 0 {
				return fmt.Errorf("SMTP_HOST and SMTP_TO are required when smtp is in EVENT_SINKS")
			}
		case "redis":
			if c.Events.RedisAddr == "" {
				return fmt.Errorf("REDIS_ADDR is required when redis is in EVENT_SINKS")
			}
		default:
			return fmt.Errorf("invalid EVENT_SINKS value: %s (valid values: log, discord, smtp, redis)", sink)
		}
	}

	return nil
}

// Validate checks the thresholds are ordered within [0,1]
func (t TriageConfig) Validate() error {
	if t.ReviewThreshold < 0 || t.AutoSubmitThreshold > 1 || t.ReviewThreshold >= t.AutoSubmitThreshold {
		return fmt.Errorf("thresholds must satisfy 0 <= REVIEW_THRESHOLD (%.2f) < AUTO_SUBMIT_THRESHOLD (%.2f) <= 1",
			t.ReviewThreshold, t.AutoSubmitThreshold)
	}
	if t.SeverityMediumUSD > t.SeverityHighUSD || t.SeverityHighUSD > t.SeverityCriticalUSD {
		return fmt.Errorf("severity tiers must be ascending (medium <= high <= critical)")
	}
	return nil
}

// Validate checks the deadline window and alert threshold
func (l LifecycleConfig) Validate() error {
	if l.DeadlineWindowDays <= 0 {
		return fmt.Errorf("DEADLINE_WINDOW_DAYS must be positive")
	}
	if l.AlertThresholdDays < 0 {
		return fmt.Errorf("ALERT_THRESHOLD_DAYS must not be negative")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(l.SweepSchedule); err != nil {
		return fmt.Errorf("invalid DEADLINE_SWEEP_CRON %q: %w", l.SweepSchedule, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func parseCSV(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
