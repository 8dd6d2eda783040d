package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ReceiveMode selects how mailbox watchers detect new mail.
type ReceiveMode string

const (
	ReceiveModeIdle    ReceiveMode = "idle"
	ReceiveModePolling ReceiveMode = "polling"
	ReceiveModeHybrid  ReceiveMode = "hybrid"
)

// ReceiveConfig holds the mailbox watcher timing knobs.
type ReceiveConfig struct {
	Mode                ReceiveMode
	PollingInterval     time.Duration
	IdleTimeout         time.Duration
	IdleFallbackPoll    time.Duration
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration
	DialTimeout         time.Duration
	IngestTimeout       time.Duration
}

// DeletionConfig holds the deletion reconciler settings.
type DeletionConfig struct {
	Interval        time.Duration
	QuiescenceDelay time.Duration
	MaxAttempts     int
	Concurrency     int
	RatePerSecond   float64
}

// AnalysisConfig holds the summarization settings.
type AnalysisConfig struct {
	Enabled   bool
	MinLength int
	BaseURL   string
	APIKey    string
	Models    []string
	Timeout   time.Duration
}

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	APIToken            string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	LogLevel            string
	LogFormat           string
	ProvidersFile       string
	SMTPTimeout         time.Duration
	PlatformTimeout     time.Duration
	PlatformTextLimit   int

	Receive  ReceiveConfig
	Deletion DeletionConfig
	Analysis AnalysisConfig

	// Warnings collects values that were clamped or ignored while loading.
	Warnings []string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("VBRIDGE_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	defaultFormat := "json"
	if env == "development" {
		defaultFormat = "console"
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("VBRIDGE_ENCRYPTION_KEY_BASE64"),
		APIToken:            os.Getenv("VBRIDGE_API_TOKEN"),
		DBHost:              getEnvOrDefault("VBRIDGE_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("VBRIDGE_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("VBRIDGE_DB_USER", "vbridge"),
		DBPassword:          os.Getenv("VBRIDGE_DB_PASSWORD"),
		DBName:              getEnvOrDefault("VBRIDGE_DB_NAME", "vbridge"),
		DBSSLMode:           getEnvOrDefault("VBRIDGE_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		LogLevel:            getEnvOrDefault("VBRIDGE_LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("VBRIDGE_LOG_FORMAT", defaultFormat),
		ProvidersFile:       os.Getenv("PROVIDERS_FILE"),
	}

	config.SMTPTimeout = config.seconds("SMTP_TIMEOUT_SECONDS", 30, 1)
	config.PlatformTimeout = config.seconds("PLATFORM_TIMEOUT_SECONDS", 15, 1)
	config.PlatformTextLimit = config.integer("PLATFORM_TEXT_LIMIT", 4000, 200)

	config.Receive = ReceiveConfig{
		Mode:                config.receiveMode(),
		PollingInterval:     config.seconds("POLLING_INTERVAL", 300, 10),
		IdleTimeout:         config.seconds("IMAP_IDLE_TIMEOUT_SECONDS", 1740, 10),
		IdleFallbackPoll:    config.seconds("IMAP_IDLE_FALLBACK_POLL_SECONDS", 30, 1),
		ReconnectBackoff:    config.seconds("IMAP_IDLE_RECONNECT_BACKOFF_SECONDS", 5, 1),
		ReconnectBackoffMax: config.seconds("IMAP_IDLE_RECONNECT_BACKOFF_MAX_SECONDS", 300, 1),
		DialTimeout:         config.seconds("IMAP_DIAL_TIMEOUT_SECONDS", 10, 1),
		IngestTimeout:       config.seconds("INGEST_TIMEOUT_SECONDS", 120, 10),
	}
	if config.Receive.ReconnectBackoffMax < config.Receive.ReconnectBackoff {
		config.warn("IMAP_IDLE_RECONNECT_BACKOFF_MAX_SECONDS below base backoff, using base")
		config.Receive.ReconnectBackoffMax = config.Receive.ReconnectBackoff
	}

	config.Deletion = DeletionConfig{
		Interval:        config.seconds("DELETION_CHECK_INTERVAL_SECONDS", 180, 10),
		QuiescenceDelay: config.seconds("DELETION_QUIESCENCE_SECONDS", 5, 0),
		MaxAttempts:     config.integer("DELETION_MAX_ATTEMPTS", 3, 1),
		Concurrency:     config.integer("DELETION_CONCURRENCY", 4, 1),
		RatePerSecond:   float64(config.integer("PLATFORM_RATE_PER_SECOND", 10, 1)),
	}

	config.Analysis = AnalysisConfig{
		Enabled:   strings.EqualFold(os.Getenv("ENABLE_AI_SUMMARY"), "true"),
		MinLength: config.integer("AI_SUMMARY_THRESHOLD", 200, 0),
		BaseURL:   strings.TrimRight(getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		APIKey:    os.Getenv("OPENAI_API_KEY"),
		Models:    SplitList(getEnvOrDefault("OPENAI_MODELS", "gpt-4o-mini")),
		Timeout:   config.seconds("AI_TIMEOUT_SECONDS", 60, 1),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("VBRIDGE_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.APIToken == "" {
		return fmt.Errorf("VBRIDGE_API_TOKEN is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("VBRIDGE_DB_PASSWORD is required")
	}

	if c.Analysis.Enabled && c.Analysis.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when ENABLE_AI_SUMMARY is true")
	}

	if c.Analysis.Enabled && len(c.Analysis.Models) == 0 {
		return fmt.Errorf("OPENAI_MODELS must list at least one model when ENABLE_AI_SUMMARY is true")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// SplitList splits a comma-separated value, trimming blanks and dropping empty items.
func SplitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) receiveMode() ReceiveMode {
	raw := strings.ToLower(strings.TrimSpace(getEnvOrDefault("MAIL_RECEIVE_MODE", string(ReceiveModeHybrid))))
	switch ReceiveMode(raw) {
	case ReceiveModeIdle, ReceiveModePolling, ReceiveModeHybrid:
		return ReceiveMode(raw)
	default:
		c.warn(fmt.Sprintf("MAIL_RECEIVE_MODE %q is not one of idle, polling, hybrid; using hybrid", raw))
		return ReceiveModeHybrid
	}
}

// integer reads an int env var, falling back to def when unset or invalid and clamping to min.
func (c *Config) integer(key string, def, min int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		c.warn(fmt.Sprintf("%s=%q is not an integer, using %d", key, raw, def))
		return def
	}

	if value < min {
		c.warn(fmt.Sprintf("%s=%d is below the minimum %d, using %d", key, value, min, min))
		return min
	}

	return value
}

func (c *Config) seconds(key string, def, min int) time.Duration {
	return time.Duration(c.integer(key, def, min)) * time.Second
}

func (c *Config) warn(msg string) {
	c.Warnings = append(c.Warnings, msg)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
