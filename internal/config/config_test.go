package config

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VBRIDGE_ENV", "production")
	t.Setenv("VBRIDGE_ENCRYPTION_KEY_BASE64", "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM=")
	t.Setenv("VBRIDGE_API_TOKEN", "secret-token")
	t.Setenv("VBRIDGE_DB_PASSWORD", "test-password")
}

func TestNewConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VBRIDGE_DB_HOST", "db")
	t.Setenv("VBRIDGE_DB_USER", "test-user")
	t.Setenv("VBRIDGE_DB_NAME", "testdb")
	t.Setenv("PORT", "3000")
	t.Setenv("MAIL_RECEIVE_MODE", "IDLE")
	t.Setenv("POLLING_INTERVAL", "60")
	t.Setenv("OPENAI_MODELS", " model-a, ,model-b ")

	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	if config.Environment != "production" {
		t.Errorf("expected Environment 'production', got '%s'", config.Environment)
	}
	if config.DBHost != "db" {
		t.Errorf("expected DBHost 'db', got '%s'", config.DBHost)
	}
	if config.DBUsername != "test-user" {
		t.Errorf("expected DBUsername 'test-user', got '%s'", config.DBUsername)
	}
	if config.Port != "3000" {
		t.Errorf("expected Port '3000', got '%s'", config.Port)
	}
	if config.Receive.Mode != ReceiveModeIdle {
		t.Errorf("expected receive mode idle, got %q", config.Receive.Mode)
	}
	if config.Receive.PollingInterval != time.Minute {
		t.Errorf("expected polling interval 1m, got %v", config.Receive.PollingInterval)
	}
	if strings.Join(config.Analysis.Models, "|") != "model-a|model-b" {
		t.Errorf("unexpected models: %v", config.Analysis.Models)
	}
	if config.LogFormat != "json" {
		t.Errorf("expected json log format outside development, got %q", config.LogFormat)
	}
}

func TestNewConfigWithDefaults(t *testing.T) {
	setRequiredEnv(t)

	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"db host", config.DBHost, "localhost"},
		{"db user", config.DBUsername, "vbridge"},
		{"port", config.Port, "8080"},
		{"receive mode", config.Receive.Mode, ReceiveModeHybrid},
		{"polling interval", config.Receive.PollingInterval, 300 * time.Second},
		{"idle timeout", config.Receive.IdleTimeout, 1740 * time.Second},
		{"idle fallback poll", config.Receive.IdleFallbackPoll, 30 * time.Second},
		{"reconnect backoff", config.Receive.ReconnectBackoff, 5 * time.Second},
		{"reconnect backoff max", config.Receive.ReconnectBackoffMax, 300 * time.Second},
		{"smtp timeout", config.SMTPTimeout, 30 * time.Second},
		{"deletion interval", config.Deletion.Interval, 3 * time.Minute},
		{"quiescence delay", config.Deletion.QuiescenceDelay, 5 * time.Second},
		{"analysis enabled", config.Analysis.Enabled, false},
		{"analysis threshold", config.Analysis.MinLength, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}

func TestNewConfigClampsInvalidValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLLING_INTERVAL", "3")
	t.Setenv("IMAP_IDLE_FALLBACK_POLL_SECONDS", "soon")
	t.Setenv("MAIL_RECEIVE_MODE", "push")

	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	if config.Receive.PollingInterval != 10*time.Second {
		t.Errorf("expected polling interval clamped to 10s, got %v", config.Receive.PollingInterval)
	}
	if config.Receive.IdleFallbackPoll != 30*time.Second {
		t.Errorf("expected fallback poll default 30s, got %v", config.Receive.IdleFallbackPoll)
	}
	if config.Receive.Mode != ReceiveModeHybrid {
		t.Errorf("expected hybrid fallback, got %q", config.Receive.Mode)
	}
	if len(config.Warnings) != 3 {
		t.Errorf("expected 3 warnings, got %d: %v", len(config.Warnings), config.Warnings)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			EncryptionKeyBase64: "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM=",
			APIToken:            "token",
			DBPassword:          "password",
		}
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		shouldErr bool
		errMsg    string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:      "missing encryption key",
			mutate:    func(c *Config) { c.EncryptionKeyBase64 = "" },
			shouldErr: true,
			errMsg:    "VBRIDGE_ENCRYPTION_KEY_BASE64 is required",
		},
		{
			name:      "missing api token",
			mutate:    func(c *Config) { c.APIToken = "" },
			shouldErr: true,
			errMsg:    "VBRIDGE_API_TOKEN is required",
		},
		{
			name:      "missing DB password",
			mutate:    func(c *Config) { c.DBPassword = "" },
			shouldErr: true,
			errMsg:    "VBRIDGE_DB_PASSWORD is required",
		},
		{
			name: "analysis without key",
			mutate: func(c *Config) {
				c.Analysis.Enabled = true
				c.Analysis.Models = []string{"m"}
			},
			shouldErr: true,
			errMsg:    "OPENAI_API_KEY is required when ENABLE_AI_SUMMARY is true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)
			err := config.Validate()
			if tt.shouldErr && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("expected no error but got: %v", err)
			}
			if tt.shouldErr && err != nil && err.Error() != tt.errMsg {
				t.Errorf("expected error message '%s', got '%s'", tt.errMsg, err.Error())
			}
		})
	}
}

func TestGetDatabaseURL(t *testing.T) {
	config := &Config{
		DBUsername: "test-user",
		DBPassword: "password",
		DBHost:     "localhost",
		DBPort:     "5432",
		DBName:     "testdb",
		DBSSLMode:  "disable",
	}

	parsed, err := url.Parse(config.GetDatabaseURL())
	if err != nil {
		t.Fatalf("failed to parse URL: %v", err)
	}
	if parsed.Scheme != "postgres" {
		t.Errorf("expected postgres scheme, got %s", parsed.Scheme)
	}
	if parsed.Path != "/testdb" {
		t.Errorf("expected path /testdb, got %s", parsed.Path)
	}
	if parsed.Query().Get("sslmode") != "disable" {
		t.Errorf("expected sslmode=disable, got %s", parsed.Query().Get("sslmode"))
	}
}
