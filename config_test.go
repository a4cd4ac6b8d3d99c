package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// CONFIGURATION TESTS
// =============================================================================

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Telegram.APIBaseURL != "https://api.telegram.org" {
		t.Errorf("Unexpected default API base URL: %q", cfg.Telegram.APIBaseURL)
	}
	if cfg.Telegram.BotToken != "" {
		t.Error("Expected bot token to default to empty")
	}
	if cfg.Database.Path != "./notekeep.db" {
		t.Errorf("Unexpected default database path: %q", cfg.Database.Path)
	}
	if !cfg.Database.WalMode {
		t.Error("Expected WAL mode on by default")
	}
	if cfg.Checker.Schedule != "0 3 * * *" {
		t.Errorf("Unexpected default schedule: %q", cfg.Checker.Schedule)
	}
	if cfg.Checker.BatchSize != 50 {
		t.Errorf("Unexpected default batch size: %d", cfg.Checker.BatchSize)
	}
	if cfg.Checker.MaxAgeDays != 90 {
		t.Errorf("Unexpected default max age: %d", cfg.Checker.MaxAgeDays)
	}
	if cfg.Checker.NotFoundCooldownDays != 180 {
		t.Errorf("Unexpected default cooldown: %d", cfg.Checker.NotFoundCooldownDays)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Unexpected default port: %d", cfg.Web.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("Unexpected logging defaults: %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadConfig_PartialOverride(t *testing.T) {
	path := writeConfigFile(t, `
[telegram]
bot_token = "123:abc"

[checker]
batch_size = 10

[web]
port = 9090
`)

	cfg := defaultConfig()
	if err := loadConfig(path, &cfg); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("Expected overridden bot token, got %q", cfg.Telegram.BotToken)
	}
	if cfg.Checker.BatchSize != 10 {
		t.Errorf("Expected overridden batch size, got %d", cfg.Checker.BatchSize)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("Expected overridden port, got %d", cfg.Web.Port)
	}

	// Untouched sections keep their defaults.
	if cfg.Telegram.APIBaseURL != "https://api.telegram.org" {
		t.Errorf("Expected default API base URL to survive, got %q", cfg.Telegram.APIBaseURL)
	}
	if cfg.Checker.Schedule != "0 3 * * *" {
		t.Errorf("Expected default schedule to survive, got %q", cfg.Checker.Schedule)
	}
	if cfg.Database.Path != "./notekeep.db" {
		t.Errorf("Expected default database path to survive, got %q", cfg.Database.Path)
	}
}

func TestLoadConfig_ExplicitZeroValue(t *testing.T) {
	path := writeConfigFile(t, `
[database]
wal_mode = false
`)

	cfg := defaultConfig()
	if err := loadConfig(path, &cfg); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.WalMode {
		t.Error("Expected explicit wal_mode = false to override the default")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg := defaultConfig()
	if err := loadConfig("/nonexistent/config.toml", &cfg); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	path := writeConfigFile(t, "this is not [valid toml")

	cfg := defaultConfig()
	if err := loadConfig(path, &cfg); err == nil {
		t.Error("Expected error for invalid TOML")
	}
}

func TestTimeoutAccessors(t *testing.T) {
	cfg := defaultConfig()

	if cfg.fetchTimeout() != 10*time.Second {
		t.Errorf("Unexpected fetch timeout: %v", cfg.fetchTimeout())
	}
	if cfg.createFetchTimeout() != 5*time.Second {
		t.Errorf("Unexpected create fetch timeout: %v", cfg.createFetchTimeout())
	}
	if cfg.pollTimeout() != 30*time.Second {
		t.Errorf("Unexpected poll timeout: %v", cfg.pollTimeout())
	}

	cfg.Fetch.Timeout = "2s"
	if cfg.fetchTimeout() != 2*time.Second {
		t.Errorf("Expected configured fetch timeout, got %v", cfg.fetchTimeout())
	}

	cfg.Fetch.Timeout = "garbage"
	if cfg.fetchTimeout() != 10*time.Second {
		t.Errorf("Expected fallback for malformed duration, got %v", cfg.fetchTimeout())
	}

	cfg.Fetch.Timeout = "-5s"
	if cfg.fetchTimeout() != 10*time.Second {
		t.Errorf("Expected fallback for negative duration, got %v", cfg.fetchTimeout())
	}
}
