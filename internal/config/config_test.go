package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		k := strings.SplitN(kv, "=", 2)[0]
		if strings.HasPrefix(k, "ADMP_") || k == "PORT" {
			t.Setenv(k, "")
			os.Unsetenv(k)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("Env = %q, want production", cfg.Env)
	}
	if cfg.StorageBackend != BackendMemory {
		t.Errorf("StorageBackend = %q, want memory", cfg.StorageBackend)
	}
	if cfg.HeartbeatTimeout != 5*time.Minute {
		t.Errorf("HeartbeatTimeout = %s, want 5m", cfg.HeartbeatTimeout)
	}
	if cfg.MessageTTL != 24*time.Hour {
		t.Errorf("MessageTTL = %s, want 24h", cfg.MessageTTL)
	}
	if cfg.MaxMessageSizeKB != 1024 {
		t.Errorf("MaxMessageSizeKB = %d, want 1024", cfg.MaxMessageSizeKB)
	}
	if cfg.MaxMessagesPerAgent != 10000 {
		t.Errorf("MaxMessagesPerAgent = %d, want 10000", cfg.MaxMessagesPerAgent)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %s, want 1m", cfg.CleanupInterval)
	}
	if cfg.MessageRetention != time.Hour {
		t.Errorf("MessageRetention = %s, want 1h", cfg.MessageRetention)
	}
	if cfg.CORSOrigin != "*" {
		t.Errorf("CORSOrigin = %q, want *", cfg.CORSOrigin)
	}
	if cfg.WebhookMaxAttempts != 3 {
		t.Errorf("WebhookMaxAttempts = %d, want 3", cfg.WebhookMaxAttempts)
	}
	if cfg.WebhookTimeout != 10*time.Second {
		t.Errorf("WebhookTimeout = %s, want 10s", cfg.WebhookTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMP_PORT", "9090")
	t.Setenv("ADMP_ENV", "development")
	t.Setenv("ADMP_STORAGE_BACKEND", "bolt")
	t.Setenv("ADMP_HEARTBEAT_TIMEOUT_MS", "120000")
	t.Setenv("ADMP_MESSAGE_TTL_SEC", "3600")
	t.Setenv("ADMP_API_KEY_REQUIRED", "true")
	t.Setenv("ADMP_MASTER_API_KEY", "supersecret")
	t.Setenv("ADMP_WEBHOOK_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if !cfg.Development() {
		t.Error("Development() = false, want true")
	}
	if cfg.StorageBackend != BackendBolt {
		t.Errorf("StorageBackend = %q, want bolt", cfg.StorageBackend)
	}
	if cfg.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("HeartbeatTimeout = %s, want 2m", cfg.HeartbeatTimeout)
	}
	if cfg.MessageTTL != time.Hour {
		t.Errorf("MessageTTL = %s, want 1h", cfg.MessageTTL)
	}
	if !cfg.APIKeyRequired {
		t.Error("APIKeyRequired = false, want true")
	}
	if cfg.WebhookTimeout != 5*time.Second {
		t.Errorf("WebhookTimeout = %s, want 5s", cfg.WebhookTimeout)
	}
}

func TestLoadPortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000 from bare PORT", cfg.Port)
	}

	// ADMP_PORT wins over PORT.
	t.Setenv("ADMP_PORT", "4000")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 4000 {
		t.Errorf("Port = %d, want 4000 from ADMP_PORT", cfg.Port)
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "hub.yaml")
	body := `
port: 7070
storage_backend: bolt
db_path: /tmp/hub.db
message_ttl_sec: 7200
webhook_timeout: 3s
ops_webhook_url: https://ops.example.com/hook
ops_webhook_headers:
  Authorization: Bearer tok
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ADMP_CONFIG_FILE", path)
	// Environment still wins over the file.
	t.Setenv("ADMP_PORT", "7071")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7071 {
		t.Errorf("Port = %d, want env override 7071", cfg.Port)
	}
	if cfg.StorageBackend != BackendBolt {
		t.Errorf("StorageBackend = %q, want bolt", cfg.StorageBackend)
	}
	if cfg.DBPath != "/tmp/hub.db" {
		t.Errorf("DBPath = %q, want /tmp/hub.db", cfg.DBPath)
	}
	if cfg.MessageTTL != 2*time.Hour {
		t.Errorf("MessageTTL = %s, want 2h", cfg.MessageTTL)
	}
	if cfg.WebhookTimeout != 3*time.Second {
		t.Errorf("WebhookTimeout = %s, want 3s", cfg.WebhookTimeout)
	}
	if cfg.OpsWebhookURL != "https://ops.example.com/hook" {
		t.Errorf("OpsWebhookURL = %q", cfg.OpsWebhookURL)
	}
	if cfg.OpsWebhookHeaders["Authorization"] != "Bearer tok" {
		t.Errorf("OpsWebhookHeaders = %v", cfg.OpsWebhookHeaders)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	clearEnv(t)

	t.Setenv("ADMP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("want error for missing config file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("port: [not an int"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ADMP_CONFIG_FILE", bad)
	if _, err := Load(); err == nil {
		t.Error("want error for malformed config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"port zero", func(c *Config) { c.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Port = 70000 }, true},
		{"bad env", func(c *Config) { c.Env = "staging" }, true},
		{"bad backend", func(c *Config) { c.StorageBackend = "postgres" }, true},
		{"bolt without path", func(c *Config) { c.StorageBackend = BackendBolt; c.DBPath = "" }, true},
		{"remote without url", func(c *Config) { c.StorageBackend = BackendRemote }, true},
		{"remote complete", func(c *Config) {
			c.StorageBackend = BackendRemote
			c.RemoteBaseURL = "https://docs.example.com"
			c.RemoteAppID = "admp"
		}, false},
		{"zero heartbeat timeout", func(c *Config) { c.HeartbeatTimeout = 0 }, true},
		{"zero message ttl", func(c *Config) { c.MessageTTL = 0 }, true},
		{"zero cleanup interval", func(c *Config) { c.CleanupInterval = 0 }, true},
		{"bad cron", func(c *Config) { c.SweepSchedule = "every 5 minutes" }, true},
		{"good cron", func(c *Config) { c.SweepSchedule = "*/5 * * * *" }, false},
		{"key required without master", func(c *Config) { c.APIKeyRequired = true }, true},
		{"key required with master", func(c *Config) { c.APIKeyRequired = true; c.MasterAPIKey = "k" }, false},
		{"zero webhook attempts", func(c *Config) { c.WebhookMaxAttempts = 0 }, true},
		{"zero webhook workers", func(c *Config) { c.WebhookWorkers = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("ADMP_T_STR", "custom")
	if got := envStr("ADMP_T_STR", "default"); got != "custom" {
		t.Errorf("envStr = %q, want custom", got)
	}
	if got := envStr("ADMP_T_MISSING", "fallback"); got != "fallback" {
		t.Errorf("envStr = %q, want fallback", got)
	}

	t.Setenv("ADMP_T_INT", "42")
	if got := envInt("ADMP_T_INT", 0); got != 42 {
		t.Errorf("envInt = %d, want 42", got)
	}
	t.Setenv("ADMP_T_INT", "notanumber")
	if got := envInt("ADMP_T_INT", 99); got != 99 {
		t.Errorf("envInt = %d, want 99 (default on parse failure)", got)
	}

	t.Setenv("ADMP_T_BOOL", "invalid")
	if got := envBool("ADMP_T_BOOL", true); !got {
		t.Error("envBool = false, want default true on parse failure")
	}

	t.Setenv("ADMP_T_MS", "1500")
	if got := envMS("ADMP_T_MS", time.Second); got != 1500*time.Millisecond {
		t.Errorf("envMS = %s, want 1.5s", got)
	}
	t.Setenv("ADMP_T_SEC", "90")
	if got := envSec("ADMP_T_SEC", time.Second); got != 90*time.Second {
		t.Errorf("envSec = %s, want 90s", got)
	}
	t.Setenv("ADMP_T_DUR", "5m")
	if got := envDuration("ADMP_T_DUR", time.Hour); got != 5*time.Minute {
		t.Errorf("envDuration = %s, want 5m", got)
	}
}
