// Package config loads hub configuration. Defaults are overridden by an
// optional YAML file (ADMP_CONFIG_FILE), which is in turn overridden by
// environment variables, so container deployments can tweak one knob
// without shipping a file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Backend names accepted for ADMP_STORAGE_BACKEND.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRemote = "remote"
)

// Config holds all hub configuration.
type Config struct {
	Port    int
	Env     string // development, test or production
	LogJSON bool

	// Storage
	StorageBackend string
	DBPath         string
	RemoteBaseURL  string
	RemoteAppID    string
	RemoteAPIKey   string

	// Agents
	HeartbeatInterval time.Duration // advised to agents at registration
	HeartbeatTimeout  time.Duration // online/offline cutoff
	KeyGrace          time.Duration // rotated keys stay valid this long

	// Inbox
	MessageTTL          time.Duration // default envelope ttl
	MaxMessageSizeKB    int
	MaxMessagesPerAgent int
	MessageRetention    time.Duration // terminal records linger this long

	// Sweeper
	CleanupInterval time.Duration
	SweepSchedule   string // optional cron expression; overrides the interval

	// HTTP
	APIKeyRequired bool
	MasterAPIKey   string
	CORSOrigin     string

	// Groups
	MaxGroupMembers int

	// Webhook dispatcher
	WebhookMaxAttempts int
	WebhookTimeout     time.Duration
	WebhookBackoffBase time.Duration
	WebhookWorkers     int
	WebhookQueueSize   int

	// Observability
	MetricsTextfile string

	// Ops notifications
	MQTTBroker        string
	MQTTTopic         string
	MQTTUsername      string
	MQTTPassword      string
	OpsWebhookURL     string
	OpsWebhookHeaders map[string]string
}

func defaults() *Config {
	return &Config{
		Port:    8080,
		Env:     "production",
		LogJSON: true,

		StorageBackend: BackendMemory,
		DBPath:         "/data/admp.db",

		HeartbeatInterval: time.Minute,
		HeartbeatTimeout:  5 * time.Minute,
		KeyGrace:          5 * time.Minute,

		MessageTTL:          24 * time.Hour,
		MaxMessageSizeKB:    1024,
		MaxMessagesPerAgent: 10000,
		MessageRetention:    time.Hour,

		CleanupInterval: time.Minute,

		CORSOrigin: "*",

		MaxGroupMembers: 100,

		WebhookMaxAttempts: 3,
		WebhookTimeout:     10 * time.Second,
		WebhookBackoffBase: time.Second,
		WebhookWorkers:     4,
		WebhookQueueSize:   256,

		MQTTTopic: "admp/events",
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, in that order of precedence.
func Load() (*Config, error) {
	c := defaults()

	if path := os.Getenv("ADMP_CONFIG_FILE"); path != "" {
		if err := c.applyFile(path); err != nil {
			return nil, err
		}
	}

	c.Port = envInt("ADMP_PORT", envInt("PORT", c.Port))
	c.Env = envStr("ADMP_ENV", c.Env)
	c.LogJSON = envBool("ADMP_LOG_JSON", c.LogJSON)

	c.StorageBackend = envStr("ADMP_STORAGE_BACKEND", c.StorageBackend)
	c.DBPath = envStr("ADMP_DB_PATH", c.DBPath)
	c.RemoteBaseURL = envStr("ADMP_REMOTE_BASE_URL", c.RemoteBaseURL)
	c.RemoteAppID = envStr("ADMP_REMOTE_APP_ID", c.RemoteAppID)
	c.RemoteAPIKey = envStr("ADMP_REMOTE_API_KEY", c.RemoteAPIKey)

	c.HeartbeatInterval = envMS("ADMP_HEARTBEAT_INTERVAL_MS", c.HeartbeatInterval)
	c.HeartbeatTimeout = envMS("ADMP_HEARTBEAT_TIMEOUT_MS", c.HeartbeatTimeout)
	c.KeyGrace = envSec("ADMP_KEY_GRACE_SEC", c.KeyGrace)

	c.MessageTTL = envSec("ADMP_MESSAGE_TTL_SEC", c.MessageTTL)
	c.MaxMessageSizeKB = envInt("ADMP_MAX_MESSAGE_SIZE_KB", c.MaxMessageSizeKB)
	c.MaxMessagesPerAgent = envInt("ADMP_MAX_MESSAGES_PER_AGENT", c.MaxMessagesPerAgent)
	c.MessageRetention = envSec("ADMP_MESSAGE_RETENTION_SEC", c.MessageRetention)

	c.CleanupInterval = envMS("ADMP_CLEANUP_INTERVAL_MS", c.CleanupInterval)
	c.SweepSchedule = envStr("ADMP_SWEEP_SCHEDULE", c.SweepSchedule)

	c.APIKeyRequired = envBool("ADMP_API_KEY_REQUIRED", c.APIKeyRequired)
	c.MasterAPIKey = envStr("ADMP_MASTER_API_KEY", c.MasterAPIKey)
	c.CORSOrigin = envStr("ADMP_CORS_ORIGIN", c.CORSOrigin)

	c.MaxGroupMembers = envInt("ADMP_MAX_GROUP_MEMBERS", c.MaxGroupMembers)

	c.WebhookMaxAttempts = envInt("ADMP_WEBHOOK_MAX_ATTEMPTS", c.WebhookMaxAttempts)
	c.WebhookTimeout = envDuration("ADMP_WEBHOOK_TIMEOUT", c.WebhookTimeout)
	c.WebhookBackoffBase = envDuration("ADMP_WEBHOOK_BACKOFF_BASE", c.WebhookBackoffBase)
	c.WebhookWorkers = envInt("ADMP_WEBHOOK_WORKERS", c.WebhookWorkers)
	c.WebhookQueueSize = envInt("ADMP_WEBHOOK_QUEUE_SIZE", c.WebhookQueueSize)

	c.MetricsTextfile = envStr("ADMP_METRICS_TEXTFILE", c.MetricsTextfile)

	c.MQTTBroker = envStr("ADMP_MQTT_BROKER", c.MQTTBroker)
	c.MQTTTopic = envStr("ADMP_MQTT_TOPIC", c.MQTTTopic)
	c.MQTTUsername = envStr("ADMP_MQTT_USERNAME", c.MQTTUsername)
	c.MQTTPassword = envStr("ADMP_MQTT_PASSWORD", c.MQTTPassword)
	c.OpsWebhookURL = envStr("ADMP_OPS_WEBHOOK_URL", c.OpsWebhookURL)

	return c, nil
}

// fileConfig mirrors Config with pointer fields so the overlay only
// touches keys the file actually sets.
type fileConfig struct {
	Port    *int    `yaml:"port"`
	Env     *string `yaml:"env"`
	LogJSON *bool   `yaml:"log_json"`

	StorageBackend *string `yaml:"storage_backend"`
	DBPath         *string `yaml:"db_path"`
	RemoteBaseURL  *string `yaml:"remote_base_url"`
	RemoteAppID    *string `yaml:"remote_app_id"`
	RemoteAPIKey   *string `yaml:"remote_api_key"`

	HeartbeatIntervalMS *int64 `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  *int64 `yaml:"heartbeat_timeout_ms"`
	KeyGraceSec         *int64 `yaml:"key_grace_sec"`

	MessageTTLSec       *int64 `yaml:"message_ttl_sec"`
	MaxMessageSizeKB    *int   `yaml:"max_message_size_kb"`
	MaxMessagesPerAgent *int   `yaml:"max_messages_per_agent"`
	MessageRetentionSec *int64 `yaml:"message_retention_sec"`

	CleanupIntervalMS *int64  `yaml:"cleanup_interval_ms"`
	SweepSchedule     *string `yaml:"sweep_schedule"`

	APIKeyRequired *bool   `yaml:"api_key_required"`
	MasterAPIKey   *string `yaml:"master_api_key"`
	CORSOrigin     *string `yaml:"cors_origin"`

	MaxGroupMembers *int `yaml:"max_group_members"`

	WebhookMaxAttempts *int    `yaml:"webhook_max_attempts"`
	WebhookTimeout     *string `yaml:"webhook_timeout"`
	WebhookBackoffBase *string `yaml:"webhook_backoff_base"`
	WebhookWorkers     *int    `yaml:"webhook_workers"`
	WebhookQueueSize   *int    `yaml:"webhook_queue_size"`

	MetricsTextfile *string `yaml:"metrics_textfile"`

	MQTTBroker        *string           `yaml:"mqtt_broker"`
	MQTTTopic         *string           `yaml:"mqtt_topic"`
	MQTTUsername      *string           `yaml:"mqtt_username"`
	MQTTPassword      *string           `yaml:"mqtt_password"`
	OpsWebhookURL     *string           `yaml:"ops_webhook_url"`
	OpsWebhookHeaders map[string]string `yaml:"ops_webhook_headers"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setMS := func(dst *time.Duration, src *int64) {
		if src != nil {
			*dst = time.Duration(*src) * time.Millisecond
		}
	}
	setSec := func(dst *time.Duration, src *int64) {
		if src != nil {
			*dst = time.Duration(*src) * time.Second
		}
	}
	setDur := func(dst *time.Duration, src *string) {
		if src == nil {
			return
		}
		if d, err := time.ParseDuration(*src); err == nil {
			*dst = d
		}
	}

	setInt(&c.Port, f.Port)
	setStr(&c.Env, f.Env)
	setBool(&c.LogJSON, f.LogJSON)
	setStr(&c.StorageBackend, f.StorageBackend)
	setStr(&c.DBPath, f.DBPath)
	setStr(&c.RemoteBaseURL, f.RemoteBaseURL)
	setStr(&c.RemoteAppID, f.RemoteAppID)
	setStr(&c.RemoteAPIKey, f.RemoteAPIKey)
	setMS(&c.HeartbeatInterval, f.HeartbeatIntervalMS)
	setMS(&c.HeartbeatTimeout, f.HeartbeatTimeoutMS)
	setSec(&c.KeyGrace, f.KeyGraceSec)
	setSec(&c.MessageTTL, f.MessageTTLSec)
	setInt(&c.MaxMessageSizeKB, f.MaxMessageSizeKB)
	setInt(&c.MaxMessagesPerAgent, f.MaxMessagesPerAgent)
	setSec(&c.MessageRetention, f.MessageRetentionSec)
	setMS(&c.CleanupInterval, f.CleanupIntervalMS)
	setStr(&c.SweepSchedule, f.SweepSchedule)
	setBool(&c.APIKeyRequired, f.APIKeyRequired)
	setStr(&c.MasterAPIKey, f.MasterAPIKey)
	setStr(&c.CORSOrigin, f.CORSOrigin)
	setInt(&c.MaxGroupMembers, f.MaxGroupMembers)
	setInt(&c.WebhookMaxAttempts, f.WebhookMaxAttempts)
	setDur(&c.WebhookTimeout, f.WebhookTimeout)
	setDur(&c.WebhookBackoffBase, f.WebhookBackoffBase)
	setInt(&c.WebhookWorkers, f.WebhookWorkers)
	setInt(&c.WebhookQueueSize, f.WebhookQueueSize)
	setStr(&c.MetricsTextfile, f.MetricsTextfile)
	setStr(&c.MQTTBroker, f.MQTTBroker)
	setStr(&c.MQTTTopic, f.MQTTTopic)
	setStr(&c.MQTTUsername, f.MQTTUsername)
	setStr(&c.MQTTPassword, f.MQTTPassword)
	setStr(&c.OpsWebhookURL, f.OpsWebhookURL)
	if f.OpsWebhookHeaders != nil {
		c.OpsWebhookHeaders = f.OpsWebhookHeaders
	}

	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("ADMP_PORT must be 1-65535, got %d", c.Port))
	}
	switch c.Env {
	case "development", "test", "production":
		// valid
	default:
		errs = append(errs, fmt.Errorf("ADMP_ENV must be development, test, or production, got %q", c.Env))
	}
	switch c.StorageBackend {
	case BackendMemory:
		// no extra requirements
	case BackendBolt:
		if c.DBPath == "" {
			errs = append(errs, errors.New("ADMP_DB_PATH is required for the bolt backend"))
		}
	case BackendRemote:
		if c.RemoteBaseURL == "" || c.RemoteAppID == "" {
			errs = append(errs, errors.New("ADMP_REMOTE_BASE_URL and ADMP_REMOTE_APP_ID are required for the remote backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ADMP_STORAGE_BACKEND must be memory, bolt, or remote, got %q", c.StorageBackend))
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ADMP_HEARTBEAT_TIMEOUT_MS must be > 0, got %s", c.HeartbeatTimeout))
	}
	if c.MessageTTL <= 0 {
		errs = append(errs, fmt.Errorf("ADMP_MESSAGE_TTL_SEC must be > 0, got %s", c.MessageTTL))
	}
	if c.MaxMessageSizeKB <= 0 {
		errs = append(errs, fmt.Errorf("ADMP_MAX_MESSAGE_SIZE_KB must be > 0, got %d", c.MaxMessageSizeKB))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("ADMP_CLEANUP_INTERVAL_MS must be > 0, got %s", c.CleanupInterval))
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("ADMP_SWEEP_SCHEDULE is not a valid cron expression: %v", err))
		}
	}
	if c.APIKeyRequired && c.MasterAPIKey == "" {
		errs = append(errs, errors.New("ADMP_MASTER_API_KEY is required when ADMP_API_KEY_REQUIRED is set"))
	}
	if c.WebhookMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ADMP_WEBHOOK_MAX_ATTEMPTS must be >= 1, got %d", c.WebhookMaxAttempts))
	}
	if c.WebhookWorkers < 1 {
		errs = append(errs, fmt.Errorf("ADMP_WEBHOOK_WORKERS must be >= 1, got %d", c.WebhookWorkers))
	}
	return errors.Join(errs...)
}

// Development reports whether the hub runs with relaxed defaults.
func (c *Config) Development() bool { return c.Env == "development" }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envMS reads integer milliseconds, the unit the wire-level options use.
func envMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// envSec reads integer seconds.
func envSec(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
