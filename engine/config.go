package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/arturoeanton/gocommons/utils"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. NFLOW_DATABASE_DSN.
const EnvPrefix = "NFLOW"

// ConfigWorkspace represents the complete configuration of nflow-automate.
// It is read from config.toml and then overridden from the environment.
type ConfigWorkspace struct {
	ServerConfig     ServerConfig     `toml:"server" envconfig:"server"`
	DatabaseConfig   DatabaseConfig   `toml:"database" envconfig:"database"`
	RedisConfig      RedisConfig      `toml:"redis" envconfig:"redis"`
	EngineConfig     EngineConfig     `toml:"engine" envconfig:"engine"`
	SlackConfig      SlackConfig      `toml:"slack" envconfig:"slack"`
	NotionConfig     NotionConfig     `toml:"notion" envconfig:"notion"`
	GoogleConfig     GoogleConfig     `toml:"google" envconfig:"google"`
	MailConfig       MailConfig       `toml:"mail" envconfig:"mail"`
	TwilioConfig     TwilioConfig     `toml:"twilio" envconfig:"twilio"`
	ScriptConfig     ScriptConfig     `toml:"script" envconfig:"script"`
	EncryptionConfig EncryptionConfig `toml:"encryption" envconfig:"encryption"`
	TrackerConfig    TrackerConfig    `toml:"tracker" envconfig:"tracker"`
	RateLimitConfig  RateLimitConfig  `toml:"rate_limit" envconfig:"rate_limit"`
	MonitorConfig    MonitorConfig    `toml:"monitor" envconfig:"monitor"`
	DebugConfig      DebugConfig      `toml:"debug" envconfig:"debug"`
}

type ServerConfig struct {
	Address         string        `toml:"address" split_words:"true"`          // Listen address (default: :8080)
	PublicURL       string        `toml:"public_url" split_words:"true"`       // Externally reachable base URL, used in logs only
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" split_words:"true"` // Grace period for in-flight requests (default: 10s)
}

type DatabaseConfig struct {
	Driver          string        `toml:"driver" split_words:"true"`            // sqlite3, postgres or mysql (default: sqlite3)
	DSN             string        `toml:"dsn" split_words:"true"`               // Driver DSN (default: nflow.db)
	MigrationsURL   string        `toml:"migrations_url" split_words:"true"`    // golang-migrate database URL, derived from the DSN when empty
	MaxOpenConns    int           `toml:"max_open_conns" split_words:"true"`    // 0 picks a per-driver default
	MaxIdleConns    int           `toml:"max_idle_conns" split_words:"true"`    // 0 picks a per-driver default
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" split_words:"true"` // (default: 5m)
}

type RedisConfig struct {
	Host              string `toml:"host" split_words:"true"` // host:port, empty disables redis
	Password          string `toml:"password" split_words:"true"`
	DB                int    `toml:"db" split_words:"true"`
	MaxConnectionPool int    `toml:"max_connection_pool" split_words:"true"`
}

// EngineConfig tunes event matching and dispatch.
type EngineConfig struct {
	FreshnessWindow  time.Duration `toml:"freshness_window" split_words:"true"`   // Events older than this are dropped (default: 2s)
	ConnectorTimeout time.Duration `toml:"connector_timeout" split_words:"true"`  // Bound on a single connector call (default: 15s)
	ParallelPaths    bool          `toml:"parallel_paths" split_words:"true"`     // Walk the paths of one run concurrently (default: false)
	CompiledCacheTTL time.Duration `toml:"compiled_cache_ttl" split_words:"true"` // In-memory lifetime of compiled paths (default: 30m)
	DedupeBackend    string        `toml:"dedupe_backend" split_words:"true"`     // memory or redis (default: memory)
	DedupeTTL        time.Duration `toml:"dedupe_ttl" split_words:"true"`         // How long an event id is remembered (default: 10m)
	RunTimeout       time.Duration `toml:"run_timeout" split_words:"true"`        // Upper bound for one workflow run (default: 2m)
}

type SlackConfig struct {
	SigningSecret string `toml:"signing_secret" split_words:"true"` // Verifies inbound webhooks, empty disables the check
	APIBaseURL    string `toml:"api_base_url" split_words:"true"`   // (default: https://slack.com/api)
}

type NotionConfig struct {
	APIBaseURL string `toml:"api_base_url" split_words:"true"` // (default: https://api.notion.com/v1)
	Version    string `toml:"version" split_words:"true"`      // Notion-Version header (default: 2022-06-28)
}

type GoogleConfig struct {
	CalendarBaseURL string `toml:"calendar_base_url" split_words:"true"` // (default: https://www.googleapis.com/calendar/v3)
}

type MailConfig struct {
	SMTP     string `toml:"smtp" split_words:"true"` // (default: smtp.gmail.com)
	Port     string `toml:"port" split_words:"true"` // (default: 587)
	From     string `toml:"from" split_words:"true"`
	Password string `toml:"password" split_words:"true"` // Used when the workflow credential carries no token
}

type TwilioConfig struct {
	Enable     bool   `toml:"enable" split_words:"true"`
	AccountSid string `toml:"account_sid" split_words:"true"`
	AuthToken  string `toml:"auth_token" split_words:"true"`
	From       string `toml:"from" split_words:"true"` // Default sender number
}

type ScriptConfig struct {
	MaxExecution  time.Duration `toml:"max_execution" split_words:"true"`  // Hard stop for one script (default: 5s)
	BlockSeverity string        `toml:"block_severity" split_words:"true"` // Lowest analyzer finding that rejects a script: low, medium, high or off (default: high)
}

type EncryptionConfig struct {
	Key string `toml:"key" split_words:"true"` // Base64 32 byte key or passphrase for stored credentials
}

// TrackerConfig configures the step tracker that persists run steps.
type TrackerConfig struct {
	Enabled        bool `toml:"enabled" split_words:"true"`         // (default: false)
	Workers        int  `toml:"workers" split_words:"true"`         // Number of worker goroutines (default: 4)
	BatchSize      int  `toml:"batch_size" split_words:"true"`      // Batch size for database inserts (default: 100)
	FlushInterval  int  `toml:"flush_interval" split_words:"true"`  // Flush interval in milliseconds (default: 250)
	ChannelBuffer  int  `toml:"channel_buffer" split_words:"true"`  // Channel buffer size (default: 10000)
	VerboseLogging bool `toml:"verbose_logging" split_words:"true"` // (default: false)

	RedactOutputs  bool   `toml:"redact_outputs" split_words:"true"`  // Mask or seal secrets found in step outputs before they are stored (default: true)
	RedactPatterns string `toml:"redact_patterns" split_words:"true"` // Comma-separated detector names, empty for the defaults
}

// RateLimitConfig limits inbound webhook deliveries per credential key.
type RateLimitConfig struct {
	Enabled          bool   `toml:"enabled" split_words:"true"`            // (default: false)
	Rate             int    `toml:"rate" split_words:"true"`               // Deliveries per key per window (default: 120)
	WindowMinutes    int    `toml:"window_minutes" split_words:"true"`     // (default: 1)
	BurstSize        int    `toml:"burst_size" split_words:"true"`         // (default: 20)
	Backend          string `toml:"backend" split_words:"true"`            // memory or redis (default: memory)
	CleanupInterval  int    `toml:"cleanup_interval" split_words:"true"`   // Minutes between bucket sweeps (default: 10)
	RetryAfterHeader bool   `toml:"retry_after_header" split_words:"true"` // (default: true)
	ErrorMessage     string `toml:"error_message" split_words:"true"`
	ExcludedKeys     string `toml:"excluded_keys" split_words:"true"` // Comma-separated credential keys never limited
}

type MonitorConfig struct {
	Enabled               bool   `toml:"enabled" split_words:"true"`                 // (default: true)
	HealthCheckPath       string `toml:"health_check_path" split_words:"true"`       // (default: /health)
	MetricsPath           string `toml:"metrics_path" split_words:"true"`            // (default: /metrics)
	EnableDetailedMetrics bool   `toml:"enable_detailed_metrics" split_words:"true"` // Per-connector counters
}

type DebugConfig struct {
	Enabled    bool   `toml:"enabled" split_words:"true"`     // (default: false)
	AuthToken  string `toml:"auth_token" split_words:"true"`  // Optional X-Debug-Token value
	AllowedIPs string `toml:"allowed_ips" split_words:"true"` // Comma-separated list of allowed IPs (empty = all)
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() ConfigWorkspace {
	return ConfigWorkspace{
		ServerConfig: ServerConfig{Address: ":8080", ShutdownTimeout: 10 * time.Second},
		DatabaseConfig: DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "nflow.db",
			ConnMaxLifetime: 5 * time.Minute,
		},
		EngineConfig: EngineConfig{
			FreshnessWindow:  2 * time.Second,
			ConnectorTimeout: 15 * time.Second,
			CompiledCacheTTL: 30 * time.Minute,
			DedupeBackend:    "memory",
			DedupeTTL:        10 * time.Minute,
			RunTimeout:       2 * time.Minute,
		},
		SlackConfig:  SlackConfig{APIBaseURL: "https://slack.com/api"},
		NotionConfig: NotionConfig{APIBaseURL: "https://api.notion.com/v1", Version: "2022-06-28"},
		GoogleConfig: GoogleConfig{CalendarBaseURL: "https://www.googleapis.com/calendar/v3"},
		MailConfig:   MailConfig{SMTP: "smtp.gmail.com", Port: "587"},
		ScriptConfig: ScriptConfig{MaxExecution: 5 * time.Second},
		TrackerConfig: TrackerConfig{
			Workers:       4,
			BatchSize:     100,
			FlushInterval: 250,
			ChannelBuffer: 10000,
			RedactOutputs: true,
		},
		RateLimitConfig: RateLimitConfig{
			Rate:             120,
			WindowMinutes:    1,
			BurstSize:        20,
			Backend:          "memory",
			CleanupInterval:  10,
			RetryAfterHeader: true,
		},
		MonitorConfig: MonitorConfig{Enabled: true, HealthCheckPath: "/health", MetricsPath: "/metrics"},
	}
}

// LoadConfig layers defaults, the TOML file at path (when it exists), a
// .env file in the working directory and NFLOW_* environment variables.
func LoadConfig(path string) (ConfigWorkspace, error) {
	config := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("load .env: %w", err)
	}

	if path != "" && utils.Exists(path) {
		data, err := utils.FileToString(path)
		if err != nil {
			return config, fmt.Errorf("read %s: %w", path, err)
		}
		if _, err := toml.Decode(data, &config); err != nil {
			return config, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return config, fmt.Errorf("environment overrides: %w", err)
	}
	return config, nil
}
