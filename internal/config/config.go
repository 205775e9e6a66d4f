package config

import (
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults for the admission gate. Invalid or missing values fall back here.
const (
	DefaultMaxConcurrentFlows = 3
	DefaultQueueTimeoutMs     = 30000

	MinConcurrentFlows = 1
	MinQueueTimeoutMs  = 1000
)

// ConcurrencyConfig bounds simultaneous flows. The fields are decoded laxly
// (interface{}) because operator-edited YAML shows up with floats, quoted
// numbers, and plain junk; Resolve* coerce whatever arrived into valid ints.
type ConcurrencyConfig struct {
	MaxConcurrentFlows interface{} `yaml:"max_concurrent_flows"`
	QueueTimeoutMs     interface{} `yaml:"queue_timeout_ms"`
}

// FlowConfig holds per-flow defaults stamped onto jobs at creation.
type FlowConfig struct {
	MaxPingPongTurns  int    `yaml:"max_ping_pong_turns"`
	AnnounceTimeoutMs int    `yaml:"announce_timeout_ms"`
	StoreDir          string `yaml:"store_dir"`
}

// DelegationConfig holds the default retry budget for new delegations.
// The delegation manager clamps it to its absolute ceiling at creation.
type DelegationConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// AckConfig drives the acknowledgment tracker's sweep and retention.
type AckConfig struct {
	TimeoutMs       int    `yaml:"timeout_ms"`
	MaxAttempts     int    `yaml:"max_attempts"`
	RetentionHours  int    `yaml:"retention_hours"`
	SweepSchedule   string `yaml:"sweep_schedule"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// JournalConfig controls the sqlite flow-event journal.
type JournalConfig struct {
	Enabled       *bool  `yaml:"enabled,omitempty"`
	RetentionDays int    `yaml:"retention_days"`
	Schedule      string `yaml:"retention_schedule"`
}

// APIKeyEntry names one gateway API key.
type APIKeyEntry struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

// AuthConfig controls gateway API key authentication.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// RateLimitConfig throttles gateway requests per API key (or client
// address when unauthenticated).
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// GatewayConfig controls the operator HTTP gateway.
type GatewayConfig struct {
	Enabled      *bool           `yaml:"enabled,omitempty"`
	Auth         AuthConfig      `yaml:"auth"`
	AllowOrigins []string        `yaml:"allow_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// TelegramConfig configures the Telegram escalation notifier.
type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
}

// NotifyConfig selects escalation notifier backends.
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig mirrors the telemetry provider settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`

	// Resolved admission limits, set by normalize from Concurrency.
	FlowLimit      int `yaml:"-"`
	QueueTimeoutMs int `yaml:"-"`

	Flow       FlowConfig       `yaml:"flow"`
	Delegation DelegationConfig `yaml:"delegation"`
	Ack        AckConfig        `yaml:"ack"`
	Journal    JournalConfig    `yaml:"journal"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Notify     NotifyConfig     `yaml:"notify"`
	Otel       OtelConfig       `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	journalEnabled := true
	gatewayEnabled := true
	return Config{
		BindAddr:       "127.0.0.1:18891",
		LogLevel:       "info",
		FlowLimit:      DefaultMaxConcurrentFlows,
		QueueTimeoutMs: DefaultQueueTimeoutMs,
		Flow: FlowConfig{
			MaxPingPongTurns:  5,
			AnnounceTimeoutMs: 90000,
		},
		Delegation: DelegationConfig{
			MaxRetries: 3,
		},
		Ack: AckConfig{
			TimeoutMs:       120000,
			MaxAttempts:     3,
			RetentionHours:  24,
			SweepSchedule:   "*/1 * * * *",
			CleanupSchedule: "0 * * * *",
		},
		Journal: JournalConfig{
			Enabled:       &journalEnabled,
			RetentionDays: 30,
			Schedule:      "30 3 * * *",
		},
		Gateway: GatewayConfig{
			Enabled: &gatewayEnabled,
		},
		Otel: OtelConfig{
			Exporter:   "otlp-http",
			SampleRate: 1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOLOOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goloom")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goloom home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ResolveFlowLimit coerces a raw max_concurrent_flows value: integers pass,
// floats floor, anything below the minimum clamps up, and non-numeric input
// falls back to the default.
func ResolveFlowLimit(raw interface{}) int {
	v, ok := coerceInt(raw)
	if !ok {
		return DefaultMaxConcurrentFlows
	}
	if v < MinConcurrentFlows {
		return MinConcurrentFlows
	}
	return v
}

// ResolveQueueTimeoutMs coerces a raw queue_timeout_ms value with the same
// rules as ResolveFlowLimit.
func ResolveQueueTimeoutMs(raw interface{}) int {
	v, ok := coerceInt(raw)
	if !ok {
		return DefaultQueueTimeoutMs
	}
	if v < MinQueueTimeoutMs {
		return MinQueueTimeoutMs
	}
	return v
}

// coerceInt accepts the scalar shapes yaml.v3 produces for interface{}
// fields, plus numeric strings, flooring fractional values.
func coerceInt(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(math.Floor(v)), true
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return int(math.Floor(f)), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18891"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.FlowLimit = ResolveFlowLimit(cfg.Concurrency.MaxConcurrentFlows)
	cfg.QueueTimeoutMs = ResolveQueueTimeoutMs(cfg.Concurrency.QueueTimeoutMs)

	if cfg.Flow.MaxPingPongTurns <= 0 {
		cfg.Flow.MaxPingPongTurns = 5
	}
	if cfg.Flow.AnnounceTimeoutMs <= 0 {
		cfg.Flow.AnnounceTimeoutMs = 90000
	}
	if strings.TrimSpace(cfg.Flow.StoreDir) == "" {
		cfg.Flow.StoreDir = filepath.Join(cfg.HomeDir, "jobs")
	}

	if cfg.Delegation.MaxRetries < 0 {
		cfg.Delegation.MaxRetries = 0
	}

	if cfg.Ack.TimeoutMs < MinQueueTimeoutMs {
		cfg.Ack.TimeoutMs = 120000
	}
	if cfg.Ack.MaxAttempts < 1 {
		cfg.Ack.MaxAttempts = 3
	}
	if cfg.Ack.RetentionHours < 1 {
		cfg.Ack.RetentionHours = 24
	}
	if strings.TrimSpace(cfg.Ack.SweepSchedule) == "" {
		cfg.Ack.SweepSchedule = "*/1 * * * *"
	}
	if strings.TrimSpace(cfg.Ack.CleanupSchedule) == "" {
		cfg.Ack.CleanupSchedule = "0 * * * *"
	}

	if cfg.Journal.Enabled == nil {
		enabled := true
		cfg.Journal.Enabled = &enabled
	}
	if cfg.Journal.RetentionDays <= 0 {
		cfg.Journal.RetentionDays = 30
	}
	if strings.TrimSpace(cfg.Journal.Schedule) == "" {
		cfg.Journal.Schedule = "30 3 * * *"
	}

	if cfg.Gateway.Enabled == nil {
		enabled := true
		cfg.Gateway.Enabled = &enabled
	}

	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "otlp-http"
	}
	if cfg.Otel.SampleRate <= 0 {
		cfg.Otel.SampleRate = 1.0
	}
}

func validate(cfg *Config) error {
	if cfg.Gateway.Auth.Enabled && len(cfg.Gateway.Auth.Keys) == 0 {
		return fmt.Errorf("gateway.auth.enabled is true but gateway.auth.keys is empty")
	}
	if cfg.Notify.Telegram.Enabled && strings.TrimSpace(cfg.Notify.Telegram.Token) == "" {
		return fmt.Errorf("notify.telegram.enabled is true but notify.telegram.token is empty (set TELEGRAM_TOKEN)")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOLOOM_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOLOOM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOLOOM_MAX_CONCURRENT_FLOWS"); raw != "" {
		cfg.Concurrency.MaxConcurrentFlows = raw
	}
	if raw := os.Getenv("GOLOOM_QUEUE_TIMEOUT_MS"); raw != "" {
		cfg.Concurrency.QueueTimeoutMs = raw
	}
	if raw := os.Getenv("GOLOOM_MAX_PING_PONG_TURNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Flow.MaxPingPongTurns = v
		}
	}
	if raw := os.Getenv("GOLOOM_DELEGATION_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Delegation.MaxRetries = v
		}
	}
	if raw := os.Getenv("GOLOOM_ACK_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Ack.TimeoutMs = v
		}
	}
	if raw := os.Getenv("GOLOOM_ACK_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Ack.MaxAttempts = v
		}
	}
	if raw := os.Getenv("GOLOOM_JOURNAL_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Journal.RetentionDays = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a reload actually changed anything.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|flows=%d|queue=%d|turns=%d|retries=%d|ack=%d/%d|origins=%v",
		c.BindAddr, c.LogLevel, c.FlowLimit, c.QueueTimeoutMs,
		c.Flow.MaxPingPongTurns, c.Delegation.MaxRetries,
		c.Ack.TimeoutMs, c.Ack.MaxAttempts, c.Gateway.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
