package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
	Storage     StorageConfig     `toml:"storage"`
	Pool        PoolConfig        `toml:"pool"`
	Dispatcher  DispatcherConfig  `toml:"dispatcher"`
	RateLimiter RateLimiterConfig `toml:"rate_limiter"`
	Monitor     MonitorConfig     `toml:"monitor"`
	Jobs        JobsConfig        `toml:"jobs"`
	Webhook     WebhookConfig     `toml:"webhook"`
	Engine      EngineConfig      `toml:"engine"`
	LLM         LLMConfig         `toml:"llm"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
	// EnableShutdownEndpoint exposes POST /shutdown for local development
	EnableShutdownEndpoint bool `toml:"enable_shutdown_endpoint"`
	// DrainTimeout bounds graceful shutdown before pool instances are force-closed
	DrainTimeout time.Duration `toml:"drain_timeout"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	// GCInterval controls how often the value log garbage collector runs
	GCInterval time.Duration `toml:"gc_interval"`
}

// PoolConfig controls the tiered browser pool and its janitor
type PoolConfig struct {
	PromotionThreshold int           `toml:"promotion_threshold"` // Uses before a COLD instance moves to HOT
	MemoryHardLimit    float64       `toml:"memory_hard_limit"`   // Percent above which new launches are refused
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout"`    // Per-instance wait for active requests on shutdown
}

// DispatcherConfig selects and tunes the admission strategy
type DispatcherConfig struct {
	Type              string        `toml:"type"`               // "memory_adaptive" or "semaphore"
	MaxConcurrency    int           `toml:"max_concurrency"`    // Semaphore capacity
	MaxInflight       int           `toml:"max_inflight"`       // Adaptive: absolute inflight ceiling
	SoftThreshold     float64       `toml:"soft_threshold"`     // Adaptive: percent where admission narrows to starved URLs
	CriticalThreshold float64       `toml:"critical_threshold"` // Adaptive: percent where admission halts
	RecoveryThreshold float64       `toml:"recovery_threshold"` // Adaptive: percent below which full parallelism resumes
	FairnessTimeout   time.Duration `toml:"fairness_timeout"`   // Adaptive: wait time that promotes a starved URL
	HardWaitTimeout   time.Duration `toml:"hard_wait_timeout"`  // Adaptive: sustained critical pressure before queued URLs fail
	CheckInterval     time.Duration `toml:"check_interval"`     // Adaptive: scheduling tick
}

// RateLimiterConfig controls per-domain pacing
type RateLimiterConfig struct {
	BaseDelayMin   time.Duration `toml:"base_delay_min"`   // Lower bound of the random inter-request delay
	BaseDelayMax   time.Duration `toml:"base_delay_max"`   // Upper bound of the random inter-request delay
	MaxDelay       time.Duration `toml:"max_delay"`        // Backoff ceiling
	MaxRetries     int           `toml:"max_retries"`
	RateLimitCodes []int         `toml:"rate_limit_codes"` // Status codes that trigger backoff
}

// MonitorConfig controls telemetry windows and cadences
type MonitorConfig struct {
	MaxAge           time.Duration `toml:"max_age"`           // Age-based sweep bound for completed/janitor/error windows
	SampleInterval   time.Duration `toml:"sample_interval"`   // Timeline sampling cadence
	SnapshotInterval time.Duration `toml:"snapshot_interval"` // Push broker fan-out cadence
	PersistTTL       time.Duration `toml:"persist_ttl"`       // TTL for persisted endpoint aggregates
}

// JobsConfig controls async job records and their sweeper
type JobsConfig struct {
	TTL           time.Duration `toml:"ttl"`            // Job record TTL in the KV store
	StaleDeadline time.Duration `toml:"stale_deadline"` // PENDING/RUNNING age before the sweeper fails a job
	SweepSchedule string        `toml:"sweep_schedule"` // Cron schedule for the stale-job sweeper
}

// WebhookConfig controls completion notification delivery
type WebhookConfig struct {
	Timeout        time.Duration     `toml:"timeout"` // Per-attempt HTTP timeout
	MaxAttempts    int               `toml:"max_attempts"`
	MaxDelay       time.Duration     `toml:"max_delay"`       // Backoff ceiling between attempts
	DefaultHeaders map[string]string `toml:"default_headers"` // Merged under per-job headers
}

// EngineConfig controls the chromedp crawler engine
type EngineConfig struct {
	Headless          bool          `toml:"headless"`
	DisableGPU        bool          `toml:"disable_gpu"`
	NoSandbox         bool          `toml:"no_sandbox"`
	UserAgent         string        `toml:"user_agent"`
	RequestTimeout    time.Duration `toml:"request_timeout"`     // Ceiling for non-stream requests
	StreamInitTimeout time.Duration `toml:"stream_init_timeout"` // Ceiling for first stream result
}

// LLMConfig contains Anthropic Claude API configuration for extraction jobs
type LLMConfig struct {
	APIKey    string        `toml:"api_key"`
	Model     string        `toml:"model"`
	MaxTokens int           `toml:"max_tokens"`
	Timeout   time.Duration `toml:"timeout"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in venari.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:         8080,
			Host:         "localhost",
			DrainTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:       "./data",
				GCInterval: 10 * time.Minute,
			},
		},
		Pool: PoolConfig{
			PromotionThreshold: 3,
			MemoryHardLimit:    95.0,
			ShutdownTimeout:    10 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Type:              "memory_adaptive",
			MaxConcurrency:    10,
			MaxInflight:       20,
			SoftThreshold:     70.0,
			CriticalThreshold: 85.0,
			RecoveryThreshold: 65.0,
			FairnessTimeout:   600 * time.Second,
			HardWaitTimeout:   600 * time.Second,
			CheckInterval:     time.Second,
		},
		RateLimiter: RateLimiterConfig{
			BaseDelayMin:   500 * time.Millisecond,
			BaseDelayMax:   1500 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			MaxRetries:     3,
			RateLimitCodes: []int{429, 503},
		},
		Monitor: MonitorConfig{
			MaxAge:           300 * time.Second,
			SampleInterval:   5 * time.Second,
			SnapshotInterval: 2 * time.Second,
			PersistTTL:       24 * time.Hour,
		},
		Jobs: JobsConfig{
			TTL:           24 * time.Hour,
			StaleDeadline: time.Hour,
			SweepSchedule: "0 */5 * * * *", // Every 5 minutes (cron format with seconds)
		},
		Webhook: WebhookConfig{
			Timeout:     30 * time.Second,
			MaxAttempts: 5,
			MaxDelay:    32 * time.Second,
		},
		Engine: EngineConfig{
			Headless:          true,
			DisableGPU:        true,
			NoSandbox:         true,
			UserAgent:         "Venari-Crawler/1.0",
			RequestTimeout:    300 * time.Second,
			StreamInitTimeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			Model:     "claude-haiku-4-5",
			MaxTokens: 8192,
			Timeout:   5 * time.Minute,
		},
	}
}

// LoadFromFiles loads configuration from defaults, then overlays each TOML
// file in order, then applies environment variable overrides.
// Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies VENARI_* environment variables over file values
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("VENARI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("VENARI_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("VENARI_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("VENARI_DATA_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("VENARI_DISPATCHER"); v != "" {
		config.Dispatcher.Type = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && config.LLM.APIKey == "" {
		config.LLM.APIKey = v
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks cross-field constraints that TOML parsing cannot express
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Dispatcher.Type {
	case "memory_adaptive", "semaphore":
	default:
		return fmt.Errorf("invalid dispatcher type: %q (expected memory_adaptive or semaphore)", c.Dispatcher.Type)
	}
	if c.Dispatcher.RecoveryThreshold >= c.Dispatcher.SoftThreshold ||
		c.Dispatcher.SoftThreshold >= c.Dispatcher.CriticalThreshold {
		return fmt.Errorf("dispatcher thresholds must satisfy recovery < soft < critical")
	}
	if c.RateLimiter.BaseDelayMin > c.RateLimiter.BaseDelayMax {
		return fmt.Errorf("rate limiter base_delay_min must not exceed base_delay_max")
	}
	if c.Pool.PromotionThreshold < 1 {
		return fmt.Errorf("pool promotion_threshold must be at least 1")
	}
	level := strings.ToLower(c.Logging.Level)
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	return nil
}

// Sanitized returns a copy safe to echo over the config endpoint
func (c *Config) Sanitized() Config {
	out := *c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = "***"
	}
	return out
}
