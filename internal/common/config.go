package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Libraries   []LibraryConfig `toml:"libraries"`
	Queue       QueueConfig     `toml:"queue"`
	Storage     StorageConfig   `toml:"storage"`
	Artifacts   ArtifactsConfig `toml:"artifacts"`
	Batch       BatchConfig     `toml:"batch"`
	Memory      MemoryConfig    `toml:"memory"`
	Limits      LimitsConfig    `toml:"limits"`
	Thumbnail   RenderConfig    `toml:"thumbnail"`
	Cache       CacheConfig     `toml:"cache"`
	Monitor     MonitorConfig   `toml:"monitor"`
	Recovery    RecoveryConfig  `toml:"recovery"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
}

// LibraryConfig declares a library root that is registered on startup.
type LibraryConfig struct {
	Name     string `toml:"name" validate:"required"`
	Path     string `toml:"path" validate:"required"`
	AutoScan bool   `toml:"auto_scan"` // Include this library in scheduled scans
}

type QueueConfig struct {
	PollInterval      string         `toml:"poll_interval"`      // e.g., "250ms" - how often consumers poll for messages
	VisibilityTimeout string         `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int            `toml:"max_receive" validate:"min=1"`
	MessageTTL        string         `toml:"message_ttl"` // e.g., "24h" - expired messages are dead-lettered on receive
	Prefetch          map[string]int `toml:"prefetch"`    // Per-queue prefetch overrides, keyed by queue name
	Concurrency       map[string]int `toml:"concurrency"` // Per-queue handler concurrency overrides, keyed by queue name
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// ArtifactsConfig locates the derived-artifact tree on disk.
// Thumbnails land under <root>/thumbnails/<collection-id>/, cache images
// under <root>/cache/<collection-id>/.
type ArtifactsConfig struct {
	Root string `toml:"root"`
}

// BatchConfig controls generation batching behavior.
type BatchConfig struct {
	MaxBatchSize         int `toml:"max_batch_size" validate:"min=1"`        // Flush a collection batch at this many messages
	BatchTimeoutSeconds  int `toml:"batch_timeout_seconds" validate:"min=1"` // Flush a partial batch after this many seconds
	MaxConcurrentBatches int `toml:"max_concurrent_batches" validate:"min=1"`
}

// MemoryConfig bounds decode memory for the generation pipeline.
type MemoryConfig struct {
	MaxMemoryUsageMB        int `toml:"max_memory_usage_mb" validate:"min=1"`
	MaxConcurrentProcessing int `toml:"max_concurrent_processing" validate:"min=1"`
	PoolSize                int `toml:"memory_pool_size" validate:"min=1"`  // Number of reusable decode buffers
	BufferSizeBytes         int `toml:"buffer_size_bytes" validate:"min=1"` // Size of each pooled buffer
}

// LimitsConfig holds hard per-image ceilings. Sources over these limits are
// recorded as permanent failures, never retried.
type LimitsConfig struct {
	MaxImageSizeBytes    int64 `toml:"max_image_size_bytes" validate:"min=1"`
	MaxZipEntrySizeBytes int64 `toml:"max_zip_entry_size_bytes" validate:"min=1"`
}

// RenderConfig holds thumbnail bounding-box dimensions.
type RenderConfig struct {
	Width  int `toml:"width" validate:"min=1"`
	Height int `toml:"height" validate:"min=1"`
}

// CacheConfig holds full-size cache render settings.
type CacheConfig struct {
	Width   int    `toml:"width" validate:"min=1"`
	Height  int    `toml:"height" validate:"min=1"`
	Format  string `toml:"format" validate:"oneof=jpeg png"`
	Quality int    `toml:"quality" validate:"min=1,max=100"`
}

// MonitorConfig controls the job monitor loop.
type MonitorConfig struct {
	Interval   string `toml:"interval"`    // e.g., "5s"
	StallAfter string `toml:"stall_after"` // e.g., "30s" - flag jobs with no progress for this long
}

// RecoveryConfig controls dead-letter queue recovery.
type RecoveryConfig struct {
	Enabled     bool   `toml:"enabled"`
	IdleTimeout string `toml:"idle_timeout"`                  // e.g., "10s" - stop after this long without a delivery
	HardCap     string `toml:"hard_cap"`                      // e.g., "30m" - absolute ceiling for one recovery run
	PublishRate int    `toml:"publish_rate" validate:"min=1"` // Republished messages per second
}

// SchedulerConfig controls the embedded auto-scan scheduler. Production
// deployments normally disable this and drive scans through the external
// scheduler instead.
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule format
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

var configValidate = validator.New()

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in imago.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Queue: QueueConfig{
			PollInterval:      "250ms",
			VisibilityTimeout: "5m",
			MaxReceive:        5,
			MessageTTL:        "24h",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Artifacts: ArtifactsConfig{
			Root: "./data/artifacts",
		},
		Batch: BatchConfig{
			MaxBatchSize:         50,
			BatchTimeoutSeconds:  5,
			MaxConcurrentBatches: 4,
		},
		Memory: MemoryConfig{
			MaxMemoryUsageMB:        4096,
			MaxConcurrentProcessing: 8,
			PoolSize:                100,
			BufferSizeBytes:         2 * 1024 * 1024,
		},
		Limits: LimitsConfig{
			MaxImageSizeBytes:    500 * 1024 * 1024,       // 500 MB covers even flattened PSD/TIFF scans
			MaxZipEntrySizeBytes: 20 * 1024 * 1024 * 1024, // 20 GB
		},
		Thumbnail: RenderConfig{
			Width:  300,
			Height: 300,
		},
		Cache: CacheConfig{
			Width:   1920,
			Height:  1080,
			Format:  "jpeg",
			Quality: 85,
		},
		Monitor: MonitorConfig{
			Interval:   "5s",
			StallAfter: "30s",
		},
		Recovery: RecoveryConfig{
			Enabled:     true,
			IdleTimeout: "10s",
			HardCap:     "30m",
			PublishRate: 200,
		},
		Scheduler: SchedulerConfig{
			Enabled:  false,
			Schedule: "@hourly",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env -> CLI. Later files override
// earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks field constraints and duration syntax.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"queue.poll_interval":      c.Queue.PollInterval,
		"queue.visibility_timeout": c.Queue.VisibilityTimeout,
		"queue.message_ttl":        c.Queue.MessageTTL,
		"monitor.interval":         c.Monitor.Interval,
		"monitor.stall_after":      c.Monitor.StallAfter,
		"recovery.idle_timeout":    c.Recovery.IdleTimeout,
		"recovery.hard_cap":        c.Recovery.HardCap,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field, err)
		}
	}

	return nil
}

// DurationOr parses a duration string, falling back to def when the string
// is empty or malformed. Config values are validated at load, so the
// fallback mostly covers zero-value Config structs in tests.
func DurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: IMAGO_ENV, fallback: GO_ENV)
	if env := os.Getenv("IMAGO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Queue configuration
	if pollInterval := os.Getenv("IMAGO_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if visibilityTimeout := os.Getenv("IMAGO_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("IMAGO_QUEUE_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Queue.MaxReceive = mr
		}
	}
	if messageTTL := os.Getenv("IMAGO_QUEUE_MESSAGE_TTL"); messageTTL != "" {
		config.Queue.MessageTTL = messageTTL
	}

	// Storage configuration
	if badgerPath := os.Getenv("IMAGO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if artifactsRoot := os.Getenv("IMAGO_ARTIFACTS_ROOT"); artifactsRoot != "" {
		config.Artifacts.Root = artifactsRoot
	}

	// Batch configuration
	if maxBatchSize := os.Getenv("IMAGO_BATCH_MAX_SIZE"); maxBatchSize != "" {
		if mbs, err := strconv.Atoi(maxBatchSize); err == nil {
			config.Batch.MaxBatchSize = mbs
		}
	}
	if batchTimeout := os.Getenv("IMAGO_BATCH_TIMEOUT_SECONDS"); batchTimeout != "" {
		if bt, err := strconv.Atoi(batchTimeout); err == nil {
			config.Batch.BatchTimeoutSeconds = bt
		}
	}
	if maxBatches := os.Getenv("IMAGO_BATCH_MAX_CONCURRENT"); maxBatches != "" {
		if mb, err := strconv.Atoi(maxBatches); err == nil {
			config.Batch.MaxConcurrentBatches = mb
		}
	}

	// Memory configuration
	if maxMemory := os.Getenv("IMAGO_MEMORY_MAX_USAGE_MB"); maxMemory != "" {
		if mm, err := strconv.Atoi(maxMemory); err == nil {
			config.Memory.MaxMemoryUsageMB = mm
		}
	}
	if maxProcessing := os.Getenv("IMAGO_MEMORY_MAX_CONCURRENT_PROCESSING"); maxProcessing != "" {
		if mp, err := strconv.Atoi(maxProcessing); err == nil {
			config.Memory.MaxConcurrentProcessing = mp
		}
	}

	// Logging configuration
	if level := os.Getenv("IMAGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("IMAGO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("IMAGO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Scheduler configuration
	if enabled := os.Getenv("IMAGO_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("IMAGO_SCHEDULER_SCHEDULE"); schedule != "" {
		config.Scheduler.Schedule = schedule
	}

	// Recovery configuration
	if enabled := os.Getenv("IMAGO_RECOVERY_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Recovery.Enabled = e
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, dataDir string, logLevel string) {
	// Command-line flags have highest priority
	if dataDir != "" {
		config.Storage.Badger.Path = dataDir
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of the Config struct so callers can
// mutate a copy without touching the shared instance.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.Libraries) > 0 {
		clone.Libraries = make([]LibraryConfig, len(c.Libraries))
		copy(clone.Libraries, c.Libraries)
	}

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	if len(c.Queue.Prefetch) > 0 {
		clone.Queue.Prefetch = make(map[string]int, len(c.Queue.Prefetch))
		for k, v := range c.Queue.Prefetch {
			clone.Queue.Prefetch[k] = v
		}
	}

	if len(c.Queue.Concurrency) > 0 {
		clone.Queue.Concurrency = make(map[string]int, len(c.Queue.Concurrency))
		for k, v := range c.Queue.Concurrency {
			clone.Queue.Concurrency[k] = v
		}
	}

	return &clone
}
