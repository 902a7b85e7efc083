package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all MGF configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Two-tier cache
	Cache CacheConfig `yaml:"cache"`

	// CAD engine binary
	Engine EngineConfig `yaml:"engine"`

	// Worker runtime and job executor
	Worker WorkerConfig `yaml:"worker"`

	// Circuit breaker guarding the executor
	Breaker BreakerConfig `yaml:"breaker"`

	// Document lifecycle
	Document DocumentConfig `yaml:"document"`

	// Batch processing
	Batch BatchConfig `yaml:"batch"`

	// Persisted scheduler
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Object storage
	Storage StorageConfig `yaml:"storage"`

	// Rules engine
	Rules RulesConfig `yaml:"rules"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Optional per-tier limit overrides, keyed by tier name.
	Tiers map[string]TierLimits `yaml:"tiers"`
}

// CacheConfig configures L1, L2 and the manager.
type CacheConfig struct {
	RedisURL             string `yaml:"redis_url"`
	RedisPoolSize        int    `yaml:"redis_pool_size"`
	Compression          bool   `yaml:"compression"`
	CompressionThreshold int    `yaml:"compression_threshold"` // bytes; below this, stored raw
	L1MaxEntries         int    `yaml:"l1_max_entries"`
	L1MaxMemoryMB        int    `yaml:"l1_max_memory_mb"`
	LockTimeout          string `yaml:"lock_timeout"`
	StaleTTLFactor       int    `yaml:"stale_ttl_factor"` // stale TTL = primary TTL x factor
	InvalidateBatch      int    `yaml:"invalidate_batch"` // SSCAN batch size
	InvalidateRate       int    `yaml:"invalidate_rate"`  // deletes/sec during invalidation; 0 = unpaced

	// Per-flow TTLs; flows absent here use TTLDefault.
	TTLGeometry string `yaml:"ttl_geometry"`
	TTLExport   string `yaml:"ttl_export"`
	TTLUpload   string `yaml:"ttl_upload"`
	TTLAI       string `yaml:"ttl_ai"`
	TTLMetrics  string `yaml:"ttl_metrics"`
	TTLDoc      string `yaml:"ttl_doc"`
	TTLDefault  string `yaml:"ttl_default"`
}

// EngineConfig locates and constrains the CAD engine subprocess.
type EngineConfig struct {
	Path       string `yaml:"path"`        // explicit binary path; empty = discover
	MinVersion string `yaml:"min_version"` // lowest accepted engine version
	Home       string `yaml:"home"`        // FREECAD_USER_HOME for children; empty = scoped temp
	Headless   bool   `yaml:"headless"`
	Warmup     bool   `yaml:"warmup"` // run the warm-up tessellation at daemon start
}

// WorkerConfig configures the runtime and executor.
type WorkerConfig struct {
	Queues            []string `yaml:"queues"`
	MonitorInterval   string   `yaml:"monitor_interval"` // RSS/CPU sample period
	StderrLimit       int      `yaml:"stderr_limit"`     // bytes of stderr kept on failure
	IdempotencyTTL    string   `yaml:"idempotency_ttl"`
	DocumentLifecycle bool     `yaml:"document_lifecycle"`
	WorkDir           string   `yaml:"work_dir"` // parent for scoped job temp dirs; empty = os.TempDir
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	Threshold int    `yaml:"threshold"` // consecutive failures to open
	Recovery  string `yaml:"recovery"`  // open -> half-open cooldown
}

// DocumentConfig configures the document manager.
type DocumentConfig struct {
	BasePath         string `yaml:"base_path"`
	AutoSaveInterval string `yaml:"auto_save_interval"` // empty disables auto-save
	MaxUndo          int    `yaml:"max_undo"`
	Compression      bool   `yaml:"compression"`
	MaxBackups       int    `yaml:"max_backups"`
	BackupRetention  string `yaml:"backup_retention"` // prune backups older than this
	AutoRecovery     bool   `yaml:"auto_recovery"`
}

// BatchConfig configures the batch processor.
type BatchConfig struct {
	MaxParallel int    `yaml:"max_parallel"`
	ChunkSize   int    `yaml:"chunk_size"`
	ChunkPause  string `yaml:"chunk_pause"`
	ItemTimeout string `yaml:"item_timeout"`
}

// SchedulerConfig configures the persisted scheduler.
type SchedulerConfig struct {
	DatabasePath  string `yaml:"database_path"`
	MisfireGrace  string `yaml:"misfire_grace"`
	HistoryLimit  int    `yaml:"history_limit"`  // executions kept per job
	TempCleanAge  string `yaml:"temp_clean_age"` // hourly cleanup threshold
	TempCleanPath string `yaml:"temp_clean_path"`
}

// StorageConfig configures object storage.
type StorageConfig struct {
	URL        string `yaml:"url"` // file:///var/lib/mgf/objects or gs://bucket
	PresignTTL string `yaml:"presign_ttl"`
}

// RulesConfig configures the rules engine.
type RulesConfig struct {
	RegistryPath string `yaml:"registry_path"` // API registry YAML; empty = embedded default
	HotReload    bool   `yaml:"hot_reload"`    // watch RegistryPath for changes
	MaxDimension float64 `yaml:"max_dimension"` // mm; upper bound for any length
	MinDimension float64 `yaml:"min_dimension"` // mm; lower bound for any length
}

// TierLimits is the resource bundle for one tenant tier.
type TierLimits struct {
	MaxMemMB      int      `yaml:"max_mem_mb"`
	MaxCPUPct     int      `yaml:"max_cpu_pct"`
	MaxWallSec    int      `yaml:"max_wall_sec"`
	MaxComplexity int      `yaml:"max_complexity"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	ExportFormats []string `yaml:"export_formats"`
	MaxFileMB     int      `yaml:"max_file_mb"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level     string `yaml:"level"` // debug, info, warn, error
	File      string `yaml:"file"`
	AuditFile string `yaml:"audit_file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mgf",
		Version: "2.0.0",

		Cache: CacheConfig{
			RedisURL:             "redis://localhost:6379/0",
			RedisPoolSize:        10,
			Compression:          true,
			CompressionThreshold: 1024,
			L1MaxEntries:         1000,
			L1MaxMemoryMB:        256,
			LockTimeout:          "30s",
			StaleTTLFactor:       4,
			InvalidateBatch:      512,
			InvalidateRate:       0,
			TTLGeometry:          "24h",
			TTLExport:            "168h",
			TTLUpload:            "168h",
			TTLAI:                "6h",
			TTLMetrics:           "720h",
			TTLDoc:               "168h",
			TTLDefault:           "1h",
		},

		Engine: EngineConfig{
			MinVersion: "0.21.0",
			Headless:   true,
			Warmup:     true,
		},

		Worker: WorkerConfig{
			Queues:            []string{"default", "model", "cam", "sim", "report", "erp"},
			MonitorInterval:   "500ms",
			StderrLimit:       16 * 1024,
			IdempotencyTTL:    "24h",
			DocumentLifecycle: true,
		},

		Breaker: BreakerConfig{
			Threshold: 5,
			Recovery:  "60s",
		},

		Document: DocumentConfig{
			BasePath:         "data/documents",
			AutoSaveInterval: "",
			MaxUndo:          50,
			Compression:      true,
			MaxBackups:       10,
			BackupRetention:  "168h",
			AutoRecovery:     true,
		},

		Batch: BatchConfig{
			MaxParallel: 4,
			ChunkSize:   10,
			ChunkPause:  "100ms",
			ItemTimeout: "10m",
		},

		Scheduler: SchedulerConfig{
			DatabasePath:  "data/scheduler.db",
			MisfireGrace:  "5m",
			HistoryLimit:  100,
			TempCleanAge:  "24h",
			TempCleanPath: "",
		},

		Storage: StorageConfig{
			URL:        "file://data/objects",
			PresignTTL: "1h",
		},

		Rules: RulesConfig{
			HotReload:    false,
			MaxDimension: 10000,
			MinDimension: 0.1,
		},

		Logging: LoggingConfig{
			Level:     "info",
			File:      "",
			AuditFile: "",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MGF_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("MGF_REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.RedisPoolSize = n
		}
	}
	if v := os.Getenv("MGF_CACHE_COMPRESSION"); v != "" {
		c.Cache.Compression = v == "1" || v == "true" || v == "on"
	}
	if v := os.Getenv("MGF_L1_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.L1MaxEntries = n
		}
	}
	if v := os.Getenv("MGF_L1_MAX_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.L1MaxMemoryMB = n
		}
	}
	if v := os.Getenv("MGF_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Breaker.Threshold = n
		}
	}
	if v := os.Getenv("MGF_BREAKER_RECOVERY_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Breaker.Recovery = fmt.Sprintf("%ds", n)
		}
	}

	// Per-flow TTL overrides: MGF_TTL_GEOMETRY=48h etc.
	for env, field := range map[string]*string{
		"MGF_TTL_GEOMETRY": &c.Cache.TTLGeometry,
		"MGF_TTL_EXPORT":   &c.Cache.TTLExport,
		"MGF_TTL_UPLOAD":   &c.Cache.TTLUpload,
		"MGF_TTL_AI":       &c.Cache.TTLAI,
		"MGF_TTL_METRICS":  &c.Cache.TTLMetrics,
		"MGF_TTL_DOC":      &c.Cache.TTLDoc,
		"MGF_TTL_DEFAULT":  &c.Cache.TTLDefault,
	} {
		if v := os.Getenv(env); v != "" {
			if _, err := time.ParseDuration(v); err == nil {
				*field = v
			}
		}
	}

	if v := os.Getenv("MGF_ENGINE_PATH"); v != "" {
		c.Engine.Path = v
	}
	if v := os.Getenv("MGF_ENGINE_HOME"); v != "" {
		c.Engine.Home = v
	}
	if v := os.Getenv("MGF_ENGINE_HEADLESS"); v != "" {
		c.Engine.Headless = v == "1" || v == "true" || v == "on"
	}
	if v := os.Getenv("MGF_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("MGF_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// duration parses a duration string, falling back to def on any error.
func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetLockTimeout returns the cache lock timeout as a duration.
func (c *Config) GetLockTimeout() time.Duration {
	return duration(c.Cache.LockTimeout, 30*time.Second)
}

// GetMonitorInterval returns the resource sampler period as a duration.
func (c *Config) GetMonitorInterval() time.Duration {
	return duration(c.Worker.MonitorInterval, 500*time.Millisecond)
}

// GetIdempotencyTTL returns the idempotency record TTL as a duration.
func (c *Config) GetIdempotencyTTL() time.Duration {
	return duration(c.Worker.IdempotencyTTL, 24*time.Hour)
}

// GetBreakerRecovery returns the breaker cooldown as a duration.
func (c *Config) GetBreakerRecovery() time.Duration {
	return duration(c.Breaker.Recovery, 60*time.Second)
}

// GetAutoSaveInterval returns the auto-save period; zero disables auto-save.
func (c *Config) GetAutoSaveInterval() time.Duration {
	if c.Document.AutoSaveInterval == "" {
		return 0
	}
	return duration(c.Document.AutoSaveInterval, 0)
}

// GetBackupRetention returns the backup retention age as a duration.
func (c *Config) GetBackupRetention() time.Duration {
	return duration(c.Document.BackupRetention, 7*24*time.Hour)
}

// GetItemTimeout returns the per-item batch timeout as a duration.
func (c *Config) GetItemTimeout() time.Duration {
	return duration(c.Batch.ItemTimeout, 10*time.Minute)
}

// GetChunkPause returns the inter-chunk pause as a duration.
func (c *Config) GetChunkPause() time.Duration {
	return duration(c.Batch.ChunkPause, 100*time.Millisecond)
}

// GetMisfireGrace returns the scheduler misfire grace window.
func (c *Config) GetMisfireGrace() time.Duration {
	return duration(c.Scheduler.MisfireGrace, 5*time.Minute)
}

// GetPresignTTL returns the presigned URL lifetime.
func (c *Config) GetPresignTTL() time.Duration {
	return duration(c.Storage.PresignTTL, time.Hour)
}

// TTLForFlow returns the configured TTL for a flow name.
func (c *Config) TTLForFlow(flow string) time.Duration {
	def := duration(c.Cache.TTLDefault, time.Hour)
	switch flow {
	case "geometry":
		return duration(c.Cache.TTLGeometry, 24*time.Hour)
	case "export":
		return duration(c.Cache.TTLExport, 7*24*time.Hour)
	case "upload", "assembly":
		return duration(c.Cache.TTLUpload, 7*24*time.Hour)
	case "ai":
		return duration(c.Cache.TTLAI, 6*time.Hour)
	case "metrics":
		return duration(c.Cache.TTLMetrics, 30*24*time.Hour)
	case "doc":
		return duration(c.Cache.TTLDoc, 7*24*time.Hour)
	default:
		return def
	}
}
