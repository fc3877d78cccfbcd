package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. NEXUSDB_DATA_DIR.
const EnvPrefix = "NEXUSDB_"

// TLSConfig holds TLS-specific configurations.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ServerConfig holds the listeners of the database server.
type ServerConfig struct {
	GRPCPort        int       `yaml:"grpc_port"`
	HTTPPort        int       `yaml:"http_port"`
	ShutdownTimeout string    `yaml:"shutdown_timeout"`
	TLS             TLSConfig `yaml:"tls"`
	// StatementWorkers bounds the statements executing at once. Zero means
	// one per CPU.
	StatementWorkers   int `yaml:"statement_workers"`
	StatementQueueSize int `yaml:"statement_queue_size"`
}

// MemtableConfig holds memtable-specific configurations.
type MemtableConfig struct {
	SizeThresholdBytes int64  `yaml:"size_threshold_bytes"`
	FlushInterval      string `yaml:"flush_interval"`
}

// SSTableConfig holds sstable-specific configurations.
type SSTableConfig struct {
	BlockSizeBytes    int     `yaml:"block_size_bytes"`
	Compression       string  `yaml:"compression"`
	BloomFilterFPRate float64 `yaml:"bloom_filter_fp_rate"`
}

// CacheConfig holds cache-specific configurations.
type CacheConfig struct {
	BlockCacheCapacityBytes int64 `yaml:"block_cache_capacity_bytes"`
}

// CompactionConfig holds compaction-specific configurations.
type CompactionConfig struct {
	L0TriggerFileCount     int     `yaml:"l0_trigger_file_count"`
	L0TriggerSizeBytes     int64   `yaml:"l0_trigger_size_bytes"`
	TargetSSTableSizeBytes int64   `yaml:"target_sstable_size_bytes"`
	BaseTargetSizeBytes    int64   `yaml:"base_target_size_bytes"`
	LevelsSizeMultiplier   int     `yaml:"levels_size_multiplier"`
	MaxLevels              int     `yaml:"max_levels"`
	CheckInterval          string  `yaml:"check_interval"`
	FallbackStrategy       string  `yaml:"fallback_strategy"`
	TombstoneWeight        float64 `yaml:"tombstone_weight"`
	OverlapPenaltyWeight   float64 `yaml:"overlap_penalty_weight"`
	Disabled               bool    `yaml:"disabled"`
}

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"` // "always", "interval" or "disabled"
	SyncInterval        string `yaml:"sync_interval"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	Preallocate         bool   `yaml:"preallocate"`
}

// EngineConfig holds all engine-related configurations, grouped logically.
type EngineConfig struct {
	DataDir          string           `yaml:"data_dir"`
	MinFreeDiskBytes uint64           `yaml:"min_free_disk_bytes"`
	LockTimeout      string           `yaml:"lock_timeout"`
	Memtable         MemtableConfig   `yaml:"memtable"`
	SSTable          SSTableConfig    `yaml:"sstable"`
	Cache            CacheConfig      `yaml:"cache"`
	Compaction       CompactionConfig `yaml:"compaction"`
	WAL              WALConfig        `yaml:"wal"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
	// SlowStatementThreshold logs statements that take longer. Empty or "0" disables it.
	SlowStatementThreshold string `yaml:"slow_statement_threshold"`
}

// SecurityConfig holds security-related configurations like auth.
type SecurityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	UserFilePath string `yaml:"user_file_path"`
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// SystemMonitorConfig controls the host resource collector.
type SystemMonitorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// EventsConfig controls the ZeroMQ publisher of committed changes.
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g. "tcp://*:5556"
}

// Config is the top-level configuration struct.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Debug         DebugConfig         `yaml:"debug"`
	Security      SecurityConfig      `yaml:"security"`
	Events        EventsConfig        `yaml:"events"`
	SystemMonitor SystemMonitorConfig `yaml:"system_monitor"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort:           50051,
			HTTPPort:           8088,
			ShutdownTimeout:    "10s",
			StatementQueueSize: 256,
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "certs/server.crt",
				KeyFile:  "certs/server.key",
			},
		},
		Engine: EngineConfig{
			DataDir:          "./data",
			MinFreeDiskBytes: 64 * 1024 * 1024,
			LockTimeout:      "5s",
			Memtable: MemtableConfig{
				SizeThresholdBytes: 4 * 1024 * 1024, // 4 MiB
				FlushInterval:      "",
			},
			SSTable: SSTableConfig{
				BlockSizeBytes:    4 * 1024,
				Compression:       "snappy",
				BloomFilterFPRate: 0.01,
			},
			Cache: CacheConfig{
				BlockCacheCapacityBytes: 8 * 1024 * 1024,
			},
			Compaction: CompactionConfig{
				L0TriggerFileCount:     4,
				L0TriggerSizeBytes:     16 * 1024 * 1024, // 16 MiB
				TargetSSTableSizeBytes: 2 * 1024 * 1024,
				BaseTargetSizeBytes:    16 * 1024 * 1024,
				LevelsSizeMultiplier:   10,
				MaxLevels:              7,
				CheckInterval:          "30s",
				FallbackStrategy:       "oldest",
				TombstoneWeight:        1.5,
				OverlapPenaltyWeight:   1.0,
			},
			WAL: WALConfig{
				SyncMode:            "always",
				SyncInterval:        "1s",
				MaxSegmentSizeBytes: 32 * 1024 * 1024, // 32 MiB
				Preallocate:         true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusdb.log",

			SlowStatementThreshold: "500ms",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "127.0.0.1:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		Security: SecurityConfig{
			Enabled:      false,
			UserFilePath: "users.db",
		},
		Events: EventsConfig{
			Enabled:  false,
			Endpoint: "tcp://*:5556",
		},
		SystemMonitor: SystemMonitorConfig{
			Enabled:  true,
			Interval: "15s",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path, then applies
// variables from .env files and the environment. A missing file yields the
// defaults.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	if err := LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	var cfg *Config
	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		cfg, err = Load(nil)
	case err != nil:
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	default:
		defer file.Close()
		cfg, err = Load(file)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads variables from the given .env files, or from ".env" when
// none are named. Missing files are skipped; variables already set in the
// environment win.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides selected settings from NEXUSDB_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, v, err)
		}
		*dst = b
		return nil
	}

	str("DATA_DIR", &c.Engine.DataDir)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("WAL_SYNC_MODE", &c.Engine.WAL.SyncMode)
	str("DEBUG_ADDRESS", &c.Debug.ListenAddress)
	str("USER_FILE", &c.Security.UserFilePath)
	str("TRACING_ENDPOINT", &c.Tracing.Endpoint)
	str("EVENTS_ENDPOINT", &c.Events.Endpoint)
	for _, err := range []error{
		integer("GRPC_PORT", &c.Server.GRPCPort),
		integer("HTTP_PORT", &c.Server.HTTPPort),
		boolean("AUTH_ENABLED", &c.Security.Enabled),
		boolean("TRACING_ENABLED", &c.Tracing.Enabled),
		boolean("EVENTS_ENABLED", &c.Events.Enabled),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.DataDir == "" {
		errs = append(errs, errors.New("engine.data_dir must be set"))
	}
	for name, port := range map[string]int{"server.grpc_port": c.Server.GRPCPort, "server.http_port": c.Server.HTTPPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d is out of range", name, port))
		}
	}
	if c.Server.StatementWorkers < 0 || c.Server.StatementQueueSize < 0 {
		errs = append(errs, errors.New("server.statement_workers and server.statement_queue_size must not be negative"))
	}
	switch strings.ToLower(c.Engine.WAL.SyncMode) {
	case "always", "interval", "disabled":
	default:
		errs = append(errs, fmt.Errorf("engine.wal.sync_mode %q is not one of always, interval, disabled", c.Engine.WAL.SyncMode))
	}
	switch strings.ToLower(c.Engine.SSTable.Compression) {
	case "", "none", "snappy", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("engine.sstable.compression %q is not one of none, snappy, lz4, zstd", c.Engine.SSTable.Compression))
	}
	switch strings.ToLower(c.Engine.Compaction.FallbackStrategy) {
	case "", "oldest", "largest", "smallest", "tombstone_density":
	default:
		errs = append(errs, fmt.Errorf("engine.compaction.fallback_strategy %q is not one of oldest, largest, smallest, tombstone_density", c.Engine.Compaction.FallbackStrategy))
	}
	switch strings.ToLower(c.Tracing.Protocol) {
	case "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("tracing.protocol %q is not grpc or http", c.Tracing.Protocol))
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "file", "none":
	default:
		errs = append(errs, fmt.Errorf("logging.output %q is not stdout, file or none", c.Logging.Output))
	}
	if c.Security.Enabled && c.Security.UserFilePath == "" {
		errs = append(errs, errors.New("security.user_file_path must be set when security is enabled"))
	}
	if c.Events.Enabled && c.Events.Endpoint == "" {
		errs = append(errs, errors.New("events.endpoint must be set when events are enabled"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name to a slog level. Unknown names
// mean info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
