// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/vigil/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `vigil:` root key in YAML.
type GlobalConfig struct {
	Workers   int             `mapstructure:"workers"` // 0 = GOMAXPROCS
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Detect    DetectConfig    `mapstructure:"detect"`
	Stream    StreamConfig    `mapstructure:"stream"`
	SIP       SIPConfig       `mapstructure:"sip"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	FileStore FileStoreConfig `mapstructure:"filestore"`
}

// ─── Detection ───

// DetectConfig contains inspection engine settings.
type DetectConfig struct {
	Lookahead   int               `mapstructure:"lookahead"` // bytes batched before a growing frame is re-inspected
	State       DetectStateConfig `mapstructure:"state"`
	MultiBuffer MultiBufferConfig `mapstructure:"multi_buffer"`
}

// DetectStateConfig configures per-transaction detect state.
type DetectStateConfig struct {
	Validate   bool `mapstructure:"validate"`    // report duplicate signature entries as errors
	MaxEntries int  `mapstructure:"max_entries"` // per transaction direction, 0 = unlimited
}

// MultiBufferConfig bounds multi-instance buffer iteration.
type MultiBufferConfig struct {
	MaxInstances int `mapstructure:"max_instances"` // 0 = unlimited
}

// ─── Stream & Flows ───

// StreamConfig contains reassembly and flow table settings.
type StreamConfig struct {
	RetentionBytes int    `mapstructure:"retention_bytes"` // bytes kept behind the inspected offset
	FlowTimeout    string `mapstructure:"flow_timeout"`
	MaxFlows       int    `mapstructure:"max_flows"` // per worker, 0 = unlimited

	FlowTimeoutDuration time.Duration `mapstructure:"-"`
}

// ─── Application Layer ───

// SIPConfig configures the SIP parser.
type SIPConfig struct {
	Enabled bool  `mapstructure:"enabled"`
	Ports   []int `mapstructure:"ports"`
}

// ─── Rules & Output ───

// RulesConfig locates the rule set.
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// AlertsConfig configures alert output.
type AlertsConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// KafkaConfig publishes alerts to a Kafka topic in addition to the file.
type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout"`
	Compression  string   `mapstructure:"compression"` // none / gzip / snappy / lz4
	MaxAttempts  int      `mapstructure:"max_attempts"`

	BatchTimeoutDuration time.Duration `mapstructure:"-"`
}

// FileStoreConfig configures extraction of files carried in transactions.
type FileStoreConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Dir         string `mapstructure:"dir"`
	MaxFileSize int    `mapstructure:"max_file_size"` // bytes buffered per file, 0 = unlimited
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `vigil: ...`.
type configRoot struct {
	Vigil GlobalConfig `mapstructure:"vigil"`
}

// Load loads configuration from file. An empty path yields the defaults.
// Env vars use the VIGIL_ prefix (e.g., VIGIL_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// key "vigil.log.level" maps to env "VIGIL_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Vigil

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "vigil." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("vigil.workers", 0)

	// Log defaults
	v.SetDefault("vigil.log.level", "info")
	v.SetDefault("vigil.log.format", "json")
	v.SetDefault("vigil.log.outputs.file.enabled", false)
	v.SetDefault("vigil.log.outputs.file.path", "/var/log/vigil/vigil.log")
	v.SetDefault("vigil.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("vigil.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("vigil.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("vigil.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("vigil.metrics.enabled", false)
	v.SetDefault("vigil.metrics.listen", ":9091")
	v.SetDefault("vigil.metrics.path", "/metrics")

	// Detect defaults
	v.SetDefault("vigil.detect.lookahead", 2500)
	v.SetDefault("vigil.detect.state.validate", false)
	v.SetDefault("vigil.detect.state.max_entries", 0)
	v.SetDefault("vigil.detect.multi_buffer.max_instances", 100)

	// Stream defaults
	v.SetDefault("vigil.stream.retention_bytes", 65536)
	v.SetDefault("vigil.stream.flow_timeout", "60s")
	v.SetDefault("vigil.stream.max_flows", 65536)

	// SIP defaults
	v.SetDefault("vigil.sip.enabled", true)
	v.SetDefault("vigil.sip.ports", []int{5060})

	// Alert defaults
	v.SetDefault("vigil.alerts.enabled", true)
	v.SetDefault("vigil.alerts.path", "alerts.json")
	v.SetDefault("vigil.alerts.rotation.max_size_mb", 100)
	v.SetDefault("vigil.alerts.rotation.max_age_days", 7)
	v.SetDefault("vigil.alerts.rotation.max_backups", 3)
	v.SetDefault("vigil.alerts.rotation.compress", false)
	v.SetDefault("vigil.alerts.kafka.enabled", false)
	v.SetDefault("vigil.alerts.kafka.topic", "vigil-alerts")
	v.SetDefault("vigil.alerts.kafka.batch_size", 100)
	v.SetDefault("vigil.alerts.kafka.batch_timeout", "100ms")
	v.SetDefault("vigil.alerts.kafka.compression", "snappy")
	v.SetDefault("vigil.alerts.kafka.max_attempts", 3)

	// File store defaults
	v.SetDefault("vigil.filestore.enabled", false)
	v.SetDefault("vigil.filestore.dir", "files")
	v.SetDefault("vigil.filestore.max_file_size", 1048576)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error): %w", cfg.Log.Level, core.ErrConfigInvalid)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text): %w", cfg.Log.Format, core.ErrConfigInvalid)
	}

	// ── Workers ──
	if cfg.Workers < 0 {
		return fmt.Errorf("invalid workers: %d: %w", cfg.Workers, core.ErrConfigInvalid)
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	// ── Detect ──
	if cfg.Detect.Lookahead <= 0 {
		return fmt.Errorf("detect.lookahead must be positive, got %d: %w", cfg.Detect.Lookahead, core.ErrConfigInvalid)
	}
	if cfg.Detect.State.MaxEntries < 0 {
		return fmt.Errorf("detect.state.max_entries must not be negative: %w", core.ErrConfigInvalid)
	}
	if cfg.Detect.MultiBuffer.MaxInstances < 0 {
		return fmt.Errorf("detect.multi_buffer.max_instances must not be negative: %w", core.ErrConfigInvalid)
	}

	// ── Stream ──
	d, err := time.ParseDuration(cfg.Stream.FlowTimeout)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid stream.flow_timeout %q: %w", cfg.Stream.FlowTimeout, core.ErrConfigInvalid)
	}
	cfg.Stream.FlowTimeoutDuration = d
	if cfg.Stream.RetentionBytes < 0 {
		return fmt.Errorf("stream.retention_bytes must not be negative: %w", core.ErrConfigInvalid)
	}

	// ── SIP ──
	for _, p := range cfg.SIP.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid sip port %d: %w", p, core.ErrConfigInvalid)
		}
	}

	// ── Output ──
	if cfg.Alerts.Enabled && cfg.Alerts.Path == "" {
		return fmt.Errorf("alerts.path is required when alerts.enabled=true: %w", core.ErrConfigInvalid)
	}
	if k := &cfg.Alerts.Kafka; k.Enabled {
		if len(k.Brokers) == 0 || k.Topic == "" {
			return fmt.Errorf("alerts.kafka requires brokers and topic: %w", core.ErrConfigInvalid)
		}
		switch k.Compression {
		case "", "none", "gzip", "snappy", "lz4":
		default:
			return fmt.Errorf("invalid alerts.kafka.compression %q: %w", k.Compression, core.ErrConfigInvalid)
		}
		d, err := time.ParseDuration(k.BatchTimeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid alerts.kafka.batch_timeout %q: %w", k.BatchTimeout, core.ErrConfigInvalid)
		}
		k.BatchTimeoutDuration = d
	}
	if cfg.FileStore.Enabled && cfg.FileStore.Dir == "" {
		return fmt.Errorf("filestore.dir is required when filestore.enabled=true: %w", core.ErrConfigInvalid)
	}

	return nil
}
