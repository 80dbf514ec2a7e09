// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/wiretap/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `wiretap:` root key in YAML.
type GlobalConfig struct {
	Control    ControlConfig    `mapstructure:"control" yaml:"control"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Credential CredentialConfig `mapstructure:"credential" yaml:"credential"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Parser     ParserConfig     `mapstructure:"parser" yaml:"parser"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
	Sinks      SinksConfig      `mapstructure:"sinks" yaml:"sinks"`
	Netif      NetifConfig      `mapstructure:"netif" yaml:"netif"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string             `mapstructure:"socket" yaml:"socket"`
	PIDFile string             `mapstructure:"pid_file" yaml:"pid_file"`
	Kafka   KafkaCommandConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaCommandConfig configures the remote command channel. Only capture
// start and stop are accepted on it.
type KafkaCommandConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers     []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic       string        `mapstructure:"topic" yaml:"topic"`
	GroupID     string        `mapstructure:"group_id" yaml:"group_id"`
	StartOffset string        `mapstructure:"start_offset" yaml:"start_offset"` // earliest | latest
	CommandTTL  time.Duration `mapstructure:"command_ttl" yaml:"command_ttl"`   // older commands are skipped
	Target      string        `mapstructure:"target" yaml:"target"`             // node name; defaults to hostname
}

// ─── Capture ───

// Elevation modes.
const (
	ElevationAuto = "auto" // elevate only when not running as root
	ElevationSudo = "sudo" // always elevate
	ElevationNone = "none" // never elevate
)

// CaptureConfig describes the external capture command.
type CaptureConfig struct {
	Tool          string   `mapstructure:"tool" yaml:"tool"`                     // e.g. tcpdump
	Elevation     string   `mapstructure:"elevation" yaml:"elevation"`           // auto | sudo | none
	ElevationTool string   `mapstructure:"elevation_tool" yaml:"elevation_tool"` // e.g. sudo
	ExtraArgs     []string `mapstructure:"extra_args" yaml:"extra_args"`
}

// CredentialConfig controls the interactive credential exchange.
type CredentialConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SupervisorConfig controls subprocess termination.
type SupervisorConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// ParserConfig controls output parsing throughput.
type ParserConfig struct {
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"` // max lines handled per stdout chunk
}

// EventsConfig controls observer fan-out.
type EventsConfig struct {
	Buffer int `mapstructure:"buffer" yaml:"buffer"` // per-subscriber queue length
}

// ─── Sinks ───

// SinksConfig holds observer sink configurations.
type SinksConfig struct {
	Console ConsoleSinkConfig `mapstructure:"console" yaml:"console"`
	Kafka   KafkaSinkConfig   `mapstructure:"kafka" yaml:"kafka"`
}

// ConsoleSinkConfig configures the console packet printer.
type ConsoleSinkConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Color   bool `mapstructure:"color" yaml:"color"`
	Dump    bool `mapstructure:"dump" yaml:"dump"` // print protocol tree and hex dump
}

// KafkaSinkConfig configures the Kafka packet exporter.
type KafkaSinkConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none | gzip | snappy | lz4 | zstd
}

// NetifConfig controls interface enumeration.
type NetifConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `wiretap: ...`.
type configRoot struct {
	Wiretap GlobalConfig `mapstructure:"wiretap"`
}

// Load loads configuration from file.
// Env vars use the WIRETAP_ prefix (e.g., WIRETAP_CAPTURE_TOOL).
func Load(path string) (*GlobalConfig, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return decode(v)
}

// Default returns the configuration used when no file is given.
// Environment overrides still apply.
func Default() (*GlobalConfig, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*GlobalConfig, error) {
	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Wiretap

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "wiretap." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("wiretap.control.socket", "/tmp/wiretap.sock")
	v.SetDefault("wiretap.control.pid_file", "/tmp/wiretap.pid")
	v.SetDefault("wiretap.control.kafka.enabled", false)
	v.SetDefault("wiretap.control.kafka.topic", "wiretap-commands")
	v.SetDefault("wiretap.control.kafka.group_id", "wiretap")
	v.SetDefault("wiretap.control.kafka.start_offset", "latest")
	v.SetDefault("wiretap.control.kafka.command_ttl", "5m")

	// Capture defaults
	v.SetDefault("wiretap.capture.tool", "tcpdump")
	v.SetDefault("wiretap.capture.elevation", ElevationAuto)
	v.SetDefault("wiretap.capture.elevation_tool", "sudo")
	v.SetDefault("wiretap.capture.extra_args", []string{})

	v.SetDefault("wiretap.credential.timeout", "30s")
	v.SetDefault("wiretap.supervisor.grace_period", "5s")
	v.SetDefault("wiretap.parser.batch_size", 20)
	v.SetDefault("wiretap.events.buffer", 1024)

	// Sink defaults
	v.SetDefault("wiretap.sinks.console.enabled", false)
	v.SetDefault("wiretap.sinks.console.color", true)
	v.SetDefault("wiretap.sinks.console.dump", false)
	v.SetDefault("wiretap.sinks.kafka.enabled", false)
	v.SetDefault("wiretap.sinks.kafka.topic", "wiretap-packets")
	v.SetDefault("wiretap.sinks.kafka.batch_size", 100)
	v.SetDefault("wiretap.sinks.kafka.batch_timeout", "100ms")
	v.SetDefault("wiretap.sinks.kafka.compression", "snappy")

	v.SetDefault("wiretap.netif.cache_ttl", "2s")

	// Metrics defaults
	v.SetDefault("wiretap.metrics.enabled", false)
	v.SetDefault("wiretap.metrics.listen", "127.0.0.1:9092")
	v.SetDefault("wiretap.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("wiretap.log.level", "info")
	v.SetDefault("wiretap.log.format", "text")
	v.SetDefault("wiretap.log.outputs.file.enabled", false)
	v.SetDefault("wiretap.log.outputs.file.path", "/tmp/wiretap/wiretap.log")
	v.SetDefault("wiretap.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("wiretap.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("wiretap.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("wiretap.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Capture validation ──
	if cfg.Capture.Tool == "" {
		return fmt.Errorf("%w: capture.tool is required", core.ErrConfigInvalid)
	}
	switch cfg.Capture.Elevation {
	case ElevationAuto, ElevationSudo, ElevationNone:
	default:
		return fmt.Errorf("%w: invalid capture.elevation: %s (must be auto/sudo/none)", core.ErrConfigInvalid, cfg.Capture.Elevation)
	}
	if cfg.Capture.Elevation != ElevationNone && cfg.Capture.ElevationTool == "" {
		return fmt.Errorf("%w: capture.elevation_tool is required when elevation is %s", core.ErrConfigInvalid, cfg.Capture.Elevation)
	}

	// ── Timing ──
	if cfg.Credential.Timeout <= 0 {
		return fmt.Errorf("%w: credential.timeout must be positive", core.ErrConfigInvalid)
	}
	if cfg.Supervisor.GracePeriod <= 0 {
		return fmt.Errorf("%w: supervisor.grace_period must be positive", core.ErrConfigInvalid)
	}
	if cfg.Parser.BatchSize <= 0 {
		return fmt.Errorf("%w: parser.batch_size must be positive", core.ErrConfigInvalid)
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 1024
	}

	// ── Kafka command channel ──
	if kc := &cfg.Control.Kafka; kc.Enabled {
		if len(kc.Brokers) == 0 {
			return fmt.Errorf("%w: control.kafka.brokers is required when control.kafka.enabled=true", core.ErrConfigInvalid)
		}
		if kc.Topic == "" || kc.GroupID == "" {
			return fmt.Errorf("%w: control.kafka.topic and control.kafka.group_id are required", core.ErrConfigInvalid)
		}
		if kc.StartOffset != "earliest" && kc.StartOffset != "latest" {
			return fmt.Errorf("%w: invalid control.kafka.start_offset: %s (must be earliest/latest)", core.ErrConfigInvalid, kc.StartOffset)
		}
		if kc.Target == "" {
			host, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("%w: control.kafka.target unset and hostname unavailable: %v", core.ErrConfigInvalid, err)
			}
			kc.Target = host
		}
	}

	// ── Kafka sink ──
	if cfg.Sinks.Kafka.Enabled {
		if len(cfg.Sinks.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: sinks.kafka.brokers is required when sinks.kafka.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.Sinks.Kafka.Topic == "" {
			return fmt.Errorf("%w: sinks.kafka.topic is required when sinks.kafka.enabled=true", core.ErrConfigInvalid)
		}
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	return nil
}
