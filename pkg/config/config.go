// Package config loads and validates the node configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (MESHREG_*), for keys present in the file
//  2. Configuration file (YAML)
//  3. Default values
//
// When no configuration file is found, Load returns the defaults and does
// not read environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Role names which tier this node runs.
type Role string

const (
	RoleSession Role = "session"
	RoleData    Role = "data"
)

// Config is the full configuration tree of a meshreg node.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Node identifies this process in the cluster
	Node NodeConfig `mapstructure:"node" yaml:"node"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains admin API server configuration
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Slot contains the slot manager tunables (data role)
	Slot SlotConfig `mapstructure:"slot" yaml:"slot"`

	// Push contains the push processor tunables (session role)
	Push PushConfig `mapstructure:"push" yaml:"push"`

	// Executors size the keyed worker pools of the slot manager
	Executors ExecutorsConfig `mapstructure:"executors" yaml:"executors"`

	// Recorder configures the on-disk slot table recorder
	Recorder RecorderConfig `mapstructure:"recorder" yaml:"recorder"`

	// Storage configures the optional datum snapshot persistence (data role)
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// ShutdownTimeout is loaded and validated but not read by the node: the
	// admin API and metrics servers shut down with a fixed 5s timeout.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	// Role selects the tier this process runs: session or data
	Role Role `mapstructure:"role" validate:"required,oneof=session data" yaml:"role"`

	// IP is this node's address as peers see it
	IP string `mapstructure:"ip" validate:"required" yaml:"ip"`

	// DataCenter is the local data center name
	DataCenter string `mapstructure:"data_center" validate:"required" yaml:"data_center"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
// When Enabled is false no metrics are collected (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint. Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// APIConfig configures the admin API server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the admin API. Default: 9615
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadTimeout, WriteTimeout, and IdleTimeout apply to the HTTP server.
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// JWTSecret, when set, guards mutating endpoints with bearer token
	// auth. Empty disables auth (local/dev use).
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
}

// SlotConfig contains the slot manager tunables.
type SlotConfig struct {
	// Count is the fixed slot count; every tier must agree. Default: 256
	Count int `mapstructure:"count" validate:"omitempty,min=1" yaml:"count"`

	// LeaderSyncSessionInterval is the steady-state leader→session sync
	// period. Default: 6s
	LeaderSyncSessionInterval time.Duration `mapstructure:"leader_sync_session_interval" yaml:"leader_sync_session_interval"`

	// FollowerSyncLeaderInterval is the follower→leader sync period.
	// Default: 3s
	FollowerSyncLeaderInterval time.Duration `mapstructure:"follower_sync_leader_interval" yaml:"follower_sync_leader_interval"`

	// WatchdogTick bounds the slot watchdog's reaction latency. Default: 200ms
	WatchdogTick time.Duration `mapstructure:"watchdog_tick" yaml:"watchdog_tick"`

	// SyncTimeout bounds one sync task run. Default: 30s
	SyncTimeout time.Duration `mapstructure:"sync_timeout" yaml:"sync_timeout"`

	// SyncPageSize bounds datums per diff-sync round-trip. Default: 64
	SyncPageSize int `mapstructure:"sync_page_size" validate:"omitempty,min=1" yaml:"sync_page_size"`
}

// PushConfig contains the push processor tunables.
type PushConfig struct {
	// StopPush disables all outbound pushes. Dynamic: reloadable at
	// runtime via config watch or the admin API.
	StopPush bool `mapstructure:"stop_push" yaml:"stop_push"`

	// RetryMax bounds retries per push task. Default: 3
	RetryMax int `mapstructure:"retry_max" validate:"omitempty,min=1" yaml:"retry_max"`

	// Expire is the batching window and retry backoff. Default: 500ms
	Expire time.Duration `mapstructure:"expire" yaml:"expire"`

	// WatchdogTick bounds the push watchdog's drain latency. Default: 100ms
	WatchdogTick time.Duration `mapstructure:"watchdog_tick" yaml:"watchdog_tick"`

	// Executor sizes the per-address serial push pool.
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
}

// ExecutorConfig sizes one keyed worker pool.
type ExecutorConfig struct {
	// Workers is the worker goroutine count. Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers"`

	// Queue is the per-worker queue capacity. Default: 128
	Queue int `mapstructure:"queue" validate:"omitempty,min=1" yaml:"queue"`
}

// ExecutorsConfig sizes the slot manager's three pools.
type ExecutorsConfig struct {
	MigrateSession ExecutorConfig `mapstructure:"migrate_session" yaml:"migrate_session"`
	SyncSession    ExecutorConfig `mapstructure:"sync_session" yaml:"sync_session"`
	SyncLeader     ExecutorConfig `mapstructure:"sync_leader" yaml:"sync_leader"`
}

// RecorderConfig configures the on-disk slot table recorder.
type RecorderConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Dir is where table files are written. Default: ./meshreg-tables
	Dir string `mapstructure:"dir" yaml:"dir"`

	// MaxFiles bounds how many table files are kept. Default: 30
	MaxFiles int `mapstructure:"max_files" validate:"omitempty,min=1" yaml:"max_files"`
}

// StorageConfig configures datum snapshot persistence on data nodes.
type StorageConfig struct {
	// PersistenceEnabled turns on the BadgerDB-backed snapshot
	// write-behind.
	PersistenceEnabled bool `mapstructure:"persistence_enabled" yaml:"persistence_enabled"`

	// Dir is the BadgerDB directory. Required when persistence is on.
	Dir string `mapstructure:"dir" validate:"required_if=PersistenceEnabled true" yaml:"dir"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file discovery.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the MESHREG_ prefix and underscores.
	// Example: MESHREG_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("MESHREG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path, preferring
// XDG_CONFIG_HOME, then ~/.config, then the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "meshreg")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "meshreg")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks for a config file at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
