package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Sync      SyncConfig      `yaml:"sync"`
	Device    DeviceConfig    `yaml:"device"`
	Integrity IntegrityConfig `yaml:"integrity"`
	Persist   PersistConfig   `yaml:"persist"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains remote sync server settings.
type ServerConfig struct {
	URL           string   `yaml:"url"`
	APIKey        string   `yaml:"-"` // env-only, never in YAML
	ProbeInterval Duration `yaml:"probe_interval"`
}

// DatabaseConfig contains local database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig contains the local HTTP facade settings.
type APIConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// SyncConfig contains sync queue settings.
type SyncConfig struct {
	Interval       Duration `yaml:"interval"`
	BatchSize      int      `yaml:"batch_size"`
	BaseRetryDelay Duration `yaml:"base_retry_delay"`
	MaxRetryDelay  Duration `yaml:"max_retry_delay"`
	MaxRetries     int      `yaml:"max_retries"`
	Strategy       string   `yaml:"strategy"`
}

// DeviceConfig contains cross-device settings.
type DeviceConfig struct {
	Name           string   `yaml:"name"`
	Type           string   `yaml:"type"`
	ActivityWindow Duration `yaml:"activity_window"`
}

// IntegrityConfig contains backup and corruption-recovery settings.
type IntegrityConfig struct {
	MaxBackupsPerList int      `yaml:"max_backups_per_list"`
	S3                S3Config `yaml:"s3"`
}

// S3Config contains optional off-device backup mirroring settings.
// Mirroring is disabled when Endpoint is empty.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
}

// PersistConfig contains session, history and auto-backup settings.
type PersistConfig struct {
	SessionTTL         Duration `yaml:"session_ttl"`
	HistoryMaxEntries  int      `yaml:"history_max_entries"`
	HistoryMaxAge      Duration `yaml:"history_max_age"`
	AutoBackupInterval Duration `yaml:"auto_backup_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("BASKETD_CONFIG_PATH", "config/basketd.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			ProbeInterval: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/basketd.db",
		},
		API: APIConfig{
			Port:            7246,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Sync: SyncConfig{
			Interval:       Duration(5 * time.Minute),
			BatchSize:      10,
			BaseRetryDelay: Duration(1 * time.Second),
			MaxRetryDelay:  Duration(30 * time.Second),
			MaxRetries:     3,
			Strategy:       "local-wins",
		},
		Device: DeviceConfig{
			ActivityWindow: Duration(30 * 24 * time.Hour),
		},
		Integrity: IntegrityConfig{
			MaxBackupsPerList: 10,
		},
		Persist: PersistConfig{
			SessionTTL:         Duration(24 * time.Hour),
			HistoryMaxEntries:  50,
			HistoryMaxAge:      Duration(30 * 24 * time.Hour),
			AutoBackupInterval: Duration(10 * time.Minute),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("BASKETD_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("BASKETD_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("BASKETD_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ProbeInterval = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("BASKETD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("BASKETD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("BASKETD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.API.ShutdownTimeout = Duration(d)
		}
	}

	// Sync
	if v := os.Getenv("BASKETD_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("BASKETD_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BatchSize = n
		}
	}
	if v := os.Getenv("BASKETD_SYNC_BASE_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BaseRetryDelay = Duration(d)
		}
	}
	if v := os.Getenv("BASKETD_SYNC_MAX_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.MaxRetryDelay = Duration(d)
		}
	}
	if v := os.Getenv("BASKETD_SYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxRetries = n
		}
	}
	if v := os.Getenv("BASKETD_SYNC_STRATEGY"); v != "" {
		cfg.Sync.Strategy = v
	}

	// Device
	if v := os.Getenv("BASKETD_DEVICE_NAME"); v != "" {
		cfg.Device.Name = v
	}
	if v := os.Getenv("BASKETD_DEVICE_TYPE"); v != "" {
		cfg.Device.Type = v
	}

	// Integrity / S3 mirroring
	if v := os.Getenv("BASKETD_S3_ENDPOINT"); v != "" {
		cfg.Integrity.S3.Endpoint = v
	}
	if v := os.Getenv("BASKETD_S3_BUCKET"); v != "" {
		cfg.Integrity.S3.Bucket = v
	}
	if v := os.Getenv("BASKETD_S3_ACCESS_KEY"); v != "" {
		cfg.Integrity.S3.AccessKey = v
	}
	if v := os.Getenv("BASKETD_S3_SECRET_KEY"); v != "" {
		cfg.Integrity.S3.SecretKey = v
	}

	// Persist
	if v := os.Getenv("BASKETD_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Persist.SessionTTL = Duration(d)
		}
	}
	if v := os.Getenv("BASKETD_AUTO_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Persist.AutoBackupInterval = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("BASKETD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BASKETD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BASKETD_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// validate checks that configuration values are coherent. The remote
// server is optional: basketd runs fully offline without one, but a
// configured server URL requires an API key.
func (c *Config) validate() error {
	if c.Server.URL != "" && c.Server.APIKey == "" {
		return errors.New("BASKETD_API_KEY is required when server.url is set")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %v", time.Duration(c.Sync.Interval))
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	switch c.Sync.Strategy {
	case "local-wins", "server-wins", "merge", "manual", "timestamp", "device-priority":
	default:
		return fmt.Errorf("unknown sync.strategy %q", c.Sync.Strategy)
	}
	if c.Integrity.S3.Endpoint != "" {
		if c.Integrity.S3.Bucket == "" {
			return errors.New("integrity.s3.bucket is required when integrity.s3.endpoint is set")
		}
		if c.Integrity.S3.AccessKey == "" || c.Integrity.S3.SecretKey == "" {
			return errors.New("BASKETD_S3_ACCESS_KEY and BASKETD_S3_SECRET_KEY are required when integrity.s3.endpoint is set")
		}
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
