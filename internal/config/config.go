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
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Queue        QueueConfig        `yaml:"queue"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Cache        CacheConfig        `yaml:"cache"`
	Reference    ReferenceConfig    `yaml:"reference"`
	Backup       BackupConfig       `yaml:"backup"`
	Auth         AuthConfig         `yaml:"auth"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or bolt
	Path   string `yaml:"path"`
}

// UpstreamConfig describes the application that receives form submissions.
type UpstreamConfig struct {
	BaseURL        string   `yaml:"base_url"`
	Token          string   `yaml:"-"` // env-only, never in YAML
	RequestTimeout Duration `yaml:"request_timeout"`
}

// QueueConfig contains replay policy settings.
type QueueConfig struct {
	SchemaVersion    int           `yaml:"schema_version"`
	MinSchemaVersion int           `yaml:"min_schema_version"`
	LeaseTTL         Duration      `yaml:"lease_ttl"`
	MaxAttempts      int           `yaml:"max_attempts"` // 0 retries forever
	Backoff          BackoffConfig `yaml:"backoff"`
}

// BackoffConfig controls re-flushing while online after a partial flush.
type BackoffConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Initial       Duration `yaml:"initial"`
	Max           Duration `yaml:"max"`
	JitterPercent uint64   `yaml:"jitter_percent"`
}

// ConnectivityConfig contains connectivity detection settings.
type ConnectivityConfig struct {
	ProbeURL      string   `yaml:"probe_url"` // empty disables the prober
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	InitialOnline bool     `yaml:"initial_online"`
}

// CacheConfig contains reference-data cache settings.
type CacheConfig struct {
	Retention        Duration `yaml:"retention"`
	EvictionInterval Duration `yaml:"eviction_interval"`
}

// ReferenceConfig describes the PostgREST API that reference data is
// preloaded from.
type ReferenceConfig struct {
	BaseURL string   `yaml:"base_url"` // empty disables preload
	APIKey  string   `yaml:"-"`        // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// BackupConfig contains queue export settings.
type BackupConfig struct {
	Dir      string              `yaml:"dir"`
	Interval Duration            `yaml:"interval"` // 0 disables periodic export
	DeviceID string              `yaml:"device_id"`
	Storage  BackupStorageConfig `yaml:"storage"`
}

// BackupStorageConfig contains S3-compatible storage settings for queue
// exports. An empty bucket keeps exports local.
type BackupStorageConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
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

	// Determine config path
	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadLocal loads configuration for commands that work on the local store
// without serving or talking upstream. Only structural settings are
// validated; secrets and the upstream URL may be absent.
func LoadLocal() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.validateStructure(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used by tests and by callers that pass an explicit path.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/fieldsync.db",
		},
		Upstream: UpstreamConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
		Queue: QueueConfig{
			SchemaVersion:    1,
			MinSchemaVersion: 1,
			LeaseTTL:         Duration(2 * time.Minute),
			MaxAttempts:      0,
			Backoff: BackoffConfig{
				Enabled:       true,
				Initial:       Duration(30 * time.Second),
				Max:           Duration(15 * time.Minute),
				JitterPercent: 10,
			},
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
			InitialOnline: false,
		},
		Cache: CacheConfig{
			Retention:        Duration(24 * time.Hour),
			EvictionInterval: Duration(1 * time.Hour),
		},
		Reference: ReferenceConfig{
			Timeout: Duration(30 * time.Second),
		},
		Backup: BackupConfig{
			Dir:      "data/exports",
			Interval: 0,
			DeviceID: defaultDeviceID(),
			Storage: BackupStorageConfig{
				UseSSL:    boolPtr(true),
				URLExpiry: Duration(1 * time.Hour),
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
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
	if v := os.Getenv("FIELDSYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("FIELDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("FIELDSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("FIELDSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("FIELDSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("FIELDSYNC_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Upstream
	if v := os.Getenv("FIELDSYNC_UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("FIELDSYNC_UPSTREAM_TOKEN"); v != "" {
		cfg.Upstream.Token = v
	}
	envDuration("FIELDSYNC_REQUEST_TIMEOUT", &cfg.Upstream.RequestTimeout)

	// Queue
	envInt("FIELDSYNC_SCHEMA_VERSION", &cfg.Queue.SchemaVersion)
	envInt("FIELDSYNC_MIN_SCHEMA_VERSION", &cfg.Queue.MinSchemaVersion)
	envDuration("FIELDSYNC_LEASE_TTL", &cfg.Queue.LeaseTTL)
	envInt("FIELDSYNC_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	if v := os.Getenv("FIELDSYNC_BACKOFF_ENABLED"); v != "" {
		cfg.Queue.Backoff.Enabled = v == "true" || v == "1"
	}
	envDuration("FIELDSYNC_BACKOFF_INITIAL", &cfg.Queue.Backoff.Initial)
	envDuration("FIELDSYNC_BACKOFF_MAX", &cfg.Queue.Backoff.Max)

	// Connectivity
	if v := os.Getenv("FIELDSYNC_PROBE_URL"); v != "" {
		cfg.Connectivity.ProbeURL = v
	}
	envDuration("FIELDSYNC_PROBE_INTERVAL", &cfg.Connectivity.ProbeInterval)
	envDuration("FIELDSYNC_PROBE_TIMEOUT", &cfg.Connectivity.ProbeTimeout)
	if v := os.Getenv("FIELDSYNC_INITIAL_ONLINE"); v != "" {
		cfg.Connectivity.InitialOnline = v == "true" || v == "1"
	}

	// Cache
	envDuration("FIELDSYNC_CACHE_RETENTION", &cfg.Cache.Retention)
	envDuration("FIELDSYNC_CACHE_EVICTION_INTERVAL", &cfg.Cache.EvictionInterval)

	// Reference
	if v := os.Getenv("FIELDSYNC_REFERENCE_URL"); v != "" {
		cfg.Reference.BaseURL = v
	}
	if v := os.Getenv("FIELDSYNC_REFERENCE_API_KEY"); v != "" {
		cfg.Reference.APIKey = v
	}

	// Backup
	if v := os.Getenv("FIELDSYNC_BACKUP_DIR"); v != "" {
		cfg.Backup.Dir = v
	}
	envDuration("FIELDSYNC_BACKUP_INTERVAL", &cfg.Backup.Interval)
	if v := os.Getenv("FIELDSYNC_DEVICE_ID"); v != "" {
		cfg.Backup.DeviceID = v
	}
	if v := os.Getenv("FIELDSYNC_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Storage.Bucket = v
	}
	if v := os.Getenv("FIELDSYNC_S3_ENDPOINT"); v != "" {
		cfg.Backup.Storage.Endpoint = v
	}
	if v := os.Getenv("FIELDSYNC_S3_REGION"); v != "" {
		cfg.Backup.Storage.Region = v
	}
	if v := os.Getenv("FIELDSYNC_S3_USE_SSL"); v != "" {
		cfg.Backup.Storage.UseSSL = boolPtr(v == "true" || v == "1")
	}
	envDuration("FIELDSYNC_S3_URL_EXPIRY", &cfg.Backup.Storage.URLExpiry)
	if v := os.Getenv("FIELDSYNC_BACKUP_ACCESS_KEY"); v != "" {
		cfg.Backup.Storage.AccessKey = v
	}
	if v := os.Getenv("FIELDSYNC_BACKUP_SECRET_KEY"); v != "" {
		cfg.Backup.Storage.SecretKey = v
	}

	// Auth
	if v := os.Getenv("FIELDSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (FIELDSYNC_DEV_MODE=true), secret and upstream validation is
// skipped.
func (c *Config) validate() error {
	if err := c.validateStructure(); err != nil {
		return err
	}

	// Dev mode bypasses secret validation
	if os.Getenv("FIELDSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url (FIELDSYNC_UPSTREAM_URL) is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("FIELDSYNC_API_KEY is required")
	}
	if c.Backup.Storage.Bucket != "" && (c.Backup.Storage.AccessKey == "" || c.Backup.Storage.SecretKey == "") {
		return errors.New("FIELDSYNC_BACKUP_ACCESS_KEY and FIELDSYNC_BACKUP_SECRET_KEY are required when backup.storage.bucket is set")
	}
	return nil
}

func (c *Config) validateStructure() error {
	if c.Database.Driver != "sqlite" && c.Database.Driver != "bolt" {
		return fmt.Errorf("database.driver must be sqlite or bolt, got %q", c.Database.Driver)
	}
	if c.Queue.MinSchemaVersion > c.Queue.SchemaVersion {
		return fmt.Errorf("queue.min_schema_version (%d) exceeds queue.schema_version (%d)",
			c.Queue.MinSchemaVersion, c.Queue.SchemaVersion)
	}
	if c.Queue.MaxAttempts < 0 {
		return errors.New("queue.max_attempts must not be negative")
	}
	if c.Queue.Backoff.JitterPercent > 100 {
		return errors.New("queue.backoff.jitter_percent must be at most 100")
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

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// defaultDeviceID names exports after the host when nothing is configured.
func defaultDeviceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "fieldsync"
}
