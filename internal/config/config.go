// Package config loads memfs configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/memfs/internal/snapshot"
)

// Persistence modes.
const (
	PersistShutdown = "shutdown"
	PersistMutation = "mutation"
	PersistInterval = "interval"
)

// Config holds all memfs settings.
type Config struct {
	// Filesystem
	Capacity    int   `yaml:"capacity"`
	MaxFileSize int64 `yaml:"max_file_size"`

	// Mount
	Bridge     string `yaml:"bridge"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`

	// Snapshot
	Snapshot        string        `yaml:"snapshot"`
	Persist         string        `yaml:"persist"`
	Autosave        time.Duration `yaml:"autosave"`
	Compression     string        `yaml:"compression"`
	RequireSnapshot bool          `yaml:"require_snapshot"`

	// Server
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// S3 storage
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Region       string `yaml:"s3_region"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3CreateBucket bool   `yaml:"s3_create_bucket"`

	// Database
	DatabaseURL string `yaml:"database_url"`
	PgRetain    int    `yaml:"pg_retain"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Capacity:    10,
		Bridge:      "gofuse",
		Snapshot:    "memfs.snapshot",
		Persist:     PersistShutdown,
		Autosave:    30 * time.Second,
		Compression: "none",
		LogLevel:    "info",
		LogFormat:   "console",
		S3Region:    "us-east-1",
		PgRetain:    1,
	}
}

// Load builds a Config from defaults, then the YAML file at path (if
// non-empty), then MEMFS_* environment variables. A .env file in the
// working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Capacity = envInt("MEMFS_CAPACITY", cfg.Capacity)
	cfg.MaxFileSize = envInt64("MEMFS_MAX_FILE_SIZE", cfg.MaxFileSize)
	cfg.Bridge = envOr("MEMFS_BRIDGE", cfg.Bridge)
	cfg.AllowOther = envBool("MEMFS_ALLOW_OTHER", cfg.AllowOther)
	cfg.Snapshot = envOr("MEMFS_SNAPSHOT", cfg.Snapshot)
	cfg.Persist = envOr("MEMFS_PERSIST", cfg.Persist)
	cfg.Autosave = envDuration("MEMFS_AUTOSAVE", cfg.Autosave)
	cfg.Compression = envOr("MEMFS_COMPRESSION", cfg.Compression)
	cfg.RequireSnapshot = envBool("MEMFS_REQUIRE_SNAPSHOT", cfg.RequireSnapshot)
	cfg.MetricsAddr = envOr("MEMFS_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("MEMFS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("MEMFS_LOG_FORMAT", cfg.LogFormat)
	cfg.S3Endpoint = envOr("MEMFS_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = envOr("MEMFS_S3_REGION", cfg.S3Region)
	cfg.S3AccessKey = envOr("MEMFS_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = envOr("MEMFS_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3CreateBucket = envBool("MEMFS_S3_CREATE_BUCKET", cfg.S3CreateBucket)
	cfg.DatabaseURL = envOr("MEMFS_DATABASE_URL", cfg.DatabaseURL)
	cfg.PgRetain = envInt("MEMFS_PG_RETAIN", cfg.PgRetain)

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("max file size must not be negative")
	}
	switch c.Bridge {
	case "gofuse", "cgofuse":
	default:
		return fmt.Errorf("unknown bridge %q (want gofuse or cgofuse)", c.Bridge)
	}
	switch c.Persist {
	case PersistShutdown, PersistMutation:
	case PersistInterval:
		if c.Autosave <= 0 {
			return fmt.Errorf("persist=interval needs a positive autosave interval")
		}
	default:
		return fmt.Errorf("unknown persist mode %q", c.Persist)
	}
	if _, err := snapshot.ParseCompression(c.Compression); err != nil {
		return err
	}
	if c.Snapshot == "" {
		return fmt.Errorf("snapshot location is required")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
