// Package config provides configuration for the tempora CLI and library wiring.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tempora/tempora/internal/schema"
)

// Config holds the tempora configuration.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Query configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Storage configuration for snapshot exports
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Export configuration
	Export ExportConfig `json:"export" yaml:"export"`

	// Relations replaces the default catalog when non-empty
	Relations []schema.Relation `json:"relations" yaml:"relations"`
}

// DatabaseConfig holds the SQLite entity and journal store configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file
	Path string `json:"path" yaml:"path"`

	// BusyTimeout is how long writers wait for a locked database
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// QueryConfig holds executor and index advisor configuration.
type QueryConfig struct {
	// Timeout bounds a single query
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// StatementCacheSize is the number of prepared statements kept
	StatementCacheSize int `json:"statement_cache_size" yaml:"statement_cache_size"`

	// SlowQueryThreshold logs queries slower than this
	SlowQueryThreshold time.Duration `json:"slow_query_threshold" yaml:"slow_query_threshold"`

	// StatsWindow is the sliding window for query statistics
	StatsWindow time.Duration `json:"stats_window" yaml:"stats_window"`

	// IndexThreshold is the filter count before a payload field is indexed
	IndexThreshold int64 `json:"index_threshold" yaml:"index_threshold"`

	// MaxIndexes bounds the payload indexes the advisor proposes
	MaxIndexes int `json:"max_indexes" yaml:"max_indexes"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// ExportConfig holds snapshot export configuration.
type ExportConfig struct {
	// Prefix is the object path prefix for generated export names
	Prefix string `json:"prefix" yaml:"prefix"`

	// WorkDir holds temporary export files
	WorkDir string `json:"work_dir" yaml:"work_dir"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tempora",
		Database: DatabaseConfig{
			BusyTimeout: 5 * time.Second,
		},
		Query: QueryConfig{
			Timeout:            30 * time.Second,
			StatementCacheSize: 128,
			SlowQueryThreshold: 500 * time.Millisecond,
			StatsWindow:        time.Hour,
			IndexThreshold:     100,
			MaxIndexes:         8,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Export: ExportConfig{
			Prefix: "exports",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tempora"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "tempora.db")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Export.WorkDir == "" {
		c.Export.WorkDir = filepath.Join(c.DataDir, "work")
	}
}

// Catalog returns the configured relations, or the default catalog.
func (c *Config) Catalog() (*schema.Catalog, error) {
	if len(c.Relations) == 0 {
		return schema.DefaultCatalog(), nil
	}
	return schema.NewCatalog(c.Relations...)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query.timeout must be positive, got %v", c.Query.Timeout)
	}

	if c.Query.StatementCacheSize < 0 {
		return fmt.Errorf("query.statement_cache_size must not be negative, got %d", c.Query.StatementCacheSize)
	}

	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("invalid relations: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TEMPORA_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TEMPORA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Database configuration
	if v := os.Getenv("TEMPORA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TEMPORA_DATABASE_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.BusyTimeout = d
		}
	}

	// Query configuration
	if v := os.Getenv("TEMPORA_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Query.Timeout = d
		}
	}
	if v := os.Getenv("TEMPORA_QUERY_STATEMENT_CACHE_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.StatementCacheSize)
	}
	if v := os.Getenv("TEMPORA_QUERY_INDEX_THRESHOLD"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.IndexThreshold)
	}

	// Storage configuration
	if v := os.Getenv("TEMPORA_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TEMPORA_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TEMPORA_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TEMPORA_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TEMPORA_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("TEMPORA_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Export configuration
	if v := os.Getenv("TEMPORA_EXPORT_PREFIX"); v != "" {
		cfg.Export.Prefix = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Database.Path),
		c.Export.WorkDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
