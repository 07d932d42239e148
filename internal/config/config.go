// Package config provides unified configuration for the tarn engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything a session needs to open the data store.
type Config struct {
	// DataDir is the base directory for local state
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Author is attached to every snapshot this session commits
	Author string `json:"author" yaml:"author"`

	// Write configuration
	Write WriteConfig `json:"write" yaml:"write"`

	// Vacuum configuration
	Vacuum VacuumConfig `json:"vacuum" yaml:"vacuum"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// WriteConfig holds write-path configuration.
type WriteConfig struct {
	// CommitRetries is the number of automatic retries after a commit
	// conflict, on top of the initial attempt
	CommitRetries int `json:"commit_retries" yaml:"commit_retries"`
}

// VacuumConfig holds default retention settings for vacuum runs.
type VacuumConfig struct {
	// RetentionDays expires snapshots older than this many days
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// KeepLast floors retention at the N most recent snapshots
	KeepLast int `json:"keep_last" yaml:"keep_last"`
}

// StorageConfig holds object storage configuration.
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

	// UsePathStyle forces path-style addressing (for MinIO and friends)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tarn",
		Write: WriteConfig{
			CommitRetries: 3,
		},
		Vacuum: VacuumConfig{
			RetentionDays: 7,
			KeepLast:      2,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tarn"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// CatalogPath returns the path to the catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// RetentionWindow returns the vacuum age cutoff as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Vacuum.RetentionDays) * 24 * time.Hour
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

	if c.Write.CommitRetries < 0 {
		return fmt.Errorf("write.commit_retries cannot be negative, got %d", c.Write.CommitRetries)
	}

	if c.Vacuum.RetentionDays < 0 {
		return fmt.Errorf("vacuum.retention_days cannot be negative, got %d", c.Vacuum.RetentionDays)
	}

	if c.Vacuum.KeepLast < 1 {
		return fmt.Errorf("vacuum.keep_last must be at least 1, got %d", c.Vacuum.KeepLast)
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
// Environment variables use the TARN_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TARN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TARN_AUTHOR"); v != "" {
		cfg.Author = v
	}

	if v := os.Getenv("TARN_COMMIT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Write.CommitRetries = n
		}
	}

	if v := os.Getenv("TARN_VACUUM_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Vacuum.RetentionDays = n
		}
	}
	if v := os.Getenv("TARN_VACUUM_KEEP_LAST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Vacuum.KeepLast = n
		}
	}

	// Storage configuration
	if v := os.Getenv("TARN_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TARN_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TARN_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TARN_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TARN_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("TARN_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
}

// Load reads configuration from an optional file path, applies environment
// overrides, resolves derived paths, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
