package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Storage mode values for sessions.storage_mode.
const (
	StorageMemory = "memory"
	StorageDisk   = "disk"
)

// Dataset mode values for sessions.dataset_mode.
const (
	DatasetNone          = "none"
	DatasetLocalReadonly = "local_readonly"
	DatasetAPIStaged     = "api_staged"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Datasets  DatasetsConfig  `mapstructure:"datasets"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport     string `mapstructure:"transport"`
	HTTPPort      int    `mapstructure:"http_port"`
	APIPort       int    `mapstructure:"api_port"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// SessionsConfig holds sandbox session configuration
type SessionsConfig struct {
	Root            string `mapstructure:"root"`
	Image           string `mapstructure:"image"`
	StorageMode     string `mapstructure:"storage_mode"`
	DatasetMode     string `mapstructure:"dataset_mode"`
	TmpfsSizeMB     int    `mapstructure:"tmpfs_size_mb"`
	ExecTimeoutSec  int    `mapstructure:"exec_timeout_sec"`
	MemoryMB        int    `mapstructure:"memory_mb"`
	CPUs            int    `mapstructure:"cpus"`
	IdleTimeoutSec  int    `mapstructure:"idle_timeout_sec"`
	ReplPort        int    `mapstructure:"repl_port"`
	HealthProbes    int    `mapstructure:"health_probes"`
	HealthProbeMsec int    `mapstructure:"health_probe_msec"`
}

// ArtifactsConfig holds artifact storage configuration
type ArtifactsConfig struct {
	BlobstoreDir string `mapstructure:"blobstore_dir"`
	CatalogPath  string `mapstructure:"catalog_path"`
	MaxSizeMB    int    `mapstructure:"max_size_mb"`
	TokenSecret  string `mapstructure:"token_secret"`
	TokenTTLSec  int    `mapstructure:"token_ttl_sec"`
}

// DatasetsConfig holds dataset staging configuration
type DatasetsConfig struct {
	HostReadonlyDir string `mapstructure:"host_readonly_dir"`
	APIBaseURL      string `mapstructure:"api_base_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.api_port", 8081)
	viper.SetDefault("server.public_base_url", "http://127.0.0.1:8081")

	viper.SetDefault("sessions.root", "./sessions")
	viper.SetDefault("sessions.image", "replbox-repl:latest")
	viper.SetDefault("sessions.storage_mode", StorageMemory)
	viper.SetDefault("sessions.dataset_mode", DatasetNone)
	viper.SetDefault("sessions.tmpfs_size_mb", 1024)
	viper.SetDefault("sessions.exec_timeout_sec", 30)
	viper.SetDefault("sessions.memory_mb", 2048)
	viper.SetDefault("sessions.cpus", 2)
	viper.SetDefault("sessions.idle_timeout_sec", 2700)
	viper.SetDefault("sessions.repl_port", 9000)
	viper.SetDefault("sessions.health_probes", 50)
	viper.SetDefault("sessions.health_probe_msec", 100)

	viper.SetDefault("artifacts.blobstore_dir", "./blobstore")
	viper.SetDefault("artifacts.catalog_path", "./artifacts.db")
	viper.SetDefault("artifacts.max_size_mb", 50)
	viper.SetDefault("artifacts.token_secret", "")
	viper.SetDefault("artifacts.token_ttl_sec", 600)

	viper.SetDefault("datasets.host_readonly_dir", "")
	viper.SetDefault("datasets.api_base_url", "")

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Sessions.StorageMode != StorageMemory && c.Sessions.StorageMode != StorageDisk {
		return fmt.Errorf("invalid sessions.storage_mode: %s, must be '%s' or '%s'",
			c.Sessions.StorageMode, StorageMemory, StorageDisk)
	}

	switch c.Sessions.DatasetMode {
	case DatasetNone:
	case DatasetAPIStaged:
		if c.Datasets.APIBaseURL == "" {
			return fmt.Errorf("datasets.api_base_url is required when sessions.dataset_mode is '%s'", DatasetAPIStaged)
		}
	case DatasetLocalReadonly:
		if c.Datasets.HostReadonlyDir == "" {
			return fmt.Errorf("datasets.host_readonly_dir is required when sessions.dataset_mode is '%s'", DatasetLocalReadonly)
		}
	default:
		return fmt.Errorf("invalid sessions.dataset_mode: %s, must be '%s', '%s' or '%s'",
			c.Sessions.DatasetMode, DatasetNone, DatasetLocalReadonly, DatasetAPIStaged)
	}

	if c.Sessions.ExecTimeoutSec <= 0 {
		return fmt.Errorf("sessions.exec_timeout_sec must be positive, got: %d", c.Sessions.ExecTimeoutSec)
	}

	if c.Sessions.MemoryMB <= 0 {
		return fmt.Errorf("sessions.memory_mb must be positive, got: %d", c.Sessions.MemoryMB)
	}

	if c.Sessions.TmpfsSizeMB <= 0 {
		return fmt.Errorf("sessions.tmpfs_size_mb must be positive, got: %d", c.Sessions.TmpfsSizeMB)
	}

	if c.Artifacts.MaxSizeMB <= 0 {
		return fmt.Errorf("artifacts.max_size_mb must be positive, got: %d", c.Artifacts.MaxSizeMB)
	}

	if c.Artifacts.TokenTTLSec <= 0 {
		return fmt.Errorf("artifacts.token_ttl_sec must be positive, got: %d", c.Artifacts.TokenTTLSec)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	return nil
}

// ExecTimeout returns the per-call execution timeout as a duration
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Sessions.ExecTimeoutSec) * time.Second
}

// IdleTimeout returns the session idle eviction threshold as a duration
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleTimeoutSec) * time.Second
}

// TokenTTL returns the download token lifetime as a duration
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Artifacts.TokenTTLSec) * time.Second
}

// MaxArtifactBytes returns the per-file artifact size cap in bytes
func (c *Config) MaxArtifactBytes() int64 {
	return int64(c.Artifacts.MaxSizeMB) * 1024 * 1024
}

// SessionDir returns the host-side directory for a session id
func (c *Config) SessionDir(sessionID string) string {
	return filepath.Join(c.Sessions.Root, sessionID)
}
