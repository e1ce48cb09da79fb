// Package common provides shared utilities for fhegate
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for fhegate
type Config struct {
	Environment string                `toml:"environment"`
	Server      ServerConfig          `toml:"server"`
	Broker      BrokerConfig          `toml:"broker"`
	Results     ResultsConfig         `toml:"results"`
	Files       FilesConfig           `toml:"files"`
	Worker      WorkerConfig          `toml:"worker"`
	Logging     LoggingConfig         `toml:"logging"`
	Tasks       map[string]TaskConfig `toml:"tasks"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`
}

// BrokerConfig holds the SurrealDB broker endpoint configuration.
// The broker carries both the job queue and the result store tables.
type BrokerConfig struct {
	Driver            string `toml:"driver"` // "surreal" (default) or "memory"
	Address           string `toml:"address"`
	Namespace         string `toml:"namespace"`
	Database          string `toml:"database"`
	Username          string `toml:"username"`
	Password          string `toml:"password"`
	VisibilityTimeout string `toml:"visibility_timeout"` // duration string, default "60s"
}

// GetVisibilityTimeout parses and returns the lease visibility timeout.
func (c *BrokerConfig) GetVisibilityTimeout() time.Duration {
	d, err := time.ParseDuration(c.VisibilityTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// ResultsConfig holds result store policy.
type ResultsConfig struct {
	TTL string `toml:"ttl"` // duration string, default "720h" (one month)
}

// GetTTL parses and returns the result record time-to-live.
func (c *ResultsConfig) GetTTL() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 720 * time.Hour
	}
	return d
}

// FilesConfig holds the shared object store roots.
// BackupDir defaults to SharedDir; both areas may live in one directory.
type FilesConfig struct {
	SharedDir string `toml:"shared_dir"`
	BackupDir string `toml:"backup_dir"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	Concurrency int      `toml:"concurrency"` // concurrency slots per worker process, default 1
	Prefetch    int      `toml:"prefetch"`    // leases fetched per slot ahead of execution, default 1
	Channels    []string `toml:"channels"`    // queue channels this pool consumes
	TaskDir     string   `toml:"task_dir"`    // directory containing the use-case executables
}

// GetConcurrency returns the configured concurrency with a floor of 1.
func (c *WorkerConfig) GetConcurrency() int {
	if c.Concurrency <= 0 {
		return 1
	}
	return c.Concurrency
}

// GetPrefetch returns the configured prefetch with a floor of 1.
func (c *WorkerConfig) GetPrefetch() int {
	if c.Prefetch <= 0 {
		return 1
	}
	return c.Prefetch
}

// TaskConfig is one use-case entry under [tasks.<name>].
type TaskConfig struct {
	Binary       string             `toml:"binary"`
	Queue        string             `toml:"queue"`
	ResponseType string             `toml:"response_type"`
	InputFile    string             `toml:"input_file"`
	OutputFiles  []TaskOutputConfig `toml:"output_files"`
}

// TaskOutputConfig declares one output artifact of a use-case.
type TaskOutputConfig struct {
	Name         string `toml:"name"`          // filename template, rendered with {uid}
	Key          string `toml:"key"`           // JSON response key
	ResponseType string `toml:"response_type"` // "base64" or "utf8"
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Broker: BrokerConfig{
			Driver:            "surreal",
			Address:           "ws://localhost:8000/rpc",
			Namespace:         "fhegate",
			Database:          "fhegate",
			Username:          "root",
			Password:          "root",
			VisibilityTimeout: "60s",
		},
		Results: ResultsConfig{
			TTL: "720h",
		},
		Files: FilesConfig{
			SharedDir: "data/shared",
		},
		Worker: WorkerConfig{
			Concurrency: 1,
			Prefetch:    1,
			Channels:    []string{"usecases"},
			TaskDir:     "tasks",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/fhegate.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	if config.Files.BackupDir == "" {
		config.Files.BackupDir = config.Files.SharedDir
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// All environment variables are read once, here, at load time.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FHEGATE_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("FHEGATE_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("FHEGATE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if cert := os.Getenv("FHEGATE_TLS_CERT"); cert != "" {
		config.Server.TLSCert = cert
	}
	if key := os.Getenv("FHEGATE_TLS_KEY"); key != "" {
		config.Server.TLSKey = key
	}

	if driver := os.Getenv("FHEGATE_BROKER_DRIVER"); driver != "" {
		config.Broker.Driver = driver
	}
	if addr := os.Getenv("FHEGATE_BROKER_ADDRESS"); addr != "" {
		config.Broker.Address = addr
	}
	if ns := os.Getenv("FHEGATE_BROKER_NAMESPACE"); ns != "" {
		config.Broker.Namespace = ns
	}
	if db := os.Getenv("FHEGATE_BROKER_DATABASE"); db != "" {
		config.Broker.Database = db
	}
	if user := os.Getenv("FHEGATE_BROKER_USERNAME"); user != "" {
		config.Broker.Username = user
	}
	if pass := os.Getenv("FHEGATE_BROKER_PASSWORD"); pass != "" {
		config.Broker.Password = pass
	}
	if vt := os.Getenv("FHEGATE_VISIBILITY_TIMEOUT"); vt != "" {
		config.Broker.VisibilityTimeout = vt
	}

	if ttl := os.Getenv("FHEGATE_RESULT_TTL"); ttl != "" {
		config.Results.TTL = ttl
	}

	if dir := os.Getenv("FHEGATE_SHARED_DIR"); dir != "" {
		config.Files.SharedDir = dir
	}
	if dir := os.Getenv("FHEGATE_BACKUP_DIR"); dir != "" {
		config.Files.BackupDir = dir
	}

	if conc := os.Getenv("FHEGATE_WORKER_CONCURRENCY"); conc != "" {
		if c, err := strconv.Atoi(conc); err == nil {
			config.Worker.Concurrency = c
		}
	}
	if pf := os.Getenv("FHEGATE_WORKER_PREFETCH"); pf != "" {
		if p, err := strconv.Atoi(pf); err == nil {
			config.Worker.Prefetch = p
		}
	}
	if ch := os.Getenv("FHEGATE_WORKER_CHANNELS"); ch != "" {
		parts := strings.Split(ch, ",")
		channels := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				channels = append(channels, p)
			}
		}
		if len(channels) > 0 {
			config.Worker.Channels = channels
		}
	}
	if dir := os.Getenv("FHEGATE_TASK_DIR"); dir != "" {
		config.Worker.TaskDir = dir
	}

	if level := os.Getenv("FHEGATE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
