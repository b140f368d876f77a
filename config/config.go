// Package config loads repository settings from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/logging"
	"github.com/caiatech/refgraph/pkg/object"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "REFGRAPH_"

// Config represents the complete configuration
type Config struct {
	Storage    datastore.Config `yaml:"storage"`
	Repository RepositoryConfig `yaml:"repository"`
	Worktree   WorktreeConfig   `yaml:"worktree"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// RepositoryConfig tunes the engine itself.
type RepositoryConfig struct {
	HashAlgorithm    string `yaml:"hash_algorithm"`
	DefaultBranch    string `yaml:"default_branch"`
	MaxSymbolicDepth int    `yaml:"max_symbolic_depth"`
	CommitRetries    int    `yaml:"commit_retries"`
	ObjectCacheSize  int    `yaml:"object_cache_size"`
}

// WorktreeConfig selects the working directory. An empty Path keeps the
// worktree in memory.
type WorktreeConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Component string `yaml:"component"`
	Output    string `yaml:"output"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Storage: datastore.DefaultConfig(datastore.TypeMemory),
		Repository: RepositoryConfig{
			HashAlgorithm:    string(object.DefaultAlgorithm),
			DefaultBranch:    "main",
			MaxSymbolicDepth: 10,
			CommitRetries:    5,
			ObjectCacheSize:  4096,
		},
		Logging: LoggingConfig{
			Level:     "INFO",
			Component: "refgraph",
			Output:    "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()

	// Load from YAML file if provided and exists
	if configFile != "" {
		if err := loadFromFile(config, configFile); err != nil {
			// Don't fail if file doesn't exist, just use defaults
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
			}
		}
	}

	if err := loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	// Expand environment variables in YAML content
	expanded := os.ExpandEnv(string(data))

	return yaml.Unmarshal([]byte(expanded), config)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = b
	return nil
}

// loadFromEnv applies REFGRAPH_* overrides. Malformed numbers and booleans
// are errors rather than silently ignored.
func loadFromEnv(config *Config) error {
	if v := strings.ToLower(os.Getenv(EnvPrefix + "STORAGE_TYPE")); v != "" && v != config.Storage.Type {
		// A backend switch starts from that backend's defaults.
		config.Storage = datastore.DefaultConfig(v)
	}
	envString("STORAGE_CONNECTION", &config.Storage.Connection)

	envString("HASH_ALGORITHM", &config.Repository.HashAlgorithm)
	envString("DEFAULT_BRANCH", &config.Repository.DefaultBranch)
	envString("WORKTREE_PATH", &config.Worktree.Path)

	envString("LOG_LEVEL", &config.Logging.Level)
	config.Logging.Level = strings.ToUpper(config.Logging.Level)
	envString("LOG_COMPONENT", &config.Logging.Component)
	envString("LOG_OUTPUT", &config.Logging.Output)

	for name, dst := range map[string]*int{
		"STORAGE_MAX_CONNECTIONS": &config.Storage.MaxConnections,
		"MAX_SYMBOLIC_DEPTH":      &config.Repository.MaxSymbolicDepth,
		"COMMIT_RETRIES":          &config.Repository.CommitRetries,
		"OBJECT_CACHE_SIZE":       &config.Repository.ObjectCacheSize,
	} {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}

	if err := envBool("STORAGE_COMPRESSION", &config.Storage.EnableCompression); err != nil {
		return err
	}
	return envBool("METRICS_ENABLED", &config.Metrics.Enabled)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if _, err := object.ParseAlgorithm(c.Repository.HashAlgorithm); err != nil {
		return err
	}
	branch := c.Repository.DefaultBranch
	if branch == "" || strings.ContainsAny(branch, " ~^:?*[\\") || strings.Contains(branch, "..") ||
		strings.HasPrefix(branch, "/") || strings.HasSuffix(branch, "/") {
		return fmt.Errorf("invalid default branch %q", branch)
	}
	if c.Repository.MaxSymbolicDepth < 1 || c.Repository.MaxSymbolicDepth > 100 {
		return fmt.Errorf("max_symbolic_depth must be between 1 and 100, got %d", c.Repository.MaxSymbolicDepth)
	}
	if c.Repository.CommitRetries < 1 {
		return fmt.Errorf("commit_retries must be at least 1")
	}
	if c.Repository.ObjectCacheSize < 0 {
		return fmt.Errorf("object_cache_size cannot be negative")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// Algorithm returns the configured hash algorithm. Call after Validate.
func (c *Config) Algorithm() object.Algorithm {
	a, _ := object.ParseAlgorithm(c.Repository.HashAlgorithm)
	return a
}

// GetLogLevel converts the configured level name. Call after Validate.
func (c *Config) GetLogLevel() logging.LogLevel {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return level
}

// NewLogger builds the logger described by the logging section. The
// returned closer releases a log file when Output names one.
func (c *Config) NewLogger() (*logging.Logger, io.Closer, error) {
	var (
		out    io.Writer
		closer io.Closer = io.NopCloser(nil)
	)
	switch strings.ToLower(c.Logging.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	case "discard", "none":
		out = io.Discard
	default:
		f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		out, closer = f, f
	}

	return logging.NewLogger(logging.Config{
		Level:     c.GetLogLevel(),
		Output:    out,
		Component: c.Logging.Component,
	}), closer, nil
}
