package datastore

import (
	"fmt"
	"time"
)

// Config represents the configuration for a datastore
type Config struct {
	Type       string                 `yaml:"type" json:"type"`
	Connection string                 `yaml:"connection" json:"connection"`
	Options    map[string]interface{} `yaml:"options" json:"options"`

	// Connection pool settings
	MaxConnections     int           `yaml:"max_connections" json:"max_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections" json:"max_idle_connections"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout" json:"connection_timeout"`

	// EnableCompression stores object payloads zstd-compressed.
	EnableCompression bool `yaml:"enable_compression" json:"enable_compression"`
}

// DatabaseType constants
const (
	TypeMemory   = "memory"
	TypeFile     = "file"
	TypeBolt     = "bolt"
	TypeBadger   = "badger"
	TypeLSM      = "lsm"
	TypeRedis    = "redis"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMongoDB  = "mongodb"
)

// DefaultConfig returns default configuration for a database type
func DefaultConfig(dbType string) Config {
	switch dbType {
	case TypeMemory:
		return Config{Type: TypeMemory}

	case TypeFile:
		return Config{
			Type:       TypeFile,
			Connection: "./data/repo",
		}

	case TypeBolt:
		return Config{
			Type:       TypeBolt,
			Connection: "./data/refgraph.bolt",
			Options: map[string]interface{}{
				"open_timeout": "10s",
			},
		}

	case TypeBadger:
		return Config{
			Type:       TypeBadger,
			Connection: "./data/badger",
			Options: map[string]interface{}{
				"sync_writes":       true,
				"memory_table_size": 64 << 20,
			},
		}

	case TypeLSM:
		return Config{
			Type:       TypeLSM,
			Connection: "./data/lsm",
			Options: map[string]interface{}{
				"memtable_size": 4 << 20,
				"max_tables":    4,
				"bloom_bits":    10,
				"sync_writes":   true,
			},
		}

	case TypeSQLite:
		return Config{
			Type:       TypeSQLite,
			Connection: "./data/refgraph.db",
			Options: map[string]interface{}{
				"journal_mode": "WAL",
				"synchronous":  "NORMAL",
				"busy_timeout": 5000,
			},
		}

	case TypePostgres:
		return Config{
			Type:               TypePostgres,
			Connection:         "postgres://localhost/refgraph?sslmode=disable",
			MaxConnections:     25,
			MaxIdleConnections: 5,
			ConnectionTimeout:  30 * time.Second,
		}

	case TypeMongoDB:
		return Config{
			Type:              TypeMongoDB,
			Connection:        "mongodb://localhost:27017",
			MaxConnections:    50,
			ConnectionTimeout: 30 * time.Second,
			Options: map[string]interface{}{
				"database": "refgraph",
			},
		}

	case TypeRedis:
		return Config{
			Type:               TypeRedis,
			Connection:         "redis://localhost:6379/0",
			MaxConnections:     10,
			MaxIdleConnections: 5,
			ConnectionTimeout:  10 * time.Second,
			Options: map[string]interface{}{
				"key_prefix": "refgraph:",
			},
		}

	default:
		return Config{
			Type: dbType,
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("database type is required")
	}

	switch c.Type {
	case TypeMemory:
		// Memory doesn't need connection string

	case TypeFile, TypeBolt, TypeBadger, TypeLSM, TypeSQLite:
		if c.Connection == "" {
			return fmt.Errorf("%s requires a file path", c.Type)
		}

	case TypePostgres, TypeMongoDB, TypeRedis:
		if c.Connection == "" {
			return fmt.Errorf("%s requires a connection string", c.Type)
		}

	default:
		// Custom types handle their own validation
	}

	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections cannot be negative")
	}
	if c.MaxIdleConnections < 0 {
		return fmt.Errorf("max_idle_connections cannot be negative")
	}
	if c.MaxConnections > 0 && c.MaxIdleConnections > c.MaxConnections {
		return fmt.Errorf("max_idle_connections cannot exceed max_connections")
	}
	if c.ConnectionTimeout < 0 {
		return fmt.Errorf("connection_timeout must be positive")
	}

	return nil
}

// GetOption retrieves a typed option value
func (c *Config) GetOption(key string, defaultValue interface{}) interface{} {
	if c.Options == nil {
		return defaultValue
	}

	if value, exists := c.Options[key]; exists {
		return value
	}

	return defaultValue
}

// GetStringOption retrieves a string option
func (c *Config) GetStringOption(key string, defaultValue string) string {
	value := c.GetOption(key, defaultValue)
	if str, ok := value.(string); ok {
		return str
	}
	return defaultValue
}

// GetIntOption retrieves an integer option
func (c *Config) GetIntOption(key string, defaultValue int) int {
	value := c.GetOption(key, defaultValue)
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return defaultValue
	}
}

// GetBoolOption retrieves a boolean option
func (c *Config) GetBoolOption(key string, defaultValue bool) bool {
	value := c.GetOption(key, defaultValue)
	if b, ok := value.(bool); ok {
		return b
	}
	return defaultValue
}

// GetDurationOption retrieves a duration option
func (c *Config) GetDurationOption(key string, defaultValue time.Duration) time.Duration {
	value := c.GetOption(key, defaultValue)
	switch v := value.(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int64:
		return time.Duration(v)
	case int:
		return time.Duration(v)
	}
	return defaultValue
}
