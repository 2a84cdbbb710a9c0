// Package config holds the static application configuration and the
// hot-reloadable runtime settings consumed by the admission gates and the
// lifecycle tracker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the static application configuration, loaded once at startup.
type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	AuthConfig     AuthConfig     `json:"auth"`
	TrackerConfig  TrackerConfig  `json:"tracker"`

	// RuntimeFile is where the runtime config is persisted; the runtime
	// manager owns that file after startup.
	RuntimeFile string `json:"runtime_file"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

// DatabaseConfig holds PostgreSQL connection settings. When Host is empty
// the in-memory store is used instead.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the Redis connection used by the price feed cache.
// When Addr is empty the feed runs memory-only.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// AuthConfig enables JWT bearer auth on mutating endpoints when Secret is
// non-empty.
type AuthConfig struct {
	Secret        string `json:"secret"`
	TokenTTLHours int    `json:"token_ttl_hours"`
}

// TrackerConfig holds lifecycle tracker tuning.
type TrackerConfig struct {
	TickIntervalMs int  `json:"tick_interval_ms"`
	AutoStart      bool `json:"auto_start"`
}

// Load reads the static config from path, then applies environment
// overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		DatabaseConfig: DatabaseConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		AuthConfig: AuthConfig{
			TokenTTLHours: 24,
		},
		TrackerConfig: TrackerConfig{
			TickIntervalMs: 2000,
			AutoStart:      true,
		},
		RuntimeFile: "runtime_config.json",
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.ServerConfig.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.ServerConfig.Port = p
		}
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DatabaseConfig.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.DatabaseConfig.Port = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DatabaseConfig.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DatabaseConfig.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DatabaseConfig.Database = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisConfig.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisConfig.Password = v
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		cfg.AuthConfig.Secret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LoggingConfig.Level = v
	}
	if v := os.Getenv("RUNTIME_CONFIG_FILE"); v != "" {
		cfg.RuntimeFile = v
	}
}
