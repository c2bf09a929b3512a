package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultConfigPath is read when no explicit path is given.
const DefaultConfigPath = "config.yaml"

// Connection strategies accepted by sandbox.connection_strategy.
const (
	StrategyReadPreferred = "read_preferred"
	StrategyPrimaryOnly   = "primary_only"
)

// Config holds all configuration for the query sandbox.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Log LogConfig `yaml:"log"`

	// Primary database: definition store, user store and fallback execution endpoint
	Database DatabaseConfig `yaml:"database"`

	// Optional read replica used for sandboxed execution and estimation
	Replica ReplicaConfig `yaml:"replica"`

	Sandbox SandboxConfig `yaml:"sandbox"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"` // json or console
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"sandbox"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"query_sandbox"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// ReplicaConfig holds the read replica endpoint. An empty Host means no
// replica is configured.
type ReplicaConfig struct {
	Host           string `yaml:"host" env:"PGREPLICA_HOST" env-default:""`
	Port           int    `yaml:"port" env:"PGREPLICA_PORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGREPLICA_USER" env-default:"sandbox_ro"`
	Password       string `yaml:"-" env:"PGREPLICA_PASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGREPLICA_DATABASE" env-default:"query_sandbox"`
	MaxConnections int32  `yaml:"max_connections" env:"PGREPLICA_MAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGREPLICA_SSLMODE" env-default:"disable"`
}

// SandboxConfig tunes execution and estimation.
type SandboxConfig struct {
	ConnectionStrategy      string `yaml:"connection_strategy" env:"SANDBOX_CONNECTION_STRATEGY" env-default:"read_preferred"`
	MaxUserLimit            int    `yaml:"max_user_limit" env:"SANDBOX_MAX_USER_LIMIT" env-default:"100000"`
	EstimateLimit           int    `yaml:"estimate_limit" env:"SANDBOX_ESTIMATE_LIMIT" env-default:"1000"`
	EstimateCacheTTLSeconds int    `yaml:"estimate_cache_ttl_seconds" env:"SANDBOX_ESTIMATE_CACHE_TTL_SECONDS" env-default:"60"`
}

// EstimateCacheTTL returns the estimate cache TTL. Zero disables caching.
func (s SandboxConfig) EstimateCacheTTL() time.Duration {
	return time.Duration(s.EstimateCacheTTLSeconds) * time.Second
}

// Load reads configuration from the YAML file at path with environment
// variable overrides. A missing file is not an error: configuration then
// comes from the environment alone.
func Load(version, path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Database.Host = ResolveHostForDocker(cfg.Database.Host)
	if cfg.Replica.Host != "" {
		cfg.Replica.Host = ResolveHostForDocker(cfg.Replica.Host)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Sandbox.ConnectionStrategy {
	case StrategyReadPreferred, StrategyPrimaryOnly:
	default:
		return fmt.Errorf("sandbox.connection_strategy must be %q or %q, got %q",
			StrategyReadPreferred, StrategyPrimaryOnly, c.Sandbox.ConnectionStrategy)
	}
	if c.Sandbox.MaxUserLimit <= 0 {
		return fmt.Errorf("sandbox.max_user_limit must be positive")
	}
	if c.Sandbox.EstimateLimit <= 0 {
		return fmt.Errorf("sandbox.estimate_limit must be positive")
	}
	if c.Sandbox.EstimateCacheTTLSeconds < 0 {
		return fmt.Errorf("sandbox.estimate_cache_ttl_seconds must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// ConnectionURL returns a PostgreSQL connection URL for the primary database.
func (c *DatabaseConfig) ConnectionURL() string {
	return buildURL(c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Configured reports whether a replica endpoint is set.
func (c *ReplicaConfig) Configured() bool {
	return c.Host != ""
}

// ConnectionURL returns a PostgreSQL connection URL for the replica.
func (c *ReplicaConfig) ConnectionURL() string {
	return buildURL(c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func buildURL(user, password, host string, port int, database, sslMode string) string {
	u := &url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(user, password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}
