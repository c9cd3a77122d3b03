package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LANGPAL_"

type Config struct {
	Server      ServerConfig      `yaml:"server"       envPrefix:"SERVER_"`
	Origin      OriginConfig      `yaml:"origin"       envPrefix:"ORIGIN_"`
	Offline     OfflineConfig     `yaml:"offline"      envPrefix:"OFFLINE_"`
	Storage     StorageConfig     `yaml:"storage"      envPrefix:"STORAGE_"`
	HealthCheck HealthCheckConfig `yaml:"health_check" envPrefix:"HEALTH_"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"   envPrefix:"RATE_LIMIT_"`
	Logging     LoggingConfig     `yaml:"logging"      envPrefix:"LOG_"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"          env:"HOST"`
	Port         int           `yaml:"port"          env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// OriginConfig points at the LanguagePal server the page normally talks to.
type OriginConfig struct {
	URL     string        `yaml:"url"     env:"URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type OfflineConfig struct {
	// Version names the cache generation. Changing it installs a new
	// generation and purges the old ones.
	Version            string        `yaml:"version"             env:"VERSION"`
	Manifest           []string      `yaml:"manifest"            env:"MANIFEST" envSeparator:","`
	OfflinePath        string        `yaml:"offline_path"        env:"PATH"`
	APIMarker          string        `yaml:"api_marker"          env:"API_MARKER"`
	OfflineMessage     string        `yaml:"offline_message"     env:"MESSAGE"`
	InstallConcurrency int           `yaml:"install_concurrency" env:"INSTALL_CONCURRENCY"`
	InstallMaxElapsed  time.Duration `yaml:"install_max_elapsed" env:"INSTALL_MAX_ELAPSED"`
	// RetryInterval is the pause before a failed deploy is attempted again.
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
}

type StorageConfig struct {
	// Backend is "leveldb" or "memory".
	Backend       string        `yaml:"backend"        env:"BACKEND"`
	Path          string        `yaml:"path"           env:"PATH"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type HealthCheckConfig struct {
	Enabled          bool          `yaml:"enabled"           env:"ENABLED"`
	Interval         time.Duration `yaml:"interval"          env:"INTERVAL"`
	Timeout          time.Duration `yaml:"timeout"           env:"TIMEOUT"`
	Endpoint         string        `yaml:"endpoint"          env:"ENDPOINT"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
}

type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"             env:"ENABLED"`
	RequestsPerMinute int           `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	Burst             int           `yaml:"burst"               env:"BURST"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"        env:"IDLE_TIMEOUT"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Load reads the YAML file at path, overlays LANGPAL_* environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Origin.URL == "" {
		return fmt.Errorf("origin url is required")
	}
	u, err := url.Parse(c.Origin.URL)
	if err != nil {
		return fmt.Errorf("invalid origin url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("origin url must be absolute: %s", c.Origin.URL)
	}

	if c.Offline.Version == "" {
		return fmt.Errorf("offline version cannot be empty")
	}
	if len(c.Offline.Manifest) == 0 {
		return fmt.Errorf("offline manifest must list at least one asset")
	}
	for i, asset := range c.Offline.Manifest {
		if asset == "" {
			return fmt.Errorf("offline manifest %d: asset cannot be empty", i)
		}
		if _, err := url.Parse(asset); err != nil {
			return fmt.Errorf("offline manifest %d: %w", i, err)
		}
	}
	if c.Offline.InstallConcurrency <= 0 {
		return fmt.Errorf("install concurrency must be positive")
	}
	if c.Offline.RetryInterval < 0 {
		return fmt.Errorf("offline retry interval cannot be negative")
	}

	switch c.Storage.Backend {
	case "memory":
	case "leveldb":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the leveldb backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	if c.Storage.SweepInterval < 0 {
		return fmt.Errorf("storage sweep interval cannot be negative")
	}

	if c.HealthCheck.Enabled {
		if c.HealthCheck.Interval <= 0 {
			return fmt.Errorf("health check interval must be positive")
		}
		if c.HealthCheck.FailureThreshold <= 0 {
			return fmt.Errorf("health check failure threshold must be positive")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate limit requests per minute must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate limit burst must be positive")
		}
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}

	if c.Origin.Timeout == 0 {
		c.Origin.Timeout = 30 * time.Second
	}

	if c.Offline.OfflinePath == "" {
		c.Offline.OfflinePath = "/offline"
	}
	if c.Offline.APIMarker == "" {
		c.Offline.APIMarker = "/api/"
	}
	if c.Offline.InstallConcurrency == 0 {
		c.Offline.InstallConcurrency = 4
	}
	if c.Offline.InstallMaxElapsed == 0 {
		c.Offline.InstallMaxElapsed = 5 * time.Minute
	}
	if c.Offline.RetryInterval == 0 {
		c.Offline.RetryInterval = time.Minute
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "leveldb"
	}
	if c.Storage.Path == "" && c.Storage.Backend == "leveldb" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Storage.SweepInterval == 0 {
		c.Storage.SweepInterval = 10 * time.Minute
	}

	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = 15 * time.Second
	}
	if c.HealthCheck.Timeout == 0 {
		c.HealthCheck.Timeout = 2 * time.Second
	}
	if c.HealthCheck.Endpoint == "" {
		c.HealthCheck.Endpoint = "/"
	}
	if c.HealthCheck.FailureThreshold == 0 {
		c.HealthCheck.FailureThreshold = 3
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.IdleTimeout == 0 {
		c.RateLimit.IdleTimeout = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
