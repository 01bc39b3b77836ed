// Package config provides configuration management for the locator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Topology sources
const (
	SourceFile     = "file"
	SourceRedis    = "redis"
	SourcePostgres = "postgres"
	SourceGossip   = "gossip"
	SourceNATS     = "nats"
)

// Config holds all configuration for the locator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Topology   TopologyConfig   `mapstructure:"topology"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Gossip     GossipConfig     `mapstructure:"gossip"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Durability DurabilityConfig `mapstructure:"durability"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TopologyConfig selects where bucket configurations come from.
type TopologyConfig struct {
	Source          string        `mapstructure:"source"`
	Buckets         []string      `mapstructure:"buckets"`
	Dir             string        `mapstructure:"dir"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshRate     float64       `mapstructure:"refresh_rate"`
	RefreshBurst    int           `mapstructure:"refresh_burst"`
	// CachePath enables the on-disk snapshot cache when set
	CachePath string `mapstructure:"cache_path"`
	// MaxRouteRetries bounds retries of a lookup that found no active owner
	MaxRouteRetries int `mapstructure:"max_route_retries"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// GossipConfig holds memberlist configuration.
type GossipConfig struct {
	NodeName  string   `mapstructure:"node_name"`
	BindAddr  string   `mapstructure:"bind_addr"`
	BindPort  int      `mapstructure:"bind_port"`
	SeedNodes []string `mapstructure:"seed_nodes"`

	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// NATSConfig holds NATS JetStream configuration.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	KVBucket string `mapstructure:"kv_bucket"`
}

// TransportConfig holds the node transport configuration.
type TransportConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ObserveAttempts int           `mapstructure:"observe_attempts"`
	KeepaliveTime   time.Duration `mapstructure:"keepalive_time"`
}

// DurabilityConfig holds the confirmation polling configuration.
type DurabilityConfig struct {
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	BackoffFloor     time.Duration `mapstructure:"backoff_floor"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	BackoffFactor    int           `mapstructure:"backoff_factor"`
	MaxReresolutions int           `mapstructure:"max_reresolutions"`
	AsyncWorkers     int           `mapstructure:"async_workers"`
	AsyncQueueSize   int           `mapstructure:"async_queue_size"`
	ResultTTL        time.Duration `mapstructure:"result_ttl"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and LOCATOR_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/locator/")
	}

	v.SetEnvPrefix("LOCATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("topology.source", SourceFile)
	v.SetDefault("topology.buckets", []string{"default"})
	v.SetDefault("topology.dir", "./topology")
	v.SetDefault("topology.poll_interval", "2s")
	v.SetDefault("topology.refresh_interval", "30s")
	v.SetDefault("topology.refresh_rate", 10.0)
	v.SetDefault("topology.refresh_burst", 5)
	v.SetDefault("topology.cache_path", "")
	v.SetDefault("topology.max_route_retries", 3)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "locator")
	v.SetDefault("database.user", "locator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_connections", 1)

	v.SetDefault("gossip.bind_addr", "0.0.0.0")
	v.SetDefault("gossip.bind_port", 7946)
	v.SetDefault("gossip.seed_nodes", []string{})
	v.SetDefault("gossip.gossip_interval", "200ms")
	v.SetDefault("gossip.probe_timeout", "500ms")
	v.SetDefault("gossip.probe_interval", "1s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.kv_bucket", "locator-buckets")

	v.SetDefault("transport.request_timeout", "2s")
	v.SetDefault("transport.observe_attempts", 3)
	v.SetDefault("transport.keepalive_time", "30s")

	v.SetDefault("durability.default_timeout", "2500ms")
	v.SetDefault("durability.backoff_floor", "1ms")
	v.SetDefault("durability.backoff_cap", "100ms")
	v.SetDefault("durability.backoff_factor", 2)
	v.SetDefault("durability.max_reresolutions", 10)
	v.SetDefault("durability.async_workers", 16)
	v.SetDefault("durability.async_queue_size", 1024)
	v.SetDefault("durability.result_ttl", "5m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	if len(c.Topology.Buckets) == 0 {
		return fmt.Errorf("at least one bucket is required")
	}
	switch c.Topology.Source {
	case SourceFile:
		if c.Topology.Dir == "" {
			return fmt.Errorf("topology.dir is required for the file source")
		}
	case SourceRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required for the redis source")
		}
	case SourcePostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("database host and name are required for the postgres source")
		}
	case SourceGossip:
		if c.Gossip.BindPort <= 0 {
			return fmt.Errorf("invalid gossip bind port: %d", c.Gossip.BindPort)
		}
	case SourceNATS:
		if c.NATS.URL == "" || c.NATS.KVBucket == "" {
			return fmt.Errorf("nats url and kv_bucket are required for the nats source")
		}
	default:
		return fmt.Errorf("unknown topology source %q", c.Topology.Source)
	}
	if c.Topology.RefreshRate <= 0 {
		return fmt.Errorf("topology.refresh_rate must be positive")
	}

	if c.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport.request_timeout must be positive")
	}
	if c.Transport.ObserveAttempts < 1 {
		return fmt.Errorf("transport.observe_attempts must be at least 1")
	}

	d := c.Durability
	if d.DefaultTimeout <= 0 {
		return fmt.Errorf("durability.default_timeout must be positive")
	}
	if d.BackoffFloor <= 0 || d.BackoffCap < d.BackoffFloor {
		return fmt.Errorf("durability backoff needs 0 < floor <= cap, got %v and %v", d.BackoffFloor, d.BackoffCap)
	}
	if d.BackoffFactor < 1 {
		return fmt.Errorf("durability.backoff_factor must be at least 1")
	}
	if d.MaxReresolutions < 1 {
		return fmt.Errorf("durability.max_reresolutions must be at least 1")
	}
	if d.AsyncWorkers < 1 || d.AsyncQueueSize < 1 {
		return fmt.Errorf("durability async workers and queue size must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}
