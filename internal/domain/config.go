package domain

import "time"

// Tier picks a deployment profile. Community runs as a single process on
// SQLite with in-memory cache and bus. Pro expects Postgres, Redis and
// NATS so several instances can share state.
type Tier string

const (
	TierCommunity Tier = "community"
	TierPro       Tier = "pro"
)

// Config is the root of the configuration tree loaded by internal/config.
type Config struct {
	Tier       Tier             `mapstructure:"tier"`
	Server     ServerConfig     `mapstructure:"server"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig timeouts are in whole seconds.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type EngineConfig struct {
	MaxWorkers       int           `mapstructure:"max_workers"`      // concurrent rule evaluations per analysis
	RuleCacheTTL     time.Duration `mapstructure:"rule_cache_ttl"`   // lifetime of the cached active rule set
	AnalysisTimeout  time.Duration `mapstructure:"analysis_timeout"` // covers history lookups too
	SeedDefaultRules bool          `mapstructure:"seed_default_rules"`
	Workers          int           `mapstructure:"workers"` // async intake consumers; 0 disables async intake
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// DefaultConfig is the Community profile.
func DefaultConfig() *Config {
	return &Config{
		Tier: TierCommunity,
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{Driver: "sqlite", SQLitePath: "./kestrel.db"},
		Cache:      CacheConfig{Type: "memory", LocalMaxSize: 10000, LocalTTL: 5 * time.Minute},
		EventBus:   EventBusConfig{Type: "channel", ChannelBufferSize: 1000},
		Engine: EngineConfig{
			MaxWorkers:       8,
			RuleCacheTTL:     10 * time.Minute,
			AnalysisTimeout:  5 * time.Second,
			SeedDefaultRules: true,
			Workers:          4,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{ServiceName: "kestrel"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "kestrel"},
	}
}

// ProConfig starts from DefaultConfig and swaps every backend for its
// networked counterpart on localhost.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
