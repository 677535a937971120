package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Full configuration surface. Unknown keys in the file are a fatal
// startup error; credentials may be supplied through the environment
// instead of the file.
type Config struct {
	Broker    Broker    `yaml:"broker"`
	Store     Store     `yaml:"store"`
	Cache     Cache     `yaml:"cache"`
	Server    Server    `yaml:"server"`
	RateLimit RateLimit `yaml:"rate_limit"`
	CORS      CORS      `yaml:"cors"`
	Health    Health    `yaml:"health"`
}

type Broker struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Topic        string `yaml:"topic"`
	ClientID     string `yaml:"client_id"`
	HeartbeatMS  int    `yaml:"heartbeat_ms"`
	BackoffMaxMS int    `yaml:"backoff_max_ms"`
}

type Store struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type Cache struct {
	MaxEntries int    `yaml:"max_entries"`
	MaxAge     string `yaml:"max_age"`
}

type Server struct {
	Listen           string `yaml:"listen"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	Development      bool   `yaml:"development"`
}

type RateLimit struct {
	// Requests per minute.
	Default int `yaml:"default"`
	Health  int `yaml:"health"`
}

type CORS struct {
	Origins []string `yaml:"origins"`
}

type Health struct {
	CheckTimeoutMS int `yaml:"check_timeout_ms"`
	CacheTTLMS     int `yaml:"cache_ttl_ms"`
}

func Default() *Config {
	return &Config{
		Broker: Broker{
			Host:         "darwin-dist-44ae45.nationalrail.co.uk",
			Port:         61613,
			Topic:        "/topic/darwin.pushport-v16",
			HeartbeatMS:  15000,
			BackoffMaxMS: 60000,
		},
		Store: Store{
			Path:          "trainsai.db",
			RetentionDays: 0,
		},
		Cache: Cache{
			MaxEntries: 500,
			MaxAge:     "24h",
		},
		Server: Server{
			Listen:           ":8080",
			RequestTimeoutMS: 5000,
		},
		RateLimit: RateLimit{
			Default: 120,
			Health:  60,
		},
		Health: Health{
			CheckTimeoutMS: 1000,
			CacheTTLMS:     2000,
		},
	}
}

// Loads configuration from a YAML file over the defaults. An empty
// path yields the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// Credentials prefer the environment, keeping secrets out of
	// config files.
	if user := os.Getenv("DARWIN_BROKER_USER"); user != "" {
		cfg.Broker.User = user
	}
	if pass := os.Getenv("DARWIN_BROKER_PASSWORD"); pass != "" {
		cfg.Broker.Password = pass
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", c.Broker.Port)
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker.topic is required")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if _, err := c.CacheMaxAge(); err != nil {
		return fmt.Errorf("cache.max_age: %w", err)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.RateLimit.Default <= 0 || c.RateLimit.Health <= 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	return nil
}

func (c *Config) CacheMaxAge() (time.Duration, error) {
	return time.ParseDuration(c.Cache.MaxAge)
}

func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Broker.HeartbeatMS) * time.Millisecond
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Broker.BackoffMaxMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) HealthCheckTimeout() time.Duration {
	return time.Duration(c.Health.CheckTimeoutMS) * time.Millisecond
}

func (c *Config) HealthCacheTTL() time.Duration {
	return time.Duration(c.Health.CacheTTLMS) * time.Millisecond
}
