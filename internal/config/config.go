// Package config provides configuration helpers that define runtime defaults,
// validation, and environment/file overrides for the chat service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `yaml:"refill_interval" env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// AuthConfig selects how bearer credentials are verified. JWKSURL wins over
// Secret when both are set.
type AuthConfig struct {
	Secret  string `yaml:"secret" env:"AUTH_SECRET"`
	JWKSURL string `yaml:"jwks_url" env:"AUTH_JWKS_URL"`
	Issuer  string `yaml:"issuer" env:"AUTH_ISSUER"`
}

// BusConfig selects and configures the fan-out transport.
type BusConfig struct {
	Driver        string `yaml:"driver" env:"BUS_DRIVER"`
	TopicPrefix   string `yaml:"topic_prefix" env:"BUS_TOPIC_PREFIX"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	NATSURL       string `yaml:"nats_url" env:"NATS_URL"`
	NATSUser      string `yaml:"nats_user" env:"NATS_USER"`
	NATSPassword  string `yaml:"nats_password" env:"NATS_PASS"`
	ConnectTries  uint   `yaml:"connect_tries" env:"BUS_CONNECT_TRIES"`
}

// LimitsConfig bounds client payloads.
type LimitsConfig struct {
	MaxTextLength  int `yaml:"max_text_length" env:"MAX_TEXT_LENGTH"`
	MaxAttachments int `yaml:"max_attachments" env:"MAX_ATTACHMENTS"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string          `yaml:"port" env:"SERVER_PORT"`
	InstanceID      string          `yaml:"instance_id" env:"INSTANCE_ID"`
	AllowedOrigins  []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize  int64           `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	TypingTTL       time.Duration   `yaml:"typing_ttl" env:"TYPING_TTL"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	StorePath       string          `yaml:"store_path" env:"STORE_PATH"`
	LogLevel        string          `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat       string          `yaml:"log_format" env:"LOG_FORMAT"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Auth            AuthConfig      `yaml:"auth"`
	Bus             BusConfig       `yaml:"bus"`
	Limits          LimitsConfig    `yaml:"limits"`
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 16 * 1024
	defaultIdleTimeout    = 60 * time.Second
	defaultTypingTTL      = 5 * time.Second
	defaultShutdown       = 10 * time.Second
)

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  defaultMaxMessageSize,
		IdleTimeout:     defaultIdleTimeout,
		TypingTTL:       defaultTypingTTL,
		ShutdownTimeout: defaultShutdown,
		StorePath:       "teamchat.db",
		LogLevel:        "info",
		LogFormat:       "text",
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		Bus: BusConfig{
			Driver:       "memory",
			TopicPrefix:  "teamchat",
			RedisAddr:    "localhost:6379",
			NATSURL:      "nats://localhost:4222",
			ConnectTries: 30,
		},
		Limits: LimitsConfig{
			MaxTextLength:  4000,
			MaxAttachments: 10,
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Load builds the effective configuration: defaults, then the YAML file named
// by CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	cfg := defaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return Sanitize(cfg)
}

// LoadFile reads only the YAML file on top of defaults, ignoring the environment.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()
	if err := loadFile(path, &cfg); err != nil {
		return nil, err
	}
	return Sanitize(cfg)
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Sanitize fills zero values with defaults and rejects settings the service
// cannot run with.
func Sanitize(cfg Config) (*Config, error) {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = def.TypingTTL
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Limits.MaxTextLength <= 0 {
		cfg.Limits.MaxTextLength = def.Limits.MaxTextLength
	}
	if cfg.Limits.MaxAttachments <= 0 {
		cfg.Limits.MaxAttachments = def.Limits.MaxAttachments
	}
	if cfg.Bus.TopicPrefix == "" {
		cfg.Bus.TopicPrefix = def.Bus.TopicPrefix
	}
	if cfg.Bus.ConnectTries == 0 {
		cfg.Bus.ConnectTries = def.Bus.ConnectTries
	}

	cfg.Bus.Driver = strings.ToLower(strings.TrimSpace(cfg.Bus.Driver))
	switch cfg.Bus.Driver {
	case "":
		cfg.Bus.Driver = def.Bus.Driver
	case "memory", "redis", "nats":
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}

	if cfg.Auth.Secret == "" && cfg.Auth.JWKSURL == "" {
		return nil, fmt.Errorf("either AUTH_SECRET or AUTH_JWKS_URL must be set")
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.AllowedOrigins = origins

	return &cfg, nil
}
