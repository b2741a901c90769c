// Package config loads the gateway configuration from a YAML file and then
// applies environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	StorageScylla = "scylla"
	StorageMemory = "memory"
)

type StorageConfig struct {
	Type     string        `yaml:"type"`
	Hosts    []string      `yaml:"hosts"`
	Keyspace string        `yaml:"keyspace"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type PresenceConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type LivenessConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type Config struct {
	ListenAddr        string         `yaml:"listen_addr"`
	NodeID            int64          `yaml:"node_id"`
	LogLevel          string         `yaml:"log_level"`
	LogFile           string         `yaml:"log_file"`
	OutboundQueueSize int            `yaml:"outbound_queue_size"`
	MaxMessageSize    int64          `yaml:"max_message_size"`
	Auth              AuthConfig     `yaml:"auth"`
	Storage           StorageConfig  `yaml:"storage"`
	Redis             RedisConfig    `yaml:"redis"`
	Kafka             KafkaConfig    `yaml:"kafka"`
	Presence          PresenceConfig `yaml:"presence"`
	Liveness          LivenessConfig `yaml:"liveness"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		NodeID:            1,
		LogLevel:          "info",
		OutboundQueueSize: 256,
		MaxMessageSize:    64 << 10,
		Auth:              AuthConfig{TokenTTL: 24 * time.Hour},
		Storage: StorageConfig{
			Type:     StorageScylla,
			Hosts:    []string{"localhost:9042"},
			Keyspace: "chat",
			Timeout:  5 * time.Second,
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Kafka:    KafkaConfig{Brokers: []string{"localhost:19092"}, Topic: "chat-messages"},
		Presence: PresenceConfig{Debounce: 3 * time.Second},
		Liveness: LivenessConfig{Interval: 30 * time.Second},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string, logger zerolog.Logger) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug().Str("path", path).Msg("config file not found, using defaults")
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, leaving fields the document omits untouched.
func Parse(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides file values with environment variables, then validates.
func ApplyEnv(cfg *Config, logger zerolog.Logger) (*Config, error) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug().Str("key", key).Msg("overriding config value from env")
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug().Str("key", key).Msg("overriding config value from env")
			*dst = splitList(v)
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("STORAGE_TYPE", &cfg.Storage.Type)
	list("SCYLLA_HOSTS", &cfg.Storage.Hosts)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	list("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	if v := os.Getenv("OUTBOUND_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("OUTBOUND_QUEUE_SIZE: %w", err)
		}
		cfg.OutboundQueueSize = n
	}

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("config validation failed")
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is not set")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set in config or env var")
	}
	switch c.Storage.Type {
	case StorageMemory:
	case StorageScylla:
		if len(c.Storage.Hosts) == 0 {
			return errors.New("storage.hosts is empty")
		}
		if c.Storage.Keyspace == "" {
			return errors.New("storage.keyspace is not set")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}
	if c.OutboundQueueSize <= 0 {
		return errors.New("outbound_queue_size must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
