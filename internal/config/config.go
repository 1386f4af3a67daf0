// Package config loads engine settings from an optional TOML file with
// RFID_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/rfid-cart/internal/logger"
	"github.com/spf13/viper"
)

const EnvPrefix = "RFID"

type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Dedup   DedupConfig   `mapstructure:"dedup"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Binding BindingConfig `mapstructure:"binding"`
	Cart    CartConfig    `mapstructure:"cart"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Log     logger.Config `mapstructure:"log"`
}

type EngineConfig struct {
	// Shards is the number of lock shards per store.
	Shards int `mapstructure:"shards"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type DedupConfig struct {
	Backend       string        `mapstructure:"backend"` // memory or redis
	Cooldown      time.Duration `mapstructure:"cooldown"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BindingConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"` // 0 disables expiry
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type CartConfig struct {
	Persistence    string        `mapstructure:"persistence"` // none or mongo
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type CatalogConfig struct {
	DSN      string        `mapstructure:"dsn"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"` // empty disables Kafka
	CheckoutTopic string   `mapstructure:"checkout_topic"`
	GroupID       string   `mapstructure:"group_id"`
	// NotificationsTopic receives a copy of every notification; empty
	// disables the mirror.
	NotificationsTopic string `mapstructure:"notifications_topic"`
}

type NotifyConfig struct {
	Buffer int `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.shards", 64)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.request_timeout", 10*time.Second)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", 1<<20)

	v.SetDefault("auth.secret", "dev-secret-change-me")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.cooldown", 2*time.Second)
	v.SetDefault("dedup.sweep_interval", time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("binding.idle_timeout", 30*time.Minute)
	v.SetDefault("binding.sweep_interval", 30*time.Second)

	v.SetDefault("cart.persistence", "none")
	v.SetDefault("cart.persist_timeout", 2*time.Second)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "rfid_cart")

	v.SetDefault("catalog.dsn", "file:catalog.db?_pragma=busy_timeout(5000)")
	v.SetDefault("catalog.cache_ttl", time.Minute)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.checkout_topic", "checkout.completed")
	v.SetDefault("kafka.group_id", "rfid-cart-engine")
	v.SetDefault("kafka.notifications_topic", "")

	v.SetDefault("notify.buffer", 64)

	def := logger.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.format", def.Format)
	v.SetDefault("log.output", def.Output)
	v.SetDefault("log.file_path", def.FilePath)
	v.SetDefault("log.max_size", def.MaxSize)
	v.SetDefault("log.max_backups", def.MaxBackups)
	v.SetDefault("log.max_age", def.MaxAge)
	v.SetDefault("log.compress", def.Compress)
	v.SetDefault("log.with_caller", def.WithCaller)
}

// Load reads configPath (optional, TOML) on top of the defaults and applies
// environment overrides such as RFID_HTTP_ADDR or RFID_DEDUP_BACKEND.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis dedup backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("dedup.backend must be memory or redis, got %q", c.Dedup.Backend))
	}
	if c.Dedup.Cooldown <= 0 {
		errs = append(errs, errors.New("dedup.cooldown must be positive"))
	}
	if c.Binding.IdleTimeout < 0 {
		errs = append(errs, errors.New("binding.idle_timeout must not be negative"))
	}
	switch c.Cart.Persistence {
	case "none":
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			errs = append(errs, errors.New("mongo.uri and mongo.database are required for mongo persistence"))
		}
	default:
		errs = append(errs, fmt.Errorf("cart.persistence must be none or mongo, got %q", c.Cart.Persistence))
	}
	if c.Catalog.DSN == "" {
		errs = append(errs, errors.New("catalog.dsn is required"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.CheckoutTopic == "" {
		errs = append(errs, errors.New("kafka.checkout_topic is required when brokers are set"))
	}

	return errors.Join(errs...)
}

// KafkaEnabled reports whether any broker is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}
