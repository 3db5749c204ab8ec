package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/metabolic-care/intake-api/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. INTAKE_STORAGE_BACKEND.
const EnvPrefix = "INTAKE"

// Config holds application configuration.
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Plans       []PlanConfig      `mapstructure:"plans"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects the session store. Backend is one of memory,
// postgres, redis or sqlite.
type StorageConfig struct {
	Backend     string        `mapstructure:"backend"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
	RedisURL    string        `mapstructure:"redis_url"`
	RedisTTL    time.Duration `mapstructure:"redis_ttl"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
}

type IdempotencyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// DeliveryConfig lists the downstream targets that receive submitted
// records. Targets may name memory, webhook and kafka; empty disables delivery.
type DeliveryConfig struct {
	Targets           []string      `mapstructure:"targets"`
	Timeout           time.Duration `mapstructure:"timeout"`
	WebhookURL        string        `mapstructure:"webhook_url"`
	WebhookSecret     string        `mapstructure:"webhook_secret"`
	WebhookMaxRetries uint64        `mapstructure:"webhook_max_retries"`
	KafkaBrokers      []string      `mapstructure:"kafka_brokers"`
	KafkaTopic        string        `mapstructure:"kafka_topic"`
	KafkaClientID     string        `mapstructure:"kafka_client_id"`
	// MemoryLimit caps how many records the memory target retains; older
	// ones are dropped. Zero keeps everything.
	MemoryLimit int `mapstructure:"memory_limit"`
}

type PlanConfig struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	BasePrice   int    `mapstructure:"base_price"`
	Description string `mapstructure:"description"`
}

// Load reads configuration from defaults, an optional TOML file and the
// environment, in increasing precedence. The file is INTAKE_CONFIG when set,
// otherwise ./intake.toml if present.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	explicit := v.GetString("config")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("intake")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Delivery.Targets = splitAll(c.Delivery.Targets)
	c.Delivery.KafkaBrokers = splitAll(c.Delivery.KafkaBrokers)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage.redis_ttl", 24*time.Hour)
	v.SetDefault("storage.sqlite_path", "intake.db")

	v.SetDefault("idempotency.ttl", 24*time.Hour)

	v.SetDefault("delivery.targets", []string{})
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.webhook_url", "")
	v.SetDefault("delivery.webhook_secret", "")
	v.SetDefault("delivery.webhook_max_retries", 3)
	v.SetDefault("delivery.kafka_brokers", []string{})
	v.SetDefault("delivery.kafka_topic", "intake.submissions")
	v.SetDefault("delivery.kafka_client_id", "intake-api")
	v.SetDefault("delivery.memory_limit", 1000)
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "memory", "redis", "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	for _, t := range c.Delivery.Targets {
		switch t {
		case "memory":
			if c.Delivery.MemoryLimit < 0 {
				errs = append(errs, errors.New("delivery.memory_limit must not be negative"))
			}
		case "webhook":
			if c.Delivery.WebhookURL == "" {
				errs = append(errs, errors.New("delivery.webhook_url is required for the webhook target"))
			}
		case "kafka":
			if len(c.Delivery.KafkaBrokers) == 0 {
				errs = append(errs, errors.New("delivery.kafka_brokers is required for the kafka target"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown delivery target %q", t))
		}
	}
	seen := map[string]bool{}
	for i, p := range c.Plans {
		if p.ID == "" || p.BasePrice <= 0 {
			errs = append(errs, fmt.Errorf("plans[%d]: id and a positive base_price are required", i))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("plans[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}
	return errors.Join(errs...)
}

// Catalog returns the configured plans, or the built-in catalog when none
// are configured.
func (c Config) Catalog() domain.Catalog {
	if len(c.Plans) == 0 {
		return domain.DefaultCatalog()
	}
	plans := make([]domain.Plan, 0, len(c.Plans))
	for _, p := range c.Plans {
		plans = append(plans, domain.Plan{
			ID:          domain.PlanID(p.ID),
			Name:        p.Name,
			BasePrice:   p.BasePrice,
			Description: p.Description,
		})
	}
	return domain.NewCatalog(plans)
}

// splitAll flattens comma-separated entries, as produced by env overrides.
func splitAll(in []string) []string {
	var out []string
	for _, s := range in {
		out = append(out, domain.SplitList(s)...)
	}
	return out
}
