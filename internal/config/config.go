package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StorageConfig selects and parameterizes the persistence backends.
// Driver "memory" keeps everything in process; "postgres" uses DatabaseURL.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database_url"`
}

type KafkaConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Brokers         []string `mapstructure:"brokers"`
	TradesTopic     string   `mapstructure:"trades_topic"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
}

// PairConfig names the traded currency pair. Base is the foreign currency,
// Quote the domestic one.
type PairConfig struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// FeeConfig is one fee-schedule entry: bps charged on the given operation
// and currency. DefaultBps applies where no entry matches.
type FeeConfig struct {
	Operation string `mapstructure:"operation"`
	Currency  string `mapstructure:"currency"`
	Bps       int    `mapstructure:"bps"`
}

type RatesConfig struct {
	WindowHours int               `mapstructure:"window_hours"`
	Reference   map[string]string `mapstructure:"reference"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitRedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RateLimitConfig bounds requests per caller per window. With a redis
// address the window is shared across replicas; without one it is counted
// in process.
type RateLimitConfig struct {
	Enabled       bool                 `mapstructure:"enabled"`
	Limit         int                  `mapstructure:"limit"`
	WindowSeconds int                  `mapstructure:"window_seconds"`
	Redis         RateLimitRedisConfig `mapstructure:"redis"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// AccountsConfig holds the system wallets. FeeAccount collects buyer fees;
// Treasury is the fallback counterparty and must be funded out of band.
type AccountsConfig struct {
	FeeAccount string `mapstructure:"fee_account"`
	Treasury   string `mapstructure:"treasury"`
}

type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Pair     PairConfig     `mapstructure:"pair"`
	Fees     []FeeConfig    `mapstructure:"fees"`
	Rates     RatesConfig     `mapstructure:"rates"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Rates.WindowHours) * time.Hour
}

// Load reads the engine config from path, with EXCHANGE_* environment
// variables taking precedence. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "exchange.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// normalize upper-cases currency codes. Viper lowercases map keys when
// reading from a file, which would otherwise strand reference rates under
// keys no lookup ever uses.
func (c *Config) normalize() {
	c.Pair.Base = strings.ToUpper(c.Pair.Base)
	c.Pair.Quote = strings.ToUpper(c.Pair.Quote)
	if len(c.Rates.Reference) > 0 {
		upper := make(map[string]string, len(c.Rates.Reference))
		for currency, rate := range c.Rates.Reference {
			upper[strings.ToUpper(currency)] = rate
		}
		c.Rates.Reference = upper
	}
	for i := range c.Fees {
		c.Fees[i].Currency = strings.ToUpper(c.Fees[i].Currency)
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url required for postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret required")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.WindowSeconds <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window_seconds must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.trades_topic", "exchange.trades")
	v.SetDefault("kafka.dead_letter_topic", "exchange.trades.dlq")
	v.SetDefault("pair.base", "EUR")
	v.SetDefault("pair.quote", "AOA")
	v.SetDefault("rates.window_hours", 24)
	v.SetDefault("rates.reference", map[string]string{})
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 120)
	v.SetDefault("rate_limit.window_seconds", 60)
}
