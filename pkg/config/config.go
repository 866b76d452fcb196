package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const EnvPrefix = "STOREFRONT"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"

	MessengerLog   = "log"
	MessengerRedis = "redis"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	App       AppConfig
	Store     StoreConfig
	Redis     RedisConfig
	MySQL     MySQLConfig
	Checkout  CheckoutConfig
	Voucher   VoucherConfig
	Slip      SlipConfig
	Messaging MessagingConfig
	Seed      SeedConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements that struct tags cannot express.
func (c *Config) Validate() error {
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	c.Messaging.Driver = strings.ToLower(c.Messaging.Driver)

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" && c.Redis.URL == "" {
			return fmt.Errorf("%w: redis backend requires STOREFRONT_REDIS_ADDR or STOREFRONT_REDIS_URL", ErrInvalidConfig)
		}
	case BackendMySQL:
		if c.MySQL.DSN == "" {
			return fmt.Errorf("%w: mysql backend requires STOREFRONT_MYSQL_DSN", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	switch c.Messaging.Driver {
	case MessengerLog:
	case MessengerRedis:
		if c.Redis.Addr == "" && c.Redis.URL == "" {
			return fmt.Errorf("%w: redis messaging requires a redis address", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown messaging driver %q", ErrInvalidConfig, c.Messaging.Driver)
	}

	if c.Checkout.CodeLength <= 0 {
		return fmt.Errorf("%w: code length must be positive", ErrInvalidConfig)
	}
	if c.Checkout.DeliveryWorkers <= 0 {
		return fmt.Errorf("%w: delivery workers must be positive", ErrInvalidConfig)
	}
	if _, err := decimal.NewFromString(c.Checkout.AmountTolerance); err != nil {
		return fmt.Errorf("%w: amount tolerance: %v", ErrInvalidConfig, err)
	}
	return nil
}

type AppConfig struct {
	Env       string `envconfig:"STOREFRONT_APP_ENV" default:"dev"`
	HTTPAddr  string `envconfig:"STOREFRONT_HTTP_ADDR" default:":8080"`
	GRPCAddr  string `envconfig:"STOREFRONT_GRPC_ADDR" default:":50051"`
	LogLevel  string `envconfig:"STOREFRONT_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"STOREFRONT_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, "dev")
}

type StoreConfig struct {
	Backend string `envconfig:"STOREFRONT_STORE_BACKEND" default:"memory"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STOREFRONT_REDIS_URL"`
	Addr         string        `envconfig:"STOREFRONT_REDIS_ADDR" default:"localhost:6379"`
	Password     string        `envconfig:"STOREFRONT_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOREFRONT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOREFRONT_REDIS_POOL_SIZE" default:"100"`
	DialTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"STOREFRONT_REDIS_WRITE_TIMEOUT" default:"3s"`
}

type MySQLConfig struct {
	DSN             string        `envconfig:"STOREFRONT_MYSQL_DSN"`
	MaxOpenConns    int           `envconfig:"STOREFRONT_MYSQL_MAX_OPEN_CONNS" default:"50"`
	MaxIdleConns    int           `envconfig:"STOREFRONT_MYSQL_MAX_IDLE_CONNS" default:"25"`
	ConnMaxLifetime time.Duration `envconfig:"STOREFRONT_MYSQL_CONN_MAX_LIFETIME" default:"5m"`
	ApplySchema     bool          `envconfig:"STOREFRONT_MYSQL_APPLY_SCHEMA" default:"false"`
}

type CheckoutConfig struct {
	SessionIdleTTL  time.Duration `envconfig:"STOREFRONT_SESSION_IDLE_TTL" default:"30m"`
	JanitorInterval time.Duration `envconfig:"STOREFRONT_SESSION_JANITOR_INTERVAL" default:"1m"`
	DeliveryQueue   int           `envconfig:"STOREFRONT_DELIVERY_QUEUE_SIZE" default:"1000"`
	DeliveryWorkers int           `envconfig:"STOREFRONT_DELIVERY_WORKERS" default:"4"`
	CodeLength      int           `envconfig:"STOREFRONT_CODE_LENGTH" default:"32"`
	AmountTolerance string        `envconfig:"STOREFRONT_AMOUNT_TOLERANCE" default:"0.01"`
}

// Tolerance returns the amount tolerance; Validate guarantees it parses.
func (c CheckoutConfig) Tolerance() decimal.Decimal {
	d, err := decimal.NewFromString(c.AmountTolerance)
	if err != nil {
		return decimal.NewFromFloat(0.01)
	}
	return d
}

type VoucherConfig struct {
	RedeemURL string        `envconfig:"STOREFRONT_VOUCHER_REDEEM_URL" default:"https://gift.truemoney.com/campaign/vouchers"`
	Mobile    string        `envconfig:"STOREFRONT_VOUCHER_MOBILE"`
	Timeout   time.Duration `envconfig:"STOREFRONT_VOUCHER_TIMEOUT" default:"10s"`
}

type SlipConfig struct {
	VerifyURL     string        `envconfig:"STOREFRONT_SLIP_VERIFY_URL" default:"https://api.slipok.com/api/line/apikey"`
	APIKey        string        `envconfig:"STOREFRONT_SLIP_API_KEY"`
	MaxImageBytes int64         `envconfig:"STOREFRONT_SLIP_MAX_IMAGE_BYTES" default:"5242880"`
	Timeout       time.Duration `envconfig:"STOREFRONT_SLIP_TIMEOUT" default:"15s"`
}

type MessagingConfig struct {
	Driver  string `envconfig:"STOREFRONT_MESSAGING_DRIVER" default:"log"`
	Channel string `envconfig:"STOREFRONT_MESSAGING_CHANNEL" default:"storefront:outbound"`
}

type SeedConfig struct {
	File string `envconfig:"STOREFRONT_SEED_FILE"`
}
