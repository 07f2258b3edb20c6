package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/gateway"
	"github.com/xenking/kart-orders/internal/repository"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (ORDERS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (ORDERS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Pool        repository.PoolConfig
	Redis       RedisConfig
	Gateways    GatewaysConfig
	Pricing     PricingConfig
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// RedisConfig configures the checkout lock. Locking is disabled when Addr is
// empty.
type RedisConfig struct {
	Addr     string        `usage:"Redis address for the checkout lock"`
	Password string        `usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database"`
	LockTTL  time.Duration `default:"10s" usage:"Checkout lock lease" flag:"lock-ttl"`
	LockWait time.Duration `default:"2s" usage:"How long a checkout waits for the lock" flag:"lock-wait"`
}

// GatewaysConfig lists the collaborator services.
type GatewaysConfig struct {
	Cart     gateway.Config
	Coupon   gateway.Config
	Identity gateway.Config
}

// PricingConfig controls order totals.
type PricingConfig struct {
	TaxRate     string `default:"0.10" usage:"Tax rate applied to the discounted subtotal" flag:"tax-rate"`
	MaxShipping string `default:"10000" usage:"Exclusive upper bound for the shipping value" flag:"max-shipping"`
	Currency    string `default:"USD" usage:"Currency recorded on payments"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERS",
		Files:     []string{"config.yaml", "/etc/orders/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or malformed setting.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set ORDERS_DATABASE_URL or DATABASE_URL")
	}
	for name, g := range map[string]gateway.Config{
		"cart":     c.Gateways.Cart,
		"coupon":   c.Gateways.Coupon,
		"identity": c.Gateways.Identity,
	} {
		if g.BaseURL == "" {
			return errors.Errorf("%s gateway base URL is required", name)
		}
	}

	rate, err := c.Pricing.taxRate()
	if err != nil {
		return err
	}
	if rate.IsNegative() {
		return errors.Errorf("tax rate %s is negative", rate)
	}
	ceiling, err := c.Pricing.maxShipping()
	if err != nil {
		return err
	}
	if !ceiling.IsPositive() {
		return errors.Errorf("shipping ceiling %s must be positive", ceiling)
	}
	return nil
}

func (p PricingConfig) taxRate() (decimal.Decimal, error) {
	v, err := decimal.NewFromString(p.TaxRate)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse tax rate %q", p.TaxRate)
	}
	return v, nil
}

func (p PricingConfig) maxShipping() (decimal.Decimal, error) {
	v, err := decimal.NewFromString(p.MaxShipping)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse shipping ceiling %q", p.MaxShipping)
	}
	return v, nil
}

// applyPlatformDefaults maps platform-provided variables such as DATABASE_URL
// and PORT onto the ORDERS_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
