package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-orders/internal/gateway"
)

func validConfig() Config {
	return Config{
		Addr:        defaultAddr,
		DatabaseURL: "postgres://localhost/orders",
		Gateways: GatewaysConfig{
			Cart:     gateway.Config{BaseURL: "http://cart"},
			Coupon:   gateway.Config{BaseURL: "http://coupon"},
			Identity: gateway.Config{BaseURL: "http://identity"},
		},
		Pricing: PricingConfig{TaxRate: "0.10", MaxShipping: "10000", Currency: "USD"},
	}
}

func TestConfig_Validate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{"Valid", func(*Config) {}, ""},
		{"NoDatabase", func(c *Config) { c.DatabaseURL = "" }, "database URL is required"},
		{"NoCoupon", func(c *Config) { c.Gateways.Coupon.BaseURL = "" }, "coupon gateway base URL is required"},
		{"BadTaxRate", func(c *Config) { c.Pricing.TaxRate = "ten percent" }, "parse tax rate"},
		{"NegativeTaxRate", func(c *Config) { c.Pricing.TaxRate = "-0.1" }, "is negative"},
		{"ZeroCeiling", func(c *Config) { c.Pricing.MaxShipping = "0" }, "must be positive"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/orders")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PORT", "9090")

	cfg := Config{Addr: defaultAddr}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/orders", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)

	explicit := Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit"}
	explicit.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit", explicit.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", explicit.Addr)
}
