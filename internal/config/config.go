package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinUpdateInterval is the shortest refresh cadence accepted.
const MinUpdateInterval = 5 * time.Second

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Aggregator AggregatorConfig
	Arbitrage  ArbitrageConfig
	Cache      CacheConfig
	Stream     StreamConfig
	Sources    map[string]SourceConfig
	Slippage   SlippageConfig
	Bridge     BridgeConfig
	Database   DatabaseConfig
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AggregatorConfig defines the refresh cycle settings.
type AggregatorConfig struct {
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	Tokens         []string      `mapstructure:"tokens"`
	HistorySize    int           `mapstructure:"history_size"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
}

// ArbitrageConfig defines the detector threshold and fee model.
type ArbitrageConfig struct {
	MinSpreadPct      float64 `mapstructure:"min_spread_pct"`
	ReferenceNotional float64 `mapstructure:"reference_notional"`
	SpotFeeRate       float64 `mapstructure:"spot_fee_rate"`
	PerpFeeRate       float64 `mapstructure:"perp_fee_rate"`
	MarginRatio       float64 `mapstructure:"margin_ratio"`
}

// CacheConfig defines the two cache tiers.
type CacheConfig struct {
	DefaultTTL        time.Duration `mapstructure:"default_ttl"`
	LocalSize         int           `mapstructure:"local_size"`
	RedisURL          string        `mapstructure:"redis_url"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

// StreamConfig defines the websocket listener settings.
type StreamConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	PrimaryURL       string        `mapstructure:"primary_url"`
	SecondaryURL     string        `mapstructure:"secondary_url"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	FailoverAfter    int           `mapstructure:"failover_after"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// SourceConfig defines settings for a specific price source.
type SourceConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// SlippageConfig defines the market-impact model parameters. A bound of
// zero or less disables that side of the clamp.
type SlippageConfig struct {
	K                  float64 `mapstructure:"k"`
	A                  float64 `mapstructure:"a"`
	B                  float64 `mapstructure:"b"`
	SqrtMinBps         float64 `mapstructure:"sqrt_min_bps"`
	SqrtMaxBps         float64 `mapstructure:"sqrt_max_bps"`
	PowerMinBps        float64 `mapstructure:"power_min_bps"`
	PowerMaxBps        float64 `mapstructure:"power_max_bps"`
	DefaultADV         float64 `mapstructure:"default_adv"`
	DefaultDailyVolume float64 `mapstructure:"default_daily_volume"`
	DefaultEstimate    float64 `mapstructure:"default_estimate"`
}

// BridgeConfig defines the execution simulator settings.
type BridgeConfig struct {
	MaxLatencySeconds      float64 `mapstructure:"max_latency_seconds"`
	MinProfitableSpreadBps float64 `mapstructure:"min_profitable_spread_bps"`
	GasCostSOL             float64 `mapstructure:"gas_cost_sol"`
	SOLPriceUSD            float64 `mapstructure:"sol_price_usd"`
	PerpFeeRate            float64 `mapstructure:"perp_fee_rate"`
	SlippageImpact         float64 `mapstructure:"slippage_impact"`
	BridgeFee              float64 `mapstructure:"bridge_fee"`
	DefaultSimulations     int     `mapstructure:"default_simulations"`
	HistorySize            int     `mapstructure:"history_size"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// DSN returns the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.DBName)
}

// Source returns the settings for the named source, or a disabled zero value.
func (c Config) Source(name string) SourceConfig {
	return c.Sources[name]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("log.level", "info")

	v.SetDefault("aggregator.update_interval", "10s")
	v.SetDefault("aggregator.refresh_timeout", "8s")
	v.SetDefault("aggregator.tokens", []string{"SOL", "ETH", "BTC", "USDC", "USDT", "JUP", "BONK", "ORCA", "HL"})
	v.SetDefault("aggregator.history_size", 1000)
	v.SetDefault("aggregator.retry_base", "500ms")
	v.SetDefault("aggregator.retry_max", "30s")

	v.SetDefault("arbitrage.min_spread_pct", 0.3)
	v.SetDefault("arbitrage.reference_notional", 1000.0)
	v.SetDefault("arbitrage.spot_fee_rate", 0.003)
	v.SetDefault("arbitrage.perp_fee_rate", 0.0002)
	v.SetDefault("arbitrage.margin_ratio", 0.1)

	v.SetDefault("cache.default_ttl", "7s")
	v.SetDefault("cache.local_size", 1000)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.reconnect_interval", "30s")

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.primary_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("stream.secondary_url", "wss://api.hyperliquid-testnet.xyz/ws")
	v.SetDefault("stream.max_attempts", 10)
	v.SetDefault("stream.failover_after", 4)
	v.SetDefault("stream.base_backoff", "1s")
	v.SetDefault("stream.max_backoff", "60s")
	v.SetDefault("stream.ping_interval", "20s")
	v.SetDefault("stream.handshake_timeout", "10s")

	sources := map[string]struct {
		url string
		ttl string
		rps float64
	}{
		"jupiter":     {"https://price.jup.ag/v4", "5s", 5},
		"hyperliquid": {"https://api.hyperliquid.xyz", "3s", 5},
		"coingecko":   {"https://api.coingecko.com/api/v3", "10s", 0.5},
		"kraken":      {"https://api.kraken.com", "5s", 1},
		"binance":     {"https://api.binance.com", "5s", 5},
	}
	for name, s := range sources {
		prefix := "sources." + name + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"base_url", s.url)
		v.SetDefault(prefix+"timeout", "10s")
		v.SetDefault(prefix+"rate_limit", s.rps)
		v.SetDefault(prefix+"burst", 2)
		v.SetDefault(prefix+"cache_ttl", s.ttl)
	}

	v.SetDefault("slippage.k", 0.7)
	v.SetDefault("slippage.a", 0.3)
	v.SetDefault("slippage.b", 0.6)
	v.SetDefault("slippage.sqrt_min_bps", 0.5)
	v.SetDefault("slippage.sqrt_max_bps", 500.0)
	v.SetDefault("slippage.power_min_bps", 0.1)
	v.SetDefault("slippage.power_max_bps", 1000.0)
	v.SetDefault("slippage.default_adv", 10_000_000.0)
	v.SetDefault("slippage.default_daily_volume", 50_000_000.0)
	v.SetDefault("slippage.default_estimate", 0.01)

	v.SetDefault("bridge.max_latency_seconds", 5.0)
	v.SetDefault("bridge.min_profitable_spread_bps", 0.5)
	v.SetDefault("bridge.gas_cost_sol", 0.0001)
	v.SetDefault("bridge.sol_price_usd", 180.0)
	v.SetDefault("bridge.perp_fee_rate", 0.0003)
	v.SetDefault("bridge.slippage_impact", 0.002)
	v.SetDefault("bridge.bridge_fee", 0.0)
	v.SetDefault("bridge.default_simulations", 1000)
	v.SetDefault("bridge.history_size", 100)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "perpspot")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "perpspot")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error; defaults and environment apply.
func LoadConfig(path string) (config Config, err error) {
	v := newViper()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	config.normalize()
	return config, nil
}

// Default returns the configuration built from defaults and environment only.
func Default() Config {
	var config Config
	_ = newViper().Unmarshal(&config)
	config.normalize()
	return config
}

func (c *Config) normalize() {
	if c.Aggregator.UpdateInterval < MinUpdateInterval {
		c.Aggregator.UpdateInterval = MinUpdateInterval
	}
	for i, t := range c.Aggregator.Tokens {
		c.Aggregator.Tokens[i] = strings.ToUpper(strings.TrimSpace(t))
	}
}
