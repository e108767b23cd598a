package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env       string   `mapstructure:"env"`
	Exchanges []string `mapstructure:"exchanges"`
	Aevo      FeedConfig
	Dydx      FeedConfig
	WS        WSConfig
	Arbitrage ArbitrageConfig
	Log       LogConfig
	Redis     RedisConfig
	Metrics   MetricsConfig

	// Quiet and Continue come from the command line.
	Quiet    bool
	Continue bool
}

// FeedConfig is the endpoint and instrument for one exchange.
type FeedConfig struct {
	URL        string `mapstructure:"url"`
	Instrument string `mapstructure:"instrument"`
}

// WSConfig holds transport tuning shared by every feed.
type WSConfig struct {
	HeartbeatTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

// ArbitrageConfig holds matching and ledger settings.
type ArbitrageConfig struct {
	FeeThreshold    decimal.Decimal
	StartingBalance decimal.Decimal
	StaleAfter      time.Duration
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables
// publishing.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MetricsConfig holds the Prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from an optional .env file, an optional config
// file and environment variables prefixed with ARBITER_. Flags, when given,
// take precedence over everything else.
func Load(flags *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("exchanges", "aevo,dydx")

	// Feed defaults
	v.SetDefault("aevo.url", "wss://ws.aevo.xyz")
	v.SetDefault("aevo.instrument", "BTC-PERP")
	v.SetDefault("dydx.url", "wss://indexer.dydx.trade/v4/ws")
	v.SetDefault("dydx.instrument", "BTC-USD")

	// Transport defaults
	v.SetDefault("ws.heartbeat_timeout_ms", 60000)
	v.SetDefault("ws.backoff_initial_ms", 250)
	v.SetDefault("ws.backoff_max_ms", 30000)

	// Arbitrage defaults
	v.SetDefault("arbitrage.fee_threshold", "0")
	v.SetDefault("arbitrage.starting_balance", "0")
	v.SetDefault("arbitrage.stale_after_ms", 0)

	// Log defaults
	v.SetDefault("log.level", "debug")
	v.SetDefault("log.format", "console")

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "arbiter:")

	// Metrics defaults
	v.SetDefault("metrics.addr", "")

	v.SetDefault("quiet", false)
	v.SetDefault("continue", false)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
		if path := v.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.Exchanges = exchangeList(v)

	cfg.Aevo = FeedConfig{
		URL:        v.GetString("aevo.url"),
		Instrument: v.GetString("aevo.instrument"),
	}
	cfg.Dydx = FeedConfig{
		URL:        v.GetString("dydx.url"),
		Instrument: v.GetString("dydx.instrument"),
	}

	cfg.WS = WSConfig{
		HeartbeatTimeout: time.Duration(v.GetInt("ws.heartbeat_timeout_ms")) * time.Millisecond,
		BackoffInitial:   time.Duration(v.GetInt("ws.backoff_initial_ms")) * time.Millisecond,
		BackoffMax:       time.Duration(v.GetInt("ws.backoff_max_ms")) * time.Millisecond,
	}

	threshold, err := decimal.NewFromString(v.GetString("arbitrage.fee_threshold"))
	if err != nil {
		return nil, fmt.Errorf("config: arbitrage.fee_threshold: %w", err)
	}
	start, err := decimal.NewFromString(v.GetString("arbitrage.starting_balance"))
	if err != nil {
		return nil, fmt.Errorf("config: arbitrage.starting_balance: %w", err)
	}
	cfg.Arbitrage = ArbitrageConfig{
		FeeThreshold:    threshold,
		StartingBalance: start,
		StaleAfter:      time.Duration(v.GetInt("arbitrage.stale_after_ms")) * time.Millisecond,
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	cfg.Redis = RedisConfig{
		Addr:      v.GetString("redis.addr"),
		Password:  v.GetString("redis.password"),
		DB:        v.GetInt("redis.db"),
		KeyPrefix: v.GetString("redis.key_prefix"),
	}

	cfg.Metrics = MetricsConfig{
		Addr: v.GetString("metrics.addr"),
	}

	cfg.Quiet = v.GetBool("quiet")
	cfg.Continue = v.GetBool("continue")

	return cfg, nil
}

// Feed returns the feed settings for exchange, or false if it is unknown.
func (c *Config) Feed(exchange string) (FeedConfig, bool) {
	switch exchange {
	case "aevo":
		return c.Aevo, true
	case "dydx":
		return c.Dydx, true
	default:
		return FeedConfig{}, false
	}
}

// Validate checks values that Load cannot reject on its own.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Exchanges) < 2 {
		errs = append(errs, fmt.Errorf("exchanges: need at least two, got %v", c.Exchanges))
	}
	seen := map[string]bool{}
	for _, ex := range c.Exchanges {
		if seen[ex] {
			errs = append(errs, fmt.Errorf("exchanges: %s listed twice", ex))
		}
		seen[ex] = true
		feed, ok := c.Feed(ex)
		if !ok {
			errs = append(errs, fmt.Errorf("exchanges: unknown exchange %q", ex))
			continue
		}
		if feed.URL == "" || feed.Instrument == "" {
			errs = append(errs, fmt.Errorf("%s: url and instrument are required", ex))
		}
	}
	if c.Arbitrage.FeeThreshold.IsNegative() {
		errs = append(errs, errors.New("arbitrage.fee_threshold must not be negative"))
	}
	if c.Arbitrage.StartingBalance.IsNegative() {
		errs = append(errs, errors.New("arbitrage.starting_balance must not be negative"))
	}
	if c.Arbitrage.StaleAfter < 0 {
		errs = append(errs, errors.New("arbitrage.stale_after_ms must not be negative"))
	}
	if c.WS.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("ws.heartbeat_timeout_ms must be positive"))
	}
	return errors.Join(errs...)
}

// exchangeList accepts either a comma-separated string (env, flags) or a
// list (config file).
func exchangeList(v *viper.Viper) []string {
	var parts []string
	switch raw := v.Get("exchanges").(type) {
	case []any:
		parts = v.GetStringSlice("exchanges")
	case string:
		parts = strings.Split(raw, ",")
	}
	var out []string
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
