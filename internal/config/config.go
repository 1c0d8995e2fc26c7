package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for dexarb
type Config struct {
	RPC        RPCConfig
	MarketData MarketDataConfig
	Arbitrage  ArbitrageConfig
	Execution  ExecutionConfig
	Pools      []PoolConfig
	Storage    StorageConfig
	Metrics    MetricsConfig
	Logging    LoggingConfig
}

// EndpointConfig describes one weighted RPC endpoint
type EndpointConfig struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
	Type   string `mapstructure:"type"` // "http" or "ws"
}

// RPCConfig holds RPC orchestration settings
type RPCConfig struct {
	Endpoints      []EndpointConfig
	ChainID        int64 // 0 skips the check
	MaxAttempts    int
	BaseBackoff    time.Duration
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	HealthInterval time.Duration
}

// MarketDataConfig holds subscription settings
type MarketDataConfig struct {
	BatchSize         int
	BatchDelay        time.Duration
	MaxQuoteAge       time.Duration
	LogDeltaThreshold float64 // fraction; 0.0001 == 0.01%
	ConfirmOnNewHeads bool
	ListenerBuffer    int
}

// ArbitrageConfig holds simulation thresholds. Profit thresholds are in percent.
type ArbitrageConfig struct {
	BaseToken                string
	TradeAmount              float64
	MaxHops                  int
	MinProfitPct             float64
	MinProfitPctByHops       map[int]float64
	OptimalProfitPct         float64
	MaxTotalSlippage         float64 // fraction
	MinHopLiquidityUSD       float64
	MinPathLiquidityUSD      float64
	MinAggregateLiquidityUSD float64
}

// ExecutionConfig holds execution coordinator settings
type ExecutionConfig struct {
	Enabled                bool
	DryRun                 bool
	PreferAtomic           bool
	Parallelism            int
	Slippage               float64
	RecoverySlippage       float64
	MaxTradeAmount         float64
	MinSignalProfitPct     float64
	SignalMaxAge           time.Duration
	SignalTTL              time.Duration
	MaxConsecutiveFailures int
}

// TokenConfig describes one side of a pool
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals uint8  `mapstructure:"decimals"`
}

// PoolConfig is a catalogue entry
type PoolConfig struct {
	ID      string      `mapstructure:"id"`
	Address string      `mapstructure:"address"`
	Dex     string      `mapstructure:"dex"`
	Token0  TokenConfig `mapstructure:"token0"`
	Token1  TokenConfig `mapstructure:"token1"`
	FeeRate float64     `mapstructure:"fee_rate"`
}

// StorageConfig holds optional backends; empty values disable them
type StorageConfig struct {
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	HistoryStream string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Prefix      string
	S3BatchSize   int
}

// MetricsConfig holds the Prometheus listener
type MetricsConfig struct {
	Addr string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string // "json" or "console"
}

// Load reads configuration from .env, environment and config file
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("rpc.chain_id", 1)
	v.SetDefault("rpc.max_attempts", 5)
	v.SetDefault("rpc.base_backoff", "500ms")
	v.SetDefault("rpc.retry_delay", "200ms")
	v.SetDefault("rpc.attempt_timeout", "10s")
	v.SetDefault("rpc.health_interval", "15s")

	v.SetDefault("marketdata.batch_size", 10)
	v.SetDefault("marketdata.batch_delay", "250ms")
	v.SetDefault("marketdata.max_quote_age", "2m")
	v.SetDefault("marketdata.log_delta_threshold", 0.0001)
	v.SetDefault("marketdata.confirm_on_new_heads", true)
	v.SetDefault("marketdata.listener_buffer", 256)

	v.SetDefault("arbitrage.base_token", "USDC")
	v.SetDefault("arbitrage.trade_amount", 100.0)
	v.SetDefault("arbitrage.max_hops", 4)
	v.SetDefault("arbitrage.min_profit_pct", 0.001)
	v.SetDefault("arbitrage.min_profit_pct_by_hops", map[string]interface{}{"2": 0.001, "3": 0.05, "4": 0.1})
	v.SetDefault("arbitrage.optimal_profit_pct", 0.01)
	v.SetDefault("arbitrage.max_total_slippage", 0.02)
	v.SetDefault("arbitrage.min_hop_liquidity_usd", 10000.0)
	v.SetDefault("arbitrage.min_path_liquidity_usd", 10000.0)
	v.SetDefault("arbitrage.min_aggregate_liquidity_usd", 50000.0)

	v.SetDefault("execution.enabled", true)
	v.SetDefault("execution.dry_run", true)
	v.SetDefault("execution.prefer_atomic", true)
	v.SetDefault("execution.parallelism", 2)
	v.SetDefault("execution.slippage", 0.005)
	v.SetDefault("execution.recovery_slippage", 0.03)
	v.SetDefault("execution.max_trade_amount", 1000.0)
	v.SetDefault("execution.min_signal_profit_pct", 0.001)
	v.SetDefault("execution.signal_max_age", "3s")
	v.SetDefault("execution.signal_ttl", "3s")
	v.SetDefault("execution.max_consecutive_failures", 3)

	v.SetDefault("storage.history_stream", "dexarb:signals")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_prefix", "audit")
	v.SetDefault("storage.s3_batch_size", 500)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// Environment variable support
	v.SetEnvPrefix("DEXARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file support
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.dexarb")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		RPC: RPCConfig{
			ChainID:        v.GetInt64("rpc.chain_id"),
			MaxAttempts:    v.GetInt("rpc.max_attempts"),
			BaseBackoff:    v.GetDuration("rpc.base_backoff"),
			RetryDelay:     v.GetDuration("rpc.retry_delay"),
			AttemptTimeout: v.GetDuration("rpc.attempt_timeout"),
			HealthInterval: v.GetDuration("rpc.health_interval"),
		},
		MarketData: MarketDataConfig{
			BatchSize:         v.GetInt("marketdata.batch_size"),
			BatchDelay:        v.GetDuration("marketdata.batch_delay"),
			MaxQuoteAge:       v.GetDuration("marketdata.max_quote_age"),
			LogDeltaThreshold: v.GetFloat64("marketdata.log_delta_threshold"),
			ConfirmOnNewHeads: v.GetBool("marketdata.confirm_on_new_heads"),
			ListenerBuffer:    v.GetInt("marketdata.listener_buffer"),
		},
		Arbitrage: ArbitrageConfig{
			BaseToken:                v.GetString("arbitrage.base_token"),
			TradeAmount:              v.GetFloat64("arbitrage.trade_amount"),
			MaxHops:                  v.GetInt("arbitrage.max_hops"),
			MinProfitPct:             v.GetFloat64("arbitrage.min_profit_pct"),
			MinProfitPctByHops:       map[int]float64{},
			OptimalProfitPct:         v.GetFloat64("arbitrage.optimal_profit_pct"),
			MaxTotalSlippage:         v.GetFloat64("arbitrage.max_total_slippage"),
			MinHopLiquidityUSD:       v.GetFloat64("arbitrage.min_hop_liquidity_usd"),
			MinPathLiquidityUSD:      v.GetFloat64("arbitrage.min_path_liquidity_usd"),
			MinAggregateLiquidityUSD: v.GetFloat64("arbitrage.min_aggregate_liquidity_usd"),
		},
		Execution: ExecutionConfig{
			Enabled:                v.GetBool("execution.enabled"),
			DryRun:                 v.GetBool("execution.dry_run"),
			PreferAtomic:           v.GetBool("execution.prefer_atomic"),
			Parallelism:            v.GetInt("execution.parallelism"),
			Slippage:               v.GetFloat64("execution.slippage"),
			RecoverySlippage:       v.GetFloat64("execution.recovery_slippage"),
			MaxTradeAmount:         v.GetFloat64("execution.max_trade_amount"),
			MinSignalProfitPct:     v.GetFloat64("execution.min_signal_profit_pct"),
			SignalMaxAge:           v.GetDuration("execution.signal_max_age"),
			SignalTTL:              v.GetDuration("execution.signal_ttl"),
			MaxConsecutiveFailures: v.GetInt("execution.max_consecutive_failures"),
		},
		Storage: StorageConfig{
			PostgresDSN:   v.GetString("storage.postgres_dsn"),
			RedisAddr:     v.GetString("storage.redis_addr"),
			RedisPassword: v.GetString("storage.redis_password"),
			RedisDB:       v.GetInt("storage.redis_db"),
			HistoryStream: v.GetString("storage.history_stream"),
			S3Bucket:      v.GetString("storage.s3_bucket"),
			S3Region:      v.GetString("storage.s3_region"),
			S3Endpoint:    v.GetString("storage.s3_endpoint"),
			S3AccessKey:   v.GetString("storage.s3_access_key"),
			S3SecretKey:   v.GetString("storage.s3_secret_key"),
			S3Prefix:      v.GetString("storage.s3_prefix"),
			S3BatchSize:   v.GetInt("storage.s3_batch_size"),
		},
		Metrics: MetricsConfig{
			Addr: v.GetString("metrics.addr"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	// viper lower-cases map keys and keeps them as strings
	for k, pct := range v.GetStringMap("arbitrage.min_profit_pct_by_hops") {
		var hops int
		if _, err := fmt.Sscanf(k, "%d", &hops); err != nil {
			return nil, fmt.Errorf("invalid hop count %q in arbitrage.min_profit_pct_by_hops", k)
		}
		f, err := toFloat(pct)
		if err != nil {
			return nil, fmt.Errorf("arbitrage.min_profit_pct_by_hops[%s]: %w", k, err)
		}
		cfg.Arbitrage.MinProfitPctByHops[hops] = f
	}

	if err := v.UnmarshalKey("rpc.endpoints", &cfg.RPC.Endpoints); err != nil {
		return nil, fmt.Errorf("failed to parse rpc.endpoints: %w", err)
	}
	if err := v.UnmarshalKey("pools", &cfg.Pools); err != nil {
		return nil, fmt.Errorf("failed to parse pools: %w", err)
	}

	return cfg, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err != nil {
			return 0, err
		}
		return f, nil
	}
	return 0, fmt.Errorf("unsupported value %v", v)
}

// Validate checks the invariants the components rely on
func (c *Config) Validate() error {
	var errs []error

	if len(c.RPC.Endpoints) == 0 {
		errs = append(errs, errors.New("rpc.endpoints: at least one endpoint is required"))
	}
	hasWS := false
	for i, ep := range c.RPC.Endpoints {
		if ep.URL == "" {
			errs = append(errs, fmt.Errorf("rpc.endpoints[%d]: url is required", i))
		}
		if ep.Weight <= 0 {
			errs = append(errs, fmt.Errorf("rpc.endpoints[%d]: weight must be positive", i))
		}
		if ep.Type == "ws" {
			hasWS = true
		}
	}
	if len(c.RPC.Endpoints) > 0 && !hasWS {
		errs = append(errs, errors.New("rpc.endpoints: a ws endpoint is required for subscriptions"))
	}
	if c.RPC.MaxAttempts <= 0 {
		errs = append(errs, errors.New("rpc.max_attempts must be positive"))
	}
	if c.Arbitrage.TradeAmount <= 0 {
		errs = append(errs, errors.New("arbitrage.trade_amount must be positive"))
	}
	if c.Arbitrage.MaxHops < 1 || c.Arbitrage.MaxHops > 4 {
		errs = append(errs, errors.New("arbitrage.max_hops must be between 1 and 4"))
	}
	if c.Arbitrage.BaseToken == "" {
		errs = append(errs, errors.New("arbitrage.base_token is required"))
	}
	if len(c.Pools) == 0 {
		errs = append(errs, errors.New("pools: the catalogue is empty"))
	}
	if c.Execution.Parallelism <= 0 {
		errs = append(errs, errors.New("execution.parallelism must be positive"))
	}
	if c.Execution.RecoverySlippage < c.Execution.Slippage {
		errs = append(errs, errors.New("execution.recovery_slippage must not be tighter than execution.slippage"))
	}

	return errors.Join(errs...)
}
