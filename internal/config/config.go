// Package config defines the top-level configuration for the arbitrage
// coordinator and provides validation helpers.
package config

import (
	"fmt"
	"strings"

	"github.com/arbnet/coordinator/internal/normalize"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by environment variables: the
// pipeline-wide well-known names (REDIS_URL, MIN_PROFIT_THRESHOLD, ...) plus
// COORDINATOR_* for everything else.
type Config struct {
	Redis     RedisConfig     `toml:"redis"`
	Streams   StreamsConfig   `toml:"streams"`
	Router    RouterConfig    `toml:"router"`
	Detection DetectionConfig `toml:"detection"`
	Solana    SolanaConfig    `toml:"solana"`
	Leader    LeaderConfig    `toml:"leader"`
	Server    ServerConfig    `toml:"server"`
	Archive   ArchiveConfig   `toml:"archive"`
	S3        S3Config        `toml:"s3"`
	Notify    NotifyConfig    `toml:"notify"`

	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
	// Env mirrors NODE_ENV across the pipeline: development, production or
	// test. Production tightens validation; test relaxes it for fixtures.
	Env        string `toml:"env"`
	InstanceID string `toml:"instance_id"`
	// PartitionChains restricts which chains this instance ingests. Empty
	// means all canonical chains.
	PartitionChains []string `toml:"partition_chains"`
}

// RedisConfig holds the Redis connection. URL accepts redis://, rediss:// and
// redis+sentinel:// forms.
type RedisConfig struct {
	URL        string `toml:"url"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
}

// StreamsConfig names the Redis streams the coordinator touches and the
// consumer-group identity it reads with.
type StreamsConfig struct {
	Opportunities     string `toml:"opportunities"`
	ExecutionRequests string `toml:"execution_requests"`
	ForwardingDLQ     string `toml:"forwarding_dlq"`
	// EvmQuotes carries EVM-side price quotes tailed by the cross-chain
	// detector. Read without a group: every detector sees every quote.
	EvmQuotes string `toml:"evm_quotes"`
	// ExecutionMaxLen bounds the execution stream on every append.
	ExecutionMaxLen int64 `toml:"execution_maxlen"`
	// DefaultMaxLen is the bus-wide bound used by AppendWithLimit.
	DefaultMaxLen int64  `toml:"default_maxlen"`
	ConsumerGroup string `toml:"consumer_group"`
	// ConsumerName defaults to the instance id when empty.
	ConsumerName string `toml:"consumer_name"`
	ReadCount    int64  `toml:"read_count"`
	BlockMs      int64  `toml:"block_ms"`
}

// RouterConfig tunes the opportunity router's validation, dedup, retention
// and forwarding behavior.
type RouterConfig struct {
	MaxOpportunities    int     `toml:"max_opportunities"`
	DuplicateWindowMs   int64   `toml:"duplicate_window_ms"`
	MinProfitPercentage float64 `toml:"min_profit_percentage"`
	MaxProfitPercentage float64 `toml:"max_profit_percentage"`
	OpportunityTTLMs    int64   `toml:"opportunity_ttl_ms"`
	// ChainTTLMs overrides the opportunity TTL per chain. Fast L2s and
	// Solana go stale quicker than the global default.
	ChainTTLMs           map[string]int64 `toml:"chain_ttl_ms"`
	MaxRetries           int              `toml:"max_retries"`
	RetryBaseDelayMs     int64            `toml:"retry_base_delay_ms"`
	StartupGracePeriodMs int64            `toml:"startup_grace_period_ms"`
	BreakerThreshold     int              `toml:"breaker_threshold"`
	BreakerCooldownMs    int64            `toml:"breaker_cooldown_ms"`
	CleanupIntervalMs    int64            `toml:"cleanup_interval_ms"`
	DLQDir               string           `toml:"dlq_dir"`
	DLQMaxFileBytes      int64            `toml:"dlq_max_file_bytes"`
}

// DetectionConfig tunes the Solana arbitrage engine.
type DetectionConfig struct {
	// MinProfitThreshold is a percentage: 0.5 means half a percent net.
	MinProfitThreshold   float64 `toml:"min_profit_threshold"`
	MaxTriangularDepth   int     `toml:"max_triangular_depth"`
	OpportunityExpiryMs  int64   `toml:"opportunity_expiry_ms"`
	DefaultTradeValueUSD float64 `toml:"default_trade_value_usd"`
	CrossChainEnabled    bool    `toml:"cross_chain_enabled"`
	TriangularEnabled    bool    `toml:"triangular_enabled"`
	PriceStalenessMs     int64   `toml:"price_staleness_ms"`
	PoolUpdateCooldownMs int64   `toml:"pool_update_cooldown_ms"`
	// PoolTTLMs is the sweeper's retention horizon: pools without a write
	// for this long are pruned from the store entirely.
	PoolTTLMs           int64 `toml:"pool_ttl_ms"`
	MaxPools            int   `toml:"max_pools"`
	DetectionIntervalMs int64 `toml:"detection_interval_ms"`
	BreakerThreshold    int   `toml:"breaker_threshold"`
	BreakerCooldownMs   int64 `toml:"breaker_cooldown_ms"`

	// Cross-chain cost model.
	CrossChainExpiryFactor float64            `toml:"cross_chain_expiry_factor"`
	BridgeFee              float64            `toml:"bridge_fee"`
	LatencyRiskPremium     float64            `toml:"latency_risk_premium"`
	SolanaTxUSD            float64            `toml:"solana_tx_usd"`
	EvmGasUSD              map[string]float64 `toml:"evm_gas_usd"`
	DefaultEvmGasUSD       float64            `toml:"default_evm_gas_usd"`
}

// SolanaConfig holds upstream Solana data-plane endpoints.
type SolanaConfig struct {
	Chain         string `toml:"chain"`
	RPCURL        string `toml:"rpc_url"`
	DevnetRPCURL  string `toml:"devnet_rpc_url"`
	UseDevnet     bool   `toml:"use_devnet"`
	HeliusAPIKey  string `toml:"helius_api_key"`
	TritonAPIKey  string `toml:"triton_api_key"`
	DetectorWSURL string `toml:"detector_ws_url"`
}

// LeaderConfig tunes the Redis lease behind leader election.
type LeaderConfig struct {
	Enabled bool   `toml:"enabled"`
	Key     string `toml:"key"`
	TTLMs   int64  `toml:"ttl_ms"`
	RenewMs int64  `toml:"renew_ms"`
}

// ServerConfig holds HTTP control-surface parameters.
type ServerConfig struct {
	Enabled           bool     `toml:"enabled"`
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RateLimitWindowMs int64    `toml:"rate_limit_window_ms"`
	RateLimitMax      int      `toml:"rate_limit_max"`
}

// ArchiveConfig holds PostgreSQL parameters for the forwarding archive.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RetentionDays int    `toml:"retention_days"`
}

// S3Config holds S3-compatible object storage parameters for shipping DLQ
// fallback files off-host.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Redis: RedisConfig{
			URL:        "redis://localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Streams: StreamsConfig{
			Opportunities:     "stream:opportunities",
			ExecutionRequests: "stream:execution-requests",
			ForwardingDLQ:     "stream:forwarding-dlq",
			EvmQuotes:         "stream:evm-quotes",
			ExecutionMaxLen:   5000,
			DefaultMaxLen:     10000,
			ConsumerGroup:     "coordinator",
			ReadCount:         64,
			BlockMs:           5000,
		},
		Router: RouterConfig{
			MaxOpportunities:    1000,
			DuplicateWindowMs:   5000,
			MinProfitPercentage: -100,
			MaxProfitPercentage: 100,
			OpportunityTTLMs:    60000,
			ChainTTLMs: map[string]int64{
				"arbitrum": 15000,
				"optimism": 15000,
				"base":     15000,
				"zksync":   15000,
				"linea":    15000,
				"solana":   10000,
			},
			MaxRetries:           3,
			RetryBaseDelayMs:     10,
			StartupGracePeriodMs: 15000,
			BreakerThreshold:     5,
			BreakerCooldownMs:    30000,
			CleanupIntervalMs:    30000,
			DLQDir:               "data",
			DLQMaxFileBytes:      100 << 20,
		},
		Detection: DetectionConfig{
			MinProfitThreshold:   0.5,
			MaxTriangularDepth:   3,
			OpportunityExpiryMs:  30000,
			DefaultTradeValueUSD: 1000,
			CrossChainEnabled:    true,
			TriangularEnabled:    true,
			PriceStalenessMs:     5000,
			PoolUpdateCooldownMs: 100,
			PoolTTLMs:            600000,
			MaxPools:             50000,
			DetectionIntervalMs:  1000,
			BreakerThreshold:     3,
			BreakerCooldownMs:    60000,

			CrossChainExpiryFactor: 10,
			BridgeFee:              0.001,
			LatencyRiskPremium:     0.002,
			SolanaTxUSD:            0.01,
			EvmGasUSD: map[string]float64{
				"ethereum":  15.0,
				"arbitrum":  0.15,
				"optimism":  0.10,
				"base":      0.05,
				"polygon":   0.05,
				"bsc":       0.20,
				"avalanche": 0.25,
				"fantom":    0.05,
				"zksync":    0.20,
				"linea":     0.10,
			},
			DefaultEvmGasUSD: 0.50,
		},
		Solana: SolanaConfig{
			Chain:        "solana",
			RPCURL:       "https://api.mainnet-beta.solana.com",
			DevnetRPCURL: "https://api.devnet.solana.com",
		},
		Leader: LeaderConfig{
			Enabled: true,
			Key:     "coordinator:leader",
			TTLMs:   15000,
			RenewMs: 5000,
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8080,
			CORSOrigins:       []string{"http://localhost:3000"},
			RateLimitWindowMs: 60000,
			RateLimitMax:      120,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			PoolMaxConns:  4,
			PoolMinConns:  0,
			RetentionDays: 30,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "coordinator-dlq",
			UseSSL:         false,
			ForcePathStyle: true,
			Prefix:         "dlq",
		},
		Notify: NotifyConfig{
			Events: []string{"circuit_open", "forward_failed", "publisher_disabled"},
		},
		Mode:     "full",
		LogLevel: "info",
		Env:      "development",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"coordinator": true,
	"detector":    true,
	"server":      true,
	"full":        true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validEnvs enumerates the accepted values for Config.Env.
var validEnvs = map[string]bool{
	"development": true,
	"production":  true,
	"test":        true,
}

// redisProtocols enumerates accepted REDIS_URL schemes.
var redisProtocols = []string{"redis://", "rediss://", "redis+sentinel://"}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found. Env "test" bypasses the
// Redis URL checks so fixtures can run without a broker.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: coordinator, detector, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validEnvs[c.Env] {
		errs = append(errs, fmt.Sprintf("unknown env %q (valid: development, production, test)", c.Env))
	}

	// Redis
	if c.Env != "test" {
		if c.Redis.URL == "" {
			errs = append(errs, "redis: url must not be empty")
		} else if !hasRedisProtocol(c.Redis.URL) {
			errs = append(errs, fmt.Sprintf("redis: url must start with one of %s", strings.Join(redisProtocols, ", ")))
		}
		if c.Env == "production" && c.Redis.URL == Defaults().Redis.URL {
			errs = append(errs, "redis: url must be set explicitly in production")
		}
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Streams
	if c.Streams.Opportunities == "" || c.Streams.ExecutionRequests == "" || c.Streams.ForwardingDLQ == "" {
		errs = append(errs, "streams: opportunities, execution_requests and forwarding_dlq must all be named")
	}
	if c.Streams.ExecutionMaxLen < 1 {
		errs = append(errs, "streams: execution_maxlen must be >= 1")
	}
	if c.Streams.ConsumerGroup == "" {
		errs = append(errs, "streams: consumer_group must not be empty")
	}
	if c.Streams.ReadCount < 1 {
		errs = append(errs, "streams: read_count must be >= 1")
	}

	// Router
	if c.Router.MaxOpportunities < 1 {
		errs = append(errs, "router: max_opportunities must be >= 1")
	}
	if c.Router.DuplicateWindowMs < 0 {
		errs = append(errs, "router: duplicate_window_ms must be >= 0")
	}
	if c.Router.MinProfitPercentage >= c.Router.MaxProfitPercentage {
		errs = append(errs, "router: min_profit_percentage must be below max_profit_percentage")
	}
	if c.Router.OpportunityTTLMs <= 0 {
		errs = append(errs, "router: opportunity_ttl_ms must be > 0")
	}
	for chain, ttl := range c.Router.ChainTTLMs {
		if !normalize.IsCanonicalChain(chain) {
			errs = append(errs, fmt.Sprintf("router: chain_ttl_ms references unknown chain %q", chain))
		}
		if ttl <= 0 {
			errs = append(errs, fmt.Sprintf("router: chain_ttl_ms[%s] must be > 0", chain))
		}
	}
	if c.Router.MaxRetries < 1 {
		errs = append(errs, "router: max_retries must be >= 1")
	}
	if c.Router.BreakerThreshold < 1 {
		errs = append(errs, "router: breaker_threshold must be >= 1")
	}
	if c.Router.DLQMaxFileBytes < 1 {
		errs = append(errs, "router: dlq_max_file_bytes must be >= 1")
	}

	// Detection
	if c.Detection.MaxTriangularDepth < 3 || c.Detection.MaxTriangularDepth > 5 {
		errs = append(errs, fmt.Sprintf("detection: max_triangular_depth must be 3-5, got %d", c.Detection.MaxTriangularDepth))
	}
	if c.Detection.DefaultTradeValueUSD <= 0 {
		errs = append(errs, "detection: default_trade_value_usd must be > 0")
	}
	if c.Detection.MaxPools < 1 {
		errs = append(errs, "detection: max_pools must be >= 1")
	}
	if c.Detection.PriceStalenessMs <= 0 {
		errs = append(errs, "detection: price_staleness_ms must be > 0")
	}
	if c.Detection.PoolTTLMs <= 0 {
		errs = append(errs, "detection: pool_ttl_ms must be > 0")
	}
	if c.Detection.BridgeFee < 0 || c.Detection.BridgeFee >= 1 {
		errs = append(errs, "detection: bridge_fee must be in [0, 1)")
	}

	// Partitioning
	for _, chain := range c.PartitionChains {
		if _, ok := normalize.Chain(chain); !ok {
			errs = append(errs, fmt.Sprintf("partition_chains: unknown chain %q", chain))
		}
	}

	// Leader
	if c.Leader.Enabled {
		if c.Leader.Key == "" {
			errs = append(errs, "leader: key must not be empty")
		}
		if c.Leader.TTLMs <= 0 {
			errs = append(errs, "leader: ttl_ms must be > 0")
		}
		if c.Leader.RenewMs <= 0 || c.Leader.RenewMs >= c.Leader.TTLMs {
			errs = append(errs, "leader: renew_ms must be > 0 and below ttl_ms")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitMax < 1 {
			errs = append(errs, "server: rate_limit_max must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if strings.TrimSpace(c.Archive.DSN) == "" {
			errs = append(errs, "archive: dsn must be set when enabled")
		}
		if c.Archive.PoolMaxConns < 1 {
			errs = append(errs, "archive: pool_max_conns must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Production guards: a silent misconfiguration here loses money, so
	// refuse to start instead of limping along on defaults.
	if c.Env == "production" {
		if c.InstanceID == "" {
			errs = append(errs, "instance_id must be set in production")
		}
		if !c.Leader.Enabled {
			errs = append(errs, "leader election must stay enabled in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func hasRedisProtocol(url string) bool {
	for _, p := range redisProtocols {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

// PartitionAllows reports whether this instance ingests the given canonical
// chain. An empty partition list admits every chain.
func (c *Config) PartitionAllows(chain string) bool {
	if len(c.PartitionChains) == 0 {
		return true
	}
	for _, p := range c.PartitionChains {
		if canonical, ok := normalize.Chain(p); ok && canonical == chain {
			return true
		}
	}
	return false
}
