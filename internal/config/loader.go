package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies environment variable overrides, and returns the
// final Config. The returned Config has NOT been validated; the caller should
// invoke Config.Validate() after Load. An empty path skips the file and uses
// defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads the environment and overwrites the corresponding
// Config fields when a variable is set (i.e. not empty). Two namespaces
// apply: the pipeline-wide names every service on the bus honors verbatim,
// and COORDINATOR_* names for knobs specific to this service.
func applyEnvOverrides(cfg *Config) {
	// ── Pipeline-wide names (shared with the upstream detectors) ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Env, "NODE_ENV")
	setFloat64(&cfg.Detection.MinProfitThreshold, "MIN_PROFIT_THRESHOLD")
	setInt(&cfg.Detection.MaxTriangularDepth, "MAX_TRIANGULAR_DEPTH")
	setInt64(&cfg.Detection.OpportunityExpiryMs, "OPPORTUNITY_EXPIRY_MS")
	setFloat64(&cfg.Detection.DefaultTradeValueUSD, "SOLANA_DEFAULT_TRADE_VALUE_USD")
	setBool(&cfg.Detection.CrossChainEnabled, "CROSS_CHAIN_ENABLED")
	setBool(&cfg.Detection.TriangularEnabled, "TRIANGULAR_ENABLED")
	setInt64(&cfg.Server.RateLimitWindowMs, "API_RATE_LIMIT_WINDOW_MS")
	setInt(&cfg.Server.RateLimitMax, "API_RATE_LIMIT_MAX")
	setStringSlice(&cfg.PartitionChains, "PARTITION_CHAINS")
	setStr(&cfg.Solana.HeliusAPIKey, "HELIUS_API_KEY")
	setStr(&cfg.Solana.TritonAPIKey, "TRITON_API_KEY")
	setStr(&cfg.Solana.RPCURL, "SOLANA_RPC_URL")
	setStr(&cfg.Solana.DevnetRPCURL, "SOLANA_DEVNET_RPC_URL")

	// ── Redis ──
	setInt(&cfg.Redis.PoolSize, "COORDINATOR_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COORDINATOR_REDIS_MAX_RETRIES")

	// ── Streams ──
	setStr(&cfg.Streams.Opportunities, "COORDINATOR_STREAMS_OPPORTUNITIES")
	setStr(&cfg.Streams.ExecutionRequests, "COORDINATOR_STREAMS_EXECUTION_REQUESTS")
	setStr(&cfg.Streams.ForwardingDLQ, "COORDINATOR_STREAMS_FORWARDING_DLQ")
	setStr(&cfg.Streams.EvmQuotes, "COORDINATOR_STREAMS_EVM_QUOTES")
	setInt64(&cfg.Streams.ExecutionMaxLen, "COORDINATOR_STREAMS_EXECUTION_MAXLEN")
	setInt64(&cfg.Streams.DefaultMaxLen, "COORDINATOR_STREAMS_DEFAULT_MAXLEN")
	setStr(&cfg.Streams.ConsumerGroup, "COORDINATOR_STREAMS_CONSUMER_GROUP")
	setStr(&cfg.Streams.ConsumerName, "COORDINATOR_STREAMS_CONSUMER_NAME")
	setInt64(&cfg.Streams.ReadCount, "COORDINATOR_STREAMS_READ_COUNT")
	setInt64(&cfg.Streams.BlockMs, "COORDINATOR_STREAMS_BLOCK_MS")

	// ── Router ──
	setInt(&cfg.Router.MaxOpportunities, "COORDINATOR_ROUTER_MAX_OPPORTUNITIES")
	setInt64(&cfg.Router.DuplicateWindowMs, "COORDINATOR_ROUTER_DUPLICATE_WINDOW_MS")
	setFloat64(&cfg.Router.MinProfitPercentage, "COORDINATOR_ROUTER_MIN_PROFIT_PERCENTAGE")
	setFloat64(&cfg.Router.MaxProfitPercentage, "COORDINATOR_ROUTER_MAX_PROFIT_PERCENTAGE")
	setInt64(&cfg.Router.OpportunityTTLMs, "COORDINATOR_ROUTER_OPPORTUNITY_TTL_MS")
	setInt(&cfg.Router.MaxRetries, "COORDINATOR_ROUTER_MAX_RETRIES")
	setInt64(&cfg.Router.RetryBaseDelayMs, "COORDINATOR_ROUTER_RETRY_BASE_DELAY_MS")
	setInt64(&cfg.Router.StartupGracePeriodMs, "COORDINATOR_ROUTER_STARTUP_GRACE_PERIOD_MS")
	setInt(&cfg.Router.BreakerThreshold, "COORDINATOR_ROUTER_BREAKER_THRESHOLD")
	setInt64(&cfg.Router.BreakerCooldownMs, "COORDINATOR_ROUTER_BREAKER_COOLDOWN_MS")
	setInt64(&cfg.Router.CleanupIntervalMs, "COORDINATOR_ROUTER_CLEANUP_INTERVAL_MS")
	setStr(&cfg.Router.DLQDir, "COORDINATOR_ROUTER_DLQ_DIR")
	setInt64(&cfg.Router.DLQMaxFileBytes, "COORDINATOR_ROUTER_DLQ_MAX_FILE_BYTES")

	// ── Detection ──
	setInt64(&cfg.Detection.PriceStalenessMs, "COORDINATOR_DETECTION_PRICE_STALENESS_MS")
	setInt64(&cfg.Detection.PoolUpdateCooldownMs, "COORDINATOR_DETECTION_POOL_UPDATE_COOLDOWN_MS")
	setInt64(&cfg.Detection.PoolTTLMs, "COORDINATOR_DETECTION_POOL_TTL_MS")
	setInt(&cfg.Detection.MaxPools, "COORDINATOR_DETECTION_MAX_POOLS")
	setInt64(&cfg.Detection.DetectionIntervalMs, "COORDINATOR_DETECTION_INTERVAL_MS")
	setFloat64(&cfg.Detection.BridgeFee, "COORDINATOR_DETECTION_BRIDGE_FEE")
	setFloat64(&cfg.Detection.LatencyRiskPremium, "COORDINATOR_DETECTION_LATENCY_RISK_PREMIUM")
	setFloat64(&cfg.Detection.SolanaTxUSD, "COORDINATOR_DETECTION_SOLANA_TX_USD")
	setFloat64(&cfg.Detection.DefaultEvmGasUSD, "COORDINATOR_DETECTION_DEFAULT_EVM_GAS_USD")

	// ── Solana ──
	setStr(&cfg.Solana.Chain, "COORDINATOR_SOLANA_CHAIN")
	setBool(&cfg.Solana.UseDevnet, "COORDINATOR_SOLANA_USE_DEVNET")
	setStr(&cfg.Solana.DetectorWSURL, "COORDINATOR_SOLANA_DETECTOR_WS_URL")

	// ── Leader ──
	setBool(&cfg.Leader.Enabled, "COORDINATOR_LEADER_ENABLED")
	setStr(&cfg.Leader.Key, "COORDINATOR_LEADER_KEY")
	setInt64(&cfg.Leader.TTLMs, "COORDINATOR_LEADER_TTL_MS")
	setInt64(&cfg.Leader.RenewMs, "COORDINATOR_LEADER_RENEW_MS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COORDINATOR_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COORDINATOR_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COORDINATOR_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "COORDINATOR_SERVER_API_KEY")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "COORDINATOR_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.DSN, "COORDINATOR_ARCHIVE_DSN")
	setInt(&cfg.Archive.PoolMaxConns, "COORDINATOR_ARCHIVE_POOL_MAX_CONNS")
	setInt(&cfg.Archive.PoolMinConns, "COORDINATOR_ARCHIVE_POOL_MIN_CONNS")
	setInt(&cfg.Archive.RetentionDays, "COORDINATOR_ARCHIVE_RETENTION_DAYS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COORDINATOR_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COORDINATOR_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COORDINATOR_S3_REGION")
	setStr(&cfg.S3.Bucket, "COORDINATOR_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COORDINATOR_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COORDINATOR_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COORDINATOR_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COORDINATOR_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "COORDINATOR_S3_PREFIX")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COORDINATOR_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COORDINATOR_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COORDINATOR_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COORDINATOR_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "COORDINATOR_MODE")
	setStr(&cfg.LogLevel, "COORDINATOR_LOG_LEVEL")
	setStr(&cfg.InstanceID, "COORDINATOR_INSTANCE_ID")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
