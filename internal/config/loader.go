package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix namespaces every override variable.
const envPrefix = "DRAWSETTLE_"

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies DRAWSETTLE_* overrides from the environment and a
// .env file if one exists. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Chain.RPCURL, "CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.OracleAddress, "CHAIN_ORACLE_ADDRESS")
	setStr(&cfg.Chain.PositionsAddress, "CHAIN_POSITIONS_ADDRESS")
	setDuration(&cfg.Chain.TxTimeout, "CHAIN_TX_TIMEOUT")
	setFloat64(&cfg.Chain.GasMultiplier, "CHAIN_GAS_MULTIPLIER")
	setInt64(&cfg.Chain.MaxFeeGwei, "CHAIN_MAX_FEE_GWEI")
	setFloat64(&cfg.Chain.RPCRate, "CHAIN_RPC_RATE")

	setStr(&cfg.Wallet.PrivateKey, "WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "WALLET_KEY_PASSWORD")

	setBool(&cfg.Relayer.Enabled, "RELAYER_ENABLED")
	setStr(&cfg.Relayer.PrivateKey, "RELAYER_PRIVATE_KEY")
	setStr(&cfg.Relayer.EncryptedKeyPath, "RELAYER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Relayer.KeyPassword, "RELAYER_KEY_PASSWORD")
	setStr(&cfg.Relayer.MinPositionWei, "RELAYER_MIN_POSITION_WEI")
	setStr(&cfg.Relayer.GasReserveWei, "RELAYER_GAS_RESERVE_WEI")

	setDuration(&cfg.DA.Timeout, "DA_TIMEOUT")

	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setBool(&cfg.S3.CreateBucket, "S3_CREATE_BUCKET")

	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.WindowTTL, "REDIS_WINDOW_TTL")

	setStr(&cfg.Feed.URL, "FEED_URL")
	setStr(&cfg.Feed.Symbol, "FEED_SYMBOL")

	setDuration(&cfg.Pipeline.HealthInterval, "PIPELINE_HEALTH_INTERVAL")
	setInt(&cfg.Pipeline.MaxInFlight, "PIPELINE_MAX_IN_FLIGHT")
	setInt(&cfg.Aggregator.MaxGapFill, "AGGREGATOR_MAX_GAP_FILL")
	setDuration(&cfg.Aggregator.Grace, "AGGREGATOR_GRACE")

	setInt(&cfg.Settlement.FeeBps, "SETTLEMENT_FEE_BPS")
	setDuration(&cfg.Settlement.LockDuration, "SETTLEMENT_LOCK_DURATION")
	setDuration(&cfg.Settlement.SettleLockTTL, "SETTLEMENT_SETTLE_LOCK_TTL")
	setDuration(&cfg.Settlement.PayoutRetryInterval, "SETTLEMENT_PAYOUT_RETRY_INTERVAL")

	setStr(&cfg.Ledger.Asset, "LEDGER_ASSET")
	setStr(&cfg.Ledger.WeiPerUnit, "LEDGER_WEI_PER_UNIT")
	setStr(&cfg.Ledger.DepositSecret, "LEDGER_DEPOSIT_SECRET")
	setDuration(&cfg.Ledger.DepositMaxSkew, "LEDGER_DEPOSIT_MAX_SKEW")

	setBool(&cfg.Kafka.Enabled, "KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "KAFKA_TOPIC")

	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS")

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// Typed env helpers. Each only touches dst when the variable is set and
// parses cleanly.

func lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
