// Package config defines the drawsettle configuration and its validation.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by DRAWSETTLE_* environment variables.
type Config struct {
	Chain      ChainConfig      `toml:"chain"`
	Wallet     WalletConfig     `toml:"wallet"`
	Relayer    RelayerConfig    `toml:"relayer"`
	DA         DAConfig         `toml:"da"`
	S3         S3Config         `toml:"s3"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Feed       FeedConfig       `toml:"feed"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Aggregator AggregatorConfig `toml:"aggregator"`
	Settlement SettlementConfig `toml:"settlement"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Archive    ArchiveConfig    `toml:"archive"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ChainConfig holds the RPC endpoint, contract addresses and tx tuning.
type ChainConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	OracleAddress    string   `toml:"oracle_address"`
	PositionsAddress string   `toml:"positions_address"`
	TxTimeout        duration `toml:"tx_timeout"`
	PollInterval     duration `toml:"poll_interval"`
	CallTimeout      duration `toml:"call_timeout"`
	GasMultiplier    float64  `toml:"gas_multiplier"`
	MaxFeeGwei       int64    `toml:"max_fee_gwei"`
	RPCRate          float64  `toml:"rpc_rate"`
	RPCBurst         int      `toml:"rpc_burst"`
}

// WalletConfig is the key that anchors commitments and closes positions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// RelayerConfig is the account that opens positions for signed requests.
// With no key configured the wallet key is used.
type RelayerConfig struct {
	Enabled          bool   `toml:"enabled"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	DomainName       string `toml:"domain_name"`
	DomainVersion    string `toml:"domain_version"`
	// Wei amounts as decimal strings.
	MinPositionWei string `toml:"min_position_wei"`
	GasReserveWei  string `toml:"gas_reserve_wei"`
}

type DAConfig struct {
	Timeout duration `toml:"timeout"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	CreateBucket   bool   `toml:"create_bucket"`
}

// PostgresConfig holds PostgreSQL connection parameters. DSN wins when set.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	WindowTTL  duration `toml:"window_ttl"`
}

type FeedConfig struct {
	URL        string `toml:"url"`
	Symbol     string `toml:"symbol"`
	BufferSize int    `toml:"buffer_size"`
}

type PipelineConfig struct {
	HealthInterval duration `toml:"health_interval"`
	MaxInFlight    int      `toml:"max_in_flight"`
}

type AggregatorConfig struct {
	MaxGapFill int      `toml:"max_gap_fill"`
	Grace      duration `toml:"grace"`
	OutBuffer  int      `toml:"out_buffer"`
}

type SettlementConfig struct {
	FeeBps              int      `toml:"fee_bps"`
	LockDuration        duration `toml:"lock_duration"`
	SettleLockTTL       duration `toml:"settle_lock_ttl"`
	PayoutRetryInterval duration `toml:"payout_retry_interval"`
}

type LedgerConfig struct {
	Asset string `toml:"asset"`
	// WeiPerUnit converts ledger units to wei, as a decimal string.
	WeiPerUnit     string   `toml:"wei_per_unit"`
	DepositSecret  string   `toml:"deposit_secret"`
	DepositMaxSkew duration `toml:"deposit_max_skew"`
}

type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per minute per client; 0 disables it.
	RateLimit int `toml:"rate_limit"`
}

type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// duration wraps time.Duration so it can be decoded from a TOML string
// such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with sensible defaults for local development.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:        "http://localhost:8545",
			TxTimeout:     duration{60 * time.Second},
			PollInterval:  duration{2 * time.Second},
			CallTimeout:   duration{15 * time.Second},
			GasMultiplier: 1.2,
			RPCRate:       10,
			RPCBurst:      5,
		},
		Relayer: RelayerConfig{
			Enabled:        true,
			DomainName:     "DrawSettle",
			DomainVersion:  "1",
			MinPositionWei: "1000000000000000",
			GasReserveWei:  "5000000000000000",
		},
		DA: DAConfig{Timeout: duration{30 * time.Second}},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "drawsettle",
			ForcePathStyle: true,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "drawsettle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			WindowTTL:  duration{24 * time.Hour},
		},
		Feed: FeedConfig{
			URL:        "wss://stream.binance.com:9443/ws",
			Symbol:     "BTCUSDT",
			BufferSize: 1024,
		},
		Pipeline: PipelineConfig{
			HealthInterval: duration{30 * time.Second},
			MaxInFlight:    8,
		},
		Aggregator: AggregatorConfig{
			MaxGapFill: 5,
			Grace:      duration{2 * time.Second},
			OutBuffer:  16,
		},
		Settlement: SettlementConfig{
			FeeBps:              100,
			LockDuration:        duration{60 * time.Second},
			SettleLockTTL:       duration{2 * time.Minute},
			PayoutRetryInterval: duration{time.Minute},
		},
		Ledger: LedgerConfig{
			Asset:          "ETH",
			WeiPerUnit:     "1000000000000",
			DepositMaxSkew: duration{5 * time.Minute},
		},
		Kafka: KafkaConfig{
			Topic: "drawsettle.events",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Archive: ArchiveConfig{
			Cron:          "0 3 * * *",
			RetentionDays: 90,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"ingest": true,
	"settle": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: ingest, settle, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Chain and wallet are needed by every mode.
	if c.Chain.RPCURL == "" {
		add("chain: rpc_url must not be empty")
	}
	if !common.IsHexAddress(c.Chain.OracleAddress) {
		add("chain: oracle_address %q is not an address", c.Chain.OracleAddress)
	}
	if mode != "ingest" && !common.IsHexAddress(c.Chain.PositionsAddress) {
		add("chain: positions_address %q is not an address", c.Chain.PositionsAddress)
	}
	if c.Chain.ChainID < 0 {
		add("chain: chain_id must not be negative")
	}
	if c.Chain.TxTimeout.Duration <= 0 {
		add("chain: tx_timeout must be > 0")
	}
	if c.Chain.GasMultiplier < 1 {
		add("chain: gas_multiplier must be >= 1")
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		add("wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		add("wallet: key_password is required when encrypted_key_path is set")
	}

	if c.Relayer.Enabled && mode != "ingest" {
		if c.Relayer.EncryptedKeyPath != "" && c.Relayer.KeyPassword == "" {
			add("relayer: key_password is required when encrypted_key_path is set")
		}
		if c.Relayer.DomainName == "" || c.Relayer.DomainVersion == "" {
			add("relayer: domain_name and domain_version must be set")
		}
		if !nonNegativeInt(c.Relayer.MinPositionWei) {
			add("relayer: min_position_wei %q is not a non-negative integer", c.Relayer.MinPositionWei)
		}
		if !nonNegativeInt(c.Relayer.GasReserveWei) {
			add("relayer: gas_reserve_wei %q is not a non-negative integer", c.Relayer.GasReserveWei)
		}
	}

	if c.DA.Timeout.Duration <= 0 {
		add("da: timeout must be > 0")
	}
	if c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	if mode != "settle" {
		if c.Feed.URL == "" || c.Feed.Symbol == "" {
			add("feed: url and symbol must be set for mode %s", c.Mode)
		}
		if c.Aggregator.MaxGapFill < 0 {
			add("aggregator: max_gap_fill must be >= 0")
		}
		if c.Pipeline.MaxInFlight < 1 {
			add("pipeline: max_in_flight must be >= 1")
		}
	}

	if c.Settlement.FeeBps < 0 || c.Settlement.FeeBps > 10000 {
		add("settlement: fee_bps must be 0-10000, got %d", c.Settlement.FeeBps)
	}
	if c.Settlement.LockDuration.Duration < 0 {
		add("settlement: lock_duration must not be negative")
	}
	if c.Settlement.SettleLockTTL.Duration <= 0 {
		add("settlement: settle_lock_ttl must be > 0")
	}

	if w, ok := new(big.Int).SetString(c.Ledger.WeiPerUnit, 10); !ok || w.Sign() <= 0 {
		add("ledger: wei_per_unit %q must be a positive integer", c.Ledger.WeiPerUnit)
	}
	if c.Ledger.Asset == "" {
		add("ledger: asset must not be empty")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		add("kafka: brokers must be set when enabled")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Cron == "" {
			add("archive: cron must be set when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// WeiPerUnit parses Ledger.WeiPerUnit. Call after Validate.
func (c *Config) WeiPerUnit() *big.Int {
	v, _ := new(big.Int).SetString(c.Ledger.WeiPerUnit, 10)
	return v
}

func nonNegativeInt(s string) bool {
	v, ok := new(big.Int).SetString(s, 10)
	return ok && v.Sign() >= 0
}

// ParseWei parses a non-negative decimal wei string; empty means zero.
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("config: %q is not a wei amount", s)
	}
	return v, nil
}
