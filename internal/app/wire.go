package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/drawsettle/internal/blob/s3"
	"github.com/alanyoungcy/drawsettle/internal/cache/redis"
	"github.com/alanyoungcy/drawsettle/internal/chain"
	"github.com/alanyoungcy/drawsettle/internal/config"
	"github.com/alanyoungcy/drawsettle/internal/crypto"
	"github.com/alanyoungcy/drawsettle/internal/da"
	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/eventbus"
	"github.com/alanyoungcy/drawsettle/internal/notify"
	"github.com/alanyoungcy/drawsettle/internal/server/handler"
	"github.com/alanyoungcy/drawsettle/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Commitments *postgres.CommitmentStore
	History     *postgres.HistoryStore
	Ledger      *postgres.LedgerStore
	Audit       domain.AuditStore

	// Caches
	Windows     domain.WindowCache
	Nonces      domain.NonceStore
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Blob storage
	Publisher   *da.Publisher
	Predictions *da.PredictionStore
	Archiver    domain.Archiver

	// Chain
	Wallet        *chain.Sender
	RelayerWallet *chain.Sender // nil when the relayer is disabled
	Oracle        *chain.Oracle
	Positions     *chain.Positions // nil in ingest mode
	// RelayerPositions is the positions contract bound to the relayer key.
	RelayerPositions *chain.Positions

	// Events fans out to Redis, Kafka and the notifier.
	Events   *eventbus.Fanout
	Notifier *notify.Notifier

	Units  domain.Units
	Health map[string]handler.Check
}

// needsPositions returns true for modes that settle or fund positions.
func needsPositions(mode string) bool {
	return mode == "settle" || mode == "full"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Health: make(map[string]handler.Check)}

	units, err := domain.NewUnits(cfg.WeiPerUnit())
	if err != nil {
		return fail("ledger units", err)
	}
	deps.Units = units

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		applied, err := pgClient.RunMigrations(ctx)
		if err != nil {
			return fail("postgres migrations", err)
		}
		if len(applied) > 0 {
			logger.InfoContext(ctx, "migrations applied", slog.Any("files", applied))
		}
	}

	pool := pgClient.Pool()
	deps.Commitments = postgres.NewCommitmentStore(pool)
	deps.History = postgres.NewHistoryStore(pool)
	deps.Ledger = postgres.NewLedgerStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.Health["postgres"] = pgClient.Health

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Windows = redis.NewWindowCache(redisClient, cfg.Redis.WindowTTL.Duration)
	deps.Nonces = redis.NewNonceStore(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Health["redis"] = redisClient.Health

	// --- S3 (DA layer, prediction blobs, archive) ---
	s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
		CreateBucket:   cfg.S3.CreateBucket,
	})
	if err != nil {
		return fail("s3", err)
	}
	closers = append(closers, func() { _ = s3Client.Close() })

	writer := s3blob.NewWriter(s3Client)
	reader := s3blob.NewReader(s3Client)
	deps.Publisher = da.NewPublisher(writer, reader, cfg.DA.Timeout.Duration)
	deps.Predictions = da.NewPredictionStore(writer, reader, cfg.DA.Timeout.Duration)
	deps.Archiver = s3blob.NewArchiver(writer, deps.History, deps.Commitments, deps.Audit)
	deps.Health["s3"] = s3Client.Health

	// --- Chain ---
	eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fail("chain", err)
	}
	closers = append(closers, eth.Close)

	senderCfg := chain.SenderConfig{
		ChainID:        cfg.Chain.ChainID,
		TxTimeout:      cfg.Chain.TxTimeout.Duration,
		PollInterval:   cfg.Chain.PollInterval.Duration,
		GasMultiplier:  cfg.Chain.GasMultiplier,
		RPCRate:        cfg.Chain.RPCRate,
		RPCBurst:       cfg.Chain.RPCBurst,
		CallTimeout:    cfg.Chain.CallTimeout.Duration,
		MaxFeePerGasGw: cfg.Chain.MaxFeeGwei,
	}
	walletKey, err := crypto.LoadKey(crypto.KeySource{
		RawHex:   cfg.Wallet.PrivateKey,
		File:     cfg.Wallet.EncryptedKeyPath,
		Password: cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail("wallet key", err)
	}
	deps.Wallet, err = chain.NewSender(ctx, eth, walletKey, senderCfg, logger)
	if err != nil {
		return fail("wallet sender", err)
	}
	deps.Oracle, err = chain.NewOracle(deps.Wallet, cfg.Chain.OracleAddress)
	if err != nil {
		return fail("oracle", err)
	}
	deps.Health["chain"] = func(ctx context.Context) error {
		_, err := deps.Wallet.Balance(ctx)
		return err
	}

	if needsPositions(mode) {
		deps.Positions, err = chain.NewPositions(deps.Wallet, cfg.Chain.PositionsAddress)
		if err != nil {
			return fail("positions", err)
		}
		if cfg.Relayer.Enabled {
			deps.RelayerWallet = deps.Wallet
			deps.RelayerPositions = deps.Positions
			src := crypto.KeySource{
				RawHex:   cfg.Relayer.PrivateKey,
				File:     cfg.Relayer.EncryptedKeyPath,
				Password: cfg.Relayer.KeyPassword,
			}
			if src.Configured() {
				key, err := crypto.LoadKey(src)
				if err != nil {
					return fail("relayer key", err)
				}
				deps.RelayerWallet, err = chain.NewSender(ctx, eth, key, senderCfg, logger)
				if err != nil {
					return fail("relayer sender", err)
				}
				deps.RelayerPositions, err = chain.NewPositions(deps.RelayerWallet, cfg.Chain.PositionsAddress)
				if err != nil {
					return fail("relayer positions", err)
				}
			}
		}
	}

	// --- Events ---
	deps.Events = eventbus.NewFanout(logger, eventbus.NewRedisSink(deps.SignalBus))
	if cfg.Kafka.Enabled {
		topic := cfg.Kafka.Topic
		if topic == "" {
			topic = eventbus.DefaultTopic
		}
		kafkaSink := eventbus.NewKafkaSink(eventbus.NewKafkaWriter(cfg.Kafka.Brokers, topic))
		closers = append(closers, func() { _ = kafkaSink.Close() })
		deps.Events.Add(kafkaSink)
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
		deps.Events.Add(deps.Notifier)
	}

	return deps, cleanup, nil
}
