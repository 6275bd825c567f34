// Package chain talks to the oracle and positions contracts.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/metrics"
)

// Backend is what the contract clients need from a signing account.
type Backend interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Transact(ctx context.Context, method string, to common.Address, value *big.Int, data []byte) (*types.Receipt, error)
}

// SenderConfig tunes transaction submission.
type SenderConfig struct {
	ChainID        int64
	TxTimeout      time.Duration
	PollInterval   time.Duration
	GasMultiplier  float64
	RPCRate        float64 // requests per second, 0 = unlimited
	RPCBurst       int
	CallTimeout    time.Duration
	MaxFeePerGasGw int64 // cap in gwei, 0 = none
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, domain.External("chain", "dial", err)
	}
	return eth, nil
}

// Sender signs and submits transactions for one account. Only one
// transaction is in flight at a time: the nonce is read from pending state
// and the receipt awaited while the account lock is held, so concurrent
// callers queue instead of colliding on nonces.
type Sender struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	chainID int64
	cfg     SenderConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu sync.Mutex
}

// NewSender builds a Sender. A zero ChainID is discovered from the node.
func NewSender(ctx context.Context, eth *ethclient.Client, key *ecdsa.PrivateKey, cfg SenderConfig, logger *slog.Logger) (*Sender, error) {
	if key == nil {
		return nil, errors.New("chain: signing key is required")
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.GasMultiplier < 1 {
		cfg.GasMultiplier = 1.2
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		id, err := eth.ChainID(ctx)
		if err != nil {
			return nil, domain.External("chain", "chain_id", err)
		}
		chainID = id
	}

	limit := rate.Inf
	if cfg.RPCRate > 0 {
		limit = rate.Limit(cfg.RPCRate)
	}
	burst := cfg.RPCBurst
	if burst <= 0 {
		burst = 1
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Sender{
		eth:     eth,
		key:     key,
		from:    from,
		signer:  types.LatestSignerForChainID(chainID),
		chainID: chainID.Int64(),
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(slog.String("component", "chain"), slog.String("from", from.Hex())),
	}, nil
}

// Address returns the signing account.
func (s *Sender) Address() string { return s.from.Hex() }

// ChainID is the configured or discovered chain id.
func (s *Sender) ChainID() int64 { return s.chainID }

// Balance returns the signing account's balance in wei.
func (s *Sender) Balance(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, domain.External("chain", "balance", err)
	}
	bal, err := s.eth.BalanceAt(ctx, s.from, nil)
	if err != nil {
		return nil, domain.External("chain", "balance", err)
	}
	return bal, nil
}

// Call runs a read-only contract call against the latest block.
func (s *Sender) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.eth.CallContract(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data}, nil)
}

// Transact signs, submits and waits for a transaction to be mined. A
// reverted receipt is an error.
func (s *Sender) Transact(ctx context.Context, method string, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := s.transact(ctx, to, value, data)
	metrics.ChainTxs.WithLabelValues(method, metrics.Result(err)).Inc()
	if err != nil {
		s.logger.WarnContext(ctx, "chain: transaction failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return nil, domain.External("chain", method, err)
	}
	s.logger.InfoContext(ctx, "chain: transaction mined",
		slog.String("method", method),
		slog.String("tx", receipt.TxHash.Hex()),
		slog.Uint64("block", receipt.BlockNumber.Uint64()),
		slog.Uint64("gas_used", receipt.GasUsed),
		slog.Duration("took", time.Since(start)),
	)
	return receipt, nil
}

func (s *Sender) transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := s.eth.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := s.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := s.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))
	if s.cfg.MaxFeePerGasGw > 0 {
		ceiling := new(big.Int).Mul(big.NewInt(s.cfg.MaxFeePerGasGw), big.NewInt(1_000_000_000))
		if feeCap.Cmp(ceiling) > 0 {
			feeCap = ceiling
		}
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	gas, err := s.eth.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = uint64(float64(gas) * s.cfg.GasMultiplier)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := s.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	receipt, err := s.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", signed.Hash().Hex())
	}
	return receipt, nil
}

func (s *Sender) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait receipt %s: %w", hash.Hex(), err)
		}
		receipt, err := s.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ Backend = (*Sender)(nil)
