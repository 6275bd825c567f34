// Package relayer opens positions on behalf of ledger users. Users sign an
// EIP-712 authorization; the relayer pays the principal on-chain from its own
// wallet and debits the user's off-chain balance.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/crypto"
	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/metrics"
)

// Request is a signed funding request.
type Request struct {
	User         string `json:"user"`
	AmountUnits  int64  `json:"amount_units"`
	Leverage     uint16 `json:"leverage"`
	CommitmentID string `json:"commitment_id"`
	Signature    string `json:"signature"`
	Nonce        uint64 `json:"nonce"`
	Deadline     int64  `json:"deadline"`
}

func (r Request) authorization() crypto.FundAuthorization {
	return crypto.FundAuthorization{
		User:         r.User,
		AmountUnits:  r.AmountUnits,
		Leverage:     r.Leverage,
		CommitmentID: r.CommitmentID,
		Nonce:        r.Nonce,
		Deadline:     r.Deadline,
	}
}

type Result struct {
	PositionID uint64 `json:"position_id"`
	TxHash     string `json:"tx_hash"`
}

type Config struct {
	Domain         crypto.AuthDomain
	Units          domain.Units
	MinPositionWei *big.Int
	GasReserveWei  *big.Int
}

// Client implements FundPosition.
type Client struct {
	cfg       Config
	nonces    domain.NonceStore
	ledger    domain.LedgerStore
	recon     domain.ReconciliationStore
	positions domain.PositionContract
	wallet    domain.Wallet
	audit     domain.AuditStore
	events    domain.EventSink
	logger    *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Nonces    domain.NonceStore
	Ledger    domain.LedgerStore
	Recon     domain.ReconciliationStore
	Positions domain.PositionContract
	Wallet    domain.Wallet
	Audit     domain.AuditStore
	Events    domain.EventSink
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Client {
	if cfg.MinPositionWei == nil {
		cfg.MinPositionWei = new(big.Int)
	}
	if cfg.GasReserveWei == nil {
		cfg.GasReserveWei = new(big.Int)
	}
	events := deps.Events
	if events == nil {
		events = domain.DiscardEvents{}
	}
	return &Client{
		cfg:       cfg,
		nonces:    deps.Nonces,
		ledger:    deps.Ledger,
		recon:     deps.Recon,
		positions: deps.Positions,
		wallet:    deps.Wallet,
		audit:     deps.Audit,
		events:    events,
		logger:    logger.With(slog.String("component", "relayer")),
		now:       time.Now,
	}
}

// Address is the relayer's on-chain address. Positions it owns are relayed.
func (c *Client) Address() string { return c.wallet.Address() }

// Nonce returns the nonce the user must sign next.
func (c *Client) Nonce(ctx context.Context, user string) (uint64, error) {
	n, err := c.nonces.Current(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("relayer: nonce %s: %w", user, err)
	}
	return n, nil
}

// FundPosition verifies req, opens the position with the relayer's funds
// and debits the user's ledger balance. Nothing is charged unless the open
// mined; a debit that fails after that is recorded for reconciliation.
func (c *Client) FundPosition(ctx context.Context, req Request) (Result, error) {
	res, err := c.fund(ctx, req)
	switch {
	case err == nil:
		metrics.RelayerFunds.WithLabelValues("ok").Inc()
	case errors.Is(err, domain.ErrSignatureInvalid), errors.Is(err, domain.ErrAuthExpired):
		metrics.RelayerFunds.WithLabelValues("rejected").Inc()
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrInsufficientFunds):
		metrics.RelayerFunds.WithLabelValues("insufficient").Inc()
	default:
		metrics.RelayerFunds.WithLabelValues("error").Inc()
	}
	return res, err
}

func (c *Client) fund(ctx context.Context, req Request) (Result, error) {
	user := domain.NormalizeAddress(req.User)
	if now := c.now().Unix(); now > req.Deadline {
		return Result{}, fmt.Errorf("relayer: deadline %d passed at %d: %w", req.Deadline, now, domain.ErrAuthExpired)
	}
	if err := c.cfg.Domain.Verify(req.authorization(), req.Signature); err != nil {
		return Result{}, fmt.Errorf("relayer: %w", err)
	}

	current, err := c.nonces.Current(ctx, user)
	if err != nil {
		return Result{}, fmt.Errorf("relayer: nonce %s: %w", user, err)
	}
	if current != req.Nonce {
		return Result{}, fmt.Errorf("relayer: nonce %d, expected %d: %w", req.Nonce, current, domain.ErrSignatureInvalid)
	}

	if err := c.validate(req); err != nil {
		return Result{}, err
	}
	principal := c.cfg.Units.ToWei(req.AmountUnits)
	if principal.Cmp(c.cfg.MinPositionWei) < 0 {
		return Result{}, domain.Invalid("amount_units", "principal %s wei below minimum %s", principal, c.cfg.MinPositionWei)
	}

	bal, err := c.ledger.Balance(ctx, user)
	if err != nil {
		return Result{}, fmt.Errorf("relayer: ledger balance %s: %w", user, err)
	}
	if bal < req.AmountUnits {
		return Result{}, fmt.Errorf("relayer: %s has %d units, needs %d: %w", user, bal, req.AmountUnits, domain.ErrInsufficientBalance)
	}

	walletBal, err := c.wallet.Balance(ctx)
	if err != nil {
		return Result{}, domain.External("chain", "balance", err)
	}
	need := new(big.Int).Add(principal, c.cfg.GasReserveWei)
	if walletBal.Cmp(need) < 0 {
		return Result{}, fmt.Errorf("relayer: wallet holds %s wei, needs %s: %w", walletBal, need, domain.ErrInsufficientFunds)
	}

	// The nonce is spent before submitting so a concurrent replay of the
	// same authorization cannot open a second position.
	ok, err := c.nonces.Consume(ctx, user, req.Nonce)
	if err != nil {
		return Result{}, fmt.Errorf("relayer: consume nonce %s: %w", user, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("relayer: nonce %d already used: %w", req.Nonce, domain.ErrSignatureInvalid)
	}

	opened, err := c.positions.OpenPosition(ctx, req.Leverage, req.CommitmentID, principal)
	if err != nil {
		c.logger.ErrorContext(ctx, "open position failed",
			slog.String("user", user),
			slog.Uint64("nonce", req.Nonce),
			slog.String("error", err.Error()),
		)
		return Result{}, fmt.Errorf("relayer: open position: %w", err)
	}
	res := Result{PositionID: opened.PositionID, TxHash: opened.TxHash}
	log := c.logger.With(
		slog.Uint64("position_id", opened.PositionID),
		slog.String("user", user),
		slog.Int64("amount_units", req.AmountUnits),
	)

	rec := domain.FundedPositionRecord{PositionID: opened.PositionID, User: user, AmountUnits: req.AmountUnits}
	if err := c.ledger.RecordFundedPosition(ctx, rec); err != nil {
		// Without a record the payout cannot find the user; do not charge
		// them and leave it to an operator.
		log.ErrorContext(ctx, "funded record not persisted", slog.String("error", err.Error()))
		c.reconcile(ctx, rec, "funded record not persisted: "+err.Error())
		return res, nil
	}

	debited, err := c.ledger.Debit(ctx, user, req.AmountUnits)
	switch {
	case err != nil:
		metrics.LedgerOps.WithLabelValues("debit", "error").Inc()
		log.ErrorContext(ctx, "ledger debit failed", slog.String("error", err.Error()))
		c.reconcile(ctx, rec, "debit failed: "+err.Error())
	case !debited:
		metrics.LedgerOps.WithLabelValues("debit", "insufficient").Inc()
		log.WarnContext(ctx, "ledger debit rejected after open")
		c.reconcile(ctx, rec, "debit rejected: balance changed after open")
	default:
		metrics.LedgerOps.WithLabelValues("debit", "ok").Inc()
	}

	c.auditLog(ctx, "position_funded", map[string]any{
		"position_id":  opened.PositionID,
		"user":         user,
		"amount_units": req.AmountUnits,
		"tx_hash":      opened.TxHash,
		"debited":      err == nil && debited,
	})
	c.emit(ctx, domain.Event{Kind: domain.EventPositionFunded, PositionID: opened.PositionID, User: user, TxHash: opened.TxHash})
	log.InfoContext(ctx, "position funded", slog.String("tx_hash", opened.TxHash))
	return res, nil
}

func (c *Client) validate(req Request) error {
	if req.AmountUnits <= 0 {
		return domain.Invalid("amount_units", "must be positive, got %d", req.AmountUnits)
	}
	if req.Leverage < domain.MinLeverage || req.Leverage > domain.MaxLeverage {
		return domain.Invalid("leverage", "%d outside [%d, %d]", req.Leverage, domain.MinLeverage, domain.MaxLeverage)
	}
	if _, err := domain.ParseCommitmentID(req.CommitmentID); err != nil {
		return err
	}
	return nil
}

func (c *Client) reconcile(ctx context.Context, rec domain.FundedPositionRecord, reason string) {
	id, err := c.recon.OpenReconciliation(ctx, domain.Reconciliation{
		PositionID:  rec.PositionID,
		User:        rec.User,
		AmountUnits: rec.AmountUnits,
		Reason:      reason,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "reconciliation not recorded",
			slog.Uint64("position_id", rec.PositionID),
			slog.String("error", err.Error()),
		)
	}
	c.auditLog(ctx, "reconciliation_opened", map[string]any{
		"reconciliation_id": id,
		"position_id":       rec.PositionID,
		"user":              rec.User,
		"amount_units":      rec.AmountUnits,
		"reason":            reason,
	})
	c.emit(ctx, domain.Event{
		Kind:       domain.EventReconciliation,
		PositionID: rec.PositionID,
		User:       rec.User,
		Error:      reason,
	})
}

func (c *Client) auditLog(ctx context.Context, event string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, event, detail); err != nil {
		c.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (c *Client) emit(ctx context.Context, e domain.Event) {
	e.At = c.now().UTC()
	if err := c.events.Emit(ctx, e); err != nil {
		c.logger.WarnContext(ctx, "event not delivered", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
	}
}
