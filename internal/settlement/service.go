// Package settlement closes positions: it rebuilds the realised price
// slice, scores it against the user's drawing, closes the position on-chain
// and pays relayed positions back into the ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/metrics"
	"github.com/alanyoungcy/drawsettle/internal/pnl"
)

// WindowRetriever returns the 60 realised prices from openTimestamp on.
type WindowRetriever interface {
	GetWindowForPosition(ctx context.Context, openTimestamp int64) ([]float64, error)
}

// SlicePublisher makes the realised slice verifiable and returns its
// commitment id.
type SlicePublisher interface {
	PublishSlice(ctx context.Context, start int64, prices [domain.WindowSeconds]float64) (string, error)
}

type Config struct {
	FeeBps       int
	LockDuration time.Duration
	// SettleLockTTL bounds how long a crashed replica can block a close.
	SettleLockTTL  time.Duration
	RelayerAddress string
	Units          domain.Units
	Asset          string
}

type Deps struct {
	Positions   domain.PositionContract
	Predictions domain.PredictionStore
	Windows     WindowRetriever
	Slices      SlicePublisher
	History     domain.HistoryStore
	Ledger      domain.LedgerStore
	Recon       domain.ReconciliationStore
	Locks       domain.LockManager
	Audit       domain.AuditStore
	Events      domain.EventSink
}

// Outcome is what a successful close reports.
type Outcome struct {
	PositionID         uint64          `json:"position_id"`
	TxHash             string          `json:"tx_hash"`
	ActualCommitmentID string          `json:"actual_commitment_id"`
	PnL                decimal.Decimal `json:"pnl"`
	Fee                decimal.Decimal `json:"fee"`
	FinalAmount        decimal.Decimal `json:"final_amount"`
	Accuracy           float64         `json:"accuracy"`
	CorrectDirections  int             `json:"correct_directions"`
	TotalDirections    int             `json:"total_directions"`
	Relayed            bool            `json:"relayed"`
	Payout             PayoutResult    `json:"payout"`
}

// Service implements ClosePosition.
type Service struct {
	cfg  Config
	deps Deps

	settling sync.Map // position id -> struct{}
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = time.Minute
	}
	if cfg.SettleLockTTL <= 0 {
		cfg.SettleLockTTL = 2 * time.Minute
	}
	if cfg.Asset == "" {
		cfg.Asset = "USD"
	}
	if deps.Events == nil {
		deps.Events = domain.DiscardEvents{}
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "settlement")),
		now:    time.Now,
	}
}

// loadPosition reads the position and tags relayer-owned positions as
// relayed on behalf of the user in their funded record.
func (s *Service) loadPosition(ctx context.Context, id uint64) (domain.Position, error) {
	p, err := s.deps.Positions.GetPosition(ctx, id)
	if err != nil {
		return p, fmt.Errorf("settlement: load position %d: %w", id, err)
	}
	if s.cfg.RelayerAddress == "" || domain.NormalizeAddress(p.Owner) != domain.NormalizeAddress(s.cfg.RelayerAddress) {
		p.Funding = domain.Direct()
		return p, nil
	}
	p.Funding = domain.Relayed("")
	rec, err := s.deps.Ledger.GetFundedPosition(ctx, id)
	switch {
	case err == nil:
		p.Funding.User = rec.User
	case errors.Is(err, domain.ErrNotFound):
		// Already paid out, or the open never recorded its user.
	default:
		return p, fmt.Errorf("settlement: funded record %d: %w", id, err)
	}
	return p, nil
}

// State reports where a position is in the close workflow.
func (s *Service) State(ctx context.Context, id uint64) (View, error) {
	p, err := s.loadPosition(ctx, id)
	if err != nil {
		return View{}, err
	}
	canClose := false
	if p.IsOpen {
		if canClose, err = s.deps.Positions.CanClosePosition(ctx, id); err != nil {
			return View{}, fmt.Errorf("settlement: can close %d: %w", id, err)
		}
	}
	_, settling := s.settling.Load(id)
	state, remaining := Describe(p, s.now(), s.cfg.LockDuration, canClose, settling)
	return View{
		PositionID:       id,
		Owner:            p.Owner,
		State:            state,
		RemainingSeconds: remaining,
		OpenTimestamp:    p.OpenTimestamp,
		Leverage:         p.Leverage,
		Amount:           amountString(p),
		Funding:          p.Funding.Kind.String(),
		User:             p.Funding.User,
	}, nil
}

// ClosePosition settles one position. Errors are typed: ErrAlreadyClosed,
// *LockActiveError, ErrSettlementInProgress and *NotYetAvailableError are
// all expected outcomes the caller can act on. Once the on-chain close
// succeeds the call succeeds; history and payout problems are logged.
func (s *Service) ClosePosition(ctx context.Context, id uint64) (Outcome, error) {
	start := s.now()
	out, err := s.closePosition(ctx, id)
	metrics.Settlements.WithLabelValues(settleOutcome(err)).Inc()
	metrics.StageLatency.WithLabelValues("settle").Observe(s.now().Sub(start).Seconds())
	return out, err
}

func (s *Service) closePosition(ctx context.Context, id uint64) (Outcome, error) {
	p, err := s.loadPosition(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if !p.IsOpen {
		return Outcome{}, fmt.Errorf("settlement: position %d: %w", id, domain.ErrAlreadyClosed)
	}
	if err := s.checkClosable(ctx, p); err != nil {
		return Outcome{}, err
	}

	unlock, err := s.deps.Locks.Acquire(ctx, "settle:"+strconv.FormatUint(id, 10), s.cfg.SettleLockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return Outcome{}, fmt.Errorf("settlement: position %d: %w", id, domain.ErrSettlementInProgress)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: lock position %d: %w", id, err)
	}
	defer unlock()
	s.settling.Store(id, struct{}{})
	defer s.settling.Delete(id)

	// Another replica may have closed it between the first read and the lock.
	if p, err = s.loadPosition(ctx, id); err != nil {
		return Outcome{}, err
	}
	if !p.IsOpen {
		return Outcome{}, fmt.Errorf("settlement: position %d: %w", id, domain.ErrAlreadyClosed)
	}

	log := s.logger.With(slog.Uint64("position_id", id), slog.String("funding", p.Funding.Kind.String()))

	blob, err := s.deps.Predictions.Get(ctx, p.PredictionCommitmentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: prediction %s: %w", p.PredictionCommitmentID, err)
	}
	actual, err := s.deps.Windows.GetWindowForPosition(ctx, p.OpenTimestamp)
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: position %d: %w", id, err)
	}
	if p.Amount == nil {
		return Outcome{}, domain.Invalid("amount", "position %d has no amount", id)
	}

	res, err := pnl.Calculate(pnl.Input{
		Predictions: blob.Predictions[:],
		Actual:      actual,
		Amount:      decimal.NewFromBigInt(p.Amount, 0),
		Leverage:    int(p.Leverage),
		FeeBps:      s.cfg.FeeBps,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: pnl %d: %w", id, err)
	}

	var slice [domain.WindowSeconds]float64
	copy(slice[:], actual)
	actualID, err := s.deps.Slices.PublishSlice(ctx, p.OpenTimestamp, slice)
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: publish slice %d: %w", id, err)
	}

	txHash, err := s.deps.Positions.ClosePosition(ctx, id, res.PnL.BigInt(), actualID)
	if err != nil {
		log.ErrorContext(ctx, "on-chain close failed", slog.String("error", err.Error()))
		return Outcome{}, fmt.Errorf("settlement: close %d: %w", id, err)
	}
	closedAt := s.now().UTC()

	out := Outcome{
		PositionID:         id,
		TxHash:             txHash,
		ActualCommitmentID: actualID,
		PnL:                res.PnL,
		Fee:                res.Fee,
		FinalAmount:        res.FinalAmount,
		Accuracy:           res.Accuracy,
		CorrectDirections:  res.CorrectDirections,
		TotalDirections:    res.TotalDirections,
		Relayed:            p.Funding.IsRelayed(),
	}
	user := p.Owner
	if p.Funding.IsRelayed() && p.Funding.User != "" {
		user = p.Funding.User
	}

	if err := s.deps.History.Save(ctx, domain.SettledPosition{
		PositionID:             id,
		User:                   user,
		Amount:                 decimal.NewFromBigInt(p.Amount, 0),
		Leverage:               p.Leverage,
		OpenTimestamp:          p.OpenTimestamp,
		ClosedAt:               closedAt,
		PnL:                    res.PnL,
		Fee:                    res.Fee,
		FinalAmount:            res.FinalAmount,
		Accuracy:               res.Accuracy,
		CorrectDirections:      res.CorrectDirections,
		PredictionCommitmentID: p.PredictionCommitmentID,
		ActualCommitmentID:     actualID,
		CloseTxHash:            txHash,
		Relayed:                p.Funding.IsRelayed(),
	}); err != nil {
		log.ErrorContext(ctx, "history not saved",
			slog.String("error", fmt.Errorf("%w: %w", domain.ErrPersistence, err).Error()),
		)
	}

	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  id,
		"user":         user,
		"pnl":          res.PnL.String(),
		"fee":          res.Fee.String(),
		"final_amount": res.FinalAmount.String(),
		"tx_hash":      txHash,
		"relayed":      p.Funding.IsRelayed(),
	})
	s.emit(ctx, domain.Event{Kind: domain.EventPositionClosed, PositionID: id, User: user, TxHash: txHash, CommitmentID: actualID})

	if p.Funding.IsRelayed() {
		out.Payout = s.payout(ctx, id, res.FinalAmount)
	}

	log.InfoContext(ctx, "position closed",
		slog.String("tx_hash", txHash),
		slog.String("pnl", res.PnL.String()),
		slog.String("final_amount", res.FinalAmount.String()),
		slog.Int("correct_directions", res.CorrectDirections),
		slog.String("payout", string(out.Payout.Status)),
	)
	return out, nil
}

func (s *Service) checkClosable(ctx context.Context, p domain.Position) error {
	remaining := Remaining(p, s.now(), s.cfg.LockDuration)
	if remaining > 0 {
		return &domain.LockActiveError{PositionID: p.ID, Remaining: remaining}
	}
	ok, err := s.deps.Positions.CanClosePosition(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("settlement: can close %d: %w", p.ID, err)
	}
	if !ok {
		return &domain.LockActiveError{PositionID: p.ID, Remaining: remaining}
	}
	return nil
}

func (s *Service) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (s *Service) emit(ctx context.Context, e domain.Event) {
	e.At = s.now().UTC()
	if err := s.deps.Events.Emit(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "event not delivered", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
	}
}

func settleOutcome(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, domain.ErrAlreadyClosed):
		return "already_closed"
	case errors.Is(err, domain.ErrPositionLocked):
		return "locked"
	case errors.Is(err, domain.ErrSettlementInProgress):
		return "in_progress"
	case errors.Is(err, domain.ErrNotYetAvailable):
		return "not_yet_available"
	}
	return "error"
}

func amountString(p domain.Position) string {
	if p.Amount == nil {
		return "0"
	}
	return p.Amount.String()
}
