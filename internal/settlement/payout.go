package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/metrics"
	"github.com/alanyoungcy/drawsettle/internal/pnl"
)

type PayoutStatus string

const (
	PayoutNone       PayoutStatus = "none"
	PayoutCredited   PayoutStatus = "credited"
	PayoutNothingDue PayoutStatus = "nothing_due"
	PayoutFailed     PayoutStatus = "failed"
)

// PayoutResult describes what happened to a relayed position's proceeds.
// Netted is the principal withheld because the opening debit never landed.
type PayoutResult struct {
	Status PayoutStatus `json:"status"`
	Units  int64        `json:"units,omitempty"`
	Netted int64        `json:"netted,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// payout credits finalWei to the user behind a funded record and clears
// the record. On any failure the record stays so the retrier can try again;
// the ledger credit is idempotent on the payout id.
func (s *Service) payout(ctx context.Context, id uint64, finalWei decimal.Decimal) PayoutResult {
	log := s.logger.With(slog.Uint64("position_id", id))

	rec, err := s.deps.Ledger.GetFundedPosition(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		log.WarnContext(ctx, "relayed position has no funded record")
		return PayoutResult{Status: PayoutNone}
	}
	if err != nil {
		return s.payoutFailed(ctx, id, "", fmt.Errorf("funded record: %w", err))
	}

	units, ok := s.cfg.Units.FromWei(finalWei)
	if !ok && finalWei.IsPositive() {
		return s.payoutFailed(ctx, id, rec.User, fmt.Errorf("final amount %s wei does not fit in ledger units", finalWei))
	}
	res := PayoutResult{}

	var recon *domain.Reconciliation
	open, err := s.deps.Recon.OpenForPosition(ctx, id)
	switch {
	case err == nil:
		recon = &open
		res.Netted = min(units, open.AmountUnits)
		units -= res.Netted
	case !errors.Is(err, domain.ErrNotFound):
		return s.payoutFailed(ctx, id, rec.User, fmt.Errorf("reconciliation lookup: %w", err))
	}

	if units > 0 {
		applied, err := s.deps.Ledger.Credit(ctx, rec.User, units, s.cfg.Asset, domain.PayoutExternalTxID(id))
		if err != nil {
			metrics.LedgerOps.WithLabelValues("credit", "error").Inc()
			return s.payoutFailed(ctx, id, rec.User, fmt.Errorf("credit %d units: %w", units, err))
		}
		metrics.LedgerOps.WithLabelValues("credit", "ok").Inc()
		if !applied {
			log.InfoContext(ctx, "payout already credited")
		}
	}

	if recon != nil {
		note := fmt.Sprintf("netted %d of %d units at payout of position %d", res.Netted, open.AmountUnits, id)
		if err := s.deps.Recon.ResolveReconciliation(ctx, recon.ID, note); err != nil {
			return s.payoutFailed(ctx, id, rec.User, fmt.Errorf("resolve reconciliation %d: %w", recon.ID, err))
		}
		s.auditLog(ctx, "reconciliation_resolved", map[string]any{
			"reconciliation_id": recon.ID,
			"position_id":       id,
			"netted_units":      res.Netted,
		})
	}

	if err := s.deps.Ledger.ClearFundedPosition(ctx, id); err != nil {
		return s.payoutFailed(ctx, id, rec.User, fmt.Errorf("clear funded record: %w", err))
	}

	res.Units = units
	res.Status = PayoutNothingDue
	if units > 0 {
		res.Status = PayoutCredited
	}
	metrics.Payouts.WithLabelValues(string(res.Status)).Inc()
	s.auditLog(ctx, "payout", map[string]any{
		"position_id": id,
		"user":        rec.User,
		"units":       units,
		"netted":      res.Netted,
		"status":      string(res.Status),
	})
	log.InfoContext(ctx, "payout done",
		slog.String("user", rec.User),
		slog.Int64("units", units),
		slog.Int64("netted", res.Netted),
	)
	return res
}

func (s *Service) payoutFailed(ctx context.Context, id uint64, user string, err error) PayoutResult {
	err = fmt.Errorf("%w: position %d: %w", domain.ErrPayout, id, err)
	metrics.Payouts.WithLabelValues(string(PayoutFailed)).Inc()
	s.logger.ErrorContext(ctx, "payout failed, funded record kept",
		slog.Uint64("position_id", id),
		slog.String("error", err.Error()),
	)
	s.emit(ctx, domain.Event{Kind: domain.EventPayoutFailed, PositionID: id, User: user, Error: err.Error()})
	return PayoutResult{Status: PayoutFailed, Error: err.Error()}
}

// retryPageSize is the page size used when listing funded records.
const retryPageSize = 200

// RetryPayouts pays out every funded record whose position is already
// closed on-chain. It returns the number of records it cleared.
func (s *Service) RetryPayouts(ctx context.Context) (int, error) {
	recs, err := s.fundedRecords(ctx)
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return cleared, ctx.Err()
		}
		p, err := s.deps.Positions.GetPosition(ctx, rec.PositionID)
		if err != nil {
			s.logger.WarnContext(ctx, "payout retry: load position",
				slog.Uint64("position_id", rec.PositionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if p.IsOpen {
			continue
		}

		unlock, err := s.deps.Locks.Acquire(ctx, "settle:"+strconv.FormatUint(rec.PositionID, 10), s.cfg.SettleLockTTL)
		if err != nil {
			continue
		}
		res := s.payout(ctx, rec.PositionID, s.finalAmount(ctx, p))
		unlock()
		if res.Status == PayoutCredited || res.Status == PayoutNothingDue {
			cleared++
		}
	}
	return cleared, nil
}

// fundedRecords lists every funded record before any is cleared, so open
// positions at the front cannot hide closed ones behind them.
func (s *Service) fundedRecords(ctx context.Context) ([]domain.FundedPositionRecord, error) {
	var all []domain.FundedPositionRecord
	for offset := 0; ; offset += retryPageSize {
		page, err := s.deps.Ledger.ListFundedPositions(ctx, domain.ListOpts{Limit: retryPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("settlement: list funded positions: %w", err)
		}
		all = append(all, page...)
		if len(page) < retryPageSize {
			return all, nil
		}
	}
}

// finalAmount prefers the settled history row and falls back to the
// on-chain amount and pnl.
func (s *Service) finalAmount(ctx context.Context, p domain.Position) decimal.Decimal {
	if h, err := s.deps.History.Get(ctx, p.ID); err == nil {
		return h.FinalAmount
	}
	if p.Amount == nil {
		return decimal.Zero
	}
	amount := decimal.NewFromBigInt(p.Amount, 0)
	realised := decimal.Zero
	if p.PnL != nil {
		realised = decimal.NewFromBigInt(p.PnL, 0)
	}
	final := amount.Add(realised).Sub(pnl.FeeOn(realised, s.cfg.FeeBps))
	if final.IsNegative() {
		return decimal.Zero
	}
	return final
}

// RunPayoutRetrier calls RetryPayouts every interval until ctx ends.
func (s *Service) RunPayoutRetrier(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.RetryPayouts(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "payout retry failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "payout retry cleared records", slog.Int("count", n))
			}
		}
	}
}
