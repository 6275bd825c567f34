// Package memory implements the stores with in-memory maps. It backs tests
// and the dev storage backend; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// LedgerStore implements domain.LedgerStore and domain.ReconciliationStore.
// One mutex covers all maps, so every credit and debit is serialized.
type LedgerStore struct {
	mu       sync.Mutex
	balances map[string]int64
	deposits map[string]domain.DepositRecord
	funded   map[uint64]domain.FundedPositionRecord
	recons   []domain.Reconciliation
	now      func() time.Time
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		balances: make(map[string]int64),
		deposits: make(map[string]domain.DepositRecord),
		funded:   make(map[uint64]domain.FundedPositionRecord),
		now:      time.Now,
	}
}

func (s *LedgerStore) Credit(_ context.Context, user string, amount int64, asset, externalTxID string) (bool, error) {
	user = domain.NormalizeAddress(user)
	switch {
	case user == "":
		return false, domain.Invalid("user", "is required")
	case amount <= 0:
		return false, domain.Invalid("amount", "must be positive, got %d", amount)
	case externalTxID == "":
		return false, domain.Invalid("external_tx_id", "is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.deposits[externalTxID]; seen {
		return false, nil
	}
	s.deposits[externalTxID] = domain.DepositRecord{
		ExternalTxID: externalTxID,
		User:         user,
		Amount:       amount,
		Asset:        asset,
		CreatedAt:    s.now().UTC(),
	}
	s.balances[user] += amount
	return true, nil
}

func (s *LedgerStore) Debit(_ context.Context, user string, amount int64) (bool, error) {
	user = domain.NormalizeAddress(user)
	if amount <= 0 {
		return false, domain.Invalid("amount", "must be positive, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[user]
	if !ok || bal < amount {
		return false, nil
	}
	s.balances[user] = bal - amount
	return true, nil
}

func (s *LedgerStore) Balance(_ context.Context, user string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[domain.NormalizeAddress(user)], nil
}

func (s *LedgerStore) Deposits(_ context.Context, user string, opts domain.ListOpts) ([]domain.DepositRecord, error) {
	user = domain.NormalizeAddress(user)
	s.mu.Lock()
	var out []domain.DepositRecord
	for _, d := range s.deposits {
		if d.User == user && inWindow(d.CreatedAt, opts) {
			out = append(out, d)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s *LedgerStore) RecordFundedPosition(_ context.Context, rec domain.FundedPositionRecord) error {
	if rec.AmountUnits <= 0 {
		return domain.Invalid("amount_units", "must be positive, got %d", rec.AmountUnits)
	}
	rec.User = domain.NormalizeAddress(rec.User)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	s.funded[rec.PositionID] = rec
	s.mu.Unlock()
	return nil
}

func (s *LedgerStore) GetFundedPosition(_ context.Context, positionID uint64) (domain.FundedPositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.funded[positionID]
	if !ok {
		return rec, fmt.Errorf("memory: funded position %d: %w", positionID, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *LedgerStore) ClearFundedPosition(_ context.Context, positionID uint64) error {
	s.mu.Lock()
	delete(s.funded, positionID)
	s.mu.Unlock()
	return nil
}

func (s *LedgerStore) ListFundedPositions(_ context.Context, opts domain.ListOpts) ([]domain.FundedPositionRecord, error) {
	s.mu.Lock()
	out := make([]domain.FundedPositionRecord, 0, len(s.funded))
	for _, rec := range s.funded {
		if inWindow(rec.CreatedAt, opts) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return paginate(out, opts), nil
}

func (s *LedgerStore) OpenReconciliation(_ context.Context, r domain.Reconciliation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recons {
		if s.recons[i].PositionID == r.PositionID && s.recons[i].Status == domain.ReconciliationOpen {
			s.recons[i].Reason = r.Reason
			return s.recons[i].ID, nil
		}
	}
	r.ID = int64(len(s.recons) + 1)
	r.User = domain.NormalizeAddress(r.User)
	r.Status = domain.ReconciliationOpen
	r.CreatedAt = s.now().UTC()
	s.recons = append(s.recons, r)
	return r.ID, nil
}

func (s *LedgerStore) OpenForPosition(_ context.Context, positionID uint64) (domain.Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recons {
		if r.PositionID == positionID && r.Status == domain.ReconciliationOpen {
			return r, nil
		}
	}
	return domain.Reconciliation{}, fmt.Errorf("memory: reconciliation for %d: %w", positionID, domain.ErrNotFound)
}

func (s *LedgerStore) ResolveReconciliation(_ context.Context, id int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recons {
		if s.recons[i].ID == id && s.recons[i].Status == domain.ReconciliationOpen {
			now := s.now().UTC()
			s.recons[i].Status = domain.ReconciliationResolved
			s.recons[i].Note = note
			s.recons[i].ResolvedAt = &now
			return nil
		}
	}
	return fmt.Errorf("memory: resolve reconciliation %d: %w", id, domain.ErrNotFound)
}

func (s *LedgerStore) ListReconciliations(_ context.Context, status domain.ReconciliationStatus, opts domain.ListOpts) ([]domain.Reconciliation, error) {
	s.mu.Lock()
	var out []domain.Reconciliation
	for i := len(s.recons) - 1; i >= 0; i-- {
		r := s.recons[i]
		if (status == "" || r.Status == status) && inWindow(r.CreatedAt, opts) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	return paginate(out, opts), nil
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.LedgerStore         = (*LedgerStore)(nil)
	_ domain.ReconciliationStore = (*LedgerStore)(nil)
)
