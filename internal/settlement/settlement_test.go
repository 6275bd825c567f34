package settlement_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/settlement"
	"github.com/alanyoungcy/drawsettle/internal/store/memory"
)

const (
	relayerAddr = "0x00000000000000000000000000000000000000Aa"
	ownerAddr   = "0x00000000000000000000000000000000000000b1"
	ledgerUser  = "0x00000000000000000000000000000000000000c2"
	predID      = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

var weiPerUnit = big.NewInt(1_000_000_000_000)

type fakeChain struct {
	mu        sync.Mutex
	positions map[uint64]*domain.Position
	canClose  bool
	closes    int
	closeErr  error
}

func (f *fakeChain) OpenPosition(context.Context, uint16, string, *big.Int) (domain.OpenedPosition, error) {
	return domain.OpenedPosition{}, errors.New("unused")
}

func (f *fakeChain) GetPosition(_ context.Context, id uint64) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

func (f *fakeChain) CanClosePosition(context.Context, uint64) (bool, error) { return f.canClose, nil }

func (f *fakeChain) ClosePosition(_ context.Context, id uint64, pnl *big.Int, actualID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return "", f.closeErr
	}
	f.closes++
	p := f.positions[id]
	p.IsOpen = false
	p.PnL = pnl
	p.ActualPriceCommitmentID = actualID
	return "0xclose", nil
}

type fakePredictions map[string][domain.WindowSeconds]float64

func (f fakePredictions) Put(context.Context, [domain.WindowSeconds]float64) (string, error) {
	return "", errors.New("unused")
}

func (f fakePredictions) Get(_ context.Context, id string) (domain.PredictionBlob, error) {
	p, ok := f[id]
	if !ok {
		return domain.PredictionBlob{}, domain.ErrNotFound
	}
	return domain.PredictionBlob{CommitmentID: id, Predictions: p}, nil
}

type fakeWindows struct {
	prices []float64
	err    error
	calls  int
}

func (f *fakeWindows) GetWindowForPosition(context.Context, int64) ([]float64, error) {
	f.calls++
	return f.prices, f.err
}

type fakeSlices struct{ published int }

func (f *fakeSlices) PublishSlice(context.Context, int64, [domain.WindowSeconds]float64) (string, error) {
	f.published++
	return "0x2222222222222222222222222222222222222222222222222222222222222222", nil
}

// flakyLedger fails credits while failCredit is set.
type flakyLedger struct {
	*memory.LedgerStore
	failCredit bool
}

func (l *flakyLedger) Credit(ctx context.Context, user string, amount int64, asset, ext string) (bool, error) {
	if l.failCredit {
		return false, errors.New("connection reset")
	}
	return l.LedgerStore.Credit(ctx, user, amount, asset, ext)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func rising() []float64 {
	out := make([]float64, domain.WindowSeconds)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

type harness struct {
	svc     *settlement.Service
	chain   *fakeChain
	windows *fakeWindows
	slices  *fakeSlices
	ledger  *flakyLedger
	history *memory.HistoryStore
	locks   *memory.LockManager
	events  *recorder
}

// newHarness opens position 7 two minutes ago for 2000 units at 10x with a
// prediction equal to the realised prices.
func newHarness(t *testing.T, owner string) *harness {
	t.Helper()
	var pred [domain.WindowSeconds]float64
	copy(pred[:], rising())

	h := &harness{
		chain: &fakeChain{
			canClose: true,
			positions: map[uint64]*domain.Position{
				7: {
					ID:                     7,
					Owner:                  owner,
					Amount:                 new(big.Int).Mul(big.NewInt(2000), weiPerUnit),
					Leverage:               10,
					OpenTimestamp:          time.Now().Add(-2 * time.Minute).Unix(),
					PredictionCommitmentID: predID,
					IsOpen:                 true,
				},
			},
		},
		windows: &fakeWindows{prices: rising()},
		slices:  &fakeSlices{},
		ledger:  &flakyLedger{LedgerStore: memory.NewLedgerStore()},
		history: memory.NewHistoryStore(),
		locks:   memory.NewLockManager(),
		events:  &recorder{},
	}
	units, _ := domain.NewUnits(weiPerUnit)
	h.svc = settlement.NewService(settlement.Config{
		FeeBps:         100,
		LockDuration:   time.Minute,
		RelayerAddress: relayerAddr,
		Units:          units,
		Asset:          "USDC",
	}, settlement.Deps{
		Positions:   h.chain,
		Predictions: fakePredictions{predID: pred},
		Windows:     h.windows,
		Slices:      h.slices,
		History:     h.history,
		Ledger:      h.ledger,
		Recon:       h.ledger.LedgerStore,
		Locks:       h.locks,
		Audit:       memory.NewAuditStore(),
		Events:      h.events,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func (h *harness) fund(t *testing.T) {
	t.Helper()
	err := h.ledger.RecordFundedPosition(context.Background(), domain.FundedPositionRecord{PositionID: 7, User: ledgerUser, AmountUnits: 2000})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClosePosition_Direct(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ownerAddr)

	out, err := h.svc.ClosePosition(ctx, 7)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	// maxProfit = 59 * 2e15 * 10 / 100
	wantPnL := decimal.RequireFromString("11800000000000000")
	if !out.PnL.Equal(wantPnL) || out.CorrectDirections != 59 || out.Accuracy != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if !out.Fee.Equal(decimal.RequireFromString("118000000000000")) {
		t.Errorf("fee = %s", out.Fee)
	}
	if out.Relayed || out.Payout.Status != "" {
		t.Errorf("direct position reported payout %+v", out.Payout)
	}
	if h.chain.positions[7].PnL.String() != wantPnL.String() {
		t.Errorf("on-chain pnl = %s", h.chain.positions[7].PnL)
	}
	row, err := h.history.Get(ctx, 7)
	if err != nil || row.CloseTxHash != "0xclose" || row.User != domain.NormalizeAddress(ownerAddr) {
		t.Errorf("history = (%+v, %v)", row, err)
	}

	// The second close fails fast without touching retrieval again.
	if _, err := h.svc.ClosePosition(ctx, 7); !errors.Is(err, domain.ErrAlreadyClosed) {
		t.Fatalf("second close err = %v, want ErrAlreadyClosed", err)
	}
	if h.windows.calls != 1 || h.chain.closes != 1 || h.slices.published != 1 {
		t.Errorf("calls: windows=%d closes=%d slices=%d", h.windows.calls, h.chain.closes, h.slices.published)
	}
}

func TestClosePosition_LockActive(t *testing.T) {
	h := newHarness(t, ownerAddr)
	h.chain.positions[7].OpenTimestamp = time.Now().Unix() - 20

	_, err := h.svc.ClosePosition(context.Background(), 7)
	var lock *domain.LockActiveError
	if !errors.As(err, &lock) {
		t.Fatalf("err = %v, want LockActiveError", err)
	}
	if lock.Remaining < 39 || lock.Remaining > 40 {
		t.Errorf("remaining = %d, want about 40", lock.Remaining)
	}
	if !strings.HasPrefix(err.Error(), "position 7 is locked: ") || !strings.HasSuffix(err.Error(), " seconds remaining") {
		t.Errorf("message = %q", err.Error())
	}
	if h.windows.calls != 0 {
		t.Error("retrieval called for a locked position")
	}

	h.chain.positions[7].OpenTimestamp = time.Now().Unix() - 120
	h.chain.canClose = false
	if _, err := h.svc.ClosePosition(context.Background(), 7); !errors.Is(err, domain.ErrPositionLocked) {
		t.Errorf("canClose=false err = %v, want ErrPositionLocked", err)
	}
}

func TestClosePosition_NotYetAvailable(t *testing.T) {
	h := newHarness(t, ownerAddr)
	h.windows.err = &domain.NotYetAvailableError{BoundaryA: 60, BoundaryB: 120, MissingWindow: 120}

	_, err := h.svc.ClosePosition(context.Background(), 7)
	var nya *domain.NotYetAvailableError
	if !errors.As(err, &nya) || nya.MissingWindow != 120 {
		t.Fatalf("err = %v, want NotYetAvailableError", err)
	}
	if h.chain.closes != 0 {
		t.Error("position closed without a window")
	}
	// The settle lock was released.
	if _, err := h.locks.Acquire(context.Background(), "settle:7", time.Second); err != nil {
		t.Errorf("lock still held: %v", err)
	}
}

func TestClosePosition_InProgress(t *testing.T) {
	h := newHarness(t, ownerAddr)
	unlock, _ := h.locks.Acquire(context.Background(), "settle:7", time.Minute)
	defer unlock()

	if _, err := h.svc.ClosePosition(context.Background(), 7); !errors.Is(err, domain.ErrSettlementInProgress) {
		t.Fatalf("err = %v, want ErrSettlementInProgress", err)
	}
}

func TestClosePosition_RelayedPayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, relayerAddr)
	h.fund(t)

	out, err := h.svc.ClosePosition(ctx, 7)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	// final = 2e15 + 1.18e16 - 1.18e14 wei = 13682 units
	if !out.Relayed || out.Payout.Status != settlement.PayoutCredited || out.Payout.Units != 13682 {
		t.Fatalf("payout = %+v", out.Payout)
	}
	if bal, _ := h.ledger.Balance(ctx, ledgerUser); bal != 13682 {
		t.Errorf("balance = %d, want 13682", bal)
	}
	if _, err := h.ledger.GetFundedPosition(ctx, 7); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("funded record not cleared: %v", err)
	}
	row, _ := h.history.Get(ctx, 7)
	if !row.Relayed || row.User != ledgerUser {
		t.Errorf("history row = %+v", row)
	}
}

func TestClosePosition_LosingRelayedPositionClearsRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, relayerAddr)
	h.fund(t)
	var inverse [domain.WindowSeconds]float64
	for i := range inverse {
		inverse[i] = 200 - float64(i)
	}
	h.svc = rebuildWithPrediction(t, h, inverse)

	out, err := h.svc.ClosePosition(ctx, 7)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !out.FinalAmount.IsZero() || out.Payout.Status != settlement.PayoutNothingDue {
		t.Errorf("final = %s payout = %+v", out.FinalAmount, out.Payout)
	}
	if _, err := h.ledger.GetFundedPosition(ctx, 7); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("funded record not cleared: %v", err)
	}
}

func TestPayoutFailureKeepsRecordUntilRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, relayerAddr)
	h.fund(t)
	h.ledger.failCredit = true

	out, err := h.svc.ClosePosition(ctx, 7)
	if err != nil {
		t.Fatalf("close must succeed despite payout failure: %v", err)
	}
	if out.Payout.Status != settlement.PayoutFailed {
		t.Fatalf("payout = %+v", out.Payout)
	}
	if _, err := h.ledger.GetFundedPosition(ctx, 7); err != nil {
		t.Fatalf("funded record dropped: %v", err)
	}
	kinds := h.events.kinds()
	if len(kinds) != 2 || kinds[1] != domain.EventPayoutFailed {
		t.Errorf("events = %v", kinds)
	}

	h.ledger.failCredit = false
	n, err := h.svc.RetryPayouts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryPayouts = (%d, %v), want 1", n, err)
	}
	if bal, _ := h.ledger.Balance(ctx, ledgerUser); bal != 13682 {
		t.Errorf("balance = %d, want 13682", bal)
	}
	// Nothing left to retry.
	if n, _ := h.svc.RetryPayouts(ctx); n != 0 {
		t.Errorf("second retry cleared %d", n)
	}
}

func TestRetryPayoutsPagesPastOpenPositions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, relayerAddr)
	for id := uint64(100); id < 350; id++ {
		h.chain.positions[id] = &domain.Position{ID: id, Owner: relayerAddr, Amount: weiPerUnit, IsOpen: true}
		if err := h.ledger.RecordFundedPosition(ctx, domain.FundedPositionRecord{PositionID: id, User: ownerAddr, AmountUnits: 1}); err != nil {
			t.Fatal(err)
		}
	}
	h.chain.positions[500] = &domain.Position{
		ID:     500,
		Owner:  relayerAddr,
		Amount: new(big.Int).Mul(big.NewInt(1000), weiPerUnit),
		IsOpen: false,
	}
	if err := h.ledger.RecordFundedPosition(ctx, domain.FundedPositionRecord{PositionID: 500, User: ledgerUser, AmountUnits: 1000}); err != nil {
		t.Fatal(err)
	}

	n, err := h.svc.RetryPayouts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryPayouts = (%d, %v), want 1", n, err)
	}
	if bal, _ := h.ledger.Balance(ctx, ledgerUser); bal != 1000 {
		t.Errorf("balance = %d, want 1000", bal)
	}
	if _, err := h.ledger.GetFundedPosition(ctx, 500); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("record 500 not cleared: %v", err)
	}
	if _, err := h.ledger.GetFundedPosition(ctx, 349); err != nil {
		t.Errorf("open position record dropped: %v", err)
	}
}

func TestPayoutOverflowKeepsRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, relayerAddr)
	h.fund(t)
	huge, _ := new(big.Int).SetString("10000000000000000000000000000000000000000", 10)
	h.chain.positions[7].Amount = huge
	h.chain.positions[7].IsOpen = false

	n, err := h.svc.RetryPayouts(ctx)
	if err != nil || n != 0 {
		t.Fatalf("RetryPayouts = (%d, %v), want 0", n, err)
	}
	if _, err := h.ledger.GetFundedPosition(ctx, 7); err != nil {
		t.Fatalf("funded record dropped on overflow: %v", err)
	}
	if bal, _ := h.ledger.Balance(ctx, ledgerUser); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
	kinds := h.events.kinds()
	if len(kinds) != 1 || kinds[0] != domain.EventPayoutFailed {
		t.Errorf("events = %v", kinds)
	}
}

func TestPayoutNetsUndebitedPrincipal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, relayerAddr)
	h.fund(t)
	id, _ := h.ledger.OpenReconciliation(ctx, domain.Reconciliation{PositionID: 7, User: ledgerUser, AmountUnits: 2000, Reason: "debit rejected"})

	out, err := h.svc.ClosePosition(ctx, 7)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if out.Payout.Units != 11682 || out.Payout.Netted != 2000 {
		t.Errorf("payout = %+v", out.Payout)
	}
	if bal, _ := h.ledger.Balance(ctx, ledgerUser); bal != 11682 {
		t.Errorf("balance = %d, want 11682", bal)
	}
	resolved, _ := h.ledger.ListReconciliations(ctx, domain.ReconciliationResolved, domain.ListOpts{})
	if len(resolved) != 1 || resolved[0].ID != id {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, relayerAddr)
	h.fund(t)

	v, err := h.svc.State(ctx, 7)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if v.State != settlement.StateClosable || v.Funding != "relayed" || v.User != ledgerUser {
		t.Errorf("view = %+v", v)
	}

	h.chain.positions[7].OpenTimestamp = time.Now().Unix()
	if v, _ := h.svc.State(ctx, 7); v.State != settlement.StateOpen || v.RemainingSeconds == 0 {
		t.Errorf("fresh position view = %+v", v)
	}

	h.chain.positions[7].IsOpen = false
	if v, _ := h.svc.State(ctx, 7); v.State != settlement.StateClosed {
		t.Errorf("closed view = %+v", v)
	}
}

func rebuildWithPrediction(t *testing.T, h *harness, pred [domain.WindowSeconds]float64) *settlement.Service {
	t.Helper()
	units, _ := domain.NewUnits(weiPerUnit)
	return settlement.NewService(settlement.Config{
		FeeBps:         100,
		LockDuration:   time.Minute,
		RelayerAddress: relayerAddr,
		Units:          units,
	}, settlement.Deps{
		Positions:   h.chain,
		Predictions: fakePredictions{predID: pred},
		Windows:     h.windows,
		Slices:      h.slices,
		History:     h.history,
		Ledger:      h.ledger,
		Recon:       h.ledger.LedgerStore,
		Locks:       h.locks,
		Events:      h.events,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
