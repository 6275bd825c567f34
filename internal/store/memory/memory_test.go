package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/store/memory"
)

const alice = "0xAbCdEf0000000000000000000000000000000001"

func TestLedger_CreditIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedgerStore()

	applied, err := l.Credit(ctx, alice, 500, "USDC", "tx-1")
	if err != nil || !applied {
		t.Fatalf("first credit = (%v, %v), want (true, nil)", applied, err)
	}
	applied, err = l.Credit(ctx, alice, 500, "USDC", "tx-1")
	if err != nil || applied {
		t.Fatalf("replayed credit = (%v, %v), want (false, nil)", applied, err)
	}

	bal, _ := l.Balance(ctx, alice)
	if bal != 500 {
		t.Errorf("Balance = %d, want 500", bal)
	}
	// Keys are normalized to lowercase.
	if bal, _ := l.Balance(ctx, "0xabcdef0000000000000000000000000000000001"); bal != 500 {
		t.Errorf("lowercase Balance = %d, want 500", bal)
	}
	deps, _ := l.Deposits(ctx, alice, domain.ListOpts{})
	if len(deps) != 1 || deps[0].ExternalTxID != "tx-1" {
		t.Errorf("Deposits = %+v", deps)
	}
}

func TestLedger_CreditValidation(t *testing.T) {
	l := memory.NewLedgerStore()
	for _, amount := range []int64{0, -1} {
		if _, err := l.Credit(context.Background(), alice, amount, "USDC", "tx"); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Credit(%d) err = %v, want ErrValidation", amount, err)
		}
	}
	if _, err := l.Credit(context.Background(), alice, 1, "USDC", ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty external id err = %v, want ErrValidation", err)
	}
}

func TestLedger_DebitNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedgerStore()

	if ok, _ := l.Debit(ctx, alice, 1); ok {
		t.Fatal("debit of unknown user succeeded")
	}
	l.Credit(ctx, alice, 100, "USDC", "tx-1")
	if ok, _ := l.Debit(ctx, alice, 101); ok {
		t.Fatal("overdraft succeeded")
	}
	if bal, _ := l.Balance(ctx, alice); bal != 100 {
		t.Fatalf("Balance after failed debit = %d, want 100", bal)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Debit(ctx, alice, 7); ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	bal, _ := l.Balance(ctx, alice)
	if succeeded != 14 || bal != 2 {
		t.Errorf("succeeded = %d balance = %d, want 14 and 2", succeeded, bal)
	}
}

func TestLedger_FundedPositionLifecycle(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedgerStore()

	if _, err := l.GetFundedPosition(ctx, 9); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := l.RecordFundedPosition(ctx, domain.FundedPositionRecord{PositionID: 9, User: alice, AmountUnits: 40}); err != nil {
		t.Fatalf("RecordFundedPosition: %v", err)
	}
	rec, err := l.GetFundedPosition(ctx, 9)
	if err != nil || rec.AmountUnits != 40 || rec.User != domain.NormalizeAddress(alice) {
		t.Fatalf("GetFundedPosition = (%+v, %v)", rec, err)
	}
	all, _ := l.ListFundedPositions(ctx, domain.ListOpts{})
	if len(all) != 1 {
		t.Fatalf("ListFundedPositions len = %d, want 1", len(all))
	}
	if err := l.ClearFundedPosition(ctx, 9); err != nil {
		t.Fatalf("ClearFundedPosition: %v", err)
	}
	if _, err := l.GetFundedPosition(ctx, 9); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("record survived clear: %v", err)
	}
}

func TestLedger_Reconciliation(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedgerStore()

	id, err := l.OpenReconciliation(ctx, domain.Reconciliation{PositionID: 3, User: alice, AmountUnits: 10, Reason: "debit failed"})
	if err != nil {
		t.Fatalf("OpenReconciliation: %v", err)
	}
	again, _ := l.OpenReconciliation(ctx, domain.Reconciliation{PositionID: 3, User: alice, AmountUnits: 10, Reason: "retry"})
	if again != id {
		t.Errorf("second open created a new row: %d vs %d", again, id)
	}
	r, err := l.OpenForPosition(ctx, 3)
	if err != nil || r.Reason != "retry" {
		t.Fatalf("OpenForPosition = (%+v, %v)", r, err)
	}
	if err := l.ResolveReconciliation(ctx, id, "netted at payout"); err != nil {
		t.Fatalf("ResolveReconciliation: %v", err)
	}
	if _, err := l.OpenForPosition(ctx, 3); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("resolved row still open: %v", err)
	}
	resolved, _ := l.ListReconciliations(ctx, domain.ReconciliationResolved, domain.ListOpts{})
	if len(resolved) != 1 || resolved[0].ResolvedAt == nil {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestHistory_LeaderboardAndStats(t *testing.T) {
	ctx := context.Background()
	h := memory.NewHistoryStore()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := []domain.SettledPosition{
		{PositionID: 1, User: "0xa", Amount: decimal.NewFromInt(100), PnL: decimal.NewFromInt(50), ClosedAt: day.Add(-time.Hour)},
		{PositionID: 2, User: "0xa", Amount: decimal.NewFromInt(100), PnL: decimal.NewFromInt(-20), ClosedAt: day.Add(time.Hour)},
		{PositionID: 3, User: "0xb", Amount: decimal.NewFromInt(300), PnL: decimal.NewFromInt(80), ClosedAt: day.Add(2 * time.Hour)},
	}
	for _, r := range rows {
		if err := h.Save(ctx, r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	byPnL, _ := h.Leaderboard(ctx, domain.LeaderboardByPnL, domain.ListOpts{})
	if len(byPnL) != 3 || byPnL[0].PositionID != 3 || byPnL[2].PositionID != 2 {
		t.Errorf("pnl leaderboard order = %v", ids(byPnL))
	}
	recent, _ := h.Leaderboard(ctx, domain.LeaderboardByRecent, domain.ListOpts{Limit: 2})
	if len(recent) != 2 || recent[0].PositionID != 3 || recent[1].PositionID != 2 {
		t.Errorf("recent leaderboard order = %v", ids(recent))
	}
	mine, _ := h.ListByUser(ctx, "0xA", domain.ListOpts{})
	if len(mine) != 2 {
		t.Errorf("ListByUser len = %d, want 2", len(mine))
	}

	st, _ := h.Stats(ctx, day)
	if st.DistinctUsers != 2 || st.TotalPositions != 3 || st.PositionsToday != 2 {
		t.Errorf("stats = %+v", st)
	}
	if !st.TotalVolume.Equal(decimal.NewFromInt(500)) {
		t.Errorf("TotalVolume = %s, want 500", st.TotalVolume)
	}
	// 0xa wins 1/2, 0xb wins 1/1.
	if st.AvgWinRate != 0.75 {
		t.Errorf("AvgWinRate = %v, want 0.75", st.AvgWinRate)
	}
}

func TestCommitments_UpsertKeepsOneRowPerWindow(t *testing.T) {
	ctx := context.Background()
	c := memory.NewCommitmentStore()

	c.Upsert(ctx, domain.Commitment{WindowStart: 120, CommitmentID: "0x01", Status: domain.CommitmentPublished})
	c.Upsert(ctx, domain.Commitment{WindowStart: 120, Status: domain.CommitmentFailed, LastError: "rpc"})
	c.Upsert(ctx, domain.Commitment{WindowStart: 120, AnchorTxHash: "0xtx", Status: domain.CommitmentAnchored})

	if n, _ := c.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
	got, _ := c.Get(ctx, 120)
	if got.CommitmentID != "0x01" || got.AnchorTxHash != "0xtx" || got.Status != domain.CommitmentAnchored || got.LastError != "" {
		t.Errorf("commitment = %+v", got)
	}
	if err := c.Upsert(ctx, domain.Commitment{WindowStart: 121}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unaligned upsert err = %v, want ErrValidation", err)
	}
}

func ids(rows []domain.SettledPosition) []uint64 {
	out := make([]uint64, len(rows))
	for i, r := range rows {
		out[i] = r.PositionID
	}
	return out
}

func TestNonceStore_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	n := memory.NewNonceStore()
	if ok, _ := n.Consume(ctx, alice, 1); ok {
		t.Fatal("consumed a future nonce")
	}
	if ok, _ := n.Consume(ctx, alice, 0); !ok {
		t.Fatal("nonce 0 not consumed")
	}
	if ok, _ := n.Consume(ctx, alice, 0); ok {
		t.Fatal("nonce 0 consumed twice")
	}
	if cur, _ := n.Current(ctx, alice); cur != 1 {
		t.Errorf("Current = %d, want 1", cur)
	}
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLockManager()
	unlock, err := l.Acquire(ctx, "settle:1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "settle:1", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire err = %v, want ErrLockHeld", err)
	}
	unlock()
	unlock()
	if _, err := l.Acquire(ctx, "settle:1", time.Minute); err != nil {
		t.Fatalf("Acquire after unlock: %v", err)
	}
}
