package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// newTestLedger connects to DRAWSETTLE_TEST_PG_DSN and applies migrations.
func newTestLedger(t *testing.T) *LedgerStore {
	t.Helper()
	dsn := os.Getenv("DRAWSETTLE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DRAWSETTLE_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	client, err := New(ctx, ClientConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if _, err := client.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return NewLedgerStore(client.Pool())
}

// testUser returns an address no other run has touched.
func testUser() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "") + "00000000"
}

func TestLedgerStore_CreditIsIdempotent(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	user := testUser()
	txID := "dep-" + uuid.NewString()

	applied, err := ledger.Credit(ctx, user, 500, "ETH", txID)
	if err != nil || !applied {
		t.Fatalf("first credit = (%v, %v), want applied", applied, err)
	}
	applied, err = ledger.Credit(ctx, strings.ToUpper(user[:2])+user[2:], 500, "ETH", txID)
	if err != nil || applied {
		t.Fatalf("replayed credit = (%v, %v), want not applied", applied, err)
	}
	if bal, err := ledger.Balance(ctx, user); err != nil || bal != 500 {
		t.Errorf("balance = (%d, %v), want 500", bal, err)
	}

	deposits, err := ledger.Deposits(ctx, user, domain.ListOpts{})
	if err != nil || len(deposits) != 1 || deposits[0].ExternalTxID != txID {
		t.Errorf("deposits = (%+v, %v)", deposits, err)
	}

	if _, err := ledger.Credit(ctx, user, 0, "ETH", "dep-"+uuid.NewString()); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero credit err = %v, want ErrValidation", err)
	}
}

func TestLedgerStore_DebitNeverOverdraws(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	user := testUser()

	if ok, err := ledger.Debit(ctx, user, 1); err != nil || ok {
		t.Fatalf("debit of unknown user = (%v, %v), want rejected", ok, err)
	}
	if _, err := ledger.Credit(ctx, user, 500, "ETH", "dep-"+uuid.NewString()); err != nil {
		t.Fatal(err)
	}
	if ok, err := ledger.Debit(ctx, user, 501); err != nil || ok {
		t.Fatalf("overdraw = (%v, %v), want rejected", ok, err)
	}
	if bal, _ := ledger.Balance(ctx, user); bal != 500 {
		t.Fatalf("balance after rejected debit = %d, want 500", bal)
	}

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Debit(ctx, user, 100)
			if err != nil {
				t.Errorf("debit: %v", err)
				return
			}
			if ok {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := succeeded.Load(); n != 5 {
		t.Errorf("%d concurrent debits succeeded, want 5", n)
	}
	if bal, _ := ledger.Balance(ctx, user); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
}

func TestLedgerStore_FundedPositionsAndReconciliation(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	user := testUser()
	positionID := uint64(uuid.New().ID())

	rec := domain.FundedPositionRecord{PositionID: positionID, User: user, AmountUnits: 42}
	if err := ledger.RecordFundedPosition(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := ledger.GetFundedPosition(ctx, positionID)
	if err != nil || got.User != user || got.AmountUnits != 42 {
		t.Fatalf("funded record = (%+v, %v)", got, err)
	}

	first, err := ledger.OpenReconciliation(ctx, domain.Reconciliation{PositionID: positionID, User: user, AmountUnits: 42, Reason: "debit rejected"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := ledger.OpenReconciliation(ctx, domain.Reconciliation{PositionID: positionID, User: user, AmountUnits: 42, Reason: "debit failed"})
	if err != nil || second != first {
		t.Fatalf("second open = (%d, %v), want %d", second, err, first)
	}
	open, err := ledger.OpenForPosition(ctx, positionID)
	if err != nil || open.Reason != "debit failed" {
		t.Fatalf("open reconciliation = (%+v, %v)", open, err)
	}
	if err := ledger.ResolveReconciliation(ctx, first, "netted"); err != nil {
		t.Fatal(err)
	}
	if err := ledger.ResolveReconciliation(ctx, first, "again"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("double resolve err = %v, want ErrNotFound", err)
	}

	if err := ledger.ClearFundedPosition(ctx, positionID); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.GetFundedPosition(ctx, positionID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cleared record err = %v, want ErrNotFound", err)
	}
}
