package relayer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/crypto"
	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/relayer"
	"github.com/alanyoungcy/drawsettle/internal/store/memory"
)

const userKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	authDomain   = crypto.AuthDomain{Name: "DrawSettle Relayer", Version: "1", ChainID: 31337}
	commitmentID = "0x" + strings.Repeat("ab", 32)
	weiPerUnit   = big.NewInt(1_000_000_000_000)
)

type fakePositions struct {
	opened  []*big.Int
	openErr error
	nextID  uint64
}

func (f *fakePositions) OpenPosition(_ context.Context, leverage uint16, cid string, value *big.Int) (domain.OpenedPosition, error) {
	if f.openErr != nil {
		return domain.OpenedPosition{}, f.openErr
	}
	f.nextID++
	f.opened = append(f.opened, value)
	return domain.OpenedPosition{PositionID: f.nextID, TxHash: "0xtx", Amount: value, Leverage: leverage, CommitmentID: cid}, nil
}

func (f *fakePositions) GetPosition(context.Context, uint64) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakePositions) CanClosePosition(context.Context, uint64) (bool, error) { return false, nil }

func (f *fakePositions) ClosePosition(context.Context, uint64, *big.Int, string) (string, error) {
	return "", nil
}

type fakeWallet struct{ balance *big.Int }

func (w fakeWallet) Address() string { return "0x00000000000000000000000000000000000000aa" }

func (w fakeWallet) Balance(context.Context) (*big.Int, error) { return w.balance, nil }

// failingDebit rejects every debit, as if the balance moved after the
// pre-check.
type failingDebit struct{ *memory.LedgerStore }

func (failingDebit) Debit(context.Context, string, int64) (bool, error) { return false, nil }

type recorder struct{ events []domain.Event }

func (r *recorder) Emit(_ context.Context, e domain.Event) error {
	r.events = append(r.events, e)
	return nil
}

type harness struct {
	client    *relayer.Client
	signer    *crypto.Signer
	ledger    *memory.LedgerStore
	nonces    *memory.NonceStore
	positions *fakePositions
	audit     *memory.AuditStore
	events    *recorder
}

func newHarness(t *testing.T, ledger domain.LedgerStore, walletWei int64) *harness {
	t.Helper()
	signer, err := crypto.NewSigner(userKey, authDomain)
	if err != nil {
		t.Fatal(err)
	}
	units, _ := domain.NewUnits(weiPerUnit)
	base := memory.NewLedgerStore()
	if ledger == nil {
		ledger = base
	} else if fd, ok := ledger.(failingDebit); ok {
		base = fd.LedgerStore
	}
	h := &harness{
		signer:    signer,
		ledger:    base,
		nonces:    memory.NewNonceStore(),
		positions: &fakePositions{},
		audit:     memory.NewAuditStore(),
		events:    &recorder{},
	}
	h.client = relayer.New(relayer.Config{
		Domain:         authDomain,
		Units:          units,
		MinPositionWei: big.NewInt(1_000_000_000_000_000), // 1000 units
		GasReserveWei:  big.NewInt(5_000_000),
	}, relayer.Deps{
		Nonces:    h.nonces,
		Ledger:    ledger,
		Recon:     base,
		Positions: h.positions,
		Wallet:    fakeWallet{balance: big.NewInt(walletWei)},
		Audit:     h.audit,
		Events:    h.events,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func (h *harness) request(t *testing.T, units int64, nonce uint64, deadline int64) relayer.Request {
	t.Helper()
	req := relayer.Request{
		User:         h.signer.Address().Hex(),
		AmountUnits:  units,
		Leverage:     20,
		CommitmentID: commitmentID,
		Nonce:        nonce,
		Deadline:     deadline,
	}
	sig, err := h.signer.Sign(crypto.FundAuthorization{
		User: req.User, AmountUnits: req.AmountUnits, Leverage: req.Leverage,
		CommitmentID: req.CommitmentID, Nonce: req.Nonce, Deadline: req.Deadline,
	})
	if err != nil {
		t.Fatal(err)
	}
	req.Signature = sig
	return req
}

func future() int64 { return time.Now().Add(time.Hour).Unix() }

func TestFundPosition_Success(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 1e18)
	user := h.signer.Address().Hex()
	h.ledger.Credit(ctx, user, 5000, "USDC", "dep-1")

	res, err := h.client.FundPosition(ctx, h.request(t, 2000, 0, future()))
	if err != nil {
		t.Fatalf("FundPosition: %v", err)
	}
	if res.PositionID != 1 || res.TxHash != "0xtx" {
		t.Errorf("result = %+v", res)
	}
	if want := new(big.Int).Mul(big.NewInt(2000), weiPerUnit); h.positions.opened[0].Cmp(want) != 0 {
		t.Errorf("principal = %s, want %s", h.positions.opened[0], want)
	}
	if bal, _ := h.ledger.Balance(ctx, user); bal != 3000 {
		t.Errorf("balance = %d, want 3000", bal)
	}
	rec, err := h.ledger.GetFundedPosition(ctx, 1)
	if err != nil || rec.AmountUnits != 2000 || rec.User != domain.NormalizeAddress(user) {
		t.Errorf("funded record = (%+v, %v)", rec, err)
	}
	if n, _ := h.nonces.Current(ctx, user); n != 1 {
		t.Errorf("nonce = %d, want 1", n)
	}
	if len(h.events.events) != 1 || h.events.events[0].Kind != domain.EventPositionFunded {
		t.Errorf("events = %+v", h.events.events)
	}

	// Replaying the same authorization is rejected.
	if _, err := h.client.FundPosition(ctx, h.request(t, 2000, 0, future())); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Errorf("replay err = %v, want ErrSignatureInvalid", err)
	}
}

func TestFundPosition_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		h := newHarness(t, nil, 1e18)
		_, err := h.client.FundPosition(ctx, h.request(t, 2000, 0, time.Now().Add(-time.Second).Unix()))
		if !errors.Is(err, domain.ErrAuthExpired) {
			t.Errorf("err = %v, want ErrAuthExpired", err)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		h := newHarness(t, nil, 1e18)
		req := h.request(t, 2000, 0, future())
		req.AmountUnits = 2001
		if _, err := h.client.FundPosition(ctx, req); !errors.Is(err, domain.ErrSignatureInvalid) {
			t.Errorf("err = %v, want ErrSignatureInvalid", err)
		}
	})

	t.Run("below minimum", func(t *testing.T) {
		h := newHarness(t, nil, 1e18)
		h.ledger.Credit(ctx, h.signer.Address().Hex(), 5000, "USDC", "dep")
		if _, err := h.client.FundPosition(ctx, h.request(t, 999, 0, future())); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
		if n, _ := h.nonces.Current(ctx, h.signer.Address().Hex()); n != 0 {
			t.Errorf("nonce consumed on validation failure: %d", n)
		}
	})

	t.Run("ledger balance", func(t *testing.T) {
		h := newHarness(t, nil, 1e18)
		h.ledger.Credit(ctx, h.signer.Address().Hex(), 1500, "USDC", "dep")
		if _, err := h.client.FundPosition(ctx, h.request(t, 2000, 0, future())); !errors.Is(err, domain.ErrInsufficientBalance) {
			t.Errorf("err = %v, want ErrInsufficientBalance", err)
		}
		if len(h.positions.opened) != 0 {
			t.Error("position opened despite insufficient balance")
		}
	})

	t.Run("relayer funds", func(t *testing.T) {
		h := newHarness(t, nil, 2_000_000_000_000_000) // principal without gas reserve
		h.ledger.Credit(ctx, h.signer.Address().Hex(), 5000, "USDC", "dep")
		if _, err := h.client.FundPosition(ctx, h.request(t, 2000, 0, future())); !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Errorf("err = %v, want ErrInsufficientFunds", err)
		}
	})
}

func TestFundPosition_ChainFailureChargesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, 1e18)
	user := h.signer.Address().Hex()
	h.ledger.Credit(ctx, user, 5000, "USDC", "dep")
	h.positions.openErr = domain.External("chain", "openPosition", errors.New("reverted"))

	if _, err := h.client.FundPosition(ctx, h.request(t, 2000, 0, future())); !errors.Is(err, domain.ErrExternalService) {
		t.Fatalf("err = %v, want ErrExternalService", err)
	}
	if bal, _ := h.ledger.Balance(ctx, user); bal != 5000 {
		t.Errorf("balance = %d, want 5000", bal)
	}
	recs, _ := h.ledger.ListFundedPositions(ctx, domain.ListOpts{})
	if len(recs) != 0 {
		t.Errorf("funded records = %+v", recs)
	}
}

func TestFundPosition_DebitFailureOpensReconciliation(t *testing.T) {
	ctx := context.Background()
	base := memory.NewLedgerStore()
	h := newHarness(t, failingDebit{base}, 1e18)
	user := h.signer.Address().Hex()
	base.Credit(ctx, user, 5000, "USDC", "dep")

	res, err := h.client.FundPosition(ctx, h.request(t, 2000, 0, future()))
	if err != nil {
		t.Fatalf("FundPosition: %v", err)
	}
	r, err := base.OpenForPosition(ctx, res.PositionID)
	if err != nil {
		t.Fatalf("no reconciliation: %v", err)
	}
	if r.AmountUnits != 2000 {
		t.Errorf("reconciliation amount = %d, want 2000", r.AmountUnits)
	}
	if _, err := base.GetFundedPosition(ctx, res.PositionID); err != nil {
		t.Errorf("funded record missing: %v", err)
	}

	var kinds []domain.EventKind
	for _, e := range h.events.events {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != domain.EventReconciliation || kinds[1] != domain.EventPositionFunded {
		t.Errorf("event kinds = %v", kinds)
	}
}
