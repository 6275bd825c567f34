package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

type fakeBackend struct {
	callOut  []byte
	callErr  error
	calls    int
	txData   [][]byte
	txValue  *big.Int
	receipt  *types.Receipt
	txErr    error
	lastTo   common.Address
	lastName string
}

func (f *fakeBackend) Call(_ context.Context, to common.Address, _ []byte) ([]byte, error) {
	f.calls++
	f.lastTo = to
	return f.callOut, f.callErr
}

func (f *fakeBackend) Transact(_ context.Context, method string, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	f.lastName = method
	f.lastTo = to
	f.txValue = value
	f.txData = append(f.txData, data)
	if f.txErr != nil {
		return nil, f.txErr
	}
	if f.receipt != nil {
		return f.receipt, nil
	}
	return &types.Receipt{TxHash: common.HexToHash("0xabc"), Status: types.ReceiptStatusSuccessful}, nil
}

const (
	oracleAddr    = "0x00000000000000000000000000000000000000aa"
	positionsAddr = "0x00000000000000000000000000000000000000bb"
	commitment    = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func TestOracleAnchor_RejectsBadInputBeforeRPC(t *testing.T) {
	backend := &fakeBackend{}
	o, err := NewOracle(backend, oracleAddr)
	if err != nil {
		t.Fatalf("NewOracle: %v", err)
	}
	tests := []struct {
		name   string
		start  int64
		commit string
	}{
		{"unaligned", 1_700_000_001, commitment},
		{"negative", -60, commitment},
		{"zero commitment", 120, "0x" + "0000000000000000000000000000000000000000000000000000000000000000"},
		{"short commitment", 120, "0x1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Anchor(context.Background(), tt.start, tt.commit)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
	if len(backend.txData) != 0 {
		t.Errorf("backend saw %d transactions, want 0", len(backend.txData))
	}
	if _, _, err := o.Get(context.Background(), 61); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("Get(61) err = %v, want ErrValidation", err)
	}
	if backend.calls != 0 {
		t.Errorf("backend saw %d calls, want 0", backend.calls)
	}
}

func TestOracleAnchor_PacksStoreCommitment(t *testing.T) {
	backend := &fakeBackend{}
	o, _ := NewOracle(backend, oracleAddr)

	tx, err := o.Anchor(context.Background(), 1_700_000_040, commitment)
	if err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if tx != common.HexToHash("0xabc").Hex() {
		t.Errorf("tx = %s", tx)
	}
	if backend.lastName != "storeCommitment" || backend.lastTo != common.HexToAddress(oracleAddr) {
		t.Errorf("sent %s to %s", backend.lastName, backend.lastTo.Hex())
	}

	args, err := oracleABI.Methods["storeCommitment"].Inputs.Unpack(backend.txData[0][4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(*big.Int).Int64() != 1_700_000_040 {
		t.Errorf("windowStart = %v", args[0])
	}
	if domain.FormatCommitmentID(args[1].([32]byte)) != commitment {
		t.Errorf("commitment = %x", args[1])
	}
}

func TestOracleGet(t *testing.T) {
	backend := &fakeBackend{}
	o, _ := NewOracle(backend, oracleAddr)
	out := oracleABI.Methods["getCommitment"].Outputs

	zero, _ := out.Pack([32]byte{})
	backend.callOut = zero
	if _, found, err := o.Get(context.Background(), 120); err != nil || found {
		t.Fatalf("Get zero = (found=%v, err=%v), want not found", found, err)
	}

	id, _ := domain.ParseCommitmentID(commitment)
	set, _ := out.Pack(id)
	backend.callOut = set
	got, found, err := o.Get(context.Background(), 120)
	if err != nil || !found || got != commitment {
		t.Fatalf("Get = (%s, %v, %v)", got, found, err)
	}

	backend.callErr = errors.New("rpc down")
	if _, _, err := o.Get(context.Background(), 120); !errors.Is(err, domain.ErrExternalService) {
		t.Fatalf("err = %v, want ErrExternalService", err)
	}
}

func TestPositionsGetPosition(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	out, err := positionsABI.Methods["getPosition"].Outputs.Pack(
		owner, big.NewInt(5e15), uint16(100), big.NewInt(1_700_000_030),
		commitment, true, big.NewInt(-42), "", big.NewInt(0),
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	p, _ := NewPositions(&fakeBackend{callOut: out}, positionsAddr)

	pos, err := p.GetPosition(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.ID != 7 || pos.Owner != owner.Hex() || pos.Leverage != 100 || !pos.IsOpen {
		t.Errorf("position = %+v", pos)
	}
	if pos.Amount.Cmp(big.NewInt(5e15)) != 0 || pos.PnL.Int64() != -42 {
		t.Errorf("amount/pnl = %s/%s", pos.Amount, pos.PnL)
	}
	if pos.OpenTimestamp != 1_700_000_030 || pos.PredictionCommitmentID != commitment {
		t.Errorf("open = %d commitment = %s", pos.OpenTimestamp, pos.PredictionCommitmentID)
	}
	if pos.Funding.IsRelayed() {
		t.Errorf("funding should default to direct")
	}
}

func TestPositionsGetPosition_UnknownID(t *testing.T) {
	out, _ := positionsABI.Methods["getPosition"].Outputs.Pack(
		common.Address{}, big.NewInt(0), uint16(0), big.NewInt(0), "", false, big.NewInt(0), "", big.NewInt(0),
	)
	p, _ := NewPositions(&fakeBackend{callOut: out}, positionsAddr)
	if _, err := p.GetPosition(context.Background(), 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenPosition_ParsesEvent(t *testing.T) {
	contract := common.HexToAddress(positionsAddr)
	user := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	ev := positionsABI.Events["PositionOpened"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(1e16), uint16(50), big.NewInt(1_700_000_100), commitment)
	if err != nil {
		t.Fatalf("pack event: %v", err)
	}
	receipt := &types.Receipt{
		TxHash: common.HexToHash("0xfeed"),
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			{Address: common.HexToAddress("0x01"), Topics: []common.Hash{ev.ID}},
			{
				Address: contract,
				Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(12)), common.BytesToHash(user.Bytes())},
				Data:    data,
			},
		},
	}
	backend := &fakeBackend{receipt: receipt}
	p, _ := NewPositions(backend, positionsAddr)

	opened, err := p.OpenPosition(context.Background(), 50, commitment, big.NewInt(1e16))
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if opened.PositionID != 12 || opened.User != user.Hex() || opened.Leverage != 50 {
		t.Errorf("opened = %+v", opened)
	}
	if opened.CommitmentID != commitment || opened.OpenTimestamp != 1_700_000_100 {
		t.Errorf("opened = %+v", opened)
	}
	if backend.txValue.Cmp(big.NewInt(1e16)) != 0 {
		t.Errorf("value = %s", backend.txValue)
	}

	backend.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	if _, err := p.OpenPosition(context.Background(), 50, commitment, big.NewInt(1e16)); !errors.Is(err, domain.ErrExternalService) {
		t.Errorf("missing log: err = %v, want ErrExternalService", err)
	}
}
