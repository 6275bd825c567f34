package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// Positions is the client for the leveraged-position contract.
type Positions struct {
	backend Backend
	address common.Address
}

func NewPositions(backend Backend, address string) (*Positions, error) {
	if !common.IsHexAddress(address) {
		return nil, domain.Invalid("positions_address", "%q is not an address", address)
	}
	return &Positions{backend: backend, address: common.HexToAddress(address)}, nil
}

// OpenPosition sends value with openPosition and reads the new position
// from the PositionOpened log.
func (p *Positions) OpenPosition(ctx context.Context, leverage uint16, commitmentID string, value *big.Int) (domain.OpenedPosition, error) {
	data, err := positionsABI.Pack("openPosition", leverage, commitmentID)
	if err != nil {
		return domain.OpenedPosition{}, domain.External("chain", "openPosition", err)
	}
	receipt, err := p.backend.Transact(ctx, "openPosition", p.address, value, data)
	if err != nil {
		return domain.OpenedPosition{}, err
	}
	opened, err := ParsePositionOpened(p.address, receipt)
	if err != nil {
		return domain.OpenedPosition{}, domain.External("chain", "openPosition", err)
	}
	return opened, nil
}

// GetPosition reads a position. Funding is left as Direct; callers that
// know the relayer resolve it.
func (p *Positions) GetPosition(ctx context.Context, positionID uint64) (domain.Position, error) {
	vals, err := p.call(ctx, "getPosition", new(big.Int).SetUint64(positionID))
	if err != nil {
		return domain.Position{}, err
	}
	if len(vals) != 9 {
		return domain.Position{}, domain.External("chain", "getPosition", fmt.Errorf("expected 9 outputs, got %d", len(vals)))
	}

	var pos domain.Position
	var ok [9]bool
	var owner common.Address
	var openTs, closeTs *big.Int
	owner, ok[0] = vals[0].(common.Address)
	pos.Amount, ok[1] = vals[1].(*big.Int)
	pos.Leverage, ok[2] = vals[2].(uint16)
	openTs, ok[3] = vals[3].(*big.Int)
	pos.PredictionCommitmentID, ok[4] = vals[4].(string)
	pos.IsOpen, ok[5] = vals[5].(bool)
	pos.PnL, ok[6] = vals[6].(*big.Int)
	pos.ActualPriceCommitmentID, ok[7] = vals[7].(string)
	closeTs, ok[8] = vals[8].(*big.Int)
	for i, good := range ok {
		if !good {
			return domain.Position{}, domain.External("chain", "getPosition", fmt.Errorf("output %d has type %T", i, vals[i]))
		}
	}

	if owner == (common.Address{}) {
		return domain.Position{}, fmt.Errorf("chain: position %d: %w", positionID, domain.ErrNotFound)
	}
	pos.ID = positionID
	pos.Owner = owner.Hex()
	pos.OpenTimestamp = openTs.Int64()
	pos.CloseTimestamp = closeTs.Int64()
	pos.Funding = domain.Direct()
	return pos, nil
}

// CanClosePosition reports whether the on-chain lock has elapsed.
func (p *Positions) CanClosePosition(ctx context.Context, positionID uint64) (bool, error) {
	vals, err := p.call(ctx, "canClosePosition", new(big.Int).SetUint64(positionID))
	if err != nil {
		return false, err
	}
	can, ok := vals[0].(bool)
	if !ok {
		return false, domain.External("chain", "canClosePosition", errUnexpected("bool", vals[0]))
	}
	return can, nil
}

// ClosePosition settles a position with the computed pnl.
func (p *Positions) ClosePosition(ctx context.Context, positionID uint64, pnl *big.Int, actualCommitmentID string) (string, error) {
	data, err := positionsABI.Pack("closePosition", new(big.Int).SetUint64(positionID), pnl, actualCommitmentID)
	if err != nil {
		return "", domain.External("chain", "closePosition", err)
	}
	receipt, err := p.backend.Transact(ctx, "closePosition", p.address, nil, data)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (p *Positions) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := positionsABI.Pack(method, args...)
	if err != nil {
		return nil, domain.External("chain", method, err)
	}
	out, err := p.backend.Call(ctx, p.address, data)
	if err != nil {
		return nil, domain.External("chain", method, err)
	}
	vals, err := positionsABI.Unpack(method, out)
	if err != nil {
		return nil, domain.External("chain", method, err)
	}
	if len(vals) == 0 {
		return nil, domain.External("chain", method, errors.New("empty result"))
	}
	return vals, nil
}

// ParsePositionOpened finds the PositionOpened log emitted by contract in
// receipt.
func ParsePositionOpened(contract common.Address, receipt *types.Receipt) (domain.OpenedPosition, error) {
	ev := positionsABI.Events["PositionOpened"]
	for _, lg := range receipt.Logs {
		if lg.Address != contract || len(lg.Topics) < 3 || lg.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return domain.OpenedPosition{}, fmt.Errorf("decode PositionOpened: %w", err)
		}
		if len(vals) != 4 {
			return domain.OpenedPosition{}, fmt.Errorf("decode PositionOpened: expected 4 fields, got %d", len(vals))
		}
		amount, ok1 := vals[0].(*big.Int)
		leverage, ok2 := vals[1].(uint16)
		ts, ok3 := vals[2].(*big.Int)
		commitment, ok4 := vals[3].(string)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return domain.OpenedPosition{}, errors.New("decode PositionOpened: unexpected field types")
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		if !id.IsUint64() {
			return domain.OpenedPosition{}, fmt.Errorf("decode PositionOpened: position id %s overflows uint64", id)
		}
		return domain.OpenedPosition{
			PositionID:    id.Uint64(),
			TxHash:        receipt.TxHash.Hex(),
			User:          common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Amount:        amount,
			Leverage:      leverage,
			OpenTimestamp: ts.Int64(),
			CommitmentID:  commitment,
		}, nil
	}
	return domain.OpenedPosition{}, errors.New("no PositionOpened log in receipt")
}

func errUnexpected(want string, got any) error {
	return fmt.Errorf("expected %s, got %T", want, got)
}

var _ domain.PositionContract = (*Positions)(nil)
