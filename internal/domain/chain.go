package domain

import (
	"context"
	"math/big"
)

// OracleAnchor stores and reads window commitments on-chain.
type OracleAnchor interface {
	Anchor(ctx context.Context, windowStart int64, commitmentID string) (string, error)
	Get(ctx context.Context, windowStart int64) (string, bool, error)
}

// PositionContract is the on-chain positions contract.
type PositionContract interface {
	OpenPosition(ctx context.Context, leverage uint16, commitmentID string, value *big.Int) (OpenedPosition, error)
	GetPosition(ctx context.Context, positionID uint64) (Position, error)
	CanClosePosition(ctx context.Context, positionID uint64) (bool, error)
	ClosePosition(ctx context.Context, positionID uint64, pnl *big.Int, actualCommitmentID string) (string, error)
}

// Wallet is the signing account used for transactions.
type Wallet interface {
	Address() string
	Balance(ctx context.Context) (*big.Int, error)
}
