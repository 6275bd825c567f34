package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinLeverage = 1
	MaxLeverage = 2500
)

// FundingKind distinguishes who paid for a position.
type FundingKind int

const (
	FundingDirect FundingKind = iota
	FundingRelayed
)

func (k FundingKind) String() string {
	if k == FundingRelayed {
		return "relayed"
	}
	return "direct"
}

// FundingSource records whether a position was opened by its owner or by
// the relayer on behalf of a ledger user.
type FundingSource struct {
	Kind FundingKind
	User string // set only for relayed positions
}

func Direct() FundingSource { return FundingSource{Kind: FundingDirect} }

func Relayed(user string) FundingSource {
	return FundingSource{Kind: FundingRelayed, User: user}
}

func (f FundingSource) IsRelayed() bool { return f.Kind == FundingRelayed }

// Position mirrors the on-chain position record.
type Position struct {
	ID                      uint64
	Owner                   string
	Amount                  *big.Int // wei
	Leverage                uint16
	OpenTimestamp           int64
	PredictionCommitmentID  string
	IsOpen                  bool
	PnL                     *big.Int
	ActualPriceCommitmentID string
	CloseTimestamp          int64
	Funding                 FundingSource
}

// PredictionBlob is the 60-point trajectory a user drew when opening.
type PredictionBlob struct {
	CommitmentID string                 `json:"commitment_id"`
	Predictions  [WindowSeconds]float64 `json:"predictions"`
}

// OpenedPosition is what the chain reports back after openPosition mines.
type OpenedPosition struct {
	PositionID    uint64
	TxHash        string
	User          string
	Amount        *big.Int
	Leverage      uint16
	OpenTimestamp int64
	CommitmentID  string
}

// SettledPosition is a closed position as kept in the history table.
type SettledPosition struct {
	PositionID             uint64          `json:"position_id"`
	User                   string          `json:"user"`
	Amount                 decimal.Decimal `json:"amount"`
	Leverage               uint16          `json:"leverage"`
	OpenTimestamp          int64           `json:"open_timestamp"`
	ClosedAt               time.Time       `json:"closed_at"`
	PnL                    decimal.Decimal `json:"pnl"`
	Fee                    decimal.Decimal `json:"fee"`
	FinalAmount            decimal.Decimal `json:"final_amount"`
	Accuracy               float64         `json:"accuracy"`
	CorrectDirections      int             `json:"correct_directions"`
	PredictionCommitmentID string          `json:"prediction_commitment_id"`
	ActualCommitmentID     string          `json:"actual_commitment_id"`
	CloseTxHash            string          `json:"close_tx_hash"`
	Relayed                bool            `json:"relayed"`
}

// HistoryStats aggregates the settled-position history.
type HistoryStats struct {
	DistinctUsers  int64           `json:"distinct_users"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	TotalPositions int64           `json:"total_positions"`
	PositionsToday int64           `json:"positions_today"`
	AvgWinRate     float64         `json:"avg_win_rate"`
}

// LeaderboardSort selects the leaderboard ordering.
type LeaderboardSort string

const (
	LeaderboardByPnL    LeaderboardSort = "pnl"
	LeaderboardByRecent LeaderboardSort = "recent"
)
