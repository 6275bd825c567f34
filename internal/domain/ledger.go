package domain

import (
	"strings"
	"time"
)

// LedgerAccount is a user's off-chain balance in ledger units.
type LedgerAccount struct {
	User      string    `json:"user"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DepositRecord is one idempotent credit keyed by an external transaction id.
type DepositRecord struct {
	ExternalTxID string    `json:"external_tx_id"`
	User         string    `json:"user"`
	Amount       int64     `json:"amount"`
	Asset        string    `json:"asset"`
	CreatedAt    time.Time `json:"created_at"`
}

// FundedPositionRecord links a relayer-opened position to the ledger user
// who paid for it. It exists until the payout for that position succeeds.
type FundedPositionRecord struct {
	PositionID  uint64    `json:"position_id"`
	User        string    `json:"user"`
	AmountUnits int64     `json:"amount_units"`
	CreatedAt   time.Time `json:"created_at"`
}

type ReconciliationStatus string

const (
	ReconciliationOpen     ReconciliationStatus = "open"
	ReconciliationResolved ReconciliationStatus = "resolved"
)

// Reconciliation records a relayed open whose ledger debit did not happen.
type Reconciliation struct {
	ID          int64                `json:"id"`
	PositionID  uint64               `json:"position_id"`
	User        string               `json:"user"`
	AmountUnits int64                `json:"amount_units"`
	Reason      string               `json:"reason"`
	Status      ReconciliationStatus `json:"status"`
	Note        string               `json:"note,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	ResolvedAt  *time.Time           `json:"resolved_at,omitempty"`
}

// payoutTxPrefix namespaces payout credits in the deposit id space.
const payoutTxPrefix = "payout:"

// PayoutExternalTxID is the idempotency key used when crediting a payout.
func PayoutExternalTxID(positionID uint64) string {
	return payoutTxPrefix + formatUint(positionID)
}

// IsPayoutExternalTxID reports whether id is reserved for payout credits.
// External deposits must not use it.
func IsPayoutExternalTxID(id string) bool {
	return len(id) >= len(payoutTxPrefix) && strings.EqualFold(id[:len(payoutTxPrefix)], payoutTxPrefix)
}

// NormalizeAddress lowercases an 0x address for use as a ledger key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
