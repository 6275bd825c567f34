package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerStore is the off-chain balance ledger used for relayed positions.
// Credits are idempotent on externalTxID; debits never overdraw.
type LedgerStore interface {
	Credit(ctx context.Context, user string, amount int64, asset, externalTxID string) (bool, error)
	Debit(ctx context.Context, user string, amount int64) (bool, error)
	Balance(ctx context.Context, user string) (int64, error)
	Deposits(ctx context.Context, user string, opts ListOpts) ([]DepositRecord, error)

	RecordFundedPosition(ctx context.Context, rec FundedPositionRecord) error
	GetFundedPosition(ctx context.Context, positionID uint64) (FundedPositionRecord, error)
	ClearFundedPosition(ctx context.Context, positionID uint64) error
	ListFundedPositions(ctx context.Context, opts ListOpts) ([]FundedPositionRecord, error)
}

// ReconciliationStore tracks relayed opens whose debit failed.
type ReconciliationStore interface {
	OpenReconciliation(ctx context.Context, r Reconciliation) (int64, error)
	OpenForPosition(ctx context.Context, positionID uint64) (Reconciliation, error)
	ResolveReconciliation(ctx context.Context, id int64, note string) error
	ListReconciliations(ctx context.Context, status ReconciliationStatus, opts ListOpts) ([]Reconciliation, error)
}

// CommitmentStore is the local index of published and anchored windows,
// keyed uniquely by window start.
type CommitmentStore interface {
	Upsert(ctx context.Context, c Commitment) error
	Get(ctx context.Context, windowStart int64) (Commitment, error)
	ListByStatus(ctx context.Context, status CommitmentStatus, opts ListOpts) ([]Commitment, error)
	Count(ctx context.Context) (int64, error)
}

// HistoryStore persists settled positions.
type HistoryStore interface {
	Save(ctx context.Context, p SettledPosition) error
	Get(ctx context.Context, positionID uint64) (SettledPosition, error)
	List(ctx context.Context, opts ListOpts) ([]SettledPosition, error)
	ListByUser(ctx context.Context, user string, opts ListOpts) ([]SettledPosition, error)
	Leaderboard(ctx context.Context, sort LeaderboardSort, opts ListOpts) ([]SettledPosition, error)
	Stats(ctx context.Context, dayStart time.Time) (HistoryStats, error)
}

// PredictionStore holds the prediction blobs referenced by positions.
type PredictionStore interface {
	Put(ctx context.Context, predictions [WindowSeconds]float64) (string, error)
	Get(ctx context.Context, commitmentID string) (PredictionBlob, error)
}

// AuditStore persists audit log entries.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// AuditEntry represents a single audit log record.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}
