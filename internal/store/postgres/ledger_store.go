package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// LedgerStore implements domain.LedgerStore and domain.ReconciliationStore.
// Balance changes run inside a single statement or transaction so Postgres
// row locks serialize concurrent operations on the same user.
type LedgerStore struct {
	pool *pgxpool.Pool
}

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Credit inserts the deposit record first; a duplicate external id aborts
// the transaction before the balance moves and reports false.
func (s *LedgerStore) Credit(ctx context.Context, user string, amount int64, asset, externalTxID string) (bool, error) {
	user = domain.NormalizeAddress(user)
	if err := validateCredit(user, amount, externalTxID); err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: credit %s: begin: %w", user, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_deposits (external_tx_id, user_address, amount, asset) VALUES ($1, $2, $3, $4)`,
		externalTxID, user, amount, asset,
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: credit %s: insert deposit: %w", user, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_accounts (user_address, balance) VALUES ($1, $2)
		ON CONFLICT (user_address) DO UPDATE
		SET balance = ledger_accounts.balance + EXCLUDED.balance, updated_at = NOW()`,
		user, amount,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: credit %s: update balance: %w", user, err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: credit %s: commit: %w", user, err)
	}
	return true, nil
}

// Debit subtracts amount only if the balance covers it.
func (s *LedgerStore) Debit(ctx context.Context, user string, amount int64) (bool, error) {
	user = domain.NormalizeAddress(user)
	if amount <= 0 {
		return false, domain.Invalid("amount", "must be positive, got %d", amount)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_accounts SET balance = balance - $2, updated_at = NOW()
		WHERE user_address = $1 AND balance >= $2`,
		user, amount,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: debit %s: %w", user, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Balance returns 0 for unknown users.
func (s *LedgerStore) Balance(ctx context.Context, user string) (int64, error) {
	user = domain.NormalizeAddress(user)
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE user_address = $1`, user).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance %s: %w", user, err)
	}
	return balance, nil
}

func (s *LedgerStore) Deposits(ctx context.Context, user string, opts domain.ListOpts) ([]domain.DepositRecord, error) {
	q := newListQuery(`SELECT external_tx_id, user_address, amount, asset, created_at FROM ledger_deposits`)
	q.where("user_address = ?", domain.NormalizeAddress(user))
	q.window("created_at", opts)
	q.page("created_at DESC", opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deposits: %w", err)
	}
	defer rows.Close()

	var out []domain.DepositRecord
	for rows.Next() {
		var d domain.DepositRecord
		if err := rows.Scan(&d.ExternalTxID, &d.User, &d.Amount, &d.Asset, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan deposit: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *LedgerStore) RecordFundedPosition(ctx context.Context, rec domain.FundedPositionRecord) error {
	if rec.AmountUnits <= 0 {
		return domain.Invalid("amount_units", "must be positive, got %d", rec.AmountUnits)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO funded_positions (position_id, user_address, amount_units) VALUES ($1, $2, $3)
		ON CONFLICT (position_id) DO UPDATE
		SET user_address = EXCLUDED.user_address, amount_units = EXCLUDED.amount_units`,
		int64(rec.PositionID), domain.NormalizeAddress(rec.User), rec.AmountUnits,
	)
	if err != nil {
		return fmt.Errorf("postgres: record funded position %d: %w", rec.PositionID, err)
	}
	return nil
}

func (s *LedgerStore) GetFundedPosition(ctx context.Context, positionID uint64) (domain.FundedPositionRecord, error) {
	var rec domain.FundedPositionRecord
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT position_id, user_address, amount_units, created_at FROM funded_positions WHERE position_id = $1`,
		int64(positionID),
	).Scan(&id, &rec.User, &rec.AmountUnits, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("postgres: funded position %d: %w", positionID, domain.ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("postgres: funded position %d: %w", positionID, err)
	}
	rec.PositionID = uint64(id)
	return rec, nil
}

// ClearFundedPosition is idempotent.
func (s *LedgerStore) ClearFundedPosition(ctx context.Context, positionID uint64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM funded_positions WHERE position_id = $1`, int64(positionID)); err != nil {
		return fmt.Errorf("postgres: clear funded position %d: %w", positionID, err)
	}
	return nil
}

func (s *LedgerStore) ListFundedPositions(ctx context.Context, opts domain.ListOpts) ([]domain.FundedPositionRecord, error) {
	q := newListQuery(`SELECT position_id, user_address, amount_units, created_at FROM funded_positions`)
	q.window("created_at", opts)
	q.page("position_id ASC", opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list funded positions: %w", err)
	}
	defer rows.Close()

	var out []domain.FundedPositionRecord
	for rows.Next() {
		var rec domain.FundedPositionRecord
		var id int64
		if err := rows.Scan(&id, &rec.User, &rec.AmountUnits, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan funded position: %w", err)
		}
		rec.PositionID = uint64(id)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OpenReconciliation returns the id of the open row for the position,
// creating it if needed.
func (s *LedgerStore) OpenReconciliation(ctx context.Context, r domain.Reconciliation) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ledger_reconciliations (position_id, user_address, amount_units, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (position_id) WHERE status = 'open' DO UPDATE SET reason = EXCLUDED.reason
		RETURNING id`,
		int64(r.PositionID), domain.NormalizeAddress(r.User), r.AmountUnits, r.Reason,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: open reconciliation for %d: %w", r.PositionID, err)
	}
	return id, nil
}

const reconCols = `id, position_id, user_address, amount_units, reason, status, note, created_at, resolved_at`

func (s *LedgerStore) OpenForPosition(ctx context.Context, positionID uint64) (domain.Reconciliation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reconCols+` FROM ledger_reconciliations WHERE position_id = $1 AND status = 'open'`,
		int64(positionID),
	)
	r, err := scanReconciliation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("postgres: reconciliation for %d: %w", positionID, domain.ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("postgres: reconciliation for %d: %w", positionID, err)
	}
	return r, nil
}

func (s *LedgerStore) ResolveReconciliation(ctx context.Context, id int64, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_reconciliations SET status = 'resolved', note = $2, resolved_at = $3
		WHERE id = $1 AND status = 'open'`,
		id, note, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: resolve reconciliation %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: resolve reconciliation %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *LedgerStore) ListReconciliations(ctx context.Context, status domain.ReconciliationStatus, opts domain.ListOpts) ([]domain.Reconciliation, error) {
	q := newListQuery(`SELECT ` + reconCols + ` FROM ledger_reconciliations`)
	if status != "" {
		q.where("status = ?", string(status))
	}
	q.window("created_at", opts)
	q.page("created_at DESC", opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reconciliations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reconciliation
	for rows.Next() {
		r, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan reconciliation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReconciliation(row pgx.Row) (domain.Reconciliation, error) {
	var r domain.Reconciliation
	var positionID int64
	var status string
	err := row.Scan(&r.ID, &positionID, &r.User, &r.AmountUnits, &r.Reason, &status, &r.Note, &r.CreatedAt, &r.ResolvedAt)
	r.PositionID = uint64(positionID)
	r.Status = domain.ReconciliationStatus(status)
	return r, err
}

func validateCredit(user string, amount int64, externalTxID string) error {
	if user == "" {
		return domain.Invalid("user", "is required")
	}
	if amount <= 0 {
		return domain.Invalid("amount", "must be positive, got %d", amount)
	}
	if externalTxID == "" {
		return domain.Invalid("external_tx_id", "is required")
	}
	return nil
}

var (
	_ domain.LedgerStore         = (*LedgerStore)(nil)
	_ domain.ReconciliationStore = (*LedgerStore)(nil)
)
