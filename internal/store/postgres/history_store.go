package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// Money columns are NUMERIC; they travel as text so no precision is lost.
const historyCols = `position_id, user_address, amount::TEXT, leverage, open_timestamp, closed_at,
	pnl::TEXT, fee::TEXT, final_amount::TEXT, accuracy, correct_directions,
	prediction_commitment_id, actual_commitment_id, close_tx_hash, relayed`

// HistoryStore implements domain.HistoryStore.
type HistoryStore struct {
	pool *pgxpool.Pool
}

func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Save upserts by position id.
func (s *HistoryStore) Save(ctx context.Context, p domain.SettledPosition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO position_history (
			position_id, user_address, amount, leverage, open_timestamp, closed_at,
			pnl, fee, final_amount, accuracy, correct_directions,
			prediction_commitment_id, actual_commitment_id, close_tx_hash, relayed
		) VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (position_id) DO UPDATE SET
			closed_at = EXCLUDED.closed_at,
			pnl = EXCLUDED.pnl,
			fee = EXCLUDED.fee,
			final_amount = EXCLUDED.final_amount,
			accuracy = EXCLUDED.accuracy,
			correct_directions = EXCLUDED.correct_directions,
			actual_commitment_id = EXCLUDED.actual_commitment_id,
			close_tx_hash = EXCLUDED.close_tx_hash`,
		int64(p.PositionID), domain.NormalizeAddress(p.User), p.Amount.String(), int(p.Leverage), p.OpenTimestamp, p.ClosedAt,
		p.PnL.String(), p.Fee.String(), p.FinalAmount.String(), p.Accuracy, p.CorrectDirections,
		p.PredictionCommitmentID, p.ActualCommitmentID, p.CloseTxHash, p.Relayed,
	)
	if err != nil {
		return fmt.Errorf("postgres: save history %d: %w", p.PositionID, err)
	}
	return nil
}

func (s *HistoryStore) Get(ctx context.Context, positionID uint64) (domain.SettledPosition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+historyCols+` FROM position_history WHERE position_id = $1`, int64(positionID))
	p, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("postgres: history %d: %w", positionID, domain.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("postgres: history %d: %w", positionID, err)
	}
	return p, nil
}

func (s *HistoryStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.SettledPosition, error) {
	q := newListQuery(`SELECT ` + historyCols + ` FROM position_history`)
	q.window("closed_at", opts)
	q.page("closed_at DESC", opts)
	return s.list(ctx, q)
}

func (s *HistoryStore) ListByUser(ctx context.Context, user string, opts domain.ListOpts) ([]domain.SettledPosition, error) {
	q := newListQuery(`SELECT ` + historyCols + ` FROM position_history`)
	q.where("user_address = ?", domain.NormalizeAddress(user))
	q.window("closed_at", opts)
	q.page("closed_at DESC", opts)
	return s.list(ctx, q)
}

func (s *HistoryStore) Leaderboard(ctx context.Context, sort domain.LeaderboardSort, opts domain.ListOpts) ([]domain.SettledPosition, error) {
	order := "pnl DESC, closed_at DESC"
	if sort == domain.LeaderboardByRecent {
		order = "closed_at DESC"
	}
	q := newListQuery(`SELECT ` + historyCols + ` FROM position_history`)
	q.window("closed_at", opts)
	q.page(order, opts)
	return s.list(ctx, q)
}

// ListBefore feeds the archiver.
func (s *HistoryStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SettledPosition, error) {
	q := newListQuery(`SELECT ` + historyCols + ` FROM position_history`)
	q.where("closed_at < ?", before)
	q.page("closed_at ASC", domain.ListOpts{})
	return s.list(ctx, q)
}

// Stats aggregates the whole table; positions_today counts rows closed at
// or after dayStart.
func (s *HistoryStore) Stats(ctx context.Context, dayStart time.Time) (domain.HistoryStats, error) {
	var st domain.HistoryStats
	var volume string
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(DISTINCT user_address),
			COALESCE(SUM(amount), 0)::TEXT,
			COUNT(*),
			COUNT(*) FILTER (WHERE closed_at >= $1),
			COALESCE((
				SELECT AVG(win_rate) FROM (
					SELECT AVG(CASE WHEN pnl > 0 THEN 1.0 ELSE 0.0 END) AS win_rate
					FROM position_history GROUP BY user_address
				) per_user
			), 0)::FLOAT8
		FROM position_history`,
		dayStart,
	).Scan(&st.DistinctUsers, &volume, &st.TotalPositions, &st.PositionsToday, &st.AvgWinRate)
	if err != nil {
		return st, fmt.Errorf("postgres: history stats: %w", err)
	}
	if st.TotalVolume, err = decimal.NewFromString(volume); err != nil {
		return st, fmt.Errorf("postgres: history stats volume %q: %w", volume, err)
	}
	return st, nil
}

func (s *HistoryStore) list(ctx context.Context, q *listQuery) ([]domain.SettledPosition, error) {
	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var out []domain.SettledPosition
	for rows.Next() {
		p, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanHistory(row pgx.Row) (domain.SettledPosition, error) {
	var p domain.SettledPosition
	var id int64
	var leverage int
	var amount, pnl, fee, final string
	err := row.Scan(&id, &p.User, &amount, &leverage, &p.OpenTimestamp, &p.ClosedAt,
		&pnl, &fee, &final, &p.Accuracy, &p.CorrectDirections,
		&p.PredictionCommitmentID, &p.ActualCommitmentID, &p.CloseTxHash, &p.Relayed)
	if err != nil {
		return p, err
	}
	p.PositionID = uint64(id)
	p.Leverage = uint16(leverage)
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{{&p.Amount, amount}, {&p.PnL, pnl}, {&p.Fee, fee}, {&p.FinalAmount, final}} {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return p, fmt.Errorf("parse numeric %q: %w", f.raw, err)
		}
	}
	return p, nil
}

var _ domain.HistoryStore = (*HistoryStore)(nil)
